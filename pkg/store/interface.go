package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/weeklyloan/pkg/models"
)

var (
	ErrLoanNotFound    = errors.New("loan not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrPaymentLinked   = errors.New("payment already linked to a loan")
)

// AllocationRecord is everything one allocated payment changes. It is written
// atomically: the payment (inserted, or linked if it was stored unlinked), the
// allocation, the updated installments, the ledger transaction and the loan
// status.
type AllocationRecord struct {
	Payment      *models.Payment
	LinkExisting bool
	Allocation   *models.Allocation
	Installments []models.Installment
	Transaction  *models.Transaction
	LoanStatus   models.LoanStatus
	UpdatedAt    time.Time
}

// Storage defines the interface for database operations related to loans, schedules and payments.
type Storage interface {
	CreateLoan(ctx context.Context, loan *models.Loan, installments []models.Installment, disbursement *models.Transaction) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	GetAllLoans(ctx context.Context) ([]*models.Loan, error)
	GetAllActiveLoans(ctx context.Context) ([]*models.Loan, error)
	GetActiveLoansDisbursedBetween(ctx context.Context, from, to time.Time) ([]*models.Loan, error)

	GetInstallments(ctx context.Context, loanID uuid.UUID) ([]models.Installment, error)
	// RecordOverdue writes the swept installments and their penalty
	// transactions atomically.
	RecordOverdue(ctx context.Context, loanID uuid.UUID, installments []models.Installment, penalties []*models.Transaction) error

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetPaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error)
	GetUnlinkedPayments(ctx context.Context) ([]*models.Payment, error)
	GetAllocation(ctx context.Context, paymentID uuid.UUID) (*models.Allocation, error)
	RecordAllocation(ctx context.Context, rec AllocationRecord) error

	CreateTransaction(ctx context.Context, transaction *models.Transaction) error
	GetTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error)

	Close() error
}
