package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusActive LoanStatus = "active"
	LoanStatusClosed LoanStatus = "closed"
)

type InterestMethod string

const (
	InterestMethodFlat     InterestMethod = "flat"
	InterestMethodReducing InterestMethod = "reducing" // Declining balance
)

type Loan struct {
	ID                uuid.UUID       `json:"id"`
	CustomerKey       string          `json:"customer_key"` // Link to external customer system
	Principal         decimal.Decimal `json:"principal"`
	DisbursementDate  time.Time       `json:"disbursement_date"`
	FeeRate           decimal.Decimal `json:"fee_rate"`
	GSTRate           decimal.Decimal `json:"gst_rate"`
	InterestRate      decimal.Decimal `json:"interest_rate"`
	InterestMethod    InterestMethod  `json:"interest_method"`
	InstallmentCount  int             `json:"installment_count"`
	IntervalDays      int             `json:"interval_days"`
	InstallmentAmount decimal.Decimal `json:"installment_amount"`
	ProcessingFee     decimal.Decimal `json:"processing_fee"`
	GSTOnFee          decimal.Decimal `json:"gst_on_fee"`
	NetDisbursement   decimal.Decimal `json:"net_disbursement"`
	Interest          decimal.Decimal `json:"interest"`
	TotalRepayable    decimal.Decimal `json:"total_repayable"`
	Status            LoanStatus      `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type InstallmentStatus string

const (
	InstallmentStatusPending InstallmentStatus = "pending"
	InstallmentStatusPartial InstallmentStatus = "partial"
	InstallmentStatusPaid    InstallmentStatus = "paid"
	InstallmentStatusOverdue InstallmentStatus = "overdue"
)

// Installment is one row of a loan's repayment schedule. Only the paid,
// remaining, penalty and status fields change after origination.
type Installment struct {
	LoanID             uuid.UUID         `json:"loan_id"`
	Number             int               `json:"installment_number"`
	DueDate            time.Time         `json:"due_date"`
	AmountDue          decimal.Decimal   `json:"amount_due"`
	PrincipalComponent decimal.Decimal   `json:"principal_component"`
	InterestComponent  decimal.Decimal   `json:"interest_component"`
	PrincipalPaid      decimal.Decimal   `json:"principal_paid"`
	InterestPaid       decimal.Decimal   `json:"interest_paid"`
	PenaltyDue         decimal.Decimal   `json:"penalty_due"`
	PenaltyPaid        decimal.Decimal   `json:"penalty_paid"`
	PaidAmount         decimal.Decimal   `json:"paid_amount"`
	RemainingAmount    decimal.Decimal   `json:"remaining_amount"`
	Status             InstallmentStatus `json:"status"`
}

// PenaltyOutstanding is the assessed penalty not yet covered by payments.
func (i Installment) PenaltyOutstanding() decimal.Decimal {
	out := i.PenaltyDue.Sub(i.PenaltyPaid)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// Outstanding is everything still owed on the installment, penalty included.
func (i Installment) Outstanding() decimal.Decimal {
	return i.RemainingAmount.Add(i.PenaltyOutstanding())
}

type LinkStatus string

const (
	LinkStatusLinked       LinkStatus = "LINKED"
	LinkStatusAutoLinked   LinkStatus = "AUTO_LINKED"
	LinkStatusManualLinked LinkStatus = "MANUAL_LINKED"
	LinkStatusUnlinked     LinkStatus = "UNLINKED"
)

// Payment is append-only. LoanID is nil while the payment is unlinked.
type Payment struct {
	ID          uuid.UUID       `json:"id"`
	LoanID      *uuid.UUID      `json:"loan_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate time.Time       `json:"payment_date"`
	Reference   string          `json:"reference,omitempty"`
	LinkStatus  LinkStatus      `json:"link_status"`
	CreatedAt   time.Time       `json:"created_at"`
}

type AllocationLine struct {
	InstallmentNumber int             `json:"installment_number"`
	Penalty           decimal.Decimal `json:"penalty"`
	Interest          decimal.Decimal `json:"interest"`
	Principal         decimal.Decimal `json:"principal"`
}

// Allocation records how a payment was split across a loan's installments.
type Allocation struct {
	PaymentID uuid.UUID        `json:"payment_id"`
	LoanID    uuid.UUID        `json:"loan_id"`
	Penalty   decimal.Decimal  `json:"penalty"`
	Interest  decimal.Decimal  `json:"interest"`
	Principal decimal.Decimal  `json:"principal"`
	Excess    decimal.Decimal  `json:"excess"`
	Lines     []AllocationLine `json:"lines"`
	CreatedAt time.Time        `json:"created_at"`
}

type TransactionType string

const (
	TransactionTypeDisbursement TransactionType = "disbursement"
	TransactionTypePayment      TransactionType = "payment"
	TransactionTypePenalty      TransactionType = "penalty"
)

type Transaction struct {
	ID        uuid.UUID       `json:"id"`
	LoanID    uuid.UUID       `json:"loan_id"`
	Amount    decimal.Decimal `json:"amount"`
	Type      TransactionType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
}
