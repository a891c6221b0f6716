package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/weeklyloan/pkg/linking"
	"github.com/mcclellann/weeklyloan/pkg/logger"
	"github.com/mcclellann/weeklyloan/pkg/metrics"
	"github.com/mcclellann/weeklyloan/pkg/models"
	"github.com/mcclellann/weeklyloan/pkg/schedule"
	"github.com/mcclellann/weeklyloan/pkg/store"
	"github.com/shopspring/decimal"
)

var (
	ErrLoanNotFound    = store.ErrLoanNotFound
	ErrPaymentNotFound = store.ErrPaymentNotFound
	ErrAlreadyLinked   = store.ErrPaymentLinked
	ErrInvalidAmount   = errors.New("payment amount must be positive")
)

// Ledger handles the business logic for loans, schedules and payments.
type Ledger struct {
	storage     store.Storage
	defaults    schedule.Config
	matcher     *linking.Matcher
	penaltyRate decimal.Decimal
	locks       *loanLocks
	now         func() time.Time
}

type Option func(*Ledger)

// WithScheduleDefaults sets the product terms used when a loan request does not override them.
func WithScheduleDefaults(cfg schedule.Config) Option {
	return func(l *Ledger) { l.defaults = cfg }
}

func WithMatcher(m *linking.Matcher) Option {
	return func(l *Ledger) { l.matcher = m }
}

// WithPenaltyRate sets the one-time penalty, as a fraction of the amount due,
// assessed when an installment first turns overdue. Zero disables penalties.
func WithPenaltyRate(rate decimal.Decimal) Option {
	return func(l *Ledger) { l.penaltyRate = rate }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:     s,
		defaults:    schedule.DefaultConfig(),
		matcher:     linking.NewMatcher(),
		penaltyRate: decimal.Zero,
		locks:       newLoanLocks(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Terms overrides the ledger's default product terms for one loan. Nil
// fields keep the default.
type Terms struct {
	FeeRate          *decimal.Decimal      `json:"fee_rate,omitempty"`
	GSTRate          *decimal.Decimal      `json:"gst_rate,omitempty"`
	InterestRate     *decimal.Decimal      `json:"interest_rate,omitempty"`
	InstallmentCount *int                  `json:"installment_count,omitempty"`
	IntervalDays     *int                  `json:"interval_days,omitempty"`
	InterestMethod   models.InterestMethod `json:"interest_method,omitempty"`
}

type LoanInput struct {
	CustomerKey      string
	Principal        decimal.Decimal
	DisbursementDate time.Time
	Terms            Terms
}

// LoanView is a loan together with its fee breakdown and schedule.
type LoanView struct {
	Loan         *models.Loan          `json:"loan"`
	Fees         schedule.FeeBreakdown `json:"fee_breakdown"`
	Installments []models.Installment  `json:"schedule"`
	Summary      *schedule.Summary     `json:"summary,omitempty"`
}

func (l *Ledger) scheduleConfig(t Terms) schedule.Config {
	cfg := l.defaults
	if t.FeeRate != nil {
		cfg.FeeRate = *t.FeeRate
	}
	if t.GSTRate != nil {
		cfg.GSTRate = *t.GSTRate
	}
	if t.InterestRate != nil {
		cfg.InterestRate = *t.InterestRate
	}
	if t.InstallmentCount != nil {
		cfg.InstallmentCount = *t.InstallmentCount
	}
	if t.IntervalDays != nil {
		cfg.IntervalDays = *t.IntervalDays
	}
	if t.InterestMethod != "" {
		cfg.InterestMethod = t.InterestMethod
	}
	return cfg
}

// PreviewSchedule runs the schedule engine without storing anything.
func (l *Ledger) PreviewSchedule(in LoanInput) (*schedule.Result, error) {
	return schedule.Generate(in.Principal, in.DisbursementDate, l.scheduleConfig(in.Terms))
}

// CreateLoan generates the schedule for a new loan and stores the loan, its
// installments and the net disbursement in one go.
func (l *Ledger) CreateLoan(ctx context.Context, in LoanInput) (*LoanView, error) {
	cfg := l.scheduleConfig(in.Terms)
	res, err := schedule.Generate(in.Principal, in.DisbursementDate, cfg)
	if err != nil {
		return nil, err
	}

	now := l.now()
	loan := &models.Loan{
		ID:                uuid.New(),
		CustomerKey:       in.CustomerKey,
		Principal:         res.Fees.Principal,
		DisbursementDate:  schedule.CalendarDay(in.DisbursementDate),
		FeeRate:           cfg.FeeRate,
		GSTRate:           cfg.GSTRate,
		InterestRate:      cfg.InterestRate,
		InterestMethod:    cfg.InterestMethod,
		InstallmentCount:  cfg.InstallmentCount,
		IntervalDays:      cfg.IntervalDays,
		InstallmentAmount: res.Fees.InstallmentAmount,
		ProcessingFee:     res.Fees.ProcessingFee,
		GSTOnFee:          res.Fees.GSTOnFee,
		NetDisbursement:   res.Fees.NetDisbursement,
		Interest:          res.Fees.Interest,
		TotalRepayable:    res.Fees.TotalRepayable,
		Status:            models.LoanStatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for i := range res.Installments {
		res.Installments[i].LoanID = loan.ID
	}

	disbursement := &models.Transaction{
		ID:        uuid.New(),
		LoanID:    loan.ID,
		Amount:    loan.NetDisbursement,
		Type:      models.TransactionTypeDisbursement,
		Timestamp: now,
	}
	if err := l.storage.CreateLoan(ctx, loan, res.Installments, disbursement); err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}

	metrics.LoansCreated.WithLabelValues(string(loan.InterestMethod)).Inc()
	logger.CtxInfo(ctx, "loan created",
		slog.String("loan_id", loan.ID.String()),
		slog.String("principal", loan.Principal.String()),
		slog.String("total_repayable", loan.TotalRepayable.String()),
		slog.Int("installments", len(res.Installments)),
	)

	return &LoanView{Loan: loan, Fees: res.Fees, Installments: res.Installments}, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(ctx, id)
}

// GetAllLoans retrieves all loans.
func (l *Ledger) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	return l.storage.GetAllLoans(ctx)
}

// GetSchedule returns a loan with its current installments and a summary.
func (l *Ledger) GetSchedule(ctx context.Context, id uuid.UUID) (*LoanView, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	installments, err := l.storage.GetInstallments(ctx, id)
	if err != nil {
		return nil, err
	}
	summary := schedule.Summarize(installments, l.now())
	return &LoanView{
		Loan:         loan,
		Fees:         feesFromLoan(loan),
		Installments: installments,
		Summary:      &summary,
	}, nil
}

// GetPayments lists the payments linked to a loan.
func (l *Ledger) GetPayments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.GetPaymentsForLoan(ctx, loanID)
}

// GetUnlinkedPayments lists payments waiting for manual resolution.
func (l *Ledger) GetUnlinkedPayments(ctx context.Context) ([]*models.Payment, error) {
	return l.storage.GetUnlinkedPayments(ctx)
}

func (l *Ledger) GetAllocation(ctx context.Context, paymentID uuid.UUID) (*models.Allocation, error) {
	return l.storage.GetAllocation(ctx, paymentID)
}

func feesFromLoan(loan *models.Loan) schedule.FeeBreakdown {
	return schedule.FeeBreakdown{
		Principal:         loan.Principal,
		ProcessingFee:     loan.ProcessingFee,
		GSTOnFee:          loan.GSTOnFee,
		TotalDeduction:    loan.ProcessingFee.Add(loan.GSTOnFee),
		NetDisbursement:   loan.NetDisbursement,
		Interest:          loan.Interest,
		TotalRepayable:    loan.TotalRepayable,
		InstallmentAmount: loan.InstallmentAmount,
	}
}
