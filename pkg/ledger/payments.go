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

type PaymentInput struct {
	LoanID      *uuid.UUID
	Amount      decimal.Decimal
	PaymentDate time.Time
	Reference   string
}

// Receipt is what recording a payment produced. Allocation is nil when the
// payment could not be linked; Matches then lists the candidate loans.
type Receipt struct {
	Payment    *models.Payment              `json:"payment"`
	Allocation *models.Allocation           `json:"allocation,omitempty"`
	Warning    *schedule.OverpaymentWarning `json:"warning,omitempty"`
	Matches    []uuid.UUID                  `json:"matches,omitempty"`
}

// RecordPayment stores a payment and, when it can be tied to a loan, allocates
// it against that loan's installments. A payment without a loan id is matched
// against active loans disbursed near the payment date.
func (l *Ledger) RecordPayment(ctx context.Context, in PaymentInput) (*Receipt, error) {
	if !in.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	paidAt := in.PaymentDate
	if paidAt.IsZero() {
		paidAt = l.now()
	}

	payment := &models.Payment{
		ID:          uuid.New(),
		Amount:      in.Amount,
		PaymentDate: paidAt.UTC(),
		Reference:   in.Reference,
		CreatedAt:   l.now(),
	}

	var candidates []linking.Candidate
	if in.LoanID != nil {
		if _, err := l.storage.GetLoan(ctx, *in.LoanID); err != nil {
			return nil, err
		}
		id := *in.LoanID
		payment.LoanID = &id
	} else {
		from := payment.PaymentDate.Add(-l.matcher.DateWindow)
		to := payment.PaymentDate.Add(l.matcher.DateWindow)
		loans, err := l.storage.GetActiveLoansDisbursedBetween(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("failed to load link candidates: %w", err)
		}
		for _, loan := range loans {
			candidates = append(candidates, linking.CandidateFromLoan(loan))
		}
	}

	res := l.matcher.Resolve(*payment, candidates)
	payment.LinkStatus = res.Status
	payment.LoanID = res.LoanID

	if res.LoanID == nil {
		if err := l.storage.CreatePayment(ctx, payment); err != nil {
			return nil, fmt.Errorf("failed to store payment: %w", err)
		}
		metrics.PaymentsRecorded.WithLabelValues(string(payment.LinkStatus)).Inc()
		logger.CtxWarn(ctx, "payment left unlinked",
			slog.String("payment_id", payment.ID.String()),
			slog.String("amount", payment.Amount.String()),
			slog.Int("matches", len(res.Matches)),
		)
		return &Receipt{Payment: payment, Matches: res.Matches}, nil
	}

	receipt, err := l.allocate(ctx, payment, false)
	if err != nil {
		return nil, err
	}
	receipt.Matches = res.Matches
	return receipt, nil
}

// LinkPayment attaches a stored unlinked payment to a loan by hand and
// allocates it.
func (l *Ledger) LinkPayment(ctx context.Context, paymentID, loanID uuid.UUID) (*Receipt, error) {
	payment, err := l.storage.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.LoanID != nil {
		return nil, ErrAlreadyLinked
	}
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}

	id := loanID
	payment.LoanID = &id
	payment.LinkStatus = models.LinkStatusManualLinked
	return l.allocate(ctx, payment, true)
}

// allocate applies a linked payment to its loan and persists every resulting
// change in one storage call. Payments to a closed loan are accepted and the
// whole amount is reported as excess.
func (l *Ledger) allocate(ctx context.Context, payment *models.Payment, linkExisting bool) (*Receipt, error) {
	loanID := *payment.LoanID
	unlock := l.locks.lock(loanID)
	defer unlock()

	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	installments, err := l.storage.GetInstallments(ctx, loanID)
	if err != nil {
		return nil, err
	}

	outcome := schedule.Allocate(payment.Amount, installments)
	now := l.now()
	alloc := outcome.Allocation
	alloc.PaymentID = payment.ID
	alloc.LoanID = loanID
	alloc.CreatedAt = now

	status := loan.Status
	if status == models.LoanStatusActive && fullyRepaid(outcome.Installments) {
		status = models.LoanStatusClosed
	}

	err = l.storage.RecordAllocation(ctx, store.AllocationRecord{
		Payment:      payment,
		LinkExisting: linkExisting,
		Allocation:   &alloc,
		Installments: outcome.Installments,
		Transaction: &models.Transaction{
			ID:        uuid.New(),
			LoanID:    loanID,
			Amount:    payment.Amount,
			Type:      models.TransactionTypePayment,
			Timestamp: now,
		},
		LoanStatus: status,
		UpdatedAt:  now,
	})
	if err != nil {
		if errors.Is(err, store.ErrPaymentLinked) {
			return nil, ErrAlreadyLinked
		}
		return nil, fmt.Errorf("failed to record allocation: %w", err)
	}

	metrics.PaymentsRecorded.WithLabelValues(string(payment.LinkStatus)).Inc()
	attrs := []slog.Attr{
		slog.String("payment_id", payment.ID.String()),
		slog.String("loan_id", loanID.String()),
		slog.String("link_status", string(payment.LinkStatus)),
		slog.String("amount", payment.Amount.String()),
	}
	if outcome.Warning != nil {
		metrics.Overpayments.Inc()
		logger.CtxWarn(ctx, outcome.Warning.String(), attrs...)
	}
	if status != loan.Status {
		metrics.LoansClosed.Inc()
		logger.CtxInfo(ctx, "loan closed", slog.String("loan_id", loanID.String()))
	}
	logger.CtxInfo(ctx, "payment allocated", attrs...)

	return &Receipt{Payment: payment, Allocation: &alloc, Warning: outcome.Warning}, nil
}

func fullyRepaid(installments []models.Installment) bool {
	for _, inst := range installments {
		if inst.Outstanding().IsPositive() {
			return false
		}
	}
	return true
}

// MarkOverdue moves pending and partial installments due before asOf's
// calendar day to overdue, assessing the configured penalty once per
// installment. It returns how many installments changed.
func (l *Ledger) MarkOverdue(ctx context.Context, asOf time.Time) (int, error) {
	loans, err := l.storage.GetAllActiveLoans(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get active loans: %w", err)
	}

	today := schedule.CalendarDay(asOf)
	marked := 0
	var errs []error
	for _, loan := range loans {
		n, err := l.markLoanOverdue(ctx, loan.ID, today)
		if err != nil {
			logger.CtxError(ctx, "overdue sweep failed for loan", err, slog.String("loan_id", loan.ID.String()))
			errs = append(errs, fmt.Errorf("loan %s: %w", loan.ID, err))
			continue
		}
		marked += n
	}

	metrics.InstallmentsMarkedOverdue.Add(float64(marked))
	if marked > 0 {
		logger.CtxInfo(ctx, "overdue sweep finished",
			slog.Int("installments", marked),
			slog.Time("as_of", today),
		)
	}
	return marked, errors.Join(errs...)
}

func (l *Ledger) markLoanOverdue(ctx context.Context, loanID uuid.UUID, today time.Time) (int, error) {
	unlock := l.locks.lock(loanID)
	defer unlock()

	installments, err := l.storage.GetInstallments(ctx, loanID)
	if err != nil {
		return 0, err
	}

	now := l.now()
	var penalties []*models.Transaction
	marked := 0
	for i := range installments {
		inst := &installments[i]
		if inst.Status != models.InstallmentStatusPending && inst.Status != models.InstallmentStatusPartial {
			continue
		}
		if !inst.DueDate.Before(today) || !inst.RemainingAmount.IsPositive() {
			continue
		}
		inst.Status = models.InstallmentStatusOverdue
		marked++

		if l.penaltyRate.IsPositive() && inst.PenaltyDue.IsZero() {
			penalty := inst.AmountDue.Mul(l.penaltyRate).Round(l.defaults.RoundingPlaces)
			if penalty.IsPositive() {
				inst.PenaltyDue = penalty
				penalties = append(penalties, &models.Transaction{
					ID:        uuid.New(),
					LoanID:    loanID,
					Amount:    penalty,
					Type:      models.TransactionTypePenalty,
					Timestamp: now,
				})
			}
		}
	}
	if marked == 0 {
		return 0, nil
	}

	if err := l.storage.RecordOverdue(ctx, loanID, installments, penalties); err != nil {
		return 0, fmt.Errorf("failed to record overdue installments: %w", err)
	}
	return marked, nil
}
