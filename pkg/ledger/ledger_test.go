package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/weeklyloan/pkg/models"
	"github.com/mcclellann/weeklyloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockStore is a simple in-memory implementation of the Storage interface for testing.
type MockStore struct {
	mu           sync.Mutex
	loans        map[uuid.UUID]*models.Loan
	installments map[uuid.UUID][]models.Installment
	payments     map[uuid.UUID]*models.Payment
	allocations  map[uuid.UUID]*models.Allocation
	transactions []*models.Transaction

	failTransactions error
}

func NewMockStore() *MockStore {
	return &MockStore{
		loans:        make(map[uuid.UUID]*models.Loan),
		installments: make(map[uuid.UUID][]models.Installment),
		payments:     make(map[uuid.UUID]*models.Payment),
		allocations:  make(map[uuid.UUID]*models.Allocation),
	}
}

func (m *MockStore) CreateLoan(_ context.Context, loan *models.Loan, installments []models.Installment, disbursement *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *loan
	m.loans[loan.ID] = &cp
	m.installments[loan.ID] = append([]models.Installment(nil), installments...)
	if disbursement != nil {
		m.transactions = append(m.transactions, disbursement)
	}
	return nil
}

func (m *MockStore) GetLoan(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	cp := *loan
	return &cp, nil
}

func (m *MockStore) GetAllLoans(_ context.Context) ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loans := []*models.Loan{}
	for _, l := range m.loans {
		cp := *l
		loans = append(loans, &cp)
	}
	return loans, nil
}

func (m *MockStore) GetAllActiveLoans(ctx context.Context) ([]*models.Loan, error) {
	all, _ := m.GetAllLoans(ctx)
	loans := []*models.Loan{}
	for _, l := range all {
		if l.Status == models.LoanStatusActive {
			loans = append(loans, l)
		}
	}
	return loans, nil
}

func (m *MockStore) GetActiveLoansDisbursedBetween(ctx context.Context, from, to time.Time) ([]*models.Loan, error) {
	active, _ := m.GetAllActiveLoans(ctx)
	loans := []*models.Loan{}
	for _, l := range active {
		if !l.DisbursementDate.Before(from) && !l.DisbursementDate.After(to) {
			loans = append(loans, l)
		}
	}
	return loans, nil
}

func (m *MockStore) GetInstallments(_ context.Context, loanID uuid.UUID) ([]models.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Installment(nil), m.installments[loanID]...), nil
}

// RecordOverdue applies nothing when failTransactions is set, mirroring the
// rollback of the SQL store.
func (m *MockStore) RecordOverdue(_ context.Context, loanID uuid.UUID, installments []models.Installment, penalties []*models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(penalties) > 0 && m.failTransactions != nil {
		return m.failTransactions
	}
	if err := m.updateInstallments(loanID, installments); err != nil {
		return err
	}
	m.transactions = append(m.transactions, penalties...)
	return nil
}

func (m *MockStore) updateInstallments(loanID uuid.UUID, installments []models.Installment) error {
	stored, ok := m.installments[loanID]
	if !ok {
		return store.ErrLoanNotFound
	}
	for _, inst := range installments {
		for i := range stored {
			if stored[i].Number == inst.Number {
				stored[i] = inst
			}
		}
	}
	return nil
}

func (m *MockStore) CreatePayment(_ context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *payment
	m.payments[payment.ID] = &cp
	return nil
}

func (m *MockStore) GetPayment(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockStore) GetPaymentsForLoan(_ context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Payment{}
	for _, p := range m.payments {
		if p.LoanID != nil && *p.LoanID == loanID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockStore) GetUnlinkedPayments(_ context.Context) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Payment{}
	for _, p := range m.payments {
		if p.LoanID == nil {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockStore) GetAllocation(_ context.Context, paymentID uuid.UUID) (*models.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocations[paymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	return a, nil
}

func (m *MockStore) RecordAllocation(_ context.Context, rec store.AllocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loanID := *rec.Payment.LoanID
	if rec.LinkExisting {
		existing, ok := m.payments[rec.Payment.ID]
		if !ok {
			return store.ErrPaymentNotFound
		}
		if existing.LoanID != nil {
			return store.ErrPaymentLinked
		}
	}
	cp := *rec.Payment
	m.payments[cp.ID] = &cp
	m.allocations[cp.ID] = rec.Allocation
	if err := m.updateInstallments(loanID, rec.Installments); err != nil {
		return err
	}
	if rec.Transaction != nil {
		m.transactions = append(m.transactions, rec.Transaction)
	}
	m.loans[loanID].Status = rec.LoanStatus
	m.loans[loanID].UpdatedAt = rec.UpdatedAt
	return nil
}

func (m *MockStore) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTransactions != nil {
		return m.failTransactions
	}
	m.transactions = append(m.transactions, tx)
	return nil
}

func (m *MockStore) GetTransactionsForLoan(_ context.Context, loanID uuid.UUID) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txs := []*models.Transaction{}
	for _, tx := range m.transactions {
		if tx.LoanID == loanID {
			txs = append(txs, tx)
		}
	}
	return txs, nil
}

func (m *MockStore) Close() error {
	return nil
}

var (
	disbursedOn = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	fixedNow    = time.Date(2025, 1, 10, 9, 30, 0, 0, time.UTC)
)

func newTestLedger(s *MockStore, opts ...Option) *Ledger {
	return NewLedger(s, append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func createLoan(t *testing.T, l *Ledger, principal int64, on time.Time) *LoanView {
	t.Helper()
	view, err := l.CreateLoan(context.Background(), LoanInput{
		CustomerKey:      "cust123",
		Principal:        decimal.NewFromInt(principal),
		DisbursementDate: on,
	})
	require.NoError(t, err)
	return view
}

func assertDecimal(t *testing.T, want int64, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, decimal.NewFromInt(want).Equal(got), "%s: want %d, got %s", msg, want, got)
}

func TestCreateLoan(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)

	view := createLoan(t, l, 10000, disbursedOn.Add(15*time.Hour))

	assert.Equal(t, models.LoanStatusActive, view.Loan.Status)
	assert.Equal(t, disbursedOn, view.Loan.DisbursementDate)
	assertDecimal(t, 8820, view.Loan.NetDisbursement, "net disbursement")
	assertDecimal(t, 12000, view.Loan.TotalRepayable, "total repayable")
	assertDecimal(t, 857, view.Loan.InstallmentAmount, "installment amount")
	require.Len(t, view.Installments, 14)
	for _, inst := range view.Installments {
		assert.Equal(t, view.Loan.ID, inst.LoanID)
	}

	require.Len(t, s.transactions, 1)
	assert.Equal(t, models.TransactionTypeDisbursement, s.transactions[0].Type)
	assertDecimal(t, 8820, s.transactions[0].Amount, "disbursement amount")
}

func TestCreateLoan_InvalidPrincipal(t *testing.T) {
	l := newTestLedger(NewMockStore())

	_, err := l.CreateLoan(context.Background(), LoanInput{Principal: decimal.Zero, DisbursementDate: disbursedOn})
	assert.Error(t, err)
}

func TestCreateLoan_TermsOverride(t *testing.T) {
	l := newTestLedger(NewMockStore())
	count, interval := 10, 14

	view, err := l.CreateLoan(context.Background(), LoanInput{
		Principal:        decimal.NewFromInt(5000),
		DisbursementDate: disbursedOn,
		Terms:            Terms{InstallmentCount: &count, IntervalDays: &interval},
	})

	require.NoError(t, err)
	require.Len(t, view.Installments, 10)
	assert.Equal(t, disbursedOn.AddDate(0, 0, 14), view.Installments[0].DueDate)
	assert.Equal(t, 14, view.Loan.IntervalDays)
}

func TestRecordPayment_ExplicitLoan(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	view := createLoan(t, l, 10000, disbursedOn)
	loanID := view.Loan.ID

	receipt, err := l.RecordPayment(context.Background(), PaymentInput{
		LoanID:      &loanID,
		Amount:      decimal.NewFromInt(500),
		PaymentDate: disbursedOn.AddDate(0, 0, 7),
	})

	require.NoError(t, err)
	assert.Equal(t, models.LinkStatusLinked, receipt.Payment.LinkStatus)
	require.NotNil(t, receipt.Allocation)
	assertDecimal(t, 143, receipt.Allocation.Interest, "interest allocated")
	assertDecimal(t, 357, receipt.Allocation.Principal, "principal allocated")
	assert.Nil(t, receipt.Warning)

	sched, err := l.GetSchedule(context.Background(), loanID)
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentStatusPartial, sched.Installments[0].Status)
	assertDecimal(t, 357, sched.Installments[0].RemainingAmount, "remaining")

	payments, err := l.GetPayments(context.Background(), loanID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestRecordPayment_Validation(t *testing.T) {
	l := newTestLedger(NewMockStore())

	_, err := l.RecordPayment(context.Background(), PaymentInput{Amount: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	missing := uuid.New()
	_, err = l.RecordPayment(context.Background(), PaymentInput{LoanID: &missing, Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, ErrLoanNotFound)
}

func TestRecordPayment_AutoLink(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	view := createLoan(t, l, 10000, disbursedOn)
	createLoan(t, l, 20000, disbursedOn)

	receipt, err := l.RecordPayment(context.Background(), PaymentInput{
		Amount:      decimal.NewFromInt(857),
		PaymentDate: disbursedOn.AddDate(0, 0, 7),
	})

	require.NoError(t, err)
	assert.Equal(t, models.LinkStatusAutoLinked, receipt.Payment.LinkStatus)
	require.NotNil(t, receipt.Payment.LoanID)
	assert.Equal(t, view.Loan.ID, *receipt.Payment.LoanID)
	assert.Equal(t, []uuid.UUID{view.Loan.ID}, receipt.Matches)

	sched, err := l.GetSchedule(context.Background(), view.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentStatusPaid, sched.Installments[0].Status)
}

func TestRecordPayment_AmbiguousThenManualLink(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	l := newTestLedger(s)
	first := createLoan(t, l, 10000, disbursedOn)
	second := createLoan(t, l, 10000, disbursedOn.AddDate(0, 0, 2))

	receipt, err := l.RecordPayment(ctx, PaymentInput{
		Amount:      decimal.NewFromInt(857),
		PaymentDate: disbursedOn.AddDate(0, 0, 7),
		Reference:   "UTR-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.LinkStatusUnlinked, receipt.Payment.LinkStatus)
	assert.Nil(t, receipt.Payment.LoanID)
	assert.Nil(t, receipt.Allocation)
	assert.ElementsMatch(t, []uuid.UUID{first.Loan.ID, second.Loan.ID}, receipt.Matches)

	unlinked, err := l.GetUnlinkedPayments(ctx)
	require.NoError(t, err)
	require.Len(t, unlinked, 1)

	linked, err := l.LinkPayment(ctx, receipt.Payment.ID, second.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LinkStatusManualLinked, linked.Payment.LinkStatus)
	assertDecimal(t, 857, linked.Allocation.Interest.Add(linked.Allocation.Principal), "allocated")

	alloc, err := l.GetAllocation(ctx, receipt.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Loan.ID, alloc.LoanID)

	_, err = l.LinkPayment(ctx, receipt.Payment.ID, first.Loan.ID)
	assert.ErrorIs(t, err, ErrAlreadyLinked)

	unlinked, err = l.GetUnlinkedPayments(ctx)
	require.NoError(t, err)
	assert.Empty(t, unlinked)
}

func TestRecordPayment_NoMatchStaysUnlinked(t *testing.T) {
	l := newTestLedger(NewMockStore())
	createLoan(t, l, 10000, disbursedOn)

	receipt, err := l.RecordPayment(context.Background(), PaymentInput{
		Amount:      decimal.NewFromInt(400),
		PaymentDate: disbursedOn.AddDate(0, 0, 7),
	})

	require.NoError(t, err)
	assert.Equal(t, models.LinkStatusUnlinked, receipt.Payment.LinkStatus)
	assert.Empty(t, receipt.Matches)
}

func TestLinkPayment_UnknownPayment(t *testing.T) {
	l := newTestLedger(NewMockStore())
	_, err := l.LinkPayment(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestRecordPayment_OverpaymentClosesLoan(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	l := newTestLedger(s)
	view := createLoan(t, l, 10000, disbursedOn)
	loanID := view.Loan.ID

	receipt, err := l.RecordPayment(ctx, PaymentInput{LoanID: &loanID, Amount: decimal.NewFromInt(12500)})

	require.NoError(t, err)
	require.NotNil(t, receipt.Warning)
	assertDecimal(t, 500, receipt.Warning.Excess, "excess")
	assertDecimal(t, 500, receipt.Allocation.Excess, "allocation excess")

	loan, err := l.GetLoan(ctx, loanID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusClosed, loan.Status)

	// A closed loan still accepts money, all of it as excess.
	receipt, err = l.RecordPayment(ctx, PaymentInput{LoanID: &loanID, Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	require.NotNil(t, receipt.Warning)
	assertDecimal(t, 100, receipt.Warning.Excess, "excess on closed loan")

	txs, err := s.GetTransactionsForLoan(ctx, loanID)
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}

func TestMarkOverdue(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	l := newTestLedger(s, WithPenaltyRate(decimal.NewFromFloat(0.05)))
	view := createLoan(t, l, 10000, disbursedOn)
	loanID := view.Loan.ID

	// Part-pay the first installment so it is partial when it goes overdue.
	_, err := l.RecordPayment(ctx, PaymentInput{LoanID: &loanID, Amount: decimal.NewFromInt(200)})
	require.NoError(t, err)

	// Installments 1 and 2 fall due on Jan 13 and Jan 20; Jan 20 itself is not yet overdue.
	asOf := time.Date(2025, 1, 20, 23, 0, 0, 0, time.UTC)
	n, err := l.MarkOverdue(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sched, err := l.GetSchedule(ctx, loanID)
	require.NoError(t, err)
	first := sched.Installments[0]
	assert.Equal(t, models.InstallmentStatusOverdue, first.Status)
	assertDecimal(t, 43, first.PenaltyDue, "penalty")
	assert.Equal(t, models.InstallmentStatusPending, sched.Installments[1].Status)

	// A second sweep on the same day changes nothing and assesses no new penalty.
	n, err = l.MarkOverdue(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	txs, err := s.GetTransactionsForLoan(ctx, loanID)
	require.NoError(t, err)
	penalties := 0
	for _, tx := range txs {
		if tx.Type == models.TransactionTypePenalty {
			penalties++
		}
	}
	assert.Equal(t, 1, penalties)

	// The next payment clears the penalty before interest and principal.
	receipt, err := l.RecordPayment(ctx, PaymentInput{LoanID: &loanID, Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assertDecimal(t, 43, receipt.Allocation.Penalty, "penalty paid")
	assertDecimal(t, 0, receipt.Allocation.Interest, "interest paid")
	assertDecimal(t, 57, receipt.Allocation.Principal, "principal paid")
}

func TestMarkOverdue_PenaltyWriteFailureLeavesInstallmentsUntouched(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	l := newTestLedger(s, WithPenaltyRate(decimal.NewFromFloat(0.05)))
	view := createLoan(t, l, 10000, disbursedOn)
	loanID := view.Loan.ID
	asOf := time.Date(2025, 1, 14, 0, 0, 0, 0, time.UTC)

	s.failTransactions = errors.New("disk full")
	n, err := l.MarkOverdue(ctx, asOf)
	require.Error(t, err)
	assert.Equal(t, 0, n)

	sched, err := l.GetSchedule(ctx, loanID)
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentStatusPending, sched.Installments[0].Status)
	assert.True(t, sched.Installments[0].PenaltyDue.IsZero())

	// Once the store recovers the retried sweep assesses the penalty and its ledger entry together.
	s.failTransactions = nil
	n, err = l.MarkOverdue(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sched, err = l.GetSchedule(ctx, loanID)
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentStatusOverdue, sched.Installments[0].Status)
	assertDecimal(t, 43, sched.Installments[0].PenaltyDue, "penalty")

	txs, err := s.GetTransactionsForLoan(ctx, loanID)
	require.NoError(t, err)
	penalties := 0
	for _, tx := range txs {
		if tx.Type == models.TransactionTypePenalty {
			penalties++
			assertDecimal(t, 43, tx.Amount, "penalty transaction")
		}
	}
	assert.Equal(t, 1, penalties)
}

func TestConcurrentPaymentsOnOneLoan(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	l := newTestLedger(s)
	view := createLoan(t, l, 10000, disbursedOn)
	loanID := view.Loan.ID

	var wg sync.WaitGroup
	for i := 0; i < 14; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordPayment(ctx, PaymentInput{LoanID: &loanID, Amount: decimal.NewFromInt(857)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sched, err := l.GetSchedule(ctx, loanID)
	require.NoError(t, err)
	assertDecimal(t, 2, sched.Summary.Outstanding, "outstanding after 14 x 857")
	assert.Equal(t, 13, sched.Summary.Paid)
	assert.Equal(t, models.LoanStatusActive, sched.Loan.Status)
}
