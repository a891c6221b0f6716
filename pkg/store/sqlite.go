package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/weeklyloan/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// One connection keeps writers from tripping over SQLite's file lock and
	// lets ":memory:" databases work.
	db.SetMaxOpenConns(1)

	// Manually enable foreign keys and WAL mode
	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	slog.Info("database connection established and schema initialized", slog.String("dsn", dataSourceName))
	return s, nil
}

// initSchema creates the database tables if they don't already exist.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_key TEXT NOT NULL,
		principal TEXT NOT NULL,
		disbursement_date DATETIME NOT NULL,
		fee_rate TEXT NOT NULL,
		gst_rate TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		interest_method TEXT NOT NULL,
		installment_count INTEGER NOT NULL,
		interval_days INTEGER NOT NULL,
		installment_amount TEXT NOT NULL,
		processing_fee TEXT NOT NULL,
		gst_on_fee TEXT NOT NULL,
		net_disbursement TEXT NOT NULL,
		interest TEXT NOT NULL,
		total_repayable TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_disbursement ON loans(status, disbursement_date);
	CREATE TABLE IF NOT EXISTS installments (
		loan_id TEXT NOT NULL,
		installment_number INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		amount_due TEXT NOT NULL,
		principal_component TEXT NOT NULL,
		interest_component TEXT NOT NULL,
		principal_paid TEXT NOT NULL DEFAULT '0',
		interest_paid TEXT NOT NULL DEFAULT '0',
		penalty_due TEXT NOT NULL DEFAULT '0',
		penalty_paid TEXT NOT NULL DEFAULT '0',
		paid_amount TEXT NOT NULL DEFAULT '0',
		remaining_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (loan_id, installment_number),
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT,
		amount TEXT NOT NULL,
		payment_date DATETIME NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		link_status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_payments_loan ON payments(loan_id);
	CREATE TABLE IF NOT EXISTS allocations (
		payment_id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		penalty TEXT NOT NULL,
		interest TEXT NOT NULL,
		principal TEXT NOT NULL,
		excess TEXT NOT NULL,
		lines TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(payment_id) REFERENCES payments(id),
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const loanColumns = `id, customer_key, principal, disbursement_date, fee_rate, gst_rate, interest_rate, interest_method,
	installment_count, interval_days, installment_amount, processing_fee, gst_on_fee, net_disbursement, interest,
	total_repayable, status, created_at, updated_at`

const installmentColumns = `loan_id, installment_number, due_date, amount_due, principal_component, interest_component,
	principal_paid, interest_paid, penalty_due, penalty_paid, paid_amount, remaining_amount, status`

const paymentColumns = `id, loan_id, amount, payment_date, reference, link_status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateLoan inserts a loan, its schedule and the disbursement transaction in one transaction.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan, installments []models.Installment, disbursement *models.Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.CustomerKey, loan.Principal, loan.DisbursementDate, loan.FeeRate, loan.GSTRate,
		loan.InterestRate, string(loan.InterestMethod), loan.InstallmentCount, loan.IntervalDays, loan.InstallmentAmount,
		loan.ProcessingFee, loan.GSTOnFee, loan.NetDisbursement, loan.Interest, loan.TotalRepayable,
		string(loan.Status), loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}

	for _, inst := range installments {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO installments (`+installmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			loan.ID.String(), inst.Number, inst.DueDate, inst.AmountDue, inst.PrincipalComponent, inst.InterestComponent,
			inst.PrincipalPaid, inst.InterestPaid, inst.PenaltyDue, inst.PenaltyPaid, inst.PaidAmount,
			inst.RemainingAmount, string(inst.Status),
		)
		if err != nil {
			return fmt.Errorf("failed to create installment %d: %w", inst.Number, err)
		}
	}

	if disbursement != nil {
		if err := insertTransaction(ctx, tx, disbursement); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// GetAllLoans retrieves all loans.
func (s *SQLiteStore) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	return s.queryLoans(ctx, `SELECT `+loanColumns+` FROM loans ORDER BY created_at ASC`)
}

// GetAllActiveLoans retrieves all active loans.
func (s *SQLiteStore) GetAllActiveLoans(ctx context.Context) ([]*models.Loan, error) {
	return s.queryLoans(ctx, `SELECT `+loanColumns+` FROM loans WHERE status = ? ORDER BY created_at ASC`, string(models.LoanStatusActive))
}

// GetActiveLoansDisbursedBetween retrieves active loans disbursed in [from, to].
func (s *SQLiteStore) GetActiveLoansDisbursedBetween(ctx context.Context, from, to time.Time) ([]*models.Loan, error) {
	return s.queryLoans(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE status = ? AND disbursement_date >= ? AND disbursement_date <= ? ORDER BY created_at ASC`,
		string(models.LoanStatusActive), from, to,
	)
}

func (s *SQLiteStore) queryLoans(ctx context.Context, query string, args ...any) ([]*models.Loan, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, method, status string
	err := row.Scan(&idStr, &loan.CustomerKey, &loan.Principal, &loan.DisbursementDate, &loan.FeeRate, &loan.GSTRate,
		&loan.InterestRate, &method, &loan.InstallmentCount, &loan.IntervalDays, &loan.InstallmentAmount,
		&loan.ProcessingFee, &loan.GSTOnFee, &loan.NetDisbursement, &loan.Interest, &loan.TotalRepayable,
		&status, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("bad loan id %q: %w", idStr, err)
	}
	loan.ID = id
	loan.InterestMethod = models.InterestMethod(method)
	loan.Status = models.LoanStatus(status)
	return &loan, nil
}

// GetInstallments retrieves a loan's schedule ordered by installment number.
func (s *SQLiteStore) GetInstallments(ctx context.Context, loanID uuid.UUID) ([]models.Installment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE loan_id = ? ORDER BY installment_number ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get installments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var installments []models.Installment
	for rows.Next() {
		var inst models.Installment
		var loanIDStr, status string
		if err := rows.Scan(&loanIDStr, &inst.Number, &inst.DueDate, &inst.AmountDue, &inst.PrincipalComponent,
			&inst.InterestComponent, &inst.PrincipalPaid, &inst.InterestPaid, &inst.PenaltyDue, &inst.PenaltyPaid,
			&inst.PaidAmount, &inst.RemainingAmount, &status); err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		inst.LoanID = uuid.MustParse(loanIDStr)
		inst.Status = models.InstallmentStatus(status)
		installments = append(installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for installments: %w", err)
	}
	return installments, nil
}

// RecordOverdue writes the mutable installment fields back together with the
// penalty transactions assessed by the same sweep. Either all of it lands or
// none of it does.
func (s *SQLiteStore) RecordOverdue(ctx context.Context, loanID uuid.UUID, installments []models.Installment, penalties []*models.Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateInstallments(ctx, tx, loanID, installments); err != nil {
		return err
	}
	for _, penalty := range penalties {
		if err := insertTransaction(ctx, tx, penalty); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func updateInstallments(ctx context.Context, tx *sql.Tx, loanID uuid.UUID, installments []models.Installment) error {
	for _, inst := range installments {
		result, err := tx.ExecContext(ctx,
			`UPDATE installments SET principal_paid = ?, interest_paid = ?, penalty_due = ?, penalty_paid = ?,
			paid_amount = ?, remaining_amount = ?, status = ? WHERE loan_id = ? AND installment_number = ?`,
			inst.PrincipalPaid, inst.InterestPaid, inst.PenaltyDue, inst.PenaltyPaid, inst.PaidAmount,
			inst.RemainingAmount, string(inst.Status), loanID.String(), inst.Number,
		)
		if err != nil {
			return fmt.Errorf("failed to update installment %d: %w", inst.Number, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("installment %d of loan %s: %w", inst.Number, loanID, ErrLoanNotFound)
		}
	}
	return nil
}

// CreatePayment stores a payment that has not been allocated, typically one
// that could not be linked to a loan.
func (s *SQLiteStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if err := insertPayment(ctx, s.db, payment); err != nil {
		return err
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPayment(ctx context.Context, db execer, payment *models.Payment) error {
	var loanID sql.NullString
	if payment.LoanID != nil {
		loanID = sql.NullString{String: payment.LoanID.String(), Valid: true}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		payment.ID.String(), loanID, payment.Amount, payment.PaymentDate, payment.Reference,
		string(payment.LinkStatus), payment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by its ID.
func (s *SQLiteStore) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id.String())
	payment, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return payment, nil
}

// GetPaymentsForLoan retrieves all payments linked to a loan.
func (s *SQLiteStore) GetPaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	return s.queryPayments(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE loan_id = ? ORDER BY payment_date ASC, created_at ASC`, loanID.String())
}

// GetUnlinkedPayments retrieves payments waiting for manual resolution.
func (s *SQLiteStore) GetUnlinkedPayments(ctx context.Context) ([]*models.Payment, error) {
	return s.queryPayments(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE loan_id IS NULL ORDER BY created_at ASC`)
}

func (s *SQLiteStore) queryPayments(ctx context.Context, query string, args ...any) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payments: %w", err)
	}
	return payments, nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var payment models.Payment
	var idStr, linkStatus string
	var loanID sql.NullString
	if err := row.Scan(&idStr, &loanID, &payment.Amount, &payment.PaymentDate, &payment.Reference,
		&linkStatus, &payment.CreatedAt); err != nil {
		return nil, err
	}
	payment.ID = uuid.MustParse(idStr)
	if loanID.Valid {
		id := uuid.MustParse(loanID.String)
		payment.LoanID = &id
	}
	payment.LinkStatus = models.LinkStatus(linkStatus)
	return &payment, nil
}

// GetAllocation retrieves the allocation recorded for a payment.
func (s *SQLiteStore) GetAllocation(ctx context.Context, paymentID uuid.UUID) (*models.Allocation, error) {
	var alloc models.Allocation
	var paymentIDStr, loanIDStr, lines string
	err := s.db.QueryRowContext(ctx,
		`SELECT payment_id, loan_id, penalty, interest, principal, excess, lines, created_at FROM allocations WHERE payment_id = ?`,
		paymentID.String(),
	).Scan(&paymentIDStr, &loanIDStr, &alloc.Penalty, &alloc.Interest, &alloc.Principal, &alloc.Excess, &lines, &alloc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	alloc.PaymentID = uuid.MustParse(paymentIDStr)
	alloc.LoanID = uuid.MustParse(loanIDStr)
	if err := json.Unmarshal([]byte(lines), &alloc.Lines); err != nil {
		return nil, fmt.Errorf("failed to decode allocation lines: %w", err)
	}
	return &alloc, nil
}

// RecordAllocation persists an allocated payment atomically.
func (s *SQLiteStore) RecordAllocation(ctx context.Context, rec AllocationRecord) error {
	if rec.Payment == nil || rec.Payment.LoanID == nil || rec.Allocation == nil {
		return fmt.Errorf("allocation record needs a linked payment and an allocation")
	}
	loanID := *rec.Payment.LoanID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if rec.LinkExisting {
		result, err := tx.ExecContext(ctx,
			`UPDATE payments SET loan_id = ?, link_status = ? WHERE id = ? AND loan_id IS NULL`,
			loanID.String(), string(rec.Payment.LinkStatus), rec.Payment.ID.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to link payment: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return ErrPaymentLinked
		}
	} else if err := insertPayment(ctx, tx, rec.Payment); err != nil {
		return err
	}

	lines, err := json.Marshal(rec.Allocation.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode allocation lines: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO allocations (payment_id, loan_id, penalty, interest, principal, excess, lines, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Payment.ID.String(), loanID.String(), rec.Allocation.Penalty, rec.Allocation.Interest,
		rec.Allocation.Principal, rec.Allocation.Excess, string(lines), rec.Allocation.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create allocation: %w", err)
	}

	if err := updateInstallments(ctx, tx, loanID, rec.Installments); err != nil {
		return err
	}

	if rec.Transaction != nil {
		if err := insertTransaction(ctx, tx, rec.Transaction); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx, `UPDATE loans SET status = ?, updated_at = ? WHERE id = ?`,
		string(rec.LoanStatus), rec.UpdatedAt, loanID.String())
	if err != nil {
		return fmt.Errorf("failed to update loan status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrLoanNotFound
	}

	return tx.Commit()
}

// CreateTransaction inserts a new transaction into the database.
func (s *SQLiteStore) CreateTransaction(ctx context.Context, transaction *models.Transaction) error {
	return insertTransaction(ctx, s.db, transaction)
}

func insertTransaction(ctx context.Context, db execer, transaction *models.Transaction) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO transactions (id, loan_id, amount, type, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		transaction.ID.String(), transaction.LoanID.String(), transaction.Amount, string(transaction.Type), transaction.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransactionsForLoan retrieves all transactions for a given loan ID.
func (s *SQLiteStore) GetTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, loan_id, amount, type, timestamp FROM transactions WHERE loan_id = ? ORDER BY timestamp ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var transactions []*models.Transaction
	for rows.Next() {
		var transaction models.Transaction
		var txIDStr, loanIDStr, txType string
		if err := rows.Scan(&txIDStr, &loanIDStr, &transaction.Amount, &txType, &transaction.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		transaction.ID = uuid.MustParse(txIDStr)
		transaction.LoanID = uuid.MustParse(loanIDStr)
		transaction.Type = models.TransactionType(txType)
		transactions = append(transactions, &transaction)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan transactions: %w", err)
	}
	return transactions, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
