// Package schedule builds weekly repayment schedules and allocates payments
// against them. Everything here is a pure computation over in-memory values.
package schedule

import (
	"strings"
	"time"

	"github.com/mcclellann/weeklyloan/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	DefaultInstallmentCount = 14
	DefaultIntervalDays     = 7
)

var (
	DefaultFeeRate      = decimal.NewFromFloat(0.10)
	DefaultGSTRate      = decimal.NewFromFloat(0.18)
	DefaultInterestRate = decimal.NewFromFloat(0.20)

	daysInYear = decimal.NewFromInt(365)
)

// Config holds the product terms a schedule is generated from.
type Config struct {
	FeeRate          decimal.Decimal
	GSTRate          decimal.Decimal
	InterestRate     decimal.Decimal
	InstallmentCount int
	IntervalDays     int
	InterestMethod   models.InterestMethod
	RoundingPlaces   int32 // 0 rounds to whole currency units
}

// DefaultConfig returns the standard 14-week micro-loan product.
func DefaultConfig() Config {
	return Config{
		FeeRate:          DefaultFeeRate,
		GSTRate:          DefaultGSTRate,
		InterestRate:     DefaultInterestRate,
		InstallmentCount: DefaultInstallmentCount,
		IntervalDays:     DefaultIntervalDays,
		InterestMethod:   models.InterestMethodFlat,
		RoundingPlaces:   0,
	}
}

// withDefaults fills the structural terms left unset. Rates are used as
// given since zero is a legitimate fee, tax or interest rate.
func (c Config) withDefaults() Config {
	if c.InstallmentCount == 0 {
		c.InstallmentCount = DefaultInstallmentCount
	}
	if c.IntervalDays == 0 {
		c.IntervalDays = DefaultIntervalDays
	}
	if c.InterestMethod == "" {
		c.InterestMethod = models.InterestMethodFlat
	}
	return c
}

// Validate reports the first term Generate would reject, after unset
// structural terms take their defaults.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.InstallmentCount <= 0:
		return invalid("installment_count", "must be positive")
	case c.IntervalDays <= 0:
		return invalid("interval_days", "must be positive")
	case c.FeeRate.IsNegative():
		return invalid("fee_rate", "must not be negative")
	case c.GSTRate.IsNegative():
		return invalid("gst_rate", "must not be negative")
	case c.InterestRate.IsNegative():
		return invalid("interest_rate", "must not be negative")
	case c.RoundingPlaces < 0:
		return invalid("rounding_places", "must not be negative")
	}
	switch c.InterestMethod {
	case models.InterestMethodFlat, models.InterestMethodReducing:
	default:
		return invalid("interest_method", "must be flat or reducing")
	}
	return nil
}

func (c Config) round(d decimal.Decimal) decimal.Decimal {
	return d.Round(c.RoundingPlaces)
}

// FeeBreakdown is the up-front money picture of a loan.
type FeeBreakdown struct {
	Principal         decimal.Decimal `json:"principal"`
	ProcessingFee     decimal.Decimal `json:"processing_fee"`
	GSTOnFee          decimal.Decimal `json:"gst_on_fee"`
	TotalDeduction    decimal.Decimal `json:"total_deduction"`
	NetDisbursement   decimal.Decimal `json:"net_disbursement"`
	Interest          decimal.Decimal `json:"interest"`
	TotalRepayable    decimal.Decimal `json:"total_repayable"`
	InstallmentAmount decimal.Decimal `json:"installment_amount"`
}

type Result struct {
	Fees         FeeBreakdown         `json:"fee_breakdown"`
	Installments []models.Installment `json:"schedule"`
}

// ParseDate accepts a calendar date (2006-01-02) or an RFC3339 timestamp.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, invalid("disbursement_date", "is not a valid date")
}

// Generate computes the fee breakdown and the installment sequence for a loan.
// The last installment absorbs any rounding remainder, so installment amounts
// always sum to exactly the total repayable.
func Generate(principal decimal.Decimal, disbursementDate time.Time, cfg Config) (*Result, error) {
	if !principal.IsPositive() {
		return nil, invalid("principal", "must be positive")
	}
	if disbursementDate.IsZero() {
		return nil, invalid("disbursement_date", "is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	start := CalendarDay(disbursementDate)

	fee := cfg.round(principal.Mul(cfg.FeeRate))
	gst := cfg.round(fee.Mul(cfg.GSTRate))
	fees := FeeBreakdown{
		Principal:       principal,
		ProcessingFee:   fee,
		GSTOnFee:        gst,
		TotalDeduction:  fee.Add(gst),
		NetDisbursement: principal.Sub(fee.Add(gst)),
	}

	var installments []models.Installment
	if cfg.InterestMethod == models.InterestMethodReducing {
		installments = reducingInstallments(principal, start, cfg, &fees)
	} else {
		installments = flatInstallments(principal, start, cfg, &fees)
	}

	return &Result{Fees: fees, Installments: installments}, nil
}

func flatInstallments(principal decimal.Decimal, start time.Time, cfg Config, fees *FeeBreakdown) []models.Installment {
	n := decimal.NewFromInt(int64(cfg.InstallmentCount))

	interest := cfg.round(principal.Mul(cfg.InterestRate))
	total := principal.Add(interest)
	amount := cfg.round(total.Div(n))
	interestPer := cfg.round(interest.Div(n))

	fees.Interest = interest
	fees.TotalRepayable = total
	fees.InstallmentAmount = amount

	out := make([]models.Installment, 0, cfg.InstallmentCount)
	scheduled, scheduledInterest := decimal.Zero, decimal.Zero
	for i := 1; i <= cfg.InstallmentCount; i++ {
		due := decimal.Min(amount, total.Sub(scheduled))
		interestPart := decimal.Min(interestPer, interest.Sub(scheduledInterest))
		if i == cfg.InstallmentCount {
			due = total.Sub(scheduled)
			interestPart = interest.Sub(scheduledInterest)
		}
		interestPart = decimal.Min(interestPart, due)

		out = append(out, newInstallment(i, start, cfg.IntervalDays, due, due.Sub(interestPart), interestPart))
		scheduled = scheduled.Add(due)
		scheduledInterest = scheduledInterest.Add(interestPart)
	}
	return out
}

// reducingInstallments amortizes the principal on a declining balance with a
// periodic rate of InterestRate scaled to the installment interval.
func reducingInstallments(principal decimal.Decimal, start time.Time, cfg Config, fees *FeeBreakdown) []models.Installment {
	n := cfg.InstallmentCount
	rate := cfg.InterestRate.Mul(decimal.NewFromInt(int64(cfg.IntervalDays))).Div(daysInYear)

	var amount decimal.Decimal
	if rate.IsZero() {
		amount = cfg.round(principal.Div(decimal.NewFromInt(int64(n))))
	} else {
		growth := decimal.NewFromInt(1)
		onePlusRate := growth.Add(rate)
		for i := 0; i < n; i++ {
			growth = growth.Mul(onePlusRate)
		}
		amount = cfg.round(principal.Mul(rate).Mul(growth).Div(growth.Sub(decimal.NewFromInt(1))))
	}

	out := make([]models.Installment, 0, n)
	balance := principal
	interest := decimal.Zero
	for i := 1; i <= n; i++ {
		interestPart := cfg.round(balance.Mul(rate))
		principalPart := decimal.Min(amount.Sub(interestPart), balance)
		if i == n {
			principalPart = balance
		}
		if principalPart.IsNegative() {
			principalPart = decimal.Zero
		}
		due := principalPart.Add(interestPart)

		out = append(out, newInstallment(i, start, cfg.IntervalDays, due, principalPart, interestPart))
		balance = balance.Sub(principalPart)
		interest = interest.Add(interestPart)
	}

	fees.Interest = interest
	fees.TotalRepayable = principal.Add(interest)
	fees.InstallmentAmount = amount
	return out
}

// newInstallment opens an installment as pending. One with nothing due, which
// only tiny principals produce, is settled from the start.
func newInstallment(number int, start time.Time, intervalDays int, due, principalPart, interestPart decimal.Decimal) models.Installment {
	status := models.InstallmentStatusPending
	if !due.IsPositive() {
		status = models.InstallmentStatusPaid
	}
	return models.Installment{
		Number:             number,
		DueDate:            start.AddDate(0, 0, number*intervalDays),
		AmountDue:          due,
		PrincipalComponent: principalPart,
		InterestComponent:  interestPart,
		PrincipalPaid:      decimal.Zero,
		InterestPaid:       decimal.Zero,
		PenaltyDue:         decimal.Zero,
		PenaltyPaid:        decimal.Zero,
		PaidAmount:         decimal.Zero,
		RemainingAmount:    due,
		Status:             status,
	}
}

// CalendarDay truncates t to midnight UTC of its calendar date.
func CalendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
