package schedule

import (
	"fmt"
	"sort"

	"github.com/mcclellann/weeklyloan/pkg/models"
	"github.com/shopspring/decimal"
)

// OverpaymentWarning is informational: the payment settled every installment
// and Excess is left over for the caller to credit, refund or reject.
type OverpaymentWarning struct {
	Excess decimal.Decimal `json:"excess"`
}

func (w *OverpaymentWarning) String() string {
	return fmt.Sprintf("overpayment: %s left after settling all installments", w.Excess.String())
}

type Outcome struct {
	Installments []models.Installment `json:"installments"`
	Allocation   models.Allocation    `json:"allocation"`
	Warning      *OverpaymentWarning  `json:"warning,omitempty"`
}

// Allocate applies amount to the installments oldest due date first. Within
// an installment the payment covers penalty, then interest, then principal.
// The input slice is left untouched; the returned installments are a sorted
// copy carrying the new paid, remaining and status values.
func Allocate(amount decimal.Decimal, installments []models.Installment) Outcome {
	out := make([]models.Installment, len(installments))
	copy(out, installments)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].Number < out[j].Number
		}
		return out[i].DueDate.Before(out[j].DueDate)
	})

	alloc := models.Allocation{
		Penalty:   decimal.Zero,
		Interest:  decimal.Zero,
		Principal: decimal.Zero,
		Excess:    decimal.Zero,
	}
	if !amount.IsPositive() {
		return Outcome{Installments: out, Allocation: alloc}
	}

	left := amount
	for i := range out {
		if !left.IsPositive() {
			break
		}
		inst := &out[i]
		if !inst.Outstanding().IsPositive() {
			continue
		}

		line := models.AllocationLine{InstallmentNumber: inst.Number}

		line.Penalty = decimal.Min(left, inst.PenaltyOutstanding())
		inst.PenaltyPaid = inst.PenaltyPaid.Add(line.Penalty)
		left = left.Sub(line.Penalty)

		interestOwed := decimal.Max(inst.InterestComponent.Sub(inst.InterestPaid), decimal.Zero)
		interestOwed = decimal.Min(interestOwed, inst.RemainingAmount)
		line.Interest = decimal.Min(left, interestOwed)
		inst.InterestPaid = inst.InterestPaid.Add(line.Interest)
		left = left.Sub(line.Interest)

		line.Principal = decimal.Min(left, inst.RemainingAmount.Sub(line.Interest))
		inst.PrincipalPaid = inst.PrincipalPaid.Add(line.Principal)
		left = left.Sub(line.Principal)

		inst.PaidAmount = inst.PaidAmount.Add(line.Interest).Add(line.Principal)
		inst.RemainingAmount = decimal.Max(inst.AmountDue.Sub(inst.PaidAmount), decimal.Zero)
		inst.Status = settledStatus(*inst)

		alloc.Penalty = alloc.Penalty.Add(line.Penalty)
		alloc.Interest = alloc.Interest.Add(line.Interest)
		alloc.Principal = alloc.Principal.Add(line.Principal)
		alloc.Lines = append(alloc.Lines, line)
	}

	result := Outcome{Installments: out, Allocation: alloc}
	if left.IsPositive() {
		result.Allocation.Excess = left
		result.Warning = &OverpaymentWarning{Excess: left}
	}
	return result
}

// settledStatus derives paid/partial from the amounts; pending and overdue
// are decided by due-date comparison elsewhere and are kept as they are.
func settledStatus(inst models.Installment) models.InstallmentStatus {
	switch {
	case inst.RemainingAmount.IsZero() && inst.PenaltyOutstanding().IsZero():
		return models.InstallmentStatusPaid
	case inst.PaidAmount.IsPositive() && inst.PaidAmount.LessThan(inst.AmountDue):
		return models.InstallmentStatusPartial
	default:
		return inst.Status
	}
}
