package schedule

import (
	"time"

	"github.com/mcclellann/weeklyloan/pkg/models"
	"github.com/shopspring/decimal"
)

// Summary aggregates a loan's installments for collections follow-up.
type Summary struct {
	Installments int                 `json:"installments"`
	TotalDue     decimal.Decimal     `json:"total_due"`
	TotalPenalty decimal.Decimal     `json:"total_penalty"`
	TotalPaid    decimal.Decimal     `json:"total_paid"`
	Outstanding  decimal.Decimal     `json:"outstanding"`
	PastDue      decimal.Decimal     `json:"past_due"`
	Paid         int                 `json:"paid"`
	Partial      int                 `json:"partial"`
	Pending      int                 `json:"pending"`
	Overdue      int                 `json:"overdue"`
	NextDue      *models.Installment `json:"next_due,omitempty"`
}

// Summarize totals the installments as of the given instant. PastDue is the
// outstanding balance on installments whose due date is before asOf.
func Summarize(installments []models.Installment, asOf time.Time) Summary {
	s := Summary{
		Installments: len(installments),
		TotalDue:     decimal.Zero,
		TotalPenalty: decimal.Zero,
		TotalPaid:    decimal.Zero,
		Outstanding:  decimal.Zero,
		PastDue:      decimal.Zero,
	}

	for i := range installments {
		inst := installments[i]
		s.TotalDue = s.TotalDue.Add(inst.AmountDue)
		s.TotalPenalty = s.TotalPenalty.Add(inst.PenaltyDue)
		s.TotalPaid = s.TotalPaid.Add(inst.PaidAmount).Add(inst.PenaltyPaid)
		s.Outstanding = s.Outstanding.Add(inst.Outstanding())

		switch inst.Status {
		case models.InstallmentStatusPaid:
			s.Paid++
		case models.InstallmentStatusPartial:
			s.Partial++
		case models.InstallmentStatusOverdue:
			s.Overdue++
		default:
			s.Pending++
		}

		if !inst.Outstanding().IsPositive() {
			continue
		}
		if inst.DueDate.Before(asOf) {
			s.PastDue = s.PastDue.Add(inst.Outstanding())
		}
		if s.NextDue == nil || inst.DueDate.Before(s.NextDue.DueDate) {
			s.NextDue = &inst
		}
	}
	return s
}
