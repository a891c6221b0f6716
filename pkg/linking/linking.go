// Package linking resolves which loan a payment without an explicit loan
// reference belongs to.
package linking

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/weeklyloan/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	DefaultAmountTolerance = decimal.NewFromInt(1)
	DefaultDateWindow      = 30 * 24 * time.Hour
)

// Candidate is the slice of a loan the matcher looks at.
type Candidate struct {
	LoanID            uuid.UUID
	InstallmentAmount decimal.Decimal
	DisbursementDate  time.Time
}

// CandidateFromLoan projects a stored loan onto a matching candidate.
func CandidateFromLoan(loan *models.Loan) Candidate {
	return Candidate{
		LoanID:            loan.ID,
		InstallmentAmount: loan.InstallmentAmount,
		DisbursementDate:  loan.DisbursementDate,
	}
}

// Resolution is the outcome for one payment. Matches lists every candidate
// that passed the filter so an ambiguous payment can be reviewed by hand.
type Resolution struct {
	LoanID  *uuid.UUID        `json:"loan_id"`
	Status  models.LinkStatus `json:"status"`
	Matches []uuid.UUID       `json:"matches,omitempty"`
}

type Matcher struct {
	AmountTolerance decimal.Decimal
	DateWindow      time.Duration
}

func NewMatcher() *Matcher {
	return &Matcher{
		AmountTolerance: DefaultAmountTolerance,
		DateWindow:      DefaultDateWindow,
	}
}

// Resolve links the payment to exactly one candidate or to none. A payment
// that already names its loan is returned as LINKED without matching, and
// ties are never broken: two or more matches leave the payment UNLINKED.
func (m *Matcher) Resolve(payment models.Payment, candidates []Candidate) Resolution {
	if payment.LoanID != nil {
		id := *payment.LoanID
		return Resolution{LoanID: &id, Status: models.LinkStatusLinked}
	}

	var matches []uuid.UUID
	for _, c := range candidates {
		if m.matches(payment, c) {
			matches = append(matches, c.LoanID)
		}
	}

	if len(matches) == 1 {
		id := matches[0]
		return Resolution{LoanID: &id, Status: models.LinkStatusAutoLinked, Matches: matches}
	}
	return Resolution{Status: models.LinkStatusUnlinked, Matches: matches}
}

func (m *Matcher) matches(payment models.Payment, c Candidate) bool {
	if !c.InstallmentAmount.Sub(payment.Amount).Abs().LessThan(m.AmountTolerance) {
		return false
	}
	gap := c.DisbursementDate.Sub(payment.PaymentDate)
	if gap < 0 {
		gap = -gap
	}
	return gap < m.DateWindow
}
