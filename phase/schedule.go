package phase

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	months  = decimal.NewFromInt(12)
	hundred = decimal.NewFromInt(100)
)

// FlatInterestTotal returns the full obligation for a payment phase: the
// principal plus flat annual interest over the term. The result is what the
// installment schedule must sum to.
func FlatInterestTotal(principal decimal.Decimal, annualRate decimal.Decimal, termMonths int) decimal.Decimal {
	if termMonths <= 0 || !annualRate.IsPositive() {
		return principal.Round(2)
	}
	interest := principal.
		Mul(annualRate).Div(hundred).
		Mul(decimal.NewFromInt(int64(termMonths))).Div(months)
	return principal.Add(interest).Round(2)
}

// ScheduleEntry is one row of a generated installment plan.
type ScheduleEntry struct {
	Seq     int
	Amount  decimal.Decimal
	DueDate time.Time
}

// GenerateSchedule splits total into termMonths equal installments due
// monthly from start. Amounts are rounded to two decimal places and the last
// installment absorbs the remainder, so the entries always sum to total
// exactly.
func GenerateSchedule(total decimal.Decimal, termMonths int, start time.Time) ([]ScheduleEntry, error) {
	if termMonths <= 0 {
		return nil, fmt.Errorf("phase: schedule term must be positive, got %d", termMonths)
	}
	if !total.IsPositive() {
		return nil, fmt.Errorf("phase: schedule total must be positive, got %s", total)
	}

	per := total.Div(decimal.NewFromInt(int64(termMonths))).Round(2)
	entries := make([]ScheduleEntry, 0, termMonths)
	allocated := decimal.Zero
	for i := 1; i <= termMonths; i++ {
		amount := per
		if i == termMonths {
			amount = total.Sub(allocated)
		}
		allocated = allocated.Add(amount)
		entries = append(entries, ScheduleEntry{
			Seq:     i,
			Amount:  amount,
			DueDate: start.AddDate(0, i, 0),
		})
	}
	return entries, nil
}
