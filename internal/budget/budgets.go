package budget

import (
	"github.com/PitiGo/presupuesto-facil/internal/apperr"
	"github.com/PitiGo/presupuesto-facil/internal/models"
	"github.com/shopspring/decimal"
)

// ValidateNew checks a budget before creation against the user's existing
// budgets. Periods of budgets for the same category may not overlap.
func ValidateNew(b *models.Budget, existing []*models.Budget) error {
	if b.CategoryID == "" {
		return apperr.New(apperr.KindInvalidArgument, "category_id is required")
	}
	if b.PeriodStart.IsZero() || b.PeriodEnd.IsZero() {
		return apperr.New(apperr.KindInvalidArgument, "period_start and period_end are required")
	}
	if models.DateOf(b.PeriodEnd).Before(models.DateOf(b.PeriodStart)) {
		return apperr.New(apperr.KindInvalidArgument, "period_end must not be before period_start")
	}
	if !b.EstimatedAmount.IsPositive() {
		return apperr.New(apperr.KindInvalidArgument, "estimated_amount must be positive")
	}
	if b.AssignedAmount.IsNegative() {
		return apperr.New(apperr.KindInvalidArgument, "assigned_amount must not be negative")
	}
	for _, other := range existing {
		if other.CategoryID == b.CategoryID && other.Overlaps(b) {
			return apperr.New(apperr.KindInvalidArgument,
				"budget period overlaps budget %s (%s to %s)", other.ID,
				other.PeriodStart.Format("2006-01-02"), other.PeriodEnd.Format("2006-01-02"))
		}
	}
	return nil
}

// SpentByCategory sums expenses per category from the transactions themselves,
// as positive amounts. Income and uncategorised transactions are ignored.
func SpentByCategory(txns []*models.Transaction) map[string]decimal.Decimal {
	spent := make(map[string]decimal.Decimal)
	for _, t := range txns {
		if !t.HasCategory() || !t.Amount.IsNegative() {
			continue
		}
		spent[t.CategoryID] = spent[t.CategoryID].Add(t.Amount)
	}
	for id, total := range spent {
		spent[id] = total.Abs()
	}
	return spent
}
