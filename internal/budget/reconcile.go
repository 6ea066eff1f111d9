// Package budget keeps budget spent totals in step with the transactions
// attached to their categories.
package budget

import (
	"context"
	"sort"

	"github.com/PitiGo/presupuesto-facil/internal/models"
	"github.com/PitiGo/presupuesto-facil/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reconciler adjusts budget spent amounts as transactions attach to, move
// between and detach from categories.
type Reconciler struct {
	logger *zap.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(logger *zap.Logger) *Reconciler {
	return &Reconciler{logger: logger.Named("budget")}
}

// Reconcile applies the change from before to after, either of which may be
// nil for a create or a delete. The old contribution is reversed from the
// budget matching before, and the new one is added to the budget matching
// after. A side with no category or no matching budget is a no-op.
//
// tx must be the unit of work that also writes the transaction. All budget
// reads happen before any write.
func (r *Reconciler) Reconcile(ctx context.Context, tx store.Store, before, after *models.Transaction) error {
	var (
		detach, attach *models.Budget
		err            error
	)
	if before.HasCategory() {
		if detach, err = r.find(ctx, tx, before); err != nil {
			return err
		}
	}
	if after.HasCategory() {
		if attach, err = r.find(ctx, tx, after); err != nil {
			return err
		}
	}

	var adjustments []adjustment
	if detach != nil {
		adjustments = addAdjustment(adjustments, detach.ID, before.Amount.Neg())
	}
	if attach != nil {
		adjustments = addAdjustment(adjustments, attach.ID, after.Amount)
	}

	for _, adj := range adjustments {
		if adj.delta.IsZero() {
			continue
		}
		if err := tx.AdjustBudgetSpent(ctx, adj.budgetID, adj.delta); err != nil {
			return store.WrapStoreError("adjust budget spent", err)
		}
		r.logger.Debug("budget adjusted",
			zap.String("budget_id", adj.budgetID),
			zap.String("delta", adj.delta.String()))
	}
	return nil
}

type adjustment struct {
	budgetID string
	delta    decimal.Decimal
}

// addAdjustment nets deltas for the same budget so that a move within one
// budget issues a single write.
func addAdjustment(adjustments []adjustment, budgetID string, delta decimal.Decimal) []adjustment {
	for i := range adjustments {
		if adjustments[i].budgetID == budgetID {
			adjustments[i].delta = adjustments[i].delta.Add(delta)
			return adjustments
		}
	}
	return append(adjustments, adjustment{budgetID: budgetID, delta: delta})
}

func (r *Reconciler) find(ctx context.Context, tx store.Store, txn *models.Transaction) (*models.Budget, error) {
	budgets, err := tx.FindBudgets(ctx, txn.UserID, txn.CategoryID, txn.Timestamp)
	if err != nil {
		return nil, store.WrapStoreError("find budgets", err)
	}
	if len(budgets) > 1 {
		r.logger.Warn("overlapping budgets for category",
			zap.String("user_id", txn.UserID),
			zap.String("category_id", txn.CategoryID),
			zap.Time("date", txn.Date()),
			zap.Int("count", len(budgets)))
	}
	return SelectBudget(budgets), nil
}

// SelectBudget picks the active budget among those matching a category and
// date: the latest period start, then the earliest created, then the smallest
// id. It returns nil for an empty slice.
func SelectBudget(budgets []*models.Budget) *models.Budget {
	if len(budgets) == 0 {
		return nil
	}
	sorted := make([]*models.Budget, len(budgets))
	copy(sorted, budgets)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.PeriodStart.Equal(b.PeriodStart) {
			return a.PeriodStart.After(b.PeriodStart)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return sorted[0]
}
