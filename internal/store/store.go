package store

import (
	"context"
	"errors"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/apperr"
	"github.com/PitiGo/presupuesto-facil/internal/models"
	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=store.go -destination=store_mock.go -package=store

// ErrNotFound is wrapped by every lookup that finds no row.
var ErrNotFound = errors.New("not found")

// TxFunc is the body of a unit of work. The Store it receives is scoped to the
// unit of work and must be used for every read and write inside it.
type TxFunc func(ctx context.Context, tx Store) error

// Store defines the persistence operations used by the sync and budget services.
type Store interface {
	// RunInTx runs fn inside a unit of work. The work is committed when fn
	// returns nil and rolled back otherwise. Implementations may buffer writes
	// until fn returns, so fn must not read back its own writes. fn may run
	// more than once when the unit of work conflicts with a concurrent one.
	RunInTx(ctx context.Context, fn TxFunc) error

	// Account operations, keyed by the aggregator account_id
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	CreateAccount(ctx context.Context, account *models.Account) error
	UpdateAccount(ctx context.Context, account *models.Account) error
	ListAccounts(ctx context.Context, userID string) ([]*models.Account, error)

	// Transaction operations, keyed by the aggregator transaction_id
	GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error)
	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	UpdateTransaction(ctx context.Context, txn *models.Transaction) error
	DeleteTransaction(ctx context.Context, transactionID string) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*models.Transaction, error)

	// Category operations
	CreateCategoryGroup(ctx context.Context, group *models.CategoryGroup) error
	ListCategoryGroups(ctx context.Context, userID string) ([]*models.CategoryGroup, error)
	CreateCategory(ctx context.Context, category *models.Category) error
	GetCategory(ctx context.Context, categoryID string) (*models.Category, error)
	UpdateCategory(ctx context.Context, category *models.Category) error
	ListCategories(ctx context.Context, userID string) ([]*models.Category, error)

	// Budget operations
	CreateBudget(ctx context.Context, budget *models.Budget) error
	GetBudget(ctx context.Context, budgetID string) (*models.Budget, error)
	ListBudgets(ctx context.Context, userID string) ([]*models.Budget, error)
	// FindBudgets returns every budget of the user for the category whose
	// period contains date.
	FindBudgets(ctx context.Context, userID, categoryID string, date time.Time) ([]*models.Budget, error)
	// AdjustBudgetSpent atomically adds delta to the budget's spent amount.
	AdjustBudgetSpent(ctx context.Context, budgetID string, delta decimal.Decimal) error

	// Ready to assign operations
	GetReadyToAssign(ctx context.Context, userID string) (*models.ReadyToAssign, error)
	SetReadyToAssign(ctx context.Context, rta *models.ReadyToAssign) error
}

// TransactionFilter selects transactions for listing. Empty fields do not filter.
type TransactionFilter struct {
	UserID    string
	AccountID string
	Offset    int
	Limit     int
}

// DefaultListLimit is applied when a filter has no limit.
const DefaultListLimit = 100

// NormalizedLimit returns the effective page size.
func (f TransactionFilter) NormalizedLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	if f.Limit > 1000 {
		return 1000
	}
	return f.Limit
}

// WrapStoreError converts a store failure into a NotFound or PersistenceError.
func WrapStoreError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, err, "%s: not found", operation)
	}
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.Wrap(apperr.KindPersistence, err, "failed to %s", operation)
}

// Every store keeps amounts in hundredths, rounding half away from zero on
// write. Currencies with three minor digits (KWD, BHD) lose their last digit.

// toCents converts an amount to integer hundredths for storage.
func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// fromCents converts stored hundredths back to an amount.
func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// roundMinor rounds an amount the way toCents stores it.
func roundMinor(d decimal.Decimal) decimal.Decimal {
	return fromCents(toCents(d))
}
