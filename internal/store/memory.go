package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore implements Store interface with in-memory storage
type MemoryStore struct {
	mu sync.RWMutex
	// txMu serialises units of work so that a rollback never undoes another
	// unit's writes.
	txMu sync.Mutex

	accounts       map[string]*models.Account     // by aggregator account_id
	transactions   map[string]*models.Transaction // by aggregator transaction_id
	categoryGroups map[string]*models.CategoryGroup
	categories     map[string]*models.Category
	budgets        map[string]*models.Budget
	readyToAssign  map[string]*models.ReadyToAssign // by user
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:       make(map[string]*models.Account),
		transactions:   make(map[string]*models.Transaction),
		categoryGroups: make(map[string]*models.CategoryGroup),
		categories:     make(map[string]*models.Category),
		budgets:        make(map[string]*models.Budget),
		readyToAssign:  make(map[string]*models.ReadyToAssign),
	}
}

// RunInTx runs fn against a view of the store that records an undo entry for
// every write; the entries are replayed in reverse when fn fails.
func (m *MemoryStore) RunInTx(ctx context.Context, fn TxFunc) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := &memoryTx{MemoryStore: m}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// Account operations

func (m *MemoryStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	cp := *account
	return &cp, nil
}

func (m *MemoryStore) CreateAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[account.AccountID]; exists {
		return fmt.Errorf("account %s already exists", account.AccountID)
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	cp := *account
	if cp.Balance.Valid {
		cp.Balance.Decimal = roundMinor(cp.Balance.Decimal)
	}
	m.accounts[account.AccountID] = &cp
	return nil
}

func (m *MemoryStore) UpdateAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account.AccountID]; !ok {
		return fmt.Errorf("account %s: %w", account.AccountID, ErrNotFound)
	}
	cp := *account
	if cp.Balance.Valid {
		cp.Balance.Decimal = roundMinor(cp.Balance.Decimal)
	}
	m.accounts[account.AccountID] = &cp
	return nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context, userID string) ([]*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.Account, 0)
	for _, account := range m.accounts {
		if userID != "" && account.UserID != userID {
			continue
		}
		cp := *account
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].AccountID < result[j].AccountID
	})
	return result, nil
}

// Transaction operations

func (m *MemoryStore) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.transactions[transactionID]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, ErrNotFound)
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transactions[txn.TransactionID]; exists {
		return fmt.Errorf("transaction %s already exists", txn.TransactionID)
	}
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	cp := *txn
	cp.Amount = roundMinor(cp.Amount)
	m.transactions[txn.TransactionID] = &cp
	return nil
}

func (m *MemoryStore) UpdateTransaction(ctx context.Context, txn *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[txn.TransactionID]; !ok {
		return fmt.Errorf("transaction %s: %w", txn.TransactionID, ErrNotFound)
	}
	cp := *txn
	cp.Amount = roundMinor(cp.Amount)
	m.transactions[txn.TransactionID] = &cp
	return nil
}

func (m *MemoryStore) DeleteTransaction(ctx context.Context, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[transactionID]; !ok {
		return fmt.Errorf("transaction %s: %w", transactionID, ErrNotFound)
	}
	delete(m.transactions, transactionID)
	return nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matching []*models.Transaction
	for _, txn := range m.transactions {
		if filter.UserID != "" && txn.UserID != filter.UserID {
			continue
		}
		if filter.AccountID != "" && txn.AccountID != filter.AccountID {
			continue
		}
		cp := *txn
		matching = append(matching, &cp)
	}
	sort.Slice(matching, func(i, j int) bool {
		if !matching[i].Timestamp.Equal(matching[j].Timestamp) {
			return matching[i].Timestamp.After(matching[j].Timestamp)
		}
		return matching[i].TransactionID < matching[j].TransactionID
	})

	if filter.Offset >= len(matching) {
		return []*models.Transaction{}, nil
	}
	matching = matching[max(filter.Offset, 0):]
	if limit := filter.NormalizedLimit(); len(matching) > limit {
		matching = matching[:limit]
	}
	return matching, nil
}

// Category operations

func (m *MemoryStore) CreateCategoryGroup(ctx context.Context, group *models.CategoryGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if group.ID == "" {
		group.ID = uuid.New().String()
	}
	cp := *group
	m.categoryGroups[group.ID] = &cp
	return nil
}

func (m *MemoryStore) ListCategoryGroups(ctx context.Context, userID string) ([]*models.CategoryGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.CategoryGroup, 0)
	for _, group := range m.categoryGroups {
		if group.UserID == userID {
			cp := *group
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *MemoryStore) CreateCategory(ctx context.Context, category *models.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if category.ID == "" {
		category.ID = uuid.New().String()
	}
	cp := *category
	m.categories[category.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCategory(ctx context.Context, categoryID string) (*models.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	category, ok := m.categories[categoryID]
	if !ok {
		return nil, fmt.Errorf("category %s: %w", categoryID, ErrNotFound)
	}
	cp := *category
	return &cp, nil
}

func (m *MemoryStore) UpdateCategory(ctx context.Context, category *models.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.categories[category.ID]; !ok {
		return fmt.Errorf("category %s: %w", category.ID, ErrNotFound)
	}
	cp := *category
	m.categories[category.ID] = &cp
	return nil
}

func (m *MemoryStore) ListCategories(ctx context.Context, userID string) ([]*models.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.Category, 0)
	for _, category := range m.categories {
		if category.UserID == userID {
			cp := *category
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Budget operations

func (m *MemoryStore) CreateBudget(ctx context.Context, budget *models.Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if budget.ID == "" {
		budget.ID = uuid.New().String()
	}
	cp := *budget
	cp.EstimatedAmount = roundMinor(cp.EstimatedAmount)
	cp.AssignedAmount = roundMinor(cp.AssignedAmount)
	cp.SpentAmount = roundMinor(cp.SpentAmount)
	m.budgets[budget.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBudget(ctx context.Context, budgetID string) (*models.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	budget, ok := m.budgets[budgetID]
	if !ok {
		return nil, fmt.Errorf("budget %s: %w", budgetID, ErrNotFound)
	}
	cp := *budget
	return &cp, nil
}

func (m *MemoryStore) ListBudgets(ctx context.Context, userID string) ([]*models.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.Budget, 0)
	for _, budget := range m.budgets {
		if budget.UserID == userID {
			cp := *budget
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].PeriodStart.Equal(result[j].PeriodStart) {
			return result[i].PeriodStart.Before(result[j].PeriodStart)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *MemoryStore) FindBudgets(ctx context.Context, userID, categoryID string, date time.Time) ([]*models.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.Budget
	for _, budget := range m.budgets {
		if budget.UserID != userID || budget.CategoryID != categoryID || !budget.Contains(date) {
			continue
		}
		cp := *budget
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) AdjustBudgetSpent(ctx context.Context, budgetID string, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	budget, ok := m.budgets[budgetID]
	if !ok {
		return fmt.Errorf("budget %s: %w", budgetID, ErrNotFound)
	}
	cp := *budget
	cp.SpentAmount = cp.SpentAmount.Add(roundMinor(delta))
	cp.UpdatedAt = time.Now().UTC()
	m.budgets[budgetID] = &cp
	return nil
}

// Ready to assign operations

func (m *MemoryStore) GetReadyToAssign(ctx context.Context, userID string) (*models.ReadyToAssign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rta, ok := m.readyToAssign[userID]
	if !ok {
		return nil, fmt.Errorf("ready to assign for %s: %w", userID, ErrNotFound)
	}
	cp := *rta
	return &cp, nil
}

func (m *MemoryStore) SetReadyToAssign(ctx context.Context, rta *models.ReadyToAssign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rta
	cp.Amount = roundMinor(cp.Amount)
	m.readyToAssign[rta.UserID] = &cp
	return nil
}

// memoryTx is the unit-of-work view handed to RunInTx callbacks.
type memoryTx struct {
	*MemoryStore
	undo []func()
}

func (t *memoryTx) RunInTx(ctx context.Context, fn TxFunc) error {
	return fn(ctx, t)
}

func (t *memoryTx) rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memoryTx) remember(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *memoryTx) CreateAccount(ctx context.Context, account *models.Account) error {
	if err := t.MemoryStore.CreateAccount(ctx, account); err != nil {
		return err
	}
	key := account.AccountID
	t.remember(func() { delete(t.accounts, key) })
	return nil
}

func (t *memoryTx) UpdateAccount(ctx context.Context, account *models.Account) error {
	t.mu.RLock()
	prev := t.accounts[account.AccountID]
	t.mu.RUnlock()
	if err := t.MemoryStore.UpdateAccount(ctx, account); err != nil {
		return err
	}
	t.remember(func() { t.accounts[prev.AccountID] = prev })
	return nil
}

func (t *memoryTx) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	if err := t.MemoryStore.CreateTransaction(ctx, txn); err != nil {
		return err
	}
	key := txn.TransactionID
	t.remember(func() { delete(t.transactions, key) })
	return nil
}

func (t *memoryTx) UpdateTransaction(ctx context.Context, txn *models.Transaction) error {
	t.mu.RLock()
	prev := t.transactions[txn.TransactionID]
	t.mu.RUnlock()
	if err := t.MemoryStore.UpdateTransaction(ctx, txn); err != nil {
		return err
	}
	t.remember(func() { t.transactions[prev.TransactionID] = prev })
	return nil
}

func (t *memoryTx) DeleteTransaction(ctx context.Context, transactionID string) error {
	t.mu.RLock()
	prev := t.transactions[transactionID]
	t.mu.RUnlock()
	if err := t.MemoryStore.DeleteTransaction(ctx, transactionID); err != nil {
		return err
	}
	t.remember(func() { t.transactions[prev.TransactionID] = prev })
	return nil
}

func (t *memoryTx) CreateCategoryGroup(ctx context.Context, group *models.CategoryGroup) error {
	if err := t.MemoryStore.CreateCategoryGroup(ctx, group); err != nil {
		return err
	}
	key := group.ID
	t.remember(func() { delete(t.categoryGroups, key) })
	return nil
}

func (t *memoryTx) CreateCategory(ctx context.Context, category *models.Category) error {
	if err := t.MemoryStore.CreateCategory(ctx, category); err != nil {
		return err
	}
	key := category.ID
	t.remember(func() { delete(t.categories, key) })
	return nil
}

func (t *memoryTx) UpdateCategory(ctx context.Context, category *models.Category) error {
	t.mu.RLock()
	prev := t.categories[category.ID]
	t.mu.RUnlock()
	if err := t.MemoryStore.UpdateCategory(ctx, category); err != nil {
		return err
	}
	t.remember(func() { t.categories[prev.ID] = prev })
	return nil
}

func (t *memoryTx) CreateBudget(ctx context.Context, budget *models.Budget) error {
	if err := t.MemoryStore.CreateBudget(ctx, budget); err != nil {
		return err
	}
	key := budget.ID
	t.remember(func() { delete(t.budgets, key) })
	return nil
}

func (t *memoryTx) AdjustBudgetSpent(ctx context.Context, budgetID string, delta decimal.Decimal) error {
	t.mu.RLock()
	prev := t.budgets[budgetID]
	t.mu.RUnlock()
	if err := t.MemoryStore.AdjustBudgetSpent(ctx, budgetID, delta); err != nil {
		return err
	}
	t.remember(func() { t.budgets[prev.ID] = prev })
	return nil
}

func (t *memoryTx) SetReadyToAssign(ctx context.Context, rta *models.ReadyToAssign) error {
	t.mu.RLock()
	prev, existed := t.readyToAssign[rta.UserID]
	t.mu.RUnlock()
	if err := t.MemoryStore.SetReadyToAssign(ctx, rta); err != nil {
		return err
	}
	userID := rta.UserID
	t.remember(func() {
		if existed {
			t.readyToAssign[userID] = prev
		} else {
			delete(t.readyToAssign, userID)
		}
	})
	return nil
}
