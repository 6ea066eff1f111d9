package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	// SQL driver
	_ "modernc.org/sqlite"
)

// Supported SQL drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements the Store interface on SQLite or PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
	q      querier
	inTx   bool
}

// NewSQLStore opens a database connection and runs migrations.
func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite allows one writer, and every connection to :memory: opens a
		// separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, driver: driver, q: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	timeType := "DATETIME"
	if s.driver == DriverPostgres {
		timeType = "TIMESTAMPTZ"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			account_id TEXT NOT NULL UNIQUE,
			account_type TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			balance_cents BIGINT,
			currency TEXT NOT NULL DEFAULT '',
			institution_name TEXT NOT NULL DEFAULT '',
			created_at %[1]s NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL UNIQUE,
			amount_cents BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			transaction_type TEXT NOT NULL DEFAULT '',
			transaction_category TEXT NOT NULL DEFAULT '',
			timestamp %[1]s NOT NULL,
			category_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions (user_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS category_groups (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS categories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			id TEXT PRIMARY KEY,
			category_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			estimated_amount_cents BIGINT NOT NULL DEFAULT 0,
			assigned_amount_cents BIGINT NOT NULL DEFAULT 0,
			spent_amount_cents BIGINT NOT NULL DEFAULT 0,
			period_start %[1]s NOT NULL,
			period_end %[1]s NOT NULL,
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_budgets_category ON budgets (user_id, category_id)`,
		`CREATE TABLE IF NOT EXISTS ready_to_assign (
			user_id TEXT PRIMARY KEY,
			amount_cents BIGINT NOT NULL DEFAULT 0,
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(m, timeType)); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRows(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// execOne runs a statement that must touch exactly one row.
func (s *SQLStore) execOne(ctx context.Context, what, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// maxTxAttempts bounds how often a unit of work aborted by a serialization
// failure is run again.
const maxTxAttempts = 5

// RunInTx runs fn in a database transaction. On PostgreSQL the transaction is
// serializable and fn may run more than once.
func (s *SQLStore) RunInTx(ctx context.Context, fn TxFunc) error {
	if s.inTx {
		return fn(ctx, s)
	}
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *SQLStore) runTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.db.BeginTx(ctx, s.txOptions())
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(ctx, &SQLStore{db: s.db, driver: s.driver, q: tx, inTx: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txOptions makes PostgreSQL units of work serializable. A unit of work
// decides its budget adjustments from rows it read, and READ COMMITTED would
// let two of them apply the same adjustment. SQLite runs on a single
// connection, which already serializes them.
func (s *SQLStore) txOptions() *sql.TxOptions {
	if s.driver == DriverPostgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

// isSerializationFailure reports whether PostgreSQL aborted a transaction
// because it conflicted with a concurrent one.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// Account operations

const accountColumns = "id, user_id, account_id, account_type, display_name, balance_cents, currency, institution_name, created_at"

func scanAccount(row scanner) (*models.Account, error) {
	var (
		a       models.Account
		balance sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.AccountID, &a.AccountType, &a.DisplayName,
		&balance, &a.Currency, &a.InstitutionName, &a.CreatedAt); err != nil {
		return nil, err
	}
	if balance.Valid {
		a.Balance = decimal.NewNullDecimal(fromCents(balance.Int64))
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func balanceCents(b decimal.NullDecimal) sql.NullInt64 {
	if !b.Valid {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toCents(b.Decimal), Valid: true}
}

func (s *SQLStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	row := s.queryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE account_id = ?", accountID)
	a, err := scanAccount(row)
	if err != nil {
		return nil, notFound(err, "account "+accountID)
	}
	return a, nil
}

func (s *SQLStore) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	_, err := s.exec(ctx,
		"INSERT INTO accounts ("+accountColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		account.ID, account.UserID, account.AccountID, account.AccountType, account.DisplayName,
		balanceCents(account.Balance), account.Currency, account.InstitutionName, account.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) UpdateAccount(ctx context.Context, account *models.Account) error {
	return s.execOne(ctx, "account "+account.AccountID,
		`UPDATE accounts SET user_id = ?, account_type = ?, display_name = ?, balance_cents = ?,
			currency = ?, institution_name = ?, created_at = ? WHERE account_id = ?`,
		account.UserID, account.AccountType, account.DisplayName, balanceCents(account.Balance),
		account.Currency, account.InstitutionName, account.CreatedAt.UTC(), account.AccountID,
	)
}

func (s *SQLStore) ListAccounts(ctx context.Context, userID string) ([]*models.Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts"
	var args []any
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at ASC, account_id ASC"

	rows, err := s.queryRows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]*models.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Transaction operations

const transactionColumns = "id, account_id, user_id, transaction_id, amount_cents, currency, description, transaction_type, transaction_category, timestamp, category_id"

func scanTransaction(row scanner) (*models.Transaction, error) {
	var (
		t     models.Transaction
		cents int64
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.UserID, &t.TransactionID, &cents, &t.Currency,
		&t.Description, &t.TransactionType, &t.TransactionCategory, &t.Timestamp, &t.CategoryID); err != nil {
		return nil, err
	}
	t.Amount = fromCents(cents)
	t.Timestamp = t.Timestamp.UTC()
	return &t, nil
}

func (s *SQLStore) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	row := s.queryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE transaction_id = ?", transactionID)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, notFound(err, "transaction "+transactionID)
	}
	return t, nil
}

func (s *SQLStore) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	_, err := s.exec(ctx,
		"INSERT INTO transactions ("+transactionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		txn.ID, txn.AccountID, txn.UserID, txn.TransactionID, toCents(txn.Amount), txn.Currency,
		txn.Description, txn.TransactionType, txn.TransactionCategory, txn.Timestamp.UTC(), txn.CategoryID,
	)
	return err
}

func (s *SQLStore) UpdateTransaction(ctx context.Context, txn *models.Transaction) error {
	return s.execOne(ctx, "transaction "+txn.TransactionID,
		`UPDATE transactions SET account_id = ?, user_id = ?, amount_cents = ?, currency = ?, description = ?,
			transaction_type = ?, transaction_category = ?, timestamp = ?, category_id = ? WHERE transaction_id = ?`,
		txn.AccountID, txn.UserID, toCents(txn.Amount), txn.Currency, txn.Description,
		txn.TransactionType, txn.TransactionCategory, txn.Timestamp.UTC(), txn.CategoryID, txn.TransactionID,
	)
}

func (s *SQLStore) DeleteTransaction(ctx context.Context, transactionID string) error {
	return s.execOne(ctx, "transaction "+transactionID,
		"DELETE FROM transactions WHERE transaction_id = ?", transactionID)
}

func (s *SQLStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*models.Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM transactions WHERE 1 = 1"
	var args []any
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	query += " ORDER BY timestamp DESC, transaction_id ASC LIMIT ? OFFSET ?"
	args = append(args, filter.NormalizedLimit(), max(filter.Offset, 0))

	rows, err := s.queryRows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txns := make([]*models.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// Category operations

func (s *SQLStore) CreateCategoryGroup(ctx context.Context, group *models.CategoryGroup) error {
	if group.ID == "" {
		group.ID = uuid.New().String()
	}
	_, err := s.exec(ctx,
		"INSERT INTO category_groups (id, user_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		group.ID, group.UserID, group.Name, group.CreatedAt.UTC(), group.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) ListCategoryGroups(ctx context.Context, userID string) ([]*models.CategoryGroup, error) {
	rows, err := s.queryRows(ctx,
		"SELECT id, user_id, name, created_at, updated_at FROM category_groups WHERE user_id = ? ORDER BY name ASC",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make([]*models.CategoryGroup, 0)
	for rows.Next() {
		var g models.CategoryGroup
		if err := rows.Scan(&g.ID, &g.UserID, &g.Name, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

const categoryColumns = "id, user_id, name, type, group_id, created_at, updated_at"

func scanCategory(row scanner) (*models.Category, error) {
	var c models.Category
	if err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Type, &c.GroupID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) CreateCategory(ctx context.Context, category *models.Category) error {
	if category.ID == "" {
		category.ID = uuid.New().String()
	}
	_, err := s.exec(ctx,
		"INSERT INTO categories ("+categoryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		category.ID, category.UserID, category.Name, category.Type, category.GroupID,
		category.CreatedAt.UTC(), category.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) GetCategory(ctx context.Context, categoryID string) (*models.Category, error) {
	row := s.queryRow(ctx, "SELECT "+categoryColumns+" FROM categories WHERE id = ?", categoryID)
	c, err := scanCategory(row)
	if err != nil {
		return nil, notFound(err, "category "+categoryID)
	}
	return c, nil
}

func (s *SQLStore) UpdateCategory(ctx context.Context, category *models.Category) error {
	return s.execOne(ctx, "category "+category.ID,
		"UPDATE categories SET name = ?, type = ?, group_id = ?, updated_at = ? WHERE id = ?",
		category.Name, category.Type, category.GroupID, category.UpdatedAt.UTC(), category.ID,
	)
}

func (s *SQLStore) ListCategories(ctx context.Context, userID string) ([]*models.Category, error) {
	rows, err := s.queryRows(ctx,
		"SELECT "+categoryColumns+" FROM categories WHERE user_id = ? ORDER BY name ASC", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]*models.Category, 0)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// Budget operations

const budgetColumns = "id, category_id, user_id, estimated_amount_cents, assigned_amount_cents, spent_amount_cents, period_start, period_end, created_at, updated_at"

func scanBudget(row scanner) (*models.Budget, error) {
	var (
		b                          models.Budget
		estimated, assigned, spent int64
	)
	if err := row.Scan(&b.ID, &b.CategoryID, &b.UserID, &estimated, &assigned, &spent,
		&b.PeriodStart, &b.PeriodEnd, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.EstimatedAmount = fromCents(estimated)
	b.AssignedAmount = fromCents(assigned)
	b.SpentAmount = fromCents(spent)
	b.PeriodStart = b.PeriodStart.UTC()
	b.PeriodEnd = b.PeriodEnd.UTC()
	return &b, nil
}

func (s *SQLStore) scanBudgets(rows *sql.Rows) ([]*models.Budget, error) {
	defer rows.Close()
	budgets := make([]*models.Budget, 0)
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

func (s *SQLStore) CreateBudget(ctx context.Context, budget *models.Budget) error {
	if budget.ID == "" {
		budget.ID = uuid.New().String()
	}
	_, err := s.exec(ctx,
		"INSERT INTO budgets ("+budgetColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		budget.ID, budget.CategoryID, budget.UserID,
		toCents(budget.EstimatedAmount), toCents(budget.AssignedAmount), toCents(budget.SpentAmount),
		budget.PeriodStart.UTC(), budget.PeriodEnd.UTC(), budget.CreatedAt.UTC(), budget.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) GetBudget(ctx context.Context, budgetID string) (*models.Budget, error) {
	row := s.queryRow(ctx, "SELECT "+budgetColumns+" FROM budgets WHERE id = ?", budgetID)
	b, err := scanBudget(row)
	if err != nil {
		return nil, notFound(err, "budget "+budgetID)
	}
	return b, nil
}

func (s *SQLStore) ListBudgets(ctx context.Context, userID string) ([]*models.Budget, error) {
	rows, err := s.queryRows(ctx,
		"SELECT "+budgetColumns+" FROM budgets WHERE user_id = ? ORDER BY period_start ASC, id ASC", userID)
	if err != nil {
		return nil, err
	}
	return s.scanBudgets(rows)
}

// FindBudgets filters periods in Go so that date comparison does not depend
// on how the driver encodes timestamps.
func (s *SQLStore) FindBudgets(ctx context.Context, userID, categoryID string, date time.Time) ([]*models.Budget, error) {
	rows, err := s.queryRows(ctx,
		"SELECT "+budgetColumns+" FROM budgets WHERE user_id = ? AND category_id = ?", userID, categoryID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.scanBudgets(rows)
	if err != nil {
		return nil, err
	}
	var budgets []*models.Budget
	for _, b := range candidates {
		if b.Contains(date) {
			budgets = append(budgets, b)
		}
	}
	return budgets, nil
}

func (s *SQLStore) AdjustBudgetSpent(ctx context.Context, budgetID string, delta decimal.Decimal) error {
	return s.execOne(ctx, "budget "+budgetID,
		"UPDATE budgets SET spent_amount_cents = spent_amount_cents + ?, updated_at = ? WHERE id = ?",
		toCents(delta), time.Now().UTC(), budgetID,
	)
}

// Ready to assign operations

func (s *SQLStore) GetReadyToAssign(ctx context.Context, userID string) (*models.ReadyToAssign, error) {
	var (
		rta   models.ReadyToAssign
		cents int64
	)
	err := s.queryRow(ctx,
		"SELECT user_id, amount_cents, created_at, updated_at FROM ready_to_assign WHERE user_id = ?", userID,
	).Scan(&rta.UserID, &cents, &rta.CreatedAt, &rta.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "ready to assign for "+userID)
	}
	rta.Amount = fromCents(cents)
	return &rta, nil
}

func (s *SQLStore) SetReadyToAssign(ctx context.Context, rta *models.ReadyToAssign) error {
	_, err := s.exec(ctx,
		`INSERT INTO ready_to_assign (user_id, amount_cents, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET amount_cents = excluded.amount_cents, updated_at = excluded.updated_at`,
		rta.UserID, toCents(rta.Amount), rta.CreatedAt.UTC(), rta.UpdatedAt.UTC(),
	)
	return err
}
