package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/apperr"
	"github.com/PitiGo/presupuesto-facil/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// StoreTestSuite runs the same behaviour checks against every Store backend.
type StoreTestSuite struct {
	suite.Suite
	newStore func(t *testing.T) Store
	store    Store
	ctx      context.Context
}

func (s *StoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func(t *testing.T) Store {
		return NewMemoryStore()
	}})
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func(t *testing.T) Store {
		s, err := NewSQLStore(context.Background(), DriverSQLite, ":memory:")
		require.NoError(t, err, "failed to create test database")
		t.Cleanup(func() { s.Close() })
		return s
	}})
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *StoreTestSuite) newAccount(accountID string) *models.Account {
	return &models.Account{
		UserID:          "user-1",
		AccountID:       accountID,
		AccountType:     "TRANSACTION",
		DisplayName:     "Current",
		Balance:         decimal.NewNullDecimal(decimal.RequireFromString("100.00")),
		Currency:        "GBP",
		InstitutionName: "Mock Bank",
		CreatedAt:       time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (s *StoreTestSuite) TestAccountRoundTrip() {
	account := s.newAccount("acc-1")
	s.Require().NoError(s.store.CreateAccount(s.ctx, account))
	s.NotEmpty(account.ID)

	got, err := s.store.GetAccount(s.ctx, "acc-1")
	s.Require().NoError(err)
	s.Equal(account.ID, got.ID)
	s.True(got.Balance.Valid)
	s.True(got.Balance.Decimal.Equal(decimal.RequireFromString("100")))
	s.True(got.CreatedAt.Equal(account.CreatedAt))

	got.Balance = decimal.NullDecimal{}
	got.DisplayName = "Renamed"
	s.Require().NoError(s.store.UpdateAccount(s.ctx, got))

	updated, err := s.store.GetAccount(s.ctx, "acc-1")
	s.Require().NoError(err)
	s.Equal("Renamed", updated.DisplayName)
	s.False(updated.Balance.Valid)
}

func (s *StoreTestSuite) TestAccountIDIsUnique() {
	s.Require().NoError(s.store.CreateAccount(s.ctx, s.newAccount("acc-1")))
	s.Error(s.store.CreateAccount(s.ctx, s.newAccount("acc-1")))

	accounts, err := s.store.ListAccounts(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Len(accounts, 1)
}

func (s *StoreTestSuite) TestMissingRecordsAreNotFound() {
	_, err := s.store.GetAccount(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)

	_, err = s.store.GetTransaction(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)

	_, err = s.store.GetReadyToAssign(s.ctx, "user-1")
	s.ErrorIs(err, ErrNotFound)

	s.ErrorIs(s.store.DeleteTransaction(s.ctx, "missing"), ErrNotFound)
	s.ErrorIs(s.store.AdjustBudgetSpent(s.ctx, "missing", decimal.NewFromInt(1)), ErrNotFound)
}

func (s *StoreTestSuite) TestListTransactionsOrderAndPaging() {
	for i := 1; i <= 5; i++ {
		s.Require().NoError(s.store.CreateTransaction(s.ctx, &models.Transaction{
			AccountID:     "acc-1",
			UserID:        "user-1",
			TransactionID: fmt.Sprintf("tx-%d", i),
			Amount:        decimal.NewFromInt(int64(-i)),
			Currency:      "GBP",
			Timestamp:     day(2024, 3, i),
		}))
	}
	s.Require().NoError(s.store.CreateTransaction(s.ctx, &models.Transaction{
		AccountID: "acc-2", UserID: "user-2", TransactionID: "other", Timestamp: day(2024, 3, 9),
	}))

	page, err := s.store.ListTransactions(s.ctx, TransactionFilter{UserID: "user-1", Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(page, 2)
	s.Equal("tx-5", page[0].TransactionID)
	s.Equal("tx-4", page[1].TransactionID)

	page, err = s.store.ListTransactions(s.ctx, TransactionFilter{UserID: "user-1", Offset: 4, Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(page, 1)
	s.Equal("tx-1", page[0].TransactionID)
	s.True(page[0].Amount.Equal(decimal.NewFromInt(-1)))

	page, err = s.store.ListTransactions(s.ctx, TransactionFilter{AccountID: "acc-2"})
	s.Require().NoError(err)
	s.Len(page, 1)
}

func (s *StoreTestSuite) TestFindBudgetsAndAdjust() {
	march := &models.Budget{
		CategoryID:  "cat-food",
		UserID:      "user-1",
		PeriodStart: day(2024, 3, 1),
		PeriodEnd:   day(2024, 3, 31),
		SpentAmount: decimal.Zero,
	}
	s.Require().NoError(s.store.CreateBudget(s.ctx, march))
	s.Require().NoError(s.store.CreateBudget(s.ctx, &models.Budget{
		CategoryID: "cat-food", UserID: "user-1", PeriodStart: day(2024, 4, 1), PeriodEnd: day(2024, 4, 30),
	}))

	found, err := s.store.FindBudgets(s.ctx, "user-1", "cat-food", time.Date(2024, 3, 31, 18, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Equal(march.ID, found[0].ID)

	found, err = s.store.FindBudgets(s.ctx, "user-1", "cat-rent", day(2024, 3, 10))
	s.Require().NoError(err)
	s.Empty(found)

	s.Require().NoError(s.store.AdjustBudgetSpent(s.ctx, march.ID, decimal.RequireFromString("42.50")))
	s.Require().NoError(s.store.AdjustBudgetSpent(s.ctx, march.ID, decimal.RequireFromString("-0.10")))

	got, err := s.store.GetBudget(s.ctx, march.ID)
	s.Require().NoError(err)
	s.True(got.SpentAmount.Equal(decimal.RequireFromString("42.40")), "spent = %s", got.SpentAmount)
}

func (s *StoreTestSuite) TestAmountsAreStoredInHundredths() {
	account := s.newAccount("acc-kwd")
	account.Currency = "KWD"
	account.Balance = decimal.NewNullDecimal(decimal.RequireFromString("12.345"))
	s.Require().NoError(s.store.CreateAccount(s.ctx, account))

	s.Require().NoError(s.store.CreateTransaction(s.ctx, &models.Transaction{
		AccountID:     "acc-kwd",
		UserID:        "user-1",
		TransactionID: "tx-kwd",
		Amount:        decimal.RequireFromString("-1.005"),
		Currency:      "KWD",
		Timestamp:     day(2024, 3, 1),
	}))

	budget := &models.Budget{CategoryID: "cat-1", UserID: "user-1", PeriodStart: day(2024, 3, 1), PeriodEnd: day(2024, 3, 31)}
	s.Require().NoError(s.store.CreateBudget(s.ctx, budget))
	s.Require().NoError(s.store.AdjustBudgetSpent(s.ctx, budget.ID, decimal.RequireFromString("-1.005")))

	gotAccount, err := s.store.GetAccount(s.ctx, "acc-kwd")
	s.Require().NoError(err)
	s.True(gotAccount.Balance.Decimal.Equal(decimal.RequireFromString("12.35")), "balance = %s", gotAccount.Balance.Decimal)

	gotTxn, err := s.store.GetTransaction(s.ctx, "tx-kwd")
	s.Require().NoError(err)
	s.True(gotTxn.Amount.Equal(decimal.RequireFromString("-1.01")), "amount = %s", gotTxn.Amount)

	gotBudget, err := s.store.GetBudget(s.ctx, budget.ID)
	s.Require().NoError(err)
	s.True(gotBudget.SpentAmount.Equal(decimal.RequireFromString("-1.01")), "spent = %s", gotBudget.SpentAmount)
}

func (s *StoreTestSuite) TestRunInTxRollsBackOnError() {
	budget := &models.Budget{CategoryID: "cat-food", UserID: "user-1", PeriodStart: day(2024, 3, 1), PeriodEnd: day(2024, 3, 31)}
	s.Require().NoError(s.store.CreateBudget(s.ctx, budget))

	boom := errors.New("boom")
	err := s.store.RunInTx(s.ctx, func(ctx context.Context, tx Store) error {
		if err := tx.CreateAccount(ctx, s.newAccount("acc-1")); err != nil {
			return err
		}
		if err := tx.AdjustBudgetSpent(ctx, budget.ID, decimal.NewFromInt(10)); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	_, err = s.store.GetAccount(s.ctx, "acc-1")
	s.ErrorIs(err, ErrNotFound)
	got, err := s.store.GetBudget(s.ctx, budget.ID)
	s.Require().NoError(err)
	s.True(got.SpentAmount.IsZero())
}

func (s *StoreTestSuite) TestRunInTxCommits() {
	err := s.store.RunInTx(s.ctx, func(ctx context.Context, tx Store) error {
		if err := tx.CreateAccount(ctx, s.newAccount("acc-1")); err != nil {
			return err
		}
		return tx.CreateTransaction(ctx, &models.Transaction{
			AccountID: "acc-1", UserID: "user-1", TransactionID: "tx-1",
			Amount: decimal.RequireFromString("-3.20"), Timestamp: day(2024, 3, 2),
		})
	})
	s.Require().NoError(err)

	_, err = s.store.GetAccount(s.ctx, "acc-1")
	s.NoError(err)
	txn, err := s.store.GetTransaction(s.ctx, "tx-1")
	s.Require().NoError(err)
	s.True(txn.Amount.Equal(decimal.RequireFromString("-3.20")))
}

func (s *StoreTestSuite) TestCategoriesAndReadyToAssign() {
	group := &models.CategoryGroup{UserID: "user-1", Name: "Bills", CreatedAt: day(2024, 1, 1), UpdatedAt: day(2024, 1, 1)}
	s.Require().NoError(s.store.CreateCategoryGroup(s.ctx, group))

	category := &models.Category{UserID: "user-1", Name: "Rent", Type: models.DefaultCategoryType, GroupID: group.ID}
	s.Require().NoError(s.store.CreateCategory(s.ctx, category))

	category.Name = "Housing"
	s.Require().NoError(s.store.UpdateCategory(s.ctx, category))

	got, err := s.store.GetCategory(s.ctx, category.ID)
	s.Require().NoError(err)
	s.Equal("Housing", got.Name)
	s.Equal(group.ID, got.GroupID)

	groups, err := s.store.ListCategoryGroups(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Len(groups, 1)

	rta := &models.ReadyToAssign{UserID: "user-1", Amount: decimal.RequireFromString("250.75"), CreatedAt: day(2024, 1, 1), UpdatedAt: day(2024, 1, 1)}
	s.Require().NoError(s.store.SetReadyToAssign(s.ctx, rta))
	rta.Amount = decimal.RequireFromString("10")
	s.Require().NoError(s.store.SetReadyToAssign(s.ctx, rta))

	gotRTA, err := s.store.GetReadyToAssign(s.ctx, "user-1")
	s.Require().NoError(err)
	s.True(gotRTA.Amount.Equal(decimal.NewFromInt(10)))
}

func TestWrapStoreError(t *testing.T) {
	assert.NoError(t, WrapStoreError("get account", nil))

	err := WrapStoreError("get account", fmt.Errorf("account x: %w", ErrNotFound))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	err = WrapStoreError("create account", errors.New("disk full"))
	assert.Equal(t, apperr.KindPersistence, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "failed to create account")

	inner := apperr.New(apperr.KindInvalidArgument, "bad currency")
	assert.Same(t, inner, WrapStoreError("upsert", inner))
}

func TestNormalizedLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, TransactionFilter{}.NormalizedLimit())
	assert.Equal(t, 20, TransactionFilter{Limit: 20}.NormalizedLimit())
	assert.Equal(t, 1000, TransactionFilter{Limit: 5000}.NormalizedLimit())
}

func TestCents(t *testing.T) {
	assert.Equal(t, int64(-4250), toCents(decimal.RequireFromString("-42.50")))
	assert.Equal(t, int64(1), toCents(decimal.RequireFromString("0.005")))
	assert.True(t, fromCents(-4250).Equal(decimal.RequireFromString("-42.5")))
}

func TestSQLStore_RetriesSerializationFailures(t *testing.T) {
	s, err := NewSQLStore(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	conflict := &pq.Error{Code: "40001", Message: "could not serialize access due to concurrent update"}

	attempts := 0
	err = s.RunInTx(context.Background(), func(ctx context.Context, tx Store) error {
		attempts++
		if attempts < 3 {
			return WrapStoreError("adjust budget", fmt.Errorf("update budget: %w", conflict))
		}
		return tx.CreateAccount(ctx, &models.Account{UserID: "user-1", AccountID: "acc-1", Currency: "GBP"})
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	_, err = s.GetAccount(context.Background(), "acc-1")
	assert.NoError(t, err)

	attempts = 0
	err = s.RunInTx(context.Background(), func(ctx context.Context, tx Store) error {
		attempts++
		return conflict
	})
	assert.ErrorIs(t, err, conflict)
	assert.Equal(t, maxTxAttempts, attempts)

	attempts = 0
	err = s.RunInTx(context.Background(), func(ctx context.Context, tx Store) error {
		attempts++
		return errors.New("disk full")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "other failures are not retried")
}

func TestSQLStore_TxOptions(t *testing.T) {
	postgres := &SQLStore{driver: DriverPostgres}
	require.NotNil(t, postgres.txOptions())
	assert.Equal(t, sql.LevelSerializable, postgres.txOptions().Isolation)

	sqlite := &SQLStore{driver: DriverSQLite}
	assert.Nil(t, sqlite.txOptions())
}

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, isSerializationFailure(&pq.Error{Code: "40001"}))
	assert.True(t, isSerializationFailure(&pq.Error{Code: "40P01"}))
	assert.True(t, isSerializationFailure(apperr.Wrap(apperr.KindPersistence, &pq.Error{Code: "40001"}, "failed to commit")))
	assert.False(t, isSerializationFailure(&pq.Error{Code: "23505"}))
	assert.False(t, isSerializationFailure(errors.New("40001")))
	assert.False(t, isSerializationFailure(nil))
}
