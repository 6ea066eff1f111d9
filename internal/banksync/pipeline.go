// Package banksync maps aggregator payloads to durable Account and Transaction
// records. Every upsert is idempotent on the aggregator's identifier and runs
// in its own unit of work.
package banksync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/aggregator"
	"github.com/PitiGo/presupuesto-facil/internal/apperr"
	"github.com/PitiGo/presupuesto-facil/internal/budget"
	"github.com/PitiGo/presupuesto-facil/internal/models"
	"github.com/PitiGo/presupuesto-facil/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/currency"
)

// AccountData is the mutable state of an account as reported by the aggregator.
type AccountData struct {
	UserID          string
	AccountID       string
	AccountType     string
	DisplayName     string
	Currency        string
	InstitutionName string
	// Balance is invalid when the aggregator reported none; the stored balance
	// is then kept.
	Balance decimal.NullDecimal
}

// AccountDataFrom maps an aggregator account and its optional balance.
func AccountDataFrom(userID string, raw aggregator.RawAccount, balance *aggregator.RawBalance) AccountData {
	data := AccountData{
		UserID:          userID,
		AccountID:       raw.AccountID,
		AccountType:     raw.AccountType,
		DisplayName:     raw.DisplayName,
		Currency:        raw.Currency,
		InstitutionName: raw.Provider.DisplayName,
	}
	if balance != nil {
		data.Balance = decimal.NewNullDecimal(balance.Current)
		if data.Currency == "" {
			data.Currency = balance.Currency
		}
	}
	return data
}

// TransactionData is the state of a transaction as reported by the aggregator.
type TransactionData struct {
	UserID              string
	AccountID           string
	TransactionID       string
	Amount              decimal.Decimal
	Currency            string
	Description         string
	TransactionType     string
	TransactionCategory string
	Timestamp           time.Time
}

// TransactionDataFrom maps an aggregator transaction of accountID.
func TransactionDataFrom(userID, accountID string, raw aggregator.RawTransaction) TransactionData {
	return TransactionData{
		UserID:              userID,
		AccountID:           accountID,
		TransactionID:       raw.TransactionID,
		Amount:              raw.Amount,
		Currency:            raw.Currency,
		Description:         raw.Description,
		TransactionType:     raw.TransactionType,
		TransactionCategory: raw.TransactionCategory,
		Timestamp:           raw.Timestamp.Time,
	}
}

// Pipeline upserts accounts and transactions.
type Pipeline struct {
	store      store.Store
	reconciler *budget.Reconciler
	logger     *zap.Logger
	now        func() time.Time
}

// NewPipeline creates an upsert pipeline.
func NewPipeline(s store.Store, reconciler *budget.Reconciler, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:      s,
		reconciler: reconciler,
		logger:     logger.Named("banksync"),
		now:        time.Now,
	}
}

// NormalizeCurrency upper-cases and validates an ISO 4217 code. An empty code
// is accepted as unknown.
func NormalizeCurrency(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", nil
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidArgument, err, "invalid currency %q", code)
	}
	return unit.String(), nil
}

// UpsertAccount creates the account on first sight and otherwise overwrites
// its mutable fields, keeping created_at. An account already linked to
// another user is rejected.
func (p *Pipeline) UpsertAccount(ctx context.Context, data AccountData) (*models.Account, error) {
	if data.AccountID == "" || data.UserID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "account_id and user_id are required")
	}
	code, err := NormalizeCurrency(data.Currency)
	if err != nil {
		return nil, err
	}
	data.Currency = code

	var result *models.Account
	err = p.store.RunInTx(ctx, func(ctx context.Context, tx store.Store) error {
		existing, err := tx.GetAccount(ctx, data.AccountID)
		if errors.Is(err, store.ErrNotFound) {
			account := &models.Account{
				UserID:          data.UserID,
				AccountID:       data.AccountID,
				AccountType:     data.AccountType,
				DisplayName:     data.DisplayName,
				Balance:         data.Balance,
				Currency:        data.Currency,
				InstitutionName: data.InstitutionName,
				CreatedAt:       p.now().UTC(),
			}
			if err := tx.CreateAccount(ctx, account); err != nil {
				return store.WrapStoreError("create account", err)
			}
			result = account
			return nil
		}
		if err != nil {
			return store.WrapStoreError("get account", err)
		}
		if existing.UserID != data.UserID {
			return apperr.New(apperr.KindInvalidArgument, "account %s is linked to another user", data.AccountID)
		}

		updated := *existing
		updated.AccountType = data.AccountType
		updated.DisplayName = data.DisplayName
		updated.Currency = data.Currency
		updated.InstitutionName = data.InstitutionName
		if data.Balance.Valid {
			updated.Balance = data.Balance
		}
		if err := tx.UpdateAccount(ctx, &updated); err != nil {
			return store.WrapStoreError("update account", err)
		}
		result = &updated
		return nil
	})
	if err != nil {
		p.logger.Error("account upsert failed",
			zap.String("user_id", data.UserID),
			zap.String("account_id", data.AccountID),
			zap.Error(err))
		return nil, err
	}
	return result, nil
}

// UpsertTransaction creates the transaction on first sight and otherwise
// overwrites the aggregator-owned fields. A user-assigned category survives
// the update, and its budget follows any change of amount or date.
func (p *Pipeline) UpsertTransaction(ctx context.Context, data TransactionData) (*models.Transaction, error) {
	if data.TransactionID == "" || data.AccountID == "" || data.UserID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "transaction_id, account_id and user_id are required")
	}
	if data.Timestamp.IsZero() {
		return nil, apperr.New(apperr.KindInvalidArgument, "transaction %s has no timestamp", data.TransactionID)
	}
	code, err := NormalizeCurrency(data.Currency)
	if err != nil {
		return nil, err
	}
	data.Currency = code

	var result *models.Transaction
	err = p.store.RunInTx(ctx, func(ctx context.Context, tx store.Store) error {
		existing, err := tx.GetTransaction(ctx, data.TransactionID)
		if errors.Is(err, store.ErrNotFound) {
			txn := &models.Transaction{
				AccountID:           data.AccountID,
				UserID:              data.UserID,
				TransactionID:       data.TransactionID,
				Amount:              data.Amount,
				Currency:            data.Currency,
				Description:         data.Description,
				TransactionType:     data.TransactionType,
				TransactionCategory: data.TransactionCategory,
				Timestamp:           data.Timestamp.UTC(),
			}
			if err := tx.CreateTransaction(ctx, txn); err != nil {
				return store.WrapStoreError("create transaction", err)
			}
			result = txn
			return nil
		}
		if err != nil {
			return store.WrapStoreError("get transaction", err)
		}
		if existing.UserID != data.UserID {
			return apperr.New(apperr.KindInvalidArgument, "transaction %s belongs to another user", data.TransactionID)
		}

		updated := *existing
		updated.AccountID = data.AccountID
		updated.Amount = data.Amount
		updated.Currency = data.Currency
		updated.Description = data.Description
		updated.TransactionType = data.TransactionType
		updated.TransactionCategory = data.TransactionCategory
		updated.Timestamp = data.Timestamp.UTC()

		if existing.HasCategory() && contributionChanged(existing, &updated) {
			if err := p.reconciler.Reconcile(ctx, tx, existing, &updated); err != nil {
				return err
			}
		}
		if err := tx.UpdateTransaction(ctx, &updated); err != nil {
			return store.WrapStoreError("update transaction", err)
		}
		result = &updated
		return nil
	})
	if err != nil {
		p.logger.Error("transaction upsert failed",
			zap.String("user_id", data.UserID),
			zap.String("transaction_id", data.TransactionID),
			zap.Error(err))
		return nil, err
	}
	return result, nil
}

func contributionChanged(before, after *models.Transaction) bool {
	return !before.Amount.Equal(after.Amount) || !before.Date().Equal(after.Date())
}
