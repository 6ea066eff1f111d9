package service

import (
	"context"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/aggregator"
	"github.com/PitiGo/presupuesto-facil/internal/apperr"
	"github.com/PitiGo/presupuesto-facil/internal/banksync"
	"github.com/PitiGo/presupuesto-facil/internal/models"
	"github.com/PitiGo/presupuesto-facil/internal/store"
	"go.uber.org/zap"
)

// DuplicateCallbackMessage is returned when the consent redirect for an
// already processed code is delivered again.
const DuplicateCallbackMessage = "this authorization code has already been used; your accounts are connected"

// ExpiredCodeMessage tells the user how to recover from a rejected code.
const ExpiredCodeMessage = "authorization code expired, reconnect your account"

// Stages of one connect attempt, logged as they are reached.
const (
	stageInitiated       = "initiated"
	stageCodeReceived    = "code_received"
	stageCodeGuarded     = "code_guarded"
	stageTokenExchanged  = "token_exchanged"
	stageAccountsFetched = "accounts_fetched"
	stageBalancesFetched = "balances_fetched"
	stageCommitted       = "committed"
)

// SyncFailure reports one item that could not be synchronised while its
// siblings were.
type SyncFailure struct {
	AccountID     string `json:"account_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Kind          string `json:"kind"`
	Message       string `json:"message"`
}

func failureOf(accountID, transactionID string, err error) SyncFailure {
	return SyncFailure{
		AccountID:     accountID,
		TransactionID: transactionID,
		Kind:          string(apperr.KindOf(err)),
		Message:       UserMessage(err),
	}
}

// CallbackResult is the outcome of a consent callback. A duplicate delivery
// carries only Message and AlreadyProcessed.
type CallbackResult struct {
	UserID           string
	Accounts         []*models.Account
	Failures         []SyncFailure
	Message          string
	AlreadyProcessed bool
}

// Orchestrator drives the connect and resync flows against the aggregator.
type Orchestrator struct {
	store    store.Store
	client   *aggregator.Client
	guard    *aggregator.CodeGuard
	states   *aggregator.StateSigner
	pipeline *banksync.Pipeline
	logger   *zap.Logger
	now      func() time.Time
}

// NewOrchestrator wires the sync flows.
func NewOrchestrator(
	s store.Store,
	client *aggregator.Client,
	guard *aggregator.CodeGuard,
	states *aggregator.StateSigner,
	pipeline *banksync.Pipeline,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:    s,
		client:   client,
		guard:    guard,
		states:   states,
		pipeline: pipeline,
		logger:   logger.Named("sync"),
		now:      time.Now,
	}
}

// InitiateConnect returns the consent page URL for userID.
func (o *Orchestrator) InitiateConnect(ctx context.Context, userID string) (string, error) {
	state, err := o.states.Issue(userID)
	if err != nil {
		return "", err
	}
	o.logger.Debug("connect flow", zap.String("user_id", userID), zap.String("stage", stageInitiated))
	return o.client.AuthCodeURL(state), nil
}

// HandleCallback completes a connect attempt. A redelivered code is reported
// as a benign duplicate only once an earlier delivery connected the accounts.
// The flow ignores cancellation of ctx: a browser abandoning the redirect must
// not leave a redeemed code with no synced accounts. Every aggregator call is
// still bounded by the HTTP client timeout.
func (o *Orchestrator) HandleCallback(ctx context.Context, code, state string) (*CallbackResult, error) {
	ctx = context.WithoutCancel(ctx)

	userID, err := o.states.Parse(state)
	if err != nil {
		o.logger.Warn("callback with invalid state", zap.Error(err))
		return nil, err
	}
	if code == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "authorization code is required")
	}
	log := o.logger.With(zap.String("user_id", userID))
	log.Debug("connect flow", zap.String("stage", stageCodeReceived))

	if o.guard.Consume(code) == aggregator.AlreadyUsed {
		return o.redelivered(ctx, log, code, userID)
	}
	log.Debug("connect flow", zap.String("stage", stageCodeGuarded))

	if _, err := o.client.ExchangeCode(ctx, code, userID); err != nil {
		if !apperr.Is(err, apperr.KindExpiredOrReusedCode) {
			o.guard.Release(code)
			log.Error("token exchange failed", zap.Error(err))
			return nil, err
		}
		// The aggregator burned the code, so it stays in the ledger.
		if !o.client.Tokens().Has(userID) {
			return nil, apperr.Wrap(apperr.KindExpiredOrReusedCode, err, ExpiredCodeMessage)
		}
		// Redeemed by an earlier delivery this process no longer remembers.
		// Only a sync that succeeds now shows the user is connected.
		log.Info("aggregator reports code already redeemed, syncing accounts")
		o.guard.MarkExchanged(code, userID)
		result, err := o.completeConnect(ctx, log, code, userID)
		if err != nil {
			return nil, err
		}
		result.Message = DuplicateCallbackMessage
		result.AlreadyProcessed = true
		return result, nil
	}
	o.guard.MarkExchanged(code, userID)
	log.Debug("connect flow", zap.String("stage", stageTokenExchanged))

	return o.completeConnect(ctx, log, code, userID)
}

// redelivered handles a code the guard has seen before. A delivery still in
// flight, or one for another user, is rejected.
func (o *Orchestrator) redelivered(ctx context.Context, log *zap.Logger, code, userID string) (*CallbackResult, error) {
	stage, owner, ok := o.guard.Stage(code)
	if ok && stage == aggregator.StageCompleted && owner == userID {
		log.Info("duplicate callback delivery", zap.String("stage", stageCodeGuarded))
		return duplicateCallback(userID), nil
	}
	if o.guard.Resume(code, userID) {
		log.Info("resuming account sync of an earlier delivery")
		return o.completeConnect(ctx, log, code, userID)
	}
	return nil, apperr.New(apperr.KindAlreadyUsed, "authorization code already submitted")
}

// completeConnect syncs the accounts of a user whose code was redeemed and
// records the outcome against code.
func (o *Orchestrator) completeConnect(ctx context.Context, log *zap.Logger, code, userID string) (*CallbackResult, error) {
	accounts, failures, err := o.syncAccounts(ctx, userID)
	if err != nil {
		o.guard.MarkSyncFailed(code)
		return nil, err
	}
	o.guard.MarkCompleted(code)
	log.Info("connect flow",
		zap.String("stage", stageCommitted),
		zap.Int("accounts", len(accounts)),
		zap.Int("failures", len(failures)))

	return &CallbackResult{UserID: userID, Accounts: accounts, Failures: failures}, nil
}

func duplicateCallback(userID string) *CallbackResult {
	return &CallbackResult{UserID: userID, Message: DuplicateCallbackMessage, AlreadyProcessed: true}
}

// ListAccounts returns the user's stored accounts without contacting the aggregator.
func (o *Orchestrator) ListAccounts(ctx context.Context, userID string) ([]*models.Account, error) {
	accounts, err := o.store.ListAccounts(ctx, userID)
	if err != nil {
		return nil, store.WrapStoreError("list accounts", err)
	}
	return accounts, nil
}

// ResyncAccounts refreshes every account and balance of the user.
func (o *Orchestrator) ResyncAccounts(ctx context.Context, userID string) ([]*models.Account, []SyncFailure, error) {
	return o.syncAccounts(ctx, userID)
}

// syncAccounts fails if the account list cannot be fetched. Past that point a
// failing account is reported and its siblings are still processed. An
// account whose balance cannot be fetched is upserted with its stored balance.
func (o *Orchestrator) syncAccounts(ctx context.Context, userID string) ([]*models.Account, []SyncFailure, error) {
	log := o.logger.With(zap.String("user_id", userID))

	raws, err := o.client.ListAccounts(ctx, userID)
	if err != nil {
		log.Error("failed to fetch accounts", zap.Error(err))
		return nil, nil, err
	}
	log.Debug("connect flow", zap.String("stage", stageAccountsFetched), zap.Int("accounts", len(raws)))

	accounts := make([]*models.Account, 0, len(raws))
	var failures []SyncFailure
	for _, raw := range raws {
		balance, err := o.client.GetBalance(ctx, userID, raw.AccountID)
		if err != nil {
			log.Warn("failed to fetch balance",
				zap.String("account_id", raw.AccountID),
				zap.Error(err))
			failures = append(failures, failureOf(raw.AccountID, "", err))
			balance = nil
		}

		account, err := o.pipeline.UpsertAccount(ctx, banksync.AccountDataFrom(userID, raw, balance))
		if err != nil {
			failures = append(failures, failureOf(raw.AccountID, "", err))
			continue
		}
		accounts = append(accounts, account)
	}
	log.Debug("connect flow", zap.String("stage", stageBalancesFetched), zap.Int("failures", len(failures)))

	return accounts, failures, nil
}

// ListAccountTransactions returns stored transactions of one of the user's accounts.
func (o *Orchestrator) ListAccountTransactions(ctx context.Context, userID, accountID string, offset, limit int) ([]*models.Transaction, error) {
	if _, err := ownedAccount(ctx, o.store, userID, accountID); err != nil {
		return nil, err
	}
	txns, err := o.store.ListTransactions(ctx, store.TransactionFilter{
		UserID:    userID,
		AccountID: accountID,
		Offset:    offset,
		Limit:     limit,
	})
	if err != nil {
		return nil, store.WrapStoreError("list transactions", err)
	}
	return txns, nil
}

// ResyncAccountTransactions fetches the account's transactions in the trailing
// window and upserts each one. It returns how many were stored.
func (o *Orchestrator) ResyncAccountTransactions(ctx context.Context, userID, accountID string) (int, []SyncFailure, error) {
	account, err := ownedAccount(ctx, o.store, userID, accountID)
	if err != nil {
		return 0, nil, err
	}
	log := o.logger.With(zap.String("user_id", userID), zap.String("account_id", accountID))

	now := o.now().UTC()
	from := aggregator.TransactionWindowStart(now, account.CreatedAt)
	raws, err := o.client.ListTransactions(ctx, userID, accountID, from, now)
	if err != nil {
		log.Error("failed to fetch transactions", zap.Error(err))
		return 0, nil, err
	}

	count := 0
	var failures []SyncFailure
	for _, raw := range raws {
		if _, err := o.pipeline.UpsertTransaction(ctx, banksync.TransactionDataFrom(userID, accountID, raw)); err != nil {
			failures = append(failures, failureOf(accountID, raw.TransactionID, err))
			continue
		}
		count++
	}
	log.Info("transactions resynced",
		zap.Time("from", from),
		zap.Int("fetched", len(raws)),
		zap.Int("stored", count),
		zap.Int("failures", len(failures)))

	return count, failures, nil
}

// ownedAccount loads an account, reporting accounts of other users as missing.
func ownedAccount(ctx context.Context, s store.Store, userID, accountID string) (*models.Account, error) {
	if accountID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "account_id is required")
	}
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, store.WrapStoreError("get account "+accountID, err)
	}
	if account.UserID != userID {
		return nil, apperr.New(apperr.KindNotFound, "account %s not found", accountID)
	}
	return account, nil
}
