package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/PitiGo/presupuesto-facil/internal/apperr"
	"github.com/PitiGo/presupuesto-facil/internal/auth"
	"github.com/PitiGo/presupuesto-facil/internal/banksync"
	"github.com/PitiGo/presupuesto-facil/internal/budget"
	"github.com/PitiGo/presupuesto-facil/internal/models"
	"github.com/PitiGo/presupuesto-facil/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ManualTransactionPrefix marks transactions entered by the user rather than
// imported from a bank.
const ManualTransactionPrefix = "manual-"

// scanPageSize is the page size used when a handler needs every transaction
// of a user.
const scanPageSize = 1000

// BudgetService implements presupuesto.v1.BudgetService.
type BudgetService struct {
	sync       *Orchestrator
	store      store.Store
	reconciler *budget.Reconciler
	logger     *zap.Logger
	now        func() time.Time
}

func NewBudgetService(sync *Orchestrator, s store.Store, reconciler *budget.Reconciler, logger *zap.Logger) *BudgetService {
	return &BudgetService{
		sync:       sync,
		store:      s,
		reconciler: reconciler,
		logger:     logger.Named("budget_service"),
		now:        time.Now,
	}
}

// Bank connection

func (s *BudgetService) InitiateConnect(ctx context.Context, req *connect.Request[InitiateConnectRequest]) (*connect.Response[InitiateConnectResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	authURL, err := s.sync.InitiateConnect(ctx, userID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&InitiateConnectResponse{AuthorizationURL: authURL}), nil
}

// HandleCallback is public: the signed state identifies the user.
func (s *BudgetService) HandleCallback(ctx context.Context, req *connect.Request[HandleCallbackRequest]) (*connect.Response[HandleCallbackResponse], error) {
	result, err := s.sync.HandleCallback(ctx, req.Msg.Code, req.Msg.State)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&HandleCallbackResponse{
		Accounts:         result.Accounts,
		Failures:         result.Failures,
		Message:          result.Message,
		AlreadyProcessed: result.AlreadyProcessed,
	}), nil
}

func (s *BudgetService) ListAccounts(ctx context.Context, req *connect.Request[ListAccountsRequest]) (*connect.Response[ListAccountsResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	accounts, err := s.sync.ListAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ListAccountsResponse{Accounts: accounts}), nil
}

func (s *BudgetService) ResyncAccounts(ctx context.Context, req *connect.Request[ResyncAccountsRequest]) (*connect.Response[ResyncAccountsResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	accounts, failures, err := s.sync.ResyncAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ResyncAccountsResponse{Accounts: accounts, Failures: failures}), nil
}

func (s *BudgetService) ListAccountTransactions(ctx context.Context, req *connect.Request[ListAccountTransactionsRequest]) (*connect.Response[ListAccountTransactionsResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	txns, err := s.sync.ListAccountTransactions(ctx, userID, req.Msg.AccountID, req.Msg.Offset, req.Msg.Limit)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ListAccountTransactionsResponse{Transactions: txns}), nil
}

func (s *BudgetService) ResyncAccountTransactions(ctx context.Context, req *connect.Request[ResyncAccountTransactionsRequest]) (*connect.Response[ResyncAccountTransactionsResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	count, failures, err := s.sync.ResyncAccountTransactions(ctx, userID, req.Msg.AccountID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ResyncAccountTransactionsResponse{Count: count, Failures: failures}), nil
}

// Transactions

// CreateTransaction records a manual transaction on one of the user's accounts.
func (s *BudgetService) CreateTransaction(ctx context.Context, req *connect.Request[CreateTransactionRequest]) (*connect.Response[CreateTransactionResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	if req.Msg.Timestamp.IsZero() {
		return nil, apperr.New(apperr.KindInvalidArgument, "timestamp is required")
	}
	currency, err := banksync.NormalizeCurrency(req.Msg.Currency)
	if err != nil {
		return nil, err
	}

	txn := &models.Transaction{
		AccountID:       req.Msg.AccountID,
		UserID:          userID,
		TransactionID:   ManualTransactionPrefix + uuid.New().String(),
		Amount:          req.Msg.Amount,
		Currency:        currency,
		Description:     strings.TrimSpace(req.Msg.Description),
		TransactionType: req.Msg.TransactionType,
		Timestamp:       req.Msg.Timestamp.UTC(),
		CategoryID:      req.Msg.CategoryID,
	}

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := ownedAccount(ctx, tx, userID, txn.AccountID); err != nil {
			return err
		}
		if txn.HasCategory() {
			if _, err := ownedCategory(ctx, tx, userID, txn.CategoryID); err != nil {
				return err
			}
		}
		if err := s.reconciler.Reconcile(ctx, tx, nil, txn); err != nil {
			return err
		}
		return store.WrapStoreError("create transaction", tx.CreateTransaction(ctx, txn))
	})
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&CreateTransactionResponse{Transaction: txn}), nil
}

func (s *BudgetService) GetTransaction(ctx context.Context, req *connect.Request[GetTransactionRequest]) (*connect.Response[GetTransactionResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	txn, err := ownedTransaction(ctx, s.store, userID, req.Msg.TransactionID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&GetTransactionResponse{Transaction: txn}), nil
}

func (s *BudgetService) ListTransactions(ctx context.Context, req *connect.Request[ListTransactionsRequest]) (*connect.Response[ListTransactionsResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	txns, err := s.store.ListTransactions(ctx, store.TransactionFilter{
		UserID:    userID,
		AccountID: req.Msg.AccountID,
		Offset:    req.Msg.Offset,
		Limit:     req.Msg.Limit,
	})
	if err != nil {
		return nil, store.WrapStoreError("list transactions", err)
	}
	return connect.NewResponse(&ListTransactionsResponse{Transactions: txns}), nil
}

// UpdateTransaction edits user-owned fields. Moving the transaction to another
// category moves its amount between the matching budgets.
func (s *BudgetService) UpdateTransaction(ctx context.Context, req *connect.Request[UpdateTransactionRequest]) (*connect.Response[UpdateTransactionResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}

	var updated models.Transaction
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Store) error {
		existing, err := ownedTransaction(ctx, tx, userID, req.Msg.TransactionID)
		if err != nil {
			return err
		}
		updated = *existing
		if req.Msg.Description != nil {
			updated.Description = strings.TrimSpace(*req.Msg.Description)
		}
		if req.Msg.TransactionType != nil {
			updated.TransactionType = *req.Msg.TransactionType
		}
		if req.Msg.CategoryID != nil {
			updated.CategoryID = *req.Msg.CategoryID
			if updated.HasCategory() {
				if _, err := ownedCategory(ctx, tx, userID, updated.CategoryID); err != nil {
					return err
				}
			}
		}
		if err := s.reconciler.Reconcile(ctx, tx, existing, &updated); err != nil {
			return err
		}
		return store.WrapStoreError("update transaction", tx.UpdateTransaction(ctx, &updated))
	})
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&UpdateTransactionResponse{Transaction: &updated}), nil
}

// DeleteTransaction removes a transaction and its contribution to any budget.
func (s *BudgetService) DeleteTransaction(ctx context.Context, req *connect.Request[DeleteTransactionRequest]) (*connect.Response[DeleteTransactionResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Store) error {
		existing, err := ownedTransaction(ctx, tx, userID, req.Msg.TransactionID)
		if err != nil {
			return err
		}
		if err := s.reconciler.Reconcile(ctx, tx, existing, nil); err != nil {
			return err
		}
		return store.WrapStoreError("delete transaction", tx.DeleteTransaction(ctx, existing.TransactionID))
	})
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&DeleteTransactionResponse{}), nil
}

// Categories

func (s *BudgetService) CreateCategoryGroup(ctx context.Context, req *connect.Request[CreateCategoryGroupRequest]) (*connect.Response[CreateCategoryGroupResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Msg.Name)
	if name == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "name is required")
	}

	now := s.now().UTC()
	group := &models.CategoryGroup{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateCategoryGroup(ctx, group); err != nil {
		return nil, store.WrapStoreError("create category group", err)
	}
	return connect.NewResponse(&CreateCategoryGroupResponse{Group: group}), nil
}

func (s *BudgetService) ListCategoryGroups(ctx context.Context, req *connect.Request[ListCategoryGroupsRequest]) (*connect.Response[ListCategoryGroupsResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	groups, err := s.store.ListCategoryGroups(ctx, userID)
	if err != nil {
		return nil, store.WrapStoreError("list category groups", err)
	}
	return connect.NewResponse(&ListCategoryGroupsResponse{Groups: groups}), nil
}

func (s *BudgetService) CreateCategory(ctx context.Context, req *connect.Request[CreateCategoryRequest]) (*connect.Response[CreateCategoryResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Msg.Name)
	if name == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "name is required")
	}
	categoryType := req.Msg.Type
	if categoryType == "" {
		categoryType = models.DefaultCategoryType
	}
	if req.Msg.GroupID != "" {
		if err := s.requireGroup(ctx, userID, req.Msg.GroupID); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	category := &models.Category{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		Type:      categoryType,
		GroupID:   req.Msg.GroupID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateCategory(ctx, category); err != nil {
		return nil, store.WrapStoreError("create category", err)
	}
	return connect.NewResponse(&CreateCategoryResponse{Category: category}), nil
}

func (s *BudgetService) ListCategories(ctx context.Context, req *connect.Request[ListCategoriesRequest]) (*connect.Response[ListCategoriesResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	categories, err := s.store.ListCategories(ctx, userID)
	if err != nil {
		return nil, store.WrapStoreError("list categories", err)
	}
	return connect.NewResponse(&ListCategoriesResponse{Categories: categories}), nil
}

func (s *BudgetService) UpdateCategory(ctx context.Context, req *connect.Request[UpdateCategoryRequest]) (*connect.Response[UpdateCategoryResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	category, err := ownedCategory(ctx, s.store, userID, req.Msg.CategoryID)
	if err != nil {
		return nil, err
	}

	if req.Msg.Name != nil {
		name := strings.TrimSpace(*req.Msg.Name)
		if name == "" {
			return nil, apperr.New(apperr.KindInvalidArgument, "name must not be empty")
		}
		category.Name = name
	}
	if req.Msg.Type != nil && *req.Msg.Type != "" {
		category.Type = *req.Msg.Type
	}
	if req.Msg.GroupID != nil {
		if *req.Msg.GroupID != "" {
			if err := s.requireGroup(ctx, userID, *req.Msg.GroupID); err != nil {
				return nil, err
			}
		}
		category.GroupID = *req.Msg.GroupID
	}
	category.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateCategory(ctx, category); err != nil {
		return nil, store.WrapStoreError("update category", err)
	}
	return connect.NewResponse(&UpdateCategoryResponse{Category: category}), nil
}

func (s *BudgetService) requireGroup(ctx context.Context, userID, groupID string) error {
	groups, err := s.store.ListCategoryGroups(ctx, userID)
	if err != nil {
		return store.WrapStoreError("list category groups", err)
	}
	for _, g := range groups {
		if g.ID == groupID {
			return nil
		}
	}
	return apperr.New(apperr.KindNotFound, "category group %s not found", groupID)
}

// Budgets

// CreateBudget creates a budget for one of the user's categories. Its spent
// amount starts from the categorised transactions already in the period.
func (s *BudgetService) CreateBudget(ctx context.Context, req *connect.Request[CreateBudgetRequest]) (*connect.Response[CreateBudgetResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	b := &models.Budget{
		ID:              uuid.New().String(),
		CategoryID:      req.Msg.CategoryID,
		UserID:          userID,
		EstimatedAmount: req.Msg.EstimatedAmount,
		AssignedAmount:  req.Msg.AssignedAmount,
		PeriodStart:     models.DateOf(req.Msg.PeriodStart),
		PeriodEnd:       models.DateOf(req.Msg.PeriodEnd),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.Msg.PeriodStart.IsZero() || req.Msg.PeriodEnd.IsZero() {
		return nil, apperr.New(apperr.KindInvalidArgument, "period_start and period_end are required")
	}

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Store) error {
		if b.CategoryID != "" {
			if _, err := ownedCategory(ctx, tx, userID, b.CategoryID); err != nil {
				return err
			}
		}
		existing, err := tx.ListBudgets(ctx, userID)
		if err != nil {
			return store.WrapStoreError("list budgets", err)
		}
		if err := budget.ValidateNew(b, existing); err != nil {
			return err
		}
		txns, err := allTransactions(ctx, tx, userID)
		if err != nil {
			return err
		}
		for _, t := range txns {
			if t.CategoryID == b.CategoryID && b.Contains(t.Timestamp) {
				b.SpentAmount = b.SpentAmount.Add(t.Amount)
			}
		}
		return store.WrapStoreError("create budget", tx.CreateBudget(ctx, b))
	})
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&CreateBudgetResponse{Budget: b}), nil
}

func (s *BudgetService) GetBudget(ctx context.Context, req *connect.Request[GetBudgetRequest]) (*connect.Response[GetBudgetResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	b, err := s.store.GetBudget(ctx, req.Msg.BudgetID)
	if err != nil {
		return nil, store.WrapStoreError("get budget", err)
	}
	if b.UserID != userID {
		return nil, apperr.New(apperr.KindNotFound, "budget %s not found", req.Msg.BudgetID)
	}
	return connect.NewResponse(&GetBudgetResponse{Budget: b}), nil
}

func (s *BudgetService) ListBudgets(ctx context.Context, req *connect.Request[ListBudgetsRequest]) (*connect.Response[ListBudgetsResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	budgets, err := s.store.ListBudgets(ctx, userID)
	if err != nil {
		return nil, store.WrapStoreError("list budgets", err)
	}
	return connect.NewResponse(&ListBudgetsResponse{Budgets: budgets}), nil
}

// Ready to assign

func (s *BudgetService) GetReadyToAssign(ctx context.Context, req *connect.Request[GetReadyToAssignRequest]) (*connect.Response[GetReadyToAssignResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	var rta *models.ReadyToAssign
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		rta, err = s.readyToAssign(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&GetReadyToAssignResponse{ReadyToAssign: rta}), nil
}

func (s *BudgetService) UpdateReadyToAssign(ctx context.Context, req *connect.Request[UpdateReadyToAssignRequest]) (*connect.Response[UpdateReadyToAssignResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	var rta *models.ReadyToAssign
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Store) error {
		current, err := tx.GetReadyToAssign(ctx, userID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			current = &models.ReadyToAssign{UserID: userID, CreatedAt: s.now().UTC()}
		case err != nil:
			return store.WrapStoreError("get ready to assign", err)
		}
		current.Amount = req.Msg.Amount
		current.UpdatedAt = s.now().UTC()
		rta = current
		return store.WrapStoreError("set ready to assign", tx.SetReadyToAssign(ctx, current))
	})
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&UpdateReadyToAssignResponse{ReadyToAssign: rta}), nil
}

// readyToAssign returns the user's record, creating it at zero on first use.
func (s *BudgetService) readyToAssign(ctx context.Context, tx store.Store, userID string) (*models.ReadyToAssign, error) {
	rta, err := tx.GetReadyToAssign(ctx, userID)
	if err == nil {
		return rta, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, store.WrapStoreError("get ready to assign", err)
	}
	now := s.now().UTC()
	rta = &models.ReadyToAssign{UserID: userID, Amount: decimal.Zero, CreatedAt: now, UpdatedAt: now}
	if err := tx.SetReadyToAssign(ctx, rta); err != nil {
		return nil, store.WrapStoreError("create ready to assign", err)
	}
	return rta, nil
}

// Reporting

// GetSpentByCategory totals expenses per category from the transactions
// themselves, independent of budget periods.
func (s *BudgetService) GetSpentByCategory(ctx context.Context, req *connect.Request[GetSpentByCategoryRequest]) (*connect.Response[GetSpentByCategoryResponse], error) {
	userID, err := auth.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	txns, err := allTransactions(ctx, s.store, userID)
	if err != nil {
		return nil, err
	}

	selected := txns[:0]
	for _, t := range txns {
		day := t.Date()
		if req.Msg.From != nil && day.Before(models.DateOf(*req.Msg.From)) {
			continue
		}
		if req.Msg.To != nil && day.After(models.DateOf(*req.Msg.To)) {
			continue
		}
		selected = append(selected, t)
	}
	return connect.NewResponse(&GetSpentByCategoryResponse{Spent: budget.SpentByCategory(selected)}), nil
}

// ownedTransaction loads a transaction, reporting those of other users as missing.
func ownedTransaction(ctx context.Context, s store.Store, userID, transactionID string) (*models.Transaction, error) {
	if transactionID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "transaction_id is required")
	}
	txn, err := s.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, store.WrapStoreError("get transaction "+transactionID, err)
	}
	if txn.UserID != userID {
		return nil, apperr.New(apperr.KindNotFound, "transaction %s not found", transactionID)
	}
	return txn, nil
}

// ownedCategory loads a category, reporting those of other users as missing.
func ownedCategory(ctx context.Context, s store.Store, userID, categoryID string) (*models.Category, error) {
	category, err := s.GetCategory(ctx, categoryID)
	if err != nil {
		return nil, store.WrapStoreError("get category "+categoryID, err)
	}
	if category.UserID != userID {
		return nil, apperr.New(apperr.KindNotFound, "category %s not found", categoryID)
	}
	return category, nil
}

// allTransactions pages through every transaction of the user.
func allTransactions(ctx context.Context, s store.Store, userID string) ([]*models.Transaction, error) {
	var all []*models.Transaction
	for offset := 0; ; offset += scanPageSize {
		page, err := s.ListTransactions(ctx, store.TransactionFilter{UserID: userID, Offset: offset, Limit: scanPageSize})
		if err != nil {
			return nil, store.WrapStoreError("list transactions", err)
		}
		all = append(all, page...)
		if len(page) < scanPageSize {
			return all, nil
		}
	}
}
