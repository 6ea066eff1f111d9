package service

import (
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/models"
	"github.com/shopspring/decimal"
)

// Request and response messages of presupuesto.v1.BudgetService. They travel
// as JSON through JSONCodec.

type InitiateConnectRequest struct{}

type InitiateConnectResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}

type HandleCallbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

type HandleCallbackResponse struct {
	Accounts         []*models.Account `json:"accounts,omitempty"`
	Failures         []SyncFailure     `json:"failures,omitempty"`
	Message          string            `json:"message,omitempty"`
	AlreadyProcessed bool              `json:"already_processed,omitempty"`
}

type ListAccountsRequest struct{}

type ListAccountsResponse struct {
	Accounts []*models.Account `json:"accounts"`
}

type ResyncAccountsRequest struct{}

type ResyncAccountsResponse struct {
	Accounts []*models.Account `json:"accounts"`
	Failures []SyncFailure     `json:"failures,omitempty"`
}

type ListAccountTransactionsRequest struct {
	AccountID string `json:"account_id"`
	Offset    int    `json:"offset,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type ListAccountTransactionsResponse struct {
	Transactions []*models.Transaction `json:"transactions"`
}

type ResyncAccountTransactionsRequest struct {
	AccountID string `json:"account_id"`
}

type ResyncAccountTransactionsResponse struct {
	Count    int           `json:"count"`
	Failures []SyncFailure `json:"failures,omitempty"`
}

type CreateTransactionRequest struct {
	AccountID       string          `json:"account_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Description     string          `json:"description"`
	TransactionType string          `json:"transaction_type"`
	Timestamp       time.Time       `json:"timestamp"`
	CategoryID      string          `json:"category_id,omitempty"`
}

type CreateTransactionResponse struct {
	Transaction *models.Transaction `json:"transaction"`
}

type GetTransactionRequest struct {
	TransactionID string `json:"transaction_id"`
}

type GetTransactionResponse struct {
	Transaction *models.Transaction `json:"transaction"`
}

type ListTransactionsRequest struct {
	AccountID string `json:"account_id,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type ListTransactionsResponse struct {
	Transactions []*models.Transaction `json:"transactions"`
}

// UpdateTransactionRequest changes only the fields that are set. An empty
// CategoryID uncategorises the transaction.
type UpdateTransactionRequest struct {
	TransactionID   string  `json:"transaction_id"`
	Description     *string `json:"description,omitempty"`
	TransactionType *string `json:"transaction_type,omitempty"`
	CategoryID      *string `json:"category_id,omitempty"`
}

type UpdateTransactionResponse struct {
	Transaction *models.Transaction `json:"transaction"`
}

type DeleteTransactionRequest struct {
	TransactionID string `json:"transaction_id"`
}

type DeleteTransactionResponse struct{}

type CreateCategoryGroupRequest struct {
	Name string `json:"name"`
}

type CreateCategoryGroupResponse struct {
	Group *models.CategoryGroup `json:"group"`
}

type ListCategoryGroupsRequest struct{}

type ListCategoryGroupsResponse struct {
	Groups []*models.CategoryGroup `json:"groups"`
}

type CreateCategoryRequest struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

type CreateCategoryResponse struct {
	Category *models.Category `json:"category"`
}

type ListCategoriesRequest struct{}

type ListCategoriesResponse struct {
	Categories []*models.Category `json:"categories"`
}

type UpdateCategoryRequest struct {
	CategoryID string  `json:"category_id"`
	Name       *string `json:"name,omitempty"`
	Type       *string `json:"type,omitempty"`
	GroupID    *string `json:"group_id,omitempty"`
}

type UpdateCategoryResponse struct {
	Category *models.Category `json:"category"`
}

type CreateBudgetRequest struct {
	CategoryID      string          `json:"category_id"`
	EstimatedAmount decimal.Decimal `json:"estimated_amount"`
	AssignedAmount  decimal.Decimal `json:"assigned_amount"`
	PeriodStart     time.Time       `json:"period_start"`
	PeriodEnd       time.Time       `json:"period_end"`
}

type CreateBudgetResponse struct {
	Budget *models.Budget `json:"budget"`
}

type GetBudgetRequest struct {
	BudgetID string `json:"budget_id"`
}

type GetBudgetResponse struct {
	Budget *models.Budget `json:"budget"`
}

type ListBudgetsRequest struct{}

type ListBudgetsResponse struct {
	Budgets []*models.Budget `json:"budgets"`
}

type GetReadyToAssignRequest struct{}

type GetReadyToAssignResponse struct {
	ReadyToAssign *models.ReadyToAssign `json:"ready_to_assign"`
}

type UpdateReadyToAssignRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type UpdateReadyToAssignResponse struct {
	ReadyToAssign *models.ReadyToAssign `json:"ready_to_assign"`
}

// GetSpentByCategoryRequest optionally restricts the sum to transactions dated
// within [From, To].
type GetSpentByCategoryRequest struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

type GetSpentByCategoryResponse struct {
	Spent map[string]decimal.Decimal `json:"spent"`
}
