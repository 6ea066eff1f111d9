//go:build ignore
// +build ignore

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"connectrpc.com/connect"
	"github.com/PitiGo/presupuesto-facil/internal/service"
	"github.com/shopspring/decimal"
)

type seedClient struct {
	httpClient *http.Client
	baseURL    string
	opts       []connect.ClientOption
}

func call[Req, Res any](ctx context.Context, c *seedClient, method string, msg *Req) (*Res, error) {
	client := connect.NewClient[Req, Res](c.httpClient, c.baseURL+service.Procedure(method), c.opts...)
	resp, err := client.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return resp.Msg, nil
}

func main() {
	apiURL := os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8111"
	}
	userID := os.Getenv("USER_ID")
	if userID == "" {
		userID = "local-dev-user"
	}
	authToken := os.Getenv("AUTH_TOKEN")

	log.Printf("Seeding data for user %s at %s", userID, apiURL)

	opts := []connect.ClientOption{connect.WithCodec(service.JSONCodec{})}
	if authToken != "" {
		opts = append(opts, connect.WithInterceptors(headerInterceptor("Authorization", "Bearer "+authToken)))
	} else {
		log.Println("No auth token provided, the server must run with auth.skip_auth or the memory store")
		opts = append(opts, connect.WithInterceptors(headerInterceptor("X-Debug-Impersonate-User", userID)))
	}
	c := &seedClient{httpClient: &http.Client{Timeout: 30 * time.Second}, baseURL: apiURL, opts: opts}
	ctx := context.Background()

	categories, err := seedCategories(ctx, c)
	if err != nil {
		log.Fatalf("Failed to seed categories: %v", err)
	}
	if err := seedBudgets(ctx, c, categories); err != nil {
		log.Fatalf("Failed to seed budgets: %v", err)
	}
	if err := seedTransactions(ctx, c, categories); err != nil {
		log.Fatalf("Failed to seed transactions: %v", err)
	}

	spent, err := call[service.GetSpentByCategoryRequest, service.GetSpentByCategoryResponse](ctx, c, "GetSpentByCategory", &service.GetSpentByCategoryRequest{})
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	for categoryID, amount := range spent.Spent {
		log.Printf("  %s spent %s", categoryID, amount.StringFixed(2))
	}
	log.Println("Seeding complete")
}

// seedCategories creates two groups with their categories and returns the
// category IDs by name.
func seedCategories(ctx context.Context, c *seedClient) (map[string]string, error) {
	groups := []struct {
		name       string
		categories []string
	}{
		{"Bills", []string{"Rent", "Utilities"}},
		{"Everyday", []string{"Groceries", "Eating Out"}},
	}

	ids := make(map[string]string)
	for _, g := range groups {
		group, err := call[service.CreateCategoryGroupRequest, service.CreateCategoryGroupResponse](ctx, c, "CreateCategoryGroup",
			&service.CreateCategoryGroupRequest{Name: g.name})
		if err != nil {
			return nil, err
		}
		for _, name := range g.categories {
			category, err := call[service.CreateCategoryRequest, service.CreateCategoryResponse](ctx, c, "CreateCategory",
				&service.CreateCategoryRequest{Name: name, Type: "expense", GroupID: group.Group.ID})
			if err != nil {
				return nil, err
			}
			ids[name] = category.Category.ID
		}
		log.Printf("  created group %s with %d categories", g.name, len(g.categories))
	}
	return ids, nil
}

func seedBudgets(ctx context.Context, c *seedClient, categories map[string]string) error {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)

	estimates := map[string]string{
		"Rent":       "950",
		"Utilities":  "120",
		"Groceries":  "300",
		"Eating Out": "80",
	}
	for name, estimate := range estimates {
		amount := decimal.RequireFromString(estimate)
		_, err := call[service.CreateBudgetRequest, service.CreateBudgetResponse](ctx, c, "CreateBudget", &service.CreateBudgetRequest{
			CategoryID:      categories[name],
			EstimatedAmount: amount,
			AssignedAmount:  amount,
			PeriodStart:     start,
			PeriodEnd:       end,
		})
		if err != nil {
			return err
		}
	}

	_, err := call[service.UpdateReadyToAssignRequest, service.UpdateReadyToAssignResponse](ctx, c, "UpdateReadyToAssign",
		&service.UpdateReadyToAssignRequest{Amount: decimal.RequireFromString("250")})
	if err != nil {
		return err
	}
	log.Printf("  created %d budgets for %s", len(estimates), start.Format("January 2006"))
	return nil
}

// seedTransactions adds manual transactions to the first connected account.
func seedTransactions(ctx context.Context, c *seedClient, categories map[string]string) error {
	accounts, err := call[service.ListAccountsRequest, service.ListAccountsResponse](ctx, c, "ListAccounts", &service.ListAccountsRequest{})
	if err != nil {
		return err
	}
	if len(accounts.Accounts) == 0 {
		connectURL, err := call[service.InitiateConnectRequest, service.InitiateConnectResponse](ctx, c, "InitiateConnect", &service.InitiateConnectRequest{})
		if err != nil {
			return err
		}
		log.Printf("  no bank account connected, skipping transactions. Connect one at %s", connectURL.AuthorizationURL)
		return nil
	}
	account := accounts.Accounts[0]

	now := time.Now().UTC()
	txns := []struct {
		description string
		amount      string
		category    string
		daysAgo     int
	}{
		{"Monthly rent", "-950.00", "Rent", 0},
		{"Electricity", "-64.20", "Utilities", 1},
		{"Supermarket", "-82.35", "Groceries", 2},
		{"Farmers market", "-23.10", "Groceries", 3},
		{"Pizza night", "-31.50", "Eating Out", 4},
		{"Refund", "12.00", "", 5},
	}
	for _, t := range txns {
		timestamp := now.AddDate(0, 0, -t.daysAgo)
		if timestamp.Month() != now.Month() {
			timestamp = now
		}
		_, err := call[service.CreateTransactionRequest, service.CreateTransactionResponse](ctx, c, "CreateTransaction", &service.CreateTransactionRequest{
			AccountID:       account.AccountID,
			Amount:          decimal.RequireFromString(t.amount),
			Currency:        account.Currency,
			Description:     t.description,
			TransactionType: "DEBIT",
			Timestamp:       timestamp,
			CategoryID:      categories[t.category],
		})
		if err != nil {
			return err
		}
	}
	log.Printf("  created %d transactions on account %s", len(txns), account.AccountID)
	return nil
}

func headerInterceptor(key, value string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			req.Header().Set(key, value)
			return next(ctx, req)
		}
	}
}
