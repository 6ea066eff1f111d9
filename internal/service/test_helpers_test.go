package service

import (
	"context"
	"testing"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/aggregator"
	"github.com/PitiGo/presupuesto-facil/internal/aggregator/aggregatortest"
	"github.com/PitiGo/presupuesto-facil/internal/auth"
	"github.com/PitiGo/presupuesto-facil/internal/banksync"
	"github.com/PitiGo/presupuesto-facil/internal/budget"
	"github.com/PitiGo/presupuesto-facil/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testContextWithUser creates a context with authenticated user claims for testing
func testContextWithUser(userID string) context.Context {
	return auth.WithUserClaims(context.Background(), &auth.UserClaims{
		UID:   userID,
		Email: userID + "@test.local",
	})
}

// testEnv is a fully wired service backed by a fake aggregator and the
// in-memory store.
type testEnv struct {
	srv    *aggregatortest.Server
	store  *store.MemoryStore
	client *aggregator.Client
	guard  *aggregator.CodeGuard
	states *aggregator.StateSigner
	sync   *Orchestrator
	svc    *BudgetService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	srv := aggregatortest.NewServer()
	t.Cleanup(srv.Close)

	cfg := aggregator.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost:8111" + CallbackPath,
		AuthURL:      srv.AuthURL(),
		TokenURL:     srv.TokenURL(),
		APIURL:       srv.URL,
		Timeout:      5 * time.Second,
	}
	oauthCfg := aggregator.NewOAuthConfig(cfg)
	httpClient := aggregator.NewHTTPClient(cfg)
	client := aggregator.NewClient(cfg, oauthCfg, httpClient, aggregator.NewTokenStore(oauthCfg, httpClient, logger), logger)

	guard := aggregator.NewCodeGuard(time.Hour)
	t.Cleanup(guard.Stop)

	s := store.NewMemoryStore()
	reconciler := budget.NewReconciler(logger)
	states := aggregator.NewStateSigner("test-secret", time.Minute)
	orchestrator := NewOrchestrator(s, client, guard, states, banksync.NewPipeline(s, reconciler, logger), logger)

	return &testEnv{
		srv:    srv,
		store:  s,
		client: client,
		guard:  guard,
		states: states,
		sync:   orchestrator,
		svc:    NewBudgetService(orchestrator, s, reconciler, logger),
	}
}

// addBankAccount makes the fake aggregator serve an account with a balance.
func (e *testEnv) addBankAccount(accountID, name string, current float64) {
	acc := aggregatortest.Account{
		AccountID:   accountID,
		AccountType: "TRANSACTION",
		DisplayName: name,
		Currency:    "GBP",
	}
	acc.Provider.ProviderID = "mock"
	acc.Provider.DisplayName = "Mock Bank"
	e.srv.Accounts = append(e.srv.Accounts, acc)
	e.srv.Balances[accountID] = aggregatortest.Balance{Currency: "GBP", Available: current, Current: current}
}

// state issues a valid OAuth state for userID.
func (e *testEnv) state(t *testing.T, userID string) string {
	t.Helper()
	state, err := e.states.Issue(userID)
	require.NoError(t, err)
	return state
}

// connect runs a successful consent callback for userID.
func (e *testEnv) connect(t *testing.T, userID, code string) *CallbackResult {
	t.Helper()
	e.srv.AddCode(code)
	result, err := e.sync.HandleCallback(context.Background(), code, e.state(t, userID))
	require.NoError(t, err)
	require.False(t, result.AlreadyProcessed)
	return result
}
