package aggregator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/aggregator/aggregatortest"
	"github.com/PitiGo/presupuesto-facil/internal/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, srv *aggregatortest.Server) *Client {
	t.Helper()
	cfg := Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost:8111/truelayer/callback",
		AuthURL:      srv.AuthURL(),
		TokenURL:     srv.TokenURL(),
		APIURL:       srv.URL,
		Providers:    []string{"uk-ob-all", "uk-oauth-all"},
		Timeout:      5 * time.Second,
	}
	oauthCfg := NewOAuthConfig(cfg)
	httpClient := NewHTTPClient(cfg)
	logger := zaptest.NewLogger(t)
	return NewClient(cfg, oauthCfg, httpClient, NewTokenStore(oauthCfg, httpClient, logger), logger)
}

func TestClient_AuthCodeURL(t *testing.T) {
	srv := aggregatortest.NewServer()
	defer srv.Close()
	c := newTestClient(t, srv)

	u, err := url.Parse(c.AuthCodeURL("state-123"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client", q.Get("client_id"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "http://localhost:8111/truelayer/callback", q.Get("redirect_uri"))
	assert.Equal(t, "uk-ob-all uk-oauth-all", q.Get("providers"))
	assert.Contains(t, q.Get("scope"), "transactions")
}

func TestClient_ExchangeCode(t *testing.T) {
	srv := aggregatortest.NewServer()
	defer srv.Close()
	srv.AddCode("code-1")
	c := newTestClient(t, srv)
	ctx := context.Background()

	tok, err := c.ExchangeCode(ctx, "code-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)

	stored, ok := c.Tokens().Get("user-1")
	require.True(t, ok)
	assert.Equal(t, "access-1", stored.AccessToken)
	assert.Equal(t, "refresh-1", stored.RefreshToken)

	// The aggregator rejects a redeemed code with invalid_grant.
	_, err = c.ExchangeCode(ctx, "code-1", "user-1")
	assert.True(t, apperr.Is(err, apperr.KindExpiredOrReusedCode), "got %v", err)

	_, err = c.ExchangeCode(ctx, "never-issued", "user-1")
	assert.True(t, apperr.Is(err, apperr.KindExpiredOrReusedCode))
}

func TestClient_ExchangeCodeFailures(t *testing.T) {
	t.Run("server error is an aggregator error", func(t *testing.T) {
		srv := aggregatortest.NewServer()
		defer srv.Close()
		srv.AddCode("code-1")
		srv.ExchangeStatus = http.StatusBadGateway
		c := newTestClient(t, srv)

		_, err := c.ExchangeCode(context.Background(), "code-1", "user-1")
		e, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.KindAggregator, e.Kind)
		assert.Equal(t, http.StatusBadGateway, e.Status)
		assert.Contains(t, e.Body, "server_error")
		assert.False(t, c.Tokens().Has("user-1"))
	})

	t.Run("unreachable is a network error", func(t *testing.T) {
		srv := aggregatortest.NewServer()
		c := newTestClient(t, srv)
		srv.Close()

		_, err := c.ExchangeCode(context.Background(), "code-1", "user-1")
		assert.True(t, apperr.Is(err, apperr.KindNetwork), "got %v", err)
	})

	t.Run("timeout is a network error", func(t *testing.T) {
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer slow.Close()
		cfg := Config{ClientID: "client", TokenURL: slow.URL, Timeout: 20 * time.Millisecond}
		oauthCfg := NewOAuthConfig(cfg)
		httpClient := NewHTTPClient(cfg)
		logger := zaptest.NewLogger(t)
		c := NewClient(cfg, oauthCfg, httpClient, NewTokenStore(oauthCfg, httpClient, logger), logger)

		_, err := c.ExchangeCode(context.Background(), "code-1", "user-1")
		assert.True(t, apperr.Is(err, apperr.KindNetwork), "got %v", err)
	})
}

func TestClient_DataEndpoints(t *testing.T) {
	srv := aggregatortest.NewServer()
	defer srv.Close()
	srv.AddCode("code-1")
	srv.Accounts = []aggregatortest.Account{{AccountID: "acc-1", AccountType: "TRANSACTION", DisplayName: "Current", Currency: "GBP"}}
	srv.Accounts[0].Provider.DisplayName = "Mock Bank"
	srv.Balances["acc-1"] = aggregatortest.Balance{Currency: "GBP", Available: 90.5, Current: 100}
	srv.Transactions["acc-1"] = []aggregatortest.Transaction{{
		TransactionID: "tx-1",
		Timestamp:     "2024-03-05T10:00:00+00:00",
		Description:   "Coffee",
		Amount:        -3.2,
		Currency:      "GBP",
	}}
	c := newTestClient(t, srv)
	ctx := context.Background()

	_, err := c.ExchangeCode(ctx, "code-1", "user-1")
	require.NoError(t, err)

	accounts, err := c.ListAccounts(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "acc-1", accounts[0].AccountID)
	assert.Equal(t, "Mock Bank", accounts[0].Provider.DisplayName)

	balance, err := c.GetBalance(ctx, "user-1", "acc-1")
	require.NoError(t, err)
	require.NotNil(t, balance)
	assert.True(t, balance.Current.Equal(decimal.NewFromInt(100)))

	balance, err = c.GetBalance(ctx, "user-1", "acc-without-balance")
	require.NoError(t, err)
	assert.Nil(t, balance)

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	txns, err := c.ListTransactions(ctx, "user-1", "acc-1", from, to)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.True(t, txns[0].Amount.Equal(decimal.RequireFromString("-3.2")))
	assert.Equal(t, time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), txns[0].Timestamp.Time)
	assert.Equal(t, "2024-03-01T00:00:00Z", srv.LastQuery("from"))
	assert.Equal(t, "2024-03-31T00:00:00Z", srv.LastQuery("to"))
}

func TestClient_DataEndpointErrors(t *testing.T) {
	srv := aggregatortest.NewServer()
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	_, err := c.ListAccounts(ctx, "user-1")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized), "no token: got %v", err)
	assert.ErrorContains(t, err, "NO_TOKEN")

	srv.IssueAccessToken("good")
	c.Tokens().Store("user-1", "good", "", time.Hour)

	srv.AccountsStatus = http.StatusServiceUnavailable
	_, err = c.ListAccounts(ctx, "user-1")
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindAggregator, e.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, e.Status)

	srv.BalanceStatus["acc-1"] = http.StatusNotFound
	_, err = c.GetBalance(ctx, "user-1", "acc-1")
	assert.True(t, apperr.Is(err, apperr.KindAggregator))

	c.Tokens().Store("user-1", "revoked", "", time.Hour)
	_, err = c.GetBalance(ctx, "user-1", "acc-2")
	e, ok = apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, e.Status)

	srv.Close()
	c.Tokens().Store("user-1", "good", "", time.Hour)
	_, err = c.ListTransactions(ctx, "user-1", "acc-1", time.Now().Add(-time.Hour), time.Now())
	assert.True(t, apperr.Is(err, apperr.KindNetwork), "got %v", err)
}

func TestTransactionWindowStart(t *testing.T) {
	now := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)

	old := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(-30*24*time.Hour), TransactionWindowStart(now, old))

	recent := time.Date(2024, 3, 20, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, recent, TransactionWindowStart(now, recent))
}

func TestTimestampUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{`"2024-03-05T10:00:00+01:00"`, time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)},
		{`"2024-03-05T10:00:00"`, time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)},
		{`"2024-03-05"`, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
		{`""`, time.Time{}},
	}
	for _, tt := range tests {
		var ts Timestamp
		require.NoError(t, ts.UnmarshalJSON([]byte(tt.in)), tt.in)
		assert.True(t, tt.want.Equal(ts.Time), "%s: got %v", tt.in, ts.Time)
	}

	var ts Timestamp
	assert.Error(t, ts.UnmarshalJSON([]byte(`"yesterday"`)))
}
