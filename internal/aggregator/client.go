package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/apperr"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Default TrueLayer endpoints.
const (
	DefaultAuthURL  = "https://auth.truelayer.com/"
	DefaultTokenURL = "https://auth.truelayer.com/connect/token"
	DefaultAPIURL   = "https://api.truelayer.com"
	DefaultTimeout  = 30 * time.Second
)

// DefaultScopes grants read access to accounts, balances and transactions,
// plus a refresh token.
var DefaultScopes = []string{"info", "accounts", "balance", "transactions", "offline_access"}

// TransactionWindow is how far back a resync looks for transactions.
const TransactionWindow = 30 * 24 * time.Hour

// NewOAuthConfig builds the oauth2 configuration for the TrueLayer auth server.
func NewOAuthConfig(cfg Config) *oauth2.Config {
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// NewHTTPClient returns the client used for every aggregator call.
func NewHTTPClient(cfg Config) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Client is an HTTP client for the TrueLayer Data API.
type Client struct {
	oauth      *oauth2.Config
	providers  []string
	apiURL     string
	httpClient *http.Client
	tokens     *TokenStore
	logger     *zap.Logger
}

// NewClient creates a Data API client sharing oauthCfg and httpClient with tokens.
func NewClient(cfg Config, oauthCfg *oauth2.Config, httpClient *http.Client, tokens *TokenStore, logger *zap.Logger) *Client {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		oauth:      oauthCfg,
		providers:  cfg.Providers,
		apiURL:     strings.TrimRight(apiURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger.Named("aggregator"),
	}
}

// Tokens returns the token store backing the client.
func (c *Client) Tokens() *TokenStore {
	return c.tokens
}

// AuthCodeURL returns the consent page URL carrying state.
func (c *Client) AuthCodeURL(state string) string {
	var opts []oauth2.AuthCodeOption
	if len(c.providers) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("providers", strings.Join(c.providers, " ")))
	}
	return c.oauth.AuthCodeURL(state, opts...)
}

// ExchangeCode trades a one-time authorization code for tokens and stores them
// for userID. A code the aggregator reports as expired or already redeemed
// fails with ExpiredOrReusedCode.
func (c *Client) ExchangeCode(ctx context.Context, code, userID string) (*oauth2.Token, error) {
	tok, err := c.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), code)
	if err != nil {
		err = translateTokenError(err)
		c.logger.Warn("code exchange failed",
			zap.String("user_id", userID),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Error(err))
		return nil, err
	}
	c.tokens.StoreToken(userID, tok)
	return tok, nil
}

func translateTokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		if status == http.StatusBadRequest && rerr.ErrorCode == "invalid_grant" {
			return apperr.Wrap(apperr.KindExpiredOrReusedCode, err, "authorization code expired or already used")
		}
		return apperr.Aggregator(status, string(rerr.Body), "token exchange rejected")
	}
	return translateTransportError(err, "token exchange")
}

// translateTransportError maps errors that happen before any HTTP response is
// read. A missing or malformed response from the token endpoint is reported
// as an aggregator error.
func translateTransportError(err error, operation string) error {
	var uerr *url.Error
	if errors.As(err, &uerr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindNetwork, err, "%s: aggregator unreachable", operation)
	}
	return &apperr.Error{Kind: apperr.KindAggregator, Message: operation + ": unexpected response", Cause: err}
}

// ListAccounts returns the accounts the user granted access to.
func (c *Client) ListAccounts(ctx context.Context, userID string) ([]RawAccount, error) {
	var resp results[RawAccount]
	if err := c.get(ctx, userID, "/data/v1/accounts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// GetBalance returns the balance of one account, or nil when the aggregator
// has none to report.
func (c *Client) GetBalance(ctx context.Context, userID, accountID string) (*RawBalance, error) {
	var resp results[RawBalance]
	path := "/data/v1/accounts/" + url.PathEscape(accountID) + "/balance"
	if err := c.get(ctx, userID, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

// ListTransactions returns the account's transactions between from and to.
func (c *Client) ListTransactions(ctx context.Context, userID, accountID string, from, to time.Time) ([]RawTransaction, error) {
	var resp results[RawTransaction]
	path := "/data/v1/accounts/" + url.PathEscape(accountID) + "/transactions"
	query := url.Values{}
	query.Set("from", from.UTC().Format(time.RFC3339))
	query.Set("to", to.UTC().Format(time.RFC3339))
	if err := c.get(ctx, userID, path, query, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// TransactionWindowStart returns the lower bound of a transaction fetch: the
// trailing window, but never earlier than the account's first sync.
func TransactionWindowStart(now, accountCreatedAt time.Time) time.Time {
	from := now.Add(-TransactionWindow)
	if accountCreatedAt.After(from) {
		return accountCreatedAt
	}
	return from
}

func (c *Client) get(ctx context.Context, userID, path string, query url.Values, out any) error {
	token, err := c.tokens.ValidAccessToken(ctx, userID)
	if err != nil {
		return apperr.Wrap(apperr.KindUnauthorized, err, "no usable aggregator token, reconnect your bank account")
	}

	endpoint := c.apiURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("aggregator request failed", zap.String("user_id", userID), zap.String("path", path), zap.Error(err))
		return apperr.Wrap(apperr.KindNetwork, err, "GET %s: aggregator unreachable", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(apperr.KindNetwork, err, "GET %s: read response", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("aggregator rejected request",
			zap.String("user_id", userID),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return apperr.Aggregator(resp.StatusCode, string(body), "GET %s", path)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &apperr.Error{
			Kind:    apperr.KindAggregator,
			Message: fmt.Sprintf("GET %s: decode response", path),
			Status:  resp.StatusCode,
			Body:    string(body),
			Cause:   err,
		}
	}
	return nil
}
