// Package aggregatortest provides an in-process fake of the TrueLayer auth and
// Data API endpoints for tests.
package aggregatortest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Account is an account served by the fake.
type Account struct {
	AccountID   string `json:"account_id"`
	AccountType string `json:"account_type"`
	DisplayName string `json:"display_name"`
	Currency    string `json:"currency"`
	Provider    struct {
		ProviderID  string `json:"provider_id"`
		DisplayName string `json:"display_name"`
	} `json:"provider"`
}

// Balance is a balance served by the fake.
type Balance struct {
	Currency  string  `json:"currency"`
	Available float64 `json:"available"`
	Current   float64 `json:"current"`
}

// Transaction is a transaction served by the fake.
type Transaction struct {
	TransactionID       string  `json:"transaction_id"`
	Timestamp           string  `json:"timestamp"`
	Description         string  `json:"description"`
	Amount              float64 `json:"amount"`
	Currency            string  `json:"currency"`
	TransactionType     string  `json:"transaction_type"`
	TransactionCategory string  `json:"transaction_category"`
}

// Server is a fake TrueLayer. Exported fields may be changed between calls
// while holding no lock, as long as no request is in flight.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// Codes maps valid authorization codes to whether they were redeemed.
	codes map[string]bool

	Accounts     []Account
	Balances     map[string]Balance
	Transactions map[string][]Transaction

	// Per-endpoint failure injection: a non-zero status is returned as is.
	AccountsStatus int
	BalanceStatus  map[string]int
	ExchangeStatus int
	RefreshStatus  int

	// OnAccounts, when set, runs as each accounts request arrives.
	OnAccounts func()

	// RefreshDelay widens the window in which concurrent refreshes could race.
	RefreshDelay time.Duration
	// ExpiresIn is the lifetime in seconds of issued access tokens.
	ExpiresIn int

	accessTokens  map[string]bool
	refreshTokens map[string]bool
	issued        int
	exchanges     int
	refreshes     int
	lastQuery     map[string]string
}

// NewServer starts a fake TrueLayer server.
func NewServer() *Server {
	s := &Server{
		codes:         make(map[string]bool),
		Balances:      make(map[string]Balance),
		Transactions:  make(map[string][]Transaction),
		BalanceStatus: make(map[string]int),
		ExpiresIn:     3600,
		accessTokens:  make(map[string]bool),
		refreshTokens: make(map[string]bool),
		lastQuery:     make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect/token", s.handleToken)
	mux.HandleFunc("GET /data/v1/accounts", s.authorized(s.handleAccounts))
	mux.HandleFunc("GET /data/v1/accounts/{id}/balance", s.authorized(s.handleBalance))
	mux.HandleFunc("GET /data/v1/accounts/{id}/transactions", s.authorized(s.handleTransactions))
	s.Server = httptest.NewServer(mux)
	return s
}

// TokenURL is the fake's token endpoint.
func (s *Server) TokenURL() string { return s.URL + "/connect/token" }

// AuthURL is the fake's consent page.
func (s *Server) AuthURL() string { return s.URL + "/" }

// AddCode registers a one-time authorization code.
func (s *Server) AddCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = false
}

// IssueRefreshToken registers a refresh token accepted by the token endpoint.
func (s *Server) IssueRefreshToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token] = true
}

// IssueAccessToken registers an access token accepted by the Data API.
func (s *Server) IssueAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens[token] = true
}

// Exchanges returns the number of authorization_code grants received.
func (s *Server) Exchanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchanges
}

// Refreshes returns the number of refresh_token grants received.
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// LastQuery returns the query parameter name of the last transactions request.
func (s *Server) LastQuery(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery[name]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) issueTokens(w http.ResponseWriter) {
	s.issued++
	access := fmt.Sprintf("access-%d", s.issued)
	refresh := fmt.Sprintf("refresh-%d", s.issued)
	s.accessTokens[access] = true
	s.refreshTokens[refresh] = true
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    s.ExpiresIn,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.mu.Lock()
		defer s.mu.Unlock()
		s.exchanges++
		if s.ExchangeStatus != 0 {
			writeJSON(w, s.ExchangeStatus, map[string]string{"error": "server_error"})
			return
		}
		code := r.PostForm.Get("code")
		redeemed, ok := s.codes[code]
		if !ok || redeemed {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		s.codes[code] = true
		s.issueTokens(w)

	case "refresh_token":
		s.mu.Lock()
		s.refreshes++
		delay := s.RefreshDelay
		s.mu.Unlock()
		time.Sleep(delay)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.RefreshStatus != 0 {
			writeJSON(w, s.RefreshStatus, map[string]string{"error": "server_error"})
			return
		}
		token := r.PostForm.Get("refresh_token")
		if !s.refreshTokens[token] {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		delete(s.refreshTokens, token)
		s.issueTokens(w)

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		s.mu.Lock()
		ok := len(header) > len(prefix) && s.accessTokens[header[len(prefix):]]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if s.OnAccounts != nil {
		s.OnAccounts()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AccountsStatus != 0 {
		writeJSON(w, s.AccountsStatus, map[string]string{"error": "provider_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": s.Accounts})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if status := s.BalanceStatus[id]; status != 0 {
		writeJSON(w, status, map[string]string{"error": "provider_error"})
		return
	}
	results := []Balance{}
	if balance, ok := s.Balances[id]; ok {
		results = append(results, balance)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastQuery["from"] = r.URL.Query().Get("from")
	s.lastQuery["to"] = r.URL.Query().Get("to")
	results := s.Transactions[r.PathValue("id")]
	if results == nil {
		results = []Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
