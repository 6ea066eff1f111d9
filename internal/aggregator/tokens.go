package aggregator

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/apperr"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Token is the OAuth token record held for one user.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenStore holds per-user aggregator tokens in memory and refreshes expired
// access tokens. Records are lost on restart; users reconnect in that case.
type TokenStore struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.RWMutex
	tokens map[string]Token

	// refreshes keeps at most one refresh in flight per user.
	refreshes singleflight.Group
}

// NewTokenStore creates an empty token store that refreshes through oauthCfg.
func NewTokenStore(oauthCfg *oauth2.Config, httpClient *http.Client, logger *zap.Logger) *TokenStore {
	return &TokenStore{
		oauth:      oauthCfg,
		httpClient: httpClient,
		logger:     logger.Named("tokens"),
		now:        time.Now,
		tokens:     make(map[string]Token),
	}
}

// Store records a token for the user, replacing any previous record.
func (s *TokenStore) Store(userID, accessToken, refreshToken string, expiresIn time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[userID] = Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       s.now().Add(expiresIn),
	}
}

// Get returns the stored record for the user.
func (s *TokenStore) Get(userID string) (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[userID]
	return tok, ok
}

// Has reports whether any record, valid or not, exists for the user.
func (s *TokenStore) Has(userID string) bool {
	_, ok := s.Get(userID)
	return ok
}

// ValidAccessToken returns an access token usable now. An expired token is
// refreshed once; a failed refresh leaves the stale record in place so the next
// call tries again.
func (s *TokenStore) ValidAccessToken(ctx context.Context, userID string) (string, error) {
	tok, ok := s.Get(userID)
	if !ok {
		return "", apperr.New(apperr.KindNoToken, "no aggregator token for user %s", userID)
	}
	if s.now().Before(tok.Expiry) {
		return tok.AccessToken, nil
	}

	// The refresh outlives a single caller's cancellation since others may be
	// waiting on it.
	refreshCtx := context.WithoutCancel(ctx)
	v, err, _ := s.refreshes.Do(userID, func() (any, error) {
		// A concurrent caller may have completed a refresh already.
		current, ok := s.Get(userID)
		if !ok {
			return "", apperr.New(apperr.KindNoToken, "no aggregator token for user %s", userID)
		}
		if s.now().Before(current.Expiry) {
			return current.AccessToken, nil
		}
		refreshed, err := s.refresh(refreshCtx, current)
		if err != nil {
			s.logger.Warn("token refresh failed", zap.String("user_id", userID), zap.Error(err))
			return "", apperr.Wrap(apperr.KindTokenUnavailable, err, "could not refresh aggregator token")
		}
		s.mu.Lock()
		s.tokens[userID] = refreshed
		s.mu.Unlock()
		s.logger.Debug("token refreshed", zap.String("user_id", userID), zap.Time("expiry", refreshed.Expiry))
		return refreshed.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *TokenStore) refresh(ctx context.Context, tok Token) (Token, error) {
	if tok.RefreshToken == "" {
		return Token{}, apperr.New(apperr.KindTokenUnavailable, "no refresh token")
	}
	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}
	fresh, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	if err != nil {
		return Token{}, err
	}
	return Token{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		Expiry:       s.expiryOf(fresh),
	}, nil
}

// defaultTokenLifetime applies when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

func (s *TokenStore) expiryOf(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return s.now().Add(defaultTokenLifetime)
	}
	return tok.Expiry
}

// StoreToken records a token obtained from the token endpoint.
func (s *TokenStore) StoreToken(userID string, tok *oauth2.Token) {
	s.Store(userID, tok.AccessToken, tok.RefreshToken, s.expiryOf(tok).Sub(s.now()))
}
