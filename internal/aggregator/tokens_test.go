package aggregator

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/aggregator/aggregatortest"
	"github.com/PitiGo/presupuesto-facil/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestTokenStore(t *testing.T, srv *aggregatortest.Server) *TokenStore {
	t.Helper()
	cfg := NewOAuthConfig(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		AuthURL:      srv.AuthURL(),
		TokenURL:     srv.TokenURL(),
	})
	return NewTokenStore(cfg, &http.Client{Timeout: 5 * time.Second}, zaptest.NewLogger(t))
}

func TestTokenStore_NoToken(t *testing.T) {
	srv := aggregatortest.NewServer()
	defer srv.Close()
	tokens := newTestTokenStore(t, srv)

	_, err := tokens.ValidAccessToken(context.Background(), "user-1")
	assert.True(t, apperr.Is(err, apperr.KindNoToken), "got %v", err)
	assert.Equal(t, 0, srv.Refreshes())
}

func TestTokenStore_UnexpiredTokenIsReturned(t *testing.T) {
	srv := aggregatortest.NewServer()
	defer srv.Close()
	tokens := newTestTokenStore(t, srv)

	tokens.Store("user-1", "access-a", "refresh-a", time.Hour)

	got, err := tokens.ValidAccessToken(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "access-a", got)
	assert.Equal(t, 0, srv.Refreshes())
}

func TestTokenStore_StoreOverwrites(t *testing.T) {
	tokens := NewTokenStore(NewOAuthConfig(Config{}), nil, zaptest.NewLogger(t))
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return fixed }

	tokens.Store("user-1", "a", "r1", time.Minute)
	tokens.Store("user-1", "b", "", 2*time.Minute)

	tok, ok := tokens.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, Token{AccessToken: "b", Expiry: fixed.Add(2 * time.Minute)}, tok)
}

func TestTokenStore_ExpiredTokenIsRefreshed(t *testing.T) {
	srv := aggregatortest.NewServer()
	defer srv.Close()
	srv.IssueRefreshToken("refresh-old")
	tokens := newTestTokenStore(t, srv)

	tokens.Store("user-1", "access-old", "refresh-old", -time.Minute)

	got, err := tokens.ValidAccessToken(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", got)
	assert.Equal(t, 1, srv.Refreshes())

	tok, _ := tokens.Get("user-1")
	assert.Equal(t, "refresh-1", tok.RefreshToken)
	assert.True(t, tok.Expiry.After(time.Now()))

	// The refreshed token is served from the store afterwards.
	again, err := tokens.ValidAccessToken(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", again)
	assert.Equal(t, 1, srv.Refreshes())
}

func TestTokenStore_FailedRefreshKeepsStaleRecord(t *testing.T) {
	srv := aggregatortest.NewServer()
	srv.IssueRefreshToken("refresh-old")
	tokens := newTestTokenStore(t, srv)
	tokens.Store("user-1", "access-old", "refresh-old", -time.Minute)
	stale, _ := tokens.Get("user-1")

	// Network failure: the token endpoint is gone.
	srv.Close()

	_, err := tokens.ValidAccessToken(context.Background(), "user-1")
	assert.True(t, apperr.Is(err, apperr.KindTokenUnavailable), "got %v", err)

	after, ok := tokens.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, stale, after)

	// A second attempt tries again rather than failing from a cached error.
	_, err = tokens.ValidAccessToken(context.Background(), "user-1")
	assert.True(t, apperr.Is(err, apperr.KindTokenUnavailable))
}

func TestTokenStore_RejectedRefreshIsTokenUnavailable(t *testing.T) {
	srv := aggregatortest.NewServer()
	defer srv.Close()
	srv.RefreshStatus = http.StatusInternalServerError
	srv.IssueRefreshToken("refresh-old")
	tokens := newTestTokenStore(t, srv)
	tokens.Store("user-1", "access-old", "refresh-old", -time.Minute)

	_, err := tokens.ValidAccessToken(context.Background(), "user-1")
	assert.True(t, apperr.Is(err, apperr.KindTokenUnavailable))
	assert.Equal(t, 1, srv.Refreshes())

	tok, _ := tokens.Get("user-1")
	assert.Equal(t, "access-old", tok.AccessToken)
}

func TestTokenStore_MissingRefreshTokenSkipsRoundTrip(t *testing.T) {
	srv := aggregatortest.NewServer()
	defer srv.Close()
	tokens := newTestTokenStore(t, srv)
	tokens.Store("user-1", "access-old", "", -time.Minute)

	_, err := tokens.ValidAccessToken(context.Background(), "user-1")
	assert.True(t, apperr.Is(err, apperr.KindTokenUnavailable))
	assert.Equal(t, 0, srv.Refreshes())
}

func TestTokenStore_ConcurrentCallersRefreshOnce(t *testing.T) {
	srv := aggregatortest.NewServer()
	defer srv.Close()
	srv.IssueRefreshToken("refresh-old")
	srv.RefreshDelay = 50 * time.Millisecond
	tokens := newTestTokenStore(t, srv)
	tokens.Store("user-1", "access-old", "refresh-old", -time.Minute)

	const callers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]int)
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, err := tokens.ValidAccessToken(context.Background(), "user-1")
			assert.NoError(t, err)
			mu.Lock()
			results[got]++
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, srv.Refreshes())
	assert.Equal(t, map[string]int{"access-1": callers}, results)
}
