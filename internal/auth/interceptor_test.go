package auth

import (
	"context"
	"errors"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeVerifier struct {
	tokens map[string]*UserClaims
	calls  int
}

func (f *fakeVerifier) VerifyToken(_ context.Context, idToken string) (*UserClaims, error) {
	f.calls++
	claims, ok := f.tokens[idToken]
	if !ok {
		return nil, errors.New("token signature invalid")
	}
	return claims, nil
}

// whoAmI is a terminal handler reporting the user on the context.
func whoAmI(seen *string) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		*seen, _ = GetUserID(ctx)
		return connect.NewResponse(&struct{}{}), nil
	}
}

func TestExtractTokenFromHeader(t *testing.T) {
	tests := []struct {
		name        string
		authHeader  string
		expectedErr bool
		errContains string
		wantToken   string
	}{
		{name: "empty header", authHeader: "", expectedErr: true, errContains: "authorization header is required"},
		{name: "no bearer prefix", authHeader: "token123", expectedErr: true, errContains: "must be Bearer token"},
		{name: "wrong prefix", authHeader: "Basic token123", expectedErr: true, errContains: "must be Bearer token"},
		{name: "bearer only no token", authHeader: "Bearer", expectedErr: true, errContains: "must be Bearer token"},
		{name: "bearer with empty token", authHeader: "Bearer ", expectedErr: true, errContains: "must be Bearer token"},
		{name: "valid bearer token", authHeader: "Bearer mytoken123", wantToken: "mytoken123"},
		{name: "bearer lowercase", authHeader: "bearer mytoken456", wantToken: "mytoken456"},
		{name: "bearer mixed case", authHeader: "BEARER mytoken789", wantToken: "mytoken789"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := ExtractTokenFromHeader(tt.authHeader)

			if tt.expectedErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				assert.Empty(t, token)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantToken, token)
			}
		})
	}
}

func TestAuthInterceptor(t *testing.T) {
	verifier := &fakeVerifier{tokens: map[string]*UserClaims{
		"good-token": {UID: "user-123", Email: "user@example.com"},
	}}
	interceptor := AuthInterceptor(verifier, zaptest.NewLogger(t))

	t.Run("missing header is unauthenticated", func(t *testing.T) {
		var seen string
		_, err := interceptor(whoAmI(&seen))(context.Background(), connect.NewRequest(&struct{}{}))
		assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
		assert.Empty(t, seen)
	})

	t.Run("invalid token is unauthenticated", func(t *testing.T) {
		var seen string
		req := connect.NewRequest(&struct{}{})
		req.Header().Set("Authorization", "Bearer forged")
		_, err := interceptor(whoAmI(&seen))(context.Background(), req)
		assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
		assert.Empty(t, seen)
	})

	t.Run("valid token sets claims", func(t *testing.T) {
		var seen string
		req := connect.NewRequest(&struct{}{})
		req.Header().Set("Authorization", "Bearer good-token")
		_, err := interceptor(whoAmI(&seen))(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "user-123", seen)
	})

	t.Run("existing claims skip verification", func(t *testing.T) {
		var seen string
		calls := verifier.calls
		ctx := WithUserClaims(context.Background(), &UserClaims{UID: "impersonated"})
		_, err := interceptor(whoAmI(&seen))(ctx, connect.NewRequest(&struct{}{}))
		require.NoError(t, err)
		assert.Equal(t, "impersonated", seen)
		assert.Equal(t, calls, verifier.calls)
	})
}

func TestDebugAuthInterceptor(t *testing.T) {
	req := connect.NewRequest(&struct{}{})
	req.Header().Set("X-Debug-Impersonate-User", "someone-else")

	var seen string
	_, err := DebugAuthInterceptor(false)(whoAmI(&seen))(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, seen, "impersonation must be ignored when auth is enforced")

	_, err = DebugAuthInterceptor(true)(whoAmI(&seen))(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", seen)
}

func TestLocalDevInterceptor(t *testing.T) {
	var seen string
	_, err := LocalDevInterceptor()(whoAmI(&seen))(context.Background(), connect.NewRequest(&struct{}{}))
	require.NoError(t, err)
	assert.Equal(t, LocalDevUserID, seen)

	ctx := WithUserClaims(context.Background(), &UserClaims{UID: "impersonated"})
	_, err = LocalDevInterceptor()(whoAmI(&seen))(ctx, connect.NewRequest(&struct{}{}))
	require.NoError(t, err)
	assert.Equal(t, "impersonated", seen)
}

func TestContextUserClaims(t *testing.T) {
	t.Run("WithUserClaims adds claims to context", func(t *testing.T) {
		claims := &UserClaims{
			UID:         "test-uid",
			Email:       "test@example.com",
			DisplayName: "Test User",
			Verified:    true,
		}

		retrieved, ok := GetUserClaims(WithUserClaims(context.Background(), claims))
		require.True(t, ok)
		assert.Equal(t, claims, retrieved)
	})

	t.Run("GetUserClaims returns false for empty context", func(t *testing.T) {
		claims, ok := GetUserClaims(context.Background())
		assert.False(t, ok)
		assert.Nil(t, claims)
	})

	t.Run("GetUserClaims returns false for nil claims", func(t *testing.T) {
		_, ok := GetUserClaims(WithUserClaims(context.Background(), nil))
		assert.False(t, ok)
	})

	t.Run("GetUserID returns UID when claims exist", func(t *testing.T) {
		ctx := WithUserClaims(context.Background(), &UserClaims{UID: "user-123"})

		uid, ok := GetUserID(ctx)
		assert.True(t, ok)
		assert.Equal(t, "user-123", uid)
	})

	t.Run("GetUserID returns empty for empty context", func(t *testing.T) {
		uid, ok := GetUserID(context.Background())
		assert.False(t, ok)
		assert.Empty(t, uid)
	})
}

func TestIsPublicEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		procedure string
		expected  bool
	}{
		{"health endpoint", "/health", true},
		{"oauth callback", "/presupuesto.v1.BudgetService/HandleCallback", true},
		{"resync endpoint", "/presupuesto.v1.BudgetService/ResyncAccounts", false},
		{"other endpoint", "/api/v1/users", false},
		{"empty endpoint", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isPublicEndpoint(tt.procedure))
		})
	}
}
