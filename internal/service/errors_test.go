package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"connectrpc.com/connect"
	"github.com/PitiGo/presupuesto-facil/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConnectError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    connect.Code
		wantMessage string
	}{
		{"unauthenticated", apperr.New(apperr.KindUnauthenticated, "bad token"), connect.CodeUnauthenticated, "sign in again"},
		{"no aggregator token", apperr.Wrap(apperr.KindUnauthorized, apperr.New(apperr.KindNoToken, "none"), "no token"), connect.CodeFailedPrecondition, "reconnect your account"},
		{"expired code", apperr.New(apperr.KindExpiredOrReusedCode, "invalid_grant"), connect.CodeFailedPrecondition, ExpiredCodeMessage},
		{"code already submitted", apperr.New(apperr.KindAlreadyUsed, "dup"), connect.CodeAlreadyExists, "already submitted"},
		{"invalid state", apperr.New(apperr.KindInvalidState, "bad sig"), connect.CodeInvalidArgument, "start the connection again"},
		{"network", apperr.New(apperr.KindNetwork, "timeout"), connect.CodeUnavailable, "could not be reached"},
		{"aggregator outage", apperr.Aggregator(http.StatusBadGateway, "upstream", "list accounts"), connect.CodeUnavailable, "rejected the request"},
		{"aggregator rate limit", apperr.Aggregator(http.StatusTooManyRequests, "", "list accounts"), connect.CodeResourceExhausted, "rate limiting"},
		{"aggregator rejection", apperr.Aggregator(http.StatusForbidden, "secret body", "list accounts"), connect.CodeFailedPrecondition, "rejected the request"},
		{"not found", apperr.New(apperr.KindNotFound, "account acc-1 not found"), connect.CodeNotFound, "account acc-1 not found"},
		{"invalid argument", apperr.New(apperr.KindInvalidArgument, "name is required"), connect.CodeInvalidArgument, "name is required"},
		{"persistence", apperr.Wrap(apperr.KindPersistence, errors.New("pq: deadlock"), "failed to save"), connect.CodeInternal, "internal error"},
		{"wrapped kind", fmt.Errorf("resync: %w", apperr.New(apperr.KindNetwork, "reset")), connect.CodeUnavailable, "could not be reached"},
		{"plain error", errors.New("boom"), connect.CodeInternal, "internal error"},
		{"deadline", context.DeadlineExceeded, connect.CodeDeadlineExceeded, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ConnectError(tt.err)
			var cerr *connect.Error
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.wantCode, cerr.Code())
			assert.Contains(t, cerr.Message(), tt.wantMessage)
			assert.NotContains(t, cerr.Message(), "secret body")
		})
	}
}

func TestConnectError_PassesThroughConnectErrors(t *testing.T) {
	assert.NoError(t, ConnectError(nil))

	original := connect.NewError(connect.CodePermissionDenied, errors.New("nope"))
	assert.Same(t, original, ConnectError(original))
}

func TestErrorInterceptor(t *testing.T) {
	interceptor := ErrorInterceptor(zaptest.NewLogger(t))
	failing := func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		return nil, apperr.New(apperr.KindNotFound, "budget b-1 not found")
	}

	_, err := interceptor(failing)(context.Background(), connect.NewRequest(&struct{}{}))
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	ok := func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		return connect.NewResponse(&struct{}{}), nil
	}
	resp, err := interceptor(ok)(context.Background(), connect.NewRequest(&struct{}{}))
	require.NoError(t, err)
	assert.NotNil(t, resp)
}
