package service

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/PitiGo/presupuesto-facil/internal/apperr"
	"go.uber.org/zap"
)

// ConnectError maps an error to the Connect code and message shown to the
// caller. Errors that already carry a Connect code pass through.
func ConnectError(err error) error {
	if err == nil {
		return nil
	}
	var cerr *connect.Error
	if errors.As(err, &cerr) {
		return err
	}
	return connect.NewError(codeOf(err), errors.New(UserMessage(err)))
}

func codeOf(err error) connect.Code {
	e, ok := apperr.As(err)
	if !ok {
		if errors.Is(err, context.Canceled) {
			return connect.CodeCanceled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return connect.CodeDeadlineExceeded
		}
		return connect.CodeInternal
	}
	switch e.Kind {
	case apperr.KindUnauthenticated:
		return connect.CodeUnauthenticated
	case apperr.KindUnauthorized, apperr.KindNoToken, apperr.KindTokenUnavailable:
		return connect.CodeFailedPrecondition
	case apperr.KindExpiredOrReusedCode:
		return connect.CodeFailedPrecondition
	case apperr.KindAlreadyUsed:
		return connect.CodeAlreadyExists
	case apperr.KindInvalidState, apperr.KindInvalidArgument:
		return connect.CodeInvalidArgument
	case apperr.KindNetwork:
		return connect.CodeUnavailable
	case apperr.KindAggregator:
		switch {
		case e.Status == http.StatusTooManyRequests:
			return connect.CodeResourceExhausted
		case e.Status >= 500 || e.Status == 0:
			return connect.CodeUnavailable
		default:
			return connect.CodeFailedPrecondition
		}
	case apperr.KindNotFound:
		return connect.CodeNotFound
	default:
		return connect.CodeInternal
	}
}

// UserMessage returns an actionable description of err for end users.
// Internal details such as aggregator response bodies are not included.
func UserMessage(err error) string {
	e, ok := apperr.As(err)
	if !ok {
		return "internal error"
	}
	switch e.Kind {
	case apperr.KindUnauthenticated:
		return "sign in again to continue"
	case apperr.KindUnauthorized, apperr.KindNoToken, apperr.KindTokenUnavailable:
		return "bank connection expired, reconnect your account"
	case apperr.KindExpiredOrReusedCode:
		return ExpiredCodeMessage
	case apperr.KindAlreadyUsed:
		return "this authorization code was already submitted, wait for the connection to finish or reconnect your account"
	case apperr.KindInvalidState:
		return "the bank connection link is invalid or expired, start the connection again"
	case apperr.KindNetwork:
		return "the bank service could not be reached, try again later"
	case apperr.KindAggregator:
		if e.Status == http.StatusTooManyRequests {
			return "the bank service is rate limiting requests, try again later"
		}
		return "the bank service rejected the request, try again or reconnect your account"
	case apperr.KindNotFound, apperr.KindInvalidArgument:
		return e.Message
	default:
		return "internal error"
	}
}

// ErrorInterceptor converts handler errors with ConnectError and logs the
// ones that indicate a server-side problem.
func ErrorInterceptor(logger *zap.Logger) connect.UnaryInterceptorFunc {
	logger = logger.Named("rpc")
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			resp, err := next(ctx, req)
			if err == nil {
				return resp, nil
			}
			mapped := ConnectError(err)
			switch connect.CodeOf(mapped) {
			case connect.CodeInternal, connect.CodeUnavailable, connect.CodeUnknown:
				logger.Error("request failed",
					zap.String("procedure", req.Spec().Procedure),
					zap.String("kind", string(apperr.KindOf(err))),
					zap.Error(err))
			default:
				logger.Debug("request rejected",
					zap.String("procedure", req.Spec().Procedure),
					zap.Error(err))
			}
			return nil, mapped
		}
	}
}
