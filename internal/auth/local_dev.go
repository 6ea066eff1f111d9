package auth

import (
	"context"

	"connectrpc.com/connect"
)

// LocalDevUserID is the identity used when authentication is disabled.
const LocalDevUserID = "local-dev-user"

// LocalDevInterceptor provides a mock user context for local development.
// Claims already on the context, such as an impersonated user, are kept.
func LocalDevInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if isPublicEndpoint(req.Spec().Procedure) {
				return next(ctx, req)
			}
			if _, ok := GetUserClaims(ctx); !ok {
				ctx = withUserClaims(ctx, &UserClaims{
					UID:         LocalDevUserID,
					Email:       "dev@localhost",
					DisplayName: "Local Dev User",
					Verified:    true,
				})
			}
			return next(ctx, req)
		}
	}
}
