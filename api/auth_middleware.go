package api

import (
	"context"
	"net/http"

	"trongateway-core/auth"
	"trongateway-core/core"
)

type ctxKey int

const verifyResultKey ctxKey = 1

// authMiddleware verifies the bearer token on every request and enforces
// the caller's rate ceiling, per spec.md §6's authentication boundary:
// verify(token) -> {credentialId, permissions, rateCeiling}, with the core
// enforcing both the rate ceiling and permission checks.
func authMiddleware(authenticator auth.Authenticator, limiter *auth.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("Authorization")
			result, err := authenticator.Verify(r.Context(), token)
			if err != nil {
				writeError(w, core.NewError(core.ErrUnauthenticated, err))
				return
			}
			if !limiter.Allow(result.CredentialID, result.RateCeiling) {
				writeError(w, core.NewError(core.ErrRateLimited, nil))
				return
			}
			ctx := context.WithValue(r.Context(), verifyResultKey, result)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func permissionsFromContext(ctx context.Context) []string {
	v, _ := ctx.Value(verifyResultKey).(auth.VerifyResult)
	return v.Permissions
}
