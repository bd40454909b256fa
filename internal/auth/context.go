package auth

import (
	"context"
)

type contextKey string

const userContextKey contextKey = "user"

// SetUserContext attaches the token-minting caller's claims to the
// request context, set by AuthMiddleware once the JWT verifies.
func SetUserContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// GetUserFromContext retrieves the caller's claims set by SetUserContext,
// read by cmd/tokenserver's handler to learn who a minted token is for.
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(userContextKey).(*Claims)
	return claims, ok
}