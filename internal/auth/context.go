package auth

import "context"

type authContextKey struct{}
type tokenContextKey struct{}

// ContextWithAuth attaches the authentication outcome to the context.
func ContextWithAuth(ctx context.Context, ac *AuthContext) context.Context {
	if ac == nil {
		return ctx
	}
	return context.WithValue(ctx, authContextKey{}, ac)
}

// AuthFromContext extracts the authentication outcome from the context.
func AuthFromContext(ctx context.Context) (*AuthContext, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(authContextKey{}).(*AuthContext)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	ac, ok := AuthFromContext(ctx)
	if !ok || ac.User == nil {
		return "", false
	}
	return ac.User.ID, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
