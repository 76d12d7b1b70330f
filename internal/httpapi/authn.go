package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"authhub.org/internal/audit"
	"authhub.org/internal/auth"
)

const (
	authHeader       = "Authorization"
	bearer           = "Bearer "
	headerAPIKey     = "X-API-Key"
	headerServiceKey = "X-Service-Key"
	headerProjectID  = "X-Project-ID"
	queryAPIKey      = "api_key"
)

// credentials collects every credential the request carries.
func (a *API) credentials(r *http.Request) auth.AuthRequest {
	req := auth.AuthRequest{
		APIKey:         strings.TrimSpace(r.Header.Get(headerAPIKey)),
		ServiceKey:     strings.TrimSpace(r.Header.Get(headerServiceKey)),
		ServiceProject: strings.TrimSpace(r.Header.Get(headerProjectID)),
		BearerToken:    extractBearerToken(r.Header.Get(authHeader)),
	}
	if c, err := r.Cookie(a.cookie.Name); err == nil {
		req.SessionToken = c.Value
	}
	if req.APIKey == "" {
		req.APIKey = strings.TrimSpace(r.URL.Query().Get(queryAPIKey))
	}
	return req
}

func hasCredentials(req auth.AuthRequest) bool {
	return req.SessionToken != "" || req.APIKey != "" || req.ServiceKey != "" || req.BearerToken != ""
}

// authenticate resolves the caller and stores the outcome in the request
// context. Rejected credentials leave the request anonymous so handlers and
// guards decide; store failures and rate limiting end the request here.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		creds := a.credentials(r)
		if !hasCredentials(creds) || a.deps.Chain == nil {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		ac, err := a.deps.Chain.Authenticate(ctx, creds)
		switch {
		case err == nil:
			ctx = auth.ContextWithAuth(ctx, ac)
			if ac.Method == auth.MethodBearer {
				ctx = auth.ContextWithToken(ctx, creds.BearerToken)
			}
		case auth.IsRetryable(err), errors.Is(err, auth.ErrRateLimited):
			a.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuth returns the caller or writes 401.
func (a *API) requireAuth(w http.ResponseWriter, r *http.Request) (*auth.AuthContext, bool) {
	ac, ok := auth.AuthFromContext(r.Context())
	if !ok {
		a.fail(w, r, auth.Fail(auth.ErrUnauthenticated, "unauthenticated"))
		return nil, false
	}
	return ac, true
}

func extractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return ""
	}
	return strings.TrimSpace(header[len(bearer):])
}
