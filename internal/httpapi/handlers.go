package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"authhub.org/internal/auth"
	"authhub.org/internal/obs"
	"authhub.org/internal/sso"
)

const serviceName = "authhub"

// ReadyCheck pings the backing stores that are configured.
type ReadyCheck struct {
	DB    *sql.DB
	Redis *redis.Client
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Deps are the components the HTTP layer drives.
type Deps struct {
	Sessions *auth.SessionManager
	Chain    *auth.Chain
	Resolver *auth.Resolver
	Broker   *sso.Broker
	Ready    ReadyCheck
	// IPLimiter caps requests per client IP. Nil disables the limit.
	IPLimiter auth.Limiter
}

// CookieConfig describes the browser session cookie.
type CookieConfig struct {
	Name     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// API is the HTTP layer.
type API struct {
	deps         Deps
	version      string
	cookie       CookieConfig
	corsOrigins  []string
	proxies      []netip.Prefix
	maxBodyBytes int64
	logger       *zap.Logger
	now          func() time.Time
	router       chi.Router
}

// Option configures the API.
type Option func(*API)

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithCookie overrides the session cookie settings.
func WithCookie(c CookieConfig) Option {
	return func(a *API) {
		if c.Name != "" {
			a.cookie = c
		}
	}
}

// WithCORSOrigins sets the origins allowed to call the API with credentials.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithTrustedProxies lists the peers whose X-Forwarded-For and X-Real-IP
// headers are believed. Without any, the socket address is the client.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.proxies = prefixes }
}

// WithLogger sets the request and audit logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides the time source used for cookies.
func WithClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

func New(deps Deps, opts ...Option) *API {
	a := &API{
		deps:         deps,
		version:      "dev",
		cookie:       CookieConfig{Name: "auth_session", Secure: true, SameSite: http.SameSiteLaxMode},
		maxBodyBytes: 1 << 20,
		logger:       zap.NewNop(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RealIP(a.proxies))
	r.Use(obs.Instrument)
	r.Use(a.logging)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", headerAPIKey, headerServiceKey, headerProjectID},
		AllowCredentials: true,
		MaxAge:           600,
	}))
	r.Use(MaxBodyBytes(a.maxBodyBytes))
	if a.deps.IPLimiter != nil {
		r.Use(RateLimit(a.deps.IPLimiter, a.logger))
	}

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.authenticate)

		r.Post("/auth/login", a.handleLogin)
		r.Post("/auth/refresh", a.handleRefresh)
		r.Post("/auth/logout", a.handleLogout)
		r.Get("/auth/me", a.handleMe)

		r.Get("/sso/login", a.handleSSOLogin)
		r.Get("/sso/callback", a.handleSSOCallback)
		r.Post("/sso/exchange", a.handleSSOExchange)
		r.Get("/sso/user-info", a.handleSSOUserInfo)
		r.Get("/sso/check-session", a.handleSSOCheckSession)
		r.Post("/sso/logout", a.handleSSOLogout)

		r.Get("/permissions/check", a.handlePermissionCheck)
		r.Post("/projects/{project}/assignments", a.handleGrant)
		r.Delete("/projects/{project}/assignments/{principal}/{role}", a.handleRevoke)
	})
	return r
}

// Handler returns the root handler.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
