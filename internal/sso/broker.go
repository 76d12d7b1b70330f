// Package sso hands a principal with a global session a project-scoped
// credential through a single-use authorization code.
package sso

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"authhub.org/internal/auth"
	"authhub.org/internal/obs"
)

const (
	defaultCodeTTL  = 5 * time.Minute
	defaultLoginURL = "/login"
	codeBytes       = 32
)

// Store is the persistence the broker needs.
type Store interface {
	auth.ProjectStore
	auth.CodeStore
	auth.UserStore
}

// Broker runs the SSO flow.
type Broker struct {
	store    Store
	sessions *auth.SessionManager
	resolver *auth.Resolver
	now      func() time.Time
	codeTTL  time.Duration
	loginURL string
	logger   *zap.Logger
}

// Option configures the Broker.
type Option func(*Broker)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(b *Broker) {
		if fn != nil {
			b.now = fn
		}
	}
}

// WithCodeTTL sets the authorization code lifetime. It is capped at five minutes.
func WithCodeTTL(ttl time.Duration) Option {
	return func(b *Broker) {
		if ttl > 0 && ttl <= defaultCodeTTL {
			b.codeTTL = ttl
		}
	}
}

// WithLoginURL sets where login-required callers are sent.
func WithLoginURL(u string) Option {
	return func(b *Broker) {
		if strings.TrimSpace(u) != "" {
			b.loginURL = strings.TrimSpace(u)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBroker constructs a Broker.
func NewBroker(store Store, sessions *auth.SessionManager, resolver *auth.Resolver, opts ...Option) *Broker {
	b := &Broker{
		store:    store,
		sessions: sessions,
		resolver: resolver,
		now:      func() time.Time { return time.Now().UTC() },
		codeTTL:  defaultCodeTTL,
		loginURL: defaultLoginURL,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Request identifies the project and return address of one SSO attempt.
type Request struct {
	Project     string
	RedirectURI string
	State       string
}

// Authorization is an issued code and the URL to send the browser to.
type Authorization struct {
	Code        string
	RedirectURL string
	ExpiresAt   time.Time
}

// Exchange is the result of redeeming a code.
type Exchange struct {
	AccessToken string
	ExpiresAt   time.Time
	ExpiresIn   int
	User        auth.User
	Roles       []string
	Permissions []string
}

// UserInfo is the principal summary behind a project token.
type UserInfo struct {
	User        auth.User
	Project     string
	Roles       []string
	Permissions []string
}

// SessionStatus is the read-only view returned by CheckSession.
type SessionStatus struct {
	Valid            bool
	HasProjectAccess bool
	User             *auth.User
}

// project loads an active registered project.
func (b *Broker) project(ctx context.Context, code string) (auth.Project, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return auth.Project{}, auth.Fail(auth.ErrInvalidInput, "missing_project")
	}
	p, err := b.store.ProjectByCode(ctx, code)
	if errors.Is(err, auth.ErrNotFound) {
		return auth.Project{}, auth.Fail(auth.ErrNotConfigured, "unknown_project")
	}
	if err != nil {
		return auth.Project{}, auth.Unavailable(err)
	}
	if !p.IsActive {
		return auth.Project{}, auth.Fail(auth.ErrNotConfigured, "project_inactive")
	}
	return p, nil
}

// validate checks the project and the redirect target of req.
func (b *Broker) validate(ctx context.Context, req Request) (auth.Project, *url.URL, error) {
	p, err := b.project(ctx, req.Project)
	if err != nil {
		return auth.Project{}, nil, err
	}
	target, err := ValidateRedirect(p, req.RedirectURI)
	if err != nil {
		return auth.Project{}, nil, err
	}
	return p, target, nil
}

// LoginRedirect validates req and returns the login UI URL carrying the
// original parameters, so the flow can resume after authentication.
func (b *Broker) LoginRedirect(ctx context.Context, req Request) (string, error) {
	if _, _, err := b.validate(ctx, req); err != nil {
		return "", err
	}
	return b.loginLocation(req), nil
}

func (b *Broker) loginLocation(req Request) string {
	q := url.Values{}
	q.Set("redirect_uri", req.RedirectURI)
	q.Set("project", req.Project)
	if req.State != "" {
		q.Set("state", req.State)
	}
	sep := "?"
	if strings.Contains(b.loginURL, "?") {
		sep = "&"
	}
	return b.loginURL + sep + q.Encode()
}

// LoginRequiredError carries where to send a caller without a valid session.
type LoginRequiredError struct {
	Location string
}

func (e *LoginRequiredError) Error() string { return "sso: login required" }

func (e *LoginRequiredError) Unwrap() error { return auth.Fail(auth.ErrUnauthenticated, "login_required") }

// Authorize issues a single-use authorization code for the principal behind
// sessionToken. Without a valid session it returns a *LoginRequiredError.
func (b *Broker) Authorize(ctx context.Context, sessionToken string, req Request) (Authorization, error) {
	p, target, err := b.validate(ctx, req)
	if err != nil {
		return Authorization{}, err
	}
	_, user, err := b.sessions.Lookup(ctx, sessionToken)
	if err != nil {
		if auth.IsRetryable(err) {
			return Authorization{}, err
		}
		return Authorization{}, &LoginRequiredError{Location: b.loginLocation(req)}
	}
	ok, err := b.resolver.HasProjectAccess(ctx, user.ID, p.Code)
	if err != nil {
		return Authorization{}, err
	}
	if !ok {
		obs.SSOCode("issue", "forbidden")
		return Authorization{}, auth.Fail(auth.ErrForbidden, "no_project_access")
	}
	raw, err := auth.RandomOpaqueToken(codeBytes)
	if err != nil {
		return Authorization{}, err
	}
	now := b.now()
	code := auth.AuthorizationCode{
		Code:        raw,
		PrincipalID: user.ID,
		ProjectCode: p.Code,
		RedirectURI: req.RedirectURI,
		ExpiresAt:   now.Add(b.codeTTL),
		CreatedAt:   now,
	}
	if err := b.store.CreateAuthCode(ctx, code); err != nil {
		return Authorization{}, auth.Unavailable(err)
	}
	obs.SSOCode("issue", "ok")
	b.logger.Info("sso code issued", zap.String("user_id", user.ID), zap.String("project", p.Code))
	return Authorization{
		Code: raw,
		RedirectURL: appendQuery(target, map[string]string{
			"code":    raw,
			"project": p.Code,
			"state":   req.State,
		}),
		ExpiresAt: code.ExpiresAt,
	}, nil
}

// ExchangeRequest redeems a code. Project and RedirectURI must equal those
// recorded when the code was issued.
type ExchangeRequest struct {
	Code        string
	Project     string
	RedirectURI string
}

// Exchange consumes the code and returns a project-scoped token with the
// principal's role and permission snapshot. The code is consumed before the
// audience is compared, so a mismatched attempt burns it.
func (b *Broker) Exchange(ctx context.Context, req ExchangeRequest) (Exchange, error) {
	if strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.Project) == "" || strings.TrimSpace(req.RedirectURI) == "" {
		return Exchange{}, auth.Fail(auth.ErrInvalidInput, "missing_parameters")
	}
	code, err := b.store.ConsumeAuthCode(ctx, req.Code, b.now())
	switch {
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, auth.ErrExpired):
		obs.SSOCode("exchange", "invalid")
		return Exchange{}, auth.Fail(auth.ErrExpired, "invalid_code")
	case errors.Is(err, auth.ErrConflict):
		obs.SSOCode("exchange", "replayed")
		b.logger.Warn("sso code replay", zap.String("project", req.Project))
		return Exchange{}, auth.Fail(auth.ErrConflict, "code_used")
	case err != nil:
		return Exchange{}, auth.Unavailable(err)
	}
	if code.ProjectCode != req.Project || code.RedirectURI != req.RedirectURI {
		obs.SSOCode("exchange", "mismatch")
		return Exchange{}, auth.Fail(auth.ErrInvalidCredential, "code_mismatch")
	}
	user, err := b.store.UserByID(ctx, code.PrincipalID)
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return Exchange{}, auth.Unavailable(err)
	}
	if err != nil || !user.IsActive {
		return Exchange{}, auth.Fail(auth.ErrUnauthenticated, "account_disabled")
	}
	ok, err := b.resolver.HasProjectAccess(ctx, user.ID, code.ProjectCode)
	if err != nil {
		return Exchange{}, err
	}
	if !ok {
		return Exchange{}, auth.Fail(auth.ErrForbidden, "no_project_access")
	}
	token, exp, err := b.sessions.IssueProjectToken(user.ID, code.ProjectCode)
	if err != nil {
		return Exchange{}, err
	}
	snap, err := b.resolver.Snapshot(ctx, user.ID, code.ProjectCode)
	if err != nil {
		return Exchange{}, err
	}
	obs.SSOCode("exchange", "ok")
	return Exchange{
		AccessToken: token,
		ExpiresAt:   exp,
		ExpiresIn:   int(b.sessions.AccessTTL().Seconds()),
		User:        user,
		Roles:       snap.Roles,
		Permissions: snap.Permissions,
	}, nil
}

// UserInfo verifies a project token for project and returns its principal summary.
func (b *Broker) UserInfo(ctx context.Context, token, project string) (UserInfo, error) {
	if strings.TrimSpace(token) == "" {
		return UserInfo{}, auth.Fail(auth.ErrUnauthenticated, "missing_token")
	}
	claims, err := b.sessions.VerifyToken(token)
	if err != nil || claims.Type != auth.TokenSSOAccess {
		return UserInfo{}, auth.Fail(auth.ErrUnauthenticated, "invalid_token")
	}
	if claims.Project != project {
		return UserInfo{}, auth.Fail(auth.ErrForbidden, "project_mismatch")
	}
	user, err := b.store.UserByID(ctx, claims.Subject)
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return UserInfo{}, auth.Unavailable(err)
	}
	if err != nil || !user.IsActive {
		return UserInfo{}, auth.Fail(auth.ErrUnauthenticated, "invalid_token")
	}
	snap, err := b.resolver.Snapshot(ctx, user.ID, project)
	if err != nil {
		return UserInfo{}, err
	}
	return UserInfo{User: user, Project: project, Roles: snap.Roles, Permissions: snap.Permissions}, nil
}

// CheckSession reports whether sessionToken is a valid session and whether
// its principal may access project. It mints nothing.
func (b *Broker) CheckSession(ctx context.Context, sessionToken, project string) (SessionStatus, error) {
	p, err := b.project(ctx, project)
	if err != nil {
		return SessionStatus{}, err
	}
	_, user, err := b.sessions.Lookup(ctx, sessionToken)
	if err != nil {
		if auth.IsRetryable(err) {
			return SessionStatus{}, err
		}
		return SessionStatus{Valid: false}, nil
	}
	ok, err := b.resolver.HasProjectAccess(ctx, user.ID, p.Code)
	if err != nil {
		return SessionStatus{}, err
	}
	return SessionStatus{Valid: true, HasProjectAccess: ok, User: &user}, nil
}

// Logout ends the browser session. Project tokens already exchanged stay
// valid until they expire.
func (b *Broker) Logout(ctx context.Context, sessionToken string) error {
	return b.sessions.Revoke(ctx, sessionToken)
}

// LogoutRedirect returns target when it is a valid return address for
// project, and "" otherwise.
func (b *Broker) LogoutRedirect(ctx context.Context, project, target string) string {
	if project == "" || target == "" {
		return ""
	}
	if _, _, err := b.validate(ctx, Request{Project: project, RedirectURI: target}); err != nil {
		return ""
	}
	return target
}
