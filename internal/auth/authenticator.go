package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"authhub.org/internal/obs"
)

// AuthRequest holds the credentials extracted from an inbound request.
type AuthRequest struct {
	SessionToken   string
	APIKey         string
	ServiceKey     string
	ServiceProject string
	BearerToken    string
}

// Authenticator is one strategy of the chain. It returns (nil, nil) when its
// credential is absent or rejected so the chain can move on; a non-nil error
// aborts the chain and is reserved for store failures and rate limiting.
type Authenticator interface {
	Method() AuthMethod
	Authenticate(ctx context.Context, req AuthRequest) (*AuthContext, error)
}

// Chain tries the session, API key, service key and bearer strategies in
// that order and returns the first success.
type Chain struct {
	strategies []Authenticator
	logger     *zap.Logger
}

// ChainOption configures the chain.
type ChainOption func(*chainConfig)

type chainConfig struct {
	now       func() time.Time
	logger    *zap.Logger
	keyLimits Limiter
}

// WithChainClock overrides the time source used for key expiry checks.
func WithChainClock(fn func() time.Time) ChainOption {
	return func(c *chainConfig) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithChainLogger sets the logger.
func WithChainLogger(l *zap.Logger) ChainOption {
	return func(c *chainConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAPIKeyLimiter rate-limits requests per API key.
func WithAPIKeyLimiter(l Limiter) ChainOption {
	return func(c *chainConfig) {
		c.keyLimits = l
	}
}

// NewChain builds the authenticator chain.
func NewChain(store Store, sessions *SessionManager, opts ...ChainOption) *Chain {
	cfg := chainConfig{now: utcNow, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Chain{
		logger: cfg.logger,
		strategies: []Authenticator{
			&sessionAuthenticator{sessions: sessions, logger: cfg.logger},
			&apiKeyAuthenticator{store: store, now: cfg.now, limiter: cfg.keyLimits, logger: cfg.logger},
			&serviceKeyAuthenticator{store: store, now: cfg.now, logger: cfg.logger},
			&bearerAuthenticator{store: store, sessions: sessions},
		},
	}
}

// Authenticate resolves the request to an AuthContext. When no strategy
// succeeds the error is ErrUnauthenticated and does not say which strategy
// came closest.
func (c *Chain) Authenticate(ctx context.Context, req AuthRequest) (*AuthContext, error) {
	for _, s := range c.strategies {
		ac, err := s.Authenticate(ctx, req)
		if err != nil {
			obs.AuthOutcome(string(s.Method()), "error")
			return nil, err
		}
		if ac != nil {
			obs.AuthOutcome(string(s.Method()), "success")
			return ac, nil
		}
	}
	obs.AuthOutcome("none", "rejected")
	return nil, Fail(ErrUnauthenticated, "unauthenticated")
}

// abortOnly keeps errors that must stop the chain and swallows rejections.
func abortOnly(err error) error {
	if err == nil || IsRetryable(err) || errors.Is(err, ErrRateLimited) {
		return err
	}
	return nil
}

type sessionAuthenticator struct {
	sessions *SessionManager
	logger   *zap.Logger
}

func (a *sessionAuthenticator) Method() AuthMethod { return MethodSession }

func (a *sessionAuthenticator) Authenticate(ctx context.Context, req AuthRequest) (*AuthContext, error) {
	if strings.TrimSpace(req.SessionToken) == "" {
		return nil, nil
	}
	sess, user, err := a.sessions.Lookup(ctx, req.SessionToken)
	if err != nil {
		return nil, abortOnly(err)
	}
	if err := a.sessions.Touch(ctx, sess.ID); err != nil {
		a.logger.Warn("session touch failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	return &AuthContext{
		Method:    MethodSession,
		User:      &user,
		SessionID: sess.ID,
		Project:   sess.ProjectCode,
	}, nil
}

type apiKeyAuthenticator struct {
	store   Store
	now     func() time.Time
	limiter Limiter
	logger  *zap.Logger
}

func (a *apiKeyAuthenticator) Method() AuthMethod { return MethodAPIKey }

func (a *apiKeyAuthenticator) Authenticate(ctx context.Context, req AuthRequest) (*AuthContext, error) {
	raw := strings.TrimSpace(req.APIKey)
	if raw == "" {
		return nil, nil
	}
	hash := HashSecret(raw)
	key, err := a.store.APIKeyByHash(ctx, hash)
	if err != nil {
		return nil, abortOnly(storeErr(err))
	}
	now := a.now()
	if !key.IsActive || expiredAt(key.ExpiresAt, now) || !ConstantTimeEqual(key.KeyHash, hash) {
		a.logger.Debug("api key rejected", zap.String("key_id", key.ID))
		return nil, nil
	}
	user, err := a.store.UserByID(ctx, key.PrincipalID)
	if err != nil {
		return nil, abortOnly(storeErr(err))
	}
	if !user.IsActive {
		return nil, nil
	}
	if a.limiter != nil {
		ok, err := a.limiter.Allow(ctx, "api_key:"+key.ID)
		if err != nil {
			return nil, Unavailable(err)
		}
		if !ok {
			obs.RateLimited("api_key")
			return nil, Fail(ErrRateLimited, "api_key_rate_limited")
		}
	}
	if err := a.store.TouchAPIKey(ctx, key.ID, now); err != nil {
		a.logger.Warn("api key touch failed", zap.String("key_id", key.ID), zap.Error(err))
	}
	return &AuthContext{
		Method:         MethodAPIKey,
		User:           &user,
		KeyPermissions: append([]string(nil), key.Permissions...),
	}, nil
}

type serviceKeyAuthenticator struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

func (a *serviceKeyAuthenticator) Method() AuthMethod { return MethodServiceKey }

func (a *serviceKeyAuthenticator) Authenticate(ctx context.Context, req AuthRequest) (*AuthContext, error) {
	raw := strings.TrimSpace(req.ServiceKey)
	project := strings.TrimSpace(req.ServiceProject)
	if raw == "" || project == "" {
		return nil, nil
	}
	hash := HashSecret(raw)
	key, err := a.store.ServiceKeyByHash(ctx, hash)
	if err != nil {
		return nil, abortOnly(storeErr(err))
	}
	now := a.now()
	if !key.IsActive || expiredAt(key.ExpiresAt, now) || !ConstantTimeEqual(key.KeyHash, hash) {
		a.logger.Debug("service key rejected", zap.String("key_id", key.ID))
		return nil, nil
	}
	target, err := a.store.ProjectByCode(ctx, project)
	if err != nil {
		return nil, abortOnly(storeErr(err))
	}
	if !target.IsActive || !key.Allows(target.Code) {
		a.logger.Debug("service key not allowed for project", zap.String("key_id", key.ID), zap.String("project", project))
		return nil, nil
	}
	if err := a.store.TouchServiceKey(ctx, key.ID, now); err != nil {
		a.logger.Warn("service key touch failed", zap.String("key_id", key.ID), zap.Error(err))
	}
	return &AuthContext{
		Method: MethodServiceKey,
		Service: &ServiceIdentity{
			KeyID:        key.ID,
			Name:         key.Name,
			OwnerProject: key.ProjectCode,
		},
		Project:        target.Code,
		KeyPermissions: append([]string(nil), key.Permissions...),
	}, nil
}

type bearerAuthenticator struct {
	store    Store
	sessions *SessionManager
}

func (a *bearerAuthenticator) Method() AuthMethod { return MethodBearer }

func (a *bearerAuthenticator) Authenticate(ctx context.Context, req AuthRequest) (*AuthContext, error) {
	if strings.TrimSpace(req.BearerToken) == "" {
		return nil, nil
	}
	claims, err := a.sessions.VerifyToken(req.BearerToken)
	if err != nil {
		return nil, nil
	}
	if claims.SessionID != "" {
		if _, err := a.sessions.ActiveSession(ctx, claims.SessionID); err != nil {
			return nil, abortOnly(err)
		}
	}
	user, err := a.store.UserByID(ctx, claims.Subject)
	if err != nil {
		return nil, abortOnly(storeErr(err))
	}
	if !user.IsActive {
		return nil, nil
	}
	return &AuthContext{
		Method:    MethodBearer,
		User:      &user,
		SessionID: claims.SessionID,
		Project:   claims.Project,
		TokenType: claims.Type,
	}, nil
}

func expiredAt(exp *time.Time, now time.Time) bool {
	return exp != nil && !now.Before(*exp)
}
