package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"authhub.org/internal/ids"
)

const (
	defaultSessionTTL = 24 * time.Hour
	defaultAccessTTL  = 30 * time.Minute
	opaqueTokenBytes  = 32
)

// Limiter decides whether another attempt under key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// IssuedSession is a freshly created session together with the raw tokens
// handed to the client. The raw tokens are not recoverable afterwards.
type IssuedSession struct {
	Session         Session
	User            User
	SessionToken    string
	RefreshToken    string
	AccessToken     string
	AccessExpiresAt time.Time
}

// Renewal is the result of exchanging a refresh token.
type Renewal struct {
	SessionID       string
	User            User
	AccessToken     string
	AccessExpiresAt time.Time
	// RefreshToken is the token to present next time. It differs from the
	// presented one when rotation is enabled.
	RefreshToken string
}

// LoginRequest carries password credentials and client metadata.
type LoginRequest struct {
	Login     string
	Password  string
	IPAddress string
	UserAgent string
}

// SessionManager creates, renews and revokes sessions.
type SessionManager struct {
	store      Store
	codec      *TokenCodec
	now        func() time.Time
	logger     *zap.Logger
	sessionTTL time.Duration
	accessTTL  time.Duration
	rotate     bool
	limiter    Limiter
	accounts   Limiter
}

// SessionOption configures SessionManager behavior.
type SessionOption func(*SessionManager)

// WithSessionClock overrides the time source.
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithSessionTTL sets the default session lifetime.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.sessionTTL = ttl
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.accessTTL = ttl
		}
	}
}

// WithRefreshRotation toggles refresh token rotation on renewal.
func WithRefreshRotation(enabled bool) SessionOption {
	return func(m *SessionManager) {
		m.rotate = enabled
	}
}

// WithLoginLimiter rate-limits password logins.
func WithLoginLimiter(l Limiter) SessionOption {
	return func(m *SessionManager) {
		m.limiter = l
	}
}

// WithAccountLimiter rate-limits password logins per account regardless of
// the client address.
func WithAccountLimiter(l Limiter) SessionOption {
	return func(m *SessionManager) {
		m.accounts = l
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(l *zap.Logger) SessionOption {
	return func(m *SessionManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewSessionManager constructs a SessionManager. Refresh rotation is on by default.
func NewSessionManager(store Store, codec *TokenCodec, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		store:      store,
		codec:      codec,
		now:        utcNow,
		logger:     zap.NewNop(),
		sessionTTL: defaultSessionTTL,
		accessTTL:  defaultAccessTTL,
		rotate:     true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AccessTTL returns the configured access token lifetime.
func (m *SessionManager) AccessTTL() time.Duration { return m.accessTTL }

// SessionTTL returns the configured default session lifetime.
func (m *SessionManager) SessionTTL() time.Duration { return m.sessionTTL }

// CreateSession persists a new session for principalID and returns it with
// its raw session and refresh tokens and an access token bound to it.
func (m *SessionManager) CreateSession(ctx context.Context, principalID, ip, userAgent string, ttl time.Duration) (IssuedSession, error) {
	if strings.TrimSpace(principalID) == "" {
		return IssuedSession{}, Fail(ErrInvalidInput, "missing_principal")
	}
	if ttl <= 0 {
		ttl = m.sessionTTL
	}
	sessionToken, err := RandomOpaqueToken(opaqueTokenBytes)
	if err != nil {
		return IssuedSession{}, err
	}
	refreshToken, err := RandomOpaqueToken(opaqueTokenBytes)
	if err != nil {
		return IssuedSession{}, err
	}
	now := m.now()
	sess := Session{
		ID:             ids.NewAt(now),
		PrincipalID:    principalID,
		TokenHash:      HashSecret(sessionToken),
		RefreshHash:    HashSecret(refreshToken),
		IPAddress:      ip,
		UserAgent:      userAgent,
		IsActive:       true,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
		CreatedAt:      now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return IssuedSession{}, storeErr(err)
	}
	access, exp, err := m.codec.Sign(Claims{
		RegisteredClaims: registered(principalID),
		SessionID:        sess.ID,
		Type:             TokenAccess,
	}, m.accessTTL)
	if err != nil {
		return IssuedSession{}, err
	}
	return IssuedSession{
		Session:         sess,
		SessionToken:    sessionToken,
		RefreshToken:    refreshToken,
		AccessToken:     access,
		AccessExpiresAt: exp,
	}, nil
}

// Login verifies password credentials and opens a session. Unknown logins,
// wrong passwords and disabled accounts are indistinguishable to the caller.
func (m *SessionManager) Login(ctx context.Context, req LoginRequest) (IssuedSession, error) {
	login := strings.ToLower(strings.TrimSpace(req.Login))
	if login == "" || req.Password == "" {
		return IssuedSession{}, Fail(ErrUnauthenticated, "invalid_credentials")
	}
	if err := allow(ctx, m.limiter, "login:"+login+"|"+req.IPAddress); err != nil {
		return IssuedSession{}, err
	}
	if err := allow(ctx, m.accounts, "login-account:"+login); err != nil {
		return IssuedSession{}, err
	}
	user, err := m.store.UserByLogin(ctx, login)
	if errors.Is(err, ErrNotFound) {
		burnPasswordCheck(req.Password)
		return IssuedSession{}, Fail(ErrUnauthenticated, "invalid_credentials")
	}
	if err != nil {
		return IssuedSession{}, storeErr(err)
	}
	if err := VerifyPassword(user.PasswordHash, req.Password); err != nil || !user.IsActive {
		m.logger.Debug("password login rejected", zap.String("user_id", user.ID), zap.Bool("active", user.IsActive))
		return IssuedSession{}, Fail(ErrUnauthenticated, "invalid_credentials")
	}
	return m.open(ctx, user, req.IPAddress, req.UserAgent)
}

// LoginExternal opens a session for a federated identity, linking it to an
// existing account by email or creating a new account on first sight.
func (m *SessionManager) LoginExternal(ctx context.Context, identity ExternalIdentity, ip, userAgent string) (IssuedSession, error) {
	if identity.Provider == "" || identity.Subject == "" {
		return IssuedSession{}, Fail(ErrInvalidInput, "missing_external_identity")
	}
	user, err := m.store.UserByExternalIdentity(ctx, identity.Provider, identity.Subject)
	switch {
	case errors.Is(err, ErrNotFound):
		user, err = m.linkExternal(ctx, identity)
		if err != nil {
			return IssuedSession{}, err
		}
	case err != nil:
		return IssuedSession{}, storeErr(err)
	}
	if !user.IsActive {
		return IssuedSession{}, Fail(ErrUnauthenticated, "invalid_credentials")
	}
	return m.open(ctx, user, ip, userAgent)
}

func (m *SessionManager) linkExternal(ctx context.Context, identity ExternalIdentity) (User, error) {
	email := strings.ToLower(strings.TrimSpace(identity.Email))
	var (
		user User
		err  error
	)
	if email != "" {
		user, err = m.store.UserByLogin(ctx, email)
	} else {
		err = ErrNotFound
	}
	if errors.Is(err, ErrNotFound) {
		username := identity.Username
		if username == "" {
			username = identity.Provider + "_" + identity.Subject
		}
		now := m.now()
		user, err = m.store.CreateUser(ctx, User{
			ID:          ids.NewAt(now),
			Username:    strings.ToLower(username),
			Email:       email,
			DisplayName: identity.DisplayName,
			IsActive:    true,
			IsVerified:  email != "",
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err != nil {
		return User{}, storeErr(err)
	}
	if err := m.store.LinkExternalIdentity(ctx, user.ID, identity); err != nil {
		return User{}, storeErr(err)
	}
	return user, nil
}

func (m *SessionManager) open(ctx context.Context, user User, ip, userAgent string) (IssuedSession, error) {
	issued, err := m.CreateSession(ctx, user.ID, ip, userAgent, m.sessionTTL)
	if err != nil {
		return IssuedSession{}, err
	}
	if err := m.store.RecordLogin(ctx, user.ID, issued.Session.CreatedAt); err != nil {
		m.logger.Warn("record login failed", zap.String("user_id", user.ID), zap.Error(err))
	}
	issued.User = user
	return issued, nil
}

// Renew exchanges a refresh token for a new access token bound to the same
// session. With rotation enabled the refresh token is replaced and the
// presented one stops working.
func (m *SessionManager) Renew(ctx context.Context, refreshToken string) (Renewal, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Renewal{}, Fail(ErrUnauthenticated, "missing_refresh_token")
	}
	hash := HashSecret(refreshToken)
	sess, err := m.store.SessionByRefreshHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return Renewal{}, Fail(ErrExpired, "invalid_refresh_token")
	}
	if err != nil {
		return Renewal{}, storeErr(err)
	}
	if err := m.checkSession(ctx, sess, "invalid_refresh_token"); err != nil {
		return Renewal{}, err
	}
	user, err := m.store.UserByID(ctx, sess.PrincipalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Renewal{}, storeErr(err)
	}
	if err != nil || !user.IsActive {
		return Renewal{}, Fail(ErrUnauthenticated, "invalid_refresh_token")
	}

	next := refreshToken
	if m.rotate {
		next, err = RandomOpaqueToken(opaqueTokenBytes)
		if err != nil {
			return Renewal{}, err
		}
		if err := m.store.RotateRefreshHash(ctx, sess.ID, hash, HashSecret(next)); err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				return Renewal{}, Fail(ErrExpired, "invalid_refresh_token")
			}
			return Renewal{}, storeErr(err)
		}
	}
	access, exp, err := m.codec.Sign(Claims{
		RegisteredClaims: registered(user.ID),
		SessionID:        sess.ID,
		Type:             TokenAccess,
	}, m.accessTTL)
	if err != nil {
		return Renewal{}, err
	}
	return Renewal{
		SessionID:       sess.ID,
		User:            user,
		AccessToken:     access,
		AccessExpiresAt: exp,
		RefreshToken:    next,
	}, nil
}

// Revoke deactivates the session behind sessionToken. Unknown and already
// inactive sessions are not an error.
func (m *SessionManager) Revoke(ctx context.Context, sessionToken string) error {
	sessionToken = strings.TrimSpace(sessionToken)
	if sessionToken == "" {
		return nil
	}
	sess, err := m.store.SessionByTokenHash(ctx, HashSecret(sessionToken))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeErr(err)
	}
	return m.RevokeByID(ctx, sess.ID)
}

// RevokeByID deactivates a session by id. It is idempotent.
func (m *SessionManager) RevokeByID(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := m.store.DeactivateSession(ctx, sessionID); err != nil && !errors.Is(err, ErrNotFound) {
		return storeErr(err)
	}
	return nil
}

// Touch records an access to the session.
func (m *SessionManager) Touch(ctx context.Context, sessionID string) error {
	return storeErr(m.store.TouchSession(ctx, sessionID, m.now()))
}

// Lookup resolves a raw session token to its session and active principal.
// An expired session is deactivated as a side effect. Lookup does not touch
// the session.
func (m *SessionManager) Lookup(ctx context.Context, sessionToken string) (Session, User, error) {
	sessionToken = strings.TrimSpace(sessionToken)
	if sessionToken == "" {
		return Session{}, User{}, Fail(ErrUnauthenticated, "missing_session")
	}
	hash := HashSecret(sessionToken)
	sess, err := m.store.SessionByTokenHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return Session{}, User{}, Fail(ErrExpired, "invalid_session")
	}
	if err != nil {
		return Session{}, User{}, storeErr(err)
	}
	if !ConstantTimeEqual(sess.TokenHash, hash) {
		return Session{}, User{}, Fail(ErrExpired, "invalid_session")
	}
	if err := m.checkSession(ctx, sess, "invalid_session"); err != nil {
		return Session{}, User{}, err
	}
	user, err := m.store.UserByID(ctx, sess.PrincipalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Session{}, User{}, storeErr(err)
	}
	if err != nil || !user.IsActive {
		return Session{}, User{}, Fail(ErrUnauthenticated, "invalid_session")
	}
	return sess, user, nil
}

// ActiveSession loads a session by id and applies the same validity rules as Lookup.
func (m *SessionManager) ActiveSession(ctx context.Context, sessionID string) (Session, error) {
	sess, err := m.store.SessionByID(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return Session{}, Fail(ErrExpired, "invalid_session")
	}
	if err != nil {
		return Session{}, storeErr(err)
	}
	if err := m.checkSession(ctx, sess, "invalid_session"); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// checkSession rejects inactive sessions and deactivates expired ones.
func (m *SessionManager) checkSession(ctx context.Context, sess Session, reason string) error {
	if !sess.IsActive {
		return Fail(ErrExpired, reason)
	}
	if sess.Expired(m.now()) {
		if err := m.store.DeactivateSession(ctx, sess.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return storeErr(err)
		}
		m.logger.Debug("expired session deactivated", zap.String("session_id", sess.ID))
		return Fail(ErrExpired, reason)
	}
	return nil
}

// IssueProjectToken mints a project-scoped SSO token for principalID.
func (m *SessionManager) IssueProjectToken(principalID, project string) (string, time.Time, error) {
	return m.codec.Sign(Claims{
		RegisteredClaims: registered(principalID),
		Project:          project,
		Type:             TokenSSOAccess,
	}, m.accessTTL)
}

// VerifyToken verifies a signed token with the manager's codec.
func (m *SessionManager) VerifyToken(token string) (Claims, error) {
	return m.codec.Verify(token)
}

func allow(ctx context.Context, l Limiter, key string) error {
	if l == nil {
		return nil
	}
	ok, err := l.Allow(ctx, key)
	if err != nil {
		return Unavailable(err)
	}
	if !ok {
		return Fail(ErrRateLimited, "too_many_attempts")
	}
	return nil
}
