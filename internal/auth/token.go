package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const minSecretLength = 32

// TokenType distinguishes global access tokens from project-scoped SSO tokens.
type TokenType string

const (
	TokenAccess    TokenType = "access"
	TokenSSOAccess TokenType = "sso_access"
)

// Claims are the verified contents of a signed token.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string    `json:"sid,omitempty"`
	Project   string    `json:"project,omitempty"`
	Type      TokenType `json:"typ"`
}

// TokenCodec signs and verifies HS256 bearer tokens.
type TokenCodec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenCodec validates the secret and returns a codec. The clock must be
// the same one the rest of the subsystem uses.
func NewTokenCodec(secret, issuer string, now func() time.Time) (*TokenCodec, error) {
	if len(secret) < minSecretLength {
		return nil, Fail(ErrNotConfigured, "jwt_secret_too_short")
	}
	if now == nil {
		now = utcNow
	}
	return &TokenCodec{secret: []byte(secret), issuer: strings.TrimSpace(issuer), now: now}, nil
}

// Sign stamps iat, exp, iss and jti onto claims and returns the signed token
// along with its expiry.
func (c *TokenCodec) Sign(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, Fail(ErrInvalidInput, "non_positive_ttl")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", time.Time{}, Fail(ErrInvalidInput, "missing_subject")
	}
	if claims.Type == "" {
		claims.Type = TokenAccess
	}
	now := c.now()
	exp := now.Add(ttl)
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(exp)
	claims.ID = uuid.NewString()
	if c.issuer != "" {
		claims.Issuer = c.issuer
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return token, exp.Truncate(time.Second), nil
}

// Verify parses and validates a token. Any defect yields ErrInvalidCredential
// and no claims.
func (c *TokenCodec) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, Fail(ErrInvalidCredential, "empty_token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return c.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		reason := "invalid_token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "token_expired"
		}
		return Claims{}, Wrap(ErrInvalidCredential, reason, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, Fail(ErrInvalidCredential, "missing_subject")
	}
	switch claims.Type {
	case TokenAccess, TokenSSOAccess:
	default:
		return Claims{}, Fail(ErrInvalidCredential, "unknown_token_type")
	}
	if claims.Type == TokenSSOAccess && claims.Project == "" {
		return Claims{}, Fail(ErrInvalidCredential, "missing_project")
	}
	return claims, nil
}

// RandomOpaqueToken returns n bytes of crypto/rand entropy, base64url encoded.
func RandomOpaqueToken(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashSecret returns the hex SHA-256 digest stored in place of a raw secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two strings without leaking their common prefix
// length through timing.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func registered(subject string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: subject}
}

func utcNow() time.Time {
	return time.Now().UTC()
}
