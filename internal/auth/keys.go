package auth

import (
	"context"
	"strings"
	"time"

	"authhub.org/internal/ids"
)

const (
	apiKeyPrefix     = "ak_"
	serviceKeyPrefix = "sk_"
)

// APIKeySpec describes an API key to issue.
type APIKeySpec struct {
	Name        string
	PrincipalID string
	Permissions []string
	TTL         time.Duration
}

// ServiceKeySpec describes a service key to issue.
type ServiceKeySpec struct {
	Name            string
	ProjectCode     string
	AllowedProjects []string
	Permissions     []string
	TTL             time.Duration
}

// KeyIssuer creates API and service keys out of band. The raw secret is
// returned once and only its digest is stored.
type KeyIssuer struct {
	store Store
	now   func() time.Time
}

// NewKeyIssuer constructs a KeyIssuer.
func NewKeyIssuer(store Store, now func() time.Time) *KeyIssuer {
	if now == nil {
		now = utcNow
	}
	return &KeyIssuer{store: store, now: now}
}

// IssueAPIKey stores a new API key and returns it with its raw secret.
func (k *KeyIssuer) IssueAPIKey(ctx context.Context, spec APIKeySpec) (APIKey, string, error) {
	if strings.TrimSpace(spec.PrincipalID) == "" || strings.TrimSpace(spec.Name) == "" {
		return APIKey{}, "", Fail(ErrInvalidInput, "missing_key_fields")
	}
	if _, err := k.store.UserByID(ctx, spec.PrincipalID); err != nil {
		return APIKey{}, "", storeErr(err)
	}
	secret, err := RandomOpaqueToken(opaqueTokenBytes)
	if err != nil {
		return APIKey{}, "", err
	}
	secret = apiKeyPrefix + secret
	now := k.now()
	key := APIKey{
		ID:          ids.NewAt(now),
		Name:        spec.Name,
		KeyHash:     HashSecret(secret),
		PrincipalID: spec.PrincipalID,
		Permissions: spec.Permissions,
		IsActive:    true,
		ExpiresAt:   expiryFrom(now, spec.TTL),
		CreatedAt:   now,
	}
	if err := k.store.CreateAPIKey(ctx, key); err != nil {
		return APIKey{}, "", storeErr(err)
	}
	return key, secret, nil
}

// IssueServiceKey stores a new service key and returns it with its raw secret.
func (k *KeyIssuer) IssueServiceKey(ctx context.Context, spec ServiceKeySpec) (ServiceKey, string, error) {
	if strings.TrimSpace(spec.ProjectCode) == "" || strings.TrimSpace(spec.Name) == "" {
		return ServiceKey{}, "", Fail(ErrInvalidInput, "missing_key_fields")
	}
	if _, err := k.store.ProjectByCode(ctx, spec.ProjectCode); err != nil {
		return ServiceKey{}, "", storeErr(err)
	}
	secret, err := RandomOpaqueToken(opaqueTokenBytes)
	if err != nil {
		return ServiceKey{}, "", err
	}
	secret = serviceKeyPrefix + secret
	now := k.now()
	key := ServiceKey{
		ID:              ids.NewAt(now),
		Name:            spec.Name,
		KeyHash:         HashSecret(secret),
		ProjectCode:     spec.ProjectCode,
		AllowedProjects: spec.AllowedProjects,
		Permissions:     spec.Permissions,
		IsActive:        true,
		ExpiresAt:       expiryFrom(now, spec.TTL),
		CreatedAt:       now,
	}
	if err := k.store.CreateServiceKey(ctx, key); err != nil {
		return ServiceKey{}, "", storeErr(err)
	}
	return key, secret, nil
}

func expiryFrom(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	exp := now.Add(ttl)
	return &exp
}
