package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"authhub.org/internal/auth"
	"authhub.org/internal/ids"
	"authhub.org/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store    *memory.Store
	clock    *testClock
	codec    *auth.TokenCodec
	sessions *auth.SessionManager
	cache    *auth.MemoryPermissionCache
	resolver *auth.Resolver
	chain    *auth.Chain
	keys     *auth.KeyIssuer
}

func newFixture(t *testing.T, opts ...auth.SessionOption) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), clock: newTestClock()}
	codec, err := auth.NewTokenCodec(testSecret, "authhub-test", f.clock.Now)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	f.codec = codec
	f.sessions = auth.NewSessionManager(f.store, codec, append([]auth.SessionOption{auth.WithSessionClock(f.clock.Now)}, opts...)...)
	f.cache = auth.NewMemoryPermissionCache(128, time.Hour, f.clock.Now)
	f.resolver = auth.NewResolver(f.store,
		auth.WithPermissionCache(f.cache),
		auth.WithResolverClock(f.clock.Now),
		auth.WithCacheTTL(10*time.Minute),
	)
	f.chain = auth.NewChain(f.store, f.sessions, auth.WithChainClock(f.clock.Now))
	f.keys = auth.NewKeyIssuer(f.store, f.clock.Now)
	return f
}

func (f *fixture) addUser(t *testing.T, username, password string, mods ...func(*auth.User)) auth.User {
	t.Helper()
	hash := ""
	if password != "" {
		var err error
		hash, err = auth.HashPassword(password)
		if err != nil {
			t.Fatalf("HashPassword: %v", err)
		}
	}
	u := auth.User{
		ID:           ids.New(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    f.clock.Now(),
	}
	for _, m := range mods {
		m(&u)
	}
	saved, err := f.store.CreateUser(context.Background(), u)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return saved
}

func (f *fixture) addProject(t *testing.T, code, baseURL string) {
	t.Helper()
	if _, err := f.resolver.SetupProject(context.Background(), auth.Project{Code: code, BaseURL: baseURL, IsActive: true}); err != nil {
		t.Fatalf("SetupProject(%s): %v", code, err)
	}
}

// addRole creates a role in project ("" for global) granting the given permission codes.
func (f *fixture) addRole(t *testing.T, project, code string, perms ...string) auth.Role {
	t.Helper()
	ctx := context.Background()
	var permIDs []string
	for _, p := range perms {
		saved, err := f.store.EnsurePermission(ctx, auth.Permission{ID: ids.New(), Code: p, ProjectCode: project})
		if err != nil {
			t.Fatalf("EnsurePermission(%s): %v", p, err)
		}
		permIDs = append(permIDs, saved.ID)
	}
	role, err := f.store.EnsureRole(ctx, auth.Role{ID: ids.New(), Code: code, ProjectCode: project})
	if err != nil {
		t.Fatalf("EnsureRole(%s): %v", code, err)
	}
	if err := f.store.SetRolePermissions(ctx, role.ID, permIDs); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	return role
}

func (f *fixture) grant(t *testing.T, principalID, roleCode, project string, expiresAt *time.Time) auth.RoleAssignment {
	t.Helper()
	a, err := f.resolver.Grant(context.Background(), auth.GrantRequest{
		PrincipalID: principalID,
		RoleCode:    roleCode,
		ProjectCode: project,
		GrantedBy:   "test",
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		t.Fatalf("Grant(%s, %s): %v", roleCode, project, err)
	}
	return a
}

func timePtr(t time.Time) *time.Time { return &t }
