package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"authhub.org/internal/auth"
	"authhub.org/internal/store/memory"
)

func TestExpiredSessionIsRejectedAndDeactivated(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "alice", "s3cret-pass")
	ctx := context.Background()
	issued, err := f.sessions.CreateSession(ctx, user.ID, "", "", 30*time.Minute)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ac, err := f.chain.Authenticate(ctx, auth.AuthRequest{SessionToken: issued.SessionToken})
	if err != nil || ac.Method != auth.MethodSession || ac.PrincipalID() != user.ID {
		t.Fatalf("fresh session should authenticate, got %+v, %v", ac, err)
	}

	f.clock.Advance(31 * time.Minute)
	_, err = f.chain.Authenticate(ctx, auth.AuthRequest{SessionToken: issued.SessionToken})
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	sess, err := f.store.SessionByID(ctx, issued.Session.ID)
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	if sess.IsActive {
		t.Fatal("expected lazy deactivation of the expired session")
	}
}

func TestSessionAuthenticationTouchesSession(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "alice", "s3cret-pass")
	ctx := context.Background()
	issued, err := f.sessions.CreateSession(ctx, user.ID, "", "", 0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	f.clock.Advance(5 * time.Minute)
	if _, err := f.chain.Authenticate(ctx, auth.AuthRequest{SessionToken: issued.SessionToken}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	sess, err := f.store.SessionByID(ctx, issued.Session.ID)
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	if !sess.LastAccessedAt.Equal(f.clock.Now()) {
		t.Fatalf("last accessed = %v, want %v", sess.LastAccessedAt, f.clock.Now())
	}
}

func TestChainPriorityAndFallthrough(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "s3cret-pass")
	bob := f.addUser(t, "bob", "s3cret-pass")
	ctx := context.Background()
	aliceSession, err := f.sessions.CreateSession(ctx, alice.ID, "", "", 0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	bobSession, err := f.sessions.CreateSession(ctx, bob.ID, "", "", 0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ac, err := f.chain.Authenticate(ctx, auth.AuthRequest{SessionToken: aliceSession.SessionToken, BearerToken: bobSession.AccessToken})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ac.Method != auth.MethodSession || ac.PrincipalID() != alice.ID {
		t.Fatalf("session strategy should win, got %s for %s", ac.Method, ac.PrincipalID())
	}

	ac, err = f.chain.Authenticate(ctx, auth.AuthRequest{SessionToken: "stale", BearerToken: bobSession.AccessToken})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ac.Method != auth.MethodBearer || ac.PrincipalID() != bob.ID || ac.SessionID != bobSession.Session.ID {
		t.Fatalf("bearer should be used after a rejected session, got %+v", ac)
	}
}

func TestBearerBoundToRevokedSessionIsRejected(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "alice", "s3cret-pass")
	ctx := context.Background()
	issued, err := f.sessions.CreateSession(ctx, user.ID, "", "", 0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := f.sessions.Revoke(ctx, issued.SessionToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	_, err = f.chain.Authenticate(ctx, auth.AuthRequest{BearerToken: issued.AccessToken})
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "alice", "s3cret-pass")
	ctx := context.Background()
	key, secret, err := f.keys.IssueAPIKey(ctx, auth.APIKeySpec{Name: "ci", PrincipalID: user.ID, Permissions: []string{"acme.data.view"}, TTL: time.Hour})
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}
	if secret[:3] != "ak_" || key.KeyHash == secret {
		t.Fatalf("unexpected key material %q", secret)
	}

	ac, err := f.chain.Authenticate(ctx, auth.AuthRequest{APIKey: secret})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ac.Method != auth.MethodAPIKey || ac.PrincipalID() != user.ID || !ac.KeyGrants("acme.data.view") {
		t.Fatalf("unexpected auth context %+v", ac)
	}
	stored, err := f.store.APIKeyByHash(ctx, key.KeyHash)
	if err != nil {
		t.Fatalf("APIKeyByHash: %v", err)
	}
	if stored.LastUsedAt == nil {
		t.Fatal("expected last-used bookkeeping on success")
	}

	f.clock.Advance(time.Hour)
	if _, err := f.chain.Authenticate(ctx, auth.AuthRequest{APIKey: secret}); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expired key: expected ErrUnauthenticated, got %v", err)
	}
}

func TestServiceKeyRequiresAllowedProject(t *testing.T) {
	f := newFixture(t)
	f.addProject(t, "acme", "https://acme.example")
	f.addProject(t, "beta", "https://beta.example")
	f.addProject(t, "gamma", "https://gamma.example")
	ctx := context.Background()
	_, secret, err := f.keys.IssueServiceKey(ctx, auth.ServiceKeySpec{
		Name:            "acme-worker",
		ProjectCode:     "acme",
		AllowedProjects: []string{"beta"},
		Permissions:     []string{"beta.data.view"},
	})
	if err != nil {
		t.Fatalf("IssueServiceKey: %v", err)
	}

	ac, err := f.chain.Authenticate(ctx, auth.AuthRequest{ServiceKey: secret, ServiceProject: "beta"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ac.Method != auth.MethodServiceKey || ac.Service == nil || ac.User != nil {
		t.Fatalf("expected a service identity, got %+v", ac)
	}
	if ac.Service.OwnerProject != "acme" || ac.Project != "beta" {
		t.Fatalf("unexpected service context %+v / %+v", ac, ac.Service)
	}

	for _, project := range []string{"gamma", "unknown", ""} {
		if _, err := f.chain.Authenticate(ctx, auth.AuthRequest{ServiceKey: secret, ServiceProject: project}); !errors.Is(err, auth.ErrUnauthenticated) {
			t.Fatalf("project %q: expected ErrUnauthenticated, got %v", project, err)
		}
	}
}

type unavailableStore struct {
	*memory.Store
}

func (unavailableStore) SessionByTokenHash(context.Context, string) (auth.Session, error) {
	return auth.Session{}, errors.New("connection refused")
}

func TestChainAbortsWhenStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "alice", "s3cret-pass")
	ctx := context.Background()
	issued, err := f.sessions.CreateSession(ctx, user.ID, "", "", 0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	broken := unavailableStore{f.store}
	sessions := auth.NewSessionManager(broken, f.codec, auth.WithSessionClock(f.clock.Now))
	chain := auth.NewChain(broken, sessions, auth.WithChainClock(f.clock.Now))

	_, err = chain.Authenticate(ctx, auth.AuthRequest{SessionToken: "anything", BearerToken: issued.AccessToken})
	if !auth.IsRetryable(err) {
		t.Fatalf("expected a retryable error, got %v", err)
	}
}

func TestUnauthenticatedErrorHasNoStrategyHint(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", "s3cret-pass")
	ctx := context.Background()
	_, errSession := f.chain.Authenticate(ctx, auth.AuthRequest{SessionToken: "nope"})
	_, errKey := f.chain.Authenticate(ctx, auth.AuthRequest{APIKey: "ak_nope"})
	_, errNone := f.chain.Authenticate(ctx, auth.AuthRequest{})
	if errSession.Error() != errKey.Error() || errKey.Error() != errNone.Error() {
		t.Fatalf("errors differ: %q %q %q", errSession, errKey, errNone)
	}
}
