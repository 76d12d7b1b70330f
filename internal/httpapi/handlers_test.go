package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"authhub.org/internal/auth"
	"authhub.org/internal/ids"
	"authhub.org/internal/ratelimit"
	"authhub.org/internal/sso"
	"authhub.org/internal/store/memory"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testCallback = "https://acme.example/sso/callback"
	alicePass    = "correct horse battery staple"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
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

type apiEnv struct {
	t        *testing.T
	store    *memory.Store
	clock    *testClock
	sessions *auth.SessionManager
	resolver *auth.Resolver
	handler  http.Handler
	alice    auth.User
	admin    auth.User
}

type envOption func(*envConfig)

type envConfig struct {
	sessionOpts []auth.SessionOption
	ipLimiter   auth.Limiter
}

func withSessionOptions(opts ...auth.SessionOption) envOption {
	return func(c *envConfig) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

func withIPLimiter(l auth.Limiter) envOption {
	return func(c *envConfig) { c.ipLimiter = l }
}

// newAPIEnv wires the full stack on the memory store with project acme,
// alice holding acme.viewer and bob holding acme.admin.
func newAPIEnv(t *testing.T, opts ...envOption) *apiEnv {
	t.Helper()
	var cfg envConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx := context.Background()
	e := &apiEnv{t: t, store: memory.New(), clock: &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}}
	codec, err := auth.NewTokenCodec(testSecret, "authhub-test", e.clock.Now)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	e.sessions = auth.NewSessionManager(e.store, codec, append([]auth.SessionOption{auth.WithSessionClock(e.clock.Now)}, cfg.sessionOpts...)...)
	e.resolver = auth.NewResolver(e.store,
		auth.WithPermissionCache(auth.NewMemoryPermissionCache(64, time.Minute, e.clock.Now)),
		auth.WithResolverClock(e.clock.Now),
	)
	chain := auth.NewChain(e.store, e.sessions, auth.WithChainClock(e.clock.Now))
	broker := sso.NewBroker(e.store, e.sessions, e.resolver,
		sso.WithClock(e.clock.Now),
		sso.WithLoginURL("https://auth.example/login"),
	)
	if _, err := e.resolver.SetupProject(ctx, auth.Project{Code: "acme", BaseURL: "https://acme.example", IsActive: true}); err != nil {
		t.Fatalf("SetupProject: %v", err)
	}
	e.alice = e.addUser("alice")
	e.admin = e.addUser("bob")
	e.grant(e.alice.ID, "acme.viewer")
	e.grant(e.admin.ID, "acme.admin")

	api := New(Deps{
		Sessions:  e.sessions,
		Chain:     chain,
		Resolver:  e.resolver,
		Broker:    broker,
		IPLimiter: cfg.ipLimiter,
	}, WithVersion("test"), WithClock(e.clock.Now), WithCORSOrigins([]string{"https://acme.example"}))
	e.handler = api.Handler()
	return e
}

func (e *apiEnv) addUser(name string) auth.User {
	e.t.Helper()
	hash, err := auth.HashPassword(alicePass)
	if err != nil {
		e.t.Fatalf("HashPassword: %v", err)
	}
	u, err := e.store.CreateUser(context.Background(), auth.User{
		ID:           ids.New(),
		Username:     name,
		Email:        name + "@example.com",
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    e.clock.Now(),
	})
	if err != nil {
		e.t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func (e *apiEnv) grant(principalID, role string) {
	e.t.Helper()
	if _, err := e.resolver.Grant(context.Background(), auth.GrantRequest{PrincipalID: principalID, RoleCode: role, ProjectCode: "acme"}); err != nil {
		e.t.Fatalf("Grant(%s): %v", role, err)
	}
}

type reqOption func(*http.Request)

func withCookie(v string) reqOption {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "auth_session", Value: v}) }
}

func withHeader(k, v string) reqOption {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

func withBearer(tok string) reqOption {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
}

func (e *apiEnv) do(method, target string, body any, opts ...reqOption) *httptest.ResponseRecorder {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = "192.0.2.10:4321"
	for _, opt := range opts {
		opt(req)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func (e *apiEnv) login(name string) (tokenResponse, string) {
	e.t.Helper()
	rr := e.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: name, Password: alicePass})
	if rr.Code != http.StatusOK {
		e.t.Fatalf("login %s: %d %s", name, rr.Code, rr.Body.String())
	}
	var cookie string
	for _, c := range rr.Result().Cookies() {
		if c.Name == "auth_session" {
			cookie = c.Value
			if !c.HttpOnly || !c.Secure {
				e.t.Fatalf("session cookie must be HttpOnly and Secure: %+v", c)
			}
		}
	}
	if cookie == "" {
		e.t.Fatal("login did not set the session cookie")
	}
	return decode[tokenResponse](e.t, rr), cookie
}

func TestHealthz(t *testing.T) {
	e := newAPIEnv(t)
	rr := e.do(http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["service"] != serviceName || body["version"] != "test" {
		t.Fatalf("unexpected body %v", body)
	}
	if rr := e.do(http.MethodGet, "/readyz", nil); rr.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rr.Code)
	}
}

func TestLoginAndMe(t *testing.T) {
	e := newAPIEnv(t)
	tokens, cookie := e.login("alice")
	if tokens.AccessToken == "" || tokens.RefreshToken == "" || tokens.TokenType != "Bearer" {
		t.Fatalf("unexpected tokens %+v", tokens)
	}

	rr := e.do(http.MethodGet, "/v1/auth/me", nil, withCookie(cookie))
	if rr.Code != http.StatusOK {
		t.Fatalf("me via cookie: %d %s", rr.Code, rr.Body.String())
	}
	me := decode[meResponse](t, rr)
	if me.Method != "session" || me.User == nil || me.User.ID != e.alice.ID {
		t.Fatalf("unexpected me %+v", me)
	}

	me = decode[meResponse](t, e.do(http.MethodGet, "/v1/auth/me", nil, withBearer(tokens.AccessToken)))
	if me.Method != "bearer" {
		t.Fatalf("expected bearer method, got %+v", me)
	}

	rr = e.do(http.MethodGet, "/v1/auth/me", nil, withBearer("garbage"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rr.Code)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	e := newAPIEnv(t)
	wrong := e.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "alice", Password: "nope"})
	unknown := e.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "mallory", Password: "nope"})
	if wrong.Code != http.StatusUnauthorized || unknown.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401/401, got %d/%d", wrong.Code, unknown.Code)
	}
	a, b := decode[errorBody](t, wrong), decode[errorBody](t, unknown)
	if a.Error != b.Error || a.Reason != b.Reason || a.Reason != "invalid_credentials" {
		t.Fatalf("responses differ: %+v vs %+v", a, b)
	}
}

func TestLoginRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemory(2, time.Minute)
	t.Cleanup(limiter.Stop)
	e := newAPIEnv(t, withSessionOptions(auth.WithLoginLimiter(limiter)))
	for i := 0; i < 2; i++ {
		if rr := e.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "alice", Password: "nope"}); rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rr.Code)
		}
	}
	rr := e.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "alice", Password: alicePass})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestLoginLimitIgnoresForwardedHeadersFromClients(t *testing.T) {
	logins := ratelimit.NewMemory(2, time.Minute)
	t.Cleanup(logins.Stop)
	perIP := ratelimit.NewMemory(4, time.Minute)
	t.Cleanup(perIP.Stop)
	e := newAPIEnv(t, withSessionOptions(auth.WithLoginLimiter(logins)), withIPLimiter(perIP))

	limited := 0
	for i := 0; i < 6; i++ {
		rr := e.do(http.MethodPost, "/v1/auth/login", loginRequest{Login: "alice", Password: "nope"},
			withHeader("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1)),
			withHeader("X-Real-IP", fmt.Sprintf("203.0.113.%d", i+1)))
		if rr.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 4 {
		t.Fatalf("expected 4 of 6 attempts rate limited, got %d", limited)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	e := newAPIEnv(t)
	tokens, _ := e.login("alice")

	rr := e.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: tokens.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", rr.Code, rr.Body.String())
	}
	next := decode[tokenResponse](t, rr)
	if next.RefreshToken == "" || next.RefreshToken == tokens.RefreshToken {
		t.Fatalf("expected a rotated refresh token, got %+v", next)
	}
	if rr := e.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: tokens.RefreshToken}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("old refresh token: expected 401, got %d", rr.Code)
	}
}

func TestLogoutEndsSession(t *testing.T) {
	e := newAPIEnv(t)
	tokens, cookie := e.login("alice")

	rr := e.do(http.MethodPost, "/v1/auth/logout", nil, withCookie(cookie))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout: %d", rr.Code)
	}
	if rr := e.do(http.MethodGet, "/v1/auth/me", nil, withCookie(cookie)); rr.Code != http.StatusUnauthorized {
		t.Fatalf("cookie after logout: expected 401, got %d", rr.Code)
	}
	if rr := e.do(http.MethodGet, "/v1/auth/me", nil, withBearer(tokens.AccessToken)); rr.Code != http.StatusUnauthorized {
		t.Fatalf("session-bound bearer after logout: expected 401, got %d", rr.Code)
	}
	if rr := e.do(http.MethodPost, "/v1/auth/logout", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("anonymous logout: %d", rr.Code)
	}
}

func ssoQuery(project, redirect, state string) string {
	q := url.Values{}
	q.Set("project", project)
	q.Set("redirect_uri", redirect)
	if state != "" {
		q.Set("state", state)
	}
	return q.Encode()
}

func TestSSOFlowOverHTTP(t *testing.T) {
	e := newAPIEnv(t)

	rr := e.do(http.MethodGet, "/v1/sso/login?"+ssoQuery("acme", testCallback, "xyz"), nil)
	if rr.Code != http.StatusFound {
		t.Fatalf("anonymous sso login: %d %s", rr.Code, rr.Body.String())
	}
	loc, _ := url.Parse(rr.Header().Get("Location"))
	if loc.Host != "auth.example" || loc.Query().Get("redirect_uri") != testCallback || loc.Query().Get("state") != "xyz" {
		t.Fatalf("unexpected login redirect %s", loc)
	}

	_, cookie := e.login("alice")
	rr = e.do(http.MethodGet, "/v1/sso/login?"+ssoQuery("acme", testCallback, "xyz"), nil, withCookie(cookie))
	if rr.Code != http.StatusFound {
		t.Fatalf("sso login with session: %d %s", rr.Code, rr.Body.String())
	}
	back, _ := url.Parse(rr.Header().Get("Location"))
	code := back.Query().Get("code")
	if back.Host != "acme.example" || code == "" || back.Query().Get("state") != "xyz" {
		t.Fatalf("unexpected callback redirect %s", back)
	}

	rr = e.do(http.MethodPost, "/v1/sso/exchange", exchangeRequest{Code: code, Project: "acme", RedirectURI: testCallback})
	if rr.Code != http.StatusOK {
		t.Fatalf("exchange: %d %s", rr.Code, rr.Body.String())
	}
	ex := decode[exchangeResponse](t, rr)
	if len(ex.Roles) != 1 || ex.Roles[0] != "acme.viewer" || ex.User.ID != e.alice.ID {
		t.Fatalf("unexpected exchange %+v", ex)
	}

	rr = e.do(http.MethodPost, "/v1/sso/exchange", exchangeRequest{Code: code, Project: "acme", RedirectURI: testCallback})
	if rr.Code != http.StatusBadRequest || decode[errorBody](t, rr).Reason != "code_used" {
		t.Fatalf("second exchange: expected 400 code_used, got %d %s", rr.Code, rr.Body.String())
	}

	rr = e.do(http.MethodGet, "/v1/sso/user-info?project=acme", nil, withBearer(ex.AccessToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("user-info: %d %s", rr.Code, rr.Body.String())
	}
	info := decode[userInfoResponse](t, rr)
	if !info.ProjectAccess || info.User.ID != e.alice.ID || len(info.Permissions) != 2 {
		t.Fatalf("unexpected user info %+v", info)
	}
	if rr := e.do(http.MethodGet, "/v1/sso/user-info?project=beta", nil, withBearer(ex.AccessToken)); rr.Code != http.StatusForbidden {
		t.Fatalf("user-info for another project: expected 403, got %d", rr.Code)
	}
}

func TestSSOExchangeAcceptsForm(t *testing.T) {
	e := newAPIEnv(t)
	_, cookie := e.login("alice")
	rr := e.do(http.MethodGet, "/v1/sso/callback?"+ssoQuery("acme", testCallback, ""), nil, withCookie(cookie))
	back, _ := url.Parse(rr.Header().Get("Location"))

	form := url.Values{"code": {back.Query().Get("code")}, "project": {"acme"}, "redirect_uri": {testCallback}}
	req := httptest.NewRequest(http.MethodPost, "/v1/sso/exchange", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	out := httptest.NewRecorder()
	e.handler.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Fatalf("form exchange: %d %s", out.Code, out.Body.String())
	}
}

func TestSSOExchangeFailuresAreBadRequests(t *testing.T) {
	e := newAPIEnv(t)
	_, cookie := e.login("alice")
	issue := func() string {
		rr := e.do(http.MethodGet, "/v1/sso/callback?"+ssoQuery("acme", testCallback, ""), nil, withCookie(cookie))
		back, _ := url.Parse(rr.Header().Get("Location"))
		return back.Query().Get("code")
	}

	cases := map[string]struct {
		req    exchangeRequest
		reason string
	}{
		"unknown code":      {exchangeRequest{Code: "no-such-code", Project: "acme", RedirectURI: testCallback}, "invalid_code"},
		"redirect mismatch": {exchangeRequest{Code: issue(), Project: "acme", RedirectURI: "https://acme.example/other"}, "code_mismatch"},
		"project mismatch":  {exchangeRequest{Code: issue(), Project: "beta", RedirectURI: testCallback}, "code_mismatch"},
	}
	for name, tc := range cases {
		rr := e.do(http.MethodPost, "/v1/sso/exchange", tc.req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d %s", name, rr.Code, rr.Body.String())
		}
		if got := decode[errorBody](t, rr).Reason; got != tc.reason {
			t.Fatalf("%s: reason %q, want %q", name, got, tc.reason)
		}
	}

	code := issue()
	e.clock.Advance(10 * time.Minute)
	rr := e.do(http.MethodPost, "/v1/sso/exchange", exchangeRequest{Code: code, Project: "acme", RedirectURI: testCallback})
	if rr.Code != http.StatusBadRequest || decode[errorBody](t, rr).Reason != "invalid_code" {
		t.Fatalf("expired code: expected 400 invalid_code, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestSSORejectsForeignRedirect(t *testing.T) {
	e := newAPIEnv(t)
	_, cookie := e.login("alice")
	cases := map[string]struct {
		query  string
		reason string
	}{
		"foreign host":    {ssoQuery("acme", "https://evil.example/cb", ""), "redirect_uri_mismatch"},
		"scheme mismatch": {ssoQuery("acme", "http://acme.example/cb", ""), "redirect_uri_mismatch"},
		"unknown project": {ssoQuery("nope", testCallback, ""), "unknown_project"},
		"no redirect":     {"project=acme", "invalid_redirect_uri"},
	}
	for name, tc := range cases {
		rr := e.do(http.MethodGet, "/v1/sso/callback?"+tc.query, nil, withCookie(cookie))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rr.Code)
		}
		if got := decode[errorBody](t, rr).Reason; got != tc.reason {
			t.Fatalf("%s: reason %q, want %q", name, got, tc.reason)
		}
	}
}

func TestSSOCallbackWithoutSessionRedirectsToLogin(t *testing.T) {
	e := newAPIEnv(t)
	rr := e.do(http.MethodGet, "/v1/sso/callback?"+ssoQuery("acme", testCallback, "s1"), nil, withCookie("stale"))
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	if !strings.HasPrefix(rr.Header().Get("Location"), "https://auth.example/login?") {
		t.Fatalf("unexpected location %s", rr.Header().Get("Location"))
	}
	cleared := false
	for _, c := range rr.Result().Cookies() {
		if c.Name == "auth_session" && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("stale session cookie should be cleared")
	}
}

func TestSSOCheckSessionAndLogout(t *testing.T) {
	e := newAPIEnv(t)
	if rr := e.do(http.MethodGet, "/v1/sso/check-session?project=acme", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no session: expected 401, got %d", rr.Code)
	}
	_, cookie := e.login("alice")
	rr := e.do(http.MethodGet, "/v1/sso/check-session?project=acme", nil, withCookie(cookie))
	if rr.Code != http.StatusOK {
		t.Fatalf("check-session: %d %s", rr.Code, rr.Body.String())
	}
	if st := decode[sessionStatusResponse](t, rr); !st.Valid || !st.HasProjectAccess {
		t.Fatalf("unexpected status %+v", st)
	}

	rr = e.do(http.MethodPost, "/v1/sso/logout?"+ssoQuery("acme", "https://acme.example/bye", ""), nil, withCookie(cookie))
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "https://acme.example/bye" {
		t.Fatalf("logout redirect: %d %s", rr.Code, rr.Header().Get("Location"))
	}
	if rr := e.do(http.MethodGet, "/v1/sso/check-session?project=acme", nil, withCookie(cookie)); rr.Code != http.StatusUnauthorized {
		t.Fatalf("after logout: expected 401, got %d", rr.Code)
	}

	rr = e.do(http.MethodPost, "/v1/sso/logout?"+ssoQuery("acme", "https://evil.example/", ""), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("foreign logout redirect must not be followed, got %d", rr.Code)
	}
}

func TestAssignmentsRequireManagePermission(t *testing.T) {
	e := newAPIEnv(t)
	carol := e.addUser("carol")
	aliceTokens, _ := e.login("alice")
	adminTokens, _ := e.login("bob")
	body := grantRequest{PrincipalID: carol.ID, Role: "acme.editor"}

	if rr := e.do(http.MethodPost, "/v1/projects/acme/assignments", body); rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous grant: expected 401, got %d", rr.Code)
	}
	if rr := e.do(http.MethodPost, "/v1/projects/acme/assignments", body, withBearer(aliceTokens.AccessToken)); rr.Code != http.StatusForbidden {
		t.Fatalf("viewer grant: expected 403, got %d", rr.Code)
	}
	rr := e.do(http.MethodPost, "/v1/projects/acme/assignments", body, withBearer(adminTokens.AccessToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("admin grant: %d %s", rr.Code, rr.Body.String())
	}
	if got := decode[assignmentView](t, rr); got.GrantedBy != e.admin.ID || got.Project != "acme" {
		t.Fatalf("unexpected assignment %+v", got)
	}
	if rr := e.do(http.MethodPost, "/v1/projects/acme/assignments", body, withBearer(adminTokens.AccessToken)); rr.Code != http.StatusConflict {
		t.Fatalf("duplicate grant: expected 409, got %d", rr.Code)
	}

	ok, err := e.resolver.HasPermission(context.Background(), carol.ID, "acme.data.edit", "acme")
	if err != nil || !ok {
		t.Fatalf("grant not visible: %v %v", ok, err)
	}

	path := "/v1/projects/acme/assignments/" + carol.ID + "/acme.editor"
	if rr := e.do(http.MethodDelete, path, nil, withBearer(adminTokens.AccessToken)); rr.Code != http.StatusNoContent {
		t.Fatalf("revoke: %d %s", rr.Code, rr.Body.String())
	}
	if rr := e.do(http.MethodDelete, path, nil, withBearer(adminTokens.AccessToken)); rr.Code != http.StatusNotFound {
		t.Fatalf("second revoke: expected 404, got %d", rr.Code)
	}
	ok, err = e.resolver.HasPermission(context.Background(), carol.ID, "acme.data.edit", "acme")
	if err != nil || ok {
		t.Fatalf("revoke not visible: %v %v", ok, err)
	}
}

func TestPermissionCheck(t *testing.T) {
	e := newAPIEnv(t)
	tokens, _ := e.login("alice")
	check := func(perm string) permissionCheckResponse {
		rr := e.do(http.MethodGet, "/v1/permissions/check?project=acme&permission="+perm, nil, withBearer(tokens.AccessToken))
		if rr.Code != http.StatusOK {
			t.Fatalf("check %s: %d %s", perm, rr.Code, rr.Body.String())
		}
		return decode[permissionCheckResponse](t, rr)
	}
	if !check("acme.data.view").Allowed {
		t.Fatal("viewer should hold acme.data.view")
	}
	if check("acme.data.edit").Allowed {
		t.Fatal("viewer must not hold acme.data.edit")
	}
	if rr := e.do(http.MethodGet, "/v1/permissions/check?project=acme&permission=acme.data.view", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous check: expected 401, got %d", rr.Code)
	}
	if rr := e.do(http.MethodGet, "/v1/permissions/check?project=acme", nil, withBearer(tokens.AccessToken)); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing permission: expected 400, got %d", rr.Code)
	}
}
