package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                    "/",
		"/metrics":                            "/metrics",
		"/v1/projects/acme/assignments":       "/v1/projects/:project/assignments",
		"/v1/projects/acme/assignments/u1/r1": "/v1/projects/:project/assignments/:principal/:role",
		"/v1/projects/acme/assignments/u1":    "/v1/projects/acme/assignments/u1",
		"/v1/sso/check-session?project=acme":  "/v1/sso/check-session",
		"/v1/auth/login":                      "/v1/auth/login",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger("loud")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger.Core().Enabled(-1) {
		t.Fatal("debug should be disabled for unknown level")
	}
	if OrNop(nil) == nil {
		t.Fatal("OrNop returned nil")
	}
}
