package sso

import (
	"net/url"
	"strings"

	"authhub.org/internal/auth"
)

// ValidateRedirect checks that target is an absolute http(s) URL without
// userinfo or fragment whose scheme and host (including port) equal those of
// the project's base URL.
func ValidateRedirect(project auth.Project, target string) (*url.URL, error) {
	base, err := url.Parse(strings.TrimSpace(project.BaseURL))
	if err != nil || base.Host == "" {
		return nil, auth.Fail(auth.ErrNotConfigured, "project_base_url_missing")
	}
	target = strings.TrimSpace(target)
	u, err := url.Parse(target)
	if err != nil || !u.IsAbs() || u.Host == "" || u.User != nil || strings.ContainsRune(target, '#') {
		return nil, auth.Fail(auth.ErrInvalidInput, "invalid_redirect_uri")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, auth.Fail(auth.ErrInvalidInput, "invalid_redirect_uri")
	}
	if !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) {
		return nil, auth.Fail(auth.ErrNotConfigured, "redirect_uri_mismatch")
	}
	return u, nil
}

// appendQuery returns target with params set, keeping its existing query
// parameters.
func appendQuery(target *url.URL, params map[string]string) string {
	out := *target
	q := out.Query()
	for k, v := range params {
		if v == "" {
			continue
		}
		q.Set(k, v)
	}
	out.RawQuery = q.Encode()
	return out.String()
}
