package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"authhub.org/internal/audit"
	"authhub.org/internal/auth"
	"authhub.org/internal/sso"
)

func ssoRequest(r *http.Request) sso.Request {
	q := r.URL.Query()
	return sso.Request{
		Project:     strings.TrimSpace(q.Get("project")),
		RedirectURI: strings.TrimSpace(q.Get("redirect_uri")),
		State:       q.Get("state"),
	}
}

// handleSSOLogin starts a flow. A caller with a session cookie continues at
// the callback; anyone else is sent to the login UI with the parameters kept.
func (a *API) handleSSOLogin(w http.ResponseWriter, r *http.Request) {
	req := ssoRequest(r)
	if c, err := r.Cookie(a.cookie.Name); err == nil && c.Value != "" {
		a.handleSSOCallback(w, r)
		return
	}
	location, err := a.deps.Broker.LoginRedirect(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// handleSSOCallback issues a code for the session in the cookie and sends the
// browser back to the project.
func (a *API) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	req := ssoRequest(r)
	token := ""
	if c, err := r.Cookie(a.cookie.Name); err == nil {
		token = c.Value
	}
	authz, err := a.deps.Broker.Authorize(r.Context(), token, req)
	var loginRequired *sso.LoginRequiredError
	if errors.As(err, &loginRequired) {
		if token != "" {
			a.clearSessionCookie(w)
		}
		http.Redirect(w, r, loginRequired.Location, http.StatusFound)
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), a.logger, "sso.code.issued", map[string]any{"project": req.Project})
	http.Redirect(w, r, authz.RedirectURL, http.StatusFound)
}

type exchangeRequest struct {
	Code        string `json:"code"`
	Project     string `json:"project"`
	RedirectURI string `json:"redirect_uri"`
}

type exchangeResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	ExpiresIn   int       `json:"expires_in"`
	User        *userView `json:"user"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
}

// exchangeRejections are code failures reported as malformed requests. The
// broker keeps the finer kinds for its own callers.
var exchangeRejections = map[string]bool{
	"invalid_code":  true,
	"code_used":     true,
	"code_mismatch": true,
}

// handleSSOExchange accepts a JSON body or form values.
func (a *API) handleSSOExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error(), "invalid_body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error(), "invalid_body")
			return
		}
		req = exchangeRequest{
			Code:        r.Form.Get("code"),
			Project:     r.Form.Get("project"),
			RedirectURI: r.Form.Get("redirect_uri"),
		}
	}
	ex, err := a.deps.Broker.Exchange(r.Context(), sso.ExchangeRequest{
		Code:        req.Code,
		Project:     req.Project,
		RedirectURI: req.RedirectURI,
	})
	if err != nil {
		if reason := auth.Reason(err); exchangeRejections[reason] {
			writeError(w, r, http.StatusBadRequest, "invalid request", reason)
			return
		}
		a.fail(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), a.logger, "sso.code.exchanged", map[string]any{
		"project": req.Project,
		"user_id": ex.User.ID,
	})
	writeJSON(w, http.StatusOK, exchangeResponse{
		AccessToken: ex.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   ex.ExpiresAt,
		ExpiresIn:   ex.ExpiresIn,
		User:        viewUser(ex.User),
		Roles:       nonNil(ex.Roles),
		Permissions: nonNil(ex.Permissions),
	})
}

type userInfoResponse struct {
	User          *userView `json:"user"`
	Project       string    `json:"project"`
	Roles         []string  `json:"roles"`
	Permissions   []string  `json:"permissions"`
	ProjectAccess bool      `json:"project_access"`
}

func (a *API) handleSSOUserInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.deps.Broker.UserInfo(r.Context(), extractBearerToken(r.Header.Get(authHeader)), r.URL.Query().Get("project"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userInfoResponse{
		User:          viewUser(info.User),
		Project:       info.Project,
		Roles:         nonNil(info.Roles),
		Permissions:   nonNil(info.Permissions),
		ProjectAccess: true,
	})
}

type sessionStatusResponse struct {
	Valid            bool      `json:"valid"`
	HasProjectAccess bool      `json:"has_project_access"`
	User             *userView `json:"user,omitempty"`
}

// handleSSOCheckSession answers 401 for a missing or dead session and 200
// with the access flag otherwise.
func (a *API) handleSSOCheckSession(w http.ResponseWriter, r *http.Request) {
	token := ""
	if c, err := r.Cookie(a.cookie.Name); err == nil {
		token = c.Value
	}
	status, err := a.deps.Broker.CheckSession(r.Context(), token, r.URL.Query().Get("project"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !status.Valid {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", "invalid_session")
		return
	}
	resp := sessionStatusResponse{Valid: true, HasProjectAccess: status.HasProjectAccess}
	if status.User != nil {
		resp.User = viewUser(*status.User)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSSOLogout ends the browser session and redirects to redirect_uri
// when it is a valid return address of project.
func (a *API) handleSSOLogout(w http.ResponseWriter, r *http.Request) {
	token := ""
	if c, err := r.Cookie(a.cookie.Name); err == nil {
		token = c.Value
	}
	if err := a.deps.Broker.Logout(r.Context(), token); err != nil {
		a.fail(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	_ = audit.LogEvent(r.Context(), a.logger, "sso.logout", nil)

	q := r.URL.Query()
	if target := a.deps.Broker.LogoutRedirect(r.Context(), q.Get("project"), q.Get("redirect_uri")); target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

