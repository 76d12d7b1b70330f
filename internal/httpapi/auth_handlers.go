package httpapi

import (
	"net/http"
	"time"

	"authhub.org/internal/audit"
	"authhub.org/internal/auth"
)

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExpiresIn    int       `json:"expires_in"`
	User         *userView `json:"user,omitempty"`
}

type userView struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	IsSuperuser bool       `json:"is_superuser,omitempty"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func viewUser(u auth.User) *userView {
	return &userView{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		IsSuperuser: u.IsSuperuser,
		LastLoginAt: u.LastLoginAt,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), "invalid_body")
		return
	}
	issued, err := a.deps.Sessions.Login(r.Context(), auth.LoginRequest{
		Login:     req.Login,
		Password:  req.Password,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		_ = audit.LogEvent(r.Context(), a.logger, "auth.login.failed", map[string]any{
			"reason": auth.Reason(err),
			"ip":     clientIP(r),
		})
		a.fail(w, r, err)
		return
	}
	a.setSessionCookie(w, issued.SessionToken, issued.Session.ExpiresAt)
	_ = audit.LogEvent(r.Context(), a.logger, "auth.login", map[string]any{
		"user_id":    issued.User.ID,
		"session_id": issued.Session.ID,
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    issued.AccessExpiresAt,
		ExpiresIn:    int(a.deps.Sessions.AccessTTL().Seconds()),
		User:         viewUser(issued.User),
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), "invalid_body")
		return
	}
	renewal, err := a.deps.Sessions.Renew(r.Context(), req.RefreshToken)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  renewal.AccessToken,
		RefreshToken: renewal.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    renewal.AccessExpiresAt,
		ExpiresIn:    int(a.deps.Sessions.AccessTTL().Seconds()),
	})
}

// handleLogout ends the cookie session, or the session a bearer token is
// bound to. It succeeds for anonymous callers too.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.endSession(r); err != nil {
		a.fail(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) endSession(r *http.Request) error {
	if c, err := r.Cookie(a.cookie.Name); err == nil && c.Value != "" {
		if err := a.deps.Sessions.Revoke(r.Context(), c.Value); err != nil {
			return err
		}
	}
	if ac, ok := auth.AuthFromContext(r.Context()); ok && ac.SessionID != "" {
		if err := a.deps.Sessions.RevokeByID(r.Context(), ac.SessionID); err != nil {
			return err
		}
		_ = audit.LogEvent(r.Context(), a.logger, "auth.logout", map[string]any{"session_id": ac.SessionID})
	}
	return nil
}

type meResponse struct {
	User    *userView `json:"user,omitempty"`
	Service string    `json:"service,omitempty"`
	Method  string    `json:"method"`
	Project string    `json:"project,omitempty"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	ac, ok := a.requireAuth(w, r)
	if !ok {
		return
	}
	resp := meResponse{Method: string(ac.Method), Project: ac.Project}
	if ac.User != nil {
		resp.User = viewUser(*ac.User)
	}
	if ac.Service != nil {
		resp.Service = ac.Service.Name
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	maxAge := int(expires.Sub(a.now()).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookie.Name,
		Value:    token,
		Path:     "/",
		Domain:   a.cookie.Domain,
		Expires:  expires,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.cookie.Secure,
		SameSite: a.cookie.SameSite,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookie.Name,
		Value:    "",
		Path:     "/",
		Domain:   a.cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookie.Secure,
		SameSite: a.cookie.SameSite,
	})
}
