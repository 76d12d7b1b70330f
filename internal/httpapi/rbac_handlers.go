package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"authhub.org/internal/audit"
	"authhub.org/internal/auth"
)

type grantRequest struct {
	PrincipalID string     `json:"principal_id"`
	Role        string     `json:"role"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type assignmentView struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principal_id"`
	RoleID      string     `json:"role_id"`
	Project     string     `json:"project,omitempty"`
	GrantedBy   string     `json:"granted_by,omitempty"`
	GrantedAt   time.Time  `json:"granted_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type permissionCheckResponse struct {
	Permission string `json:"permission"`
	Project    string `json:"project,omitempty"`
	Allowed    bool   `json:"allowed"`
}

// handlePermissionCheck reports whether the caller holds permission in
// project. A denial is an answer, not an error.
func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAuth(w, r); !ok {
		return
	}
	q := r.URL.Query()
	perm := strings.TrimSpace(q.Get("permission"))
	project := strings.TrimSpace(q.Get("project"))
	if perm == "" {
		writeError(w, r, http.StatusBadRequest, "permission is required", "missing_parameters")
		return
	}
	err := a.deps.Resolver.RequirePermission(r.Context(), perm, project)
	if err != nil && !errors.Is(err, auth.ErrForbidden) {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permissionCheckResponse{Permission: perm, Project: project, Allowed: err == nil})
}

// requireManage guards assignment changes in project.
func (a *API) requireManage(w http.ResponseWriter, r *http.Request, project string) (*auth.AuthContext, bool) {
	ac, ok := a.requireAuth(w, r)
	if !ok {
		return nil, false
	}
	if err := a.deps.Resolver.RequirePermission(r.Context(), auth.ProjectPermission(project, auth.PermManageRoles), project); err != nil {
		a.fail(w, r, err)
		return nil, false
	}
	return ac, true
}

func actor(ac *auth.AuthContext) string {
	if ac.User != nil {
		return ac.User.ID
	}
	if ac.Service != nil {
		return "service:" + ac.Service.Name
	}
	return ""
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	project := strings.ToLower(chi.URLParam(r, "project"))
	ac, ok := a.requireManage(w, r, project)
	if !ok {
		return
	}
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), "invalid_body")
		return
	}
	if strings.TrimSpace(req.PrincipalID) == "" || strings.TrimSpace(req.Role) == "" {
		writeError(w, r, http.StatusBadRequest, "principal_id and role are required", "missing_parameters")
		return
	}
	assignment, err := a.deps.Resolver.Grant(r.Context(), auth.GrantRequest{
		PrincipalID: req.PrincipalID,
		RoleCode:    req.Role,
		ProjectCode: project,
		GrantedBy:   actor(ac),
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), a.logger, "rbac.role.granted", map[string]any{
		"project":      project,
		"principal_id": req.PrincipalID,
		"role":         req.Role,
	})
	writeJSON(w, http.StatusCreated, assignmentView{
		ID:          assignment.ID,
		PrincipalID: assignment.PrincipalID,
		RoleID:      assignment.RoleID,
		Project:     assignment.ProjectCode,
		GrantedBy:   assignment.GrantedBy,
		GrantedAt:   assignment.GrantedAt,
		ExpiresAt:   assignment.ExpiresAt,
	})
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	project := strings.ToLower(chi.URLParam(r, "project"))
	if _, ok := a.requireManage(w, r, project); !ok {
		return
	}
	principal := chi.URLParam(r, "principal")
	role := chi.URLParam(r, "role")
	if err := a.deps.Resolver.Revoke(r.Context(), principal, role, project); err != nil {
		a.fail(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), a.logger, "rbac.role.revoked", map[string]any{
		"project":      project,
		"principal_id": principal,
		"role":         role,
	})
	w.WriteHeader(http.StatusNoContent)
}
