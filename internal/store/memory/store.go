// Package memory is an in-process auth.Store for tests and single-node
// development. Every operation runs under one lock, which makes the
// conditional writes atomic.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"authhub.org/internal/auth"
)

var _ auth.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	users     map[string]auth.User
	externals map[string]string

	sessions  map[string]auth.Session
	byToken   map[string]string
	byRefresh map[string]string

	apiKeys     map[string]auth.APIKey
	apiByHash   map[string]string
	svcKeys     map[string]auth.ServiceKey
	svcByHash   map[string]string
	projects    map[string]auth.Project
	roles       map[string]auth.Role
	perms       map[string]auth.Permission
	rolePerms   map[string][]string
	assignments map[string]auth.RoleAssignment
	codes       map[string]auth.AuthorizationCode
}

func New() *Store {
	return &Store{
		users:       make(map[string]auth.User),
		externals:   make(map[string]string),
		sessions:    make(map[string]auth.Session),
		byToken:     make(map[string]string),
		byRefresh:   make(map[string]string),
		apiKeys:     make(map[string]auth.APIKey),
		apiByHash:   make(map[string]string),
		svcKeys:     make(map[string]auth.ServiceKey),
		svcByHash:   make(map[string]string),
		projects:    make(map[string]auth.Project),
		roles:       make(map[string]auth.Role),
		perms:       make(map[string]auth.Permission),
		rolePerms:   make(map[string][]string),
		assignments: make(map[string]auth.RoleAssignment),
		codes:       make(map[string]auth.AuthorizationCode),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// --- users ---

func (s *Store) CreateUser(_ context.Context, u auth.User) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Username = strings.ToLower(u.Username)
	u.Email = strings.ToLower(u.Email)
	if _, ok := s.users[u.ID]; ok {
		return auth.User{}, auth.ErrConflict
	}
	for _, existing := range s.users {
		if existing.Username == u.Username || (u.Email != "" && existing.Email == u.Email) {
			return auth.User{}, auth.ErrConflict
		}
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) UserByID(_ context.Context, id string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (s *Store) UserByLogin(_ context.Context, login string) (auth.User, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email != "" && u.Email == login {
			return u, nil
		}
	}
	for _, u := range s.users {
		if u.Username == login {
			return u, nil
		}
	}
	return auth.User{}, auth.ErrNotFound
}

func (s *Store) UserByExternalIdentity(_ context.Context, provider, subject string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.externals[provider+"|"+subject]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (s *Store) LinkExternalIdentity(_ context.Context, userID string, identity auth.ExternalIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return auth.ErrNotFound
	}
	key := identity.Provider + "|" + identity.Subject
	if owner, ok := s.externals[key]; ok && owner != userID {
		return auth.ErrConflict
	}
	s.externals[key] = userID
	return nil
}

func (s *Store) RecordLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.LoginCount++
	u.LastLoginAt = &at
	s.users[userID] = u
	return nil
}

// --- sessions ---

func (s *Store) CreateSession(_ context.Context, sess auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[sess.PrincipalID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return auth.ErrConflict
	}
	if _, ok := s.byToken[sess.TokenHash]; ok {
		return auth.ErrConflict
	}
	s.sessions[sess.ID] = sess
	s.byToken[sess.TokenHash] = sess.ID
	s.byRefresh[sess.RefreshHash] = sess.ID
	return nil
}

func (s *Store) SessionByID(_ context.Context, id string) (auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.Session{}, auth.ErrNotFound
	}
	return sess, nil
}

func (s *Store) SessionByTokenHash(_ context.Context, hash string) (auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionVia(s.byToken, hash)
}

func (s *Store) SessionByRefreshHash(_ context.Context, hash string) (auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionVia(s.byRefresh, hash)
}

func (s *Store) sessionVia(index map[string]string, hash string) (auth.Session, error) {
	id, ok := index[hash]
	if !ok {
		return auth.Session{}, auth.ErrNotFound
	}
	sess, ok := s.sessions[id]
	if !ok {
		return auth.Session{}, auth.ErrNotFound
	}
	return sess, nil
}

func (s *Store) DeactivateSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	sess.IsActive = false
	s.sessions[id] = sess
	return nil
}

func (s *Store) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	sess.LastAccessedAt = at
	s.sessions[id] = sess
	return nil
}

func (s *Store) RotateRefreshHash(_ context.Context, id, oldHash, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	if !sess.IsActive || sess.RefreshHash != oldHash {
		return auth.ErrConflict
	}
	delete(s.byRefresh, oldHash)
	sess.RefreshHash = newHash
	s.sessions[id] = sess
	s.byRefresh[newHash] = id
	return nil
}

// --- keys ---

func (s *Store) CreateAPIKey(_ context.Context, k auth.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiByHash[k.KeyHash]; ok {
		return auth.ErrConflict
	}
	k.Permissions = append([]string(nil), k.Permissions...)
	s.apiKeys[k.ID] = k
	s.apiByHash[k.KeyHash] = k.ID
	return nil
}

func (s *Store) APIKeyByHash(_ context.Context, hash string) (auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.apiByHash[hash]
	if !ok {
		return auth.APIKey{}, auth.ErrNotFound
	}
	k := s.apiKeys[id]
	k.Permissions = append([]string(nil), k.Permissions...)
	return k, nil
}

func (s *Store) TouchAPIKey(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return auth.ErrNotFound
	}
	k.LastUsedAt = &at
	s.apiKeys[id] = k
	return nil
}

func (s *Store) CreateServiceKey(_ context.Context, k auth.ServiceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.svcByHash[k.KeyHash]; ok {
		return auth.ErrConflict
	}
	k.AllowedProjects = append([]string(nil), k.AllowedProjects...)
	k.Permissions = append([]string(nil), k.Permissions...)
	s.svcKeys[k.ID] = k
	s.svcByHash[k.KeyHash] = k.ID
	return nil
}

func (s *Store) ServiceKeyByHash(_ context.Context, hash string) (auth.ServiceKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.svcByHash[hash]
	if !ok {
		return auth.ServiceKey{}, auth.ErrNotFound
	}
	k := s.svcKeys[id]
	k.AllowedProjects = append([]string(nil), k.AllowedProjects...)
	k.Permissions = append([]string(nil), k.Permissions...)
	return k, nil
}

func (s *Store) TouchServiceKey(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.svcKeys[id]
	if !ok {
		return auth.ErrNotFound
	}
	k.LastUsedAt = &at
	s.svcKeys[id] = k
	return nil
}

// --- projects ---

func (s *Store) UpsertProject(_ context.Context, p auth.Project) (auth.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.projects[p.Code]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	s.projects[p.Code] = p
	return p, nil
}

func (s *Store) ProjectByCode(_ context.Context, code string) (auth.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[code]
	if !ok {
		return auth.Project{}, auth.ErrNotFound
	}
	return p, nil
}

// --- rbac ---

func (s *Store) EnsurePermission(_ context.Context, p auth.Permission) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.perms {
		if existing.Code == p.Code {
			return existing, nil
		}
	}
	if p.ProjectCode != "" {
		if _, ok := s.projects[p.ProjectCode]; !ok {
			return auth.Permission{}, auth.ErrNotFound
		}
	}
	s.perms[p.ID] = p
	return p, nil
}

func (s *Store) EnsureRole(_ context.Context, r auth.Role) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.Code == r.Code && existing.ProjectCode == r.ProjectCode {
			return existing, nil
		}
	}
	if r.ProjectCode != "" {
		if _, ok := s.projects[r.ProjectCode]; !ok {
			return auth.Role{}, auth.ErrNotFound
		}
	}
	s.roles[r.ID] = r
	return r, nil
}

func (s *Store) RoleByCode(_ context.Context, projectCode, code string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles {
		if r.Code == code && r.ProjectCode == projectCode {
			return r, nil
		}
	}
	return auth.Role{}, auth.ErrNotFound
}

func (s *Store) SetRolePermissions(_ context.Context, roleID string, permissionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	for _, id := range permissionIDs {
		if _, ok := s.perms[id]; !ok {
			return auth.ErrNotFound
		}
	}
	s.rolePerms[roleID] = append([]string(nil), permissionIDs...)
	return nil
}

func (s *Store) ProjectPermissions(_ context.Context, projectCode string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, p := range s.perms {
		if p.ProjectCode == projectCode {
			out = append(out, p.Code)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ActiveAssignments(_ context.Context, principalID, projectCode string) ([]auth.ScopedAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.ScopedAssignment
	for _, a := range s.assignments {
		if a.PrincipalID != principalID || !a.IsActive {
			continue
		}
		if a.ProjectCode != "" && a.ProjectCode != projectCode {
			continue
		}
		role, ok := s.roles[a.RoleID]
		if !ok {
			continue
		}
		var codes []string
		for _, pid := range s.rolePerms[a.RoleID] {
			if p, ok := s.perms[pid]; ok {
				codes = append(codes, p.Code)
			}
		}
		out = append(out, auth.ScopedAssignment{Assignment: copyAssignment(a), Role: role, Permissions: codes})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Assignment.ID < out[j].Assignment.ID })
	return out, nil
}

func (s *Store) GrantAssignment(_ context.Context, a auth.RoleAssignment) (auth.RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[a.PrincipalID]; !ok {
		return auth.RoleAssignment{}, auth.ErrNotFound
	}
	if _, ok := s.roles[a.RoleID]; !ok {
		return auth.RoleAssignment{}, auth.ErrNotFound
	}
	if a.ProjectCode != "" {
		if _, ok := s.projects[a.ProjectCode]; !ok {
			return auth.RoleAssignment{}, auth.ErrNotFound
		}
	}
	for id, existing := range s.assignments {
		if existing.PrincipalID != a.PrincipalID || existing.RoleID != a.RoleID || existing.ProjectCode != a.ProjectCode {
			continue
		}
		if existing.Effective(a.GrantedAt) {
			return auth.RoleAssignment{}, auth.ErrConflict
		}
		existing.GrantedBy = a.GrantedBy
		existing.GrantedAt = a.GrantedAt
		existing.ExpiresAt = a.ExpiresAt
		existing.IsActive = true
		s.assignments[id] = existing
		return copyAssignment(existing), nil
	}
	a.IsActive = true
	s.assignments[a.ID] = copyAssignment(a)
	return copyAssignment(a), nil
}

func (s *Store) RevokeAssignment(_ context.Context, principalID, roleID, projectCode string) (auth.RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.assignments {
		if a.PrincipalID == principalID && a.RoleID == roleID && a.ProjectCode == projectCode && a.IsActive {
			a.IsActive = false
			s.assignments[id] = a
			return copyAssignment(a), nil
		}
	}
	return auth.RoleAssignment{}, auth.ErrNotFound
}

func (s *Store) DeactivateAssignment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return auth.ErrNotFound
	}
	a.IsActive = false
	s.assignments[id] = a
	return nil
}

func (s *Store) DeactivateExpiredAssignments(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var principals []string
	for id, a := range s.assignments {
		if !a.IsActive || !a.Expired(now) {
			continue
		}
		a.IsActive = false
		s.assignments[id] = a
		if _, ok := seen[a.PrincipalID]; !ok {
			seen[a.PrincipalID] = struct{}{}
			principals = append(principals, a.PrincipalID)
		}
	}
	sort.Strings(principals)
	return principals, nil
}

// Assignment returns a stored assignment by id.
func (s *Store) Assignment(id string) (auth.RoleAssignment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	return copyAssignment(a), ok
}

// --- authorization codes ---

func (s *Store) CreateAuthCode(_ context.Context, c auth.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[c.Code]; ok {
		return auth.ErrConflict
	}
	s.codes[c.Code] = c
	return nil
}

func (s *Store) ConsumeAuthCode(_ context.Context, code string, now time.Time) (auth.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	switch {
	case !ok:
		return auth.AuthorizationCode{}, auth.ErrNotFound
	case c.IsUsed:
		return auth.AuthorizationCode{}, auth.ErrConflict
	case !now.Before(c.ExpiresAt):
		return auth.AuthorizationCode{}, auth.ErrExpired
	}
	c.IsUsed = true
	c.UsedAt = &now
	s.codes[code] = c
	return c, nil
}

func copyAssignment(a auth.RoleAssignment) auth.RoleAssignment {
	if a.ExpiresAt != nil {
		exp := *a.ExpiresAt
		a.ExpiresAt = &exp
	}
	return a
}
