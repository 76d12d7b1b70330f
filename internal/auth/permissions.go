package auth

import "sort"

const (
	// PermissionAll in a key grant set stands for every permission.
	PermissionAll = "*"
	// PermManageRoles gates role assignment management within a project.
	PermManageRoles = "users.manage"
)

// DefaultRole describes a role created for every newly set up project.
type DefaultRole struct {
	Suffix      string
	Name        string
	Permissions []string
}

// DefaultPermissions are created for every project, as <project>.<suffix>.
var DefaultPermissions = []Permission{
	{Code: "dashboard.view", ResourceType: "dashboard", Action: "view"},
	{Code: "data.view", ResourceType: "data", Action: "view"},
	{Code: "data.edit", ResourceType: "data", Action: "edit"},
	{Code: "data.delete", ResourceType: "data", Action: "delete"},
	{Code: "users.manage", ResourceType: "users", Action: "manage"},
	{Code: "admin.access", ResourceType: "admin", Action: "access"},
}

// DefaultRoles are created for every project, as <project>.<suffix>.
var DefaultRoles = []DefaultRole{
	{Suffix: "viewer", Name: "Viewer", Permissions: []string{"dashboard.view", "data.view"}},
	{Suffix: "editor", Name: "Editor", Permissions: []string{"dashboard.view", "data.view", "data.edit"}},
	{Suffix: "admin", Name: "Administrator", Permissions: []string{
		"dashboard.view", "data.view", "data.edit", "data.delete", "users.manage", "admin.access",
	}},
}

// ProjectPermission qualifies a permission suffix with a project code.
func ProjectPermission(project, suffix string) string {
	return project + "." + suffix
}

// PermissionSet is a resolved set of permission codes.
type PermissionSet struct {
	all   bool
	codes map[string]struct{}
}

// NewPermissionSet builds a set from codes.
func NewPermissionSet(codes ...string) PermissionSet {
	set := PermissionSet{codes: make(map[string]struct{}, len(codes))}
	for _, c := range codes {
		set.codes[c] = struct{}{}
	}
	return set
}

// AllPermissions is the superuser set.
func AllPermissions() PermissionSet {
	return PermissionSet{all: true}
}

// All reports whether the set is the superuser set.
func (p PermissionSet) All() bool { return p.all }

// Has reports membership.
func (p PermissionSet) Has(code string) bool {
	if p.all {
		return true
	}
	_, ok := p.codes[code]
	return ok
}

// Len returns the number of explicit codes.
func (p PermissionSet) Len() int { return len(p.codes) }

// Codes returns the explicit codes sorted.
func (p PermissionSet) Codes() []string {
	out := make([]string, 0, len(p.codes))
	for c := range p.codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
