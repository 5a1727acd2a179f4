package authz

import (
	"fmt"
	"strings"
)

// Scope names the kind of resource a membership is attached to.
type Scope string

const (
	ScopeWorkspace Scope = "workspace"
	ScopeProject   Scope = "project"
)

// Role is a membership role. The same names are used in both scopes but each
// scope ranks them through its own table.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
	RoleViewer Role = "VIEWER"
)

var ranks = map[Scope]map[Role]int{
	ScopeWorkspace: {RoleOwner: 4, RoleAdmin: 3, RoleMember: 2, RoleViewer: 1},
	ScopeProject:   {RoleOwner: 4, RoleAdmin: 3, RoleMember: 2, RoleViewer: 1},
}

// assignable lists the roles a membership row may hold in each scope. A
// project member is never VIEWER; that rank exists only so an inherited
// workspace VIEWER can be compared against project requirements.
var assignable = map[Scope]map[Role]bool{
	ScopeWorkspace: {RoleOwner: true, RoleAdmin: true, RoleMember: true, RoleViewer: true},
	ScopeProject:   {RoleOwner: true, RoleAdmin: true, RoleMember: true},
}

// Rank returns the role's position in the scope's table, or 0 when the role
// does not exist there. Zero never satisfies any requirement.
func (s Scope) Rank(r Role) int {
	return ranks[s][r]
}

// ParseRole normalises a role name and checks that it can be assigned in
// the scope.
func (s Scope) ParseRole(raw string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(raw)))
	if !assignable[s][r] {
		return "", &ValidationError{Fields: map[string]string{"role": fmt.Sprintf("unknown %s role %q", s, raw)}}
	}
	return r, nil
}

// Action is an operation guarded by the policy table.
type Action string

const (
	ActionView          Action = "view"
	ActionCreateProject Action = "create_project"
	ActionUpdate        Action = "update"
	ActionManageMembers Action = "manage_members"
	ActionArchive       Action = "archive"
	ActionDelete        Action = "delete"
)

var policy = map[Scope]map[Action]Role{
	ScopeWorkspace: {
		ActionView:          RoleViewer,
		ActionCreateProject: RoleMember,
		ActionUpdate:        RoleAdmin,
		ActionManageMembers: RoleAdmin,
		ActionDelete:        RoleOwner,
	},
	ScopeProject: {
		ActionView:          RoleViewer,
		ActionUpdate:        RoleAdmin,
		ActionManageMembers: RoleAdmin,
		ActionArchive:       RoleAdmin,
		ActionDelete:        RoleOwner,
	},
}

// MinimumRole reports the least role allowed to perform action on scope.
func MinimumRole(scope Scope, action Action) (Role, bool) {
	r, ok := policy[scope][action]
	return r, ok
}
