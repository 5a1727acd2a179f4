package authz

import "context"

// MembershipReader is the read side the resolver needs.
type MembershipReader interface {
	// MemberRole returns ErrNotFound when the principal holds no membership.
	MemberRole(ctx context.Context, scope Scope, resourceID, principalID string) (Role, error)
	// ProjectWorkspace returns the owning workspace of an active project
	// inside an active workspace, or ErrNotFound.
	ProjectWorkspace(ctx context.Context, projectID string) (string, error)
}

// Store persists workspaces, projects and their memberships. Implementations
// must make RemoveMember and ChangeRole refuse, atomically, to leave a
// resource without an OWNER.
type Store interface {
	MembershipReader

	// CreateWorkspace inserts the workspace together with the owner membership.
	CreateWorkspace(ctx context.Context, ws *Workspace, ownerID string) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context, principalID string) ([]Workspace, error)
	UpdateWorkspace(ctx context.Context, id string, upd WorkspaceUpdate) (*Workspace, error)
	DeactivateWorkspace(ctx context.Context, id string) error
	CountProjects(ctx context.Context, workspaceID string) (int, error)

	CreateProject(ctx context.Context, p *Project, ownerID string) error
	GetProject(ctx context.Context, id string) (*Project, error)
	// ListProjects returns active projects the principal can see through a
	// project or workspace membership, optionally limited to one workspace.
	ListProjects(ctx context.Context, principalID, workspaceID string) ([]Project, error)
	UpdateProject(ctx context.Context, id string, upd ProjectUpdate) (*Project, error)
	DeactivateProject(ctx context.Context, id string) error

	ListMembers(ctx context.Context, scope Scope, resourceID string) ([]Member, error)
	CountMembers(ctx context.Context, scope Scope, resourceID string) (int, error)
	AddMember(ctx context.Context, scope Scope, m Member) error
	RemoveMember(ctx context.Context, scope Scope, resourceID, principalID string) error
	ChangeRole(ctx context.Context, scope Scope, resourceID, principalID string, role Role) error
}
