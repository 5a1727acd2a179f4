package authz

import "time"

// Resource points at a workspace or a project. WorkspaceID may be left empty
// for projects; the resolver then looks the owning workspace up.
type Resource struct {
	Scope       Scope
	ID          string
	WorkspaceID string
}

func WorkspaceRef(id string) Resource { return Resource{Scope: ScopeWorkspace, ID: id, WorkspaceID: id} }
func ProjectRef(id string) Resource   { return Resource{Scope: ScopeProject, ID: id} }

func (r Resource) String() string { return string(r.Scope) + ":" + r.ID }

type Workspace struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Description  string    `json:"description,omitempty" db:"description"`
	Slug         string    `json:"slug" db:"slug"`
	Active       bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
	MemberCount  int       `json:"member_count" db:"-"`
	ProjectCount int       `json:"project_count" db:"-"`
}

type WorkspaceUpdate struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Slug        *string `json:"slug"`
}

type ProjectStatus string

const (
	StatusPlanning  ProjectStatus = "PLANNING"
	StatusActive    ProjectStatus = "ACTIVE"
	StatusOnHold    ProjectStatus = "ON_HOLD"
	StatusCompleted ProjectStatus = "COMPLETED"
	StatusArchived  ProjectStatus = "ARCHIVED"
)

func (s ProjectStatus) valid() bool {
	switch s {
	case StatusPlanning, StatusActive, StatusOnHold, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

type Project struct {
	ID          string        `json:"id" db:"id"`
	WorkspaceID string        `json:"workspace_id" db:"workspace_id"`
	Name        string        `json:"name" db:"name"`
	Description string        `json:"description,omitempty" db:"description"`
	Key         string        `json:"key" db:"project_key"`
	Status      ProjectStatus `json:"status" db:"status"`
	StartDate   *time.Time    `json:"start_date,omitempty" db:"start_date"`
	EndDate     *time.Time    `json:"end_date,omitempty" db:"end_date"`
	Budget      *float64      `json:"budget,omitempty" db:"budget"`
	Active      bool          `json:"is_active" db:"is_active"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
	MemberCount int           `json:"member_count" db:"-"`
}

type ProjectUpdate struct {
	Name        *string        `json:"name"`
	Description *string        `json:"description"`
	Key         *string        `json:"key"`
	Status      *ProjectStatus `json:"status"`
	StartDate   *time.Time     `json:"start_date"`
	EndDate     *time.Time     `json:"end_date"`
	Budget      *float64       `json:"budget"`
}

// Member is one (resource, principal, role) relation.
type Member struct {
	ResourceID  string    `json:"-" db:"resource_id"`
	PrincipalID string    `json:"user_id" db:"principal_id"`
	Role        Role      `json:"role" db:"role"`
	JoinedAt    time.Time `json:"joined_at" db:"joined_at"`
}

// Grant is the outcome of role resolution. Source is the scope whose
// membership supplied the role; an empty Role means no access.
type Grant struct {
	Role        Role
	Source      Scope
	WorkspaceID string
}

func (g Grant) None() bool { return g.Role == "" }
