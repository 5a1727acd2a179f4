package authz

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"tessera.dev/internal/audit"
	"tessera.dev/internal/ids"
	"tessera.dev/internal/obs"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Service implements workspace and project management on top of the resolver.
// Every method takes the acting principal explicitly.
type Service struct {
	store    Store
	resolver *Resolver
}

func NewService(store Store) *Service {
	return &Service{store: store, resolver: NewResolver(store)}
}

func (s *Service) Resolver() *Resolver { return s.resolver }

type CreateWorkspaceInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Slug        string `json:"slug"`
}

type CreateProjectInput struct {
	WorkspaceID string     `json:"workspace_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Key         string     `json:"key"`
	StartDate   *time.Time `json:"start_date"`
	EndDate     *time.Time `json:"end_date"`
	Budget      *float64   `json:"budget"`
}

type AddMemberInput struct {
	PrincipalID string `json:"user_id"`
	Role        string `json:"role"`
}

// Workspaces ---------------------------------------------------------------

func (s *Service) CreateWorkspace(ctx context.Context, actorID string, in CreateWorkspaceInput) (*Workspace, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Slug = strings.TrimSpace(in.Slug)
	fe := fieldErrors{}
	validateName(fe, in.Name)
	validateDescription(fe, in.Description)
	validateSlug(fe, in.Slug)
	if err := fe.err(); err != nil {
		return nil, err
	}
	ws := &Workspace{ID: ids.New(), Name: in.Name, Description: in.Description, Slug: in.Slug}
	if err := s.store.CreateWorkspace(ctx, ws, actorID); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: workspace slug %q is taken", ErrConflict, in.Slug)
		}
		return nil, err
	}
	ws.MemberCount = 1
	obs.Logger().InfoContext(ctx, "workspace_created", "workspace_id", ws.ID, "slug", ws.Slug)
	_ = audit.LogEvent(ctx, "workspace.created", map[string]any{"workspace_id": ws.ID, "slug": ws.Slug})
	return ws, nil
}

func (s *Service) ListWorkspaces(ctx context.Context, actorID string) ([]Workspace, error) {
	return s.store.ListWorkspaces(ctx, actorID)
}

func (s *Service) GetWorkspace(ctx context.Context, actorID, id string) (*Workspace, error) {
	ws, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Authorize(ctx, actorID, WorkspaceRef(id), ActionView); err != nil {
		return nil, err
	}
	if ws.MemberCount, err = s.store.CountMembers(ctx, ScopeWorkspace, id); err != nil {
		return nil, err
	}
	if ws.ProjectCount, err = s.store.CountProjects(ctx, id); err != nil {
		return nil, err
	}
	return ws, nil
}

func (s *Service) UpdateWorkspace(ctx context.Context, actorID, id string, upd WorkspaceUpdate) (*Workspace, error) {
	if _, err := s.store.GetWorkspace(ctx, id); err != nil {
		return nil, err
	}
	if _, err := s.resolver.Authorize(ctx, actorID, WorkspaceRef(id), ActionUpdate); err != nil {
		return nil, err
	}
	fe := fieldErrors{}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		upd.Name = &name
		validateName(fe, name)
	}
	if upd.Description != nil {
		validateDescription(fe, *upd.Description)
	}
	if upd.Slug != nil {
		slug := strings.TrimSpace(*upd.Slug)
		upd.Slug = &slug
		validateSlug(fe, slug)
	}
	if err := fe.err(); err != nil {
		return nil, err
	}
	ws, err := s.store.UpdateWorkspace(ctx, id, upd)
	if errors.Is(err, ErrConflict) {
		return nil, fmt.Errorf("%w: workspace slug %q is taken", ErrConflict, *upd.Slug)
	}
	return ws, err
}

// DeleteWorkspace soft-deletes the workspace. Only an OWNER may do it.
func (s *Service) DeleteWorkspace(ctx context.Context, actorID, id string) error {
	if _, err := s.store.GetWorkspace(ctx, id); err != nil {
		return err
	}
	if _, err := s.resolver.Authorize(ctx, actorID, WorkspaceRef(id), ActionDelete); err != nil {
		return err
	}
	if err := s.store.DeactivateWorkspace(ctx, id); err != nil {
		return err
	}
	obs.Logger().InfoContext(ctx, "workspace_deleted", "workspace_id", id)
	_ = audit.LogEvent(ctx, "workspace.deleted", map[string]any{"workspace_id": id})
	return nil
}

func (s *Service) ListWorkspaceMembers(ctx context.Context, actorID, id string) ([]Member, error) {
	if _, err := s.store.GetWorkspace(ctx, id); err != nil {
		return nil, err
	}
	return s.listMembers(ctx, actorID, WorkspaceRef(id))
}

func (s *Service) AddWorkspaceMember(ctx context.Context, actorID, id string, in AddMemberInput) (*Member, error) {
	if _, err := s.store.GetWorkspace(ctx, id); err != nil {
		return nil, err
	}
	return s.addMember(ctx, actorID, WorkspaceRef(id), in)
}

func (s *Service) RemoveWorkspaceMember(ctx context.Context, actorID, id, memberID string) error {
	if _, err := s.store.GetWorkspace(ctx, id); err != nil {
		return err
	}
	return s.removeMember(ctx, actorID, WorkspaceRef(id), memberID)
}

func (s *Service) ChangeWorkspaceMemberRole(ctx context.Context, actorID, id, memberID, role string) (*Member, error) {
	if _, err := s.store.GetWorkspace(ctx, id); err != nil {
		return nil, err
	}
	return s.changeRole(ctx, actorID, WorkspaceRef(id), memberID, role)
}

// Projects -----------------------------------------------------------------

// CreateProject requires at least MEMBER in the workspace. The creator
// becomes the project OWNER and the key is stored upper-cased.
func (s *Service) CreateProject(ctx context.Context, actorID string, in CreateProjectInput) (*Project, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Key = strings.ToUpper(strings.TrimSpace(in.Key))
	fe := fieldErrors{}
	if strings.TrimSpace(in.WorkspaceID) == "" {
		fe.add("workspace_id", "is required")
	}
	validateName(fe, in.Name)
	validateDescription(fe, in.Description)
	validateKey(fe, in.Key)
	validateSchedule(fe, in.StartDate, in.EndDate, in.Budget)
	if err := fe.err(); err != nil {
		return nil, err
	}
	if _, err := s.store.GetWorkspace(ctx, in.WorkspaceID); err != nil {
		return nil, err
	}
	if _, err := s.resolver.Authorize(ctx, actorID, WorkspaceRef(in.WorkspaceID), ActionCreateProject); err != nil {
		return nil, err
	}
	p := &Project{
		ID:          ids.New(),
		WorkspaceID: in.WorkspaceID,
		Name:        in.Name,
		Description: in.Description,
		Key:         in.Key,
		Status:      StatusActive,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		Budget:      in.Budget,
	}
	if err := s.store.CreateProject(ctx, p, actorID); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: project key %q already exists in this workspace", ErrConflict, in.Key)
		}
		return nil, err
	}
	p.MemberCount = 1
	obs.Logger().InfoContext(ctx, "project_created", "project_id", p.ID, "workspace_id", p.WorkspaceID, "key", p.Key)
	_ = audit.LogEvent(ctx, "project.created", map[string]any{"project_id": p.ID, "workspace_id": p.WorkspaceID})
	return p, nil
}

// ListProjects returns the projects visible to the actor. A non-empty
// workspaceID limits the list and requires workspace membership.
func (s *Service) ListProjects(ctx context.Context, actorID, workspaceID string) ([]Project, error) {
	if workspaceID != "" {
		if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
			return nil, err
		}
		if _, err := s.resolver.Authorize(ctx, actorID, WorkspaceRef(workspaceID), ActionView); err != nil {
			return nil, err
		}
	}
	return s.store.ListProjects(ctx, actorID, workspaceID)
}

func (s *Service) GetProject(ctx context.Context, actorID, id string) (*Project, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Authorize(ctx, actorID, projectRes(p), ActionView); err != nil {
		return nil, err
	}
	if p.MemberCount, err = s.store.CountMembers(ctx, ScopeProject, id); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) UpdateProject(ctx context.Context, actorID, id string, upd ProjectUpdate) (*Project, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Authorize(ctx, actorID, projectRes(p), ActionUpdate); err != nil {
		return nil, err
	}
	fe := fieldErrors{}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		upd.Name = &name
		validateName(fe, name)
	}
	if upd.Description != nil {
		validateDescription(fe, *upd.Description)
	}
	if upd.Key != nil {
		key := strings.ToUpper(strings.TrimSpace(*upd.Key))
		upd.Key = &key
		validateKey(fe, key)
	}
	if upd.Status != nil && !upd.Status.valid() {
		fe.add("status", "unknown project status")
	}
	start, end := p.StartDate, p.EndDate
	if upd.StartDate != nil {
		start = upd.StartDate
	}
	if upd.EndDate != nil {
		end = upd.EndDate
	}
	validateSchedule(fe, start, end, upd.Budget)
	if err := fe.err(); err != nil {
		return nil, err
	}
	out, err := s.store.UpdateProject(ctx, id, upd)
	if errors.Is(err, ErrConflict) {
		return nil, fmt.Errorf("%w: project key %q already exists in this workspace", ErrConflict, *upd.Key)
	}
	return out, err
}

// ArchiveProject moves the project to ARCHIVED. It stays readable.
func (s *Service) ArchiveProject(ctx context.Context, actorID, id string) (*Project, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Authorize(ctx, actorID, projectRes(p), ActionArchive); err != nil {
		return nil, err
	}
	status := StatusArchived
	out, err := s.store.UpdateProject(ctx, id, ProjectUpdate{Status: &status})
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "project.archived", map[string]any{"project_id": id})
	return out, nil
}

func (s *Service) DeleteProject(ctx context.Context, actorID, id string) error {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.resolver.Authorize(ctx, actorID, projectRes(p), ActionDelete); err != nil {
		return err
	}
	if err := s.store.DeactivateProject(ctx, id); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "project.deleted", map[string]any{"project_id": id})
	return nil
}

func (s *Service) ListProjectMembers(ctx context.Context, actorID, id string) ([]Member, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.listMembers(ctx, actorID, projectRes(p))
}

// AddProjectMember requires the new member to belong to the owning workspace.
func (s *Service) AddProjectMember(ctx context.Context, actorID, id string, in AddMemberInput) (*Member, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.addMember(ctx, actorID, projectRes(p), in)
}

func (s *Service) RemoveProjectMember(ctx context.Context, actorID, id, memberID string) error {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return err
	}
	return s.removeMember(ctx, actorID, projectRes(p), memberID)
}

func (s *Service) ChangeProjectMemberRole(ctx context.Context, actorID, id, memberID, role string) (*Member, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.changeRole(ctx, actorID, projectRes(p), memberID, role)
}

func projectRes(p *Project) Resource {
	return Resource{Scope: ScopeProject, ID: p.ID, WorkspaceID: p.WorkspaceID}
}

// Memberships --------------------------------------------------------------

func (s *Service) listMembers(ctx context.Context, actorID string, res Resource) ([]Member, error) {
	if _, err := s.resolver.Authorize(ctx, actorID, res, ActionView); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, res.Scope, res.ID)
}

func (s *Service) addMember(ctx context.Context, actorID string, res Resource, in AddMemberInput) (*Member, error) {
	if _, err := s.resolver.Authorize(ctx, actorID, res, ActionManageMembers); err != nil {
		return nil, err
	}
	fe := fieldErrors{}
	principalID := strings.TrimSpace(in.PrincipalID)
	if principalID == "" {
		fe.add("user_id", "is required")
	}
	if strings.TrimSpace(in.Role) == "" {
		fe.add("role", "is required")
	}
	if err := fe.err(); err != nil {
		return nil, err
	}
	role, err := res.Scope.ParseRole(in.Role)
	if err != nil {
		return nil, err
	}
	if role == RoleOwner {
		return nil, ErrOwnerViaAdd
	}
	if res.Scope == ScopeProject {
		if _, err := s.store.MemberRole(ctx, ScopeWorkspace, res.WorkspaceID, principalID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrNotWorkspaceMember
			}
			return nil, err
		}
	}
	m := Member{ResourceID: res.ID, PrincipalID: principalID, Role: role, JoinedAt: time.Now().UTC()}
	if err := s.store.AddMember(ctx, res.Scope, m); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: user is already a member of this %s", ErrConflict, res.Scope)
		}
		return nil, err
	}
	s.logMembership(ctx, "member.added", res, principalID, role)
	return &m, nil
}

// removeMember refuses self-removal and acting on a higher-ranked member. The
// store refuses removing the last OWNER regardless of who asks.
func (s *Service) removeMember(ctx context.Context, actorID string, res Resource, memberID string) error {
	g, err := s.resolver.Authorize(ctx, actorID, res, ActionManageMembers)
	if err != nil {
		return err
	}
	if memberID == actorID {
		return ErrSelfRemoval
	}
	target, err := s.store.MemberRole(ctx, res.Scope, res.ID, memberID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: member not found in %s", ErrNotFound, res.Scope)
		}
		return err
	}
	if res.Scope.Rank(target) > res.Scope.Rank(g.Role) {
		return ErrOutranked
	}
	if err := s.store.RemoveMember(ctx, res.Scope, res.ID, memberID); err != nil {
		return err
	}
	s.logMembership(ctx, "member.removed", res, memberID, target)
	return nil
}

func (s *Service) changeRole(ctx context.Context, actorID string, res Resource, memberID, rawRole string) (*Member, error) {
	g, err := s.resolver.Authorize(ctx, actorID, res, ActionManageMembers)
	if err != nil {
		return nil, err
	}
	role, err := res.Scope.ParseRole(rawRole)
	if err != nil {
		return nil, err
	}
	current, err := s.store.MemberRole(ctx, res.Scope, res.ID, memberID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: member not found in %s", ErrNotFound, res.Scope)
		}
		return nil, err
	}
	actorRank := res.Scope.Rank(g.Role)
	if res.Scope.Rank(current) > actorRank {
		return nil, ErrOutranked
	}
	if res.Scope.Rank(role) > actorRank {
		return nil, fmt.Errorf("%w: cannot grant %s", ErrAccessDenied, role)
	}
	if err := s.store.ChangeRole(ctx, res.Scope, res.ID, memberID, role); err != nil {
		return nil, err
	}
	s.logMembership(ctx, "member.role_changed", res, memberID, role)
	return &Member{ResourceID: res.ID, PrincipalID: memberID, Role: role}, nil
}

func (s *Service) logMembership(ctx context.Context, event string, res Resource, principalID string, role Role) {
	obs.Logger().InfoContext(ctx, "membership_changed", "event", event, "resource", res.String(), "member", principalID, "role", string(role))
	_ = audit.LogEvent(ctx, event, map[string]any{
		"scope":       string(res.Scope),
		"resource_id": res.ID,
		"member_id":   principalID,
		"role":        string(role),
	})
}

// Validation ---------------------------------------------------------------

func validateName(fe fieldErrors, name string) {
	switch n := utf8.RuneCountInString(name); {
	case n == 0:
		fe.add("name", "is required")
	case n < 2 || n > 100:
		fe.add("name", "must be between 2 and 100 characters")
	}
}

func validateDescription(fe fieldErrors, desc string) {
	if utf8.RuneCountInString(desc) > 500 {
		fe.add("description", "must not exceed 500 characters")
	}
}

func validateSlug(fe fieldErrors, slug string) {
	switch {
	case slug == "":
		fe.add("slug", "is required")
	case len(slug) < 2 || len(slug) > 50:
		fe.add("slug", "must be between 2 and 50 characters")
	case !slugPattern.MatchString(slug):
		fe.add("slug", "must be lowercase alphanumeric with hyphens")
	}
}

func validateKey(fe fieldErrors, key string) {
	switch n := utf8.RuneCountInString(key); {
	case n == 0:
		fe.add("key", "is required")
	case n < 2 || n > 10:
		fe.add("key", "must be between 2 and 10 characters")
	}
}

func validateSchedule(fe fieldErrors, start, end *time.Time, budget *float64) {
	if start != nil && end != nil && end.Before(*start) {
		fe.add("end_date", "must not be before start_date")
	}
	if budget != nil && *budget < 0 {
		fe.add("budget", "must not be negative")
	}
}
