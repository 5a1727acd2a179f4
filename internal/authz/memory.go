package authz

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is the in-process Store used by tests and single-instance
// development runs. One mutex serialises every call.
type MemoryStore struct {
	mu          sync.Mutex
	workspaces  map[string]*Workspace
	slugs       map[string]string
	projects    map[string]*Project
	projectKeys map[string]string
	members     map[Scope]map[string]map[string]*Member
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces:  make(map[string]*Workspace),
		slugs:       make(map[string]string),
		projects:    make(map[string]*Project),
		projectKeys: make(map[string]string),
		members: map[Scope]map[string]map[string]*Member{
			ScopeWorkspace: {},
			ScopeProject:   {},
		},
	}
}

func projectKey(workspaceID, key string) string { return workspaceID + "|" + strings.ToUpper(key) }

func (m *MemoryStore) MemberRole(_ context.Context, scope Scope, resourceID, principalID string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[scope][resourceID][principalID]
	if !ok {
		return "", ErrNotFound
	}
	return mem.Role, nil
}

func (m *MemoryStore) ProjectWorkspace(_ context.Context, projectID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.activeProject(projectID)
	if !ok {
		return "", ErrNotFound
	}
	return p.WorkspaceID, nil
}

func (m *MemoryStore) activeProject(id string) (*Project, bool) {
	p, ok := m.projects[id]
	if !ok || !p.Active {
		return nil, false
	}
	ws, ok := m.workspaces[p.WorkspaceID]
	if !ok || !ws.Active {
		return nil, false
	}
	return p, true
}

// Workspaces ---------------------------------------------------------------

func (m *MemoryStore) CreateWorkspace(_ context.Context, ws *Workspace, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slugs[ws.Slug]; ok {
		return ErrConflict
	}
	now := time.Now().UTC()
	ws.Active = true
	ws.CreatedAt, ws.UpdatedAt = now, now
	cp := *ws
	m.workspaces[ws.ID] = &cp
	m.slugs[ws.Slug] = ws.ID
	m.putMember(ScopeWorkspace, Member{ResourceID: ws.ID, PrincipalID: ownerID, Role: RoleOwner, JoinedAt: now})
	return nil
}

func (m *MemoryStore) GetWorkspace(_ context.Context, id string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok || !ws.Active {
		return nil, ErrNotFound
	}
	cp := *ws
	return &cp, nil
}

func (m *MemoryStore) ListWorkspaces(_ context.Context, principalID string) ([]Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Workspace
	for id, byPrincipal := range m.members[ScopeWorkspace] {
		if _, ok := byPrincipal[principalID]; !ok {
			continue
		}
		if ws := m.workspaces[id]; ws != nil && ws.Active {
			out = append(out, *ws)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpdateWorkspace(_ context.Context, id string, upd WorkspaceUpdate) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok || !ws.Active {
		return nil, ErrNotFound
	}
	if upd.Slug != nil && *upd.Slug != ws.Slug {
		if _, taken := m.slugs[*upd.Slug]; taken {
			return nil, ErrConflict
		}
		delete(m.slugs, ws.Slug)
		m.slugs[*upd.Slug] = id
		ws.Slug = *upd.Slug
	}
	if upd.Name != nil {
		ws.Name = *upd.Name
	}
	if upd.Description != nil {
		ws.Description = *upd.Description
	}
	ws.UpdatedAt = time.Now().UTC()
	cp := *ws
	return &cp, nil
}

func (m *MemoryStore) DeactivateWorkspace(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok || !ws.Active {
		return ErrNotFound
	}
	ws.Active = false
	ws.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CountProjects(_ context.Context, workspaceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.projects {
		if p.WorkspaceID == workspaceID && p.Active {
			n++
		}
	}
	return n, nil
}

// Projects -----------------------------------------------------------------

func (m *MemoryStore) CreateProject(_ context.Context, p *Project, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.workspaces[p.WorkspaceID]; !ok || !ws.Active {
		return ErrNotFound
	}
	key := projectKey(p.WorkspaceID, p.Key)
	if _, ok := m.projectKeys[key]; ok {
		return ErrConflict
	}
	now := time.Now().UTC()
	p.Active = true
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	m.projects[p.ID] = &cp
	m.projectKeys[key] = p.ID
	m.putMember(ScopeProject, Member{ResourceID: p.ID, PrincipalID: ownerID, Role: RoleOwner, JoinedAt: now})
	return nil
}

func (m *MemoryStore) GetProject(_ context.Context, id string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.activeProject(id)
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListProjects(_ context.Context, principalID, workspaceID string) ([]Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Project
	for id, p := range m.projects {
		if workspaceID != "" && p.WorkspaceID != workspaceID {
			continue
		}
		if _, ok := m.activeProject(id); !ok {
			continue
		}
		_, viaProject := m.members[ScopeProject][id][principalID]
		_, viaWorkspace := m.members[ScopeWorkspace][p.WorkspaceID][principalID]
		if viaProject || viaWorkspace {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) UpdateProject(_ context.Context, id string, upd ProjectUpdate) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.activeProject(id)
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Key != nil && !strings.EqualFold(*upd.Key, p.Key) {
		next := projectKey(p.WorkspaceID, *upd.Key)
		if _, taken := m.projectKeys[next]; taken {
			return nil, ErrConflict
		}
		delete(m.projectKeys, projectKey(p.WorkspaceID, p.Key))
		m.projectKeys[next] = id
		p.Key = strings.ToUpper(*upd.Key)
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.Status != nil {
		p.Status = *upd.Status
	}
	if upd.StartDate != nil {
		t := *upd.StartDate
		p.StartDate = &t
	}
	if upd.EndDate != nil {
		t := *upd.EndDate
		p.EndDate = &t
	}
	if upd.Budget != nil {
		b := *upd.Budget
		p.Budget = &b
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) DeactivateProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.activeProject(id)
	if !ok {
		return ErrNotFound
	}
	p.Active = false
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Memberships --------------------------------------------------------------

func (m *MemoryStore) putMember(scope Scope, mem Member) {
	byPrincipal, ok := m.members[scope][mem.ResourceID]
	if !ok {
		byPrincipal = make(map[string]*Member)
		m.members[scope][mem.ResourceID] = byPrincipal
	}
	byPrincipal[mem.PrincipalID] = &mem
}

func (m *MemoryStore) ListMembers(_ context.Context, scope Scope, resourceID string) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Member, 0, len(m.members[scope][resourceID]))
	for _, mem := range m.members[scope][resourceID] {
		out = append(out, *mem)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].PrincipalID < out[j].PrincipalID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (m *MemoryStore) CountMembers(_ context.Context, scope Scope, resourceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.members[scope][resourceID]), nil
}

func (m *MemoryStore) AddMember(_ context.Context, scope Scope, mem Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[scope][mem.ResourceID][mem.PrincipalID]; ok {
		return ErrConflict
	}
	if mem.JoinedAt.IsZero() {
		mem.JoinedAt = time.Now().UTC()
	}
	m.putMember(scope, mem)
	return nil
}

func (m *MemoryStore) RemoveMember(_ context.Context, scope Scope, resourceID, principalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[scope][resourceID][principalID]
	if !ok {
		return ErrNotFound
	}
	if mem.Role == RoleOwner && m.owners(scope, resourceID) <= 1 {
		return ErrSoleOwner
	}
	delete(m.members[scope][resourceID], principalID)
	return nil
}

func (m *MemoryStore) ChangeRole(_ context.Context, scope Scope, resourceID, principalID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[scope][resourceID][principalID]
	if !ok {
		return ErrNotFound
	}
	if mem.Role == RoleOwner && role != RoleOwner && m.owners(scope, resourceID) <= 1 {
		return ErrSoleOwner
	}
	mem.Role = role
	return nil
}

func (m *MemoryStore) owners(scope Scope, resourceID string) int {
	n := 0
	for _, mem := range m.members[scope][resourceID] {
		if mem.Role == RoleOwner {
			n++
		}
	}
	return n
}
