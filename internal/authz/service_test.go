package authz

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateWorkspaceMakesCreatorOwner(t *testing.T) {
	f := newFixture(t)
	role, err := f.store.MemberRole(context.Background(), ScopeWorkspace, f.ws.ID, "owner")
	if err != nil || role != RoleOwner {
		t.Fatalf("creator role: %v %q", err, role)
	}
	if f.ws.MemberCount != 1 || !f.ws.Active {
		t.Fatalf("unexpected workspace: %+v", f.ws)
	}
}

func TestCreateWorkspaceValidation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	_, err := svc.CreateWorkspace(context.Background(), "u", CreateWorkspaceInput{Name: "A", Slug: "Bad Slug"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if ve.Fields["name"] == "" || ve.Fields["slug"] == "" {
		t.Fatalf("missing field errors: %+v", ve.Fields)
	}
}

func TestWorkspaceSlugUnique(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateWorkspace(context.Background(), "other", CreateWorkspaceInput{Name: "Acme 2", Slug: "acme"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestGetWorkspaceCounts(t *testing.T) {
	f := newFixture(t)
	f.addWorkspace(t, "viewer", RoleViewer)
	ws, err := f.svc.GetWorkspace(context.Background(), "viewer", f.ws.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ws.MemberCount != 2 || ws.ProjectCount != 1 {
		t.Fatalf("counts: members=%d projects=%d", ws.MemberCount, ws.ProjectCount)
	}
	if _, err := f.svc.GetWorkspace(context.Background(), "stranger", f.ws.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("stranger: expected access denied, got %v", err)
	}
}

func TestUpdateWorkspaceRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	f.addWorkspace(t, "member", RoleMember)
	f.addWorkspace(t, "admin", RoleAdmin)
	name := "Acme Corp"
	if _, err := f.svc.UpdateWorkspace(context.Background(), "member", f.ws.ID, WorkspaceUpdate{Name: &name}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("member: expected access denied, got %v", err)
	}
	ws, err := f.svc.UpdateWorkspace(context.Background(), "admin", f.ws.ID, WorkspaceUpdate{Name: &name})
	if err != nil {
		t.Fatalf("admin update: %v", err)
	}
	if ws.Name != name {
		t.Fatalf("name not updated: %q", ws.Name)
	}
}

func TestDeleteWorkspaceOwnerOnly(t *testing.T) {
	f := newFixture(t)
	f.addWorkspace(t, "admin", RoleAdmin)
	if err := f.svc.DeleteWorkspace(context.Background(), "admin", f.ws.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("admin: expected access denied, got %v", err)
	}
	if err := f.svc.DeleteWorkspace(context.Background(), "owner", f.ws.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := f.svc.GetWorkspace(context.Background(), "owner", f.ws.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("soft-deleted workspace must be gone, got %v", err)
	}
	if _, err := f.svc.GetProject(context.Background(), "owner", f.proj.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("projects of a deleted workspace must be gone, got %v", err)
	}
}

func TestAddMemberRejectsOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AddWorkspaceMember(context.Background(), "owner", f.ws.ID, AddMemberInput{PrincipalID: "new", Role: "OWNER"})
	if !errors.Is(err, ErrOwnerViaAdd) || !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected owner-via-add denial, got %v", err)
	}
}

func TestAddMemberDuplicate(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.AddWorkspaceMember(context.Background(), "owner", f.ws.ID, AddMemberInput{PrincipalID: "bob", Role: "member"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := f.svc.AddWorkspaceMember(context.Background(), "owner", f.ws.ID, AddMemberInput{PrincipalID: "bob", Role: "viewer"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMembersCannotManageMembers(t *testing.T) {
	f := newFixture(t)
	f.addWorkspace(t, "member", RoleMember)
	_, err := f.svc.AddWorkspaceMember(context.Background(), "member", f.ws.ID, AddMemberInput{PrincipalID: "bob", Role: "VIEWER"})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestProjectMemberMustBelongToWorkspace(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AddProjectMember(context.Background(), "owner", f.proj.ID, AddMemberInput{PrincipalID: "outsider", Role: "MEMBER"})
	if !errors.Is(err, ErrNotWorkspaceMember) {
		t.Fatalf("expected not-workspace-member, got %v", err)
	}
	f.addWorkspace(t, "insider", RoleViewer)
	m, err := f.svc.AddProjectMember(context.Background(), "owner", f.proj.ID, AddMemberInput{PrincipalID: "insider", Role: "ADMIN"})
	if err != nil {
		t.Fatalf("add insider: %v", err)
	}
	if m.Role != RoleAdmin {
		t.Fatalf("role: %q", m.Role)
	}
}

func TestProjectMembershipCannotBeViewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorkspace(t, "bob", RoleViewer)

	if _, err := f.svc.AddProjectMember(ctx, "owner", f.proj.ID, AddMemberInput{PrincipalID: "bob", Role: "VIEWER"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("adding a project VIEWER must fail validation, got %v", err)
	}
	if _, err := f.svc.AddProjectMember(ctx, "owner", f.proj.ID, AddMemberInput{PrincipalID: "bob", Role: "MEMBER"}); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if _, err := f.svc.ChangeProjectMemberRole(ctx, "owner", f.proj.ID, "bob", "viewer"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("demoting to project VIEWER must fail validation, got %v", err)
	}
	role, err := f.store.MemberRole(ctx, ScopeProject, f.proj.ID, "bob")
	if err != nil || role != RoleMember {
		t.Fatalf("stored role changed: %q %v", role, err)
	}
}

func TestSoleOwnerRemovalRejectedForEveryCaller(t *testing.T) {
	f := newFixture(t)
	// A workspace OWNER without project membership resolves to OWNER on the
	// project through the fallback, yet still cannot remove its sole OWNER.
	f.addWorkspace(t, "co-owner", RoleOwner)
	err := f.svc.RemoveProjectMember(context.Background(), "co-owner", f.proj.ID, "owner")
	if !errors.Is(err, ErrSoleOwner) {
		t.Fatalf("expected sole-owner denial, got %v", err)
	}
	if _, err := f.store.MemberRole(context.Background(), ScopeProject, f.proj.ID, "owner"); err != nil {
		t.Fatalf("owner membership must survive: %v", err)
	}

	// Workspace now has two owners; removing one of them is allowed.
	if err := f.svc.RemoveWorkspaceMember(context.Background(), "co-owner", f.ws.ID, "owner"); err != nil {
		t.Fatalf("remove one of two owners: %v", err)
	}
	// The remaining owner is sole again.
	if err := f.store.RemoveMember(context.Background(), ScopeWorkspace, f.ws.ID, "co-owner"); !errors.Is(err, ErrSoleOwner) {
		t.Fatalf("store must refuse sole owner removal, got %v", err)
	}
}

func TestSoleOwnerCannotBeDemoted(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ChangeWorkspaceMemberRole(context.Background(), "owner", f.ws.ID, "owner", "ADMIN")
	if !errors.Is(err, ErrSoleOwner) {
		t.Fatalf("expected sole-owner denial, got %v", err)
	}
}

func TestSelfRemovalRejected(t *testing.T) {
	f := newFixture(t)
	f.addWorkspace(t, "admin", RoleAdmin)
	err := f.svc.RemoveWorkspaceMember(context.Background(), "admin", f.ws.ID, "admin")
	if !errors.Is(err, ErrSelfRemoval) {
		t.Fatalf("expected self-removal denial, got %v", err)
	}
}

func TestAdminCannotActOnOwner(t *testing.T) {
	f := newFixture(t)
	f.addWorkspace(t, "admin", RoleAdmin)
	f.addWorkspace(t, "co-owner", RoleOwner)
	if err := f.svc.RemoveWorkspaceMember(context.Background(), "admin", f.ws.ID, "co-owner"); !errors.Is(err, ErrOutranked) {
		t.Fatalf("expected outranked, got %v", err)
	}
	if _, err := f.svc.ChangeWorkspaceMemberRole(context.Background(), "admin", f.ws.ID, "co-owner", "VIEWER"); !errors.Is(err, ErrOutranked) {
		t.Fatalf("expected outranked, got %v", err)
	}
}

func TestPromoteToOwnerRequiresOwner(t *testing.T) {
	f := newFixture(t)
	f.addWorkspace(t, "admin", RoleAdmin)
	f.addWorkspace(t, "bob", RoleMember)
	if _, err := f.svc.ChangeWorkspaceMemberRole(context.Background(), "admin", f.ws.ID, "bob", "OWNER"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("admin promoting to owner: expected denial, got %v", err)
	}
	m, err := f.svc.ChangeWorkspaceMemberRole(context.Background(), "owner", f.ws.ID, "bob", "OWNER")
	if err != nil {
		t.Fatalf("owner promoting: %v", err)
	}
	if m.Role != RoleOwner {
		t.Fatalf("role: %q", m.Role)
	}
	// With two owners the original one may step down.
	if _, err := f.svc.ChangeWorkspaceMemberRole(context.Background(), "owner", f.ws.ID, "owner", "ADMIN"); err != nil {
		t.Fatalf("demote with co-owner present: %v", err)
	}
}

func TestViewerCannotCreateProject(t *testing.T) {
	f := newFixture(t)
	f.addWorkspace(t, "viewer", RoleViewer)
	_, err := f.svc.CreateProject(context.Background(), "viewer", CreateProjectInput{WorkspaceID: f.ws.ID, Name: "Side", Key: "SD"})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestProjectKeyUpperCasedAndUnique(t *testing.T) {
	f := newFixture(t)
	if f.proj.Key != "CORE" {
		t.Fatalf("key not upper-cased: %q", f.proj.Key)
	}
	_, err := f.svc.CreateProject(context.Background(), "owner", CreateProjectInput{WorkspaceID: f.ws.ID, Name: "Core again", Key: "Core"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestProjectScheduleValidation(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, -1)
	_, err := f.svc.CreateProject(context.Background(), "owner", CreateProjectInput{
		WorkspaceID: f.ws.ID, Name: "Late", Key: "LT", StartDate: &start, EndDate: &end,
	})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Fields["end_date"] == "" {
		t.Fatalf("expected end_date validation error, got %v", err)
	}
}

func TestArchiveAndDeleteProject(t *testing.T) {
	f := newFixture(t)
	f.addWorkspace(t, "admin", RoleAdmin)
	p, err := f.svc.ArchiveProject(context.Background(), "admin", f.proj.ID)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if p.Status != StatusArchived {
		t.Fatalf("status: %q", p.Status)
	}
	if err := f.svc.DeleteProject(context.Background(), "admin", f.proj.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("admin delete: expected denial, got %v", err)
	}
	if err := f.svc.DeleteProject(context.Background(), "owner", f.proj.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
}

func TestListProjectsVisibility(t *testing.T) {
	f := newFixture(t)
	f.addWorkspace(t, "viewer", RoleViewer)
	got, err := f.svc.ListProjects(context.Background(), "viewer", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != f.proj.ID {
		t.Fatalf("unexpected projects: %+v", got)
	}
	if _, err := f.svc.ListProjects(context.Background(), "stranger", f.ws.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("stranger with workspace filter: expected denial, got %v", err)
	}
	none, err := f.svc.ListProjects(context.Background(), "stranger", "")
	if err != nil || len(none) != 0 {
		t.Fatalf("stranger: %v %+v", err, none)
	}
}
