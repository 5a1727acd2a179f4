package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"tessera.dev/internal/authz"
)

// ResourceAPI serves workspaces and projects behind the edge verifier.
type ResourceAPI struct {
	svc *authz.Service
}

func NewResourceAPI(svc *authz.Service) *ResourceAPI {
	return &ResourceAPI{svc: svc}
}

func (a *ResourceAPI) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(TrustIdentityHeaders)

	ws := api.PathPrefix("/workspaces").Subrouter()
	ws.HandleFunc("", a.handleCreateWorkspace).Methods(http.MethodPost)
	ws.HandleFunc("", a.handleListWorkspaces).Methods(http.MethodGet)
	ws.HandleFunc("/{id}", a.handleGetWorkspace).Methods(http.MethodGet)
	ws.HandleFunc("/{id}", a.handleUpdateWorkspace).Methods(http.MethodPut, http.MethodPatch)
	ws.HandleFunc("/{id}", a.handleDeleteWorkspace).Methods(http.MethodDelete)
	ws.HandleFunc("/{id}/members", a.handleListWorkspaceMembers).Methods(http.MethodGet)
	ws.HandleFunc("/{id}/members", a.handleAddWorkspaceMember).Methods(http.MethodPost)
	ws.HandleFunc("/{id}/members/{member}", a.handleRemoveWorkspaceMember).Methods(http.MethodDelete)
	ws.HandleFunc("/{id}/members/{member}", a.handleChangeWorkspaceMemberRole).Methods(http.MethodPut, http.MethodPatch)
	ws.HandleFunc("/{id}/projects", a.handleListProjects).Methods(http.MethodGet)

	pr := api.PathPrefix("/projects").Subrouter()
	pr.HandleFunc("", a.handleCreateProject).Methods(http.MethodPost)
	pr.HandleFunc("", a.handleListProjects).Methods(http.MethodGet)
	pr.HandleFunc("/{id}", a.handleGetProject).Methods(http.MethodGet)
	pr.HandleFunc("/{id}", a.handleUpdateProject).Methods(http.MethodPut, http.MethodPatch)
	pr.HandleFunc("/{id}", a.handleDeleteProject).Methods(http.MethodDelete)
	pr.HandleFunc("/{id}/archive", a.handleArchiveProject).Methods(http.MethodPost)
	pr.HandleFunc("/{id}/members", a.handleListProjectMembers).Methods(http.MethodGet)
	pr.HandleFunc("/{id}/members", a.handleAddProjectMember).Methods(http.MethodPost)
	pr.HandleFunc("/{id}/members/{member}", a.handleRemoveProjectMember).Methods(http.MethodDelete)
	pr.HandleFunc("/{id}/members/{member}", a.handleChangeProjectMemberRole).Methods(http.MethodPut, http.MethodPatch)
}

func actor(r *http.Request) string {
	id, _ := callerFrom(r)
	return id.ID
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

// Workspaces

func (a *ResourceAPI) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var in authz.CreateWorkspaceInput
	if !decodeBody(w, r, &in) {
		return
	}
	ws, err := a.svc.CreateWorkspace(r.Context(), actor(r), in)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/workspaces/%s", ws.ID))
	writeSuccess(w, r, http.StatusCreated, "Workspace created", ws)
}

func (a *ResourceAPI) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.ListWorkspaces(r.Context(), actor(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "", out)
}

func (a *ResourceAPI) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := a.svc.GetWorkspace(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "", ws)
}

func (a *ResourceAPI) handleUpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	var upd authz.WorkspaceUpdate
	if !decodeBody(w, r, &upd) {
		return
	}
	ws, err := a.svc.UpdateWorkspace(r.Context(), actor(r), mux.Vars(r)["id"], upd)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Workspace updated", ws)
}

func (a *ResourceAPI) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteWorkspace(r.Context(), actor(r), mux.Vars(r)["id"]); err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Workspace deleted", nil)
}

func (a *ResourceAPI) handleListWorkspaceMembers(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.ListWorkspaceMembers(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "", out)
}

func (a *ResourceAPI) handleAddWorkspaceMember(w http.ResponseWriter, r *http.Request) {
	var in authz.AddMemberInput
	if !decodeBody(w, r, &in) {
		return
	}
	m, err := a.svc.AddWorkspaceMember(r.Context(), actor(r), mux.Vars(r)["id"], in)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusCreated, "Member added", m)
}

func (a *ResourceAPI) handleRemoveWorkspaceMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.svc.RemoveWorkspaceMember(r.Context(), actor(r), vars["id"], vars["member"]); err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Member removed", nil)
}

func (a *ResourceAPI) handleChangeWorkspaceMemberRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	m, err := a.svc.ChangeWorkspaceMemberRole(r.Context(), actor(r), vars["id"], vars["member"], req.Role)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Member role updated", m)
}

// Projects

func (a *ResourceAPI) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var in authz.CreateProjectInput
	if !decodeBody(w, r, &in) {
		return
	}
	p, err := a.svc.CreateProject(r.Context(), actor(r), in)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/projects/%s", p.ID))
	writeSuccess(w, r, http.StatusCreated, "Project created", p)
}

// handleListProjects serves both /api/projects?workspace_id= and
// /api/workspaces/{id}/projects.
func (a *ResourceAPI) handleListProjects(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["id"]
	if workspaceID == "" {
		workspaceID = r.URL.Query().Get("workspace_id")
	}
	out, err := a.svc.ListProjects(r.Context(), actor(r), workspaceID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "", out)
}

func (a *ResourceAPI) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.GetProject(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "", p)
}

func (a *ResourceAPI) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var upd authz.ProjectUpdate
	if !decodeBody(w, r, &upd) {
		return
	}
	p, err := a.svc.UpdateProject(r.Context(), actor(r), mux.Vars(r)["id"], upd)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Project updated", p)
}

func (a *ResourceAPI) handleArchiveProject(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.ArchiveProject(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Project archived", p)
}

func (a *ResourceAPI) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteProject(r.Context(), actor(r), mux.Vars(r)["id"]); err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Project deleted", nil)
}

func (a *ResourceAPI) handleListProjectMembers(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.ListProjectMembers(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "", out)
}

func (a *ResourceAPI) handleAddProjectMember(w http.ResponseWriter, r *http.Request) {
	var in authz.AddMemberInput
	if !decodeBody(w, r, &in) {
		return
	}
	m, err := a.svc.AddProjectMember(r.Context(), actor(r), mux.Vars(r)["id"], in)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusCreated, "Member added", m)
}

func (a *ResourceAPI) handleRemoveProjectMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.svc.RemoveProjectMember(r.Context(), actor(r), vars["id"], vars["member"]); err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Member removed", nil)
}

func (a *ResourceAPI) handleChangeProjectMemberRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	m, err := a.svc.ChangeProjectMemberRole(r.Context(), actor(r), vars["id"], vars["member"], req.Role)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, "Member role updated", m)
}
