package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tessera.dev/internal/authz"
)

const projectColumns = `id, workspace_id, name, description, project_key, status, start_date, end_date,
	budget, is_active, created_at, updated_at`

const activeProject = `p.is_active and exists (
	select 1 from workspaces w where w.id = p.workspace_id and w.is_active)`

func (s *Store) ProjectWorkspace(ctx context.Context, projectID string) (string, error) {
	var wsID string
	err := s.db.GetContext(ctx, &wsID, `select p.workspace_id from projects p where p.id = $1 and `+activeProject, projectID)
	if err != nil {
		return "", mapError(err)
	}
	return wsID, nil
}

func (s *Store) CreateProject(ctx context.Context, p *authz.Project, ownerID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var active bool
	err = tx.GetContext(ctx, &active, `select is_active from workspaces where id = $1 for share`, p.WorkspaceID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
		return authz.ErrNotFound
	}
	if err != nil {
		return err
	}

	row := tx.QueryRowxContext(ctx, `
		insert into projects (id, workspace_id, name, description, project_key, status, start_date, end_date, budget)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning `+projectColumns,
		p.ID, p.WorkspaceID, p.Name, p.Description, strings.ToUpper(p.Key), string(p.Status), p.StartDate, p.EndDate, p.Budget)
	if err := row.StructScan(p); err != nil {
		return mapError(err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into project_members (project_id, principal_id, role)
		values ($1, $2, $3)
	`, p.ID, ownerID, string(authz.RoleOwner)); err != nil {
		return mapError(err)
	}
	return tx.Commit()
}

func (s *Store) GetProject(ctx context.Context, id string) (*authz.Project, error) {
	var p authz.Project
	err := s.db.GetContext(ctx, &p, `select `+projectColumns+` from projects p where p.id = $1 and `+activeProject, id)
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context, principalID, workspaceID string) ([]authz.Project, error) {
	var out []authz.Project
	err := s.db.SelectContext(ctx, &out, `
		select `+projectColumns+`
		from projects p
		where `+activeProject+`
		  and ($2 = '' or p.workspace_id = $2)
		  and (
		    exists (select 1 from project_members pm where pm.project_id = p.id and pm.principal_id = $1)
		    or exists (select 1 from workspace_members wm where wm.workspace_id = p.workspace_id and wm.principal_id = $1)
		  )
		order by p.project_key
	`, principalID, workspaceID)
	return out, err
}

func (s *Store) UpdateProject(ctx context.Context, id string, upd authz.ProjectUpdate) (*authz.Project, error) {
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	set := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if upd.Name != nil {
		set("name", *upd.Name)
	}
	if upd.Description != nil {
		set("description", *upd.Description)
	}
	if upd.Key != nil {
		set("project_key", strings.ToUpper(*upd.Key))
	}
	if upd.Status != nil {
		set("status", string(*upd.Status))
	}
	if upd.StartDate != nil {
		set("start_date", *upd.StartDate)
	}
	if upd.EndDate != nil {
		set("end_date", *upd.EndDate)
	}
	if upd.Budget != nil {
		set("budget", *upd.Budget)
	}
	if len(setClauses) == 0 {
		return s.GetProject(ctx, id)
	}
	setClauses = append(setClauses, "updated_at = now()")
	args = append(args, id)
	query := fmt.Sprintf(`update projects p set %s where p.id = $%d and %s returning %s`,
		strings.Join(setClauses, ", "), idx, activeProject, projectColumns)

	var p authz.Project
	if err := s.db.GetContext(ctx, &p, query, args...); err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func (s *Store) DeactivateProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update projects p set is_active = false, updated_at = now() where p.id = $1 and `+activeProject, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrNotFound
	}
	return nil
}
