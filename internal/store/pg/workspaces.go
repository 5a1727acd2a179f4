package pg

import (
	"context"
	"fmt"
	"strings"

	"tessera.dev/internal/authz"
)

const workspaceColumns = `id, name, description, slug, is_active, created_at, updated_at`

func (s *Store) CreateWorkspace(ctx context.Context, ws *authz.Workspace, ownerID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowxContext(ctx, `
		insert into workspaces (id, name, description, slug)
		values ($1, $2, $3, $4)
		returning `+workspaceColumns, ws.ID, ws.Name, ws.Description, ws.Slug)
	if err := row.StructScan(ws); err != nil {
		return mapError(err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into workspace_members (workspace_id, principal_id, role)
		values ($1, $2, $3)
	`, ws.ID, ownerID, string(authz.RoleOwner)); err != nil {
		return mapError(err)
	}
	return tx.Commit()
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*authz.Workspace, error) {
	var ws authz.Workspace
	err := s.db.GetContext(ctx, &ws, `select `+workspaceColumns+` from workspaces where id = $1 and is_active`, id)
	if err != nil {
		return nil, mapError(err)
	}
	return &ws, nil
}

func (s *Store) ListWorkspaces(ctx context.Context, principalID string) ([]authz.Workspace, error) {
	var out []authz.Workspace
	err := s.db.SelectContext(ctx, &out, `
		select w.id, w.name, w.description, w.slug, w.is_active, w.created_at, w.updated_at
		from workspaces w
		join workspace_members m on m.workspace_id = w.id
		where m.principal_id = $1 and w.is_active
		order by w.name
	`, principalID)
	return out, err
}

func (s *Store) UpdateWorkspace(ctx context.Context, id string, upd authz.WorkspaceUpdate) (*authz.Workspace, error) {
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	if upd.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		setClauses = append(setClauses, fmt.Sprintf("description = $%d", idx))
		args = append(args, *upd.Description)
		idx++
	}
	if upd.Slug != nil {
		setClauses = append(setClauses, fmt.Sprintf("slug = $%d", idx))
		args = append(args, *upd.Slug)
		idx++
	}
	if len(setClauses) == 0 {
		return s.GetWorkspace(ctx, id)
	}
	setClauses = append(setClauses, "updated_at = now()")
	args = append(args, id)
	query := fmt.Sprintf(`update workspaces set %s where id = $%d and is_active returning %s`,
		strings.Join(setClauses, ", "), idx, workspaceColumns)

	var ws authz.Workspace
	if err := s.db.GetContext(ctx, &ws, query, args...); err != nil {
		return nil, mapError(err)
	}
	return &ws, nil
}

func (s *Store) DeactivateWorkspace(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update workspaces set is_active = false, updated_at = now() where id = $1 and is_active`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) CountProjects(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `select count(*) from projects where workspace_id = $1 and is_active`, workspaceID)
	return n, err
}
