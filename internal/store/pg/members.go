package pg

import (
	"context"
	"fmt"

	"tessera.dev/internal/authz"
)

type memberTable struct {
	name   string
	column string
}

var memberTables = map[authz.Scope]memberTable{
	authz.ScopeWorkspace: {name: "workspace_members", column: "workspace_id"},
	authz.ScopeProject:   {name: "project_members", column: "project_id"},
}

func tableFor(scope authz.Scope) (memberTable, error) {
	t, ok := memberTables[scope]
	if !ok {
		return memberTable{}, fmt.Errorf("unknown membership scope %q", scope)
	}
	return t, nil
}

func (s *Store) MemberRole(ctx context.Context, scope authz.Scope, resourceID, principalID string) (authz.Role, error) {
	t, err := tableFor(scope)
	if err != nil {
		return "", err
	}
	var role string
	err = s.db.GetContext(ctx, &role,
		fmt.Sprintf(`select role from %s where %s = $1 and principal_id = $2`, t.name, t.column),
		resourceID, principalID)
	if err != nil {
		return "", mapError(err)
	}
	return authz.Role(role), nil
}

func (s *Store) ListMembers(ctx context.Context, scope authz.Scope, resourceID string) ([]authz.Member, error) {
	t, err := tableFor(scope)
	if err != nil {
		return nil, err
	}
	out := []authz.Member{}
	err = s.db.SelectContext(ctx, &out, fmt.Sprintf(`
		select %s as resource_id, principal_id, role, joined_at
		from %s
		where %s = $1
		order by joined_at, principal_id
	`, t.column, t.name, t.column), resourceID)
	return out, err
}

func (s *Store) CountMembers(ctx context.Context, scope authz.Scope, resourceID string) (int, error) {
	t, err := tableFor(scope)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.GetContext(ctx, &n, fmt.Sprintf(`select count(*) from %s where %s = $1`, t.name, t.column), resourceID)
	return n, err
}

func (s *Store) AddMember(ctx context.Context, scope authz.Scope, m authz.Member) error {
	t, err := tableFor(scope)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`insert into %s (%s, principal_id, role) values ($1, $2, $3)`, t.name, t.column),
		m.ResourceID, m.PrincipalID, string(m.Role))
	return mapError(err)
}

// RemoveMember locks the resource's OWNER rows before deleting so two
// concurrent removals cannot each see another owner and both succeed.
func (s *Store) RemoveMember(ctx context.Context, scope authz.Scope, resourceID, principalID string) error {
	t, err := tableFor(scope)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	role, owners, err := lockMember(ctx, tx, t, resourceID, principalID)
	if err != nil {
		return err
	}
	if role == authz.RoleOwner && owners <= 1 {
		return authz.ErrSoleOwner
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where %s = $1 and principal_id = $2`, t.name, t.column),
		resourceID, principalID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ChangeRole(ctx context.Context, scope authz.Scope, resourceID, principalID string, role authz.Role) error {
	t, err := tableFor(scope)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	current, owners, err := lockMember(ctx, tx, t, resourceID, principalID)
	if err != nil {
		return err
	}
	if current == authz.RoleOwner && role != authz.RoleOwner && owners <= 1 {
		return authz.ErrSoleOwner
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`update %s set role = $3 where %s = $1 and principal_id = $2`, t.name, t.column),
		resourceID, principalID, string(role)); err != nil {
		return err
	}
	return tx.Commit()
}

type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// lockMember locks every OWNER row of the resource plus the target row and
// reports the target's role and the owner count.
func lockMember(ctx context.Context, q queryer, t memberTable, resourceID, principalID string) (authz.Role, int, error) {
	var owners []string
	if err := q.SelectContext(ctx, &owners,
		fmt.Sprintf(`select principal_id from %s where %s = $1 and role = $2 order by principal_id for update`, t.name, t.column),
		resourceID, string(authz.RoleOwner)); err != nil {
		return "", 0, err
	}
	var role string
	if err := q.GetContext(ctx, &role,
		fmt.Sprintf(`select role from %s where %s = $1 and principal_id = $2 for update`, t.name, t.column),
		resourceID, principalID); err != nil {
		return "", 0, mapError(err)
	}
	return authz.Role(role), len(owners), nil
}
