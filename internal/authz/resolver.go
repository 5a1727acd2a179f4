package authz

import (
	"context"
	"errors"
	"fmt"

	"tessera.dev/internal/obs"
)

// Resolver turns a principal and a resource into an effective role.
type Resolver struct {
	members MembershipReader
}

func NewResolver(members MembershipReader) *Resolver {
	return &Resolver{members: members}
}

// ResolveRole performs the single ordered lookup used everywhere:
//  1. a project membership, when the resource is a project, is authoritative;
//  2. otherwise the membership of the owning workspace applies;
//  3. otherwise the principal has no access (zero Grant, nil error).
//
// A project role is never combined with the workspace role, so a workspace
// OWNER holding project MEMBER acts as MEMBER on that project.
func (r *Resolver) ResolveRole(ctx context.Context, principalID string, res Resource) (Grant, error) {
	if principalID == "" {
		return Grant{}, nil
	}
	workspaceID := res.WorkspaceID
	if res.Scope == ScopeProject {
		if workspaceID == "" {
			wsID, err := r.members.ProjectWorkspace(ctx, res.ID)
			if err != nil {
				return Grant{}, err
			}
			workspaceID = wsID
		}
		role, err := r.members.MemberRole(ctx, ScopeProject, res.ID, principalID)
		switch {
		case err == nil:
			return Grant{Role: role, Source: ScopeProject, WorkspaceID: workspaceID}, nil
		case !errors.Is(err, ErrNotFound):
			return Grant{}, err
		}
	}
	role, err := r.members.MemberRole(ctx, ScopeWorkspace, workspaceID, principalID)
	switch {
	case err == nil:
		return Grant{Role: role, Source: ScopeWorkspace, WorkspaceID: workspaceID}, nil
	case errors.Is(err, ErrNotFound):
		return Grant{WorkspaceID: workspaceID}, nil
	default:
		return Grant{}, err
	}
}

// RequireRole resolves the principal's role and checks it against min in the
// resource's rank table.
func (r *Resolver) RequireRole(ctx context.Context, principalID string, res Resource, min Role) (Grant, error) {
	g, err := r.ResolveRole(ctx, principalID, res)
	if err != nil {
		return Grant{}, err
	}
	if g.None() {
		obs.AuthzDecision("deny")
		return g, fmt.Errorf("%w: no membership in %s", ErrAccessDenied, res)
	}
	if res.Scope.Rank(g.Role) < res.Scope.Rank(min) {
		obs.AuthzDecision("deny")
		return g, fmt.Errorf("%w: %s requires %s, have %s", ErrAccessDenied, res.Scope, min, g.Role)
	}
	obs.AuthzDecision("allow")
	return g, nil
}

// Authorize checks action against the policy table.
func (r *Resolver) Authorize(ctx context.Context, principalID string, res Resource, action Action) (Grant, error) {
	min, ok := MinimumRole(res.Scope, action)
	if !ok {
		obs.AuthzDecision("deny")
		return Grant{}, fmt.Errorf("%w: %s is not permitted on %s", ErrAccessDenied, action, res.Scope)
	}
	return r.RequireRole(ctx, principalID, res, min)
}
