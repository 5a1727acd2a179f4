package auth

import (
	"context"
	"fmt"
	"strings"

	"tessera.dev/internal/audit"
	"tessera.dev/internal/mail"
	"tessera.dev/internal/obs"
	"tessera.dev/internal/token"
)

// Built-in global roles. Every principal holds at least one of them.
const (
	RoleUser       = "USER"
	RoleAdmin      = "ADMIN"
	RoleSuperAdmin = "SUPER_ADMIN"
)

// RoleInfo describes an entry of the global role catalog.
type RoleInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var catalog = []RoleInfo{
	{Name: RoleSuperAdmin, Description: "Full administrative access"},
	{Name: RoleAdmin, Description: "Manage users and roles"},
	{Name: RoleUser, Description: "Default role for registered users"},
}

// RoleCatalog lists the global roles principals can hold.
func (s *Service) RoleCatalog() []RoleInfo {
	out := make([]RoleInfo, len(catalog))
	copy(out, catalog)
	return out
}

func knownRole(name string) (string, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return "", &ValidationError{Fields: map[string]string{"role": "is required"}}
	}
	for _, r := range catalog {
		if r.Name == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownRole, name)
}

// PrincipalRoles returns the principal's roles ordered by privilege.
func (s *Service) PrincipalRoles(ctx context.Context, principalID string) ([]string, error) {
	p, err := s.store.Principals(ctx).Find(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return token.NormalizeRoles(p.Roles), nil
}

// AssignRole grants a catalog role. Holding it already is a conflict.
func (s *Service) AssignRole(ctx context.Context, principalID, role string) (*Principal, error) {
	name, err := knownRole(role)
	if err != nil {
		return nil, err
	}
	principals := s.store.Principals(ctx)
	if err := principals.AddRole(ctx, principalID, name); err != nil {
		return nil, err
	}
	p, err := principals.Find(ctx, principalID)
	if err != nil {
		return nil, err
	}
	s.logRoleChange(ctx, "role.assigned", p, name)
	return p, nil
}

// RemoveRole revokes a role, refusing to leave the principal with none.
func (s *Service) RemoveRole(ctx context.Context, principalID, role string) (*Principal, error) {
	name, err := knownRole(role)
	if err != nil {
		return nil, err
	}
	principals := s.store.Principals(ctx)
	if err := principals.RemoveRole(ctx, principalID, name); err != nil {
		return nil, err
	}
	p, err := principals.Find(ctx, principalID)
	if err != nil {
		return nil, err
	}
	s.logRoleChange(ctx, "role.removed", p, name)
	return p, nil
}

// SetRoles replaces the role set. The new set must be non-empty and fully known.
func (s *Service) SetRoles(ctx context.Context, principalID string, roles []string) (*Principal, error) {
	normalized := token.NormalizeRoles(roles)
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: principal must hold at least one role", ErrLastRole)
	}
	var unknown []string
	for _, r := range normalized {
		if _, err := knownRole(r); err != nil {
			unknown = append(unknown, r)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, strings.Join(unknown, ", "))
	}
	principals := s.store.Principals(ctx)
	if err := principals.SetRoles(ctx, principalID, normalized); err != nil {
		return nil, err
	}
	p, err := principals.Find(ctx, principalID)
	if err != nil {
		return nil, err
	}
	s.logRoleChange(ctx, "role.set", p, strings.Join(normalized, ","))
	return p, nil
}

func (s *Service) logRoleChange(ctx context.Context, event string, p *Principal, role string) {
	obs.Logger().InfoContext(ctx, "roles_changed", "principal", mail.MaskAddress(p.Email), "event", event, "role", role)
	_ = audit.LogEvent(ctx, event, map[string]any{"principal_id": p.ID, "role": role})
}
