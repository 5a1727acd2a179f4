// Package identity carries the verified caller through a request context.
package identity

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the caller as established by a verified bearer token.
type Identity struct {
	ID    string
	Email string
	Roles []string
}

// PrimaryRole returns the first (highest-privileged) role or "".
func (i Identity) PrimaryRole() string {
	if len(i.Roles) == 0 {
		return ""
	}
	return i.Roles[0]
}

// HasRole reports whether the identity carries role, case-insensitively.
func (i Identity) HasRole(role string) bool {
	role = strings.TrimSpace(role)
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

type ctxKey struct{}

// NewContext attaches id to ctx. An identity without an ID is ignored.
func NewContext(ctx context.Context, id Identity) context.Context {
	id.ID = strings.TrimSpace(id.ID)
	if id.ID == "" {
		return ctx
	}
	roles := make([]string, len(id.Roles))
	copy(roles, id.Roles)
	id.Roles = roles
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the identity stored by NewContext.
func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok || id.ID == "" {
		return Identity{}, false
	}
	return id, true
}

// Headers carrying a verified identity from the edge to resource services.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRole  = "X-User-Role"
	HeaderUserRoles = "X-User-Roles"
)

var headers = []string{HeaderUserID, HeaderUserEmail, HeaderUserRole, HeaderUserRoles}

// StripHeaders removes every identity header, whatever its case.
func StripHeaders(h http.Header) {
	for _, name := range headers {
		h.Del(name)
	}
}

// SetHeaders replaces the identity headers with id.
func SetHeaders(h http.Header, id Identity) {
	StripHeaders(h)
	h.Set(HeaderUserID, id.ID)
	if id.Email != "" {
		h.Set(HeaderUserEmail, id.Email)
	}
	if role := id.PrimaryRole(); role != "" {
		h.Set(HeaderUserRole, role)
		h.Set(HeaderUserRoles, strings.Join(id.Roles, ","))
	}
}

// FromHeaders reads an identity set by SetHeaders. Only services reachable
// exclusively through the edge verifier may trust the result.
func FromHeaders(h http.Header) (Identity, bool) {
	id := Identity{
		ID:    strings.TrimSpace(h.Get(HeaderUserID)),
		Email: strings.TrimSpace(h.Get(HeaderUserEmail)),
	}
	if id.ID == "" {
		return Identity{}, false
	}
	for _, r := range strings.Split(h.Get(HeaderUserRoles), ",") {
		if r = strings.TrimSpace(r); r != "" {
			id.Roles = append(id.Roles, r)
		}
	}
	if len(id.Roles) == 0 {
		if role := strings.TrimSpace(h.Get(HeaderUserRole)); role != "" {
			id.Roles = []string{role}
		}
	}
	return id, true
}
