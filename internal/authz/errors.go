package authz

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound     = errors.New("authz: not found")
	ErrConflict     = errors.New("authz: already exists")
	ErrInvalidInput = errors.New("authz: invalid input")

	// ErrAccessDenied covers both an insufficient role and a membership change
	// that would break a resource invariant. The invariant errors below wrap it.
	ErrAccessDenied = errors.New("authz: access denied")

	ErrSoleOwner   = fmt.Errorf("%w: a resource must keep at least one owner", ErrAccessDenied)
	ErrSelfRemoval = fmt.Errorf("%w: cannot remove your own membership", ErrAccessDenied)
	ErrOwnerViaAdd = fmt.Errorf("%w: owners cannot be added, promote an existing member instead", ErrAccessDenied)
	ErrOutranked   = fmt.Errorf("%w: target member outranks you", ErrAccessDenied)

	ErrNotWorkspaceMember = fmt.Errorf("%w: user must be a workspace member first", ErrInvalidInput)
)

// ValidationError reports per-field input problems. It matches ErrInvalidInput.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "authz: invalid input: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

type fieldErrors map[string]string

func (f fieldErrors) add(field, msg string) {
	if _, ok := f[field]; !ok {
		f[field] = msg
	}
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return &ValidationError{Fields: f}
}
