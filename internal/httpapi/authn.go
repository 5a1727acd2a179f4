package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tessera.dev/internal/identity"
	"tessera.dev/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errNoBearer = errors.New("missing bearer token")

// Authenticator verifies a raw access token.
type Authenticator interface {
	Authenticate(raw string) (*token.Claims, error)
}

// RequireBearer verifies the Authorization header itself and stores the
// identity in the request context.
func RequireBearer(authn Authenticator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := extractBearerToken(r.Header.Get(authHeader))
			if err != nil {
				WriteUnauthorized(w, r)
				return
			}
			claims, err := authn.Authenticate(raw)
			if err != nil {
				WriteUnauthorized(w, r)
				return
			}
			ctx := identity.NewContext(r.Context(), identity.Identity{
				ID:    claims.Subject,
				Email: claims.Email,
				Roles: claims.Roles,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TrustIdentityHeaders reads the identity forwarded by the edge verifier. A
// context identity set earlier in the chain wins over headers.
func TrustIdentityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity.FromContext(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}
		id, ok := identity.FromHeaders(r.Header)
		if !ok {
			WriteUnauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.NewContext(r.Context(), id)))
	})
}

// RequireRole admits callers holding any of roles.
func RequireRole(roles ...string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := identity.FromContext(r.Context())
			if !ok {
				WriteUnauthorized(w, r)
				return
			}
			for _, role := range roles {
				if id.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
			WriteError(w, r, http.StatusForbidden, CodeAccessDenied, "insufficient role")
		})
	}
}

// extractBearerToken accepts only the exact "Bearer " prefix.
func extractBearerToken(header string) (string, error) {
	if !strings.HasPrefix(header, bearer) {
		return "", errNoBearer
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errNoBearer
	}
	return raw, nil
}

func callerFrom(r *http.Request) (identity.Identity, bool) {
	return identity.FromContext(r.Context())
}
