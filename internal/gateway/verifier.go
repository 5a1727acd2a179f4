// Package gateway is the edge verifier: it admits a request only when it
// carries a valid access token and rewrites the identity headers that
// upstream services trust.
package gateway

import (
	"errors"
	"net/http"
	"strings"

	"tessera.dev/internal/httpapi"
	"tessera.dev/internal/identity"
	"tessera.dev/internal/obs"
	"tessera.dev/internal/token"
)

// ErrUnauthorized is the only failure Filter reports. The cause is logged,
// never returned to the caller.
var ErrUnauthorized = errors.New("gateway: unauthorized")

const bearerPrefix = "Bearer "

// AccessVerifier validates an access token.
type AccessVerifier interface {
	VerifyAccess(raw string) (*token.Claims, error)
}

type Verifier struct {
	tokens AccessVerifier
}

func NewVerifier(tokens AccessVerifier) *Verifier {
	return &Verifier{tokens: tokens}
}

// Filter returns a clone of r carrying verified identity headers and
// context, or ErrUnauthorized. The original request is never modified.
func (v *Verifier) Filter(r *http.Request) (*http.Request, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return nil, ErrUnauthorized
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])
	if raw == "" {
		return nil, ErrUnauthorized
	}
	claims, err := v.tokens.VerifyAccess(raw)
	if err != nil {
		obs.Logger().DebugContext(r.Context(), "gateway_token_rejected", "path", r.URL.Path, "reason", err.Error())
		return nil, ErrUnauthorized
	}
	id := identity.Identity{ID: claims.Subject, Email: claims.Email, Roles: claims.Roles}
	if strings.TrimSpace(id.ID) == "" {
		return nil, ErrUnauthorized
	}

	out := r.Clone(identity.NewContext(r.Context(), id))
	identity.SetHeaders(out.Header, id)
	return out, nil
}

// Middleware rejects unverified requests with the uniform 401.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verified, err := v.Filter(r)
		if err != nil {
			obs.GatewayRejected()
			httpapi.WriteUnauthorized(w, r)
			return
		}
		next.ServeHTTP(w, verified)
	})
}

// Public strips any inbound identity headers so a public route can never
// smuggle a forged identity upstream.
func Public(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := r.Clone(r.Context())
		identity.StripHeaders(out.Header)
		next.ServeHTTP(w, out)
	})
}
