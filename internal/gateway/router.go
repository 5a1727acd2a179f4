package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gorilla/mux"

	"tessera.dev/internal/httpapi"
	"tessera.dev/internal/obs"
)

// Upstreams are the services the gateway forwards to.
type Upstreams struct {
	Auth     string
	Projects string
}

func (u Upstreams) parse() (auth, projects *url.URL, err error) {
	if auth, err = parseUpstream("auth", u.Auth); err != nil {
		return nil, nil, err
	}
	if projects, err = parseUpstream("projects", u.Projects); err != nil {
		return nil, nil, err
	}
	return auth, projects, nil
}

func parseUpstream(name, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gateway: invalid %s upstream %q", name, raw)
	}
	return u, nil
}

// Mount registers the forwarding routes on r. Health and metrics stay
// local to the gateway.
//
//	/api/auth/*                      public, identity headers stripped -> auth
//	/api/roles*                      verified -> auth
//	/api/workspaces*, /api/projects* verified -> projects
func Mount(r *mux.Router, v *Verifier, up Upstreams) error {
	authURL, projectsURL, err := up.parse()
	if err != nil {
		return err
	}
	authProxy := newProxy("auth", authURL)
	projectsProxy := newProxy("projects", projectsURL)

	route(r, "/api/auth", Public(authProxy))
	route(r, "/api/roles", v.Middleware(authProxy))
	route(r, "/api/workspaces", v.Middleware(projectsProxy))
	route(r, "/api/projects", v.Middleware(projectsProxy))
	return nil
}

// route matches base exactly and everything below it, but not siblings
// sharing the prefix such as /api/projectsx.
func route(r *mux.Router, base string, h http.Handler) {
	r.Handle(base, h)
	r.PathPrefix(base + "/").Handler(h)
}

func newProxy(name string, target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if rid := httpapi.RequestIDFromContext(pr.In.Context()); rid != "" {
				pr.Out.Header.Set(httpapi.HeaderRequestID, rid)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, http.ErrAbortHandler) {
				return
			}
			obs.Logger().ErrorContext(r.Context(), "upstream_failed",
				"upstream", name,
				"request_id", httpapi.RequestIDFromContext(r.Context()),
				"path", r.URL.Path,
				"error", err.Error())
			httpapi.WriteError(w, r, http.StatusBadGateway, httpapi.CodeBadGateway, "upstream unavailable")
		},
	}
}
