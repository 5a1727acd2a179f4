package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tessera.dev/internal/obs"
)

// Pinger is any dependency the readiness probe checks.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// ReadyProbe is the readiness check; every dependency must answer.
type ReadyProbe struct {
	Deps map[string]Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	var errs []error
	for name, dep := range rp.Deps {
		if dep == nil {
			continue
		}
		if err := dep.PingContext(ctx); err != nil {
			errs = append(errs, errors.New(name+": "+err.Error()))
		}
	}
	return errors.Join(errs...)
}

// Options tunes the shared middleware chain.
type Options struct {
	CORSOrigins   []string
	RateBurst     int
	RatePerSecond int
	MaxBodyBytes  int64
}

// API is the HTTP shell every binary shares: probes, metrics and the
// middleware chain around service routes.
type API struct {
	router     *mux.Router
	readyProbe ReadyProbe
	service    string
	version    string
	opts       Options
}

func New(service, version string, rp ReadyProbe, opts Options) *API {
	a := &API{
		router:     mux.NewRouter(),
		readyProbe: rp,
		service:    service,
		version:    version,
		opts:       opts,
	}
	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, CodeNotFound, "resource not found")
	})
	a.router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	a.router.HandleFunc("/api/health", a.Healthz).Methods(http.MethodGet)
	a.router.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	a.router.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	a.router.HandleFunc("/api/info", a.Info).Methods(http.MethodGet)
	a.router.Handle("/metrics", obs.Handler())
	return a
}

// Router exposes the router so services can mount their routes.
func (a *API) Router() *mux.Router { return a.router }

// Handler wraps the router in the shared middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.router)
	if a.opts.RatePerSecond > 0 {
		h = RateLimit(h, max(a.opts.RateBurst, 1), a.opts.RatePerSecond)
	}
	mws := []Middleware{RequestID, LoggingJSON, Recover, SecurityHeaders, CORS(a.opts.CORSOrigins...)}
	if a.opts.MaxBodyBytes > 0 {
		mws = append(mws, MaxBodyBytes(a.opts.MaxBodyBytes))
	}
	return Chain(h, mws...)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "UP",
		"service": a.service,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    a.service,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
