package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"tessera.dev/internal/authz"
	"tessera.dev/internal/config"
	"tessera.dev/internal/httpapi"
	"tessera.dev/internal/obs"
	"tessera.dev/internal/serve"
	"tessera.dev/internal/store/pg"
)

const serviceName = "projectsvc"

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("projectsvc_failed", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	probe := httpapi.ReadyProbe{Deps: map[string]httpapi.Pinger{}}
	var closers []func() error

	var store authz.Store
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		probe.Deps["postgres"] = pgStore.DB()
		closers = append(closers, pgStore.Close)
		store = pgStore
	} else {
		obs.Logger().Warn("using_memory_store", "service", serviceName)
		store = authz.NewMemoryStore()
	}

	api := httpapi.New(serviceName, obs.Version, probe, httpapi.Options{
		CORSOrigins:   cfg.CORSOrigins,
		RateBurst:     cfg.RateBurst,
		RatePerSecond: cfg.RatePerSecond,
		MaxBodyBytes:  cfg.MaxBodyBytes,
	})
	httpapi.NewResourceAPI(authz.NewService(store)).Register(api.Router())

	grpcServer := grpc.NewServer()
	httpapi.NewGRPCHealth(probe, serviceName).Register(grpcServer)

	srv := &serve.Server{
		Name:     serviceName,
		HTTP:     serve.NewHTTPServer(cfg.ProjectsHTTPAddr, api.Handler()),
		GRPC:     grpcServer,
		GRPCAddr: cfg.ProjectsGRPCAddr,
		Closers:  closers,
	}
	return srv.Run(ctx)
}
