package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"tessera.dev/internal/config"
	"tessera.dev/internal/gateway"
	"tessera.dev/internal/httpapi"
	"tessera.dev/internal/obs"
	"tessera.dev/internal/serve"
	"tessera.dev/internal/token"
)

const serviceName = "gateway"

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("gateway_failed", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireSigningKey(); err != nil {
		return err
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Verification only: the gateway never issues tokens.
	tokens, err := token.NewService(cfg.JWTSecret, token.WithIssuer(cfg.JWTIssuer))
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{}
	api := httpapi.New(serviceName, obs.Version, probe, httpapi.Options{
		CORSOrigins:   cfg.CORSOrigins,
		RateBurst:     cfg.RateBurst,
		RatePerSecond: cfg.RatePerSecond,
		MaxBodyBytes:  cfg.MaxBodyBytes,
	})
	if err := gateway.Mount(api.Router(), gateway.NewVerifier(tokens), gateway.Upstreams{
		Auth:     cfg.AuthUpstream,
		Projects: cfg.ProjectsUpstream,
	}); err != nil {
		return err
	}

	grpcServer := grpc.NewServer()
	httpapi.NewGRPCHealth(probe, serviceName).Register(grpcServer)

	srv := &serve.Server{
		Name:     serviceName,
		HTTP:     serve.NewHTTPServer(cfg.GatewayHTTPAddr, api.Handler()),
		GRPC:     grpcServer,
		GRPCAddr: cfg.GatewayGRPCAddr,
	}
	return srv.Run(ctx)
}
