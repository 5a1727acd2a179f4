package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"tessera.dev/internal/auth"
	"tessera.dev/internal/config"
	"tessera.dev/internal/httpapi"
	"tessera.dev/internal/mail"
	"tessera.dev/internal/obs"
	"tessera.dev/internal/serve"
	"tessera.dev/internal/token"
)

const serviceName = "authsvc"

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("authsvc_failed", "error", err.Error())
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

	tokens, err := token.NewService(cfg.JWTSecret,
		token.WithIssuer(cfg.JWTIssuer),
		token.WithAccessTTL(cfg.AccessTTL),
		token.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{Deps: map[string]httpapi.Pinger{}}
	var closers []func() error

	var store auth.Store
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return err
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		probe.Deps["postgres"] = db
		closers = append(closers, db.Close)
		store = auth.NewPGStore(db)
	} else {
		obs.Logger().Warn("using_memory_store", "service", serviceName)
		store = auth.NewMemoryStore()
	}

	var states auth.StateStore
	var sweepers []auth.Sweeper
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rs := auth.NewRedisStateStore(client, "tessera:oauth_state:")
		probe.Deps["redis"] = httpapi.PingFunc(rs.Ping)
		closers = append(closers, client.Close)
		states = rs
	} else {
		ms := auth.NewMemoryStateStore(nil)
		sweepers = append(sweepers, ms)
		states = ms
	}

	var sender mail.Sender = mail.LogSender{}
	if cfg.SMTP.Enabled() {
		sender = mail.SMTPSender{
			Addr:     cfg.SMTP.Addr,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}
	}
	dispatcher := mail.NewDispatcher(sender, 30*time.Second)

	svc, err := auth.NewService(store, tokens,
		auth.WithLockout(cfg.MaxFailedAttempts, cfg.LockoutDuration),
		auth.WithVerificationTTLs(cfg.ResetTokenTTL, cfg.VerifyTokenTTL),
		auth.WithVerificationCap(cfg.VerifyHourlyCap),
		auth.WithMailer(dispatcher),
		auth.WithAppURL(cfg.AppURL),
	)
	if err != nil {
		return err
	}

	var oidcFlow httpapi.OIDCFlow
	if cfg.OIDC.Enabled() {
		login, err := auth.NewOIDCLogin(ctx, svc, states, auth.OIDCConfig{
			Provider:     cfg.OIDC.Provider,
			IssuerURL:    cfg.OIDC.IssuerURL,
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			RedirectURL:  cfg.OIDC.RedirectURL,
		})
		if err != nil {
			return err
		}
		oidcFlow = login
	}

	api := httpapi.New(serviceName, obs.Version, probe, httpapi.Options{
		CORSOrigins:   cfg.CORSOrigins,
		RateBurst:     cfg.RateBurst,
		RatePerSecond: cfg.RatePerSecond,
		MaxBodyBytes:  cfg.MaxBodyBytes,
	})
	httpapi.NewAuthAPI(svc, oidcFlow).Register(api.Router())

	grpcServer := grpc.NewServer()
	httpapi.NewGRPCHealth(probe, serviceName).Register(grpcServer)

	cleaner := auth.NewCleaner(store, cfg.CleanupInterval, sweepers...)
	closers = append([]func() error{func() error { dispatcher.Wait(); return nil }}, closers...)

	srv := &serve.Server{
		Name:     serviceName,
		HTTP:     serve.NewHTTPServer(cfg.AuthHTTPAddr, api.Handler()),
		GRPC:     grpcServer,
		GRPCAddr: cfg.AuthGRPCAddr,
		Workers:  []func(context.Context){cleaner.Run},
		Closers:  closers,
	}
	return srv.Run(ctx)
}
