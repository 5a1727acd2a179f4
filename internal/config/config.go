// Package config reads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tessera.dev/internal/token"
)

type SMTP struct {
	Addr     string
	From     string
	Username string
	Password string
}

// Enabled reports whether mail should go through SMTP rather than the log.
func (s SMTP) Enabled() bool { return s.Addr != "" }

type OIDC struct {
	Provider     string
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

func (o OIDC) Enabled() bool { return o.IssuerURL != "" && o.ClientID != "" }

type Config struct {
	Env      string
	LogLevel string

	GatewayHTTPAddr  string
	GatewayGRPCAddr  string
	AuthHTTPAddr     string
	AuthGRPCAddr     string
	ProjectsHTTPAddr string
	ProjectsGRPCAddr string

	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret  string
	JWTIssuer  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	MaxFailedAttempts int
	LockoutDuration   time.Duration
	ResetTokenTTL     time.Duration
	VerifyTokenTTL    time.Duration
	VerifyHourlyCap   int
	CleanupInterval   time.Duration
	AppURL            string

	SMTP SMTP
	OIDC OIDC

	AuthUpstream     string
	ProjectsUpstream string

	CORSOrigins   []string
	RateBurst     int
	RatePerSecond int
	MaxBodyBytes  int64
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// Load reads a .env file when present (real environment wins) and then the
// environment. Malformed numbers and durations are errors, not defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: read .env: %w", err)
	}

	p := parser{}
	c := &Config{
		Env:      strings.ToLower(getenv("TESSERA_ENV", "development")),
		LogLevel: getenv("TESSERA_LOG_LEVEL", "info"),

		GatewayHTTPAddr:  getenv("TESSERA_GATEWAY_HTTP_ADDR", ":8080"),
		GatewayGRPCAddr:  getenv("TESSERA_GATEWAY_GRPC_ADDR", ":9080"),
		AuthHTTPAddr:     getenv("TESSERA_AUTH_HTTP_ADDR", ":8081"),
		AuthGRPCAddr:     getenv("TESSERA_AUTH_GRPC_ADDR", ":9081"),
		ProjectsHTTPAddr: getenv("TESSERA_PROJECTS_HTTP_ADDR", ":8082"),
		ProjectsGRPCAddr: getenv("TESSERA_PROJECTS_GRPC_ADDR", ":9082"),

		PostgresDSN:   getenv("TESSERA_PG_DSN", ""),
		RedisAddr:     getenv("TESSERA_REDIS_ADDR", ""),
		RedisPassword: getenv("TESSERA_REDIS_PASSWORD", ""),
		RedisDB:       p.int("TESSERA_REDIS_DB", 0),

		JWTSecret:  getenv("TESSERA_JWT_SECRET", ""),
		JWTIssuer:  getenv("TESSERA_JWT_ISSUER", token.DefaultIssuer),
		AccessTTL:  p.duration("TESSERA_ACCESS_TTL", token.DefaultAccessTTL),
		RefreshTTL: p.duration("TESSERA_REFRESH_TTL", token.DefaultRefreshTTL),

		MaxFailedAttempts: p.int("TESSERA_LOCKOUT_THRESHOLD", 5),
		LockoutDuration:   p.duration("TESSERA_LOCKOUT_DURATION", 30*time.Minute),
		ResetTokenTTL:     p.duration("TESSERA_RESET_TOKEN_TTL", time.Hour),
		VerifyTokenTTL:    p.duration("TESSERA_VERIFY_TOKEN_TTL", 24*time.Hour),
		VerifyHourlyCap:   p.int("TESSERA_VERIFY_HOURLY_CAP", 3),
		CleanupInterval:   p.duration("TESSERA_CLEANUP_INTERVAL", time.Hour),
		AppURL:            strings.TrimRight(getenv("TESSERA_APP_URL", "http://localhost:3000"), "/"),

		SMTP: SMTP{
			Addr:     getenv("TESSERA_SMTP_ADDR", ""),
			From:     getenv("TESSERA_SMTP_FROM", "no-reply@tessera.dev"),
			Username: getenv("TESSERA_SMTP_USERNAME", ""),
			Password: getenv("TESSERA_SMTP_PASSWORD", ""),
		},
		OIDC: OIDC{
			Provider:     getenv("TESSERA_OIDC_PROVIDER", "oidc"),
			IssuerURL:    getenv("TESSERA_OIDC_ISSUER_URL", ""),
			ClientID:     getenv("TESSERA_OIDC_CLIENT_ID", ""),
			ClientSecret: getenv("TESSERA_OIDC_CLIENT_SECRET", ""),
			RedirectURL:  getenv("TESSERA_OIDC_REDIRECT_URL", ""),
		},

		AuthUpstream:     getenv("TESSERA_AUTH_UPSTREAM", "http://localhost:8081"),
		ProjectsUpstream: getenv("TESSERA_PROJECTS_UPSTREAM", "http://localhost:8082"),

		CORSOrigins:   splitList(getenv("TESSERA_CORS_ORIGINS", "")),
		RateBurst:     p.int("TESSERA_RATE_BURST", 20),
		RatePerSecond: p.int("TESSERA_RATE_PER_SECOND", 10),
		MaxBodyBytes:  int64(p.int("TESSERA_MAX_BODY_BYTES", 1<<20)),
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	if c.MaxFailedAttempts < 1 {
		return nil, errors.New("config: TESSERA_LOCKOUT_THRESHOLD must be at least 1")
	}
	if c.VerifyHourlyCap < 1 {
		return nil, errors.New("config: TESSERA_VERIFY_HOURLY_CAP must be at least 1")
	}
	return c, nil
}

// RequireSigningKey is checked by the binaries that mint or verify tokens.
func (c *Config) RequireSigningKey() error {
	if len(c.JWTSecret) < token.MinSecretLength {
		return fmt.Errorf("config: TESSERA_JWT_SECRET must be at least %d bytes", token.MinSecretLength)
	}
	return nil
}

func (c *Config) Production() bool {
	return c.Env == "production" || c.Env == "prod"
}

type parser struct {
	errs []error
}

func (p *parser) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %q is not an integer", key, raw))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %q is not a positive duration", key, raw))
		return def
	}
	return v
}

func (p *parser) err() error { return errors.Join(p.errs...) }

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
