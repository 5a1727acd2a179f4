package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.MaxFailedAttempts != 5 || c.LockoutDuration != 30*time.Minute {
		t.Fatalf("unexpected lockout defaults: %d %s", c.MaxFailedAttempts, c.LockoutDuration)
	}
	if c.VerifyHourlyCap != 3 || c.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected token defaults: %+v", c)
	}
	if c.SMTP.Enabled() || c.OIDC.Enabled() {
		t.Fatalf("optional integrations must default to off")
	}
	if err := c.RequireSigningKey(); err == nil {
		t.Fatal("expected missing signing key to be reported")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TESSERA_LOCKOUT_THRESHOLD", "3")
	t.Setenv("TESSERA_LOCKOUT_DURATION", "10m")
	t.Setenv("TESSERA_CORS_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("TESSERA_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TESSERA_APP_URL", "https://app.example.com/")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.MaxFailedAttempts != 3 || c.LockoutDuration != 10*time.Minute {
		t.Fatalf("overrides ignored: %+v", c)
	}
	if len(c.CORSOrigins) != 2 || c.CORSOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %q", c.CORSOrigins)
	}
	if c.AppURL != "https://app.example.com" {
		t.Fatalf("trailing slash not trimmed: %q", c.AppURL)
	}
	if err := c.RequireSigningKey(); err != nil {
		t.Fatalf("signing key: %v", err)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TESSERA_RATE_BURST", "lots")
	t.Setenv("TESSERA_ACCESS_TTL", "-5m")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed values")
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("TESSERA_VERIFY_HOURLY_CAP=7\nTESSERA_LOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("TESSERA_LOG_LEVEL", "warn")
	// registers cleanup so the value godotenv sets does not leak
	t.Setenv("TESSERA_VERIFY_HOURLY_CAP", "")
	os.Unsetenv("TESSERA_VERIFY_HOURLY_CAP")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.VerifyHourlyCap != 7 {
		t.Fatalf(".env value not applied: %d", c.VerifyHourlyCap)
	}
	if c.LogLevel != "warn" {
		t.Fatalf("real environment must win over .env, got %q", c.LogLevel)
	}
}
