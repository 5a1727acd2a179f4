package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T, clock *fakeClock, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	svc, err := NewService(testSecret, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewService("short"); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)

	raw, exp, err := svc.IssueAccessToken(Subject{ID: "p-1", Email: "A@X.com", Roles: []string{"user", "admin", "USER"}})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if want := clock.t.Add(DefaultAccessTTL); !exp.Equal(want) {
		t.Fatalf("expiry %v, want %v", exp, want)
	}

	claims, err := svc.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "p-1" {
		t.Fatalf("subject %q", claims.Subject)
	}
	if claims.Email != "a@x.com" {
		t.Fatalf("email %q", claims.Email)
	}
	if strings.Join(claims.Roles, ",") != "ADMIN,USER" {
		t.Fatalf("roles %v", claims.Roles)
	}
	if claims.PrimaryRole() != "ADMIN" {
		t.Fatalf("primary role %q", claims.PrimaryRole())
	}
	if claims.Type != TypeAccess || claims.Issuer != DefaultIssuer {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if svc.IsRefreshToken(raw) {
		t.Fatal("access token reported as refresh token")
	}
}

func TestRefreshTokensAreUnique(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	svc := newTestService(t, clock)

	a, _, err := svc.IssueRefreshToken("p-1")
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	b, _, err := svc.IssueRefreshToken("p-1")
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	if a == b {
		t.Fatal("refresh tokens minted in the same instant collided")
	}
	if !svc.IsRefreshToken(a) {
		t.Fatal("expected refresh token")
	}
	if _, err := svc.VerifyAccess(a); !errors.Is(err, ErrMalformed) {
		t.Fatalf("VerifyAccess on refresh token: %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	svc := newTestService(t, clock, WithAccessTTL(time.Minute))

	raw, _, err := svc.IssueAccessToken(Subject{ID: "p-1"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := svc.Verify(raw); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifySignatureCheckedBeforeExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	other, err := NewService("ffffffffffffffffffffffffffffffff", WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc := newTestService(t, clock)

	raw, _, err := other.IssueAccessToken(Subject{ID: "p-1"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	clock.Advance(24 * time.Hour)
	if _, err := svc.Verify(raw); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	svc := newTestService(t, clock)

	claims := Claims{Type: TypeAccess, RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    DefaultIssuer,
		Subject:   "p-1",
		IssuedAt:  jwt.NewNumericDate(clock.t),
		ExpiresAt: jwt.NewNumericDate(clock.t.Add(time.Minute)),
	}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.Verify(raw); err == nil {
		t.Fatal("expected none-algorithm token to be rejected")
	}

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.Verify(hs512); err == nil {
		t.Fatal("expected HS512 token to be rejected")
	}
}

func TestVerifyMalformed(t *testing.T) {
	svc := newTestService(t, &fakeClock{t: time.Now()})
	for _, raw := range []string{"", "abc", "a.b.c", "Bearer x.y.z"} {
		if _, err := svc.Verify(raw); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Verify(%q): expected ErrMalformed, got %v", raw, err)
		}
		if svc.IsRefreshToken(raw) {
			t.Fatalf("IsRefreshToken(%q) should be false", raw)
		}
	}
}

func TestVerifyWrongIssuer(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	issuerA, _ := NewService(testSecret, WithClock(clock.Now), WithIssuer("a"))
	issuerB, _ := NewService(testSecret, WithClock(clock.Now), WithIssuer("b"))

	raw, _, err := issuerA.IssueAccessToken(Subject{ID: "p-1"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if _, err := issuerB.Verify(raw); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for foreign issuer, got %v", err)
	}
}

func TestNormalizeRoles(t *testing.T) {
	got := NormalizeRoles([]string{" viewer", "user", "SUPER_ADMIN", "auditor", "User", ""})
	want := "SUPER_ADMIN,USER,AUDITOR,VIEWER"
	if strings.Join(got, ",") != want {
		t.Fatalf("NormalizeRoles=%v, want %s", got, want)
	}
	if NormalizeRoles(nil) != nil {
		t.Fatal("expected nil for empty input")
	}
}
