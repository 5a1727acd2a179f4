// Package token mints and verifies the HS256 bearer tokens shared by the
// issuing service and the edge verifier.
package token

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultIssuer     = "tessera"
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	// MinSecretLength is the shortest HMAC key accepted for HS256.
	MinSecretLength = 32

	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	ErrExpired          = errors.New("token expired")
	ErrMalformed        = errors.New("token malformed")
	ErrSignatureInvalid = errors.New("token signature invalid")

	errShortSecret = fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
)

// Claims are the JWT claims carried by both token kinds. Email and Roles are
// only populated on access tokens.
type Claims struct {
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Type  string   `json:"type"`
	jwt.RegisteredClaims
}

// PrimaryRole returns the highest-privileged role, or "" when none.
func (c *Claims) PrimaryRole() string {
	if len(c.Roles) == 0 {
		return ""
	}
	return c.Roles[0]
}

// Subject is the identity snapshot encoded into an access token.
type Subject struct {
	ID    string
	Email string
	Roles []string
}

// Service is a pure function of the signing key and the clock.
type Service struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

type Option func(*Service)

func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService validates the signing key and applies options.
func NewService(secret string, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLength {
		return nil, errShortSecret
	}
	s := &Service{
		secret:     []byte(secret),
		issuer:     DefaultIssuer,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) AccessTTL() time.Duration  { return s.accessTTL }
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }
func (s *Service) Issuer() string            { return s.issuer }

// IssueAccessToken encodes the subject id, email and role list. Roles are a
// snapshot at issuance time.
func (s *Service) IssueAccessToken(sub Subject) (string, time.Time, error) {
	id := strings.TrimSpace(sub.ID)
	if id == "" {
		return "", time.Time{}, errors.New("token: subject id is required")
	}
	now := s.now().UTC()
	exp := now.Add(s.accessTTL)
	claims := Claims{
		Email: strings.ToLower(strings.TrimSpace(sub.Email)),
		Roles: NormalizeRoles(sub.Roles),
		Type:  TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := s.sign(claims)
	return signed, exp, err
}

// IssueRefreshToken carries a random jti so two tokens minted in the same
// second never collide.
func (s *Service) IssueRefreshToken(subjectID string) (string, time.Time, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", time.Time{}, errors.New("token: subject id is required")
	}
	now := s.now().UTC()
	exp := now.Add(s.refreshTTL)
	claims := Claims{
		Type: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := s.sign(claims)
	return signed, exp, err
}

func (s *Service) sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, then expiry, then the issuer and subject claims.
func (s *Service) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformed
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if !parsed.Valid {
		return nil, ErrMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrMalformed)
	}
	if claims.Type != TypeAccess && claims.Type != TypeRefresh {
		return nil, fmt.Errorf("%w: unknown token type", ErrMalformed)
	}
	return claims, nil
}

// VerifyAccess is Verify restricted to access tokens.
func (s *Service) VerifyAccess(raw string) (*Claims, error) {
	claims, err := s.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeAccess {
		return nil, fmt.Errorf("%w: not an access token", ErrMalformed)
	}
	return claims, nil
}

// IsRefreshToken is false on any verification failure.
func (s *Service) IsRefreshToken(raw string) bool {
	claims, err := s.Verify(raw)
	if err != nil {
		return false
	}
	return claims.Type == TypeRefresh
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

var rolePriority = map[string]int{
	"SUPER_ADMIN": 0,
	"ADMIN":       1,
	"USER":        2,
}

// NormalizeRoles upper-cases, trims and dedupes role names, then orders them
// by privilege so the first element is the primary role.
func NormalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToUpper(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, iok := rolePriority[out[i]]
		pj, jok := rolePriority[out[j]]
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		default:
			return out[i] < out[j]
		}
	})
	if len(out) == 0 {
		return nil
	}
	return out
}
