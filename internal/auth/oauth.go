package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"tessera.dev/internal/audit"
	"tessera.dev/internal/ids"
	"tessera.dev/internal/mail"
	"tessera.dev/internal/obs"
)

const oauthStateTTL = 5 * time.Minute

// ErrOAuthState is returned when a callback carries an unknown, expired or
// replayed state parameter.
var ErrOAuthState = fmt.Errorf("%w: oauth state", ErrInvalidToken)

// OIDCConfig describes an external OpenID Connect provider.
type OIDCConfig struct {
	Provider     string
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

type codeExchanger interface {
	AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

type idTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCLogin signs principals in through an external provider. Pending states
// live in a StateStore so any instance can complete the round trip.
type OIDCLogin struct {
	provider string
	svc      *Service
	states   StateStore
	oauth    codeExchanger
	verifier idTokenVerifier
}

// NewOIDCLogin performs provider discovery.
func NewOIDCLogin(ctx context.Context, svc *Service, states StateStore, cfg OIDCConfig) (*OIDCLogin, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return newOIDCLogin(cfg.Provider, svc, states, conf, verifier), nil
}

func newOIDCLogin(name string, svc *Service, states StateStore, ex codeExchanger, v idTokenVerifier) *OIDCLogin {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "oidc"
	}
	return &OIDCLogin{provider: name, svc: svc, states: states, oauth: ex, verifier: v}
}

func (o *OIDCLogin) Provider() string { return o.provider }

// AuthorizeURL stores a fresh pending state and returns the provider URL.
func (o *OIDCLogin) AuthorizeURL(ctx context.Context) (string, error) {
	state, err := ids.Secret(24)
	if err != nil {
		return "", err
	}
	nonce, err := ids.Secret(24)
	if err != nil {
		return "", err
	}
	pending := OAuthState{Provider: o.provider, Nonce: nonce, CreatedAt: o.svc.now().UTC()}
	if err := o.states.Put(ctx, state, pending, oauthStateTTL); err != nil {
		return "", err
	}
	return o.oauth.AuthCodeURL(state, oidc.Nonce(nonce)), nil
}

type oidcClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
}

// Callback redeems the state, exchanges the code and signs the principal in.
func (o *OIDCLogin) Callback(ctx context.Context, state, code string) (Session, error) {
	if strings.TrimSpace(state) == "" || strings.TrimSpace(code) == "" {
		return Session{}, &ValidationError{Fields: map[string]string{"state": "and code are required"}}
	}
	pending, err := o.states.Take(ctx, state)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrOAuthState
		}
		return Session{}, err
	}
	if pending.Provider != o.provider {
		return Session{}, ErrOAuthState
	}

	tok, err := o.oauth.Exchange(ctx, code)
	if err != nil {
		return Session{}, fmt.Errorf("%w: code exchange: %v", ErrInvalidCredentials, err)
	}
	rawID, ok := tok.Extra("id_token").(string)
	if !ok || rawID == "" {
		return Session{}, fmt.Errorf("%w: no id_token in provider response", ErrInvalidCredentials)
	}
	idToken, err := o.verifier.Verify(ctx, rawID)
	if err != nil {
		return Session{}, fmt.Errorf("%w: id token: %v", ErrInvalidCredentials, err)
	}
	if idToken.Nonce != pending.Nonce {
		return Session{}, fmt.Errorf("%w: nonce mismatch", ErrInvalidCredentials)
	}
	var claims oidcClaims
	if err := idToken.Claims(&claims); err != nil {
		return Session{}, fmt.Errorf("%w: id token claims: %v", ErrInvalidCredentials, err)
	}
	if claims.Email == "" || !claims.EmailVerified {
		return Session{}, fmt.Errorf("%w: provider did not assert a verified email", ErrInvalidCredentials)
	}
	return o.svc.LoginExternal(ctx, ExternalIdentity{
		Provider:  o.provider,
		Subject:   idToken.Subject,
		Email:     claims.Email,
		FirstName: claims.GivenName,
		LastName:  claims.FamilyName,
		AvatarURL: claims.Picture,
	})
}

// ExternalIdentity is a principal asserted by an external provider.
type ExternalIdentity struct {
	Provider  string
	Subject   string
	Email     string
	FirstName string
	LastName  string
	AvatarURL string
}

// LoginExternal finds the principal linked to ext, links an existing account
// with the same email, or provisions a new pre-verified one, then issues a session.
func (s *Service) LoginExternal(ctx context.Context, ext ExternalIdentity) (Session, error) {
	principals := s.store.Principals(ctx)
	email := normalizeEmail(ext.Email)

	p, err := principals.FindByIdentity(ctx, ext.Provider, ext.Subject)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		p, err = principals.FindByEmail(ctx, email)
		switch {
		case err == nil:
			if err := principals.LinkIdentity(ctx, p.ID, ext.Provider, ext.Subject); err != nil {
				return Session{}, err
			}
		case errors.Is(err, ErrNotFound):
			p, err = s.provisionExternal(ctx, ext, email)
			if err != nil {
				return Session{}, err
			}
		default:
			return Session{}, err
		}
	default:
		return Session{}, err
	}
	if !p.Active {
		return Session{}, ErrInvalidCredentials
	}

	// A provider login does not bypass a lockout and never lifts one early.
	now := s.now().UTC()
	if p.Locked(now) {
		obs.LoginAttempt("locked")
		obs.Logger().WarnContext(ctx, "external_login_locked_account", "provider", ext.Provider, "principal", mail.MaskAddress(p.Email))
		return Session{}, ErrAccountLocked
	}
	if err := principals.RecordSuccessfulLogin(ctx, p.ID, now); err != nil {
		return Session{}, err
	}
	p.FailedAttempts = 0
	p.LockedUntil = nil
	p.LastLoginAt = &now
	pair, err := s.mintTokens(ctx, p)
	if err != nil {
		return Session{}, err
	}
	obs.LoginAttempt("external")
	obs.Logger().InfoContext(ctx, "external_login", "provider", ext.Provider, "principal", mail.MaskAddress(p.Email))
	_ = audit.LogEvent(ctx, "auth.login_external", map[string]any{"principal_id": p.ID, "provider": ext.Provider})
	return Session{TokenPair: pair, Principal: p}, nil
}

func (s *Service) provisionExternal(ctx context.Context, ext ExternalIdentity, email string) (*Principal, error) {
	// External accounts get an unguessable password; they sign in through the
	// provider or after a password reset.
	secret, err := ids.Secret(32)
	if err != nil {
		return nil, err
	}
	hash, err := HashPassword(secret)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p := &Principal{
		ID:            ids.New(),
		Email:         email,
		PasswordHash:  hash,
		FirstName:     strings.TrimSpace(ext.FirstName),
		LastName:      strings.TrimSpace(ext.LastName),
		AvatarURL:     ext.AvatarURL,
		EmailVerified: true,
		Active:        true,
		Roles:         []string{RoleUser},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	principals := s.store.Principals(ctx)
	if err := principals.Create(ctx, p); err != nil {
		return nil, err
	}
	if err := principals.LinkIdentity(ctx, p.ID, ext.Provider, ext.Subject); err != nil {
		return nil, err
	}
	return p, nil
}
