package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"tessera.dev/internal/audit"
	"tessera.dev/internal/ids"
	"tessera.dev/internal/mail"
	"tessera.dev/internal/obs"
	"tessera.dev/internal/token"
)

const (
	defaultMaxFailedAttempts = 5
	defaultLockoutDuration   = 15 * time.Minute
	defaultResetTTL          = time.Hour
	defaultVerifyTTL         = 24 * time.Hour
	defaultVerifyHourlyCap   = 3

	// verifyCapWindow is the rolling window of the resend cap. Stores keep
	// verification rows at least this long so the count stays complete.
	verifyCapWindow = time.Hour

	minPasswordLength = 8
	maxPasswordLength = 72
	maxNameLength     = 100

	// ForgotPasswordMessage is returned whether or not the email exists.
	ForgotPasswordMessage = "If the email exists, a password reset link has been sent"
)

// Mailer hands messages to an asynchronous delivery path.
type Mailer interface {
	Dispatch(ctx context.Context, msg mail.Message)
}

type discardMailer struct{}

func (discardMailer) Dispatch(context.Context, mail.Message) {}

// Service owns the login state machine, refresh rotation and the
// verification-token lifecycle.
type Service struct {
	store  Store
	tokens *token.Service
	mailer Mailer
	now    func() time.Time

	maxFailedAttempts int
	lockoutDuration   time.Duration
	resetTTL          time.Duration
	verifyTTL         time.Duration
	verifyHourlyCap   int
	appURL            string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithLockout sets the consecutive-failure threshold and lock duration.
func WithLockout(maxAttempts int, duration time.Duration) ServiceOption {
	return func(s *Service) error {
		if maxAttempts < 1 || duration <= 0 {
			return errors.New("auth: lockout threshold and duration must be positive")
		}
		s.maxFailedAttempts = maxAttempts
		s.lockoutDuration = duration
		return nil
	}
}

// WithVerificationTTLs sets password-reset and email-verify token lifetimes.
func WithVerificationTTLs(reset, verify time.Duration) ServiceOption {
	return func(s *Service) error {
		if reset > 0 {
			s.resetTTL = reset
		}
		if verify > 0 {
			s.verifyTTL = verify
		}
		return nil
	}
}

// WithVerificationCap limits verification tokens per principal per rolling hour.
func WithVerificationCap(n int) ServiceOption {
	return func(s *Service) error {
		if n < 1 {
			return errors.New("auth: verification cap must be positive")
		}
		s.verifyHourlyCap = n
		return nil
	}
}

func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) error {
		if m != nil {
			s.mailer = m
		}
		return nil
	}
}

// WithAppURL sets the base URL used in emailed links.
func WithAppURL(u string) ServiceOption {
	return func(s *Service) error {
		s.appURL = strings.TrimRight(strings.TrimSpace(u), "/")
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *token.Service, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	svc := &Service{
		store:             store,
		tokens:            tokens,
		mailer:            discardMailer{},
		now:               time.Now,
		maxFailedAttempts: defaultMaxFailedAttempts,
		lockoutDuration:   defaultLockoutDuration,
		resetTTL:          defaultResetTTL,
		verifyTTL:         defaultVerifyTTL,
		verifyHourlyCap:   defaultVerifyHourlyCap,
		appURL:            "http://localhost:3000",
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Tokens exposes the token service shared with the HTTP layer.
func (s *Service) Tokens() *token.Service { return s.tokens }

// RegisterInput is the payload of a sign-up.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Register creates an active, unverified principal with the USER role and
// mails an email-verification token.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Principal, error) {
	email := normalizeEmail(in.Email)
	fe := fieldErrors{}
	validateEmail(fe, email)
	validatePassword(fe, "password", in.Password)
	firstName := strings.TrimSpace(in.FirstName)
	lastName := strings.TrimSpace(in.LastName)
	validateName(fe, "firstName", firstName, true)
	validateName(fe, "lastName", lastName, true)
	if err := fe.err(); err != nil {
		return nil, err
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p := &Principal{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		FirstName:    firstName,
		LastName:     lastName,
		Active:       true,
		Roles:        []string{RoleUser},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Principals(ctx).Create(ctx, p); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: email already registered", ErrConflict)
		}
		return nil, err
	}
	obs.Logger().InfoContext(ctx, "principal_registered", "principal", mail.MaskAddress(email))
	_ = audit.LogEvent(ctx, "auth.register", map[string]any{"principal_id": p.ID})

	raw, err := s.issueVerificationToken(ctx, p.ID, KindEmailVerify, s.verifyTTL)
	if err != nil {
		return nil, err
	}
	s.mailer.Dispatch(ctx, s.verificationMessage(p, raw))
	return p, nil
}

// Login authenticates email and password. A locked account fails before any
// password comparison and without touching the counter.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)
	principals := s.store.Principals(ctx)

	p, err := principals.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			burnCompare(password)
			obs.LoginAttempt("unknown_email")
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}
	if !p.Active {
		burnCompare(password)
		obs.LoginAttempt("inactive")
		return Session{}, ErrInvalidCredentials
	}

	now := s.now().UTC()
	if p.Locked(now) {
		obs.LoginAttempt("locked")
		obs.Logger().WarnContext(ctx, "login_locked_account", "principal", mail.MaskAddress(email))
		return Session{}, ErrAccountLocked
	}

	if err := VerifyPassword(p.PasswordHash, password); err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			return Session{}, err
		}
		attempts, lockedUntil, recErr := principals.RecordFailedLogin(ctx, p.ID, s.maxFailedAttempts, now.Add(s.lockoutDuration))
		if recErr != nil {
			return Session{}, recErr
		}
		obs.LoginAttempt("bad_password")
		if attempts >= s.maxFailedAttempts && lockedUntil != nil {
			obs.Lockout()
			obs.Logger().WarnContext(ctx, "account_locked", "principal", mail.MaskAddress(email), "attempts", attempts)
			_ = audit.LogEvent(ctx, "auth.lockout", map[string]any{
				"principal_id": p.ID,
				"locked_until": lockedUntil.UTC().Format(time.RFC3339),
			})
		}
		return Session{}, ErrInvalidCredentials
	}

	if err := principals.RecordSuccessfulLogin(ctx, p.ID, now); err != nil {
		if errors.Is(err, ErrAccountLocked) {
			obs.LoginAttempt("locked")
		}
		return Session{}, err
	}
	p.FailedAttempts = 0
	p.LockedUntil = nil
	p.LastLoginAt = &now

	pair, err := s.mintTokens(ctx, p)
	if err != nil {
		return Session{}, err
	}
	obs.LoginAttempt("success")
	obs.Logger().InfoContext(ctx, "login_succeeded", "principal", mail.MaskAddress(email))
	_ = audit.LogEvent(ctx, "auth.login", map[string]any{"principal_id": p.ID})
	return Session{TokenPair: pair, Principal: p}, nil
}

// Refresh redeems a refresh token exactly once and issues a new pair. A
// well-formed token that was already redeemed fails with ErrTokenRevoked.
func (s *Service) Refresh(ctx context.Context, raw string) (TokenPair, error) {
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		obs.Refresh("invalid")
		if errors.Is(err, token.ErrExpired) {
			return TokenPair{}, ErrTokenExpired
		}
		return TokenPair{}, ErrInvalidToken
	}
	if claims.Type != token.TypeRefresh {
		obs.Refresh("invalid")
		return TokenPair{}, ErrInvalidToken
	}

	rec, err := s.store.RefreshTokens(ctx).Consume(ctx, hashToken(raw), s.now().UTC())
	switch {
	case errors.Is(err, ErrNotFound):
		obs.Refresh("unknown")
		return TokenPair{}, ErrInvalidToken
	case errors.Is(err, ErrTokenRevoked):
		obs.Refresh("reused")
		obs.Logger().WarnContext(ctx, "refresh_token_reuse", "principal_id", claims.Subject)
		_ = audit.LogEvent(ctx, "auth.refresh_reuse", map[string]any{"principal_id": claims.Subject})
		return TokenPair{}, ErrTokenRevoked
	case errors.Is(err, ErrTokenExpired):
		obs.Refresh("expired")
		return TokenPair{}, ErrTokenExpired
	case err != nil:
		return TokenPair{}, err
	}
	if rec.PrincipalID != claims.Subject {
		obs.Refresh("invalid")
		return TokenPair{}, ErrInvalidToken
	}

	p, err := s.store.Principals(ctx).Find(ctx, rec.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidToken
		}
		return TokenPair{}, err
	}
	if !p.Active {
		obs.Refresh("inactive")
		return TokenPair{}, ErrInvalidToken
	}
	pair, err := s.mintTokens(ctx, p)
	if err != nil {
		return TokenPair{}, err
	}
	obs.Refresh("success")
	return pair, nil
}

// Logout revokes the supplied refresh token, or every token of the principal
// when raw is empty.
func (s *Service) Logout(ctx context.Context, principalID, raw string) error {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return ErrUnauthenticated
	}
	tokens := s.store.RefreshTokens(ctx)
	var err error
	scope := "single"
	if raw = strings.TrimSpace(raw); raw != "" {
		err = tokens.RevokeByHash(ctx, principalID, hashToken(raw))
	} else {
		scope = "all"
		err = tokens.RevokeAllForPrincipal(ctx, principalID)
	}
	if err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "auth.logout", map[string]any{"principal_id": principalID, "scope": scope})
	return nil
}

// Authenticate verifies an access token for endpoints served by this service.
func (s *Service) Authenticate(raw string) (*token.Claims, error) {
	claims, err := s.tokens.VerifyAccess(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Profile returns the current principal.
func (s *Service) Profile(ctx context.Context, principalID string) (*Principal, error) {
	return s.store.Principals(ctx).Find(ctx, principalID)
}

// UpdateProfile applies non-empty name changes and any avatar or preference change.
func (s *Service) UpdateProfile(ctx context.Context, principalID string, upd ProfileUpdate) (*Principal, error) {
	fe := fieldErrors{}
	if upd.FirstName != nil {
		v := strings.TrimSpace(*upd.FirstName)
		if v == "" {
			upd.FirstName = nil
		} else {
			validateName(fe, "firstName", v, false)
			upd.FirstName = &v
		}
	}
	if upd.LastName != nil {
		v := strings.TrimSpace(*upd.LastName)
		if v == "" {
			upd.LastName = nil
		} else {
			validateName(fe, "lastName", v, false)
			upd.LastName = &v
		}
	}
	if upd.AvatarURL != nil && *upd.AvatarURL != "" && !validURL(*upd.AvatarURL) {
		fe.add("avatarUrl", "must be a valid URL")
	}
	if err := fe.err(); err != nil {
		return nil, err
	}
	p, err := s.store.Principals(ctx).UpdateProfile(ctx, principalID, upd)
	if err != nil {
		return nil, err
	}
	obs.Logger().InfoContext(ctx, "profile_updated", "principal", mail.MaskAddress(p.Email))
	return p, nil
}

// ForgotPassword always returns ForgotPasswordMessage. For a known email it
// retires earlier reset tokens and mails a new one.
func (s *Service) ForgotPassword(ctx context.Context, email string) (string, error) {
	email = normalizeEmail(email)
	p, err := s.store.Principals(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ForgotPasswordMessage, nil
		}
		return "", err
	}
	if err := s.store.VerificationTokens(ctx).InvalidateAll(ctx, p.ID, KindPasswordReset); err != nil {
		obs.Logger().ErrorContext(ctx, "password_reset_invalidate_failed", "error", err.Error())
		return ForgotPasswordMessage, nil
	}
	raw, err := s.issueVerificationToken(ctx, p.ID, KindPasswordReset, s.resetTTL)
	if err != nil {
		obs.Logger().ErrorContext(ctx, "password_reset_issue_failed", "error", err.Error())
		return ForgotPasswordMessage, nil
	}
	s.mailer.Dispatch(ctx, mail.Message{
		To:      p.Email,
		Kind:    "password_reset",
		Subject: "Reset your password",
		Body: fmt.Sprintf("Hi %s,\n\nUse the link below to reset your password. It expires in %s.\n\n%s/reset-password?token=%s\n",
			p.FirstName, s.resetTTL, s.appURL, raw),
	})
	_ = audit.LogEvent(ctx, "auth.password_reset_requested", map[string]any{"principal_id": p.ID})
	return ForgotPasswordMessage, nil
}

// ResetPassword redeems a reset token, replaces the password and revokes
// every refresh token of the principal.
func (s *Service) ResetPassword(ctx context.Context, raw, newPassword string) error {
	fe := fieldErrors{}
	if strings.TrimSpace(raw) == "" {
		fe.add("token", "is required")
	}
	validatePassword(fe, "newPassword", newPassword)
	if err := fe.err(); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	rec, err := s.store.RedeemPasswordReset(ctx, hashToken(raw), hash, s.now().UTC())
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrInvalidToken
	case err != nil:
		return err
	}
	if p, err := s.store.Principals(ctx).Find(ctx, rec.PrincipalID); err == nil {
		s.mailer.Dispatch(ctx, mail.Message{
			To:      p.Email,
			Kind:    "password_changed",
			Subject: "Your password was changed",
			Body:    "Your password was just reset and all sessions were signed out.\n",
		})
	}
	_ = audit.LogEvent(ctx, "auth.password_reset", map[string]any{"principal_id": rec.PrincipalID})
	return nil
}

// VerifyEmail redeems an email-verification token.
func (s *Service) VerifyEmail(ctx context.Context, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ValidationError{Fields: map[string]string{"token": "is required"}}
	}
	rec, err := s.consumeVerification(ctx, raw, KindEmailVerify)
	if err != nil {
		return err
	}
	if err := s.store.Principals(ctx).MarkEmailVerified(ctx, rec.PrincipalID); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "auth.email_verified", map[string]any{"principal_id": rec.PrincipalID})
	return nil
}

// ResendVerification mails a fresh verification token, at most
// verifyHourlyCap per rolling hour counting every issuance.
func (s *Service) ResendVerification(ctx context.Context, principalID string) error {
	p, err := s.store.Principals(ctx).Find(ctx, principalID)
	if err != nil {
		return err
	}
	if p.EmailVerified {
		return ErrEmailAlreadyVerified
	}
	vt := s.store.VerificationTokens(ctx)
	recent, err := vt.CountSince(ctx, p.ID, KindEmailVerify, s.now().UTC().Add(-verifyCapWindow))
	if err != nil {
		return err
	}
	if recent >= s.verifyHourlyCap {
		return fmt.Errorf("%w: maximum verification emails sent, try again later", ErrRateLimited)
	}
	if err := vt.InvalidateAll(ctx, p.ID, KindEmailVerify); err != nil {
		return err
	}
	raw, err := s.issueVerificationToken(ctx, p.ID, KindEmailVerify, s.verifyTTL)
	if err != nil {
		return err
	}
	s.mailer.Dispatch(ctx, s.verificationMessage(p, raw))
	return nil
}

func (s *Service) consumeVerification(ctx context.Context, raw string, kind VerificationKind) (*VerificationToken, error) {
	rec, err := s.store.VerificationTokens(ctx).Consume(ctx, hashToken(raw), kind, s.now().UTC())
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ErrInvalidToken
	case err != nil:
		return nil, err
	}
	return rec, nil
}

func (s *Service) issueVerificationToken(ctx context.Context, principalID string, kind VerificationKind, ttl time.Duration) (string, error) {
	raw, err := ids.Secret(32)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	rec := &VerificationToken{
		ID:          ids.New(),
		PrincipalID: principalID,
		TokenHash:   hashToken(raw),
		Kind:        kind,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}
	if err := s.store.VerificationTokens(ctx).Create(ctx, rec); err != nil {
		return "", err
	}
	return raw, nil
}

func (s *Service) verificationMessage(p *Principal, raw string) mail.Message {
	return mail.Message{
		To:      p.Email,
		Kind:    "verify_email",
		Subject: "Verify your email",
		Body: fmt.Sprintf("Hi %s,\n\nConfirm your email address:\n\n%s/verify-email?token=%s\n",
			p.FirstName, s.appURL, raw),
	}
}

func (s *Service) mintTokens(ctx context.Context, p *Principal) (TokenPair, error) {
	access, accessExp, err := s.tokens.IssueAccessToken(token.Subject{ID: p.ID, Email: p.Email, Roles: p.Roles})
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.tokens.IssueRefreshToken(p.ID)
	if err != nil {
		return TokenPair{}, err
	}
	rec := &RefreshToken{
		ID:          ids.New(),
		PrincipalID: p.ID,
		TokenHash:   hashToken(refresh),
		ExpiresAt:   refreshExp,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.tokens.AccessTTL() / time.Second),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(fe fieldErrors, email string) {
	if email == "" {
		fe.add("email", "is required")
		return
	}
	addr, err := netmail.ParseAddress(email)
	if err != nil || addr.Address != email {
		fe.add("email", "must be a valid email address")
	}
}

func validatePassword(fe fieldErrors, field, password string) {
	switch {
	case password == "":
		fe.add(field, "is required")
	case len(password) < minPasswordLength:
		fe.add(field, fmt.Sprintf("must be at least %d characters", minPasswordLength))
	case len(password) > maxPasswordLength:
		fe.add(field, fmt.Sprintf("must not exceed %d bytes", maxPasswordLength))
	}
}

func validateName(fe fieldErrors, field, v string, required bool) {
	if v == "" {
		if required {
			fe.add(field, "is required")
		}
		return
	}
	if len([]rune(v)) > maxNameLength {
		fe.add(field, fmt.Sprintf("must not exceed %d characters", maxNameLength))
	}
}

func validURL(raw string) bool {
	return strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "http://")
}
