package auth

import "time"

// Principal is an account that can authenticate. Principals are deactivated, never deleted.
type Principal struct {
	ID             string
	Email          string
	PasswordHash   string
	FirstName      string
	LastName       string
	AvatarURL      string
	Preferences    map[string]any
	EmailVerified  bool
	Active         bool
	FailedAttempts int
	LockedUntil    *time.Time
	LastLoginAt    *time.Time
	Roles          []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Locked reports whether a lockout is in force at now. Lockouts lapse on
// their own once now reaches LockedUntil.
func (p *Principal) Locked(now time.Time) bool {
	return p.LockedUntil != nil && now.Before(*p.LockedUntil)
}

// ProfileUpdate carries optional profile changes; nil fields are left untouched.
type ProfileUpdate struct {
	FirstName   *string
	LastName    *string
	AvatarURL   *string
	Preferences map[string]any
}

// RefreshToken is the server-side record of an issued refresh token. Only the
// SHA-256 of the token string is stored.
type RefreshToken struct {
	ID          string
	PrincipalID string
	TokenHash   string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	Revoked     bool
}

// Active reports whether the token may still be redeemed at now.
func (t *RefreshToken) Active(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// VerificationKind separates email-verification from password-reset tokens.
type VerificationKind string

const (
	KindEmailVerify   VerificationKind = "EMAIL_VERIFY"
	KindPasswordReset VerificationKind = "PASSWORD_RESET"
)

// VerificationToken is a single-use out-of-band token, stored hashed.
type VerificationToken struct {
	ID          string
	PrincipalID string
	TokenHash   string
	Kind        VerificationKind
	ExpiresAt   time.Time
	CreatedAt   time.Time
	Used        bool
}

// Valid reports !used && now < expiresAt.
func (t *VerificationToken) Valid(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}

// TokenPair is what login and refresh hand back to the client.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresIn        int64
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Session is a token pair plus the principal it was issued to.
type Session struct {
	TokenPair
	Principal *Principal
}
