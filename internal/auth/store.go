package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Every state transition that must be atomic is a single store call.
type Store interface {
	Principals(ctx context.Context) PrincipalStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	VerificationTokens(ctx context.Context) VerificationTokenStore

	// RedeemPasswordReset consumes a PASSWORD_RESET token, stores the new
	// credential hash and revokes every refresh token of its owner as one unit.
	// Token failures match VerificationTokenStore.Consume; on any error nothing
	// is changed and the token stays redeemable.
	RedeemPasswordReset(ctx context.Context, tokenHash, passwordHash string, now time.Time) (*VerificationToken, error)
}

// PrincipalStore manages accounts and their global roles.
type PrincipalStore interface {
	Create(ctx context.Context, p *Principal) error
	Find(ctx context.Context, id string) (*Principal, error)
	FindByEmail(ctx context.Context, email string) (*Principal, error)

	// RecordFailedLogin increments the failed-attempt counter and, when the new
	// count reaches threshold, sets locked_until in the same write. It returns
	// the resulting count and lock.
	RecordFailedLogin(ctx context.Context, id string, threshold int, lockUntil time.Time) (int, *time.Time, error)
	// RecordSuccessfulLogin zeroes the counter, clears an expired lock and
	// stamps last login. It fails with ErrAccountLocked, changing nothing, when
	// a lock still in force at time at was set in the meantime.
	RecordSuccessfulLogin(ctx context.Context, id string, at time.Time) error

	UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*Principal, error)
	MarkEmailVerified(ctx context.Context, id string) error

	AddRole(ctx context.Context, id, role string) error
	// RemoveRole fails with ErrLastRole instead of leaving the principal without roles.
	RemoveRole(ctx context.Context, id, role string) error
	SetRoles(ctx context.Context, id string, roles []string) error

	FindByIdentity(ctx context.Context, provider, subject string) (*Principal, error)
	LinkIdentity(ctx context.Context, id, provider, subject string) error
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	// Consume revokes the token identified by hash if it is active and returns
	// the record. Unknown hashes yield ErrNotFound, revoked ones ErrTokenRevoked
	// and expired ones ErrTokenExpired.
	Consume(ctx context.Context, hash string, now time.Time) (*RefreshToken, error)
	RevokeByHash(ctx context.Context, principalID, hash string) error
	RevokeAllForPrincipal(ctx context.Context, principalID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// VerificationTokenStore manages email-verify and password-reset tokens.
type VerificationTokenStore interface {
	Create(ctx context.Context, tok *VerificationToken) error
	// Consume marks the token used if valid. Unknown hashes yield ErrNotFound,
	// used ones ErrTokenAlreadyUsed and expired ones ErrTokenExpired.
	Consume(ctx context.Context, hash string, kind VerificationKind, now time.Time) (*VerificationToken, error)
	InvalidateAll(ctx context.Context, principalID string, kind VerificationKind) error
	CountSince(ctx context.Context, principalID string, kind VerificationKind, since time.Time) (int, error)
	// DeleteExpired removes expired rows that are also older than the resend
	// cap window, since CountSince still needs recent ones.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
