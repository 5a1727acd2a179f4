package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Principals(context.Context) PrincipalStore { return &principalStore{db: s.db} }
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore {
	return &refreshTokenStore{db: s.db}
}
func (s *PGStore) VerificationTokens(context.Context) VerificationTokenStore {
	return &verificationStore{db: s.db}
}

func (s *PGStore) RedeemPasswordReset(ctx context.Context, tokenHash, passwordHash string, now time.Time) (*VerificationToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	tok, err := consumeVerification(ctx, tx, tokenHash, KindPasswordReset, now)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx,
		`update principals set password_hash=$2, updated_at=now() where id=$1`, tok.PrincipalID, passwordHash)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`update refresh_tokens set revoked=true where principal_id=$1 and not revoked`, tok.PrincipalID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tok, nil
}

func mapPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrConflict
		case "23503":
			return ErrNotFound
		}
	}
	return err
}

// Principal store ----------------------------------------------------------
type principalStore struct{ db *sql.DB }

const principalColumns = `id, email, password_hash, first_name, last_name, avatar_url, preferences,
	email_verified, active, failed_attempts, locked_until, last_login_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (*Principal, error) {
	var (
		p           Principal
		prefs       []byte
		lockedUntil sql.NullTime
		lastLogin   sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Email, &p.PasswordHash, &p.FirstName, &p.LastName, &p.AvatarURL, &prefs,
		&p.EmailVerified, &p.Active, &p.FailedAttempts, &lockedUntil, &lastLogin, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(prefs) > 0 {
		_ = json.Unmarshal(prefs, &p.Preferences)
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		p.LockedUntil = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		p.LastLoginAt = &t
	}
	return &p, nil
}

func (s *principalStore) loadRoles(ctx context.Context, p *Principal) error {
	rows, err := s.db.QueryContext(ctx,
		`select role from principal_roles where principal_id=$1 order by role`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return err
		}
		p.Roles = append(p.Roles, role)
	}
	return rows.Err()
}

func (s *principalStore) Create(ctx context.Context, p *Principal) error {
	prefs, err := json.Marshal(p.Preferences)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`insert into principals(id, email, password_hash, first_name, last_name, avatar_url, preferences, email_verified, active)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.Email, p.PasswordHash, p.FirstName, p.LastName, p.AvatarURL, prefs, p.EmailVerified, p.Active,
	)
	if err != nil {
		return mapPGError(err)
	}
	for _, role := range p.Roles {
		if _, err := tx.ExecContext(ctx,
			`insert into principal_roles(principal_id, role) values($1,$2)`, p.ID, role); err != nil {
			return mapPGError(err)
		}
	}
	return tx.Commit()
}

func (s *principalStore) Find(ctx context.Context, id string) (*Principal, error) {
	p, err := scanPrincipal(s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where id=$1`, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadRoles(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *principalStore) FindByEmail(ctx context.Context, email string) (*Principal, error) {
	p, err := scanPrincipal(s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where email=$1`, email))
	if err != nil {
		return nil, err
	}
	if err := s.loadRoles(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *principalStore) RecordFailedLogin(ctx context.Context, id string, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	var (
		attempts int
		locked   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`update principals
		    set failed_attempts = failed_attempts + 1,
		        locked_until = case when failed_attempts + 1 >= $2 then $3 else locked_until end,
		        updated_at = now()
		  where id=$1
		returning failed_attempts, locked_until`,
		id, threshold, lockUntil,
	).Scan(&attempts, &locked)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, ErrNotFound
		}
		return 0, nil, err
	}
	if !locked.Valid {
		return attempts, nil, nil
	}
	t := locked.Time
	return attempts, &t, nil
}

func (s *principalStore) RecordSuccessfulLogin(ctx context.Context, id string, at time.Time) error {
	err := s.execOne(ctx,
		`update principals set failed_attempts=0, locked_until=null, last_login_at=$2, updated_at=now()
		  where id=$1 and (locked_until is null or locked_until <= $2)`,
		id, at)
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from principals where id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrAccountLocked
	}
	return ErrNotFound
}

func (s *principalStore) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*Principal, error) {
	var prefs any
	if upd.Preferences != nil {
		b, err := json.Marshal(upd.Preferences)
		if err != nil {
			return nil, err
		}
		prefs = b
	}
	err := s.execOne(ctx,
		`update principals
		    set first_name=coalesce($2, first_name),
		        last_name=coalesce($3, last_name),
		        avatar_url=coalesce($4, avatar_url),
		        preferences=coalesce($5, preferences),
		        updated_at=now()
		  where id=$1`,
		id, upd.FirstName, upd.LastName, upd.AvatarURL, prefs)
	if err != nil {
		return nil, err
	}
	return s.Find(ctx, id)
}

func (s *principalStore) MarkEmailVerified(ctx context.Context, id string) error {
	return s.execOne(ctx,
		`update principals set email_verified=true, updated_at=now() where id=$1`, id)
}

func (s *principalStore) AddRole(ctx context.Context, id, role string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into principal_roles(principal_id, role) values($1,$2)`, id, role)
	return mapPGError(err)
}

func (s *principalStore) RemoveRole(ctx context.Context, id, role string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := lockPrincipal(ctx, tx, id); err != nil {
		return err
	}
	var total, held int
	if err := tx.QueryRowContext(ctx,
		`select count(*), count(*) filter (where role=$2) from principal_roles where principal_id=$1`,
		id, role,
	).Scan(&total, &held); err != nil {
		return err
	}
	if held == 0 {
		return ErrNotFound
	}
	if total <= 1 {
		return ErrLastRole
	}
	if _, err := tx.ExecContext(ctx,
		`delete from principal_roles where principal_id=$1 and role=$2`, id, role); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *principalStore) SetRoles(ctx context.Context, id string, roles []string) error {
	if len(roles) == 0 {
		return ErrLastRole
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := lockPrincipal(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from principal_roles where principal_id=$1`, id); err != nil {
		return err
	}
	for _, role := range roles {
		if _, err := tx.ExecContext(ctx,
			`insert into principal_roles(principal_id, role) values($1,$2)`, id, role); err != nil {
			return mapPGError(err)
		}
	}
	return tx.Commit()
}

func (s *principalStore) FindByIdentity(ctx context.Context, provider, subject string) (*Principal, error) {
	p, err := scanPrincipal(s.db.QueryRowContext(ctx,
		`select `+principalColumnsQualified+` from principals p
		 join principal_identities i on i.principal_id=p.id
		 where i.provider=$1 and i.subject=$2`, provider, subject))
	if err != nil {
		return nil, err
	}
	if err := s.loadRoles(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *principalStore) LinkIdentity(ctx context.Context, id, provider, subject string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into principal_identities(provider, subject, principal_id) values($1,$2,$3)`,
		provider, subject, id)
	return mapPGError(err)
}

func (s *principalStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const principalColumnsQualified = `p.id, p.email, p.password_hash, p.first_name, p.last_name, p.avatar_url, p.preferences,
	p.email_verified, p.active, p.failed_attempts, p.locked_until, p.last_login_at, p.created_at, p.updated_at`

func lockPrincipal(ctx context.Context, tx *sql.Tx, id string) error {
	var locked string
	err := tx.QueryRowContext(ctx, `select id from principals where id=$1 for update`, id).Scan(&locked)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

// Refresh token store ------------------------------------------------------
type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, principal_id, token_hash, expires_at, created_at, revoked)
		 values($1,$2,$3,$4,$5,false)`,
		tok.ID, tok.PrincipalID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt,
	)
	return mapPGError(err)
}

func (s *refreshTokenStore) Consume(ctx context.Context, hash string, now time.Time) (*RefreshToken, error) {
	var tok RefreshToken
	err := s.db.QueryRowContext(ctx,
		`update refresh_tokens set revoked=true
		  where token_hash=$1 and not revoked and expires_at > $2
		returning id, principal_id, token_hash, expires_at, created_at, revoked`,
		hash, now,
	).Scan(&tok.ID, &tok.PrincipalID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt, &tok.Revoked)
	if err == nil {
		return &tok, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	var (
		revoked   bool
		expiresAt time.Time
	)
	err = s.db.QueryRowContext(ctx,
		`select revoked, expires_at from refresh_tokens where token_hash=$1`, hash,
	).Scan(&revoked, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	case revoked:
		return nil, ErrTokenRevoked
	default:
		return nil, ErrTokenExpired
	}
}

func (s *refreshTokenStore) RevokeByHash(ctx context.Context, principalID, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where token_hash=$1 and principal_id=$2`, hash, principalID)
	return err
}

func (s *refreshTokenStore) RevokeAllForPrincipal(ctx context.Context, principalID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where principal_id=$1 and not revoked`, principalID)
	return err
}

func (s *refreshTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Verification token store -------------------------------------------------
type verificationStore struct{ db *sql.DB }

func (s *verificationStore) Create(ctx context.Context, tok *VerificationToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into verification_tokens(id, principal_id, token_hash, kind, expires_at, created_at, used)
		 values($1,$2,$3,$4,$5,$6,false)`,
		tok.ID, tok.PrincipalID, tok.TokenHash, string(tok.Kind), tok.ExpiresAt, tok.CreatedAt,
	)
	return mapPGError(err)
}

func (s *verificationStore) Consume(ctx context.Context, hash string, kind VerificationKind, now time.Time) (*VerificationToken, error) {
	return consumeVerification(ctx, s.db, hash, kind, now)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func consumeVerification(ctx context.Context, q queryRower, hash string, kind VerificationKind, now time.Time) (*VerificationToken, error) {
	var (
		tok     VerificationToken
		kindStr string
	)
	err := q.QueryRowContext(ctx,
		`update verification_tokens set used=true
		  where token_hash=$1 and kind=$2 and not used and expires_at > $3
		returning id, principal_id, token_hash, kind, expires_at, created_at, used`,
		hash, string(kind), now,
	).Scan(&tok.ID, &tok.PrincipalID, &tok.TokenHash, &kindStr, &tok.ExpiresAt, &tok.CreatedAt, &tok.Used)
	if err == nil {
		tok.Kind = VerificationKind(kindStr)
		return &tok, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	var used bool
	err = q.QueryRowContext(ctx,
		`select used from verification_tokens where token_hash=$1 and kind=$2`, hash, string(kind),
	).Scan(&used)
	switch {
	case err == sql.ErrNoRows:
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	case used:
		return nil, ErrTokenAlreadyUsed
	default:
		return nil, ErrTokenExpired
	}
}

func (s *verificationStore) InvalidateAll(ctx context.Context, principalID string, kind VerificationKind) error {
	_, err := s.db.ExecContext(ctx,
		`update verification_tokens set used=true where principal_id=$1 and kind=$2 and not used`,
		principalID, string(kind))
	return err
}

func (s *verificationStore) CountSince(ctx context.Context, principalID string, kind VerificationKind, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from verification_tokens where principal_id=$1 and kind=$2 and created_at > $3`,
		principalID, string(kind), since,
	).Scan(&n)
	return n, err
}

func (s *verificationStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from verification_tokens where expires_at <= $1 and created_at <= $2`,
		now, now.Add(-verifyCapWindow))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
