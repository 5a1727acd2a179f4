package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return NewPGStore(db), mock, func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
		db.Close()
	}
}

func TestPGRecordFailedLoginIsSingleStatement(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()
	lockUntil := time.Date(2026, 1, 1, 12, 15, 0, 0, time.UTC)

	mock.ExpectQuery(`update principals\s+set failed_attempts = failed_attempts \+ 1,\s+locked_until = case when failed_attempts \+ 1 >= \$2 then \$3 else locked_until end`).
		WithArgs("p-1", 5, lockUntil).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}).AddRow(5, lockUntil))

	attempts, locked, err := store.Principals(context.Background()).RecordFailedLogin(context.Background(), "p-1", 5, lockUntil)
	if err != nil {
		t.Fatalf("RecordFailedLogin: %v", err)
	}
	if attempts != 5 || locked == nil || !locked.Equal(lockUntil) {
		t.Fatalf("unexpected result %d %v", attempts, locked)
	}
}

func TestPGRecordFailedLoginBelowThreshold(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(`update principals`).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}).AddRow(2, nil))

	attempts, locked, err := store.Principals(context.Background()).RecordFailedLogin(context.Background(), "p-1", 5, time.Now())
	if err != nil || attempts != 2 || locked != nil {
		t.Fatalf("unexpected result %d %v %v", attempts, locked, err)
	}
}

func TestPGRecordSuccessfulLoginSkipsActiveLock(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`update principals set failed_attempts=0, locked_until=null, last_login_at=\$2, updated_at=now\(\)\s+where id=\$1 and \(locked_until is null or locked_until <= \$2\)`).
		WithArgs("p-1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select exists`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.Principals(context.Background()).RecordSuccessfulLogin(context.Background(), "p-1", at)
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
}

func TestPGDeleteExpiredVerificationsKeepsCapWindow(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`delete from verification_tokens where expires_at <= \$1 and created_at <= \$2`).
		WithArgs(now, now.Add(-time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.VerificationTokens(context.Background()).DeleteExpired(context.Background(), now)
	if err != nil || n != 4 {
		t.Fatalf("DeleteExpired: %d %v", n, err)
	}
}

func TestPGConsumeRefreshToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "principal_id", "token_hash", "expires_at", "created_at", "revoked"}

	t.Run("active", func(t *testing.T) {
		store, mock, done := newMockStore(t)
		defer done()
		mock.ExpectQuery(`update refresh_tokens set revoked=true\s+where token_hash=\$1 and not revoked and expires_at > \$2`).
			WithArgs("h", now).
			WillReturnRows(sqlmock.NewRows(cols).AddRow("r1", "p-1", "h", now.Add(time.Hour), now, true))
		tok, err := store.RefreshTokens(context.Background()).Consume(context.Background(), "h", now)
		if err != nil || tok.PrincipalID != "p-1" || !tok.Revoked {
			t.Fatalf("unexpected %+v %v", tok, err)
		}
	})

	t.Run("revoked", func(t *testing.T) {
		store, mock, done := newMockStore(t)
		defer done()
		mock.ExpectQuery(`update refresh_tokens`).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`select revoked, expires_at from refresh_tokens`).
			WithArgs("h").
			WillReturnRows(sqlmock.NewRows([]string{"revoked", "expires_at"}).AddRow(true, now.Add(time.Hour)))
		if _, err := store.RefreshTokens(context.Background()).Consume(context.Background(), "h", now); !errors.Is(err, ErrTokenRevoked) {
			t.Fatalf("expected ErrTokenRevoked, got %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		store, mock, done := newMockStore(t)
		defer done()
		mock.ExpectQuery(`update refresh_tokens`).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`select revoked, expires_at from refresh_tokens`).
			WillReturnRows(sqlmock.NewRows([]string{"revoked", "expires_at"}).AddRow(false, now.Add(-time.Hour)))
		if _, err := store.RefreshTokens(context.Background()).Consume(context.Background(), "h", now); !errors.Is(err, ErrTokenExpired) {
			t.Fatalf("expected ErrTokenExpired, got %v", err)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		store, mock, done := newMockStore(t)
		defer done()
		mock.ExpectQuery(`update refresh_tokens`).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`select revoked, expires_at from refresh_tokens`).WillReturnError(sql.ErrNoRows)
		if _, err := store.RefreshTokens(context.Background()).Consume(context.Background(), "h", now); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPGConsumeVerificationAlreadyUsed(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()
	now := time.Now()

	mock.ExpectQuery(`update verification_tokens set used=true`).
		WithArgs("h", "PASSWORD_RESET", now).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`select used from verification_tokens where token_hash=\$1 and kind=\$2`).
		WithArgs("h", "PASSWORD_RESET").
		WillReturnRows(sqlmock.NewRows([]string{"used"}).AddRow(true))

	_, err := store.VerificationTokens(context.Background()).Consume(context.Background(), "h", KindPasswordReset, now)
	if !errors.Is(err, ErrTokenAlreadyUsed) {
		t.Fatalf("expected ErrTokenAlreadyUsed, got %v", err)
	}
}

func TestPGRedeemPasswordResetIsOneTransaction(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`update verification_tokens set used=true`).
		WithArgs("h", "PASSWORD_RESET", now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "principal_id", "token_hash", "kind", "expires_at", "created_at", "used"}).
			AddRow("v-1", "p-1", "h", "PASSWORD_RESET", now.Add(time.Hour), now.Add(-time.Minute), true))
	mock.ExpectExec(`update principals set password_hash=\$2`).
		WithArgs("p-1", "new-hash").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update refresh_tokens set revoked=true where principal_id=\$1`).
		WithArgs("p-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	tok, err := store.RedeemPasswordReset(context.Background(), "h", "new-hash", now)
	if err != nil {
		t.Fatalf("RedeemPasswordReset: %v", err)
	}
	if tok.PrincipalID != "p-1" || tok.Kind != KindPasswordReset {
		t.Fatalf("unexpected token %+v", tok)
	}
}

func TestPGRedeemPasswordResetRollsBackOnFailure(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`update verification_tokens set used=true`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "principal_id", "token_hash", "kind", "expires_at", "created_at", "used"}).
			AddRow("v-1", "p-1", "h", "PASSWORD_RESET", now.Add(time.Hour), now.Add(-time.Minute), true))
	mock.ExpectExec(`update principals set password_hash`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update refresh_tokens set revoked=true`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if _, err := store.RedeemPasswordReset(context.Background(), "h", "new-hash", now); err == nil {
		t.Fatal("expected the store error to surface")
	}
}

func TestPGRemoveRoleRefusesLastRole(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`select id from principals where id=\$1 for update`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p-1"))
	mock.ExpectQuery(`select count\(\*\), count\(\*\) filter \(where role=\$2\) from principal_roles`).
		WithArgs("p-1", RoleUser).
		WillReturnRows(sqlmock.NewRows([]string{"total", "held"}).AddRow(1, 1))
	mock.ExpectRollback()

	err := store.Principals(context.Background()).RemoveRole(context.Background(), "p-1", RoleUser)
	if !errors.Is(err, ErrLastRole) {
		t.Fatalf("expected ErrLastRole, got %v", err)
	}
}

func TestPGRemoveRoleDeletes(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`select id from principals where id=\$1 for update`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p-1"))
	mock.ExpectQuery(`select count\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"total", "held"}).AddRow(2, 1))
	mock.ExpectExec(`delete from principal_roles where principal_id=\$1 and role=\$2`).
		WithArgs("p-1", RoleAdmin).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Principals(context.Background()).RemoveRole(context.Background(), "p-1", RoleAdmin); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
}

func TestPGCreatePrincipalConflict(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(`insert into principals`).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := store.Principals(context.Background()).Create(context.Background(), &Principal{ID: "p-1", Email: "a@x.com", Roles: []string{RoleUser}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPGFindLoadsRoles(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()
	now := time.Now().UTC()

	mock.ExpectQuery(`select id, email, password_hash`).
		WithArgs("a@x.com").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email", "password_hash", "first_name", "last_name", "avatar_url", "preferences",
			"email_verified", "active", "failed_attempts", "locked_until", "last_login_at", "created_at", "updated_at",
		}).AddRow("p-1", "a@x.com", "hash", "Ada", "L", "", []byte(`{"theme":"dark"}`), true, true, 0, nil, nil, now, now))
	mock.ExpectQuery(`select role from principal_roles where principal_id=\$1`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("ADMIN").AddRow("USER"))

	p, err := store.Principals(context.Background()).FindByEmail(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if len(p.Roles) != 2 || p.Preferences["theme"] != "dark" || p.LockedUntil != nil {
		t.Fatalf("unexpected principal %+v", p)
	}
}
