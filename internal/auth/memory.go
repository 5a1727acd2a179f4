package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in process memory behind one mutex, which makes
// each call atomic. It backs tests and single-instance development runs.
type MemoryStore struct {
	mu            sync.Mutex
	principals    map[string]*Principal
	byEmail       map[string]string
	identities    map[string]string
	refreshTokens map[string]*RefreshToken
	verifications map[string]*VerificationToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals:    make(map[string]*Principal),
		byEmail:       make(map[string]string),
		identities:    make(map[string]string),
		refreshTokens: make(map[string]*RefreshToken),
		verifications: make(map[string]*VerificationToken),
	}
}

func (m *MemoryStore) Principals(context.Context) PrincipalStore { return memPrincipals{m} }
func (m *MemoryStore) RefreshTokens(context.Context) RefreshTokenStore {
	return memRefreshTokens{m}
}
func (m *MemoryStore) VerificationTokens(context.Context) VerificationTokenStore {
	return memVerifications{m}
}

func clonePrincipal(p *Principal) *Principal {
	cp := *p
	cp.Roles = append([]string(nil), p.Roles...)
	if p.LockedUntil != nil {
		t := *p.LockedUntil
		cp.LockedUntil = &t
	}
	if p.LastLoginAt != nil {
		t := *p.LastLoginAt
		cp.LastLoginAt = &t
	}
	if p.Preferences != nil {
		cp.Preferences = make(map[string]any, len(p.Preferences))
		for k, v := range p.Preferences {
			cp.Preferences[k] = v
		}
	}
	return &cp
}

// Principals ---------------------------------------------------------------
type memPrincipals struct{ m *MemoryStore }

func (s memPrincipals) Create(_ context.Context, p *Principal) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.byEmail[p.Email]; ok {
		return ErrConflict
	}
	if _, ok := s.m.principals[p.ID]; ok {
		return ErrConflict
	}
	s.m.principals[p.ID] = clonePrincipal(p)
	s.m.byEmail[p.Email] = p.ID
	return nil
}

func (s memPrincipals) Find(_ context.Context, id string) (*Principal, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p, ok := s.m.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePrincipal(p), nil
}

func (s memPrincipals) FindByEmail(_ context.Context, email string) (*Principal, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	id, ok := s.m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePrincipal(s.m.principals[id]), nil
}

func (s memPrincipals) RecordFailedLogin(_ context.Context, id string, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p, ok := s.m.principals[id]
	if !ok {
		return 0, nil, ErrNotFound
	}
	p.FailedAttempts++
	if p.FailedAttempts >= threshold {
		t := lockUntil
		p.LockedUntil = &t
	}
	if p.LockedUntil == nil {
		return p.FailedAttempts, nil, nil
	}
	t := *p.LockedUntil
	return p.FailedAttempts, &t, nil
}

func (s memPrincipals) RecordSuccessfulLogin(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(p *Principal) error {
		if p.Locked(at) {
			return ErrAccountLocked
		}
		p.FailedAttempts = 0
		p.LockedUntil = nil
		t := at
		p.LastLoginAt = &t
		return nil
	})
}

func (s memPrincipals) UpdateProfile(_ context.Context, id string, upd ProfileUpdate) (*Principal, error) {
	var out *Principal
	err := s.mutate(id, func(p *Principal) error {
		if upd.FirstName != nil {
			p.FirstName = *upd.FirstName
		}
		if upd.LastName != nil {
			p.LastName = *upd.LastName
		}
		if upd.AvatarURL != nil {
			p.AvatarURL = *upd.AvatarURL
		}
		if upd.Preferences != nil {
			p.Preferences = upd.Preferences
		}
		out = clonePrincipal(p)
		return nil
	})
	return out, err
}

func (s memPrincipals) MarkEmailVerified(_ context.Context, id string) error {
	return s.mutate(id, func(p *Principal) error {
		p.EmailVerified = true
		return nil
	})
}

func (s memPrincipals) AddRole(_ context.Context, id, role string) error {
	return s.mutate(id, func(p *Principal) error {
		for _, r := range p.Roles {
			if r == role {
				return ErrConflict
			}
		}
		p.Roles = append(p.Roles, role)
		return nil
	})
}

func (s memPrincipals) RemoveRole(_ context.Context, id, role string) error {
	return s.mutate(id, func(p *Principal) error {
		idx := -1
		for i, r := range p.Roles {
			if r == role {
				idx = i
			}
		}
		if idx < 0 {
			return ErrNotFound
		}
		if len(p.Roles) <= 1 {
			return ErrLastRole
		}
		p.Roles = append(p.Roles[:idx:idx], p.Roles[idx+1:]...)
		return nil
	})
}

func (s memPrincipals) SetRoles(_ context.Context, id string, roles []string) error {
	if len(roles) == 0 {
		return ErrLastRole
	}
	return s.mutate(id, func(p *Principal) error {
		p.Roles = append([]string(nil), roles...)
		return nil
	})
}

func identityKey(provider, subject string) string {
	return strings.ToLower(provider) + "|" + subject
}

func (s memPrincipals) FindByIdentity(_ context.Context, provider, subject string) (*Principal, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	id, ok := s.m.identities[identityKey(provider, subject)]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePrincipal(s.m.principals[id]), nil
}

func (s memPrincipals) LinkIdentity(_ context.Context, id, provider, subject string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.principals[id]; !ok {
		return ErrNotFound
	}
	key := identityKey(provider, subject)
	if _, ok := s.m.identities[key]; ok {
		return ErrConflict
	}
	s.m.identities[key] = id
	return nil
}

func (s memPrincipals) mutate(id string, fn func(*Principal) error) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p, ok := s.m.principals[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(p); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Refresh tokens -----------------------------------------------------------
type memRefreshTokens struct{ m *MemoryStore }

func (s memRefreshTokens) Create(_ context.Context, tok *RefreshToken) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.refreshTokens[tok.TokenHash]; ok {
		return ErrConflict
	}
	cp := *tok
	s.m.refreshTokens[tok.TokenHash] = &cp
	return nil
}

func (s memRefreshTokens) Consume(_ context.Context, hash string, now time.Time) (*RefreshToken, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tok, ok := s.m.refreshTokens[hash]
	switch {
	case !ok:
		return nil, ErrNotFound
	case tok.Revoked:
		return nil, ErrTokenRevoked
	case !now.Before(tok.ExpiresAt):
		return nil, ErrTokenExpired
	}
	tok.Revoked = true
	cp := *tok
	return &cp, nil
}

func (s memRefreshTokens) RevokeByHash(_ context.Context, principalID, hash string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if tok, ok := s.m.refreshTokens[hash]; ok && tok.PrincipalID == principalID {
		tok.Revoked = true
	}
	return nil
}

func (s memRefreshTokens) RevokeAllForPrincipal(_ context.Context, principalID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, tok := range s.m.refreshTokens {
		if tok.PrincipalID == principalID {
			tok.Revoked = true
		}
	}
	return nil
}

func (s memRefreshTokens) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for hash, tok := range s.m.refreshTokens {
		if !now.Before(tok.ExpiresAt) {
			delete(s.m.refreshTokens, hash)
			n++
		}
	}
	return n, nil
}

// Verification tokens ------------------------------------------------------
type memVerifications struct{ m *MemoryStore }

func (s memVerifications) Create(_ context.Context, tok *VerificationToken) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.verifications[tok.TokenHash]; ok {
		return ErrConflict
	}
	cp := *tok
	s.m.verifications[tok.TokenHash] = &cp
	return nil
}

func (s memVerifications) Consume(_ context.Context, hash string, kind VerificationKind, now time.Time) (*VerificationToken, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tok, err := s.m.redeemable(hash, kind, now)
	if err != nil {
		return nil, err
	}
	tok.Used = true
	cp := *tok
	return &cp, nil
}

// redeemable must be called with mu held.
func (m *MemoryStore) redeemable(hash string, kind VerificationKind, now time.Time) (*VerificationToken, error) {
	tok, ok := m.verifications[hash]
	switch {
	case !ok || tok.Kind != kind:
		return nil, ErrNotFound
	case tok.Used:
		return nil, ErrTokenAlreadyUsed
	case !now.Before(tok.ExpiresAt):
		return nil, ErrTokenExpired
	}
	return tok, nil
}

func (m *MemoryStore) RedeemPasswordReset(_ context.Context, tokenHash, passwordHash string, now time.Time) (*VerificationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, err := m.redeemable(tokenHash, KindPasswordReset, now)
	if err != nil {
		return nil, err
	}
	p, ok := m.principals[tok.PrincipalID]
	if !ok {
		return nil, ErrNotFound
	}
	tok.Used = true
	p.PasswordHash = passwordHash
	p.UpdatedAt = time.Now().UTC()
	for _, rt := range m.refreshTokens {
		if rt.PrincipalID == tok.PrincipalID {
			rt.Revoked = true
		}
	}
	cp := *tok
	return &cp, nil
}

func (s memVerifications) InvalidateAll(_ context.Context, principalID string, kind VerificationKind) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, tok := range s.m.verifications {
		if tok.PrincipalID == principalID && tok.Kind == kind {
			tok.Used = true
		}
	}
	return nil
}

func (s memVerifications) CountSince(_ context.Context, principalID string, kind VerificationKind, since time.Time) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	n := 0
	for _, tok := range s.m.verifications {
		if tok.PrincipalID == principalID && tok.Kind == kind && tok.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (s memVerifications) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	cutoff := now.Add(-verifyCapWindow)
	for hash, tok := range s.m.verifications {
		if !now.Before(tok.ExpiresAt) && !tok.CreatedAt.After(cutoff) {
			delete(s.m.verifications, hash)
			n++
		}
	}
	return n, nil
}
