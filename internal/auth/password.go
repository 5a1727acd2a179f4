package auth

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// passwordCost is lowered by tests.
var passwordCost = bcrypt.DefaultCost

var errEmptyHash = errors.New("auth: stored credential hash is empty")

// HashPassword returns the bcrypt credential hash stored on a principal.
// Length and emptiness are validated by the caller before hashing.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports ErrInvalidCredentials on a mismatch. Any other
// error means the stored hash itself is unusable.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errEmptyHash
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrInvalidCredentials
	}
	return err
}

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// burnCompare spends roughly the time of a real comparison so that unknown
// emails are not distinguishable by latency.
func burnCompare(password string) {
	dummyOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("tessera-dummy-password"), passwordCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}
