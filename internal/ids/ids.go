// Package ids generates row identifiers and opaque single-use secrets.
package ids

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/oklog/ulid/v2"
)

// New returns a ULID string. Ids minted by one process sort in creation
// order, which keeps membership and token listings stable.
func New() string {
	return ulid.Make().String()
}

// Secret returns n random bytes as URL-safe base64, for tokens that travel
// out-of-band (email links, OAuth state). n <= 0 means 32.
func Secret(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
