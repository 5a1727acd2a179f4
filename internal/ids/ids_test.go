package ids

import (
	"encoding/base64"
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestNewIsSortable(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if _, err := ulid.ParseStrict(next); err != nil {
			t.Fatalf("not a ulid: %q: %v", next, err)
		}
		if next <= prev {
			t.Fatalf("ids out of order: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestSecretLength(t *testing.T) {
	s, err := Secret(0)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		t.Fatalf("want 32 decoded bytes, got %d (%v)", len(raw), err)
	}
	other, _ := Secret(0)
	if other == s {
		t.Fatal("secrets must not repeat")
	}
}
