package session

import (
	"strings"
	"testing"
	"time"
)

func TestNewCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := NewCode()
		if len(code) != codeLength {
			t.Fatalf("code %q has length %d", code, len(code))
		}
		for _, r := range code {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("code %q contains %q", code, r)
			}
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Fatalf("100 generated codes were all identical")
	}
}

func TestNormalizeCode(t *testing.T) {
	code, err := NormalizeCode("  ab12cd ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if code != "AB12CD" {
		t.Fatalf("expected AB12CD, got %q", code)
	}

	for _, bad := range []string{"", "ABC", "ABCDEFG", "AB 12C", "AB-12C"} {
		if _, err := NormalizeCode(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestTTLExpired(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ttl := TTL{Lifetime: time.Hour, Now: func() time.Time { return base }}

	s := &Session{ExpiresAt: ttl.Deadline()}
	if ttl.Expired(s) {
		t.Fatalf("fresh session reported expired")
	}

	ttl.Now = func() time.Time { return base.Add(61 * time.Minute) }
	if !ttl.Expired(s) {
		t.Fatalf("stale session reported live")
	}
}
