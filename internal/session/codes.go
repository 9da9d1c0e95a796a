package session

import (
	"strings"
	"time"

	"gametable/pkg/utils"
)

// Join codes are six uppercase base-36 characters, matching what players are
// asked to type into the bot.
const (
	codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeLength   = 6
)

// NewCode returns a fresh candidate join code. Uniqueness is only enforced by
// the backend; the store retries on collision.
func NewCode() string {
	return utils.RandomCode(codeLength, codeAlphabet)
}

// NormalizeCode uppercases and trims a caller-supplied code. A code of the
// wrong shape can never resolve, so it reports ErrSessionNotFound directly.
func NormalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != codeLength {
		return "", ErrSessionNotFound
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return "", ErrSessionNotFound
		}
	}
	return code, nil
}

// TTL computes expiry deadlines and expiry predicates for sessions. Now is
// overridable for tests and defaults to time.Now.
type TTL struct {
	Lifetime time.Duration
	Now      func() time.Time
}

func (t TTL) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Deadline returns the expiry timestamp for a session touched right now.
func (t TTL) Deadline() time.Time {
	return t.now().Add(t.Lifetime)
}

// Expired reports whether the session's lifetime has passed.
func (t TTL) Expired(s *Session) bool {
	return t.now().After(s.ExpiresAt)
}
