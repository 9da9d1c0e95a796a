package session

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when a code resolves to no live session.
// Expired sessions report the same error; callers cannot tell the two apart.
var ErrSessionNotFound = errors.New("session not found")

// ErrForbidden is returned when an operation requires the session authority
// and the caller is not it.
var ErrForbidden = errors.New("authority required")

// ErrInvalidArgument is returned for malformed input before any mutation.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrCodeExhausted is returned when join-code generation keeps colliding.
var ErrCodeExhausted = errors.New("code generation exhausted")

// ErrBackendUnavailable is returned when the durable backend cannot be
// reached or times out.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ErrCodeTaken is returned by a backend when a session with the same code
// already exists. The store retries with a fresh code; callers never see it.
var ErrCodeTaken = errors.New("code already taken")

// NotJoined reports that an external id has no player in the session. Both
// backends use it so the error reads the same either way.
func NotJoined(externalID string) error {
	return fmt.Errorf("%w: player %s not joined", ErrInvalidArgument, externalID)
}
