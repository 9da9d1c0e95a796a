package session

import (
	"context"
	"time"
)

// Backend persists sessions and their owned entities. Two implementations
// exist: the durable Postgres adapter in internal/storage and the in-process
// MemoryBackend below. The store binds a session to one backend at creation
// time and never mixes backends for the same code.
//
// UpsertPlayer, AdjustStat, TransferItem, ClaimFloorItem and StartSession
// must each be atomic: no caller may observe a half-applied mutation, and two
// concurrent ClaimFloorItem calls must never hand out the same unit.
type Backend interface {
	// CreateSession inserts a new session. Returns ErrCodeTaken when the
	// code is already in use.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession resolves a code to its session, expired or not.
	GetSession(ctx context.Context, code string) (*Session, error)

	// Load returns the full aggregate for a session, with message and roll
	// windows most-recent-first and capped at HistoryLimit.
	Load(ctx context.Context, code string) (*State, error)

	// GetPlayer resolves a participant by external id.
	GetPlayer(ctx context.Context, code, externalID string) (*Player, error)

	// UpsertPlayer creates the player on first join (with default HP and
	// gold) or updates name and avatar on re-join, skipping blank fields so
	// a bare re-join keeps the stored profile. It claims session authority
	// when it is unclaimed and the join asks for it, and slides the
	// session's expiry to expires.
	UpsertPlayer(ctx context.Context, code string, join Join, expires time.Time) (*Player, error)

	// UpdateProfile sets the player's own display name and bio. Nil fields
	// are left untouched.
	UpdateProfile(ctx context.Context, code, externalID string, name, bio *string) (*Player, error)

	// AdjustStat applies delta to the named counter, clamping at zero, and
	// returns the new value.
	AdjustStat(ctx context.Context, code, externalID string, stat Stat, delta int) (int, error)

	// InsertItem stores a new item. When ownerExternalID is non-empty the
	// item is held by that player and item.LocationID must be empty.
	InsertItem(ctx context.Context, code string, item *Item, ownerExternalID string) (*Item, error)

	// TransferItem moves custody: to a player when toExternalID is set,
	// otherwise onto the floor at the session's active location.
	TransferItem(ctx context.Context, code, itemID, toExternalID string) (*Item, error)

	// ClaimFloorItem takes one unit of the oldest floor item at the active
	// location for the claimant, splitting stacks of more than one unit.
	// Returns (nil, nil) when the floor is empty.
	ClaimFloorItem(ctx context.Context, code, claimantExternalID string) (*Item, error)

	// DeleteItem removes an item outright.
	DeleteItem(ctx context.Context, code, itemID string) error

	// InsertLocation stores a new location.
	InsertLocation(ctx context.Context, code string, loc *Location) (*Location, error)

	// SetActiveLocation points the session at one of its locations.
	SetActiveLocation(ctx context.Context, code, locationID string) error

	// StartSession flips the session to started, activates locationID and
	// moves every player there. Starting twice is a no-op.
	StartSession(ctx context.Context, code, locationID string) error

	// AppendMessage and AppendRoll add history rows.
	AppendMessage(ctx context.Context, code string, msg *Message) error
	AppendRoll(ctx context.Context, code string, roll *Roll) error

	// DeleteExpired removes every session whose expiry has passed, cascading
	// to owned rows, and returns the deleted codes.
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
}
