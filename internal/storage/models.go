package storage

import (
	"time"

	"github.com/google/uuid"
)

// Session is one joinable game, addressed by its code.
type Session struct {
	ID               uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Code             string    `gorm:"size:6;uniqueIndex"`
	AuthorityID      string    `gorm:"index"`
	Started          bool
	ActiveLocationID *uuid.UUID `gorm:"type:uuid"`
	ExpiresAt        time.Time  `gorm:"index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Players          []Player   `gorm:"constraint:OnDelete:CASCADE;"`
	Items            []Item     `gorm:"constraint:OnDelete:CASCADE;"`
	Locations        []Location `gorm:"constraint:OnDelete:CASCADE;"`
	Messages         []Message  `gorm:"constraint:OnDelete:CASCADE;"`
	Rolls            []Roll     `gorm:"constraint:OnDelete:CASCADE;"`
}

// Player is one participant, unique per (session, external id).
type Player struct {
	ID         uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	SessionID  uuid.UUID `gorm:"type:uuid;index;uniqueIndex:idx_session_player"`
	ExternalID string    `gorm:"uniqueIndex:idx_session_player"`
	Name       string
	Avatar     string
	HP         int
	Gold       int
	Authority  bool
	Bio        string
	LocationID *uuid.UUID `gorm:"type:uuid"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Item is a stack with exactly one custody state: held (OwnerID set), on the
// floor (LocationID set) or unplaced (neither).
type Item struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	SessionID  uuid.UUID  `gorm:"type:uuid;index"`
	OwnerID    *uuid.UUID `gorm:"type:uuid;index"`
	LocationID *uuid.UUID `gorm:"type:uuid;index"`
	Name       string
	Qty        int
	Note       string
	Kind       string
	CreatedAt  time.Time
}

// Location is a place in the session's location graph.
type Location struct {
	ID          uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	SessionID   uuid.UUID `gorm:"type:uuid;index"`
	Name        string
	Description string
	Image       string
	CreatedAt   time.Time
}

// Message stores a chat entry; PlayerID is NULL for system narration.
type Message struct {
	ID        uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	SessionID uuid.UUID  `gorm:"type:uuid;index"`
	PlayerID  *uuid.UUID `gorm:"type:uuid"`
	Text      string
	CreatedAt time.Time `gorm:"index"`
}

// Roll stores a single dice roll.
type Roll struct {
	ID        uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	SessionID uuid.UUID  `gorm:"type:uuid;index"`
	PlayerID  *uuid.UUID `gorm:"type:uuid"`
	Die       int
	Result    int
	CreatedAt time.Time `gorm:"index"`
}
