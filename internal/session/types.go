package session

import "time"

// Stat identifies an adjustable player counter.
type Stat string

const (
	StatHP   Stat = "hp"
	StatGold Stat = "gold"
)

// Custody describes who, if anyone, holds an item.
type Custody int

const (
	CustodyUnplaced Custody = iota
	CustodyHeld
	CustodyFloor
)

// Session is one game instance addressed by its join code.
type Session struct {
	Code             string    `json:"code"`
	AuthorityID      string    `json:"authorityId"` // external id of the game master; empty until claimed
	Started          bool      `json:"started"`
	ActiveLocationID string    `json:"activeLocationId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// Player is one participant in a session, keyed by the caller's external id.
type Player struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"externalId"`
	Name       string    `json:"name"`
	Avatar     string    `json:"avatar,omitempty"`
	HP         int       `json:"hp"`
	Gold       int       `json:"gold"`
	Authority  bool      `json:"authority"`
	Bio        string    `json:"bio,omitempty"`
	LocationID string    `json:"locationId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Item is a stack of identical objects with exactly one custody state.
type Item struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Qty        int       `json:"qty"`
	Note       string    `json:"note,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	OwnerID    string    `json:"ownerId,omitempty"`    // holding player's row id
	LocationID string    `json:"locationId,omitempty"` // floor location when not held
	CreatedAt  time.Time `json:"createdAt"`
}

// Custody reports the item's current custody state.
func (i *Item) Custody() Custody {
	switch {
	case i.OwnerID != "":
		return CustodyHeld
	case i.LocationID != "":
		return CustodyFloor
	default:
		return CustodyUnplaced
	}
}

// Location is a place items can rest at; one per session may be active.
type Location struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Image       string    `json:"image,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Message is one chat entry. PlayerID is empty for system narration.
type Message struct {
	ID       string    `json:"id"`
	PlayerID string    `json:"playerId,omitempty"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// Roll is one recorded dice roll.
type Roll struct {
	ID       string    `json:"id"`
	PlayerID string    `json:"playerId,omitempty"`
	Die      int       `json:"die"`
	Result   int       `json:"result"`
	At       time.Time `json:"at"`
}

// State is the full aggregate a backend loads for one session. Message and
// roll slices are most-recent-first and capped at HistoryLimit.
type State struct {
	Session   Session
	Players   []Player
	Items     []Item
	Locations []Location
	Messages  []Message
	Rolls     []Roll
}

// Snapshot is what a caller sees of a session. Floor items at the active
// location are reported only as a count; a participant takes one by looking
// around.
type Snapshot struct {
	Code       string    `json:"code"`
	Started    bool      `json:"started"`
	Authority  bool      `json:"authority"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Players    []Player  `json:"players"`
	Inventory  []Item    `json:"inventory"`
	Location   *Location `json:"location,omitempty"`
	FloorCount int       `json:"floorCount"`
	Messages   []Message `json:"messages"`
	Rolls      []Roll    `json:"rolls"`
}

// Join carries the caller-supplied fields of a join request.
type Join struct {
	ExternalID  string
	Name        string
	Avatar      string
	AsAuthority bool
}

// Placement names where a newly created item goes. At most one field may be
// set; neither set means unplaced.
type Placement struct {
	OwnerExternalID string
	LocationID      string
}

// HistoryLimit bounds the chat and roll windows returned in a snapshot.
const HistoryLimit = 50

// Defaults for a freshly joined player.
const (
	DefaultHP   = 10
	DefaultGold = 0
)
