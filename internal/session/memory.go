package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend is the in-process fallback backend. It mirrors the durable
// schema as keyed collections and satisfies the atomicity contract with a
// per-session critical section. Nothing here survives a restart; that is the
// accepted cost of staying up when the durable store is not.
type MemoryBackend struct {
	clock    func() time.Time
	mu       sync.Mutex
	sessions map[string]*memSession
}

type memSession struct {
	mu        sync.Mutex
	sess      Session
	players   []*Player
	items     []*Item
	locations []*Location
	messages  []*Message
	rolls     []*Roll
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns an empty fallback backend. now stamps new rows
// and may be nil for time.Now.
func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{clock: now, sessions: make(map[string]*memSession)}
}

func (m *MemoryBackend) get(code string) *memSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[code]
}

func (ms *memSession) player(externalID string) *Player {
	for _, p := range ms.players {
		if p.ExternalID == externalID {
			return p
		}
	}
	return nil
}

func (ms *memSession) item(id string) *Item {
	for _, it := range ms.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (ms *memSession) location(id string) *Location {
	for _, l := range ms.locations {
		if l.ID == id {
			return l
		}
	}
	return nil
}

func (m *MemoryBackend) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.Code]; ok {
		return ErrCodeTaken
	}
	m.sessions[s.Code] = &memSession{sess: *s}
	return nil
}

func (m *MemoryBackend) GetSession(_ context.Context, code string) (*Session, error) {
	ms := m.get(code)
	if ms == nil {
		return nil, ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	sess := ms.sess
	return &sess, nil
}

func (m *MemoryBackend) Load(_ context.Context, code string) (*State, error) {
	ms := m.get(code)
	if ms == nil {
		return nil, ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	st := &State{Session: ms.sess}
	for _, p := range ms.players {
		st.Players = append(st.Players, *p)
	}
	for _, it := range ms.items {
		st.Items = append(st.Items, *it)
	}
	for _, l := range ms.locations {
		st.Locations = append(st.Locations, *l)
	}
	st.Messages = recentMessages(ms.messages, HistoryLimit)
	st.Rolls = recentRolls(ms.rolls, HistoryLimit)
	return st, nil
}

// recentMessages returns up to limit entries, most recent first.
func recentMessages(all []*Message, limit int) []Message {
	out := make([]Message, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *all[i])
	}
	return out
}

func recentRolls(all []*Roll, limit int) []Roll {
	out := make([]Roll, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *all[i])
	}
	return out
}

func (m *MemoryBackend) GetPlayer(_ context.Context, code, externalID string) (*Player, error) {
	ms := m.get(code)
	if ms == nil {
		return nil, ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	p := ms.player(externalID)
	if p == nil {
		return nil, NotJoined(externalID)
	}
	out := *p
	return &out, nil
}

func (m *MemoryBackend) UpsertPlayer(_ context.Context, code string, join Join, expires time.Time) (*Player, error) {
	ms := m.get(code)
	if ms == nil {
		return nil, ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	p := ms.player(join.ExternalID)
	if p == nil {
		name := join.Name
		if name == "" {
			name = "Player"
		}
		p = &Player{
			ID:         uuid.NewString(),
			ExternalID: join.ExternalID,
			Name:       name,
			Avatar:     join.Avatar,
			HP:         DefaultHP,
			Gold:       DefaultGold,
			CreatedAt:  m.clock(),
		}
		ms.players = append(ms.players, p)
	} else {
		// A blank field on re-join keeps the stored value.
		if join.Name != "" {
			p.Name = join.Name
		}
		if join.Avatar != "" {
			p.Avatar = join.Avatar
		}
	}

	if ms.sess.AuthorityID == "" && join.AsAuthority {
		ms.sess.AuthorityID = join.ExternalID
	}
	p.Authority = ms.sess.AuthorityID == join.ExternalID
	ms.sess.ExpiresAt = expires

	out := *p
	return &out, nil
}

func (m *MemoryBackend) UpdateProfile(_ context.Context, code, externalID string, name, bio *string) (*Player, error) {
	ms := m.get(code)
	if ms == nil {
		return nil, ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	p := ms.player(externalID)
	if p == nil {
		return nil, NotJoined(externalID)
	}
	if name != nil {
		p.Name = *name
	}
	if bio != nil {
		p.Bio = *bio
	}
	out := *p
	return &out, nil
}

func (m *MemoryBackend) AdjustStat(_ context.Context, code, externalID string, stat Stat, delta int) (int, error) {
	ms := m.get(code)
	if ms == nil {
		return 0, ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	p := ms.player(externalID)
	if p == nil {
		return 0, NotJoined(externalID)
	}
	var v *int
	switch stat {
	case StatHP:
		v = &p.HP
	case StatGold:
		v = &p.Gold
	default:
		return 0, fmt.Errorf("%w: unknown stat %q", ErrInvalidArgument, stat)
	}
	*v += delta
	if *v < 0 {
		*v = 0
	}
	return *v, nil
}

func (m *MemoryBackend) InsertItem(_ context.Context, code string, item *Item, ownerExternalID string) (*Item, error) {
	ms := m.get(code)
	if ms == nil {
		return nil, ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stored := *item
	if ownerExternalID != "" {
		owner := ms.player(ownerExternalID)
		if owner == nil {
			return nil, NotJoined(ownerExternalID)
		}
		stored.OwnerID = owner.ID
		stored.LocationID = ""
	}
	if stored.LocationID != "" && ms.location(stored.LocationID) == nil {
		return nil, fmt.Errorf("%w: unknown location %s", ErrInvalidArgument, stored.LocationID)
	}
	ms.items = append(ms.items, &stored)
	out := stored
	return &out, nil
}

func (m *MemoryBackend) TransferItem(_ context.Context, code, itemID, toExternalID string) (*Item, error) {
	ms := m.get(code)
	if ms == nil {
		return nil, ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	it := ms.item(itemID)
	if it == nil {
		return nil, fmt.Errorf("%w: unknown item %s", ErrInvalidArgument, itemID)
	}
	if toExternalID != "" {
		p := ms.player(toExternalID)
		if p == nil {
			return nil, NotJoined(toExternalID)
		}
		it.OwnerID = p.ID
		it.LocationID = ""
	} else {
		if ms.sess.ActiveLocationID == "" {
			return nil, fmt.Errorf("%w: no active location to drop onto", ErrInvalidArgument)
		}
		it.OwnerID = ""
		it.LocationID = ms.sess.ActiveLocationID
	}
	out := *it
	return &out, nil
}

func (m *MemoryBackend) ClaimFloorItem(_ context.Context, code, claimantExternalID string) (*Item, error) {
	ms := m.get(code)
	if ms == nil {
		return nil, ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	claimant := ms.player(claimantExternalID)
	if claimant == nil {
		return nil, NotJoined(claimantExternalID)
	}
	active := ms.sess.ActiveLocationID
	if active == "" {
		return nil, nil
	}

	var floor []*Item
	for _, it := range ms.items {
		if it.LocationID == active {
			floor = append(floor, it)
		}
	}
	if len(floor) == 0 {
		return nil, nil
	}
	sort.Slice(floor, func(i, j int) bool {
		if !floor[i].CreatedAt.Equal(floor[j].CreatedAt) {
			return floor[i].CreatedAt.Before(floor[j].CreatedAt)
		}
		return floor[i].ID < floor[j].ID
	})

	oldest := floor[0]
	if oldest.Qty > 1 {
		oldest.Qty--
		claimed := &Item{
			ID:        uuid.NewString(),
			Name:      oldest.Name,
			Qty:       1,
			Note:      oldest.Note,
			Kind:      oldest.Kind,
			OwnerID:   claimant.ID,
			CreatedAt: m.clock(),
		}
		ms.items = append(ms.items, claimed)
		out := *claimed
		return &out, nil
	}
	oldest.OwnerID = claimant.ID
	oldest.LocationID = ""
	out := *oldest
	return &out, nil
}

func (m *MemoryBackend) DeleteItem(_ context.Context, code, itemID string) error {
	ms := m.get(code)
	if ms == nil {
		return ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for i, it := range ms.items {
		if it.ID == itemID {
			ms.items = append(ms.items[:i], ms.items[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown item %s", ErrInvalidArgument, itemID)
}

func (m *MemoryBackend) InsertLocation(_ context.Context, code string, loc *Location) (*Location, error) {
	ms := m.get(code)
	if ms == nil {
		return nil, ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stored := *loc
	ms.locations = append(ms.locations, &stored)
	out := stored
	return &out, nil
}

func (m *MemoryBackend) SetActiveLocation(_ context.Context, code, locationID string) error {
	ms := m.get(code)
	if ms == nil {
		return ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.location(locationID) == nil {
		return fmt.Errorf("%w: unknown location %s", ErrInvalidArgument, locationID)
	}
	ms.sess.ActiveLocationID = locationID
	return nil
}

func (m *MemoryBackend) StartSession(_ context.Context, code, locationID string) error {
	ms := m.get(code)
	if ms == nil {
		return ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.sess.Started {
		return nil
	}
	if ms.location(locationID) == nil {
		return fmt.Errorf("%w: unknown location %s", ErrInvalidArgument, locationID)
	}
	ms.sess.Started = true
	ms.sess.ActiveLocationID = locationID
	for _, p := range ms.players {
		p.LocationID = locationID
	}
	return nil
}

func (m *MemoryBackend) AppendMessage(_ context.Context, code string, msg *Message) error {
	ms := m.get(code)
	if ms == nil {
		return ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	stored := *msg
	ms.messages = append(ms.messages, &stored)
	return nil
}

func (m *MemoryBackend) AppendRoll(_ context.Context, code string, roll *Roll) error {
	ms := m.get(code)
	if ms == nil {
		return ErrSessionNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	stored := *roll
	ms.rolls = append(ms.rolls, &stored)
	return nil
}

func (m *MemoryBackend) DeleteExpired(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted []string
	for code, ms := range m.sessions {
		ms.mu.Lock()
		expired := now.After(ms.sess.ExpiresAt)
		ms.mu.Unlock()
		if expired {
			delete(m.sessions, code)
			deleted = append(deleted, code)
		}
	}
	return deleted, nil
}
