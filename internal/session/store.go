package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

// codeAttempts bounds join-code generation retries before giving up.
const codeAttempts = 5

// allowedDice is the fixed set of die sizes rollDice accepts.
var allowedDice = map[int]bool{6: true, 8: true, 20: true}

// Store is the session/custody store. It owns the in-process fallback
// backend, optionally fronts a durable backend, and remembers which backend
// each live session code is bound to.
type Store struct {
	durable  Backend // nil when the process runs without a durable store
	fallback Backend
	ttl      TTL

	mu    sync.Mutex
	bound map[string]Backend // join code -> backend for its lifetime
}

// New builds a store. durable may be nil; every session is then
// fallback-backed and disappears on restart.
func New(durable Backend, ttl TTL) *Store {
	return &Store{
		durable:  durable,
		fallback: NewMemoryBackend(ttl.now),
		ttl:      ttl,
		bound:    make(map[string]Backend),
	}
}

func (s *Store) bind(code string, b Backend) {
	s.mu.Lock()
	s.bound[code] = b
	s.mu.Unlock()
}

func (s *Store) unbind(code string) {
	s.mu.Lock()
	delete(s.bound, code)
	s.mu.Unlock()
}

func (s *Store) binding(code string) Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound[code]
}

// resolve maps a normalized code to its backend and current session record,
// checking expiry lazily so an expired session is unreachable even before
// the sweeper gets to it.
func (s *Store) resolve(ctx context.Context, code string) (Backend, *Session, error) {
	if b := s.binding(code); b != nil {
		sess, err := b.GetSession(ctx, code)
		switch {
		case errors.Is(err, ErrSessionNotFound):
			s.unbind(code)
			return nil, nil, ErrSessionNotFound
		case err != nil:
			return nil, nil, err
		}
		if s.ttl.Expired(sess) {
			s.unbind(code)
			return nil, nil, ErrSessionNotFound
		}
		return b, sess, nil
	}

	// No binding yet: the session may predate this process. Ask the durable
	// backend first, then the fallback (a create-time failover may have left
	// the session there).
	var durableErr error
	if s.durable != nil {
		sess, err := s.durable.GetSession(ctx, code)
		switch {
		case err == nil:
			if s.ttl.Expired(sess) {
				return nil, nil, ErrSessionNotFound
			}
			s.bind(code, s.durable)
			return s.durable, sess, nil
		case errors.Is(err, ErrSessionNotFound):
		case errors.Is(err, ErrBackendUnavailable):
			durableErr = err
		default:
			return nil, nil, err
		}
	}

	sess, err := s.fallback.GetSession(ctx, code)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) && durableErr != nil {
			// The durable backend could not prove the code unknown.
			return nil, nil, durableErr
		}
		return nil, nil, err
	}
	if s.ttl.Expired(sess) {
		return nil, nil, ErrSessionNotFound
	}
	s.bind(code, s.fallback)
	return s.fallback, sess, nil
}

// CreateSession generates a unique join code and persists a fresh session.
// authorityID may be empty, leaving authority to be claimed on first join.
// When the durable backend rejects the write as unavailable, the session is
// created on the fallback instead and stays fallback-backed for life.
func (s *Store) CreateSession(ctx context.Context, authorityID string) (string, error) {
	primary := s.fallback
	if s.durable != nil {
		primary = s.durable
	}

	for i := 0; i < codeAttempts; i++ {
		now := s.ttl.now()
		sess := &Session{
			Code:        NewCode(),
			AuthorityID: authorityID,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.ttl.Lifetime),
		}

		err := primary.CreateSession(ctx, sess)
		if errors.Is(err, ErrBackendUnavailable) && primary != s.fallback {
			err = s.fallback.CreateSession(ctx, sess)
			if err == nil {
				s.bind(sess.Code, s.fallback)
				return sess.Code, nil
			}
		}
		switch {
		case err == nil:
			s.bind(sess.Code, primary)
			return sess.Code, nil
		case errors.Is(err, ErrCodeTaken):
			continue
		default:
			return "", err
		}
	}
	return "", ErrCodeExhausted
}

// JoinSession upserts the caller into the session. The first join with
// asAuthority set claims authority if it is unclaimed; re-joins update name
// and avatar only, and a blank field leaves the stored value alone. Joining
// slides the session's expiry forward.
func (s *Store) JoinSession(ctx context.Context, code, externalID, name, avatar string, asAuthority bool) (*Player, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	if externalID == "" {
		return nil, fmt.Errorf("%w: external id required", ErrInvalidArgument)
	}
	b, _, err := s.resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	join := Join{ExternalID: externalID, Name: name, Avatar: avatar, AsAuthority: asAuthority}
	return b.UpsertPlayer(ctx, code, join, s.ttl.Deadline())
}

// State returns the caller's view of the session. Floor items at the active
// location appear only as a count; looking around is how a participant finds
// out what is there.
func (s *Store) State(ctx context.Context, code, callerID string) (*Snapshot, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	b, _, err := s.resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	st, err := b.Load(ctx, code)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Code:      st.Session.Code,
		Started:   st.Session.Started,
		Authority: callerID != "" && callerID == st.Session.AuthorityID,
		ExpiresAt: st.Session.ExpiresAt,
		Players:   st.Players,
		Inventory: []Item{},
		Messages:  st.Messages,
		Rolls:     st.Rolls,
	}

	var callerRowID string
	for i := range st.Players {
		if st.Players[i].ExternalID == callerID {
			callerRowID = st.Players[i].ID
		}
	}
	active := st.Session.ActiveLocationID
	for i := range st.Locations {
		if st.Locations[i].ID == active {
			loc := st.Locations[i]
			snap.Location = &loc
		}
	}
	for _, it := range st.Items {
		switch {
		case callerRowID != "" && it.OwnerID == callerRowID:
			snap.Inventory = append(snap.Inventory, it)
		case active != "" && it.LocationID == active:
			snap.FloorCount++
		}
	}
	return snap, nil
}

// AdjustStat changes a player's HP or gold by delta, clamping at zero.
// Authority only.
func (s *Store) AdjustStat(ctx context.Context, code, callerID, targetExternalID string, stat Stat, delta int) (int, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return 0, err
	}
	if stat != StatHP && stat != StatGold {
		return 0, fmt.Errorf("%w: unknown stat %q", ErrInvalidArgument, stat)
	}
	b, sess, err := s.resolve(ctx, code)
	if err != nil {
		return 0, err
	}
	if err := requireAuthority(sess, callerID); err != nil {
		return 0, err
	}
	return b.AdjustStat(ctx, code, targetExternalID, stat, delta)
}

// CreateItem makes a new item under the given placement. Authority only.
// With neither owner nor location set, the item lands on the active
// location's floor when there is one, otherwise unplaced.
func (s *Store) CreateItem(ctx context.Context, code, callerID, name string, qty int, place Placement) (*Item, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: item name required", ErrInvalidArgument)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidArgument)
	}
	if place.OwnerExternalID != "" && place.LocationID != "" {
		return nil, fmt.Errorf("%w: ambiguous custody target", ErrInvalidArgument)
	}
	b, sess, err := s.resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := requireAuthority(sess, callerID); err != nil {
		return nil, err
	}

	item := &Item{
		ID:         uuid.NewString(),
		Name:       name,
		Qty:        qty,
		LocationID: place.LocationID,
		CreatedAt:  s.ttl.now(),
	}
	if place.OwnerExternalID == "" && place.LocationID == "" {
		item.LocationID = sess.ActiveLocationID
	}
	return b.InsertItem(ctx, code, item, place.OwnerExternalID)
}

// TransferItem hands an item to a player, or drops it on the floor at the
// active location when toExternalID is empty.
func (s *Store) TransferItem(ctx context.Context, code, itemID, toExternalID string) (*Item, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	if itemID == "" {
		return nil, fmt.Errorf("%w: item id required", ErrInvalidArgument)
	}
	b, sess, err := s.resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	if toExternalID == "" && sess.ActiveLocationID == "" {
		return nil, fmt.Errorf("%w: no active location to drop onto", ErrInvalidArgument)
	}
	return b.TransferItem(ctx, code, itemID, toExternalID)
}

// LookAround reveals and claims one unit of the oldest item on the active
// location's floor. Returns nil when the floor is empty.
func (s *Store) LookAround(ctx context.Context, code, callerID string) (*Item, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	b, _, err := s.resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	return b.ClaimFloorItem(ctx, code, callerID)
}

// DeleteItem removes an item outright. Authority only.
func (s *Store) DeleteItem(ctx context.Context, code, callerID, itemID string) error {
	code, err := NormalizeCode(code)
	if err != nil {
		return err
	}
	b, sess, err := s.resolve(ctx, code)
	if err != nil {
		return err
	}
	if err := requireAuthority(sess, callerID); err != nil {
		return err
	}
	return b.DeleteItem(ctx, code, itemID)
}

// AddLocation creates a location. Authority only.
func (s *Store) AddLocation(ctx context.Context, code, callerID, name, description, image string) (*Location, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: location name required", ErrInvalidArgument)
	}
	b, sess, err := s.resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := requireAuthority(sess, callerID); err != nil {
		return nil, err
	}
	loc := &Location{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Image:       image,
		CreatedAt:   s.ttl.now(),
	}
	return b.InsertLocation(ctx, code, loc)
}

// SetActiveLocation points the session at one of its locations. Authority
// only.
func (s *Store) SetActiveLocation(ctx context.Context, code, callerID, locationID string) error {
	code, err := NormalizeCode(code)
	if err != nil {
		return err
	}
	if locationID == "" {
		return fmt.Errorf("%w: location id required", ErrInvalidArgument)
	}
	b, sess, err := s.resolve(ctx, code)
	if err != nil {
		return err
	}
	if err := requireAuthority(sess, callerID); err != nil {
		return err
	}
	return b.SetActiveLocation(ctx, code, locationID)
}

// StartSession moves the session from lobby to started, a one-way
// transition. locationID picks the opening location; when empty the current
// active location is kept, else the oldest location, else a default one is
// created. Authority only.
func (s *Store) StartSession(ctx context.Context, code, callerID, locationID string) error {
	code, err := NormalizeCode(code)
	if err != nil {
		return err
	}
	b, sess, err := s.resolve(ctx, code)
	if err != nil {
		return err
	}
	if err := requireAuthority(sess, callerID); err != nil {
		return err
	}
	if sess.Started {
		return nil
	}

	if locationID == "" {
		locationID = sess.ActiveLocationID
	}
	if locationID == "" {
		st, err := b.Load(ctx, code)
		if err != nil {
			return err
		}
		if len(st.Locations) > 0 {
			locationID = st.Locations[0].ID
		}
	}
	if locationID == "" {
		loc, err := b.InsertLocation(ctx, code, &Location{
			ID:        uuid.NewString(),
			Name:      "Tavern",
			CreatedAt: s.ttl.now(),
		})
		if err != nil {
			return err
		}
		locationID = loc.ID
	}
	return b.StartSession(ctx, code, locationID)
}

// UpdateProfile lets a player edit their own display name and bio.
func (s *Store) UpdateProfile(ctx context.Context, code, callerID string, name, bio *string) (*Player, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	if name != nil && *name == "" {
		return nil, fmt.Errorf("%w: name cannot be blank", ErrInvalidArgument)
	}
	b, _, err := s.resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	return b.UpdateProfile(ctx, code, callerID, name, bio)
}

// PostMessage appends a chat entry. callerID may be empty for system
// narration.
func (s *Store) PostMessage(ctx context.Context, code, callerID, text string) (*Message, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidArgument)
	}
	b, _, err := s.resolve(ctx, code)
	if err != nil {
		return nil, err
	}

	msg := &Message{ID: uuid.NewString(), Text: text, At: s.ttl.now()}
	if callerID != "" {
		p, err := b.GetPlayer(ctx, code, callerID)
		if err != nil {
			return nil, err
		}
		msg.PlayerID = p.ID
	}
	if err := b.AppendMessage(ctx, code, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// RollDice draws a uniform result on the given die for a joined player,
// records it and narrates it into chat.
func (s *Store) RollDice(ctx context.Context, code, callerID string, die int) (*Roll, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	if !allowedDice[die] {
		return nil, fmt.Errorf("%w: d%d is not an allowed die", ErrInvalidArgument, die)
	}
	b, _, err := s.resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	p, err := b.GetPlayer(ctx, code, callerID)
	if err != nil {
		return nil, err
	}

	roll := &Roll{
		ID:       uuid.NewString(),
		PlayerID: p.ID,
		Die:      die,
		Result:   rollResult(die),
		At:       s.ttl.now(),
	}
	if err := b.AppendRoll(ctx, code, roll); err != nil {
		return nil, err
	}
	narration := &Message{
		ID:   uuid.NewString(),
		Text: fmt.Sprintf("%s rolled d%d: %d", p.Name, die, roll.Result),
		At:   roll.At,
	}
	if err := b.AppendMessage(ctx, code, narration); err != nil {
		return nil, err
	}
	return roll, nil
}

func rollResult(die int) int {
	return 1 + rand.Intn(die)
}

func requireAuthority(sess *Session, callerID string) error {
	if callerID == "" || callerID != sess.AuthorityID {
		return ErrForbidden
	}
	return nil
}
