package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ttlForTests = 6 * time.Hour

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return New(nil, TTL{Lifetime: ttlForTests, Now: clock.now}), clock
}

// newStartedSession creates a session with gm1 as authority, p1 joined and a
// started default location.
func newStartedSession(t *testing.T, s *Store) string {
	t.Helper()
	ctx := context.Background()
	code, err := s.CreateSession(ctx, "")
	require.NoError(t, err)
	_, err = s.JoinSession(ctx, code, "gm1", "Game Master", "", true)
	require.NoError(t, err)
	_, err = s.JoinSession(ctx, code, "p1", "Alice", "", false)
	require.NoError(t, err)
	require.NoError(t, s.StartSession(ctx, code, "gm1", ""))
	return code
}

func TestJoinSessionIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	code, err := s.CreateSession(ctx, "gm1")
	require.NoError(t, err)

	first, err := s.JoinSession(ctx, code, "p1", "Alice", "a1", false)
	require.NoError(t, err)
	_, err = s.JoinSession(ctx, code, "gm1", "GM", "", false)
	require.NoError(t, err)
	_, err = s.AdjustStat(ctx, code, "gm1", "p1", StatGold, 25)
	require.NoError(t, err)

	second, err := s.JoinSession(ctx, code, "p1", "Alicia", "a2", false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Alicia", second.Name)
	assert.Equal(t, "a2", second.Avatar)
	assert.Equal(t, DefaultHP, second.HP)
	assert.Equal(t, 25, second.Gold)

	snap, err := s.State(ctx, code, "p1")
	require.NoError(t, err)
	assert.Len(t, snap.Players, 2)
}

func TestAuthorityClaimedOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	code, err := s.CreateSession(ctx, "")
	require.NoError(t, err)

	gm, err := s.JoinSession(ctx, code, "gm1", "GM", "", true)
	require.NoError(t, err)
	assert.True(t, gm.Authority)

	// A later join asking for authority stays a regular player.
	late, err := s.JoinSession(ctx, code, "p2", "Bob", "", true)
	require.NoError(t, err)
	assert.False(t, late.Authority)

	snap, err := s.State(ctx, code, "gm1")
	require.NoError(t, err)
	assert.True(t, snap.Authority)
}

func TestAdjustStatRequiresAuthority(t *testing.T) {
	s, _ := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()

	_, err := s.AdjustStat(ctx, code, "p1", "gm1", StatHP, -5)
	assert.ErrorIs(t, err, ErrForbidden)

	// Target unchanged afterwards.
	snap, err := s.State(ctx, code, "gm1")
	require.NoError(t, err)
	for _, p := range snap.Players {
		assert.Equal(t, DefaultHP, p.HP)
	}
}

func TestAdjustStatClampsAtZero(t *testing.T) {
	s, _ := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()

	hp, err := s.AdjustStat(ctx, code, "gm1", "p1", StatHP, -999)
	require.NoError(t, err)
	assert.Equal(t, 0, hp)

	gold, err := s.AdjustStat(ctx, code, "gm1", "p1", StatGold, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, gold)

	_, err = s.AdjustStat(ctx, code, "gm1", "p1", "mana", 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateItemValidation(t *testing.T) {
	s, _ := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()

	_, err := s.CreateItem(ctx, code, "gm1", "Torch", 0, Placement{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.CreateItem(ctx, code, "gm1", "", 1, Placement{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.CreateItem(ctx, code, "gm1", "Torch", 1, Placement{OwnerExternalID: "p1", LocationID: "somewhere"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.CreateItem(ctx, code, "p1", "Torch", 1, Placement{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreateItemDefaultsToActiveFloor(t *testing.T) {
	s, _ := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()

	item, err := s.CreateItem(ctx, code, "gm1", "Rope", 1, Placement{})
	require.NoError(t, err)
	assert.Equal(t, CustodyFloor, item.Custody())

	snap, err := s.State(ctx, code, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.FloorCount)
	assert.Empty(t, snap.Inventory)
}

func TestTorchScenario(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	code, err := s.CreateSession(ctx, "")
	require.NoError(t, err)
	_, err = s.JoinSession(ctx, code, "gm1", "GM", "", true)
	require.NoError(t, err)
	_, err = s.JoinSession(ctx, code, "p1", "Alice", "", false)
	require.NoError(t, err)

	loc, err := s.AddLocation(ctx, code, "gm1", "Crypt", "damp", "")
	require.NoError(t, err)
	require.NoError(t, s.SetActiveLocation(ctx, code, "gm1", loc.ID))

	created, err := s.CreateItem(ctx, code, "gm1", "Torch", 3, Placement{LocationID: loc.ID})
	require.NoError(t, err)

	claimed, err := s.LookAround(ctx, code, "p1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "Torch", claimed.Name)
	assert.Equal(t, 1, claimed.Qty)
	assert.Equal(t, CustodyHeld, claimed.Custody())

	st, err := s.fallback.Load(ctx, code)
	require.NoError(t, err)
	var original *Item
	for i := range st.Items {
		if st.Items[i].ID == created.ID {
			original = &st.Items[i]
		}
	}
	require.NotNil(t, original)
	assert.Equal(t, 2, original.Qty)
	assert.Equal(t, CustodyFloor, original.Custody())
}

func TestSplitStackConservesQuantity(t *testing.T) {
	s, _ := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()

	created, err := s.CreateItem(ctx, code, "gm1", "Arrow", 5, Placement{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		claimed, err := s.LookAround(ctx, code, "p1")
		require.NoError(t, err)
		require.NotNil(t, claimed)
	}

	st, err := s.fallback.Load(ctx, code)
	require.NoError(t, err)
	total := 0
	for _, it := range st.Items {
		if it.Name == created.Name {
			total += it.Qty
		}
	}
	assert.Equal(t, 5, total)
}

func TestLookAroundClaimsOldestFirst(t *testing.T) {
	s, clock := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()

	_, err := s.CreateItem(ctx, code, "gm1", "Old", 1, Placement{})
	require.NoError(t, err)
	clock.advance(time.Minute)
	_, err = s.CreateItem(ctx, code, "gm1", "New", 1, Placement{})
	require.NoError(t, err)

	claimed, err := s.LookAround(ctx, code, "p1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "Old", claimed.Name)
}

func TestLookAroundEmptyFloor(t *testing.T) {
	s, _ := newTestStore(t)
	code := newStartedSession(t, s)

	claimed, err := s.LookAround(context.Background(), code, "p1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestConcurrentLookAroundSingleUnit(t *testing.T) {
	s, _ := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()
	_, err := s.JoinSession(ctx, code, "p2", "Bob", "", false)
	require.NoError(t, err)
	_, err = s.CreateItem(ctx, code, "gm1", "Gem", 1, Placement{})
	require.NoError(t, err)

	results := make(chan *Item, 2)
	var wg sync.WaitGroup
	for _, caller := range []string{"p1", "p2"} {
		wg.Add(1)
		go func(caller string) {
			defer wg.Done()
			it, err := s.LookAround(ctx, code, caller)
			if err != nil {
				t.Errorf("look around: %v", err)
			}
			results <- it
		}(caller)
	}
	wg.Wait()
	close(results)

	won := 0
	for it := range results {
		if it != nil {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestTransferItemCustody(t *testing.T) {
	s, _ := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()

	item, err := s.CreateItem(ctx, code, "gm1", "Sword", 1, Placement{OwnerExternalID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, CustodyHeld, item.Custody())

	dropped, err := s.TransferItem(ctx, code, item.ID, "")
	require.NoError(t, err)
	assert.Equal(t, CustodyFloor, dropped.Custody())
	assert.Empty(t, dropped.OwnerID)

	held, err := s.TransferItem(ctx, code, item.ID, "gm1")
	require.NoError(t, err)
	assert.Equal(t, CustodyHeld, held.Custody())
	assert.Empty(t, held.LocationID)

	_, err = s.TransferItem(ctx, code, "no-such-item", "p1")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTransferToFloorNeedsActiveLocation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	code, err := s.CreateSession(ctx, "gm1")
	require.NoError(t, err)
	_, err = s.JoinSession(ctx, code, "gm1", "GM", "", false)
	require.NoError(t, err)
	item, err := s.CreateItem(ctx, code, "gm1", "Map", 1, Placement{OwnerExternalID: "gm1"})
	require.NoError(t, err)

	_, err = s.TransferItem(ctx, code, item.ID, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStartSessionCreatesDefaultLocation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	code, err := s.CreateSession(ctx, "gm1")
	require.NoError(t, err)
	_, err = s.JoinSession(ctx, code, "gm1", "GM", "", false)
	require.NoError(t, err)
	_, err = s.JoinSession(ctx, code, "p1", "Alice", "", false)
	require.NoError(t, err)

	require.Error(t, s.StartSession(ctx, code, "p1", ""))
	require.NoError(t, s.StartSession(ctx, code, "gm1", ""))

	snap, err := s.State(ctx, code, "p1")
	require.NoError(t, err)
	assert.True(t, snap.Started)
	require.NotNil(t, snap.Location)

	st, err := s.fallback.Load(ctx, code)
	require.NoError(t, err)
	require.Len(t, st.Locations, 1)
	for _, p := range st.Players {
		assert.Equal(t, snap.Location.ID, p.LocationID)
	}

	// Starting again stays started; the transition is one-way.
	require.NoError(t, s.StartSession(ctx, code, "gm1", ""))
}

func TestRollDice(t *testing.T) {
	s, _ := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()

	roll, err := s.RollDice(ctx, code, "p1", 20)
	require.NoError(t, err)
	assert.Equal(t, 20, roll.Die)
	assert.GreaterOrEqual(t, roll.Result, 1)
	assert.LessOrEqual(t, roll.Result, 20)

	_, err = s.RollDice(ctx, code, "p1", 7)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.RollDice(ctx, code, "ghost", 6)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// The roll is narrated into chat.
	snap, err := s.State(ctx, code, "p1")
	require.NoError(t, err)
	require.Len(t, snap.Rolls, 1)
	require.NotEmpty(t, snap.Messages)
	assert.Contains(t, snap.Messages[0].Text, "rolled d20")
}

func TestRollResultUniform(t *testing.T) {
	const n = 10000
	counts := make(map[int]int)
	for i := 0; i < n; i++ {
		r := rollResult(20)
		if r < 1 || r > 20 {
			t.Fatalf("result %d out of range", r)
		}
		counts[r]++
	}
	// Loose uniformity bound: each face should land near n/20 = 500.
	for face := 1; face <= 20; face++ {
		if counts[face] < 350 || counts[face] > 650 {
			t.Fatalf("face %d hit %d times, outside [350, 650]", face, counts[face])
		}
	}
}

func TestPostMessage(t *testing.T) {
	s, _ := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()

	msg, err := s.PostMessage(ctx, code, "p1", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.PlayerID)

	narration, err := s.PostMessage(ctx, code, "", "a door creaks open")
	require.NoError(t, err)
	assert.Empty(t, narration.PlayerID)

	_, err = s.PostMessage(ctx, code, "p1", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUpdateProfile(t *testing.T) {
	s, _ := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()

	name := "Alya"
	bio := "A wandering bard."
	p, err := s.UpdateProfile(ctx, code, "p1", &name, &bio)
	require.NoError(t, err)
	assert.Equal(t, "Alya", p.Name)
	assert.Equal(t, "A wandering bard.", p.Bio)

	blank := ""
	_, err = s.UpdateProfile(ctx, code, "p1", &blank, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDeleteItem(t *testing.T) {
	s, _ := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()

	item, err := s.CreateItem(ctx, code, "gm1", "Cursed Idol", 1, Placement{})
	require.NoError(t, err)

	require.ErrorIs(t, s.DeleteItem(ctx, code, "p1", item.ID), ErrForbidden)
	require.NoError(t, s.DeleteItem(ctx, code, "gm1", item.ID))
	require.ErrorIs(t, s.DeleteItem(ctx, code, "gm1", item.ID), ErrInvalidArgument)
}

func TestExpiryLifecycle(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	code, err := s.CreateSession(ctx, "gm1")
	require.NoError(t, err)
	_, err = s.JoinSession(ctx, code, "gm1", "GM", "", false)
	require.NoError(t, err)

	clock.advance(5*time.Hour + 59*time.Minute)
	_, err = s.State(ctx, code, "gm1")
	require.NoError(t, err)

	// Past the TTL the session is unreachable even before the sweeper runs.
	clock.advance(2 * time.Minute)
	_, err = s.State(ctx, code, "gm1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	s.Sweep(ctx)
	_, err = s.fallback.GetSession(ctx, code)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestJoinSlidesExpiry(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	code, err := s.CreateSession(ctx, "gm1")
	require.NoError(t, err)

	clock.advance(5 * time.Hour)
	_, err = s.JoinSession(ctx, code, "p1", "Alice", "", false)
	require.NoError(t, err)

	// Without the slide this would be past the original deadline.
	clock.advance(5 * time.Hour)
	_, err = s.State(ctx, code, "p1")
	require.NoError(t, err)
}

func TestStateHidesFloorDetail(t *testing.T) {
	s, _ := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()

	_, err := s.CreateItem(ctx, code, "gm1", "Hidden Key", 1, Placement{})
	require.NoError(t, err)
	_, err = s.CreateItem(ctx, code, "gm1", "Dagger", 1, Placement{OwnerExternalID: "p1"})
	require.NoError(t, err)

	snap, err := s.State(ctx, code, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.FloorCount)
	require.Len(t, snap.Inventory, 1)
	assert.Equal(t, "Dagger", snap.Inventory[0].Name)
}

func TestUnknownCode(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.State(ctx, "ZZZZZZ", "p1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = s.State(ctx, "nope", "p1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRejoinBlankFieldsKeepProfile(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	code, err := s.CreateSession(ctx, "gm1")
	require.NoError(t, err)

	first, err := s.JoinSession(ctx, code, "p1", "Alice", "av1", false)
	require.NoError(t, err)

	// Re-joining without a name or avatar leaves the stored profile alone.
	again, err := s.JoinSession(ctx, code, "p1", "", "", false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "Alice", again.Name)
	assert.Equal(t, "av1", again.Avatar)

	// A first join with no name still gets the placeholder.
	anon, err := s.JoinSession(ctx, code, "p2", "", "", false)
	require.NoError(t, err)
	assert.Equal(t, "Player", anon.Name)
}

func TestHistoryWindowCapped(t *testing.T) {
	s, _ := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()

	for i := 0; i < HistoryLimit+5; i++ {
		_, err := s.PostMessage(ctx, code, "p1", fmt.Sprintf("line %d", i))
		require.NoError(t, err)
	}
	for i := 0; i < HistoryLimit+5; i++ {
		_, err := s.RollDice(ctx, code, "p1", 6)
		require.NoError(t, err)
	}

	snap, err := s.State(ctx, code, "p1")
	require.NoError(t, err)
	assert.Len(t, snap.Messages, HistoryLimit)
	assert.Len(t, snap.Rolls, HistoryLimit)
	// Most recent first; the oldest lines fell out of the window.
	assert.Contains(t, snap.Messages[0].Text, "rolled d6")
}

func TestCreationTimesFollowClock(t *testing.T) {
	s, clock := newTestStore(t)
	code := newStartedSession(t, s)
	ctx := context.Background()

	_, err := s.CreateItem(ctx, code, "gm1", "Ration", 2, Placement{})
	require.NoError(t, err)

	clock.advance(30 * time.Minute)
	late, err := s.JoinSession(ctx, code, "p2", "Bob", "", false)
	require.NoError(t, err)
	assert.True(t, late.CreatedAt.Equal(clock.now()))

	claimed, err := s.LookAround(ctx, code, "p1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The split-off unit is stamped now; the remaining stack keeps its time.
	st, err := s.fallback.Load(ctx, code)
	require.NoError(t, err)
	for _, it := range st.Items {
		if it.ID == claimed.ID {
			assert.True(t, it.CreatedAt.Equal(clock.now()))
		} else if it.Name == "Ration" {
			assert.True(t, it.CreatedAt.Before(clock.now()))
		}
	}
}
