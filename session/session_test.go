package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/roomsync/envelope"
	"github.com/wfunc/roomsync/games/tictactoe"
	"github.com/wfunc/roomsync/games/turns"
	"github.com/wfunc/roomsync/monitor"
	"github.com/wfunc/roomsync/persistence"
	"github.com/wfunc/roomsync/plugin"
	"github.com/wfunc/roomsync/roster"
	"github.com/wfunc/roomsync/transport"
)

var (
	_ Transport = (*transport.Endpoint)(nil)
	_ Transport = (*transport.WS)(nil)
	_ Metrics   = (*monitor.SessionMetrics)(nil)
)

var pass = envelope.Action{Type: turns.ActionPass}

func players(ids ...string) []roster.Participant {
	out := make([]roster.Participant, len(ids))
	for i, id := range ids {
		out[i] = roster.Participant{ID: id, DisplayName: id}
	}
	return out
}

func roomRoster(gameType, owner string, ids ...string) roster.Roster {
	return roster.Roster{RoomID: "r1", GameType: gameType, Owner: owner, Players: players(ids...)}
}

type fixture struct {
	t        *testing.T
	bus      *transport.Bus
	registry *plugin.Registry
	roster   roster.Roster
}

func newFixture(t *testing.T, r roster.Roster, plugins ...plugin.Plugin) *fixture {
	bus := transport.NewBus()
	bus.Publish(r)
	return &fixture{t: t, bus: bus, registry: plugin.NewRegistry(plugins...), roster: r}
}

func (f *fixture) open(id string, mutate ...func(*Config)) *Session {
	f.t.Helper()
	cfg := Config{
		RoomID:    f.roster.RoomID,
		GameType:  f.roster.GameType,
		LocalID:   id,
		Authority: IsAuthority(f.roster, id),
		Roster:    f.roster,
		Transport: f.bus.Endpoint(id),
		Registry:  f.registry,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	s, err := New(cfg)
	require.NoError(f.t, err)
	f.t.Cleanup(s.Teardown)
	return s
}

func turnsGame(t *testing.T, s envelope.State) turns.Game {
	t.Helper()
	g, err := turns.Decode(s)
	require.NoError(t, err)
	return g
}

type countingMetrics struct {
	mutex                        sync.Mutex
	applied, rejected, broadcast int
}

func (m *countingMetrics) ActionApplied(string, time.Duration) {
	m.mutex.Lock()
	m.applied++
	m.mutex.Unlock()
}

func (m *countingMetrics) ActionRejected(string) {
	m.mutex.Lock()
	m.rejected++
	m.mutex.Unlock()
}

func (m *countingMetrics) StateBroadcast(string) {
	m.mutex.Lock()
	m.broadcast++
	m.mutex.Unlock()
}

func TestIsAuthority_ExactlyOneWriter(t *testing.T) {
	r := roomRoster(turns.ID, "b", "a", "b", "c")
	r.Spectators = players("d")

	count := 0
	for _, id := range []string{"a", "b", "c", "d"} {
		if IsAuthority(r, id) {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.False(t, IsAuthority(roster.Roster{}, ""))
}

func TestTurnEnforcement(t *testing.T) {
	f := newFixture(t, roomRoster(turns.ID, "a", "a", "b"), turns.New(0))
	b := f.open("b")
	a := f.open("a")

	require.True(t, a.IsAuthority())
	require.False(t, b.IsAuthority())
	assert.Equal(t, a.State(), b.State())

	before := a.State()
	rev := a.Revision()

	// not b's turn
	b.RequestAction(pass)
	assert.True(t, before.Equal(a.State()))
	assert.Equal(t, rev, a.Revision())

	a.RequestAction(pass)
	assert.Equal(t, turns.Game{Turn: 1, Moves: 1}, turnsGame(t, a.State()))
	assert.Equal(t, rev+1, a.Revision())
	assert.Equal(t, a.State(), b.State())
	assert.Equal(t, a.Revision(), b.Revision())

	b.RequestAction(pass)
	assert.Equal(t, turns.Game{Turn: 0, Moves: 2}, turnsGame(t, b.State()))
}

func TestRejectedActionIsANoOp(t *testing.T) {
	metrics := &countingMetrics{}
	f := newFixture(t, roomRoster(turns.ID, "a", "a", "b"), turns.New(0))
	a := f.open("a", func(c *Config) { c.Metrics = metrics })

	before := a.State()
	raw, err := json.Marshal(before)
	require.NoError(t, err)

	a.OnRemoteAction(envelope.Envelope{Action: envelope.Action{Type: "jump"}, Sender: "a"})
	a.OnRemoteAction(envelope.Envelope{Action: pass, Sender: "b"})
	a.OnRemoteAction(envelope.Envelope{Action: pass})

	after, err := json.Marshal(a.State())
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(after))
	assert.Equal(t, string(raw), string(after))
	assert.Equal(t, 3, metrics.rejected)
	assert.Equal(t, 0, metrics.applied)
}

type panicky struct{ *turns.Plugin }

func (p panicky) Reduce(envelope.State, envelope.Action, string) (envelope.State, error) {
	panic("boom")
}

func TestReducerPanicIsRejected(t *testing.T) {
	f := newFixture(t, roomRoster(turns.ID, "a", "a"), panicky{turns.New(0)})
	a := f.open("a")

	before := a.State()
	a.RequestAction(pass)
	assert.True(t, before.Equal(a.State()))
}

// counter accepts every "inc" and counts them.
type counter struct{}

func (counter) Info() plugin.Info { return plugin.Info{ID: "counter", Slots: 1} }

func (counter) InitialState(r roster.Roster) (envelope.State, error) {
	return envelope.State{Slots: roster.Seat(r.Players, 1), Game: json.RawMessage(`0`)}, nil
}

func (counter) Reduce(s envelope.State, a envelope.Action, _ string) (envelope.State, error) {
	if a.Type != "inc" {
		return s, plugin.ErrUnknownAction
	}
	var n int
	if err := json.Unmarshal(s.Game, &n); err != nil {
		return s, err
	}
	s.Game = json.RawMessage(fmt.Sprint(n + 1))
	return s, nil
}

func (counter) IsTerminal(envelope.State) bool { return false }

func TestAuthoritySerializesConcurrentActions(t *testing.T) {
	f := newFixture(t, roster.Roster{RoomID: "r1", GameType: "counter", Owner: "a", Players: players("a", "b", "c")}, counter{})
	a := f.open("a")
	start := a.Revision()

	const senders, each = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for j := 0; j < each; j++ {
				a.OnRemoteAction(envelope.Envelope{Action: envelope.Action{Type: "inc"}, Sender: sender})
			}
		}(fmt.Sprintf("p%d", i))
	}
	wg.Wait()

	assert.Equal(t, fmt.Sprint(senders*each), string(a.State().Game))
	assert.Equal(t, start+senders*each, a.Revision())
}

func TestReconcileRoster_Idempotent(t *testing.T) {
	r := roomRoster(turns.ID, "a", "a", "b")
	f := newFixture(t, r, turns.New(0))
	a := f.open("a")

	broadcasts := 0
	f.bus.Endpoint("b").OnStateBroadcast(func(envelope.StateBroadcast) { broadcasts++ })

	rev := a.Revision()
	slots := a.State().Slots
	a.ReconcileRoster(r.Players, nil)
	a.ReconcileRoster(r.Players, nil)
	assert.Equal(t, rev, a.Revision())
	assert.Equal(t, 0, broadcasts)
	assert.True(t, slots.Equal(a.State().Slots))

	// a spectator arrives: nothing moves but the newcomer needs the state
	a.ReconcileRoster(r.Players, players("c"))
	assert.Equal(t, 1, broadcasts)
	assert.True(t, slots.Equal(a.State().Slots))

	// b leaves: slot 1 is vacated, slot 0 kept
	a.ReconcileRoster(players("a"), players("c"))
	assert.Equal(t, 2, broadcasts)
	assert.Equal(t, "a", a.State().Slots.Occupant(0))
	assert.True(t, a.State().Slots[1].Empty())
}

func TestReconcileRoster_KeepsBots(t *testing.T) {
	f := newFixture(t, roomRoster(tictactoe.ID, "a", "a"), tictactoe.New(time.Hour))
	a := f.open("a")

	a.RequestAction(envelope.MustAction(tictactoe.ActionAddBot, tictactoe.SlotRef{Slot: 1}))
	require.True(t, a.State().Slots[1].Synthetic())

	// a human joins and leaves as a spectator; slot 1 is never theirs
	a.ReconcileRoster(players("a"), players("c"))
	a.ReconcileRoster(players("a"), nil)
	assert.Equal(t, "bot-1", a.State().Slots.Occupant(1))

	// a human now at position 1 takes the seat
	a.ReconcileRoster(players("a", "c"), nil)
	assert.Equal(t, "c", a.State().Slots.Occupant(1))
}

func TestMirrorReconcileDoesNotWrite(t *testing.T) {
	f := newFixture(t, roomRoster(turns.ID, "a", "a", "b"), turns.New(0))
	b := f.open("b")

	before := b.State()
	b.ReconcileRoster(players("b"), nil)
	assert.True(t, before.Equal(b.State()))
}

func TestMirrorIgnoresForeignBroadcast(t *testing.T) {
	f := newFixture(t, roomRoster(turns.ID, "a", "a", "b"), turns.New(0))
	b := f.open("b")
	before := b.State()

	b.OnStateBroadcast(envelope.StateBroadcast{RoomID: "other", GameType: turns.ID, Revision: 9, State: envelope.State{Game: json.RawMessage(`{"turn":1,"moves":5}`)}})
	b.OnStateBroadcast(envelope.StateBroadcast{RoomID: "r1", GameType: "chess", Revision: 9})
	assert.True(t, before.Equal(b.State()))
	assert.False(t, b.HasRemoteState())
}

func TestMirrorWithoutAuthorityDoesNotBlock(t *testing.T) {
	r := roomRoster(turns.ID, "", "a", "b")
	f := newFixture(t, r, turns.New(0))
	b := f.open("b")
	b.RequestAction(pass)
	assert.Equal(t, uint64(0), b.Revision())
}

func TestUnknownGameType(t *testing.T) {
	_, err := New(Config{
		RoomID:    "r1",
		GameType:  "chess",
		LocalID:   "a",
		Authority: true,
		Transport: transport.NewBus().Endpoint("a"),
		Registry:  plugin.NewRegistry(turns.New(0)),
	})
	assert.ErrorIs(t, err, plugin.ErrPluginNotFound)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var afterBreakingChange = time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)

func TestResumeFromFreshSave(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	saves := persistence.NewSaves(store).WithClock(fixedClock(afterBreakingChange))

	saved := envelope.State{Slots: roster.Seat(players("a"), 2), Game: json.RawMessage(`{"turn":1,"moves":3}`)}
	require.NoError(t, saves.Save(ctx, turns.ID, saved))

	f := newFixture(t, roomRoster(turns.ID, "a", "a"), turns.New(0))
	a := f.open("a", func(c *Config) { c.Saves = saves; c.SaveDelay = time.Hour })
	assert.Equal(t, turns.Game{Turn: 1, Moves: 3}, turnsGame(t, a.State()))
}

func TestStaleSaveIsDiscarded(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	stale := persistence.NewSaves(store).WithClock(fixedClock(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, stale.Save(ctx, turns.ID, envelope.State{
		Slots: roster.Seat(players("a"), 2),
		Game:  json.RawMessage(`{"turn":1,"moves":3}`),
	}))

	saves := persistence.NewSaves(store).WithClock(fixedClock(afterBreakingChange))
	f := newFixture(t, roomRoster(turns.ID, "a", "a"), turns.New(0))
	a := f.open("a", func(c *Config) { c.Saves = saves; c.SaveDelay = time.Hour })

	assert.Equal(t, turns.Game{}, turnsGame(t, a.State()))
	_, err := store.Get(ctx, persistence.SaveKey(turns.ID))
	assert.ErrorIs(t, err, persistence.ErrRecordNotFound)
}

func TestSeedWinsOverLocalSave(t *testing.T) {
	saves := persistence.NewSaves(persistence.NewMemoryStore()).WithClock(fixedClock(afterBreakingChange))
	require.NoError(t, saves.Save(context.Background(), turns.ID, envelope.State{
		Slots: roster.Seat(players("a"), 2),
		Game:  json.RawMessage(`{"turn":0,"moves":7}`),
	}))

	seed := &envelope.StateBroadcast{
		RoomID:   "r1",
		GameType: turns.ID,
		Revision: 4,
		State:    envelope.State{Slots: roster.Seat(players("x", "a"), 2), Game: json.RawMessage(`{"turn":1,"moves":2}`)},
	}
	f := newFixture(t, roomRoster(turns.ID, "a", "a"), turns.New(0))
	a := f.open("a", func(c *Config) { c.Saves = saves; c.SaveDelay = time.Hour; c.Seed = seed })

	assert.Equal(t, turns.Game{Turn: 1, Moves: 2}, turnsGame(t, a.State()))
	assert.Equal(t, uint64(5), a.Revision())
	assert.Equal(t, "a", a.State().Slots.Occupant(0))
}

func TestUnusableSaveFallsBackToInitial(t *testing.T) {
	ctx := context.Background()
	cases := map[string]func(*testing.T, *persistence.MemoryStore, *persistence.Saves){
		"no game document": func(t *testing.T, store *persistence.MemoryStore, _ *persistence.Saves) {
			raw := fmt.Sprintf(`{"state":{"slots":[{"occupant":{"id":"a"}},{"occupant":{}}]},"timestamp":%d}`, afterBreakingChange.UnixMilli())
			require.NoError(t, store.Put(ctx, persistence.SaveKey(turns.ID), []byte(raw)))
		},
		"turn out of range": func(t *testing.T, _ *persistence.MemoryStore, saves *persistence.Saves) {
			require.NoError(t, saves.Save(ctx, turns.ID, envelope.State{
				Slots: roster.Seat(players("a"), 2),
				Game:  json.RawMessage(`{"turn":5,"moves":1}`),
			}))
		},
	}
	for name, write := range cases {
		t.Run(name, func(t *testing.T) {
			store := persistence.NewMemoryStore()
			saves := persistence.NewSaves(store).WithClock(fixedClock(afterBreakingChange))
			write(t, store, saves)

			f := newFixture(t, roomRoster(turns.ID, "a", "a"), turns.New(0))
			a := f.open("a", func(c *Config) { c.Saves = saves; c.SaveDelay = time.Hour })

			assert.Equal(t, turns.Game{}, turnsGame(t, a.State()))
			assert.Equal(t, 0, store.Len())

			rev := a.Revision()
			a.RequestAction(pass)
			assert.Equal(t, rev+1, a.Revision())
		})
	}
}

func TestSaveIgnoredWhenPeersPresent(t *testing.T) {
	ctx := context.Background()
	saves := persistence.NewSaves(persistence.NewMemoryStore()).WithClock(fixedClock(afterBreakingChange))
	require.NoError(t, saves.Save(ctx, turns.ID, envelope.State{
		Slots: roster.Seat(players("a"), 2),
		Game:  json.RawMessage(`{"turn":1,"moves":3}`),
	}))

	f := newFixture(t, roomRoster(turns.ID, "a", "a", "b"), turns.New(0))
	a := f.open("a", func(c *Config) { c.Saves = saves; c.SaveDelay = time.Hour })
	assert.Equal(t, turns.Game{}, turnsGame(t, a.State()))
}

func TestTerminalClearsSave(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	saves := persistence.NewSaves(store).WithClock(fixedClock(afterBreakingChange))

	f := newFixture(t, roomRoster(turns.ID, "a", "a", "b"), turns.New(2))
	a := f.open("a", func(c *Config) { c.Saves = saves })

	a.RequestAction(pass)
	data, err := store.Get(ctx, persistence.SaveKey(turns.ID))
	require.NoError(t, err)
	var rec persistence.SavedGame
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, afterBreakingChange.UnixMilli(), rec.Timestamp)
	assert.Equal(t, PhaseActive, a.Phase())

	a.OnRemoteAction(envelope.Envelope{Action: pass, Sender: "b"})
	assert.True(t, a.IsTerminal())
	assert.Equal(t, PhaseTerminal, a.Phase())
	_, err = store.Get(ctx, persistence.SaveKey(turns.ID))
	assert.ErrorIs(t, err, persistence.ErrRecordNotFound)

	// further actions on a finished game are dropped
	rev := a.Revision()
	a.RequestAction(pass)
	assert.Equal(t, rev, a.Revision())
}

func TestDebouncedSaveFlushedOnTeardown(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	saves := persistence.NewSaves(store).WithClock(fixedClock(afterBreakingChange))

	f := newFixture(t, roomRoster(turns.ID, "a", "a", "b"), turns.New(0))
	a := f.open("a", func(c *Config) { c.Saves = saves; c.SaveDelay = time.Hour })

	a.RequestAction(pass)
	assert.Equal(t, 0, store.Len())

	a.Teardown()
	loaded, ok, err := saves.LoadIfFresh(ctx, turns.ID, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, turns.Game{Turn: 1, Moves: 1}, turnsGame(t, loaded))
}

func TestDebouncedSaveFires(t *testing.T) {
	store := persistence.NewMemoryStore()
	saves := persistence.NewSaves(store)

	f := newFixture(t, roomRoster(turns.ID, "a", "a", "b"), turns.New(0))
	a := f.open("a", func(c *Config) { c.Saves = saves; c.SaveDelay = 10 * time.Millisecond })
	a.RequestAction(pass)

	assert.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTeardown(t *testing.T) {
	f := newFixture(t, roomRoster(turns.ID, "a", "a", "b"), turns.New(0))
	b := f.open("b")
	a := f.open("a")

	updates, _ := b.Subscribe(4)
	<-updates

	b.Teardown()
	b.Teardown()
	_, open := <-updates
	assert.False(t, open)
	assert.Equal(t, PhaseClosed, b.Phase())

	// b no longer listens; a keeps working
	revB := b.Revision()
	a.RequestAction(pass)
	assert.Equal(t, revB, b.Revision())

	a.Teardown()
	rev := a.Revision()
	a.OnRemoteAction(envelope.Envelope{Action: pass, Sender: "b"})
	a.RequestAction(pass)
	assert.Equal(t, rev, a.Revision())

	closed, cancel := a.Subscribe(1)
	cancel()
	_, open = <-closed
	assert.False(t, open)
}

func TestSubscribe_KeepsNewest(t *testing.T) {
	f := newFixture(t, roomRoster(turns.ID, "a", "a", "b"), turns.New(0))
	a := f.open("a")

	updates, cancel := a.Subscribe(1)
	defer cancel()

	a.RequestAction(pass)
	a.OnRemoteAction(envelope.Envelope{Action: pass, Sender: "b"})
	a.RequestAction(pass)

	snap := <-updates
	assert.Equal(t, a.Revision(), snap.Revision)
	assert.Equal(t, turns.Game{Turn: 1, Moves: 3}, turnsGame(t, snap.State))
	assert.False(t, snap.Terminal)

	select {
	case extra := <-updates:
		t.Fatalf("unexpected queued snapshot %d", extra.Revision)
	default:
	}
}

func TestBotsPlayThroughAutomation(t *testing.T) {
	f := newFixture(t, roomRoster(tictactoe.ID, "a", "a"), tictactoe.New(5*time.Millisecond))
	a := f.open("a")

	a.RequestAction(envelope.MustAction(tictactoe.ActionAddBot, tictactoe.SlotRef{Slot: 1}))
	a.RequestAction(envelope.MustAction(tictactoe.ActionPlace, tictactoe.Place{Cell: 0}))

	assert.Eventually(t, func() bool {
		g, err := tictactoe.Decode(a.State())
		return err == nil && g.Board[4] == 2 && g.Turn == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTeardownCancelsBotTask(t *testing.T) {
	f := newFixture(t, roomRoster(tictactoe.ID, "a", "a"), tictactoe.New(30*time.Millisecond))
	a := f.open("a")

	a.RequestAction(envelope.MustAction(tictactoe.ActionAddBot, tictactoe.SlotRef{Slot: 1}))
	a.RequestAction(envelope.MustAction(tictactoe.ActionPlace, tictactoe.Place{Cell: 0}))
	rev := a.Revision()
	a.Teardown()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, rev, a.Revision())
}
