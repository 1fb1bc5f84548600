// session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wfunc/roomsync/envelope"
	"github.com/wfunc/roomsync/lifecycle"
	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/persistence"
	"github.com/wfunc/roomsync/plugin"
	"github.com/wfunc/roomsync/roster"
	"github.com/wfunc/roomsync/timer"
)

const saveTimeout = 5 * time.Second

const (
	PhaseActive   = "active"
	PhaseTerminal = "terminal"
	PhaseClosed   = "closed"
)

// Config describes one (room, game type) session for one participant.
type Config struct {
	RoomID   string
	GameType string
	LocalID  string
	// Authority is fixed for the lifetime of the session. See IsAuthority.
	Authority bool
	Roster    roster.Roster
	Transport Transport
	Registry  *plugin.Registry

	// Saves enables resume-after-reload on the authority.
	Saves *persistence.Saves
	// SaveDelay debounces opportunistic saves; zero saves after every change.
	SaveDelay time.Duration
	// Seed is the last state a successor authority saw as a mirror.
	Seed    *envelope.StateBroadcast
	Metrics Metrics
}

// IsAuthority reports whether localID owns the room described by r.
func IsAuthority(r roster.Roster, localID string) bool {
	return r.IsOwner(localID)
}

// Snapshot is a whole-state replacement handed to subscribers.
type Snapshot struct {
	RoomID   string
	GameType string
	Revision uint64
	State    envelope.State
	Terminal bool
}

// Session wraps a game plugin for one room. The authority instance is the
// only writer of the canonical state; every other instance mirrors the
// authority's broadcasts.
type Session struct {
	roomID    string
	gameType  string
	localID   string
	authority bool
	plugin    plugin.Plugin
	transport Transport
	saves     *persistence.Saves
	saveDelay time.Duration
	metrics   Metrics

	mutex       sync.Mutex
	state       envelope.State
	revision    uint64
	remote      bool // a broadcast has been received
	players     []roster.Participant
	spectators  []roster.Participant
	subscribers map[int]chan Snapshot
	nextSubID   int
	unsubscribe []func()
	closed      bool

	timers  *timer.TimerManager
	taskGen uint64
	taskID  int64
	saveID  int64
	dirty   bool

	machine  *lifecycle.BaseMachine
	active   *lifecycle.FuncPhase
	terminal *lifecycle.FuncPhase
	shut     *lifecycle.FuncPhase
}

// New resolves the plugin for cfg.GameType and builds the initial state.
// An unknown game type fails with an error wrapping plugin.ErrPluginNotFound.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("session: registry is required")
	}
	if cfg.RoomID == "" || cfg.LocalID == "" {
		return nil, errors.New("session: room and participant IDs are required")
	}

	p, err := cfg.Registry.Lookup(cfg.GameType)
	if err != nil {
		return nil, err
	}

	r := cfg.Roster
	r.RoomID, r.GameType = cfg.RoomID, cfg.GameType
	initial, err := plugin.Initial(p, r)
	if err != nil {
		return nil, fmt.Errorf("%s: initial state: %w", cfg.GameType, err)
	}

	s := &Session{
		roomID:      cfg.RoomID,
		gameType:    cfg.GameType,
		localID:     cfg.LocalID,
		authority:   cfg.Authority,
		plugin:      p,
		transport:   cfg.Transport,
		saves:       cfg.Saves,
		saveDelay:   cfg.SaveDelay,
		metrics:     cfg.Metrics,
		state:       initial,
		players:     append([]roster.Participant(nil), r.Players...),
		spectators:  append([]roster.Participant(nil), r.Spectators...),
		subscribers: make(map[int]chan Snapshot),
		timers:      timer.NewTimerManager(),
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	s.initPhases()

	if s.authority {
		s.adoptStartingState(initial, r, cfg.Seed)
		s.unsubscribe = append(s.unsubscribe, s.transport.OnActionSubmit(s.OnRemoteAction))
	} else {
		s.unsubscribe = append(s.unsubscribe, s.transport.OnStateBroadcast(s.OnStateBroadcast))
	}

	s.mutex.Lock()
	if s.authority {
		s.committedLocked()
	} else {
		s.updatePhaseLocked()
	}
	s.mutex.Unlock()

	logger.Log.Infof("Session %s/%s created for %s (authority=%v)", s.roomID, s.gameType, s.localID, s.authority)
	return s, nil
}

// adoptStartingState picks the authority's first state: the migration seed
// when taking over a running game, else a fresh local save when nobody else
// is playing yet, else the plugin's initial state. Slots are rebound to the
// live roster.
func (s *Session) adoptStartingState(initial envelope.State, r roster.Roster, seed *envelope.StateBroadcast) {
	start := initial
	source := "initial"

	switch {
	case seed != nil:
		start, source = seed.State.Clone(), "seed"
		s.revision = seed.Revision
	case s.saves != nil && len(r.HumanPeers(s.localID)) == 0:
		if saved, ok := s.loadSave(); ok {
			start, source = saved, "save"
		}
	}
	if len(start.Slots) != len(initial.Slots) {
		logger.Log.Warnf("Session %s/%s: %s state has %d slots, want %d; starting fresh",
			s.roomID, s.gameType, source, len(start.Slots), len(initial.Slots))
		start, source = initial, "initial"
	}

	start.Slots = s.bindSlots(start.Slots, r.Players)
	s.state = start
	s.revision++
	logger.Log.Debugf("Session %s/%s starts from %s state", s.roomID, s.gameType, source)
}

// loadSave returns a fresh save the plugin accepts. A save it cannot read is
// cleared so the next start does not trip over it again.
func (s *Session) loadSave() (envelope.State, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	saved, ok, err := s.saves.LoadIfFresh(ctx, s.gameType, s.plugin.Info().BreakingChange)
	if err != nil {
		logger.Log.Warnf("Session %s/%s: loading save failed: %v", s.roomID, s.gameType, err)
	}
	if !ok {
		return envelope.State{}, false
	}
	if err := plugin.Validate(s.plugin, saved); err != nil {
		logger.Log.Warnf("Session %s/%s: discarding unusable save: %v", s.roomID, s.gameType, err)
		if err := s.saves.Clear(ctx, s.gameType); err != nil {
			logger.Log.Warnf("Session %s/%s: %v", s.roomID, s.gameType, err)
		}
		return envelope.State{}, false
	}
	return saved, true
}

func (s *Session) initPhases() {
	s.active = &lifecycle.FuncPhase{ID: PhaseActive}
	s.terminal = &lifecycle.FuncPhase{ID: PhaseTerminal, Enter: s.enterTerminalLocked}
	s.shut = &lifecycle.FuncPhase{ID: PhaseClosed}
	s.machine = lifecycle.NewBaseMachine(s.active)

	never := func() bool { return false }
	_ = s.machine.AddTransition(s.shut, s.active, never)
	_ = s.machine.AddTransition(s.shut, s.terminal, never)
}

// RequestAction asks for a state change on behalf of the local participant.
// The authority validates and applies it immediately; a mirror forwards it
// to the authority and returns. Rejections have no observable effect.
func (s *Session) RequestAction(action envelope.Action) {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	if s.authority {
		s.applyLocked(action, s.localID)
		s.mutex.Unlock()
		return
	}
	s.mutex.Unlock()

	env := envelope.Envelope{Action: action, Sender: s.localID}
	if err := s.transport.SubmitAction(env); err != nil {
		logger.Log.Warnf("Session %s/%s: submit %s failed: %v", s.roomID, s.gameType, action.Type, err)
	}
}

// OnRemoteAction applies an envelope received from the room. Only the
// authority acts on it.
func (s *Session) OnRemoteAction(env envelope.Envelope) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed || !s.authority {
		return
	}
	if env.Sender == "" {
		logger.Log.Debugf("Session %s/%s: dropping unattributed %s", s.roomID, s.gameType, env.Type)
		s.metrics.ActionRejected(s.gameType)
		return
	}
	s.applyLocked(env.Action, env.Sender)
}

// OnStateBroadcast replaces a mirror's state wholesale. Broadcasts for
// another room or game type are ignored, as is everything on the authority.
func (s *Session) OnStateBroadcast(msg envelope.StateBroadcast) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed || s.authority {
		return
	}
	if msg.RoomID != s.roomID || msg.GameType != s.gameType {
		logger.Log.Debugf("Session %s/%s: ignoring broadcast for %s/%s", s.roomID, s.gameType, msg.RoomID, msg.GameType)
		return
	}
	s.state = msg.State.Clone()
	s.revision = msg.Revision
	s.remote = true
	s.updatePhaseLocked()
	s.notifyLocked()
}

// ReconcileRoster folds a membership update into the slot bindings. Calling
// it again with the same roster changes nothing. Mirrors only record the
// roster; their slots arrive with the authority's next broadcast.
func (s *Session) ReconcileRoster(players, spectators []roster.Participant) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return
	}
	changed := !sameParticipants(s.players, players) || !sameParticipants(s.spectators, spectators)
	s.players = append([]roster.Participant(nil), players...)
	s.spectators = append([]roster.Participant(nil), spectators...)

	if !s.authority {
		return
	}

	next := s.bindSlots(s.state.Slots, players)
	rebound := !next.Equal(s.state.Slots)
	if !rebound && !changed {
		return
	}
	if rebound {
		s.state.Slots = next
	}
	// newcomers need the full state even when no slot moved
	s.revision++
	s.committedLocked()
}

// IsTerminal reports the plugin's verdict on the current state.
func (s *Session) IsTerminal() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return plugin.Terminal(s.plugin, s.state)
}

// Teardown cancels background work, flushes a pending save, unsubscribes
// from the transport and closes subscriber channels. Safe to call repeatedly.
func (s *Session) Teardown() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	s.taskGen++
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	flush := s.authority && s.saves != nil && s.dirty && !plugin.Terminal(s.plugin, s.state)
	final := s.state.Clone()
	s.dirty = false
	_ = s.machine.ChangePhase(s.shut)
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.mutex.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	s.timers.Stop()

	if flush {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := s.saves.Save(ctx, s.gameType, final); err != nil {
			logger.Log.Warnf("Session %s/%s: final save failed: %v", s.roomID, s.gameType, err)
		}
	}
	logger.Log.Infof("Session %s/%s torn down for %s", s.roomID, s.gameType, s.localID)
}

// Subscribe returns a channel that receives the current snapshot at once
// and a new one after every change. When the buffer is full the oldest
// queued snapshot is dropped. The channel is closed by cancel or Teardown.
func (s *Session) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	ch <- s.snapshotLocked()

	return ch, func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

func (s *Session) State() envelope.State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state.Clone()
}

func (s *Session) Revision() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.revision
}

// Snapshot returns the current state as subscribers see it.
func (s *Session) Snapshot() Snapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.snapshotLocked()
}

// HasRemoteState reports whether a mirror has received any broadcast.
func (s *Session) HasRemoteState() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.remote
}

func (s *Session) IsAuthority() bool {
	return s.authority
}

// Identity returns the (room, game type) pair the session is bound to.
func (s *Session) Identity() (roomID, gameType string) {
	return s.roomID, s.gameType
}

// Phase returns the lifecycle phase ID.
func (s *Session) Phase() string {
	return s.machine.GetCurrentPhase().GetID()
}

// Plugin returns the resolved game plugin.
func (s *Session) Plugin() plugin.Plugin {
	return s.plugin
}

// applyLocked validates and applies action for actor on the authority.
func (s *Session) applyLocked(action envelope.Action, actor string) bool {
	start := time.Now()
	next, err := plugin.Apply(s.plugin, s.state, action, actor)
	if err != nil {
		logger.Log.Debugf("Session %s/%s: dropped %s from %s: %v", s.roomID, s.gameType, action.Type, actor, err)
		s.metrics.ActionRejected(s.gameType)
		return false
	}
	s.state = next
	s.revision++
	s.metrics.ActionApplied(s.gameType, time.Since(start))
	s.committedLocked()
	return true
}

// committedLocked runs after every authority change: broadcast, notify,
// lifecycle, saves and plugin automation, in that order.
func (s *Session) committedLocked() {
	msg := envelope.StateBroadcast{
		RoomID:   s.roomID,
		GameType: s.gameType,
		Revision: s.revision,
		State:    s.state.Clone(),
	}
	if err := s.transport.BroadcastState(msg); err != nil {
		logger.Log.Warnf("Session %s/%s: broadcast revision %d failed: %v", s.roomID, s.gameType, s.revision, err)
	} else {
		s.metrics.StateBroadcast(s.gameType)
	}
	s.notifyLocked()
	if s.updatePhaseLocked() == PhaseActive {
		s.scheduleSaveLocked()
	}
	s.scheduleTaskLocked()
}

func (s *Session) updatePhaseLocked() string {
	next := s.active
	if plugin.Terminal(s.plugin, s.state) {
		next = s.terminal
	}
	if err := s.machine.ChangePhase(next); err != nil {
		return s.machine.GetCurrentPhase().GetID()
	}
	return next.GetID()
}

// enterTerminalLocked clears the resumable save; a finished game is not resumed.
func (s *Session) enterTerminalLocked() {
	if !s.authority || s.saves == nil {
		return
	}
	if s.saveID != 0 {
		s.timers.RemoveTimer(s.saveID)
		s.saveID = 0
	}
	s.dirty = false
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.saves.Clear(ctx, s.gameType); err != nil {
		logger.Log.Warnf("Session %s/%s: clearing save failed: %v", s.roomID, s.gameType, err)
	}
}

func (s *Session) scheduleSaveLocked() {
	if !s.authority || s.saves == nil {
		return
	}
	s.dirty = true
	if s.saveDelay <= 0 {
		s.persistLocked()
		return
	}
	if s.saveID != 0 {
		return
	}
	s.saveID = s.timers.AddTimer(s.saveDelay, 0, s.flushSave)
}

func (s *Session) flushSave() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.saveID = 0
	if s.closed || !s.dirty {
		return
	}
	s.persistLocked()
}

func (s *Session) persistLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.saves.Save(ctx, s.gameType, s.state); err != nil {
		logger.Log.Warnf("Session %s/%s: save failed: %v", s.roomID, s.gameType, err)
		return
	}
	s.dirty = false
}

// scheduleTaskLocked replaces any pending plugin task with the one due for
// the current state. Stale tasks are recognised by their generation.
func (s *Session) scheduleTaskLocked() {
	automator, ok := s.plugin.(plugin.Automator)
	if !ok || !s.authority || s.closed {
		return
	}
	s.taskGen++
	if s.taskID != 0 {
		s.timers.RemoveTimer(s.taskID)
		s.taskID = 0
	}
	if plugin.Terminal(s.plugin, s.state) {
		return
	}
	task, ok := pendingTask(automator, s.state.Clone())
	if !ok || task.Run == nil {
		return
	}
	gen := s.taskGen
	s.taskID = s.timers.AddTimer(task.Delay, 0, func() { s.runTask(gen, task) })
}

func (s *Session) runTask(gen uint64, task plugin.Task) {
	action, ok := runTask(task)
	if !ok {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed || gen != s.taskGen {
		return
	}
	s.taskID = 0
	s.applyLocked(action, task.Actor)
}

func pendingTask(a plugin.Automator, st envelope.State) (task plugin.Task, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Errorf("Automator panic: %v", r)
			ok = false
		}
	}()
	return a.Pending(st)
}

func runTask(task plugin.Task) (action envelope.Action, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Errorf("Background task for %s panicked: %v", task.Actor, r)
			ok = false
		}
	}()
	return task.Run()
}

func (s *Session) bindSlots(prev roster.Slots, players []roster.Participant) roster.Slots {
	if binder, ok := s.plugin.(plugin.SlotBinder); ok {
		return binder.BindSlots(prev.Clone(), players)
	}
	return roster.Reconcile(prev, players)
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		RoomID:   s.roomID,
		GameType: s.gameType,
		Revision: s.revision,
		State:    s.state.Clone(),
		Terminal: s.machine.GetCurrentPhase() == s.terminal,
	}
}

func (s *Session) notifyLocked() {
	if len(s.subscribers) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subscribers {
		offer(ch, snap)
	}
}

// offer delivers snap, evicting queued snapshots until it fits.
func offer(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func sameParticipants(a, b []roster.Participant) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
