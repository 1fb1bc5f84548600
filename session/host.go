// session/host.go
package session

import (
	"sync"
	"time"

	"github.com/wfunc/roomsync/envelope"
	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/persistence"
	"github.com/wfunc/roomsync/plugin"
	"github.com/wfunc/roomsync/roster"
)

// HostConfig holds what every session created by a Host shares.
type HostConfig struct {
	LocalID   string
	Transport Transport
	Registry  *plugin.Registry
	Saves     *persistence.Saves
	SaveDelay time.Duration
	Metrics   Metrics
	// OnSession is called after the current session is replaced. sess is
	// nil when the participant left the room or creation failed.
	OnSession func(sess *Session, err error)
}

type identity struct {
	roomID    string
	gameType  string
	authority bool
}

// Host keeps one Session in step with the relay's roster updates. A change of
// room, game type or authority role tears the old session down and builds a
// new one; any other update is reconciled into the running session.
type Host struct {
	cfg HostConfig

	mutex       sync.Mutex
	current     *Session
	currentID   identity
	failed      *identity
	err         error
	unsubscribe func()
}

func NewHost(cfg HostConfig) *Host {
	return &Host{cfg: cfg}
}

// Start subscribes to roster updates on the transport.
func (h *Host) Start() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.unsubscribe != nil {
		return
	}
	h.unsubscribe = h.cfg.Transport.OnRosterUpdate(h.Sync)
}

// Close stops following roster updates and tears the current session down.
func (h *Host) Close() {
	h.mutex.Lock()
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	cur := h.current
	h.current = nil
	h.mutex.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cur != nil {
		cur.Teardown()
	}
}

// Session returns the running session, or nil.
func (h *Host) Session() *Session {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.current
}

// Err returns the error from the last failed session creation, such as an
// unknown game type. It is cleared by the next successful creation.
func (h *Host) Err() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.err
}

// Sync applies one roster update.
func (h *Host) Sync(r roster.Roster) {
	h.mutex.Lock()

	if r.RoomID == "" || r.GameType == "" || !r.Has(h.cfg.LocalID) {
		cur := h.current
		h.current, h.currentID, h.failed, h.err = nil, identity{}, nil, nil
		h.mutex.Unlock()
		if cur != nil {
			cur.Teardown()
			h.notify(nil, nil)
		}
		return
	}

	want := identity{roomID: r.RoomID, gameType: r.GameType, authority: IsAuthority(r, h.cfg.LocalID)}
	if h.current != nil && h.currentID == want {
		cur := h.current
		h.mutex.Unlock()
		cur.ReconcileRoster(r.Players, r.Spectators)
		return
	}
	if h.current == nil && h.failed != nil && *h.failed == want {
		h.mutex.Unlock()
		return
	}

	prev, prevID := h.current, h.currentID
	seed := migrationSeed(prev, prevID, want)
	if prev != nil {
		prev.Teardown()
	}

	sess, err := New(Config{
		RoomID:    r.RoomID,
		GameType:  r.GameType,
		LocalID:   h.cfg.LocalID,
		Authority: want.authority,
		Roster:    r,
		Transport: h.cfg.Transport,
		Registry:  h.cfg.Registry,
		Saves:     h.cfg.Saves,
		SaveDelay: h.cfg.SaveDelay,
		Seed:      seed,
		Metrics:   h.cfg.Metrics,
	})
	h.current, h.err = sess, err
	if err != nil {
		logger.Log.Errorf("Session %s/%s unavailable: %v", r.RoomID, r.GameType, err)
		h.currentID, h.failed = identity{}, &want
	} else {
		h.currentID, h.failed = want, nil
	}
	h.mutex.Unlock()

	h.notify(sess, err)
}

// migrationSeed returns the last broadcast a mirror saw when its participant
// is promoted to authority of the same room and game.
func migrationSeed(prev *Session, prevID, want identity) *envelope.StateBroadcast {
	if prev == nil || !want.authority || prevID.authority {
		return nil
	}
	if prevID.roomID != want.roomID || prevID.gameType != want.gameType {
		return nil
	}
	snap := prev.Snapshot()
	if !prev.HasRemoteState() {
		logger.Log.Warnf("Taking over %s/%s without a received state; starting fresh", want.roomID, want.gameType)
		return nil
	}
	logger.Log.Infof("Taking over %s/%s from revision %d", want.roomID, want.gameType, snap.Revision)
	return &envelope.StateBroadcast{
		RoomID:   snap.RoomID,
		GameType: snap.GameType,
		Revision: snap.Revision,
		State:    snap.State,
	}
}

func (h *Host) notify(sess *Session, err error) {
	if h.cfg.OnSession != nil {
		h.cfg.OnSession(sess, err)
	}
}
