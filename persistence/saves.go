// persistence/saves.go
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wfunc/roomsync/envelope"
	"github.com/wfunc/roomsync/logger"
)

// SaveKey is the store key for a game type's resumable save.
func SaveKey(gameType string) string {
	return "saved_game_" + gameType
}

// SavedGame is the stored record. Timestamp is epoch milliseconds.
type SavedGame struct {
	State     envelope.State `json:"state"`
	Timestamp int64          `json:"timestamp"`
}

// Saves snapshots authority state for resume-after-reload. Stale or
// malformed records are discarded, never migrated.
type Saves struct {
	store Store
	now   func() time.Time
}

func NewSaves(store Store) *Saves {
	return &Saves{store: store, now: time.Now}
}

// WithClock replaces the time source used for save timestamps.
func (s *Saves) WithClock(now func() time.Time) *Saves {
	s.now = now
	return s
}

// Save overwrites the save for gameType unconditionally.
func (s *Saves) Save(ctx context.Context, gameType string, state envelope.State) error {
	data, err := json.Marshal(SavedGame{State: state, Timestamp: s.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode save for %s: %w", gameType, err)
	}
	if err := s.store.Put(ctx, SaveKey(gameType), data); err != nil {
		return fmt.Errorf("save %s: %w", gameType, err)
	}
	return nil
}

// LoadIfFresh returns the saved state for gameType when it was written at or
// after breakingChange. Absent, stale and malformed saves report ok=false;
// stale and malformed ones are deleted on the way.
func (s *Saves) LoadIfFresh(ctx context.Context, gameType string, breakingChange time.Time) (envelope.State, bool, error) {
	key := SaveKey(gameType)
	data, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return envelope.State{}, false, nil
		}
		return envelope.State{}, false, fmt.Errorf("load %s: %w", gameType, err)
	}

	var saved SavedGame
	if err := json.Unmarshal(data, &saved); err != nil {
		logger.Log.Warnf("Discarding malformed save for %s: %v", gameType, err)
		return envelope.State{}, false, s.Clear(ctx, gameType)
	}
	if !saved.State.HasGame() {
		logger.Log.Warnf("Discarding save for %s without a game document", gameType)
		return envelope.State{}, false, s.Clear(ctx, gameType)
	}
	if saved.Timestamp < breakingChange.UnixMilli() {
		logger.Log.Infof("Discarding save for %s written at %d, older than breaking change %d",
			gameType, saved.Timestamp, breakingChange.UnixMilli())
		return envelope.State{}, false, s.Clear(ctx, gameType)
	}
	return saved.State, true, nil
}

// Clear deletes the save for gameType.
func (s *Saves) Clear(ctx context.Context, gameType string) error {
	if err := s.store.Delete(ctx, SaveKey(gameType)); err != nil {
		return fmt.Errorf("clear %s: %w", gameType, err)
	}
	return nil
}
