// envelope/envelope.go
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wfunc/roomsync/roster"
)

var ErrMissingType = errors.New("envelope has no type")

// Action is an intended state mutation: a tagged variant name plus an
// opaque, plugin-defined payload.
type Action struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewAction encodes payload as JSON. A nil payload produces an action without one.
func NewAction(kind string, payload any) (Action, error) {
	if kind == "" {
		return Action{}, ErrMissingType
	}
	if payload == nil {
		return Action{Type: kind}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Action{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Action{Type: kind, Payload: raw}, nil
}

// MustAction is NewAction for static payloads in tests and plugins.
func MustAction(kind string, payload any) Action {
	a, err := NewAction(kind, payload)
	if err != nil {
		panic(err)
	}
	return a
}

// Decode unmarshals the payload into v.
func (a Action) Decode(v any) error {
	if len(a.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", a.Type)
	}
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", a.Type, err)
	}
	return nil
}

// Envelope is the wire form of an action. Sender is filled in at the
// transport boundary; whatever a client puts there is overwritten.
type Envelope struct {
	Action
	Sender string `json:"sender,omitempty"`
}

// Stamp returns a copy of e attributed to sender.
func (e Envelope) Stamp(sender string) Envelope {
	e.Sender = sender
	return e
}

// State is the canonical game document: slot bindings plus the opaque
// plugin state.
type State struct {
	Slots roster.Slots    `json:"slots"`
	Game  json.RawMessage `json:"game"`
}

// Clone deep-copies the state so callers cannot alias the owner's buffers.
func (s State) Clone() State {
	out := State{Slots: s.Slots.Clone()}
	if s.Game != nil {
		out.Game = append(json.RawMessage(nil), s.Game...)
	}
	return out
}

// HasGame reports whether s carries a well-formed, non-null game document.
func (s State) HasGame() bool {
	game := bytes.TrimSpace(s.Game)
	return len(game) > 0 && !bytes.Equal(game, []byte("null")) && json.Valid(game)
}

func (s State) Equal(o State) bool {
	return s.Slots.Equal(o.Slots) && bytes.Equal(s.Game, o.Game)
}

// StateBroadcast carries a full replacement of the canonical state from the
// authority to the rest of the room.
type StateBroadcast struct {
	RoomID   string `json:"roomId"`
	GameType string `json:"gameType"`
	Revision uint64 `json:"revision"`
	State    State  `json:"state"`
}

// RosterUpdate is the room service's membership announcement.
type RosterUpdate = roster.Roster

func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalEnvelope decodes an action-submit payload.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return e, nil
}

func UnmarshalStateBroadcast(data []byte) (StateBroadcast, error) {
	var b StateBroadcast
	if err := json.Unmarshal(data, &b); err != nil {
		return StateBroadcast{}, fmt.Errorf("decode state broadcast: %w", err)
	}
	return b, nil
}

func UnmarshalRosterUpdate(data []byte) (RosterUpdate, error) {
	var r RosterUpdate
	if err := json.Unmarshal(data, &r); err != nil {
		return RosterUpdate{}, fmt.Errorf("decode roster update: %w", err)
	}
	return r, nil
}
