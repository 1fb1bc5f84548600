// Package turns is the smallest useful game: two seats take turns passing.
package turns

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wfunc/roomsync/envelope"
	"github.com/wfunc/roomsync/plugin"
	"github.com/wfunc/roomsync/roster"
)

const (
	ID              = "turns"
	ActionPass      = "pass"
	DefaultMaxMoves = 10
)

var breakingChange = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

// Game is the plugin document.
type Game struct {
	Turn  int `json:"turn"`
	Moves int `json:"moves"`
}

type Plugin struct {
	maxMoves int
}

// New returns the plugin; maxMoves <= 0 means DefaultMaxMoves.
func New(maxMoves int) *Plugin {
	if maxMoves <= 0 {
		maxMoves = DefaultMaxMoves
	}
	return &Plugin{maxMoves: maxMoves}
}

func (p *Plugin) Info() plugin.Info {
	return plugin.Info{ID: ID, Title: "Take Turns", Slots: 2, BreakingChange: breakingChange}
}

func (p *Plugin) InitialState(r roster.Roster) (envelope.State, error) {
	return encode(roster.Seat(r.Players, 2), Game{})
}

func (p *Plugin) Reduce(s envelope.State, action envelope.Action, actor string) (envelope.State, error) {
	g, err := Decode(s)
	if err != nil {
		return s, err
	}
	if g.Moves >= p.maxMoves {
		return s, plugin.ErrTerminal
	}

	switch action.Type {
	case ActionPass:
		if s.Slots.Occupant(g.Turn) != actor {
			return s, plugin.ErrWrongTurn
		}
		g.Turn = 1 - g.Turn
		g.Moves++
		return encode(s.Slots, g)
	default:
		return s, plugin.ErrUnknownAction
	}
}

func (p *Plugin) IsTerminal(s envelope.State) bool {
	g, err := Decode(s)
	return err == nil && g.Moves >= p.maxMoves
}

// Validate rejects documents whose turn points outside the two seats.
func (p *Plugin) Validate(s envelope.State) error {
	g, err := Decode(s)
	if err != nil {
		return err
	}
	if g.Turn < 0 || g.Turn > 1 || g.Moves < 0 {
		return fmt.Errorf("%s: turn %d, moves %d out of range", ID, g.Turn, g.Moves)
	}
	return nil
}

// Decode reads the plugin document out of s.
func Decode(s envelope.State) (Game, error) {
	var g Game
	if err := json.Unmarshal(s.Game, &g); err != nil {
		return Game{}, fmt.Errorf("%s: decode state: %w", ID, err)
	}
	return g, nil
}

func encode(slots roster.Slots, g Game) (envelope.State, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return envelope.State{}, err
	}
	return envelope.State{Slots: slots, Game: raw}, nil
}
