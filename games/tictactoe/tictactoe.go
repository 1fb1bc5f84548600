// Package tictactoe is a two-seat game whose empty seats can be filled by bots.
package tictactoe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wfunc/roomsync/envelope"
	"github.com/wfunc/roomsync/plugin"
	"github.com/wfunc/roomsync/roster"
)

const (
	ID = "tictactoe"

	ActionPlace     = "place"
	ActionReset     = "reset"
	ActionAddBot    = "add_bot"
	ActionRemoveBot = "remove_bot"

	DefaultBotDelay = 500 * time.Millisecond
)

// 棋盘格子: 0 空, 1 座位0, 2 座位1
const (
	Empty = 0
	Draw  = 3
)

var breakingChange = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

type Game struct {
	Board [9]int `json:"board"`
	Turn  int    `json:"turn"`
	// Winner is the winning mark, Draw, or Empty while in play.
	Winner int `json:"winner"`
}

type Place struct {
	Cell int `json:"cell"`
}

type SlotRef struct {
	Slot int `json:"slot"`
}

type Plugin struct {
	botDelay time.Duration
}

// New returns the plugin; botDelay <= 0 means DefaultBotDelay.
func New(botDelay time.Duration) *Plugin {
	if botDelay <= 0 {
		botDelay = DefaultBotDelay
	}
	return &Plugin{botDelay: botDelay}
}

func (p *Plugin) Info() plugin.Info {
	return plugin.Info{ID: ID, Title: "Tic-Tac-Toe", Slots: 2, BreakingChange: breakingChange}
}

func (p *Plugin) InitialState(r roster.Roster) (envelope.State, error) {
	return encode(roster.Seat(r.Players, 2), Game{})
}

func (p *Plugin) Reduce(s envelope.State, action envelope.Action, actor string) (envelope.State, error) {
	g, err := Decode(s)
	if err != nil {
		return s, err
	}
	seat := s.Slots.Index(actor)

	switch action.Type {
	case ActionPlace:
		var m Place
		if err := action.Decode(&m); err != nil {
			return s, fmt.Errorf("%w: %v", plugin.ErrIllegalAction, err)
		}
		if g.Winner != Empty {
			return s, plugin.ErrTerminal
		}
		if seat < 0 {
			return s, plugin.ErrNotSeated
		}
		if seat != g.Turn {
			return s, plugin.ErrWrongTurn
		}
		if m.Cell < 0 || m.Cell >= len(g.Board) || g.Board[m.Cell] != Empty {
			return s, plugin.ErrIllegalAction
		}
		g.Board[m.Cell] = seat + 1
		g.Winner = winner(g.Board)
		g.Turn = 1 - g.Turn
		return encode(s.Slots, g)

	case ActionReset:
		if seat < 0 {
			return s, plugin.ErrNotSeated
		}
		return encode(s.Slots, Game{})

	case ActionAddBot, ActionRemoveBot:
		// 只有座位0(房主)可以管理机器人
		if seat != 0 {
			return s, plugin.ErrNotSeated
		}
		var ref SlotRef
		if err := action.Decode(&ref); err != nil {
			return s, fmt.Errorf("%w: %v", plugin.ErrIllegalAction, err)
		}
		if ref.Slot <= 0 || ref.Slot >= len(s.Slots) {
			return s, plugin.ErrIllegalAction
		}
		slots := s.Slots.Clone()
		if action.Type == ActionAddBot {
			if !slots[ref.Slot].Empty() {
				return s, plugin.ErrIllegalAction
			}
			slots[ref.Slot] = roster.Slot{Occupant: BotParticipant(ref.Slot)}
		} else {
			if !slots[ref.Slot].Synthetic() {
				return s, plugin.ErrIllegalAction
			}
			slots[ref.Slot] = roster.Slot{}
		}
		return encode(slots, g)

	default:
		return s, plugin.ErrUnknownAction
	}
}

func (p *Plugin) IsTerminal(s envelope.State) bool {
	g, err := Decode(s)
	return err == nil && g.Winner != Empty
}

// BotParticipant is the synthetic occupant placed in slot.
func BotParticipant(slot int) roster.Participant {
	return roster.Participant{
		ID:          fmt.Sprintf("bot-%d", slot),
		DisplayName: fmt.Sprintf("Bot %d", slot),
		IsSynthetic: true,
	}
}

func (p *Plugin) Validate(s envelope.State) error {
	g, err := Decode(s)
	if err != nil {
		return err
	}
	if g.Turn < 0 || g.Turn > 1 || g.Winner < Empty || g.Winner > Draw {
		return fmt.Errorf("%s: turn %d, winner %d out of range", ID, g.Turn, g.Winner)
	}
	for i, c := range g.Board {
		if c < Empty || c > 2 {
			return fmt.Errorf("%s: cell %d holds %d", ID, i, c)
		}
	}
	return nil
}

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

func winner(b [9]int) int {
	for _, l := range lines {
		if b[l[0]] != Empty && b[l[0]] == b[l[1]] && b[l[1]] == b[l[2]] {
			return b[l[0]]
		}
	}
	for _, c := range b {
		if c == Empty {
			return Empty
		}
	}
	return Draw
}
