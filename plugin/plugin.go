// plugin/plugin.go
package plugin

import (
	"errors"
	"fmt"
	"time"

	"github.com/wfunc/roomsync/envelope"
	"github.com/wfunc/roomsync/roster"
)

var (
	// ErrRejected is the root of every expected refusal. Sessions drop
	// anything that wraps it without surfacing an error.
	ErrRejected      = errors.New("action rejected")
	ErrWrongTurn     = fmt.Errorf("%w: not the actor's turn", ErrRejected)
	ErrIllegalAction = fmt.Errorf("%w: illegal action", ErrRejected)
	ErrTerminal      = fmt.Errorf("%w: game is over", ErrRejected)
	ErrUnknownAction = fmt.Errorf("%w: unknown action type", ErrRejected)
	ErrNotSeated     = fmt.Errorf("%w: actor holds no slot", ErrRejected)

	ErrPluginNotFound = errors.New("game type not found")
)

// Info describes a game type.
type Info struct {
	ID    string
	Title string
	// Slots is the number of player seats the game binds.
	Slots int
	// BreakingChange marks the last release whose state shape is
	// incompatible with older saves.
	BreakingChange time.Time
}

// Plugin is a game type: a pure initializer and reducer over the canonical state.
// Implementations must not retain or mutate the state they are given.
type Plugin interface {
	Info() Info
	InitialState(r roster.Roster) (envelope.State, error)
	// Reduce applies action on behalf of actor. Refusals wrap ErrRejected.
	Reduce(s envelope.State, action envelope.Action, actor string) (envelope.State, error)
	IsTerminal(s envelope.State) bool
}

// SlotBinder lets a plugin replace the positional roster reconciliation.
type SlotBinder interface {
	BindSlots(prev roster.Slots, players []roster.Participant) roster.Slots
}

// Validator lets a plugin check a state it did not produce in this process,
// such as a resumed save, before a session adopts it.
type Validator interface {
	Validate(s envelope.State) error
}

// Task is background work a plugin wants run on the authority, such as a
// bot choosing its move. Run executes off the session lock; the returned
// action is applied as if Actor had submitted it.
type Task struct {
	Delay time.Duration
	Actor string
	Run   func() (envelope.Action, bool)
}

// Automator is implemented by plugins with synthetic participants. Pending
// returns the work due for s, if any. Pending tasks are cancelled whenever
// the state changes again and on session teardown.
type Automator interface {
	Pending(s envelope.State) (Task, bool)
}
