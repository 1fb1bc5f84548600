// Package games registers the built-in game types.
package games

import (
	"time"

	"github.com/wfunc/roomsync/games/tictactoe"
	"github.com/wfunc/roomsync/games/turns"
	"github.com/wfunc/roomsync/plugin"
)

// Registry returns a registry holding every built-in game.
func Registry(botDelay time.Duration) *plugin.Registry {
	return plugin.NewRegistry(
		turns.New(turns.DefaultMaxMoves),
		tictactoe.New(botDelay),
	)
}
