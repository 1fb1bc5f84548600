// plugin/apply.go
package plugin

import (
	"errors"
	"fmt"

	"github.com/wfunc/roomsync/envelope"
)

// Apply runs p.Reduce on a private copy of s. Reducer panics and plain
// errors come back as rejections so nothing escapes the session boundary.
func Apply(p Plugin, s envelope.State, action envelope.Action, actor string) (next envelope.State, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = s, fmt.Errorf("%w: reducer panic: %v", ErrRejected, r)
		}
	}()

	next, err = p.Reduce(s.Clone(), action, actor)
	if err != nil {
		if !errors.Is(err, ErrRejected) {
			err = fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return s, err
	}
	return next, nil
}

// Initial runs p.InitialState, converting panics into errors.
func Initial(p Plugin, r envelope.RosterUpdate) (s envelope.State, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s: initial state panic: %v", p.Info().ID, rec)
		}
	}()
	return p.InitialState(r)
}

// Terminal is p.IsTerminal with panics treated as "not terminal".
func Terminal(p Plugin, s envelope.State) (done bool) {
	defer func() {
		if recover() != nil {
			done = false
		}
	}()
	return p.IsTerminal(s)
}

// Validate reports whether s carries a usable game document. The game
// document must be present and well-formed; plugins implementing Validator
// check the rest.
func Validate(p Plugin, s envelope.State) (err error) {
	if !s.HasGame() {
		return fmt.Errorf("%s: missing or malformed game document", p.Info().ID)
	}
	v, ok := p.(Validator)
	if !ok {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s: validate panic: %v", p.Info().ID, rec)
		}
	}()
	return v.Validate(s)
}
