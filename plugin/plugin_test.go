package plugin

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/roomsync/envelope"
	"github.com/wfunc/roomsync/roster"
)

type stub struct {
	id     string
	reduce func(s envelope.State, a envelope.Action, actor string) (envelope.State, error)
}

func (p stub) Info() Info { return Info{ID: p.id, Slots: 1} }

func (p stub) InitialState(r roster.Roster) (envelope.State, error) {
	if r.RoomID == "boom" {
		panic("initial")
	}
	return envelope.State{Slots: roster.Seat(r.Players, 1), Game: json.RawMessage(`{}`)}, nil
}

func (p stub) Reduce(s envelope.State, a envelope.Action, actor string) (envelope.State, error) {
	return p.reduce(s, a, actor)
}

func (p stub) IsTerminal(s envelope.State) bool {
	if string(s.Game) == "panic" {
		panic("terminal")
	}
	return string(s.Game) == `"done"`
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stub{id: "zeta"}, stub{id: "alpha"})

	p, err := r.Lookup("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.Info().ID)

	_, err = r.Lookup("chess")
	assert.ErrorIs(t, err, ErrPluginNotFound)

	infos := r.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].ID)
	assert.Equal(t, "zeta", infos[1].ID)

	r.Register(stub{id: "alpha"})
	assert.Len(t, r.Infos(), 2)
}

func TestApply(t *testing.T) {
	base := envelope.State{Game: json.RawMessage(`{"n":1}`)}

	t.Run("accepted", func(t *testing.T) {
		p := stub{id: "s", reduce: func(s envelope.State, _ envelope.Action, _ string) (envelope.State, error) {
			s.Game = json.RawMessage(`{"n":2}`)
			return s, nil
		}}
		next, err := Apply(p, base, envelope.Action{Type: "inc"}, "alice")
		require.NoError(t, err)
		assert.Equal(t, `{"n":2}`, string(next.Game))
		assert.Equal(t, `{"n":1}`, string(base.Game))
	})

	t.Run("reducer cannot alias input", func(t *testing.T) {
		p := stub{id: "s", reduce: func(s envelope.State, _ envelope.Action, _ string) (envelope.State, error) {
			s.Game[1] = 'X'
			return s, ErrIllegalAction
		}}
		next, err := Apply(p, base, envelope.Action{Type: "inc"}, "alice")
		assert.ErrorIs(t, err, ErrIllegalAction)
		assert.Equal(t, `{"n":1}`, string(next.Game))
		assert.Equal(t, `{"n":1}`, string(base.Game))
	})

	t.Run("plain error becomes rejection", func(t *testing.T) {
		p := stub{id: "s", reduce: func(s envelope.State, _ envelope.Action, _ string) (envelope.State, error) {
			return s, errors.New("bad payload")
		}}
		_, err := Apply(p, base, envelope.Action{Type: "inc"}, "alice")
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("panic becomes rejection", func(t *testing.T) {
		p := stub{id: "s", reduce: func(envelope.State, envelope.Action, string) (envelope.State, error) {
			panic("kaboom")
		}}
		next, err := Apply(p, base, envelope.Action{Type: "inc"}, "alice")
		assert.ErrorIs(t, err, ErrRejected)
		assert.True(t, base.Equal(next))
	})
}

func TestInitialAndTerminal(t *testing.T) {
	p := stub{id: "s"}

	s, err := Initial(p, roster.Roster{RoomID: "r1", Players: []roster.Participant{{ID: "alice"}}})
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Slots.Occupant(0))

	_, err = Initial(p, roster.Roster{RoomID: "boom"})
	assert.Error(t, err)

	assert.True(t, Terminal(p, envelope.State{Game: json.RawMessage(`"done"`)}))
	assert.False(t, Terminal(p, envelope.State{Game: json.RawMessage(`panic`)}))
}

func TestErrorFamily(t *testing.T) {
	for _, err := range []error{ErrWrongTurn, ErrIllegalAction, ErrTerminal, ErrUnknownAction, ErrNotSeated} {
		assert.ErrorIs(t, err, ErrRejected)
	}
	assert.NotErrorIs(t, ErrPluginNotFound, ErrRejected)
}

type strict struct{ stub }

func (strict) Validate(s envelope.State) error {
	if string(s.Game) != `{"ok":true}` {
		return errors.New("not ok")
	}
	return nil
}

func TestValidate(t *testing.T) {
	assert.Error(t, Validate(stub{id: "s"}, envelope.State{}))
	assert.Error(t, Validate(stub{id: "s"}, envelope.State{Game: json.RawMessage(`null`)}))
	assert.Error(t, Validate(stub{id: "s"}, envelope.State{Game: json.RawMessage(`{"n":`)}))
	assert.NoError(t, Validate(stub{id: "s"}, envelope.State{Game: json.RawMessage(`{}`)}))

	p := strict{stub{id: "strict"}}
	assert.Error(t, Validate(p, envelope.State{Game: json.RawMessage(`{}`)}))
	assert.NoError(t, Validate(p, envelope.State{Game: json.RawMessage(`{"ok":true}`)}))
}
