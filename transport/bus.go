// transport/bus.go
package transport

import (
	"sync"

	"github.com/wfunc/roomsync/envelope"
	"github.com/wfunc/roomsync/roster"
)

// Bus is an in-process room relay. It follows the relay's routing rules
// (senders are stamped, action submits go to the owner, state broadcasts
// go to everyone else) but delivers synchronously on the caller's
// goroutine. Used by tests and single-process demos.
type Bus struct {
	mutex     sync.Mutex
	owner     string
	endpoints []*Endpoint
}

func NewBus() *Bus {
	return &Bus{}
}

// Endpoint returns the connection for participant id, creating it on first use.
func (b *Bus) Endpoint(id string) *Endpoint {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for _, ep := range b.endpoints {
		if ep.id == id {
			return ep
		}
	}
	ep := &Endpoint{id: id, bus: b}
	b.endpoints = append(b.endpoints, ep)
	return ep
}

// Publish announces r to every endpoint and makes r.Owner the destination
// of action submits.
func (b *Bus) Publish(r roster.Roster) {
	b.mutex.Lock()
	b.owner = r.Owner
	list := b.live()
	b.mutex.Unlock()

	for _, ep := range list {
		ep.rosters.emit(r)
	}
}

// Remove closes the endpoint for id.
func (b *Bus) Remove(id string) {
	b.mutex.Lock()
	var gone *Endpoint
	for i, ep := range b.endpoints {
		if ep.id == id {
			gone = ep
			b.endpoints = append(b.endpoints[:i:i], b.endpoints[i+1:]...)
			break
		}
	}
	b.mutex.Unlock()

	if gone != nil {
		gone.Close()
	}
}

// Owner returns the current destination of action submits.
func (b *Bus) Owner() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.owner
}

func (b *Bus) live() []*Endpoint {
	list := make([]*Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		if !ep.isClosed() {
			list = append(list, ep)
		}
	}
	return list
}

func (b *Bus) submit(from *Endpoint, env envelope.Envelope) error {
	b.mutex.Lock()
	var owner *Endpoint
	for _, ep := range b.endpoints {
		if ep.id == b.owner && !ep.isClosed() {
			owner = ep
		}
	}
	b.mutex.Unlock()

	if owner == nil {
		return ErrNoAuthority
	}
	owner.actions.emit(env.Stamp(from.id))
	return nil
}

func (b *Bus) broadcast(from *Endpoint, msg envelope.StateBroadcast) error {
	b.mutex.Lock()
	if b.owner != from.id {
		b.mutex.Unlock()
		return ErrNotOwner
	}
	list := b.live()
	b.mutex.Unlock()

	for _, ep := range list {
		if ep != from {
			ep.states.emit(msg)
		}
	}
	return nil
}

// Endpoint is one participant's view of a Bus.
type Endpoint struct {
	id  string
	bus *Bus

	mutex  sync.Mutex
	closed bool

	actions handlers[envelope.Envelope]
	states  handlers[envelope.StateBroadcast]
	rosters handlers[envelope.RosterUpdate]
}

func (e *Endpoint) ID() string {
	return e.id
}

func (e *Endpoint) SubmitAction(env envelope.Envelope) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.bus.submit(e, env)
}

func (e *Endpoint) BroadcastState(msg envelope.StateBroadcast) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.bus.broadcast(e, msg)
}

func (e *Endpoint) OnActionSubmit(fn func(envelope.Envelope)) func() {
	return e.actions.add(fn)
}

func (e *Endpoint) OnStateBroadcast(fn func(envelope.StateBroadcast)) func() {
	return e.states.add(fn)
}

func (e *Endpoint) OnRosterUpdate(fn func(envelope.RosterUpdate)) func() {
	return e.rosters.add(fn)
}

// Close drops every handler; later sends fail with ErrClosed.
func (e *Endpoint) Close() error {
	e.mutex.Lock()
	e.closed = true
	e.mutex.Unlock()
	e.actions.clear()
	e.states.clear()
	e.rosters.clear()
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.closed
}
