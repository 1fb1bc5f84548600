// session/interfaces.go
package session

import (
	"time"

	"github.com/wfunc/roomsync/envelope"
)

// Transport is one participant's connection to the room relay. Handlers are
// invoked sequentially in receipt order; Submit and Broadcast enqueue and
// return without waiting for delivery.
type Transport interface {
	// SubmitAction sends an action-submit to the room authority.
	SubmitAction(env envelope.Envelope) error
	// BroadcastState sends a state-broadcast to every other room member.
	BroadcastState(msg envelope.StateBroadcast) error

	OnActionSubmit(fn func(envelope.Envelope)) (unsubscribe func())
	OnStateBroadcast(fn func(envelope.StateBroadcast)) (unsubscribe func())
	OnRosterUpdate(fn func(envelope.RosterUpdate)) (unsubscribe func())
}

// Metrics receives authority-side counters. monitor.Monitor implements it.
type Metrics interface {
	ActionApplied(gameType string, took time.Duration)
	ActionRejected(gameType string)
	StateBroadcast(gameType string)
}

type nopMetrics struct{}

func (nopMetrics) ActionApplied(string, time.Duration) {}
func (nopMetrics) ActionRejected(string)               {}
func (nopMetrics) StateBroadcast(string)               {}
