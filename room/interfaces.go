package room

import "github.com/wfunc/roomsync/roster"

// Member is a connected room participant. peer.Peer implements it; the
// interface keeps room free of the connection layer.
type Member interface {
	GetID() string
	Participant() roster.Participant
	Send(msgID uint16, data []byte) error
	SetRoomID(roomID string)
}
