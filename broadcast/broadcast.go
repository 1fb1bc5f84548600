// broadcast/broadcast.go
package broadcast

import (
	"errors"

	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/peer"
	"github.com/wfunc/roomsync/room"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrPeerNotFound = errors.New("peer not found")
)

// 广播接口
type Broadcaster interface {
	BroadcastExcept(roomID, exceptID string, msgID uint16, data []byte) (int, error)
	SendTo(peerID string, msgID uint16, data []byte) error
	BroadcastToAll(msgID uint16, data []byte) error
}

// 基于房间的广播器
type RoomBroadcaster struct {
	roomManager *room.Manager
	peerManager *peer.Manager
}

func NewRoomBroadcaster(roomManager *room.Manager, peerManager *peer.Manager) *RoomBroadcaster {
	return &RoomBroadcaster{
		roomManager: roomManager,
		peerManager: peerManager,
	}
}

// BroadcastExcept sends to every room member other than exceptID and
// reports how many sends succeeded. Failed sends are logged and skipped;
// the reader goroutine of a broken connection cleans it up.
func (b *RoomBroadcaster) BroadcastExcept(roomID, exceptID string, msgID uint16, data []byte) (int, error) {
	r, exists := b.roomManager.GetRoom(roomID)
	if !exists {
		return 0, ErrRoomNotFound
	}

	sent := 0
	for _, m := range r.Members() {
		if m.GetID() == exceptID {
			continue
		}
		if err := m.Send(msgID, data); err != nil {
			logger.Log.Warnf("Broadcast %d to %s failed: %v", msgID, m.GetID(), err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (b *RoomBroadcaster) SendTo(peerID string, msgID uint16, data []byte) error {
	p, exists := b.peerManager.Get(peerID)
	if !exists {
		return ErrPeerNotFound
	}
	return p.Send(msgID, data)
}

// BroadcastToAll sends to every connected peer, in a room or not.
func (b *RoomBroadcaster) BroadcastToAll(msgID uint16, data []byte) error {
	for _, p := range b.peerManager.All() {
		if err := p.Send(msgID, data); err != nil {
			logger.Log.Warnf("Broadcast %d to %s failed: %v", msgID, p.ID, err)
		}
	}
	return nil
}
