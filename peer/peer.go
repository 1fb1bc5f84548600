// peer/peer.go
package peer

import (
	"sync"
	"time"

	"github.com/wfunc/roomsync/network"
	"github.com/wfunc/roomsync/roster"
)

// Peer is one relay connection. Its ID is the participant ID stamped on
// everything it sends.
type Peer struct {
	ID         string
	Conn       network.Connection
	CreatedAt  time.Time
	name       string
	roomID     string
	lastActive time.Time
	mutex      sync.RWMutex
}

func NewPeer(id string, conn network.Connection) *Peer {
	now := time.Now()
	return &Peer{
		ID:         id,
		Conn:       conn,
		CreatedAt:  now,
		lastActive: now,
	}
}

func (p *Peer) GetID() string {
	return p.ID
}

func (p *Peer) Send(msgID uint16, data []byte) error {
	return p.Conn.Send(msgID, data)
}

// Touch records activity, such as a heartbeat.
func (p *Peer) Touch() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.lastActive = time.Now()
}

func (p *Peer) LastActive() time.Time {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.lastActive
}

func (p *Peer) SetDisplayName(name string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.name = name
}

// Participant is the roster entry for this peer.
func (p *Peer) Participant() roster.Participant {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return roster.Participant{ID: p.ID, DisplayName: p.name}
}

func (p *Peer) RoomID() string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.roomID
}

func (p *Peer) SetRoomID(roomID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.roomID = roomID
}

func (p *Peer) Close() error {
	return p.Conn.Close()
}

// Peer管理器
type Manager struct {
	peers map[string]*Peer
	mutex sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		peers: make(map[string]*Peer),
	}
}

func (m *Manager) Add(p *Peer) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.peers[p.ID] = p
}

func (m *Manager) Remove(id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.peers, id)
}

func (m *Manager) Get(id string) (*Peer, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, exists := m.peers[id]
	return p, exists
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.peers)
}

// All returns a snapshot of every connected peer.
func (m *Manager) All() []*Peer {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	result := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		result = append(result, p)
	}
	return result
}

// IdleSince returns peers with no activity after cutoff.
func (m *Manager) IdleSince(cutoff time.Time) []*Peer {
	var result []*Peer
	for _, p := range m.All() {
		if p.LastActive().Before(cutoff) {
			result = append(result, p)
		}
	}
	return result
}
