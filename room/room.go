// room/room.go
package room

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/network"
	"github.com/wfunc/roomsync/roster"
)

var (
	ErrRoomFull   = errors.New("room is full")
	ErrRoomExists = errors.New("room already exists")
	ErrNotOwner   = errors.New("only the room owner may do that")
)

// Room 是中继房间: 有序的玩家列表(房主在前)和观众列表
type Room struct {
	ID            string
	MaxPlayers    int
	MaxSpectators int
	CreatedAt     time.Time
	gameType      string
	owner         string
	players       []Member
	spectators    []Member
	mutex         sync.RWMutex
}

// NewRoom 创建一个新房间
func NewRoom(id, gameType string, maxPlayers, maxSpectators int) *Room {
	return &Room{
		ID:            id,
		MaxPlayers:    maxPlayers,
		MaxSpectators: maxSpectators,
		CreatedAt:     time.Now(),
		gameType:      gameType,
	}
}

// Join adds m as a player, or as a spectator when asked to or when every
// seat is taken. The first player becomes the owner. The new roster is sent
// to every member before Join returns.
func (r *Room) Join(m Member, spectator bool) (asSpectator bool, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.indexLocked(m.GetID()) >= 0 {
		return r.isSpectatorLocked(m.GetID()), nil
	}

	switch {
	case !spectator && len(r.players) < r.MaxPlayers:
		r.players = append(r.players, m)
		if r.owner == "" {
			r.owner = m.GetID()
		}
	case len(r.spectators) < r.MaxSpectators:
		r.spectators = append(r.spectators, m)
		asSpectator = true
	default:
		return false, ErrRoomFull
	}

	m.SetRoomID(r.ID)
	r.publishLocked()
	return asSpectator, nil
}

// Leave removes id. When the owner leaves, the next player is promoted, or
// failing that the first spectator, who also takes a seat. It reports
// whether the room is now empty.
func (r *Room) Leave(id string) (empty bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var gone Member
	r.players, gone = remove(r.players, id, gone)
	r.spectators, gone = remove(r.spectators, id, gone)
	if gone == nil {
		return len(r.players)+len(r.spectators) == 0
	}
	gone.SetRoomID("")

	if r.owner == id {
		r.owner = ""
		if len(r.players) == 0 && len(r.spectators) > 0 {
			r.players = append(r.players, r.spectators[0])
			r.spectators = r.spectators[1:]
		}
		if len(r.players) > 0 {
			r.owner = r.players[0].GetID()
			logger.Log.Infof("Room %s: %s promoted to owner", r.ID, r.owner)
		}
	}

	if len(r.players)+len(r.spectators) == 0 {
		return true
	}
	r.publishLocked()
	return false
}

// SetGameType switches the game; only the owner may do it.
func (r *Room) SetGameType(by, gameType string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if by != r.owner {
		return ErrNotOwner
	}
	if gameType == r.gameType {
		return nil
	}
	r.gameType = gameType
	r.publishLocked()
	return nil
}

func (r *Room) GetID() string {
	return r.ID
}

func (r *Room) GetGameType() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.gameType
}

func (r *Room) Owner() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.owner
}

func (r *Room) IsOwner(id string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return id != "" && r.owner == id
}

// Member returns the member with id.
func (r *Room) Member(id string) (Member, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for _, m := range r.players {
		if m.GetID() == id {
			return m, true
		}
	}
	for _, m := range r.spectators {
		if m.GetID() == id {
			return m, true
		}
	}
	return nil, false
}

// Members returns every player and spectator (thread-safe copy).
func (r *Room) Members() []Member {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	result := make([]Member, 0, len(r.players)+len(r.spectators))
	result = append(result, r.players...)
	return append(result, r.spectators...)
}

func (r *Room) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.players) + len(r.spectators)
}

// Roster is the membership announcement for this room.
func (r *Room) Roster() roster.Roster {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.rosterLocked()
}

func (r *Room) rosterLocked() roster.Roster {
	out := roster.Roster{RoomID: r.ID, GameType: r.gameType, Owner: r.owner}
	out.Players = make([]roster.Participant, 0, len(r.players))
	for _, m := range r.players {
		out.Players = append(out.Players, m.Participant())
	}
	for _, m := range r.spectators {
		out.Spectators = append(out.Spectators, m.Participant())
	}
	return out
}

// publishLocked sends the roster to every member while the room lock is
// held, so members see roster updates in mutation order.
func (r *Room) publishLocked() {
	data, err := json.Marshal(r.rosterLocked())
	if err != nil {
		logger.Log.Errorf("Room %s: encode roster: %v", r.ID, err)
		return
	}
	for _, list := range [][]Member{r.players, r.spectators} {
		for _, m := range list {
			if err := m.Send(network.MsgTypeRosterUpdate, data); err != nil {
				logger.Log.Warnf("Room %s: roster to %s failed: %v", r.ID, m.GetID(), err)
			}
		}
	}
}

func (r *Room) indexLocked(id string) int {
	for i, m := range r.players {
		if m.GetID() == id {
			return i
		}
	}
	for i, m := range r.spectators {
		if m.GetID() == id {
			return len(r.players) + i
		}
	}
	return -1
}

func (r *Room) isSpectatorLocked(id string) bool {
	for _, m := range r.spectators {
		if m.GetID() == id {
			return true
		}
	}
	return false
}

func remove(list []Member, id string, gone Member) ([]Member, Member) {
	for i, m := range list {
		if m.GetID() == id {
			return append(list[:i:i], list[i+1:]...), m
		}
	}
	return list, gone
}

// --- 房间管理器 ---

// Summary describes a room for listings.
type Summary struct {
	ID         string    `json:"id"`
	GameType   string    `json:"gameType"`
	Owner      string    `json:"owner"`
	Players    int       `json:"players"`
	Spectators int       `json:"spectators"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Manager 管理所有房间
type Manager struct {
	rooms map[string]*Room
	mutex sync.RWMutex
}

// NewRoomManager 创建一个新的房间管理器
func NewRoomManager() *Manager {
	return &Manager{
		rooms: make(map[string]*Room),
	}
}

// CreateRoom 创建一个新房间并添加到管理器
func (m *Manager) CreateRoom(id, gameType string, maxPlayers, maxSpectators int) (*Room, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.rooms[id]; exists {
		return nil, ErrRoomExists
	}
	room := NewRoom(id, gameType, maxPlayers, maxSpectators)
	m.rooms[id] = room
	return room, nil
}

// RemoveRoom 从管理器中移除一个房间
func (m *Manager) RemoveRoom(id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.rooms, id)
}

// GetRoom 从管理器中获取一个房间
func (m *Manager) GetRoom(id string) (*Room, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	room, exists := m.rooms[id]
	return room, exists
}

// RemoveIfEmpty drops the room when it has no members left.
func (m *Manager) RemoveIfEmpty(id string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if room, exists := m.rooms[id]; exists && room.Count() == 0 {
		delete(m.rooms, id)
		return true
	}
	return false
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.rooms)
}

// List returns a summary of every room, oldest first.
func (m *Manager) List() []Summary {
	m.mutex.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mutex.RUnlock()

	result := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		r.mutex.RLock()
		result = append(result, Summary{
			ID:         r.ID,
			GameType:   r.gameType,
			Owner:      r.owner,
			Players:    len(r.players),
			Spectators: len(r.spectators),
			CreatedAt:  r.CreatedAt,
		})
		r.mutex.RUnlock()
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}
