package room

import (
	"encoding/json"
	"testing"

	"github.com/wfunc/roomsync/network"
	"github.com/wfunc/roomsync/roster"
)

// MockMember is a test double for the Member interface.
type MockMember struct {
	id      string
	roomID  string
	rosters []roster.Roster
}

func newMember(id string) *MockMember {
	return &MockMember{id: id}
}

func (m *MockMember) GetID() string { return m.id }

func (m *MockMember) Participant() roster.Participant {
	return roster.Participant{ID: m.id, DisplayName: m.id}
}

func (m *MockMember) SetRoomID(roomID string) { m.roomID = roomID }

func (m *MockMember) Send(msgID uint16, data []byte) error {
	if msgID == network.MsgTypeRosterUpdate {
		var r roster.Roster
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		m.rosters = append(m.rosters, r)
	}
	return nil
}

func (m *MockMember) last() roster.Roster {
	if len(m.rosters) == 0 {
		return roster.Roster{}
	}
	return m.rosters[len(m.rosters)-1]
}

func ids(ps []roster.Participant) []string {
	var out []string
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func TestRoomManager_CreateAndGetRoom(t *testing.T) {
	manager := NewRoomManager()

	roomID := "test_room_1"
	room, err := manager.CreateRoom(roomID, "turns", 4, 4)
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if room.ID != roomID {
		t.Errorf("Expected room ID %s, got %s", roomID, room.ID)
	}

	retrievedRoom, exists := manager.GetRoom(roomID)
	if !exists {
		t.Fatal("GetRoom should find the created room")
	}
	if retrievedRoom != room {
		t.Error("GetRoom should return the same room instance")
	}

	if _, err := manager.CreateRoom(roomID, "turns", 4, 4); err != ErrRoomExists {
		t.Errorf("Expected ErrRoomExists, got %v", err)
	}

	manager.RemoveRoom(roomID)
	if manager.Count() != 0 {
		t.Errorf("Expected no rooms, got %d", manager.Count())
	}
}

func TestRoom_JoinOrderAndOwner(t *testing.T) {
	room := NewRoom("test_room_2", "turns", 2, 2)
	a, b := newMember("a"), newMember("b")

	if _, err := room.Join(a, false); err != nil {
		t.Fatalf("Failed to add first player: %v", err)
	}
	if _, err := room.Join(b, false); err != nil {
		t.Fatalf("Failed to add second player: %v", err)
	}

	if room.Owner() != "a" {
		t.Errorf("Expected a to own the room, got %q", room.Owner())
	}
	if a.roomID != "test_room_2" {
		t.Errorf("Expected member room to be set, got %q", a.roomID)
	}

	got := a.last()
	if got.Owner != "a" || len(got.Players) != 2 || got.Players[1].ID != "b" {
		t.Errorf("Unexpected roster %+v", got)
	}
	if len(b.rosters) != 1 {
		t.Errorf("Expected b to receive one roster, got %d", len(b.rosters))
	}
}

func TestRoom_OverflowJoinsAsSpectator(t *testing.T) {
	room := NewRoom("test_room_3", "turns", 1, 1)

	if spectator, _ := room.Join(newMember("a"), false); spectator {
		t.Fatal("First member should be a player")
	}
	spectator, err := room.Join(newMember("b"), false)
	if err != nil || !spectator {
		t.Fatalf("Expected b to spectate, got spectator=%v err=%v", spectator, err)
	}
	if _, err := room.Join(newMember("c"), false); err != ErrRoomFull {
		t.Errorf("Expected ErrRoomFull, got %v", err)
	}
	if room.Count() != 2 {
		t.Errorf("Expected 2 members, got %d", room.Count())
	}
}

func TestRoom_OwnerLeavePromotesNextPlayer(t *testing.T) {
	room := NewRoom("test_room_4", "turns", 3, 2)
	a, b, c := newMember("a"), newMember("b"), newMember("c")
	room.Join(a, false)
	room.Join(b, false)
	room.Join(c, true)

	if empty := room.Leave("a"); empty {
		t.Fatal("Room should not be empty")
	}
	if a.roomID != "" {
		t.Error("Leaving member should have its room cleared")
	}
	got := c.last()
	if got.Owner != "b" {
		t.Errorf("Expected b promoted, got %q", got.Owner)
	}
	if p := ids(got.Players); len(p) != 1 || p[0] != "b" {
		t.Errorf("Unexpected players %v", p)
	}
}

func TestRoom_OwnerLeavePromotesSpectator(t *testing.T) {
	room := NewRoom("test_room_5", "turns", 2, 2)
	a, s := newMember("a"), newMember("s")
	room.Join(a, false)
	room.Join(s, true)

	room.Leave("a")
	got := s.last()
	if got.Owner != "s" || len(got.Players) != 1 || len(got.Spectators) != 0 {
		t.Errorf("Expected spectator seated as owner, got %+v", got)
	}

	if empty := room.Leave("s"); !empty {
		t.Error("Room should be empty")
	}
}

func TestRoom_SetGameType(t *testing.T) {
	room := NewRoom("test_room_6", "turns", 2, 2)
	a, b := newMember("a"), newMember("b")
	room.Join(a, false)
	room.Join(b, false)

	if err := room.SetGameType("b", "tictactoe"); err != ErrNotOwner {
		t.Errorf("Expected ErrNotOwner, got %v", err)
	}
	if err := room.SetGameType("a", "tictactoe"); err != nil {
		t.Fatalf("SetGameType failed: %v", err)
	}
	if b.last().GameType != "tictactoe" {
		t.Errorf("Expected roster with new game type, got %q", b.last().GameType)
	}
}

func TestManager_List(t *testing.T) {
	manager := NewRoomManager()
	room, _ := manager.CreateRoom("r1", "turns", 2, 2)
	room.Join(newMember("a"), false)

	list := manager.List()
	if len(list) != 1 || list[0].Owner != "a" || list[0].Players != 1 {
		t.Errorf("Unexpected listing %+v", list)
	}
}
