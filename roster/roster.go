// roster/roster.go
package roster

// Participant is one member of a room as announced by the relay.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	IsSynthetic bool   `json:"isSynthetic,omitempty"`
}

// Roster is the authoritative room membership. Players are ordered: the
// room owner first, then join order.
type Roster struct {
	RoomID     string        `json:"roomId"`
	GameType   string        `json:"gameType"`
	Owner      string        `json:"owner"`
	Players    []Participant `json:"players"`
	Spectators []Participant `json:"spectators,omitempty"`
}

// IsOwner reports whether id owns the room.
func (r Roster) IsOwner(id string) bool {
	return id != "" && r.Owner == id
}

// Has reports whether id is a player or spectator.
func (r Roster) Has(id string) bool {
	for _, p := range r.Players {
		if p.ID == id {
			return true
		}
	}
	for _, p := range r.Spectators {
		if p.ID == id {
			return true
		}
	}
	return false
}

// HumanPeers returns the human players other than id.
func (r Roster) HumanPeers(id string) []Participant {
	var peers []Participant
	for _, p := range r.Players {
		if p.ID != id && !p.IsSynthetic {
			peers = append(peers, p)
		}
	}
	return peers
}

// Equal compares membership and order, ignoring room identity.
func (r Roster) Equal(o Roster) bool {
	return r.Owner == o.Owner &&
		participantsEqual(r.Players, o.Players) &&
		participantsEqual(r.Spectators, o.Spectators)
}

func participantsEqual(a, b []Participant) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
