// roster/slots.go
package roster

// Slot is one plugin-visible seat. An empty slot has a zero Occupant.
type Slot struct {
	Occupant Participant `json:"occupant"`
}

// Empty reports whether nobody is bound to the slot.
func (s Slot) Empty() bool {
	return s.Occupant.ID == ""
}

// Synthetic reports whether a bot holds the slot.
func (s Slot) Synthetic() bool {
	return !s.Empty() && s.Occupant.IsSynthetic
}

// Slots is an ordered seat assignment; slot 0 belongs to the room owner by convention.
type Slots []Slot

// Clone returns an independent copy.
func (s Slots) Clone() Slots {
	if s == nil {
		return nil
	}
	out := make(Slots, len(s))
	copy(out, s)
	return out
}

// Index returns the slot bound to id, or -1.
func (s Slots) Index(id string) int {
	if id == "" {
		return -1
	}
	for i, slot := range s {
		if slot.Occupant.ID == id {
			return i
		}
	}
	return -1
}

// Occupant returns the participant ID bound to slot i, or "" when out of range or empty.
func (s Slots) Occupant(i int) string {
	if i < 0 || i >= len(s) {
		return ""
	}
	return s[i].Occupant.ID
}

func (s Slots) Equal(o Slots) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Seat binds the first n players to n fresh slots.
func Seat(players []Participant, n int) Slots {
	return Reconcile(make(Slots, n), players)
}

// Reconcile folds an ordered player list into prev positionally: slot i is
// compared with players[i].
//
//   - a human at position i is bound to slot i, replacing any bot;
//   - no human at i keeps a bot that already held slot i;
//   - no human at i clears a slot that held a human.
//
// Players beyond len(prev) are not bound. Reconcile never grows or shrinks
// the slot list and is idempotent. Plugins that need other binding rules
// (stable seats across reorders, for instance) implement plugin.SlotBinder.
func Reconcile(prev Slots, players []Participant) Slots {
	next := prev.Clone()
	if next == nil {
		next = Slots{}
	}
	for i := range next {
		var human *Participant
		if i < len(players) && !players[i].IsSynthetic && players[i].ID != "" {
			human = &players[i]
		}
		switch {
		case human != nil:
			next[i] = Slot{Occupant: *human}
		case next[i].Synthetic():
			// bots only leave through an explicit plugin action
		default:
			next[i] = Slot{}
		}
	}
	return next
}
