package tictactoe

import (
	"github.com/wfunc/roomsync/envelope"
	"github.com/wfunc/roomsync/plugin"
)

// Pending schedules a move when a bot holds the seat whose turn it is.
func (p *Plugin) Pending(s envelope.State) (plugin.Task, bool) {
	g, err := Decode(s)
	if err != nil || g.Winner != Empty {
		return plugin.Task{}, false
	}
	if g.Turn >= len(s.Slots) || !s.Slots[g.Turn].Synthetic() {
		return plugin.Task{}, false
	}

	mark := g.Turn + 1
	board := g.Board
	return plugin.Task{
		Delay: p.botDelay,
		Actor: s.Slots[g.Turn].Occupant.ID,
		Run: func() (envelope.Action, bool) {
			cell := chooseCell(board, mark)
			if cell < 0 {
				return envelope.Action{}, false
			}
			return envelope.MustAction(ActionPlace, Place{Cell: cell}), true
		},
	}, true
}

// chooseCell: win, block, centre, corners, then anything free.
func chooseCell(b [9]int, mark int) int {
	other := 3 - mark
	if c := completing(b, mark); c >= 0 {
		return c
	}
	if c := completing(b, other); c >= 0 {
		return c
	}
	for _, c := range []int{4, 0, 2, 6, 8, 1, 3, 5, 7} {
		if b[c] == Empty {
			return c
		}
	}
	return -1
}

func completing(b [9]int, mark int) int {
	for _, l := range lines {
		count, free := 0, -1
		for _, c := range l {
			switch b[c] {
			case mark:
				count++
			case Empty:
				free = c
			}
		}
		if count == 2 && free >= 0 {
			return free
		}
	}
	return -1
}
