// transport/ws.go
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/wfunc/roomsync/envelope"
	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/network"
)

type WSOptions struct {
	URL       string
	Heartbeat time.Duration
	// Outbox bounds queued outgoing packets; a send that finds it full closes
	// the connection instead of blocking.
	Outbox int
	Dialer *websocket.Dialer
}

type outgoing struct {
	msgID uint16
	data  []byte
}

// WS is a relay connection over websocket. Incoming packets are dispatched
// one at a time on the read goroutine, in receipt order.
type WS struct {
	conn   *network.WSConnection
	id     string
	outbox chan outgoing
	done   chan struct{}
	once   sync.Once
	group  errgroup.Group

	actions handlers[envelope.Envelope]
	states  handlers[envelope.StateBroadcast]
	rosters handlers[envelope.RosterUpdate]
	errors  handlers[network.Error]
}

// Dial connects to the relay and waits for the welcome message.
func Dial(ctx context.Context, opts WSOptions) (*WS, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if opts.Outbox <= 0 {
		opts.Outbox = 64
	}

	ws, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	conn := network.NewWSConnection(ws)

	welcome, err := readWelcome(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	w := &WS{
		conn:   conn,
		id:     welcome.ParticipantID,
		outbox: make(chan outgoing, opts.Outbox),
		done:   make(chan struct{}),
	}
	if opts.Heartbeat > 0 {
		conn.SetHeartbeat(opts.Heartbeat)
	}
	w.group.Go(w.readLoop)
	w.group.Go(func() error { return w.writeLoop(opts.Heartbeat) })

	logger.Log.Infof("Connected to %s as %s", opts.URL, w.id)
	return w, nil
}

func readWelcome(ctx context.Context, conn *network.WSConnection) (network.Welcome, error) {
	type result struct {
		welcome network.Welcome
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := conn.ReadPacket()
		if err != nil {
			ch <- result{err: fmt.Errorf("read welcome: %w", err)}
			return
		}
		if p.MsgID != network.MsgTypeWelcome {
			ch <- result{err: fmt.Errorf("expected welcome, got %s", network.MsgName(p.MsgID))}
			return
		}
		var w network.Welcome
		if err := json.Unmarshal(p.Data, &w); err != nil || w.ParticipantID == "" {
			ch <- result{err: fmt.Errorf("malformed welcome: %s", p.Data)}
			return
		}
		ch <- result{welcome: w}
	}()

	select {
	case r := <-ch:
		return r.welcome, r.err
	case <-ctx.Done():
		return network.Welcome{}, ctx.Err()
	}
}

// ID returns the participant ID assigned by the relay.
func (w *WS) ID() string {
	return w.id
}

func (w *WS) CreateRoom(roomID, gameType, displayName string) error {
	return w.sendJSON(network.MsgTypeCreateRoom, network.CreateRoom{RoomID: roomID, GameType: gameType, DisplayName: displayName})
}

func (w *WS) JoinRoom(roomID, displayName string, spectator bool) error {
	return w.sendJSON(network.MsgTypeJoinRoom, network.JoinRoom{RoomID: roomID, DisplayName: displayName, Spectator: spectator})
}

func (w *WS) LeaveRoom() error {
	return w.send(network.MsgTypeLeaveRoom, nil)
}

func (w *WS) SetGame(gameType string) error {
	return w.sendJSON(network.MsgTypeSetGame, network.SetGame{GameType: gameType})
}

func (w *WS) SubmitAction(env envelope.Envelope) error {
	return w.sendJSON(network.MsgTypeActionSubmit, env)
}

func (w *WS) BroadcastState(msg envelope.StateBroadcast) error {
	return w.sendJSON(network.MsgTypeStateBroadcast, msg)
}

func (w *WS) OnActionSubmit(fn func(envelope.Envelope)) func() {
	return w.actions.add(fn)
}

func (w *WS) OnStateBroadcast(fn func(envelope.StateBroadcast)) func() {
	return w.states.add(fn)
}

func (w *WS) OnRosterUpdate(fn func(envelope.RosterUpdate)) func() {
	return w.rosters.add(fn)
}

// OnError receives error replies from the relay.
func (w *WS) OnError(fn func(network.Error)) func() {
	return w.errors.add(fn)
}

// Done is closed when the connection ends.
func (w *WS) Done() <-chan struct{} {
	return w.done
}

func (w *WS) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.conn.Close()
	})
	return err
}

// Wait blocks until both connection goroutines exit and returns the first
// error. Must not be called from a handler.
func (w *WS) Wait() error {
	return w.group.Wait()
}

func (w *WS) sendJSON(msgID uint16, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", network.MsgName(msgID), err)
	}
	return w.send(msgID, data)
}

func (w *WS) send(msgID uint16, data []byte) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.outbox <- outgoing{msgID: msgID, data: data}:
		return nil
	default:
		// 发送队列已满: 连接卡住, 断开
		logger.Log.Warnf("Outbox full sending %s; closing connection", network.MsgName(msgID))
		w.Close()
		return ErrOutboxFull
	}
}

func (w *WS) writeLoop(heartbeat time.Duration) error {
	var tick <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-w.done:
			return nil
		case out := <-w.outbox:
			if err := w.conn.Send(out.msgID, out.data); err != nil {
				w.Close()
				return fmt.Errorf("send %s: %w", network.MsgName(out.msgID), err)
			}
		case <-tick:
			if err := w.conn.Send(network.MsgTypeHeartbeat, nil); err != nil {
				w.Close()
				return fmt.Errorf("send heartbeat: %w", err)
			}
		}
	}
}

func (w *WS) readLoop() error {
	defer w.Close()
	for {
		p, err := w.conn.ReadPacket()
		if err != nil {
			select {
			case <-w.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		w.dispatch(p)
	}
}

func (w *WS) dispatch(p *network.Packet) {
	switch p.MsgID {
	case network.MsgTypeHeartbeat:
	case network.MsgTypeActionSubmit:
		env, err := envelope.UnmarshalEnvelope(p.Data)
		if err != nil {
			logger.Log.Warnf("Dropping action submit: %v", err)
			return
		}
		w.actions.emit(env)
	case network.MsgTypeStateBroadcast:
		msg, err := envelope.UnmarshalStateBroadcast(p.Data)
		if err != nil {
			logger.Log.Warnf("Dropping state broadcast: %v", err)
			return
		}
		w.states.emit(msg)
	case network.MsgTypeRosterUpdate:
		r, err := envelope.UnmarshalRosterUpdate(p.Data)
		if err != nil {
			logger.Log.Warnf("Dropping roster update: %v", err)
			return
		}
		w.rosters.emit(r)
	case network.MsgTypeError:
		var e network.Error
		if err := json.Unmarshal(p.Data, &e); err != nil {
			logger.Log.Warnf("Dropping relay error: %v", err)
			return
		}
		logger.Log.Warnf("Relay error %d: %s", e.Code, e.Message)
		w.errors.emit(e)
	default:
		logger.Log.Debugf("Ignoring message %d", p.MsgID)
	}
}
