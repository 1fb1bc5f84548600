package server

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/wfunc/roomsync/broadcast"
	"github.com/wfunc/roomsync/config"
	"github.com/wfunc/roomsync/envelope"
	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/monitor"
	"github.com/wfunc/roomsync/network"
	"github.com/wfunc/roomsync/peer"
	"github.com/wfunc/roomsync/room"
	"github.com/wfunc/roomsync/rpc"
	"github.com/wfunc/roomsync/timer"
)

const shutdownTimeout = 5 * time.Second

// RelayServer routes room traffic between peers. It never interprets game
// state: it stamps action submits with the sender and forwards them to the
// room owner, and fans the owner's state broadcasts out to everyone else.
type RelayServer struct {
	cfg          *config.Config
	upgrader     websocket.Upgrader
	roomManager  *room.Manager
	peerManager  *peer.Manager
	broadcaster  broadcast.Broadcaster
	monitor      *monitor.Monitor
	timers       *timer.TimerManager
	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewRelayServer(cfg *config.Config, mon *monitor.Monitor) *RelayServer {
	s := &RelayServer{
		cfg:          cfg,
		roomManager:  room.NewRoomManager(),
		peerManager:  peer.NewManager(),
		monitor:      mon,
		timers:       timer.NewTimerManager(),
		shutdownChan: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有跨域请求
			},
		},
	}

	// 初始化广播器
	s.broadcaster = broadcast.NewRoomBroadcaster(s.roomManager, s.peerManager)

	if interval := cfg.Relay.HeartbeatInterval; interval > 0 {
		s.timers.AddTimer(interval, interval, s.reapIdlePeers)
	}
	return s
}

// Router serves /ws, /rooms and /healthz.
func (s *RelayServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/rooms", s.handleRooms)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	return r
}

// MetricsHandler serves /metrics and /debug/vars.
func (s *RelayServer) MetricsHandler() http.Handler {
	s.monitor.PublishExpvar()
	r := chi.NewRouter()
	r.Handle("/metrics", s.monitor.Handler())
	r.Handle("/debug/vars", expvar.Handler())
	return r
}

// Start runs the websocket, metrics and gRPC health listeners until ctx is
// cancelled or one of them fails.
func (s *RelayServer) Start(ctx context.Context) error {
	rpcServer, err := rpc.NewServer(s.cfg.Server.RPCAddress)
	if err != nil {
		return err
	}
	httpServer := &http.Server{Addr: s.cfg.Server.HTTPAddress, Handler: s.Router()}
	metricsServer := &http.Server{Addr: s.cfg.Server.MetricsAddress, Handler: s.MetricsHandler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(rpcServer.Start)
	g.Go(func() error {
		logger.Log.Infof("Relay listening on %s", httpServer.Addr)
		return ignoreClosed(httpServer.ListenAndServe())
	})
	g.Go(func() error {
		logger.Log.Infof("Metrics listening on %s", metricsServer.Addr)
		return ignoreClosed(metricsServer.ListenAndServe())
	})
	g.Go(func() error {
		<-ctx.Done()
		rpcServer.SetServing(false)
		s.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpErr := httpServer.Shutdown(shutdownCtx)
		metricsErr := metricsServer.Shutdown(shutdownCtx)
		rpcServer.Stop()
		return errors.Join(httpErr, metricsErr)
	})
	rpcServer.SetServing(true)

	return g.Wait()
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown tells every peer the relay is going away, closes their
// connections and stops background timers.
func (s *RelayServer) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan)
		s.timers.Stop()
		notice, _ := json.Marshal(network.Error{Code: network.ErrCodeShutdown, Message: "relay shutting down"})
		if err := s.broadcaster.BroadcastToAll(network.MsgTypeError, notice); err != nil {
			logger.Log.Warnf("Shutdown notice failed: %v", err)
		}
		for _, p := range s.peerManager.All() {
			p.Close()
		}
	})
}

func (s *RelayServer) handleRooms(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.roomManager.List()); err != nil {
		logger.Log.Warnf("Encode room list: %v", err)
	}
}

func (s *RelayServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	s.handleConnection(conn)
}

func (s *RelayServer) handleConnection(conn *websocket.Conn) {
	wsConn := network.NewWSConnection(conn)
	if interval := s.cfg.Relay.HeartbeatInterval; interval > 0 {
		wsConn.SetHeartbeat(interval)
	}
	p := peer.NewPeer(uuid.NewString(), wsConn)
	s.peerManager.Add(p)
	s.monitor.IncConnectedPeers()

	logger.Log.Infof("New connection from %s, peer ID: %s", wsConn.RemoteAddr(), p.ID)

	defer func() {
		logger.Log.Infof("Connection closed from %s, peer ID: %s", wsConn.RemoteAddr(), p.ID)
		s.leaveRoom(p, false)
		s.peerManager.Remove(p.ID)
		s.monitor.DecConnectedPeers()
		wsConn.Close()
	}()

	if err := s.sendJSON(p, network.MsgTypeWelcome, network.Welcome{ParticipantID: p.ID}); err != nil {
		return
	}

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
			packet, err := wsConn.ReadPacket()
			if err != nil {
				return
			}
			s.handlePacket(p, packet)
		}
	}
}

func (s *RelayServer) handlePacket(p *peer.Peer, packet *network.Packet) {
	p.Touch()
	s.monitor.IncMessagesReceived(network.MsgName(packet.MsgID))

	switch packet.MsgID {
	case network.MsgTypeHeartbeat:
		p.Send(network.MsgTypeHeartbeat, nil)
	case network.MsgTypeCreateRoom:
		s.handleCreateRoom(p, packet)
	case network.MsgTypeJoinRoom:
		s.handleJoinRoom(p, packet)
	case network.MsgTypeLeaveRoom:
		s.leaveRoom(p, true)
	case network.MsgTypeSetGame:
		s.handleSetGame(p, packet)
	case network.MsgTypeActionSubmit:
		s.handleActionSubmit(p, packet)
	case network.MsgTypeStateBroadcast:
		s.handleStateBroadcast(p, packet)
	default:
		logger.Log.Infof("Unknown message type: %d", packet.MsgID)
	}
}

func (s *RelayServer) handleCreateRoom(p *peer.Peer, packet *network.Packet) {
	var req network.CreateRoom
	if err := json.Unmarshal(packet.Data, &req); err != nil || req.GameType == "" {
		s.sendError(p, network.ErrCodeBadRequest, "create needs a game type")
		return
	}
	if req.RoomID == "" {
		req.RoomID = uuid.NewString()
	}

	s.leaveRoom(p, false)
	r, err := s.roomManager.CreateRoom(req.RoomID, req.GameType, s.cfg.Relay.MaxPlayers, s.cfg.Relay.MaxSpectators)
	if err != nil {
		s.sendError(p, network.ErrCodeConflict, err.Error())
		return
	}
	p.SetDisplayName(req.DisplayName)
	if _, err := r.Join(p, false); err != nil {
		s.roomManager.RemoveIfEmpty(r.ID)
		s.sendError(p, network.ErrCodeConflict, err.Error())
		return
	}
	s.monitor.SetActiveRooms(s.roomManager.Count())
	logger.Log.Infof("Peer %s created room %s (%s)", p.ID, r.ID, req.GameType)
}

func (s *RelayServer) handleJoinRoom(p *peer.Peer, packet *network.Packet) {
	var req network.JoinRoom
	if err := json.Unmarshal(packet.Data, &req); err != nil || req.RoomID == "" {
		s.sendError(p, network.ErrCodeBadRequest, "join needs a room id")
		return
	}
	r, exists := s.roomManager.GetRoom(req.RoomID)
	if !exists {
		s.sendError(p, network.ErrCodeNotFound, "room not found")
		return
	}
	if p.RoomID() != r.ID {
		s.leaveRoom(p, false)
	}

	p.SetDisplayName(req.DisplayName)
	spectator, err := r.Join(p, req.Spectator)
	if err != nil {
		s.sendError(p, network.ErrCodeConflict, err.Error())
		return
	}
	logger.Log.Infof("Peer %s joined room %s (spectator=%v)", p.ID, r.ID, spectator)
}

func (s *RelayServer) handleSetGame(p *peer.Peer, packet *network.Packet) {
	var req network.SetGame
	if err := json.Unmarshal(packet.Data, &req); err != nil || req.GameType == "" {
		s.sendError(p, network.ErrCodeBadRequest, "set-game needs a game type")
		return
	}
	r, ok := s.roomOf(p)
	if !ok {
		return
	}
	if err := r.SetGameType(p.ID, req.GameType); err != nil {
		s.sendError(p, network.ErrCodeForbidden, err.Error())
	}
}

func (s *RelayServer) handleActionSubmit(p *peer.Peer, packet *network.Packet) {
	r, ok := s.roomOf(p)
	if !ok {
		return
	}
	env, err := envelope.UnmarshalEnvelope(packet.Data)
	if err != nil {
		s.sendError(p, network.ErrCodeBadRequest, err.Error())
		return
	}
	// 服务器端写入发送者, 客户端提供的值被覆盖
	data, err := envelope.Marshal(env.Stamp(p.ID))
	if err != nil {
		return
	}

	owner := r.Owner()
	if owner == "" {
		return
	}
	if err := s.broadcaster.SendTo(owner, network.MsgTypeActionSubmit, data); err != nil {
		logger.Log.Warnf("Room %s: action from %s to owner %s failed: %v", r.ID, p.ID, owner, err)
		return
	}
	s.monitor.IncRelayed("action-submit")
}

func (s *RelayServer) handleStateBroadcast(p *peer.Peer, packet *network.Packet) {
	r, ok := s.roomOf(p)
	if !ok {
		return
	}
	if !r.IsOwner(p.ID) {
		s.sendError(p, network.ErrCodeForbidden, "only the room owner may broadcast state")
		return
	}
	msg, err := envelope.UnmarshalStateBroadcast(packet.Data)
	if err != nil || msg.RoomID != r.ID {
		s.sendError(p, network.ErrCodeBadRequest, "state broadcast for another room")
		return
	}
	if _, err := s.broadcaster.BroadcastExcept(r.ID, p.ID, network.MsgTypeStateBroadcast, packet.Data); err != nil {
		logger.Log.Warnf("Room %s: state broadcast failed: %v", r.ID, err)
		return
	}
	s.monitor.IncRelayed("state-broadcast")
}

func (s *RelayServer) roomOf(p *peer.Peer) (*room.Room, bool) {
	r, exists := s.roomManager.GetRoom(p.RoomID())
	if !exists {
		s.sendError(p, network.ErrCodeNotFound, "not in a room")
		return nil, false
	}
	return r, true
}

// leaveRoom removes p from its room. With notify, p receives an empty
// roster so its client tears its session down.
func (s *RelayServer) leaveRoom(p *peer.Peer, notify bool) {
	roomID := p.RoomID()
	if roomID == "" {
		return
	}
	if r, exists := s.roomManager.GetRoom(roomID); exists {
		if r.Leave(p.ID) {
			s.roomManager.RemoveIfEmpty(roomID)
		}
	}
	p.SetRoomID("")
	s.monitor.SetActiveRooms(s.roomManager.Count())
	if notify {
		s.sendJSON(p, network.MsgTypeRosterUpdate, envelope.RosterUpdate{})
	}
}

// reapIdlePeers closes connections silent for two heartbeat intervals.
func (s *RelayServer) reapIdlePeers() {
	cutoff := time.Now().Add(-2 * s.cfg.Relay.HeartbeatInterval)
	for _, p := range s.peerManager.IdleSince(cutoff) {
		logger.Log.Infof("Closing idle peer %s", p.ID)
		p.Close()
	}
}

func (s *RelayServer) sendJSON(p *peer.Peer, msgID uint16, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := p.Send(msgID, data); err != nil {
		logger.Log.Warnf("Send %s to %s failed: %v", network.MsgName(msgID), p.ID, err)
		return err
	}
	return nil
}

func (s *RelayServer) sendError(p *peer.Peer, code int, message string) {
	s.sendJSON(p, network.MsgTypeError, network.Error{Code: code, Message: message})
}
