package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wfunc/roomsync/config"
	"github.com/wfunc/roomsync/envelope"
	"github.com/wfunc/roomsync/games"
	"github.com/wfunc/roomsync/games/tictactoe"
	"github.com/wfunc/roomsync/games/turns"
	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/monitor"
	"github.com/wfunc/roomsync/network"
	"github.com/wfunc/roomsync/persistence"
	"github.com/wfunc/roomsync/session"
	"github.com/wfunc/roomsync/transport"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadClientEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Debug {
		logger.InitDevelopment()
	} else {
		logger.Init()
	}
	defer logger.Sync()

	store, err := persistence.Open(cfg.Persistence)
	if err != nil {
		logger.Log.Fatalf("Failed to open save store: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, err := transport.Dial(dialCtx, transport.WSOptions{URL: cfg.RelayURL, Heartbeat: 10 * time.Second})
	cancel()
	if err != nil {
		logger.Log.Fatalf("Dial failed: %v", err)
	}
	defer ws.Close()

	ws.OnError(func(e network.Error) {
		fmt.Printf("relay: %s\n", e.Message)
	})

	reg := prometheus.NewRegistry()
	metrics := monitor.NewSessionMetrics("roomsync_client", reg, reg)
	if cfg.MetricsAddress != "" {
		metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: metrics.Handler()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Warnf("Metrics server stopped: %v", err)
			}
		}()
		defer metricsServer.Close()
	}

	host := session.NewHost(session.HostConfig{
		LocalID:   ws.ID(),
		Transport: ws,
		Registry:  games.Registry(cfg.BotDelay),
		Saves:     persistence.NewSaves(store),
		SaveDelay: cfg.SaveDelay,
		Metrics:   metrics,
		OnSession: func(sess *session.Session, err error) {
			switch {
			case err != nil:
				fmt.Printf("game unavailable: %v\n", err)
			case sess != nil:
				go render(sess, ws.ID())
			}
		},
	})
	host.Start()
	defer host.Close()

	if cfg.RoomID == "" {
		err = ws.CreateRoom("", cfg.GameType, cfg.DisplayName)
	} else {
		err = ws.JoinRoom(cfg.RoomID, cfg.DisplayName, cfg.Spectator)
	}
	if err != nil {
		logger.Log.Fatalf("Room request failed: %v", err)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	fmt.Println("commands: place <0-8> | pass | reset | bot | unbot | game <type> | leave | quit")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ws.Done():
			fmt.Println("disconnected")
			return
		case line, ok := <-lines:
			if !ok || line == "quit" {
				return
			}
			if err := command(ws, host, line); err != nil {
				fmt.Println(err)
			}
		}
	}
}

func command(ws *transport.WS, host *session.Host, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "game":
		if len(fields) != 2 {
			return fmt.Errorf("usage: game <type>")
		}
		return ws.SetGame(fields[1])
	case "leave":
		return ws.LeaveRoom()
	}

	sess := host.Session()
	if sess == nil {
		return fmt.Errorf("no game running")
	}
	var action envelope.Action
	switch fields[0] {
	case "place":
		if len(fields) != 2 {
			return fmt.Errorf("usage: place <0-8>")
		}
		cell, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("bad cell %q", fields[1])
		}
		action = envelope.MustAction(tictactoe.ActionPlace, tictactoe.Place{Cell: cell})
	case "pass":
		action = envelope.Action{Type: turns.ActionPass}
	case "reset":
		action = envelope.Action{Type: tictactoe.ActionReset}
	case "bot":
		action = envelope.MustAction(tictactoe.ActionAddBot, tictactoe.SlotRef{Slot: 1})
	case "unbot":
		action = envelope.MustAction(tictactoe.ActionRemoveBot, tictactoe.SlotRef{Slot: 1})
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	sess.RequestAction(action)
	return nil
}

// render prints every snapshot until the session is torn down.
func render(sess *session.Session, self string) {
	updates, cancel := sess.Subscribe(1)
	defer cancel()

	roomID, gameType := sess.Identity()
	for snap := range updates {
		var b strings.Builder
		fmt.Fprintf(&b, "\n[%s/%s rev %d] you are %s (authority=%v)\n", roomID, gameType, snap.Revision, self, sess.IsAuthority())
		for i, slot := range snap.State.Slots {
			name := "(empty)"
			if !slot.Empty() {
				name = slot.Occupant.DisplayName
			}
			fmt.Fprintf(&b, "  seat %d: %s\n", i, name)
		}
		switch gameType {
		case tictactoe.ID:
			if g, err := tictactoe.Decode(snap.State); err == nil {
				marks := []string{".", "X", "O"}
				for row := 0; row < 3; row++ {
					fmt.Fprintf(&b, "  %s %s %s\n", marks[g.Board[row*3]], marks[g.Board[row*3+1]], marks[g.Board[row*3+2]])
				}
			}
		case turns.ID:
			if g, err := turns.Decode(snap.State); err == nil {
				fmt.Fprintf(&b, "  turn: seat %d, moves: %d\n", g.Turn, g.Moves)
			}
		}
		if snap.Terminal {
			b.WriteString("  game over\n")
		}
		fmt.Print(b.String())
	}
}
