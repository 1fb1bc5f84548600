package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wfunc/roomsync/config"
	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/monitor"
	"github.com/wfunc/roomsync/server"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	// Initialize logger
	logger.Init()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Log.Fatalf("Failed to load configuration: %v", err)
	}

	mon := monitor.NewMonitor(cfg.Relay.MetricsNamespace)
	relay := server.NewRelayServer(cfg, mon)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Log.Infof("Starting relay on %s", cfg.Server.HTTPAddress)
	if err := relay.Start(ctx); err != nil {
		logger.Log.Fatalf("Relay stopped: %v", err)
	}
	logger.Log.Info("Relay stopped.")
}
