package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/StoreStation/EmberCraft/pkg/server"
)

func main() {
	address := flag.String("address", ":25565", "Server address to listen on")
	maxPlayers := flag.Int("max-players", 20, "Maximum number of players")
	motd := flag.String("motd", "An EmberCraft Server", "Server MOTD")
	onlineMode := flag.Bool("online-mode", true, "Verify players against the session service")
	secureChat := flag.Bool("secure-chat", false, "Require signed chat messages")
	owner := flag.String("owner", "", "Singleplayer owner name (empty for dedicated)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	config := server.DefaultConfig()
	config.Address = *address
	config.MaxPlayers = *maxPlayers
	config.MOTD = *motd
	config.OnlineMode = *onlineMode
	config.RequireSecureProfile = *secureChat
	config.OwnerName = *owner

	srv, err := server.New(config, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}
	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	logger.Info("EmberCraft server started",
		zap.String("version", "1.21.3"),
		zap.String("address", config.Address),
		zap.Int("max_players", config.MaxPlayers),
		zap.Bool("online_mode", config.OnlineMode))

	// Wait for interrupt signal or internal shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down server", zap.String("signal", sig.String()))
	case <-srv.StopChan():
		logger.Info("Shutting down server (internal)")
	}

	srv.Stop()
	logger.Info("Server stopped")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
