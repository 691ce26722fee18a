package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/screencopy/cmd/screencopy/commands"
	"github.com/bryanchriswhite/screencopy/internal/config"
	"github.com/bryanchriswhite/screencopy/internal/logger"
)

// server is the flagless entry point: default config path, pretty logs.
func main() {
	logger.Init("info", true)
	log := logger.WithComponent("server")

	configMgr, err := config.NewManager("")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize config manager")
	}
	logger.Init(configMgr.GetLogLevel(), true)
	log = logger.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Serve(ctx, configMgr); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}
