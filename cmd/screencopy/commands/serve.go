package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/screencopy/internal/api"
	"github.com/bryanchriswhite/screencopy/internal/config"
	"github.com/bryanchriswhite/screencopy/internal/logger"
	"github.com/bryanchriswhite/screencopy/internal/output"
	"github.com/bryanchriswhite/screencopy/internal/sim"
	"github.com/bryanchriswhite/screencopy/internal/stream"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the capture loop and HTTP server",
	Long: `Start capturing the configured output and serve the frames over HTTP.

The server provides an MJPEG stream, PNG snapshots, a REST API for status
and configuration, and a WebSocket feed of capture events.`,
	Example: `  # Start server on default port (8080)
  screencopy serve

  # Start server on custom port
  screencopy serve --port 9090

  # Start with specific config file
  screencopy serve --config /path/to/config.yaml

  # Start with debug logging
  screencopy serve --log-level debug`,
	RunE: runServe,
}

var serveMaxWidth int

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&serveMaxWidth, "max-width", 1280, "scale streamed frames down to this width (0 keeps the output size)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return Serve(ctx, configMgr)
}

// Serve runs the capture loop and the HTTP server until ctx is cancelled
// or either of them fails.
func Serve(ctx context.Context, configMgr *config.Manager) error {
	cfg := configMgr.Get()
	log := logger.WithComponent("serve")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	comp := sim.New(profileFor(cfg, true, time.Now().UnixNano()))

	sinkCfg := output.Config{MaxWidth: serveMaxWidth, Caption: true, ShowDamage: true}
	snapshot := output.NewSnapshotOutput(sinkCfg)
	mjpeg := output.NewMJPEGOutput(sinkCfg)
	if err := snapshot.Start(); err != nil {
		return fmt.Errorf("failed to start snapshot output: %w", err)
	}
	defer snapshot.Stop()
	if err := mjpeg.Start(); err != nil {
		return fmt.Errorf("failed to start MJPEG output: %w", err)
	}

	loop := stream.New(newDispatcher(comp), comp, loopConfig(cfg), snapshot, mjpeg)
	server := api.NewServer(loop, configMgr, snapshot, mjpeg)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	p := pool.New().
		WithContext(ctx).
		WithCancelOnError()

	p.Go(func(ctx context.Context) error {
		return loop.Run(ctx)
	})

	p.Go(func(ctx context.Context) error {
		log.Info().Msgf("Server starting on http://localhost:%d", cfg.ServerPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		log.Info().Msg("Shutting down gracefully...")

		// Streaming clients only leave once the MJPEG output closes them.
		mjpeg.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	log.Info().
		Int("port", cfg.ServerPort).
		Str("stream", fmt.Sprintf("http://localhost:%d/stream", cfg.ServerPort)).
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Msg("screencopy is running, press Ctrl+C to stop")

	err := p.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
