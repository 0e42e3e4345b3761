package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/DeskLoop/internal/api"
	"github.com/bryanchriswhite/DeskLoop/internal/logger"
)

var serveHeadless bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the DeskLoop control server",
	Long: `Start the DeskLoop HTTP server and keep the desktop surface ready.

The server exposes a REST API for loading and controlling playback, a
WebSocket event stream and, when enabled, an MJPEG preview of the frames
being painted.`,
	Example: `  # Start server on default port (8787)
  deskloop serve

  # Start server on custom port
  deskloop serve --port 9090

  # Run without an X server, preview only
  deskloop serve --headless

  # Start with debug logging
  deskloop serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveHeadless, "headless", false, "paint into memory instead of the X11 desktop")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("main")

	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log.Info().Str("path", configMgr.GetConfigPath()).Str("log_level", cfg.LogLevel).Msg("Configuration loaded")

	rt, err := newRuntime(configMgr, serveHeadless, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if cfg.Preferences.Autostart && cfg.Preferences.LastSource != "" {
		st, err := rt.loadAndPlay(cfg.Preferences.LastSource)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Preferences.LastSource).Msg("Autostart failed")
		} else {
			logAnchor(st)
		}
	}

	server := api.NewServer(rt.ctrl, configMgr, rt.resolver, rt.preview)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ServerPort)
	}()

	log.Info().
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Bool("preview", rt.preview != nil).
		Msg("DeskLoop is running, press Ctrl+C to stop")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown did not complete")
	}
	return nil
}
