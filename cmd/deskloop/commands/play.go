package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/DeskLoop/internal/logger"
	"github.com/bryanchriswhite/DeskLoop/internal/playback"
)

var playHeadless bool

var playCmd = &cobra.Command{
	Use:   "play FILE",
	Short: "Play a video as the desktop background",
	Long: `Load FILE and loop it behind the desktop icons until interrupted.

FILE may be a video, an animated GIF or a .mlw live wallpaper package.`,
	Example: `  # Loop a video
  deskloop play ~/Videos/waves.mp4

  # Unpack and play a wallpaper package
  deskloop play ~/Downloads/forest.mlw`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)
	playCmd.Flags().BoolVar(&playHeadless, "headless", false, "paint into memory instead of the X11 desktop")
}

func runPlay(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := newRuntime(configMgr, playHeadless, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	// registered before loading so an interrupt during a slow open still
	// reaches the deferred Close
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	return playUntilSignal(rt, args[0], sigChan)
}

// playUntilSignal loads and plays path, then blocks until a signal arrives
// or playback fails for good
func playUntilSignal(rt *runtime, path string, sigChan <-chan os.Signal) error {
	log := logger.WithComponent("main")

	events := rt.ctrl.Subscribe()
	defer rt.ctrl.Unsubscribe(events)

	st, err := rt.loadAndPlay(path)
	if err != nil {
		return err
	}
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Interrupted while loading")
		return nil
	default:
	}

	logAnchor(st)
	log.Info().
		Str("path", st.Path).
		Int("fps", st.FPS).
		Str("size", sizeString(st.Width, st.Height)).
		Msg("Playing, press Ctrl+C to stop")

	for {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Stopping playback")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type == playback.EventFatal {
				return fmt.Errorf("playback stopped: %s", ev.Message)
			}
		}
	}
}

func sizeString(w, h int) string {
	return fmt.Sprintf("%dx%d", w, h)
}
