package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/DeskLoop/internal/container"
	"github.com/bryanchriswhite/DeskLoop/internal/logger"
	"github.com/bryanchriswhite/DeskLoop/internal/scale"
	"github.com/bryanchriswhite/DeskLoop/internal/source"
	"github.com/bryanchriswhite/DeskLoop/internal/surface"
	"github.com/bryanchriswhite/DeskLoop/internal/wallpaper"
)

var stillKeep bool

var stillCmd = &cobra.Command{
	Use:   "still FILE",
	Short: "Use one frame of a video as a static wallpaper",
	Long: `Take the frame a quarter of the way into FILE and set it as the root
window background.

By default the previous wallpaper comes back when the command is
interrupted. With --keep the still stays after DeskLoop exits.`,
	Example: `  # Preview a still until Ctrl+C
  deskloop still ~/Videos/waves.mp4

  # Set it for good
  deskloop still --keep ~/Downloads/forest.mlw`,
	Args: cobra.ExactArgs(1),
	RunE: runStill,
}

func init() {
	rootCmd.AddCommand(stillCmd)
	stillCmd.Flags().BoolVar(&stillKeep, "keep", false, "leave the still in place and exit")
}

func runStill(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("main")

	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	mode, err := scale.ParseMode(cfg.Playback.FitMode)
	if err != nil {
		return err
	}

	resolver := container.NewResolver("")
	defer resolver.Cleanup()
	path, err := resolver.Resolve(args[0])
	if err != nil {
		return err
	}

	conn, err := xgb.NewConn()
	if err != nil {
		return fmt.Errorf("failed to connect to X11: %w", err)
	}
	defer conn.Close()

	root, err := surface.NewRootBackground(conn)
	if err != nil {
		return err
	}
	mgr := wallpaper.New(root, mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	src := source.New(source.Options{
		Backend:     cfg.Playback.Decoder,
		OpenTimeout: time.Duration(cfg.Playback.OpenTimeoutMS) * time.Millisecond,
	})
	if _, err := mgr.SetFromFile(context.Background(), src, path); err != nil {
		return err
	}

	if stillKeep {
		if err := root.Persist(); err != nil {
			return fmt.Errorf("keep wallpaper: %w", err)
		}
		log.Info().Msg("Still wallpaper kept")
		return nil
	}

	log.Info().Msg("Still wallpaper set, press Ctrl+C to restore the previous one")
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Restoring wallpaper")
	return mgr.Restore()
}
