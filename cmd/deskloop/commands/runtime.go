package commands

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/DeskLoop/internal/config"
	"github.com/bryanchriswhite/DeskLoop/internal/container"
	"github.com/bryanchriswhite/DeskLoop/internal/logger"
	"github.com/bryanchriswhite/DeskLoop/internal/output"
	"github.com/bryanchriswhite/DeskLoop/internal/playback"
	"github.com/bryanchriswhite/DeskLoop/internal/render"
	"github.com/bryanchriswhite/DeskLoop/internal/scale"
	"github.com/bryanchriswhite/DeskLoop/internal/shell"
	"github.com/bryanchriswhite/DeskLoop/internal/shellwatch"
	"github.com/bryanchriswhite/DeskLoop/internal/source"
	"github.com/bryanchriswhite/DeskLoop/internal/surface"
)

// headlessBounds is the surface size used without an X server
var headlessBounds = image.Rect(0, 0, 1280, 720)

// runtime owns every long-lived component of a playback session
type runtime struct {
	configMgr *config.Manager
	conn      *xgb.Conn
	ctrl      *playback.Controller
	loop      *render.Loop
	resolver  *container.Resolver
	preview   *output.MJPEGOutput
	watcher   *shellwatch.Watcher
}

// newRuntime wires source, loop, surface and controller from the config.
// headless swaps the X11 surface for an in-memory one.
func newRuntime(configMgr *config.Manager, headless, withPreview bool) (*runtime, error) {
	log := logger.WithComponent("main")
	cfg := configMgr.Get()
	rt := &runtime{configMgr: configMgr, resolver: container.NewResolver("")}

	mode, err := scale.ParseMode(cfg.Playback.FitMode)
	if err != nil {
		return nil, err
	}

	src := source.New(source.Options{
		Backend:     cfg.Playback.Decoder,
		OpenTimeout: time.Duration(cfg.Playback.OpenTimeoutMS) * time.Millisecond,
	})
	rt.loop = render.New(render.Options{
		FitMode:  mode,
		MissWarn: time.Duration(cfg.Playback.MissWarnSeconds) * time.Second,
	})

	var (
		host   surface.Host
		bounds func() image.Rectangle
	)
	if headless {
		log.Info().Msg("Running headless, frames only reach the preview stream")
		host = surface.NewMemoryHost(nil, source.LayoutRGBA)
		bounds = func() image.Rectangle { return headlessBounds }
	} else {
		log.Info().Msg("Connecting to X11 server...")
		conn, err := xgb.NewConn()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to X11: %w", err)
		}
		rt.conn = conn

		root := xproto.Setup(conn).DefaultScreen(conn).Root
		intro := shell.NewIntrospector(shell.NewX11Tree(conn, root), shell.Options{
			IconViewClasses: cfg.Shell.IconViewClasses,
		})
		x11Host, err := surface.NewX11Host(conn, intro)
		if err != nil {
			conn.Close()
			return nil, err
		}
		host = x11Host
		bounds = func() image.Rectangle { return surface.PrimaryBounds(conn) }
	}

	rt.ctrl, err = playback.New(playback.Options{
		Source:            src,
		Host:              host,
		Loop:              rt.loop,
		Bounds:            bounds,
		MaxFPS:            cfg.Playback.MaxFPS,
		ReacquireAttempts: cfg.Playback.ReacquireAttempts,
	})
	if err != nil {
		rt.closeConn()
		return nil, err
	}

	if withPreview && cfg.Preview.Enabled {
		rt.preview = output.NewMJPEGOutput(output.Config{Quality: cfg.Preview.Quality})
		if err := rt.preview.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start preview")
			rt.preview = nil
		} else {
			rt.loop.AddOutput(rt.preview)
		}
	}

	if !headless && cfg.Shell.WatchDBus {
		rt.watcher = shellwatch.New(nil, rt.ctrl, shellwatch.Options{})
		if err := rt.watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Shell restart watcher unavailable, re-anchoring only on play")
			rt.watcher = nil
		}
	}

	return rt, nil
}

// loadAndPlay resolves path, loads it and starts playback
func (rt *runtime) loadAndPlay(path string) (playback.Status, error) {
	playable, err := rt.resolver.Resolve(path)
	if err != nil {
		return playback.Status{}, err
	}
	if _, err := rt.ctrl.Load(context.Background(), playable); err != nil {
		return playback.Status{}, err
	}
	if err := rt.configMgr.RecordSource(path); err != nil {
		logger.WithComponent("main").Warn().Err(err).Msg("Failed to record recent file")
	}
	return rt.ctrl.Play()
}

// Close tears everything down in reverse order. The surface is released
// by the controller before the X connection goes away.
func (rt *runtime) Close() {
	log := logger.WithComponent("main")
	if rt.watcher != nil {
		rt.watcher.Close()
	}
	if err := rt.ctrl.Close(); err != nil {
		log.Debug().Err(err).Msg("Controller already closed")
	}
	if rt.preview != nil {
		rt.loop.RemoveOutput(rt.preview)
		rt.preview.Stop()
	}
	if err := rt.resolver.Cleanup(); err != nil {
		log.Warn().Err(err).Msg("Failed to remove extracted files")
	}
	rt.closeConn()
}

func (rt *runtime) closeConn() {
	if rt.conn != nil {
		rt.conn.Close()
		rt.conn = nil
	}
}

func logAnchor(st playback.Status) {
	log := logger.WithComponent("main")
	if st.Anchor == nil {
		return
	}
	if st.Anchor.IsDegraded() {
		log.Warn().Str("reason", st.Anchor.Reason).
			Msg("Could not place the video behind the desktop icons; it is shown at the bottom of the stack instead")
		return
	}
	log.Info().Str("outcome", st.Anchor.Outcome.String()).Msg("Video anchored behind the desktop")
}
