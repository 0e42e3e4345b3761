// Package playback is the public state machine tying a frame source, the
// render loop and a surface host together.
package playback

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/DeskLoop/internal/logger"
	"github.com/bryanchriswhite/DeskLoop/internal/render"
	"github.com/bryanchriswhite/DeskLoop/internal/shell"
	"github.com/bryanchriswhite/DeskLoop/internal/source"
	"github.com/bryanchriswhite/DeskLoop/internal/surface"
)

const (
	// DefaultReacquireAttempts bounds surface recovery before giving up
	DefaultReacquireAttempts = 3

	eventBuffer = 32
)

// Options configures a Controller
type Options struct {
	Source FrameSource
	Host   surface.Host
	Loop   *render.Loop
	// Bounds returns the rectangle the surface should cover. Defaults to the
	// host's current bounds, or 1920x1080 when it has none.
	Bounds            func() image.Rectangle
	MaxFPS            int
	ReacquireAttempts int
}

type command struct {
	fn   func()
	done chan struct{}
}

// Controller serializes all playback calls and render ticks on one goroutine
type Controller struct {
	cmds chan command
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	log       *zerolog.Logger

	// owned by the control goroutine
	src         FrameSource
	host        surface.Host
	loop        *render.Loop
	bounds      func() image.Rectangle
	maxFPS      int
	attempts    int
	state       State
	anchor      *shell.Anchor
	anchorStale bool
	sessionID   string
	lastErr     error
	lastFrame   int
	lostStreak  int

	subMu sync.Mutex
	subs  map[<-chan Event]chan Event

	finalMu sync.Mutex
	final   Status
}

// New creates a Controller in the Idle state and starts its control goroutine
func New(opts Options) (*Controller, error) {
	if opts.Source == nil {
		return nil, errors.New("playback: source is required")
	}
	if opts.Host == nil {
		return nil, errors.New("playback: surface host is required")
	}
	if opts.Loop == nil {
		opts.Loop = render.New(render.Options{})
	}
	if opts.MaxFPS <= 0 || opts.MaxFPS > source.MaxFPS {
		opts.MaxFPS = source.MaxFPS
	}
	if opts.ReacquireAttempts <= 0 {
		opts.ReacquireAttempts = DefaultReacquireAttempts
	}

	c := &Controller{
		cmds:     make(chan command),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      logger.WithComponent("playback"),
		src:      opts.Source,
		host:     opts.Host,
		loop:     opts.Loop,
		bounds:   opts.Bounds,
		maxFPS:   opts.MaxFPS,
		attempts: opts.ReacquireAttempts,
		state:    Idle,
		subs:     make(map[<-chan Event]chan Event),
	}
	if c.bounds == nil {
		c.bounds = c.defaultBounds
	}

	go c.run()
	return c, nil
}

func (c *Controller) defaultBounds() image.Rectangle {
	if b := c.host.Bounds(); !b.Empty() {
		return b
	}
	return image.Rect(0, 0, 1920, 1080)
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case cmd := <-c.cmds:
			cmd.fn()
			close(cmd.done)
		case <-c.loop.C():
			c.onTick()
		case <-c.quit:
			return
		}
	}
}

// do runs fn on the control goroutine and waits for it
func (c *Controller) do(fn func()) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrClosed
	}
	<-cmd.done
	return nil
}

// Load opens path, stopping any current playback first
func (c *Controller) Load(ctx context.Context, path string) (Status, error) {
	var (
		st  Status
		err error
	)
	if cerr := c.do(func() { err = c.load(ctx, path); st = c.snapshot() }); cerr != nil {
		return Status{}, cerr
	}
	return st, err
}

// Play starts or resumes playback and reports the anchor outcome
func (c *Controller) Play() (Status, error) {
	var (
		st  Status
		err error
	)
	if cerr := c.do(func() { err = c.play(); st = c.snapshot() }); cerr != nil {
		return Status{}, cerr
	}
	return st, err
}

// Pause halts ticking and keeps the decode cursor
func (c *Controller) Pause() error {
	return c.do(c.pause)
}

// Resume continues from the current cursor
func (c *Controller) Resume() error {
	return c.do(c.resume)
}

// Stop halts, hides the surface and closes the source
func (c *Controller) Stop() error {
	return c.do(c.stop)
}

// Unload returns to Idle and releases the surface
func (c *Controller) Unload() error {
	return c.do(c.unload)
}

// MarkShellChanged marks the anchor stale. When playing or paused the
// surface is re-anchored right away.
func (c *Controller) MarkShellChanged() {
	_ = c.do(c.shellChanged)
}

// State returns the current playback state
func (c *Controller) State() State {
	return c.Status().State
}

// Status returns a snapshot. After Close it returns the final snapshot.
func (c *Controller) Status() Status {
	var st Status
	if err := c.do(func() { st = c.snapshot() }); err != nil {
		c.finalMu.Lock()
		defer c.finalMu.Unlock()
		return c.final
	}
	return st
}

// Close unloads and ends the control goroutine. Safe to call repeatedly.
func (c *Controller) Close() error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		err = c.do(func() {
			c.unload()
			c.finalMu.Lock()
			c.final = c.snapshot()
			c.finalMu.Unlock()
		})
		close(c.quit)
		<-c.done

		c.subMu.Lock()
		for key, ch := range c.subs {
			close(ch)
			delete(c.subs, key)
		}
		c.subMu.Unlock()
		c.log.Info().Msg("Playback controller closed")
	})
	return err
}

// Subscribe returns a channel of events. Slow subscribers miss events.
func (c *Controller) Subscribe() <-chan Event {
	ch := make(chan Event, eventBuffer)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	select {
	case <-c.done:
		close(ch)
	default:
		c.subs[ch] = ch
	}
	return ch
}

// Unsubscribe stops delivery to ch and closes it
func (c *Controller) Unsubscribe(ch <-chan Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if sub, ok := c.subs[ch]; ok {
		close(sub)
		delete(c.subs, ch)
	}
}

func (c *Controller) emit(t EventType, msg string) {
	ev := Event{Type: t, Status: c.snapshot(), Message: msg, Time: time.Now()}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	c.log.Info().Str("from", prev.String()).Str("to", s.String()).Msg("Playback state changed")
	c.emit(EventStateChanged, "")
}

func (c *Controller) snapshot() Status {
	st := Status{
		State:      c.state,
		SessionID:  c.sessionID,
		FrameIndex: c.src.Cursor(),
		LastFrame:  c.lastFrame,
		Presented:  c.loop.Presented(),
		Misses:     c.loop.Misses(),
	}
	if c.state != Idle {
		info := c.src.Info()
		st.Path = c.src.Path()
		st.FPS = c.fps()
		st.Width = info.Width
		st.Height = info.Height
	}
	if c.anchor != nil {
		a := *c.anchor
		st.Anchor = &a
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Controller) fps() int {
	fps := c.src.FPS()
	if fps <= 0 {
		fps = source.FallbackFPS
	}
	if fps > c.maxFPS {
		fps = c.maxFPS
	}
	return fps
}

func (c *Controller) load(ctx context.Context, path string) error {
	if c.loop.Attached() {
		_ = c.loop.Stop()
	}
	if c.host.Visible() {
		_ = c.host.Hide()
	}
	c.lastFrame = 0

	if err := c.src.Open(ctx, path); err != nil {
		c.lastErr = err
		c.sessionID = ""
		c.log.Error().Err(err).Str("path", path).Msg("Load failed")
		c.setState(Idle)
		c.emit(EventLoadFailed, err.Error())
		return err
	}

	c.lastErr = nil
	c.sessionID = uuid.NewString()
	info := c.src.Info()
	c.log.Info().
		Str("path", path).
		Str("session", c.sessionID).
		Str("codec", info.Codec).
		Int("width", info.Width).
		Int("height", info.Height).
		Int("fps", c.fps()).
		Msg("Source loaded")

	if c.state == Loaded {
		c.emit(EventStateChanged, "reloaded")
		return nil
	}
	c.setState(Loaded)
	return nil
}

func (c *Controller) play() error {
	switch c.state {
	case Idle, Playing:
		return nil
	case Paused:
		c.resume()
		return nil
	case Stopped:
		if err := c.src.Reopen(context.Background()); err != nil {
			c.lastErr = err
			c.sessionID = ""
			c.log.Error().Err(err).Msg("Reopen failed")
			c.setState(Idle)
			return err
		}
	}
	// the shell may have restarted since the last anchor was taken
	c.anchorStale = true
	return c.start()
}

// start brings the surface up and begins ticking from the source's cursor.
// A surface lost while not playing is rebuilt up to the attempt limit.
func (c *Controller) start() error {
	err := c.prepareSurface()
	for attempt := 1; err != nil && errors.Is(err, surface.ErrSurfaceLost) && attempt <= c.attempts; attempt++ {
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("Surface lost before play, rebuilding")
		err = c.rebuildSurface()
	}
	if err != nil {
		c.lastErr = err
		c.log.Error().Err(err).Msg("Surface unavailable")
		if c.state == Stopped {
			// Stopped always means a closed source
			_ = c.src.Close()
		}
		return err
	}
	c.loop.Start(c.src, c.host, c.fps())
	c.lastErr = nil
	c.lostStreak = 0
	c.setState(Playing)
	return nil
}

func (c *Controller) prepareSurface() error {
	if !c.host.Acquired() {
		if err := c.host.Acquire(c.bounds()); err != nil {
			return fmt.Errorf("acquire surface: %w", err)
		}
		c.anchorStale = true
	}
	if c.anchor == nil || c.anchorStale {
		if err := c.reanchor(); err != nil {
			return err
		}
	}
	if err := c.host.Show(); err != nil {
		return fmt.Errorf("show surface: %w", err)
	}
	return nil
}

func (c *Controller) reanchor() error {
	a, err := c.host.Anchor()
	if err != nil {
		return fmt.Errorf("anchor surface: %w", err)
	}
	c.anchor = &a
	c.anchorStale = false
	c.log.Info().
		Str("outcome", a.Outcome.String()).
		Uint32("parent", uint32(a.Parent)).
		Str("reason", a.Reason).
		Msg("Surface anchored")
	if a.IsDegraded() {
		c.emit(EventAnchorDegraded, a.Reason)
	}
	return nil
}

func (c *Controller) pause() {
	if c.state != Playing {
		return
	}
	c.loop.Pause()
	c.setState(Paused)
}

func (c *Controller) resume() {
	if c.state != Paused {
		return
	}
	c.loop.Resume()
	c.setState(Playing)
}

func (c *Controller) stop() {
	if c.state != Playing && c.state != Paused {
		return
	}
	if err := c.loop.Stop(); err != nil {
		c.log.Warn().Err(err).Msg("Closing source failed")
	}
	if c.host.Acquired() {
		_ = c.host.Hide()
	}
	c.lastFrame = 0
	c.setState(Stopped)
}

func (c *Controller) unload() {
	if c.loop.Attached() {
		_ = c.loop.Stop()
	}
	if err := c.src.Close(); err != nil {
		c.log.Warn().Err(err).Msg("Closing source failed")
	}
	if err := c.host.Release(); err != nil {
		c.log.Warn().Err(err).Msg("Releasing surface failed")
	}
	c.anchor = nil
	c.anchorStale = false
	c.sessionID = ""
	c.lastErr = nil
	c.lastFrame = 0
	c.setState(Idle)
}

func (c *Controller) shellChanged() {
	c.anchorStale = true
	c.emit(EventShellChanged, "")
	if c.state != Playing && c.state != Paused {
		return
	}
	if err := c.reanchor(); err != nil {
		c.log.Warn().Err(err).Msg("Re-anchoring after shell change failed")
		if errors.Is(err, surface.ErrSurfaceLost) {
			c.recover(err)
		}
	}
}

func (c *Controller) onTick() {
	res := c.loop.Tick()
	switch res.Result {
	case render.Presented:
		c.lastFrame = res.FrameIndex
		c.lostStreak = 0
	case render.Missed:
		if res.SustainedMiss {
			c.emit(EventDecodeMissed, "decoding has been failing; showing the last good frame")
		}
	case render.SurfaceLost:
		c.recover(res.Err)
	}
}

// recover rebuilds a lost surface and resumes from the current cursor.
// Consecutive failures without a presented frame in between count
// towards the attempt limit.
func (c *Controller) recover(cause error) {
	wasPaused := c.state == Paused
	c.loop.Pause()
	c.emit(EventSurfaceLost, cause.Error())

	for c.lostStreak < c.attempts {
		c.lostStreak++
		err := c.rebuildSurface()
		if err == nil {
			c.log.Info().Int("attempt", c.lostStreak).Msg("Surface recovered")
			if !wasPaused {
				c.loop.Resume()
			}
			c.emit(EventSurfaceRecovered, "")
			return
		}
		c.log.Warn().Err(err).Int("attempt", c.lostStreak).Msg("Surface recovery failed")
	}

	c.lastErr = fmt.Errorf("giving up after %d attempts: %w", c.attempts, cause)
	c.log.Error().Err(c.lastErr).Msg("Surface could not be recovered")
	_ = c.loop.Stop()
	_ = c.host.Release()
	c.anchor = nil
	c.lastFrame = 0
	c.setState(Stopped)
	c.emit(EventFatal, c.lastErr.Error())
}

func (c *Controller) rebuildSurface() error {
	_ = c.host.Release()
	c.anchor = nil
	return c.prepareSurface()
}
