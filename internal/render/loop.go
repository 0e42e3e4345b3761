// Package render drives the per-tick pull, scale and present cycle.
package render

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/DeskLoop/internal/logger"
	"github.com/bryanchriswhite/DeskLoop/internal/scale"
	"github.com/bryanchriswhite/DeskLoop/internal/source"
	"github.com/bryanchriswhite/DeskLoop/internal/surface"
)

// DefaultMissWarn is how long decode misses must persist before they are reported
const DefaultMissWarn = 5 * time.Second

// Source is the frame supplier the loop pulls from
type Source interface {
	NextFrame() (*source.Frame, bool)
	Close() error
}

// Output receives a copy of every presented frame in RGBA order.
// WriteFrame must not block.
type Output interface {
	WriteFrame(frame *image.RGBA) error
}

// Result classifies one tick
type Result int

const (
	Idle Result = iota
	Presented
	Missed
	SurfaceLost
)

func (r Result) String() string {
	switch r {
	case Presented:
		return "presented"
	case Missed:
		return "missed"
	case SurfaceLost:
		return "surface_lost"
	default:
		return "idle"
	}
}

// TickResult reports what one tick did
type TickResult struct {
	Result     Result
	FrameIndex int
	// SustainedMiss is set on the tick where consecutive misses first reach
	// the warning threshold
	SustainedMiss bool
	Err           error
}

// Options configures a Loop
type Options struct {
	FitMode   scale.Mode
	MissWarn  time.Duration
	NewTicker TickerFactory
}

// Loop is not safe for concurrent use except for AddOutput and RemoveOutput.
// The playback controller calls it from a single goroutine.
type Loop struct {
	newTicker TickerFactory
	missWarn  time.Duration
	scaler    *scale.Scaler

	src       Source
	dst       surface.Host
	fps       int
	ticker    Ticker
	swap      *image.RGBA
	misses    int
	warnTicks int
	warned    bool
	presented uint64

	outMu   sync.RWMutex
	outputs []Output
}

// New creates a stopped Loop
func New(opts Options) *Loop {
	if opts.NewTicker == nil {
		opts.NewTicker = NewTicker
	}
	if opts.MissWarn <= 0 {
		opts.MissWarn = DefaultMissWarn
	}
	return &Loop{
		newTicker: opts.NewTicker,
		missWarn:  opts.MissWarn,
		scaler:    scale.New(opts.FitMode),
	}
}

// Start begins ticking every 1000/fps ms, replacing any previous run
func (l *Loop) Start(src Source, dst surface.Host, fps int) {
	l.halt()
	if fps <= 0 {
		fps = source.FallbackFPS
	}
	l.src = src
	l.dst = dst
	l.fps = fps
	l.misses = 0
	l.warned = false
	l.warnTicks = int(l.missWarn.Seconds() * float64(fps))
	if l.warnTicks < 1 {
		l.warnTicks = 1
	}
	l.ticker = l.newTicker(Period(fps))

	logger.WithComponent("render").Info().
		Int("fps", fps).
		Dur("period", Period(fps)).
		Str("fit_mode", string(l.scaler.Mode)).
		Msg("Render loop started")
}

// C is the tick channel, nil while not ticking
func (l *Loop) C() <-chan time.Time {
	if l.ticker == nil {
		return nil
	}
	return l.ticker.C()
}

// Running reports whether the loop is ticking
func (l *Loop) Running() bool {
	return l.ticker != nil
}

// Attached reports whether a source is held, ticking or paused
func (l *Loop) Attached() bool {
	return l.src != nil
}

// Misses returns the current run of consecutive decode misses
func (l *Loop) Misses() int {
	return l.misses
}

// Presented returns the number of frames presented since New
func (l *Loop) Presented() uint64 {
	return l.presented
}

// Pause stops ticking and keeps the decode cursor
func (l *Loop) Pause() {
	l.halt()
}

// Resume restarts ticking from the current cursor. No-op unless paused.
func (l *Loop) Resume() {
	if l.src == nil || l.ticker != nil {
		return
	}
	l.ticker = l.newTicker(Period(l.fps))
}

// Stop halts ticking and closes the source, resetting its cursor
func (l *Loop) Stop() error {
	l.halt()
	src := l.src
	l.src = nil
	l.dst = nil
	l.misses = 0
	l.warned = false
	if src == nil {
		return nil
	}
	return src.Close()
}

func (l *Loop) halt() {
	if l.ticker != nil {
		l.ticker.Stop()
		l.ticker = nil
	}
}

// Tick performs one unit of work. Panics are recovered and counted as misses.
func (l *Loop) Tick() (res TickResult) {
	if l.src == nil || l.dst == nil {
		return TickResult{Result: Idle}
	}

	defer func() {
		if r := recover(); r != nil {
			logger.WithComponent("render").Error().
				Str("panic", fmt.Sprint(r)).
				Msg("Recovered panic in render tick")
			res = l.miss()
		}
	}()

	frame, ok := l.src.NextFrame()
	if !ok || frame == nil || frame.Image == nil {
		return l.miss()
	}

	scaled := l.scaler.Scale(frame.Image, l.dst.Bounds().Size())

	out := scaled
	if frame.Layout != l.dst.Layout() {
		l.swap = scale.SwapRB(l.swap, scaled)
		out = l.swap
	}

	if err := l.dst.Present(out); err != nil {
		if errors.Is(err, surface.ErrSurfaceLost) {
			logger.WithComponent("render").Warn().Err(err).Msg("Surface lost")
			return TickResult{Result: SurfaceLost, FrameIndex: frame.Index, Err: err}
		}
		logger.WithComponent("render").Debug().Err(err).Msg("Present failed")
		return l.miss()
	}

	l.misses = 0
	l.warned = false
	l.presented++
	l.tap(scaled)

	return TickResult{Result: Presented, FrameIndex: frame.Index}
}

func (l *Loop) miss() TickResult {
	l.misses++
	res := TickResult{Result: Missed}
	if !l.warned && l.misses >= l.warnTicks {
		l.warned = true
		res.SustainedMiss = true
		logger.WithComponent("render").Warn().
			Int("consecutive_misses", l.misses).
			Msg("Decode has been failing for a sustained period")
	}
	return res
}

// AddOutput registers a frame tap
func (l *Loop) AddOutput(o Output) {
	l.outMu.Lock()
	defer l.outMu.Unlock()
	l.outputs = append(l.outputs, o)
}

// RemoveOutput unregisters a frame tap
func (l *Loop) RemoveOutput(o Output) {
	l.outMu.Lock()
	defer l.outMu.Unlock()
	for i, have := range l.outputs {
		if have == o {
			l.outputs = append(l.outputs[:i], l.outputs[i+1:]...)
			return
		}
	}
}

func (l *Loop) tap(frame *image.RGBA) {
	l.outMu.RLock()
	defer l.outMu.RUnlock()
	for _, o := range l.outputs {
		if err := o.WriteFrame(frame); err != nil {
			logger.WithComponent("render").Debug().Err(err).Msg("Output rejected frame")
		}
	}
}
