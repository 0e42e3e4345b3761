package render

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/DeskLoop/internal/scale"
	"github.com/bryanchriswhite/DeskLoop/internal/source"
	"github.com/bryanchriswhite/DeskLoop/internal/surface"
)

// seqSource yields n 2x2 frames whose red channel is the frame index
type seqSource struct {
	n      int
	next   int
	miss   map[int]bool
	panics bool
	closed bool
}

func (s *seqSource) NextFrame() (*source.Frame, bool) {
	if s.panics {
		panic("decoder exploded")
	}
	if s.closed {
		return nil, false
	}
	i := s.next
	s.next = (s.next + 1) % s.n
	if s.miss[i] {
		return nil, false
	}
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for p := 0; p < len(img.Pix); p += 4 {
		img.Pix[p] = uint8(i)
		img.Pix[p+2] = 0xaa
		img.Pix[p+3] = 0xff
	}
	return &source.Frame{Image: img, Layout: source.LayoutRGBA, Index: i}, true
}

func (s *seqSource) Close() error {
	s.closed = true
	s.next = 0
	return nil
}

type recordingOutput struct {
	mu     sync.Mutex
	frames int
}

func (r *recordingOutput) WriteFrame(*image.RGBA) error {
	r.mu.Lock()
	r.frames++
	r.mu.Unlock()
	return nil
}

func newHost(t *testing.T, layout source.Layout) *surface.MemoryHost {
	t.Helper()
	h := surface.NewMemoryHost(nil, layout)
	if err := h.Acquire(image.Rect(0, 0, 8, 4)); err != nil {
		t.Fatal(err)
	}
	return h
}

func TestTickPresentsScaledFrame(t *testing.T) {
	clock := NewManualClock()
	l := New(Options{FitMode: scale.Stretch, NewTicker: clock.Factory})
	host := newHost(t, source.LayoutRGBA)
	out := &recordingOutput{}
	l.AddOutput(out)

	l.Start(&seqSource{n: 3}, host, 24)

	if got := clock.Periods(); len(got) != 1 || got[0] != time.Second/24 {
		t.Fatalf("periods = %v, want [%v]", got, time.Second/24)
	}

	res := l.Tick()
	if res.Result != Presented || res.FrameIndex != 0 {
		t.Fatalf("Tick = %+v", res)
	}
	last := host.Last()
	if last.Bounds().Size() != image.Pt(8, 4) {
		t.Errorf("presented size = %v, want 8x4", last.Bounds().Size())
	}
	if out.frames != 1 {
		t.Errorf("output frames = %d, want 1", out.frames)
	}
}

func TestTickSwapsChannelOrder(t *testing.T) {
	l := New(Options{NewTicker: NewManualClock().Factory})
	host := newHost(t, source.LayoutBGRA)
	l.Start(&seqSource{n: 5, next: 4}, host, 24)

	l.Tick()
	px := host.Last().Pix
	if px[0] != 0xaa || px[2] != 4 {
		t.Errorf("pixel = %v, want B/R swapped", px[:4])
	}
}

func TestMissKeepsPreviousFrame(t *testing.T) {
	l := New(Options{NewTicker: NewManualClock().Factory})
	host := newHost(t, source.LayoutRGBA)
	l.Start(&seqSource{n: 3, miss: map[int]bool{1: true}}, host, 24)

	l.Tick()
	if res := l.Tick(); res.Result != Missed {
		t.Fatalf("Tick = %v, want missed", res.Result)
	}
	if host.Presents() != 1 || host.Last().Pix[0] != 0 {
		t.Error("miss should leave the previous frame on screen")
	}
	if l.Misses() != 1 {
		t.Errorf("Misses = %d", l.Misses())
	}
	l.Tick()
	if l.Misses() != 0 {
		t.Errorf("Misses = %d after success, want 0", l.Misses())
	}
}

func TestSustainedMissReportedOnce(t *testing.T) {
	l := New(Options{MissWarn: time.Second, NewTicker: NewManualClock().Factory})
	host := newHost(t, source.LayoutRGBA)
	src := &seqSource{n: 1, miss: map[int]bool{0: true}}
	l.Start(src, host, 4)

	var warnings int
	for i := 0; i < 12; i++ {
		res := l.Tick()
		if res.SustainedMiss {
			warnings++
			if i != 3 {
				t.Errorf("warning on tick %d, want tick 3", i)
			}
		}
	}
	if warnings != 1 {
		t.Fatalf("warnings = %d, want 1", warnings)
	}

	// A good frame re-arms the warning
	src.miss = nil
	l.Tick()
	src.miss = map[int]bool{0: true}
	warnings = 0
	for i := 0; i < 4; i++ {
		if l.Tick().SustainedMiss {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("warnings after reset = %d, want 1", warnings)
	}
}

func TestPanicBecomesMiss(t *testing.T) {
	l := New(Options{NewTicker: NewManualClock().Factory})
	l.Start(&seqSource{n: 1, panics: true}, newHost(t, source.LayoutRGBA), 24)

	res := l.Tick()
	if res.Result != Missed {
		t.Fatalf("Tick = %v, want missed", res.Result)
	}
}

func TestSurfaceLostIsReported(t *testing.T) {
	l := New(Options{NewTicker: NewManualClock().Factory})
	host := newHost(t, source.LayoutRGBA)
	l.Start(&seqSource{n: 2}, host, 24)

	host.Invalidate()
	res := l.Tick()
	if res.Result != SurfaceLost || !errors.Is(res.Err, surface.ErrSurfaceLost) {
		t.Fatalf("Tick = %+v, want surface lost", res)
	}
}

func TestPauseResumeStop(t *testing.T) {
	clock := NewManualClock()
	l := New(Options{NewTicker: clock.Factory})
	src := &seqSource{n: 5}
	l.Start(src, newHost(t, source.LayoutRGBA), 10)

	l.Tick()
	l.Tick()
	l.Pause()
	if l.Running() || l.C() != nil {
		t.Fatal("paused loop should not tick")
	}
	if clock.Live() != 0 {
		t.Errorf("live tickers = %d after pause", clock.Live())
	}

	l.Resume()
	if !l.Running() {
		t.Fatal("Resume should restart ticking")
	}
	if res := l.Tick(); res.FrameIndex != 2 {
		t.Errorf("after resume FrameIndex = %d, want 2", res.FrameIndex)
	}

	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}
	if !src.closed || src.next != 0 {
		t.Error("Stop should close the source and reset its cursor")
	}
	if res := l.Tick(); res.Result != Idle {
		t.Errorf("Tick after Stop = %v, want idle", res.Result)
	}
	l.Resume()
	if l.Running() {
		t.Error("Resume after Stop should be a no-op")
	}
}

func TestRemoveOutput(t *testing.T) {
	l := New(Options{NewTicker: NewManualClock().Factory})
	out := &recordingOutput{}
	l.AddOutput(out)
	l.RemoveOutput(out)
	l.Start(&seqSource{n: 1}, newHost(t, source.LayoutRGBA), 24)
	l.Tick()
	if out.frames != 0 {
		t.Errorf("removed output got %d frames", out.frames)
	}
}

func TestPeriod(t *testing.T) {
	if Period(30) != time.Second/30 {
		t.Errorf("Period(30) = %v", Period(30))
	}
	if Period(0) != time.Second {
		t.Errorf("Period(0) = %v", Period(0))
	}
}
