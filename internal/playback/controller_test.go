package playback

import (
	"context"
	"errors"
	"image"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/DeskLoop/internal/render"
	"github.com/bryanchriswhite/DeskLoop/internal/shell"
	"github.com/bryanchriswhite/DeskLoop/internal/source"
	"github.com/bryanchriswhite/DeskLoop/internal/surface"
)

const fireWait = time.Second

// fakeSource yields n frames, looping, and can be told to fail opening
type fakeSource struct {
	n         int
	fps       int
	path      string
	open      bool
	cursor    int
	openErr   error
	reopenErr error
	opens     int
}

func (f *fakeSource) Open(_ context.Context, path string) error {
	f.opens++
	f.open = false
	f.cursor = 0
	if f.openErr != nil {
		return f.openErr
	}
	f.path = path
	f.open = true
	return nil
}

func (f *fakeSource) Reopen(ctx context.Context) error {
	if f.reopenErr != nil {
		return f.reopenErr
	}
	return f.Open(ctx, f.path)
}

func (f *fakeSource) NextFrame() (*source.Frame, bool) {
	if !f.open {
		return nil, false
	}
	i := f.cursor
	f.cursor = (f.cursor + 1) % f.n
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for p := 0; p < len(img.Pix); p += 4 {
		img.Pix[p] = uint8(i + 1)
		img.Pix[p+3] = 0xff
	}
	return &source.Frame{Image: img, Layout: source.LayoutRGBA, Index: i}, true
}

func (f *fakeSource) Close() error {
	f.open = false
	f.cursor = 0
	return nil
}

func (f *fakeSource) IsOpen() bool { return f.open }
func (f *fakeSource) Path() string { return f.path }
func (f *fakeSource) Info() source.Info {
	return source.Info{Width: 4, Height: 4, FPS: float64(f.fps), Codec: "fake"}
}
func (f *fakeSource) FPS() int    { return f.fps }
func (f *fakeSource) Cursor() int { return f.cursor }

type stubIntrospector struct{ anchor shell.Anchor }

func (s stubIntrospector) Probe(...xproto.Window) shell.Anchor { return s.anchor }

// flakyHost fails Acquire a set number of times
type flakyHost struct {
	*surface.MemoryHost
	failAcquire int
	acquires    int
}

func (h *flakyHost) Acquire(b image.Rectangle) error {
	h.acquires++
	if h.failAcquire > 0 {
		h.failAcquire--
		return surface.ErrSurfaceLost
	}
	return h.MemoryHost.Acquire(b)
}

type harness struct {
	ctrl  *Controller
	src   *fakeSource
	host  *surface.MemoryHost
	clock *render.ManualClock
}

func newHarness(t *testing.T, intro shell.Introspector, host surface.Host) *harness {
	t.Helper()
	clock := render.NewManualClock()
	src := &fakeSource{n: 10, fps: 24}
	mem := surface.NewMemoryHost(intro, source.LayoutRGBA)
	if host == nil {
		host = mem
	} else if fh, ok := host.(*flakyHost); ok {
		mem = fh.MemoryHost
	}
	ctrl, err := New(Options{
		Source: src,
		Host:   host,
		Loop:   render.New(render.Options{NewTicker: clock.Factory}),
		Bounds: func() image.Rectangle { return image.Rect(0, 0, 8, 8) },
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ctrl.Close() })
	return &harness{ctrl: ctrl, src: src, host: mem, clock: clock}
}

func (h *harness) ticks(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if !h.clock.Fire(fireWait) {
			t.Fatalf("tick %d not consumed", i)
		}
	}
	// Fire returns once the tick is received; Status runs on the control
	// goroutine after the tick has been handled
	h.ctrl.Status()
}

func anchored() shell.Introspector {
	return stubIntrospector{shell.Anchor{Outcome: shell.Anchored, Parent: 42}}
}

func TestElevenTicksWrapToFrameOne(t *testing.T) {
	h := newHarness(t, anchored(), nil)
	if _, err := h.ctrl.Load(context.Background(), "/videos/ten.mp4"); err != nil {
		t.Fatal(err)
	}
	st, err := h.ctrl.Play()
	if err != nil {
		t.Fatal(err)
	}
	if st.State != Playing || st.Anchor == nil || st.Anchor.Outcome != shell.Anchored {
		t.Fatalf("Play = %+v", st)
	}

	h.ticks(t, 11)
	st = h.ctrl.Status()
	if st.FrameIndex != 1 {
		t.Errorf("FrameIndex = %d, want 11 mod 10 = 1", st.FrameIndex)
	}
	if st.LastFrame != 0 {
		t.Errorf("LastFrame = %d, want 0 after wrap", st.LastFrame)
	}
	if st.Presented != 11 {
		t.Errorf("Presented = %d, want 11", st.Presented)
	}
	if last := h.host.Last(); last == nil || last.Pix[0] == 0 {
		t.Error("expected a nonzero frame on the surface")
	}
}

func TestPauseResumeKeepsCursor(t *testing.T) {
	h := newHarness(t, anchored(), nil)
	h.ctrl.Load(context.Background(), "a.mp4")
	h.ctrl.Play()
	h.ticks(t, 3)

	if err := h.ctrl.Pause(); err != nil {
		t.Fatal(err)
	}
	if h.clock.Fire(50 * time.Millisecond) {
		t.Fatal("paused controller consumed a tick")
	}
	if got := h.ctrl.Status().FrameIndex; got != 3 {
		t.Fatalf("paused FrameIndex = %d, want 3", got)
	}

	h.ctrl.Resume()
	h.ticks(t, 1)
	st := h.ctrl.Status()
	if st.State != Playing || st.LastFrame != 3 {
		t.Errorf("after resume state=%v last=%d, want playing/3", st.State, st.LastFrame)
	}
}

func TestStopThenPlayRestartsAtZero(t *testing.T) {
	h := newHarness(t, anchored(), nil)
	h.ctrl.Load(context.Background(), "a.mp4")
	h.ctrl.Play()
	h.ticks(t, 4)

	h.ctrl.Stop()
	if h.host.Visible() {
		t.Error("Stop should hide the surface")
	}
	if !h.host.Acquired() {
		t.Error("Stop should keep the surface")
	}
	if h.src.IsOpen() {
		t.Error("Stop should close the source")
	}

	st, err := h.ctrl.Play()
	if err != nil {
		t.Fatal(err)
	}
	if st.State != Playing || st.FrameIndex != 0 {
		t.Fatalf("Play after Stop = %v at %d, want playing at 0", st.State, st.FrameIndex)
	}
	h.ticks(t, 1)
	if got := h.ctrl.Status().LastFrame; got != 0 {
		t.Errorf("first frame after restart = %d, want 0", got)
	}
}

func TestStateTable(t *testing.T) {
	type call string
	const (
		loadOK   call = "load"
		loadFail call = "load_fail"
		play     call = "play"
		pause    call = "pause"
		resume   call = "resume"
		stop     call = "stop"
		unload   call = "unload"
	)
	// paths bring a fresh controller into each starting state
	setup := map[State][]call{
		Idle:    nil,
		Loaded:  {loadOK},
		Playing: {loadOK, play},
		Paused:  {loadOK, play, pause},
		Stopped: {loadOK, play, stop},
	}
	want := map[State]map[call]State{
		Idle:    {loadOK: Loaded, loadFail: Idle, play: Idle, pause: Idle, resume: Idle, stop: Idle, unload: Idle},
		Loaded:  {loadOK: Loaded, loadFail: Idle, play: Playing, pause: Loaded, resume: Loaded, stop: Loaded, unload: Idle},
		Playing: {loadOK: Loaded, loadFail: Idle, play: Playing, pause: Paused, resume: Playing, stop: Stopped, unload: Idle},
		Paused:  {loadOK: Loaded, loadFail: Idle, play: Playing, pause: Paused, resume: Playing, stop: Stopped, unload: Idle},
		Stopped: {loadOK: Loaded, loadFail: Idle, play: Playing, pause: Stopped, resume: Stopped, stop: Stopped, unload: Idle},
	}

	apply := func(h *harness, c call) {
		switch c {
		case loadOK:
			h.src.openErr = nil
			h.ctrl.Load(context.Background(), "ok.mp4")
		case loadFail:
			h.src.openErr = source.ErrUnsupported
			h.ctrl.Load(context.Background(), "bad.bin")
		case play:
			h.ctrl.Play()
		case pause:
			h.ctrl.Pause()
		case resume:
			h.ctrl.Resume()
		case stop:
			h.ctrl.Stop()
		case unload:
			h.ctrl.Unload()
		}
	}

	for from, calls := range want {
		for c, to := range calls {
			t.Run(from.String()+"/"+string(c), func(t *testing.T) {
				h := newHarness(t, anchored(), nil)
				for _, pre := range setup[from] {
					apply(h, pre)
				}
				if got := h.ctrl.State(); got != from {
					t.Fatalf("setup reached %v, want %v", got, from)
				}
				apply(h, c)
				if got := h.ctrl.State(); got != to {
					t.Errorf("%v + %s = %v, want %v", from, c, got, to)
				}
			})
		}
	}
}

func TestLoadFailureReportsError(t *testing.T) {
	h := newHarness(t, anchored(), nil)
	h.src.openErr = &source.OpenError{Path: "x", Err: source.ErrNotFound}

	st, err := h.ctrl.Load(context.Background(), "x")
	if !errors.Is(err, source.ErrNotFound) {
		t.Fatalf("Load err = %v, want ErrNotFound", err)
	}
	if st.State != Idle || st.LastError == "" || st.SessionID != "" {
		t.Errorf("status after failed load = %+v", st)
	}
}

func TestLoadAssignsSessionIDs(t *testing.T) {
	h := newHarness(t, anchored(), nil)
	first, _ := h.ctrl.Load(context.Background(), "a.mp4")
	second, _ := h.ctrl.Load(context.Background(), "b.mp4")
	if first.SessionID == "" || first.SessionID == second.SessionID {
		t.Errorf("session ids %q and %q should be distinct and non-empty", first.SessionID, second.SessionID)
	}
	if second.Path != "b.mp4" {
		t.Errorf("Path = %q", second.Path)
	}
}

func TestLoadWhilePlayingStopsImplicitly(t *testing.T) {
	h := newHarness(t, anchored(), nil)
	h.ctrl.Load(context.Background(), "a.mp4")
	h.ctrl.Play()
	h.ticks(t, 5)

	st, err := h.ctrl.Load(context.Background(), "b.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != Loaded || st.FrameIndex != 0 {
		t.Errorf("reload = %v at %d, want loaded at 0", st.State, st.FrameIndex)
	}
	if h.host.Visible() {
		t.Error("implicit stop should hide the surface")
	}
	if h.clock.Fire(50 * time.Millisecond) {
		t.Error("loaded controller consumed a tick")
	}
}

func TestDegradedAnchorStillShows(t *testing.T) {
	h := newHarness(t, nil, nil)
	events := h.ctrl.Subscribe()

	h.ctrl.Load(context.Background(), "a.mp4")
	st, err := h.ctrl.Play()
	if err != nil {
		t.Fatal(err)
	}
	if st.Anchor == nil || !st.Anchor.IsDegraded() {
		t.Fatalf("Anchor = %+v, want degraded", st.Anchor)
	}
	if !h.host.Visible() {
		t.Error("degraded surface should still be shown")
	}
	h.ticks(t, 1)
	if h.host.Presents() != 1 {
		t.Errorf("Presents = %d, want 1", h.host.Presents())
	}

	if !waitFor(events, EventAnchorDegraded) {
		t.Error("no anchor_degraded event")
	}
}

func TestSurfaceLostRecovers(t *testing.T) {
	h := newHarness(t, anchored(), nil)
	events := h.ctrl.Subscribe()
	h.ctrl.Load(context.Background(), "a.mp4")
	h.ctrl.Play()
	h.ticks(t, 2)

	h.host.Invalidate()
	h.ticks(t, 1)
	h.ticks(t, 1)

	st := h.ctrl.Status()
	if st.State != Playing {
		t.Fatalf("state = %v, want playing", st.State)
	}
	if st.LastFrame != 3 {
		t.Errorf("LastFrame = %d, want 3 (resumed from cursor)", st.LastFrame)
	}
	if !waitFor(events, EventSurfaceRecovered) {
		t.Error("no surface_recovered event")
	}
}

func TestSurfaceLostGivesUp(t *testing.T) {
	mem := surface.NewMemoryHost(anchored(), source.LayoutRGBA)
	host := &flakyHost{MemoryHost: mem}
	h := newHarness(t, anchored(), host)
	events := h.ctrl.Subscribe()
	h.ctrl.Load(context.Background(), "a.mp4")
	h.ctrl.Play()
	h.ticks(t, 1)

	host.failAcquire = DefaultReacquireAttempts
	mem.Invalidate()
	h.ticks(t, 1)

	st := h.ctrl.Status()
	if st.State != Stopped {
		t.Fatalf("state = %v, want stopped", st.State)
	}
	if !strings.Contains(st.LastError, surface.ErrSurfaceLost.Error()) {
		t.Error("LastError should describe the lost surface")
	}
	if !waitFor(events, EventFatal) {
		t.Error("no fatal event")
	}
	if mem.Acquired() {
		t.Error("surface should be released after giving up")
	}

	// a later Play starts over
	if st, err := h.ctrl.Play(); err != nil || st.State != Playing {
		t.Errorf("Play after fatal = %v, %v", st.State, err)
	}
}

func TestShellChangeReanchors(t *testing.T) {
	intro := &switchIntrospector{anchor: shell.Anchor{Outcome: shell.Degraded}}
	h := newHarness(t, intro, nil)
	h.ctrl.Load(context.Background(), "a.mp4")
	st, _ := h.ctrl.Play()
	if !st.Anchor.IsDegraded() {
		t.Fatalf("initial anchor = %v", st.Anchor.Outcome)
	}

	intro.anchor = shell.Anchor{Outcome: shell.Anchored, Parent: 9}
	h.ctrl.MarkShellChanged()
	st = h.ctrl.Status()
	if st.Anchor == nil || st.Anchor.Outcome != shell.Anchored || st.Anchor.Parent != 9 {
		t.Errorf("anchor after shell change = %+v", st.Anchor)
	}
	if intro.probes != 2 {
		t.Errorf("probes = %d, want 2", intro.probes)
	}
}

func TestPlayReanchorsToCurrentShell(t *testing.T) {
	intro := &switchIntrospector{anchor: shell.Anchor{Outcome: shell.Anchored, Parent: 1}}
	h := newHarness(t, intro, nil)
	h.ctrl.Load(context.Background(), "a.mp4")
	h.ctrl.Play()
	h.ctrl.Stop()

	// no shell notification: the next Play must still notice the change
	intro.anchor = shell.Anchor{Outcome: shell.Degraded, Reason: "icon view gone"}
	st, err := h.ctrl.Play()
	if err != nil {
		t.Fatal(err)
	}
	if intro.probes != 2 {
		t.Errorf("probes = %d after Stop/Play, want 2", intro.probes)
	}
	if st.Anchor == nil || !st.Anchor.IsDegraded() {
		t.Errorf("anchor after Play = %+v, want degraded", st.Anchor)
	}

	h.ctrl.Pause()
	h.ctrl.Resume()
	if intro.probes != 2 {
		t.Errorf("probes = %d after Pause/Resume, want 2", intro.probes)
	}

	h.ctrl.Stop()
	h.ctrl.MarkShellChanged()
	if intro.probes != 2 {
		t.Errorf("stopped controller probed immediately")
	}
	h.ctrl.Play()
	if intro.probes != 3 {
		t.Errorf("probes = %d, want 3", intro.probes)
	}
}

func TestPlayRebuildsSurfaceLostWhileStopped(t *testing.T) {
	h := newHarness(t, anchored(), nil)
	h.ctrl.Load(context.Background(), "a.mp4")
	h.ctrl.Play()
	h.ticks(t, 3)
	h.ctrl.Stop()

	// the shell took our window down with it
	h.host.Invalidate()

	st, err := h.ctrl.Play()
	if err != nil {
		t.Fatalf("Play with lost surface = %v", err)
	}
	if st.State != Playing || st.LastError != "" {
		t.Fatalf("status = %v %q, want playing", st.State, st.LastError)
	}
	if !h.host.Visible() {
		t.Error("rebuilt surface should be shown")
	}
	before := h.host.Presents()
	h.ticks(t, 1)
	if h.host.Presents() != before+1 {
		t.Errorf("Presents = %d, want %d", h.host.Presents(), before+1)
	}
	if got := h.ctrl.Status().LastFrame; got != 0 {
		t.Errorf("first frame after rebuild = %d, want 0", got)
	}
}

func TestPlayGivesUpOnLostSurface(t *testing.T) {
	mem := surface.NewMemoryHost(anchored(), source.LayoutRGBA)
	host := &flakyHost{MemoryHost: mem}
	h := newHarness(t, anchored(), host)
	h.ctrl.Load(context.Background(), "a.mp4")
	h.ctrl.Play()
	h.ctrl.Stop()

	host.failAcquire = DefaultReacquireAttempts
	mem.Invalidate()
	acquires := host.acquires

	st, err := h.ctrl.Play()
	if !errors.Is(err, surface.ErrSurfaceLost) {
		t.Fatalf("Play = %v, want ErrSurfaceLost", err)
	}
	if st.State != Stopped {
		t.Errorf("state = %v, want stopped", st.State)
	}
	if h.src.IsOpen() {
		t.Error("source should be closed again after a failed Play from Stopped")
	}
	if got := host.acquires - acquires; got != DefaultReacquireAttempts {
		t.Errorf("acquire attempts = %d, want %d", got, DefaultReacquireAttempts)
	}

	// the host works again: the next Play succeeds
	if st, err := h.ctrl.Play(); err != nil || st.State != Playing {
		t.Errorf("retry Play = %v, %v", st.State, err)
	}
}

func TestUnloadReleasesSurface(t *testing.T) {
	h := newHarness(t, anchored(), nil)
	h.ctrl.Load(context.Background(), "a.mp4")
	h.ctrl.Play()
	h.ctrl.Unload()
	st := h.ctrl.Status()
	if st.State != Idle || st.Anchor != nil || st.Path != "" {
		t.Errorf("status after Unload = %+v", st)
	}
	if h.host.Acquired() {
		t.Error("Unload should release the surface")
	}
}

func TestCloseIsFinal(t *testing.T) {
	h := newHarness(t, anchored(), nil)
	events := h.ctrl.Subscribe()
	h.ctrl.Load(context.Background(), "a.mp4")
	h.ctrl.Play()

	if err := h.ctrl.Close(); err != nil {
		t.Fatal(err)
	}
	if h.host.Acquired() {
		t.Error("Close should release the surface")
	}
	if _, err := h.ctrl.Load(context.Background(), "b.mp4"); !errors.Is(err, ErrClosed) {
		t.Errorf("Load after Close = %v, want ErrClosed", err)
	}
	if err := h.ctrl.Pause(); !errors.Is(err, ErrClosed) {
		t.Errorf("Pause after Close = %v, want ErrClosed", err)
	}
	if err := h.ctrl.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
	if h.ctrl.State() != Idle {
		t.Errorf("State after Close = %v", h.ctrl.State())
	}

	for range events {
	}
	if _, ok := <-h.ctrl.Subscribe(); ok {
		t.Error("Subscribe after Close should return a closed channel")
	}
}

func TestFPSIsCapped(t *testing.T) {
	h := newHarness(t, anchored(), nil)
	h.src.fps = 60
	st, _ := h.ctrl.Load(context.Background(), "fast.mp4")
	if st.FPS != source.MaxFPS {
		t.Errorf("FPS = %d, want %d", st.FPS, source.MaxFPS)
	}
	h.ctrl.Play()
	periods := h.clock.Periods()
	if len(periods) != 1 || periods[0] != time.Second/time.Duration(source.MaxFPS) {
		t.Errorf("periods = %v", periods)
	}
}

func TestStateTextRoundTrip(t *testing.T) {
	for _, s := range []State{Idle, Loaded, Playing, Paused, Stopped} {
		b, _ := s.MarshalText()
		var got State
		if err := got.UnmarshalText(b); err != nil || got != s {
			t.Errorf("round trip %v = %v, %v", s, got, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("rewinding")); err == nil {
		t.Error("expected error for unknown state")
	}
}

// switchIntrospector counts probes; only touched from the control goroutine
// while a test waits on the call that triggered it.
type switchIntrospector struct {
	anchor shell.Anchor
	probes int
}

func (s *switchIntrospector) Probe(...xproto.Window) shell.Anchor {
	s.probes++
	return s.anchor
}

func waitFor(events <-chan Event, want EventType) bool {
	timeout := time.After(time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if ev.Type == want {
				return true
			}
		case <-timeout:
			return false
		}
	}
}

func TestPlayAfterStopReopenFailure(t *testing.T) {
	h := newHarness(t, anchored(), nil)
	h.ctrl.Load(context.Background(), "a.mp4")
	h.ctrl.Play()
	h.ctrl.Stop()

	h.src.reopenErr = source.ErrNotFound
	st, err := h.ctrl.Play()
	if !errors.Is(err, source.ErrNotFound) {
		t.Fatalf("Play err = %v, want ErrNotFound", err)
	}
	if st.State != Idle || st.LastError == "" {
		t.Errorf("status = %+v, want idle with error", st)
	}
	if h.src.opens != 1 {
		t.Errorf("opens = %d, want 1", h.src.opens)
	}
}
