package render

import (
	"sync"
	"time"
)

// Ticker is a cancellable periodic task
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory starts a Ticker with the given period
type TickerFactory func(period time.Duration) Ticker

// NewTicker is the TickerFactory backed by time.Ticker
func NewTicker(period time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(period)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Period returns the tick interval for fps
func Period(fps int) time.Duration {
	if fps <= 0 {
		fps = 1
	}
	return time.Second / time.Duration(fps)
}

// ManualClock hands out tickers that only fire when Fire is called. All
// tickers share one unbuffered channel, so a successful Fire means the
// consumer has taken the tick.
type ManualClock struct {
	ch chan time.Time

	mu      sync.Mutex
	periods []time.Duration
	live    int
}

// NewManualClock creates a ManualClock
func NewManualClock() *ManualClock {
	return &ManualClock{ch: make(chan time.Time)}
}

// Factory is a TickerFactory bound to the clock
func (c *ManualClock) Factory(period time.Duration) Ticker {
	c.mu.Lock()
	c.periods = append(c.periods, period)
	c.live++
	c.mu.Unlock()
	return &manualTicker{clock: c}
}

// Fire delivers one tick, giving up after wait if nobody is listening
func (c *ManualClock) Fire(wait time.Duration) bool {
	select {
	case c.ch <- time.Now():
		return true
	case <-time.After(wait):
		return false
	}
}

// Periods returns the period of every ticker created so far
func (c *ManualClock) Periods() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.periods...)
}

// Live returns how many tickers have not been stopped
func (c *ManualClock) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

type manualTicker struct {
	clock   *ManualClock
	stopped bool
}

func (m *manualTicker) C() <-chan time.Time { return m.clock.ch }

func (m *manualTicker) Stop() {
	if m.stopped {
		return
	}
	m.stopped = true
	m.clock.mu.Lock()
	m.clock.live--
	m.clock.mu.Unlock()
}
