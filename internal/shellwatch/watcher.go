// Package shellwatch notices desktop shell restarts on the D-Bus session bus.
package shellwatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/bryanchriswhite/DeskLoop/internal/logger"
)

const (
	busName      = "org.freedesktop.DBus"
	busInterface = "org.freedesktop.DBus"
	ownerChanged = busInterface + ".NameOwnerChanged"

	// DefaultSettle is how long to wait after a shell appears before
	// re-probing, so it has time to map its windows
	DefaultSettle = 1500 * time.Millisecond
)

// DefaultBusNames are well-known names claimed by desktop icon managers
var DefaultBusNames = []string{
	"org.xfce.xfdesktop",
	"org.gnome.Nautilus",
	"org.gnome.DesktopIcons",
	"org.kde.plasmashell",
	"org.mate.Caja",
	"org.Nemo.Desktop",
	"org.pcmanfm.PCManFM",
}

// Notifier is told when the shell changed
type Notifier interface {
	MarkShellChanged()
}

// Options configures a Watcher
type Options struct {
	BusNames []string
	Settle   time.Duration
}

// Watcher calls Notifier.MarkShellChanged whenever a watched bus name gains
// a new owner. Bursts within the settle window collapse to one call.
type Watcher struct {
	conn   *dbus.Conn
	notify Notifier
	names  map[string]bool
	settle time.Duration

	mu      sync.Mutex
	running bool
	signals chan *dbus.Signal
	stop    chan struct{}
	done    chan struct{}
}

// New creates a Watcher. conn may be nil, in which case Start connects to
// the session bus.
func New(conn *dbus.Conn, notify Notifier, opts Options) *Watcher {
	if len(opts.BusNames) == 0 {
		opts.BusNames = DefaultBusNames
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	names := make(map[string]bool, len(opts.BusNames))
	for _, n := range opts.BusNames {
		names[n] = true
	}
	return &Watcher{conn: conn, notify: notify, names: names, settle: opts.Settle}
}

// Start subscribes to NameOwnerChanged and begins watching
func (w *Watcher) Start() error {
	log := logger.WithComponent("shellwatch")

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("already watching")
	}

	if w.conn == nil {
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return fmt.Errorf("connect to session bus: %w", err)
		}
		w.conn = conn
	}

	if err := w.conn.AddMatchSignal(
		dbus.WithMatchSender(busName),
		dbus.WithMatchInterface(busInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return fmt.Errorf("subscribe to NameOwnerChanged: %w", err)
	}

	w.signals = make(chan *dbus.Signal, 16)
	w.conn.Signal(w.signals)
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.running = true
	go w.run(w.signals, w.stop, w.done)

	log.Info().Int("names", len(w.names)).Msg("Watching for desktop shell restarts")
	return nil
}

// Close stops watching. The connection is left open.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	<-done
	w.conn.RemoveSignal(w.signals)
	return nil
}

func (w *Watcher) run(signals <-chan *dbus.Signal, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	log := logger.WithComponent("shellwatch")

	var settle *time.Timer
	var fire <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		select {
		case <-stop:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			name, appeared := w.restarted(sig)
			if !appeared {
				continue
			}
			log.Info().Str("name", name).Msg("Desktop shell appeared on the bus")
			if settle == nil {
				settle = time.NewTimer(w.settle)
			} else {
				settle.Reset(w.settle)
			}
			fire = settle.C
		case <-fire:
			fire = nil
			log.Debug().Msg("Shell settled, requesting re-anchor")
			w.notify.MarkShellChanged()
		}
	}
}

// restarted reports whether sig announces a new owner for a watched name
func (w *Watcher) restarted(sig *dbus.Signal) (string, bool) {
	if sig == nil || sig.Name != ownerChanged || len(sig.Body) != 3 {
		return "", false
	}
	name, ok1 := sig.Body[0].(string)
	oldOwner, ok2 := sig.Body[1].(string)
	newOwner, ok3 := sig.Body[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return "", false
	}
	if !w.names[name] || newOwner == "" || newOwner == oldOwner {
		return "", false
	}
	return name, true
}
