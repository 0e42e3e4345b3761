package shellwatch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) MarkShellChanged() { c.n.Add(1) }

func ownerSignal(name, oldOwner, newOwner string) *dbus.Signal {
	return &dbus.Signal{
		Sender: busName,
		Name:   ownerChanged,
		Body:   []interface{}{name, oldOwner, newOwner},
	}
}

func TestRestarted(t *testing.T) {
	w := New(nil, &countingNotifier{}, Options{BusNames: []string{"org.xfce.xfdesktop"}})

	tests := []struct {
		name string
		sig  *dbus.Signal
		want bool
	}{
		{"appeared", ownerSignal("org.xfce.xfdesktop", "", ":1.42"), true},
		{"handed over", ownerSignal("org.xfce.xfdesktop", ":1.41", ":1.42"), true},
		{"vanished", ownerSignal("org.xfce.xfdesktop", ":1.41", ""), false},
		{"unwatched name", ownerSignal("org.example.Other", "", ":1.9"), false},
		{"other signal", &dbus.Signal{Name: "org.freedesktop.DBus.NameLost", Body: []interface{}{"org.xfce.xfdesktop"}}, false},
		{"malformed body", &dbus.Signal{Name: ownerChanged, Body: []interface{}{"org.xfce.xfdesktop", 1, 2}}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, got := w.restarted(tt.sig); got != tt.want {
				t.Errorf("restarted = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunCoalescesBursts(t *testing.T) {
	notify := &countingNotifier{}
	w := New(nil, notify, Options{Settle: 30 * time.Millisecond})

	signals := make(chan *dbus.Signal)
	stop := make(chan struct{})
	done := make(chan struct{})
	go w.run(signals, stop, done)

	// plasmashell restarting: vanish, appear, plus noise
	signals <- ownerSignal("org.kde.plasmashell", ":1.5", "")
	signals <- ownerSignal("org.kde.plasmashell", "", ":1.6")
	signals <- ownerSignal("org.example.Noise", "", ":1.7")
	signals <- ownerSignal("org.kde.plasmashell", ":1.6", ":1.8")

	deadline := time.Now().Add(time.Second)
	for notify.n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(60 * time.Millisecond)
	if got := notify.n.Load(); got != 1 {
		t.Errorf("MarkShellChanged calls = %d, want 1", got)
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not exit")
	}
}

func TestCloseWithoutStart(t *testing.T) {
	w := New(nil, &countingNotifier{}, Options{})
	if err := w.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
	if len(w.names) != len(DefaultBusNames) {
		t.Errorf("names = %d, want defaults", len(w.names))
	}
}
