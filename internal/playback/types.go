package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/DeskLoop/internal/shell"
	"github.com/bryanchriswhite/DeskLoop/internal/source"
)

// ErrClosed is returned by every call made after Close
var ErrClosed = errors.New("playback controller closed")

// State is the public playback state
type State int

const (
	Idle State = iota
	Loaded
	Playing
	Paused
	Stopped
)

var stateNames = map[State]string{
	Idle:    "idle",
	Loaded:  "loaded",
	Playing: "playing",
	Paused:  "paused",
	Stopped: "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(b []byte) error {
	for st, name := range stateNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown playback state %q", b)
}

// Status is a snapshot of the controller
type Status struct {
	State     State         `json:"state"`
	Path      string        `json:"path,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Anchor    *shell.Anchor `json:"anchor,omitempty"`
	FPS       int           `json:"fps,omitempty"`
	Width     int           `json:"width,omitempty"`
	Height    int           `json:"height,omitempty"`
	// FrameIndex is the decode cursor: the index of the next frame to be read
	FrameIndex int    `json:"frame_index"`
	LastFrame  int    `json:"last_frame"`
	Presented  uint64 `json:"presented"`
	Misses     int    `json:"misses"`
	LastError  string `json:"last_error,omitempty"`
}

// EventType names a controller event
type EventType string

const (
	EventStateChanged     EventType = "state_changed"
	EventAnchorDegraded   EventType = "anchor_degraded"
	EventDecodeMissed     EventType = "decode_miss_sustained"
	EventSurfaceLost      EventType = "surface_lost"
	EventSurfaceRecovered EventType = "surface_recovered"
	EventFatal            EventType = "fatal"
	EventLoadFailed       EventType = "load_failed"
	EventShellChanged     EventType = "shell_changed"
)

// Event is published to subscribers
type Event struct {
	Type    EventType `json:"type"`
	Status  Status    `json:"status"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// FrameSource is what the controller needs from a decoder front end
type FrameSource interface {
	Open(ctx context.Context, path string) error
	Reopen(ctx context.Context) error
	NextFrame() (*source.Frame, bool)
	Close() error
	IsOpen() bool
	Path() string
	Info() source.Info
	FPS() int
	Cursor() int
}

// Player is the control contract the UI transports depend on
type Player interface {
	Load(ctx context.Context, path string) (Status, error)
	Play() (Status, error)
	Pause() error
	Resume() error
	Stop() error
	Unload() error
	State() State
	Status() Status
	Subscribe() <-chan Event
	Unsubscribe(ch <-chan Event)
	MarkShellChanged()
}
