package surface

import (
	"image"
	"sync"

	"github.com/bryanchriswhite/DeskLoop/internal/shell"
	"github.com/bryanchriswhite/DeskLoop/internal/source"
)

// MemoryHost is a headless Host that keeps the last presented frame in
// memory. It backs --headless runs, where frames only reach the preview stream.
type MemoryHost struct {
	intro  shell.Introspector
	layout source.Layout

	mu       sync.Mutex
	bounds   image.Rectangle
	acquired bool
	visible  bool
	lost     bool
	last     *image.RGBA
	presents int
}

// NewMemoryHost creates a headless host. A nil introspector always degrades.
func NewMemoryHost(intro shell.Introspector, layout source.Layout) *MemoryHost {
	return &MemoryHost{intro: intro, layout: layout}
}

// Acquire implements Host
func (h *MemoryHost) Acquire(bounds image.Rectangle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bounds = bounds
	h.acquired = true
	h.lost = false
	return nil
}

// Anchor implements Host
func (h *MemoryHost) Anchor() (shell.Anchor, error) {
	h.mu.Lock()
	acquired, lost := h.acquired, h.lost
	h.mu.Unlock()
	if lost {
		return shell.Anchor{}, ErrSurfaceLost
	}
	if !acquired {
		return shell.Anchor{}, ErrNotAcquired
	}
	if h.intro == nil {
		return shell.Anchor{Outcome: shell.Degraded, Reason: "headless surface"}, nil
	}
	return h.intro.Probe(), nil
}

// Show implements Host
func (h *MemoryHost) Show() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lost {
		return ErrSurfaceLost
	}
	if !h.acquired {
		return ErrNotAcquired
	}
	h.visible = true
	return nil
}

// Hide implements Host
func (h *MemoryHost) Hide() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.acquired {
		return ErrNotAcquired
	}
	h.visible = false
	return nil
}

// Present implements Host
func (h *MemoryHost) Present(img *image.RGBA) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lost {
		return ErrSurfaceLost
	}
	if !h.acquired {
		return ErrNotAcquired
	}
	if img.Bounds().Size() != h.bounds.Size() {
		return ErrSizeMismatch
	}
	if h.last == nil || h.last.Rect.Size() != img.Rect.Size() {
		h.last = image.NewRGBA(image.Rectangle{Max: img.Rect.Size()})
	}
	copy(h.last.Pix, img.Pix)
	h.presents++
	return nil
}

// Release implements Host
func (h *MemoryHost) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acquired = false
	h.visible = false
	h.lost = false
	h.last = nil
	return nil
}

// Invalidate simulates a destroyed window: Present, Show and Anchor fail
// with ErrSurfaceLost until the surface is released or acquired again.
func (h *MemoryHost) Invalidate() {
	h.mu.Lock()
	h.lost = true
	h.mu.Unlock()
}

// Last returns a copy of the last presented frame, or nil
func (h *MemoryHost) Last() *image.RGBA {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return nil
	}
	cp := image.NewRGBA(h.last.Rect)
	copy(cp.Pix, h.last.Pix)
	return cp
}

// Presents returns how many frames were presented
func (h *MemoryHost) Presents() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presents
}

// Bounds implements Host
func (h *MemoryHost) Bounds() image.Rectangle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bounds
}

// Layout implements Host
func (h *MemoryHost) Layout() source.Layout { return h.layout }

// Visible implements Host
func (h *MemoryHost) Visible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.visible
}

// Acquired implements Host
func (h *MemoryHost) Acquired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acquired
}
