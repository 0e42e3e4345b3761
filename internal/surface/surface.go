// Package surface owns the window the video is painted into.
package surface

import (
	"errors"
	"image"

	"github.com/bryanchriswhite/DeskLoop/internal/shell"
	"github.com/bryanchriswhite/DeskLoop/internal/source"
)

var (
	// ErrSurfaceLost means the window or its backing store was destroyed externally
	ErrSurfaceLost = errors.New("surface lost")

	// ErrNotAcquired is returned by operations that need an acquired surface
	ErrNotAcquired = errors.New("surface not acquired")

	// ErrSizeMismatch is returned by Present when the image does not match Bounds
	ErrSizeMismatch = errors.New("image size does not match surface")
)

// Host is a drawable background surface
type Host interface {
	// Acquire creates the surface sized to bounds, or re-applies the geometry
	// when it already exists.
	Acquire(bounds image.Rectangle) error
	// Anchor probes the shell and moves the surface to the best available spot.
	Anchor() (shell.Anchor, error)
	Show() error
	Hide() error
	// Present paints img, which must be in Layout order and Bounds size.
	Present(img *image.RGBA) error
	// Release destroys the surface. Safe to call repeatedly.
	Release() error

	Bounds() image.Rectangle
	Layout() source.Layout
	Visible() bool
	Acquired() bool
}
