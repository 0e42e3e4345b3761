package output

import (
	"image"
)

// Output is a consumer of presented frames.
// The render loop only needs WriteFrame; the rest is lifecycle.
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame hands over a frame in RGBA order. It must not block and
	// must not retain frame after returning.
	WriteFrame(frame *image.RGBA) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	// MaxWidth bounds the encoded width; larger frames are shrunk to fit
	MaxWidth int
	// Quality is the JPEG quality, 1-100
	Quality int
}
