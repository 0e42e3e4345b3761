package source

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the source path does not exist
	ErrNotFound = errors.New("source file not found")

	// ErrUnsupported is returned when no decoder understands the file
	ErrUnsupported = errors.New("unsupported or corrupt media")

	// ErrNoVideoStream is returned when the container holds no video track
	ErrNoVideoStream = errors.New("no video stream")

	// ErrOpenTimeout is returned when open plus first-frame decode exceeds the bound
	ErrOpenTimeout = errors.New("open timed out")

	// ErrClosed is returned by decoders used after Close
	ErrClosed = errors.New("decoder closed")
)

// OpenError describes a failed Open
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}
