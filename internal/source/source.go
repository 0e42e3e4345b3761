// Package source decodes a media file into a looping sequence of RGBA frames.
package source

import (
	"context"
	"errors"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bryanchriswhite/DeskLoop/internal/logger"
)

const (
	// MaxFPS is the playback rate ceiling
	MaxFPS = 30

	// FallbackFPS is used when the container does not report a usable rate
	FallbackFPS = 24

	// DefaultOpenTimeout bounds Open, including the first decode
	DefaultOpenTimeout = 5 * time.Second
)

// Layout is the byte order of a 4-channel pixel
type Layout int

const (
	LayoutRGBA Layout = iota
	LayoutBGRA
)

func (l Layout) String() string {
	switch l {
	case LayoutRGBA:
		return "RGBA"
	case LayoutBGRA:
		return "BGRA"
	default:
		return "unknown"
	}
}

// Frame is one decoded picture. Callers must not modify Image.
type Frame struct {
	Image  *image.RGBA
	Layout Layout
	Index  int
	PTS    time.Duration
}

// Info describes an opened stream
type Info struct {
	Width  int
	Height int
	// FPS is the natural rate as reported by the container, zero when unknown
	FPS   float64
	Codec string
	// Frames is the frame count reported or estimated from the duration, zero when unknown
	Frames int
}

// Decoder is a single media backend. Decode returns io.EOF at end of stream.
type Decoder interface {
	Open(path string) (Info, error)
	Decode() (*image.RGBA, time.Duration, error)
	Rewind() error
	Close() error
}

// DecoderFactory builds a fresh decoder for a path
type DecoderFactory func(path string) Decoder

// Options configures a FrameSource
type Options struct {
	// Backend names the decoder for non-GIF files: "ffmpeg" or "gstreamer"
	Backend     string
	OpenTimeout time.Duration
	// Factory overrides backend selection
	Factory DecoderFactory
}

// FrameSource owns one decoder and the loop cursor.
// It is not safe for concurrent use; the playback controller serializes access.
type FrameSource struct {
	opts Options

	dec     Decoder
	path    string
	info    Info
	fps     int
	cursor  int
	pending *image.RGBA
	pendPTS time.Duration
	open    bool
}

// New creates a closed FrameSource
func New(opts Options) *FrameSource {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.Factory == nil {
		backend := opts.Backend
		opts.Factory = func(path string) Decoder {
			return NewDecoder(backend, path)
		}
	}
	return &FrameSource{opts: opts}
}

// NewDecoder picks a backend for path. GIF files always use the GIF decoder.
func NewDecoder(backend, path string) Decoder {
	if strings.EqualFold(filepath.Ext(path), ".gif") {
		return NewGIFDecoder()
	}
	switch backend {
	case "gstreamer":
		return NewGStreamerDecoder()
	default:
		return NewFFmpegDecoder()
	}
}

type openResult struct {
	dec   Decoder
	info  Info
	first *image.RGBA
	pts   time.Duration
	err   error
}

// Open opens path and decodes its first frame within the configured timeout.
// Any previously open stream is closed first.
func (s *FrameSource) Open(ctx context.Context, path string) error {
	s.Close()

	log := logger.WithComponent("source")

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &OpenError{Path: path, Err: ErrNotFound}
		}
		return &OpenError{Path: path, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.OpenTimeout)
	defer cancel()

	dec := s.opts.Factory(path)
	done := make(chan openResult, 1)

	go func() {
		info, err := dec.Open(path)
		if err != nil {
			done <- openResult{err: err}
			return
		}
		img, pts, err := dec.Decode()
		if err != nil {
			dec.Close()
			if errors.Is(err, io.EOF) {
				err = ErrNoVideoStream
			}
			done <- openResult{err: err}
			return
		}
		done <- openResult{dec: dec, info: info, first: img, pts: pts}
	}()

	var res openResult
	select {
	case res = <-done:
	case <-ctx.Done():
		// The decoder is still owned by the goroutine; close it once it returns.
		go func() {
			if late := <-done; late.dec != nil {
				late.dec.Close()
			}
		}()
		log.Warn().Str("path", path).Dur("timeout", s.opts.OpenTimeout).Msg("Open timed out")
		return &OpenError{Path: path, Err: ErrOpenTimeout}
	}

	if res.err != nil {
		return &OpenError{Path: path, Err: classify(res.err)}
	}

	if res.info.Width == 0 || res.info.Height == 0 {
		b := res.first.Bounds()
		res.info.Width, res.info.Height = b.Dx(), b.Dy()
	}

	s.dec = res.dec
	s.path = path
	s.info = res.info
	s.fps = EffectiveFPS(res.info.FPS)
	s.cursor = 0
	s.pending = res.first
	s.pendPTS = res.pts
	s.open = true

	log.Info().
		Str("path", path).
		Int("width", s.info.Width).
		Int("height", s.info.Height).
		Float64("natural_fps", s.info.FPS).
		Int("fps", s.fps).
		Str("codec", s.info.Codec).
		Msg("Source opened")

	return nil
}

// Reopen opens the most recently opened path again
func (s *FrameSource) Reopen(ctx context.Context) error {
	if s.path == "" {
		return &OpenError{Path: "", Err: ErrNotFound}
	}
	return s.Open(ctx, s.path)
}

// classify maps backend errors onto the public sentinels
func classify(err error) error {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnsupported),
		errors.Is(err, ErrNoVideoStream),
		errors.Is(err, ErrOpenTimeout):
		return err
	}
	return errors.Join(ErrUnsupported, err)
}

// EffectiveFPS clamps a natural frame rate to [1, MaxFPS], falling back to
// FallbackFPS when the rate is unknown.
func EffectiveFPS(natural float64) int {
	if natural <= 0 || math.IsNaN(natural) || math.IsInf(natural, 0) {
		return FallbackFPS
	}
	fps := int(math.Round(natural))
	if fps < 1 {
		fps = 1
	}
	if fps > MaxFPS {
		fps = MaxFPS
	}
	return fps
}

// NextFrame returns the next frame. At end of stream the decoder is rewound
// and frame 0 is returned. A false result is a decode miss.
func (s *FrameSource) NextFrame() (*Frame, bool) {
	if !s.open {
		return nil, false
	}

	if s.pending != nil {
		img, pts := s.pending, s.pendPTS
		s.pending = nil
		return s.emit(img, pts), true
	}

	img, pts, err := s.dec.Decode()
	if errors.Is(err, io.EOF) {
		if err := s.dec.Rewind(); err != nil {
			logger.WithComponent("source").Debug().Err(err).Msg("Rewind failed")
			return nil, false
		}
		s.cursor = 0
		img, pts, err = s.dec.Decode()
	}
	if err != nil || img == nil {
		return nil, false
	}
	return s.emit(img, pts), true
}

func (s *FrameSource) emit(img *image.RGBA, pts time.Duration) *Frame {
	f := &Frame{
		Image:  img,
		Layout: LayoutRGBA,
		Index:  s.cursor,
		PTS:    pts,
	}
	s.cursor++
	return f
}

// Close releases the decoder and resets the cursor. Safe to call repeatedly.
func (s *FrameSource) Close() error {
	s.cursor = 0
	s.pending = nil
	if !s.open {
		return nil
	}
	s.open = false
	dec := s.dec
	s.dec = nil
	return dec.Close()
}

// IsOpen reports whether frames can be read
func (s *FrameSource) IsOpen() bool { return s.open }

// Path returns the last opened path
func (s *FrameSource) Path() string { return s.path }

// Info returns the natural stream properties
func (s *FrameSource) Info() Info { return s.info }

// FPS returns the clamped playback rate
func (s *FrameSource) FPS() int { return s.fps }

// Cursor returns the index of the frame the next read will produce
func (s *FrameSource) Cursor() int { return s.cursor }
