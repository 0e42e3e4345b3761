// Package wallpaper sets a still frame of a video as the static desktop
// wallpaper and puts the previous wallpaper back afterwards.
package wallpaper

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/DeskLoop/internal/logger"
	"github.com/bryanchriswhite/DeskLoop/internal/scale"
	"github.com/bryanchriswhite/DeskLoop/internal/source"
)

// ErrNoFrame is returned when the source produced nothing to show
var ErrNoFrame = errors.New("no frame could be decoded")

// maxMisses bounds consecutive failed reads while seeking the still frame
const maxMisses = 8

// Backend is a root background that can be read, painted and restored.
// surface.RootBackground is the X11 implementation.
type Backend interface {
	Size() image.Point
	Layout() source.Layout
	Current() (xproto.Pixmap, error)
	Paint(img *image.RGBA) (xproto.Pixmap, error)
	Apply(p xproto.Pixmap) error
	Free(p xproto.Pixmap) error
}

// Source is the part of source.FrameSource needed to pick a still
type Source interface {
	Open(ctx context.Context, path string) error
	NextFrame() (*source.Frame, bool)
	Info() source.Info
	Close() error
}

// StillIndex picks the frame used as the still: a quarter of the way in,
// which skips fade-ins and title cards. Unknown lengths use the first frame.
func StillIndex(frames int) int {
	if frames <= 0 {
		return 0
	}
	return frames / 4
}

// ExtractStill opens path on src and returns a copy of the still frame in
// RGBA order together with its index. When the reported length was an
// over-estimate the last frame before the loop restarts is used.
func ExtractStill(ctx context.Context, src Source, path string) (*image.RGBA, int, error) {
	if err := src.Open(ctx, path); err != nil {
		return nil, 0, err
	}
	defer src.Close()

	target := StillIndex(src.Info().Frames)
	var still *image.RGBA
	index, misses := -1, 0
	for index < target {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		f, ok := src.NextFrame()
		if !ok {
			misses++
			if misses >= maxMisses {
				break
			}
			continue
		}
		misses = 0
		if f.Index <= index {
			// looped back to the start
			break
		}
		still = copyFrame(still, f)
		index = f.Index
	}
	if still == nil {
		return nil, 0, fmt.Errorf("%s: %w", path, ErrNoFrame)
	}
	return still, index, nil
}

func copyFrame(dst *image.RGBA, f *source.Frame) *image.RGBA {
	if f.Layout == source.LayoutBGRA {
		return scale.SwapRB(dst, f.Image)
	}
	size := f.Image.Rect.Size()
	if dst == nil || dst.Rect.Size() != size {
		dst = image.NewRGBA(image.Rectangle{Max: size})
	}
	w := size.X * 4
	for y := 0; y < size.Y; y++ {
		s := f.Image.PixOffset(f.Image.Rect.Min.X, f.Image.Rect.Min.Y+y)
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+w], f.Image.Pix[s:s+w])
	}
	return dst
}

// Manager remembers the background that was there first so Restore can
// put it back
type Manager struct {
	backend Backend
	scaler  *scale.Scaler

	mu       sync.Mutex
	saved    xproto.Pixmap
	hasSaved bool
	ours     xproto.Pixmap
	buf      *image.RGBA
}

// New creates a Manager that scales stills with mode
func New(backend Backend, mode scale.Mode) *Manager {
	return &Manager{backend: backend, scaler: scale.New(mode)}
}

// Set paints img, in RGBA order, as the wallpaper
func (m *Manager) Set(img *image.RGBA) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasSaved {
		cur, err := m.backend.Current()
		if err != nil {
			return fmt.Errorf("remember current wallpaper: %w", err)
		}
		m.saved, m.hasSaved = cur, true
	}

	frame := m.scaler.Scale(img, m.backend.Size())
	if m.backend.Layout() == source.LayoutBGRA {
		m.buf = scale.SwapRB(m.buf, frame)
		frame = m.buf
	}

	p, err := m.backend.Paint(frame)
	if err != nil {
		return fmt.Errorf("paint wallpaper: %w", err)
	}
	if err := m.backend.Apply(p); err != nil {
		_ = m.backend.Free(p)
		return fmt.Errorf("apply wallpaper: %w", err)
	}
	if m.ours != 0 {
		_ = m.backend.Free(m.ours)
	}
	m.ours = p
	return nil
}

// SetFromFile extracts the still frame of path and sets it. It returns the
// index of the frame used.
func (m *Manager) SetFromFile(ctx context.Context, src Source, path string) (int, error) {
	img, index, err := ExtractStill(ctx, src, path)
	if err != nil {
		return 0, err
	}
	if err := m.Set(img); err != nil {
		return 0, err
	}
	logger.WithComponent("wallpaper").Info().
		Str("path", path).
		Int("frame", index).
		Msg("Still wallpaper set")
	return index, nil
}

// Restore puts back the wallpaper seen by the first Set. It is a no-op
// when nothing was set.
func (m *Manager) Restore() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasSaved {
		return nil
	}
	if err := m.backend.Apply(m.saved); err != nil {
		return fmt.Errorf("restore wallpaper: %w", err)
	}
	if m.ours != 0 {
		if err := m.backend.Free(m.ours); err != nil {
			logger.WithComponent("wallpaper").Warn().Err(err).Msg("Failed to free still pixmap")
		}
		m.ours = 0
	}
	m.hasSaved = false
	logger.WithComponent("wallpaper").Info().Uint32("pixmap", uint32(m.saved)).Msg("Previous wallpaper restored")
	return nil
}
