// Package scale resamples frames to the surface size and converts channel order.
package scale

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Mode decides how a frame with a different aspect ratio fills the target
type Mode string

const (
	// Stretch resizes to the full target, ignoring aspect ratio
	Stretch Mode = "stretch"
	// Fill scales to cover the target and crops the overflow around the centre
	Fill Mode = "fill"
	// Fit scales to fit inside the target and letterboxes with black
	Fit Mode = "fit"
)

// ParseMode maps a config value to a Mode. Empty selects Stretch.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", Stretch:
		return Stretch, nil
	case Fill:
		return Fill, nil
	case Fit:
		return Fit, nil
	}
	return "", fmt.Errorf("unknown fit mode %q", s)
}

// Scaler resamples with a fast bilinear filter into a reused buffer
type Scaler struct {
	Mode Mode

	buf *image.RGBA
}

// New creates a Scaler for mode. An empty mode selects Stretch.
func New(mode Mode) *Scaler {
	if mode == "" {
		mode = Stretch
	}
	return &Scaler{Mode: mode}
}

// Scale returns src resampled to exactly size. The returned image is owned
// by the Scaler and is overwritten by the next call. When src already has
// the target size it is returned unchanged.
func (s *Scaler) Scale(src *image.RGBA, size image.Point) *image.RGBA {
	if size.X <= 0 || size.Y <= 0 {
		return image.NewRGBA(image.Rectangle{})
	}
	sb := src.Bounds()
	if sb.Dx() == size.X && sb.Dy() == size.Y && sb.Min == (image.Point{}) {
		return src
	}

	if s.buf == nil || s.buf.Rect.Dx() != size.X || s.buf.Rect.Dy() != size.Y {
		s.buf = image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	}
	dst := s.buf

	switch s.Mode {
	case Fill:
		draw.ApproxBiLinear.Scale(dst, dst.Rect, src, coverRect(sb, size), draw.Src, nil)
	case Fit:
		clear(dst.Pix)
		for i := 3; i < len(dst.Pix); i += 4 {
			dst.Pix[i] = 0xff
		}
		draw.ApproxBiLinear.Scale(dst, containRect(sb, size), src, sb, draw.Src, nil)
	default:
		draw.ApproxBiLinear.Scale(dst, dst.Rect, src, sb, draw.Src, nil)
	}
	return dst
}

// coverRect returns the centred source region whose aspect matches size
func coverRect(src image.Rectangle, size image.Point) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	// Compare sw/sh against size.X/size.Y without floating point
	if sw*size.Y > sh*size.X {
		w := sh * size.X / size.Y
		if w < 1 {
			w = 1
		}
		x := src.Min.X + (sw-w)/2
		return image.Rect(x, src.Min.Y, x+w, src.Max.Y)
	}
	h := sw * size.Y / size.X
	if h < 1 {
		h = 1
	}
	y := src.Min.Y + (sh-h)/2
	return image.Rect(src.Min.X, y, src.Max.X, y+h)
}

// containRect returns the centred destination region that fits src inside size
func containRect(src image.Rectangle, size image.Point) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	if sw*size.Y > sh*size.X {
		h := sh * size.X / sw
		if h < 1 {
			h = 1
		}
		y := (size.Y - h) / 2
		return image.Rect(0, y, size.X, y+h)
	}
	w := sw * size.Y / sh
	if w < 1 {
		w = 1
	}
	x := (size.X - w) / 2
	return image.Rect(x, 0, x+w, size.Y)
}

// SwapRB exchanges the first and third byte of every pixel, converting
// RGBA to BGRA and back. When dst is nil a new image is allocated.
func SwapRB(dst, src *image.RGBA) *image.RGBA {
	if dst == nil || dst.Rect.Size() != src.Rect.Size() {
		dst = image.NewRGBA(image.Rectangle{Max: src.Rect.Size()})
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	for y := 0; y < h; y++ {
		so := y * src.Stride
		do := y * dst.Stride
		for x := 0; x < w*4; x += 4 {
			r, g, b, a := src.Pix[so+x], src.Pix[so+x+1], src.Pix[so+x+2], src.Pix[so+x+3]
			dst.Pix[do+x] = b
			dst.Pix[do+x+1] = g
			dst.Pix[do+x+2] = r
			dst.Pix[do+x+3] = a
		}
	}
	return dst
}
