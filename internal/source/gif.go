package source

import (
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"io"
	"os"
	"time"
)

// GIFDecoder plays animated GIFs. All frames are composited on Open, so
// Decode and Rewind never touch the disk.
type GIFDecoder struct {
	frames []*image.RGBA
	pts    []time.Duration
	next   int
	closed bool
}

// NewGIFDecoder creates an unopened GIF decoder
func NewGIFDecoder() *GIFDecoder {
	return &GIFDecoder{}
}

// Open decodes every frame of the file
func (d *GIFDecoder) Open(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open gif: %w", err)
	}
	defer f.Close()

	g, err := gif.DecodeAll(f)
	if err != nil {
		return Info{}, fmt.Errorf("decode gif: %w: %v", ErrUnsupported, err)
	}
	if len(g.Image) == 0 {
		return Info{}, fmt.Errorf("gif has no frames: %w", ErrNoVideoStream)
	}

	d.frames = compositeFrames(g)
	d.pts = make([]time.Duration, len(d.frames))
	var t time.Duration
	for i := range d.frames {
		d.pts[i] = t
		t += frameDelay(g, i)
	}
	d.next = 0
	d.closed = false

	b := d.frames[0].Bounds()
	return Info{
		Width:  b.Dx(),
		Height: b.Dy(),
		FPS:    float64(time.Second) / float64(frameDelay(g, 0)),
		Codec:  "gif",
		Frames: len(d.frames),
	}, nil
}

// frameDelay returns the display time of frame i. Browsers treat delays
// under 20ms as 100ms and so do we.
func frameDelay(g *gif.GIF, i int) time.Duration {
	var d time.Duration
	if i < len(g.Delay) {
		d = time.Duration(g.Delay[i]) * 10 * time.Millisecond
	}
	if d < 20*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

// Decode returns the next composited frame or io.EOF after the last one
func (d *GIFDecoder) Decode() (*image.RGBA, time.Duration, error) {
	if d.closed {
		return nil, 0, ErrClosed
	}
	if d.next >= len(d.frames) {
		return nil, 0, io.EOF
	}
	i := d.next
	d.next++
	return d.frames[i], d.pts[i], nil
}

// Rewind moves back to the first frame
func (d *GIFDecoder) Rewind() error {
	if d.closed {
		return ErrClosed
	}
	d.next = 0
	return nil
}

// Close drops the decoded frames
func (d *GIFDecoder) Close() error {
	d.closed = true
	d.frames = nil
	d.pts = nil
	return nil
}

// compositeFrames renders each frame onto a full-size canvas honoring the
// frame's disposal method.
func compositeFrames(g *gif.GIF) []*image.RGBA {
	w, h := g.Config.Width, g.Config.Height
	if w == 0 || h == 0 {
		b := g.Image[0].Bounds()
		w, h = b.Max.X, b.Max.Y
	}

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	out := make([]*image.RGBA, len(g.Image))

	for i, frame := range g.Image {
		var disposal byte
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}

		var saved *image.RGBA
		if disposal == gif.DisposalPrevious {
			saved = cloneRGBA(canvas)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		out[i] = cloneRGBA(canvas)

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = saved
		}
	}
	return out
}

func cloneRGBA(img *image.RGBA) *image.RGBA {
	cp := image.NewRGBA(img.Bounds())
	copy(cp.Pix, img.Pix)
	return cp
}
