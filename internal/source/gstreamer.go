package source

import (
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/DeskLoop/internal/logger"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// pullTimeout bounds a single appsink pull. A stalled pipeline becomes a decode miss.
const pullTimeout = 2 * time.Second

var gstInit sync.Once

// GStreamerDecoder decodes through a decodebin pipeline and pulls RGBA
// samples from an appsink synchronously.
type GStreamerDecoder struct {
	pipeline *gst.Pipeline
	appsink  *app.Sink
	pending  *image.RGBA
	fps      float64
	count    int

	mu     sync.Mutex
	closed bool
}

// NewGStreamerDecoder creates an unopened GStreamer decoder
func NewGStreamerDecoder() *GStreamerDecoder {
	return &GStreamerDecoder{}
}

// pipelineString builds the decode pipeline for a file
func pipelineString(path string) string {
	quoted := strings.ReplaceAll(path, `"`, `\"`)
	return fmt.Sprintf(
		`filesrc location="%s" ! `+
			"decodebin ! "+
			"videoconvert ! "+
			"video/x-raw,format=RGBA ! "+
			"appsink name=sink sync=false emit-signals=false max-buffers=4",
		quoted,
	)
}

// Open builds and starts the pipeline, then waits for the first sample to
// learn the negotiated size and rate.
func (d *GStreamerDecoder) Open(path string) (Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	log := logger.WithComponent("gstreamer")

	gstInit.Do(func() { gst.Init(nil) })

	pipelineStr := pipelineString(path)
	log.Debug().Str("pipeline", pipelineStr).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return Info{}, fmt.Errorf("failed to create pipeline: %w", err)
	}
	d.pipeline = pipeline
	d.closed = false
	d.count = 0

	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		d.teardown()
		return Info{}, fmt.Errorf("failed to get appsink: %w", err)
	}
	d.appsink = app.SinkFromElement(sinkElement)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		d.teardown()
		return Info{}, fmt.Errorf("failed to start pipeline: %w: %v", ErrUnsupported, err)
	}

	sample := d.appsink.TryPullSample(pullTimeout)
	if sample == nil {
		eos := d.appsink.IsEOS()
		d.teardown()
		if eos {
			return Info{}, ErrNoVideoStream
		}
		return Info{}, fmt.Errorf("no sample from pipeline: %w", ErrUnsupported)
	}

	img, fps, err := sampleToRGBA(sample)
	if err != nil {
		d.teardown()
		return Info{}, err
	}
	d.pending = img
	d.fps = fps

	b := img.Bounds()
	log.Info().
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Float64("fps", fps).
		Msg("GStreamer pipeline started")

	info := Info{Width: b.Dx(), Height: b.Dy(), FPS: fps, Codec: "decodebin"}
	if ok, ns := pipeline.QueryDuration(gst.FormatTime); ok && ns > 0 && fps > 0 {
		info.Frames = int(float64(ns) / float64(time.Second) * fps)
	}
	return info, nil
}

// Decode pulls the next sample. io.EOF is returned once the appsink reports end of stream.
func (d *GStreamerDecoder) Decode() (*image.RGBA, time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.appsink == nil {
		return nil, 0, ErrClosed
	}

	if d.pending != nil {
		img := d.pending
		d.pending = nil
		return img, d.nextPTS(), nil
	}

	sample := d.appsink.TryPullSample(pullTimeout)
	if sample == nil {
		if d.appsink.IsEOS() {
			return nil, 0, io.EOF
		}
		return nil, 0, errors.New("appsink pull timed out")
	}

	img, _, err := sampleToRGBA(sample)
	if err != nil {
		return nil, 0, err
	}
	return img, d.nextPTS(), nil
}

// nextPTS derives a timestamp from the frame count and the negotiated rate
func (d *GStreamerDecoder) nextPTS() time.Duration {
	fps := d.fps
	if fps <= 0 {
		fps = FallbackFPS
	}
	pts := time.Duration(float64(d.count) * float64(time.Second) / fps)
	d.count++
	return pts
}

// Rewind issues a flushing seek to the start, which also clears EOS on the appsink
func (d *GStreamerDecoder) Rewind() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.pipeline == nil {
		return ErrClosed
	}
	d.pending = nil
	d.count = 0
	if !d.pipeline.SeekSimple(0, gst.FormatTime, gst.SeekFlagFlush|gst.SeekFlagKeyUnit) {
		return errors.New("seek to start failed")
	}
	return nil
}

// Close stops the pipeline. Safe to call repeatedly.
func (d *GStreamerDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.teardown()
	return nil
}

func (d *GStreamerDecoder) teardown() {
	d.pending = nil
	d.appsink = nil
	if d.pipeline != nil {
		d.pipeline.SetState(gst.StateNull)
		d.pipeline.Unref()
		d.pipeline = nil
	}
}

// fraction matches the GValue wrapper go-gst returns for GST_TYPE_FRACTION
type fraction interface {
	Num() int
	Denom() int
}

// sampleToRGBA copies a sample's buffer into a new image and reads the caps framerate
func sampleToRGBA(sample *gst.Sample) (*image.RGBA, float64, error) {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, 0, errors.New("sample has no buffer")
	}

	caps := sample.GetCaps()
	if caps == nil {
		return nil, 0, errors.New("sample has no caps")
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return nil, 0, errors.New("caps have no structure")
	}

	width, _ := structure.GetValue("width")
	height, _ := structure.GetValue("height")
	w, ok := width.(int)
	if !ok {
		return nil, 0, errors.New("caps missing width")
	}
	h, ok := height.(int)
	if !ok {
		return nil, 0, errors.New("caps missing height")
	}

	var fps float64
	if rate, err := structure.GetValue("framerate"); err == nil {
		if f, ok := rate.(fraction); ok && f.Denom() > 0 {
			fps = float64(f.Num()) / float64(f.Denom())
		}
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, 0, errors.New("failed to map buffer")
	}
	defer buffer.Unmap()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	data := mapInfo.Bytes()
	if len(data) < len(img.Pix) {
		return nil, 0, fmt.Errorf("short buffer: got %d bytes, want %d", len(data), len(img.Pix))
	}
	copy(img.Pix, data[:len(img.Pix)])
	return img, fps, nil
}
