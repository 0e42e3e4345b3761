package source

import (
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelQuiet)
}

// FFmpegDecoder decodes the first video stream of a file through libav and
// converts every frame to RGBA at its native size.
type FFmpegDecoder struct {
	path string

	formatCtx *astiav.FormatContext
	codecCtx  *astiav.CodecContext
	stream    *astiav.Stream
	swsCtx    *astiav.SoftwareScaleContext
	pkt       *astiav.Packet
	frame     *astiav.Frame
	rgbaFrame *astiav.Frame

	timeBase astiav.Rational
	swsW     int
	swsH     int
	swsFmt   astiav.PixelFormat
	draining bool

	mu     sync.Mutex
	closed bool
}

// NewFFmpegDecoder creates an unopened FFmpeg decoder
func NewFFmpegDecoder() *FFmpegDecoder {
	return &FFmpegDecoder{}
}

// Open opens the container and the decoder for its first video stream
func (d *FFmpegDecoder) Open(path string) (Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.path = path
	d.closed = false
	if err := d.openInput(); err != nil {
		d.teardown()
		return Info{}, err
	}

	params := d.stream.CodecParameters()
	fps := streamFPS(d.stream)
	return Info{
		Width:  params.Width(),
		Height: params.Height(),
		FPS:    fps,
		Codec:  params.CodecID().String(),
		Frames: d.frameCount(fps),
	}, nil
}

// frameCount trusts the container's count and otherwise estimates it from
// the duration, which libav reports in microseconds
func (d *FFmpegDecoder) frameCount(fps float64) int {
	if n := d.stream.NbFrames(); n > 0 {
		return int(n)
	}
	if us := d.formatCtx.Duration(); us > 0 && fps > 0 {
		return int(float64(us) / 1e6 * fps)
	}
	return 0
}

func (d *FFmpegDecoder) openInput() error {
	d.formatCtx = astiav.AllocFormatContext()
	if d.formatCtx == nil {
		return errors.New("failed to allocate format context")
	}

	if err := d.formatCtx.OpenInput(d.path, nil, nil); err != nil {
		d.formatCtx.Free()
		d.formatCtx = nil
		return fmt.Errorf("failed to open input: %w: %v", ErrUnsupported, err)
	}

	if err := d.formatCtx.FindStreamInfo(nil); err != nil {
		return fmt.Errorf("failed to find stream info: %w: %v", ErrUnsupported, err)
	}

	for _, stream := range d.formatCtx.Streams() {
		if stream.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			d.stream = stream
			break
		}
	}
	if d.stream == nil {
		return ErrNoVideoStream
	}
	d.timeBase = d.stream.TimeBase()

	params := d.stream.CodecParameters()
	codec := astiav.FindDecoder(params.CodecID())
	if codec == nil {
		return fmt.Errorf("video codec not found: %s: %w", params.CodecID(), ErrUnsupported)
	}

	d.codecCtx = astiav.AllocCodecContext(codec)
	if d.codecCtx == nil {
		return errors.New("failed to allocate video codec context")
	}
	if err := params.ToCodecContext(d.codecCtx); err != nil {
		return fmt.Errorf("failed to copy video codec params: %w", err)
	}
	if err := d.codecCtx.Open(codec, nil); err != nil {
		return fmt.Errorf("failed to open video codec: %w: %v", ErrUnsupported, err)
	}

	d.pkt = astiav.AllocPacket()
	d.frame = astiav.AllocFrame()
	if d.rgbaFrame == nil {
		d.rgbaFrame = astiav.AllocFrame()
	}
	d.draining = false
	return nil
}

// streamFPS prefers the average frame rate and falls back to the base rate
func streamFPS(s *astiav.Stream) float64 {
	for _, r := range []astiav.Rational{s.AvgFrameRate(), s.RFrameRate()} {
		if r.Num() > 0 && r.Den() > 0 {
			return float64(r.Num()) / float64(r.Den())
		}
	}
	return 0
}

// Decode returns the next video frame or io.EOF once the decoder is drained
func (d *FFmpegDecoder) Decode() (*image.RGBA, time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.codecCtx == nil {
		return nil, 0, ErrClosed
	}

	for {
		err := d.codecCtx.ReceiveFrame(d.frame)
		if err == nil {
			img, cerr := d.convert()
			pts := d.framePTS()
			d.frame.Unref()
			if cerr != nil {
				return nil, 0, cerr
			}
			return img, pts, nil
		}
		if errors.Is(err, astiav.ErrEof) {
			return nil, 0, io.EOF
		}
		if !errors.Is(err, astiav.ErrEagain) {
			return nil, 0, fmt.Errorf("failed to receive video frame: %w", err)
		}
		if d.draining {
			return nil, 0, io.EOF
		}

		if err := d.formatCtx.ReadFrame(d.pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				// Flush buffered frames out of the decoder
				d.draining = true
				if err := d.codecCtx.SendPacket(nil); err != nil {
					return nil, 0, io.EOF
				}
				continue
			}
			return nil, 0, fmt.Errorf("failed to read packet: %w", err)
		}

		if d.pkt.StreamIndex() != d.stream.Index() {
			d.pkt.Unref()
			continue
		}

		err = d.codecCtx.SendPacket(d.pkt)
		d.pkt.Unref()
		if err != nil && !errors.Is(err, astiav.ErrEagain) {
			return nil, 0, fmt.Errorf("failed to send video packet: %w", err)
		}
	}
}

func (d *FFmpegDecoder) framePTS() time.Duration {
	pts := d.frame.Pts()
	if pts < 0 || d.timeBase.Den() == 0 {
		return 0
	}
	secs := float64(pts) * float64(d.timeBase.Num()) / float64(d.timeBase.Den())
	return time.Duration(secs * float64(time.Second))
}

// convert turns the decoded frame into a tightly packed RGBA image
func (d *FFmpegDecoder) convert() (*image.RGBA, error) {
	w, h, pf := d.frame.Width(), d.frame.Height(), d.frame.PixelFormat()
	if w <= 0 || h <= 0 {
		return nil, errors.New("empty video frame")
	}

	if d.swsCtx == nil || w != d.swsW || h != d.swsH || pf != d.swsFmt {
		if d.swsCtx != nil {
			d.swsCtx.Free()
			d.swsCtx = nil
		}
		var err error
		d.swsCtx, err = astiav.CreateSoftwareScaleContext(
			w, h, pf,
			w, h, astiav.PixelFormatRgba,
			astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create sws context: %w", err)
		}

		d.rgbaFrame.Unref()
		d.rgbaFrame.SetWidth(w)
		d.rgbaFrame.SetHeight(h)
		d.rgbaFrame.SetPixelFormat(astiav.PixelFormatRgba)
		if err := d.rgbaFrame.AllocBuffer(1); err != nil {
			return nil, fmt.Errorf("failed to allocate RGBA frame buffer: %w", err)
		}
		d.swsW, d.swsH, d.swsFmt = w, h, pf
	}

	if err := d.swsCtx.ScaleFrame(d.frame, d.rgbaFrame); err != nil {
		return nil, fmt.Errorf("failed to scale frame: %w", err)
	}

	data, err := d.rgbaFrame.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("failed to get RGBA bytes: %w", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	if len(data) < len(img.Pix) {
		return nil, fmt.Errorf("short RGBA buffer: got %d bytes, want %d", len(data), len(img.Pix))
	}
	copy(img.Pix, data)
	return img, nil
}

// Rewind re-opens the input, which is reliable for every container
// including those without an index.
func (d *FFmpegDecoder) Rewind() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	d.closeInput()
	if err := d.openInput(); err != nil {
		d.closeInput()
		return fmt.Errorf("rewind: %w", err)
	}
	return nil
}

// Close releases every libav object. Safe to call repeatedly.
func (d *FFmpegDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.teardown()
	return nil
}

func (d *FFmpegDecoder) teardown() {
	d.closeInput()
	if d.rgbaFrame != nil {
		d.rgbaFrame.Free()
		d.rgbaFrame = nil
	}
	if d.swsCtx != nil {
		d.swsCtx.Free()
		d.swsCtx = nil
	}
}

func (d *FFmpegDecoder) closeInput() {
	if d.pkt != nil {
		d.pkt.Free()
		d.pkt = nil
	}
	if d.frame != nil {
		d.frame.Free()
		d.frame = nil
	}
	if d.codecCtx != nil {
		d.codecCtx.Free()
		d.codecCtx = nil
	}
	if d.formatCtx != nil {
		d.formatCtx.CloseInput()
		d.formatCtx.Free()
		d.formatCtx = nil
	}
	d.stream = nil
}
