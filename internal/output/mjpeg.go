package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/DeskLoop/internal/logger"
	"github.com/bryanchriswhite/DeskLoop/internal/scale"
)

const (
	DefaultMaxWidth = 960
	DefaultQuality  = 75
)

// MJPEGOutput streams the painted frames as Motion JPEG over HTTP.
// WriteFrame only copies into a pending slot; encoding happens on a
// separate goroutine and is skipped while nobody is watching.
type MJPEGOutput struct {
	config  Config
	running bool
	mu      sync.RWMutex

	// pending frame, latest wins
	frameMu    sync.Mutex
	pending    *image.RGBA
	hasPending bool
	wake       chan struct{}
	stop       chan struct{}
	done       chan struct{}

	// last encoded JPEG
	jpegMu     sync.RWMutex
	lastJPEG   []byte
	lastUpdate time.Time

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	// Stats
	statsMu    sync.Mutex
	frameCount uint64
	dropped    uint64
	startTime  time.Time
}

// Stats is a point-in-time view of the stream
type Stats struct {
	Running    bool      `json:"running"`
	Clients    int       `json:"clients"`
	Encoded    uint64    `json:"encoded"`
	Dropped    uint64    `json:"dropped"`
	FPS        float64   `json:"fps"`
	LastUpdate time.Time `json:"last_update,omitempty"`
}

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	if config.MaxWidth <= 0 {
		config.MaxWidth = DefaultMaxWidth
	}
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = DefaultQuality
	}
	return &MJPEGOutput{
		config:  config,
		clients: make(map[chan []byte]struct{}),
	}
}

// Start launches the encoder goroutine.
// The HTTP handlers are registered separately.
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.wake = make(chan struct{}, 1)
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	m.statsMu.Lock()
	m.startTime = time.Now()
	m.frameCount = 0
	m.dropped = 0
	m.statsMu.Unlock()

	go m.encodeLoop(m.wake, m.stop, m.done)

	logger.WithComponent("preview").Info().
		Int("max_width", m.config.MaxWidth).
		Int("quality", m.config.Quality).
		Msg("MJPEG preview started")
	return nil
}

// Stop shuts down the encoder and disconnects every client
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	m.statsMu.Lock()
	encoded := m.frameCount
	m.statsMu.Unlock()
	logger.WithComponent("preview").Info().Uint64("frames", encoded).Msg("MJPEG preview stopped")
	return nil
}

// WriteFrame copies frame into the pending slot and wakes the encoder
func (m *MJPEGOutput) WriteFrame(frame *image.RGBA) error {
	if !m.IsRunning() {
		return fmt.Errorf("MJPEG output not running")
	}
	if m.ClientCount() == 0 {
		return nil
	}

	m.frameMu.Lock()
	if m.pending == nil || m.pending.Rect.Size() != frame.Rect.Size() {
		m.pending = image.NewRGBA(image.Rectangle{Max: frame.Rect.Size()})
	}
	copyRGBA(m.pending, frame)
	if m.hasPending {
		m.statsMu.Lock()
		m.dropped++
		m.statsMu.Unlock()
	}
	m.hasPending = true
	m.frameMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func copyRGBA(dst, src *image.RGBA) {
	w := src.Rect.Dx() * 4
	for y := 0; y < src.Rect.Dy(); y++ {
		s := src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y)
		d := dst.PixOffset(0, y)
		copy(dst.Pix[d:d+w], src.Pix[s:s+w])
	}
}

func (m *MJPEGOutput) encodeLoop(wake <-chan struct{}, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	log := logger.WithComponent("preview")
	scaler := scale.New(scale.Fit)
	var work *image.RGBA
	var buf bytes.Buffer

	for {
		select {
		case <-stop:
			return
		case <-wake:
		}

		m.frameMu.Lock()
		if !m.hasPending {
			m.frameMu.Unlock()
			continue
		}
		if work == nil || work.Rect != m.pending.Rect {
			work = image.NewRGBA(m.pending.Rect)
		}
		copy(work.Pix, m.pending.Pix)
		m.hasPending = false
		m.frameMu.Unlock()

		img := work
		if size := previewSize(work.Rect.Size(), m.config.MaxWidth); size != work.Rect.Size() {
			img = scaler.Scale(work, size)
		}

		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: m.config.Quality}); err != nil {
			log.Warn().Err(err).Msg("Failed to encode preview frame")
			continue
		}
		data := append([]byte(nil), buf.Bytes()...)

		m.jpegMu.Lock()
		m.lastJPEG = data
		m.lastUpdate = time.Now()
		m.jpegMu.Unlock()

		m.statsMu.Lock()
		m.frameCount++
		m.statsMu.Unlock()

		m.broadcast(data)
	}
}

// previewSize keeps the aspect ratio while bounding the width
func previewSize(src image.Point, maxWidth int) image.Point {
	if src.X <= maxWidth || src.X == 0 {
		return src
	}
	h := src.Y * maxWidth / src.X
	if h < 1 {
		h = 1
	}
	return image.Pt(maxWidth, h)
}

func (m *MJPEGOutput) broadcast(data []byte) {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for ch := range m.clients {
		select {
		case ch <- data:
		default:
			// Client is slow, skip this frame
		}
	}
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG preview"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// ClientCount returns the number of connected stream clients
func (m *MJPEGOutput) ClientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// Stats returns counters for the stream
func (m *MJPEGOutput) Stats() Stats {
	st := Stats{Running: m.IsRunning(), Clients: m.ClientCount()}

	m.statsMu.Lock()
	st.Encoded = m.frameCount
	st.Dropped = m.dropped
	if st.Running && !m.startTime.IsZero() {
		if elapsed := time.Since(m.startTime).Seconds(); elapsed > 0 {
			st.FPS = float64(m.frameCount) / elapsed
		}
	}
	m.statsMu.Unlock()

	m.jpegMu.RLock()
	st.LastUpdate = m.lastUpdate
	m.jpegMu.RUnlock()
	return st
}

// GetHTTPHandler returns the multipart MJPEG stream handler
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.IsRunning() {
			http.Error(w, "preview disabled", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frameChan := make(chan []byte, 2)

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		log := logger.WithComponent("preview")
		log.Info().Int("clients", clientCount).Msg("Preview client connected")

		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, frameChan)
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", clientCount).Msg("Preview client disconnected")
		}()

		// Paused playback paints nothing new, so start with the last frame
		m.jpegMu.RLock()
		last := m.lastJPEG
		m.jpegMu.RUnlock()
		if last != nil {
			if writePart(w, last) != nil {
				return
			}
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case data, ok := <-frameChan:
				if !ok {
					return
				}
				if writePart(w, data) != nil {
					return
				}
			}
		}
	}
}

func writePart(w http.ResponseWriter, data []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// GetSnapshotHandler serves the last encoded frame as a single JPEG
func (m *MJPEGOutput) GetSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.jpegMu.RLock()
		data := m.lastJPEG
		m.jpegMu.RUnlock()
		if data == nil {
			http.Error(w, "no frame yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// GetStatsHandler reports Stats as JSON
func (m *MJPEGOutput) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Stats())
	}
}

// GetViewerHandler serves a bare page showing the stream
func (m *MJPEGOutput) GetViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(viewerHTML))
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>DeskLoop preview</title>
    <style>
        body { margin: 0; background: #000; display: flex; justify-content: center; align-items: center; min-height: 100vh; }
        img { max-width: 100vw; max-height: 100vh; object-fit: contain; }
    </style>
</head>
<body>
    <img src="/preview" alt="DeskLoop preview">
</body>
</html>`
