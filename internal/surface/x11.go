package surface

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/DeskLoop/internal/logger"
	"github.com/bryanchriswhite/DeskLoop/internal/shell"
	"github.com/bryanchriswhite/DeskLoop/internal/source"
)

// putImageHeader is the fixed size of a PutImage request in bytes
const putImageHeader = 24

// X11Host paints into a window whose background is a server-side pixmap,
// so the last frame survives exposes and decode misses.
type X11Host struct {
	conn   *xgb.Conn
	setup  *xproto.SetupInfo
	screen *xproto.ScreenInfo
	intro  shell.Introspector

	mu       sync.Mutex
	window   xproto.Window
	pixmap   xproto.Pixmap
	gc       xproto.Gcontext
	bounds   image.Rectangle
	anchor   shell.Anchor
	acquired bool
	visible  bool
	layout   source.Layout
	bpp      int
	pad      int
	wire     []byte
	atoms    map[string]xproto.Atom
}

// NewX11Host creates a host on the default screen of conn
func NewX11Host(conn *xgb.Conn, intro shell.Introspector) (*X11Host, error) {
	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	bpp, pad := pixmapFormat(setup, screen.RootDepth)
	if bpp != 24 && bpp != 32 {
		return nil, fmt.Errorf("unsupported pixmap format: %d bits per pixel at depth %d", bpp, screen.RootDepth)
	}

	return &X11Host{
		conn:   conn,
		setup:  setup,
		screen: screen,
		intro:  intro,
		layout: layoutFor(rootRedMask(screen), setup.ImageByteOrder),
		bpp:    bpp,
		pad:    pad,
		atoms:  make(map[string]xproto.Atom),
	}, nil
}

// PrimaryBounds returns the size of the default screen
func PrimaryBounds(conn *xgb.Conn) image.Rectangle {
	screen := xproto.Setup(conn).DefaultScreen(conn)
	return image.Rect(0, 0, int(screen.WidthInPixels), int(screen.HeightInPixels))
}

// Acquire implements Host
func (h *X11Host) Acquire(bounds image.Rectangle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	log := logger.WithComponent("surface")

	if bounds.Empty() {
		return fmt.Errorf("empty surface bounds %v", bounds)
	}

	if h.acquired {
		if err := h.reconfigure(bounds); err != nil {
			return wrapLost("reconfigure surface", err)
		}
		return nil
	}

	windowID, err := xproto.NewWindowId(h.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskStructureNotify,
	}

	err = xproto.CreateWindowChecked(
		h.conn,
		h.screen.RootDepth,
		windowID,
		h.screen.Root,
		int16(bounds.Min.X), int16(bounds.Min.Y),
		uint16(bounds.Dx()), uint16(bounds.Dy()),
		0,
		xproto.WindowClassInputOutput,
		h.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}
	h.window = windowID
	h.bounds = bounds

	if err := h.setHints(); err != nil {
		log.Warn().Err(err).Msg("Failed to set window hints")
	}

	gc, err := xproto.NewGcontextId(h.conn)
	if err != nil {
		h.destroy()
		return fmt.Errorf("failed to create graphics context ID: %w", err)
	}
	if err := xproto.CreateGCChecked(h.conn, gc, xproto.Drawable(h.window), 0, nil).Check(); err != nil {
		h.destroy()
		return fmt.Errorf("failed to create GC: %w", err)
	}
	h.gc = gc

	if err := h.createPixmap(); err != nil {
		h.destroy()
		return err
	}

	h.acquired = true
	h.anchor = shell.Anchor{}

	log.Info().
		Uint32("window_id", uint32(h.window)).
		Int("width", bounds.Dx()).
		Int("height", bounds.Dy()).
		Str("layout", h.layout.String()).
		Msg("Surface created")

	return nil
}

// createPixmap allocates the backing pixmap at the current size and makes it
// the window background.
func (h *X11Host) createPixmap() error {
	pid, err := xproto.NewPixmapId(h.conn)
	if err != nil {
		return fmt.Errorf("failed to create pixmap ID: %w", err)
	}
	err = xproto.CreatePixmapChecked(
		h.conn,
		h.screen.RootDepth,
		pid,
		xproto.Drawable(h.window),
		uint16(h.bounds.Dx()), uint16(h.bounds.Dy()),
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create pixmap: %w", err)
	}
	h.pixmap = pid

	// Start black rather than with undefined pixmap contents
	xproto.PolyFillRectangle(h.conn, xproto.Drawable(h.pixmap), h.gc, []xproto.Rectangle{
		{Width: uint16(h.bounds.Dx()), Height: uint16(h.bounds.Dy())},
	})

	return xproto.ChangeWindowAttributesChecked(
		h.conn, h.window, xproto.CwBackPixmap, []uint32{uint32(h.pixmap)},
	).Check()
}

func (h *X11Host) reconfigure(bounds image.Rectangle) error {
	resized := bounds.Size() != h.bounds.Size()
	h.bounds = bounds

	pos := h.position()
	err := xproto.ConfigureWindowChecked(
		h.conn,
		h.window,
		xproto.ConfigWindowX|xproto.ConfigWindowY|xproto.ConfigWindowWidth|xproto.ConfigWindowHeight,
		[]uint32{uint32(int32(pos.X)), uint32(int32(pos.Y)), uint32(bounds.Dx()), uint32(bounds.Dy())},
	).Check()
	if err != nil {
		return err
	}
	if !resized {
		return nil
	}
	if h.pixmap != 0 {
		xproto.FreePixmap(h.conn, h.pixmap)
		h.pixmap = 0
	}
	return h.createPixmap()
}

// position is the window origin relative to its current parent
func (h *X11Host) position() image.Point {
	if h.anchor.Outcome == shell.Anchored {
		return image.Point{}
	}
	return h.bounds.Min
}

// setHints marks the window as a sticky desktop window kept below everything
func (h *X11Host) setHints() error {
	if err := h.setString("WM_CLASS", xproto.AtomString, "deskloop\x00DeskLoop\x00"); err != nil {
		return err
	}
	utf8, err := h.atom("UTF8_STRING")
	if err != nil {
		return err
	}
	if err := h.setProperty("_NET_WM_NAME", utf8, 8, []byte("DeskLoop")); err != nil {
		return err
	}
	if err := h.setAtoms("_NET_WM_WINDOW_TYPE", shell.TypeDesktop); err != nil {
		return err
	}
	if err := h.setAtoms("_NET_WM_STATE",
		"_NET_WM_STATE_BELOW",
		"_NET_WM_STATE_SKIP_TASKBAR",
		"_NET_WM_STATE_SKIP_PAGER",
		"_NET_WM_STATE_STICKY",
	); err != nil {
		return err
	}
	if err := h.setCardinals("_NET_WM_DESKTOP", xproto.AtomCardinal, 0xFFFFFFFF); err != nil {
		return err
	}
	// flags=MWM_HINTS_DECORATIONS, decorations=0
	hints, err := h.atom("_MOTIF_WM_HINTS")
	if err != nil {
		return err
	}
	return h.setCardinals("_MOTIF_WM_HINTS", hints, 2, 0, 0, 0, 0)
}

// Anchor implements Host
func (h *X11Host) Anchor() (shell.Anchor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	log := logger.WithComponent("surface")

	if !h.acquired {
		return shell.Anchor{}, ErrNotAcquired
	}

	a := shell.Anchor{Outcome: shell.Degraded, Reason: "no introspector"}
	if h.intro != nil {
		a = h.intro.Probe(h.window)
	}

	if err := h.apply(a); err != nil {
		if isLost(err) {
			return a, fmt.Errorf("%w: %v", ErrSurfaceLost, err)
		}
		log.Warn().Err(err).Str("outcome", a.Outcome.String()).Msg("Failed to apply anchor, degrading")
		a = shell.Anchor{
			Outcome: shell.Degraded,
			Reason:  fmt.Sprintf("applying %s failed: %v", a.Outcome, err),
		}
		if err := h.apply(a); err != nil && isLost(err) {
			return a, fmt.Errorf("%w: %v", ErrSurfaceLost, err)
		}
	}

	log.Info().
		Str("outcome", a.Outcome.String()).
		Uint32("parent", uint32(a.Parent)).
		Uint32("sibling", uint32(a.Sibling)).
		Str("reason", a.Reason).
		Msg("Surface anchored")

	return a, nil
}

// apply moves the window to match a. Override-redirect only takes effect
// on map, so a visible window is unmapped around the change.
func (h *X11Host) apply(a shell.Anchor) error {
	wasVisible := h.visible
	if wasVisible {
		if err := xproto.UnmapWindowChecked(h.conn, h.window).Check(); err != nil {
			return err
		}
		h.visible = false
	}

	override := a.Outcome == shell.Anchored || (a.Outcome == shell.AnchoredFallbackParent && a.Sibling != 0)
	var ov uint32
	if override {
		ov = 1
	}
	if err := xproto.ChangeWindowAttributesChecked(h.conn, h.window, xproto.CwOverrideRedirect, []uint32{ov}).Check(); err != nil {
		return err
	}

	parent := a.Parent
	if parent == 0 {
		parent = h.screen.Root
	}
	h.anchor = a
	pos := h.position()
	if err := xproto.ReparentWindowChecked(h.conn, h.window, parent, int16(pos.X), int16(pos.Y)).Check(); err != nil {
		h.anchor = shell.Anchor{}
		return err
	}

	if err := h.restack(); err != nil {
		return err
	}

	if wasVisible {
		if err := xproto.MapWindowChecked(h.conn, h.window).Check(); err != nil {
			return err
		}
		h.visible = true
		return h.restack()
	}
	return nil
}

// restack places the window according to the current anchor
func (h *X11Host) restack() error {
	switch {
	case h.anchor.Outcome == shell.Anchored:
		return xproto.ConfigureWindowChecked(h.conn, h.window,
			xproto.ConfigWindowStackMode, []uint32{xproto.StackModeAbove}).Check()
	case h.anchor.Outcome == shell.AnchoredFallbackParent && h.anchor.Sibling != 0:
		err := xproto.ConfigureWindowChecked(h.conn, h.window,
			xproto.ConfigWindowSibling|xproto.ConfigWindowStackMode,
			[]uint32{uint32(h.anchor.Sibling), xproto.StackModeBelow}).Check()
		if err == nil || isLost(err) {
			return err
		}
		// Sibling vanished or moved; bottom of the parent still keeps us under it
		logger.WithComponent("surface").Debug().Err(err).Msg("Sibling restack failed, lowering")
	}
	return xproto.ConfigureWindowChecked(h.conn, h.window,
		xproto.ConfigWindowStackMode, []uint32{xproto.StackModeBelow}).Check()
}

// Show implements Host
func (h *X11Host) Show() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.acquired {
		return ErrNotAcquired
	}
	if h.visible {
		return nil
	}
	if err := xproto.MapWindowChecked(h.conn, h.window).Check(); err != nil {
		return wrapLost("map surface", err)
	}
	h.visible = true
	if err := h.restack(); err != nil {
		return wrapLost("restack surface", err)
	}
	return nil
}

// Hide implements Host
func (h *X11Host) Hide() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.acquired {
		return ErrNotAcquired
	}
	if !h.visible {
		return nil
	}
	h.visible = false
	if err := xproto.UnmapWindowChecked(h.conn, h.window).Check(); err != nil {
		return wrapLost("unmap surface", err)
	}
	return nil
}

// Present implements Host. The image is uploaded to the backing pixmap in
// slices that fit the server's request limit, then copied to the window.
func (h *X11Host) Present(img *image.RGBA) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.acquired {
		return ErrNotAcquired
	}
	w, ht := h.bounds.Dx(), h.bounds.Dy()
	if img.Bounds().Dx() != w || img.Bounds().Dy() != ht {
		return fmt.Errorf("%w: got %v, want %dx%d", ErrSizeMismatch, img.Bounds().Size(), w, ht)
	}

	stride := rowStride(w, h.bpp, h.pad)
	h.wire = packRows(h.wire, img, h.bpp, stride)

	rows := rowsPerRequest(int(h.setup.MaximumRequestLength), stride)
	if rows < 1 {
		return fmt.Errorf("surface row of %d bytes exceeds the request limit", stride)
	}

	for y := 0; y < ht; y += rows {
		n := rows
		if y+n > ht {
			n = ht - y
		}
		xproto.PutImage(
			h.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(h.pixmap),
			h.gc,
			uint16(w), uint16(n),
			0, int16(y),
			0,
			h.screen.RootDepth,
			h.wire[y*stride:(y+n)*stride],
		)
	}

	err := xproto.CopyAreaChecked(
		h.conn,
		xproto.Drawable(h.pixmap),
		xproto.Drawable(h.window),
		h.gc,
		0, 0, 0, 0,
		uint16(w), uint16(ht),
	).Check()
	if err != nil {
		return wrapLost("present frame", err)
	}

	// Unchecked PutImage errors and structure events arrive here
	return h.drainEvents()
}

// drainEvents consumes queued events and async errors, reporting loss of the surface
func (h *X11Host) drainEvents() error {
	var lost error
	for {
		ev, err := h.conn.PollForEvent()
		if ev == nil && err == nil {
			return lost
		}
		if err != nil {
			if isLost(err) && lost == nil {
				lost = fmt.Errorf("%w: %v", ErrSurfaceLost, err)
			}
			continue
		}
		if d, ok := ev.(xproto.DestroyNotifyEvent); ok && d.Window == h.window && lost == nil {
			lost = fmt.Errorf("%w: window destroyed", ErrSurfaceLost)
		}
	}
}

// Release implements Host
func (h *X11Host) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.acquired {
		return nil
	}
	h.destroy()
	h.acquired = false
	h.visible = false
	h.anchor = shell.Anchor{}

	logger.WithComponent("surface").Info().Msg("Surface released")
	return nil
}

// destroy frees server resources, ignoring errors from already-gone objects
func (h *X11Host) destroy() {
	if h.gc != 0 {
		xproto.FreeGC(h.conn, h.gc)
		h.gc = 0
	}
	if h.pixmap != 0 {
		xproto.FreePixmap(h.conn, h.pixmap)
		h.pixmap = 0
	}
	if h.window != 0 {
		xproto.DestroyWindow(h.conn, h.window)
		h.window = 0
	}
	h.conn.Sync()
	h.drainEvents()
}

// Window returns the surface window ID, zero when not acquired
func (h *X11Host) Window() xproto.Window {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.window
}

// Bounds implements Host
func (h *X11Host) Bounds() image.Rectangle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bounds
}

// Layout implements Host
func (h *X11Host) Layout() source.Layout {
	return h.layout
}

// Visible implements Host
func (h *X11Host) Visible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.visible
}

// Acquired implements Host
func (h *X11Host) Acquired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acquired
}

func (h *X11Host) atom(name string) (xproto.Atom, error) {
	if a, ok := h.atoms[name]; ok {
		return a, nil
	}
	reply, err := xproto.InternAtom(h.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	h.atoms[name] = reply.Atom
	return reply.Atom, nil
}

func (h *X11Host) setProperty(name string, typ xproto.Atom, format byte, data []byte) error {
	prop, err := h.atom(name)
	if err != nil {
		return err
	}
	units := uint32(len(data))
	if format == 32 {
		units /= 4
	}
	return xproto.ChangePropertyChecked(
		h.conn, xproto.PropModeReplace, h.window, prop, typ, format, units, data,
	).Check()
}

func (h *X11Host) setString(name string, typ xproto.Atom, value string) error {
	return h.setProperty(name, typ, 8, []byte(value))
}

func (h *X11Host) setCardinals(name string, typ xproto.Atom, values ...uint32) error {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		xgb.Put32(buf[i*4:], v)
	}
	return h.setProperty(name, typ, 32, buf)
}

func (h *X11Host) setAtoms(name string, values ...string) error {
	ids := make([]uint32, 0, len(values))
	for _, v := range values {
		a, err := h.atom(v)
		if err != nil {
			return err
		}
		ids = append(ids, uint32(a))
	}
	return h.setCardinals(name, xproto.AtomAtom, ids...)
}

// isLost reports whether err means one of our server objects is gone
func isLost(err error) bool {
	if errors.Is(err, ErrSurfaceLost) {
		return true
	}
	switch err.(type) {
	case xproto.WindowError, xproto.DrawableError, xproto.PixmapError:
		return true
	}
	return false
}

func wrapLost(op string, err error) error {
	if isLost(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrSurfaceLost, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// pixmapFormat returns bits per pixel and scanline pad in bits for depth
func pixmapFormat(setup *xproto.SetupInfo, depth byte) (bpp, pad int) {
	for _, f := range setup.PixmapFormats {
		if f.Depth == depth {
			return int(f.BitsPerPixel), int(f.ScanlinePad)
		}
	}
	return 0, 0
}

func rootRedMask(screen *xproto.ScreenInfo) uint32 {
	for _, d := range screen.AllowedDepths {
		for _, v := range d.Visuals {
			if v.VisualId == screen.RootVisual {
				return v.RedMask
			}
		}
	}
	return 0xff0000
}

// layoutFor maps a TrueColor red mask and image byte order to a channel layout
func layoutFor(redMask uint32, byteOrder byte) source.Layout {
	lsb := byteOrder == xproto.ImageOrderLSBFirst
	if (redMask == 0xff && lsb) || (redMask == 0xff000000 && !lsb) {
		return source.LayoutRGBA
	}
	return source.LayoutBGRA
}

// rowStride is the padded length of one scanline in bytes
func rowStride(width, bpp, padBits int) int {
	unpadded := width * bpp / 8
	padBytes := padBits / 8
	if padBytes <= 1 {
		return unpadded
	}
	return ((unpadded + padBytes - 1) / padBytes) * padBytes
}

// rowsPerRequest is how many scanlines fit in one PutImage given the
// server limit in 4-byte units
func rowsPerRequest(maxRequestUnits, stride int) int {
	if stride <= 0 {
		return 0
	}
	return (maxRequestUnits*4 - putImageHeader) / stride
}

// packRows converts img, already in surface channel order, into ZPixmap
// scanlines. buf is reused when large enough.
func packRows(buf []byte, img *image.RGBA, bpp, stride int) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	need := stride * h
	if cap(buf) < need {
		buf = make([]byte, need)
	}
	buf = buf[:need]

	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		dst := buf[y*stride : (y+1)*stride]
		if bpp == 32 {
			copy(dst, src)
			continue
		}
		for x := 0; x < w; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return buf
}
