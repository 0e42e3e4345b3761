package surface

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/DeskLoop/internal/source"
)

// rootPixmapAtoms are the properties desktop tools read to find the root
// background pixmap
var rootPixmapAtoms = []string{"_XROOTPMAP_ID", "ESETROOT_PMAP_ID"}

// RootBackground paints still images as the root window background, the
// way xsetroot and feh do. It does not own the pixmap it finds on startup.
type RootBackground struct {
	conn   *xgb.Conn
	setup  *xproto.SetupInfo
	screen *xproto.ScreenInfo
	layout source.Layout
	bpp    int
	pad    int

	mu    sync.Mutex
	atoms map[string]xproto.Atom
	wire  []byte
}

// NewRootBackground creates a painter for the default screen of conn
func NewRootBackground(conn *xgb.Conn) (*RootBackground, error) {
	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	bpp, pad := pixmapFormat(setup, screen.RootDepth)
	if bpp != 24 && bpp != 32 {
		return nil, fmt.Errorf("unsupported pixmap format: %d bits per pixel at depth %d", bpp, screen.RootDepth)
	}
	return &RootBackground{
		conn:   conn,
		setup:  setup,
		screen: screen,
		layout: layoutFor(rootRedMask(screen), setup.ImageByteOrder),
		bpp:    bpp,
		pad:    pad,
		atoms:  make(map[string]xproto.Atom),
	}, nil
}

// Size is the root window size
func (r *RootBackground) Size() image.Point {
	return image.Pt(int(r.screen.WidthInPixels), int(r.screen.HeightInPixels))
}

// Layout is the channel order Paint expects
func (r *RootBackground) Layout() source.Layout { return r.layout }

// Current returns the pixmap named by _XROOTPMAP_ID, or 0 when none is set
func (r *RootBackground) Current() (xproto.Pixmap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.atom(rootPixmapAtoms[0])
	if err != nil {
		return 0, err
	}
	reply, err := xproto.GetProperty(r.conn, false, r.screen.Root, a, xproto.AtomPixmap, 0, 1).Reply()
	if err != nil {
		return 0, fmt.Errorf("read root pixmap: %w", err)
	}
	if reply.Format != 32 || reply.ValueLen != 1 || len(reply.Value) < 4 {
		return 0, nil
	}
	return xproto.Pixmap(xgb.Get32(reply.Value)), nil
}

// Paint uploads img, already in Layout order and of Size, into a new pixmap
func (r *RootBackground) Paint(img *image.RGBA) (xproto.Pixmap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.Size()
	if img.Bounds().Size() != size {
		return 0, fmt.Errorf("%w: got %v, want %v", ErrSizeMismatch, img.Bounds().Size(), size)
	}

	pid, err := xproto.NewPixmapId(r.conn)
	if err != nil {
		return 0, fmt.Errorf("allocate pixmap id: %w", err)
	}
	err = xproto.CreatePixmapChecked(r.conn, r.screen.RootDepth, pid,
		xproto.Drawable(r.screen.Root), uint16(size.X), uint16(size.Y)).Check()
	if err != nil {
		return 0, fmt.Errorf("create root pixmap: %w", err)
	}

	gc, err := xproto.NewGcontextId(r.conn)
	if err != nil {
		xproto.FreePixmap(r.conn, pid)
		return 0, fmt.Errorf("allocate gc id: %w", err)
	}
	if err := xproto.CreateGCChecked(r.conn, gc, xproto.Drawable(pid), 0, nil).Check(); err != nil {
		xproto.FreePixmap(r.conn, pid)
		return 0, fmt.Errorf("create gc: %w", err)
	}
	defer xproto.FreeGC(r.conn, gc)

	stride := rowStride(size.X, r.bpp, r.pad)
	r.wire = packRows(r.wire, img, r.bpp, stride)
	rows := rowsPerRequest(int(r.setup.MaximumRequestLength), stride)
	if rows < 1 {
		xproto.FreePixmap(r.conn, pid)
		return 0, fmt.Errorf("root row of %d bytes exceeds the request limit", stride)
	}

	for y := 0; y < size.Y; y += rows {
		n := min(rows, size.Y-y)
		xproto.PutImage(r.conn, xproto.ImageFormatZPixmap, xproto.Drawable(pid), gc,
			uint16(size.X), uint16(n), 0, int16(y), 0, r.screen.RootDepth,
			r.wire[y*stride:(y+n)*stride])
	}
	// round trip so upload errors surface here
	if _, err := xproto.GetInputFocus(r.conn).Reply(); err != nil {
		xproto.FreePixmap(r.conn, pid)
		return 0, fmt.Errorf("upload root pixmap: %w", err)
	}
	return pid, nil
}

// Apply makes p the root background and advertises it. Zero clears both.
func (r *RootBackground) Apply(p xproto.Pixmap) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	root := r.screen.Root
	bg := uint32(p)
	if p == 0 {
		bg = xproto.BackPixmapNone
	}
	if err := xproto.ChangeWindowAttributesChecked(r.conn, root, xproto.CwBackPixmap, []uint32{bg}).Check(); err != nil {
		return fmt.Errorf("set root background: %w", err)
	}

	for _, name := range rootPixmapAtoms {
		a, err := r.atom(name)
		if err != nil {
			return err
		}
		if p == 0 {
			err = xproto.DeletePropertyChecked(r.conn, root, a).Check()
		} else {
			buf := make([]byte, 4)
			xgb.Put32(buf, uint32(p))
			err = xproto.ChangePropertyChecked(r.conn, xproto.PropModeReplace, root, a,
				xproto.AtomPixmap, 32, 1, buf).Check()
		}
		if err != nil {
			return fmt.Errorf("update %s: %w", name, err)
		}
	}

	return xproto.ClearAreaChecked(r.conn, false, root, 0, 0, 0, 0).Check()
}

// Free releases a pixmap created by Paint
func (r *RootBackground) Free(p xproto.Pixmap) error {
	if p == 0 {
		return nil
	}
	return xproto.FreePixmapChecked(r.conn, p).Check()
}

// Persist keeps painted pixmaps alive after the connection closes
func (r *RootBackground) Persist() error {
	return xproto.SetCloseDownModeChecked(r.conn, xproto.CloseDownRetainPermanent).Check()
}

func (r *RootBackground) atom(name string) (xproto.Atom, error) {
	if a, ok := r.atoms[name]; ok {
		return a, nil
	}
	reply, err := xproto.InternAtom(r.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, fmt.Errorf("intern %s: %w", name, err)
	}
	r.atoms[name] = reply.Atom
	return reply.Atom, nil
}
