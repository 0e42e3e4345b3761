package shell

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
)

// X11Tree reads the window hierarchy from an X server
type X11Tree struct {
	conn *xgb.Conn
	root xproto.Window

	mu    sync.Mutex
	atoms map[string]xproto.Atom
	names map[xproto.Atom]string
}

// NewX11Tree creates a tree rooted at root
func NewX11Tree(conn *xgb.Conn, root xproto.Window) *X11Tree {
	return &X11Tree{
		conn:  conn,
		root:  root,
		atoms: make(map[string]xproto.Atom),
		names: make(map[xproto.Atom]string),
	}
}

// Root implements Tree
func (t *X11Tree) Root() xproto.Window {
	return t.root
}

// TopLevels implements Tree
func (t *X11Tree) TopLevels() ([]xproto.Window, error) {
	return t.Children(t.root)
}

// Children implements Tree. QueryTree already reports bottom-to-top order.
func (t *X11Tree) Children(w xproto.Window) ([]xproto.Window, error) {
	reply, err := xproto.QueryTree(t.conn, w).Reply()
	if err != nil {
		return nil, fmt.Errorf("query tree of 0x%x: %w", uint32(w), err)
	}
	return reply.Children, nil
}

// Parent implements Tree
func (t *X11Tree) Parent(w xproto.Window) (xproto.Window, error) {
	reply, err := xproto.QueryTree(t.conn, w).Reply()
	if err != nil {
		return 0, fmt.Errorf("query tree of 0x%x: %w", uint32(w), err)
	}
	return reply.Parent, nil
}

// Describe implements Tree
func (t *X11Tree) Describe(w xproto.Window) (WindowInfo, error) {
	info := WindowInfo{ID: w}

	attrs, err := xproto.GetWindowAttributes(t.conn, w).Reply()
	if err != nil {
		return info, fmt.Errorf("get attributes of 0x%x: %w", uint32(w), err)
	}
	info.Mapped = attrs.MapState == xproto.MapStateViewable

	// WM_CLASS is instance\0class\0
	if raw, err := t.property(w, "WM_CLASS", xproto.GetPropertyTypeAny, 256); err == nil {
		parts := strings.Split(string(raw), "\x00")
		if len(parts) >= 1 {
			info.Instance = parts[0]
		}
		if len(parts) >= 2 {
			info.Class = parts[1]
		}
	}

	if raw, err := t.property(w, "_NET_WM_WINDOW_TYPE", xproto.AtomAtom, 32); err == nil {
		for i := 0; i+4 <= len(raw); i += 4 {
			atom := xproto.Atom(xgb.Get32(raw[i:]))
			if name, err := t.atomName(atom); err == nil {
				info.Types = append(info.Types, name)
			}
		}
	}

	return info, nil
}

// WMPresent implements Tree by following _NET_SUPPORTING_WM_CHECK, which
// must point at a window whose own property points back at itself.
func (t *X11Tree) WMPresent() bool {
	raw, err := t.property(t.root, "_NET_SUPPORTING_WM_CHECK", xproto.AtomWindow, 1)
	if err != nil || len(raw) < 4 {
		return false
	}
	check := xproto.Window(xgb.Get32(raw))
	self, err := t.property(check, "_NET_SUPPORTING_WM_CHECK", xproto.AtomWindow, 1)
	if err != nil || len(self) < 4 {
		return false
	}
	return xproto.Window(xgb.Get32(self)) == check
}

// Atom interns name, caching the result
func (t *X11Tree) Atom(name string) (xproto.Atom, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.atoms[name]; ok {
		return a, nil
	}
	reply, err := xproto.InternAtom(t.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	t.atoms[name] = reply.Atom
	t.names[reply.Atom] = name
	return reply.Atom, nil
}

func (t *X11Tree) atomName(a xproto.Atom) (string, error) {
	t.mu.Lock()
	if name, ok := t.names[a]; ok {
		t.mu.Unlock()
		return name, nil
	}
	t.mu.Unlock()

	reply, err := xproto.GetAtomName(t.conn, a).Reply()
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.names[a] = reply.Name
	t.atoms[reply.Name] = a
	t.mu.Unlock()
	return reply.Name, nil
}

// property reads up to length 32-bit units of a property
func (t *X11Tree) property(w xproto.Window, name string, typ xproto.Atom, length uint32) ([]byte, error) {
	atom, err := t.Atom(name)
	if err != nil {
		return nil, err
	}
	reply, err := xproto.GetProperty(t.conn, false, w, atom, typ, 0, length).Reply()
	if err != nil {
		return nil, err
	}
	if reply.ValueLen == 0 {
		return nil, fmt.Errorf("property %s not set on 0x%x", name, uint32(w))
	}
	return reply.Value, nil
}
