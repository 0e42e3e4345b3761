// Package shell locates where a background surface belongs in the desktop
// shell's window hierarchy.
package shell

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/xgb/xproto"
)

// TypeDesktop is the EWMH window type carried by desktop icon views and backgrounds
const TypeDesktop = "_NET_WM_WINDOW_TYPE_DESKTOP"

// Outcome ranks how well the surface could be anchored. Higher is better.
type Outcome int

const (
	// Degraded means no shell container was found; the surface stays an
	// ordinary top-level window and may cover the icons.
	Degraded Outcome = iota
	// AnchoredFallbackParent means the surface sits in the shell root
	// container directly below the icon view.
	AnchoredFallbackParent
	// Anchored means the surface sits inside the shell's background host.
	Anchored
)

func (o Outcome) String() string {
	switch o {
	case Anchored:
		return "anchored"
	case AnchoredFallbackParent:
		return "anchored_fallback_parent"
	default:
		return "degraded"
	}
}

// MarshalText encodes the outcome by name
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an outcome name
func (o *Outcome) UnmarshalText(b []byte) error {
	switch string(b) {
	case "anchored":
		*o = Anchored
	case "anchored_fallback_parent":
		*o = AnchoredFallbackParent
	case "degraded":
		*o = Degraded
	default:
		return fmt.Errorf("unknown anchor outcome %q", b)
	}
	return nil
}

// Anchor is the result of one introspection pass.
//
// For Anchored, Parent is the background host. For AnchoredFallbackParent,
// Parent is the shell root container and Sibling, when non-zero, is the
// icon view top-level the surface must stay below; a zero Sibling means
// the surface goes to the bottom of Parent.
type Anchor struct {
	Outcome  Outcome       `json:"outcome"`
	Parent   xproto.Window `json:"parent,omitempty"`
	Sibling  xproto.Window `json:"sibling,omitempty"`
	IconView xproto.Window `json:"icon_view,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// IsDegraded reports whether the surface may end up above the icons
func (a Anchor) IsDegraded() bool {
	return a.Outcome == Degraded
}

// WindowInfo is what introspection needs to know about one window
type WindowInfo struct {
	ID       xproto.Window
	Instance string
	Class    string
	Types    []string
	Mapped   bool
}

// HasType reports whether the window carries the given _NET_WM_WINDOW_TYPE
func (w WindowInfo) HasType(t string) bool {
	for _, have := range w.Types {
		if have == t {
			return true
		}
	}
	return false
}

// Tree is a read-only view of the window hierarchy. Child lists are in
// stacking order, bottom first.
type Tree interface {
	Root() xproto.Window
	TopLevels() ([]xproto.Window, error)
	Children(w xproto.Window) ([]xproto.Window, error)
	Parent(w xproto.Window) (xproto.Window, error)
	Describe(w xproto.Window) (WindowInfo, error)
	// WMPresent reports whether an EWMH window manager owns the root
	WMPresent() bool
}

// Introspector computes an anchor for a surface, ignoring the given windows
type Introspector interface {
	Probe(exclude ...xproto.Window) Anchor
}

// Options tunes icon view detection
type Options struct {
	// IconViewClasses are WM_CLASS instance or class names that identify an
	// icon view even without the desktop window type
	IconViewClasses []string
}

// TreeIntrospector runs Introspect over a Tree
type TreeIntrospector struct {
	Tree    Tree
	Options Options
}

// NewIntrospector creates an Introspector over tree
func NewIntrospector(tree Tree, opts Options) *TreeIntrospector {
	return &TreeIntrospector{Tree: tree, Options: opts}
}

// Probe implements Introspector
func (t *TreeIntrospector) Probe(exclude ...xproto.Window) Anchor {
	return Introspect(t.Tree, t.Options, exclude...)
}

// Introspect walks the top-level windows from the top of the stack down,
// looking for the icon view. Every failure lowers the outcome instead of
// returning an error.
func Introspect(tree Tree, opts Options, exclude ...xproto.Window) Anchor {
	skip := make(map[xproto.Window]bool, len(exclude))
	for _, w := range exclude {
		if w != 0 {
			skip[w] = true
		}
	}

	all, err := tree.TopLevels()
	if err != nil {
		return Anchor{Outcome: Degraded, Reason: fmt.Sprintf("cannot list top-level windows: %v", err)}
	}
	tops := make([]xproto.Window, 0, len(all))
	for _, w := range all {
		if !skip[w] {
			tops = append(tops, w)
		}
	}

	for i := len(tops) - 1; i >= 0; i-- {
		top := tops[i]
		iconView, ok := findIconView(tree, opts, top, skip)
		if !ok {
			continue
		}

		if i > 0 {
			below := tops[i-1]
			if info, err := tree.Describe(below); err == nil && info.HasType(TypeDesktop) {
				return Anchor{
					Outcome:  Anchored,
					Parent:   below,
					IconView: iconView,
					Reason:   "background host found below icon view",
				}
			}
		}

		container, err := tree.Parent(top)
		if err != nil || container == 0 {
			container = tree.Root()
		}
		return Anchor{
			Outcome:  AnchoredFallbackParent,
			Parent:   container,
			Sibling:  top,
			IconView: iconView,
			Reason:   "icon view found without a background host",
		}
	}

	if tree.WMPresent() {
		return Anchor{
			Outcome: AnchoredFallbackParent,
			Parent:  tree.Root(),
			Reason:  "no icon view; window manager present, surface kept at bottom of root",
		}
	}

	return Anchor{Outcome: Degraded, Reason: "no icon view and no window manager found"}
}

// findIconView checks top and its direct children
func findIconView(tree Tree, opts Options, top xproto.Window, skip map[xproto.Window]bool) (xproto.Window, bool) {
	if info, err := tree.Describe(top); err == nil && isIconView(info, opts) {
		return top, true
	}
	children, err := tree.Children(top)
	if err != nil {
		return 0, false
	}
	for _, c := range children {
		if skip[c] {
			continue
		}
		if info, err := tree.Describe(c); err == nil && isIconView(info, opts) {
			return c, true
		}
	}
	return 0, false
}

func isIconView(info WindowInfo, opts Options) bool {
	if info.HasType(TypeDesktop) {
		return true
	}
	for _, name := range opts.IconViewClasses {
		if name == "" {
			continue
		}
		if strings.EqualFold(info.Instance, name) || strings.EqualFold(info.Class, name) {
			return true
		}
	}
	return false
}
