package wallpaper

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/DeskLoop/internal/scale"
	"github.com/bryanchriswhite/DeskLoop/internal/source"
)

// frameSource loops over n frames whose first pixel's red byte is index+1
type frameSource struct {
	n        int
	reported int
	layout   source.Layout
	fail     int
	cursor   int
	open     bool
	closed   bool
	openErr  error
}

func (s *frameSource) Open(context.Context, string) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.open, s.cursor = true, 0
	return nil
}

func (s *frameSource) NextFrame() (*source.Frame, bool) {
	if s.fail > 0 {
		s.fail--
		return nil, false
	}
	i := s.cursor
	s.cursor = (s.cursor + 1) % s.n
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Pix[0] = uint8(i + 1)
	img.Pix[2] = 0xee
	return &source.Frame{Image: img, Layout: s.layout, Index: i}, true
}

func (s *frameSource) Info() source.Info { return source.Info{Width: 2, Height: 2, Frames: s.reported} }

func (s *frameSource) Close() error {
	s.open, s.closed = false, true
	return nil
}

func TestStillIndex(t *testing.T) {
	tests := []struct {
		frames int
		want   int
	}{
		{0, 0},
		{-5, 0},
		{1, 0},
		{3, 0},
		{4, 1},
		{100, 25},
		{241, 60},
	}
	for _, tt := range tests {
		if got := StillIndex(tt.frames); got != tt.want {
			t.Errorf("StillIndex(%d) = %d, want %d", tt.frames, got, tt.want)
		}
	}
}

func TestExtractStill(t *testing.T) {
	tests := []struct {
		name      string
		src       *frameSource
		wantIndex int
	}{
		{"quarter of known length", &frameSource{n: 100, reported: 100}, 25},
		{"unknown length uses first frame", &frameSource{n: 100}, 0},
		{"over-estimated length stops at the loop", &frameSource{n: 10, reported: 200}, 9},
		{"transient misses are skipped", &frameSource{n: 8, reported: 8, fail: 3}, 2},
		{"bgra frames", &frameSource{n: 8, reported: 8, layout: source.LayoutBGRA}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, index, err := ExtractStill(context.Background(), tt.src, "clip.mp4")
			if err != nil {
				t.Fatal(err)
			}
			if index != tt.wantIndex {
				t.Errorf("index = %d, want %d", index, tt.wantIndex)
			}
			if tt.src.layout == source.LayoutBGRA {
				if img.Pix[0] != 0xee || img.Pix[2] != uint8(tt.wantIndex+1) {
					t.Errorf("pixel = %v, want converted to RGBA", img.Pix[:4])
				}
			} else if img.Pix[0] != uint8(tt.wantIndex+1) {
				t.Errorf("pixel red = %d, want frame %d", img.Pix[0], tt.wantIndex)
			}
			if !tt.src.closed {
				t.Error("source should be closed after extraction")
			}
		})
	}
}

func TestExtractStillErrors(t *testing.T) {
	_, _, err := ExtractStill(context.Background(), &frameSource{n: 4, fail: maxMisses}, "dead.mp4")
	if !errors.Is(err, ErrNoFrame) {
		t.Errorf("err = %v, want ErrNoFrame", err)
	}

	_, _, err = ExtractStill(context.Background(), &frameSource{openErr: source.ErrNotFound}, "gone.mp4")
	if !errors.Is(err, source.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// fakeRoot records what the Manager does to the root background
type fakeRoot struct {
	size     image.Point
	layout   source.Layout
	current  xproto.Pixmap
	next     xproto.Pixmap
	painted  []*image.RGBA
	freed    []xproto.Pixmap
	applyErr error
}

func (r *fakeRoot) Size() image.Point               { return r.size }
func (r *fakeRoot) Layout() source.Layout           { return r.layout }
func (r *fakeRoot) Current() (xproto.Pixmap, error) { return r.current, nil }

func (r *fakeRoot) Paint(img *image.RGBA) (xproto.Pixmap, error) {
	cp := image.NewRGBA(img.Rect)
	copy(cp.Pix, img.Pix)
	r.painted = append(r.painted, cp)
	r.next++
	return r.next, nil
}

func (r *fakeRoot) Apply(p xproto.Pixmap) error {
	if r.applyErr != nil {
		return r.applyErr
	}
	r.current = p
	return nil
}

func (r *fakeRoot) Free(p xproto.Pixmap) error {
	r.freed = append(r.freed, p)
	return nil
}

func still(r uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = r
		img.Pix[i+3] = 0xff
	}
	return img
}

func TestSetAndRestore(t *testing.T) {
	root := &fakeRoot{size: image.Pt(8, 4), layout: source.LayoutRGBA, current: 500, next: 900}
	m := New(root, scale.Stretch)

	if err := m.Set(still(10)); err != nil {
		t.Fatal(err)
	}
	if root.current != 901 {
		t.Fatalf("root = %d, want the painted pixmap", root.current)
	}
	if got := root.painted[0].Rect.Size(); got != root.size {
		t.Errorf("painted size = %v, want %v", got, root.size)
	}

	// a second still replaces ours but the original stays remembered
	if err := m.Set(still(20)); err != nil {
		t.Fatal(err)
	}
	if root.current != 902 || len(root.freed) != 1 || root.freed[0] != 901 {
		t.Errorf("after second Set root=%d freed=%v", root.current, root.freed)
	}

	if err := m.Restore(); err != nil {
		t.Fatal(err)
	}
	if root.current != 500 {
		t.Errorf("restored root = %d, want 500", root.current)
	}
	if len(root.freed) != 2 || root.freed[1] != 902 {
		t.Errorf("freed = %v, want our last pixmap freed", root.freed)
	}

	root.current = 0
	if err := m.Restore(); err != nil || root.current != 0 {
		t.Errorf("second Restore touched the root: %d, %v", root.current, err)
	}
}

func TestSetConvertsToRootLayout(t *testing.T) {
	root := &fakeRoot{size: image.Pt(2, 2), layout: source.LayoutBGRA}
	m := New(root, scale.Fit)
	if err := m.Set(still(0x80)); err != nil {
		t.Fatal(err)
	}
	p := root.painted[0].Pix
	if p[0] != 0 || p[2] != 0x80 {
		t.Errorf("pixel = %v, want red in the third byte", p[:4])
	}
}

func TestSetFreesPixmapWhenApplyFails(t *testing.T) {
	root := &fakeRoot{size: image.Pt(2, 2), layout: source.LayoutRGBA, current: 7, applyErr: errors.New("bad window")}
	m := New(root, scale.Stretch)
	if err := m.Set(still(1)); err == nil {
		t.Fatal("expected error")
	}
	if len(root.freed) != 1 || root.freed[0] != 1 {
		t.Errorf("freed = %v, want the unused pixmap", root.freed)
	}
}

func TestSetFromFile(t *testing.T) {
	root := &fakeRoot{size: image.Pt(2, 2), layout: source.LayoutRGBA, current: 3}
	m := New(root, scale.Stretch)
	index, err := m.SetFromFile(context.Background(), &frameSource{n: 40, reported: 40}, "clip.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if index != 10 || root.painted[0].Pix[0] != 11 {
		t.Errorf("index=%d pixel=%d, want frame 10", index, root.painted[0].Pix[0])
	}
}
