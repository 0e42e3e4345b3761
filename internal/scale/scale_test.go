package scale

import (
	"image"
	"image/color"
	"testing"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestScaleYieldsTargetSize(t *testing.T) {
	sources := []image.Point{{1920, 1080}, {640, 480}, {1, 1}, {3, 1000}, {1000, 3}}
	targets := []image.Point{{1920, 1080}, {1366, 768}, {800, 1280}, {7, 5}}

	for _, mode := range []Mode{Stretch, Fill, Fit} {
		for _, src := range sources {
			for _, dst := range targets {
				s := New(mode)
				out := s.Scale(solid(src.X, src.Y, color.RGBA{10, 20, 30, 255}), dst)
				if got := out.Bounds().Size(); got != dst {
					t.Errorf("%s %v -> %v: got %v", mode, src, dst, got)
				}
			}
		}
	}
}

func TestScaleSameSizeIsIdentity(t *testing.T) {
	src := solid(16, 9, color.RGBA{1, 2, 3, 255})
	if out := New(Stretch).Scale(src, image.Pt(16, 9)); out != src {
		t.Error("expected source to be returned unchanged")
	}
}

func TestFitLetterboxesBlack(t *testing.T) {
	// 2:1 source into a square target leaves bars top and bottom
	out := New(Fit).Scale(solid(20, 10, color.RGBA{200, 100, 50, 255}), image.Pt(10, 10))

	top := out.RGBAAt(5, 0)
	if top != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("top bar = %v, want opaque black", top)
	}
	mid := out.RGBAAt(5, 5)
	if mid.R < 190 || mid.G < 90 {
		t.Errorf("centre = %v, want source colour", mid)
	}
}

func TestFillCropsCentre(t *testing.T) {
	// Left half red, right half blue; filling a tall target keeps the middle columns
	src := image.NewRGBA(image.Rect(0, 0, 40, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 40; x++ {
			c := color.RGBA{255, 0, 0, 255}
			if x >= 20 {
				c = color.RGBA{0, 0, 255, 255}
			}
			src.SetRGBA(x, y, c)
		}
	}
	out := New(Fill).Scale(src, image.Pt(10, 20))

	left := out.RGBAAt(0, 10)
	right := out.RGBAAt(9, 10)
	if left.R < 200 {
		t.Errorf("left edge = %v, want red", left)
	}
	if right.B < 200 {
		t.Errorf("right edge = %v, want blue", right)
	}
}

func TestScaleReusesBuffer(t *testing.T) {
	s := New(Stretch)
	a := s.Scale(solid(4, 4, color.RGBA{}), image.Pt(8, 8))
	b := s.Scale(solid(4, 4, color.RGBA{}), image.Pt(8, 8))
	if a != b {
		t.Error("expected buffer reuse for equal target size")
	}
	c := s.Scale(solid(4, 4, color.RGBA{}), image.Pt(9, 8))
	if c.Bounds().Dx() != 9 {
		t.Errorf("resized target width = %d", c.Bounds().Dx())
	}
}

func TestSwapRB(t *testing.T) {
	src := solid(3, 2, color.RGBA{1, 2, 3, 4})
	out := SwapRB(nil, src)
	for i := 0; i < len(out.Pix); i += 4 {
		if out.Pix[i] != 3 || out.Pix[i+1] != 2 || out.Pix[i+2] != 1 || out.Pix[i+3] != 4 {
			t.Fatalf("pixel %d = %v", i/4, out.Pix[i:i+4])
		}
	}
	back := SwapRB(nil, out)
	if back.Pix[0] != 1 || back.Pix[2] != 3 {
		t.Errorf("double swap = %v, want original", back.Pix[:4])
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", Stretch, false},
		{"stretch", Stretch, false},
		{"fill", Fill, false},
		{"fit", Fit, false},
		{"zoom", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestNewDefaultsToStretch(t *testing.T) {
	if got := New("").Mode; got != Stretch {
		t.Errorf("New(\"\").Mode = %q, want %q", got, Stretch)
	}
	if got := New(Fit).Mode; got != Fit {
		t.Errorf("New(Fit).Mode = %q", got)
	}
}
