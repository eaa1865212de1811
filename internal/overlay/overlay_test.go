package overlay

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
)

func grey(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x40
	}
	return img
}

func TestManagerWidgetOrder(t *testing.T) {
	m := NewManager()
	if err := m.AddWidget(NewTextWidget("a", 0, 0, "a")); err != nil {
		t.Fatal(err)
	}
	if err := m.AddWidget(NewTextWidget("b", 0, 0, "b")); err != nil {
		t.Fatal(err)
	}
	if err := m.AddWidget(NewTextWidget("a", 0, 0, "dup")); err == nil {
		t.Fatal("duplicate ID accepted")
	}

	ws := m.Widgets()
	if len(ws) != 2 || ws[0].ID() != "a" || ws[1].ID() != "b" {
		t.Fatalf("unexpected order: %v", ws)
	}

	if err := m.RemoveWidget("a"); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveWidget("a"); err == nil {
		t.Fatal("removing a missing widget succeeded")
	}
	if ws := m.Widgets(); len(ws) != 1 || ws[0].ID() != "b" {
		t.Fatalf("unexpected widgets after remove: %v", ws)
	}
}

// Scenario: the info line is drawn inside its box and nowhere else.
func TestRenderStampsOnlyWidgetRegion(t *testing.T) {
	img := grey(320, 120)
	m := NewDefaultManager()
	m.Render(img, Info{Sequence: 42, Width: 320, Height: 120, Format: "NV12", FPS: 30})

	changed := false
	for y := 0; y < 30; y++ {
		for x := 0; x < 320; x++ {
			if img.RGBAAt(x, y) != (color.RGBA{0x40, 0x40, 0x40, 0x40}) {
				changed = true
			}
		}
	}
	if !changed {
		t.Fatal("overlay did not touch the widget region")
	}
	for y := 60; y < 120; y++ {
		for x := 0; x < 320; x++ {
			if c := img.RGBAAt(x, y); c != (color.RGBA{0x40, 0x40, 0x40, 0x40}) {
				t.Fatalf("pixel %d,%d changed to %v outside the widget", x, y, c)
			}
		}
	}
}

func TestRenderDisabled(t *testing.T) {
	img := grey(64, 32)
	m := NewDefaultManager()
	m.SetEnabled(false)
	m.Render(img, Info{})
	for i, v := range img.Pix {
		if v != 0x40 {
			t.Fatalf("byte %d changed while overlay disabled", i)
		}
	}
}

func TestBlendImage(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = 0xff
	}

	t.Run("zero opacity leaves dst alone", func(t *testing.T) {
		dst := grey(8, 8)
		BlendImage(dst, src, 2, 2, 0)
		if dst.RGBAAt(3, 3).R != 0x40 {
			t.Fatal("dst changed at zero opacity")
		}
	})

	t.Run("opaque source replaces dst", func(t *testing.T) {
		dst := grey(8, 8)
		BlendImage(dst, src, 2, 2, 1)
		if got := dst.RGBAAt(3, 3); got != (color.RGBA{0xff, 0xff, 0xff, 0xff}) {
			t.Fatalf("got %v", got)
		}
		if dst.RGBAAt(1, 1).R != 0x40 {
			t.Fatal("pixel outside source changed")
		}
	})

	t.Run("clipped at edges", func(t *testing.T) {
		dst := grey(8, 8)
		BlendImage(dst, src, 6, -2, 1)
		BlendImage(dst, src, 100, 100, 1)
		if dst.RGBAAt(7, 0).R != 0xff {
			t.Fatal("visible part of clipped source not drawn")
		}
	})
}

func TestObserveEstimatesRate(t *testing.T) {
	m := NewManager()
	var info Info
	for i := 0; i < 100; i++ {
		f := frame.NewOwned(nil)
		f.Sequence = uint64(i)
		f.Timestamp = uint64(1_000_000 + i*33_333)
		info = m.Observe(f)
	}
	if math.Abs(info.FPS-30) > 0.5 {
		t.Fatalf("fps = %.2f, want about 30", info.FPS)
	}
	if info.Sequence != 99 {
		t.Fatalf("sequence = %d", info.Sequence)
	}
}
