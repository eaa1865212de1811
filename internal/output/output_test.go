package output

import (
	"image"
	"testing"
)

func TestFitRect(t *testing.T) {
	tests := []struct {
		name                   string
		srcW, srcH, dstW, dstH int
		want                   image.Rectangle
	}{
		{"same size", 640, 480, 640, 480, image.Rect(0, 0, 640, 480)},
		{"pillarbox", 640, 480, 1280, 480, image.Rect(320, 0, 960, 480)},
		{"letterbox", 1280, 720, 640, 640, image.Rect(0, 140, 640, 500)},
		{"empty source", 0, 480, 640, 480, image.Rectangle{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fitRect(tt.srcW, tt.srcH, tt.dstW, tt.dstH); got != tt.want {
				t.Errorf("fitRect = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLetterboxKeepsBarsBlack(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = 0xff
	}
	out := letterbox(src, 8, 4)
	if out.Bounds().Dx() != 8 || out.Bounds().Dy() != 4 {
		t.Fatalf("size %v", out.Bounds())
	}
	if c := out.RGBAAt(0, 2); c.R != 0 || c.A != 0xff {
		t.Errorf("bar pixel = %v, want opaque black", c)
	}
	if c := out.RGBAAt(4, 2); c.R != 0xff {
		t.Errorf("picture pixel = %v, want white", c)
	}
	if letterbox(src, 4, 4) != src {
		t.Error("same-size letterbox should return the source")
	}
}

func TestRGBAToXRGB(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	copy(img.Pix, []byte{1, 2, 3, 255, 4, 5, 6, 255})
	got := rgbaToXRGB(img)
	want := []byte{3, 2, 1, 0, 6, 5, 4, 0}
	if string(got) != string(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
