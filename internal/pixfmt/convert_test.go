package pixfmt

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
)

func TestYCbCrToRGB(t *testing.T) {
	tests := []struct {
		name      string
		y, cb, cr byte
		r, g, b   byte
	}{
		{"mid gray", 128, 128, 128, 128, 128, 128},
		{"black", 0, 128, 128, 0, 0, 0},
		{"white", 255, 128, 128, 255, 255, 255},
		{"clamp high red", 255, 128, 255, 255, 164, 255},
		{"clamp low", 0, 0, 0, 0, 135, 0},
		{"truncates fractions", 100, 128, 200, 200, 48, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, g, b := YCbCrToRGB(tt.y, tt.cb, tt.cr)
			if r != tt.r || g != tt.g || b != tt.b {
				t.Errorf("YCbCrToRGB(%d,%d,%d) = (%d,%d,%d), want (%d,%d,%d)",
					tt.y, tt.cb, tt.cr, r, g, b, tt.r, tt.g, tt.b)
			}
		})
	}
}

func nv12(w, h int, y, u, v byte) []byte {
	buf := make([]byte, w*h+w*h/2)
	for i := 0; i < w*h; i++ {
		buf[i] = y
	}
	for i := w * h; i < len(buf); i += 2 {
		buf[i] = u
		buf[i+1] = v
	}
	return buf
}

// TestToXRGB8888_ByteOrderAndPitch checks the B,G,R,X layout and that
// padding bytes beyond the row width are not written.
func TestToXRGB8888_ByteOrderAndPitch(t *testing.T) {
	const w, h, pitch = 4, 2, 20
	dst := make([]byte, pitch*h)
	for i := range dst {
		dst[i] = 0xAA
	}
	src := Image{Data: nv12(w, h, 128, 128, 255), Width: w, Height: h, Format: frame.FormatNV12}
	if err := ToXRGB8888(dst, w, h, pitch, src); err != nil {
		t.Fatal(err)
	}
	r, g, b := YCbCrToRGB(128, 128, 255)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := y*pitch + x*4
			if dst[o] != b || dst[o+1] != g || dst[o+2] != r || dst[o+3] != 0 {
				t.Fatalf("pixel (%d,%d) = %v, want [%d %d %d 0]", x, y, dst[o:o+4], b, g, r)
			}
		}
		for o := y*pitch + w*4; o < (y+1)*pitch; o++ {
			if dst[o] != 0xAA {
				t.Fatalf("padding byte %d overwritten", o)
			}
		}
	}
}

func TestToXRGB8888_ClipsToSmallerGeometry(t *testing.T) {
	src := Image{Data: nv12(4, 4, 255, 128, 128), Width: 4, Height: 4, Format: frame.FormatNV12}
	dst := make([]byte, 8*8*4)
	if err := ToXRGB8888(dst, 8, 8, 32, src); err != nil {
		t.Fatal(err)
	}
	if dst[3*32+3*4] != 255 {
		t.Error("inside region not written")
	}
	if dst[5*32+5*4] != 0 {
		t.Error("outside region written")
	}
}

func TestToXRGB8888_Errors(t *testing.T) {
	tests := []struct {
		name  string
		dstW  int
		pitch int
		src   Image
		want  error
	}{
		{
			name:  "short payload",
			dstW:  4,
			pitch: 16,
			src:   Image{Data: make([]byte, 3), Width: 4, Height: 4, Format: frame.FormatNV12},
			want:  mediaerr.ErrProcessing,
		},
		{
			name:  "unsupported format",
			dstW:  4,
			pitch: 16,
			src:   Image{Data: make([]byte, 64), Width: 4, Height: 4, Format: frame.FourCC('H', '2', '6', '4')},
			want:  mediaerr.ErrConfiguration,
		},
		{
			name:  "small pitch",
			dstW:  4,
			pitch: 8,
			src:   Image{Data: nv12(4, 4, 0, 128, 128), Width: 4, Height: 4, Format: frame.FormatNV12},
			want:  mediaerr.ErrConfiguration,
		},
		{
			// an odd-width chroma row needs a whole U,V pair for the last column
			name:  "odd width NV12 tight payload",
			dstW:  3,
			pitch: 12,
			src:   Image{Data: make([]byte, 9), Width: 3, Height: 2, Format: frame.FormatNV12},
			want:  mediaerr.ErrProcessing,
		},
		{
			name:  "odd width NV12 stride below chroma row",
			dstW:  3,
			pitch: 12,
			src:   Image{Data: make([]byte, 64), Width: 3, Height: 2, Stride: 3, Format: frame.FormatNV21},
			want:  mediaerr.ErrConfiguration,
		},
		{
			name:  "YUYV stride below row",
			dstW:  4,
			pitch: 16,
			src:   Image{Data: make([]byte, 64), Width: 4, Height: 2, Stride: 6, Format: frame.FormatYUYV},
			want:  mediaerr.ErrConfiguration,
		},
		{
			name:  "RGB24 stride below row",
			dstW:  4,
			pitch: 16,
			src:   Image{Data: make([]byte, 64), Width: 4, Height: 2, Stride: 8, Format: frame.FormatRGB24},
			want:  mediaerr.ErrConfiguration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, tt.pitch*tt.src.Height)
			if err := ToXRGB8888(dst, tt.dstW, tt.src.Height, tt.pitch, tt.src); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

// Odd widths read the last column's chroma from a padded row.
func TestToXRGB8888_OddWidth(t *testing.T) {
	const w, h = 3, 2
	src := Image{Data: nv12(4, h, 128, 128, 255), Width: w, Height: h, Format: frame.FormatNV12}
	dst := make([]byte, w*h*4)
	if err := ToXRGB8888(dst, w, h, w*4, src); err != nil {
		t.Fatal(err)
	}
	r, g, b := YCbCrToRGB(128, 128, 255)
	o := (1*w + 2) * 4
	if dst[o] != b || dst[o+1] != g || dst[o+2] != r {
		t.Errorf("last pixel = %v, want [%d %d %d]", dst[o:o+3], b, g, r)
	}

	yuyv := Image{Data: make([]byte, 8*h), Width: w, Height: h, Format: frame.FormatYUYV}
	if err := ToXRGB8888(dst, w, h, w*4, yuyv); err != nil {
		t.Fatalf("odd width YUYV: %v", err)
	}
}

func TestToRGBA(t *testing.T) {
	src := Image{Data: nv12(2, 2, 128, 128, 255), Width: 2, Height: 2, Format: frame.FormatNV12}
	img, err := ToRGBA(src)
	if err != nil {
		t.Fatal(err)
	}
	r, g, b := YCbCrToRGB(128, 128, 255)
	c := img.RGBAAt(1, 1)
	if c.R != r || c.G != g || c.B != b || c.A != 255 {
		t.Errorf("RGBAAt = %+v, want %d,%d,%d,255", c, r, g, b)
	}
}

func solidJPEG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func near(a, b byte) bool {
	d := int(a) - int(b)
	return d > -8 && d < 8
}

// MJPEG frames are decoded; the JPEG header wins over frame metadata.
func TestMJPEG(t *testing.T) {
	want := color.RGBA{R: 200, G: 40, B: 90, A: 255}
	src := Image{Data: solidJPEG(t, 16, 8, want), Width: 1, Height: 1, Format: frame.FormatMJPEG}

	img, err := ToRGBA(src)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 8 {
		t.Fatalf("decoded size %v, want 16x8", img.Bounds())
	}
	if c := img.RGBAAt(5, 5); !near(c.R, want.R) || !near(c.G, want.G) || !near(c.B, want.B) {
		t.Errorf("RGBAAt = %+v, want about %+v", c, want)
	}

	dst := make([]byte, 16*8*4)
	if err := ToXRGB8888(dst, 16, 8, 16*4, src); err != nil {
		t.Fatal(err)
	}
	px := dst[(3*16+7)*4:]
	if !near(px[0], want.B) || !near(px[1], want.G) || !near(px[2], want.R) || px[3] != 0 {
		t.Errorf("XRGB pixel = %v, want about B=%d G=%d R=%d X=0", px[:4], want.B, want.G, want.R)
	}

	_, err = ToRGBA(Image{Data: []byte("not a jpeg"), Width: 4, Height: 4, Format: frame.FormatMJPEG})
	if !errors.Is(err, mediaerr.ErrProcessing) {
		t.Errorf("corrupt MJPEG: got %v, want ErrProcessing", err)
	}
}
