// Package pixfmt converts captured YUV frames into packed RGB layouts for
// display planes and previews.
package pixfmt

import (
	"bytes"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
)

// BT.601 coefficients in 16.16 fixed point.
const (
	crToR = 91881  // 1.402
	cbToG = 22544  // 0.344
	crToG = 46793  // 0.714
	cbToB = 116131 // 1.772
)

func clamp(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// YCbCrToRGB converts one BT.601 full-range sample. Fractions are
// truncated, not rounded.
func YCbCrToRGB(y, cb, cr byte) (r, g, b byte) {
	yy := int(y) << 16
	u := int(cb) - 128
	v := int(cr) - 128
	r = clamp((yy + crToR*v) >> 16)
	g = clamp((yy - cbToG*u - crToG*v) >> 16)
	b = clamp((yy + cbToB*u) >> 16)
	return
}

// Image describes a source pixel buffer.
type Image struct {
	Data   []byte
	Width  int
	Height int
	// Stride is bytes per luma row; 0 means tightly packed.
	Stride int
	Format frame.PixelFormat
}

// FromBuffer describes an Owned or single-plane frame buffer.
func FromBuffer(b *frame.Buffer) Image {
	return Image{Data: b.Bytes(), Width: b.Width, Height: b.Height, Stride: b.Stride, Format: b.Format}
}

func (src Image) stride() int {
	if src.Stride > 0 {
		return src.Stride
	}
	return src.Format.RowBytes(src.Width)
}

func (src Image) check(op string) error {
	if src.Width <= 0 || src.Height <= 0 {
		return mediaerr.Config(op, "invalid source geometry %dx%d", src.Width, src.Height)
	}
	stride := src.stride()
	need := stride * src.Height
	switch src.Format {
	case frame.FormatNV12, frame.FormatNV21:
		need += stride * ((src.Height + 1) / 2)
	case frame.FormatYUYV, frame.FormatRGB24, frame.FormatXRGB8888:
	default:
		return mediaerr.Config(op, "cannot convert from %s", src.Format)
	}
	if row := src.Format.RowBytes(src.Width); stride < row {
		return mediaerr.Config(op, "%s stride %d below row size %d for width %d", src.Format, stride, row, src.Width)
	}
	if len(src.Data) < need {
		return mediaerr.Errorf(mediaerr.ErrProcessing, op,
			"short %s payload: %d bytes, need %d for %dx%d", src.Format, len(src.Data), need, src.Width, src.Height)
	}
	return nil
}

// ToXRGB8888 writes src into dst as B,G,R,X bytes per pixel. dst has the
// given width, height and pitch in bytes. The copied region is clipped to
// the smaller of the two geometries; pixels outside it are left untouched.
func ToXRGB8888(dst []byte, dstW, dstH, pitch int, src Image) error {
	const op = "convert to XRGB8888"
	if src.Format.Compressed() {
		img, err := decodeJPEG(op, src.Data)
		if err != nil {
			return err
		}
		src = xrgbImage(img)
	}
	if err := src.check(op); err != nil {
		return err
	}
	if pitch < dstW*4 || len(dst) < pitch*(dstH-1)+dstW*4 {
		return mediaerr.Config(op, "destination %dx%d pitch %d too small (%d bytes)", dstW, dstH, pitch, len(dst))
	}
	w := min(dstW, src.Width)
	h := min(dstH, src.Height)
	stride := src.stride()

	put := func(row []byte, x int, r, g, b byte) {
		o := x * 4
		row[o] = b
		row[o+1] = g
		row[o+2] = r
		row[o+3] = 0
	}

	switch src.Format {
	case frame.FormatNV12, frame.FormatNV21:
		uvBase := stride * src.Height
		ui, vi := 0, 1
		if src.Format == frame.FormatNV21 {
			ui, vi = 1, 0
		}
		for y := 0; y < h; y++ {
			row := dst[y*pitch:]
			yRow := src.Data[y*stride:]
			uvRow := src.Data[uvBase+(y/2)*stride:]
			for x := 0; x < w; x++ {
				c := (x / 2) * 2
				r, g, b := YCbCrToRGB(yRow[x], uvRow[c+ui], uvRow[c+vi])
				put(row, x, r, g, b)
			}
		}
	case frame.FormatYUYV:
		for y := 0; y < h; y++ {
			row := dst[y*pitch:]
			s := src.Data[y*stride:]
			for x := 0; x < w; x++ {
				p := (x / 2) * 4
				r, g, b := YCbCrToRGB(s[x*2], s[p+1], s[p+3])
				put(row, x, r, g, b)
			}
		}
	case frame.FormatRGB24:
		for y := 0; y < h; y++ {
			row := dst[y*pitch:]
			s := src.Data[y*stride:]
			for x := 0; x < w; x++ {
				put(row, x, s[x*3], s[x*3+1], s[x*3+2])
			}
		}
	case frame.FormatXRGB8888:
		for y := 0; y < h; y++ {
			copy(dst[y*pitch:y*pitch+w*4], src.Data[y*stride:])
		}
	}
	return nil
}

// ToRGBA converts src into a new RGBA image of the source size.
func ToRGBA(src Image) (*image.RGBA, error) {
	const op = "convert to RGBA"
	if src.Format.Compressed() {
		return decodeJPEG(op, src.Data)
	}
	if err := src.check(op); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, src.Width, src.Height))
	if err := ToXRGB8888(img.Pix, src.Width, src.Height, img.Stride, src); err != nil {
		return nil, err
	}
	// XRGB8888 is B,G,R,X in memory; RGBA wants R,G,B,A.
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+2] = img.Pix[i+2], img.Pix[i]
		img.Pix[i+3] = 0xff
	}
	return img, nil
}

// decodeJPEG decodes one MJPEG frame. The JPEG header decides the size.
func decodeJPEG(op string, data []byte) (*image.RGBA, error) {
	decoded, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, mediaerr.Processing(op, err)
	}
	b := decoded.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), decoded, b.Min, draw.Src)
	return img, nil
}

// xrgbImage repacks RGBA as an XRGB8888 source.
func xrgbImage(img *image.RGBA) Image {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		dst := out[y*w*4:]
		for i := 0; i < len(src); i += 4 {
			dst[i], dst[i+1], dst[i+2], dst[i+3] = src[i+2], src[i+1], src[i], 0
		}
	}
	return Image{Data: out, Width: w, Height: h, Stride: w * 4, Format: frame.FormatXRGB8888}
}
