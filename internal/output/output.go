// Package output holds the frame consumers the dispatcher fans out to:
// the encoder, the display output, the raw callback and the preview sinks.
// Each one embeds a service.ActiveService and does its work on that
// service's goroutine.
package output

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/pixfmt"
	"github.com/bryanchriswhite/CamStreamer/internal/service"
)

var (
	_ service.Consumer = (*Encoder)(nil)
	_ service.Consumer = (*DisplayOutput)(nil)
	_ service.Consumer = (*RawCallback)(nil)
	_ service.Consumer = (*MJPEGOutput)(nil)
	_ service.Consumer = (*X11Output)(nil)
)

// Config holds the geometry shared by the preview outputs.
type Config struct {
	Width  int
	Height int
	FPS    int
}

// fitRect returns the largest rectangle with the source aspect ratio that
// fits inside a dstW x dstH canvas, centred.
func fitRect(srcW, srcH, dstW, dstH int) image.Rectangle {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return image.Rectangle{}
	}
	scaleX := float64(dstW) / float64(srcW)
	scaleY := float64(dstH) / float64(srcH)
	scale := scaleX
	if scaleY < scaleX {
		scale = scaleY
	}
	w := int(float64(srcW) * scale)
	h := int(float64(srcH) * scale)
	x := (dstW - w) / 2
	y := (dstH - h) / 2
	return image.Rect(x, y, x+w, y+h)
}

// letterbox scales src into a black dstW x dstH canvas keeping aspect
// ratio. When the sizes already match src is returned as is.
func letterbox(src *image.RGBA, dstW, dstH int) *image.RGBA {
	b := src.Bounds()
	if b.Dx() == dstW && b.Dy() == dstH {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(dst, fitRect(b.Dx(), b.Dy(), dstW, dstH), src, b, draw.Src, nil)
	return dst
}

// scaleTo stretches src to exactly w x h.
func scaleTo(src *image.RGBA, w, h int) *image.RGBA {
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// frameRGBA converts an Owned frame into an RGBA image.
func frameRGBA(f *frame.Buffer) (*image.RGBA, error) {
	return pixfmt.ToRGBA(pixfmt.FromBuffer(f))
}

// rgbaToXRGB rewrites an RGBA image into a packed XRGB8888 byte slice.
func rgbaToXRGB(img *image.RGBA) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		dst := out[y*w*4 : (y+1)*w*4]
		for x := 0; x < w*4; x += 4 {
			dst[x] = row[x+2]
			dst[x+1] = row[x+1]
			dst[x+2] = row[x]
			dst[x+3] = 0
		}
	}
	return out
}
