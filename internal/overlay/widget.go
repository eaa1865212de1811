// Package overlay stamps on-screen text onto preview frames.
package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"time"
)

// Info describes the frame being stamped.
type Info struct {
	Sequence  uint64
	Timestamp time.Duration
	Width     int
	Height    int
	Format    string
	FPS       float64
}

// Widget is one renderable overlay element.
type Widget interface {
	// ID returns the unique identifier for this widget instance
	ID() string

	// Render draws the widget onto img at its configured position
	Render(img *image.RGBA, info Info) error

	IsEnabled() bool
	SetEnabled(enabled bool)
}

// BaseWidget provides common functionality for all widgets
type BaseWidget struct {
	id      string
	enabled bool
	x       int
	y       int
	opacity float64 // 0.0 to 1.0
}

// NewBaseWidget creates a new base widget
func NewBaseWidget(id string, x, y int, opacity float64) *BaseWidget {
	w := &BaseWidget{id: id, enabled: true, x: x, y: y}
	w.SetOpacity(opacity)
	return w
}

// ID returns the widget's unique identifier
func (w *BaseWidget) ID() string {
	return w.id
}

// IsEnabled returns whether the widget should be rendered
func (w *BaseWidget) IsEnabled() bool {
	return w.enabled
}

// SetEnabled sets whether the widget should be rendered
func (w *BaseWidget) SetEnabled(enabled bool) {
	w.enabled = enabled
}

// Position returns the widget's top-left corner
func (w *BaseWidget) Position() (int, int) {
	return w.x, w.y
}

// SetPosition moves the widget
func (w *BaseWidget) SetPosition(x, y int) {
	w.x = x
	w.y = y
}

// SetOpacity sets the widget's opacity, clamped to 0.0..1.0
func (w *BaseWidget) SetOpacity(opacity float64) {
	if opacity < 0.0 {
		opacity = 0.0
	}
	if opacity > 1.0 {
		opacity = 1.0
	}
	w.opacity = opacity
}

// BlendImage composites premultiplied src over dst with its top-left at
// (x, y), scaling src by opacity. dst is treated as opaque.
func BlendImage(dst *image.RGBA, src *image.RGBA, x, y int, opacity float64) {
	sb := src.Bounds()
	r := image.Rect(x, y, x+sb.Dx(), y+sb.Dy()).Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	k := uint32(opacity * 256)
	for dy := r.Min.Y; dy < r.Max.Y; dy++ {
		sy := sb.Min.Y + dy - y
		for dx := r.Min.X; dx < r.Max.X; dx++ {
			sx := sb.Min.X + dx - x
			si := src.PixOffset(sx, sy)
			a := uint32(src.Pix[si+3]) * k >> 8
			if a == 0 {
				continue
			}
			di := dst.PixOffset(dx, dy)
			for c := 0; c < 3; c++ {
				s := uint32(src.Pix[si+c]) * k >> 8
				d := uint32(dst.Pix[di+c])
				dst.Pix[di+c] = uint8(min(s+d*(255-a)/255, 255))
			}
			dst.Pix[di+3] = 0xff
		}
	}
}

// DrawRectangle blends a filled rectangle of colour c onto dst.
func DrawRectangle(dst *image.RGBA, x, y, width, height int, c color.RGBA, opacity float64) {
	tmp := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(tmp, tmp.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	BlendImage(dst, tmp, x, y, opacity)
}
