package overlay

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// TextFunc produces the text for one frame.
type TextFunc func(info Info) string

// TextWidget displays a line of text with an optional background box
type TextWidget struct {
	*BaseWidget
	text      TextFunc
	textColor color.RGBA
	bgColor   *color.RGBA // nil for transparent
	padding   int
}

// NewTextWidget creates a widget drawing a fixed string
func NewTextWidget(id string, x, y int, text string) *TextWidget {
	return NewDynamicTextWidget(id, x, y, func(Info) string { return text })
}

// NewDynamicTextWidget creates a widget whose text is recomputed per frame
func NewDynamicTextWidget(id string, x, y int, text TextFunc) *TextWidget {
	bg := color.RGBA{0, 0, 0, 160}
	return &TextWidget{
		BaseWidget: NewBaseWidget(id, x, y, 1.0),
		text:       text,
		textColor:  color.RGBA{255, 255, 255, 255},
		bgColor:    &bg,
		padding:    4,
	}
}

// NewFrameInfoWidget creates the default OSD line: sequence, capture time,
// geometry and measured rate.
func NewFrameInfoWidget(id string, x, y int) *TextWidget {
	return NewDynamicTextWidget(id, x, y, func(i Info) string {
		return fmt.Sprintf("#%d  t=%.3fs  %dx%d %s  %.1f fps",
			i.Sequence, i.Timestamp.Seconds(), i.Width, i.Height, i.Format, i.FPS)
	})
}

// Render draws the text widget
func (w *TextWidget) Render(img *image.RGBA, info Info) error {
	if !w.IsEnabled() || w.text == nil {
		return nil
	}
	text := w.text(info)
	if text == "" {
		return nil
	}

	face := basicfont.Face7x13
	metrics := face.Metrics()
	ascent := metrics.Ascent.Ceil()
	lineHeight := metrics.Height.Ceil()
	textWidth := font.MeasureString(face, text).Ceil()

	if w.bgColor != nil {
		DrawRectangle(img, w.x, w.y, textWidth+w.padding*2, lineHeight+w.padding*2, *w.bgColor, w.opacity)
	}

	textImg := image.NewRGBA(image.Rect(0, 0, textWidth, lineHeight))
	d := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(w.textColor),
		Face: face,
		Dot:  fixed.P(0, ascent),
	}
	d.DrawString(text)

	BlendImage(img, textImg, w.x+w.padding, w.y+w.padding, w.opacity)
	return nil
}

// SetColor sets the text color
func (w *TextWidget) SetColor(c color.RGBA) {
	w.textColor = c
}

// SetBackground sets the background color (nil for transparent)
func (w *TextWidget) SetBackground(c *color.RGBA) {
	w.bgColor = c
}
