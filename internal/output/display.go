package output

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
	"github.com/bryanchriswhite/CamStreamer/internal/service"
)

// Presenter puts pixels on a display. *drm.Surface implements it.
type Presenter interface {
	PresentAt(pixels []byte, width, height, stride int, format frame.PixelFormat, x, y int) error
	Teardown()
}

// DisplayParams place the picture on the output. Width and Height of 0
// keep the source size.
type DisplayParams struct {
	X       int  `json:"x" yaml:"x"`
	Y       int  `json:"y" yaml:"y"`
	Width   int  `json:"width" yaml:"width"`
	Height  int  `json:"height" yaml:"height"`
	Layer   int  `json:"layer" yaml:"layer"`
	Visible bool `json:"visible" yaml:"visible"`
}

// Validate rejects negative geometry and layers other than the primary
// plane.
func (p DisplayParams) Validate() error {
	const op = "validate display params"
	if p.X < 0 || p.Y < 0 {
		return mediaerr.Config(op, "position %d,%d must not be negative", p.X, p.Y)
	}
	if p.Width < 0 || p.Height < 0 || (p.Width == 0) != (p.Height == 0) {
		return mediaerr.Config(op, "size %dx%d must be both zero or both positive", p.Width, p.Height)
	}
	if p.Layer != 0 {
		return mediaerr.Config(op, "layer %d not supported, only the primary plane (0) is", p.Layer)
	}
	return nil
}

// DisplayStats extends the service counters with display activity.
type DisplayStats struct {
	service.Stats
	Params    DisplayParams `json:"params"`
	Presented uint64        `json:"presented"`
	Hidden    uint64        `json:"hidden"`
}

// DisplayOutput converts frames and presents them on its own goroutine.
// Show and Hide are posted tasks, so they take effect between frames in
// submission order.
type DisplayOutput struct {
	*service.ActiveService

	presenter Presenter

	mu     sync.Mutex
	params DisplayParams

	// worker goroutine only
	lastW, lastH int
	lastX, lastY int

	presented atomic.Uint64
	hidden    atomic.Uint64
}

// NewDisplayOutput returns a stopped display output that owns presenter
// and tears it down on Join.
func NewDisplayOutput(ctx context.Context, opts service.Options, presenter Presenter, params DisplayParams) (*DisplayOutput, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = "display"
	}
	d := &DisplayOutput{presenter: presenter, params: params}
	d.ActiveService = service.New(ctx, opts, d.handle)
	return d, nil
}

// SetParams validates p and applies it from the next frame on.
func (d *DisplayOutput) SetParams(p DisplayParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.params = p
	d.mu.Unlock()
	return nil
}

// Params returns the current placement.
func (d *DisplayOutput) Params() DisplayParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.params
}

// Show queues a task that makes the output visible.
func (d *DisplayOutput) Show() {
	d.Post(func() error {
		d.setVisible(true)
		return nil
	})
}

// Hide queues a task that stops presenting and blanks the last drawn
// region.
func (d *DisplayOutput) Hide() {
	d.Post(func() error {
		if !d.setVisible(false) {
			return nil
		}
		return d.blank()
	})
}

// setVisible reports whether the visibility changed.
func (d *DisplayOutput) setVisible(v bool) bool {
	d.mu.Lock()
	changed := d.params.Visible != v
	d.params.Visible = v
	d.mu.Unlock()
	if changed {
		logger.WithComponent(d.Name()).Info().Bool("visible", v).Msg("Display visibility changed")
	}
	return changed
}

func (d *DisplayOutput) blank() error {
	if d.lastW == 0 || d.lastH == 0 {
		return nil
	}
	black := make([]byte, d.lastW*d.lastH*4)
	return d.presenter.PresentAt(black, d.lastW, d.lastH, d.lastW*4, frame.FormatXRGB8888, d.lastX, d.lastY)
}

func (d *DisplayOutput) handle(f *frame.Buffer) error {
	p := d.Params()
	if !p.Visible {
		d.hidden.Add(1)
		return nil
	}

	pixels, w, h, stride, format := f.Bytes(), f.Width, f.Height, f.Stride, f.Format
	if p.Width > 0 && (p.Width != f.Width || p.Height != f.Height) {
		img, err := frameRGBA(f)
		if err != nil {
			return err
		}
		scaled := scaleTo(img, p.Width, p.Height)
		pixels, w, h, stride, format = rgbaToXRGB(scaled), p.Width, p.Height, p.Width*4, frame.FormatXRGB8888
	}

	if err := d.presenter.PresentAt(pixels, w, h, stride, format, p.X, p.Y); err != nil {
		return err
	}
	d.lastW, d.lastH, d.lastX, d.lastY = w, h, p.X, p.Y
	d.presented.Add(1)
	return nil
}

// Join waits for the worker to exit and tears the presenter down.
func (d *DisplayOutput) Join() {
	d.ActiveService.Join()
	d.presenter.Teardown()
}

// Stats returns the service counters plus display activity.
func (d *DisplayOutput) Stats() DisplayStats {
	return DisplayStats{
		Stats:     d.ActiveService.Stats(),
		Params:    d.Params(),
		Presented: d.presented.Load(),
		Hidden:    d.hidden.Load(),
	}
}
