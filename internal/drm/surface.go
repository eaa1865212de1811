package drm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
	"github.com/bryanchriswhite/CamStreamer/internal/pixfmt"
)

// State is the surface lifecycle state.
type State int

const (
	StateUninitialized State = iota
	// StateReady: resources chosen, nothing on screen yet.
	StateReady
	// StateBound: our framebuffer is scanned out.
	StateBound
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateBound:
		return "bound"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config selects the card, output and mode.
type Config struct {
	// Device is a card node; empty probes /dev/dri/card0..15.
	Device string
	// ConnectorID and CrtcID pick explicit objects; 0 auto-selects.
	ConnectorID uint32
	CrtcID      uint32
	// TargetWidth and TargetHeight pick the mode when an exact match
	// exists; otherwise the connector's first mode is used.
	TargetWidth  int
	TargetHeight int
}

// Stats are running counters.
type Stats struct {
	State       string `json:"state"`
	Device      string `json:"device,omitempty"`
	Connector   string `json:"connector,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Binds       uint64 `json:"binds"`
	Updates     uint64 `json:"updates"`
	Allocations uint64 `json:"allocations"`
}

type framebuffer struct {
	width  int
	height int
	format frame.PixelFormat
	dumb   DumbBuffer
	fbID   uint32
	mem    []byte
}

// Surface owns one output's scanout: the card, the chosen
// connector/CRTC/mode triple and at most one dumb framebuffer.
type Surface struct {
	open Opener
	log  *zerolog.Logger

	mu        sync.Mutex
	state     State
	card      Card
	device    string
	connector *Connector
	crtcID    uint32
	mode      Mode
	saved     *Crtc
	fb        *framebuffer

	binds       uint64
	updates     uint64
	allocations uint64

	mismatchLog *logger.Limiter
	bindLog     *logger.Limiter
}

// NewSurface returns an uninitialized surface. open defaults to Open.
func NewSurface(open Opener) *Surface {
	if open == nil {
		open = Open
	}
	return &Surface{
		open:        open,
		log:         logger.WithComponent("drm"),
		mismatchLog: logger.NewLimiter(30 * time.Second),
		bindLog:     logger.NewLimiter(5 * time.Second),
	}
}

// Initialize opens the card and chooses connector, CRTC and mode.
func (s *Surface) Initialize(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		return mediaerr.Errorf(mediaerr.ErrInvalidState, "initialize display", "surface is %s", s.state)
	}

	paths := []string{cfg.Device}
	if cfg.Device == "" {
		paths = CardPaths()
		if len(paths) == 0 {
			return mediaerr.Errorf(mediaerr.ErrDevice, "initialize display", "no DRM cards under /dev/dri")
		}
	}

	var errs []error
	for _, path := range paths {
		err := s.tryCard(path, cfg)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", path, err))
		if cfg.Device == "" {
			s.log.Debug().Err(err).Str("device", path).Msg("Card not usable")
		}
	}
	return mediaerr.New(mediaerr.ErrDevice, "initialize display", errors.Join(errs...))
}

func (s *Surface) tryCard(path string, cfg Config) error {
	card, err := s.open(path)
	if err != nil {
		return err
	}

	conn, crtcID, mode, err := selectPipeline(card, cfg)
	if err != nil {
		card.Close()
		return err
	}

	saved, err := card.Crtc(crtcID)
	if err != nil {
		s.log.Warn().Err(err).Uint32("crtc", crtcID).Msg("Could not read CRTC state; it will not be restored")
		saved = nil
	}

	s.card = card
	s.device = path
	s.connector = conn
	s.crtcID = crtcID
	s.mode = mode
	s.saved = saved
	s.state = StateReady

	s.log.Info().
		Str("device", path).
		Str("connector", conn.Name()).
		Uint32("connector_id", conn.ID).
		Uint32("crtc", crtcID).
		Str("mode", mode.String()).
		Msg("Display initialized")
	return nil
}

// selectPipeline picks the connector, CRTC and mode.
func selectPipeline(card Card, cfg Config) (*Connector, uint32, Mode, error) {
	res, err := card.Resources()
	if err != nil {
		return nil, 0, Mode{}, err
	}

	var conn *Connector
	if cfg.ConnectorID != 0 {
		c, err := card.Connector(cfg.ConnectorID)
		if err != nil {
			return nil, 0, Mode{}, err
		}
		if c.Connection != Connected || len(c.Modes) == 0 {
			return nil, 0, Mode{}, mediaerr.Config("select connector", "connector %d (%s) is not connected", c.ID, c.Name())
		}
		conn = c
	} else {
		for _, id := range res.Connectors {
			c, err := card.Connector(id)
			if err != nil {
				continue
			}
			if c.Connection == Connected && len(c.Modes) > 0 {
				conn = c
				break
			}
		}
		if conn == nil {
			return nil, 0, Mode{}, mediaerr.Errorf(mediaerr.ErrDevice, "select connector",
				"no connected output among %d connectors", len(res.Connectors))
		}
	}

	crtcID, err := selectCrtc(card, res, conn, cfg.CrtcID)
	if err != nil {
		return nil, 0, Mode{}, err
	}

	return conn, crtcID, selectMode(conn.Modes, cfg.TargetWidth, cfg.TargetHeight), nil
}

// selectCrtc prefers an explicit id, then the CRTC the connector's
// current encoder drives, then any CRTC a compatible encoder can reach,
// then the first CRTC.
func selectCrtc(card Card, res *Resources, conn *Connector, want uint32) (uint32, error) {
	if want != 0 {
		for _, id := range res.CRTCs {
			if id == want {
				return id, nil
			}
		}
		return 0, mediaerr.Config("select crtc", "crtc %d does not exist", want)
	}

	if conn.EncoderID != 0 {
		if enc, err := card.Encoder(conn.EncoderID); err == nil && enc.CrtcID != 0 {
			return enc.CrtcID, nil
		}
	}
	for _, encID := range conn.Encoders {
		enc, err := card.Encoder(encID)
		if err != nil {
			continue
		}
		for i, id := range res.CRTCs {
			if enc.PossibleCRTCs&(1<<uint(i)) != 0 {
				return id, nil
			}
		}
	}
	if len(res.CRTCs) > 0 {
		return res.CRTCs[0], nil
	}
	return 0, mediaerr.Errorf(mediaerr.ErrDevice, "select crtc", "no CRTC available for %s", conn.Name())
}

func selectMode(modes []Mode, width, height int) Mode {
	for _, m := range modes {
		if int(m.Hdisplay) == width && int(m.Vdisplay) == height {
			return m
		}
	}
	return modes[0]
}

// State returns the lifecycle state.
func (s *Surface) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Size returns the chosen mode's resolution.
func (s *Surface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.mode.Hdisplay), int(s.mode.Vdisplay)
}

// EnsureFramebuffer makes sure a framebuffer of exactly this geometry and
// format exists, reallocating if needed. Only XRGB8888 is supported.
func (s *Surface) EnsureFramebuffer(width, height int, format frame.PixelFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(width, height, format)
}

func (s *Surface) ensureLocked(width, height int, format frame.PixelFormat) error {
	if s.state == StateUninitialized {
		return mediaerr.Errorf(mediaerr.ErrInvalidState, "ensure framebuffer", "display not initialized")
	}
	if format != frame.FormatXRGB8888 {
		return mediaerr.Config("ensure framebuffer", "unsupported scanout format %s", format)
	}
	if width <= 0 || height <= 0 {
		return mediaerr.Config("ensure framebuffer", "invalid size %dx%d", width, height)
	}
	if fb := s.fb; fb != nil && fb.width == width && fb.height == height && fb.format == format {
		return nil
	}

	if s.fb != nil {
		s.freeFramebuffer()
		// the old buffer was what the CRTC scanned out
		if s.state == StateBound {
			s.state = StateReady
		}
	}

	fb, err := s.allocate(width, height, format)
	if err != nil {
		return err
	}
	s.fb = fb
	s.allocations++

	s.log.Debug().
		Int("width", width).
		Int("height", height).
		Uint32("pitch", fb.dumb.Pitch).
		Uint64("size", fb.dumb.Size).
		Uint32("fb_id", fb.fbID).
		Msg("Framebuffer allocated")
	return nil
}

// allocate runs create -> register -> map, unwinding on failure.
func (s *Surface) allocate(width, height int, format frame.PixelFormat) (*framebuffer, error) {
	dumb, err := s.card.CreateDumb(uint32(width), uint32(height), 32)
	if err != nil {
		return nil, fmt.Errorf("failed to create %dx%d dumb buffer: %w", width, height, err)
	}

	fbID, err := s.card.AddFB2(uint32(width), uint32(height), uint32(format), dumb.Handle, dumb.Pitch)
	if err != nil {
		s.card.DestroyDumb(dumb.Handle)
		return nil, fmt.Errorf("failed to register framebuffer: %w", err)
	}

	offset, err := s.card.MapDumb(dumb.Handle)
	if err == nil {
		var mem []byte
		mem, err = s.card.Mmap(offset, int(dumb.Size))
		if err == nil {
			return &framebuffer{width: width, height: height, format: format, dumb: dumb, fbID: fbID, mem: mem}, nil
		}
	}
	s.card.RemoveFB(fbID)
	s.card.DestroyDumb(dumb.Handle)
	return nil, fmt.Errorf("failed to map framebuffer: %w", err)
}

func (s *Surface) freeFramebuffer() {
	fb := s.fb
	if fb == nil {
		return
	}
	s.fb = nil
	if err := s.card.Munmap(fb.mem); err != nil {
		s.log.Warn().Err(err).Msg("Failed to unmap framebuffer")
	}
	if err := s.card.RemoveFB(fb.fbID); err != nil {
		s.log.Warn().Err(err).Uint32("fb_id", fb.fbID).Msg("Failed to remove framebuffer")
	}
	if err := s.card.DestroyDumb(fb.dumb.Handle); err != nil {
		s.log.Warn().Err(err).Msg("Failed to destroy dumb buffer")
	}
}

// Present shows pixels at the top-left of the output.
func (s *Surface) Present(pixels []byte, width, height int, format frame.PixelFormat) error {
	return s.PresentAt(pixels, width, height, 0, format, 0, 0)
}

// PresentAt converts pixels into the framebuffer at (x, y) and binds the
// framebuffer to the output on first use. The framebuffer always matches
// the mode resolution; a differently sized source is clipped or padded.
// stride 0 means tightly packed.
func (s *Surface) PresentAt(pixels []byte, width, height, stride int, format frame.PixelFormat, x, y int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateUninitialized {
		return mediaerr.Errorf(mediaerr.ErrInvalidState, "present", "display not initialized")
	}

	mw, mh := int(s.mode.Hdisplay), int(s.mode.Vdisplay)
	if err := s.ensureLocked(mw, mh, frame.FormatXRGB8888); err != nil {
		return err
	}

	if width != mw || height != mh {
		if ok, suppressed := s.mismatchLog.Allow(); ok {
			s.log.Warn().
				Int("source_width", width).
				Int("source_height", height).
				Int("mode_width", mw).
				Int("mode_height", mh).
				Uint64("suppressed", suppressed).
				Msg("Source and display resolution differ")
		}
	}

	if x < 0 || y < 0 || x >= mw || y >= mh {
		return mediaerr.Config("present", "position %d,%d outside %dx%d output", x, y, mw, mh)
	}
	pitch := int(s.fb.dumb.Pitch)
	dst := s.fb.mem[y*pitch+x*4:]
	src := pixfmt.Image{Data: pixels, Width: width, Height: height, Stride: stride, Format: format}
	if err := pixfmt.ToXRGB8888(dst, mw-x, mh-y, pitch, src); err != nil {
		return err
	}
	s.updates++

	if s.state == StateBound {
		return nil
	}
	return s.bindLocked()
}

func (s *Surface) bindLocked() error {
	err := s.card.SetCrtc(s.crtcID, s.fb.fbID, 0, 0, []uint32{s.connector.ID}, &s.mode)
	if err != nil {
		if ok, suppressed := s.bindLog.Allow(); ok {
			s.log.Error().
				Err(err).
				Uint32("crtc", s.crtcID).
				Uint64("suppressed", suppressed).
				Msg("Failed to activate display, will retry on next frame")
		}
		return fmt.Errorf("failed to set CRTC %d: %w", s.crtcID, err)
	}
	s.state = StateBound
	s.binds++
	s.log.Info().
		Uint32("crtc", s.crtcID).
		Str("connector", s.connector.Name()).
		Str("mode", s.mode.String()).
		Msg("Display activated")
	return nil
}

// Teardown restores the output's previous configuration if we changed
// it, frees the framebuffer and closes the card. Restore failures are
// logged only. Safe to call more than once.
func (s *Surface) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateUninitialized {
		return
	}

	if s.state == StateBound && s.saved != nil {
		var mode *Mode
		if s.saved.ModeValid {
			mode = &s.saved.Mode
		}
		err := s.card.SetCrtc(s.saved.ID, s.saved.FbID, s.saved.X, s.saved.Y, []uint32{s.connector.ID}, mode)
		if err != nil {
			s.log.Warn().Err(err).Uint32("crtc", s.saved.ID).Msg("Failed to restore previous display configuration")
		}
	}

	s.freeFramebuffer()
	if err := s.card.Close(); err != nil {
		s.log.Debug().Err(err).Msg("Card close failed")
	}

	s.card = nil
	s.connector = nil
	s.saved = nil
	s.state = StateUninitialized
	s.log.Info().Str("device", s.device).Msg("Display torn down")
}

// Stats returns a snapshot of the counters.
func (s *Surface) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		State:       s.state.String(),
		Device:      s.device,
		Binds:       s.binds,
		Updates:     s.updates,
		Allocations: s.allocations,
	}
	if s.connector != nil {
		st.Connector = s.connector.Name()
		st.Mode = s.mode.String()
	}
	return st
}
