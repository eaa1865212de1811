package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
)

// State is the source lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// FrameCallback receives a Borrowed frame on the capture goroutine. The
// frame is only valid until the callback returns.
type FrameCallback func(*frame.Buffer)

// ErrorCallback is told about the failure that stopped capture.
type ErrorCallback func(error)

// SourceConfig selects the device and geometry.
type SourceConfig struct {
	Device      string
	Width       int
	Height      int
	Format      frame.PixelFormat
	BufferCount int
	// WaitTimeout bounds each wait for a filled buffer.
	WaitTimeout time.Duration
}

// DefaultWaitTimeout is used when SourceConfig.WaitTimeout is zero.
const DefaultWaitTimeout = 2 * time.Second

// SourceStats are running counters.
type SourceStats struct {
	State          string `json:"state"`
	Frames         uint64 `json:"frames"`
	Timeouts       uint64 `json:"timeouts"`
	CallbackPanics uint64 `json:"callback_panics"`
	LatestSlot     int    `json:"latest_slot"`
	LastError      string `json:"last_error,omitempty"`
}

// Source owns a capture device and the goroutine that drains it.
type Source struct {
	ctx  context.Context
	cfg  SourceConfig
	open Opener
	log  *zerolog.Logger

	lifecycle sync.Mutex // serializes Start and Stop
	state     atomic.Int32
	dev       Device
	pool      *BufferPool
	done      chan struct{}

	hookMu sync.Mutex // separate from lifecycle, which Stop holds while fail runs
	unhook func() bool

	cbMu    sync.RWMutex
	onFrame FrameCallback
	onError ErrorCallback

	errMu      sync.Mutex
	lastErr    error
	errPending bool // lastErr not yet returned by Start

	frames     atomic.Uint64
	timeouts   atomic.Uint64
	panics     atomic.Uint64
	timeoutLog *logger.Limiter
}

// NewSource returns a stopped source. Cancelling ctx stops the capture
// loop; Stop must still be called to release the device.
func NewSource(ctx context.Context, cfg SourceConfig, open Opener) *Source {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.BufferCount == 0 {
		cfg.BufferCount = 4
	}
	if open == nil {
		open = OpenV4L2
	}
	return &Source{
		ctx:        ctx,
		cfg:        cfg,
		open:       open,
		log:        logger.WithComponent("capture"),
		timeoutLog: logger.NewLimiter(10 * time.Second),
	}
}

// SetFrameCallback registers the fan-out callback.
func (s *Source) SetFrameCallback(fn FrameCallback) {
	s.cbMu.Lock()
	s.onFrame = fn
	s.cbMu.Unlock()
}

// SetErrorCallback registers the fatal error callback.
func (s *Source) SetErrorCallback(fn ErrorCallback) {
	s.cbMu.Lock()
	s.onError = fn
	s.cbMu.Unlock()
}

// State returns the current lifecycle state.
func (s *Source) State() State {
	return State(s.state.Load())
}

// Err returns the failure that last stopped capture, if any. It is kept
// until a later Start succeeds.
func (s *Source) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// Pool exposes the slot pool for inspection. Nil when stopped.
func (s *Source) Pool() *BufferPool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.pool
}

// Start opens and configures the device and launches the capture loop.
// If the previous session ended with a device failure, that error is
// returned once and the source stays stopped. Err still reports it.
func (s *Source) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if st := s.State(); st != StateStopped {
		return mediaerr.Errorf(mediaerr.ErrInvalidState, "start capture", "source is %s", st)
	}

	s.errMu.Lock()
	prev, pending := s.lastErr, s.errPending
	s.errPending = false
	s.errMu.Unlock()
	if pending {
		return fmt.Errorf("previous capture session failed: %w", prev)
	}

	s.dropHook()
	s.state.Store(int32(StateStarting))

	dev, err := s.open(s.cfg.Device)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to open capture device %s: %w", s.cfg.Device, err)
	}

	pool := NewBufferPool(dev)
	fail := func(step string, err error) error {
		pool.Teardown()
		dev.Close()
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to %s on %s: %w", step, s.cfg.Device, err)
	}

	if err := pool.Initialize(s.cfg.BufferCount, s.cfg.Width, s.cfg.Height, s.cfg.Format); err != nil {
		return fail("initialize buffers", err)
	}
	if err := pool.SubmitAll(); err != nil {
		return fail("queue buffers", err)
	}
	if err := dev.StreamOn(); err != nil {
		return fail("start streaming", err)
	}

	s.dev = dev
	s.pool = pool
	s.done = make(chan struct{})
	s.hookMu.Lock()
	s.unhook = context.AfterFunc(s.ctx, func() { dev.Interrupt() })
	s.hookMu.Unlock()
	s.errMu.Lock()
	s.lastErr = nil
	s.errMu.Unlock()
	s.state.Store(int32(StateRunning))

	go s.run(dev, pool, s.done)

	f := pool.Format()
	s.log.Info().
		Str("device", s.cfg.Device).
		Int("width", f.Width).
		Int("height", f.Height).
		Str("format", f.PixelFormat.String()).
		Int("buffers", pool.Len()).
		Msg("Capture started")
	return nil
}

func (s *Source) run(dev Device, pool *BufferPool, done chan struct{}) {
	defer close(done)

	for s.State() == StateRunning && s.ctx.Err() == nil {
		idx, err := pool.WaitAndComplete(s.cfg.WaitTimeout)
		switch {
		case err == nil:
			if err := s.deliver(pool, idx); err != nil {
				s.fail(dev, pool, err)
				return
			}
		case errors.Is(err, mediaerr.ErrTimeout):
			n := s.timeouts.Add(1)
			if ok, suppressed := s.timeoutLog.Allow(); ok {
				s.log.Warn().
					Err(err).
					Uint64("timeouts", n).
					Uint64("suppressed", suppressed).
					Msg("No frame from capture device, retrying")
			}
		case errors.Is(err, mediaerr.ErrInterrupted):
			// re-check state
		default:
			s.fail(dev, pool, err)
			return
		}
	}
}

// deliver publishes one Ready slot and requeues it.
func (s *Source) deliver(pool *BufferPool, idx int) error {
	view, err := pool.View(idx)
	if err != nil {
		return err
	}

	s.cbMu.RLock()
	cb := s.onFrame
	s.cbMu.RUnlock()

	if cb != nil {
		s.invoke(cb, view)
	}
	s.frames.Add(1)

	return pool.Requeue(idx)
}

func (s *Source) invoke(cb FrameCallback, view *frame.Buffer) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.log.Error().
				Interface("panic", r).
				Uint64("sequence", view.Sequence).
				Msg("Frame callback panicked")
		}
	}()
	cb(view)
}

// fail records a fatal device error and shuts the session down from the
// capture goroutine, unless Stop is already doing so.
func (s *Source) fail(dev Device, pool *BufferPool, err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errPending = true
	s.errMu.Unlock()

	s.log.Error().Err(err).Str("device", s.cfg.Device).Msg("Capture device failed, stopping")

	s.cbMu.RLock()
	cb := s.onError
	s.cbMu.RUnlock()
	if cb != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Msg("Error callback panicked")
				}
			}()
			cb(err)
		}()
	}

	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	s.dropHook()
	s.release(dev, pool)
	s.state.Store(int32(StateStopped))
}

// dropHook detaches the context cancel hook so it cannot reach a closed
// device.
func (s *Source) dropHook() {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	if s.unhook != nil {
		s.unhook()
		s.unhook = nil
	}
}

func (s *Source) release(dev Device, pool *BufferPool) {
	if err := dev.StreamOff(); err != nil {
		s.log.Debug().Err(err).Msg("Stream off failed")
	}
	pool.Teardown()
	if err := dev.Close(); err != nil {
		s.log.Debug().Err(err).Msg("Device close failed")
	}
}

// Stop ends the capture loop, waits for it and releases the device. Safe
// to call when Start never ran or failed.
func (s *Source) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.done == nil {
		return nil
	}
	done := s.done
	dev, pool := s.dev, s.pool

	if s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		if err := dev.Interrupt(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to interrupt capture wait")
		}
		<-done
		s.dropHook()
		s.release(dev, pool)
		s.state.Store(int32(StateStopped))
	} else {
		// the capture goroutine hit a device error and is releasing
		<-done
	}

	s.dropHook()
	s.done = nil
	s.dev = nil
	s.pool = nil

	s.log.Info().
		Uint64("frames", s.frames.Load()).
		Uint64("timeouts", s.timeouts.Load()).
		Msg("Capture stopped")
	return nil
}

// Stats returns a snapshot of the counters.
func (s *Source) Stats() SourceStats {
	st := SourceStats{
		State:          s.State().String(),
		Frames:         s.frames.Load(),
		Timeouts:       s.timeouts.Load(),
		CallbackPanics: s.panics.Load(),
		LatestSlot:     -1,
	}
	s.lifecycle.Lock()
	if s.pool != nil {
		st.LatestSlot = s.pool.LatestIndex()
	}
	s.lifecycle.Unlock()
	if err := s.Err(); err != nil {
		st.LastError = err.Error()
	}
	return st
}
