// Package dispatch wires a capture source to its consumers and owns their
// lifecycles.
package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/CamStreamer/internal/capture"
	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/service"
)

// Source is the capture side of the dispatcher. *capture.Source
// implements it.
type Source interface {
	SetFrameCallback(fn capture.FrameCallback)
	Start() error
	Stop() error
}

// Stats summarise fan-out activity.
type Stats struct {
	Frames    uint64   `json:"frames"`
	Copies    uint64   `json:"copies"`
	Rejected  uint64   `json:"rejected"`
	Consumers []string `json:"consumers"`
}

// Dispatcher fans every captured frame out to each consumer as a private
// Owned copy. It holds no frame data itself.
type Dispatcher struct {
	log  *zerolog.Logger
	pool *frame.Pool

	mu        sync.RWMutex
	consumers []service.Consumer
	source    Source
	running   bool

	frames   atomic.Uint64
	copies   atomic.Uint64
	rejected atomic.Uint64
}

// New returns an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		log:  logger.WithComponent("dispatcher"),
		pool: frame.NewPool(),
	}
}

// Add registers a consumer. Consumers added while running are started
// immediately.
func (d *Dispatcher) Add(c service.Consumer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		if err := c.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", c.Name(), err)
		}
	}
	d.consumers = append(d.consumers, c)
	d.log.Debug().Str("consumer", c.Name()).Msg("Consumer added")
	return nil
}

// Consumers returns the registered consumers in registration order.
func (d *Dispatcher) Consumers() []service.Consumer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]service.Consumer(nil), d.consumers...)
}

// Attach routes src's frames to every registered consumer.
func (d *Dispatcher) Attach(src Source) {
	d.mu.Lock()
	d.source = src
	d.mu.Unlock()
	src.SetFrameCallback(d.fanOut)
}

// fanOut runs on the capture goroutine with a Borrowed frame. Each
// consumer gets its own deep copy so nothing queued aliases slot memory
// after the slot is requeued.
func (d *Dispatcher) fanOut(b *frame.Buffer) {
	d.frames.Add(1)

	d.mu.RLock()
	consumers := d.consumers
	d.mu.RUnlock()

	for _, c := range consumers {
		owned := b.Clone(d.pool)
		d.copies.Add(1)
		if !c.SubmitFrame(owned) {
			d.rejected.Add(1)
		}
	}
}

// StartAll starts consumers first, then the source, so no frame reaches a
// consumer that is not yet running. On failure everything already started
// is stopped again.
func (d *Dispatcher) StartAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	var started []service.Consumer
	rollback := func() {
		for _, c := range started {
			c.Stop()
		}
		for _, c := range started {
			c.Join()
		}
	}

	for _, c := range d.consumers {
		if err := c.Start(); err != nil {
			rollback()
			return fmt.Errorf("failed to start %s: %w", c.Name(), err)
		}
		started = append(started, c)
	}

	if d.source != nil {
		if err := d.source.Start(); err != nil {
			rollback()
			return fmt.Errorf("failed to start capture: %w", err)
		}
	}

	d.running = true
	d.log.Info().Int("consumers", len(d.consumers)).Msg("Pipeline started")
	return nil
}

// StopAll stops the source first so no new frames arrive, then stops and
// joins every consumer.
func (d *Dispatcher) StopAll() {
	d.mu.Lock()
	src := d.source
	consumers := append([]service.Consumer(nil), d.consumers...)
	d.running = false
	d.mu.Unlock()

	if src != nil {
		if err := src.Stop(); err != nil {
			d.log.Warn().Err(err).Msg("Capture stop failed")
		}
	}
	for _, c := range consumers {
		c.Stop()
	}
	for _, c := range consumers {
		c.Join()
	}

	d.log.Info().
		Uint64("frames", d.frames.Load()).
		Uint64("copies", d.copies.Load()).
		Uint64("rejected", d.rejected.Load()).
		Msg("Pipeline stopped")
}

// Stats returns a snapshot of fan-out counters.
func (d *Dispatcher) Stats() Stats {
	st := Stats{
		Frames:   d.frames.Load(),
		Copies:   d.copies.Load(),
		Rejected: d.rejected.Load(),
	}
	for _, c := range d.Consumers() {
		st.Consumers = append(st.Consumers, c.Name())
	}
	return st
}
