package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
	"github.com/bryanchriswhite/CamStreamer/internal/v4l2"
)

// SlotState tracks who may touch a slot's memory.
type SlotState int

const (
	// SlotFree: mapped, not known to the driver.
	SlotFree SlotState = iota
	// SlotQueued: owned by the driver, which may be writing to it.
	SlotQueued
	// SlotReady: filled and dequeued; readable until requeued.
	SlotReady
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotQueued:
		return "queued"
	case SlotReady:
		return "ready"
	}
	return fmt.Sprintf("SlotState(%d)", int(s))
}

// MinBuffers is the fewest slots a pool will run with.
const MinBuffers = 2

type slot struct {
	planes    [][]byte
	state     SlotState
	bytesUsed []int
	timestamp uint64
	sequence  uint64
}

// BufferPool owns the mapped driver buffers and enforces the
// Free -> Queued -> Ready -> Queued cycle per slot.
type BufferPool struct {
	dev    Device
	mu     sync.Mutex
	slots  []slot
	format v4l2.Format
	latest atomic.Int64
}

// NewBufferPool returns an empty pool for dev.
func NewBufferPool(dev Device) *BufferPool {
	p := &BufferPool{dev: dev}
	p.latest.Store(-1)
	return p
}

// Initialize negotiates the format, requests count buffers and maps them.
// On failure everything already mapped is released.
func (p *BufferPool) Initialize(count, width, height int, format frame.PixelFormat) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := logger.WithComponent("capture-pool")

	if len(p.slots) > 0 {
		return mediaerr.New(mediaerr.ErrInvalidState, "initialize pool", errors.New("pool already initialized"))
	}
	if count < MinBuffers {
		return mediaerr.Config("initialize pool", "buffer count %d below minimum %d", count, MinBuffers)
	}
	if width <= 0 || height <= 0 {
		return mediaerr.Config("initialize pool", "invalid resolution %dx%d", width, height)
	}

	got, err := p.dev.SetFormat(width, height, format)
	if err != nil {
		return err
	}
	if got.PixelFormat != format {
		return mediaerr.Config("initialize pool", "device does not support %s (offered %s)", format, got.PixelFormat)
	}
	if got.Width != width || got.Height != height {
		log.Warn().
			Int("requested_width", width).
			Int("requested_height", height).
			Int("width", got.Width).
			Int("height", got.Height).
			Msg("Driver adjusted capture resolution")
	}
	if got.Stride == 0 {
		got.Stride = got.PixelFormat.RowBytes(got.Width)
	}
	p.format = got

	granted, err := p.dev.RequestBuffers(count)
	if err != nil {
		return err
	}
	if granted < MinBuffers {
		p.releaseDriverBuffers()
		return mediaerr.Exhausted("VIDIOC_REQBUFS", "driver granted %d buffers, need at least %d", granted, MinBuffers)
	}

	slots := make([]slot, 0, granted)
	rollback := func() {
		for _, s := range slots {
			p.unmapPlanes(s.planes)
		}
		p.releaseDriverBuffers()
	}

	for i := 0; i < granted; i++ {
		planes, err := p.dev.QueryBuffer(i)
		if err != nil {
			rollback()
			return err
		}
		s := slot{state: SlotFree}
		for _, pl := range planes {
			mem, err := p.dev.Map(pl)
			if err != nil {
				p.unmapPlanes(s.planes)
				rollback()
				return err
			}
			s.planes = append(s.planes, mem)
		}
		slots = append(slots, s)
	}

	p.slots = slots
	p.latest.Store(-1)

	log.Info().
		Int("buffers", granted).
		Int("width", got.Width).
		Int("height", got.Height).
		Str("format", got.PixelFormat.String()).
		Int("stride", got.Stride).
		Msg("Capture pool initialized")
	return nil
}

func (p *BufferPool) unmapPlanes(planes [][]byte) {
	for _, mem := range planes {
		if err := p.dev.Unmap(mem); err != nil {
			logger.WithComponent("capture-pool").Warn().Err(err).Msg("Failed to unmap buffer")
		}
	}
}

func (p *BufferPool) releaseDriverBuffers() {
	if _, err := p.dev.RequestBuffers(0); err != nil {
		logger.WithComponent("capture-pool").Debug().Err(err).Msg("Failed to release driver buffers")
	}
}

// SubmitAll queues every free slot with the driver.
func (p *BufferPool) SubmitAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.slots) == 0 {
		return mediaerr.New(mediaerr.ErrInvalidState, "submit buffers", errors.New("pool not initialized"))
	}
	for i := range p.slots {
		if p.slots[i].state != SlotFree {
			continue
		}
		if err := p.dev.Queue(i); err != nil {
			return err
		}
		p.slots[i].state = SlotQueued
	}
	return nil
}

// WaitAndComplete blocks until the driver fills a slot and returns its
// index. It returns ErrTimeout when nothing arrives within timeout and
// ErrInterrupted when the wait was cancelled.
func (p *BufferPool) WaitAndComplete(timeout time.Duration) (int, error) {
	if err := p.dev.WaitReadable(timeout); err != nil {
		return -1, err
	}
	c, err := p.dev.Dequeue()
	if err != nil {
		return -1, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c.Index < 0 || c.Index >= len(p.slots) {
		return -1, mediaerr.Errorf(mediaerr.ErrDevice, "VIDIOC_DQBUF", "driver returned unknown buffer %d", c.Index)
	}
	s := &p.slots[c.Index]
	if s.state != SlotQueued {
		return -1, mediaerr.Errorf(mediaerr.ErrInvalidState, "VIDIOC_DQBUF", "buffer %d completed while %s", c.Index, s.state)
	}
	s.state = SlotReady
	s.bytesUsed = c.BytesUsed
	s.timestamp = c.Timestamp
	s.sequence = c.Sequence
	p.latest.Store(int64(c.Index))
	return c.Index, nil
}

// Requeue returns a Ready slot to the driver. It must be called exactly
// once per completion, after every borrower of the slot is done; a second
// call is rejected without touching any slot.
func (p *BufferPool) Requeue(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.slots) {
		return mediaerr.Errorf(mediaerr.ErrInvalidState, "requeue", "no buffer %d", index)
	}
	s := &p.slots[index]
	if s.state != SlotReady {
		return mediaerr.Errorf(mediaerr.ErrInvalidState, "requeue", "buffer %d is %s, not ready", index, s.state)
	}
	if err := p.dev.Queue(index); err != nil {
		s.state = SlotFree
		return err
	}
	s.state = SlotQueued
	return nil
}

// View returns a Borrowed frame over a Ready slot. It is valid only until
// the slot is requeued.
func (p *BufferPool) View(index int) (*frame.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.slots) || p.slots[index].state != SlotReady {
		return nil, mediaerr.Errorf(mediaerr.ErrInvalidState, "view", "buffer %d is not ready", index)
	}
	s := &p.slots[index]
	planes := make([][]byte, len(s.planes))
	for i, mem := range s.planes {
		n := len(mem)
		if i < len(s.bytesUsed) && s.bytesUsed[i] > 0 && s.bytesUsed[i] < n {
			n = s.bytesUsed[i]
		}
		planes[i] = mem[:n]
	}
	b := frame.NewBorrowed(index, planes)
	b.Width = p.format.Width
	b.Height = p.format.Height
	b.Stride = p.format.Stride
	b.Format = p.format.PixelFormat
	b.Timestamp = s.timestamp
	b.Sequence = s.sequence
	return b, nil
}

// State reports the state of slot index.
func (p *BufferPool) State(index int) SlotState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.slots) {
		return SlotFree
	}
	return p.slots[index].state
}

// Queued returns the indices currently owned by the driver.
func (p *BufferPool) Queued() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for i, s := range p.slots {
		if s.state == SlotQueued {
			out = append(out, i)
		}
	}
	return out
}

// Len is the number of slots.
func (p *BufferPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Format is the negotiated capture format.
func (p *BufferPool) Format() v4l2.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// LatestIndex is the most recently completed slot, or -1.
func (p *BufferPool) LatestIndex() int {
	return int(p.latest.Load())
}

// Teardown unmaps every slot and frees the driver buffers. Streaming must
// already be off. Safe to call more than once.
func (p *BufferPool) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.slots) == 0 {
		return
	}
	for _, s := range p.slots {
		p.unmapPlanes(s.planes)
	}
	p.slots = nil
	p.latest.Store(-1)
	p.releaseDriverBuffers()
	logger.WithComponent("capture-pool").Debug().Msg("Capture pool torn down")
}
