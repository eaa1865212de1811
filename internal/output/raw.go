package output

import (
	"context"
	"sync"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/service"
)

// RawFunc receives an Owned frame. The frame is released once it returns.
type RawFunc func(f *frame.Buffer) error

// RawCallback hands every frame to an external function on its own
// goroutine.
type RawCallback struct {
	*service.ActiveService

	mu sync.RWMutex
	fn RawFunc
}

// NewRawCallback returns a stopped raw callback service. fn may be nil
// and set later.
func NewRawCallback(ctx context.Context, opts service.Options, fn RawFunc) *RawCallback {
	if opts.Name == "" {
		opts.Name = "raw"
	}
	r := &RawCallback{fn: fn}
	r.ActiveService = service.New(ctx, opts, r.handle)
	return r
}

// SetCallback replaces the callback; frames already queued see the new one.
func (r *RawCallback) SetCallback(fn RawFunc) {
	r.mu.Lock()
	r.fn = fn
	r.mu.Unlock()
}

func (r *RawCallback) handle(f *frame.Buffer) error {
	r.mu.RLock()
	fn := r.fn
	r.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(f)
}
