package dispatch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/CamStreamer/internal/capture"
	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/service"
)

// stubSource lets the test fire captures by hand and records lifecycle
// calls into a shared log.
type stubSource struct {
	cb      capture.FrameCallback
	events  *[]string
	mu      *sync.Mutex
	failure error
}

func (s *stubSource) SetFrameCallback(fn capture.FrameCallback) { s.cb = fn }

func (s *stubSource) Start() error {
	s.mu.Lock()
	*s.events = append(*s.events, "source:start")
	s.mu.Unlock()
	return s.failure
}

func (s *stubSource) Stop() error {
	s.mu.Lock()
	*s.events = append(*s.events, "source:stop")
	s.mu.Unlock()
	return nil
}

// recordingConsumer wraps an ActiveService and logs lifecycle order.
type recordingConsumer struct {
	*service.ActiveService
	events *[]string
	mu     *sync.Mutex
}

func (c *recordingConsumer) Start() error {
	c.mu.Lock()
	*c.events = append(*c.events, c.Name()+":start")
	c.mu.Unlock()
	return c.ActiveService.Start()
}

func (c *recordingConsumer) Stop() {
	c.mu.Lock()
	*c.events = append(*c.events, c.Name()+":stop")
	c.mu.Unlock()
	c.ActiveService.Stop()
}

type received struct {
	seq, ts uint64
	data    []byte
}

// TestDispatcher_FanOut captures one frame, overwrites the slot memory the
// way a requeued buffer would be, and checks every consumer got matching
// metadata and an independent copy.
func TestDispatcher_FanOut(t *testing.T) {
	var mu sync.Mutex
	var events []string
	src := &stubSource{events: &events, mu: &mu}
	d := New()

	got := make([]chan received, 3)
	for i := range got {
		ch := make(chan received, 1)
		got[i] = ch
		svc := service.New(context.Background(), service.Options{Name: "svc" + string(rune('0'+i))}, func(f *frame.Buffer) error {
			if f.Ownership() != frame.Owned {
				t.Errorf("consumer got %s frame", f.Ownership())
			}
			// scribble on our copy; siblings must not see it
			data := append([]byte(nil), f.Bytes()...)
			f.Bytes()[0] = 0xEE
			ch <- received{seq: f.Sequence, ts: f.Timestamp, data: data}
			return nil
		})
		if err := d.Add(&recordingConsumer{ActiveService: svc, events: &events, mu: &mu}); err != nil {
			t.Fatal(err)
		}
	}
	d.Attach(src)

	if err := d.StartAll(); err != nil {
		t.Fatal(err)
	}

	slot := []byte{10, 20, 30, 40}
	view := frame.NewBorrowed(1, [][]byte{slot})
	view.Sequence, view.Timestamp = 42, 1400000
	src.cb(view)
	copy(slot, []byte{0, 0, 0, 0})

	for i, ch := range got {
		select {
		case r := <-ch:
			if r.seq != 42 || r.ts != 1400000 {
				t.Errorf("consumer %d got seq=%d ts=%d", i, r.seq, r.ts)
			}
			if !bytes.Equal(r.data, []byte{10, 20, 30, 40}) {
				t.Errorf("consumer %d data = %v", i, r.data)
			}
		case <-time.After(time.Second):
			t.Fatalf("consumer %d got nothing", i)
		}
	}

	d.StopAll()

	want := []string{
		"svc0:start", "svc1:start", "svc2:start", "source:start",
		"source:stop", "svc0:stop", "svc1:stop", "svc2:stop",
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
	if st := d.Stats(); st.Frames != 1 || st.Copies != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDispatcher_SourceStartFailureRollsBack(t *testing.T) {
	var mu sync.Mutex
	var events []string
	src := &stubSource{events: &events, mu: &mu, failure: errors.New("no camera")}
	d := New()
	svc := service.New(context.Background(), service.Options{Name: "svc"}, func(*frame.Buffer) error { return nil })
	d.Add(svc)
	d.Attach(src)

	if err := d.StartAll(); err == nil {
		t.Fatal("StartAll succeeded with failing source")
	}
	if svc.Running() {
		t.Error("consumer left running after rollback")
	}
}
