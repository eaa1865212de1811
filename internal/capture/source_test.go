package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
)

func testConfig() SourceConfig {
	return SourceConfig{
		Device:      "/dev/video-test",
		Width:       64,
		Height:      48,
		Format:      frame.FormatNV12,
		BufferCount: 3,
		WaitTimeout: 20 * time.Millisecond,
	}
}

func openerFor(devs ...*fakeDevice) Opener {
	var mu sync.Mutex
	return func(path string) (Device, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(devs) == 0 {
			return nil, fmt.Errorf("no such device %s", path)
		}
		d := devs[0]
		devs = devs[1:]
		return d, nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// TestSource_DeliversInOrderAndStops checks borrowed frames reach the
// callback in capture order and Stop releases the device.
func TestSource_DeliversInOrderAndStops(t *testing.T) {
	dev := newFakeDevice(64 * 48 * 3 / 2)
	src := NewSource(context.Background(), testConfig(), openerFor(dev))

	var mu sync.Mutex
	var seqs []uint64
	src.SetFrameCallback(func(b *frame.Buffer) {
		if b.Ownership() != frame.Borrowed {
			t.Errorf("callback got %s frame", b.Ownership())
		}
		if b.Width != 64 || b.Height != 48 || b.Format != frame.FormatNV12 {
			t.Errorf("bad geometry %dx%d %s", b.Width, b.Height, b.Format)
		}
		mu.Lock()
		seqs = append(seqs, b.Sequence)
		mu.Unlock()
	})

	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if src.State() != StateRunning {
		t.Fatalf("state = %s", src.State())
	}
	if err := src.Start(); !errors.Is(err, mediaerr.ErrInvalidState) {
		t.Errorf("second Start = %v, want ErrInvalidState", err)
	}

	dev.feed(5)
	waitFor(t, "5 frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 5
	})

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if src.State() != StateStopped {
		t.Errorf("state after Stop = %s", src.State())
	}
	mapped, closed, streaming, _ := dev.snapshot()
	if mapped != 0 || !closed || streaming {
		t.Errorf("device not released: mapped=%d closed=%v streaming=%v", mapped, closed, streaming)
	}
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("sequence %v not in capture order", seqs)
		}
	}
	if got := src.Stats().Frames; got != 5 {
		t.Errorf("Stats().Frames = %d", got)
	}
}

func TestSource_StopWithoutStart(t *testing.T) {
	src := NewSource(context.Background(), testConfig(), openerFor())
	done := make(chan error, 1)
	go func() { done <- src.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop without Start blocked")
	}
}

func TestSource_StartFailureLeavesStopped(t *testing.T) {
	src := NewSource(context.Background(), testConfig(), openerFor())
	if err := src.Start(); err == nil {
		t.Fatal("Start with no device succeeded")
	}
	if src.State() != StateStopped {
		t.Errorf("state = %s", src.State())
	}

	dev := newFakeDevice(64)
	dev.grant = 1
	src = NewSource(context.Background(), testConfig(), openerFor(dev))
	err := src.Start()
	if !errors.Is(err, mediaerr.ErrResourceExhausted) {
		t.Fatalf("Start = %v, want ErrResourceExhausted", err)
	}
	if _, closed, _, _ := dev.snapshot(); !closed {
		t.Error("device left open after failed start")
	}
	if err := src.Stop(); err != nil {
		t.Errorf("Stop after failed Start = %v", err)
	}
}

// TestSource_DeviceFailure checks a fatal dequeue error stops capture,
// reaches the error callback and is returned by the next Start.
func TestSource_DeviceFailure(t *testing.T) {
	dev := newFakeDevice(64)
	dev.dqErr = mediaerr.New(mediaerr.ErrDevice, "VIDIOC_DQBUF", mediaerr.ErrDeviceGone)
	dev.errAfter = 2
	next := newFakeDevice(64)
	src := NewSource(context.Background(), testConfig(), openerFor(dev, next))

	var frames atomic.Int32
	src.SetFrameCallback(func(*frame.Buffer) { frames.Add(1) })
	reported := make(chan error, 1)
	src.SetErrorCallback(func(err error) { reported <- err })

	if err := src.Start(); err != nil {
		t.Fatal(err)
	}
	dev.feed(3)

	select {
	case err := <-reported:
		if !errors.Is(err, mediaerr.ErrDeviceGone) {
			t.Errorf("reported %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error callback not called")
	}
	waitFor(t, "self stop", func() bool { return src.State() == StateStopped })
	if frames.Load() != 2 {
		t.Errorf("frames before failure = %d, want 2", frames.Load())
	}
	if _, closed, _, _ := dev.snapshot(); !closed {
		t.Error("failed device not closed")
	}

	if err := src.Start(); !errors.Is(err, mediaerr.ErrDeviceGone) {
		t.Fatalf("Start after failure = %v, want the recorded error", err)
	}
	if !errors.Is(src.Err(), mediaerr.ErrDeviceGone) {
		t.Errorf("Err after refused Start = %v, want the recorded error", src.Err())
	}
	if err := src.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := src.Err(); err != nil {
		t.Errorf("Err after restart = %v, want nil", err)
	}
	src.Stop()
}

// TestSource_CancelAfterDeviceFailure checks that cancelling the context
// after the source tore itself down never wakes the closed device.
func TestSource_CancelAfterDeviceFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev := newFakeDevice(64)
	dev.dqErr = mediaerr.New(mediaerr.ErrDevice, "VIDIOC_DQBUF", mediaerr.ErrDeviceGone)
	src := NewSource(ctx, testConfig(), openerFor(dev))
	if err := src.Start(); err != nil {
		t.Fatal(err)
	}
	dev.feed(1)

	waitFor(t, "self stop", func() bool { return src.State() == StateStopped })
	waitFor(t, "device closed", func() bool {
		_, closed, _, _ := dev.snapshot()
		return closed
	})

	cancel()
	time.Sleep(20 * time.Millisecond)
	if n := dev.wakesAfterClose(); n != 0 {
		t.Errorf("Interrupt reached the closed device %d times", n)
	}
	if err := src.Stop(); err != nil {
		t.Fatal(err)
	}
	if n := dev.wakesAfterClose(); n != 0 {
		t.Errorf("Stop interrupted the closed device %d times", n)
	}
}

// TestSource_TimeoutsRetryAndPanicsIsolated checks dequeue timeouts and a
// panicking callback do not end capture.
func TestSource_TimeoutsRetryAndPanicsIsolated(t *testing.T) {
	dev := newFakeDevice(64)
	src := NewSource(context.Background(), testConfig(), openerFor(dev))

	var calls atomic.Int32
	src.SetFrameCallback(func(*frame.Buffer) {
		if calls.Add(1) == 1 {
			panic("consumer bug")
		}
	})
	if err := src.Start(); err != nil {
		t.Fatal(err)
	}
	defer src.Stop()

	waitFor(t, "timeouts", func() bool { return src.Stats().Timeouts >= 2 })
	dev.feed(2)
	waitFor(t, "two frames", func() bool { return calls.Load() == 2 })

	st := src.Stats()
	if st.CallbackPanics != 1 {
		t.Errorf("CallbackPanics = %d", st.CallbackPanics)
	}
	if st.State != "running" {
		t.Errorf("state = %s", st.State)
	}
}

func TestSource_ContextCancelEndsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.WaitTimeout = time.Hour
	dev := newFakeDevice(64)
	src := NewSource(ctx, cfg, openerFor(dev))
	if err := src.Start(); err != nil {
		t.Fatal(err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		src.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop after cancel did not return")
	}
}
