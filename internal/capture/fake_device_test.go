package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
	"github.com/bryanchriswhite/CamStreamer/internal/v4l2"
)

// fakeDevice emulates a driver that fills queued buffers in FIFO order.
// Each token sent on frames lets one buffer complete; Dequeue stamps the
// buffer memory with the sequence number to mimic the driver writing it.
type fakeDevice struct {
	mu sync.Mutex

	grant     int // buffers to grant; 0 means as requested
	offer     frame.PixelFormat
	mapFailAt int // Map call number that fails; -1 disables
	planeLen  int
	noStride  bool  // report bytesperline as 0
	dqErr     error // returned by Dequeue once set
	errAfter  int   // completions before dqErr applies

	mems      map[int][]byte
	mapCalls  int
	mapped    int
	queued    []int
	seq       uint64
	streaming bool
	closed    bool
	reqZero   int
	lateWakes int // Interrupt calls after Close

	frames    chan struct{}
	interrupt chan struct{}
}

func newFakeDevice(planeLen int) *fakeDevice {
	return &fakeDevice{
		mapFailAt: -1,
		planeLen:  planeLen,
		mems:      make(map[int][]byte),
		frames:    make(chan struct{}, 64),
		interrupt: make(chan struct{}, 1),
	}
}

// feed allows n more buffers to complete.
func (f *fakeDevice) feed(n int) {
	for i := 0; i < n; i++ {
		f.frames <- struct{}{}
	}
}

func (f *fakeDevice) SetFormat(width, height int, pf frame.PixelFormat) (v4l2.Format, error) {
	if f.offer != 0 {
		pf = f.offer
	}
	stride := width
	if f.noStride {
		stride = 0
	}
	return v4l2.Format{Width: width, Height: height, PixelFormat: pf, Stride: stride, SizeImage: f.planeLen, Planes: 1}, nil
}

func (f *fakeDevice) RequestBuffers(count int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if count == 0 {
		f.reqZero++
		return 0, nil
	}
	if f.grant > 0 {
		return f.grant, nil
	}
	return count, nil
}

func (f *fakeDevice) QueryBuffer(index int) ([]v4l2.Plane, error) {
	return []v4l2.Plane{{Offset: uint32(index * f.planeLen), Length: f.planeLen}}, nil
}

func (f *fakeDevice) Map(p v4l2.Plane) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.mapCalls
	f.mapCalls++
	if call == f.mapFailAt {
		return nil, mediaerr.Device("mmap", errors.New("out of address space"))
	}
	mem := make([]byte, p.Length)
	f.mems[int(p.Offset)/f.planeLen] = mem
	f.mapped++
	return mem, nil
}

func (f *fakeDevice) Unmap(mem []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mapped--
	return nil
}

func (f *fakeDevice) Queue(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.queued {
		if q == index {
			return mediaerr.Device("VIDIOC_QBUF", errors.New("buffer already queued"))
		}
	}
	f.queued = append(f.queued, index)
	return nil
}

func (f *fakeDevice) Dequeue() (v4l2.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dqErr != nil && f.seq >= uint64(f.errAfter) {
		return v4l2.Completion{}, f.dqErr
	}
	if len(f.queued) == 0 {
		return v4l2.Completion{}, mediaerr.New(mediaerr.ErrTimeout, "VIDIOC_DQBUF", nil)
	}
	idx := f.queued[0]
	f.queued = f.queued[1:]
	f.seq++
	mem := f.mems[idx]
	for i := range mem {
		mem[i] = byte(f.seq)
	}
	return v4l2.Completion{
		Index:     idx,
		BytesUsed: []int{len(mem)},
		Timestamp: f.seq * 33333,
		Sequence:  f.seq,
	}, nil
}

func (f *fakeDevice) WaitReadable(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.frames:
		return nil
	case <-f.interrupt:
		return mediaerr.New(mediaerr.ErrInterrupted, "poll", nil)
	case <-t.C:
		return mediaerr.New(mediaerr.ErrTimeout, "poll", nil)
	}
}

func (f *fakeDevice) Interrupt() error {
	f.mu.Lock()
	if f.closed {
		f.lateWakes++
	}
	f.mu.Unlock()
	select {
	case f.interrupt <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeDevice) StreamOn() error {
	f.mu.Lock()
	f.streaming = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) StreamOff() error {
	f.mu.Lock()
	f.streaming = false
	f.queued = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) wakesAfterClose() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lateWakes
}

func (f *fakeDevice) snapshot() (mapped int, closed, streaming bool, queued []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mapped, f.closed, f.streaming, append([]int(nil), f.queued...)
}
