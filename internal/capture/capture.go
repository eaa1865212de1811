// Package capture drives a V4L2-style streaming device: a pool of
// memory-mapped slots and a source goroutine that publishes each filled
// slot to a frame callback.
package capture

import (
	"time"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/v4l2"
)

// Device is the kernel capture boundary. *v4l2.Device implements it.
type Device interface {
	// SetFormat negotiates geometry and returns what the driver accepted
	SetFormat(width, height int, format frame.PixelFormat) (v4l2.Format, error)

	// RequestBuffers asks for count buffers and returns how many were granted
	RequestBuffers(count int) (int, error)

	// QueryBuffer returns the mappable planes of one buffer
	QueryBuffer(index int) ([]v4l2.Plane, error)

	Map(plane v4l2.Plane) ([]byte, error)
	Unmap(mem []byte) error

	// Queue hands a buffer to the driver; Dequeue takes a filled one back
	Queue(index int) error
	Dequeue() (v4l2.Completion, error)

	// WaitReadable blocks until Dequeue will succeed, the timeout elapses
	// or Interrupt is called
	WaitReadable(timeout time.Duration) error
	Interrupt() error

	StreamOn() error
	StreamOff() error
	Close() error
}

// Opener opens the device at path.
type Opener func(path string) (Device, error)

// OpenV4L2 is the Opener for real hardware.
func OpenV4L2(path string) (Device, error) {
	d, err := v4l2.Open(path)
	if err != nil {
		return nil, err
	}
	return d, nil
}

var _ Device = (*v4l2.Device)(nil)
