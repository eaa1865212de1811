//go:build !linux || !(amd64 || arm64)

package v4l2

import (
	"time"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
)

// Device is unavailable on this platform.
type Device struct{}

// Open always fails outside 64-bit Linux.
func Open(path string) (*Device, error) {
	return nil, mediaerr.Config("open "+path, "V4L2 capture requires 64-bit linux")
}

func (d *Device) Path() string { return "" }
func (d *Device) Capability() Capability { return Capability{} }
func (d *Device) EnumFormats() ([]FormatDesc, error) { return nil, nil }
func (d *Device) SetFormat(int, int, frame.PixelFormat) (Format, error) { return Format{}, nil }
func (d *Device) GetFormat() (Format, error) { return Format{}, nil }
func (d *Device) RequestBuffers(int) (int, error) { return 0, nil }
func (d *Device) QueryBuffer(int) ([]Plane, error) { return nil, nil }
func (d *Device) Map(Plane) ([]byte, error) { return nil, nil }
func (d *Device) Unmap([]byte) error { return nil }
func (d *Device) Queue(int) error { return nil }
func (d *Device) Dequeue() (Completion, error) { return Completion{}, nil }
func (d *Device) WaitReadable(time.Duration) error { return nil }
func (d *Device) Interrupt() error { return nil }
func (d *Device) StreamOn() error { return nil }
func (d *Device) StreamOff() error { return nil }
func (d *Device) GetControl(uint32) (int32, error) { return 0, nil }
func (d *Device) SetControl(uint32, int32) error { return nil }
func (d *Device) Controls() ([]Control, error) { return nil, nil }
func (d *Device) Close() error { return nil }
