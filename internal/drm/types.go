// Package drm drives a KMS display through dumb buffers: resource
// discovery, framebuffer allocation, one-shot CRTC binding and pixel
// upload.
package drm

import "fmt"

// Mode mirrors struct drm_mode_modeinfo byte for byte.
type Mode struct {
	Clock      uint32
	Hdisplay   uint16
	HsyncStart uint16
	HsyncEnd   uint16
	Htotal     uint16
	Hskew      uint16
	Vdisplay   uint16
	VsyncStart uint16
	VsyncEnd   uint16
	Vtotal     uint16
	Vscan      uint16
	Vrefresh   uint32
	Flags      uint32
	Type       uint32
	Name       [32]byte
}

// ModeTypePreferred marks the connector's native mode.
const ModeTypePreferred = 1 << 3

func (m Mode) String() string {
	return fmt.Sprintf("%dx%d@%d", m.Hdisplay, m.Vdisplay, m.Vrefresh)
}

// Resources lists the KMS objects of a card.
type Resources struct {
	CRTCs      []uint32
	Connectors []uint32
	Encoders   []uint32
	MinWidth   uint32
	MaxWidth   uint32
	MinHeight  uint32
	MaxHeight  uint32
}

// Connection is a connector's link status.
type Connection uint32

const (
	Connected         Connection = 1
	Disconnected      Connection = 2
	UnknownConnection Connection = 3
)

// Connector is a physical output.
type Connector struct {
	ID         uint32
	Type       uint32
	TypeID     uint32
	EncoderID  uint32
	Connection Connection
	Modes      []Mode
	Encoders   []uint32
	WidthMM    uint32
	HeightMM   uint32
}

// Name returns a short label such as "HDMI-A-1".
func (c *Connector) Name() string {
	names := map[uint32]string{
		1: "VGA", 2: "DVI-I", 3: "DVI-D", 4: "DVI-A", 5: "Composite",
		6: "SVIDEO", 7: "LVDS", 8: "Component", 9: "DIN", 10: "DP",
		11: "HDMI-A", 12: "HDMI-B", 13: "TV", 14: "eDP", 15: "Virtual",
		16: "DSI", 17: "DPI", 18: "Writeback", 19: "SPI", 20: "USB",
	}
	n, ok := names[c.Type]
	if !ok {
		n = "Unknown"
	}
	return fmt.Sprintf("%s-%d", n, c.TypeID)
}

// Encoder links a connector to a CRTC.
type Encoder struct {
	ID            uint32
	Type          uint32
	CrtcID        uint32
	PossibleCRTCs uint32
}

// Crtc is a scanout engine's current configuration.
type Crtc struct {
	ID        uint32
	FbID      uint32
	X, Y      uint32
	ModeValid bool
	Mode      Mode
}

// DumbBuffer is a CPU-mappable scanout allocation.
type DumbBuffer struct {
	Handle uint32
	Pitch  uint32
	Size   uint64
}

// Card is the display device boundary. The ioctl implementation is
// returned by Open; tests use fakes.
type Card interface {
	Resources() (*Resources, error)
	Connector(id uint32) (*Connector, error)
	Encoder(id uint32) (*Encoder, error)
	Crtc(id uint32) (*Crtc, error)

	// SetCrtc binds fbID with mode to crtcID driving connectors
	SetCrtc(crtcID, fbID, x, y uint32, connectors []uint32, mode *Mode) error

	CreateDumb(width, height, bpp uint32) (DumbBuffer, error)
	DestroyDumb(handle uint32) error
	AddFB2(width, height uint32, format uint32, handle, pitch uint32) (uint32, error)
	RemoveFB(fbID uint32) error
	MapDumb(handle uint32) (uint64, error)
	Mmap(offset uint64, size int) ([]byte, error)
	Munmap(mem []byte) error

	Close() error
}

// Opener opens a card device node.
type Opener func(path string) (Card, error)
