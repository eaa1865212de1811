// Package v4l2 talks to Linux video capture devices through the V4L2
// streaming I/O ioctls.
package v4l2

import (
	"fmt"
	"strings"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
)

// Capability describes what a device node can do.
type Capability struct {
	Driver       string `json:"driver"`
	Card         string `json:"card"`
	BusInfo      string `json:"bus_info"`
	Version      uint32 `json:"version"`
	Capabilities uint32 `json:"capabilities"`
	MultiPlanar  bool   `json:"multi_planar"`
}

func (c Capability) String() string {
	return fmt.Sprintf("%s (%s) at %s", c.Card, c.Driver, c.BusInfo)
}

// Format is the geometry the driver accepted, which may differ from the
// one requested.
type Format struct {
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	PixelFormat frame.PixelFormat `json:"pixel_format"`
	// Stride is bytes per line of the first plane.
	Stride    int `json:"stride"`
	SizeImage int `json:"size_image"`
	Planes    int `json:"planes"`
}

// FormatDesc is one entry from format enumeration.
type FormatDesc struct {
	Index       int               `json:"index"`
	PixelFormat frame.PixelFormat `json:"pixel_format"`
	Description string            `json:"description"`
	Compressed  bool              `json:"compressed"`
}

// Plane locates one mappable memory plane of a driver buffer.
type Plane struct {
	Offset uint32
	Length int
}

// Completion is a buffer returned by the driver with fresh data.
type Completion struct {
	Index int
	// BytesUsed holds the payload length of each plane.
	BytesUsed []int
	// Timestamp is the driver's monotonic capture time in microseconds.
	Timestamp uint64
	Sequence  uint64
}

// Control is a device control as reported by enumeration.
type Control struct {
	ID      uint32 `json:"id"`
	Name    string `json:"name"`
	Type    uint32 `json:"type"`
	Min     int32  `json:"min"`
	Max     int32  `json:"max"`
	Step    int32  `json:"step"`
	Default int32  `json:"default"`
	Value   int32  `json:"value"`
}

func cstring(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
