package frame

import (
	"fmt"
	"strings"

	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
)

// PixelFormat is a little-endian fourcc code, shared by V4L2 and DRM.
type PixelFormat uint32

// FourCC packs four ASCII bytes into a PixelFormat.
func FourCC(a, b, c, d byte) PixelFormat {
	return PixelFormat(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var (
	FormatNV12     = FourCC('N', 'V', '1', '2')
	FormatNV21     = FourCC('N', 'V', '2', '1')
	FormatYUYV     = FourCC('Y', 'U', 'Y', 'V')
	FormatMJPEG    = FourCC('M', 'J', 'P', 'G')
	FormatRGB24    = FourCC('R', 'G', 'B', '3')
	FormatXRGB8888 = FourCC('X', 'R', '2', '4')
)

var formatNames = map[string]PixelFormat{
	"nv12":     FormatNV12,
	"nv21":     FormatNV21,
	"yuyv":     FormatYUYV,
	"mjpeg":    FormatMJPEG,
	"rgb24":    FormatRGB24,
	"xrgb8888": FormatXRGB8888,
}

// ParsePixelFormat accepts a config name ("nv12") or a raw fourcc ("NV12").
func ParsePixelFormat(s string) (PixelFormat, error) {
	if f, ok := formatNames[strings.ToLower(s)]; ok {
		return f, nil
	}
	if len(s) == 4 {
		f := FourCC(s[0], s[1], s[2], s[3])
		for _, known := range formatNames {
			if known == f {
				return f, nil
			}
		}
	}
	return 0, mediaerr.Config("parse pixel format", "unsupported pixel format %q", s)
}

func (f PixelFormat) String() string {
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(f))
		}
	}
	return strings.TrimRight(string(b), " ")
}

// RowBytes returns the minimum bytes per row of the first plane. Rows of
// subsampled formats are padded to a whole chroma pair. Compressed and
// unknown formats return 0.
func (f PixelFormat) RowBytes(width int) int {
	switch f {
	case FormatNV12, FormatNV21:
		return 2 * ((width + 1) / 2)
	case FormatYUYV:
		return 4 * ((width + 1) / 2)
	case FormatRGB24:
		return width * 3
	case FormatXRGB8888:
		return width * 4
	}
	return 0
}

// Size returns the byte size of one frame packed at RowBytes, or 0 for
// compressed formats.
func (f PixelFormat) Size(width, height int) int {
	row := f.RowBytes(width)
	switch f {
	case FormatNV12, FormatNV21:
		return row*height + row*((height+1)/2)
	}
	return row * height
}

// Compressed reports whether the payload is a bitstream rather than pixels.
func (f PixelFormat) Compressed() bool {
	return f == FormatMJPEG
}
