//go:build linux && (amd64 || arm64)

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Struct sizes must match the 64-bit kernel ABI. Each line fails to
// compile if the size drifts.
var (
	_ [0]struct{} = [unsafe.Sizeof(v4l2Capability{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Fmtdesc{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2PixFormat{}) - 48]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2PixFormatMplane{}) - 192]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Format{}) - 208]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2RequestBuffers{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Buffer{}) - 88]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Plane{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Control{}) - 8]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Queryctrl{}) - 68]struct{}{}

	_ [0]struct{} = [unsafe.Offsetof(v4l2Buffer{}.timestamp) - 24]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(v4l2Buffer{}.m) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(v4l2Format{}.raw) - 8]struct{}{}
)

const (
	bufTypeVideoCapture       = 1
	bufTypeVideoCaptureMplane = 9
	memoryMmap                = 1
	fieldAny                  = 0

	capVideoCapture       = 0x00000001
	capVideoCaptureMplane = 0x00001000
	capStreaming          = 0x04000000
	capDeviceCaps         = 0x80000000

	fmtFlagCompressed = 0x0001
	ctrlFlagNextCtrl  = 0x80000000
	ctrlFlagDisabled  = 0x0001

	maxPlanes = 8
)

const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func ior(nr, size uintptr) uintptr  { return ioc(iocRead, 'V', nr, size) }
func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, 'V', nr, size) }
func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, 'V', nr, size) }

var (
	vidiocQuerycap  = ior(0, unsafe.Sizeof(v4l2Capability{}))
	vidiocEnumFmt   = iowr(2, unsafe.Sizeof(v4l2Fmtdesc{}))
	vidiocGFmt      = iowr(4, unsafe.Sizeof(v4l2Format{}))
	vidiocSFmt      = iowr(5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqbufs   = iowr(8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQuerybuf  = iowr(9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQbuf      = iowr(15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDqbuf     = iowr(17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamon  = iow(18, unsafe.Sizeof(int32(0)))
	vidiocStreamoff = iow(19, unsafe.Sizeof(int32(0)))
	vidiocGCtrl     = iowr(27, unsafe.Sizeof(v4l2Control{}))
	vidiocSCtrl     = iowr(28, unsafe.Sizeof(v4l2Control{}))
	vidiocQueryctrl = iowr(36, unsafe.Sizeof(v4l2Queryctrl{}))
)

type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type v4l2Fmtdesc struct {
	index       uint32
	typ         uint32
	flags       uint32
	description [32]byte
	pixelformat uint32
	mbusCode    uint32
	reserved    [3]uint32
}

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

type v4l2PlanePixFormat struct {
	sizeimage    uint32
	bytesperline uint32
	reserved     [6]uint16
}

type v4l2PixFormatMplane struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	colorspace   uint32
	planeFmt     [maxPlanes]v4l2PlanePixFormat
	numPlanes    uint8
	flags        uint8
	ycbcrEnc     uint8
	quantization uint8
	xferFunc     uint8
	reserved     [7]uint8
}

type v4l2Format struct {
	typ uint32
	_   [4]byte // the kernel union is 8-byte aligned
	raw [200]byte
}

func (f *v4l2Format) pix() *v4l2PixFormat {
	return (*v4l2PixFormat)(unsafe.Pointer(&f.raw[0]))
}

func (f *v4l2Format) pixMp() *v4l2PixFormatMplane {
	return (*v4l2PixFormatMplane)(unsafe.Pointer(&f.raw[0]))
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	// m is the offset for single-planar MMAP buffers and a pointer to a
	// []v4l2Plane for multi-planar ones.
	m         uint64
	length    uint32
	reserved2 uint32
	requestFD int32
}

type v4l2Plane struct {
	bytesused  uint32
	length     uint32
	m          uint64 // mem_offset in the low 32 bits for MMAP
	dataOffset uint32
	reserved   [11]uint32
}

type v4l2Control struct {
	id    uint32
	value int32
}

type v4l2Queryctrl struct {
	id           uint32
	typ          uint32
	name         [32]byte
	minimum      int32
	maximum      int32
	step         int32
	defaultValue int32
	flags        uint32
	reserved     [2]uint32
}
