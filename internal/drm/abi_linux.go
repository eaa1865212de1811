//go:build linux && (amd64 || arm64)

package drm

import "unsafe"

var (
	_ [0]struct{} = [unsafe.Sizeof(Mode{}) - 68]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeCardRes{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeCrtc{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeGetEncoder{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeGetConnector{}) - 80]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeFbCmd2{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeCreateDumb{}) - 32]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeMapDumb{}) - 16]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(drmModeDestroyDumb{}) - 4]struct{}{}

	_ [0]struct{} = [unsafe.Offsetof(drmModeCrtc{}.mode) - 36]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(drmModeFbCmd2{}.modifier) - 72]struct{}{}
)

const (
	iocWrite = 1
	iocRead  = 2
)

func iowr(nr, size uintptr) uintptr {
	return (iocRead|iocWrite)<<30 | size<<16 | 'd'<<8 | nr
}

var (
	ioctlModeGetResources = iowr(0xA0, unsafe.Sizeof(drmModeCardRes{}))
	ioctlModeGetCrtc      = iowr(0xA1, unsafe.Sizeof(drmModeCrtc{}))
	ioctlModeSetCrtc      = iowr(0xA2, unsafe.Sizeof(drmModeCrtc{}))
	ioctlModeGetEncoder   = iowr(0xA6, unsafe.Sizeof(drmModeGetEncoder{}))
	ioctlModeGetConnector = iowr(0xA7, unsafe.Sizeof(drmModeGetConnector{}))
	ioctlModeRmFB         = iowr(0xAF, unsafe.Sizeof(uint32(0)))
	ioctlModeCreateDumb   = iowr(0xB2, unsafe.Sizeof(drmModeCreateDumb{}))
	ioctlModeMapDumb      = iowr(0xB3, unsafe.Sizeof(drmModeMapDumb{}))
	ioctlModeDestroyDumb  = iowr(0xB4, unsafe.Sizeof(drmModeDestroyDumb{}))
	ioctlModeAddFB2       = iowr(0xB8, unsafe.Sizeof(drmModeFbCmd2{}))
)

type drmModeCardRes struct {
	fbIDPtr         uint64
	crtcIDPtr       uint64
	connectorIDPtr  uint64
	encoderIDPtr    uint64
	countFbs        uint32
	countCrtcs      uint32
	countConnectors uint32
	countEncoders   uint32
	minWidth        uint32
	maxWidth        uint32
	minHeight       uint32
	maxHeight       uint32
}

type drmModeCrtc struct {
	setConnectorsPtr uint64
	countConnectors  uint32
	crtcID           uint32
	fbID             uint32
	x                uint32
	y                uint32
	gammaSize        uint32
	modeValid        uint32
	mode             Mode
}

type drmModeGetEncoder struct {
	encoderID      uint32
	encoderType    uint32
	crtcID         uint32
	possibleCrtcs  uint32
	possibleClones uint32
}

type drmModeGetConnector struct {
	encodersPtr     uint64
	modesPtr        uint64
	propsPtr        uint64
	propValuesPtr   uint64
	countModes      uint32
	countProps      uint32
	countEncoders   uint32
	encoderID       uint32
	connectorID     uint32
	connectorType   uint32
	connectorTypeID uint32
	connection      uint32
	mmWidth         uint32
	mmHeight        uint32
	subpixel        uint32
	pad             uint32
}

type drmModeFbCmd2 struct {
	fbID        uint32
	width       uint32
	height      uint32
	pixelFormat uint32
	flags       uint32
	handles     [4]uint32
	pitches     [4]uint32
	offsets     [4]uint32
	modifier    [4]uint64
}

type drmModeCreateDumb struct {
	height uint32
	width  uint32
	bpp    uint32
	flags  uint32
	handle uint32
	pitch  uint32
	size   uint64
}

type drmModeMapDumb struct {
	handle uint32
	pad    uint32
	offset uint64
}

type drmModeDestroyDumb struct {
	handle uint32
}
