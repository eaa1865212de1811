//go:build linux && (amd64 || arm64)

package drm

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
)

type card struct {
	path      string
	fd        int
	onClose   func() error
	closeOnce sync.Once
}

// Open opens a DRM card node directly. The caller needs DRM master
// rights (root, or no other compositor running) for SetCrtc.
func Open(path string) (Card, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, mediaerr.Device("open "+path, err)
	}
	return &card{path: path, fd: fd}, nil
}

// fromFD wraps an already-open descriptor, e.g. one handed out by logind.
func fromFD(path string, fd int, onClose func() error) Card {
	return &card{path: path, fd: fd, onClose: onClose}
}

func (c *card) ioctl(op string, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		case unix.ENODEV:
			return mediaerr.New(mediaerr.ErrDevice, op, fmt.Errorf("%w: %s", mediaerr.ErrDeviceGone, c.path))
		case unix.EACCES, unix.EPERM:
			return mediaerr.Errorf(mediaerr.ErrDevice, op, "%s: %w (not DRM master?)", c.path, errno)
		case unix.ENOMEM, unix.ENOSPC:
			return mediaerr.New(mediaerr.ErrResourceExhausted, op, errno)
		default:
			return mediaerr.Device(op, errno)
		}
	}
}

func ptr[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}

func (c *card) Resources() (*Resources, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var r drmModeCardRes
		if err := c.ioctl("DRM_IOCTL_MODE_GETRESOURCES", ioctlModeGetResources, unsafe.Pointer(&r)); err != nil {
			return nil, err
		}
		crtcs := make([]uint32, r.countCrtcs)
		conns := make([]uint32, r.countConnectors)
		encs := make([]uint32, r.countEncoders)

		want := r
		r = drmModeCardRes{
			crtcIDPtr:       ptr(crtcs),
			connectorIDPtr:  ptr(conns),
			encoderIDPtr:    ptr(encs),
			countCrtcs:      want.countCrtcs,
			countConnectors: want.countConnectors,
			countEncoders:   want.countEncoders,
		}
		err := c.ioctl("DRM_IOCTL_MODE_GETRESOURCES", ioctlModeGetResources, unsafe.Pointer(&r))
		runtime.KeepAlive(crtcs)
		runtime.KeepAlive(conns)
		runtime.KeepAlive(encs)
		if err != nil {
			return nil, err
		}
		// hotplug between the two calls: counts grew, retry
		if r.countCrtcs > want.countCrtcs || r.countConnectors > want.countConnectors || r.countEncoders > want.countEncoders {
			continue
		}
		return &Resources{
			CRTCs:      crtcs[:r.countCrtcs],
			Connectors: conns[:r.countConnectors],
			Encoders:   encs[:r.countEncoders],
			MinWidth:   r.minWidth,
			MaxWidth:   r.maxWidth,
			MinHeight:  r.minHeight,
			MaxHeight:  r.maxHeight,
		}, nil
	}
	return nil, mediaerr.Errorf(mediaerr.ErrDevice, "DRM_IOCTL_MODE_GETRESOURCES", "%s: resources kept changing", c.path)
}

func (c *card) Connector(id uint32) (*Connector, error) {
	op := fmt.Sprintf("DRM_IOCTL_MODE_GETCONNECTOR %d", id)
	for attempt := 0; attempt < 3; attempt++ {
		probe := drmModeGetConnector{connectorID: id}
		if err := c.ioctl(op, ioctlModeGetConnector, unsafe.Pointer(&probe)); err != nil {
			return nil, err
		}
		modes := make([]Mode, probe.countModes)
		encs := make([]uint32, probe.countEncoders)

		conn := drmModeGetConnector{
			connectorID:   id,
			modesPtr:      ptr(modes),
			encodersPtr:   ptr(encs),
			countModes:    probe.countModes,
			countEncoders: probe.countEncoders,
		}
		err := c.ioctl(op, ioctlModeGetConnector, unsafe.Pointer(&conn))
		runtime.KeepAlive(modes)
		runtime.KeepAlive(encs)
		if err != nil {
			return nil, err
		}
		if conn.countModes > probe.countModes || conn.countEncoders > probe.countEncoders {
			continue
		}
		return &Connector{
			ID:         id,
			Type:       conn.connectorType,
			TypeID:     conn.connectorTypeID,
			EncoderID:  conn.encoderID,
			Connection: Connection(conn.connection),
			Modes:      modes[:conn.countModes],
			Encoders:   encs[:conn.countEncoders],
			WidthMM:    conn.mmWidth,
			HeightMM:   conn.mmHeight,
		}, nil
	}
	return nil, mediaerr.Errorf(mediaerr.ErrDevice, op, "%s: connector modes kept changing", c.path)
}

func (c *card) Encoder(id uint32) (*Encoder, error) {
	e := drmModeGetEncoder{encoderID: id}
	if err := c.ioctl(fmt.Sprintf("DRM_IOCTL_MODE_GETENCODER %d", id), ioctlModeGetEncoder, unsafe.Pointer(&e)); err != nil {
		return nil, err
	}
	return &Encoder{ID: e.encoderID, Type: e.encoderType, CrtcID: e.crtcID, PossibleCRTCs: e.possibleCrtcs}, nil
}

func (c *card) Crtc(id uint32) (*Crtc, error) {
	r := drmModeCrtc{crtcID: id}
	if err := c.ioctl(fmt.Sprintf("DRM_IOCTL_MODE_GETCRTC %d", id), ioctlModeGetCrtc, unsafe.Pointer(&r)); err != nil {
		return nil, err
	}
	return &Crtc{ID: r.crtcID, FbID: r.fbID, X: r.x, Y: r.y, ModeValid: r.modeValid != 0, Mode: r.mode}, nil
}

func (c *card) SetCrtc(crtcID, fbID, x, y uint32, connectors []uint32, mode *Mode) error {
	r := drmModeCrtc{
		setConnectorsPtr: ptr(connectors),
		countConnectors:  uint32(len(connectors)),
		crtcID:           crtcID,
		fbID:             fbID,
		x:                x,
		y:                y,
	}
	if mode != nil {
		r.mode = *mode
		r.modeValid = 1
	}
	err := c.ioctl(fmt.Sprintf("DRM_IOCTL_MODE_SETCRTC %d", crtcID), ioctlModeSetCrtc, unsafe.Pointer(&r))
	runtime.KeepAlive(connectors)
	return err
}

func (c *card) CreateDumb(width, height, bpp uint32) (DumbBuffer, error) {
	r := drmModeCreateDumb{width: width, height: height, bpp: bpp}
	if err := c.ioctl(fmt.Sprintf("DRM_IOCTL_MODE_CREATE_DUMB %dx%d", width, height), ioctlModeCreateDumb, unsafe.Pointer(&r)); err != nil {
		return DumbBuffer{}, err
	}
	return DumbBuffer{Handle: r.handle, Pitch: r.pitch, Size: r.size}, nil
}

func (c *card) DestroyDumb(handle uint32) error {
	r := drmModeDestroyDumb{handle: handle}
	return c.ioctl("DRM_IOCTL_MODE_DESTROY_DUMB", ioctlModeDestroyDumb, unsafe.Pointer(&r))
}

func (c *card) AddFB2(width, height, format, handle, pitch uint32) (uint32, error) {
	r := drmModeFbCmd2{width: width, height: height, pixelFormat: format}
	r.handles[0] = handle
	r.pitches[0] = pitch
	if err := c.ioctl("DRM_IOCTL_MODE_ADDFB2", ioctlModeAddFB2, unsafe.Pointer(&r)); err != nil {
		return 0, err
	}
	return r.fbID, nil
}

func (c *card) RemoveFB(fbID uint32) error {
	id := fbID
	return c.ioctl("DRM_IOCTL_MODE_RMFB", ioctlModeRmFB, unsafe.Pointer(&id))
}

func (c *card) MapDumb(handle uint32) (uint64, error) {
	r := drmModeMapDumb{handle: handle}
	if err := c.ioctl("DRM_IOCTL_MODE_MAP_DUMB", ioctlModeMapDumb, unsafe.Pointer(&r)); err != nil {
		return 0, err
	}
	return r.offset, nil
}

func (c *card) Mmap(offset uint64, size int) ([]byte, error) {
	mem, err := unix.Mmap(c.fd, int64(offset), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, mediaerr.Device(fmt.Sprintf("mmap dumb buffer (%d bytes)", size), err)
	}
	return mem, nil
}

func (c *card) Munmap(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return mediaerr.Device("munmap dumb buffer", err)
	}
	return nil
}

func (c *card) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = unix.Close(c.fd)
		if c.onClose != nil {
			err = errors.Join(err, c.onClose())
		}
	})
	return err
}

// DeviceNumber returns the major and minor numbers of a device node.
func DeviceNumber(path string) (major, minor uint32, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, mediaerr.Device("stat "+path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return 0, 0, mediaerr.Config("stat "+path, "%s is not a character device", path)
	}
	return unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), nil
}

// CardPaths lists the card nodes probed when no device is configured.
func CardPaths() []string {
	var out []string
	for i := 0; i < 16; i++ {
		p := fmt.Sprintf("/dev/dri/card%d", i)
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}
