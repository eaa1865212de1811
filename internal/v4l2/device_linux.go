//go:build linux && (amd64 || arm64)

package v4l2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
)

// Device is an open V4L2 capture node using MMAP streaming.
type Device struct {
	path    string
	fd      int
	wakeFD  int // eventfd used to interrupt WaitReadable
	cap     Capability
	bufType uint32
	planes  int

	mu     sync.Mutex // guards wakeFD and fd against Close
	closed bool
}

// Open opens path and checks that it is a streaming capture device.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, mediaerr.Device("open "+path, err)
	}

	d := &Device{path: path, fd: fd, wakeFD: -1, planes: 1}
	if err := d.queryCap(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, mediaerr.Device("eventfd", err)
	}
	d.wakeFD = wake

	logger.WithComponent("v4l2").Info().
		Str("device", path).
		Str("card", d.cap.Card).
		Str("driver", d.cap.Driver).
		Bool("multi_planar", d.cap.MultiPlanar).
		Msg("Opened capture device")

	return d, nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// classify maps an ioctl errno onto the error taxonomy.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		return mediaerr.New(mediaerr.ErrDevice, op, fmt.Errorf("%w: %v", mediaerr.ErrDeviceGone, err))
	case errors.Is(err, unix.EAGAIN):
		return mediaerr.New(mediaerr.ErrTimeout, op, err)
	case errors.Is(err, unix.EINVAL):
		return mediaerr.New(mediaerr.ErrConfiguration, op, err)
	case errors.Is(err, unix.ENOMEM):
		return mediaerr.New(mediaerr.ErrResourceExhausted, op, err)
	}
	return mediaerr.Device(op, err)
}

func (d *Device) queryCap() error {
	var c v4l2Capability
	if err := ioctl(d.fd, vidiocQuerycap, unsafe.Pointer(&c)); err != nil {
		return mediaerr.Errorf(mediaerr.ErrDevice, "VIDIOC_QUERYCAP", "%s is not a V4L2 device: %w", d.path, err)
	}
	caps := c.capabilities
	if caps&capDeviceCaps != 0 {
		caps = c.deviceCaps
	}
	d.cap = Capability{
		Driver:       cstring(c.driver[:]),
		Card:         cstring(c.card[:]),
		BusInfo:      cstring(c.busInfo[:]),
		Version:      c.version,
		Capabilities: caps,
	}

	switch {
	case caps&capVideoCapture != 0:
		d.bufType = bufTypeVideoCapture
	case caps&capVideoCaptureMplane != 0:
		d.bufType = bufTypeVideoCaptureMplane
		d.cap.MultiPlanar = true
	default:
		return mediaerr.Config("VIDIOC_QUERYCAP", "%s (%s) does not support video capture", d.path, d.cap.Card)
	}
	if caps&capStreaming == 0 {
		return mediaerr.Config("VIDIOC_QUERYCAP", "%s (%s) does not support streaming I/O", d.path, d.cap.Card)
	}
	return nil
}

// Path returns the device node path.
func (d *Device) Path() string { return d.path }

// Capability returns what the driver reported at open time.
func (d *Device) Capability() Capability { return d.cap }

// EnumFormats lists the pixel formats the device can produce.
func (d *Device) EnumFormats() ([]FormatDesc, error) {
	var out []FormatDesc
	for i := uint32(0); ; i++ {
		desc := v4l2Fmtdesc{index: i, typ: d.bufType}
		if err := ioctl(d.fd, vidiocEnumFmt, unsafe.Pointer(&desc)); err != nil {
			if errors.Is(err, unix.EINVAL) {
				return out, nil
			}
			return out, classify("VIDIOC_ENUM_FMT", err)
		}
		out = append(out, FormatDesc{
			Index:       int(i),
			PixelFormat: frame.PixelFormat(desc.pixelformat),
			Description: cstring(desc.description[:]),
			Compressed:  desc.flags&fmtFlagCompressed != 0,
		})
	}
}

// SetFormat negotiates the capture format and returns what the driver
// actually chose.
func (d *Device) SetFormat(width, height int, pf frame.PixelFormat) (Format, error) {
	f := v4l2Format{typ: d.bufType}
	if d.cap.MultiPlanar {
		mp := f.pixMp()
		mp.width = uint32(width)
		mp.height = uint32(height)
		mp.pixelformat = uint32(pf)
		mp.field = fieldAny
	} else {
		p := f.pix()
		p.width = uint32(width)
		p.height = uint32(height)
		p.pixelformat = uint32(pf)
		p.field = fieldAny
	}
	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return Format{}, mediaerr.Errorf(mediaerr.ErrConfiguration, "VIDIOC_S_FMT",
			"%s rejected %dx%d %s: %w", d.path, width, height, pf, err)
	}
	return d.decodeFormat(&f), nil
}

// GetFormat returns the current capture format.
func (d *Device) GetFormat() (Format, error) {
	f := v4l2Format{typ: d.bufType}
	if err := ioctl(d.fd, vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return Format{}, classify("VIDIOC_G_FMT", err)
	}
	return d.decodeFormat(&f), nil
}

func (d *Device) decodeFormat(f *v4l2Format) Format {
	if d.cap.MultiPlanar {
		mp := f.pixMp()
		n := int(mp.numPlanes)
		if n < 1 {
			n = 1
		}
		if n > maxPlanes {
			n = maxPlanes
		}
		d.planes = n
		size := 0
		for i := 0; i < n; i++ {
			size += int(mp.planeFmt[i].sizeimage)
		}
		return Format{
			Width:       int(mp.width),
			Height:      int(mp.height),
			PixelFormat: frame.PixelFormat(mp.pixelformat),
			Stride:      int(mp.planeFmt[0].bytesperline),
			SizeImage:   size,
			Planes:      n,
		}
	}
	p := f.pix()
	d.planes = 1
	return Format{
		Width:       int(p.width),
		Height:      int(p.height),
		PixelFormat: frame.PixelFormat(p.pixelformat),
		Stride:      int(p.bytesperline),
		SizeImage:   int(p.sizeimage),
		Planes:      1,
	}
}

// RequestBuffers asks the driver for count MMAP buffers and returns how
// many it granted. A count of 0 frees all buffers.
func (d *Device) RequestBuffers(count int) (int, error) {
	req := v4l2RequestBuffers{count: uint32(count), typ: d.bufType, memory: memoryMmap}
	if err := ioctl(d.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return 0, classify("VIDIOC_REQBUFS", err)
	}
	return int(req.count), nil
}

func (d *Device) newBuffer(index int) (*v4l2Buffer, []v4l2Plane) {
	b := &v4l2Buffer{index: uint32(index), typ: d.bufType, memory: memoryMmap}
	if !d.cap.MultiPlanar {
		return b, nil
	}
	planes := make([]v4l2Plane, d.planes)
	b.m = uint64(uintptr(unsafe.Pointer(&planes[0])))
	b.length = uint32(len(planes))
	return b, planes
}

// QueryBuffer returns the mappable planes of buffer index.
func (d *Device) QueryBuffer(index int) ([]Plane, error) {
	b, planes := d.newBuffer(index)
	err := ioctl(d.fd, vidiocQuerybuf, unsafe.Pointer(b))
	runtime.KeepAlive(planes)
	if err != nil {
		return nil, classify(fmt.Sprintf("VIDIOC_QUERYBUF %d", index), err)
	}
	if !d.cap.MultiPlanar {
		return []Plane{{Offset: uint32(b.m), Length: int(b.length)}}, nil
	}
	out := make([]Plane, len(planes))
	for i, p := range planes {
		out[i] = Plane{Offset: uint32(p.m), Length: int(p.length)}
	}
	return out, nil
}

// Map maps one buffer plane into process memory.
func (d *Device) Map(p Plane) ([]byte, error) {
	mem, err := unix.Mmap(d.fd, int64(p.Offset), p.Length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, mediaerr.Device(fmt.Sprintf("mmap offset %d length %d", p.Offset, p.Length), err)
	}
	return mem, nil
}

// Unmap releases a mapping returned by Map.
func (d *Device) Unmap(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return mediaerr.Device("munmap", err)
	}
	return nil
}

// Queue hands buffer index to the driver for filling.
func (d *Device) Queue(index int) error {
	b, planes := d.newBuffer(index)
	err := ioctl(d.fd, vidiocQbuf, unsafe.Pointer(b))
	runtime.KeepAlive(planes)
	if err != nil {
		return classify(fmt.Sprintf("VIDIOC_QBUF %d", index), err)
	}
	return nil
}

// Dequeue takes the next filled buffer from the driver. The device is
// non-blocking, so call WaitReadable first; an empty queue yields
// mediaerr.ErrTimeout.
func (d *Device) Dequeue() (Completion, error) {
	b, planes := d.newBuffer(0)
	err := ioctl(d.fd, vidiocDqbuf, unsafe.Pointer(b))
	runtime.KeepAlive(planes)
	if err != nil {
		return Completion{}, classify("VIDIOC_DQBUF", err)
	}

	c := Completion{
		Index:     int(b.index),
		Timestamp: uint64(b.timestamp.Sec)*1_000_000 + uint64(b.timestamp.Usec),
		Sequence:  uint64(b.sequence),
	}
	if d.cap.MultiPlanar {
		c.BytesUsed = make([]int, len(planes))
		for i, p := range planes {
			c.BytesUsed[i] = int(p.bytesused)
		}
	} else {
		c.BytesUsed = []int{int(b.bytesused)}
	}
	return c, nil
}

// WaitReadable blocks until a filled buffer is available, the timeout
// elapses (ErrTimeout) or Interrupt is called (ErrInterrupted).
func (d *Device) WaitReadable(timeout time.Duration) error {
	fds := []unix.PollFd{
		{Fd: int32(d.fd), Events: unix.POLLIN},
		{Fd: int32(d.wakeFD), Events: unix.POLLIN},
	}
	deadline := time.Now().Add(timeout)
	for {
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return mediaerr.Device("poll", err)
		}
		if n == 0 {
			return mediaerr.New(mediaerr.ErrTimeout, "poll", fmt.Errorf("no frame from %s within %v", d.path, timeout))
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			d.drainWake()
			return mediaerr.New(mediaerr.ErrInterrupted, "poll", nil)
		}
		re := fds[0].Revents
		if re&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return mediaerr.New(mediaerr.ErrDevice, "poll",
				fmt.Errorf("%w: %s reported revents 0x%x", mediaerr.ErrDeviceGone, d.path, re))
		}
		if re&unix.POLLIN != 0 {
			return nil
		}
	}
}

func (d *Device) drainWake() {
	var buf [8]byte
	unix.Read(d.wakeFD, buf[:])
}

// Interrupt wakes a goroutine blocked in WaitReadable. It is a no-op once
// the device is closed, so a late caller never writes to a reused fd.
func (d *Device) Interrupt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(d.wakeFD, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return mediaerr.Device("eventfd write", err)
	}
	return nil
}

// StreamOn starts capture.
func (d *Device) StreamOn() error {
	t := int32(d.bufType)
	if err := ioctl(d.fd, vidiocStreamon, unsafe.Pointer(&t)); err != nil {
		return classify("VIDIOC_STREAMON", err)
	}
	return nil
}

// StreamOff stops capture and returns all buffers to the application.
func (d *Device) StreamOff() error {
	t := int32(d.bufType)
	if err := ioctl(d.fd, vidiocStreamoff, unsafe.Pointer(&t)); err != nil {
		return classify("VIDIOC_STREAMOFF", err)
	}
	return nil
}

// GetControl reads control id.
func (d *Device) GetControl(id uint32) (int32, error) {
	c := v4l2Control{id: id}
	if err := ioctl(d.fd, vidiocGCtrl, unsafe.Pointer(&c)); err != nil {
		return 0, classify(fmt.Sprintf("VIDIOC_G_CTRL 0x%x", id), err)
	}
	return c.value, nil
}

// SetControl writes control id.
func (d *Device) SetControl(id uint32, value int32) error {
	c := v4l2Control{id: id, value: value}
	if err := ioctl(d.fd, vidiocSCtrl, unsafe.Pointer(&c)); err != nil {
		return classify(fmt.Sprintf("VIDIOC_S_CTRL 0x%x", id), err)
	}
	return nil
}

// Controls enumerates the enabled controls and their current values.
func (d *Device) Controls() ([]Control, error) {
	var out []Control
	q := v4l2Queryctrl{id: ctrlFlagNextCtrl}
	for {
		if err := ioctl(d.fd, vidiocQueryctrl, unsafe.Pointer(&q)); err != nil {
			if errors.Is(err, unix.EINVAL) {
				return out, nil
			}
			return out, classify("VIDIOC_QUERYCTRL", err)
		}
		if q.flags&ctrlFlagDisabled == 0 {
			c := Control{
				ID:      q.id,
				Name:    cstring(q.name[:]),
				Type:    q.typ,
				Min:     q.minimum,
				Max:     q.maximum,
				Step:    q.step,
				Default: q.defaultValue,
			}
			if v, err := d.GetControl(q.id); err == nil {
				c.Value = v
			}
			out = append(out, c)
		}
		q = v4l2Queryctrl{id: q.id | ctrlFlagNextCtrl}
	}
}

// Close releases the device. Safe to call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.wakeFD >= 0 {
		unix.Close(d.wakeFD)
	}
	if err := unix.Close(d.fd); err != nil {
		return mediaerr.Device("close "+d.path, err)
	}
	return nil
}
