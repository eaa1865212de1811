// Package frame defines the frame buffer passed between capture, services
// and display.
package frame

import (
	"time"
)

// Ownership says who owns a Buffer's pixel memory.
type Ownership int

const (
	// Borrowed buffers view memory owned by a capture pool slot. They are
	// only valid until that slot is handed back to the driver.
	Borrowed Ownership = iota
	// Owned buffers hold a private copy.
	Owned
)

func (o Ownership) String() string {
	if o == Borrowed {
		return "borrowed"
	}
	return "owned"
}

// Buffer is pixel data plus capture metadata.
type Buffer struct {
	Width  int
	Height int
	// Stride is bytes per luma row of the first plane.
	Stride    int
	Format    PixelFormat
	Timestamp uint64 // capture time, monotonic microseconds
	Sequence  uint64

	planes    [][]byte
	ownership Ownership
	slot      int
	pool      *Pool
}

// NewBorrowed wraps slot memory without copying it.
func NewBorrowed(slot int, planes [][]byte) *Buffer {
	return &Buffer{planes: planes, ownership: Borrowed, slot: slot}
}

// NewOwned wraps a private byte slice.
func NewOwned(data []byte) *Buffer {
	return &Buffer{planes: [][]byte{data}, ownership: Owned, slot: -1}
}

// Ownership reports whether b is Borrowed or Owned.
func (b *Buffer) Ownership() Ownership { return b.ownership }

// Slot is the originating pool slot of a Borrowed buffer, -1 otherwise.
func (b *Buffer) Slot() int { return b.slot }

// Planes returns the raw plane views.
func (b *Buffer) Planes() [][]byte { return b.planes }

// Len is the total payload length across planes.
func (b *Buffer) Len() int {
	n := 0
	for _, p := range b.planes {
		n += len(p)
	}
	return n
}

// Bytes returns the payload as one contiguous slice. For multi-plane
// borrowed buffers this allocates; Owned buffers are always contiguous.
func (b *Buffer) Bytes() []byte {
	switch len(b.planes) {
	case 0:
		return nil
	case 1:
		return b.planes[0]
	}
	out := make([]byte, 0, b.Len())
	for _, p := range b.planes {
		out = append(out, p...)
	}
	return out
}

// Time returns the capture timestamp as a duration since the clock origin.
func (b *Buffer) Time() time.Duration {
	return time.Duration(b.Timestamp) * time.Microsecond
}

// Clone deep-copies b into an Owned buffer. Planes are concatenated. If
// pool is non-nil the backing slice comes from it and Release returns it.
func (b *Buffer) Clone(pool *Pool) *Buffer {
	n := b.Len()
	var data []byte
	if pool != nil {
		data = pool.Get(n)
	} else {
		data = make([]byte, n)
	}
	off := 0
	for _, p := range b.planes {
		off += copy(data[off:], p)
	}
	c := &Buffer{
		Width:     b.Width,
		Height:    b.Height,
		Stride:    b.Stride,
		Format:    b.Format,
		Timestamp: b.Timestamp,
		Sequence:  b.Sequence,
		planes:    [][]byte{data},
		ownership: Owned,
		slot:      -1,
		pool:      pool,
	}
	return c
}

// Release hands a pooled Owned buffer's memory back. The buffer must not be
// used afterwards. Borrowed buffers are never released here; their memory
// belongs to the capture pool.
func (b *Buffer) Release() {
	if b == nil || b.ownership != Owned || b.pool == nil || len(b.planes) == 0 {
		return
	}
	b.pool.Put(b.planes[0])
	b.planes = nil
	b.pool = nil
}
