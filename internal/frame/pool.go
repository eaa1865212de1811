package frame

import "sync"

// Pool recycles byte slices used for Owned frame copies so the fan-out
// copy does not allocate on every frame.
type Pool struct {
	pool sync.Pool
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

// Get returns a slice of length n. Contents are undefined.
func (p *Pool) Get(n int) []byte {
	if v := p.pool.Get(); v != nil {
		buf := *(v.(*[]byte))
		if cap(buf) >= n {
			return buf[:n]
		}
	}
	return make([]byte, n)
}

// Put returns buf for reuse.
func (p *Pool) Put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	buf = buf[:0]
	p.pool.Put(&buf)
}
