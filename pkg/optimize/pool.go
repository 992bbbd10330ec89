package optimize

import (
	"sync"
)

// BytePool hands out fixed-size byte buffers, such as one MTU-sized buffer
// per RTP read.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of exactly Size bytes. Its contents are undefined.
func (p *BytePool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put returns b to the pool. Buffers smaller than Size are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

func (p *BytePool) Size() int { return p.size }
