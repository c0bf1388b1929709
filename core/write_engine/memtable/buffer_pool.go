package memtable

import (
	"sync"
	"sync/atomic"

	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// BufferPool recycles page buffers between the cache and writers. Rented
// buffers are always zeroed with an undefined position.
type BufferPool struct {
	pool        sync.Pool
	outstanding atomic.Int64
	allocated   atomic.Int64
}

func NewBufferPool() *BufferPool {
	bp := &BufferPool{}
	bp.pool.New = func() any {
		bp.allocated.Add(1)
		return pagemanager.NewPageBuffer()
	}
	return bp
}

// Rent returns a clean buffer. The caller owns it until Return.
func (bp *BufferPool) Rent() *pagemanager.PageBuffer {
	p := bp.pool.Get().(*pagemanager.PageBuffer)
	p.Reset()
	bp.outstanding.Add(1)
	return p
}

// RentCopy rents a buffer holding a private copy of src. Writers mutate such
// copies, never a buffer shared through the cache.
func (bp *BufferPool) RentCopy(src *pagemanager.PageBuffer) *pagemanager.PageBuffer {
	p := bp.Rent()
	p.CopyFrom(src)
	return p
}

// Return hands a buffer back. The buffer must not be used afterwards.
func (bp *BufferPool) Return(p *pagemanager.PageBuffer) {
	if p == nil {
		return
	}
	bp.outstanding.Add(-1)
	bp.pool.Put(p)
}

// Outstanding is the number of rented buffers not yet returned.
func (bp *BufferPool) Outstanding() int64 { return bp.outstanding.Load() }

// Allocated is the number of buffers ever created by the pool.
func (bp *BufferPool) Allocated() int64 { return bp.allocated.Load() }
