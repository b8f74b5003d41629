package dmcrypt

import (
	"sync"
	"sync/atomic"
)

const (
	// minPoolPages floors the per-mapping page quota, so a mapping on a
	// memory-starved host still has
	// enough pages to make forward progress.
	minPoolPages = 32
	// fairShareDivisorPct approximates "(total_pages * 2%) / n_mappings".
	fairShareDivisorPct = 2
)

// pageSize is the unit of allocation for the page pool, matching the
// host's usual 4K page — sectors smaller than this pack multiple per page,
// sectors larger span several.
const pageSize = 4096

// page is one pool-owned buffer. buf is always len == pageSize; segments
// fill it starting at offset 0 up to pageSize, filled segment-by-segment.
type page struct {
	buf []byte
}

// pagePool is component D: a per-mapping buffer allocator with a
// non-blocking fast path and a mutex-guarded slow path, avoiding the
// classic N-mapping deadlock where every mapping holds half its quota and
// blocks on the rest. Grounded on the teacher's ParallelConfig/worker
// sizing idiom (parallel.go) generalized from a goroutine budget to a page
// budget, with sync.Pool supplying the actual free-list.
type pagePool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	free     *sync.Pool
	quota    int64
	inUse    int64 // distributed counter; atomic, no lock on the read/incr path
	closed   bool
}

// newPagePool sizes the pool per the fair-share approximation:
// (totalSystemPages * fairShareDivisorPct / 100) / nMappings, floored at
// minPoolPages.
func newPagePool(totalSystemPages int64, nMappings int) *pagePool {
	if nMappings < 1 {
		nMappings = 1
	}
	quota := (totalSystemPages * fairShareDivisorPct / 100) / int64(nMappings)
	if quota < minPoolPages {
		quota = minPoolPages
	}
	p := &pagePool{
		quota: quota,
		free: &sync.Pool{New: func() any {
			return &page{buf: make([]byte, pageSize)}
		}},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// acquireFast is the non-blocking first attempt: it never takes the mutex
// and may return nil, meaning the caller must fall back to acquireSlow.
func (p *pagePool) acquireFast() *page {
	if atomic.AddInt64(&p.inUse, 1) > p.quota {
		atomic.AddInt64(&p.inUse, -1)
		return nil
	}
	return p.free.Get().(*page)
}

// acquireSlow is the mutex-guarded retry with direct reclaim: it blocks on
// a condition variable until either quota frees up or the pool is closed.
func (p *pagePool) acquireSlow() (*page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, NewResourceError("page_pool", "pool closed while waiting for pages")
		}
		if atomic.LoadInt64(&p.inUse) < p.quota {
			atomic.AddInt64(&p.inUse, 1)
			return p.free.Get().(*page), nil
		}
		p.cond.Wait()
	}
}

// Acquire implements the two-phase allocation policy: try the lock-free fast
// path first; only take the mutex on failure.
func (p *pagePool) Acquire() (*page, error) {
	if pg := p.acquireFast(); pg != nil {
		return pg, nil
	}
	return p.acquireSlow()
}

// Release returns pg to the pool and wakes any mutex-path waiters. The
// fast path never needs to know about this signal; acquireSlow's condition
// check handles both paths uniformly.
func (p *pagePool) Release(pg *page) {
	clear(pg.buf)
	p.free.Put(pg)
	atomic.AddInt64(&p.inUse, -1)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Close marks the pool closed and wakes every blocked acquireSlow caller
// so destroy (component H) can unwind without leaking goroutines.
func (p *pagePool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// InUse reports the distributed counter's current value, exposed for
// metrics.go's page-pool gauge.
func (p *pagePool) InUse() int64 { return atomic.LoadInt64(&p.inUse) }

// Quota reports the pool's total page budget — the largest run of pages a
// single AcquirePages call can ever satisfy, even with the pool otherwise
// idle.
func (p *pagePool) Quota() int64 { return p.quota }

// AcquirePages allocates enough pages to back n bytes, returning the
// backing buffers concatenated into one logical []byte slice view plus the
// underlying pages (so the caller can Release them individually later).
func (p *pagePool) AcquirePages(n int) ([]*page, []byte, error) {
	count := (n + pageSize - 1) / pageSize
	pages := make([]*page, 0, count)
	out := make([]byte, 0, count*pageSize)
	for i := 0; i < count; i++ {
		pg, err := p.Acquire()
		if err != nil {
			for _, alloc := range pages {
				p.Release(alloc)
			}
			return nil, nil, err
		}
		pages = append(pages, pg)
		out = append(out, pg.buf...)
	}
	return pages, out[:n], nil
}

// ReleasePages returns every page in pages to the pool.
func (p *pagePool) ReleasePages(pages []*page) {
	for _, pg := range pages {
		p.Release(pg)
	}
}

// descPool recycles *cryptoRequest per-sector descriptors the same way pagePool
// recycles pages — a plain sync.Pool suffices since descriptors carry no
// scarce system resource, only a slot the garbage collector would
// otherwise have to churn on every I/O.
type descPool struct {
	pool sync.Pool
}

func newDescPool(ivSize int) *descPool {
	return &descPool{pool: sync.Pool{New: func() any { return newCryptoRequest(ivSize) }}}
}

func (d *descPool) Get(ivSize int) *cryptoRequest {
	req := d.pool.Get().(*cryptoRequest)
	req.reset(ivSize)
	return req
}

func (d *descPool) Put(req *cryptoRequest) { d.pool.Put(req) }
