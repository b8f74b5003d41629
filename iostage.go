package dmcrypt

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// ioPool is a persistent worker pool fed by a buffered job channel,
// generalizing the teacher's one-shot fan-out (parallelEncryptChunks/
// parallelDecryptChunks in parallel.go: a WaitGroup of workers draining a
// closed job channel, with panic recovery per worker) into a long-lived
// pool a mapping starts once and stops at destroy. Two instances exist per
// mapping — the I/O pool and the crypt pool — per §4.E/§5.
type ioPool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

// newIOPool starts workers goroutines pulling from an unbounded-ish
// buffered channel. workers <= 0 defaults to runtime.NumCPU(), the same
// sizing reference DefaultParallelConfig used for MaxWorkers.
func newIOPool(workers int) *ioPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &ioPool{jobs: make(chan func(), 256)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *ioPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.runJob(job)
	}
}

// runJob recovers from a panicking job so one bad submission cannot take
// down the whole pool, mirroring parallel.go's per-worker recover.
func (p *ioPool) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			_ = fmt.Errorf("panic in pool worker: %v", r)
		}
	}()
	job()
}

// Submit enqueues job for execution on some worker goroutine. Submit never
// blocks the caller on the job's own completion — only on channel
// backpressure, which the job itself must not create a cycle through.
func (p *ioPool) Submit(job func()) { p.jobs <- job }

// Stop closes the job channel and waits for every worker to drain,
// matching destroy's "drains both pools" step (§5).
func (p *ioPool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

// --- Mapping's public I/O-stage API (component E) ---------------------

// ReadAt decrypts len(p)/SectorSize sectors starting at logical sector, reading
// ciphertext from the underlying device first. Implements §4.E's read
// path: clone (here, just a plain read buffer since Go has no descriptor
// aliasing to share), submit, then decrypt on crypt-pool completion.
func (m *Mapping) ReadAt(p []byte, sector uint64) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	if err := m.checkAlignment(p, sector); err != nil {
		return err
	}

	ciphertext := make([]byte, len(p))
	byteOff := int64(m.Start+sector) * int64(m.SectorSize)

	// The I/O pool owns device submission; routing it through a distinct
	// pool from the crypt stage keeps new submissions from starving behind
	// crypt-side backpressure, per §4.E's "pool choice" rule.
	submitted := make(chan error, 1)
	m.ioPool.Submit(func() {
		_, err := m.device.ReadAt(ciphertext, byteOff)
		submitted <- err
	})
	if err := <-submitted; err != nil {
		return err
	}

	var integrityBuf []byte
	if m.integrity.Enabled() {
		integrityBuf = make([]byte, (len(p)/m.SectorSize)*m.integrity.OnDiskTagSize)
		if m.integrityCh != nil {
			for i := 0; i < len(p)/m.SectorSize; i++ {
				tag, err := m.integrityCh.ReadTag(sector+uint64(i), m.integrity.OnDiskTagSize)
				if err != nil {
					return err
				}
				copy(integrityBuf[i*m.integrity.OnDiskTagSize:], tag)
			}
		}
	}

	ctx := newIOContext(m, false, sector, ciphertext, p, integrityBuf)
	done := make(chan struct{})
	ctx.onDone = func(c *ioContext) { close(done) }

	m.cryptPool.Submit(func() {
		Convert(ctx)
	})
	<-done
	m.metrics.IncSectors("decrypt", len(p)/m.SectorSize)
	return ctx.Err()
}

// WriteAt encrypts p and writes it to the underlying device at sector.
// Implements §4.E's write path: crypt pool allocates the output clone via
// the page pool, runs the converter, then hands completed sectors to the
// write sequencer — unless NO_OFFLOAD is set and encryption completed
// inline, in which case submission is direct. WriteAt does not return until
// the ciphertext for every sector in p is durable on the underlying device
// (or an error is recorded) — the final pending decrement, wherever that
// occurs, is what releases the caller.
func (m *Mapping) WriteAt(p []byte, sector uint64) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	if err := m.checkAlignment(p, sector); err != nil {
		return err
	}

	// Oversize descriptor (§4.E): a request wider than the page pool's
	// total budget can never be satisfied by AcquirePages — it would block
	// forever in acquireSlow with no in-flight release to wake it. Split so
	// the first run fits the pool's maximum run and re-deliver the
	// remainder as a follow-up write, the allocator-bound analogue of the
	// framework re-submitting the oversize tail.
	if maxRun := m.maxPagePoolRunBytes(); len(p) > maxRun {
		if err := m.writeOne(p[:maxRun], sector); err != nil {
			return err
		}
		return m.WriteAt(p[maxRun:], sector+uint64(maxRun/m.SectorSize))
	}
	return m.writeOne(p, sector)
}

// maxPagePoolRunBytes is the largest single-request byte count the page
// pool can ever satisfy, sector-aligned. Page size is always a multiple of
// sector size, so flooring to whole pages also lands on a sector boundary.
func (m *Mapping) maxPagePoolRunBytes() int {
	maxBytes := int(m.pagePool.Quota()) * pageSize
	maxBytes -= maxBytes % m.SectorSize
	if maxBytes < m.SectorSize {
		maxBytes = m.SectorSize
	}
	return maxBytes
}

// writeOne performs one page-pool-bounded write: the body WriteAt used to
// be before oversize splitting was pulled out into its own dispatch step.
func (m *Mapping) writeOne(p []byte, sector uint64) error {
	pages, ciphertext, err := m.pagePool.AcquirePages(len(p))
	if err != nil {
		return err
	}
	defer m.pagePool.ReleasePages(pages)
	m.metrics.SetPagesInUse(m.pagePool.InUse())

	var integrityBuf []byte
	if m.integrity.Enabled() {
		integrityBuf = make([]byte, (len(p)/m.SectorSize)*m.integrity.OnDiskTagSize)
	}

	ctx := newIOContext(m, true, sector, p, ciphertext, integrityBuf)
	done := make(chan struct{})
	ctx.onDone = func(c *ioContext) { close(done) }

	// pending covers two stages for a write: the per-sector crypto stage
	// (tracked inside Convert/convertOne) and this submission stage —
	// either the direct finishWrite call or the write sequencer's eventual
	// drain. Without the second unit, onDone could fire as soon as crypto
	// finishes, before the ciphertext ever reaches the device.
	atomic.AddInt32(&ctx.pending, 1)

	m.cryptPool.Submit(func() {
		Convert(ctx)
		if ctx.Err() != nil {
			ctx.checkDone()
			return
		}
		byteOff := int64(m.Start+sector) * int64(m.SectorSize)
		if m.Flags.Has(FlagNoOffload) {
			m.finishWrite(ctx, byteOff)
			ctx.checkDone()
			return
		}
		m.writeSeq.Enqueue(&writeClone{sector: sector, data: append([]byte(nil), ciphertext...), ctx: ctx})
		m.metrics.SetWriteQueueDepth(1)
		// the write sequencer's drainOnce calls ctx.checkDone() once this
		// clone is actually submitted to the device.
	})
	<-done
	m.metrics.IncSectors("encrypt", len(p)/m.SectorSize)
	return ctx.Err()
}

// finishWrite performs the direct, non-sequenced submission NO_OFFLOAD
// takes for an inline-completed write.
func (m *Mapping) finishWrite(ctx *ioContext, byteOff int64) {
	if _, err := m.device.WriteAt(ctx.dst, byteOff); err != nil {
		ctx.setErr(err)
	}
	if ctx.integrityBuf != nil && m.integrityCh != nil {
		n := len(ctx.dst) / m.SectorSize
		for i := 0; i < n; i++ {
			tag := ctx.integrityBuf[i*m.integrity.OnDiskTagSize : (i+1)*m.integrity.OnDiskTagSize]
			if err := m.integrityCh.WriteTag(ctx.start+uint64(i), tag); err != nil {
				ctx.setErr(err)
			}
		}
	}
}

// submitWriteClone is the callback the write sequencer drains into —
// it performs the actual device write for one drained clone.
func (m *Mapping) submitWriteClone(wc *writeClone) error {
	byteOff := int64(m.Start+wc.sector) * int64(m.SectorSize)
	if _, err := m.device.WriteAt(wc.data, byteOff); err != nil {
		return err
	}
	if wc.ctx.integrityBuf != nil && m.integrityCh != nil {
		tagSize := m.integrity.OnDiskTagSize
		idx := int(wc.sector-wc.ctx.start) * tagSize
		if idx+tagSize <= len(wc.ctx.integrityBuf) {
			if err := m.integrityCh.WriteTag(wc.sector, wc.ctx.integrityBuf[idx:idx+tagSize]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush forwards a pre-flush barrier straight to the underlying device,
// bypassing crypto entirely per §4.E's "pre-flush or discard" rule.
func (m *Mapping) Flush() error {
	if err := m.checkReady(); err != nil {
		return err
	}
	return m.device.Flush()
}

// Discard forwards a discard request directly to the underlying device
// when ALLOW_DISCARDS is set; otherwise it is rejected.
func (m *Mapping) Discard(sector uint64, count uint64) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	if !m.Flags.Has(FlagAllowDiscards) {
		return NewValidationError("discard", sector, "mapping does not allow discards")
	}
	byteOff := int64(m.Start+sector) * int64(m.SectorSize)
	return m.device.Discard(byteOff, int64(count)*int64(m.SectorSize))
}

// checkAlignment implements §4.E's alignment-check dispatch rule: both the
// starting sector (implicit, always sector-granular here) and the byte
// length must be multiples of sector_size.
func (m *Mapping) checkAlignment(p []byte, sector uint64) error {
	if len(p)%m.SectorSize != 0 {
		return NewValidationError("length", len(p), "I/O length must be a multiple of sector_size")
	}
	if err := ValidateSectorRange(sector, uint64(len(p)/m.SectorSize), m.deviceSectors); err != nil {
		return err
	}
	return nil
}
