package dmcrypt

import (
	"sync"
	"sync/atomic"
)

// ioContext is one upper I/O, per spec.md §3: it owns the original buffer,
// the cloned output buffer for writes, its starting logical sector, a
// pending counter, a sticky error, and the optional integrity sideband buffer.
// Its lifetime ends when pending reaches zero — checkDone is the single
// place that transition is observed.
type ioContext struct {
	mapping *Mapping
	writing bool
	start   uint64 // starting logical sector
	src     []byte // plaintext (write) or ciphertext (read) as delivered
	dst     []byte // ciphertext (write) or plaintext (read) produced here

	integrityBuf []byte // sideband metadata for this extent, or nil

	pending int32 // atomic; convert increments, completions decrement

	mu  sync.Mutex
	err error // sticky; first error wins

	onDone func(*ioContext) // called exactly once when pending hits zero
}

func newIOContext(m *Mapping, writing bool, start uint64, src, dst, integrityBuf []byte) *ioContext {
	return &ioContext{
		mapping:      m,
		writing:      writing,
		start:        start,
		src:          src,
		dst:          dst,
		integrityBuf: integrityBuf,
	}
}

// setErr records err as the context's sticky error if none is set yet —
// "per-I/O terminal status" per §6 is whichever error arrived first.
func (c *ioContext) setErr(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *ioContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// checkDone decrements pending and, on reaching zero, invokes onDone
// exactly once. Every completion path — inline, async, backlog, error —
// funnels through here.
func (c *ioContext) checkDone() {
	if atomic.AddInt32(&c.pending, -1) == 0 && c.onDone != nil {
		c.onDone(c)
	}
}

// Convert drives one ioContext through the converter, component C:
// sector-by-sector, dispatching each cipher completion per §4.C's table.
// It returns once every sector of this context has at least been
// submitted; asynchronous/backlogged sectors finish later via checkDone.
func Convert(c *ioContext) error {
	m := c.mapping
	n := len(c.src) / m.SectorSize
	for i := 0; i < n; i++ {
		sector := c.start + uint64(i)
		off := i * m.SectorSize
		if err := convertOne(c, sector, off); err != nil {
			c.setErr(err)
		}
	}
	return nil
}

// convertOne assembles and submits a single sector's crypto request,
// implementing §4.C's dispatch table. The pending counter is incremented
// before Submit and decremented by exactly one completion path.
func convertOne(c *ioContext, sector uint64, off int) error {
	m := c.mapping
	engine := m.engineFor(sector)

	// pending is incremented exactly once here and decremented by exactly
	// one completion path below, whichever one this call takes — including
	// the early validation-failure return, so a caller blocked on onDone
	// never waits on a sector that was never actually started.
	atomic.AddInt32(&c.pending, 1)

	req := m.descPool.Get(m.ivSize)
	srcSeg := c.src[off : off+m.SectorSize]
	dstSeg := c.dst[off : off+m.SectorSize]
	req.ctx = c
	req.tagIndex = i2tagIndex(m, sector, c.start)

	if err := assembleRequest(m, req, sector, srcSeg, c.writing); err != nil {
		m.descPool.Put(req)
		c.setErr(err)
		c.checkDone()
		return err
	}

	op := &sectorOp{
		Encrypt: c.writing,
		IV:      req.IV(),
		Src:     srcSeg,
		Dst:     dstSeg,
	}
	var aeadScratch []byte
	if m.kind == CipherKindAEAD {
		op.AAD = aeadAAD(req)
		if c.writing {
			// Seal writes ciphertext||tag into one buffer; the tag then
			// gets peeled off into the integrity sideband in
			// finishCipherOutput, per §4.B's [sector_le, iv, data, tag] SG
			// layout split across the data area and the metadata channel.
			aeadScratch = make([]byte, len(dstSeg)+engine.Overhead())
			op.Dst = aeadScratch
		} else {
			tag := req.Tag()
			op.Src = append(append([]byte(nil), srcSeg...), tag[:m.integrity.IntegrityTagSize]...)
		}
	}

	done := make(chan cryptCompletion, 2)
	status := engine.Submit(op, done)

	switch status {
	case engineStatusOK:
		res := <-done
		if res.err == nil {
			m.finishCipherOutput(req, op, dstSeg, sector, c.writing)
		} else {
			m.logIntegrityFailure(res.err, sector)
			c.setErr(classifyEngineErr(res.err))
		}
		m.descPool.Put(req)
		c.checkDone()
		if res.err != nil {
			return classifyEngineErr(res.err)
		}
		return nil

	case engineStatusBacklog:
		<-done // the restart signal: driver accepted the backlogged request
		fallthrough
	case engineStatusPending:
		go m.awaitCompletion(c, req, op, dstSeg, done, sector)
		return nil

	default:
		m.descPool.Put(req)
		c.setErr(ErrIOError)
		c.checkDone()
		return ErrIOError
	}
}

// awaitCompletion finalizes an asynchronously-completed sector: it blocks
// on done, runs the IV generator's Post hook, records any sticky error,
// and releases the request back to its pool.
func (m *Mapping) awaitCompletion(c *ioContext, req *cryptoRequest, op *sectorOp, dstSeg []byte, done chan cryptCompletion, sector uint64) {
	res := <-done
	if res.err != nil {
		m.logIntegrityFailure(res.err, sector)
		c.setErr(classifyEngineErr(res.err))
	} else {
		m.finishCipherOutput(req, op, dstSeg, sector, c.writing)
	}
	m.descPool.Put(req)
	c.checkDone()
}

// finishCipherOutput runs the IV generator's Post hook over the produced
// plaintext/ciphertext and, for AEAD writes, splits the engine's
// ciphertext||tag scratch buffer back into the caller's data segment and
// the integrity sideband.
func (m *Mapping) finishCipherOutput(req *cryptoRequest, op *sectorOp, dstSeg []byte, sector uint64, writing bool) {
	if m.kind == CipherKindAEAD && writing {
		ctLen := len(dstSeg)
		copy(dstSeg, op.Dst[:ctLen])
		if tag := req.Tag(); tag != nil {
			copy(tag[:m.integrity.IntegrityTagSize], op.Dst[ctLen:])
		}
	}
	_ = m.ivGen.Post(req.OrgIV(), sector, dstSeg, writing)
}

// classifyEngineErr maps an engine error to the sticky per-I/O status
// §6 defines: PROTECTION for integrity failures, IOERR otherwise.
func classifyEngineErr(err error) error {
	if IsIntegrityError(err) {
		return ErrProtection
	}
	return ErrIOError
}

// i2tagIndex computes the byte offset of sector's slice within the
// context's integrity buffer.
func i2tagIndex(m *Mapping, sector, start uint64) int {
	if !m.integrity.Enabled() {
		return 0
	}
	return int(sector-start) * m.integrity.OnDiskTagSize
}
