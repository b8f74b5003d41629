package dmcrypt

import "encoding/binary"

// cryptoRequest is the Go expression of a composite per-sector request: a
// single backing allocation (org_iv || iv || sector_le) with typed
// accessors computed once at construction instead of hand pointer
// arithmetic. The authentication tag itself is not carried here — only
// tagIndex, the offset into the owning ioContext's integrity buffer.
//
// IV() is the working copy handed to the cipher engine; OrgIV() is filled
// immediately after generation and never touched again, preserving the
// original even if an engine were to mutate its working IV.
type cryptoRequest struct {
	ctx      *ioContext
	sector   uint64
	writing  bool
	tagIndex int
	ivSize   int
	buf      []byte
}

func newCryptoRequest(ivSize int) *cryptoRequest {
	return &cryptoRequest{
		ivSize: ivSize,
		buf:    make([]byte, ivSize*2+8),
	}
}

func (r *cryptoRequest) reset(ivSize int) {
	if cap(r.buf) < ivSize*2+8 {
		r.buf = make([]byte, ivSize*2+8)
	} else {
		r.buf = r.buf[:ivSize*2+8]
		clear(r.buf)
	}
	r.ivSize = ivSize
	r.ctx = nil
	r.sector = 0
	r.writing = false
	r.tagIndex = 0
}

func (r *cryptoRequest) OrgIV() []byte    { return r.buf[:r.ivSize] }
func (r *cryptoRequest) IV() []byte       { return r.buf[r.ivSize : 2*r.ivSize] }
func (r *cryptoRequest) SectorLE() []byte { return r.buf[2*r.ivSize : 2*r.ivSize+8] }

// Tag returns this sector's slice of the owning I/O context's integrity
// buffer, or nil when no integrity metadata is configured.
func (r *cryptoRequest) Tag() []byte {
	if r.ctx == nil || r.ctx.integrityBuf == nil {
		return nil
	}
	sz := r.ctx.mapping.integrity.OnDiskTagSize
	return r.ctx.integrityBuf[r.tagIndex : r.tagIndex+sz]
}

// assembleRequest implements component B: it picks the IV-sector, fills the
// IV (or recovers it from integrity metadata for random-mode reads), and on
// writes with a carried IV mirrors it back into the metadata so the matching
// read can recover it. src is the sector buffer as it stands before the
// crypto operation runs (plaintext on write, ciphertext on read) — lmk and
// tcw both need to see it during Generate.
func assembleRequest(m *Mapping, req *cryptoRequest, sector uint64, src []byte, writing bool) error {
	if len(src)%m.SectorSize != 0 {
		return NewValidationError("segment", len(src), "segment length must be a multiple of sector_size")
	}

	req.sector = sector
	req.writing = writing

	ivSector := sector + m.IVOffset
	if m.Flags.Has(FlagIVLargeSectors) {
		ivSector >>= m.sectorShift
	}
	binary.LittleEndian.PutUint64(req.SectorLE(), ivSector)

	carriesIV := m.integrity.IntegrityIVSize > 0
	tagOff := m.integrity.IntegrityTagSize

	if !writing && carriesIV {
		tag := req.Tag()
		copy(req.IV(), tag[tagOff:tagOff+m.integrity.IntegrityIVSize])
		copy(req.OrgIV(), req.IV())
		return nil
	}

	if err := m.ivGen.Generate(req.IV(), ivSector, src, writing); err != nil {
		return err
	}
	copy(req.OrgIV(), req.IV())

	if writing && carriesIV {
		tag := req.Tag()
		copy(tag[tagOff:tagOff+m.integrity.IntegrityIVSize], req.OrgIV()[:m.integrity.IntegrityIVSize])
	}
	return nil
}

// aeadAAD builds the associated data the spec's 4-entry AEAD SG layout
// authenticates: sector_le(8) || iv(N).
func aeadAAD(req *cryptoRequest) []byte {
	aad := make([]byte, 8+req.ivSize)
	copy(aad[:8], req.SectorLE())
	copy(aad[8:], req.IV())
	return aad
}
