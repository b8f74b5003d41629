package dmcrypt

import (
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"math/bits"
)

// IVGenerator is the capability table of component A: construct/init happen
// at NewIVGenerator/Init time, Generate runs before the cipher operation and
// Post runs after it. Most variants leave Post a no-op by embedding
// baseIVGen; lmk and tcw are the two that use it for their plaintext/
// ciphertext tweak.
//
// Generate receives src, the sector buffer as it stood before the crypto
// operation (plaintext on a write, ciphertext on a read). Post receives dst,
// the sector buffer as it stands after the crypto operation (ciphertext on a
// write, plaintext on a read). That single convention is what lets tcw
// whiten ciphertext in Post and lmk tweak plaintext in Post, while both
// still read their pre-image from Generate's src.
type IVGenerator interface {
	Init(key []byte) error
	Wipe()
	Generate(iv []byte, sector uint64, src []byte, writing bool) error
	Post(iv []byte, sector uint64, dst []byte, writing bool) error
}

// baseIVGen supplies no-op defaults so each variant only implements the
// hooks it actually needs.
type baseIVGen struct{}

func (baseIVGen) Init([]byte) error { return nil }
func (baseIVGen) Wipe()             {}
func (baseIVGen) Post(_ []byte, _ uint64, _ []byte, _ bool) error { return nil }

// IVGenOptions carries everything NewIVGenerator needs to build a variant
// without reaching back into the mapping: the IV size the request assembler
// has settled on, the cipher's native block size (benbi, essiv), and
// constructors for the block cipher and hash essiv needs to build its salt
// cipher.
type IVGenOptions struct {
	IVSize          int
	CipherBlockSize int
	BlockCipherNew  func(key []byte) (cipher.Block, error)
	HashNew         func() hash.Hash
	IVOpts          string
}

// NewIVGenerator builds the generator named by mode, per spec.md §4.A.
func NewIVGenerator(mode IVMode, opts IVGenOptions) (IVGenerator, error) {
	switch mode {
	case IVModePlain:
		return &plainIVGen{}, nil
	case IVModePlain64:
		return &plain64IVGen{}, nil
	case IVModePlain64BE:
		return &plain64beIVGen{}, nil
	case IVModeNull:
		return &nullIVGen{}, nil
	case IVModeESSIV:
		if opts.BlockCipherNew == nil || opts.HashNew == nil {
			return nil, NewValidationError("ivmode", mode, "essiv requires a hash and a block cipher constructor")
		}
		return &essivIVGen{ivSize: opts.IVSize, hashNew: opts.HashNew, blockNew: opts.BlockCipherNew}, nil
	case IVModeBenbi:
		return newBenbiIVGen(opts.IVSize, opts.CipherBlockSize)
	case IVModeLMK:
		var seed []byte
		if opts.IVOpts != "" {
			b, err := hex.DecodeString(opts.IVOpts)
			if err != nil {
				return nil, NewValidationError("ivopts", opts.IVOpts, "lmk seed must be hex")
			}
			seed = b
		}
		return &lmkIVGen{ivSize: opts.IVSize, seed: seed}, nil
	case IVModeTCW:
		return &tcwIVGen{ivSize: opts.IVSize}, nil
	case IVModeRandom:
		return &randomIVGen{ivSize: opts.IVSize}, nil
	default:
		return nil, ErrUnsupportedIVMode
	}
}

// --- plain / plain64 / plain64be / null ---------------------------------

type plainIVGen struct{ baseIVGen }

func (plainIVGen) Generate(iv []byte, sector uint64, _ []byte, _ bool) error {
	clear(iv)
	if len(iv) >= 4 {
		binary.LittleEndian.PutUint32(iv[:4], uint32(sector))
	}
	return nil
}

type plain64IVGen struct{ baseIVGen }

func (plain64IVGen) Generate(iv []byte, sector uint64, _ []byte, _ bool) error {
	clear(iv)
	if len(iv) >= 8 {
		binary.LittleEndian.PutUint64(iv[:8], sector)
	}
	return nil
}

type plain64beIVGen struct{ baseIVGen }

func (plain64beIVGen) Generate(iv []byte, sector uint64, _ []byte, _ bool) error {
	clear(iv)
	if len(iv) >= 8 {
		binary.BigEndian.PutUint64(iv[len(iv)-8:], sector)
	}
	return nil
}

type nullIVGen struct{ baseIVGen }

func (nullIVGen) Generate(iv []byte, _ uint64, _ []byte, _ bool) error {
	clear(iv)
	return nil
}

// --- essiv ---------------------------------------------------------------

type essivIVGen struct {
	baseIVGen
	ivSize    int
	hashNew   func() hash.Hash
	blockNew  func(key []byte) (cipher.Block, error)
	saltBlock cipher.Block
}

func (g *essivIVGen) Init(key []byte) error {
	h := g.hashNew()
	h.Write(key)
	salt := h.Sum(nil)
	block, err := g.blockNew(salt)
	if err != nil {
		return fmt.Errorf("essiv: salt cipher: %w", err)
	}
	if block.BlockSize() != g.ivSize {
		return NewValidationError("essiv", g.ivSize,
			fmt.Sprintf("salt cipher block size %d must equal iv size %d", block.BlockSize(), g.ivSize))
	}
	g.saltBlock = block
	return nil
}

func (g *essivIVGen) Wipe() { g.saltBlock = nil }

func (g *essivIVGen) Generate(iv []byte, sector uint64, _ []byte, _ bool) error {
	if g.saltBlock == nil {
		return ErrKeyNotSet
	}
	plain := make([]byte, g.ivSize)
	binary.LittleEndian.PutUint64(plain[:8], sector)
	g.saltBlock.Encrypt(iv, plain)
	return nil
}

// --- benbi -----------------------------------------------------------------

type benbiIVGen struct {
	baseIVGen
	ivSize int
	shift  uint
}

func newBenbiIVGen(ivSize, blockSize int) (*benbiIVGen, error) {
	if blockSize <= 0 || blockSize > 512 || blockSize&(blockSize-1) != 0 {
		return nil, NewValidationError("benbi", blockSize, "cipher block size must be a power of two no greater than 512")
	}
	log2 := bits.TrailingZeros(uint(blockSize))
	return &benbiIVGen{ivSize: ivSize, shift: uint(9 - log2)}, nil
}

func (g *benbiIVGen) Generate(iv []byte, sector uint64, _ []byte, _ bool) error {
	clear(iv)
	val := (sector << g.shift) + 1
	if len(iv) >= 8 {
		binary.BigEndian.PutUint64(iv[len(iv)-8:], val)
	}
	return nil
}

// --- lmk (loop-AES compatible) ---------------------------------------------

type lmkIVGen struct {
	baseIVGen
	ivSize int
	seed   []byte
}

func (g *lmkIVGen) Generate(iv []byte, sector uint64, src []byte, writing bool) error {
	if !writing {
		clear(iv)
		return nil
	}
	return g.compute(iv, sector, src)
}

func (g *lmkIVGen) Post(iv []byte, sector uint64, dst []byte, writing bool) error {
	if writing {
		return nil
	}
	tmp := make([]byte, len(iv))
	if err := g.compute(tmp, sector, dst); err != nil {
		return err
	}
	for i := 0; i < 16 && i < len(dst); i++ {
		dst[i] ^= tmp[i]
	}
	return nil
}

func (g *lmkIVGen) compute(iv []byte, sector uint64, data []byte) error {
	if len(data) < 512 {
		return NewValidationError("lmk", len(data), "lmk requires 512-byte sectors")
	}
	h := md5.New()
	if len(g.seed) > 0 {
		h.Write(g.seed)
	}
	h.Write(data[16:512])

	var packed [8]byte
	binary.LittleEndian.PutUint64(packed[:], sector)
	packed[7] |= 0x80 // high bit set, per spec.md §4.A
	h.Write(packed[:])

	var constBuf [2]byte
	binary.LittleEndian.PutUint16(constBuf[:], 4024)
	h.Write(constBuf[:])
	h.Write([]byte{0})

	sum := h.Sum(nil)
	var swapped [16]byte
	for w := 0; w < 4; w++ {
		swapped[w*4+0] = sum[w*4+3]
		swapped[w*4+1] = sum[w*4+2]
		swapped[w*4+2] = sum[w*4+1]
		swapped[w*4+3] = sum[w*4+0]
	}
	copy(iv, swapped[:])
	return nil
}

// --- tcw (TrueCrypt compatible) ---------------------------------------------

type tcwIVGen struct {
	baseIVGen
	ivSize    int
	ivSeed    []byte
	whitening []byte
}

func (g *tcwIVGen) Init(key []byte) error {
	need := g.ivSize + 16
	if len(key) <= need {
		return NewValidationError("tcw", len(key), fmt.Sprintf("key_size must exceed iv_size(%d)+16", g.ivSize))
	}
	tail := key[len(key)-need:]
	g.ivSeed = append([]byte(nil), tail[:g.ivSize]...)
	g.whitening = append([]byte(nil), tail[g.ivSize:]...)
	return nil
}

func (g *tcwIVGen) Wipe() {
	clear(g.ivSeed)
	clear(g.whitening)
}

func (g *tcwIVGen) Generate(iv []byte, sector uint64, src []byte, writing bool) error {
	if len(src) != 512 {
		return NewValidationError("tcw", len(src), "tcw requires 512-byte sectors")
	}
	if !writing {
		g.applyWhitening(src, sector)
	}
	copy(iv, g.ivSeed)
	var sectorLE [8]byte
	binary.LittleEndian.PutUint64(sectorLE[:], sector)
	for i := 0; i < 8 && i < len(iv); i++ {
		iv[i] ^= sectorLE[i]
	}
	return nil
}

func (g *tcwIVGen) Post(_ []byte, sector uint64, dst []byte, writing bool) error {
	if !writing {
		return nil
	}
	g.applyWhitening(dst, sector)
	return nil
}

// applyWhitening XORs the per-sector whitening mask across every 8-byte lane
// of data. The operation is its own inverse, so the same function strips
// whitening on read and applies it on write.
func (g *tcwIVGen) applyWhitening(data []byte, sector uint64) {
	mask := g.whiteningMask(sector)
	for i := 0; i+8 <= len(data); i += 8 {
		for j := 0; j < 8; j++ {
			data[i+j] ^= mask[j]
		}
	}
}

func (g *tcwIVGen) whiteningMask(sector uint64) [8]byte {
	var sectorLE [8]byte
	binary.LittleEndian.PutUint64(sectorLE[:], sector)

	w := make([]byte, 16)
	copy(w, g.whitening)
	for i := 0; i < 8; i++ {
		w[i] ^= sectorLE[i]
		w[8+i] ^= sectorLE[i]
	}

	var crcs [4]uint32
	for p := 0; p < 4; p++ {
		crcs[p] = crc32.ChecksumIEEE(w[p*4 : p*4+4])
	}
	var mask [8]byte
	binary.LittleEndian.PutUint32(mask[0:4], crcs[0]^crcs[2])
	binary.LittleEndian.PutUint32(mask[4:8], crcs[1]^crcs[3])
	return mask
}

// --- random ------------------------------------------------------------

type randomIVGen struct {
	baseIVGen
	ivSize int
}

func (g *randomIVGen) Generate(iv []byte, sector uint64, _ []byte, writing bool) error {
	if !writing {
		return NewValidationError("random", sector, "random IV mode has no read-time generator; the IV must come from integrity metadata")
	}
	_, err := rand.Read(iv)
	return err
}
