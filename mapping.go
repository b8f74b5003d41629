package dmcrypt

import (
	"crypto/aes"
	"crypto/sha256"
	"fmt"
	"math/bits"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Mapping is component H: the per-virtual-device encryption context,
// immutable after construction except for key material and the suspended
// flag. Construction, suspend/resume, status, and destroy are
// grounded on the teacher's EncryptFS constructor sequence (encryptfs.go's
// New: validate config, derive key, build dependent state, return or tear
// down on error) generalized from a filesystem wrapper to a block mapping.
type Mapping struct {
	ID string

	device        BlockDevice
	integrityCh   IntegrityChannel
	deviceSectors uint64

	CipherSpec string
	DevicePath string
	Start      uint64
	IVOffset   uint64
	SectorSize int
	sectorShift uint

	kind      CipherKind
	ivMode    IVMode
	ivGen     IVGenerator
	ivSize    int
	integrity IntegrityParams

	engines   []Engine
	tfmsCount int
	keySize   int
	keyExtra  int

	keyring  Keyring
	resolver *keyResolver

	descPool *descPool
	pagePool *pagePool

	ioPool    *ioPool
	cryptPool *ioPool
	writeSeq  *writeSequencer

	log     *RateLimitedLogger
	metrics *Metrics

	mu       sync.RWMutex
	Flags    Flags
	closed   bool

	simulated    bool
	simDelay     time.Duration
	simBacklogN  int
}

// MappingOption configures optional collaborators at construction time.
type MappingOption func(*mappingOptions)

type mappingOptions struct {
	integrityCh   IntegrityChannel
	keyring       Keyring
	logger        *logrus.Logger
	metrics       *Metrics
	deviceSectors uint64
	simulated     bool
	simDelay      time.Duration
	simBacklogN   int
}

func WithIntegrityChannel(ch IntegrityChannel) MappingOption {
	return func(o *mappingOptions) { o.integrityCh = ch }
}

func WithKeyring(kr Keyring) MappingOption {
	return func(o *mappingOptions) { o.keyring = kr }
}

func WithLogger(l *logrus.Logger) MappingOption {
	return func(o *mappingOptions) { o.logger = l }
}

func WithMetrics(m *Metrics) MappingOption {
	return func(o *mappingOptions) { o.metrics = m }
}

func WithDeviceSectors(n uint64) MappingOption {
	return func(o *mappingOptions) { o.deviceSectors = n }
}

// WithSimulatedLatency is a test-only knob that drives every engine
// through simulatedEngine so the converter's pending/backlog dispatch
// paths are actually exercised instead of always completing inline.
func WithSimulatedLatency(delay time.Duration, backlogEvery int) MappingOption {
	return func(o *mappingOptions) {
		o.simulated = true
		o.simDelay = delay
		o.simBacklogN = backlogEvery
	}
}

// New constructs a Mapping from a parsed TargetConfig and an underlying
// BlockDevice, following this order: parse feature arguments (already
// done by ParseTarget), parse cipher spec, allocate
// engines, set up the IV generator, decode and install the key, allocate
// pools, then start the work pools and write sequencer. Any failure tears
// down everything already allocated — no partial mapping survives.
func New(cfg *TargetConfig, device BlockDevice, opts ...MappingOption) (*Mapping, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if device == nil {
		return nil, ErrNilDevice
	}
	if err := ValidateSectorSize(cfg.SectorSize); err != nil {
		return nil, err
	}
	if err := cfg.Integrity.Validate(); err != nil {
		return nil, err
	}

	o := &mappingOptions{deviceSectors: 1 << 32}
	for _, opt := range opts {
		opt(o)
	}

	spec, err := parseCipherSpec(cfg.CipherSpec)
	if err != nil {
		return nil, err
	}

	factory, ivSize, err := newEngineFactory(spec)
	if err != nil {
		return nil, err
	}

	m := &Mapping{
		ID:            uuid.NewString(),
		device:        device,
		integrityCh:   o.integrityCh,
		deviceSectors: o.deviceSectors,
		CipherSpec:    cfg.CipherSpec,
		DevicePath:    cfg.DevicePath,
		Start:         cfg.Start,
		IVOffset:      cfg.IVOffset,
		SectorSize:    cfg.SectorSize,
		kind:          spec.kind,
		ivMode:        spec.ivMode,
		ivSize:        ivSize,
		integrity:     cfg.Integrity,
		tfmsCount:     spec.keyCount,
		keyring:       o.keyring,
		Flags:         cfg.Flags,
		simulated:     o.simulated,
		simDelay:      o.simDelay,
		simBacklogN:   o.simBacklogN,
	}
	m.sectorShift = uint(bits.TrailingZeros(uint(cfg.SectorSize)))

	if spec.kind == CipherKindAEAD {
		m.Flags |= FlagIntegrityAEAD
	}

	m.engines = make([]Engine, m.tfmsCount)
	for i := range m.engines {
		e := factory()
		if m.simulated {
			e = newSimulatedEngine(e, m.simDelay, m.simBacklogN)
		}
		m.engines[i] = e
	}

	ivGen, err := NewIVGenerator(spec.ivMode, IVGenOptions{
		IVSize:          ivSize,
		CipherBlockSize: ivSize,
		BlockCipherNew:  aes.NewCipher,
		HashNew:         sha256.New,
		IVOpts:          spec.ivOpts,
	})
	if err != nil {
		return nil, err
	}
	m.ivGen = ivGen

	// random mode has no read-time generator; the IV must round-trip through
	// the integrity sideband, so the sideband must carry room for it even
	// though the §6 grammar's integrity:<bytes>:<profile> token says nothing
	// about IV bytes directly — derive it the way the IV mode requires.
	if spec.ivMode == IVModeRandom {
		if !m.integrity.Enabled() {
			return nil, NewValidationError("ivmode", spec.ivMode, "random IV mode requires an integrity feature argument to carry the IV")
		}
		if m.integrity.IntegrityTagSize+ivSize > m.integrity.OnDiskTagSize {
			return nil, NewValidationError("integrity", m.integrity.OnDiskTagSize,
				"on-disk tag size too small to carry both the authentication tag and the random IV")
		}
		m.integrity.IntegrityIVSize = ivSize
	}

	if m.ivMode == IVModeTCW {
		m.keyExtra = ivSize + 16
	}

	logger := o.logger
	if logger == nil {
		logger = logrus.New()
	}
	m.log = NewRateLimitedLogger(logger, m.ID, cfg.DevicePath, time.Second)

	// A nil m.metrics is fine: every Metrics method is a nil-safe no-op, so
	// a mapping built without WithMetrics just doesn't record anything,
	// rather than colliding with another mapping's promauto registration.
	m.metrics = o.metrics

	m.resolver = newKeyResolver(m.keyring)
	if !cfg.Key.None {
		m.keySize = keySourceSize(cfg.Key)
		if err := m.resolver.Swap(cfg.Key, m.keySize, m.installKey); err != nil {
			return nil, err
		}
		m.Flags |= FlagKeyValid
	}

	m.descPool = newDescPool(ivSize)
	m.pagePool = newPagePool(defaultTotalSystemPages(), 1)

	m.ioPool = newIOPool(runtime.NumCPU())
	if m.Flags.Has(FlagSameCPU) {
		m.cryptPool = newIOPool(1)
	} else {
		m.cryptPool = newIOPool(runtime.NumCPU())
	}
	m.writeSeq = newWriteSequencer(m.submitWriteClone)

	return m, nil
}

// keySourceSize infers key_size from whichever of inline-length or
// keyring-declared-size is available, since TargetConfig carries no
// separate key_size field (the grammar derives it from the key token
// itself).
func keySourceSize(src KeySource) int {
	if src.Description != "" {
		return src.size
	}
	return len(src.Inline)
}

// installKey fans key out over m.tfmsCount engines (subkey_size =
// (key_size - key_extra_size) / tfms_count bytes each) and (re-)inits the
// IV generator with the full key. Called both at construction
// and by a `key set` message.
func (m *Mapping) installKey(key []byte) error {
	subkeySize := (len(key) - m.keyExtra) / m.tfmsCount
	if subkeySize <= 0 {
		return NewValidationError("key_size", len(key), "key too short for tfms_count and iv-mode reserved bytes")
	}
	for i, e := range m.engines {
		sub := key[i*subkeySize : (i+1)*subkeySize]
		if err := e.SetKey(sub); err != nil {
			return NewCryptoError("setkey", 0, err)
		}
	}
	if err := m.ivGen.Init(key); err != nil {
		return err
	}
	return nil
}

func (m *Mapping) engineFor(sector uint64) Engine {
	return m.engines[sector&uint64(m.tfmsCount-1)]
}

func (m *Mapping) logIntegrityFailure(err error, sector uint64) {
	if !IsIntegrityError(err) {
		return
	}
	m.log.IntegrityFailure(sector, err)
	m.metrics.IncIntegrityFailure(m.DevicePath)
}

func (m *Mapping) checkReady() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if m.Flags.Has(FlagSuspended) {
		return ErrSuspended
	}
	if !m.Flags.Has(FlagKeyValid) {
		return ErrKeyNotSet
	}
	return nil
}

// Suspend sets SUSPENDED, gating key-manipulation messages.
func (m *Mapping) Suspend() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Flags.Has(FlagSuspended) {
		return ErrAlreadySuspended
	}
	m.Flags |= FlagSuspended
	m.log.Suspend()
	return nil
}

// Resume clears SUSPENDED. preresume fails if KEY_VALID is false.
func (m *Mapping) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Flags.Has(FlagSuspended) {
		return ErrNotSuspended
	}
	if !m.Flags.Has(FlagKeyValid) {
		return NewValidationError("preresume", nil, "cannot resume: key is not valid")
	}
	m.Flags &^= FlagSuspended
	m.log.Resume()
	return nil
}

// Message dispatches the message interface: "key set <k>" and
// "key wipe", both of which require SUSPENDED.
func (m *Mapping) Message(line string) error {
	cmd, arg, err := ParseMessage(line)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Flags.Has(FlagSuspended) {
		return ErrSuspended
	}
	switch cmd {
	case "wipe":
		m.resolver.Wipe()
		m.Flags &^= FlagKeyValid
		m.metrics.IncKeyWipe()
		m.log.KeyWipe()
		return nil
	case "set":
		src, err := ParseKeyToken(arg)
		if err != nil {
			return err
		}
		if err := m.resolver.Swap(src, m.keySize, m.installKey); err != nil {
			// Swap leaves a previously-installed key untouched when the
			// candidate fails verification (§7: "the old key is not
			// discarded until suspend+set succeeds"), so FlagKeyValid must
			// survive a failed set exactly as it was beforehand.
			return err
		}
		m.Flags |= FlagKeyValid
		return nil
	}
	return nil
}

// Status returns the table-form status snapshot. Its key column is the hex
// of the installed key bytes whenever a key is valid, including a key that
// was resolved from a keyring, and `-` otherwise.
func (m *Mapping) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var features []string
	if m.Flags.Has(FlagAllowDiscards) {
		features = append(features, "allow_discards")
	}
	if m.Flags.Has(FlagSameCPU) {
		features = append(features, "same_cpu_crypt")
	}
	if m.Flags.Has(FlagSubmitFromCryptCPUs) {
		features = append(features, "submit_from_crypt_cpus")
	}
	if m.integrity.Enabled() {
		features = append(features, fmt.Sprintf("integrity:%d:%s", m.integrity.OnDiskTagSize, m.integrity.Profile))
	}
	if m.SectorSize != 512 {
		features = append(features, fmt.Sprintf("sector_size:%d", m.SectorSize))
	}
	if m.Flags.Has(FlagIVLargeSectors) {
		features = append(features, "iv_large_sectors")
	}

	keyDisplay := "-"
	if m.Flags.Has(FlagKeyValid) {
		keyDisplay = "<keyring>"
		if m.resolver.Bytes() != nil {
			keyDisplay = hexDisplay(m.resolver.Bytes())
		}
	}

	return Status{
		CipherSpec: m.CipherSpec,
		KeyDisplay: keyDisplay,
		IVOffset:   m.IVOffset,
		DeviceName: m.DevicePath,
		Start:      m.Start,
		Features:   features,
	}
}

// Close tears the mapping down: stops the sequencer, drains both pools,
// wipes key material, and frees pool resources. Safe to call once; a
// second call is a no-op.
func (m *Mapping) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.writeSeq.Stop()
	m.cryptPool.Stop()
	m.ioPool.Stop()
	m.pagePool.Close()
	m.resolver.Wipe()
	for _, e := range m.engines {
		e.Wipe()
	}
	m.ivGen.Wipe()
	return m.device.Close()
}

func hexDisplay(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0xf]
	}
	return string(out)
}

// defaultTotalSystemPages approximates the host's page budget for the
// pool's fair-share calculation; a fixed generous default since Go has no direct
// equivalent of reading total system RAM without a third-party dependency
// the corpus doesn't already carry.
func defaultTotalSystemPages() int64 { return 1 << 20 }
