package dmcrypt

import "fmt"

// CipherKind distinguishes the three crypto pipelines a mapping can run:
// an ordinary block cipher, an AEAD cipher with an on-disk integrity tag,
// or a hardware-offload cipher that the lower device performs itself.
type CipherKind uint8

const (
	// CipherKindBlock drives a plain block cipher (CBC, XTS, ...) through
	// the converter/request-assembler pipeline.
	CipherKindBlock CipherKind = iota
	// CipherKindAEAD drives an AEAD cipher and attaches an authentication
	// tag via the integrity channel.
	CipherKindAEAD
	// CipherKindOffload leaves the crypto to the lower device. Its I/O
	// still runs through the converter, the page pool and the write
	// sequencer, with an engine that passes each sector through unchanged.
	CipherKindOffload
)

func (k CipherKind) String() string {
	switch k {
	case CipherKindBlock:
		return "block"
	case CipherKindAEAD:
		return "aead"
	case CipherKindOffload:
		return "offload"
	default:
		return "unknown"
	}
}

// IVMode names one of the IV generator variants of component A.
type IVMode string

const (
	IVModePlain     IVMode = "plain"
	IVModePlain64   IVMode = "plain64"
	IVModePlain64BE IVMode = "plain64be"
	IVModeESSIV     IVMode = "essiv"
	IVModeBenbi     IVMode = "benbi"
	IVModeNull      IVMode = "null"
	IVModeLMK       IVMode = "lmk"
	IVModeTCW       IVMode = "tcw"
	IVModeRandom    IVMode = "random"
)

// Flags mirrors the Mapping bitfield. Only KeyValid and Suspended change
// after construction; the rest are fixed
// at New() time.
type Flags uint32

const (
	FlagSuspended Flags = 1 << iota
	FlagKeyValid
	FlagSameCPU
	FlagNoOffload
	FlagIntegrityAEAD
	FlagIVLargeSectors
	FlagAllowDiscards
	FlagSubmitFromCryptCPUs
)

// Has reports whether bit is set.
func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

func (f Flags) String() string {
	names := []struct {
		bit  Flags
		name string
	}{
		{FlagSuspended, "suspended"},
		{FlagKeyValid, "key_valid"},
		{FlagSameCPU, "same_cpu_crypt"},
		{FlagNoOffload, "no_offload"},
		{FlagIntegrityAEAD, "integrity_aead"},
		{FlagIVLargeSectors, "iv_large_sectors"},
		{FlagAllowDiscards, "allow_discards"},
		{FlagSubmitFromCryptCPUs, "submit_from_crypt_cpus"},
	}
	out := ""
	for _, n := range names {
		if f.Has(n.bit) {
			if out != "" {
				out += ","
			}
			out += n.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

// IntegrityProfile names the per-sector on-disk tag format, as carried
// by the `integrity:<bytes>:<profile>` feature argument.
type IntegrityProfile string

const (
	IntegrityProfileNone IntegrityProfile = "none"
	IntegrityProfileAEAD IntegrityProfile = "aead"
)

// IsHMAC reports whether the profile names an HMAC digest algorithm
// (anything other than the two reserved tokens above).
func (p IntegrityProfile) IsHMAC() bool {
	return p != IntegrityProfileNone && p != IntegrityProfileAEAD
}

// IntegrityParams captures the on_disk_tag_size / integrity_tag_size /
// integrity_iv_size triple plus the profile that produced them.
type IntegrityParams struct {
	Profile          IntegrityProfile
	OnDiskTagSize    int // total sideband bytes per sector
	IntegrityTagSize int // bytes of authentication tag within that sideband
	IntegrityIVSize  int // bytes of IV carried in the sideband (random mode)
}

// Enabled reports whether any integrity metadata is configured at all.
func (p IntegrityParams) Enabled() bool {
	return p.OnDiskTagSize > 0
}

// Validate checks that the tag/IV accounting fits inside the declared
// on-disk size, matching the `[auth_tag | iv | reserved zeros]` layout.
func (p IntegrityParams) Validate() error {
	if p.IntegrityTagSize+p.IntegrityIVSize > p.OnDiskTagSize {
		return NewValidationError("integrity", p.OnDiskTagSize,
			fmt.Sprintf("tag(%d)+iv(%d) exceeds on-disk size %d",
				p.IntegrityTagSize, p.IntegrityIVSize, p.OnDiskTagSize))
	}
	return nil
}

// Status is the table-form snapshot returned by Mapping.Status, mirroring
// the status table form.
type Status struct {
	CipherSpec string
	KeyDisplay string // hex, "<keyring>", or "-"
	IVOffset   uint64
	DeviceName string
	Start      uint64
	Features   []string
}

func (s Status) String() string {
	feat := "0"
	if len(s.Features) > 0 {
		feat = fmt.Sprintf("%d %s", len(s.Features), joinFeatures(s.Features))
	}
	return fmt.Sprintf("%s %s %d %s %d %s",
		s.CipherSpec, s.KeyDisplay, s.IVOffset, s.DeviceName, s.Start, feat)
}

func joinFeatures(f []string) string {
	out := ""
	for i, v := range f {
		if i > 0 {
			out += " "
		}
		out += v
	}
	return out
}
