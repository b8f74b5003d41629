package dmcrypt

import (
	"fmt"
	"strconv"
	"strings"
)

// TargetConfig is the parsed form of the target configuration string:
// cipher_spec, key, iv_offset, device_path, start, and an optional
// count-prefixed feature-argument group. Parsing here is glue over the
// grammar; ParseKeyToken (keyring.go) does the structured work for the key
// token here, while the cipher_spec token is kept as a string and parsed by
// parseCipherSpec (cipherengine.go) when New builds the mapping —
// grounded on the teacher's `Config.Validate()` positional-field style
// (types.go) generalized from a struct literal to a token stream.
type TargetConfig struct {
	CipherSpec string
	Key        KeySource
	IVOffset   uint64
	DevicePath string
	Start      uint64

	SectorSize int
	Flags      Flags
	Integrity  IntegrityParams
}

// ParseTarget parses a configuration-string line into a TargetConfig.
// Feature-argument order is not significant among the group; the count
// must equal the number of feature tokens that follow.
func ParseTarget(line string) (*TargetConfig, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil, NewValidationError("target", line,
			"expected cipher_spec key iv_offset device_path start [feature_count features...]")
	}

	cfg := &TargetConfig{
		CipherSpec: fields[0],
		SectorSize: 512,
	}

	key, err := ParseKeyToken(fields[1])
	if err != nil {
		return nil, err
	}
	cfg.Key = key

	ivOffset, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return nil, NewValidationError("iv_offset", fields[2], "must be an unsigned 64-bit integer")
	}
	cfg.IVOffset = ivOffset

	cfg.DevicePath = fields[3]

	start, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return nil, NewValidationError("start", fields[4], "must be an unsigned 64-bit integer")
	}
	cfg.Start = start

	if len(fields) > 5 {
		if err := parseFeatureGroup(cfg, fields[5:]); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func parseFeatureGroup(cfg *TargetConfig, tokens []string) error {
	count, err := strconv.Atoi(tokens[0])
	if err != nil || count < 0 {
		return NewValidationError("feature_count", tokens[0], "must be a non-negative integer")
	}
	tokens = tokens[1:]
	if len(tokens) != count {
		return NewValidationError("feature_count", count,
			fmt.Sprintf("declared %d features but %d tokens follow", count, len(tokens)))
	}
	if count > 6 {
		return NewValidationError("feature_count", count, "at most six feature arguments are recognized")
	}

	for _, tok := range tokens {
		switch {
		case tok == "allow_discards":
			cfg.Flags |= FlagAllowDiscards
		case tok == "same_cpu_crypt":
			cfg.Flags |= FlagSameCPU
		case tok == "submit_from_crypt_cpus":
			cfg.Flags |= FlagSubmitFromCryptCPUs
		case tok == "iv_large_sectors":
			cfg.Flags |= FlagIVLargeSectors
		case strings.HasPrefix(tok, "integrity:"):
			params, err := parseIntegrityFeature(tok)
			if err != nil {
				return err
			}
			cfg.Integrity = params
			if params.Profile == IntegrityProfileAEAD {
				cfg.Flags |= FlagIntegrityAEAD
			}
		case strings.HasPrefix(tok, "sector_size:"):
			n, err := strconv.Atoi(strings.TrimPrefix(tok, "sector_size:"))
			if err != nil {
				return NewValidationError("sector_size", tok, "must be an integer")
			}
			if err := ValidateSectorSize(n); err != nil {
				return err
			}
			cfg.SectorSize = n
		default:
			return NewValidationError("feature", tok, "unrecognized feature argument")
		}
	}
	return nil
}

func parseIntegrityFeature(tok string) (IntegrityParams, error) {
	rest := strings.TrimPrefix(tok, "integrity:")
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return IntegrityParams{}, NewValidationError("integrity", tok, "expected integrity:<bytes>:<profile>")
	}
	bytes, err := strconv.Atoi(parts[0])
	if err != nil || bytes < 0 {
		return IntegrityParams{}, NewValidationError("integrity", tok, "tag byte count must be a non-negative integer")
	}
	profile := IntegrityProfile(parts[1])

	params := IntegrityParams{Profile: profile, OnDiskTagSize: bytes}
	switch {
	case profile == IntegrityProfileAEAD:
		params.IntegrityTagSize = bytes
	case profile.IsHMAC():
		params.IntegrityTagSize = bytes
	}
	return params, nil
}

// FormatStatus renders m's Status using the same positional table form the
// configuration string uses, identical to the construction form.
func FormatStatus(s Status) string { return s.String() }

// ParseMessage recognizes the two message-interface commands: "key set <k>"
// and "key wipe". It does not execute them —
// Mapping.Message (mapping.go) calls this to validate shape, then performs
// the suspend-gated key-resolver swap itself.
func ParseMessage(line string) (cmd string, arg string, err error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "key" {
		return "", "", NewValidationError("message", line, "expected: key set <k> | key wipe")
	}
	switch fields[1] {
	case "wipe":
		if len(fields) != 2 {
			return "", "", NewValidationError("message", line, "key wipe takes no argument")
		}
		return "wipe", "", nil
	case "set":
		if len(fields) != 3 {
			return "", "", NewValidationError("message", line, "key set requires exactly one key token")
		}
		return "set", fields[2], nil
	default:
		return "", "", NewValidationError("message", line, "unknown key subcommand")
	}
}
