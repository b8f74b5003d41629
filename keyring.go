package dmcrypt

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// KeyType names the keyring namespace a keyring reference resolves
// against, per spec.md §6's `:<size>:{user|logon}:<description>` grammar.
type KeyType string

const (
	KeyTypeUser  KeyType = "user"
	KeyTypeLogon KeyType = "logon"
)

// Keyring is the out-of-scope key-storage service collaborator (spec.md
// §1's "keyring lookup by type+description returning opaque bytes").
// Real deployments back this with an OS or secrets-manager keyring;
// MemoryKeyring is the in-memory stand-in used by tests and examples.
type Keyring interface {
	Lookup(typ KeyType, description string) ([]byte, error)
}

// MemoryKeyring is a Keyring backed by a plain map, grounded on the
// teacher's EnvKeyProvider — a fixed lookup-by-name source — generalized
// to the type+description pair the spec's grammar requires.
type MemoryKeyring struct {
	entries map[string][]byte
}

func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{entries: make(map[string][]byte)}
}

// Add installs a key under (typ, description). The caller's slice is
// copied; MemoryKeyring owns its copy and never aliases it.
func (k *MemoryKeyring) Add(typ KeyType, description string, key []byte) {
	k.entries[string(typ)+":"+description] = append([]byte(nil), key...)
}

func (k *MemoryKeyring) Lookup(typ KeyType, description string) ([]byte, error) {
	v, ok := k.entries[string(typ)+":"+description]
	if !ok {
		return nil, fmt.Errorf("keyring: no %s key %q", typ, description)
	}
	return append([]byte(nil), v...), nil
}

// secretKey wraps key material with a guaranteed wipe-on-drop path
// (spec.md §9 "Shared key material" design note): every call site that
// would otherwise need its own `for i := range buf { buf[i] = 0 }` instead
// calls Wipe, which is safe to call more than once.
type secretKey struct {
	b []byte
}

func newSecretKey(b []byte) *secretKey {
	return &secretKey{b: b}
}

func (s *secretKey) Bytes() []byte { return s.b }
func (s *secretKey) Len() int      { return len(s.b) }

// Wipe overwrites the key buffer with random bytes then zeroes it, matching
// the teacher's "wipe: overwrite with random, then invalidate" sequencing
// from spec.md §4.G rather than a single memset.
func (s *secretKey) Wipe() {
	if s.b == nil {
		return
	}
	rand.Read(s.b) //nolint:errcheck // best-effort; zeroing below always runs
	clear(s.b)
	s.b = nil
}

// KeySource is the resolved form of spec.md §6's `key` token: either no
// key (`-`), literal inline bytes, or a keyring reference pending lookup.
type KeySource struct {
	None        bool
	Inline      []byte
	KeyringType KeyType
	Description string
	size        int
}

// Display renders the source itself: hex for an inline key, `<keyring>`
// for a reference, `-` for none. Mapping.Status does not use it; Status
// prints the hex of the installed key bytes, including for a keyring
// reference once it has been resolved.
func (s KeySource) Display() string {
	switch {
	case s.None:
		return "-"
	case s.Description != "":
		return "<keyring>"
	default:
		return hex.EncodeToString(s.Inline)
	}
}

// ParseKeyToken parses spec.md §6's key grammar: `-` for none, a bare hex
// string for an inline key, or `:size:type:description` for a keyring
// reference. Whitespace inside a keyring reference is refused, per spec.
func ParseKeyToken(token string) (KeySource, error) {
	if token == "-" {
		return KeySource{None: true}, nil
	}
	if strings.HasPrefix(token, ":") {
		return parseKeyringToken(token)
	}
	b, err := hex.DecodeString(token)
	if err != nil {
		return KeySource{}, NewValidationError("key", token, "inline key must be hex-encoded")
	}
	return KeySource{Inline: b, size: len(b)}, nil
}

func parseKeyringToken(token string) (KeySource, error) {
	if strings.ContainsAny(token, " \t\n") {
		return KeySource{}, NewValidationError("key", token, "keyring reference cannot contain whitespace")
	}
	parts := strings.SplitN(token[1:], ":", 3)
	if len(parts) != 3 {
		return KeySource{}, NewValidationError("key", token, "expected :size:type:description")
	}
	size, err := strconv.Atoi(parts[0])
	if err != nil || size <= 0 {
		return KeySource{}, NewValidationError("key", token, "keyring reference size must be a positive integer")
	}
	typ := KeyType(parts[1])
	if typ != KeyTypeUser && typ != KeyTypeLogon {
		return KeySource{}, NewValidationError("key", token, "keyring reference type must be user or logon")
	}
	if parts[2] == "" {
		return KeySource{}, NewValidationError("key", token, "keyring reference description cannot be empty")
	}
	return KeySource{KeyringType: typ, Description: parts[2], size: size}, nil
}

// Resolve turns a KeySource into raw key bytes, looking the keyring up
// when necessary and checking the payload length matches the declared
// key_size (spec.md §6: "requires the payload length to equal key_size").
func (s KeySource) Resolve(kr Keyring, keySize int) ([]byte, error) {
	if s.None {
		return nil, nil
	}
	if s.Description == "" {
		if len(s.Inline) != keySize {
			return nil, NewValidationError("key", len(s.Inline),
				fmt.Sprintf("inline key is %d bytes, expected %d", len(s.Inline), keySize))
		}
		return append([]byte(nil), s.Inline...), nil
	}
	if kr == nil {
		return nil, NewValidationError("key", s.Description, "keyring reference given but no keyring configured")
	}
	payload, err := kr.Lookup(s.KeyringType, s.Description)
	if err != nil {
		return nil, err
	}
	if len(payload) != keySize {
		return nil, NewValidationError("key", len(payload),
			fmt.Sprintf("keyring payload is %d bytes, expected %d", len(payload), keySize))
	}
	return payload, nil
}

// keyResolver implements spec.md §7's "the old key is not discarded until
// suspend+set succeeds": Swap resolves and validates the candidate key
// fully (including installing it into a caller-supplied verify function)
// before it touches the resolver's held key, generalized from the
// teacher's MultiKeyProvider decrypt-fallback-over-providers idea but
// applied across time (old vs. new) instead of across providers.
type keyResolver struct {
	keyring Keyring
	current *secretKey
}

func newKeyResolver(kr Keyring) *keyResolver {
	return &keyResolver{keyring: kr}
}

// Swap resolves src against keySize, passes the candidate bytes to verify
// (typically the mapping's setkey-and-IV-init sequence), and only then
// wipes the previous key and adopts the new one. On any failure the
// existing key is left completely untouched.
func (r *keyResolver) Swap(src KeySource, keySize int, verify func(key []byte) error) error {
	candidate, err := src.Resolve(r.keyring, keySize)
	if err != nil {
		return err
	}
	if candidate == nil {
		// "-" (no key): wipe whatever is installed and leave unset.
		if r.current != nil {
			r.current.Wipe()
			r.current = nil
		}
		return nil
	}
	if err := verify(candidate); err != nil {
		clear(candidate)
		return err
	}
	if r.current != nil {
		r.current.Wipe()
	}
	r.current = newSecretKey(candidate)
	return nil
}

// Wipe clears the resolver's held key, if any, per the `key wipe` message.
func (r *keyResolver) Wipe() {
	if r.current != nil {
		r.current.Wipe()
		r.current = nil
	}
}

// Bytes returns the currently installed key, or nil if none is set.
func (r *keyResolver) Bytes() []byte {
	if r.current == nil {
		return nil
	}
	return r.current.Bytes()
}
