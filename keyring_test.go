package dmcrypt

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestMemoryKeyringAddLookup(t *testing.T) {
	kr := NewMemoryKeyring()
	kr.Add(KeyTypeUser, "disk0", []byte{1, 2, 3, 4})

	got, err := kr.Lookup(KeyTypeUser, "disk0")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("got %v, want [1 2 3 4]", got)
	}

	if _, err := kr.Lookup(KeyTypeLogon, "missing"); err == nil {
		t.Fatal("expected error for missing entry")
	}
}

func TestMemoryKeyringLookupReturnsIndependentCopy(t *testing.T) {
	kr := NewMemoryKeyring()
	orig := []byte{9, 9, 9}
	kr.Add(KeyTypeUser, "k", orig)
	orig[0] = 0xff

	got, _ := kr.Lookup(KeyTypeUser, "k")
	if got[0] == 0xff {
		t.Fatal("keyring must not alias the caller's slice")
	}
	got[1] = 0xee
	got2, _ := kr.Lookup(KeyTypeUser, "k")
	if got2[1] == 0xee {
		t.Fatal("each Lookup must return an independent copy")
	}
}

func TestSecretKeyWipe(t *testing.T) {
	s := newSecretKey([]byte{1, 2, 3, 4})
	s.Wipe()
	if s.Bytes() != nil {
		t.Fatal("Wipe must nil out the backing slice")
	}
	s.Wipe() // must be idempotent
}

func TestParseKeyTokenNone(t *testing.T) {
	src, err := ParseKeyToken("-")
	if err != nil || !src.None {
		t.Fatalf("expected None source, got %+v, err=%v", src, err)
	}
	if src.Display() != "-" {
		t.Fatalf("Display() = %q, want -", src.Display())
	}
}

func TestParseKeyTokenInlineHex(t *testing.T) {
	key := bytes.Repeat([]byte{0xab}, 32)
	token := hex.EncodeToString(key)
	src, err := ParseKeyToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(src.Inline, key) {
		t.Fatal("inline key mismatch")
	}
	if src.Display() != token {
		t.Fatalf("Display() = %q, want %q", src.Display(), token)
	}
}

func TestParseKeyTokenInvalidHex(t *testing.T) {
	if _, err := ParseKeyToken("not-hex!!"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}

func TestParseKeyTokenKeyringRef(t *testing.T) {
	src, err := ParseKeyToken(":32:user:mydisk")
	if err != nil {
		t.Fatal(err)
	}
	if src.KeyringType != KeyTypeUser || src.Description != "mydisk" || src.size != 32 {
		t.Fatalf("parsed source mismatch: %+v", src)
	}
	if src.Display() != "<keyring>" {
		t.Fatalf("Display() = %q, want <keyring>", src.Display())
	}
}

func TestParseKeyTokenKeyringRefRejectsWhitespace(t *testing.T) {
	if _, err := ParseKeyToken(":32:user:my disk"); err == nil {
		t.Fatal("expected error for whitespace in keyring reference")
	}
}

func TestParseKeyTokenKeyringRefRejectsBadType(t *testing.T) {
	if _, err := ParseKeyToken(":32:bogus:mydisk"); err == nil {
		t.Fatal("expected error for invalid keyring type")
	}
}

func TestKeySourceResolveInlineLengthMismatch(t *testing.T) {
	src := KeySource{Inline: make([]byte, 16)}
	if _, err := src.Resolve(nil, 32); err == nil {
		t.Fatal("expected error for key size mismatch")
	}
}

func TestKeySourceResolveKeyringLookup(t *testing.T) {
	kr := NewMemoryKeyring()
	kr.Add(KeyTypeLogon, "d", make([]byte, 32))
	src := KeySource{KeyringType: KeyTypeLogon, Description: "d", size: 32}
	got, err := src.Resolve(kr, 32)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 32 {
		t.Fatalf("got %d bytes, want 32", len(got))
	}
}

func TestKeySourceResolveKeyringMissingConfigured(t *testing.T) {
	src := KeySource{KeyringType: KeyTypeUser, Description: "d", size: 32}
	if _, err := src.Resolve(nil, 32); err == nil {
		t.Fatal("expected error when a keyring reference is given but no keyring configured")
	}
}

func TestKeyResolverSwapLeavesOldKeyOnVerifyFailure(t *testing.T) {
	r := newKeyResolver(nil)
	firstKey := bytes.Repeat([]byte{1}, 16)
	if err := r.Swap(KeySource{Inline: firstKey, size: 16}, 16, func([]byte) error { return nil }); err != nil {
		t.Fatal(err)
	}
	before := append([]byte(nil), r.Bytes()...)

	failErr := errors.New("boom")
	secondKey := bytes.Repeat([]byte{2}, 16)
	err := r.Swap(KeySource{Inline: secondKey, size: 16}, 16, func([]byte) error { return failErr })
	if !errors.Is(err, failErr) {
		t.Fatalf("expected verify error, got %v", err)
	}
	if !bytes.Equal(r.Bytes(), before) {
		t.Fatal("a failed verify must leave the previous key untouched")
	}
}

func TestKeyResolverSwapNoneWipes(t *testing.T) {
	r := newKeyResolver(nil)
	key := bytes.Repeat([]byte{7}, 16)
	if err := r.Swap(KeySource{Inline: key, size: 16}, 16, func([]byte) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := r.Swap(KeySource{None: true}, 16, func([]byte) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if r.Bytes() != nil {
		t.Fatal("swapping to None must clear the current key")
	}
}
