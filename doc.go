// Package dmcrypt implements a transparent block-device encryption layer:
// a virtual device ("mapping") that sits over a plain BlockDevice and
// encrypts every sector on write, decrypts every sector on read, with no
// state beyond a logical-to-ciphertext sector identity.
//
// # Overview
//
// A Mapping is built from a cipher specification, a resolved key, and an
// underlying BlockDevice (see device.go). It has no superblock, no
// passphrase-derived key, and no re-encryption path — key material is
// always supplied pre-derived, by a caller or a Keyring, and installed
// wholesale.
//
// # Cipher specification
//
// ParseTarget (target.go) parses a configuration line in the legacy
// cipher[:keycount]-chainmode-ivmode[:ivopts] grammar or the
// capi:<crypto-api-spec>-ivmode[:ivopts] grammar, both resolved by
// cipherengine.go into a concrete Engine factory and IV size.
//
//	ParseTarget("aes-xts-plain64 <hexkey> 0 /dev/data 0")
//	ParseTarget("capi:gcm(aes)-random <hexkey> 0 /dev/data 0 1 integrity:16:aead")
//
// # Basic usage
//
//	cfg, err := dmcrypt.ParseTarget(line)
//	m, err := dmcrypt.New(cfg, device, dmcrypt.WithKeyring(kr))
//	defer m.Close()
//
//	buf := make([]byte, cfg.SectorSize)
//	err = m.ReadAt(buf, 0)
//
//	plain := []byte("...")
//	err = m.WriteAt(plain, 0)
//
// # IV generators
//
// ivgen.go implements the plain/plain64/plain64be/null/essiv/benbi/lmk/tcw/
// random family (component A). Each sector's IV is derived from the sector
// number and the mapping's key (lmk also hashes the sector's plaintext) —
// there is no per-sector state to persist, aside from what random mode
// carries in the integrity sideband.
//
// # Integrity
//
// When a mapping is configured with an integrity profile, each sector
// carries on_disk_tag_size bytes of sideband metadata — an authentication
// tag, and for random-IV mode, an IV — read and written through
// an IntegrityChannel (device.go) alongside the data I/O.
//
// # Concurrency
//
// Each mapping owns two persistent worker pools (an I/O pool and a crypt
// pool, both in iostage.go), a two-phase page allocator (bufferpool.go)
// sized to avoid the classic N-mapping deadlock, and a write sequencer
// (writequeue.go) that restores logical sector order before handing
// completed ciphertext to the underlying device.
//
// # Non-goals
//
// dmcrypt never derives a key from a passphrase, never maintains an
// on-disk superblock, never re-encrypts or rotates a key in place, and
// never varies sector size within one mapping.
package dmcrypt
