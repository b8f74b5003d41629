package dmcrypt

import "fmt"

// Input validation helpers shared by the mapping, the request
// assembler and the target-line parser.

// ValidateBuffer checks that buf is non-nil and at least minSize bytes.
func ValidateBuffer(buf []byte, name string, minSize int) error {
	if buf == nil {
		return &ValidationError{Field: name, Message: "buffer cannot be nil"}
	}
	if minSize > 0 && len(buf) < minSize {
		return &ValidationError{
			Field:   name,
			Value:   len(buf),
			Message: fmt.Sprintf("buffer too small: got %d bytes, need at least %d bytes", len(buf), minSize),
		}
	}
	return nil
}

// ValidateSectorSize checks that size is a power of two in [512, 4096],
// the range the converter and IV generators assume.
func ValidateSectorSize(size int) error {
	if size < 512 || size > 4096 {
		return &ValidationError{
			Field:   "sector_size",
			Value:   size,
			Message: fmt.Sprintf("sector size %d out of range [512, 4096]", size),
		}
	}
	if size&(size-1) != 0 {
		return &ValidationError{
			Field:   "sector_size",
			Value:   size,
			Message: fmt.Sprintf("sector size %d is not a power of two", size),
		}
	}
	return nil
}

// ValidateAlignment checks that offset is a multiple of sectorSize, the
// precondition every component from the request assembler down to the
// write sequencer relies on.
func ValidateAlignment(offset uint64, sectorSize int) error {
	if sectorSize <= 0 {
		return &ValidationError{Field: "sector_size", Value: sectorSize, Message: "sector size must be positive"}
	}
	if offset%uint64(sectorSize) != 0 {
		return &ValidationError{
			Field:   "offset",
			Value:   offset,
			Message: fmt.Sprintf("offset %d is not aligned to sector size %d", offset, sectorSize),
		}
	}
	return nil
}

// ValidateSectorRange checks that [start, start+count) lies within
// [0, deviceSectors).
func ValidateSectorRange(start, count, deviceSectors uint64) error {
	if count == 0 {
		return &ValidationError{Field: "count", Value: count, Message: "sector count cannot be zero"}
	}
	if start+count < start {
		return &ValidationError{Field: "start", Value: start, Message: "sector range overflows"}
	}
	if start+count > deviceSectors {
		return &ValidationError{
			Field:   "start",
			Value:   start,
			Message: fmt.Sprintf("range [%d, %d) exceeds device size %d sectors", start, start+count, deviceSectors),
		}
	}
	return nil
}

// ValidateKey checks that key has exactly expectedSize bytes.
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{Field: "key", Message: "key cannot be nil"}
	}
	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
		}
	}
	return nil
}

// ValidateIVOffset checks that an iv_offset feature value is representable
// in the sector-sized counter arithmetic the IV generators use.
func ValidateIVOffset(ivOffset uint64) error {
	if ivOffset > 1<<56 {
		return &ValidationError{
			Field:   "iv_offset",
			Value:   ivOffset,
			Message: "iv_offset unreasonably large",
		}
	}
	return nil
}
