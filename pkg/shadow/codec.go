package shadow

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrBadMagic is returned when a block does not carry the expected tag.
	ErrBadMagic = errors.New("shadow block has wrong magic")

	// ErrBadChecksum is returned when a block fails checksum validation.
	ErrBadChecksum = errors.New("shadow block checksum mismatch")

	// ErrShortBlock is returned when a block is truncated.
	ErrShortBlock = errors.New("shadow block truncated")

	// ErrTornRead is returned when the header and index advertise different
	// ticks. The writer was mid-publication; the caller should treat the
	// read as "no change" and retry later.
	ErrTornRead = errors.New("torn read: header and index tick differ")
)

// EncodeHeader encodes h into dst, which must be at least HeaderSize bytes.
// Returns the encoded slice.
func EncodeHeader(h Header, dst []byte) []byte {
	_ = dst[:HeaderSize]

	copy(dst[0:], HeaderMagic)
	binary.LittleEndian.PutUint32(dst[4:], h.PageSize)
	binary.LittleEndian.PutUint64(dst[8:], h.Tick)
	binary.LittleEndian.PutUint64(dst[16:], h.IndexOffset)
	binary.LittleEndian.PutUint64(dst[24:], h.IndexLength)
	binary.LittleEndian.PutUint32(dst[32:], Checksum(dst[:32]))

	return dst[:HeaderSize]
}

// DecodeHeader decodes and validates a shadow-file header.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("header: %w", ErrShortBlock)
	}
	if string(data[:magicSize]) != HeaderMagic {
		return Header{}, fmt.Errorf("header: %w", ErrBadMagic)
	}
	if got, want := Checksum(data[:32]), binary.LittleEndian.Uint32(data[32:]); got != want {
		return Header{}, fmt.Errorf("header: %w", ErrBadChecksum)
	}

	return Header{
		PageSize:    binary.LittleEndian.Uint32(data[4:]),
		Tick:        binary.LittleEndian.Uint64(data[8:]),
		IndexOffset: binary.LittleEndian.Uint64(data[16:]),
		IndexLength: binary.LittleEndian.Uint64(data[24:]),
	}, nil
}

// EncodeIndex encodes an index block for the given tick into dst, which must
// be at least IndexSize(len(entries)) bytes. Returns the encoded slice.
func EncodeIndex(tick uint64, entries []IndexEntry, dst []byte) []byte {
	size := IndexSize(uint32(len(entries)))
	_ = dst[:size]

	copy(dst[0:], IndexMagic)
	binary.LittleEndian.PutUint64(dst[4:], tick)
	binary.LittleEndian.PutUint32(dst[12:], uint32(len(entries)))

	p := indexPrefixSize
	for i := range entries {
		binary.LittleEndian.PutUint32(dst[p:], uint32(entries[i].PageOffset))
		binary.LittleEndian.PutUint32(dst[p+4:], uint32(entries[i].ShadowPageOffset))
		binary.LittleEndian.PutUint32(dst[p+8:], entries[i].Length)
		binary.LittleEndian.PutUint32(dst[p+12:], entries[i].Checksum)
		p += IndexEntrySize
	}

	binary.LittleEndian.PutUint32(dst[p:], Checksum(dst[:p]))

	return dst[:size]
}

// DecodeIndexInto decodes and validates an index block, storing entries into
// dst. Returns the block's tick and the number of entries decoded.
//
// dst must have capacity for the block's entry count; ErrShortBlock is
// returned otherwise so the caller can grow its index and retry.
func DecodeIndexInto(data []byte, dst []IndexEntry) (uint64, uint32, error) {
	if len(data) < indexPrefixSize+checksumSize {
		return 0, 0, fmt.Errorf("index: %w", ErrShortBlock)
	}
	if string(data[:magicSize]) != IndexMagic {
		return 0, 0, fmt.Errorf("index: %w", ErrBadMagic)
	}

	tick := binary.LittleEndian.Uint64(data[4:])
	numEntries := binary.LittleEndian.Uint32(data[12:])

	size := IndexSize(numEntries)
	if uint64(len(data)) < size {
		return 0, 0, fmt.Errorf("index with %d entries: %w", numEntries, ErrShortBlock)
	}

	body := int(size) - checksumSize
	if got, want := Checksum(data[:body]), binary.LittleEndian.Uint32(data[body:]); got != want {
		return 0, 0, fmt.Errorf("index: %w", ErrBadChecksum)
	}

	if uint32(len(dst)) < numEntries {
		return 0, 0, fmt.Errorf("index needs %d entry slots, have %d: %w",
			numEntries, len(dst), ErrShortBlock)
	}

	p := indexPrefixSize
	for i := uint32(0); i < numEntries; i++ {
		dst[i] = IndexEntry{
			PageOffset:       uint64(binary.LittleEndian.Uint32(data[p:])),
			ShadowPageOffset: uint64(binary.LittleEndian.Uint32(data[p+4:])),
			Length:           binary.LittleEndian.Uint32(data[p+8:]),
			Checksum:         binary.LittleEndian.Uint32(data[p+12:]),
		}
		p += IndexEntrySize
	}

	return tick, numEntries, nil
}

// DecodeIndex decodes and validates an index block, allocating a fresh entry
// slice. Intended for tooling; the engines use DecodeIndexInto to reuse
// their index storage.
func DecodeIndex(data []byte) (uint64, []IndexEntry, error) {
	if len(data) < indexPrefixSize+checksumSize {
		return 0, nil, fmt.Errorf("index: %w", ErrShortBlock)
	}
	numEntries := binary.LittleEndian.Uint32(data[12:])

	entries := make([]IndexEntry, numEntries)
	tick, used, err := DecodeIndexInto(data, entries)
	if err != nil {
		return 0, nil, err
	}
	return tick, entries[:used], nil
}
