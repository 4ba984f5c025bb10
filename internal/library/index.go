package library

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Entry is one song as listed in the library index.
type Entry struct {
	Name     string
	LengthMs uint64
}

// EncodeIndex serializes the index:
//
//	[P][D][I][L][count u32 LE] then per entry [name_len u32 LE][length_ms u64 LE][name]
func EncodeIndex(entries []Entry) []byte {
	buf := make([]byte, 0, 8+len(entries)*32)
	buf = append(buf, indexMagic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Name)))
		buf = binary.LittleEndian.AppendUint64(buf, e.LengthMs)
		buf = append(buf, e.Name...)
	}
	return buf
}

// DecodeIndex parses an index file. A truncated entry is an error rather
// than a shorter index.
func DecodeIndex(b []byte) ([]Entry, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("library: index is %d bytes: %w", len(b), io.ErrUnexpectedEOF)
	}
	if !bytes.Equal(b[:4], indexMagic[:]) {
		return nil, fmt.Errorf("index starts with %q: %w", b[:4], ErrBadMagic)
	}
	count := binary.LittleEndian.Uint32(b[4:8])
	b = b[8:]
	entries := make([]Entry, 0, min(int(count), len(b)/12))
	for i := uint32(0); i < count; i++ {
		if len(b) < 12 {
			return nil, fmt.Errorf("library: index entry %d: %w", i, io.ErrUnexpectedEOF)
		}
		nameLen := binary.LittleEndian.Uint32(b[0:4])
		length := binary.LittleEndian.Uint64(b[4:12])
		b = b[12:]
		if uint64(len(b)) < uint64(nameLen) {
			return nil, fmt.Errorf("library: index entry %d name: %w", i, io.ErrUnexpectedEOF)
		}
		entries = append(entries, Entry{Name: string(b[:nameLen]), LengthMs: length})
		b = b[nameLen:]
	}
	return entries, nil
}
