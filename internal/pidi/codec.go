package pidi

import (
	"errors"
	"fmt"
	"io"
)

// EncodedSize is the on-wire size of every NoteEvent, regardless of its values.
const EncodedSize = 5

// ErrOutOfRange is returned when a field does not fit its encoded width.
var ErrOutOfRange = errors.New("pidi: value out of encodable range")

// RangeError names the offending field. It matches ErrOutOfRange with errors.Is.
type RangeError struct {
	Field string
	Value int
	Min   int
	Max   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("pidi: %s %d outside [%d, %d]", e.Field, e.Value, e.Min, e.Max)
}

func (e *RangeError) Is(target error) bool { return target == ErrOutOfRange }

// Validate reports whether n can be encoded without loss.
func Validate(n NoteEvent) error {
	switch {
	case int(n.Key) >= NumKeys:
		return &RangeError{Field: "key", Value: int(n.Key), Min: 0, Max: NumKeys - 1}
	case n.Octave < MinOctave || n.Octave > MaxOctave:
		return &RangeError{Field: "octave", Value: int(n.Octave), Min: MinOctave, Max: MaxOctave}
	case n.Velocity > MaxVelocity:
		return &RangeError{Field: "velocity", Value: int(n.Velocity), Min: 0, Max: MaxVelocity}
	case n.Len > MaxLen:
		return &RangeError{Field: "len", Value: int(n.Len), Min: 0, Max: MaxLen}
	}
	// Dt is a uint16 and always fits.
	return nil
}

// Layout of the 40-bit word, least significant bit first:
//
//	[0:4] key  [4:8] octave  [8:12] velocity  [12:28] dt  [28:40] len
func pack(n NoteEvent) uint64 {
	w := uint64(n.Key) & 0xf
	w |= uint64(uint8(n.Octave)&0xf) << 4
	w |= uint64(n.Velocity&0xf) << 8
	w |= uint64(n.Dt) << 12
	w |= uint64(n.Len&0xfff) << 28
	return w
}

func unpack(w uint64) NoteEvent {
	oct := int8(w>>4&0xf) << 4 >> 4 // sign-extend the 4-bit octave
	return NoteEvent{
		Key:      Key(w & 0xf),
		Octave:   oct,
		Velocity: uint8(w >> 8 & 0xf),
		Dt:       uint16(w >> 12),
		Len:      uint16(w >> 28 & 0xfff),
	}
}

// AppendNote appends the encoding of n to dst. Out-of-range values are
// rejected; nothing is appended in that case.
func AppendNote(dst []byte, n NoteEvent) ([]byte, error) {
	if err := Validate(n); err != nil {
		return dst, err
	}
	w := pack(n)
	for i := 0; i < EncodedSize; i++ {
		dst = append(dst, byte(w>>(8*i)))
	}
	return dst, nil
}

// AppendNotes encodes a whole list. On error dst is returned unchanged.
func AppendNotes(dst []byte, notes []NoteEvent) ([]byte, error) {
	start := len(dst)
	for i, n := range notes {
		var err error
		if dst, err = AppendNote(dst, n); err != nil {
			return dst[:start], fmt.Errorf("note %d: %w", i, err)
		}
	}
	return dst, nil
}

// DecodeNote decodes the first EncodedSize bytes of b. It panics if b is
// shorter than EncodedSize, like indexing would.
func DecodeNote(b []byte) NoteEvent {
	_ = b[EncodedSize-1]
	var w uint64
	for i := 0; i < EncodedSize; i++ {
		w |= uint64(b[i]) << (8 * i)
	}
	return unpack(w)
}

// Reader decodes consecutive notes from a byte slice.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining is the number of whole notes left.
func (r *Reader) Remaining() int {
	return (len(r.buf) - r.pos) / EncodedSize
}

// ReadNote returns io.EOF at a clean end and io.ErrUnexpectedEOF when fewer
// than EncodedSize bytes remain.
func (r *Reader) ReadNote() (NoteEvent, error) {
	left := len(r.buf) - r.pos
	if left == 0 {
		return NoteEvent{}, io.EOF
	}
	if left < EncodedSize {
		return NoteEvent{}, io.ErrUnexpectedEOF
	}
	var w uint64
	for i := 0; i < EncodedSize; i++ {
		w |= uint64(r.buf[r.pos]) << (8 * i)
		r.pos++
	}
	return unpack(w), nil
}

// ReadNotes decodes exactly count notes.
func (r *Reader) ReadNotes(count int) ([]NoteEvent, error) {
	if r.Remaining() < count {
		return nil, fmt.Errorf("pidi: want %d notes, have %d: %w", count, r.Remaining(), io.ErrUnexpectedEOF)
	}
	notes := make([]NoteEvent, count)
	for i := range notes {
		n, err := r.ReadNote()
		if err != nil {
			return nil, err
		}
		notes[i] = n
	}
	return notes, nil
}
