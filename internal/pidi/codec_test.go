package pidi

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestNoteRoundTrip(t *testing.T) {
	dts := []uint16{0, 1, 480, 0x7fff, MaxDt}
	lens := []uint16{0, 1, 20, 2048, MaxLen}
	var buf []byte
	for o := MinOctave; o <= MaxOctave; o++ {
		octave := int8(o)
		for key := Key(0); key < NumKeys; key++ {
			for velocity := uint8(0); velocity <= MaxVelocity; velocity++ {
				for i := range dts {
					n := NoteEvent{
						Key:      key,
						Octave:   octave,
						Velocity: velocity,
						Dt:       dts[i],
						Len:      lens[(i+int(velocity))%len(lens)],
					}
					var err error
					buf, err = AppendNote(buf[:0], n)
					if err != nil {
						t.Fatalf("Failed encoding %+v: %s", n, err)
					}
					if len(buf) != EncodedSize {
						t.Fatalf("Encoded %+v into %d bytes, expected %d", n, len(buf), EncodedSize)
					}
					got := DecodeNote(buf)
					if got != n {
						t.Fatalf("Round trip mismatch: encoded %+v, decoded %+v", n, got)
					}
					cursor, err := NewReader(buf).ReadNote()
					if err != nil {
						t.Fatalf("Cursor decode of %+v failed: %s", n, err)
					}
					if cursor != got {
						t.Fatalf("Cursor decode %+v differs from raw decode %+v", cursor, got)
					}
				}
			}
		}
	}
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	bad := []struct {
		field string
		note  NoteEvent
	}{
		{"key", NoteEvent{Key: 12}},
		{"octave", NoteEvent{Octave: MaxOctave + 1}},
		{"octave", NoteEvent{Octave: MinOctave - 1}},
		{"velocity", NoteEvent{Velocity: MaxVelocity + 1}},
		{"len", NoteEvent{Len: MaxLen + 1}},
	}
	for _, c := range bad {
		out, err := AppendNote([]byte{0xaa}, c.note)
		if !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("Expected ErrOutOfRange for %+v, got %v", c.note, err)
		}
		var re *RangeError
		if !errors.As(err, &re) || re.Field != c.field {
			t.Fatalf("Expected RangeError on %q, got %v", c.field, err)
		}
		if !bytes.Equal(out, []byte{0xaa}) {
			t.Fatalf("Rejected note still modified output: % x", out)
		}
	}
}

func TestAppendNotesIsAllOrNothing(t *testing.T) {
	notes := []NoteEvent{{Key: KeyC}, {Key: KeyD, Velocity: 99}}
	out, err := AppendNotes([]byte{1, 2}, notes)
	if err == nil {
		t.Fatalf("Expected error for velocity 99")
	}
	if !bytes.Equal(out, []byte{1, 2}) {
		t.Fatalf("Expected output to be rolled back, got % x", out)
	}
}

func TestReaderEdges(t *testing.T) {
	notes := []NoteEvent{
		{Key: KeyA, Octave: -4, Velocity: 12, Dt: 0, Len: 50},
		{Key: KeyE, Octave: 0, Velocity: 8, Dt: 250, Len: 50},
	}
	buf, err := AppendNotes(nil, notes)
	if err != nil {
		t.Fatalf("Failed encoding notes: %s", err)
	}
	buf = append(buf, 0x01, 0x02)
	r := NewReader(buf)
	got, err := r.ReadNotes(2)
	if err != nil {
		t.Fatalf("Failed reading notes: %s", err)
	}
	for i := range notes {
		if got[i] != notes[i] {
			t.Fatalf("Note %d: got %+v, expected %+v", i, got[i], notes[i])
		}
	}
	if _, err = r.ReadNote(); err != io.ErrUnexpectedEOF {
		t.Fatalf("Expected io.ErrUnexpectedEOF on a trailing partial note, got %v", err)
	}
	if _, err = NewReader(nil).ReadNote(); err != io.EOF {
		t.Fatalf("Expected io.EOF on empty input, got %v", err)
	}
	if _, err = NewReader(buf[:EncodedSize]).ReadNotes(2); err == nil {
		t.Fatalf("Expected error reading more notes than available")
	}
}

func TestFromMIDIKey(t *testing.T) {
	key, octave := FromMIDIKey(60)
	if key != KeyC || octave != 0 {
		t.Fatalf("MIDI 60 mapped to %s/%d, expected C/0", key, octave)
	}
	key, octave = FromMIDIKey(0)
	if key != KeyC || octave != MIDIOctaveBase {
		t.Fatalf("MIDI 0 mapped to %s/%d", key, octave)
	}
	key, octave = FromMIDIKey(127)
	n := NoteEvent{Key: key, Octave: octave}
	if err := Validate(n); err != nil {
		t.Fatalf("MIDI 127 is not encodable: %s", err)
	}
	if n.MIDIKey() != 127 {
		t.Fatalf("MIDIKey round trip gave %d", n.MIDIKey())
	}
}
