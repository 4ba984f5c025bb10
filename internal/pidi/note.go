// Package pidi holds the compact note-event model streamed to the player
// device and its fixed-width binary encoding.
package pidi

import "fmt"

// Key is one of the twelve pitch classes, C = 0 through B = 11.
type Key uint8

const (
	KeyC Key = iota
	KeyCSharp
	KeyD
	KeyDSharp
	KeyE
	KeyF
	KeyFSharp
	KeyG
	KeyGSharp
	KeyA
	KeyASharp
	KeyB
)

// NumKeys is the number of pitch classes per octave.
const NumKeys = 12

var keyNames = [NumKeys]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

func (k Key) String() string {
	if int(k) >= NumKeys {
		return fmt.Sprintf("?%d", uint8(k))
	}
	return keyNames[k]
}

// -------------------- Supported ranges --------------------

const (
	MinOctave = -8
	MaxOctave = 7

	// MaxVelocity is the largest quantized velocity (MIDI velocity >> 3).
	MaxVelocity = 15

	MaxDt = 1<<16 - 1

	// LenUnitMs is the size of one duration unit in milliseconds.
	LenUnitMs = 10
	MaxLen    = 1<<12 - 1

	// MIDIOctaveBase is the octave of MIDI key 0; MIDI key 60 (C4) is octave 0.
	MIDIOctaveBase = -5
)

// NoteEvent is one note of a stream. Dt is measured from the previous
// event's start; the absolute start of event i is the sum of Dt[0..=i].
type NoteEvent struct {
	Key      Key
	Octave   int8
	Velocity uint8
	Dt       uint16 // ms since previous event
	Len      uint16 // duration in LenUnitMs units
}

// FromMIDIKey splits a MIDI key number into pitch class and octave.
func FromMIDIKey(k uint8) (Key, int8) {
	return Key(k % NumKeys), int8(MIDIOctaveBase + int(k/NumKeys))
}

// MIDIKey is the inverse of FromMIDIKey. The result is only meaningful for
// notes inside the MIDI range 0..127.
func (n NoteEvent) MIDIKey() int {
	return (int(n.Octave)-MIDIOctaveBase)*NumKeys + int(n.Key)
}

// DurationMs is the note length in milliseconds.
func (n NoteEvent) DurationMs() uint32 {
	return uint32(n.Len) * LenUnitMs
}

func (n NoteEvent) String() string {
	return fmt.Sprintf("%s%d dt=%dms len=%dms vel=%d", n.Key, int(n.Octave)+4, n.Dt, n.DurationMs(), n.Velocity)
}

// QuantizeVelocity maps a 7-bit MIDI velocity onto the codec's 4-bit range.
func QuantizeVelocity(v uint8) uint8 {
	return (v & 0x7f) >> 3
}

// QuantizeLen converts a duration in milliseconds to LenUnitMs units,
// rounding to the nearest unit.
func QuantizeLen(ms float64) uint32 {
	if ms <= 0 {
		return 0
	}
	return uint32(ms/LenUnitMs + 0.5)
}
