package pidi

const (
	numOctaves = MaxOctave - MinOctave + 1

	// NumKeyStates is the number of distinct (key, octave) pairs the codec can express.
	NumKeyStates = numOctaves * NumKeys

	// KeyStateSize is the serialized size of a KeyState.
	KeyStateSize = NumKeyStates / 8
)

// KeyState is the set of keys currently held, one bit per (key, octave).
type KeyState [KeyStateSize]byte

func keyBit(k Key, octave int8) (int, bool) {
	if int(k) >= NumKeys || octave < MinOctave || octave > MaxOctave {
		return 0, false
	}
	return (int(octave)-MinOctave)*NumKeys + int(k), true
}

// Press marks a key as held. Keys outside the codec range are ignored.
func (s *KeyState) Press(k Key, octave int8) {
	if i, ok := keyBit(k, octave); ok {
		s[i/8] |= 1 << (i % 8)
	}
}

func (s *KeyState) Release(k Key, octave int8) {
	if i, ok := keyBit(k, octave); ok {
		s[i/8] &^= 1 << (i % 8)
	}
}

func (s *KeyState) Held(k Key, octave int8) bool {
	i, ok := keyBit(k, octave)
	return ok && s[i/8]&(1<<(i%8)) != 0
}

// Clear releases every key.
func (s *KeyState) Clear() {
	*s = KeyState{}
}

// Count is the number of held keys.
func (s *KeyState) Count() int {
	c := 0
	for _, b := range s {
		for ; b != 0; b &= b - 1 {
			c++
		}
	}
	return c
}

// AppendBinary appends the serialized bitmap.
func (s *KeyState) AppendBinary(dst []byte) []byte {
	return append(dst, s[:]...)
}

// DecodeKeyState reads a bitmap from the first KeyStateSize bytes of b.
func DecodeKeyState(b []byte) KeyState {
	var s KeyState
	copy(s[:], b[:KeyStateSize])
	return s
}

// HeldAt returns the keys still sounding at offsetMs, together with the index
// of the first note starting at or after offsetMs.
func HeldAt(notes []NoteEvent, offsetMs uint32) (KeyState, int) {
	var held KeyState
	var t uint32
	for i, n := range notes {
		start := t + uint32(n.Dt)
		if start >= offsetMs {
			return held, i
		}
		if start+n.DurationMs() > offsetMs {
			held.Press(n.Key, n.Octave)
		}
		t = start
	}
	return held, len(notes)
}
