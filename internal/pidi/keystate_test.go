package pidi

import "testing"

func TestKeyStatePressRelease(t *testing.T) {
	var s KeyState
	s.Press(KeyC, MinOctave)
	s.Press(KeyB, MaxOctave)
	s.Press(KeyFSharp, 0)
	s.Press(KeyC, MaxOctave+1) // ignored
	if s.Count() != 3 {
		t.Fatalf("Expected 3 held keys, got %d", s.Count())
	}
	if !s.Held(KeyB, MaxOctave) || !s.Held(KeyC, MinOctave) {
		t.Fatalf("Edge keys not held")
	}
	s.Release(KeyFSharp, 0)
	if s.Held(KeyFSharp, 0) || s.Count() != 2 {
		t.Fatalf("Release did not clear F#0")
	}
	decoded := DecodeKeyState(s.AppendBinary(nil))
	if decoded != s {
		t.Fatalf("Bitmap round trip mismatch")
	}
	s.Clear()
	if s.Count() != 0 {
		t.Fatalf("Clear left %d keys", s.Count())
	}
}

func TestHeldAt(t *testing.T) {
	notes := []NoteEvent{
		{Key: KeyC, Dt: 0, Len: 100},  // 0..1000
		{Key: KeyE, Dt: 200, Len: 10}, // 200..300
		{Key: KeyG, Dt: 300, Len: 50}, // 500..1000
		{Key: KeyA, Dt: 500, Len: 10}, // 1000..1100
	}
	held, first := HeldAt(notes, 600)
	if first != 3 {
		t.Fatalf("Expected first unsent note 3, got %d", first)
	}
	if !held.Held(KeyC, 0) || !held.Held(KeyG, 0) || held.Held(KeyE, 0) {
		t.Fatalf("Unexpected held set, count %d", held.Count())
	}
	held, first = HeldAt(notes, 0)
	if first != 0 || held.Count() != 0 {
		t.Fatalf("Offset 0 should hold nothing and start at 0")
	}
}

func TestStreamLength(t *testing.T) {
	notes := []NoteEvent{{Dt: 0, Len: 50}, {Dt: 250, Len: 50}}
	if l := StreamLength(notes); l != 750 {
		t.Fatalf("Expected length 750, got %d", l)
	}
	if l := StreamLength(nil); l != 0 {
		t.Fatalf("Expected empty length 0, got %d", l)
	}
	starts := StartTimes(notes)
	if starts[0] != 0 || starts[1] != 250 {
		t.Fatalf("Unexpected start times %v", starts)
	}
}
