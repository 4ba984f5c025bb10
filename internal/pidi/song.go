package pidi

// Song is a named, time-ordered note stream.
type Song struct {
	Name     string
	LengthMs uint64
	Notes    []NoteEvent
}

// NewSong builds a Song and derives its length from the notes.
func NewSong(name string, notes []NoteEvent) *Song {
	return &Song{Name: name, LengthMs: StreamLength(notes), Notes: notes}
}

// StreamLength is the end time of the last event: its absolute start plus
// its duration.
func StreamLength(notes []NoteEvent) uint64 {
	if len(notes) == 0 {
		return 0
	}
	var t uint64
	for _, n := range notes {
		t += uint64(n.Dt)
	}
	return t + uint64(notes[len(notes)-1].DurationMs())
}

// StartTimes returns the absolute start of every event in milliseconds.
func StartTimes(notes []NoteEvent) []uint64 {
	out := make([]uint64, len(notes))
	var t uint64
	for i, n := range notes {
		t += uint64(n.Dt)
		out[i] = t
	}
	return out
}
