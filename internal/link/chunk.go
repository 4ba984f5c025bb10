package link

import "github.com/chase3718/pidi/internal/pidi"

// MinFrameSize fits a song install carrying one note.
const MinFrameSize = HeaderSize + newSongOverhead + pidi.EncodedSize

// FrameCapacity is the number of notes that fit one frame of maxFrame bytes
// with the chunk-0 overhead, so that every chunk fits.
func FrameCapacity(maxFrame int) int {
	return max((maxFrame-HeaderSize-newSongOverhead)/pidi.EncodedSize, 1)
}

// Capacity is the per-chunk note count used on a link: what the device
// reported in its Pong, bounded by the frame size. A device that reports 0
// gets the frame limit.
func Capacity(reported uint32, maxFrame int) int {
	limit := FrameCapacity(maxFrame)
	if reported == 0 || uint64(reported) > uint64(limit) {
		return limit
	}
	return int(reported)
}

// TakeChunk splits off the first chunk of notes.
func TakeChunk(notes []pidi.NoteEvent, capacity int) (chunk, rest []pidi.NoteEvent) {
	n := min(len(notes), max(capacity, 1))
	return notes[:n:n], notes[n:]
}

// SplitChunks splits notes into ceil(len/capacity) chunks; all but the last
// hold exactly capacity notes.
func SplitChunks(notes []pidi.NoteEvent, capacity int) [][]pidi.NoteEvent {
	var out [][]pidi.NoteEvent
	for len(notes) > 0 {
		var c []pidi.NoteEvent
		c, notes = TakeChunk(notes, capacity)
		out = append(out, c)
	}
	return out
}
