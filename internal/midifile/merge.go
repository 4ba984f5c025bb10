package midifile

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/chase3718/pidi/internal/pidi"
)

// sortTrack orders a track's notes by start, then by the order their
// note-ons appeared.
func sortTrack(notes []timedNote) {
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].startTick != notes[j].startTick {
			return notes[i].startTick < notes[j].startTick
		}
		return notes[i].seq < notes[j].seq
	})
}

// -------------------- Min-Heap --------------------

// head is the next unmerged note of one track.
type head struct {
	track int
	idx   int
	start uint64
}

type mergeHeap []head

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].track < h[j].track
}
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(head)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// merge interleaves the per-track streams by absolute start time, ties going
// to the lower track, and re-derives each dt from the previous merged note.
func merge(tracks [][]timedNote) ([]pidi.NoteEvent, error) {
	total := 0
	h := make(mergeHeap, 0, len(tracks))
	for i, t := range tracks {
		total += len(t)
		if len(t) > 0 {
			h = append(h, head{track: i, start: t[0].startMs})
		}
	}
	heap.Init(&h)

	out := make([]pidi.NoteEvent, 0, total)
	var prev uint64
	for h.Len() > 0 {
		hd := heap.Pop(&h).(head)
		n := tracks[hd.track][hd.idx]
		ev, err := toEvent(n, n.startMs-prev)
		if err != nil {
			return nil, &ParseError{Kind: OutOfRange, Track: hd.track, Offset: -1,
				Msg: fmt.Sprintf("note at %dms", n.startMs), Err: err}
		}
		out = append(out, ev)
		prev = n.startMs
		if next := hd.idx + 1; next < len(tracks[hd.track]) {
			heap.Push(&h, head{track: hd.track, idx: next, start: tracks[hd.track][next].startMs})
		}
	}
	return out, nil
}

func toEvent(n timedNote, dt uint64) (pidi.NoteEvent, error) {
	if dt > pidi.MaxDt {
		return pidi.NoteEvent{}, &pidi.RangeError{Field: "dt", Value: int(dt), Min: 0, Max: pidi.MaxDt}
	}
	units := pidi.QuantizeLen(n.lenMs)
	if units > pidi.MaxLen {
		return pidi.NoteEvent{}, &pidi.RangeError{Field: "len", Value: int(units), Min: 0, Max: pidi.MaxLen}
	}
	ev := pidi.NoteEvent{
		Key:      n.key,
		Octave:   n.octave,
		Velocity: n.velocity,
		Dt:       uint16(dt),
		Len:      uint16(units),
	}
	return ev, pidi.Validate(ev)
}
