package midifile

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/chase3718/pidi/internal/pidi"
)

// ExportTicksPQN is the resolution of exported files.
const ExportTicksPQN = 480

type exportEvent struct {
	tick uint32
	on   bool
	key  uint8
	vel  uint8
	rank int // on one tick: note-offs, then note-ons, then offs of zero-length notes
	seq  int
}

// Export writes song as a single-track SMF at 120 BPM. Note-offs sort before
// note-ons on the same tick so a repeated key is not closed by its own
// successor.
func Export(w io.Writer, song *pidi.Song) error {
	msPerTick := float64(DefaultTempo) / 1000 / ExportTicksPQN
	toTick := func(ms uint64) uint32 {
		return uint32(math.Round(float64(ms) / msPerTick))
	}

	events := make([]exportEvent, 0, 2*len(song.Notes))
	var t uint64
	for i, n := range song.Notes {
		t += uint64(n.Dt)
		key := n.MIDIKey()
		if key < 0 || key > 127 {
			return fmt.Errorf("note %d (%s) is outside the MIDI key range", i, n)
		}
		vel := n.Velocity<<3 | n.Velocity>>1
		if vel == 0 {
			vel = 1
		}
		on := exportEvent{tick: toTick(t), on: true, key: uint8(key), vel: vel, rank: 1, seq: i}
		off := exportEvent{tick: toTick(t + uint64(n.DurationMs())), key: uint8(key), seq: i}
		if off.tick == on.tick {
			off.rank = 2
		}
		events = append(events, on, off)
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.tick != b.tick {
			return a.tick < b.tick
		}
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		return a.seq < b.seq
	})

	var tr smf.Track
	tr.Add(0, smf.MetaTrackSequenceName(song.Name))
	tr.Add(0, smf.MetaMeter(4, 4))
	tr.Add(0, smf.MetaTempo(60000000.0/DefaultTempo))
	var last uint32
	for _, ev := range events {
		if ev.on {
			tr.Add(ev.tick-last, midi.NoteOn(0, ev.key, ev.vel))
		} else {
			tr.Add(ev.tick-last, midi.NoteOff(0, ev.key))
		}
		last = ev.tick
	}
	tr.Close(0)

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(ExportTicksPQN)
	if err := s.Add(tr); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	if _, err := s.WriteTo(w); err != nil {
		return fmt.Errorf("write midi: %w", err)
	}
	return nil
}

// ExportFile writes song to path.
func ExportFile(path string, song *pidi.Song) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Export(f, song); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
