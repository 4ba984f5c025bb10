package preview

import (
	"container/heap"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/chase3718/pidi/internal/pidi"
	"github.com/chase3718/pidi/internal/player"
)

const ccAllNotesOff = 123

// Sender is a MIDI output. *Watcher is one.
type Sender interface {
	Send(midi.Message) error
}

// Options shape how a note stream is rendered.
type Options struct {
	OffsetMs uint32
	Volume   float32
	Speed    float32 // zero plays at normal speed
	Channel  uint8
}

// -------------------- Min-Heap --------------------

// planned is one MIDI message due at a time relative to playback start.
type planned struct {
	at   time.Duration
	rank int // on one instant: note-offs, then note-ons, then offs of zero-length notes
	seq  int
	on   bool
	key  uint8
	vel  uint8
}

type minHeap []planned

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(planned)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// -------------------- Player --------------------

// Player renders a note stream to a MIDI output in real time. Flush is
// driven from a ticker; Release may be called from any goroutine.
type Player struct {
	mu       sync.Mutex
	out      Sender
	channel  uint8
	queue    minHeap
	sounding map[uint8]int
	start    time.Time
	log      *slog.Logger
}

func clamp(v, lo, hi float32) float32 {
	if math.IsNaN(float64(v)) {
		return lo
	}
	return min(max(v, lo), hi)
}

// NewPlayer plans notes from opts.OffsetMs onwards. Notes sounding at the
// offset start immediately with their remaining length. A volume of zero
// plans nothing.
func NewPlayer(notes []pidi.NoteEvent, opts Options, out Sender, log *slog.Logger) (*Player, error) {
	if log == nil {
		log = slog.Default()
	}
	speed := clamp(opts.Speed, player.MinSpeed, player.MaxSpeed)
	if opts.Speed == 0 {
		speed = 1
	}
	volume := clamp(opts.Volume, player.MinVolume, player.MaxVolume)
	p := &Player{
		out:      out,
		channel:  opts.Channel & 0x0f,
		sounding: make(map[uint8]int),
		log:      log,
	}
	scale := func(ms uint64) time.Duration {
		return time.Duration(float64(ms) / float64(speed) * float64(time.Millisecond))
	}
	offset := uint64(opts.OffsetMs)
	for i, start := range pidi.StartTimes(notes) {
		n := notes[i]
		end := start + uint64(n.DurationMs())
		if end < offset || (end == offset && start < offset) {
			continue
		}
		key := n.MIDIKey()
		if key < 0 || key > 127 {
			return nil, fmt.Errorf("note %d (%s) is outside the MIDI key range", i, n)
		}
		vel := velocity(n.Velocity, volume)
		if vel == 0 {
			continue
		}
		start = max(start, offset)
		on := planned{at: scale(start - offset), on: true, key: uint8(key), vel: vel, rank: 1, seq: i}
		off := planned{at: scale(end - offset), key: uint8(key), seq: i}
		if off.at == on.at {
			off.rank = 2
		}
		p.queue = append(p.queue, on, off)
	}
	heap.Init(&p.queue)
	return p, nil
}

// velocity expands a 4-bit velocity to MIDI and scales it by volume.
func velocity(v uint8, volume float32) uint8 {
	if volume == 0 {
		return 0
	}
	midiVel := float32(v<<3 | v>>1)
	return uint8(min(max(math.Round(float64(midiVel*volume)), 1), 127))
}

// Start sets the wall-clock time of the first planned instant.
func (p *Player) Start(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start = t
}

// Remaining reports the number of planned messages not yet sent.
func (p *Player) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

func (p *Player) Done() bool { return p.Remaining() == 0 }

// Flush sends every message due at t. Messages that fail to send are
// dropped; the first error is returned.
func (p *Player) Flush(t time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.start.IsZero() {
		return 0, nil
	}
	elapsed := t.Sub(p.start)
	flushed := 0
	var firstErr error
	for p.queue.Len() > 0 && p.queue[0].at <= elapsed {
		ev := heap.Pop(&p.queue).(planned)
		if err := p.send(ev); err != nil && firstErr == nil {
			firstErr = err
		}
		flushed++
	}
	if flushed > 0 {
		p.log.Debug("preview: flushed", "count", flushed, "remaining", p.queue.Len())
	}
	return flushed, firstErr
}

func (p *Player) send(ev planned) error {
	if ev.on {
		p.sounding[ev.key]++
		return p.out.Send(midi.NoteOn(p.channel, ev.key, ev.vel))
	}
	if p.sounding[ev.key] > 0 {
		p.sounding[ev.key]--
		if p.sounding[ev.key] == 0 {
			delete(p.sounding, ev.key)
		}
	}
	return p.out.Send(midi.NoteOff(p.channel, ev.key))
}

// Release silences every sounding key and sends all-notes-off.
func (p *Player) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for key := range p.sounding {
		if err := p.out.Send(midi.NoteOff(p.channel, key)); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.sounding, key)
	}
	if err := p.out.Send(midi.ControlChange(p.channel, ccAllNotesOff, 0)); err != nil && firstErr == nil {
		firstErr = err
	}
	p.log.Info("preview: released all notes")
	return firstErr
}
