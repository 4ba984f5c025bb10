package player

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/chase3718/pidi/internal/link"
	"github.com/chase3718/pidi/internal/pidi"
)

const (
	MinVolume = 0
	MaxVolume = 2
	MinSpeed  = 0.25
	MaxSpeed  = 9.75

	DefaultQueueSize = 16
)

// ErrQueueFull is returned when a request cannot be queued. The caller
// decides whether to retry.
var ErrQueueFull = errors.New("player: request queue full")

type requestKind int

const (
	reqInstall requestKind = iota
	reqPlaying
	reqVolume
	reqSpeed
)

type request struct {
	kind    requestKind
	playing bool
}

// Progress reports how much of the installed song the device has
// acknowledged.
type Progress struct {
	Chunk uint32 // last acknowledged chunk index
	Sent  int    // notes acknowledged, counting those before the start offset
	Total int
}

// Done reports whether every note reached the device.
func (p Progress) Done() bool { return p.Total > 0 && p.Sent >= p.Total }

func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Sent) / float64(p.Total)
}

// Controller owns the installed song and the playback settings. Its public
// methods are safe to call from any goroutine; the link.Session methods are
// called by the link engine.
type Controller struct {
	log *slog.Logger

	queueMu sync.Mutex
	queue   []request
	size    int

	songMu    sync.Mutex
	notes     []pidi.NoteEvent
	offset    uint32
	gen       uint64 // bumped by every SubmitNewSong
	installed bool   // chunk 0 of the current song has been built
	cursor    int    // next unsent note
	chunk     uint32 // index of the last built chunk
	builtGen  uint64 // generation of the last song message handed out
	progress  Progress

	volumeMu sync.Mutex
	volume   float32

	speedMu sync.Mutex
	speed   float32

	connected atomic.Bool
	playing   atomic.Bool
}

func New(queueSize int, log *slog.Logger) *Controller {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{log: log, size: queueSize, volume: 1, speed: 1}
}

// push queues r. Install, volume and speed requests are coalesced: the
// message is built from the latest state when it is sent, so one queued
// request of each kind is enough.
func (c *Controller) push(r request) error {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if r.kind != reqPlaying {
		for _, q := range c.queue {
			if q.kind == r.kind {
				return nil
			}
		}
	}
	if len(c.queue) >= c.size {
		return ErrQueueFull
	}
	c.queue = append(c.queue, r)
	return nil
}

// SubmitNewSong replaces the current song and queues its installation,
// starting playback at offsetMs into the song. Chunks of the previous song
// are never sent again.
func (c *Controller) SubmitNewSong(notes []pidi.NoteEvent, offsetMs uint32) error {
	c.songMu.Lock()
	defer c.songMu.Unlock()
	if err := c.push(request{kind: reqInstall}); err != nil {
		return err
	}
	c.notes = notes
	c.offset = offsetMs
	c.gen++
	c.installed = false
	c.cursor = 0
	c.chunk = 0
	c.progress = Progress{Total: len(notes)}
	c.log.Info("player: new song submitted", "notes", len(notes), "offset_ms", offsetMs, "gen", c.gen)
	return nil
}

func (c *Controller) SetPaused(paused bool) error {
	return c.push(request{kind: reqPlaying, playing: !paused})
}

// SetVolume clamps v to [MinVolume, MaxVolume] and queues it.
func (c *Controller) SetVolume(v float32) error {
	c.volumeMu.Lock()
	c.volume = clamp(v, MinVolume, MaxVolume)
	c.volumeMu.Unlock()
	return c.push(request{kind: reqVolume})
}

// SetSpeed clamps s to [MinSpeed, MaxSpeed] and queues it.
func (c *Controller) SetSpeed(s float32) error {
	c.speedMu.Lock()
	c.speed = clamp(s, MinSpeed, MaxSpeed)
	c.speedMu.Unlock()
	return c.push(request{kind: reqSpeed})
}

func clamp(v, lo, hi float32) float32 {
	if math.IsNaN(float64(v)) {
		return lo
	}
	return min(max(v, lo), hi)
}

func (c *Controller) Volume() float32 {
	c.volumeMu.Lock()
	defer c.volumeMu.Unlock()
	return c.volume
}

func (c *Controller) Speed() float32 {
	c.speedMu.Lock()
	defer c.speedMu.Unlock()
	return c.speed
}

func (c *Controller) IsConnected() bool { return c.connected.Load() }

// IsPlaying reflects the last play/pause the device acknowledged.
func (c *Controller) IsPlaying() bool { return c.playing.Load() }

func (c *Controller) Progress() Progress {
	c.songMu.Lock()
	defer c.songMu.Unlock()
	return c.progress
}

// -------------------- link.Session --------------------

var _ link.Session = (*Controller)(nil)

func (c *Controller) Pending(capacity int) (link.Message, bool) {
	c.queueMu.Lock()
	if len(c.queue) == 0 {
		c.queueMu.Unlock()
		return nil, false
	}
	r := c.queue[0]
	c.queue = c.queue[1:]
	c.queueMu.Unlock()

	switch r.kind {
	case reqInstall:
		return c.install(capacity), true
	case reqPlaying:
		return link.SetPlaying{Playing: r.playing}, true
	case reqVolume:
		return link.SetVolume{Volume: c.Volume()}, true
	default:
		return link.SetSpeed{Speed: c.Speed()}, true
	}
}

// install builds chunk 0: the keys held at the offset and the first notes
// from the offset on, with the first note's dt re-based to the offset.
func (c *Controller) install(capacity int) link.Message {
	c.songMu.Lock()
	defer c.songMu.Unlock()
	held, start := pidi.HeldAt(c.notes, c.offset)
	first, _ := link.TakeChunk(c.notes[start:], capacity)
	first = append([]pidi.NoteEvent(nil), first...)
	if len(first) > 0 {
		var t uint64
		for _, n := range c.notes[:start+1] {
			t += uint64(n.Dt)
		}
		first[0].Dt = uint16(t - uint64(c.offset))
	}
	c.installed = true
	c.cursor = start + len(first)
	c.chunk = 0
	c.builtGen = c.gen
	c.progress.Chunk = 0
	c.progress.Sent = 0
	c.log.Debug("player: install built", "skipped", start, "held", held.Count(), "notes", len(first))
	return link.NewSong{Offset: c.offset, Held: held, Notes: first}
}

// NextChunk advances the continuation pointer by capacity notes. Once the
// song is exhausted, or before it is installed, the chunk is empty.
func (c *Controller) NextChunk(capacity int) link.Message {
	c.songMu.Lock()
	defer c.songMu.Unlock()
	c.chunk++
	var notes []pidi.NoteEvent
	if c.installed && c.cursor < len(c.notes) {
		notes, _ = link.TakeChunk(c.notes[c.cursor:], capacity)
		c.cursor += len(notes)
	}
	c.builtGen = c.gen
	return link.SongChunk{Index: c.chunk, Notes: notes}
}

func (c *Controller) Delivered(m link.Message) {
	switch m := m.(type) {
	case link.SetPlaying:
		c.playing.Store(m.Playing)
	case link.NewSong, link.SongChunk:
		c.songMu.Lock()
		defer c.songMu.Unlock()
		if c.builtGen != c.gen {
			c.log.Debug("player: ack for superseded song")
			return
		}
		if ns, ok := m.(link.NewSong); ok {
			c.progress.Sent = c.cursor
			if len(ns.Notes) == 0 {
				c.progress.Sent = len(c.notes)
			}
			c.progress.Chunk = 0
			return
		}
		sc := m.(link.SongChunk)
		c.progress.Chunk = sc.Index
		c.progress.Sent = min(c.progress.Sent+len(sc.Notes), len(c.notes))
	}
}

func (c *Controller) SetConnected(connected bool) {
	if c.connected.Swap(connected) == connected {
		return
	}
	if !connected {
		c.playing.Store(false)
	}
	c.log.Info("player: link status", "connected", connected)
}
