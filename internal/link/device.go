package link

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/chase3718/pidi/internal/pidi"
)

// Frames claiming a longer payload are treated as noise by the device.
const maxPayload = 1 << 16

// scanFrame looks for the next host frame in buf. It returns how many leading
// bytes are noise and, once complete, the frame that follows them.
func scanFrame(buf []byte) (skip int, frame []byte) {
	for ; len(buf)-skip >= HeaderSize; skip++ {
		b := buf[skip:]
		if !bytes.Equal(b[:4], Magic[:]) {
			continue
		}
		n := binary.LittleEndian.Uint32(b[8:12])
		if n > maxPayload {
			continue
		}
		if len(b) < HeaderSize+int(n) {
			return skip, nil
		}
		return skip, b[:HeaderSize+int(n)]
	}
	return skip, nil
}

// DeviceState is a snapshot of what a Device has applied.
type DeviceState struct {
	Playing   bool
	Volume    float32
	Speed     float32
	Installs  int
	Offset    uint32
	Held      pidi.KeyState
	Notes     []pidi.NoteEvent
	LastChunk uint32
	Complete  bool // an empty chunk ended the song
	Frames    int  // frames received, duplicates included
}

// Device is an in-memory playback controller speaking the device side of the
// protocol. It implements Port, so an Engine can dial it directly.
//
// Chunks are applied at most once per index and an install resent before any
// chunk was applied is only acknowledged, so resent frames are harmless.
type Device struct {
	// AutoRequest makes the device ask for the next chunk as soon as it has
	// acknowledged the previous one, until the song is complete.
	AutoRequest bool

	capacity uint32
	log      *slog.Logger

	mu          sync.Mutex
	in, out     []byte
	readTimeout time.Duration
	closed      bool
	drop        int

	state       DeviceState
	lastInstall []byte
	more        bool
	requested   bool
}

// NewDevice returns a device that reports capacity notes per chunk.
func NewDevice(capacity uint32, log *slog.Logger) *Device {
	if log == nil {
		log = slog.Default()
	}
	return &Device{
		AutoRequest: true,
		capacity:    capacity,
		log:         log,
		state:       DeviceState{Volume: 1, Speed: 1},
	}
}

// Open makes a closed device readable again with empty buffers.
func (d *Device) Open() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
	d.in, d.out = nil, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Device) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readTimeout = t
	return nil
}

// DropReplies discards the next n replies, as if lost on the wire.
func (d *Device) DropReplies(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop = n
}

// RequestChunk queues a flow-control request.
func (d *Device) RequestChunk() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reply(TagReqp, 0)
}

// State returns a copy of the applied state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.state
	s.Notes = slices.Clone(d.state.Notes)
	return s
}

func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if d.AutoRequest && d.more && !d.requested && len(d.out) == 0 {
		d.requested = true
		d.reply(TagReqp, 0)
	}
	if len(d.out) == 0 {
		wait := d.readTimeout
		d.mu.Unlock()
		if wait > 0 {
			time.Sleep(wait)
		}
		return 0, nil
	}
	n := copy(p, d.out)
	d.out = d.out[n:]
	d.mu.Unlock()
	return n, nil
}

func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	d.in = append(d.in, p...)
	for {
		skip, frame := scanFrame(d.in)
		if skip > 0 {
			d.log.Debug("device: skipped noise", "bytes", skip)
		}
		if frame == nil {
			d.in = d.in[skip:]
			return len(p), nil
		}
		d.handle(frame)
		d.in = d.in[skip+len(frame):]
	}
}

func (d *Device) reply(tag Tag, value uint32) {
	if d.drop > 0 {
		d.drop--
		d.log.Debug("device: reply dropped", "type", tag)
		return
	}
	d.out = AppendReply(d.out, Reply{Tag: tag, Value: value})
}

func (d *Device) handle(frame []byte) {
	d.state.Frames++
	msg, err := DecodeMessage(frame)
	if err != nil {
		d.log.Warn("device: bad frame", "err", err)
		return
	}
	switch m := msg.(type) {
	case Ping:
		d.reply(TagPong, d.capacity)
	case SetPlaying:
		d.state.Playing = m.Playing
		d.reply(TagSucc, 0)
	case SetVolume:
		d.state.Volume = m.Volume
		d.reply(TagSucc, 0)
	case SetSpeed:
		d.state.Speed = m.Speed
		d.reply(TagSucc, 0)
	case NewSong:
		// With one message in flight, a resent install can only arrive before
		// its first chunk. A matching install after that is a replay.
		if !bytes.Equal(frame, d.lastInstall) || d.state.LastChunk > 0 {
			d.lastInstall = slices.Clone(frame)
			d.state.Installs++
			d.state.Offset = m.Offset
			d.state.Held = m.Held
			d.state.Notes = slices.Clone(m.Notes)
			d.state.LastChunk = 0
			d.state.Complete = false
			d.more = len(m.Notes) > 0
			d.requested = false
			d.log.Info("device: song installed", "notes", len(m.Notes), "offset_ms", m.Offset, "held", m.Held.Count())
		}
		d.reply(TagSucc, 0)
	case SongChunk:
		if m.Index > d.state.LastChunk {
			if m.Index != d.state.LastChunk+1 {
				d.log.Warn("device: chunk gap", "expected", d.state.LastChunk+1, "got", m.Index)
			}
			d.state.LastChunk = m.Index
			d.state.Notes = append(d.state.Notes, m.Notes...)
			d.state.Complete = len(m.Notes) == 0
			d.more = !d.state.Complete
			d.requested = false
			d.log.Debug("device: chunk applied", "chunk", m.Index, "notes", len(m.Notes))
		}
		d.reply(TagSucc, m.Index)
	default:
		d.log.Warn("device: unhandled message", "type", fmt.Sprintf("%T", m))
	}
}

// DeviceDialer offers a single in-memory Device as a port.
type DeviceDialer struct {
	Device      *Device
	Name        string
	ReadTimeout time.Duration
}

func (d DeviceDialer) Candidates() ([]string, error) { return []string{d.Name}, nil }

func (d DeviceDialer) Dial(name string) (Port, error) {
	if name != d.Name {
		return nil, fmt.Errorf("no simulated device %q", name)
	}
	d.Device.Open()
	if err := d.Device.SetReadTimeout(d.ReadTimeout); err != nil {
		return nil, err
	}
	return d.Device, nil
}
