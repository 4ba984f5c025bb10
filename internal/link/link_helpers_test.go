package link

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chase3718/pidi/internal/pidi"
)

// fakeClock advances by step on every reading so that bounded waits always
// terminate.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Millisecond}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeSession hands out queued messages and numbered chunks of notes.
type fakeSession struct {
	pending   []Message
	notes     []pidi.NoteEvent
	chunk     uint32
	requests  int
	delivered []Message
	connected bool
}

func (s *fakeSession) Pending(int) (Message, bool) {
	if len(s.pending) == 0 {
		return nil, false
	}
	m := s.pending[0]
	s.pending = s.pending[1:]
	return m, true
}

func (s *fakeSession) NextChunk(capacity int) Message {
	s.requests++
	s.chunk++
	var c []pidi.NoteEvent
	c, s.notes = TakeChunk(s.notes, capacity)
	return SongChunk{Index: s.chunk, Notes: c}
}

func (s *fakeSession) Delivered(m Message) { s.delivered = append(s.delivered, m) }

func (s *fakeSession) SetConnected(c bool) { s.connected = c }

// recordPort keeps a copy of everything written through it.
type recordPort struct {
	Port
	written bytes.Buffer
	closed  bool
}

func (p *recordPort) Write(b []byte) (int, error) {
	p.written.Write(b)
	return p.Port.Write(b)
}

func (p *recordPort) Close() error {
	p.closed = true
	return p.Port.Close()
}

// silentPort accepts writes and never answers.
type silentPort struct{ closed bool }

func (p *silentPort) Read([]byte) (int, error) { return 0, nil }

func (p *silentPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *silentPort) Close() error {
	p.closed = true
	return nil
}

func (p *silentPort) SetReadTimeout(time.Duration) error { return nil }

type fakeDialer struct {
	names []string
	ports map[string]Port
	scans int
}

func (d *fakeDialer) Candidates() ([]string, error) {
	d.scans++
	return d.names, nil
}

func (d *fakeDialer) Dial(name string) (Port, error) {
	p, ok := d.ports[name]
	if !ok {
		return nil, errors.New("no such port")
	}
	if dev, ok := p.(*Device); ok {
		dev.Open()
	}
	if rp, ok := p.(*recordPort); ok {
		if dev, ok := rp.Port.(*Device); ok {
			dev.Open()
		}
	}
	return p, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WriteGap = 0
	return cfg
}

// connectedEngine returns an engine already connected to a fresh device
// behind a recording port. s must have nothing pending yet.
func connectedEngine(t *testing.T, capacity uint32, s *fakeSession) (*Engine, *Device, *recordPort, *fakeClock) {
	t.Helper()
	dev := NewDevice(capacity, nil)
	dev.AutoRequest = false
	rp := &recordPort{Port: dev}
	clock := newClock()
	e := NewEngine(testConfig(), &fakeDialer{names: []string{"sim"}, ports: map[string]Port{"sim": rp}}, s, nil)
	e.now = clock.Now
	e.sleep = func(time.Duration) {}
	e.Step()
	if e.State() != Connected {
		t.Fatalf("Engine did not connect to the simulated device")
	}
	if !s.connected {
		t.Fatalf("Session was not told about the connection")
	}
	rp.written.Reset()
	return e, dev, rp, clock
}

func mustEncode(t *testing.T, m Message) []byte {
	t.Helper()
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Failed encoding %T: %s", m, err)
	}
	return b
}

func testNotes(n int) []pidi.NoteEvent {
	notes := make([]pidi.NoteEvent, n)
	for i := range notes {
		notes[i] = pidi.NoteEvent{
			Key:      pidi.Key(i % pidi.NumKeys),
			Octave:   int8(i%5 - 2),
			Velocity: uint8(i % 16),
			Dt:       uint16(i * 10),
			Len:      uint16(i + 1),
		}
	}
	return notes
}
