package player

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/chase3718/pidi/internal/link"
	"github.com/chase3718/pidi/internal/pidi"
)

func pending(t *testing.T, c *Controller, capacity int) link.Message {
	t.Helper()
	m, ok := c.Pending(capacity)
	if !ok {
		t.Fatalf("Expected a pending message")
	}
	return m
}

func TestClampAndCoalesce(t *testing.T) {
	c := New(0, nil)
	for _, err := range []error{c.SetVolume(5), c.SetVolume(-1), c.SetSpeed(0.1), c.SetSpeed(20)} {
		if err != nil {
			t.Fatalf("Unexpected error: %s", err)
		}
	}
	if c.Volume() != MinVolume || c.Speed() != MaxSpeed {
		t.Fatalf("Got volume %v speed %v", c.Volume(), c.Speed())
	}
	if m := pending(t, c, 1); m != (link.SetVolume{Volume: MinVolume}) {
		t.Fatalf("Expected the latest volume, got %#v", m)
	}
	if m := pending(t, c, 1); m != (link.SetSpeed{Speed: MaxSpeed}) {
		t.Fatalf("Expected the latest speed, got %#v", m)
	}
	if _, ok := c.Pending(1); ok {
		t.Fatalf("Coalesced requests were queued twice")
	}
	_ = c.SetVolume(2.5)
	_ = c.SetSpeed(0.5)
	if c.Volume() != MaxVolume || c.Speed() != 0.5 {
		t.Fatalf("Got volume %v speed %v", c.Volume(), c.Speed())
	}
}

func TestQueueFull(t *testing.T) {
	c := New(2, nil)
	if err := c.SetPaused(true); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if err := c.SetPaused(false); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if err := c.SetPaused(true); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}
	if err := c.SubmitNewSong(nil, 0); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull for a song, got %v", err)
	}
	if m := pending(t, c, 1); m != (link.SetPlaying{Playing: false}) {
		t.Fatalf("Expected pause first, got %#v", m)
	}
}

func TestInstallAtOffset(t *testing.T) {
	notes := []pidi.NoteEvent{
		{Key: pidi.KeyC, Dt: 0, Len: 10},  // 0..100
		{Key: pidi.KeyE, Dt: 50, Len: 10}, // 50..150
		{Key: pidi.KeyG, Dt: 100, Len: 1}, // 150..160
		{Key: pidi.KeyA, Dt: 30, Len: 1},  // 180..190
	}
	c := New(0, nil)
	if err := c.SubmitNewSong(notes, 120); err != nil {
		t.Fatalf("Failed submitting song: %s", err)
	}
	ns, ok := pending(t, c, 1).(link.NewSong)
	if !ok {
		t.Fatalf("Expected a NewSong")
	}
	if ns.Offset != 120 || ns.Held.Count() != 1 || !ns.Held.Held(pidi.KeyE, 0) {
		t.Fatalf("Unexpected install header: offset %d, %d held", ns.Offset, ns.Held.Count())
	}
	want := pidi.NoteEvent{Key: pidi.KeyG, Dt: 30, Len: 1}
	if len(ns.Notes) != 1 || ns.Notes[0] != want {
		t.Fatalf("Install notes %v, expected [%v]", ns.Notes, want)
	}
	if notes[2].Dt != 100 {
		t.Fatalf("Install modified the submitted notes")
	}
	c.Delivered(ns)
	if p := c.Progress(); p.Sent != 3 || p.Total != 4 || p.Done() {
		t.Fatalf("Progress after install: %+v", p)
	}

	sc := c.NextChunk(1).(link.SongChunk)
	if sc.Index != 1 || len(sc.Notes) != 1 || sc.Notes[0] != notes[3] {
		t.Fatalf("Unexpected chunk %+v", sc)
	}
	c.Delivered(sc)
	if p := c.Progress(); !p.Done() || p.Chunk != 1 || p.Fraction() != 1 {
		t.Fatalf("Progress after last chunk: %+v", p)
	}
	if sc := c.NextChunk(1).(link.SongChunk); sc.Index != 2 || len(sc.Notes) != 0 {
		t.Fatalf("Expected an empty terminating chunk, got %+v", sc)
	}
}

func TestNewSongSupersedesChunks(t *testing.T) {
	a := []pidi.NoteEvent{{Key: pidi.KeyC}, {Key: pidi.KeyD}, {Key: pidi.KeyE}}
	b := []pidi.NoteEvent{{Key: pidi.KeyF}, {Key: pidi.KeyG}, {Key: pidi.KeyA}, {Key: pidi.KeyB}}
	c := New(0, nil)
	_ = c.SubmitNewSong(a, 0)
	c.Delivered(pending(t, c, 2))
	stale := c.NextChunk(2)

	if err := c.SubmitNewSong(b, 0); err != nil {
		t.Fatalf("Failed submitting second song: %s", err)
	}
	c.Delivered(stale)
	if p := c.Progress(); p.Sent != 0 || p.Total != 4 {
		t.Fatalf("Stale ack changed progress: %+v", p)
	}
	if sc := c.NextChunk(2).(link.SongChunk); len(sc.Notes) != 0 {
		t.Fatalf("Chunk served before the new song was installed: %+v", sc)
	}

	ns := pending(t, c, 2).(link.NewSong)
	if !reflect.DeepEqual(ns.Notes, b[:2]) {
		t.Fatalf("Install carries %v", ns.Notes)
	}
	sc := c.NextChunk(2).(link.SongChunk)
	if sc.Index != 1 || !reflect.DeepEqual(sc.Notes, b[2:]) {
		t.Fatalf("Continuation did not restart: %+v", sc)
	}
}

func TestConnectionStatus(t *testing.T) {
	c := New(0, nil)
	c.SetConnected(true)
	c.Delivered(link.SetPlaying{Playing: true})
	if !c.IsConnected() || !c.IsPlaying() {
		t.Fatalf("Expected connected and playing")
	}
	c.SetConnected(false)
	if c.IsConnected() || c.IsPlaying() {
		t.Fatalf("Link loss must clear connected and playing")
	}
}

// waitFor polls cond until it holds or five seconds pass.
func waitFor(t *testing.T, cond func() bool, state func() string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out, %s", state())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func simulated(capacity uint32, c *Controller) (*link.Device, *link.Engine) {
	dev := link.NewDevice(capacity, nil)
	cfg := link.DefaultConfig()
	cfg.WriteGap = 0
	return dev, link.NewEngine(cfg, link.DeviceDialer{Device: dev, Name: "sim", ReadTimeout: time.Millisecond}, c, nil)
}

func TestStreamToSimulatedDevice(t *testing.T) {
	notes := make([]pidi.NoteEvent, 25)
	for i := range notes {
		notes[i] = pidi.NoteEvent{Key: pidi.Key(i % pidi.NumKeys), Octave: int8(i % 3), Velocity: 8, Dt: 100, Len: 5}
	}
	c := New(0, nil)
	dev, e := simulated(4, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	for _, err := range []error{c.SubmitNewSong(notes, 0), c.SetVolume(1.5), c.SetPaused(false)} {
		if err != nil {
			t.Fatalf("Request failed: %s", err)
		}
	}
	defer cancel()
	waitFor(t, func() bool {
		return c.Progress().Done() && c.IsPlaying() && dev.State().Complete
	}, func() string {
		return fmt.Sprintf("progress %+v, device %+v", c.Progress(), dev.State())
	})
	if !c.IsConnected() {
		t.Fatalf("Controller not connected")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if c.IsConnected() {
		t.Fatalf("Controller still connected after the engine stopped")
	}

	st := dev.State()
	if !reflect.DeepEqual(st.Notes, notes) {
		t.Fatalf("Device received %d notes, expected %d", len(st.Notes), len(notes))
	}
	if st.Volume != 1.5 || !st.Playing || st.Installs != 1 {
		t.Fatalf("Unexpected device state: %+v", st)
	}
	// 4 installed, 21 more in chunks of 4, then the empty chunk.
	if st.LastChunk != 7 {
		t.Fatalf("Expected 7 chunks after the install, got %d", st.LastChunk)
	}
}

func TestReplaySameSong(t *testing.T) {
	notes := make([]pidi.NoteEvent, 10)
	for i := range notes {
		notes[i] = pidi.NoteEvent{Key: pidi.Key(i % pidi.NumKeys), Velocity: 8, Dt: 50, Len: 5}
	}
	c := New(0, nil)
	dev, e := simulated(4, c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	for play := 1; play <= 2; play++ {
		if err := c.SubmitNewSong(notes, 0); err != nil {
			t.Fatalf("Submit %d failed: %s", play, err)
		}
		waitFor(t, func() bool {
			st := dev.State()
			return st.Installs == play && st.Complete && c.Progress().Done()
		}, func() string {
			return fmt.Sprintf("play %d: progress %+v, device %+v", play, c.Progress(), dev.State())
		})
		st := dev.State()
		if !reflect.DeepEqual(st.Notes, notes) {
			t.Fatalf("Play %d delivered %d notes, expected %d", play, len(st.Notes), len(notes))
		}
		// 4 installed, 6 more in chunks of 4, then the empty chunk.
		if st.LastChunk != 3 {
			t.Fatalf("Play %d ended at chunk %d, expected 3", play, st.LastChunk)
		}
	}
}
