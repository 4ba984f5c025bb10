package link

import (
	"testing"
)

func readReplies(t *testing.T, d *Device) []Reply {
	t.Helper()
	var r ring
	buf := make([]byte, 64)
	for {
		n, err := d.Read(buf)
		if err != nil {
			t.Fatalf("Device read failed: %s", err)
		}
		if n == 0 {
			break
		}
		r.write(buf[:n])
	}
	var out []Reply
	for {
		rep, ok := r.next()
		if !ok {
			return out
		}
		out = append(out, rep)
	}
}

func TestDeviceAppliesEachChunkOnce(t *testing.T) {
	d := NewDevice(4, nil)
	d.AutoRequest = false
	install := mustEncode(t, NewSong{Offset: 10, Notes: testNotes(4)})
	chunk := mustEncode(t, SongChunk{Index: 1, Notes: testNotes(6)[4:]})

	// Noise, then every frame twice, split across writes.
	stream := append([]byte{'S', 'P', 0}, install...)
	stream = append(stream, install...)
	stream = append(stream, chunk...)
	stream = append(stream, chunk...)
	for len(stream) > 0 {
		n := min(7, len(stream))
		if _, err := d.Write(stream[:n]); err != nil {
			t.Fatalf("Device write failed: %s", err)
		}
		stream = stream[n:]
	}

	replies := readReplies(t, d)
	expected := []Reply{{TagSucc, 0}, {TagSucc, 0}, {TagSucc, 1}, {TagSucc, 1}}
	if len(replies) != len(expected) {
		t.Fatalf("Got replies %v, expected %v", replies, expected)
	}
	for i := range expected {
		if replies[i] != expected[i] {
			t.Fatalf("Reply %d is %v, expected %v", i, replies[i], expected[i])
		}
	}
	st := d.State()
	if st.Installs != 1 || len(st.Notes) != 6 || st.LastChunk != 1 || st.Frames != 4 || st.Offset != 10 {
		t.Fatalf("Unexpected device state %+v", st)
	}
}

func TestDeviceRequestsUntilComplete(t *testing.T) {
	d := NewDevice(2, nil)
	if _, err := d.Write(mustEncode(t, NewSong{Notes: testNotes(2)})); err != nil {
		t.Fatalf("Device write failed: %s", err)
	}
	if r := readReplies(t, d); len(r) != 2 || r[0].Tag != TagSucc || r[1].Tag != TagReqp {
		t.Fatalf("Expected an ack then a request, got %v", r)
	}
	if r := readReplies(t, d); len(r) != 0 {
		t.Fatalf("Device asked twice for the same chunk: %v", r)
	}
	if _, err := d.Write(mustEncode(t, SongChunk{Index: 1})); err != nil {
		t.Fatalf("Device write failed: %s", err)
	}
	if r := readReplies(t, d); len(r) != 1 || r[0] != (Reply{TagSucc, 1}) {
		t.Fatalf("Expected only the ack for the final chunk, got %v", r)
	}
	if !d.State().Complete {
		t.Fatalf("Empty chunk did not complete the song")
	}
}

func TestDeviceReinstallsReplayedSong(t *testing.T) {
	d := NewDevice(4, nil)
	d.AutoRequest = false
	install := mustEncode(t, NewSong{Notes: testNotes(4)})
	for _, m := range []Message{nil, SongChunk{Index: 1, Notes: testNotes(5)[4:]}, SongChunk{Index: 2}, nil} {
		frame := install
		if m != nil {
			frame = mustEncode(t, m)
		}
		if _, err := d.Write(frame); err != nil {
			t.Fatalf("Device write failed: %s", err)
		}
	}
	// The second, identical install restarts the song.
	st := d.State()
	if st.Installs != 2 || st.LastChunk != 0 || st.Complete || len(st.Notes) != 4 {
		t.Fatalf("Replayed song was not installed again: %+v", st)
	}
	if _, err := d.Write(mustEncode(t, SongChunk{Index: 1, Notes: testNotes(5)[4:]})); err != nil {
		t.Fatalf("Device write failed: %s", err)
	}
	if st := d.State(); st.LastChunk != 1 || len(st.Notes) != 5 {
		t.Fatalf("First chunk of the replay was dropped: %+v", st)
	}
}
