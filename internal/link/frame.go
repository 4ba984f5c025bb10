package link

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/chase3718/pidi/internal/pidi"
)

// HeaderSize is the size of a frame header and of a whole device reply:
//
//	[S][P][P][P][tag x4][u32 LE]
//
// In host frames the u32 is the payload length, in replies it is the value.
const HeaderSize = 12

// Chunk-0 payload before the notes: index, count, offset, held-key bitmap.
const newSongOverhead = 4 + 4 + 4 + pidi.KeyStateSize

var Magic = [4]byte{'S', 'P', 'P', 'P'}

// ErrBadFrame is returned by DecodeMessage for frames that do not parse.
var ErrBadFrame = errors.New("link: bad frame")

// Tag is the 4-character message type.
type Tag [4]byte

func (t Tag) String() string { return string(t[:]) }

var (
	TagPing = Tag{'P', 'I', 'N', 'G'}
	TagPlay = Tag{'P', 'L', 'A', 'Y'}
	TagLoud = Tag{'L', 'O', 'U', 'D'}
	TagSped = Tag{'S', 'P', 'E', 'D'}
	TagPidi = Tag{'P', 'I', 'D', 'I'}

	TagPong = Tag{'P', 'O', 'N', 'G'}
	TagSucc = Tag{'S', 'U', 'C', 'C'}
	TagReqp = Tag{'R', 'E', 'Q', 'P'}
)

// -------------------- Host messages --------------------

// Message is anything the host sends to the device.
type Message interface {
	Tag() Tag
	appendPayload(dst []byte) ([]byte, error)
}

type Ping struct{}

type SetPlaying struct{ Playing bool }

type SetVolume struct{ Volume float32 }

type SetSpeed struct{ Speed float32 }

// NewSong installs a song on the device. It is always chunk 0: the playback
// offset, the keys already sounding at that offset and the first notes.
type NewSong struct {
	Offset uint32
	Held   pidi.KeyState
	Notes  []pidi.NoteEvent
}

// SongChunk carries the notes following the previous chunk. Index starts at 1
// after each NewSong; an empty chunk tells the device the song is complete.
type SongChunk struct {
	Index uint32
	Notes []pidi.NoteEvent
}

func (Ping) Tag() Tag       { return TagPing }
func (SetPlaying) Tag() Tag { return TagPlay }
func (SetVolume) Tag() Tag  { return TagLoud }
func (SetSpeed) Tag() Tag   { return TagSped }
func (NewSong) Tag() Tag    { return TagPidi }
func (SongChunk) Tag() Tag  { return TagPidi }

func (Ping) appendPayload(dst []byte) ([]byte, error) { return dst, nil }

func (m SetPlaying) appendPayload(dst []byte) ([]byte, error) {
	if m.Playing {
		return append(dst, 1), nil
	}
	return append(dst, 0), nil
}

func (m SetVolume) appendPayload(dst []byte) ([]byte, error) {
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(m.Volume)), nil
}

func (m SetSpeed) appendPayload(dst []byte) ([]byte, error) {
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(m.Speed)), nil
}

func (m NewSong) appendPayload(dst []byte) ([]byte, error) {
	dst = binary.LittleEndian.AppendUint32(dst, 0)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(m.Notes)))
	dst = binary.LittleEndian.AppendUint32(dst, m.Offset)
	dst = m.Held.AppendBinary(dst)
	return pidi.AppendNotes(dst, m.Notes)
}

func (m SongChunk) appendPayload(dst []byte) ([]byte, error) {
	if m.Index == 0 {
		return dst, fmt.Errorf("song chunk index 0 is reserved for NewSong: %w", ErrBadFrame)
	}
	dst = binary.LittleEndian.AppendUint32(dst, m.Index)
	return pidi.AppendNotes(dst, m.Notes)
}

// Encode builds the on-wire frame for m.
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, HeaderSize, 64)
	copy(buf, Magic[:])
	tag := m.Tag()
	copy(buf[4:], tag[:])
	buf, err := m.appendPayload(buf)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", tag, err)
	}
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(buf)-HeaderSize))
	return buf, nil
}

// chunkIndex reports the chunk index a song message is acknowledged with.
func chunkIndex(m Message) (uint32, bool) {
	switch m := m.(type) {
	case NewSong:
		return 0, true
	case SongChunk:
		return m.Index, true
	}
	return 0, false
}

func describe(m Message) []any {
	switch m := m.(type) {
	case NewSong:
		return []any{"type", m.Tag(), "chunk", 0, "notes", len(m.Notes), "offset_ms", m.Offset, "held", m.Held.Count()}
	case SongChunk:
		return []any{"type", m.Tag(), "chunk", m.Index, "notes", len(m.Notes)}
	}
	return []any{"type", m.Tag()}
}

// DecodeMessage parses one complete host frame. It is the device side of
// Encode.
func DecodeMessage(frame []byte) (Message, error) {
	if len(frame) < HeaderSize || !bytes.Equal(frame[:4], Magic[:]) {
		return nil, fmt.Errorf("missing header: %w", ErrBadFrame)
	}
	var tag Tag
	copy(tag[:], frame[4:8])
	n := binary.LittleEndian.Uint32(frame[8:12])
	p := frame[HeaderSize:]
	if uint64(len(p)) != uint64(n) {
		return nil, fmt.Errorf("%s: payload is %d bytes, header says %d: %w", tag, len(p), n, ErrBadFrame)
	}
	badLen := func() error {
		return fmt.Errorf("%s: unexpected payload length %d: %w", tag, n, ErrBadFrame)
	}

	switch tag {
	case TagPing:
		if n != 0 {
			return nil, badLen()
		}
		return Ping{}, nil
	case TagPlay:
		if n != 1 || p[0] > 1 {
			return nil, badLen()
		}
		return SetPlaying{Playing: p[0] == 1}, nil
	case TagLoud, TagSped:
		if n != 4 {
			return nil, badLen()
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(p))
		if tag == TagLoud {
			return SetVolume{Volume: f}, nil
		}
		return SetSpeed{Speed: f}, nil
	case TagPidi:
		if n < 4 {
			return nil, badLen()
		}
		idx := binary.LittleEndian.Uint32(p)
		if idx > 0 {
			if (n-4)%pidi.EncodedSize != 0 {
				return nil, badLen()
			}
			notes, err := pidi.NewReader(p[4:]).ReadNotes(int(n-4) / pidi.EncodedSize)
			if err != nil {
				return nil, err
			}
			return SongChunk{Index: idx, Notes: notes}, nil
		}
		if n < newSongOverhead {
			return nil, badLen()
		}
		count := binary.LittleEndian.Uint32(p[4:])
		if uint64(n-newSongOverhead) != uint64(count)*pidi.EncodedSize {
			return nil, fmt.Errorf("%s: %d notes do not fill %d bytes: %w", tag, count, n-newSongOverhead, ErrBadFrame)
		}
		m := NewSong{
			Offset: binary.LittleEndian.Uint32(p[8:]),
			Held:   pidi.DecodeKeyState(p[12:]),
		}
		notes, err := pidi.NewReader(p[newSongOverhead:]).ReadNotes(int(count))
		if err != nil {
			return nil, err
		}
		m.Notes = notes
		return m, nil
	}
	return nil, fmt.Errorf("unknown message type %q: %w", tag[:], ErrBadFrame)
}

// -------------------- Device replies --------------------

// Reply is a fixed-size device-to-host frame.
type Reply struct {
	Tag   Tag
	Value uint32
}

// AppendReply appends the wire form of r.
func AppendReply(dst []byte, r Reply) []byte {
	dst = append(dst, Magic[:]...)
	dst = append(dst, r.Tag[:]...)
	return binary.LittleEndian.AppendUint32(dst, r.Value)
}
