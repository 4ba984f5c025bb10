package midifile

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/chase3718/pidi/internal/pidi"
)

const (
	headerSize      = 14
	trackHeaderSize = 8
	minFileSize     = headerSize + trackHeaderSize

	ccAllNotesOff = 123
)

// Header is the decoded MThd chunk.
type Header struct {
	Format   uint16
	Tracks   uint16
	TicksPQN uint16
}

// Parse decodes a Standard MIDI File into a note stream ordered by start
// time. The returned Song has no name. Any failure is a *ParseError and no
// Song is returned.
func Parse(data []byte) (*pidi.Song, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	tempos := &tempoMap{ticksPQN: h.TicksPQN}
	c := &cursor{data: data, pos: headerSize, end: len(data)}
	tracks := make([][]rawNote, h.Tracks)
	for i := range tracks {
		notes, err := parseTrack(c, i, tempos)
		if err != nil {
			return nil, err
		}
		tracks[i] = notes
	}
	if c.left() > 0 {
		slog.Debug("midifile: trailing bytes after last track", "bytes", c.left())
	}
	tempos.build()
	notes, err := merge(timeTracks(tracks, tempos))
	if err != nil {
		return nil, err
	}
	slog.Debug("midifile: parsed", "format", h.Format, "tracks", h.Tracks,
		"ticks_pqn", h.TicksPQN, "tempo_changes", len(tempos.changes), "notes", len(notes))
	return pidi.NewSong("", notes), nil
}

// ParseFile reads and parses a .mid file and names the Song after the file.
func ParseFile(path string) (*pidi.Song, error) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if e := strings.ToLower(ext); e != ".mid" && e != ".midi" {
		return nil, fmt.Errorf("%s is not a midi file", base)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", base, err)
	}
	song, err := Parse(data)
	if err != nil {
		return nil, err
	}
	song.Name = strings.TrimSuffix(base, ext)
	return song, nil
}

func headerErr(kind Kind, off int, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Track: -1, Offset: off, Msg: fmt.Sprintf(format, args...)}
}

func parseHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < minFileSize {
		return h, headerErr(Malformed, 0, "file is %d bytes, shorter than the minimum %d", len(data), minFileSize)
	}
	c := &cursor{data: data, end: headerSize}
	tag, _ := c.take(4)
	if string(tag) != "MThd" {
		return h, headerErr(Malformed, 0, "bad header tag %q", tag)
	}
	if n, _ := c.u32(); n != 6 {
		return h, headerErr(Malformed, 4, "header length is %d, expected 6", n)
	}
	h.Format, _ = c.u16()
	h.Tracks, _ = c.u16()
	division, _ := c.u16()
	switch {
	case h.Format > 2:
		return h, headerErr(Malformed, 8, "unknown format %d", h.Format)
	case h.Tracks == 0:
		return h, headerErr(Malformed, 10, "file declares no tracks")
	case h.Format == 0 && h.Tracks != 1:
		return h, headerErr(Malformed, 10, "format 0 file declares %d tracks", h.Tracks)
	case division&0x8000 != 0:
		fps := uint8(-int8(division >> 8))
		return h, headerErr(Unsupported, 12, "SMPTE time division (%d fps, %d ticks/frame)", fps, division&0xff)
	case division == 0:
		return h, headerErr(Malformed, 12, "zero ticks per quarter note")
	}
	h.TicksPQN = division
	return h, nil
}

// -------------------- Track decoding --------------------

type noteID struct {
	key    pidi.Key
	octave int8
}

type openNote struct {
	startTick uint64
	velocity  uint8
	seq       int
}

// rawNote is a closed note still measured in ticks.
type rawNote struct {
	noteID
	startTick uint64
	endTick   uint64
	velocity  uint8
	seq       int
}

// trackDecoder carries the per-track state threaded through the event loop:
// the running status (command + channel) and the stacks of open notes.
type trackDecoder struct {
	index   int
	c       *cursor
	tempos  *tempoMap
	tick    uint64
	command byte // high nibble of the running status, 0 when none
	channel byte
	open    map[noteID][]openNote
	notes   []rawNote
	seq     int
}

func (d *trackDecoder) fail(kind Kind, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Track: d.index, Offset: d.c.pos, Msg: fmt.Sprintf(format, args...)}
}

func (d *trackDecoder) wrap(err error, what string) *ParseError {
	return &ParseError{Kind: Malformed, Track: d.index, Offset: d.c.pos, Msg: what, Err: err}
}

func parseTrack(c *cursor, index int, tempos *tempoMap) ([]rawNote, error) {
	start := c.pos
	if c.left() < trackHeaderSize {
		return nil, &ParseError{Kind: Malformed, Track: index, Offset: start, Msg: "missing track chunk"}
	}
	tag, _ := c.take(4)
	if string(tag) != "MTrk" {
		return nil, &ParseError{Kind: Malformed, Track: index, Offset: start, Msg: fmt.Sprintf("bad track tag %q", tag)}
	}
	length, _ := c.u32()
	if int64(length) > int64(c.left()) {
		return nil, &ParseError{Kind: Malformed, Track: index, Offset: start + 4,
			Msg: fmt.Sprintf("track length %d exceeds the %d bytes left", length, c.left())}
	}
	d := &trackDecoder{
		index:  index,
		c:      &cursor{data: c.data, pos: c.pos, end: c.pos + int(length)},
		tempos: tempos,
		open:   make(map[noteID][]openNote),
	}
	if err := d.run(); err != nil {
		return nil, err
	}
	c.pos = d.c.end
	return d.notes, nil
}

func (d *trackDecoder) run() error {
	for d.c.left() > 0 {
		delta, err := d.c.varInt()
		if err != nil {
			return d.wrap(err, "bad delta-time")
		}
		d.tick += uint64(delta)
		status, err := d.c.peek()
		if err != nil {
			return d.wrap(err, "delta-time without an event")
		}
		switch {
		case status == 0xff:
			d.c.pos++
			done, err := d.meta()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case status == 0xf0 || status == 0xf7:
			d.c.pos++
			if err := d.sysex(); err != nil {
				return err
			}
		case status > 0xf0:
			return d.fail(Malformed, "system message 0x%02x has no length in a MIDI file", status)
		default:
			if err := d.channelEvent(); err != nil {
				return err
			}
		}
	}
	return d.fail(Malformed, "track ends without an end-of-track event")
}

// meta handles an 0xFF event. It reports true on End-of-Track.
func (d *trackDecoder) meta() (bool, error) {
	d.command = 0
	typ, err := d.c.next()
	if err != nil {
		return false, d.wrap(err, "truncated meta event")
	}
	length, err := d.c.varInt()
	if err != nil {
		return false, d.wrap(err, "bad meta event length")
	}
	data, err := d.c.take(int(length))
	if err != nil {
		return false, d.wrap(err, fmt.Sprintf("meta event 0x%02x overruns the track", typ))
	}
	switch typ {
	case 0x2f:
		if length != 0 {
			return false, d.fail(Malformed, "end-of-track with length %d", length)
		}
		if d.c.left() != 0 {
			return false, d.fail(Malformed, "end-of-track %d bytes before the chunk end", d.c.left())
		}
		d.closeAll()
		return true, nil
	case 0x51:
		if length != 3 {
			return false, d.fail(Malformed, "set-tempo with length %d", length)
		}
		usPQ := uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
		if usPQ == 0 {
			return false, d.fail(Malformed, "set-tempo of zero")
		}
		d.tempos.add(d.tick, usPQ)
	default:
		// Time/key signatures, text and everything else: content ignored.
		slog.Debug("midifile: meta event skipped", "track", d.index, "type", typ, "len", length)
	}
	return false, nil
}

// sysex skips a length-prefixed F0 or F7 event; the length covers the
// terminating 0xF7.
func (d *trackDecoder) sysex() error {
	d.command = 0
	length, err := d.c.varInt()
	if err != nil {
		return d.wrap(err, "bad sysex length")
	}
	if _, err := d.c.take(int(length)); err != nil {
		return d.wrap(err, "sysex overruns the track")
	}
	return nil
}

func (d *trackDecoder) dataByte() (byte, error) {
	b, err := d.c.next()
	if err != nil {
		return 0, d.wrap(err, "truncated channel event")
	}
	if b&0x80 != 0 {
		return 0, d.fail(Malformed, "status byte 0x%02x where a data byte was expected", b)
	}
	return b, nil
}

func (d *trackDecoder) channelEvent() error {
	b, _ := d.c.peek()
	if b&0x80 != 0 {
		d.c.pos++
		d.command = b >> 4
		d.channel = b & 0x0f
	} else if d.command == 0 {
		return d.fail(Malformed, "data byte 0x%02x without running status", b)
	}
	switch d.command {
	case 0x8, 0x9:
		key, err := d.dataByte()
		if err != nil {
			return err
		}
		vel, err := d.dataByte()
		if err != nil {
			return err
		}
		if d.command == 0x9 && vel != 0 {
			d.noteOn(key, vel)
		} else {
			d.noteOff(key)
		}
	case 0xb:
		ctrl, err := d.dataByte()
		if err != nil {
			return err
		}
		if _, err := d.dataByte(); err != nil {
			return err
		}
		if ctrl == ccAllNotesOff {
			d.closeAll()
		}
	case 0xa, 0xe:
		for n := 0; n < 2; n++ {
			if _, err := d.dataByte(); err != nil {
				return err
			}
		}
	case 0xc, 0xd:
		// Program change and channel pressure carry no note information.
		if _, err := d.dataByte(); err != nil {
			return err
		}
	}
	return nil
}

func (d *trackDecoder) noteOn(key, vel byte) {
	k, oct := pidi.FromMIDIKey(key)
	id := noteID{key: k, octave: oct}
	d.open[id] = append(d.open[id], openNote{startTick: d.tick, velocity: pidi.QuantizeVelocity(vel), seq: d.seq})
	d.seq++
}

// noteOff closes the most recently opened note with the same key.
func (d *trackDecoder) noteOff(key byte) {
	k, oct := pidi.FromMIDIKey(key)
	id := noteID{key: k, octave: oct}
	stack := d.open[id]
	if len(stack) == 0 {
		slog.Debug("midifile: note-off without note-on", "track", d.index, "key", key, "tick", d.tick)
		return
	}
	n := stack[len(stack)-1]
	d.open[id] = stack[:len(stack)-1]
	d.close(id, n)
}

func (d *trackDecoder) close(id noteID, n openNote) {
	d.notes = append(d.notes, rawNote{
		noteID:    id,
		startTick: n.startTick,
		endTick:   d.tick,
		velocity:  n.velocity,
		seq:       n.seq,
	})
}

// closeAll ends every open note on this track at the current tick.
func (d *trackDecoder) closeAll() {
	for id, stack := range d.open {
		for _, n := range stack {
			d.close(id, n)
		}
		delete(d.open, id)
	}
}

// -------------------- Timing --------------------

// timedNote is a closed note converted to milliseconds.
type timedNote struct {
	startMs uint64
	lenMs   float64
	rawNote
}

func timeTracks(tracks [][]rawNote, tempos *tempoMap) [][]timedNote {
	out := make([][]timedNote, len(tracks))
	for i, notes := range tracks {
		timed := make([]timedNote, len(notes))
		for j, n := range notes {
			start := tempos.ms(n.startTick)
			timed[j] = timedNote{
				startMs: uint64(math.Round(start)),
				lenMs:   tempos.ms(n.endTick) - start,
				rawNote: n,
			}
		}
		sortTrack(timed)
		out[i] = timed
	}
	return out
}
