package midifile

import (
	"encoding/binary"
	"errors"
)

var (
	errShort      = errors.New("unexpected end of data")
	errVarTooLong = errors.New("variable-length quantity longer than 4 bytes")
)

// cursor reads big-endian values out of an in-memory file. end bounds all
// reads, so a track can never consume bytes past its declared length.
type cursor struct {
	data []byte
	pos  int
	end  int
}

func (c *cursor) left() int { return c.end - c.pos }

func (c *cursor) next() (byte, error) {
	if c.pos >= c.end {
		return 0, errShort
	}
	b := c.data[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) peek() (byte, error) {
	if c.pos >= c.end {
		return 0, errShort
	}
	return c.data[c.pos], nil
}

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || n > c.left() {
		return nil, errShort
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// varInt reads a MIDI variable-length quantity: seven data bits per byte,
// high bit set on every byte but the last, at most four bytes (0x0fffffff).
func (c *cursor) varInt() (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := c.next()
		if err != nil {
			return 0, err
		}
		v = v<<7 | uint32(b&0x7f)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, errVarTooLong
}
