package link

import (
	"bytes"
	"encoding/binary"
)

const ringSize = 256

// ring is the receive buffer between serial reads and reply extraction.
// Writing into a full ring drops the oldest bytes.
type ring struct {
	buf   [ringSize]byte
	start int
	n     int
}

func (r *ring) reset() { r.start, r.n = 0, 0 }

func (r *ring) len() int { return r.n }

func (r *ring) write(p []byte) {
	for _, b := range p {
		if r.n == ringSize {
			r.discard(1)
		}
		r.buf[(r.start+r.n)%ringSize] = b
		r.n++
	}
}

func (r *ring) at(i int) byte { return r.buf[(r.start+i)%ringSize] }

func (r *ring) discard(n int) {
	n = min(n, r.n)
	r.start = (r.start + n) % ringSize
	r.n -= n
}

func (r *ring) peek(dst []byte) []byte {
	for i := range dst {
		dst[i] = r.at(i)
	}
	return dst
}

// next extracts the next complete reply. Bytes ahead of a magic marker are
// dropped one at a time, so noise never swallows a following frame.
func (r *ring) next() (Reply, bool) {
	var hdr [HeaderSize]byte
	for r.n >= HeaderSize {
		r.peek(hdr[:])
		if !bytes.Equal(hdr[:4], Magic[:]) {
			r.discard(1)
			continue
		}
		r.discard(HeaderSize)
		var rep Reply
		copy(rep.Tag[:], hdr[4:8])
		rep.Value = binary.LittleEndian.Uint32(hdr[8:])
		return rep, true
	}
	return Reply{}, false
}
