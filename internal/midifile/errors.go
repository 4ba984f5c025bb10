// Package midifile converts Standard MIDI Files into pidi note streams and
// back.
package midifile

import (
	"errors"
	"fmt"
)

// Kind classifies a ParseError.
type Kind int

const (
	// Malformed covers bad headers, chunk boundaries and event encodings.
	Malformed Kind = iota
	// Unsupported covers valid MIDI we refuse to approximate, such as SMPTE timing.
	Unsupported
	// OutOfRange means the file parsed but a note does not fit the pidi codec.
	OutOfRange
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Unsupported:
		return "unsupported"
	case OutOfRange:
		return "out of range"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var (
	ErrMalformed   = errors.New("midifile: malformed input")
	ErrUnsupported = errors.New("midifile: unsupported feature")
	ErrOutOfRange  = errors.New("midifile: note out of range")
)

// ParseError is the only error type returned by Parse. Track is -1 for
// header errors.
type ParseError struct {
	Kind   Kind
	Track  int
	Offset int
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	where := "header"
	if e.Track >= 0 {
		where = fmt.Sprintf("track %d", e.Track)
	}
	s := fmt.Sprintf("%s midi file (%s, byte %d): %s", e.Kind, where, e.Offset, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Kind == Malformed
	case ErrUnsupported:
		return e.Kind == Unsupported
	case ErrOutOfRange:
		return e.Kind == OutOfRange
	}
	return false
}

// Message is a short text suitable for showing to a user.
func (e *ParseError) Message() string {
	switch e.Kind {
	case Unsupported:
		return "This MIDI file uses a feature that is not supported: " + e.Msg
	case OutOfRange:
		return "This MIDI file contains notes the player cannot represent: " + e.Msg
	}
	return "Invalid MIDI file provided. Make sure the file wasn't corrupted: " + e.Msg
}
