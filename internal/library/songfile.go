package library

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chase3718/pidi/internal/pidi"
)

var (
	songMagic  = [4]byte{'P', 'I', 'D', 'I'}
	indexMagic = [4]byte{'P', 'D', 'I', 'L'}
)

// ErrBadMagic is returned when a song or index file does not start with the
// expected tag.
var ErrBadMagic = errors.New("library: bad file magic")

// EncodeSong serializes a note stream as a song file:
//
//	[P][I][D][I][count u32 LE][count * 5-byte notes]
func EncodeSong(notes []pidi.NoteEvent) ([]byte, error) {
	buf := make([]byte, 0, 8+len(notes)*pidi.EncodedSize)
	buf = append(buf, songMagic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(notes)))
	return pidi.AppendNotes(buf, notes)
}

// WriteSong writes the song file encoding of notes to w.
func WriteSong(w io.Writer, notes []pidi.NoteEvent) error {
	b, err := EncodeSong(notes)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// DecodeSong parses a song file. Bytes after the declared notes are ignored.
func DecodeSong(b []byte) ([]pidi.NoteEvent, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("library: song file is %d bytes: %w", len(b), io.ErrUnexpectedEOF)
	}
	if !bytes.Equal(b[:4], songMagic[:]) {
		return nil, fmt.Errorf("song file starts with %q: %w", b[:4], ErrBadMagic)
	}
	count := binary.LittleEndian.Uint32(b[4:8])
	return pidi.NewReader(b[8:]).ReadNotes(int(count))
}

// ReadSong reads a whole song file from r.
func ReadSong(r io.Reader) ([]pidi.NoteEvent, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return DecodeSong(b)
}

// ReadSongFile reads a standalone song file and names the Song after it.
func ReadSongFile(path string) (*pidi.Song, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	notes, err := ReadSong(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	base := filepath.Base(path)
	return pidi.NewSong(strings.TrimSuffix(base, filepath.Ext(base)), notes), nil
}

// WriteSongFile writes song as a standalone song file at path.
func WriteSongFile(path string, song *pidi.Song) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteSong(f, song.Notes); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
