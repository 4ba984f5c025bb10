package library

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/chase3718/pidi/internal/pidi"
)

const (
	IndexFile = "library.pdil"
	SongExt   = ".pidi"
)

var (
	ErrExists   = errors.New("library: song already exists")
	ErrNotFound = errors.New("library: song not found")
	ErrBadName  = errors.New("library: invalid song name")
)

// Library is a directory of song files plus an index listing them. The index
// is rewritten after every Add and Remove.
type Library struct {
	dir string
	log *slog.Logger

	mu      sync.RWMutex
	entries []Entry
}

// Open loads the library in dir, creating the directory if needed. A missing
// index is an empty library.
func Open(dir string, log *slog.Logger) (*Library, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create library dir: %w", err)
	}
	l := &Library{dir: dir, log: log}
	data, err := os.ReadFile(l.indexPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Debug("library: no index yet", "dir", dir)
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("read index: %w", err)
	}
	if l.entries, err = DecodeIndex(data); err != nil {
		return nil, fmt.Errorf("load %s: %w", l.indexPath(), err)
	}
	log.Debug("library: index loaded", "dir", dir, "songs", len(l.entries))
	return l, nil
}

func (l *Library) Dir() string { return l.dir }

func (l *Library) indexPath() string { return filepath.Join(l.dir, IndexFile) }

func (l *Library) songPath(name string) string { return filepath.Join(l.dir, name+SongExt) }

// Entries returns a copy of the index in insertion order.
func (l *Library) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.entries)
}

func (l *Library) find(name string) int {
	return slices.IndexFunc(l.entries, func(e Entry) bool { return e.Name == name })
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%q: %w", name, ErrBadName)
	}
	return nil
}

// Add stores song under its name. Names are unique within a library.
func (l *Library) Add(song *pidi.Song) error {
	if err := validName(song.Name); err != nil {
		return err
	}
	data, err := EncodeSong(song.Notes)
	if err != nil {
		return fmt.Errorf("encode %q: %w", song.Name, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.find(song.Name) >= 0 {
		return fmt.Errorf("%q: %w", song.Name, ErrExists)
	}
	if err := writeFile(l.songPath(song.Name), data); err != nil {
		return err
	}
	l.entries = append(l.entries, Entry{Name: song.Name, LengthMs: song.LengthMs})
	if err := l.saveLocked(); err != nil {
		l.entries = l.entries[:len(l.entries)-1]
		_ = os.Remove(l.songPath(song.Name))
		return err
	}
	l.log.Info("library: song added", "song", song.Name, "notes", len(song.Notes), "length_ms", song.LengthMs)
	return nil
}

// Remove drops the index entry, then deletes the song file. A failed index
// save leaves the library unchanged; a song file that cannot be deleted is
// left behind unlisted.
func (l *Library) Remove(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.find(name)
	if i < 0 {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	e := l.entries[i]
	l.entries = slices.Delete(l.entries, i, i+1)
	if err := l.saveLocked(); err != nil {
		l.entries = slices.Insert(l.entries, i, e)
		return err
	}
	if err := os.Remove(l.songPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.log.Warn("library: song file not deleted", "song", name, "err", err)
	}
	l.log.Info("library: song removed", "song", name)
	return nil
}

// Load reads a song's notes from disk.
func (l *Library) Load(name string) (*pidi.Song, error) {
	l.mu.RLock()
	i := l.find(name)
	var e Entry
	if i >= 0 {
		e = l.entries[i]
	}
	l.mu.RUnlock()
	if i < 0 {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	data, err := os.ReadFile(l.songPath(name))
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", name, err)
	}
	notes, err := DecodeSong(data)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", name, err)
	}
	song := pidi.NewSong(name, notes)
	if song.LengthMs != e.LengthMs {
		l.log.Warn("library: index length differs from song file", "song", name,
			"index_ms", e.LengthMs, "file_ms", song.LengthMs)
	}
	return song, nil
}

// Search returns the entries whose name starts with query, followed by those
// that only contain it. Matching ignores case; an empty query matches all.
func (l *Library) Search(query string) []Entry {
	q := strings.ToLower(query)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var prefixed, contained []Entry
	for _, e := range l.entries {
		name := strings.ToLower(e.Name)
		switch {
		case strings.HasPrefix(name, q):
			prefixed = append(prefixed, e)
		case strings.Contains(name, q):
			contained = append(contained, e)
		}
	}
	return append(prefixed, contained...)
}

func (l *Library) saveLocked() error {
	return writeFile(l.indexPath(), EncodeIndex(l.entries))
}

// writeFile replaces path by renaming a fully written temporary file.
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
