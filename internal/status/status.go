// Package status keeps the daemon's view of every mirror's current and
// last-known state, and persists it to disk so a restart does not forget
// what happened before it.
package status

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"

	"github.com/tuna/tunasync/internal/event"
)

func checksum(data []byte) string {
	h := blake3.New()
	h.Write(data)

	return hex.EncodeToString(h.Sum(nil))
}

// ErrCorrupt is returned by Load when the sidecar checksum does not match
// the status file's contents.
var ErrCorrupt = errors.New("status file failed integrity check")

// Entry is one mirror's persisted and in-memory status record.
type Entry struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	LastUpdate time.Time `json:"last_update"`
	Upstream   string    `json:"upstream"`
	Size       string    `json:"size,omitempty"`
}

// Store is the in-memory table of every mirror's status, with a
// write-through JSON file plus a blake3 sidecar checksum guarding it
// against partial writes.
type Store struct {
	fs   afero.Fs
	path string

	mu      sync.RWMutex
	entries map[string]Entry
}

// New builds an empty Store writing to path on fs.
func New(fs afero.Fs, path string) *Store {
	return &Store{fs: fs, path: path, entries: make(map[string]Entry)}
}

func sidecarPath(path string) string {
	return path + ".blake3"
}

// Load reads the status file and its sidecar checksum, if present,
// merging persisted records into an empty Store. A missing file is not an
// error: the daemon starts with an empty status table.
func Load(fs afero.Fs, path string) (*Store, error) {
	s := New(fs, path)

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}

		return nil, fmt.Errorf("reading status file %q: %w", path, err)
	}

	if sum, serr := afero.ReadFile(fs, sidecarPath(path)); serr == nil {
		want := checksum(data)
		if string(sum) != want {
			return nil, fmt.Errorf("%w: %q", ErrCorrupt, path)
		}
	}

	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parsing status file %q: %w", path, err)
	}

	for _, e := range list {
		s.entries[e.Name] = e
	}

	return s, nil
}

// Reconcile merges this Store's persisted records with the freshly-derived
// mirror configuration: mirrors no longer configured are dropped, new
// mirrors get a blank StatusNone record, and upstream always takes the
// configuration's value over whatever was last persisted.
func (s *Store) Reconcile(upstreams map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]Entry, len(upstreams))

	for name, upstream := range upstreams {
		e, ok := s.entries[name]
		if !ok {
			e = Entry{Name: name, Status: string(event.StatusNone)}
		}

		e.Name = name
		e.Upstream = upstream
		merged[name] = e
	}

	s.entries = merged
}

// Update records a new status for a mirror and its last-update timestamp.
func (s *Store) Update(name string, st event.Status, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[name]
	e.Name = name
	e.Status = string(st)
	e.LastUpdate = ts
	s.entries[name] = e
}

// Get returns a mirror's current entry.
func (s *Store) Get(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]

	return e, ok
}

// List returns every mirror's entry, sorted by name for deterministic
// output.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Save writes the current table to disk as write-temp-then-rename, so a
// crash mid-write never leaves a half-written status file, and refreshes
// the blake3 sidecar checksum alongside it.
func (s *Store) Save() error {
	s.mu.RLock()
	list := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}

	if err := s.writeAtomic(s.path, data); err != nil {
		return err
	}

	return s.writeAtomic(sidecarPath(s.path), []byte(checksum(data)))
}

func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating status directory %q: %w", dir, err)
	}

	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %q: %w", dir, err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpName)

		return fmt.Errorf("writing temp file %q: %w", tmpName, err)
	}

	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)

		return fmt.Errorf("closing temp file %q: %w", tmpName, err)
	}

	if err := s.fs.Rename(tmpName, path); err != nil {
		_ = s.fs.Remove(tmpName)

		return fmt.Errorf("renaming %q to %q: %w", tmpName, path, err)
	}

	return nil
}
