package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ledati16/drfw/pkg/clock"
	"github.com/ledati16/drfw/pkg/config"
	"github.com/ledati16/drfw/pkg/log"
	"github.com/ledati16/drfw/pkg/nft"
)

// DefaultKeep is how many generations are retained on disk.
const DefaultKeep = 5

const (
	filePrefix = "snapshot_"
	fileSuffix = ".json"
)

// Entry is a snapshot file found in the store, not yet loaded.
type Entry struct {
	Generation uint64
	Path       string
}

// Store persists snapshots as one file per generation in a private
// directory.
type Store struct {
	dir   string
	keep  int
	clock clock.Clock

	mu sync.Mutex
}

// NewStore opens dir, creating it with mode 0700. keep below 1 means
// DefaultKeep.
func NewStore(dir string, keep int, clk clock.Clock) (*Store, error) {
	if err := config.EnsurePrivateDir(dir); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if keep < 1 {
		keep = DefaultKeep
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{dir: dir, keep: keep, clock: clk}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// FileName is the on-disk name of a generation.
func FileName(generation uint64) string {
	return fmt.Sprintf("%s%06d%s", filePrefix, generation, fileSuffix)
}

// Save persists cfg as the next generation and prunes old ones.
func (s *Store) Save(cfg nft.Config, description string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.list()
	if err != nil {
		return Snapshot{}, err
	}
	var gen uint64 = 1
	if len(entries) > 0 {
		gen = entries[0].Generation + 1
	}

	snap, err := New(cfg, gen, description, s.clock.Now())
	if err != nil {
		return Snapshot{}, err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: encode: %w", err)
	}
	snap.Path = filepath.Join(s.dir, FileName(gen))
	if err := writeFileAtomic(snap.Path, data); err != nil {
		return Snapshot{}, err
	}
	log.Info("snapshot saved", "snapshot", snap.Short(), "generation", gen, "rules", nft.RuleCount(cfg))

	s.prune(append([]Entry{{Generation: gen, Path: snap.Path}}, entries...))
	return snap, nil
}

// List returns the stored generations, newest first.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *Store) list() ([]Entry, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: read store: %w", err)
	}
	var entries []Entry
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		gen, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Generation: gen, Path: filepath.Join(s.dir, name)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Generation > entries[j].Generation })
	return entries, nil
}

// prune removes generations beyond keep. entries must be newest first.
func (s *Store) prune(entries []Entry) {
	if len(entries) <= s.keep {
		return
	}
	for _, e := range entries[s.keep:] {
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn("pruning snapshot failed", "path", e.Path, "error", err)
			continue
		}
		log.Debug("pruned snapshot", "generation", e.Generation)
	}
}

// Load reads and validates one snapshot file.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the store listing
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, &Error{Kind: NotFound, Path: path}
		}
		return Snapshot{}, &Error{Kind: Corrupted, Path: path, Err: err}
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, &Error{Kind: Corrupted, Path: path, Err: err}
	}
	snap.Path = path
	if err := snap.Validate(); err != nil {
		return snap, err
	}
	return snap, nil
}

// Latest returns the newest generation that validates.
func (s *Store) Latest() (Snapshot, error) {
	entries, err := s.List()
	if err != nil {
		return Snapshot{}, err
	}
	for _, e := range entries {
		snap, err := Load(e.Path)
		if err != nil {
			log.Warn("skipping unusable snapshot", "path", e.Path, "error", err)
			continue
		}
		return snap, nil
	}
	return Snapshot{}, &Error{Kind: NotFound, Path: s.dir}
}

// Find resolves ref as a generation number, a full id or an id prefix of
// at least four characters.
func (s *Store) Find(ref string) (Snapshot, error) {
	entries, err := s.List()
	if err != nil {
		return Snapshot{}, err
	}
	if gen, err := strconv.ParseUint(ref, 10, 64); err == nil {
		for _, e := range entries {
			if e.Generation == gen {
				return Load(e.Path)
			}
		}
	}
	full, fullErr := uuid.Parse(ref)
	for _, e := range entries {
		// A snapshot that fails validation still matches by id; the caller
		// gets it together with the error.
		snap, err := Load(e.Path)
		if snap.ID == uuid.Nil {
			continue
		}
		if (fullErr == nil && snap.ID == full) || (len(ref) >= 4 && strings.HasPrefix(snap.ID.String(), strings.ToLower(ref))) {
			return snap, err
		}
	}
	return Snapshot{}, &Error{Kind: NotFound, Err: fmt.Errorf("no snapshot matches %q", ref)}
}

// writeFileAtomic creates a private temp file next to path, syncs it,
// renames it over path and syncs the directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()[:8]+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return fmt.Errorf("snapshot: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		cleanup()
		return fmt.Errorf("snapshot: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return fmt.Errorf("snapshot: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return fmt.Errorf("snapshot: rename into place: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("snapshot: open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("snapshot: sync dir: %w", err)
	}
	return nil
}
