package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const pendingFile = "pending.json"

// Pending marks an apply awaiting confirmation. It exists on disk only
// while the countdown runs; one left behind means the process died before
// confirming or reverting.
type Pending struct {
	SnapshotID uuid.UUID `json:"snapshot_id"`
	Deadline   time.Time `json:"deadline"`
	PID        int       `json:"pid"`
}

// Stale reports whether the owning process is gone or the deadline passed.
func (p Pending) Stale(now time.Time) bool {
	return now.After(p.Deadline) || !processAlive(p.PID)
}

// PendingPath is the marker location.
func (s *Store) PendingPath() string { return filepath.Join(s.dir, pendingFile) }

// WritePending records p atomically.
func (s *Store) WritePending(p Pending) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("snapshot: encode pending marker: %w", err)
	}
	return writeFileAtomic(s.PendingPath(), data)
}

// ReadPending returns the marker and whether one exists.
func (s *Store) ReadPending() (Pending, bool, error) {
	data, err := os.ReadFile(s.PendingPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Pending{}, false, nil
		}
		return Pending{}, false, fmt.Errorf("snapshot: read pending marker: %w", err)
	}
	var p Pending
	if err := json.Unmarshal(data, &p); err != nil {
		return Pending{}, true, &Error{Kind: Corrupted, Path: s.PendingPath(), Err: err}
	}
	return p, true, nil
}

// ClearPending removes the marker. A missing marker is not an error.
func (s *Store) ClearPending() error {
	if err := os.Remove(s.PendingPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("snapshot: clear pending marker: %w", err)
	}
	return nil
}
