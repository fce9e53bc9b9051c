package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// IntegrityChecker keeps SHA-256 checksums of audit log files.
type IntegrityChecker struct {
	dbPath string
	mu     sync.RWMutex

	checksums map[string]ChecksumEntry

	dirty bool
}

// ChecksumEntry represents a stored checksum with metadata
type ChecksumEntry struct {
	Checksum  string    `json:"checksum"`
	Timestamp time.Time `json:"timestamp"`
	FileSize  int64     `json:"file_size"`
}

// NewIntegrityChecker loads dbPath if it exists.
func NewIntegrityChecker(dbPath string) (*IntegrityChecker, error) {
	ic := &IntegrityChecker{
		dbPath:    dbPath,
		checksums: make(map[string]ChecksumEntry),
	}

	if _, err := os.Stat(dbPath); err == nil {
		if err := ic.load(); err != nil {
			return nil, fmt.Errorf("failed to load checksum database: %w", err)
		}
	}

	return ic, nil
}

// Store saves a checksum for a file and persists the database.
func (ic *IntegrityChecker) Store(path string, checksum string) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	ic.checksums[path] = ChecksumEntry{
		Checksum:  checksum,
		Timestamp: time.Now().UTC(),
		FileSize:  stat.Size(),
	}
	ic.dirty = true

	return ic.persist()
}

// Verify reports whether checksum matches the stored value. A file with no
// entry is new and passes.
func (ic *IntegrityChecker) Verify(path string, checksum string) bool {
	ic.mu.RLock()
	defer ic.mu.RUnlock()

	entry, exists := ic.checksums[path]
	if !exists {
		return true
	}
	return entry.Checksum == checksum
}

// Entries returns a copy of the database.
func (ic *IntegrityChecker) Entries() map[string]ChecksumEntry {
	ic.mu.RLock()
	defer ic.mu.RUnlock()

	out := make(map[string]ChecksumEntry, len(ic.checksums))
	for k, v := range ic.checksums {
		out[k] = v
	}
	return out
}

// Remove drops the entry for a deleted file.
func (ic *IntegrityChecker) Remove(path string) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	if _, ok := ic.checksums[path]; !ok {
		return nil
	}
	delete(ic.checksums, path)
	ic.dirty = true

	return ic.persist()
}

// Close persists any pending changes.
func (ic *IntegrityChecker) Close() error {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	return ic.persist()
}

func (ic *IntegrityChecker) load() error {
	data, err := os.ReadFile(ic.dbPath)
	if err != nil {
		return fmt.Errorf("failed to read checksum database: %w", err)
	}

	if err := json.Unmarshal(data, &ic.checksums); err != nil {
		return fmt.Errorf("failed to unmarshal checksums: %w", err)
	}
	if ic.checksums == nil {
		ic.checksums = make(map[string]ChecksumEntry)
	}

	return nil
}

// persist must be called with mu held.
func (ic *IntegrityChecker) persist() error {
	if !ic.dirty {
		return nil
	}

	data, err := json.MarshalIndent(ic.checksums, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checksums: %w", err)
	}

	tempPath := ic.dbPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp checksum file: %w", err)
	}

	if err := os.Rename(tempPath, ic.dbPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename checksum file: %w", err)
	}

	ic.dirty = false
	return nil
}
