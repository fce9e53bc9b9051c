// Package audit keeps a durable, tamper-evident record of every ruleset
// change drfw makes.
package audit

import (
	"path/filepath"
	"time"
)

// EventType names an audited operation.
type EventType string

const (
	EventVerifyRules         EventType = "verify_rules"
	EventApplyRules          EventType = "apply_rules"
	EventRevertRules         EventType = "revert_rules"
	EventSaveSnapshot        EventType = "save_snapshot"
	EventRestoreSnapshot     EventType = "restore_snapshot"
	EventAutoRevertConfirmed EventType = "auto_revert_confirmed"
	EventAutoRevertTimedOut  EventType = "auto_revert_timed_out"
	EventElevationCancelled  EventType = "elevation_cancelled"
	EventElevationFailed     EventType = "elevation_failed"
)

// Event is one line of the audit log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	Success   bool           `json:"success"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Sink receives audit events. Implementations must not fail the caller:
// write errors are reported through the process log and dropped.
type Sink interface {
	Record(kind EventType, success bool, details map[string]any, err error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(EventType, bool, map[string]any, error) {}

// Stats holds audit logging statistics
type Stats struct {
	TotalEvents       uint64    `json:"total_events"`
	EventsLastRotate  uint64    `json:"events_last_rotate"`
	LastRotation      time.Time `json:"last_rotation"`
	CurrentFileSize   int64     `json:"current_file_size_bytes"`
	RotatedFiles      int       `json:"rotated_files"`
	FailedWrites      uint64    `json:"failed_writes"`
	ChecksumFailures  uint64    `json:"checksum_failures"`
	TrackedFiles      int       `json:"tracked_files"`
	LastChecksumCheck time.Time `json:"last_checksum_check"`
}

// Config holds audit logger configuration
type Config struct {
	// LogFilePath is the path to the audit log file
	LogFilePath string

	// MaxFileSizeKB is the size that triggers rotation
	MaxFileSizeKB int

	// RetainFiles is how many rotated logs to keep
	RetainFiles int

	// ChecksumDBPath is the path to the checksum database
	ChecksumDBPath string

	// FileMode is the permission mode for log files
	FileMode uint32

	// EnableCompression gzips rotated logs
	EnableCompression bool

	// BufferSize is the size of the write buffer in bytes
	BufferSize int
}

// DefaultConfig places the log and its checksum database in stateDir.
func DefaultConfig(stateDir string) Config {
	return Config{
		LogFilePath:       filepath.Join(stateDir, "audit.log"),
		MaxFileSizeKB:     1024,
		RetainFiles:       5,
		ChecksumDBPath:    filepath.Join(stateDir, "audit.checksums.json"),
		FileMode:          0600,
		EnableCompression: true,
		BufferSize:        4096,
	}
}
