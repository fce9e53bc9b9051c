package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ledati16/drfw/pkg/log"
)

// rotatedStamp sorts lexically in creation order.
const rotatedStamp = "20060102-150405.000000000"

// FileLogger writes events as fsynced JSON lines and rotates by size.
type FileLogger struct {
	config Config
	mu     sync.Mutex

	file   *os.File
	writer *bufio.Writer

	stats Stats

	integrity *IntegrityChecker

	closed bool
}

// NewLogger opens (or creates) the audit log. A live log whose checksum no
// longer matches the database is reported and counted, not refused.
func NewLogger(cfg Config) (*FileLogger, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("audit: invalid config: %w", err)
	}

	logDir := filepath.Dir(cfg.LogFilePath)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create log directory %s: %w", logDir, err)
	}
	checksumDir := filepath.Dir(cfg.ChecksumDBPath)
	if err := os.MkdirAll(checksumDir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create checksum directory %s: %w", checksumDir, err)
	}

	integrity, err := NewIntegrityChecker(cfg.ChecksumDBPath)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	logger := &FileLogger{
		config:    cfg,
		integrity: integrity,
		stats: Stats{
			LastRotation: time.Now(),
		},
	}

	if err := logger.verifyExistingLogs(); err != nil {
		log.Warn("audit log integrity check failed", "path", cfg.LogFilePath, "error", err)
		logger.stats.ChecksumFailures++
	}

	if err := logger.openLogFile(); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	return logger, nil
}

// Record implements Sink. Errors are logged and dropped.
func (l *FileLogger) Record(kind EventType, success bool, details map[string]any, err error) {
	event := Event{
		Timestamp: time.Now().UTC(),
		Type:      kind,
		Success:   success,
		Details:   details,
	}
	if err != nil {
		event.Error = err.Error()
	}
	if werr := l.Log(event); werr != nil {
		log.Warn("audit write failed", "event", kind, "error", werr)
	}
}

// Log writes a single event to persistent storage
func (l *FileLogger) Log(event Event) error {
	return l.LogBatch([]Event{event})
}

// LogBatch writes events as JSON lines and fsyncs once.
func (l *FileLogger) LogBatch(events []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("logger is closed")
	}

	if err := l.checkRotation(); err != nil {
		l.stats.FailedWrites++
		return fmt.Errorf("rotation check failed: %w", err)
	}

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			l.stats.FailedWrites++
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		data = append(data, '\n')
		if _, err := l.writer.Write(data); err != nil {
			l.stats.FailedWrites++
			return fmt.Errorf("failed to write event: %w", err)
		}

		l.stats.TotalEvents++
		l.stats.EventsLastRotate++
	}

	if err := l.writer.Flush(); err != nil {
		l.stats.FailedWrites++
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.stats.FailedWrites++
		return fmt.Errorf("failed to sync file: %w", err)
	}

	if stat, err := l.file.Stat(); err == nil {
		l.stats.CurrentFileSize = stat.Size()
	}

	return nil
}

// Verify checks the live log against its stored checksum. Checksums are
// stored on Close and rotation, so a log written since then reads as
// tampered until the logger is closed.
func (l *FileLogger) Verify() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return false, fmt.Errorf("failed to flush writer: %w", err)
	}

	checksum, err := calculateFileChecksum(l.config.LogFilePath)
	if err != nil {
		return false, fmt.Errorf("failed to calculate checksum: %w", err)
	}

	valid := l.integrity.Verify(l.config.LogFilePath, checksum)
	if !valid {
		l.stats.ChecksumFailures++
	}

	l.stats.LastChecksumCheck = time.Now()
	return valid, nil
}

// Rotate triggers manual log rotation
func (l *FileLogger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.performRotation()
}

// Close flushes the log and records its checksum.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.closeLogFile(); err != nil {
		return err
	}

	checksum, err := calculateFileChecksum(l.config.LogFilePath)
	if err == nil {
		if err := l.integrity.Store(l.config.LogFilePath, checksum); err != nil {
			return fmt.Errorf("failed to store checksum: %w", err)
		}
	}

	return l.integrity.Close()
}

// GetStats returns current logging statistics
func (l *FileLogger) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := l.stats
	stats.TrackedFiles = len(l.integrity.Entries())
	return stats
}

func (l *FileLogger) openLogFile() error {
	// #nosec G304 -- path comes from drfw's own state directory
	file, err := os.OpenFile(
		l.config.LogFilePath,
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		os.FileMode(l.config.FileMode),
	)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	l.file = file
	l.writer = bufio.NewWriterSize(file, l.config.BufferSize)

	if stat, err := file.Stat(); err == nil {
		l.stats.CurrentFileSize = stat.Size()
	}

	return nil
}

func (l *FileLogger) closeLogFile() error {
	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush writer: %w", err)
		}
		l.writer = nil
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync file: %w", err)
		}
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("failed to close file: %w", err)
		}
		l.file = nil
	}

	return nil
}

// checkRotation must be called with mu held.
func (l *FileLogger) checkRotation() error {
	if l.stats.CurrentFileSize < int64(l.config.MaxFileSizeKB)*1024 {
		return nil
	}
	return l.performRotation()
}

func (l *FileLogger) performRotation() error {
	if l.closed {
		return fmt.Errorf("logger is closed")
	}

	if err := l.closeLogFile(); err != nil {
		return fmt.Errorf("failed to close file for rotation: %w", err)
	}

	rotatedPath := l.config.LogFilePath + "." + time.Now().UTC().Format(rotatedStamp)
	if err := os.Rename(l.config.LogFilePath, rotatedPath); err != nil {
		_ = l.openLogFile()
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	if checksum, err := calculateFileChecksum(rotatedPath); err == nil {
		if err := l.integrity.Store(rotatedPath, checksum); err != nil {
			log.Warn("storing rotated log checksum failed", "path", rotatedPath, "error", err)
		}
	}
	_ = l.integrity.Remove(l.config.LogFilePath)

	if l.config.EnableCompression {
		l.compressRotated(rotatedPath)
	}

	if err := l.cleanupOldLogs(); err != nil {
		log.Warn("cleaning up old audit logs failed", "error", err)
	}

	if err := l.openLogFile(); err != nil {
		return fmt.Errorf("failed to open new log file after rotation: %w", err)
	}

	l.stats.LastRotation = time.Now()
	l.stats.EventsLastRotate = 0
	l.stats.RotatedFiles++

	return nil
}

// compressRotated gzips a rotated log and moves its checksum entry to the
// compressed file.
func (l *FileLogger) compressRotated(path string) {
	gzPath, err := compressFile(path)
	if err != nil {
		log.Warn("compressing rotated audit log failed", "path", path, "error", err)
		return
	}
	checksum, err := calculateFileChecksum(gzPath)
	if err != nil {
		log.Warn("checksumming compressed audit log failed", "path", gzPath, "error", err)
		return
	}
	if err := l.integrity.Store(gzPath, checksum); err != nil {
		log.Warn("storing compressed log checksum failed", "path", gzPath, "error", err)
	}
	_ = l.integrity.Remove(path)
}

// verifyExistingLogs checks the live log and every rotated log that has a
// stored checksum.
func (l *FileLogger) verifyExistingLogs() error {
	rotated, err := l.rotatedLogs()
	if err != nil {
		return err
	}
	var bad []string
	for _, path := range append(rotated, l.config.LogFilePath) {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		checksum, err := calculateFileChecksum(path)
		if err != nil {
			return fmt.Errorf("failed to calculate checksum: %w", err)
		}
		if !l.integrity.Verify(path, checksum) {
			bad = append(bad, filepath.Base(path))
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("checksum mismatch for %s", strings.Join(bad, ", "))
	}
	return nil
}

// rotatedLogs lists rotated logs, compressed or not, oldest first.
func (l *FileLogger) rotatedLogs() ([]string, error) {
	matches, err := filepath.Glob(l.config.LogFilePath + ".*")
	if err != nil {
		return nil, fmt.Errorf("failed to glob log files: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// cleanupOldLogs keeps the newest RetainFiles rotated logs.
func (l *FileLogger) cleanupOldLogs() error {
	matches, err := l.rotatedLogs()
	if err != nil {
		return err
	}
	stamps := make(map[string][]string)
	var order []string
	for _, m := range matches {
		key := strings.TrimSuffix(m, ".gz")
		if _, seen := stamps[key]; !seen {
			order = append(order, key)
		}
		stamps[key] = append(stamps[key], m)
	}
	for len(order) > l.config.RetainFiles {
		for _, path := range stamps[order[0]] {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Warn("removing old audit log failed", "path", path, "error", err)
			}
			_ = l.integrity.Remove(path)
		}
		order = order[1:]
	}
	return nil
}

// calculateFileChecksum calculates SHA-256 checksum of a file
func calculateFileChecksum(path string) (string, error) {
	// #nosec G304 -- path is the audit log or one of its rotations
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("failed to calculate hash: %w", err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

func validateConfig(cfg Config) error {
	if cfg.LogFilePath == "" {
		return fmt.Errorf("log file path is required")
	}
	if cfg.MaxFileSizeKB <= 0 {
		return fmt.Errorf("max file size must be positive")
	}
	if cfg.RetainFiles < 0 {
		return fmt.Errorf("retained file count must not be negative")
	}
	if cfg.ChecksumDBPath == "" {
		return fmt.Errorf("checksum db path is required")
	}
	if cfg.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}
	return nil
}
