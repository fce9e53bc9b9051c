package snapshot

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an unusable snapshot.
type ErrorKind int

const (
	Corrupted ErrorKind = iota
	ChecksumMismatch
	NotFound
	Empty
)

func (k ErrorKind) String() string {
	switch k {
	case Corrupted:
		return "corrupted"
	case ChecksumMismatch:
		return "checksum mismatch"
	case NotFound:
		return "not found"
	default:
		return "empty"
	}
}

var (
	ErrCorrupted        = errors.New("snapshot: corrupted")
	ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")
	ErrNotFound         = errors.New("snapshot: not found")
	ErrEmpty            = errors.New("snapshot: empty")

	// ErrRevertExhausted means every restore source, the emergency config
	// included, failed to apply.
	ErrRevertExhausted = errors.New("snapshot: all restore attempts failed")
)

// Error reports why a snapshot cannot be used.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := "snapshot: " + e.Kind.String()
	if e.Path != "" {
		msg += fmt.Sprintf(" (%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrCorrupted:
		return e.Kind == Corrupted
	case ErrChecksumMismatch:
		return e.Kind == ChecksumMismatch
	case ErrNotFound:
		return e.Kind == NotFound
	case ErrEmpty:
		return e.Kind == Empty
	}
	return false
}
