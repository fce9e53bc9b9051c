package elevation

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCancelled   = errors.New("elevation: authentication cancelled")
	ErrAuthFailed  = errors.New("elevation: authentication failed")
	ErrToolMissing = errors.New("elevation: required tool not found")
	ErrTimedOut    = errors.New("elevation: timed out")
	ErrFailed      = errors.New("elevation: command failed")
)

// Error is a non-successful invocation outcome.
type Error struct {
	Kind     Status
	Method   Method
	ExitCode int
	Stderr   string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("elevation: %s via %s", e.Kind, e.Method)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrCancelled:
		return e.Kind == Cancelled
	case ErrAuthFailed:
		return e.Kind == AuthFailed
	case ErrToolMissing:
		return e.Kind == ToolMissing
	case ErrTimedOut:
		return e.Kind == TimedOut
	case ErrFailed:
		return e.Kind == OtherFailure
	}
	return false
}

// IsAuthProblem reports whether err came from the broker rather than from
// the command it launched: a cancelled or failed prompt, or a missing tool.
func IsAuthProblem(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrToolMissing)
}
