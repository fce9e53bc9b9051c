package cmd

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	ExitOK              = 0
	ExitGeneric         = 1
	ExitVerifyFailed    = 2
	ExitApplyFailed     = 3
	ExitElevationFailed = 4
	ExitRevertExhausted = 5
	ExitReverted        = 6
)

// ExitError carries the exit code for a command failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitGeneric
}
