package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy rejects an Apply while another one is in progress.
	ErrBusy = errors.New("engine: an apply is already in progress")
	// ErrNotPending rejects Confirm and RevertNow outside the countdown.
	ErrNotPending = errors.New("engine: no apply is awaiting confirmation")
	// ErrNotAwaiting rejects Proceed and Cancel outside review.
	ErrNotAwaiting = errors.New("engine: no apply is awaiting review")
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("engine: stopped")
)

// ApplyError wraps the failure of the nft apply itself.
type ApplyError struct {
	Err error
}

func (e *ApplyError) Error() string { return fmt.Sprintf("engine: apply failed: %v", e.Err) }

func (e *ApplyError) Unwrap() error { return e.Err }
