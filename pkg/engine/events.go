package engine

import (
	"time"

	"github.com/ledati16/drfw/pkg/snapshot"
	"github.com/ledati16/drfw/pkg/verify"
)

// ManualRecovery are the commands an operator can run when drfw could not
// restore the firewall itself.
var ManualRecovery = []string{
	"sudo nft flush table inet drfw",
	"drfw restore",
}

// Event is emitted on the engine's event channel.
type Event interface {
	event()
}

// StateChanged is emitted on every transition.
type StateChanged struct {
	From State
	To   State
}

// VerifyCompleted carries the nft check result. Warnings holds rule
// validation warnings followed by nft's own.
type VerifyCompleted struct {
	Result   verify.Result
	Warnings []string
}

// SnapshotCaptured is emitted once the pre-apply recovery point is on disk.
type SnapshotCaptured struct {
	Snapshot snapshot.Snapshot
}

// Applied is emitted after nft loaded the new ruleset. Deadline is zero
// when no confirmation is required.
type Applied struct {
	Rules    int
	Checksum string
	Deadline time.Time
}

// CountdownTick reports the time left to confirm.
type CountdownTick struct {
	Remaining time.Duration
}

// Confirmed is emitted when the operator kept the new ruleset.
type Confirmed struct{}

// RevertReason says what triggered a restore.
type RevertReason string

const (
	RevertTimeout     RevertReason = "timeout"
	RevertOperator    RevertReason = "operator"
	RevertApplyFailed RevertReason = "apply_failed"
	RevertShutdown    RevertReason = "shutdown"
)

// Reverted is emitted when a restore succeeded. ApplyErr is set when the
// restore followed a failed apply.
type Reverted struct {
	Reason   RevertReason
	Outcome  snapshot.RevertOutcome
	ApplyErr error
}

// Failed is emitted before the engine returns to Idle after a failure.
type Failed struct {
	Reason         Reason
	Err            error
	ManualRecovery []string
}

func (StateChanged) event()     {}
func (VerifyCompleted) event()  {}
func (SnapshotCaptured) event() {}
func (Applied) event()          {}
func (CountdownTick) event()    {}
func (Confirmed) event()        {}
func (Reverted) event()         {}
func (Failed) event()           {}
