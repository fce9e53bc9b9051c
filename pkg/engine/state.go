package engine

import (
	"time"

	"github.com/ledati16/drfw/pkg/snapshot"
)

// Kind enumerates engine states.
type Kind int

const (
	StateIdle Kind = iota
	StateVerifying
	StateAwaitingApply
	StateApplying
	StatePendingConfirmation
	StateConfirmed
	StateReverting
	StateFailed
)

func (k Kind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateVerifying:
		return "verifying"
	case StateAwaitingApply:
		return "awaiting_apply"
	case StateApplying:
		return "applying"
	case StatePendingConfirmation:
		return "pending_confirmation"
	case StateConfirmed:
		return "confirmed"
	case StateReverting:
		return "reverting"
	default:
		return "failed"
	}
}

// Reason classifies a Failed state.
type Reason string

const (
	ReasonVerification    Reason = "verification"
	ReasonElevation       Reason = "elevation"
	ReasonSnapshot        Reason = "snapshot"
	ReasonRevertExhausted Reason = "revert_exhausted"
)

// State is a copy of the engine state. Deadline and Snapshot are set only
// in PendingConfirmation; Reason and Err only in Failed.
type State struct {
	Kind     Kind
	Deadline time.Time
	Snapshot *snapshot.Snapshot
	Reason   Reason
	Err      error
}

func (s State) String() string {
	if s.Kind == StateFailed && s.Reason != "" {
		return s.Kind.String() + "(" + string(s.Reason) + ")"
	}
	return s.Kind.String()
}
