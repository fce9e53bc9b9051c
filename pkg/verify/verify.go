// Package verify dry-runs a structured config with `nft --check` and turns
// the result into diagnostics. It never mutates the live table.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledati16/drfw/pkg/elevation"
	"github.com/ledati16/drfw/pkg/log"
	"github.com/ledati16/drfw/pkg/nft"
)

// DefaultTimeout bounds a check when no elevation prompt is involved.
const DefaultTimeout = 5 * time.Second

// ErrTimedOut is returned by Result.Err for a check that did not finish.
var ErrTimedOut = errors.New("verify: check timed out")

// Status is the outcome of a check.
type Status int

const (
	Passed Status = iota
	Failed
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	default:
		return "timed out"
	}
}

// Result carries the ordered diagnostics of a check.
type Result struct {
	Status   Status
	Messages []string
	Warnings []string
	Duration time.Duration
}

// Err is nil for Passed, *Error for Failed and ErrTimedOut for TimedOut.
func (r Result) Err() error {
	switch r.Status {
	case Passed:
		return nil
	case TimedOut:
		return ErrTimedOut
	default:
		return &Error{Messages: r.Messages}
	}
}

// Error reports a config nft rejected.
type Error struct {
	Messages []string
}

func (e *Error) Error() string {
	if len(e.Messages) == 0 {
		return "verify: config rejected"
	}
	return "verify: config rejected: " + strings.Join(e.Messages, "; ")
}

// Checker dry-runs a config. enforcer.Enforcer implements it.
type Checker interface {
	Check(ctx context.Context, cfg nft.Config, timeout time.Duration) (elevation.Outcome, error)
}

// Options configure a Verifier.
type Options struct {
	Timeout time.Duration
	// Elevate reports whether the check runs through an elevation broker.
	Elevate bool
	// ElevationTimeout is the broker's own bound, used as a floor when
	// Elevate is set so a password prompt is not cut short.
	ElevationTimeout time.Duration
}

// EffectiveTimeout is the bound a check actually runs under.
func (o Options) EffectiveTimeout() time.Duration {
	t := o.Timeout
	if t <= 0 {
		t = DefaultTimeout
	}
	if o.Elevate && o.ElevationTimeout > t {
		t = o.ElevationTimeout
	}
	return t
}

// Verifier runs checks.
type Verifier struct {
	checker Checker
	opts    Options
}

// New returns a Verifier using checker.
func New(checker Checker, opts Options) *Verifier {
	return &Verifier{checker: checker, opts: opts}
}

// Verify checks cfg. Elevation problems other than a timeout are returned as
// errors; a rejected config or a timeout is a Result.
func (v *Verifier) Verify(ctx context.Context, cfg nft.Config) (Result, error) {
	start := time.Now()
	if err := nft.Validate(cfg); err != nil {
		return Result{Status: Failed, Messages: []string{err.Error()}}, nil
	}

	timeout := v.opts.EffectiveTimeout()
	out, err := v.checker.Check(ctx, cfg, timeout)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, elevation.ErrTimedOut) {
			log.Warn("nft check timed out", "timeout", timeout)
			return Result{Status: TimedOut, Duration: elapsed}, nil
		}
		return Result{}, fmt.Errorf("verify: %w", err)
	}

	messages, warnings := ParseMessages(out.Stderr)
	res := Result{Warnings: warnings, Duration: elapsed}
	if out.Status == elevation.Succeeded {
		res.Status = Passed
		log.Debug("nft check passed", "duration", elapsed)
		return res, nil
	}

	res.Status = Failed
	res.Messages = messages
	if len(res.Messages) == 0 {
		res.Messages = []string{fmt.Sprintf("nft exited with status %d", out.ExitCode)}
	}
	log.Info("nft check rejected config", "errors", len(res.Messages))
	return res, nil
}

// ParseMessages extracts diagnostics from nft stderr. JSON error documents
// are read first; otherwise each non-empty line becomes one message with its
// "Error: " or "nft: " prefix removed. Caret underline lines are dropped and
// "Warning: " lines are returned separately.
func ParseMessages(stderr string) (messages, warnings []string) {
	var doc struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if trimmed := strings.TrimSpace(stderr); strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &doc) == nil && len(doc.Errors) > 0 {
		for _, e := range doc.Errors {
			if e.Message != "" {
				messages = append(messages, e.Message)
			}
		}
		return messages, nil
	}

	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Trim(line, "^~ ") == "" {
			continue
		}
		if i := strings.Index(line, "Warning: "); i >= 0 {
			warnings = append(warnings, line[i+len("Warning: "):])
			continue
		}
		if i := strings.Index(line, "Error: "); i >= 0 {
			line = line[i+len("Error: "):]
		}
		line = strings.TrimPrefix(line, "nft: ")
		messages = append(messages, line)
	}
	return messages, warnings
}
