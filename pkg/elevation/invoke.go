package elevation

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"github.com/ledati16/drfw/pkg/log"
)

// Status is the closed set of invocation results.
type Status int

const (
	Succeeded Status = iota
	Cancelled
	AuthFailed
	ToolMissing
	TimedOut
	OtherFailure
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Cancelled:
		return "cancelled"
	case AuthFailed:
		return "authentication failed"
	case ToolMissing:
		return "tool missing"
	case TimedOut:
		return "timed out"
	default:
		return "failed"
	}
}

// Outcome is the result of one Invoke.
type Outcome struct {
	Status   Status
	Method   Method
	ExitCode int
	Stdout   []byte
	Stderr   string
	Duration time.Duration
}

// Err converts a non-success outcome into an *Error.
func (o Outcome) Err() error {
	if o.Status == Succeeded {
		return nil
	}
	return &Error{Kind: o.Status, Method: o.Method, ExitCode: o.ExitCode, Stderr: o.Stderr}
}

var (
	cancelPatterns = []string{"dismissed", "cancelled", "canceled"}
	authPatterns   = []string{
		"permission denied",
		"incorrect password",
		"not authorized",
		"access denied",
		"authentication",
	}
)

// classify maps a nonzero exit onto a Status. pkexec reserves 126 for a
// dismissed dialog and 127 for a refused authorization.
func classify(m Method, code int, stderr string) Status {
	if m == MethodPkexec {
		switch code {
		case 126:
			return Cancelled
		case 127:
			return AuthFailed
		}
	}
	if m == MethodDirect {
		return OtherFailure
	}
	lower := strings.ToLower(stderr)
	for _, p := range cancelPatterns {
		if strings.Contains(lower, p) {
			return Cancelled
		}
	}
	for _, p := range authPatterns {
		if strings.Contains(lower, p) {
			return AuthFailed
		}
	}
	return OtherFailure
}

// Invoker launches nft under the resolved elevation method.
type Invoker struct {
	cfg   Config
	probe Probe
}

// NewInvoker returns an Invoker using cfg and the environment probe p.
func NewInvoker(cfg Config, p Probe) *Invoker {
	return &Invoker{cfg: cfg, probe: p}
}

// Direct returns an invoker that runs nft without any broker, keeping the
// binary and timeouts of i.
func (i *Invoker) Direct() *Invoker {
	cfg := i.cfg
	cfg.Method = MethodDirect
	return &Invoker{cfg: cfg, probe: i.probe}
}

// Invoke runs nft with args, feeding stdin. The argument vector is handed to
// exec directly; no shell is involved. A zero timeout uses the configured one.
func (i *Invoker) Invoke(ctx context.Context, args []string, stdin []byte, timeout time.Duration) Outcome {
	method, err := Resolve(i.cfg, i.probe)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return Outcome{Status: e.Kind, Method: method, Stderr: e.Stderr}
		}
		return Outcome{Status: OtherFailure, Method: method, Stderr: err.Error()}
	}
	if timeout <= 0 {
		timeout = i.cfg.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := method.Argv(i.cfg.Binary, args)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) // #nosec G204 -- fixed binary, args built internally
	cmd.WaitDelay = i.cfg.WaitDelay
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug("invoking nft", "method", method, "args", strings.Join(args, " "), "timeout", timeout)
	start := time.Now()
	runErr := cmd.Run()
	out := Outcome{
		Method:   method,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		out.Status = Succeeded
	case errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, fs.ErrNotExist):
		out.Status = ToolMissing
		out.Stderr = runErr.Error()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.Status = TimedOut
	case errors.As(runErr, &exitErr):
		out.ExitCode = exitErr.ExitCode()
		out.Status = classify(method, out.ExitCode, out.Stderr)
	default:
		out.Status = OtherFailure
		if out.Stderr == "" {
			out.Stderr = runErr.Error()
		}
	}

	if out.Status != Succeeded {
		log.Debug("nft invocation failed", "method", method, "status", out.Status, "exit", out.ExitCode)
	}
	return out
}
