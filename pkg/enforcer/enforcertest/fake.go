// Package enforcertest provides an in-memory nft runner for tests. It keeps
// a simulated drfw table, records every invocation and can be told to fail.
package enforcertest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ledati16/drfw/pkg/elevation"
	"github.com/ledati16/drfw/pkg/nft"
)

// Call is one recorded invocation.
type Call struct {
	Args  []string
	Stdin []byte
}

// IsApply reports whether the call loaded a program.
func (c Call) IsApply() bool { return isApply(c.Args) }

// IsCheck reports whether the call was a dry run.
func (c Call) IsCheck() bool { return hasArg(c.Args, "--check") }

// Runner simulates nft. It implements enforcer.Runner.
type Runner struct {
	mu      sync.Mutex
	exists  bool
	objects []nft.Command
	handle  int
	calls   []Call
	applyQ  []elevation.Outcome
	checkQ  []elevation.Outcome
	block   chan struct{}
}

// New returns a runner with no drfw table.
func New() *Runner { return &Runner{} }

// FailApply makes the next apply return o instead of succeeding. Calls
// queue up.
func (r *Runner) FailApply(o elevation.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyQ = append(r.applyQ, o)
}

// FailCheck makes the next check return o.
func (r *Runner) FailCheck(o elevation.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkQ = append(r.checkQ, o)
}

// BlockChecks makes checks wait until the returned release func is called
// or their context ends.
func (r *Runner) BlockChecks() (release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.block = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Calls returns a copy of the recorded invocations.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Applies returns the stdin of every apply call, in order.
func (r *Runner) Applies() [][]byte {
	var out [][]byte
	for _, c := range r.Calls() {
		if c.IsApply() {
			out = append(out, c.Stdin)
		}
	}
	return out
}

// Load replaces the live table by applying cfg without recording a call.
func (r *Runner) Load(cfg nft.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load(cfg)
}

// Exists reports whether the simulated table exists.
func (r *Runner) Exists() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exists
}

// RuleCount is the number of rules in the simulated table.
func (r *Runner) RuleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.objects {
		if o.Kind == "rule" {
			n++
		}
	}
	return n
}

func (r *Runner) Invoke(ctx context.Context, args []string, stdin []byte, timeout time.Duration) elevation.Outcome {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Args: append([]string(nil), args...), Stdin: append([]byte(nil), stdin...)})
	block := r.block
	r.mu.Unlock()

	switch {
	case hasArg(args, "--check"):
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return elevation.Outcome{Status: elevation.TimedOut, Method: elevation.MethodDirect}
			}
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if o, ok := pop(&r.checkQ); ok {
			return o
		}
		if _, err := nft.Parse(stdin); err != nil {
			return elevation.Outcome{Status: elevation.OtherFailure, ExitCode: 1, Stderr: "Error: " + err.Error()}
		}
		return success()
	case isApply(args):
		r.mu.Lock()
		defer r.mu.Unlock()
		if o, ok := pop(&r.applyQ); ok {
			return o
		}
		cfg, err := nft.Parse(stdin)
		if err != nil {
			return elevation.Outcome{Status: elevation.OtherFailure, ExitCode: 1, Stderr: "Error: " + err.Error()}
		}
		r.load(cfg)
		return success()
	case hasArg(args, "list"):
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.exists {
			return elevation.Outcome{
				Status:   elevation.OtherFailure,
				ExitCode: 1,
				Stderr:   "Error: No such file or directory\nlist table inet drfw\n^^^^^^^^^^^^^^^^^^^^",
			}
		}
		out := success()
		out.Stdout = r.listing()
		return out
	}
	return elevation.Outcome{Status: elevation.OtherFailure, ExitCode: 1, Stderr: "unsupported invocation: " + strings.Join(args, " ")}
}

func success() elevation.Outcome {
	return elevation.Outcome{Status: elevation.Succeeded, Method: elevation.MethodDirect}
}

func pop(q *[]elevation.Outcome) (elevation.Outcome, bool) {
	if len(*q) == 0 {
		return elevation.Outcome{}, false
	}
	o := (*q)[0]
	*q = (*q)[1:]
	return o, true
}

// load must be called with mu held.
func (r *Runner) load(cfg nft.Config) {
	for _, cmd := range cfg.Nftables {
		switch {
		case cmd.Verb == "add" && cmd.Kind == "table":
			r.exists = true
		case cmd.Verb == "flush" && cmd.Kind == "table":
			r.objects = nil
		case cmd.Verb == "delete" && cmd.Kind == "table":
			r.exists = false
			r.objects = nil
		case cmd.Verb == "add":
			r.exists = true
			r.objects = append(r.objects, cmd.Clone())
		}
	}
}

// listing renders the table the way `nft --json list table` does: no verbs,
// a metainfo header and handles on every object.
func (r *Runner) listing() []byte {
	items := []any{
		map[string]any{"metainfo": map[string]any{"version": "1.0.9", "release_name": "Old Doc Yak #3", "json_schema_version": 1}},
	}
	r.handle++
	items = append(items, map[string]any{"table": map[string]any{"family": nft.Family, "name": nft.Table, "handle": r.handle}})
	for _, o := range r.objects {
		r.handle++
		body := make(map[string]any, len(o.Body)+1)
		for k, v := range o.Body {
			body[k] = v
		}
		body["handle"] = r.handle
		items = append(items, map[string]any{o.Kind: body})
	}
	data, _ := json.Marshal(map[string]any{"nftables": items})
	return data
}

func isApply(args []string) bool {
	return hasArg(args, "-f") && !hasArg(args, "--check")
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
