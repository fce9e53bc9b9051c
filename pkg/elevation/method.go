// Package elevation runs nft with the privileges it needs while drfw itself
// stays unprivileged, through run0, sudo or pkexec.
package elevation

import (
	"fmt"
	"strings"

	"github.com/ledati16/drfw/pkg/log"
)

// Method is how a privileged command is launched.
type Method int

const (
	// MethodAuto is only valid in Config; Resolve never returns it.
	MethodAuto Method = iota
	MethodDirect
	MethodRun0
	MethodSudo
	MethodPkexec
)

func (m Method) String() string {
	switch m {
	case MethodAuto:
		return "auto"
	case MethodDirect:
		return "direct"
	case MethodRun0:
		return "run0"
	case MethodSudo:
		return "sudo"
	case MethodPkexec:
		return "pkexec"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ParseMethod accepts the names printed by String.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return MethodAuto, nil
	case "direct", "none":
		return MethodDirect, nil
	case "run0":
		return MethodRun0, nil
	case "sudo":
		return MethodSudo, nil
	case "pkexec":
		return MethodPkexec, nil
	default:
		return MethodAuto, fmt.Errorf("unknown elevation method %q", s)
	}
}

// Argv builds the argument vector that runs binary with args under m.
func (m Method) Argv(binary string, args []string) []string {
	out := make([]string, 0, len(args)+2)
	switch m {
	case MethodRun0:
		out = append(out, "run0")
	case MethodSudo:
		out = append(out, "sudo")
	case MethodPkexec:
		out = append(out, "pkexec")
	}
	out = append(out, binary)
	return append(out, args...)
}

// Probe reports facts about the environment that drive Resolve.
type Probe struct {
	IsRoot             func() bool
	StdinIsTerminal    func() bool
	LookPath           func(string) (string, error)
	PolkitAgentRunning func() bool
}

// Resolve picks the launch method: a forced method wins, then direct for
// root or when elevation is skipped, then run0, sudo on a terminal, and
// pkexec as the graphical fallback.
func Resolve(cfg Config, p Probe) (Method, error) {
	if cfg.Method != MethodAuto {
		return cfg.Method, nil
	}
	if SkipRequested() || p.IsRoot() {
		return MethodDirect, nil
	}
	if _, err := p.LookPath("run0"); err == nil {
		return MethodRun0, nil
	}
	if p.StdinIsTerminal() {
		return MethodSudo, nil
	}
	if _, err := p.LookPath("pkexec"); err != nil {
		return MethodPkexec, &Error{Kind: ToolMissing, Method: MethodPkexec, Stderr: "pkexec not found, install polkit"}
	}
	if p.PolkitAgentRunning != nil && !p.PolkitAgentRunning() {
		log.Warn("no polkit authentication agent detected, pkexec may fail to prompt")
	}
	return MethodPkexec, nil
}
