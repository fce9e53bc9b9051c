package elevation

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// SystemProbe inspects the running process and host.
func SystemProbe() Probe {
	return Probe{
		IsRoot:             isRoot,
		StdinIsTerminal:    stdinIsTerminal,
		LookPath:           exec.LookPath,
		PolkitAgentRunning: polkitAgentRunning,
	}
}

// StdinIsTerminal reports whether standard input is a terminal.
func StdinIsTerminal() bool { return stdinIsTerminal() }

// polkitAgentRunning looks for a graphical polkit agent. The daemon and the
// text-mode agent do not count.
func polkitAgentRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "pgrep", "-a", "polkit").Output()
	if err != nil {
		return false
	}
	return agentInListing(string(out))
}

func agentInListing(listing string) bool {
	for _, line := range strings.Split(listing, "\n") {
		if line == "" || strings.Contains(line, "polkitd") || strings.Contains(line, "pkttyagent") {
			continue
		}
		return true
	}
	return false
}
