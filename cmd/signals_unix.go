//go:build unix

package cmd

import (
	"os"
	"syscall"
)

// confirmSignals confirm a pending apply from another shell.
var confirmSignals = []os.Signal{syscall.SIGUSR1}

func isConfirmSignal(sig os.Signal) bool { return sig == syscall.SIGUSR1 }
