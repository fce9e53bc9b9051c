//go:build !unix

package cmd

import "os"

var confirmSignals []os.Signal

func isConfirmSignal(os.Signal) bool { return false }
