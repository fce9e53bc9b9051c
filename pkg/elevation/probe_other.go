//go:build !linux

package elevation

import "os"

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func isRoot() bool { return os.Geteuid() == 0 }
