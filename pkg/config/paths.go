package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "drfw"

// EnvStateDir overrides the state directory (snapshots, audit log, pending marker).
const EnvStateDir = "DRFW_STATE_DIR"

// StateDir resolves the private per-user state directory:
// $DRFW_STATE_DIR, then $XDG_STATE_HOME/drfw, then ~/.local/state/drfw.
func StateDir() (string, error) {
	if v := os.Getenv(EnvStateDir); v != "" {
		return filepath.Clean(v), nil
	}
	return xdgDir("XDG_STATE_HOME", ".local", "state")
}

// ProfilesDir resolves $XDG_DATA_HOME/drfw/profiles or ~/.local/share/drfw/profiles.
func ProfilesDir() (string, error) {
	base, err := xdgDir("XDG_DATA_HOME", ".local", "share")
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "profiles"), nil
}

// DefaultConfigPath returns the config file location. The file is optional.
func DefaultConfigPath() (string, error) {
	dir, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func xdgDir(env string, fallback ...string) (string, error) {
	if v := os.Getenv(env); v != "" && filepath.IsAbs(v) {
		return filepath.Join(v, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	parts := append([]string{home}, fallback...)
	return filepath.Join(append(parts, appName)...), nil
}

// EnsurePrivateDir creates dir with mode 0700 and tightens an existing
// directory that is more permissive.
func EnsurePrivateDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		if err := os.Chmod(dir, 0o700); err != nil {
			return fmt.Errorf("restricting %s: %w", dir, err)
		}
	}
	return nil
}
