package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStateDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	t.Run("override", func(t *testing.T) {
		t.Setenv(EnvStateDir, "/srv/drfw/state/")
		t.Setenv("XDG_STATE_HOME", "/xdg/state")
		got, err := StateDir()
		if err != nil {
			t.Fatalf("StateDir: %v", err)
		}
		if got != "/srv/drfw/state" {
			t.Errorf("StateDir() = %q, want /srv/drfw/state", got)
		}
	})

	t.Run("xdg", func(t *testing.T) {
		t.Setenv(EnvStateDir, "")
		t.Setenv("XDG_STATE_HOME", "/xdg/state")
		got, _ := StateDir()
		if got != "/xdg/state/drfw" {
			t.Errorf("StateDir() = %q, want /xdg/state/drfw", got)
		}
	})

	t.Run("relative xdg ignored", func(t *testing.T) {
		t.Setenv(EnvStateDir, "")
		t.Setenv("XDG_STATE_HOME", "relative/state")
		got, _ := StateDir()
		want := filepath.Join(home, ".local", "state", "drfw")
		if got != want {
			t.Errorf("StateDir() = %q, want %q", got, want)
		}
	})
}

func TestProfilesDirAndConfigPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_CONFIG_HOME", "")

	got, err := ProfilesDir()
	if err != nil {
		t.Fatalf("ProfilesDir: %v", err)
	}
	if want := filepath.Join(home, ".local", "share", "drfw", "profiles"); got != want {
		t.Errorf("ProfilesDir() = %q, want %q", got, want)
	}

	cfgPath, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("DefaultConfigPath: %v", err)
	}
	if want := filepath.Join(home, ".config", "drfw", "config.yaml"); cfgPath != want {
		t.Errorf("DefaultConfigPath() = %q, want %q", cfgPath, want)
	}
}

func TestEnsurePrivateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "drfw")
	if err := EnsurePrivateDir(dir); err != nil {
		t.Fatalf("EnsurePrivateDir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("mode = %o, want 700", perm)
	}

	if err := os.Chmod(dir, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := EnsurePrivateDir(dir); err != nil {
		t.Fatalf("EnsurePrivateDir (existing): %v", err)
	}
	info, _ = os.Stat(dir)
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("mode after tighten = %o, want 700", perm)
	}
}
