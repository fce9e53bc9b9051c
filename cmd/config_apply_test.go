package cmd

import (
	"os"
	"testing"
	"time"

	appconfig "github.com/ledati16/drfw/pkg/config"
	"github.com/ledati16/drfw/pkg/elevation"
	"github.com/ledati16/drfw/pkg/log"
	"github.com/spf13/cobra"
)

func applyTestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apply"}
	cmd.Flags().IntVar(&confirmSeconds, "confirm", 15, "")
	cmd.Flags().BoolVar(&review, "review", false, "")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "")
	cmd.Flags().StringVar(&profilesDir, "profiles-dir", "", "")
	return cmd
}

func TestApplyConfig_ApplyDefaults(t *testing.T) {
	confirmSeconds, review, metricsAddr, profilesDir = 15, false, "", ""

	seconds := 45
	trueVal := true
	addr := "127.0.0.1:9191"
	dir := "/srv/drfw/profiles"
	cfg := &appconfig.Config{
		Apply:    appconfig.ApplyConfig{ConfirmSeconds: &seconds, Review: &trueVal},
		Metrics:  appconfig.MetricsConfig{Addr: &addr},
		Profiles: appconfig.ProfilesConfig{Dir: &dir},
	}

	applyConfig(applyTestCmd(), cfg)

	if confirmSeconds != 45 {
		t.Fatalf("expected confirmSeconds from config, got %d", confirmSeconds)
	}
	if !review {
		t.Fatalf("expected review to be set from config")
	}
	if metricsAddr != addr {
		t.Fatalf("expected metricsAddr from config, got %q", metricsAddr)
	}
	if profilesDir != dir {
		t.Fatalf("expected profilesDir from config, got %q", profilesDir)
	}
}

func TestApplyConfig_DoesNotOverrideChangedFlags(t *testing.T) {
	confirmSeconds = 15

	cmd := applyTestCmd()
	if err := cmd.Flags().Set("confirm", "90"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	seconds := 45
	applyConfig(cmd, &appconfig.Config{Apply: appconfig.ApplyConfig{ConfirmSeconds: &seconds}})

	if confirmSeconds != 90 {
		t.Fatalf("expected confirmSeconds to keep CLI value, got %d", confirmSeconds)
	}
}

func TestApplyConfig_SkipsFlagsTheCommandLacks(t *testing.T) {
	confirmSeconds = 15

	seconds := 45
	applyConfig(&cobra.Command{Use: "snapshots"}, &appconfig.Config{Apply: appconfig.ApplyConfig{ConfirmSeconds: &seconds}})

	if confirmSeconds != 15 {
		t.Fatalf("expected confirmSeconds untouched for a command without --confirm, got %d", confirmSeconds)
	}
}

func TestApplyConfig_FileOnlySettings(t *testing.T) {
	t.Cleanup(func() {
		verifyTimeout, verifyElevate, snapshotFallbacks, auditEnabled = 0, true, 0, true
	})

	timeout := 7 * time.Second
	falseVal := false
	zero := 0
	cfg := &appconfig.Config{
		Verify:   appconfig.VerifyConfig{Timeout: &timeout, Elevate: &falseVal},
		Snapshot: appconfig.SnapshotConfig{Fallbacks: &zero},
		Audit:    appconfig.AuditConfig{Enabled: &falseVal},
	}
	applyConfig(&cobra.Command{Use: "check"}, cfg)

	tests := []struct {
		name string
		ok   bool
	}{
		{"verify timeout", verifyTimeout == 7*time.Second},
		{"verify elevate", !verifyElevate},
		{"zero fallbacks means none", snapshotFallbacks < 0},
		{"audit disabled", !auditEnabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.ok {
				t.Fatalf("expected %s to be taken from config", tt.name)
			}
		})
	}
}

func TestApplyConfig_ElevationGoesThroughEnv(t *testing.T) {
	t.Setenv(elevation.EnvMethod, "")
	t.Setenv(elevation.EnvTimeout, "")

	method := "sudo"
	timeout := 30 * time.Second
	applyConfig(&cobra.Command{Use: "apply"}, &appconfig.Config{
		Elevation: appconfig.ElevationConfig{Method: &method, Timeout: &timeout},
	})

	elevCfg, err := elevation.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() failed: %v", err)
	}
	if elevCfg.Method != elevation.MethodSudo {
		t.Fatalf("expected sudo from config, got %s", elevCfg.Method)
	}
	if elevCfg.Timeout != timeout {
		t.Fatalf("expected timeout %v from config, got %v", timeout, elevCfg.Timeout)
	}
}

func TestApplyConfig_DoesNotOverrideSetEnv(t *testing.T) {
	t.Setenv(elevation.EnvMethod, "pkexec")

	method := "sudo"
	applyConfig(&cobra.Command{Use: "apply"}, &appconfig.Config{Elevation: appconfig.ElevationConfig{Method: &method}})

	if got := os.Getenv(elevation.EnvMethod); got != "pkexec" {
		t.Fatalf("expected env to win over config, got %q", got)
	}
}

func TestPersistentPreRunValidatesLogSettings(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Cleanup(func() {
		logLevel, logFormat, verbose, configFile = "info", "", false, ""
		log.SetLevel("info")
		log.SetFormat("text")
	})

	tests := []struct {
		name      string
		level     string
		format    string
		expectErr bool
	}{
		{"defaults", "info", "", false},
		{"json format", "warn", "json", false},
		{"unknown level", "loud", "", true},
		{"unknown format", "info", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logLevel, logFormat, verbose, configFile = tt.level, tt.format, false, ""
			err := rootCmd.PersistentPreRunE(presetsCmd, nil)
			if tt.expectErr && err == nil {
				t.Fatal("expected an error")
			}
			if !tt.expectErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPersistentPreRunLoadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	if err := os.WriteFile(path, []byte("log:\n  level: warn\nsnapshot:\n  keep: 9\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Cleanup(func() {
		logLevel, configFile, snapshotKeep = "info", "", 0
		log.SetLevel("info")
	})

	configFile, logLevel = path, "info"
	if err := rootCmd.PersistentPreRunE(presetsCmd, nil); err != nil {
		t.Fatalf("PersistentPreRunE() failed: %v", err)
	}
	if logLevel != "warn" || snapshotKeep != 9 {
		t.Fatalf("expected config values, got level %q keep %d", logLevel, snapshotKeep)
	}

	configFile = dir + "/missing.yaml"
	if err := rootCmd.PersistentPreRunE(presetsCmd, nil); err == nil {
		t.Fatal("expected an error for a missing --config file")
	}
}
