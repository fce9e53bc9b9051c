package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ledati16/drfw/pkg/config"
	"github.com/ledati16/drfw/pkg/elevation"
	"github.com/ledati16/drfw/pkg/log"
	"github.com/spf13/cobra"
)

var (
	configFile  string
	verbose     bool
	logLevel    string
	logFormat   string
	profilesDir string
	stateDir    string
)

// Settings that only come from the config file.
var (
	verifyTimeout     time.Duration
	verifyElevate     = true
	snapshotKeep      int
	snapshotFallbacks int
	auditEnabled      = true
	auditPath         string
	auditMaxFileKB    int
	auditCompress     = true
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "drfw",
	Short: "Atomic nftables firewall apply with automatic rollback",
	Long: `drfw: dead-man-switch firewall management for nftables

Rule profiles are compiled into a single nft JSON program for the inet drfw
table, checked with nft, and applied atomically. Every apply is preceded by a
snapshot of the live table and followed by a confirmation countdown: if the
change is not confirmed in time the snapshot is restored.

Features:
  * Verification with nft --check before anything changes
  * Snapshot store with checksum validation and fallback restore
  * Privilege elevation via run0, sudo or pkexec
  * Audit log and Prometheus metrics`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyConfig(cmd, cfg)

		if verbose {
			logLevel = "debug"
		}
		if !log.SetLevel(logLevel) {
			return fmt.Errorf("invalid log level: %s (use debug, info, warn, error)", logLevel)
		}
		if logFormat != "" && !log.SetFormat(logFormat) {
			return fmt.Errorf("invalid log format: %s (use text, json)", logFormat)
		}
		return nil
	},
}

// loadConfig reads --config, or the default config file when it exists.
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		def, err := config.DefaultConfigPath()
		if err != nil {
			return nil, nil
		}
		if _, err := os.Stat(def); errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		path = def
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	log.Debug("loaded config", "path", path)
	return cfg, nil
}

// applyConfig layers the config file under explicitly set flags. Elevation
// settings go through the environment so elevation.FromEnv sees them; a
// value already in the environment wins.
func applyConfig(cmd *cobra.Command, cfg *config.Config) {
	if cfg == nil {
		return
	}

	if cfg.Log.Level != nil && !flagChanged(cmd, "log-level") {
		logLevel = *cfg.Log.Level
	}
	if cfg.Log.Format != nil {
		logFormat = *cfg.Log.Format
	}
	if cfg.Profiles.Dir != nil && !flagChanged(cmd, "profiles-dir") {
		profilesDir = *cfg.Profiles.Dir
	}
	if cfg.Snapshot.Dir != nil && !flagChanged(cmd, "state-dir") {
		stateDir = *cfg.Snapshot.Dir
	}

	if cfg.Apply.ConfirmSeconds != nil && flagExists(cmd, "confirm") && !flagChanged(cmd, "confirm") {
		confirmSeconds = *cfg.Apply.ConfirmSeconds
	}
	if cfg.Apply.Review != nil && flagExists(cmd, "review") && !flagChanged(cmd, "review") {
		review = *cfg.Apply.Review
	}
	if cfg.Metrics.Addr != nil && flagExists(cmd, "metrics-addr") && !flagChanged(cmd, "metrics-addr") {
		metricsAddr = *cfg.Metrics.Addr
	}
	if cfg.Metrics.Path != nil && flagExists(cmd, "metrics-path") && !flagChanged(cmd, "metrics-path") {
		metricsPath = *cfg.Metrics.Path
	}

	if cfg.Verify.Timeout != nil {
		verifyTimeout = *cfg.Verify.Timeout
	}
	if cfg.Verify.Elevate != nil {
		verifyElevate = *cfg.Verify.Elevate
	}
	if cfg.Snapshot.Keep != nil {
		snapshotKeep = *cfg.Snapshot.Keep
	}
	if cfg.Snapshot.Fallbacks != nil {
		snapshotFallbacks = *cfg.Snapshot.Fallbacks
		if snapshotFallbacks == 0 {
			snapshotFallbacks = -1
		}
	}
	if cfg.Audit.Enabled != nil {
		auditEnabled = *cfg.Audit.Enabled
	}
	if cfg.Audit.Path != nil {
		auditPath = *cfg.Audit.Path
	}
	if cfg.Audit.MaxFileSizeKB != nil {
		auditMaxFileKB = *cfg.Audit.MaxFileSizeKB
	}
	if cfg.Audit.Compress != nil {
		auditCompress = *cfg.Audit.Compress
	}

	if cfg.Elevation.Method != nil && *cfg.Elevation.Method != "" {
		setEnvDefault(elevation.EnvMethod, *cfg.Elevation.Method)
	}
	if cfg.Elevation.Timeout != nil {
		setEnvDefault(elevation.EnvTimeout, cfg.Elevation.Timeout.String())
	}
}

func setEnvDefault(key, value string) {
	if os.Getenv(key) != "" {
		return
	}
	if err := os.Setenv(key, value); err != nil {
		log.Warn("failed to set environment variable", "key", key, "error", err)
	}
}

func flagExists(cmd *cobra.Command, name string) bool {
	return cmd.Flag(name) != nil
}

func flagChanged(cmd *cobra.Command, name string) bool {
	f := cmd.Flag(name)
	return f != nil && f.Changed
}

// Execute adds all child commands to the root command and exits with the
// code matching the returned error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to global config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (alias for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&profilesDir, "profiles-dir", "", "directory holding rule profiles (default $XDG_DATA_HOME/drfw/profiles)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "directory for snapshots and the audit log (default $XDG_STATE_HOME/drfw)")
}
