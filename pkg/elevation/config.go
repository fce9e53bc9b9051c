package elevation

import (
	"fmt"
	"os"
	"time"
)

const (
	// EnvNoElevation runs nft directly when set to a truthy value.
	EnvNoElevation = "DRFW_TEST_NO_ELEVATION"

	// EnvMethod forces direct, run0, sudo or pkexec.
	EnvMethod = "DRFW_ELEVATION_METHOD"

	// EnvTimeout overrides the per-invocation timeout (Go duration syntax).
	EnvTimeout = "DRFW_ELEVATION_TIMEOUT"

	// DefaultTimeout leaves room for a human to type a password.
	DefaultTimeout = 120 * time.Second
)

// Config controls how privileged nft invocations are launched.
type Config struct {
	// Method forces an elevation method. MethodAuto resolves per invocation.
	Method Method
	// Timeout bounds each invocation, including the time spent in a prompt.
	Timeout time.Duration
	// Binary is the nft executable handed to the broker.
	Binary string
	// WaitDelay is how long to wait for I/O after the process is killed.
	WaitDelay time.Duration
}

// DefaultConfig returns the auto-resolving configuration.
func DefaultConfig() Config {
	return Config{
		Method:    MethodAuto,
		Timeout:   DefaultTimeout,
		Binary:    "nft",
		WaitDelay: 2 * time.Second,
	}
}

// FromEnv builds a Config by applying environment overrides on top of defaults.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv(EnvMethod); v != "" {
		m, err := ParseMethod(v)
		if err != nil {
			return cfg, fmt.Errorf("elevation: %s: %w", EnvMethod, err)
		}
		cfg.Method = m
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("elevation: %s: %w", EnvTimeout, err)
		}
		cfg.Timeout = d
	}

	return cfg, nil
}

// SkipRequested reports whether the caller opted out of elevation.
func SkipRequested() bool {
	v := os.Getenv(EnvNoElevation)
	if v == "" {
		return false
	}

	switch v {
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return true
	}
}

// Validate ensures the configuration is usable before invoking anything.
func (c Config) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("elevation: nft binary must be specified")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("elevation: timeout must be positive, got %s", c.Timeout)
	}
	if c.Method < MethodAuto || c.Method > MethodPkexec {
		return fmt.Errorf("elevation: unknown method %d", c.Method)
	}
	return nil
}
