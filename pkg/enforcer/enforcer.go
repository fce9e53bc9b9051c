// Package enforcer is the nftables backend: it checks, applies and lists the
// drfw table by running nft through the elevation layer.
package enforcer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/ledati16/drfw/pkg/elevation"
	"github.com/ledati16/drfw/pkg/log"
	"github.com/ledati16/drfw/pkg/nft"
)

var (
	// ErrTableMissing is returned by List when inet drfw does not exist.
	ErrTableMissing = errors.New("enforcer: table inet drfw does not exist")
	// ErrUnsupported is returned on platforms without nftables.
	ErrUnsupported = errors.New("enforcer: nftables requires Linux")
)

// Runner launches nft with optional stdin. *elevation.Invoker implements it.
type Runner interface {
	Invoke(ctx context.Context, args []string, stdin []byte, timeout time.Duration) elevation.Outcome
}

// Enforcer applies and inspects the drfw table.
type Enforcer interface {
	// Check dry-runs cfg. A rejected config is a non-success outcome, not an error.
	Check(ctx context.Context, cfg nft.Config, timeout time.Duration) (elevation.Outcome, error)

	// Apply loads cfg atomically.
	Apply(ctx context.Context, cfg nft.Config) error

	// List returns the live table as nft listing output.
	List(ctx context.Context) (nft.Config, error)
}

var (
	checkArgs = []string{"--json", "--check", "-f", "-"}
	applyArgs = []string{"--json", "-f", "-"}
	listArgs  = []string{"--json", "list", "table", nft.Family, nft.Table}
)

// NewEnforcer creates an OS-appropriate enforcer.
func NewEnforcer(r Runner) (Enforcer, error) {
	switch runtime.GOOS {
	case "linux":
		return NewNFT(r), nil
	default:
		return nil, fmt.Errorf("%w (running on %s)", ErrUnsupported, runtime.GOOS)
	}
}

// NFT drives nft's JSON interface. All payloads go through stdin.
type NFT struct {
	runner Runner
}

// NewNFT returns an enforcer using r.
func NewNFT(r Runner) *NFT {
	return &NFT{runner: r}
}

func (e *NFT) Check(ctx context.Context, cfg nft.Config, timeout time.Duration) (elevation.Outcome, error) {
	payload, err := cfg.Marshal()
	if err != nil {
		return elevation.Outcome{}, fmt.Errorf("enforcer: encode config: %w", err)
	}
	out := e.runner.Invoke(ctx, checkArgs, payload, timeout)
	switch out.Status {
	case elevation.Succeeded, elevation.OtherFailure:
		return out, nil
	default:
		return out, out.Err()
	}
}

func (e *NFT) Apply(ctx context.Context, cfg nft.Config) error {
	payload, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("enforcer: encode config: %w", err)
	}
	out := e.runner.Invoke(ctx, applyArgs, payload, 0)
	if out.Status != elevation.Succeeded {
		return fmt.Errorf("enforcer: apply: %w", out.Err())
	}
	log.Debug("nft apply succeeded", "commands", len(cfg.Nftables), "method", out.Method, "duration", out.Duration)
	return nil
}

func (e *NFT) List(ctx context.Context) (nft.Config, error) {
	out := e.runner.Invoke(ctx, listArgs, nil, 0)
	if out.Status != elevation.Succeeded {
		if out.Status == elevation.OtherFailure && strings.Contains(out.Stderr, "No such file or directory") {
			return nft.Config{}, ErrTableMissing
		}
		return nft.Config{}, fmt.Errorf("enforcer: list table: %w", out.Err())
	}
	cfg, err := nft.Parse(out.Stdout)
	if err != nil {
		return nft.Config{}, fmt.Errorf("enforcer: list table: %w", err)
	}
	return cfg, nil
}

// Unsupported is the enforcer used where nftables is unavailable. It lets
// export and diff work while every live operation fails.
type Unsupported struct{}

func (Unsupported) Check(context.Context, nft.Config, time.Duration) (elevation.Outcome, error) {
	return elevation.Outcome{}, ErrUnsupported
}

func (Unsupported) Apply(context.Context, nft.Config) error { return ErrUnsupported }

func (Unsupported) List(context.Context) (nft.Config, error) { return nft.Config{}, ErrUnsupported }
