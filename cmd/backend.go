package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/ledati16/drfw/pkg/audit"
	"github.com/ledati16/drfw/pkg/clock"
	"github.com/ledati16/drfw/pkg/config"
	"github.com/ledati16/drfw/pkg/elevation"
	"github.com/ledati16/drfw/pkg/enforcer"
	"github.com/ledati16/drfw/pkg/log"
	"github.com/ledati16/drfw/pkg/metrics"
	"github.com/ledati16/drfw/pkg/rules"
	"github.com/ledati16/drfw/pkg/snapshot"
	"github.com/ledati16/drfw/pkg/verify"
)

// meteredRunner counts privileged invocations by method and outcome.
type meteredRunner struct {
	next enforcer.Runner
}

func (m meteredRunner) Invoke(ctx context.Context, args []string, stdin []byte, timeout time.Duration) elevation.Outcome {
	out := m.next.Invoke(ctx, args, stdin, timeout)
	metrics.ElevationTotal.WithLabelValues(out.Method.String(), out.Status.String()).Inc()
	return out
}

// backend is everything a live command needs: nft access, the snapshot
// store and the audit sink.
type backend struct {
	elevation elevation.Config
	enforcer  enforcer.Enforcer
	store     *snapshot.Store
	snapshots *snapshot.Manager
	verifier  *verify.Verifier
	audit     audit.Sink
	logger    *audit.FileLogger
}

func resolveStateDir() (string, error) {
	if stateDir != "" {
		return stateDir, nil
	}
	return config.StateDir()
}

func resolveProfilesDir() (string, error) {
	if profilesDir != "" {
		return profilesDir, nil
	}
	return config.ProfilesDir()
}

// openStore opens the snapshot store without touching nft.
func openStore() (*snapshot.Store, error) {
	dir, err := resolveStateDir()
	if err != nil {
		return nil, err
	}
	keep := snapshotKeep
	if keep <= 0 {
		keep = snapshot.DefaultKeep
	}
	return snapshot.NewStore(dir, keep, clock.Real())
}

func openBackend() (*backend, error) {
	elevCfg, err := elevation.FromEnv()
	if err != nil {
		return nil, err
	}
	inv := elevation.NewInvoker(elevCfg, elevation.SystemProbe())
	enf, err := enforcer.NewEnforcer(meteredRunner{next: inv})
	if err != nil {
		return nil, err
	}
	checker, err := enforcer.NewEnforcer(meteredRunner{next: checkInvoker(inv, verifyElevate)})
	if err != nil {
		return nil, err
	}

	store, err := openStore()
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}

	b := &backend{elevation: elevCfg, enforcer: enf, store: store, audit: audit.Nop{}}
	if auditEnabled {
		cfg := audit.DefaultConfig(store.Dir())
		if auditPath != "" {
			cfg.LogFilePath = auditPath
		}
		if auditMaxFileKB > 0 {
			cfg.MaxFileSizeKB = auditMaxFileKB
		}
		cfg.EnableCompression = auditCompress
		logger, err := audit.NewLogger(cfg)
		if err != nil {
			log.Warn("audit log unavailable, continuing without it", "path", cfg.LogFilePath, "error", err)
		} else {
			b.logger = logger
			b.audit = logger
		}
	}

	b.snapshots = snapshot.NewManager(store, enf, snapshot.Options{Fallbacks: snapshotFallbacks, Audit: b.audit})
	b.verifier = verify.New(checker, verify.Options{
		Timeout:          verifyTimeout,
		Elevate:          verifyElevate,
		ElevationTimeout: elevCfg.Timeout,
	})
	return b, nil
}

// checkInvoker is the invoker nft --check runs under. With verify.elevate
// off the check runs as the calling user.
func checkInvoker(inv *elevation.Invoker, elevate bool) *elevation.Invoker {
	if elevate {
		return inv
	}
	return inv.Direct()
}

func (b *backend) Close() {
	if b.logger == nil {
		return
	}
	if err := b.logger.Close(); err != nil {
		log.Warn("failed to close audit log", "error", err)
	}
}

// loadProfile reads and validates a named profile, logging any warnings.
func loadProfile(name string) (rules.RuleSet, error) {
	dir, err := resolveProfilesDir()
	if err != nil {
		return rules.RuleSet{}, err
	}
	log.Debug("loading profile", "name", name, "dir", dir)
	rs, result, err := rules.LoadProfile(dir, name)
	if err != nil {
		return rules.RuleSet{}, err
	}
	for _, w := range result.Warnings {
		log.Warn("profile warning", "profile", name, "warning", w)
	}
	return rs, nil
}
