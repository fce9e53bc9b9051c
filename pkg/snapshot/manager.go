package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ledati16/drfw/pkg/audit"
	"github.com/ledati16/drfw/pkg/enforcer"
	"github.com/ledati16/drfw/pkg/generator"
	"github.com/ledati16/drfw/pkg/log"
	"github.com/ledati16/drfw/pkg/nft"
)

// DefaultFallbacks bounds how many older generations a restore tries after
// the primary.
const DefaultFallbacks = 3

// Backend reads and replaces the live table. enforcer.Enforcer implements it.
type Backend interface {
	Apply(ctx context.Context, cfg nft.Config) error
	List(ctx context.Context) (nft.Config, error)
}

// Source says where a restore got its program from.
type Source int

const (
	SourcePrimary Source = iota
	SourceFallback
	SourceEmergency
)

func (s Source) String() string {
	switch s {
	case SourcePrimary:
		return "primary"
	case SourceFallback:
		return "fallback"
	default:
		return "emergency"
	}
}

// Attempt is one step of the restore cascade.
type Attempt struct {
	Source     Source
	SnapshotID uuid.UUID
	Err        error
}

// RevertOutcome describes a finished restore. On ErrRevertExhausted,
// Source and SnapshotID are zero and Attempts lists every failure.
type RevertOutcome struct {
	Source     Source
	SnapshotID uuid.UUID
	Attempts   []Attempt
}

// Options configure a Manager.
type Options struct {
	// Fallbacks is how many of the newest stored generations are tried
	// after the primary. Negative means none; zero means DefaultFallbacks.
	Fallbacks int
	Audit     audit.Sink
}

// Manager captures and restores the live table.
type Manager struct {
	store     *Store
	backend   Backend
	fallbacks int
	audit     audit.Sink
}

// NewManager returns a Manager persisting to store.
func NewManager(store *Store, backend Backend, opts Options) *Manager {
	m := &Manager{store: store, backend: backend, fallbacks: opts.Fallbacks, audit: opts.Audit}
	switch {
	case m.fallbacks == 0:
		m.fallbacks = DefaultFallbacks
	case m.fallbacks < 0:
		m.fallbacks = 0
	}
	if m.audit == nil {
		m.audit = audit.Nop{}
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() *Store { return m.store }

// Capture records the live table as a new generation.
func (m *Manager) Capture(ctx context.Context, description string) (Snapshot, error) {
	listing, err := m.backend.List(ctx)
	var program nft.Config
	switch {
	case errors.Is(err, enforcer.ErrTableMissing):
		log.Debug("no live drfw table, snapshot will remove it on restore")
		program = RemovalProgram()
	case err != nil:
		m.audit.Record(audit.EventSaveSnapshot, false, map[string]any{"description": description}, err)
		return Snapshot{}, fmt.Errorf("snapshot: capture: %w", err)
	default:
		program = Normalize(listing)
	}

	snap, err := m.store.Save(program, description)
	if err != nil {
		m.audit.Record(audit.EventSaveSnapshot, false, map[string]any{"description": description}, err)
		return Snapshot{}, err
	}
	m.audit.Record(audit.EventSaveSnapshot, true, map[string]any{
		"snapshot":    snap.ID.String(),
		"generation":  snap.Generation,
		"checksum":    snap.Checksum,
		"description": description,
	}, nil)
	return snap, nil
}

// RestoreWithFallback applies primary, then up to Fallbacks of the newest
// stored generations, then the emergency config. The primary's id is never
// retried. Generations that fail to load are recorded as attempts but do not
// count toward Fallbacks. primary may be nil
// to start directly with the stored generations.
func (m *Manager) RestoreWithFallback(ctx context.Context, primary *Snapshot) (RevertOutcome, error) {
	var out RevertOutcome
	skip := uuid.Nil

	if primary != nil {
		skip = primary.ID
		err := primary.Validate()
		if err == nil {
			err = m.backend.Apply(ctx, primary.Config)
		}
		out.Attempts = append(out.Attempts, Attempt{Source: SourcePrimary, SnapshotID: primary.ID, Err: err})
		if err == nil {
			return m.restored(out, SourcePrimary, primary.ID), nil
		}
		log.Warn("primary snapshot restore failed", "snapshot", primary.Short(), "error", err)
	}

	entries, err := m.store.List()
	if err != nil {
		log.Warn("listing snapshots for fallback failed", "error", err)
	}
	tried := 0
	for _, e := range entries {
		if tried >= m.fallbacks {
			break
		}
		snap, err := Load(e.Path)
		if snap.ID != uuid.Nil && snap.ID == skip {
			continue
		}
		if err == nil {
			tried++
			err = m.backend.Apply(ctx, snap.Config)
		}
		out.Attempts = append(out.Attempts, Attempt{Source: SourceFallback, SnapshotID: snap.ID, Err: err})
		if err == nil {
			return m.restored(out, SourceFallback, snap.ID), nil
		}
		log.Warn("fallback snapshot restore failed", "generation", e.Generation, "error", err)
	}

	err = m.backend.Apply(ctx, generator.Emergency())
	out.Attempts = append(out.Attempts, Attempt{Source: SourceEmergency, Err: err})
	if err == nil {
		log.Warn("restored emergency configuration")
		return m.restored(out, SourceEmergency, uuid.Nil), nil
	}

	log.Error("emergency configuration failed to apply", "error", err)
	m.audit.Record(audit.EventRestoreSnapshot, false, map[string]any{"attempts": len(out.Attempts)}, err)
	return out, fmt.Errorf("%w: %v", ErrRevertExhausted, err)
}

func (m *Manager) restored(out RevertOutcome, src Source, id uuid.UUID) RevertOutcome {
	out.Source = src
	out.SnapshotID = id
	details := map[string]any{"source": src.String(), "attempts": len(out.Attempts)}
	if id != uuid.Nil {
		details["snapshot"] = id.String()
	}
	m.audit.Record(audit.EventRestoreSnapshot, true, details, nil)
	log.Info("restore complete", "source", src, "attempts", len(out.Attempts))
	return out
}

// MarkPending records that an apply awaits confirmation.
func (m *Manager) MarkPending(p Pending) error { return m.store.WritePending(p) }

// ClearPending removes the pending marker.
func (m *Manager) ClearPending() error { return m.store.ClearPending() }
