package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ledati16/drfw/pkg/clock"
	"github.com/ledati16/drfw/pkg/elevation"
	"github.com/ledati16/drfw/pkg/enforcer"
	"github.com/ledati16/drfw/pkg/enforcer/enforcertest"
	"github.com/ledati16/drfw/pkg/generator"
	"github.com/ledati16/drfw/pkg/nft"
	"github.com/ledati16/drfw/pkg/rules"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, keep int) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "state"), keep, clock.NewMock(epoch))
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	return s
}

func newManager(t *testing.T, fallbacks int) (*Manager, *enforcertest.Runner) {
	t.Helper()
	runner := enforcertest.New()
	return NewManager(newStore(t, DefaultKeep), enforcer.NewNFT(runner), Options{Fallbacks: fallbacks}), runner
}

func ruleSet(ports ...uint16) rules.RuleSet {
	rs := rules.New()
	for _, p := range ports {
		rs.Rules = append(rs.Rules, rules.Rule{
			ID:       uuid.New(),
			Label:    "port",
			Protocol: rules.ProtocolTCP,
			Ports:    []rules.PortSpec{rules.Port(p)},
		})
	}
	return rs
}

func marshal(t *testing.T, cfg nft.Config) string {
	t.Helper()
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	return string(data)
}

func failure() elevation.Outcome {
	return elevation.Outcome{Status: elevation.OtherFailure, ExitCode: 1, Stderr: "Error: Could not process rule"}
}

func TestNormalizeReproducesGeneratedProgram(t *testing.T) {
	runner := enforcertest.New()
	original := generator.Generate(ruleSet(22, 443))
	runner.Load(original)

	listing, err := enforcer.NewNFT(runner).List(context.Background())
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	got := Normalize(listing)
	if marshal(t, got) != marshal(t, original) {
		t.Fatalf("normalized listing differs from the applied program:\n%s\n%s", marshal(t, got), marshal(t, original))
	}
	for _, cmd := range got.Nftables {
		if _, ok := cmd.Body["handle"]; ok {
			t.Fatalf("handle left in %s %s", cmd.Verb, cmd.Kind)
		}
		if cmd.Kind == "metainfo" {
			t.Fatal("metainfo left in program")
		}
	}
}

func TestSaveListAndPrune(t *testing.T) {
	s := newStore(t, 3)
	cfg := generator.Emergency()

	for i := 0; i < 5; i++ {
		if _, err := s.Save(cfg, "test"); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 retained generations, got %d", len(entries))
	}
	for i, want := range []uint64{5, 4, 3} {
		if entries[i].Generation != want {
			t.Fatalf("expected generation %d at %d, got %d", want, i, entries[i].Generation)
		}
		if filepath.Base(entries[i].Path) != FileName(want) {
			t.Fatalf("unexpected file name %s", entries[i].Path)
		}
		info, err := os.Stat(entries[i].Path)
		if err != nil {
			t.Fatalf("stat failed: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("expected mode 0600, got %o", info.Mode().Perm())
		}
	}

	info, err := os.Stat(s.Dir())
	if err != nil {
		t.Fatalf("stat dir failed: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Fatalf("expected dir mode 0700, got %o", info.Mode().Perm())
	}

	matches, _ := filepath.Glob(filepath.Join(s.Dir(), ".*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

func TestGenerationsStayMonotonicAfterPrune(t *testing.T) {
	s := newStore(t, 1)
	var last uint64
	for i := 0; i < 3; i++ {
		snap, err := s.Save(generator.Emergency(), "")
		if err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
		if snap.Generation <= last {
			t.Fatalf("generation went from %d to %d", last, snap.Generation)
		}
		last = snap.Generation
	}
}

func TestLoadErrors(t *testing.T) {
	s := newStore(t, DefaultKeep)
	good, err := s.Save(generator.Emergency(), "good")
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, err := Load(good.Path); err != nil {
		t.Fatalf("Load() of a fresh snapshot failed: %v", err)
	}

	empty, err := s.Save(nft.Config{}, "empty")
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	tampered := filepath.Join(s.Dir(), FileName(90))
	var raw map[string]any
	data, _ := os.ReadFile(good.Path)
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	raw["description"] = "still fine"
	cfg := raw["config"].(map[string]any)
	cmds := cfg["nftables"].([]any)
	cfg["nftables"] = cmds[:len(cmds)-1]
	data, _ = json.Marshal(raw)
	if err := os.WriteFile(tampered, data, 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	garbage := filepath.Join(s.Dir(), FileName(91))
	if err := os.WriteFile(garbage, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	tests := []struct {
		name string
		path string
		want error
	}{
		{"corrupted", garbage, ErrCorrupted},
		{"checksum mismatch", tampered, ErrChecksumMismatch},
		{"empty", empty.Path, ErrEmpty},
		{"not found", filepath.Join(s.Dir(), FileName(99)), ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var serr *Error
			if !errors.As(err, &serr) {
				t.Fatalf("expected *Error, got %T", err)
			}
		})
	}
}

func TestValidateDetectsSingleByteChange(t *testing.T) {
	snap, err := New(generator.Emergency(), 1, "", epoch)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := snap.Validate(); err != nil {
		t.Fatalf("fresh snapshot invalid: %v", err)
	}
	snap.Config = snap.Config.Clone()
	snap.Config.Nftables[2].Body["policy"] = "accept"
	if err := snap.Validate(); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestFind(t *testing.T) {
	s := newStore(t, DefaultKeep)
	first, _ := s.Save(generator.Emergency(), "first")
	second, _ := s.Save(generator.Generate(ruleSet(22)), "second")

	tests := []struct {
		name string
		ref  string
		want uuid.UUID
	}{
		{"generation", "1", first.ID},
		{"full id", second.ID.String(), second.ID},
		{"prefix", second.ID.String()[:8], second.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Find(tt.ref)
			if err != nil {
				t.Fatalf("Find(%q) failed: %v", tt.ref, err)
			}
			if got.ID != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got.ID)
			}
		})
	}
	if _, err := s.Find("zzzz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	latest, err := s.Latest()
	if err != nil || latest.ID != second.ID {
		t.Fatalf("expected latest %s, got %s, %v", second.ID, latest.ID, err)
	}
}

func TestCaptureMissingTableRestoresToNoTable(t *testing.T) {
	m, runner := newManager(t, 0)

	snap, err := m.Capture(context.Background(), "before first apply")
	if err != nil {
		t.Fatalf("Capture() failed: %v", err)
	}
	if marshal(t, snap.Config) != marshal(t, RemovalProgram()) {
		t.Fatalf("expected removal program, got %s", marshal(t, snap.Config))
	}

	runner.Load(generator.Generate(ruleSet(22)))
	out, err := m.RestoreWithFallback(context.Background(), &snap)
	if err != nil {
		t.Fatalf("RestoreWithFallback() failed: %v", err)
	}
	if out.Source != SourcePrimary {
		t.Fatalf("expected primary restore, got %s", out.Source)
	}
	if runner.Exists() {
		t.Fatal("expected the drfw table to be gone")
	}
}

func TestRestorePrimaryIsByteForByte(t *testing.T) {
	m, runner := newManager(t, 0)
	before := generator.Generate(ruleSet(22, 80))
	runner.Load(before)

	snap, err := m.Capture(context.Background(), "pre-apply")
	if err != nil {
		t.Fatalf("Capture() failed: %v", err)
	}
	if err := enforcer.NewNFT(runner).Apply(context.Background(), generator.Generate(ruleSet(443))); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	out, err := m.RestoreWithFallback(context.Background(), &snap)
	if err != nil {
		t.Fatalf("RestoreWithFallback() failed: %v", err)
	}
	if out.Source != SourcePrimary || out.SnapshotID != snap.ID || len(out.Attempts) != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	applies := runner.Applies()
	if got := string(applies[len(applies)-1]); got != marshal(t, before) {
		t.Fatalf("restore did not reproduce the pre-apply program:\n%s\n%s", got, marshal(t, before))
	}
	if runner.RuleCount() != nft.RuleCount(before) {
		t.Fatalf("expected %d live rules, got %d", nft.RuleCount(before), runner.RuleCount())
	}
}

func TestRestoreCorruptedPrimaryNeverRetriesPrimary(t *testing.T) {
	m, runner := newManager(t, 0)
	older := generator.Generate(ruleSet(22))
	runner.Load(older)
	first, err := m.Capture(context.Background(), "older")
	if err != nil {
		t.Fatalf("Capture() failed: %v", err)
	}
	runner.Load(generator.Generate(ruleSet(8080)))
	primary, err := m.Capture(context.Background(), "primary")
	if err != nil {
		t.Fatalf("Capture() failed: %v", err)
	}

	// The stored copy of the primary is intact; only the in-memory one is bad.
	primary.Checksum = strings.Repeat("0", len(primary.Checksum))

	out, err := m.RestoreWithFallback(context.Background(), &primary)
	if err != nil {
		t.Fatalf("RestoreWithFallback() failed: %v", err)
	}
	if out.Source != SourceFallback || out.SnapshotID != first.ID {
		t.Fatalf("expected fallback to %s, got %s %s", first.Short(), out.Source, out.SnapshotID)
	}
	if len(out.Attempts) != 2 || !errors.Is(out.Attempts[0].Err, ErrChecksumMismatch) {
		t.Fatalf("unexpected attempts %+v", out.Attempts)
	}
	for _, a := range out.Attempts[1:] {
		if a.SnapshotID == primary.ID {
			t.Fatal("primary was retried as a fallback")
		}
	}

	applies := runner.Applies()
	if len(applies) != 1 || string(applies[0]) != marshal(t, older) {
		t.Fatalf("expected exactly one apply of the older snapshot, got %d", len(applies))
	}
}

func TestRestoreUnreadableStoreFallsBackToEmergency(t *testing.T) {
	m, runner := newManager(t, 0)
	for gen := uint64(1); gen <= 2; gen++ {
		if err := os.WriteFile(filepath.Join(m.Store().Dir(), FileName(gen)), []byte("garbage"), 0o600); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	primary, _ := New(nft.Config{}, 3, "empty", epoch)

	out, err := m.RestoreWithFallback(context.Background(), &primary)
	if err != nil {
		t.Fatalf("RestoreWithFallback() failed: %v", err)
	}
	if out.Source != SourceEmergency || out.SnapshotID != uuid.Nil {
		t.Fatalf("expected emergency restore, got %+v", out)
	}
	if len(out.Attempts) != 4 {
		t.Fatalf("expected primary, two skipped fallbacks and emergency, got %d attempts", len(out.Attempts))
	}

	applies := runner.Applies()
	if len(applies) != 1 || string(applies[0]) != marshal(t, generator.Emergency()) {
		t.Fatal("expected a single apply of the emergency config")
	}
}

func TestUnreadableFallbacksDoNotCountTowardLimit(t *testing.T) {
	m, runner := newManager(t, 1)
	older := generator.Generate(ruleSet(22))
	runner.Load(older)
	first, err := m.Capture(context.Background(), "older")
	if err != nil {
		t.Fatalf("Capture() failed: %v", err)
	}
	for gen := uint64(2); gen <= 3; gen++ {
		if err := os.WriteFile(filepath.Join(m.Store().Dir(), FileName(gen)), []byte("garbage"), 0o600); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	bad, _ := New(nft.Config{}, 9, "", epoch)

	out, err := m.RestoreWithFallback(context.Background(), &bad)
	if err != nil {
		t.Fatalf("RestoreWithFallback() failed: %v", err)
	}
	if out.Source != SourceFallback || out.SnapshotID != first.ID {
		t.Fatalf("expected fallback to %s past two unreadable generations, got %s %s", first.Short(), out.Source, out.SnapshotID)
	}
	// primary, two unreadable generations, the restored one
	if len(out.Attempts) != 4 {
		t.Fatalf("expected 4 attempts, got %+v", out.Attempts)
	}
}

func TestRestoreEmptyStoreGoesStraightToEmergency(t *testing.T) {
	m, runner := newManager(t, 0)
	out, err := m.RestoreWithFallback(context.Background(), nil)
	if err != nil {
		t.Fatalf("RestoreWithFallback() failed: %v", err)
	}
	if out.Source != SourceEmergency || len(out.Attempts) != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !runner.Exists() {
		t.Fatal("expected the emergency table to be loaded")
	}
}

func TestRestoreExhausted(t *testing.T) {
	m, runner := newManager(t, 0)
	runner.Load(generator.Emergency())
	for i := 0; i < 5; i++ {
		if _, err := m.Capture(context.Background(), "gen"); err != nil {
			t.Fatalf("Capture() failed: %v", err)
		}
	}
	primary, err := m.Store().Latest()
	if err != nil {
		t.Fatalf("Latest() failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		runner.FailApply(failure())
	}

	out, err := m.RestoreWithFallback(context.Background(), &primary)
	if !errors.Is(err, ErrRevertExhausted) {
		t.Fatalf("expected ErrRevertExhausted, got %v", err)
	}
	// primary, DefaultFallbacks older generations, emergency
	if want := 1 + DefaultFallbacks + 1; len(out.Attempts) != want {
		t.Fatalf("expected %d attempts, got %d", want, len(out.Attempts))
	}
	if last := out.Attempts[len(out.Attempts)-1]; last.Source != SourceEmergency || last.Err == nil {
		t.Fatalf("expected a failed emergency attempt last, got %+v", last)
	}
}

func TestFallbacksOption(t *testing.T) {
	m, runner := newManager(t, -1)
	runner.Load(generator.Emergency())
	if _, err := m.Capture(context.Background(), "only"); err != nil {
		t.Fatalf("Capture() failed: %v", err)
	}
	runner.FailApply(failure())

	bad, _ := New(nft.Config{}, 9, "", epoch)
	out, err := m.RestoreWithFallback(context.Background(), &bad)
	if !errors.Is(err, ErrRevertExhausted) {
		t.Fatalf("expected ErrRevertExhausted with fallbacks disabled, got %v", err)
	}
	if len(out.Attempts) != 2 {
		t.Fatalf("expected primary and emergency only, got %+v", out.Attempts)
	}
}

func TestPendingMarker(t *testing.T) {
	s := newStore(t, DefaultKeep)

	if _, ok, err := s.ReadPending(); ok || err != nil {
		t.Fatalf("expected no marker, got %v, %v", ok, err)
	}

	p := Pending{SnapshotID: uuid.New(), Deadline: epoch.Add(15 * time.Second), PID: os.Getpid()}
	if err := s.WritePending(p); err != nil {
		t.Fatalf("WritePending() failed: %v", err)
	}
	got, ok, err := s.ReadPending()
	if err != nil || !ok {
		t.Fatalf("ReadPending() = %v, %v", ok, err)
	}
	if got.SnapshotID != p.SnapshotID || !got.Deadline.Equal(p.Deadline) || got.PID != p.PID {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, p)
	}
	if got.Stale(epoch) {
		t.Fatal("marker owned by this process before its deadline is not stale")
	}
	if !got.Stale(epoch.Add(time.Minute)) {
		t.Fatal("marker past its deadline is stale")
	}
	if !(Pending{Deadline: epoch.Add(time.Hour)}).Stale(epoch) {
		t.Fatal("marker without a live pid is stale")
	}

	if err := s.ClearPending(); err != nil {
		t.Fatalf("ClearPending() failed: %v", err)
	}
	if err := s.ClearPending(); err != nil {
		t.Fatalf("second ClearPending() failed: %v", err)
	}
	if _, ok, _ := s.ReadPending(); ok {
		t.Fatal("marker still present")
	}
}
