package engine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ledati16/drfw/pkg/audit"
	"github.com/ledati16/drfw/pkg/clock"
	"github.com/ledati16/drfw/pkg/elevation"
	"github.com/ledati16/drfw/pkg/enforcer"
	"github.com/ledati16/drfw/pkg/enforcer/enforcertest"
	"github.com/ledati16/drfw/pkg/generator"
	"github.com/ledati16/drfw/pkg/nft"
	"github.com/ledati16/drfw/pkg/rules"
	"github.com/ledati16/drfw/pkg/snapshot"
	"github.com/ledati16/drfw/pkg/verify"
)

type recorder struct {
	mu    sync.Mutex
	kinds []audit.EventType
}

func (r *recorder) Record(kind audit.EventType, _ bool, _ map[string]any, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *recorder) has(kind audit.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type harness struct {
	runner *enforcertest.Runner
	clock  *clock.MockClock
	store  *snapshot.Store
	audit  *recorder
	eng    *Engine

	cancel context.CancelFunc
	done   chan error
	once   sync.Once
	err    error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	runner := enforcertest.New()
	nftb := enforcer.NewNFT(runner)
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := snapshot.NewStore(t.TempDir(), 5, clk)
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	rec := &recorder{}
	mgr := snapshot.NewManager(store, nftb, snapshot.Options{Audit: rec})

	h := &harness{runner: runner, clock: clk, store: store, audit: rec, done: make(chan error, 1)}
	h.eng = New(Deps{
		Verifier:  verify.New(nftb, verify.Options{}),
		Snapshots: mgr,
		Applier:   nftb,
		Audit:     rec,
		Clock:     clk,
	}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.eng.Run(ctx) }()
	t.Cleanup(func() { h.stop() })
	return h
}

func (h *harness) stop() error {
	h.once.Do(func() {
		h.cancel()
		h.err = <-h.done
	})
	return h.err
}

// next returns the next event of type T, skipping others.
func next[T Event](t *testing.T, h *harness) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.eng.Events():
			if !ok {
				var zero T
				t.Fatalf("event channel closed while waiting for %T", zero)
			}
			if v, ok := ev.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}

// waitState consumes events until the engine enters kind.
func waitState(t *testing.T, h *harness, kind Kind) State {
	t.Helper()
	for {
		ev := next[StateChanged](t, h)
		if ev.To.Kind == kind {
			return ev.To
		}
	}
}

func sshRules() rules.RuleSet {
	rs := rules.New()
	rs.Rules = []rules.Rule{{Label: "ssh", Protocol: rules.ProtocolTCP, Ports: []rules.PortSpec{rules.Port(22)}}}
	return rs
}

func webRules() rules.RuleSet {
	rs := rules.New()
	rs.Rules = []rules.Rule{{Label: "web", Protocol: rules.ProtocolTCP, Ports: []rules.PortSpec{rules.Port(80), rules.Port(443)}}}
	return rs
}

func mustMarshal(t *testing.T, cfg nft.Config) []byte {
	t.Helper()
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	return data
}

func TestEffectiveCountdown(t *testing.T) {
	tests := []struct {
		name     string
		in       time.Duration
		expected time.Duration
	}{
		{"zero uses default", 0, DefaultCountdown},
		{"below minimum", time.Second, MinCountdown},
		{"above maximum", 10 * time.Minute, MaxCountdown},
		{"in range", 30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyOptions{Countdown: tt.in}.EffectiveCountdown()
			if got != tt.expected {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestKindStrings(t *testing.T) {
	kinds := []Kind{StateIdle, StateVerifying, StateAwaitingApply, StateApplying, StatePendingConfirmation, StateConfirmed, StateReverting, StateFailed}
	expected := []string{"idle", "verifying", "awaiting_apply", "applying", "pending_confirmation", "confirmed", "reverting", "failed"}
	for i, k := range kinds {
		if k.String() != expected[i] {
			t.Errorf("expected %s, got %s", expected[i], k)
		}
	}
}

func TestCountdownExpiryRevertsOnce(t *testing.T) {
	h := newHarness(t)
	before := generator.Generate(sshRules())
	h.runner.Load(before)

	if err := h.eng.Apply(webRules(), ApplyOptions{Countdown: 5 * time.Second}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	applied := next[Applied](t, h)
	if want := h.clock.Now().Add(5 * time.Second); !applied.Deadline.Equal(want) {
		t.Fatalf("expected deadline %v, got %v", want, applied.Deadline)
	}
	if _, ok, _ := h.store.ReadPending(); !ok {
		t.Fatal("expected a pending marker during the countdown")
	}
	if h.clock.Tickers() != 1 {
		t.Fatalf("expected one countdown ticker, got %d", h.clock.Tickers())
	}

	for i := 4; i >= 1; i-- {
		h.clock.Advance(time.Second)
		tick := next[CountdownTick](t, h)
		if tick.Remaining != time.Duration(i)*time.Second {
			t.Fatalf("expected %ds remaining, got %v", i, tick.Remaining)
		}
	}
	h.clock.Advance(time.Second)

	rev := next[Reverted](t, h)
	if rev.Reason != RevertTimeout {
		t.Fatalf("expected timeout revert, got %s", rev.Reason)
	}
	if rev.Outcome.Source != snapshot.SourcePrimary {
		t.Fatalf("expected primary restore, got %s", rev.Outcome.Source)
	}
	waitState(t, h, StateIdle)

	if h.clock.Tickers() != 0 {
		t.Fatalf("expected the ticker to be stopped, got %d", h.clock.Tickers())
	}
	h.clock.Advance(30 * time.Second)

	applies := h.runner.Applies()
	if len(applies) != 2 {
		t.Fatalf("expected apply plus one restore, got %d applies", len(applies))
	}
	if !bytes.Equal(applies[1], mustMarshal(t, before)) {
		t.Fatalf("restore did not reproduce the pre-apply config:\n%s", applies[1])
	}
	if _, ok, _ := h.store.ReadPending(); ok {
		t.Fatal("expected the pending marker to be cleared")
	}
	if !h.audit.has(audit.EventAutoRevertTimedOut) {
		t.Fatal("expected an auto_revert_timed_out audit event")
	}
}

func TestConfirmKeepsRuleset(t *testing.T) {
	h := newHarness(t)

	if err := h.eng.Apply(webRules(), ApplyOptions{Countdown: 10 * time.Second}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	next[Applied](t, h)
	if err := h.eng.Confirm(); err != nil {
		t.Fatalf("Confirm() failed: %v", err)
	}
	next[Confirmed](t, h)
	waitState(t, h, StateIdle)

	if h.clock.Tickers() != 0 {
		t.Fatalf("expected the ticker to be stopped, got %d", h.clock.Tickers())
	}
	if _, ok, _ := h.store.ReadPending(); ok {
		t.Fatal("expected the pending marker to be cleared")
	}
	h.clock.Advance(time.Minute)
	if n := len(h.runner.Applies()); n != 1 {
		t.Fatalf("expected no restore after confirm, got %d applies", n)
	}
	if h.runner.RuleCount() != nft.RuleCount(generator.Generate(webRules())) {
		t.Fatalf("expected the new ruleset to stay loaded")
	}
	if !h.audit.has(audit.EventAutoRevertConfirmed) {
		t.Fatal("expected an auto_revert_confirmed audit event")
	}
	if err := h.eng.Confirm(); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on second confirm, got %v", err)
	}
}

func TestBusyApplyIsRejected(t *testing.T) {
	h := newHarness(t)

	if err := h.eng.Apply(webRules(), ApplyOptions{Review: true}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	waitState(t, h, StateAwaitingApply)
	calls := len(h.runner.Calls())

	if err := h.eng.Apply(sshRules(), ApplyOptions{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if got := len(h.runner.Calls()); got != calls {
		t.Fatalf("expected no nft calls from a rejected apply, got %d new", got-calls)
	}
	entries, err := h.store.List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no snapshot from a rejected apply, got %d", len(entries))
	}
	if h.eng.State().Kind != StateAwaitingApply {
		t.Fatalf("expected state unchanged, got %s", h.eng.State())
	}

	if err := h.eng.Cancel(); err != nil {
		t.Fatalf("Cancel() failed: %v", err)
	}
	waitState(t, h, StateIdle)
	if h.runner.Exists() {
		t.Fatal("expected a cancelled review to leave nft untouched")
	}
}

func TestReviewProceed(t *testing.T) {
	h := newHarness(t)

	if err := h.eng.Proceed(); !errors.Is(err, ErrNotAwaiting) {
		t.Fatalf("expected ErrNotAwaiting while idle, got %v", err)
	}
	if err := h.eng.Apply(webRules(), ApplyOptions{Review: true}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	verified := next[VerifyCompleted](t, h)
	if verified.Result.Status != verify.Passed {
		t.Fatalf("expected verification to pass, got %s", verified.Result.Status)
	}
	waitState(t, h, StateAwaitingApply)
	if len(h.runner.Applies()) != 0 {
		t.Fatal("expected nothing applied before Proceed")
	}

	if err := h.eng.Proceed(); err != nil {
		t.Fatalf("Proceed() failed: %v", err)
	}
	captured := next[SnapshotCaptured](t, h)
	st := waitState(t, h, StatePendingConfirmation)
	if st.Snapshot == nil || st.Snapshot.ID != captured.Snapshot.ID {
		t.Fatal("expected the pending state to carry the captured snapshot")
	}
}

func TestNoConfirmRequiresInteractive(t *testing.T) {
	tests := []struct {
		name        string
		interactive bool
		expected    Kind
	}{
		{"interactive skips countdown", true, StateConfirmed},
		{"unattended keeps countdown", false, StatePendingConfirmation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if err := h.eng.Apply(webRules(), ApplyOptions{NoConfirm: true, Interactive: tt.interactive}); err != nil {
				t.Fatalf("Apply() failed: %v", err)
			}
			waitState(t, h, tt.expected)
			if tt.expected == StateConfirmed && h.clock.Tickers() != 0 {
				t.Fatal("expected no countdown ticker")
			}
		})
	}
}

func TestVerifyFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.runner.FailCheck(elevation.Outcome{Status: elevation.OtherFailure, ExitCode: 1, Stderr: "Error: syntax error, unexpected junk"})

	if err := h.eng.Apply(webRules(), ApplyOptions{}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	failed := next[Failed](t, h)
	if failed.Reason != ReasonVerification {
		t.Fatalf("expected verification failure, got %s", failed.Reason)
	}
	var verr *verify.Error
	if !errors.As(failed.Err, &verr) || len(verr.Messages) != 1 {
		t.Fatalf("expected a verify.Error with one message, got %v", failed.Err)
	}
	waitState(t, h, StateIdle)
	if len(h.runner.Applies()) != 0 {
		t.Fatal("expected nothing applied after a failed check")
	}

	if err := h.eng.Apply(webRules(), ApplyOptions{}); err != nil {
		t.Fatalf("expected the engine to accept a new apply, got %v", err)
	}
	next[Applied](t, h)
}

func TestInvalidRuleSetRejected(t *testing.T) {
	h := newHarness(t)
	rs := rules.New()
	rs.Rules = []rules.Rule{{Label: "bad", Protocol: rules.ProtocolICMP, Ports: []rules.PortSpec{rules.Port(22)}}}

	if err := h.eng.Apply(rs, ApplyOptions{}); err == nil {
		t.Fatal("expected an invalid rule set to be rejected")
	}
	if h.eng.State().Kind != StateIdle {
		t.Fatalf("expected idle, got %s", h.eng.State())
	}
	if len(h.runner.Calls()) != 0 {
		t.Fatal("expected no nft calls")
	}
}

func TestApplyFailureRestores(t *testing.T) {
	h := newHarness(t)
	before := generator.Generate(sshRules())
	h.runner.Load(before)
	h.runner.FailApply(elevation.Outcome{Status: elevation.OtherFailure, ExitCode: 1, Stderr: "Error: Could not process rule"})

	if err := h.eng.Apply(webRules(), ApplyOptions{}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	rev := next[Reverted](t, h)
	if rev.Reason != RevertApplyFailed {
		t.Fatalf("expected apply_failed revert, got %s", rev.Reason)
	}
	var aerr *ApplyError
	if !errors.As(rev.ApplyErr, &aerr) {
		t.Fatalf("expected an ApplyError, got %v", rev.ApplyErr)
	}
	waitState(t, h, StateIdle)

	applies := h.runner.Applies()
	if len(applies) != 2 || !bytes.Equal(applies[1], mustMarshal(t, before)) {
		t.Fatalf("expected the snapshot to be restored after the failed apply")
	}
}

func TestApplyElevationCancelledSkipsRestore(t *testing.T) {
	h := newHarness(t)
	h.runner.FailApply(elevation.Outcome{Status: elevation.Cancelled, Method: elevation.MethodPkexec, ExitCode: 126})

	if err := h.eng.Apply(webRules(), ApplyOptions{}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	failed := next[Failed](t, h)
	if failed.Reason != ReasonElevation {
		t.Fatalf("expected elevation failure, got %s", failed.Reason)
	}
	if !errors.Is(failed.Err, elevation.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", failed.Err)
	}
	waitState(t, h, StateIdle)
	if n := len(h.runner.Applies()); n != 1 {
		t.Fatalf("expected no restore attempt, got %d applies", n)
	}
	if !h.audit.has(audit.EventElevationCancelled) {
		t.Fatal("expected an elevation_cancelled audit event")
	}
}

func TestRevertExhausted(t *testing.T) {
	h := newHarness(t)
	fail := elevation.Outcome{Status: elevation.OtherFailure, ExitCode: 1, Stderr: "Error: kernel said no"}
	for i := 0; i < 3; i++ {
		h.runner.FailApply(fail)
	}

	if err := h.eng.Apply(webRules(), ApplyOptions{}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	failed := next[Failed](t, h)
	if failed.Reason != ReasonRevertExhausted {
		t.Fatalf("expected revert_exhausted, got %s", failed.Reason)
	}
	if !errors.Is(failed.Err, snapshot.ErrRevertExhausted) {
		t.Fatalf("expected ErrRevertExhausted, got %v", failed.Err)
	}
	if len(failed.ManualRecovery) == 0 || failed.ManualRecovery[0] != "sudo nft flush table inet drfw" {
		t.Fatalf("expected the manual recovery command, got %v", failed.ManualRecovery)
	}
	waitState(t, h, StateIdle)

	lf := h.eng.LastFailure()
	if lf == nil || lf.Reason != ReasonRevertExhausted {
		t.Fatalf("expected revert_exhausted failure to stay latched after Idle, got %v", lf)
	}

	// A later confirmed apply leaves the firewall in a known state again.
	if err := h.eng.Apply(sshRules(), ApplyOptions{Countdown: 30 * time.Second}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	next[Applied](t, h)
	if h.eng.LastFailure() == nil {
		t.Fatal("expected failure to stay latched while the new apply is pending")
	}
	if err := h.eng.Confirm(); err != nil {
		t.Fatalf("Confirm() failed: %v", err)
	}
	next[Confirmed](t, h)
	if lf := h.eng.LastFailure(); lf != nil {
		t.Fatalf("expected latched failure cleared by confirm, got %v", lf)
	}
}

func TestRevertNow(t *testing.T) {
	h := newHarness(t)

	if err := h.eng.RevertNow(); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending while idle, got %v", err)
	}
	if err := h.eng.Apply(webRules(), ApplyOptions{Countdown: 30 * time.Second}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	next[Applied](t, h)
	if err := h.eng.RevertNow(); err != nil {
		t.Fatalf("RevertNow() failed: %v", err)
	}
	rev := next[Reverted](t, h)
	if rev.Reason != RevertOperator {
		t.Fatalf("expected operator revert, got %s", rev.Reason)
	}
	waitState(t, h, StateIdle)
	if h.runner.Exists() {
		t.Fatal("expected the drfw table to be removed, it did not exist before the apply")
	}
}

func TestConfirmAfterDeadlineReverts(t *testing.T) {
	h := newHarness(t)

	if err := h.eng.Apply(webRules(), ApplyOptions{Countdown: 5 * time.Second}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	next[Applied](t, h)
	// Whichever of the tick and Confirm reaches the loop first must revert.
	h.clock.Advance(10 * time.Second)
	if err := h.eng.Confirm(); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected confirm after the deadline to be rejected, got %v", err)
	}
	rev := next[Reverted](t, h)
	if rev.Reason != RevertTimeout {
		t.Fatalf("expected timeout revert, got %s", rev.Reason)
	}
}

func TestShutdownRevertsPendingApply(t *testing.T) {
	h := newHarness(t)
	before := generator.Generate(sshRules())
	h.runner.Load(before)

	if err := h.eng.Apply(webRules(), ApplyOptions{Countdown: 60 * time.Second}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	next[Applied](t, h)

	if err := h.stop(); err != nil {
		t.Fatalf("Run() returned %v", err)
	}
	var rev *Reverted
	for ev := range h.eng.Events() {
		if r, ok := ev.(Reverted); ok {
			rev = &r
		}
	}
	if rev == nil || rev.Reason != RevertShutdown {
		t.Fatalf("expected a shutdown revert, got %v", rev)
	}
	applies := h.runner.Applies()
	if len(applies) != 2 || !bytes.Equal(applies[1], mustMarshal(t, before)) {
		t.Fatal("expected the pre-apply config to be restored on shutdown")
	}
	if _, ok, _ := h.store.ReadPending(); ok {
		t.Fatal("expected the pending marker to be cleared")
	}
	if err := h.eng.Apply(webRules(), ApplyOptions{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
