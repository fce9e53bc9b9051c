// Package engine sequences an apply: verify, snapshot, apply, then either
// confirm within the countdown or restore the pre-apply snapshot. All state
// is owned by the goroutine running Run; callers talk to it over channels.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ledati16/drfw/pkg/audit"
	"github.com/ledati16/drfw/pkg/clock"
	"github.com/ledati16/drfw/pkg/elevation"
	"github.com/ledati16/drfw/pkg/generator"
	"github.com/ledati16/drfw/pkg/log"
	"github.com/ledati16/drfw/pkg/metrics"
	"github.com/ledati16/drfw/pkg/nft"
	"github.com/ledati16/drfw/pkg/rules"
	"github.com/ledati16/drfw/pkg/snapshot"
	"github.com/ledati16/drfw/pkg/verify"
)

const (
	DefaultCountdown = 15 * time.Second
	MinCountdown     = 5 * time.Second
	MaxCountdown     = 120 * time.Second

	defaultTick = time.Second
	eventBuffer = 256
)

// Verifier dry-runs a generated config. *verify.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, cfg nft.Config) (verify.Result, error)
}

// Snapshots captures and restores the live table. *snapshot.Manager
// implements it.
type Snapshots interface {
	Capture(ctx context.Context, description string) (snapshot.Snapshot, error)
	RestoreWithFallback(ctx context.Context, primary *snapshot.Snapshot) (snapshot.RevertOutcome, error)
	MarkPending(p snapshot.Pending) error
	ClearPending() error
}

// Applier loads a config. enforcer.Enforcer implements it.
type Applier interface {
	Apply(ctx context.Context, cfg nft.Config) error
}

// Deps are the collaborators of an Engine. Audit and Clock are optional.
type Deps struct {
	Verifier  Verifier
	Snapshots Snapshots
	Applier   Applier
	Audit     audit.Sink
	Clock     clock.Clock
}

// Options tune the engine loop.
type Options struct {
	// TickInterval is the countdown tick period, default 1s.
	TickInterval time.Duration
}

// ApplyOptions configure one apply.
type ApplyOptions struct {
	// Countdown is clamped to [MinCountdown, MaxCountdown]; zero means
	// DefaultCountdown.
	Countdown time.Duration
	// NoConfirm skips the countdown. It is ignored unless Interactive is set.
	NoConfirm   bool
	Interactive bool
	// Review holds the verified config in AwaitingApply until Proceed.
	Review bool
}

// EffectiveCountdown returns the countdown an apply will actually run.
func (o ApplyOptions) EffectiveCountdown() time.Duration {
	switch {
	case o.Countdown == 0:
		return DefaultCountdown
	case o.Countdown < MinCountdown:
		return MinCountdown
	case o.Countdown > MaxCountdown:
		return MaxCountdown
	}
	return o.Countdown
}

// SkipsConfirmation reports whether the apply is kept without a countdown.
func (o ApplyOptions) SkipsConfirmation() bool { return o.NoConfirm && o.Interactive }

type commandKind int

const (
	cmdApply commandKind = iota
	cmdProceed
	cmdCancel
	cmdConfirm
	cmdRevert
)

type command struct {
	kind  commandKind
	rules rules.RuleSet
	opts  ApplyOptions
	reply chan error
}

type stage int

const (
	stageVerify stage = iota
	stageCapture
	stageApply
	stageRevert
)

type result struct {
	stage    stage
	verify   verify.Result
	snap     snapshot.Snapshot
	outcome  snapshot.RevertOutcome
	reason   RevertReason
	applyErr error
	elapsed  time.Duration
	err      error
}

// sequence is the apply in progress, from Apply until the engine is Idle
// again.
type sequence struct {
	cfg      nft.Config
	checksum string
	rules    int
	opts     ApplyOptions
	warnings []string
	snap     *snapshot.Snapshot
	deadline time.Time
}

// Engine is the apply/rollback state machine.
type Engine struct {
	deps Deps
	tick time.Duration

	cmds    chan command
	results chan result
	events  chan Event
	done    chan struct{}
	running atomic.Bool

	mu    sync.Mutex
	state State
	// lastFailure latches the most recent Failed state until a later
	// sequence is confirmed or reverted cleanly.
	lastFailure *State

	// Owned by the Run goroutine.
	seq      *sequence
	ticker   clock.Ticker
	inflight bool
	stopping bool
	stopErr  error
}

// New returns an idle engine. Run must be started before any other call
// returns.
func New(deps Deps, opts Options) *Engine {
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTick
	}
	return &Engine{
		deps:    deps,
		tick:    opts.TickInterval,
		cmds:    make(chan command),
		results: make(chan result, 1),
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}
}

// Events is closed when Run returns.
func (e *Engine) Events() <-chan Event { return e.events }

// State returns a copy of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastFailure returns the latched failure, or nil when the last sequence
// ended in a known ruleset.
func (e *Engine) LastFailure() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastFailure == nil {
		return nil
	}
	f := *e.lastFailure
	return &f
}

// Apply starts verifying rs. It fails with ErrBusy unless the engine is
// Idle, and with the joined validation errors if rs is invalid.
func (e *Engine) Apply(rs rules.RuleSet, opts ApplyOptions) error {
	return e.send(command{kind: cmdApply, rules: rs, opts: opts})
}

// Proceed continues a reviewed apply.
func (e *Engine) Proceed() error { return e.send(command{kind: cmdProceed}) }

// Cancel abandons a reviewed apply before anything was changed.
func (e *Engine) Cancel() error { return e.send(command{kind: cmdCancel}) }

// Confirm keeps the applied ruleset.
func (e *Engine) Confirm() error { return e.send(command{kind: cmdConfirm}) }

// RevertNow restores the pre-apply snapshot without waiting for the deadline.
func (e *Engine) RevertNow() error { return e.send(command{kind: cmdRevert}) }

func (e *Engine) send(c command) error {
	c.reply = make(chan error, 1)
	select {
	case e.cmds <- c:
	case <-e.done:
		return ErrStopped
	}
	return <-c.reply
}

// Run is the event loop. When ctx ends it finishes in-flight work and
// reverts an unconfirmed apply before returning. The returned error is
// non-nil only if that revert was exhausted.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: already running")
	}
	metrics.SetEngineState(StateIdle.String())

	for {
		var tickC <-chan time.Time
		if e.ticker != nil {
			tickC = e.ticker.C()
		}

		select {
		case <-ctx.Done():
			return e.stop(ctx)
		case c := <-e.cmds:
			c.reply <- e.handleCommand(ctx, c)
		case r := <-e.results:
			e.inflight = false
			e.handleResult(ctx, r)
		case <-tickC:
			e.handleTick(ctx)
		}
	}
}

func (e *Engine) stop(ctx context.Context) error {
	e.stopping = true
	bg := context.WithoutCancel(ctx)

	if e.inflight {
		r := <-e.results
		e.inflight = false
		e.handleResult(bg, r)
	}
	switch e.state.Kind {
	case StatePendingConfirmation:
		log.Warn("shutting down with an unconfirmed apply, reverting")
		e.startRevert(bg, RevertShutdown, nil)
	case StateAwaitingApply:
		e.finish()
	}
	e.stopTicker()

	close(e.done)
	close(e.events)
	return e.stopErr
}

func (e *Engine) handleCommand(ctx context.Context, c command) error {
	kind := e.state.Kind
	switch c.kind {
	case cmdApply:
		if kind != StateIdle {
			return ErrBusy
		}
		return e.begin(ctx, c.rules, c.opts)

	case cmdProceed:
		if kind != StateAwaitingApply || e.inflight {
			return ErrNotAwaiting
		}
		e.startCapture(ctx)
		return nil

	case cmdCancel:
		if kind != StateAwaitingApply || e.inflight {
			return ErrNotAwaiting
		}
		log.Info("apply cancelled during review")
		e.finish()
		return nil

	case cmdConfirm:
		if kind != StatePendingConfirmation {
			return ErrNotPending
		}
		if e.deps.Clock.Until(e.seq.deadline) <= 0 {
			e.startRevert(ctx, RevertTimeout, nil)
			return ErrNotPending
		}
		e.confirm()
		return nil

	case cmdRevert:
		if kind != StatePendingConfirmation {
			return ErrNotPending
		}
		e.startRevert(ctx, RevertOperator, nil)
		return nil
	}
	return fmt.Errorf("engine: unknown command %d", c.kind)
}

func (e *Engine) begin(ctx context.Context, rs rules.RuleSet, opts ApplyOptions) error {
	vr := rules.Validate(rs)
	if err := vr.Err(); err != nil {
		return fmt.Errorf("engine: invalid rule set: %w", err)
	}

	cfg := generator.Generate(rs)
	sum, err := nft.Checksum(cfg)
	if err != nil {
		return err
	}
	e.seq = &sequence{
		cfg:      cfg,
		checksum: sum,
		rules:    nft.RuleCount(cfg),
		opts:     opts,
		warnings: vr.Warnings,
	}
	e.transition(State{Kind: StateVerifying})

	e.spawn(ctx, func(ctx context.Context) result {
		res, err := e.deps.Verifier.Verify(ctx, cfg)
		return result{stage: stageVerify, verify: res, err: err}
	})
	return nil
}

func (e *Engine) handleResult(ctx context.Context, r result) {
	switch r.stage {
	case stageVerify:
		e.verified(ctx, r)
	case stageCapture:
		e.captured(ctx, r)
	case stageApply:
		e.applied(ctx, r)
	case stageRevert:
		e.reverted(r)
	}
}

func (e *Engine) verified(ctx context.Context, r result) {
	seq := e.seq
	status := verifyLabel(r)
	metrics.VerifyTotal.WithLabelValues(status).Inc()
	metrics.VerifyDuration.Observe(r.verify.Duration.Seconds())

	err := r.err
	if err == nil {
		err = r.verify.Err()
	}
	e.deps.Audit.Record(audit.EventVerifyRules, err == nil, map[string]any{
		"checksum": seq.checksum,
		"rules":    seq.rules,
		"status":   status,
	}, err)
	warnings := append(append([]string(nil), seq.warnings...), r.verify.Warnings...)
	e.emit(VerifyCompleted{Result: r.verify, Warnings: warnings})

	if r.err != nil {
		reason := ReasonVerification
		var eerr *elevation.Error
		if errors.As(r.err, &eerr) {
			reason = ReasonElevation
			e.recordElevation(r.err)
		}
		e.fail(reason, r.err)
		return
	}
	if err != nil {
		e.fail(ReasonVerification, err)
		return
	}

	e.transition(State{Kind: StateAwaitingApply})
	if e.stopping {
		e.finish()
		return
	}
	if !seq.opts.Review {
		e.startCapture(ctx)
	}
}

func verifyLabel(r result) string {
	if r.err != nil {
		return "error"
	}
	return strings.ReplaceAll(r.verify.Status.String(), " ", "_")
}

func (e *Engine) startCapture(ctx context.Context) {
	desc := "before apply " + e.seq.checksum[:12]
	e.spawn(ctx, func(ctx context.Context) result {
		snap, err := e.deps.Snapshots.Capture(ctx, desc)
		return result{stage: stageCapture, snap: snap, err: err}
	})
}

func (e *Engine) captured(ctx context.Context, r result) {
	if r.err != nil {
		e.fail(ReasonSnapshot, r.err)
		return
	}
	snap := r.snap
	e.seq.snap = &snap
	e.emit(SnapshotCaptured{Snapshot: snap})
	if e.stopping {
		e.finish()
		return
	}

	e.transition(State{Kind: StateApplying})
	cfg := e.seq.cfg
	// A started apply always runs to completion so its result is known.
	e.spawn(context.WithoutCancel(ctx), func(ctx context.Context) result {
		start := time.Now()
		err := e.deps.Applier.Apply(ctx, cfg)
		return result{stage: stageApply, elapsed: time.Since(start), err: err}
	})
}

func (e *Engine) applied(ctx context.Context, r result) {
	seq := e.seq
	metrics.ApplyDuration.Observe(r.elapsed.Seconds())
	details := map[string]any{
		"checksum": seq.checksum,
		"rules":    seq.rules,
		"snapshot": seq.snap.ID.String(),
	}

	if r.err != nil {
		aerr := &ApplyError{Err: r.err}
		e.deps.Audit.Record(audit.EventApplyRules, false, details, aerr)
		if elevation.IsAuthProblem(r.err) {
			// nft never ran, the live table is unchanged.
			e.recordElevation(r.err)
			metrics.ApplyTotal.WithLabelValues("failed").Inc()
			e.fail(ReasonElevation, aerr)
			return
		}
		log.Error("apply failed, restoring snapshot", "snapshot", seq.snap.Short(), "error", r.err)
		e.startRevert(ctx, RevertApplyFailed, aerr)
		return
	}

	e.deps.Audit.Record(audit.EventApplyRules, true, details, nil)
	metrics.RulesApplied.Set(float64(seq.rules))
	log.Info("ruleset applied", "rules", seq.rules, "checksum", seq.checksum[:12], "duration", r.elapsed)

	if e.stopping {
		e.emit(Applied{Rules: seq.rules, Checksum: seq.checksum})
		e.startRevert(ctx, RevertShutdown, nil)
		return
	}
	if seq.opts.SkipsConfirmation() {
		e.emit(Applied{Rules: seq.rules, Checksum: seq.checksum})
		e.transition(State{Kind: StateConfirmed})
		e.emit(Confirmed{})
		metrics.ApplyTotal.WithLabelValues("confirmed").Inc()
		e.finish()
		return
	}

	countdown := seq.opts.EffectiveCountdown()
	seq.deadline = e.deps.Clock.Now().Add(countdown)
	marker := snapshot.Pending{SnapshotID: seq.snap.ID, Deadline: seq.deadline, PID: os.Getpid()}
	if err := e.deps.Snapshots.MarkPending(marker); err != nil {
		log.Warn("writing pending marker failed", "error", err)
	}
	e.ticker = e.deps.Clock.NewTicker(e.tick)
	metrics.CountdownRemaining.Set(countdown.Seconds())

	e.transition(State{Kind: StatePendingConfirmation, Deadline: seq.deadline, Snapshot: seq.snap})
	e.emit(Applied{Rules: seq.rules, Checksum: seq.checksum, Deadline: seq.deadline})
}

func (e *Engine) handleTick(ctx context.Context) {
	if e.state.Kind != StatePendingConfirmation {
		return
	}
	remaining := e.deps.Clock.Until(e.seq.deadline)
	if remaining <= 0 {
		metrics.CountdownRemaining.Set(0)
		log.Warn("confirmation deadline passed, reverting")
		e.startRevert(ctx, RevertTimeout, nil)
		return
	}
	metrics.CountdownRemaining.Set(remaining.Seconds())
	e.emit(CountdownTick{Remaining: remaining})
}

func (e *Engine) confirm() {
	e.stopTicker()
	if err := e.deps.Snapshots.ClearPending(); err != nil {
		log.Warn("clearing pending marker failed", "error", err)
	}
	e.deps.Audit.Record(audit.EventAutoRevertConfirmed, true, map[string]any{
		"checksum": e.seq.checksum,
		"snapshot": e.seq.snap.ID.String(),
	}, nil)
	metrics.ApplyTotal.WithLabelValues("confirmed").Inc()
	metrics.CountdownRemaining.Set(0)
	log.Info("ruleset confirmed", "checksum", e.seq.checksum[:12])

	e.transition(State{Kind: StateConfirmed})
	e.emit(Confirmed{})
	e.finish()
}

func (e *Engine) startRevert(ctx context.Context, reason RevertReason, applyErr error) {
	e.stopTicker()
	snap := e.seq.snap
	e.transition(State{Kind: StateReverting})

	// A started restore always runs to completion.
	e.spawn(context.WithoutCancel(ctx), func(ctx context.Context) result {
		out, err := e.deps.Snapshots.RestoreWithFallback(ctx, snap)
		return result{stage: stageRevert, outcome: out, reason: reason, applyErr: applyErr, err: err}
	})
}

func (e *Engine) reverted(r result) {
	if err := e.deps.Snapshots.ClearPending(); err != nil {
		log.Warn("clearing pending marker failed", "error", err)
	}
	details := map[string]any{
		"reason":   string(r.reason),
		"attempts": len(r.outcome.Attempts),
	}
	if r.applyErr != nil {
		details["apply_error"] = r.applyErr.Error()
	}
	metrics.CountdownRemaining.Set(0)

	if r.err != nil {
		e.deps.Audit.Record(audit.EventRevertRules, false, details, r.err)
		if r.reason == RevertTimeout {
			e.deps.Audit.Record(audit.EventAutoRevertTimedOut, false, details, r.err)
		}
		metrics.RevertExhaustedTotal.Inc()
		metrics.ApplyTotal.WithLabelValues("failed").Inc()
		if e.stopping {
			e.stopErr = r.err
		}
		e.fail(ReasonRevertExhausted, r.err)
		return
	}

	details["source"] = r.outcome.Source.String()
	e.deps.Audit.Record(audit.EventRevertRules, true, details, nil)
	if r.reason == RevertTimeout {
		e.deps.Audit.Record(audit.EventAutoRevertTimedOut, true, details, nil)
	}
	metrics.RevertTotal.WithLabelValues(string(r.reason), r.outcome.Source.String()).Inc()
	if r.reason == RevertApplyFailed {
		metrics.ApplyTotal.WithLabelValues("failed").Inc()
	} else {
		metrics.ApplyTotal.WithLabelValues("reverted").Inc()
	}

	e.mu.Lock()
	e.lastFailure = nil
	e.mu.Unlock()
	e.emit(Reverted{Reason: r.reason, Outcome: r.outcome, ApplyErr: r.applyErr})
	e.finish()
}

func (e *Engine) recordElevation(err error) {
	kind := audit.EventElevationFailed
	if errors.Is(err, elevation.ErrCancelled) {
		kind = audit.EventElevationCancelled
	}
	e.deps.Audit.Record(kind, false, nil, err)
}

// fail enters Failed, emits the failure and returns to Idle.
func (e *Engine) fail(reason Reason, err error) {
	e.stopTicker()
	log.Error("apply sequence failed", "reason", string(reason), "error", err)
	e.transition(State{Kind: StateFailed, Reason: reason, Err: err})
	e.emit(Failed{Reason: reason, Err: err, ManualRecovery: ManualRecovery})
	e.finish()
}

// finish drops the sequence and returns to Idle.
func (e *Engine) finish() {
	e.seq = nil
	e.transition(State{Kind: StateIdle})
}

func (e *Engine) stopTicker() {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
}

// spawn runs fn in a worker whose result comes back through e.results. While
// stopping there is no loop left to receive it, so fn runs inline.
func (e *Engine) spawn(ctx context.Context, fn func(context.Context) result) {
	if e.stopping {
		e.handleResult(ctx, fn(ctx))
		return
	}
	e.inflight = true
	go func() { e.results <- fn(ctx) }()
}

func (e *Engine) transition(to State) {
	e.mu.Lock()
	from := e.state
	e.state = to
	switch to.Kind {
	case StateFailed:
		f := to
		e.lastFailure = &f
	case StateConfirmed:
		e.lastFailure = nil
	}
	e.mu.Unlock()

	metrics.SetEngineState(to.Kind.String())
	log.Debug("engine state", "from", from.String(), "to", to.String())
	e.emit(StateChanged{From: from, To: to})
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		log.Warn("engine event dropped, consumer too slow", "event", fmt.Sprintf("%T", ev))
	}
}
