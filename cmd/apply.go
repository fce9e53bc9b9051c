package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/ledati16/drfw/pkg/elevation"
	"github.com/ledati16/drfw/pkg/engine"
	"github.com/ledati16/drfw/pkg/generator"
	"github.com/ledati16/drfw/pkg/log"
	"github.com/ledati16/drfw/pkg/metrics"
	"github.com/ledati16/drfw/pkg/nft"
	"github.com/ledati16/drfw/pkg/verify"
	"github.com/spf13/cobra"
)

// Version is reported by drfw_build_info.
var Version = "0.1.0"

var applyCmd = &cobra.Command{
	Use:   "apply <profile>",
	Short: "Apply a profile with automatic rollback",
	Long: `Verify a profile with nft, snapshot the live drfw table, apply the new
ruleset and wait for confirmation. Without confirmation the snapshot is
restored when the countdown ends.

On a terminal, press Enter, c or y to keep the ruleset and r to revert.
Unattended, send SIGUSR1 to confirm; SIGINT or SIGTERM revert immediately.`,
	Example: `  drfw apply default
  drfw apply server --confirm 60
  drfw apply laptop --review
  drfw apply server --metrics-addr 127.0.0.1:9090`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

var (
	confirmSeconds int
	noConfirm      bool
	review         bool
	metricsAddr    string
	metricsPath    string
)

func init() {
	rootCmd.AddCommand(applyCmd)
	applyCmd.Flags().IntVar(&confirmSeconds, "confirm", int(engine.DefaultCountdown/time.Second), "seconds to confirm before reverting (5-120)")
	applyCmd.Flags().BoolVar(&noConfirm, "no-confirm", false, "keep the ruleset without a countdown (terminal only)")
	applyCmd.Flags().BoolVar(&review, "review", false, "show the generated ruleset and ask before applying")
	applyCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for Prometheus metrics endpoint (e.g., 127.0.0.1:9090)")
	applyCmd.Flags().StringVar(&metricsPath, "metrics-path", "/metrics", "path for metrics endpoint")
	applyCmd.MarkFlagsMutuallyExclusive("confirm", "no-confirm")
}

func runApply(cmd *cobra.Command, args []string) error {
	rs, err := loadProfile(args[0])
	if err != nil {
		return err
	}

	interactive := elevation.StdinIsTerminal()
	if review && !interactive {
		return fmt.Errorf("--review needs a terminal on stdin")
	}
	if noConfirm && !interactive {
		log.Warn("--no-confirm ignored without a terminal, the countdown still runs")
	}

	b, err := openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	eng := engine.New(engine.Deps{
		Verifier:  b.verifier,
		Snapshots: b.snapshots,
		Applier:   b.enforcer,
		Audit:     b.audit,
	}, engine.Options{})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	if metricsAddr != "" {
		server, err := startMetrics(b, func() bool { return engineReady(eng) })
		if err != nil {
			cancel()
			<-runErr
			return err
		}
		defer stopMetrics(server)
	}

	opts := engine.ApplyOptions{
		Countdown:   time.Duration(confirmSeconds) * time.Second,
		NoConfirm:   noConfirm,
		Interactive: interactive,
		Review:      review,
	}
	if err := eng.Apply(rs, opts); err != nil {
		cancel()
		<-runErr
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, append([]os.Signal{syscall.SIGINT, syscall.SIGTERM}, confirmSignals...)...)
	defer signal.Stop(sigs)

	w := &applyWatcher{out: cmd.OutOrStdout(), eng: eng, opts: opts, preview: nft.RenderText(generator.Generate(rs))}
	if interactive {
		stdin := cmd.InOrStdin()
		w.openInput = func() <-chan string { return readLines(stdin) }
	}
	result := w.watch(sigs)

	// Stopping the loop reverts anything still unconfirmed.
	cancel()
	if err := <-runErr; err != nil {
		return exitErr(ExitRevertExhausted, "revert on exit failed: %w", err)
	}
	return result
}

func startMetrics(b *backend, ready func() bool) (*metrics.Server, error) {
	metrics.SetBuildInfo(Version, runtime.Version())
	server := metrics.NewServer(metrics.ServerConfig{Addr: metricsAddr, Path: metricsPath}, ready)
	if err := server.RegisterCollector(metrics.NewSnapshotCollector(b.store)); err != nil {
		log.Warn("failed to register snapshot collector", "error", err)
	}
	if b.logger != nil {
		if err := server.RegisterCollector(metrics.NewAuditCollector(b.logger)); err != nil {
			log.Warn("failed to register audit collector", "error", err)
		}
	}
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	return server, nil
}

// engineReady reports whether the last apply left the firewall in a known
// ruleset.
func engineReady(eng *engine.Engine) bool { return eng.LastFailure() == nil }

func stopMetrics(server *metrics.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Warn("failed to stop metrics server", "error", err)
	}
}

func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- strings.ToLower(strings.TrimSpace(scanner.Text()))
		}
	}()
	return ch
}

// applyWatcher renders engine events and turns operator input into engine
// commands until the apply resolves.
type applyWatcher struct {
	out     io.Writer
	eng     *engine.Engine
	opts    engine.ApplyOptions
	preview string
	// openInput starts reading operator lines. It is nil when stdin is not a
	// terminal and is called at most once, when the first prompt is shown.
	openInput func() <-chan string
}

func (w *applyWatcher) watch(sigs <-chan os.Signal) error {
	var lines <-chan string
	opened := false
	for {
		select {
		case ev, ok := <-w.eng.Events():
			if !ok {
				return errors.New("engine stopped unexpectedly")
			}
			if done, err := w.handle(ev); done {
				return err
			}
			if !opened && w.openInput != nil && promptsOperator(ev, w.opts) {
				lines = w.openInput()
				opened = true
			}

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if done, err := w.input(line); done {
				return err
			}

		case sig := <-sigs:
			if done, err := w.signal(sig); done {
				return err
			}
		}
	}
}

// promptsOperator reports whether ev asks the operator for a line.
func promptsOperator(ev engine.Event, opts engine.ApplyOptions) bool {
	switch ev := ev.(type) {
	case engine.StateChanged:
		return ev.To.Kind == engine.StateAwaitingApply && opts.Review
	case engine.Applied:
		return !ev.Deadline.IsZero()
	}
	return false
}

func (w *applyWatcher) handle(ev engine.Event) (bool, error) {
	switch ev := ev.(type) {
	case engine.VerifyCompleted:
		for _, warn := range ev.Warnings {
			warnf(w.out, "%s", warn)
		}
		if ev.Result.Status == verify.Passed {
			okf(w.out, "Ruleset verified by nft (%s)", ev.Result.Duration.Round(time.Millisecond))
		}

	case engine.StateChanged:
		if ev.To.Kind == engine.StateAwaitingApply && w.opts.Review {
			fmt.Fprintln(w.out)
			fmt.Fprint(w.out, w.preview)
			fmt.Fprint(w.out, "\nApply this ruleset? [y/N] ")
		}

	case engine.SnapshotCaptured:
		okf(w.out, "Snapshot %d saved (%s)", ev.Snapshot.Generation, ev.Snapshot.Short())

	case engine.Applied:
		okf(w.out, "Applied %d rules (checksum %s)", ev.Rules, ev.Checksum[:12])
		if ev.Deadline.IsZero() {
			return false, nil
		}
		remaining := time.Until(ev.Deadline).Round(time.Second)
		if w.opts.Interactive {
			fmt.Fprintf(w.out, "\nKeep these rules? Press Enter, c or y to confirm, r to revert (%s)\n", remaining)
		} else {
			fmt.Fprintf(w.out, "\nConfirm with: kill -USR1 %d (reverting in %s)\n", os.Getpid(), remaining)
		}

	case engine.CountdownTick:
		fmt.Fprintf(w.out, "\r   reverting in %3ds ", int(ev.Remaining.Round(time.Second)/time.Second))

	case engine.Confirmed:
		fmt.Fprintln(w.out)
		okf(w.out, "Ruleset confirmed")
		return true, nil

	case engine.Reverted:
		fmt.Fprintln(w.out)
		sectionf(w.out, "REVERTED", "Restored %s snapshot (%s, %d attempts)",
			ev.Outcome.Source, ev.Reason, len(ev.Outcome.Attempts))
		if ev.ApplyErr != nil {
			w.recovery("The previous ruleset was restored. If the firewall is not as expected, recover with:", engine.ManualRecovery)
			return true, &ExitError{Code: ExitApplyFailed, Err: ev.ApplyErr}
		}
		return true, exitErr(ExitReverted, "ruleset reverted (%s)", ev.Reason)

	case engine.Failed:
		return true, w.failed(ev)
	}
	return false, nil
}

func (w *applyWatcher) failed(ev engine.Failed) error {
	var code int
	switch ev.Reason {
	case engine.ReasonVerification:
		code = ExitVerifyFailed
		var verr *verify.Error
		if errors.As(ev.Err, &verr) {
			failf(w.out, "nft rejected the ruleset:")
			for _, m := range verr.Messages {
				fmt.Fprintf(w.out, "     - %s\n", m)
			}
		}
	case engine.ReasonElevation:
		code = ExitElevationFailed
	case engine.ReasonRevertExhausted:
		code = ExitRevertExhausted
	default:
		code = ExitGeneric
	}

	switch ev.Reason {
	case engine.ReasonRevertExhausted:
		w.recovery("Could not restore the firewall. Recover manually with:", ev.ManualRecovery)
	case engine.ReasonElevation, engine.ReasonSnapshot:
		w.recovery("If the firewall is not as expected, recover with:", ev.ManualRecovery)
	}
	return &ExitError{Code: code, Err: fmt.Errorf("%s failed: %w", ev.Reason, ev.Err)}
}

func (w *applyWatcher) recovery(header string, cmds []string) {
	fmt.Fprintln(w.out)
	failf(w.out, "%s", header)
	for _, c := range cmds {
		fmt.Fprintf(w.out, "     %s\n", c)
	}
}

func (w *applyWatcher) input(line string) (bool, error) {
	switch w.eng.State().Kind {
	case engine.StateAwaitingApply:
		if line == "y" || line == "yes" {
			if err := w.eng.Proceed(); err != nil {
				log.Warn("proceed rejected", "error", err)
			}
			return false, nil
		}
		if err := w.eng.Cancel(); err != nil {
			log.Warn("cancel rejected", "error", err)
			return false, nil
		}
		fmt.Fprintln(w.out, "Apply cancelled, nothing was changed")
		return true, nil

	case engine.StatePendingConfirmation:
		switch line {
		case "", "c", "y", "yes":
			if err := w.eng.Confirm(); err != nil {
				log.Warn("confirm rejected", "error", err)
			}
		case "r":
			if err := w.eng.RevertNow(); err != nil {
				log.Warn("revert rejected", "error", err)
			}
		default:
			fmt.Fprint(w.out, "\n   press Enter, c or y to confirm, r to revert\n")
		}
	}
	return false, nil
}

func (w *applyWatcher) signal(sig os.Signal) (bool, error) {
	kind := w.eng.State().Kind
	if isConfirmSignal(sig) {
		if err := w.eng.Confirm(); err != nil {
			log.Warn("confirm signal ignored", "state", kind.String(), "error", err)
		}
		return false, nil
	}

	log.Info("received signal", "signal", sig.String(), "state", kind.String())
	switch kind {
	case engine.StatePendingConfirmation:
		if err := w.eng.RevertNow(); err != nil {
			log.Warn("revert rejected", "error", err)
		}
		return false, nil
	case engine.StateReverting:
		return false, nil
	case engine.StateAwaitingApply:
		if err := w.eng.Cancel(); err == nil {
			fmt.Fprintln(w.out, "\nApply cancelled, nothing was changed")
			return true, nil
		}
	}
	// Verify, snapshot and apply run to completion; stopping the engine
	// reverts an apply that already happened.
	return true, exitErr(ExitGeneric, "interrupted by %s", sig)
}
