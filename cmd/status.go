package cmd

import (
	"fmt"
	"time"

	"github.com/ledati16/drfw/pkg/audit"
	"github.com/ledati16/drfw/pkg/rules"
	"github.com/ledati16/drfw/pkg/snapshot"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show profiles, snapshots and any interrupted apply",
	Long: `Summarize local drfw state without touching nft: the profiles directory,
the snapshot store, the audit log integrity and whether an apply was left
unconfirmed by a process that no longer runs.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	dir, err := resolveProfilesDir()
	if err != nil {
		return err
	}
	names, err := rules.ListProfiles(dir)
	if err != nil {
		return err
	}
	sectionf(out, "PROFILES", "%s", dir)
	fmt.Fprintf(out, "   Profiles: %d\n", len(names))

	store, err := openStore()
	if err != nil {
		return err
	}
	entries, err := store.List()
	if err != nil {
		return err
	}
	invalid := 0
	for _, e := range entries {
		if _, err := snapshot.Load(e.Path); err != nil {
			invalid++
		}
	}
	fmt.Fprintln(out)
	sectionf(out, "SNAPSHOTS", "%s", store.Dir())
	fmt.Fprintf(out, "   Stored: %d\n", len(entries))
	if len(entries) > 0 {
		fmt.Fprintf(out, "   Newest generation: %d\n", entries[0].Generation)
	}
	if invalid > 0 {
		warnf(out, "%d snapshot(s) fail validation", invalid)
	}

	pending, ok, err := store.ReadPending()
	switch {
	case err != nil:
		warnf(out, "pending marker unreadable: %v", err)
	case !ok:
		fmt.Fprintln(out, "   Pending apply: none")
	case pending.Stale(time.Now()):
		warnf(out, "an apply by PID %d was never confirmed (deadline %s)", pending.PID, pending.Deadline.Local().Format(time.DateTime))
		fmt.Fprintln(out, "       run 'drfw restore' to roll back to the pre-apply snapshot")
	default:
		fmt.Fprintf(out, "   Pending apply: PID %d, reverts at %s\n", pending.PID, pending.Deadline.Local().Format(time.TimeOnly))
	}

	if !auditEnabled {
		return nil
	}
	cfg := audit.DefaultConfig(store.Dir())
	if auditPath != "" {
		cfg.LogFilePath = auditPath
	}
	fmt.Fprintln(out)
	sectionf(out, "AUDIT", "%s", cfg.LogFilePath)
	logger, err := audit.NewLogger(cfg)
	if err != nil {
		warnf(out, "audit log unavailable: %v", err)
		return nil
	}
	defer logger.Close()
	valid, err := logger.Verify()
	switch {
	case err != nil:
		warnf(out, "integrity check failed: %v", err)
	case valid && logger.GetStats().ChecksumFailures == 0:
		fmt.Fprintln(out, "   Integrity: "+styleGood.Render("ok"))
	default:
		fmt.Fprintln(out, "   Integrity: "+styleBad.Render("tampered"))
	}
	fmt.Fprintf(out, "   Tracked files: %d\n", logger.GetStats().TrackedFiles)
	return nil
}
