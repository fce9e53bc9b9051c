package cmd

import (
	"errors"
	"fmt"

	"github.com/ledati16/drfw/pkg/snapshot"
	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the firewall from a snapshot",
	Long: `Restore the drfw table from the snapshot store. The chosen snapshot is
tried first, then the newest valid generations, then a minimal emergency
ruleset that keeps loopback and established connections working.`,
	Example: `  drfw restore
  drfw restore --snapshot 12
  drfw restore --snapshot 3f2a9c`,
	Args: cobra.NoArgs,
	RunE: runRestore,
}

var restoreSnapshot string

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().StringVar(&restoreSnapshot, "snapshot", "", "generation or id (prefix) to restore first")
}

func runRestore(cmd *cobra.Command, _ []string) error {
	b, err := openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	var primary *snapshot.Snapshot
	if restoreSnapshot != "" {
		snap, err := b.store.Find(restoreSnapshot)
		switch {
		case errors.Is(err, snapshot.ErrNotFound):
			return err
		case err != nil:
			// Still handed to the cascade, which records it as a failed attempt.
			warnf(cmd.ErrOrStderr(), "snapshot %s is unusable: %v", restoreSnapshot, err)
		}
		primary = &snap
	}

	out := cmd.OutOrStdout()
	outcome, err := b.snapshots.RestoreWithFallback(cmd.Context(), primary)
	for _, a := range outcome.Attempts {
		if a.Err != nil {
			warnf(out, "%s %s failed: %v", a.Source, shortID(a), a.Err)
		}
	}
	if err != nil {
		failf(out, "Could not restore the firewall. Recover manually with:")
		fmt.Fprintln(out, "     sudo nft flush table inet drfw")
		return &ExitError{Code: ExitRevertExhausted, Err: err}
	}

	if err := b.store.ClearPending(); err != nil {
		warnf(out, "could not clear pending marker: %v", err)
	}
	okf(out, "Restored from %s snapshot %s", outcome.Source, shortID(snapshot.Attempt{Source: outcome.Source, SnapshotID: outcome.SnapshotID}))
	return nil
}

func shortID(a snapshot.Attempt) string {
	if a.Source == snapshot.SourceEmergency {
		return "(emergency ruleset)"
	}
	return a.SnapshotID.String()[:8]
}
