package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ledati16/drfw/pkg/nft"
	"github.com/ledati16/drfw/pkg/snapshot"
	"github.com/spf13/cobra"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List stored snapshots and their checksum status",
	Args:  cobra.NoArgs,
	RunE:  runSnapshots,
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)
}

func runSnapshots(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	entries, err := store.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintf(out, "No snapshots in %s\n", store.Dir())
		return nil
	}

	t := newTable("GEN", "ID", "CREATED", "RULES", "CHECKSUM", "STATUS", "DESCRIPTION")
	for _, e := range entries {
		snap, err := snapshot.Load(e.Path)
		id, created, rules, sum := "-", "-", "-", "-"
		if snap.ID != uuid.Nil {
			id = snap.Short()
			created = snap.CreatedAt.Local().Format(time.DateTime)
			rules = strconv.Itoa(nft.RuleCount(snap.Config))
			if len(snap.Checksum) >= 12 {
				sum = snap.Checksum[:12]
			}
		}
		t.Row(strconv.FormatUint(e.Generation, 10), id, created, rules, sum, snapshotStatus(err), snap.Description)
	}
	fmt.Fprintln(out, t.String())
	return nil
}

func snapshotStatus(err error) string {
	if err == nil {
		return styleGood.Render("ok")
	}
	var kind string
	switch {
	case errors.Is(err, snapshot.ErrChecksumMismatch):
		kind = "checksum mismatch"
	case errors.Is(err, snapshot.ErrEmpty):
		kind = "empty"
	default:
		kind = "corrupted"
	}
	return styleBad.Render(kind)
}
