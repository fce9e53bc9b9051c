package cmd

import (
	"errors"
	"fmt"

	"github.com/ledati16/drfw/pkg/generator"
	"github.com/ledati16/drfw/pkg/nft"
	"github.com/ledati16/drfw/pkg/snapshot"
	"github.com/spf13/cobra"
)

var diffCmd = &cobra.Command{
	Use:   "diff <profile>",
	Short: "Show what applying a profile would change",
	Long: `Print a unified diff between the newest snapshot and the ruleset
generated for a profile. Use --snapshot to compare against an older one.`,
	Example: `  drfw diff default
  drfw diff server --snapshot 12`,
	Args: cobra.ExactArgs(1),
	RunE: runDiff,
}

var diffSnapshot string

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().StringVar(&diffSnapshot, "snapshot", "", "snapshot generation or id to compare against (default newest)")
}

func runDiff(cmd *cobra.Command, args []string) error {
	rs, err := loadProfile(args[0])
	if err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}

	var snap snapshot.Snapshot
	if diffSnapshot != "" {
		snap, err = store.Find(diffSnapshot)
	} else {
		snap, err = store.Latest()
	}
	var from nft.Config
	fromName := "snapshot " + snap.Short()
	switch {
	case errors.Is(err, snapshot.ErrNotFound) && diffSnapshot == "":
		fromName = "empty"
	case err != nil:
		return err
	default:
		from = snap.Config
	}

	text, err := nft.Diff(from, generator.Generate(rs), fromName, "profile "+args[0])
	if err != nil {
		return err
	}
	if text == "" {
		okf(cmd.OutOrStdout(), "No changes")
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), text)
	return nil
}
