package cmd

import (
	"fmt"
	"strconv"

	"github.com/ledati16/drfw/pkg/rules"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available profiles",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List service presets usable in profiles",
	Args:  cobra.NoArgs,
	RunE:  runPresets,
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(presetsCmd)
}

func runList(cmd *cobra.Command, _ []string) error {
	dir, err := resolveProfilesDir()
	if err != nil {
		return err
	}
	names, err := rules.ListProfiles(dir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintf(out, "No profiles in %s\n", dir)
		return nil
	}

	t := newTable("PROFILE", "RULES", "STATUS")
	for _, name := range names {
		rs, result, err := rules.LoadProfile(dir, name)
		status := styleGood.Render("valid")
		switch {
		case err != nil && len(result.Errors) == 0:
			status = styleBad.Render("unreadable")
		case err != nil:
			status = styleBad.Render(fmt.Sprintf("%d error(s)", len(result.Errors)))
		case len(result.Warnings) > 0:
			status = styleWarn.Render(fmt.Sprintf("%d warning(s)", len(result.Warnings)))
		}
		t.Row(name, strconv.Itoa(len(rs.Rules)), status)
	}
	fmt.Fprintln(out, t.String())
	return nil
}

func runPresets(cmd *cobra.Command, _ []string) error {
	t := newTable("NAME", "CATEGORY", "PROTOCOL", "PORT")
	for _, p := range rules.Presets() {
		t.Row(p.Name, p.Category, string(p.Protocol), strconv.Itoa(int(p.Port)))
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.String())
	return nil
}
