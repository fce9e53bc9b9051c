package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/ledati16/drfw/pkg/elevation"
	"github.com/ledati16/drfw/pkg/generator"
	"github.com/ledati16/drfw/pkg/nft"
	"github.com/ledati16/drfw/pkg/verify"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check <profile>",
	Short: "Verify a profile with nft without applying it",
	Long:  `Generate the nft program for a profile and dry-run it with nft --check. Nothing is changed.`,
	Example: `  drfw check default
  drfw check server -v`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	rs, err := loadProfile(args[0])
	if err != nil {
		return err
	}
	b, err := openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	cfg := generator.Generate(rs)
	out := cmd.OutOrStdout()
	sectionf(out, "PROFILE", "%s", args[0])
	fmt.Fprintf(out, "   Rules: %d\n", nft.RuleCount(cfg))

	res, err := b.verifier.Verify(cmd.Context(), cfg)
	if err != nil {
		if errors.As(err, new(*elevation.Error)) {
			return &ExitError{Code: ExitElevationFailed, Err: err}
		}
		return err
	}

	for _, w := range res.Warnings {
		warnf(out, "%s", w)
	}
	switch res.Status {
	case verify.Passed:
		fmt.Fprintf(out, "   Status: %s (%s)\n", styleGood.Render("[OK] VALID"), res.Duration.Round(time.Millisecond))
		return nil
	case verify.TimedOut:
		fmt.Fprintln(out, "   Status: "+styleBad.Render("[X] TIMED OUT"))
	default:
		fmt.Fprintln(out, "   Status: "+styleBad.Render("[X] REJECTED"))
		fmt.Fprintln(out, "   Errors:")
		for _, m := range res.Messages {
			fmt.Fprintf(out, "     - %s\n", m)
		}
	}
	return &ExitError{Code: ExitVerifyFailed, Err: res.Err()}
}
