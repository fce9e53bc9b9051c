package cmd

import (
	"fmt"
	"os"

	"github.com/ledati16/drfw/pkg/generator"
	"github.com/ledati16/drfw/pkg/nft"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <profile>",
	Short: "Print the nft program generated for a profile",
	Long: `Generate the nft program for a profile without touching the firewall.
The json format is exactly what apply feeds to nft; text is the nft -f syntax.`,
	Example: `  drfw export default
  drfw export server --format json -o server.json`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

var (
	exportFormat string
	outputFile   string
)

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportFormat, "format", "text", "output format (json, text, nft)")
	exportCmd.Flags().StringVarP(&outputFile, "output", "o", "", "write to a file instead of stdout")
}

func runExport(cmd *cobra.Command, args []string) error {
	rs, err := loadProfile(args[0])
	if err != nil {
		return err
	}
	data, err := renderConfig(generator.Generate(rs), exportFormat)
	if err != nil {
		return err
	}

	if outputFile == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(outputFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputFile, err)
	}
	okf(cmd.ErrOrStderr(), "Exported %s to %s", args[0], outputFile)
	return nil
}

func renderConfig(cfg nft.Config, format string) ([]byte, error) {
	switch format {
	case "json":
		data, err := cfg.Marshal()
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case "text", "nft":
		return []byte(nft.RenderText(cfg)), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (use 'json' or 'text')", format)
	}
}
