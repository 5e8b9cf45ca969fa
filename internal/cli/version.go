package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/dhismig/internal/render"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Displays version, commit, and build date information.`,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	format, err := render.ParseFormat(output)
	if err != nil {
		return err
	}
	if format != render.FormatTable {
		return render.NewRenderer(cmd.OutOrStdout(), format).Render(map[string]string{
			"version":    Version,
			"commit":     GitCommit,
			"build_date": BuildDate,
		}, render.Table{})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "dhismig version %s\n", Version)
	fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", GitCommit)
	fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", BuildDate)
	return nil
}
