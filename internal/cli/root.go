package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dhismig",
	Short: "Migrate aggregate data elements and their values between DHIS2 instances",
	Long: `dhismig restructures aggregate data elements from a source DHIS2 instance
into new data elements and category combos on a destination instance, as
described by a worksheet, and moves their data values window by window.

Runs are journaled so an interrupted migration can be resumed with
'dhismig migrate --resume'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context so long transfers stop between batches.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (YAML)")
	rootCmd.PersistentFlags().String("journal", "", "Path to the run journal (overrides DHISMIG_JOURNAL_PATH)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output format: table, json or yaml")
}
