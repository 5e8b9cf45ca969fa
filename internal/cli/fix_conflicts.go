package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/dhismig/internal/cli/appctx"
	"github.com/lherron/dhismig/internal/conflicts"
	"github.com/lherron/dhismig/internal/render"
)

var fixConflictsCmd = &cobra.Command{
	Use:   "fix-conflicts",
	Short: "Remediate the conflicts recorded in the conflicts file",
	Long: `Reads every conflict appended to the conflicts file by earlier runs and fixes
the destination metadata behind them: organisation units are added to the
category options of rejected attribute option combos, and option combos are
moved onto the category combo of the data element that rejected them.

Examples:
  dhismig fix-conflicts
  dhismig fix-conflicts -o json
`,
	RunE: appctx.WithApp(appctx.Full(), runFixConflicts),
}

func init() {
	rootCmd.AddCommand(fixConflictsCmd)
}

func runFixConflicts(app *appctx.App, cmd *cobra.Command, args []string) error {
	sum, runID, err := doFixConflicts(appctx.Context(cmd), app)
	if err != nil {
		return err
	}
	r, err := app.Renderer(cmd)
	if err != nil {
		return err
	}
	return r.Render(struct {
		Run     string            `json:"run" yaml:"run"`
		Summary conflicts.Summary `json:"summary" yaml:"summary"`
	}{runID, sum}, render.Table{
		Headers: []string{"RUN " + runID, "COUNT"},
		Rows: [][]string{
			{"records", strconv.Itoa(sum.Records)},
			{"unique", strconv.Itoa(sum.Unique)},
			{"unclassified", strconv.Itoa(sum.Unclassified)},
			{"options updated", strconv.Itoa(sum.OptionsUpdated)},
			{"options renamed", strconv.Itoa(sum.OptionsRenamed)},
			{"combos updated", strconv.Itoa(sum.CombosUpdated)},
		},
	})
}

func doFixConflicts(ctx context.Context, app *appctx.App) (conflicts.Summary, string, error) {
	cfg := app.Config
	runID, err := startRun(app, "fix-conflicts", "", map[string]any{
		"conflicts_file":  cfg.ConflictsFile,
		"exclude_options": cfg.ExcludeOptions,
	})
	if err != nil {
		return conflicts.Summary{}, "", err
	}
	logger := app.Logger.With(zap.String("run", runID))

	engine := conflicts.New(app.API, appctx.Ledger(cfg), appctx.ConflictOptions(cfg), logger.Named("conflicts"))
	sum, err := engine.Resolve(ctx)
	if err == nil {
		if rerr := app.Store.Resolutions.Record(runID, sum); rerr != nil {
			logger.Warn("resolution not journaled", zap.Error(rerr))
		}
	}
	return sum, runID, finishRun(app, runID, err)
}
