package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/dhismig/internal/cli/appctx"
	"github.com/lherron/dhismig/internal/migrate"
	"github.com/lherron/dhismig/internal/render"
	"github.com/lherron/dhismig/internal/worksheet"
)

var renameCombosCmd = &cobra.Command{
	Use:   "rename-combos",
	Short: "Copy proposed category combos and rename their option combos",
	Long: `Ensures every proposed category combo of the worksheet, copies it to the
destination and renames its category option combos from a rename sheet with
the columns "categoryOptionCombos.id" and "updated name for Coc update".
Renames the destination rejects are appended to the problems file.

Examples:
  dhismig rename-combos --renames "Update CoCs.csv"
`,
	RunE: appctx.WithApp(appctx.Full(), runRenameCombos),
}

var (
	renameWorksheet string
	renameSheet     string
)

func init() {
	rootCmd.AddCommand(renameCombosCmd)

	renameCombosCmd.Flags().StringVar(&renameWorksheet, "worksheet", "", "Worksheet CSV (overrides config)")
	renameCombosCmd.Flags().StringVar(&renameSheet, "renames", "", "Rename sheet CSV (overrides rename_sheet)")
}

func runRenameCombos(app *appctx.App, cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("worksheet") {
		app.Config.Worksheet = renameWorksheet
	}
	if cmd.Flags().Changed("renames") {
		app.Config.RenameSheet = renameSheet
	}

	sum, runID, err := doRenameCombos(appctx.Context(cmd), app)
	if err != nil {
		return err
	}
	r, err := app.Renderer(cmd)
	if err != nil {
		return err
	}
	return r.Render(struct {
		Run     string                `json:"run" yaml:"run"`
		Summary migrate.RenameSummary `json:"summary" yaml:"summary"`
	}{runID, sum}, render.Table{
		Headers: []string{"RUN " + runID, "COUNT"},
		Rows: [][]string{
			{"combos", strconv.Itoa(sum.Combos)},
			{"renamed", strconv.Itoa(sum.Renamed)},
			{"problems", strconv.Itoa(sum.Problems)},
		},
	})
}

func doRenameCombos(ctx context.Context, app *appctx.App) (migrate.RenameSummary, string, error) {
	cfg := app.Config
	if cfg.Worksheet == "" {
		return migrate.RenameSummary{}, "", fmt.Errorf("no worksheet configured (set worksheet or use --worksheet)")
	}
	sheet, err := worksheet.Load(cfg.Worksheet)
	if err != nil {
		return migrate.RenameSummary{}, "", err
	}
	renames, err := worksheet.Load(cfg.RenameSheet)
	if err != nil {
		return migrate.RenameSummary{}, "", fmt.Errorf("rename sheet: %w", err)
	}
	opts, err := appctx.MigrateOptions(cfg)
	if err != nil {
		return migrate.RenameSummary{}, "", err
	}

	runID, err := startRun(app, "rename-combos", "", map[string]any{"rename_sheet": cfg.RenameSheet})
	if err != nil {
		return migrate.RenameSummary{}, "", err
	}
	logger := app.Logger.With(zap.String("run", runID))

	l := appctx.Ledger(cfg)
	m := migrate.New(migrate.Deps{API: app.API, Ledger: l, Logger: logger.Named("migrate")}, sheet, opts)
	sum, err := m.RenameCombos(ctx, l, renames.CocRenames())
	return sum, runID, finishRun(app, runID, err)
}
