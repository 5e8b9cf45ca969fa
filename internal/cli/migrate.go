package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/dhismig/internal/cli/appctx"
	"github.com/lherron/dhismig/internal/config"
	"github.com/lherron/dhismig/internal/conflicts"
	"github.com/lherron/dhismig/internal/migrate"
	"github.com/lherron/dhismig/internal/render"
	"github.com/lherron/dhismig/internal/worksheet"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Restructure data elements and move their values",
	Long: `Processes every proposed data element of the worksheet. Each source data
element and disaggregation filter value is one unit: the destination category
combo, migration group, migration dataset and "<name>: Continuation" data
element are ensured, the option combos are rewired and the values of the
configured windows are moved.

Completed windows are journaled. '--resume' continues the latest migrate run
(or the run given) and skips windows it already moved.

Examples:
  dhismig migrate --worksheet "Data Elements.csv"
  dhismig migrate --years 2023,2024 --months 1,2,3
  dhismig migrate --coc cocA1234567 --yes
  dhismig migrate --resume
`,
	RunE: appctx.WithApp(appctx.Full(), runMigrate),
}

var (
	migrateWorksheet       string
	migrateResume          string
	migrateSkipRestructure bool
	migrateNoValues        bool
	migrateCOCs            []string
	migrateMode            string
	migrateYears           []int
	migrateMonths          []int
	migrateDays            bool
	migrateYes             bool
)

func init() {
	rootCmd.AddCommand(migrateCmd)

	f := migrateCmd.Flags()
	f.StringVar(&migrateWorksheet, "worksheet", "", "Worksheet CSV (overrides config)")
	f.StringVar(&migrateResume, "resume", "", "Resume a run: 'latest' or a run id")
	f.Lookup("resume").NoOptDefVal = "latest"
	f.BoolVar(&migrateSkipRestructure, "skip-restructure", false, "Do not rewire category option combos")
	f.BoolVar(&migrateNoValues, "no-values", false, "Only ensure and restructure metadata")
	f.StringSliceVar(&migrateCOCs, "coc", nil, "Process only these category option combo ids")
	f.StringVar(&migrateMode, "mode", "", "Restructure mode: bulk or row")
	f.IntSliceVar(&migrateYears, "years", nil, "Explicit years to move values for")
	f.IntSliceVar(&migrateMonths, "months", nil, "Split each year into these months (1-12)")
	f.BoolVar(&migrateDays, "days", false, "Split each month into three-day windows")
	f.BoolVar(&migrateYes, "yes", false, "Skip confirmation prompts")
}

// applyRunFlags overlays the flags the operator set on cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("worksheet") {
		cfg.Worksheet = migrateWorksheet
	}
	if f.Changed("skip-restructure") {
		cfg.SkipRestructure = migrateSkipRestructure
	}
	if f.Changed("no-values") {
		cfg.ProcessValues = !migrateNoValues
	}
	if f.Changed("coc") {
		cfg.SpecificCOCs = migrateCOCs
	}
	if f.Changed("mode") {
		cfg.RestructureMode = migrateMode
	}
	applyWindowFlags(cmd, cfg, migrateYears, migrateMonths, migrateDays)
}

func applyWindowFlags(cmd *cobra.Command, cfg *config.Config, years, months []int, days bool) {
	f := cmd.Flags()
	if f.Changed("years") {
		cfg.Years.Specific = years
	}
	if f.Changed("months") {
		cfg.Years.Months = months
	}
	if f.Changed("days") {
		cfg.Years.Days = days
	}
}

func runMigrate(app *appctx.App, cmd *cobra.Command, args []string) error {
	applyRunFlags(cmd, app.Config)
	if err := app.Config.Validate(); err != nil {
		return err
	}

	var confirmer migrate.Confirmer = newPromptConfirmer(cmd.InOrStdin(), cmd.ErrOrStderr())
	if migrateYes {
		confirmer = assumeYes{}
	}
	sum, runID, err := doMigrate(appctx.Context(cmd), app, confirmer, migrateResume)
	if runID != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "run %s\n", runID)
	}
	if err != nil {
		return err
	}

	r, err := app.Renderer(cmd)
	if err != nil {
		return err
	}
	return renderMigrateSummary(r, runID, sum)
}

// doMigrate journals and executes one migrate run. It returns the run id
// whenever a run was recorded.
func doMigrate(ctx context.Context, app *appctx.App, confirmer migrate.Confirmer, resume string) (migrate.Summary, string, error) {
	cfg := app.Config
	if cfg.Worksheet == "" {
		return migrate.Summary{}, "", fmt.Errorf("no worksheet configured (set worksheet or use --worksheet)")
	}
	sheet, err := worksheet.Load(cfg.Worksheet)
	if err != nil {
		return migrate.Summary{}, "", err
	}
	opts, err := appctx.MigrateOptions(cfg)
	if err != nil {
		return migrate.Summary{}, "", err
	}

	runID, err := startRun(app, "migrate", resume, runOptions(cfg))
	if err != nil {
		return migrate.Summary{}, "", err
	}
	logger := app.Logger.With(zap.String("run", runID))

	l := appctx.Ledger(cfg)
	m := migrate.New(migrate.Deps{
		API:       app.API,
		Ledger:    l,
		Conflicts: conflicts.New(app.API, l, appctx.ConflictOptions(cfg), logger.Named("conflicts")),
		Journal:   app.Store.Runs.Journal(runID),
		Confirmer: confirmer,
		Logger:    logger.Named("migrate"),
	}, sheet, opts)

	sum, err := m.Run(ctx)
	return sum, runID, finishRun(app, runID, err)
}

// runOptions is the journaled, credential-free view of a run's settings.
func runOptions(cfg *config.Config) map[string]any {
	return map[string]any{
		"source":           cfg.Source.URL,
		"destination":      cfg.Destination.URL,
		"years":            cfg.Years,
		"skip_restructure": cfg.SkipRestructure,
		"process_values":   cfg.ProcessValues,
		"specific_cocs":    cfg.SpecificCOCs,
		"restructure_mode": cfg.RestructureMode,
	}
}

type migrateResult struct {
	Run     string          `json:"run" yaml:"run"`
	Summary migrate.Summary `json:"summary" yaml:"summary"`
}

func renderMigrateSummary(r *render.Renderer, runID string, sum migrate.Summary) error {
	data := migrateResult{Run: runID, Summary: sum}
	rows := [][]string{
		{"names", strconv.Itoa(sum.Names)},
		{"units", strconv.Itoa(sum.Units)},
		{"failed units", strconv.Itoa(sum.FailedUnits)},
		{"windows", strconv.Itoa(sum.Windows)},
		{"windows skipped", strconv.Itoa(sum.WindowsSkipped)},
		{"batches", strconv.Itoa(sum.Batches)},
		{"batches posted", strconv.Itoa(sum.Posted)},
		{"batches failed", strconv.Itoa(sum.Failed)},
	}
	return r.Render(data, render.Table{Headers: []string{"RUN " + runID, "COUNT"}, Rows: rows})
}
