package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/dhismig/internal/cli/appctx"
	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/migrate"
	"github.com/lherron/dhismig/internal/render"
	"github.com/lherron/dhismig/internal/values"
)

var deleteValuesCmd = &cobra.Command{
	Use:   "delete-values",
	Short: "Delete the destination values of a data element",
	Long: `Deletes every value a data element holds on the destination for the
configured windows, using the migration group and dataset to scope the reads.
Use it to undo a migration of one element before moving it again.

Examples:
  dhismig delete-values --element deNew123456 --years 2024
  dhismig delete-values --element deNew123456 --yes
`,
	RunE: appctx.WithApp(appctx.Full(), runDeleteValues),
}

var (
	deleteElement string
	deleteYears   []int
	deleteMonths  []int
	deleteDays    bool
	deleteYes     bool
)

func init() {
	rootCmd.AddCommand(deleteValuesCmd)

	f := deleteValuesCmd.Flags()
	f.StringVar(&deleteElement, "element", "", "Destination data element id (required)")
	f.IntSliceVar(&deleteYears, "years", nil, "Explicit years to delete values for")
	f.IntSliceVar(&deleteMonths, "months", nil, "Split each year into these months (1-12)")
	f.BoolVar(&deleteDays, "days", false, "Split each month into three-day windows")
	f.BoolVar(&deleteYes, "yes", false, "Skip confirmation prompts")
	_ = deleteValuesCmd.MarkFlagRequired("element")
}

func runDeleteValues(app *appctx.App, cmd *cobra.Command, args []string) error {
	applyWindowFlags(cmd, app.Config, deleteYears, deleteMonths, deleteDays)

	var confirmer migrate.Confirmer = newPromptConfirmer(cmd.InOrStdin(), cmd.ErrOrStderr())
	if deleteYes {
		confirmer = assumeYes{}
	}
	res, runID, err := doDeleteValues(appctx.Context(cmd), app, confirmer, deleteElement)
	if err != nil {
		return err
	}

	r, err := app.Renderer(cmd)
	if err != nil {
		return err
	}
	return r.Render(struct {
		Run     string              `json:"run" yaml:"run"`
		Element string              `json:"element" yaml:"element"`
		Result  values.WindowResult `json:"result" yaml:"result"`
	}{runID, deleteElement, res}, render.Table{
		Headers: []string{"RUN " + runID, "COUNT"},
		Rows: [][]string{
			{"pulled", strconv.Itoa(res.Pulled)},
			{"batches", strconv.Itoa(res.Batches)},
			{"deleted", strconv.Itoa(res.Deleted)},
			{"failed", strconv.Itoa(res.Failed)},
		},
	})
}

func doDeleteValues(ctx context.Context, app *appctx.App, confirmer migrate.Confirmer, element string) (values.WindowResult, string, error) {
	var res values.WindowResult
	if element == "" {
		return res, "", fmt.Errorf("no data element given (use --element)")
	}
	if err := domain.ValidateUID(element); err != nil {
		return res, "", fmt.Errorf("--element: %w", err)
	}
	ok, err := confirmer.Confirm(fmt.Sprintf("Delete all destination values of %s for the configured windows?", element))
	if err != nil {
		return res, "", err
	}
	if !ok {
		return res, "", migrate.ErrCancelled
	}

	opts, err := appctx.MigrateOptions(app.Config)
	if err != nil {
		return res, "", err
	}
	runID, err := startRun(app, "delete-values", "", map[string]any{
		"element": element,
		"years":   app.Config.Years,
	})
	if err != nil {
		return res, "", err
	}
	logger := app.Logger.With(zap.String("run", runID))

	m := migrate.New(migrate.Deps{
		API:     app.API,
		Ledger:  appctx.Ledger(app.Config),
		Journal: app.Store.Runs.Journal(runID),
		Logger:  logger.Named("migrate"),
	}, nil, opts)
	res, err = m.DeleteValues(ctx, element)
	return res, runID, finishRun(app, runID, err)
}
