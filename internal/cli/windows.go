package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/lherron/dhismig/internal/cli/appctx"
	"github.com/lherron/dhismig/internal/render"
	"github.com/lherron/dhismig/internal/values"
)

var windowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "List the date windows values are moved in",
	Long: `Prints the date windows the configured years, months and days settings
produce, in the order a migration processes them.

Examples:
  dhismig windows
  dhismig windows --years 2024 --months 2 --days
  dhismig windows -o yaml
`,
	RunE: appctx.WithApp(appctx.Options{}, runWindows),
}

var (
	windowsYears  []int
	windowsMonths []int
	windowsDays   bool
	windowsBack   int
)

func init() {
	rootCmd.AddCommand(windowsCmd)

	f := windowsCmd.Flags()
	f.IntSliceVar(&windowsYears, "years", nil, "Explicit years")
	f.IntSliceVar(&windowsMonths, "months", nil, "Split each year into these months (1-12)")
	f.BoolVar(&windowsDays, "days", false, "Split each month into three-day windows")
	f.IntVar(&windowsBack, "back", 0, "Years back from the current year when no years are given (multiple of 3)")
}

type windowRow struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

func runWindows(app *appctx.App, cmd *cobra.Command, args []string) error {
	applyWindowFlags(cmd, app.Config, windowsYears, windowsMonths, windowsDays)
	if cmd.Flags().Changed("back") {
		app.Config.Years.Back = windowsBack
	}
	r, err := app.Renderer(cmd)
	if err != nil {
		return err
	}
	return renderWindows(r, appctx.YearPlan(app.Config), time.Now())
}

func renderWindows(r *render.Renderer, plan values.YearPlan, now time.Time) error {
	var (
		list  []windowRow
		table [][]string
	)
	for w := range values.Windows(plan, now) {
		list = append(list, windowRow{Start: w.StartDate(), End: w.EndDate()})
		table = append(table, []string{w.StartDate(), w.EndDate()})
	}
	return r.Render(list, render.Table{Headers: []string{"START", "END"}, Rows: table})
}
