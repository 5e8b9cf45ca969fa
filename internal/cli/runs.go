package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lherron/dhismig/internal/cli/appctx"
	"github.com/lherron/dhismig/internal/conflicts"
	"github.com/lherron/dhismig/internal/render"
	"github.com/lherron/dhismig/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List journaled runs or show one run's units",
	Long: `Without arguments, lists the most recent runs with their state and totals.
With a run id (or "latest"), shows the run and the units it processed.

Examples:
  dhismig runs
  dhismig runs --limit 5 -o json
  dhismig runs latest
`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.Options{NeedsJournal: true}, runRuns),
}

var runsLimit int

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list (0 lists all)")
}

type runDetail struct {
	Run         store.Run           `json:"run" yaml:"run"`
	Units       []store.Unit        `json:"units" yaml:"units"`
	Resolutions []conflicts.Summary `json:"resolutions,omitempty" yaml:"resolutions,omitempty"`
}

func runRuns(app *appctx.App, cmd *cobra.Command, args []string) error {
	r, err := app.Renderer(cmd)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		runs, err := app.Store.Runs.List(runsLimit)
		if err != nil {
			return err
		}
		return renderRuns(r, runs)
	}

	detail, err := loadRunDetail(app.Store, args[0])
	if err != nil {
		return err
	}
	return renderRunDetail(r, detail)
}

func loadRunDetail(s *store.Store, id string) (*runDetail, error) {
	var (
		run *store.Run
		err error
	)
	if id == "latest" {
		run, err = s.Runs.Latest("migrate")
	} else {
		run, err = s.Runs.Get(id)
	}
	if err != nil {
		return nil, err
	}
	units, err := s.Runs.Journal(run.ID).Units()
	if err != nil {
		return nil, err
	}
	resolutions, err := s.Resolutions.ForRun(run.ID)
	if err != nil {
		return nil, err
	}
	return &runDetail{Run: *run, Units: units, Resolutions: resolutions}, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func renderRuns(r *render.Renderer, runs []store.Run) error {
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		started := run.StartedAt
		rows = append(rows, []string{
			run.ID, run.Command, run.State, formatTime(&started), formatTime(run.FinishedAt),
			strconv.Itoa(run.Units), strconv.Itoa(run.Windows), strconv.Itoa(run.Posted),
		})
	}
	return r.Render(runs, render.Table{
		Headers: []string{"ID", "COMMAND", "STATE", "STARTED", "FINISHED", "UNITS", "WINDOWS", "POSTED"},
		Rows:    rows,
	})
}

func renderRunDetail(r *render.Renderer, d *runDetail) error {
	rows := make([][]string, 0, len(d.Units))
	for _, u := range d.Units {
		rows = append(rows, []string{
			u.Key, u.NewElement, u.State,
			strconv.Itoa(u.Windows), strconv.Itoa(u.Posted), strconv.Itoa(u.Failed),
		})
	}
	return r.Render(d, render.Table{
		Headers: []string{"UNIT (" + d.Run.State + ")", "ELEMENT", "STATE", "WINDOWS", "POSTED", "FAILED"},
		Rows:    rows,
	})
}
