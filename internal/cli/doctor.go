package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lherron/dhismig/internal/bulk"
	"github.com/lherron/dhismig/internal/cli/appctx"
	"github.com/lherron/dhismig/internal/config"
	"github.com/lherron/dhismig/internal/db"
	"github.com/lherron/dhismig/internal/render"
	"github.com/lherron/dhismig/internal/session"
	"github.com/lherron/dhismig/internal/worksheet"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, journal, worksheet and instance connectivity",
	Long: `Performs health checks before a migration: the configuration is validated,
the run journal is opened and its schema checked, the worksheet is parsed and
every configured instance is pinged with its credentials.

Examples:
  dhismig doctor
  dhismig doctor --migrate
  dhismig doctor -o json
`,
	RunE: appctx.WithApp(appctx.Options{}, runDoctor),
}

var doctorMigrate bool

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorMigrate, "migrate", false, "Apply pending journal migrations")
}

const (
	statusOK      = "ok"
	statusWarning = "warning"
	statusError   = "error"
)

type checkResult struct {
	Name    string   `json:"name" yaml:"name"`
	Status  string   `json:"status" yaml:"status"`
	Message string   `json:"message,omitempty" yaml:"message,omitempty"`
	Details []string `json:"details,omitempty" yaml:"details,omitempty"`
}

type doctorReport struct {
	Checks        []checkResult `json:"checks" yaml:"checks"`
	Warnings      int           `json:"warnings" yaml:"warnings"`
	Errors        int           `json:"errors" yaml:"errors"`
	OverallStatus string        `json:"overall_status" yaml:"overall_status"`
}

func runDoctor(app *appctx.App, cmd *cobra.Command, args []string) error {
	report := buildDoctorReport(appctx.Context(cmd), app.Config, doctorMigrate)

	r, err := app.Renderer(cmd)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(report.Checks))
	for _, c := range report.Checks {
		rows = append(rows, []string{c.Name, c.Status, c.Message})
	}
	if err := r.Render(report, render.Table{Headers: []string{"CHECK", "STATUS", "MESSAGE"}, Rows: rows}); err != nil {
		return err
	}
	if report.Errors > 0 {
		return fmt.Errorf("doctor found %d error(s)", report.Errors)
	}
	return nil
}

func buildDoctorReport(ctx context.Context, cfg *config.Config, migrate bool) *doctorReport {
	report := &doctorReport{OverallStatus: statusOK}

	cfgErr := cfg.Validate()
	if cfgErr != nil {
		report.add(checkResult{Name: "config", Status: statusError, Message: cfgErr.Error()})
	} else {
		report.add(checkResult{Name: "config", Status: statusOK, Message: "configuration is valid"})
	}

	report.add(checkJournal(cfg.JournalPath, migrate))
	report.add(checkWorksheet(cfg.Worksheet))
	if cfgErr == nil {
		for _, c := range checkSides(ctx, cfg) {
			report.add(c)
		}
	}

	if report.Errors > 0 {
		report.OverallStatus = statusError
	} else if report.Warnings > 0 {
		report.OverallStatus = statusWarning
	}
	return report
}

func (r *doctorReport) add(c checkResult) {
	switch c.Status {
	case statusWarning:
		r.Warnings++
	case statusError:
		r.Errors++
	}
	r.Checks = append(r.Checks, c)
}

func checkJournal(path string, migrate bool) checkResult {
	c := checkResult{Name: "journal"}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !migrate {
		c.Status = statusWarning
		c.Message = fmt.Sprintf("journal %s does not exist yet; it is created on the first run", path)
		return c
	}

	database, err := db.Open(path)
	if err != nil {
		c.Status = statusError
		c.Message = err.Error()
		return c
	}
	defer database.Close()

	if migrate {
		applied, err := database.MigrateWithInfo()
		if err != nil {
			c.Status = statusError
			c.Message = err.Error()
			return c
		}
		c.Details = applied
	}
	if err := database.RequiresMigrationError(); err != nil {
		c.Status = statusError
		c.Message = err.Error()
		return c
	}
	c.Status = statusOK
	c.Message = fmt.Sprintf("journal %s is current", path)
	if len(c.Details) > 0 {
		c.Message += fmt.Sprintf(" (applied %d migration(s))", len(c.Details))
	}
	return c
}

var requiredColumns = []string{
	worksheet.ColDataElementID,
	worksheet.ColProposedElement,
	worksheet.ColProposedCombo,
	worksheet.ColOldCombo,
	worksheet.ColOptionCombo,
}

func checkWorksheet(path string) checkResult {
	c := checkResult{Name: "worksheet"}
	if path == "" {
		c.Status = statusWarning
		c.Message = "no worksheet configured"
		return c
	}
	sheet, err := worksheet.Load(path)
	if err != nil {
		c.Status = statusError
		c.Message = err.Error()
		return c
	}

	var missing []string
	for _, col := range requiredColumns {
		if !sheet.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		c.Status = statusError
		c.Message = "missing columns: " + strings.Join(missing, ", ")
		return c
	}

	names := sheet.ProposedNames()
	for _, name := range names {
		if _, err := sheet.ByProposedName(name).MinUniqueColumn(); err != nil {
			c.Details = append(c.Details, name)
		}
	}
	if len(c.Details) > 0 {
		c.Status = statusWarning
		c.Message = fmt.Sprintf("%d of %d proposed element(s) have no complete filter column and will be skipped",
			len(c.Details), len(names))
		return c
	}
	c.Status = statusOK
	c.Message = fmt.Sprintf("%d row(s), %d proposed element(s)", sheet.Len(), len(names))
	return c
}

func checkSides(ctx context.Context, cfg *config.Config) []checkResult {
	api, err := session.New(appctx.Endpoints(cfg), appctx.SessionOptions(cfg), nil)
	if err != nil {
		return []checkResult{{Name: "sessions", Status: statusError, Message: err.Error()}}
	}
	var sides []string
	for _, side := range []session.Side{session.Source, session.Destination, session.Reference} {
		if api.Has(side) {
			sides = append(sides, string(side))
		}
	}

	op := &bulk.Operation{Jobs: len(sides), ContinueOnError: true}
	res := op.Execute(ctx, sides, func(ctx context.Context, side string) error {
		return api.Ping(ctx, session.Side(side))
	})
	failed := make(map[string]error, len(res.Errors))
	for _, e := range res.Errors {
		failed[e.Item] = e.Error
	}

	results := make([]checkResult, 0, len(sides))
	for _, side := range sides {
		c := checkResult{Name: side}
		if err, ok := failed[side]; ok {
			c.Status = statusError
			c.Message = err.Error()
		} else {
			c.Status = statusOK
			c.Message = "reachable at " + api.BaseURL(session.Side(side))
		}
		results = append(results, c)
	}
	return results
}
