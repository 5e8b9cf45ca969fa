package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lherron/dhismig/internal/cli/appctx"
	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/render"
	"github.com/lherron/dhismig/internal/restructure"
	"github.com/lherron/dhismig/internal/session"
	"github.com/lherron/dhismig/internal/worksheet"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what a migration would create without changing anything",
	Long: `Reads the worksheet and the source instance and prints, per proposed data
element, the new element name, its category combo, the filter column that
splits it into units and a unified diff of the combo's current categories
against the proposed ones. Nothing is written to either instance.

Examples:
  dhismig plan --worksheet "Data Elements.csv"
  dhismig plan -o json
`,
	RunE: appctx.WithApp(appctx.Options{NeedsAPI: true}, runPlan),
}

var planWorksheet string

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().StringVar(&planWorksheet, "worksheet", "", "Worksheet CSV (overrides config)")
}

type planEntry struct {
	Name         string `json:"name" yaml:"name"`
	Element      string `json:"element" yaml:"element"`
	Combo        string `json:"combo" yaml:"combo"`
	OldCombo     string `json:"old_combo" yaml:"old_combo"`
	FilterColumn string `json:"filter_column,omitempty" yaml:"filter_column,omitempty"`
	Units        int    `json:"units" yaml:"units"`
	Diff         string `json:"diff,omitempty" yaml:"diff,omitempty"`
	Problem      string `json:"problem,omitempty" yaml:"problem,omitempty"`
}

func runPlan(app *appctx.App, cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("worksheet") {
		app.Config.Worksheet = planWorksheet
	}
	entries, err := doPlan(appctx.Context(cmd), app)
	if err != nil {
		return err
	}
	r, err := app.Renderer(cmd)
	if err != nil {
		return err
	}
	if err := renderPlan(r, entries); err != nil {
		return err
	}
	if app.Config.Output == "" || app.Config.Output == string(render.FormatTable) {
		return printDiffs(cmd.OutOrStdout(), entries)
	}
	return nil
}

func doPlan(ctx context.Context, app *appctx.App) ([]planEntry, error) {
	cfg := app.Config
	if cfg.Worksheet == "" {
		return nil, fmt.Errorf("no worksheet configured (set worksheet or use --worksheet)")
	}
	sheet, err := worksheet.Load(cfg.Worksheet)
	if err != nil {
		return nil, err
	}

	restr := restructure.New(app.API, &domain.MigrationContext{}, app.Logger.Named("plan"))
	var entries []planEntry
	for _, name := range sheet.ProposedNames() {
		rows := sheet.ByProposedName(name)
		row := rows.Row(0)
		e := planEntry{
			Name:     name,
			Element:  name + cfg.ElementSuffix,
			Combo:    row.ProposedComboName(),
			OldCombo: row.OldComboID(),
		}
		if col, err := rows.MinUniqueColumn(); err != nil {
			e.Problem = err.Error()
		} else {
			e.FilterColumn = col
			e.Units = len(rows.ElementIDs()) * len(rows.Unique(col))
		}
		current := restr.CurrentCategories(ctx, session.Source, e.OldCombo)
		diff, err := restructure.PlanDiff(e.Combo, current, restructure.CategoryRefs(rows, 0))
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", e.Combo, err)
		}
		e.Diff = diff
		entries = append(entries, e)
	}
	return entries, nil
}

func renderPlan(r *render.Renderer, entries []planEntry) error {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		changed := "no"
		if e.Diff != "" {
			changed = "yes"
		}
		filter := e.FilterColumn
		if e.Problem != "" {
			filter = "!" + e.Problem
		}
		rows = append(rows, []string{e.Element, e.Combo, filter, strconv.Itoa(e.Units), changed})
	}
	return r.Render(entries, render.Table{
		Headers: []string{"ELEMENT", "COMBO", "FILTER", "UNITS", "CHANGED"},
		Rows:    rows,
	})
}

func printDiffs(w io.Writer, entries []planEntry) error {
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Diff == "" || seen[e.Combo] {
			continue
		}
		seen[e.Combo] = true
		if _, err := fmt.Fprintf(w, "\n%s", e.Diff); err != nil {
			return err
		}
	}
	return nil
}
