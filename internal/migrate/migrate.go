// Package migrate drives a migration over the worksheet. Every proposed data
// element name is split into units, one per source data element and filter
// value; each unit ensures its destination metadata, rewires the category
// combo and moves the values of the configured windows.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lherron/dhismig/internal/conflicts"
	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/ledger"
	"github.com/lherron/dhismig/internal/resolve"
	"github.com/lherron/dhismig/internal/restructure"
	"github.com/lherron/dhismig/internal/session"
	"github.com/lherron/dhismig/internal/store"
	"github.com/lherron/dhismig/internal/values"
	"github.com/lherron/dhismig/internal/worksheet"
)

// ErrCancelled is returned when the operator declines a confirmation.
var ErrCancelled = errors.New("migrate: cancelled by operator")

// Defaults of the destination objects every unit shares.
const (
	DefaultDatasetName      = "Migration DataSet"
	DefaultGroupName        = "Data Migration Group"
	DefaultElementSuffix    = ": Continuation"
	DefaultNameAttribute    = "HazSRVC04rO"
	DefaultProgramAttribute = "I1UUL3vTmdi"
	DefaultProgramValue     = "MER"
)

// Confirmer asks the operator a yes/no question.
type Confirmer interface {
	Confirm(prompt string) (bool, error)
}

// Journal records unit and window progress so a run can resume.
type Journal interface {
	BeginUnit(key, proposedName, dataElement, newElement string) error
	FinishUnit(key, state string) error
	WindowDone(key string, w domain.Window) (bool, error)
	MarkWindow(key string, w domain.Window, res values.WindowResult) error
	RecordResolution(sum conflicts.Summary) error
}

// Options configures a Migrator.
type Options struct {
	DatasetName   string
	GroupName     string
	ElementSuffix string

	// NameAttribute receives the proposed name on the new data element;
	// ProgramAttribute receives ProgramValue.
	NameAttribute    string
	ProgramAttribute string
	ProgramValue     string

	SkipRestructure bool
	SkipValues      bool
	// SpecificCOCs limits every unit to these option combos, moved one
	// row at a time. The operator must confirm before anything runs.
	SpecificCOCs []string
	Mode         restructure.Mode
	Years        values.YearPlan
	Now          func() time.Time

	Resolve resolve.Options
	Values  values.Options
}

func (o *Options) defaults() {
	if o.DatasetName == "" {
		o.DatasetName = DefaultDatasetName
	}
	if o.GroupName == "" {
		o.GroupName = DefaultGroupName
	}
	if o.ElementSuffix == "" {
		o.ElementSuffix = DefaultElementSuffix
	}
	if o.NameAttribute == "" {
		o.NameAttribute = DefaultNameAttribute
	}
	if o.ProgramAttribute == "" {
		o.ProgramAttribute = DefaultProgramAttribute
	}
	if o.ProgramValue == "" {
		o.ProgramValue = DefaultProgramValue
	}
	if o.Mode == "" {
		o.Mode = restructure.ModeBulk
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Deps are the collaborators of a Migrator. Conflicts, Journal and Confirmer
// may be nil.
type Deps struct {
	API       session.API
	Ledger    *ledger.Ledger
	Conflicts *conflicts.Engine
	Journal   Journal
	Confirmer Confirmer
	Logger    *zap.Logger
}

// Summary counts the work of a run.
type Summary struct {
	Names          int `json:"names" yaml:"names"`
	Units          int `json:"units" yaml:"units"`
	FailedUnits    int `json:"failed_units" yaml:"failed_units"`
	Windows        int `json:"windows" yaml:"windows"`
	WindowsSkipped int `json:"windows_skipped" yaml:"windows_skipped"`
	Batches        int `json:"batches" yaml:"batches"`
	Posted         int `json:"batches_posted" yaml:"batches_posted"`
	Failed         int `json:"batches_failed" yaml:"batches_failed"`
}

// Migrator runs units over a worksheet.
type Migrator struct {
	api     session.API
	sheet   *worksheet.Sheet
	mctx    *domain.MigrationContext
	resolve *resolve.Resolver
	restr   *restructure.Restructurer
	values  *values.Pipeline
	engine  *conflicts.Engine
	journal Journal
	confirm Confirmer
	opts    Options
	logger  *zap.Logger

	// ensured memoizes kind|name to id for the run
	ensured map[string]string
}

// New wires a Migrator for sheet.
func New(deps Deps, sheet *worksheet.Sheet, opts Options) *Migrator {
	opts.defaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	journal := deps.Journal
	if journal == nil {
		journal = nopJournal{}
	}
	mctx := &domain.MigrationContext{}
	m := &Migrator{
		api:     deps.API,
		sheet:   sheet,
		mctx:    mctx,
		resolve: resolve.New(deps.API, mctx, opts.Resolve, logger.Named("resolve")),
		restr:   restructure.New(deps.API, mctx, logger.Named("restructure")),
		engine:  deps.Conflicts,
		journal: journal,
		confirm: deps.Confirmer,
		opts:    opts,
		logger:  logger,
		ensured: make(map[string]string),
	}
	var hook values.ConflictHook
	if deps.Conflicts != nil {
		hook = m.resolveConflicts
	}
	m.values = values.New(deps.API, mctx, deps.Ledger, hook, opts.Values, logger.Named("values"))
	return m
}

// Context exposes the shared identifiers of the unit in progress.
func (m *Migrator) Context() *domain.MigrationContext {
	return m.mctx
}

func (m *Migrator) resolveConflicts(ctx context.Context) error {
	sum, err := m.engine.Resolve(ctx)
	if err != nil {
		return err
	}
	if err := m.journal.RecordResolution(sum); err != nil {
		m.logger.Warn("resolution not journaled", zap.Error(err))
	}
	return nil
}

// Run processes every unit of the worksheet. It stops on a fatal
// restructure error, on cancellation and when the operator declines the
// specific option combo confirmation.
func (m *Migrator) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	if len(m.opts.SpecificCOCs) > 0 {
		if err := m.confirmSpecific(); err != nil {
			return sum, err
		}
	}

	names := m.sheet.ProposedNames()
	sum.Names = len(names)
	total := len(m.sheet.ElementIDs())
	processed := 0
	m.logger.Info("migration started",
		zap.Int("names", len(names)), zap.Int("elements", total), zap.String("mode", string(m.mode())))

	for _, name := range names {
		rows := m.sheet.ByProposedName(name)
		col, filters, err := m.filters(rows)
		if err != nil {
			m.logger.Warn("skipping proposed element", zap.String("name", name), zap.Error(err))
			continue
		}
		m.mctx.FilterColumn = col
		m.logger.Debug("filtering units",
			zap.String("name", name), zap.String("column", col), zap.Int("filters", len(filters)))

		for _, el := range rows.ElementIDs() {
			for _, filter := range filters {
				if err := ctx.Err(); err != nil {
					return sum, err
				}
				unitRows := rows.Select(el, col, filter)
				if unitRows.Len() == 0 {
					continue
				}
				sum.Units++
				err := m.unit(ctx, name, el, filter, unitRows, &sum)
				if err != nil {
					if errors.Is(err, restructure.ErrFatal) {
						return sum, err
					}
					if ctx.Err() != nil {
						return sum, ctx.Err()
					}
					sum.FailedUnits++
					m.logger.Error("unit failed",
						zap.String("name", name), zap.String("element", el),
						zap.Strings("filter", filter), zap.Error(err))
				}
				if m.opts.SkipValues {
					break
				}
			}
			processed++
			pct := 100.0
			if total > 0 {
				pct = float64(processed) / float64(total) * 100
			}
			m.logger.Info(fmt.Sprintf("Processed %d/%d", processed, total),
				zap.String("element", el), zap.String("complete", fmt.Sprintf("%.2f%%", pct)))
		}
	}

	m.logger.Info("migration finished",
		zap.Int("units", sum.Units), zap.Int("failed_units", sum.FailedUnits),
		zap.Int("windows", sum.Windows), zap.Int("windows_skipped", sum.WindowsSkipped),
		zap.Int("batches_posted", sum.Posted), zap.Int("batches_failed", sum.Failed))
	return sum, nil
}

func (m *Migrator) confirmSpecific() error {
	if m.confirm == nil {
		return fmt.Errorf("%w: specific option combos need confirmation", ErrCancelled)
	}
	ok, err := m.confirm.Confirm(fmt.Sprintf(
		"Only %d specific category option combo(s) will be processed. Proceed?", len(m.opts.SpecificCOCs)))
	if err != nil {
		return fmt.Errorf("confirm specific option combos: %w", err)
	}
	if !ok {
		m.logger.Info("operation cancelled by the user")
		return ErrCancelled
	}
	return nil
}

func (m *Migrator) mode() restructure.Mode {
	if len(m.opts.SpecificCOCs) > 0 {
		return restructure.ModeRow
	}
	return m.opts.Mode
}

// filters returns the filter column of rows and the value sets that each
// make one unit per element.
func (m *Migrator) filters(rows *worksheet.Sheet) (string, [][]string, error) {
	if len(m.opts.SpecificCOCs) > 0 {
		return worksheet.ColOptionCombo, [][]string{m.opts.SpecificCOCs}, nil
	}
	col, err := rows.MinUniqueColumn()
	if err != nil {
		return "", nil, err
	}
	var out [][]string
	for _, v := range rows.Unique(col) {
		out = append(out, []string{v})
	}
	return col, out, nil
}

// UnitKey identifies a unit in the journal.
func UnitKey(name, element string, filter []string) string {
	return name + "|" + element + "|" + strings.Join(filter, ",")
}

func (m *Migrator) unit(ctx context.Context, name, element string, filter []string, rows *worksheet.Sheet, sum *Summary) error {
	row := rows.Row(0)
	comboName := row.ProposedComboName()
	oldCombo := row.OldComboID()
	key := UnitKey(name, element, filter)
	log := m.logger.With(zap.String("unit", key))

	comboID, err := m.ensure(ctx, domain.KindCategoryCombo, comboName, resolve.Attrs{})
	if err != nil {
		return err
	}
	groupID, err := m.ensure(ctx, domain.KindDataElementGroup, m.opts.GroupName, resolve.Attrs{})
	if err != nil {
		return err
	}
	datasetID, err := m.ensure(ctx, domain.KindDataSet, m.opts.DatasetName, resolve.Attrs{})
	if err != nil {
		return err
	}
	elementID, err := m.ensure(ctx, domain.KindDataElement, name+m.opts.ElementSuffix, resolve.Attrs{
		ShortName:     name,
		FormName:      name,
		Description:   name,
		CategoryCombo: comboID,
		AttributeValues: []resolve.AttributeValue{
			{AttributeID: m.opts.NameAttribute, Value: name},
			{AttributeID: m.opts.ProgramAttribute, Value: m.opts.ProgramValue},
		},
	})
	if err != nil {
		return err
	}

	m.mctx.DataElementGroupID = groupID
	m.mctx.MigrationDatasetID = datasetID
	m.mctx.BeginUnit(element, elementID)
	if err := m.journal.BeginUnit(key, name, element, elementID); err != nil {
		log.Warn("unit not journaled", zap.Error(err))
	}

	err = m.process(ctx, key, rows, comboID, comboName, oldCombo, sum)
	state := store.UnitCompleted
	if err != nil {
		state = store.UnitFailed
	}
	if jerr := m.journal.FinishUnit(key, state); jerr != nil {
		log.Warn("unit state not journaled", zap.Error(jerr))
	}
	return err
}

func (m *Migrator) process(ctx context.Context, key string, rows *worksheet.Sheet, comboID, comboName, oldCombo string, sum *Summary) error {
	if err := m.restr.Link(ctx); err != nil {
		return err
	}

	if !m.opts.SkipRestructure {
		err := m.restr.Restructure(ctx, m.mode(), restructure.Unit{
			Rows:       rows,
			ComboID:    comboID,
			ComboName:  comboName,
			OldComboID: oldCombo,
		})
		if errors.Is(err, restructure.ErrFatal) {
			return err
		}
		if err != nil {
			m.logger.Warn("restructure failed, moving values anyway", zap.String("unit", key), zap.Error(err))
		}
	}

	if m.opts.SkipValues {
		return nil
	}
	return m.moveValues(ctx, key, rows, sum)
}

func (m *Migrator) moveValues(ctx context.Context, key string, rows *worksheet.Sheet, sum *Summary) error {
	combos := make(map[string]bool)
	for _, id := range rows.OptionCombos() {
		combos[id] = true
	}

	for w := range values.Windows(m.opts.Years, m.opts.Now()) {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := m.journal.WindowDone(key, w)
		if err != nil {
			m.logger.Warn("journal unreadable, processing window", zap.Stringer("window", w), zap.Error(err))
		}
		if done {
			sum.WindowsSkipped++
			m.logger.Debug("window already migrated", zap.String("unit", key), zap.Stringer("window", w))
			continue
		}

		res, err := m.values.Run(ctx, w, combos)
		if err != nil {
			return err
		}
		sum.Windows++
		sum.Batches += res.Batches
		sum.Posted += res.Posted
		sum.Failed += res.Failed
		if err := m.journal.MarkWindow(key, w, res); err != nil {
			m.logger.Warn("window not journaled", zap.Stringer("window", w), zap.Error(err))
		}
	}
	return nil
}

// ensure resolves or creates kind name once per run.
func (m *Migrator) ensure(ctx context.Context, kind domain.Kind, name string, attrs resolve.Attrs) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty %s name", kind)
	}
	memo := string(kind) + "|" + name
	if id, ok := m.ensured[memo]; ok {
		return id, nil
	}
	m.logger.Debug("checking", zap.String("kind", string(kind)), zap.String("name", name))
	id, err := m.resolve.Ensure(ctx, kind, name, attrs)
	if err != nil {
		return "", fmt.Errorf("ensure %s %q: %w", kind, name, err)
	}
	m.ensured[memo] = id
	return id, nil
}

type nopJournal struct{}

func (nopJournal) BeginUnit(string, string, string, string) error { return nil }
func (nopJournal) FinishUnit(string, string) error                { return nil }
func (nopJournal) WindowDone(string, domain.Window) (bool, error) { return false, nil }
func (nopJournal) MarkWindow(string, domain.Window, values.WindowResult) error {
	return nil
}
func (nopJournal) RecordResolution(conflicts.Summary) error { return nil }
