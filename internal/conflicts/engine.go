package conflicts

import (
	"context"
	"fmt"
	"net/url"
	"slices"

	"go.uber.org/zap"

	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/ledger"
	"github.com/lherron/dhismig/internal/metadata"
	"github.com/lherron/dhismig/internal/metrics"
	"github.com/lherron/dhismig/internal/session"
)

// DefaultExcludeOptions are funding-mechanism options whose org units are
// never widened.
var DefaultExcludeOptions = []string{"COP", "DSD"}

// Options configures an Engine.
type Options struct {
	// ExcludeOptions lists category option names left untouched by org
	// unit fixes.
	ExcludeOptions []string
	// AllowList holds data element ids, data element names and category
	// combo ids whose option combo conflicts are expected and not fixed.
	AllowList []string
}

// Summary counts the work of one Resolve pass.
type Summary struct {
	Records        int `json:"records" yaml:"records"`
	Unique         int `json:"unique" yaml:"unique"`
	Unclassified   int `json:"unclassified" yaml:"unclassified"`
	OptionsUpdated int `json:"options_updated" yaml:"options_updated"`
	OptionsRenamed int `json:"options_renamed" yaml:"options_renamed"`
	CombosUpdated  int `json:"combos_updated" yaml:"combos_updated"`
}

// Engine remediates recorded conflicts on the destination.
type Engine struct {
	api     session.API
	ledger  *ledger.Ledger
	exclude map[string]bool
	allow   map[string]bool
	logger  *zap.Logger
}

// New returns an Engine reading conflicts from l.
func New(api session.API, l *ledger.Ledger, opts Options, logger *zap.Logger) *Engine {
	if opts.ExcludeOptions == nil {
		opts.ExcludeOptions = DefaultExcludeOptions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		api:     api,
		ledger:  l,
		exclude: make(map[string]bool, len(opts.ExcludeOptions)),
		allow:   make(map[string]bool, len(opts.AllowList)),
		logger:  logger,
	}
	for _, n := range opts.ExcludeOptions {
		e.exclude[n] = true
	}
	for _, n := range opts.AllowList {
		e.allow[n] = true
	}
	return e
}

// Resolve reads the whole ledger and remediates its unique conflicts.
func (e *Engine) Resolve(ctx context.Context) (Summary, error) {
	records, err := e.ledger.ReadConflicts()
	if err != nil {
		return Summary{}, fmt.Errorf("resolve conflicts: %w", err)
	}
	e.logger.Debug("resolving conflicts", zap.Int("records", len(records)))
	return e.Remediate(ctx, records), nil
}

type orgUnitFix struct {
	aoc      string
	orgUnits []string
}

type comboFix struct {
	dataElement string
	coc         string
}

// Remediate classifies records and applies the fix of each family.
func (e *Engine) Remediate(ctx context.Context, records []domain.ConflictRecord) Summary {
	sum := Summary{Records: len(records)}
	unique := Dedup(records)
	sum.Unique = len(unique)

	var byAOC []*orgUnitFix
	aocIndex := make(map[string]*orgUnitFix)
	var combos []comboFix
	seenCombo := make(map[comboFix]bool)

	for _, rec := range unique {
		sig := Classify(rec)
		metrics.ConflictsTotal.WithLabelValues(string(sig.Family)).Inc()
		switch sig.Family {
		case FamilyOrgUnit:
			fix, ok := aocIndex[sig.AttributeOptionCombo]
			if !ok {
				fix = &orgUnitFix{aoc: sig.AttributeOptionCombo}
				aocIndex[fix.aoc] = fix
				byAOC = append(byAOC, fix)
			}
			if !slices.Contains(fix.orgUnits, sig.OrgUnit) {
				fix.orgUnits = append(fix.orgUnits, sig.OrgUnit)
			}
		case FamilyCategoryCombo:
			c := comboFix{dataElement: sig.DataElement, coc: sig.CategoryOptionCombo}
			if !seenCombo[c] {
				seenCombo[c] = true
				combos = append(combos, c)
			}
		default:
			sum.Unclassified++
			e.logger.Warn("unclassified conflict left for follow-up",
				zap.String("value", rec.Value), zap.String("error_code", rec.ErrorCode), zap.String("property", rec.Property))
		}
	}

	if len(combos) > 0 {
		sum.CombosUpdated = e.fixCategoryCombos(ctx, combos)
	}
	for _, fix := range byAOC {
		updated, renamed := e.fixOrgUnits(ctx, fix)
		sum.OptionsUpdated += updated
		sum.OptionsRenamed += renamed
	}
	e.logger.Info("conflict resolution finished",
		zap.Int("records", sum.Records), zap.Int("unique", sum.Unique),
		zap.Int("options_updated", sum.OptionsUpdated), zap.Int("options_renamed", sum.OptionsRenamed),
		zap.Int("option_combos_updated", sum.CombosUpdated), zap.Int("unclassified", sum.Unclassified))
	return sum
}

// fixOrgUnits widens the org units of every non-excluded category option of
// the attribute option combo.
func (e *Engine) fixOrgUnits(ctx context.Context, fix *orgUnitFix) (updated, renamed int) {
	aoc := e.api.Fetch(ctx, session.Destination,
		fmt.Sprintf("categoryOptionCombos/%s.json?fields=categoryOptions[id,name]", fix.aoc))
	for _, opt := range aoc.Documents("categoryOptions") {
		if e.exclude[opt.Name()] {
			continue
		}
		doc := e.api.Fetch(ctx, session.Destination, fmt.Sprintf("categoryOptions/%s.json", opt.ID()))
		if doc.Empty() {
			e.logger.Warn("category option not found", zap.String("id", opt.ID()))
			continue
		}
		changed := false
		for _, ou := range fix.orgUnits {
			if doc.AppendRef("organisationUnits", ou) {
				changed = true
			}
		}
		if !changed {
			e.logger.Debug("category option already covers org units", zap.String("id", doc.ID()))
			continue
		}
		doc.StripAudit()
		doc.Strip("href")

		if e.updateOption(ctx, doc) {
			updated++
			continue
		}

		// rejected: retry with plain dates and a cleaned-up name
		if v := doc.String("startDate"); v != "" {
			doc["startDate"] = DateOnly(v)
		}
		if v := doc.String("endDate"); v != "" {
			doc["endDate"] = DateOnly(v)
		}
		oldName := doc.Name()
		newName := NormalizeName(oldName)
		if err := e.ledger.AppendRenames(ledger.Rename{Name: oldName, ID: doc.ID(), NewName: newName}); err != nil {
			e.logger.Warn("rename audit not written", zap.Error(err))
		}
		for _, f := range []string{"name", "displayName", "displayFormName", "displayShortName"} {
			doc[f] = newName
		}
		doc["shortName"] = ShortName(newName)
		if e.updateOption(ctx, doc) {
			updated++
			renamed++
		} else {
			e.logger.Warn("category option still rejected after rename",
				zap.String("id", doc.ID()), zap.String("name", newName))
		}
	}
	return updated, renamed
}

func (e *Engine) updateOption(ctx context.Context, doc metadata.Document) bool {
	resp, err := e.api.Post(ctx, session.Destination, "metadata",
		session.Payload{JSON: metadata.Payload(domain.KindCategoryOption, doc)},
		url.Values{"importStrategy": {string(domain.StrategyUpdate)}})
	if err != nil {
		e.logger.Warn("category option update failed", zap.String("id", doc.ID()), zap.Error(err))
		return false
	}
	e.logger.Debug("category option update", zap.String("id", doc.ID()), zap.Int("status", resp.StatusCode))
	if !resp.OK() {
		return false
	}
	report, err := metadata.ParseImportReport(resp.Body)
	return err == nil && report.OK()
}

// fixCategoryCombos points each option combo at its data element's combo in
// one update.
func (e *Engine) fixCategoryCombos(ctx context.Context, fixes []comboFix) int {
	var docs []metadata.Document
	seen := make(map[string]bool)
	for _, fix := range fixes {
		if e.allow[fix.dataElement] {
			continue
		}
		de := e.api.Fetch(ctx, session.Destination, fmt.Sprintf("dataElements/%s.json", fix.dataElement))
		if de.Empty() {
			de = e.api.Fetch(ctx, session.Reference, fmt.Sprintf("dataElements/%s.json", fix.dataElement))
		}
		if de.Empty() {
			e.logger.Warn("data element not found", zap.String("id", fix.dataElement))
			continue
		}
		comboID := de.RefID("categoryCombo")
		if e.allow[de.Name()] || e.allow[comboID] {
			continue
		}
		if comboID == "" {
			e.logger.Warn("data element without category combo", zap.String("id", fix.dataElement))
			continue
		}
		if seen[fix.coc] {
			continue
		}
		coc := e.api.Fetch(ctx, session.Destination, fmt.Sprintf("categoryOptionCombos/%s.json", fix.coc))
		if coc.Empty() {
			e.logger.Warn("option combo not found", zap.String("id", fix.coc))
			continue
		}
		e.logger.Debug("moving option combo to data element combo",
			zap.String("coc", fix.coc), zap.String("element", de.ID()), zap.String("element_name", de.Name()),
			zap.String("combo", comboID))
		coc.SetRef("categoryCombo", comboID)
		coc.StripAudit()
		coc.Strip("href")
		seen[fix.coc] = true
		docs = append(docs, coc)
	}
	if len(docs) == 0 {
		return 0
	}

	resp, err := e.api.Post(ctx, session.Destination, "metadata",
		session.Payload{JSON: metadata.Payload(domain.KindCategoryOptionCombo, docs...)},
		url.Values{"importStrategy": {string(domain.StrategyUpdate)}})
	if err != nil {
		e.logger.Warn("option combo update failed", zap.Error(err))
		return 0
	}
	e.logger.Debug("option combo update", zap.Int("status", resp.StatusCode), zap.Int("count", len(docs)))
	if !resp.OK() {
		e.logger.Warn("option combo update rejected", zap.Int("status", resp.StatusCode), zap.ByteString("response", resp.Body))
		return 0
	}
	return len(docs)
}
