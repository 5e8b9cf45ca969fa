// Package restructure rewires destination metadata so a data element moves
// onto a new category combination: group and dataset membership, the combo's
// categories and the category option combos that belong to it.
package restructure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/metadata"
	"github.com/lherron/dhismig/internal/session"
	"github.com/lherron/dhismig/internal/worksheet"
)

// ErrFatal marks a destination failure the run cannot continue past.
var ErrFatal = errors.New("restructure: unrecoverable destination failure")

// Mode selects how category option combos are moved to the new combo.
type Mode string

const (
	// ModeBulk moves every option combo of the old combo in one payload.
	ModeBulk Mode = "bulk"
	// ModeRow moves one option combo per worksheet row.
	ModeRow Mode = "row"
)

// ParseMode validates a mode name. Empty selects bulk.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeBulk:
		return ModeBulk, nil
	case ModeRow:
		return ModeRow, nil
	}
	return "", fmt.Errorf("invalid restructure mode %q: must be bulk or row", s)
}

// Unit is the worksheet slice and combo identifiers of one migration unit.
type Unit struct {
	Rows       *worksheet.Sheet
	ComboID    string
	ComboName  string
	OldComboID string
}

// Restructurer applies metadata rewiring on the destination.
type Restructurer struct {
	api    session.API
	mctx   *domain.MigrationContext
	logger *zap.Logger
}

// New returns a Restructurer operating on the ids held by mctx.
func New(api session.API, mctx *domain.MigrationContext, logger *zap.Logger) *Restructurer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Restructurer{api: api, mctx: mctx, logger: logger}
}

// Link points the group and dataset at the element in view. It is a no-op
// when they were already linked for that element.
func (r *Restructurer) Link(ctx context.Context) error {
	if !r.mctx.NeedsLinking() {
		return nil
	}
	if err := r.LinkGroup(ctx); err != nil {
		return err
	}
	if err := r.LinkDataset(ctx); err != nil {
		return err
	}
	r.mctx.LinkedElement = r.mctx.DataElementInView
	return nil
}

// LinkGroup makes the element in view the first member of the migration
// group. The group holds one member at a time; an existing first member is
// replaced.
func (r *Restructurer) LinkGroup(ctx context.Context) error {
	groupID := r.mctx.DataElementGroupID
	doc := r.api.Fetch(ctx, session.Destination, fmt.Sprintf("dataElementGroups/%s.json", groupID))
	if doc.Empty() {
		return fmt.Errorf("%w: data element group %s not found", ErrFatal, groupID)
	}
	doc.StripAudit()
	doc.Strip("href")

	members := doc.Objects("dataElements")
	if len(members) > 0 {
		members[0] = metadata.RefMap(r.mctx.DataElementInView)
	} else {
		members = append(members, metadata.RefMap(r.mctx.DataElementInView))
	}
	doc.SetObjects("dataElements", members)

	resp, err := r.update(ctx, domain.KindDataElementGroup, doc)
	if err != nil {
		return fmt.Errorf("link group: %w", err)
	}
	r.logger.Debug("updated data element group",
		zap.String("id", groupID), zap.String("element", r.mctx.DataElementInView), zap.Int("status", resp.StatusCode))
	if resp.StatusCode == http.StatusInternalServerError {
		r.logger.Error("data element group update failed", zap.String("id", groupID), zap.ByteString("response", resp.Body))
		return fmt.Errorf("%w: data element group %s update returned 500", ErrFatal, groupID)
	}
	if !resp.OK() {
		r.logger.Warn("data element group update not accepted", zap.String("id", groupID), zap.Int("status", resp.StatusCode))
	}
	return nil
}

// LinkDataset rebuilds the dataset membership as the new element's existing
// records plus the element in view, adding the new element when it was not
// yet a member. A 500 is retried once without organisationUnits.
func (r *Restructurer) LinkDataset(ctx context.Context) error {
	dsID := r.mctx.MigrationDatasetID
	doc := r.api.Fetch(ctx, session.Destination, fmt.Sprintf("dataSets/%s.json", dsID))
	if doc.Empty() {
		return fmt.Errorf("%w: dataset %s not found", ErrFatal, dsID)
	}

	record := func(elementID string) map[string]any {
		return map[string]any{
			"dataSet":     metadata.RefMap(dsID),
			"dataElement": metadata.RefMap(elementID),
		}
	}
	var kept []map[string]any
	for _, el := range doc.Objects("dataSetElements") {
		if metadata.Document(el).RefID("dataElement") == r.mctx.NewDataElementID {
			kept = append(kept, el)
		}
	}
	switch {
	case r.mctx.DataElementInView == r.mctx.NewDataElementID:
		if len(kept) == 0 {
			kept = append(kept, record(r.mctx.NewDataElementID))
		}
	case len(kept) == 0:
		kept = append(kept, record(r.mctx.DataElementInView), record(r.mctx.NewDataElementID))
	default:
		kept = append(kept, record(r.mctx.DataElementInView))
	}
	doc.SetObjects("dataSetElements", kept)
	doc.StripAudit()
	doc.Strip("href")

	resp, err := r.update(ctx, domain.KindDataSet, doc)
	if err != nil {
		return fmt.Errorf("link dataset: %w", err)
	}
	r.logger.Debug("updated dataset", zap.String("id", dsID), zap.Int("status", resp.StatusCode))
	if resp.StatusCode != http.StatusInternalServerError {
		if !resp.OK() {
			r.logger.Warn("dataset update not accepted", zap.String("id", dsID), zap.Int("status", resp.StatusCode))
		}
		return nil
	}

	r.logger.Warn("dataset update failed, retrying without organisation units", zap.String("id", dsID))
	doc.Strip("organisationUnits")
	resp, err = r.update(ctx, domain.KindDataSet, doc)
	if err != nil {
		return fmt.Errorf("%w: dataset %s retry: %v", ErrFatal, dsID, err)
	}
	if !resp.OK() {
		r.logger.Error("dataset update failed twice", zap.String("id", dsID), zap.ByteString("response", resp.Body))
		return fmt.Errorf("%w: dataset %s update returned %d", ErrFatal, dsID, resp.StatusCode)
	}
	return nil
}

// CategoryRefs returns the category references of the row at index. Absent
// columns and empty cells are skipped; an out-of-range index yields an
// empty slice.
func CategoryRefs(rows *worksheet.Sheet, index int) []metadata.Ref {
	refs := []metadata.Ref{}
	row := rows.Row(index)
	if row == nil {
		return refs
	}
	for _, uid := range row.CategoryUIDs() {
		refs = append(refs, metadata.Ref{ID: uid})
	}
	return refs
}

func refList(refs []metadata.Ref) []any {
	out := make([]any, len(refs))
	for i, ref := range refs {
		out[i] = metadata.RefMap(ref.ID)
	}
	return out
}

// Restructure moves the unit's option combos using mode.
func (r *Restructurer) Restructure(ctx context.Context, mode Mode, unit Unit) error {
	if mode == ModeRow {
		return r.RestructureRows(ctx, unit)
	}
	return r.RestructureBulk(ctx, unit)
}

// RestructureRows posts the combo together with the first row's option
// combo, then one option combo per remaining row. The combo's categories
// come from that first row and are written once.
func (r *Restructurer) RestructureRows(ctx context.Context, unit Unit) error {
	combo, err := r.combo(ctx, unit)
	if err != nil {
		return err
	}

	comboPosted := false
	for i := 0; i < unit.Rows.Len(); i++ {
		coc := r.optionCombo(ctx, unit.Rows.Row(i), unit.ComboID)
		if coc == nil {
			continue
		}
		var payload map[string]any
		if !comboPosted {
			combo["categories"] = refList(CategoryRefs(unit.Rows, i))
			payload = map[string]any{
				string(domain.KindCategoryCombo):       []any{map[string]any(combo)},
				string(domain.KindCategoryOptionCombo): []any{map[string]any(coc)},
			}
		} else {
			payload = metadata.Payload(domain.KindCategoryOptionCombo, coc)
		}

		resp, err := r.api.Post(ctx, session.Destination, "metadata", session.Payload{JSON: payload},
			url.Values{"importStrategy": {string(domain.StrategyUpdate)}})
		if err != nil {
			r.logger.Warn("option combo update failed", zap.String("coc", coc.ID()), zap.Error(err))
			continue
		}
		comboPosted = true
		r.logger.Debug("pushed category and option combo",
			zap.String("combo", unit.ComboID), zap.String("coc", coc.ID()),
			zap.Int("row", i), zap.Int("rows", unit.Rows.Len()), zap.Int("status", resp.StatusCode))
		if !resp.OK() {
			r.logger.Warn("option combo update not accepted", zap.String("coc", coc.ID()), zap.ByteString("response", resp.Body))
		}
	}
	return nil
}

// RestructureBulk moves every option combo of the old combo to the new one
// in a single categoryCombos plus categoryOptionCombos payload.
func (r *Restructurer) RestructureBulk(ctx context.Context, unit Unit) error {
	old := r.api.Fetch(ctx, session.Source, fmt.Sprintf(
		"categoryCombos/%s.json?fields=categoryOptionCombos[id,name,displayShortName,displayName,displayFormName,categoryOptions,categoryCombo]",
		unit.OldComboID))
	cocs := old.Objects("categoryOptionCombos")
	for _, coc := range cocs {
		metadata.Document(coc).SetRef("categoryCombo", unit.ComboID)
	}

	combo, err := r.combo(ctx, unit)
	if err != nil {
		return err
	}
	combo["categories"] = refList(CategoryRefs(unit.Rows, 0))

	list := make([]any, len(cocs))
	for i, coc := range cocs {
		list[i] = coc
	}
	payload := map[string]any{
		string(domain.KindCategoryCombo):       []any{map[string]any(combo)},
		string(domain.KindCategoryOptionCombo): list,
	}
	resp, err := r.api.Post(ctx, session.Destination, "metadata", session.Payload{JSON: payload},
		url.Values{"importStrategy": {string(domain.StrategyCreateAndUpdate)}})
	if err != nil {
		return fmt.Errorf("bulk restructure %s: %w", unit.ComboName, err)
	}
	r.logger.Debug("pushed category combo and option combos",
		zap.String("combo", unit.ComboID), zap.String("old_combo", unit.OldComboID),
		zap.Int("option_combos", len(cocs)), zap.Int("status", resp.StatusCode))
	if !resp.OK() {
		r.logger.Warn("bulk restructure not accepted", zap.String("combo", unit.ComboID), zap.ByteString("response", resp.Body))
	}
	return nil
}

func (r *Restructurer) combo(ctx context.Context, unit Unit) (metadata.Document, error) {
	combo := r.api.Fetch(ctx, session.Destination, fmt.Sprintf("categoryCombos/%s.json", unit.ComboID))
	if combo.Empty() {
		return nil, fmt.Errorf("category combo %s (%s) not found on destination", unit.ComboID, unit.ComboName)
	}
	combo["name"] = unit.ComboName
	combo["displayName"] = unit.ComboName
	combo.StripAudit()
	combo.Strip("href")
	return combo, nil
}

func (r *Restructurer) optionCombo(ctx context.Context, row worksheet.Row, comboID string) metadata.Document {
	cocID := row.OptionComboID()
	if cocID == "" {
		r.logger.Warn("worksheet row without option combo", zap.String("element", row.DataElementID()))
		return nil
	}
	coc := r.api.Fetch(ctx, session.Source, fmt.Sprintf("categoryOptionCombos/%s.json", cocID))
	if coc.Empty() {
		r.logger.Warn("option combo not found on source", zap.String("coc", cocID))
		return nil
	}
	coc.SetRef("categoryCombo", comboID)
	coc.StripAudit()
	coc.Strip("href")
	return coc
}

func (r *Restructurer) update(ctx context.Context, kind domain.Kind, doc metadata.Document) (*session.Response, error) {
	return r.api.Post(ctx, session.Destination, "metadata",
		session.Payload{JSON: metadata.Payload(kind, doc)},
		url.Values{"importStrategy": {string(domain.StrategyUpdate)}})
}
