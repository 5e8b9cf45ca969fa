package restructure

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/metadata"
	"github.com/lherron/dhismig/internal/session"
)

// RenameResult summarizes one combo rename.
type RenameResult struct {
	ComboID  string
	Renamed  int
	Problems []metadata.ErrorReport
}

// RenameCombo copies a combo from the source to the destination and renames
// its option combos according to renames (option combo id to new name).
func (r *Restructurer) RenameCombo(ctx context.Context, comboID string, renames map[string]string) (RenameResult, error) {
	res := RenameResult{ComboID: comboID}

	combo := r.api.Fetch(ctx, session.Source, fmt.Sprintf("categoryCombos/%s.json", comboID))
	if combo.Empty() {
		return res, fmt.Errorf("category combo %s not found on source", comboID)
	}
	combo.StripAudit()
	combo.Strip("href")
	resp, err := r.api.Post(ctx, session.Destination, "metadata",
		session.Payload{JSON: metadata.Payload(domain.KindCategoryCombo, combo)},
		url.Values{"importStrategy": {string(domain.StrategyCreateAndUpdate)}})
	if err != nil {
		return res, fmt.Errorf("copy category combo %s: %w", comboID, err)
	}
	r.logger.Debug("copied category combo", zap.String("combo", comboID), zap.Int("status", resp.StatusCode))

	withCocs := r.api.Fetch(ctx, session.Source, fmt.Sprintf(
		"categoryCombos/%s.json?fields=categoryOptionCombos[id,name,displayShortName,displayName,displayFormName,categoryOptions,categoryCombo]",
		comboID))
	cocs := withCocs.Documents("categoryOptionCombos")
	for _, coc := range cocs {
		name, ok := renames[coc.ID()]
		if !ok {
			continue
		}
		coc["name"] = name
		coc["displayName"] = name
		coc["displayFormName"] = name
		res.Renamed++
	}

	resp, err = r.api.Post(ctx, session.Destination, "metadata",
		session.Payload{JSON: metadata.Payload(domain.KindCategoryOptionCombo, cocs...)},
		url.Values{"importStrategy": {string(domain.StrategyCreateAndUpdate)}})
	if err != nil {
		return res, fmt.Errorf("rename option combos of %s: %w", comboID, err)
	}
	report, err := metadata.ParseImportReport(resp.Body)
	if err != nil {
		return res, fmt.Errorf("rename option combos of %s: %w", comboID, err)
	}
	if !report.OK() {
		res.Problems = report.ErrorReports
		r.logger.Warn("option combo renames ignored",
			zap.String("combo", comboID), zap.Int("ignored", report.Ignored))
	}
	return res, nil
}
