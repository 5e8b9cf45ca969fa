package restructure

import (
	"context"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/lherron/dhismig/internal/metadata"
	"github.com/lherron/dhismig/internal/session"
)

// CurrentCategories returns the category ids of a combo on side, or nil
// when the combo cannot be read.
func (r *Restructurer) CurrentCategories(ctx context.Context, side session.Side, comboID string) []string {
	if comboID == "" {
		return nil
	}
	doc := r.api.Fetch(ctx, side, fmt.Sprintf("categoryCombos/%s.json?fields=categories[id]", comboID))
	var ids []string
	for _, c := range doc.Objects("categories") {
		if id, ok := c["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// PlanDiff renders a unified diff between the current and proposed category
// lists of a combo. It returns "" when they are identical.
func PlanDiff(comboName string, current []string, proposed []metadata.Ref) (string, error) {
	var a, b strings.Builder
	for _, id := range current {
		fmt.Fprintf(&a, "category %s\n", id)
	}
	for _, ref := range proposed {
		fmt.Fprintf(&b, "category %s\n", ref.ID)
	}
	if a.String() == b.String() {
		return "", nil
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a.String()),
		B:        difflib.SplitLines(b.String()),
		FromFile: comboName + " (current)",
		ToFile:   comboName + " (proposed)",
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}
