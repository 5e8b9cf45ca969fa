package migrate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/ledger"
	"github.com/lherron/dhismig/internal/resolve"
	"github.com/lherron/dhismig/internal/worksheet"
)

// RenameSummary counts the work of RenameCombos.
type RenameSummary struct {
	Combos   int `json:"combos" yaml:"combos"`
	Renamed  int `json:"renamed" yaml:"renamed"`
	Problems int `json:"problems" yaml:"problems"`
}

// RenameCombos ensures every proposed combo of the worksheet, copies it to
// the destination and renames its option combos from renames (option combo
// id to new name). Rejected renames are appended to the problems file.
func (m *Migrator) RenameCombos(ctx context.Context, l *ledger.Ledger, renames map[string]string) (RenameSummary, error) {
	var sum RenameSummary
	names := m.sheet.Unique(worksheet.ColProposedCombo)
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		id, err := m.ensure(ctx, domain.KindCategoryCombo, name, resolve.Attrs{})
		if err != nil {
			m.logger.Warn("category combo unavailable", zap.String("name", name), zap.Error(err))
			continue
		}
		res, err := m.restr.RenameCombo(ctx, id, renames)
		if err != nil {
			m.logger.Warn("category combo not renamed", zap.String("name", name), zap.Error(err))
			continue
		}
		sum.Combos++
		sum.Renamed += res.Renamed

		if len(res.Problems) > 0 {
			sum.Problems += len(res.Problems)
			problems := make([]ledger.Problem, 0, len(res.Problems))
			for _, p := range res.Problems {
				problems = append(problems, ledger.Problem{
					ComboID:   id,
					Object:    p.MainID,
					ErrorCode: p.ErrorCode,
					Property:  p.ErrorProperty,
					Message:   p.Message,
				})
			}
			if l != nil {
				if err := l.AppendProblems(problems...); err != nil {
					m.logger.Warn("problems not written", zap.Error(err))
				}
			}
		}
		m.logger.Info(fmt.Sprintf("Processed %d/%d", i+1, len(names)),
			zap.String("combo", name), zap.Int("renamed", res.Renamed), zap.Int("problems", len(res.Problems)))
	}
	return sum, nil
}
