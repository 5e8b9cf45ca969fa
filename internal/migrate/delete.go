package migrate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/values"
)

// DeleteValues removes the values element holds on the destination for
// every configured window. The migration group and dataset must exist; the
// element is linked into both so the destination read is scoped to it.
func (m *Migrator) DeleteValues(ctx context.Context, element string) (values.WindowResult, error) {
	var total values.WindowResult
	groupID, ok := m.resolve.Resolve(ctx, domain.KindDataElementGroup, m.opts.GroupName)
	if !ok {
		return total, fmt.Errorf("data element group %q not found", m.opts.GroupName)
	}
	datasetID, ok := m.resolve.Resolve(ctx, domain.KindDataSet, m.opts.DatasetName)
	if !ok {
		return total, fmt.Errorf("dataset %q not found", m.opts.DatasetName)
	}
	m.mctx.DataElementGroupID = groupID
	m.mctx.MigrationDatasetID = datasetID
	m.mctx.BeginUnit(element, element)
	if err := m.restr.Link(ctx); err != nil {
		return total, err
	}

	for w := range values.Windows(m.opts.Years, m.opts.Now()) {
		res, err := m.values.Delete(ctx, w)
		total.Pulled += res.Pulled
		total.Batches += res.Batches
		total.Deleted += res.Deleted
		total.Failed += res.Failed
		if err != nil {
			return total, err
		}
		m.logger.Info("values deleted", zap.String("element", element), zap.Stringer("window", w),
			zap.Int("pulled", res.Pulled), zap.Int("deleted", res.Deleted))
	}
	return total, nil
}
