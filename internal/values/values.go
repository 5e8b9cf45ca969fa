// Package values moves aggregate data values from the source to the
// destination one date window at a time: pull, filter to the unit's option
// combos, relabel onto the new data element, batch and post.
package values

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/ledger"
	"github.com/lherron/dhismig/internal/metadata"
	"github.com/lherron/dhismig/internal/metrics"
	"github.com/lherron/dhismig/internal/session"
)

const (
	DefaultBatchSize   = 500
	DefaultMaxAttempts = 2
)

// ConflictHook is invoked after a batch's conflicts were written to the
// ledger and before the batch is retried.
type ConflictHook func(ctx context.Context) error

// Options configures a Pipeline.
type Options struct {
	OrgUnitGroup string
	BatchSize    int
	MaxAttempts  int
}

// Pipeline transfers values for the unit described by its MigrationContext.
type Pipeline struct {
	api         session.API
	mctx        *domain.MigrationContext
	ledger      *ledger.Ledger
	onConflicts ConflictHook
	opts        Options
	logger      *zap.Logger
}

// New returns a Pipeline. onConflicts may be nil.
func New(api session.API, mctx *domain.MigrationContext, l *ledger.Ledger, onConflicts ConflictHook, opts Options, logger *zap.Logger) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if l == nil {
		l = ledger.New("", "", "")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{api: api, mctx: mctx, ledger: l, onConflicts: onConflicts, opts: opts, logger: logger}
}

// WindowResult counts what happened to one window.
type WindowResult struct {
	Pulled  int `json:"pulled" yaml:"pulled"`
	Kept    int `json:"kept" yaml:"kept"`
	Dropped int `json:"dropped" yaml:"dropped"`
	Batches int `json:"batches" yaml:"batches"`
	Posted  int `json:"posted" yaml:"posted"`
	Failed  int `json:"failed" yaml:"failed"`
	Deleted int `json:"deleted" yaml:"deleted"`
}

// Path returns the dataValueSets query for w scoped to the unit's dataset,
// group and the configured org unit group.
func (p *Pipeline) Path(w domain.Window) string {
	var b strings.Builder
	b.WriteString("dataValueSets?dataSet=")
	b.WriteString(url.QueryEscape(p.mctx.MigrationDatasetID))
	b.WriteString("&startDate=" + w.StartDate())
	b.WriteString("&endDate=" + w.EndDate())
	b.WriteString("&dataElementGroup=")
	b.WriteString(url.QueryEscape(p.mctx.DataElementGroupID))
	if p.opts.OrgUnitGroup != "" {
		b.WriteString("&orgUnitGroup=")
		b.WriteString(url.QueryEscape(p.opts.OrgUnitGroup))
	}
	return b.String()
}

// Pull reads the values of w from side. A response without dataValues is
// an empty result.
func (p *Pipeline) Pull(ctx context.Context, side session.Side, w domain.Window) []domain.DataValue {
	doc := p.api.FetchValues(ctx, side, p.Path(w))
	rows := doc.Objects("dataValues")
	if len(rows) == 0 {
		p.logger.Debug("no data values", zap.String("side", string(side)), zap.Stringer("window", w))
		return nil
	}
	out := make([]domain.DataValue, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.DataValue{
			DataElement:          cell(r["dataElement"]),
			Period:               cell(r["period"]),
			OrgUnit:              cell(r["orgUnit"]),
			CategoryOptionCombo:  cell(r["categoryOptionCombo"]),
			AttributeOptionCombo: cell(r["attributeOptionCombo"]),
			Value:                cell(r["value"]),
		})
	}
	p.logger.Debug("data values pulled",
		zap.String("side", string(side)), zap.Stringer("window", w), zap.Int("count", len(out)))
	return out
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// Transformed is the output of Transform.
type Transformed struct {
	Values []domain.DataValue
	// Filtered counts values outside the option combo set.
	Filtered int
	// Dropped counts values without a number or a key field.
	Dropped int
}

// Transform keeps the values whose option combo is in combos (all values
// when combos is nil), rewrites their data element to newElementID and
// drops values with a NaN value or a missing key field.
func Transform(vals []domain.DataValue, combos map[string]bool, newElementID string) Transformed {
	var out Transformed
	for _, v := range vals {
		if combos != nil && !combos[v.CategoryOptionCombo] {
			out.Filtered++
			continue
		}
		v.DataElement = newElementID
		if metadata.IsNaN(v.Value) || v.DataElement == "" || v.Period == "" || v.OrgUnit == "" || v.CategoryOptionCombo == "" {
			out.Dropped++
			continue
		}
		v.Value = metadata.CleanString(v.Value)
		out.Values = append(out.Values, v)
	}
	return out
}

// Batches splits vals into consecutive slices of at most size values.
func Batches(vals []domain.DataValue, size int) [][]domain.DataValue {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]domain.DataValue
	for start := 0; start < len(vals); start += size {
		out = append(out, vals[start:min(start+size, len(vals))])
	}
	return out
}

// Run pulls w from the source and posts the unit's share of it. Failed
// batches are logged and counted; only context cancellation is returned.
func (p *Pipeline) Run(ctx context.Context, w domain.Window, combos map[string]bool) (WindowResult, error) {
	var res WindowResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	pulled := p.Pull(ctx, session.Source, w)
	res.Pulled = len(pulled)

	t := Transform(pulled, combos, p.mctx.NewDataElementID)
	res.Kept = len(t.Values)
	res.Dropped = t.Dropped
	if t.Dropped > 0 {
		p.logger.Warn("dropped values without a number or key field",
			zap.Stringer("window", w), zap.Int("dropped", t.Dropped))
	}

	batches := Batches(t.Values, p.opts.BatchSize)
	res.Batches = len(batches)
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p.logger.Debug("processing batch", zap.Int("batch", i+1), zap.Int("batches", len(batches)))
		if p.PostBatch(ctx, w, i, batch) {
			res.Posted++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

// PostBatch posts batch to the destination. Conflicts are appended to the
// ledger, handed to the conflict hook and the batch retried, up to
// MaxAttempts posts. It reports whether the batch went through cleanly.
func (p *Pipeline) PostBatch(ctx context.Context, w domain.Window, index int, batch []domain.DataValue) bool {
	log := p.logger.With(zap.Stringer("window", w), zap.Int("batch", index+1))
	body := map[string]any{"dataValues": batch}

	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		log.Debug("posting batch", zap.Int("attempt", attempt), zap.Int("max_attempts", p.opts.MaxAttempts))
		resp, err := p.api.Post(ctx, session.Destination, "dataValueSets", session.Payload{JSON: body}, nil)
		if err != nil {
			log.Warn("batch post failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		summary, err := metadata.ParseValueImportSummary(resp.Body)
		if err != nil {
			log.Warn("batch post returned unreadable summary",
				zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode), zap.Error(err))
			continue
		}

		if len(summary.Conflicts) == 0 {
			if !resp.OK() {
				log.Warn("batch post rejected", zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
				continue
			}
			msg := fmt.Sprintf("Data posted successfully for batch %d", index+1)
			log.Info(msg, zap.Int("imported", summary.Imported), zap.Int("updated", summary.Updated))
			if err := p.ledger.AppendPosted(msg); err != nil {
				log.Warn("posted log not written", zap.Error(err))
			}
			metrics.ValuesPosted.Add(float64(len(batch)))
			metrics.BatchesTotal.WithLabelValues("posted").Inc()
			return true
		}

		records := make([]domain.ConflictRecord, 0, len(summary.Conflicts))
		for _, c := range summary.Conflicts {
			log.Debug("conflict", zap.String("value", c.Value), zap.String("error_code", c.ErrorCode), zap.String("property", c.Property))
			records = append(records, domain.ConflictRecord{
				DataElement: p.mctx.DataElementInView,
				StartDate:   w.StartDate(),
				EndDate:     w.EndDate(),
				Value:       c.Value,
				ErrorCode:   c.ErrorCode,
				Property:    c.Property,
			})
		}
		if err := p.ledger.AppendConflicts(records); err != nil {
			log.Warn("conflicts not written", zap.Error(err))
		}
		metrics.BatchesTotal.WithLabelValues("conflict").Inc()
		log.Info("batch has conflicts", zap.Int("attempt", attempt), zap.Int("conflicts", len(records)))

		if p.onConflicts != nil {
			if err := p.onConflicts(ctx); err != nil {
				log.Warn("conflict resolution failed", zap.Error(err))
			}
		}
	}

	log.Warn("max attempts reached, conflicts remain unresolved", zap.Int("values", len(batch)))
	metrics.BatchesTotal.WithLabelValues("exhausted").Inc()
	return false
}

// Delete removes from the destination the values the unit's dataset and
// group hold in w.
func (p *Pipeline) Delete(ctx context.Context, w domain.Window) (WindowResult, error) {
	var res WindowResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	vals := p.Pull(ctx, session.Destination, w)
	res.Pulled = len(vals)
	batches := Batches(vals, p.opts.BatchSize)
	res.Batches = len(batches)

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		resp, err := p.api.Post(ctx, session.Destination, "dataValueSets",
			session.Payload{JSON: map[string]any{"dataValues": batch}},
			url.Values{"importStrategy": {string(domain.StrategyDelete)}})
		if err != nil {
			p.logger.Warn("delete batch failed", zap.Stringer("window", w), zap.Int("batch", i+1), zap.Error(err))
			res.Failed++
			continue
		}
		if !resp.OK() {
			p.logger.Warn("delete batch rejected", zap.Stringer("window", w), zap.Int("batch", i+1), zap.Int("status", resp.StatusCode))
			res.Failed++
			continue
		}
		res.Posted++
		res.Deleted += len(batch)
		p.logger.Info("deleted values", zap.Stringer("window", w), zap.Int("batch", i+1), zap.Int("count", len(batch)))
	}
	return res, nil
}
