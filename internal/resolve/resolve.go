// Package resolve finds metadata objects by exact name and creates them on
// the destination when they are missing.
//
// Lookup then create is two requests with no server-side upsert by name, so
// two concurrent runs can both miss and both create. Idempotency is eventual:
// once an object exists every later Resolve returns it.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/metadata"
	"github.com/lherron/dhismig/internal/metrics"
	"github.com/lherron/dhismig/internal/session"
)

// DefaultMaxDisambiguation caps the name-collision retries for data elements.
const DefaultMaxDisambiguation = 2

var (
	// ErrNoUID is returned when the destination issues no identifier.
	ErrNoUID = errors.New("resolve: destination returned no uid")

	// ErrUnsupportedKind is returned by Materialize for kinds without a template.
	ErrUnsupportedKind = errors.New("resolve: no template for kind")

	// ErrLookupFailed is returned when a listing page cannot be read, so a
	// miss cannot be told from an outage.
	ErrLookupFailed = errors.New("resolve: lookup failed")
)

// RejectedError reports a create the destination ignored.
type RejectedError struct {
	Kind    domain.Kind
	Name    string
	Status  int
	Reports []metadata.ErrorReport
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("resolve: %s %q rejected (status %d)", e.Kind, e.Name, e.Status)
	if len(e.Reports) > 0 {
		msg += ": " + e.Reports[0].Message
	}
	return msg
}

// AttributeValue is one attribute assignment on a created object.
type AttributeValue struct {
	AttributeID string
	Value       string
}

// Attrs are the template inputs beyond the name.
type Attrs struct {
	ShortName       string
	FormName        string
	Description     string
	CategoryCombo   string
	AttributeValues []AttributeValue
}

// Options configures a Resolver.
type Options struct {
	// Lookup is the side searched by Resolve. Defaults to the source.
	Lookup               session.Side
	MaxDisambiguation    int
	DatasetPeriodType    string
	DatasetCategoryCombo string
}

// Resolver implements lookup-or-create for named metadata.
type Resolver struct {
	api    session.API
	mctx   *domain.MigrationContext
	opts   Options
	logger *zap.Logger

	orgUnits []any
}

// New returns a Resolver recording derived ids onto mctx.
func New(api session.API, mctx *domain.MigrationContext, opts Options, logger *zap.Logger) *Resolver {
	if opts.Lookup == "" {
		opts.Lookup = session.Source
	}
	if opts.MaxDisambiguation <= 0 {
		opts.MaxDisambiguation = DefaultMaxDisambiguation
	}
	if opts.DatasetPeriodType == "" {
		opts.DatasetPeriodType = "Monthly"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{api: api, mctx: mctx, opts: opts, logger: logger}
}

// Resolve pages through the kind listing on the lookup side and returns the
// id of the first object whose name equals name exactly. A listing that
// could not be read is logged and reported as not found; use Lookup to tell
// the two apart.
func (r *Resolver) Resolve(ctx context.Context, kind domain.Kind, name string) (string, bool) {
	id, ok, err := r.Lookup(ctx, kind, name)
	if err != nil {
		r.logger.Warn("lookup failed", zap.String("kind", string(kind)), zap.String("name", name), zap.Error(err))
		return "", false
	}
	return id, ok
}

// Lookup is Resolve with unreadable listings reported as ErrLookupFailed.
// A page that carries neither a pager nor the kind's list is unreadable.
func (r *Resolver) Lookup(ctx context.Context, kind domain.Kind, name string) (string, bool, error) {
	base := string(kind) + ".json?fields=id,name"
	first := r.api.Fetch(ctx, r.opts.Lookup, base)
	if !listing(first, kind) {
		return "", false, fmt.Errorf("%w: %s page 1", ErrLookupFailed, kind)
	}

	pages := 1
	if pager, ok := first["pager"].(map[string]any); ok {
		if n, ok := metadata.Document(pager).Int("pageCount"); ok && n > 0 {
			pages = n
		}
	}

	for page := 1; page <= pages; page++ {
		doc := first
		if page > 1 {
			doc = r.api.Fetch(ctx, r.opts.Lookup, fmt.Sprintf("%s&page=%d", base, page))
			if !listing(doc, kind) {
				return "", false, fmt.Errorf("%w: %s page %d", ErrLookupFailed, kind, page)
			}
		}
		for _, obj := range doc.Documents(string(kind)) {
			if obj.Name() == name {
				id := obj.ID()
				r.record(kind, id)
				r.logger.Debug("resolved", zap.String("kind", string(kind)), zap.String("name", name), zap.String("id", id))
				return id, true, nil
			}
		}
	}
	return "", false, nil
}

func listing(doc metadata.Document, kind domain.Kind) bool {
	if _, ok := doc[string(kind)]; ok {
		return true
	}
	_, ok := doc["pager"]
	return ok
}

// Materialize creates name on the destination and returns its new id.
// Data elements rejected for a name or shortName collision are retried with
// "_" appended to the colliding property, at most MaxDisambiguation times.
func (r *Resolver) Materialize(ctx context.Context, kind domain.Kind, name string, attrs Attrs) (string, error) {
	return r.materialize(ctx, kind, name, attrs, 0)
}

// Ensure resolves name and materializes it when it does not exist.
// A failed lookup is returned without creating anything.
func (r *Resolver) Ensure(ctx context.Context, kind domain.Kind, name string, attrs Attrs) (string, error) {
	id, ok, err := r.Lookup(ctx, kind, name)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	return r.Materialize(ctx, kind, name, attrs)
}

func (r *Resolver) materialize(ctx context.Context, kind domain.Kind, name string, attrs Attrs, attempt int) (string, error) {
	uid, err := r.newUID(ctx)
	if err != nil {
		return "", err
	}
	doc, err := r.template(ctx, kind, name, uid, attrs)
	if err != nil {
		return "", err
	}

	resp, err := r.api.Post(ctx, session.Destination, "metadata",
		session.Payload{JSON: metadata.Payload(kind, doc)},
		url.Values{"importStrategy": {string(domain.StrategyCreateUpdate)}})
	if err != nil {
		return "", fmt.Errorf("create %s %q: %w", kind, name, err)
	}

	report, err := metadata.ParseImportReport(resp.Body)
	if err != nil {
		r.logger.Warn("unreadable import report", zap.String("kind", string(kind)), zap.String("name", name), zap.Error(err))
		return "", &RejectedError{Kind: kind, Name: name, Status: resp.StatusCode}
	}
	if report.OK() {
		r.record(kind, uid)
		metrics.EntitiesCreated.WithLabelValues(string(kind)).Inc()
		r.logger.Info("created", zap.String("kind", string(kind)), zap.String("name", name), zap.String("id", uid))
		return uid, nil
	}

	rejected := &RejectedError{Kind: kind, Name: name, Status: resp.StatusCode, Reports: report.ErrorReports}
	if kind != domain.KindDataElement {
		r.logger.Warn("create rejected", zap.String("kind", string(kind)), zap.String("name", name), zap.Error(rejected))
		return "", rejected
	}
	if attempt >= r.opts.MaxDisambiguation {
		r.logger.Warn("data element still colliding, giving up",
			zap.String("name", name), zap.Int("attempts", attempt+1), zap.Error(rejected))
		return "", rejected
	}

	// the template falls back to the name when no short name is given
	if attrs.ShortName == "" {
		attrs.ShortName = name
	}
	changed := false
	for _, er := range report.ErrorReports {
		if !strings.Contains(er.Message, "already exists") {
			continue
		}
		switch strings.ToLower(er.ErrorProperty) {
		case "shortname":
			attrs.ShortName += "_"
			changed = true
		case "name":
			name += "_"
			changed = true
		}
	}
	if !changed {
		r.logger.Warn("create rejected", zap.String("kind", string(kind)), zap.String("name", name), zap.Error(rejected))
		return "", rejected
	}
	r.logger.Info("retrying data element with disambiguated name",
		zap.String("name", name), zap.String("short_name", attrs.ShortName), zap.Int("attempt", attempt+1))
	return r.materialize(ctx, kind, name, attrs, attempt+1)
}

func (r *Resolver) newUID(ctx context.Context) (string, error) {
	doc := r.api.Fetch(ctx, session.Destination, "system/id?limit=1")
	codes, _ := doc["codes"].([]any)
	if len(codes) == 0 {
		return "", ErrNoUID
	}
	uid, _ := codes[0].(string)
	if uid == "" {
		return "", ErrNoUID
	}
	return uid, nil
}

func (r *Resolver) record(kind domain.Kind, id string) {
	if r.mctx == nil {
		return
	}
	switch kind {
	case domain.KindDataElementGroup:
		r.mctx.DataElementGroupID = id
	case domain.KindDataSet:
		r.mctx.MigrationDatasetID = id
	case domain.KindDataElement:
		r.mctx.NewDataElementID = id
	}
}
