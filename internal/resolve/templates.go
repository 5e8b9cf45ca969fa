package resolve

import (
	"context"
	"fmt"

	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/metadata"
	"github.com/lherron/dhismig/internal/session"
)

func (r *Resolver) template(ctx context.Context, kind domain.Kind, name, uid string, attrs Attrs) (metadata.Document, error) {
	switch kind {
	case domain.KindCategoryCombo:
		return metadata.Document{
			"id":                   uid,
			"name":                 name,
			"displayName":          name,
			"publicAccess":         "rw------",
			"dataDimensionType":    "DISAGGREGATION",
			"categories":           []any{},
			"categoryOptionCombos": []any{},
			"attributeValues":      []any{},
		}, nil

	case domain.KindDataElementGroup:
		return metadata.Document{
			"id":              uid,
			"name":            name,
			"shortName":       name,
			"aggregationType": "SUM",
			"groupSets":       []any{},
			"dataElements":    []any{},
			"attributeValues": []any{},
		}, nil

	case domain.KindDataSet:
		doc := metadata.Document{
			"id":                            uid,
			"name":                          name,
			"shortName":                     name,
			"periodType":                    r.opts.DatasetPeriodType,
			"formType":                      "DEFAULT",
			"timelyDays":                    15,
			"openFuturePeriods":             0,
			"dataSetElements":               []any{},
			"compulsoryDataElementOperands": []any{},
			"dataInputPeriods":              []any{},
			"indicators":                    []any{},
			"sections":                      []any{},
			"attributeValues":               []any{},
			"organisationUnits":             r.allOrgUnits(ctx),
		}
		if r.opts.DatasetCategoryCombo != "" {
			doc.SetRef("categoryCombo", r.opts.DatasetCategoryCombo)
		}
		return doc, nil

	case domain.KindDataElement:
		doc := metadata.Document{
			"id":                uid,
			"name":              name,
			"shortName":         attrs.ShortName,
			"formName":          attrs.FormName,
			"description":       attrs.Description,
			"aggregationType":   "SUM",
			"valueType":         "INTEGER",
			"domainType":        "AGGREGATE",
			"zeroIsSignificant": false,
			"optionSetValue":    false,
			"attributeValues":   attributeValues(attrs.AttributeValues),
		}
		if attrs.ShortName == "" {
			doc["shortName"] = name
		}
		if attrs.CategoryCombo != "" {
			doc.SetRef("categoryCombo", attrs.CategoryCombo)
		}
		return doc, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
}

// allOrgUnits lists every organisation unit of the destination, fetched once.
func (r *Resolver) allOrgUnits(ctx context.Context) []any {
	if r.orgUnits == nil {
		doc := r.api.Fetch(ctx, session.Destination, "organisationUnits.json?fields=id&paging=false")
		if list, ok := doc["organisationUnits"].([]any); ok && len(list) > 0 {
			r.orgUnits = list
		}
	}
	if r.orgUnits == nil {
		return []any{}
	}
	return r.orgUnits
}

func attributeValues(values []AttributeValue) []any {
	out := make([]any, 0, len(values))
	for _, av := range values {
		out = append(out, map[string]any{
			"attribute": metadata.RefMap(av.AttributeID),
			"value":     av.Value,
		})
	}
	return out
}
