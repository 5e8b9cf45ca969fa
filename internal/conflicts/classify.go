// Package conflicts turns the conflicts ledger into metadata fixes on the
// destination. Each recorded conflict is matched against a closed set of
// known signatures; anything else is reported and left alone.
package conflicts

import (
	"regexp"

	"github.com/lherron/dhismig/internal/domain"
)

// Family names a recognized conflict signature.
type Family string

const (
	// FamilyOrgUnit is an org unit outside the attribute option combo's
	// category options.
	FamilyOrgUnit       Family = "org_unit"
	// FamilyCategoryCombo is an option combo outside the data element's
	// category combo.
	FamilyCategoryCombo Family = "category_combo"
	FamilyUnclassified  Family = "unclassified"
)

var (
	orgUnitPattern       = regexp.MustCompile("Organisation unit: `([^`]+)` is not valid for attribute option combo: `([^`]+)`")
	categoryComboPattern = regexp.MustCompile("Category option combo: `([^`]+)` must be part of category combo of data element: `([^`]+)`")
)

// Signature is a classified conflict with the identifiers its message
// carries.
type Signature struct {
	Family               Family
	OrgUnit              string
	AttributeOptionCombo string
	CategoryOptionCombo  string
	DataElement          string
}

// Classify matches rec against the known signatures.
func Classify(rec domain.ConflictRecord) Signature {
	switch rec.Property {
	case "orgUnit":
		if m := orgUnitPattern.FindStringSubmatch(rec.Value); m != nil {
			return Signature{Family: FamilyOrgUnit, OrgUnit: m[1], AttributeOptionCombo: m[2]}
		}
	case "categoryOptionCombo":
		if m := categoryComboPattern.FindStringSubmatch(rec.Value); m != nil {
			return Signature{Family: FamilyCategoryCombo, CategoryOptionCombo: m[1], DataElement: m[2]}
		}
	}
	return Signature{Family: FamilyUnclassified}
}

// Dedup keeps the first record of every (value, error code, property).
func Dedup(records []domain.ConflictRecord) []domain.ConflictRecord {
	seen := make(map[string]bool, len(records))
	var out []domain.ConflictRecord
	for _, r := range records {
		k := r.DedupKey()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}
