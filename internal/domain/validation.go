package domain

import (
	"fmt"
	"regexp"
	"time"
)

// UIDRegex matches a DHIS2 identifier: a letter followed by ten alphanumerics.
var UIDRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]{10}$`)

// ValidateUID validates a DHIS2 UID
func ValidateUID(uid string) error {
	if !UIDRegex.MatchString(uid) {
		return fmt.Errorf("invalid UID %q: must be a letter followed by 10 alphanumeric characters", uid)
	}
	return nil
}

// ValidateKind validates a metadata kind
func ValidateKind(kind string) error {
	switch Kind(kind) {
	case KindCategoryCombo, KindCategoryOptionCombo, KindCategoryOption,
		KindDataElementGroup, KindDataSet, KindDataElement, KindOrganisationUnit:
		return nil
	default:
		return fmt.Errorf("invalid kind %q: must be one of: categoryCombos, categoryOptionCombos, categoryOptions, dataElementGroups, dataSets, dataElements, organisationUnits", kind)
	}
}

// ValidateStrategy validates an import strategy
func ValidateStrategy(strategy string) error {
	switch ImportStrategy(strategy) {
	case StrategyCreateUpdate, StrategyCreateAndUpdate, StrategyUpdate, StrategyDelete:
		return nil
	default:
		return fmt.Errorf("invalid import strategy %q", strategy)
	}
}

// ParseDate parses a YYYY-MM-DD date
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return t, nil
}
