package domain

import (
	"fmt"
	"time"
)

// Kind is a metadata collection name on the DHIS2 API (the path segment
// and the key of the metadata import payload).
type Kind string

const (
	KindCategoryCombo       Kind = "categoryCombos"
	KindCategoryOptionCombo Kind = "categoryOptionCombos"
	KindCategoryOption      Kind = "categoryOptions"
	KindDataElementGroup    Kind = "dataElementGroups"
	KindDataSet             Kind = "dataSets"
	KindDataElement         Kind = "dataElements"
	KindOrganisationUnit    Kind = "organisationUnits"
)

// ImportStrategy is the importStrategy query parameter of metadata and
// data value imports.
type ImportStrategy string

const (
	StrategyCreateUpdate    ImportStrategy = "CREATE_UPDATE"
	StrategyCreateAndUpdate ImportStrategy = "CREATE_AND_UPDATE"
	StrategyUpdate          ImportStrategy = "UPDATE"
	StrategyDelete          ImportStrategy = "DELETE"
)

// DataValue is one aggregate value. The first five fields form the natural
// key on the destination, so reposting the same key is an upsert.
type DataValue struct {
	DataElement          string `json:"dataElement"`
	Period               string `json:"period"`
	OrgUnit              string `json:"orgUnit"`
	CategoryOptionCombo  string `json:"categoryOptionCombo"`
	AttributeOptionCombo string `json:"attributeOptionCombo,omitempty"`
	Value                string `json:"value"`
}

// Key returns the natural key of the value.
func (v DataValue) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", v.DataElement, v.Period, v.OrgUnit, v.CategoryOptionCombo, v.AttributeOptionCombo)
}

// ConflictRecord is one rejected value reported by a data value import.
type ConflictRecord struct {
	DataElement string
	StartDate   string
	EndDate     string
	Value       string
	ErrorCode   string
	Property    string
}

// DedupKey is the identity used when the ledger is consumed.
func (c ConflictRecord) DedupKey() string {
	return c.Value + "\x00" + c.ErrorCode + "\x00" + c.Property
}

// Window is an inclusive date range used to page data value reads.
type Window struct {
	Start time.Time
	End   time.Time
}

// DateLayout is the date format of dataValueSets startDate/endDate.
const DateLayout = "2006-01-02"

// StartDate renders the window start for the API.
func (w Window) StartDate() string {
	return w.Start.Format(DateLayout)
}

// EndDate renders the window end for the API.
func (w Window) EndDate() string {
	return w.End.Format(DateLayout)
}

func (w Window) String() string {
	return w.StartDate() + ".." + w.EndDate()
}

// MigrationContext carries the identifiers shared between the resolver, the
// restructurer and the value pipeline while one unit (one source data element
// plus one filter value) is processed. It is passed by pointer and must not
// be shared between units processed concurrently.
type MigrationContext struct {
	DataElementGroupID string
	MigrationDatasetID string
	NewDataElementID   string
	DataElementInView  string
	FilterColumn       string

	// LinkedElement is the element the group and dataset were last
	// linked for; linking is skipped while it equals DataElementInView.
	LinkedElement string
}

// BeginUnit resets the per-unit fields for the next unit.
func (c *MigrationContext) BeginUnit(elementInView, newElementID string) {
	c.DataElementInView = elementInView
	c.NewDataElementID = newElementID
}

// NeedsLinking reports whether group and dataset membership must be
// refreshed for the element in view.
func (c *MigrationContext) NeedsLinking() bool {
	return c.LinkedElement != c.DataElementInView
}
