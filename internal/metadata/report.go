package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/jmespath/go-jmespath"
)

// Import responses differ between server versions: older ones return the
// summary at the top level, newer ones wrap it in "response".
var (
	ignoredPath      = jmespath.MustCompile("stats.ignored || response.stats.ignored")
	statusPath       = jmespath.MustCompile("status")
	errorReportsPath = jmespath.MustCompile(
		"typeReports[0].objectReports[0].errorReports || response.typeReports[0].objectReports[0].errorReports")
	conflictsPath = jmespath.MustCompile("conflicts || response.conflicts")
	importedPath  = jmespath.MustCompile("importCount.imported || response.importCount.imported")
	updatedPath   = jmespath.MustCompile("importCount.updated || response.importCount.updated")
)

// ErrorReport is one entry of a metadata import object report.
type ErrorReport struct {
	Message       string `json:"message"`
	ErrorCode     string `json:"errorCode"`
	ErrorProperty string `json:"errorProperty"`
	MainID        string `json:"mainId"`
}

// ImportReport summarizes a metadata import response.
type ImportReport struct {
	Status       string
	HasStats     bool
	Ignored      int
	ErrorReports []ErrorReport
}

// OK reports whether nothing was ignored.
func (r ImportReport) OK() bool {
	return r.HasStats && r.Ignored == 0
}

// PropertyErrors maps each errorProperty to its message.
func (r ImportReport) PropertyErrors() map[string]string {
	out := make(map[string]string, len(r.ErrorReports))
	for _, er := range r.ErrorReports {
		if er.ErrorProperty != "" {
			out[er.ErrorProperty] = er.Message
		}
	}
	return out
}

// ParseImportReport extracts the summary of a metadata import response.
func ParseImportReport(body []byte) (ImportReport, error) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return ImportReport{}, fmt.Errorf("decode import report: %w", err)
	}

	var r ImportReport
	if s, err := statusPath.Search(data); err == nil {
		r.Status, _ = s.(string)
	}
	if v, err := ignoredPath.Search(data); err == nil {
		if f, ok := v.(float64); ok {
			r.HasStats = true
			r.Ignored = int(f)
		}
	}
	if v, err := errorReportsPath.Search(data); err == nil && v != nil {
		if err := remarshal(v, &r.ErrorReports); err != nil {
			return r, fmt.Errorf("decode error reports: %w", err)
		}
	}
	return r, nil
}

// Conflict is one entry of a data value import "conflicts" list.
type Conflict struct {
	Object    string `json:"object"`
	Value     string `json:"value"`
	ErrorCode string `json:"errorCode"`
	Property  string `json:"property"`
}

// ValueImportSummary summarizes a data value import response.
type ValueImportSummary struct {
	Status    string
	Imported  int
	Updated   int
	Conflicts []Conflict
}

// ParseValueImportSummary extracts the summary of a dataValueSets import.
func ParseValueImportSummary(body []byte) (ValueImportSummary, error) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return ValueImportSummary{}, fmt.Errorf("decode import summary: %w", err)
	}

	var s ValueImportSummary
	if v, err := statusPath.Search(data); err == nil {
		s.Status, _ = v.(string)
	}
	if v, err := importedPath.Search(data); err == nil {
		if f, ok := v.(float64); ok {
			s.Imported = int(f)
		}
	}
	if v, err := updatedPath.Search(data); err == nil {
		if f, ok := v.(float64); ok {
			s.Updated = int(f)
		}
	}
	if v, err := conflictsPath.Search(data); err == nil && v != nil {
		if err := remarshal(v, &s.Conflicts); err != nil {
			return s, fmt.Errorf("decode conflicts: %w", err)
		}
	}
	return s, nil
}

func remarshal(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
