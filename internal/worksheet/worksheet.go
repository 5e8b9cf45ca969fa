// Package worksheet loads the migration worksheet: one row per source
// category option combo describing where it moves to.
package worksheet

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

// Column names of the worksheet.
const (
	ColDataElementID   = "dataElement.id"
	ColProposedElement = "Proposed new Data element Name"
	ColProposedCombo   = "Proposed CatCombos"
	ColOldCombo        = "Current categoryCombo.id"
	ColOptionCombo     = "categoryOptionCombos.id"
	ColCocNewName      = "updated name for Coc update"

	// FilterColumnMarker identifies the dynamic "category Option N" columns.
	FilterColumnMarker = "category Option"

	// MaxCategories is the number of "Category N UID" columns read.
	MaxCategories = 6
)

// ErrNoFilterColumn is returned when no filter column is fully populated.
var ErrNoFilterColumn = errors.New("worksheet: no complete \"category Option\" column")

// CategoryColumn returns the header of the n-th category column (1-based).
func CategoryColumn(n int) string {
	return fmt.Sprintf("Category %d UID", n)
}

// Row is one worksheet line keyed by column header.
type Row map[string]string

// Get returns the trimmed cell value and whether the column exists.
func (r Row) Get(col string) (string, bool) {
	v, ok := r[col]
	return strings.TrimSpace(v), ok
}

// Value returns the trimmed cell value, "" when the column is absent.
func (r Row) Value(col string) string {
	v, _ := r.Get(col)
	return v
}

func (r Row) DataElementID() string       { return r.Value(ColDataElementID) }
func (r Row) ProposedElementName() string { return r.Value(ColProposedElement) }
func (r Row) ProposedComboName() string   { return r.Value(ColProposedCombo) }
func (r Row) OldComboID() string          { return r.Value(ColOldCombo) }
func (r Row) OptionComboID() string       { return r.Value(ColOptionCombo) }

// CategoryUIDs returns the non-empty "Category N UID" cells in column order.
// Absent columns and empty or NaN cells are skipped.
func (r Row) CategoryUIDs() []string {
	var out []string
	for n := 1; n <= MaxCategories; n++ {
		v, ok := r.Get(CategoryColumn(n))
		if !ok || missing(v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func missing(v string) bool {
	return v == "" || strings.EqualFold(v, "nan")
}

// Sheet is a loaded worksheet or a filtered view of one.
type Sheet struct {
	Header []string
	Rows   []Row
}

// Load reads a worksheet CSV file.
func Load(path string) (*Sheet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open worksheet: %w", err)
	}
	defer f.Close()
	s, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse worksheet %s: %w", path, err)
	}
	return s, nil
}

// Parse reads a worksheet from CSV with a header row.
func Parse(r io.Reader) (*Sheet, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &Sheet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	s := &Sheet{Header: header}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(s.Rows)+2, err)
		}
		row := make(Row, len(header))
		for i, h := range header {
			if i < len(record) {
				row[h] = record[i]
			} else {
				row[h] = ""
			}
		}
		s.Rows = append(s.Rows, row)
	}
	return s, nil
}

// Len returns the number of rows.
func (s *Sheet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Rows)
}

// Row returns the row at index, or nil when out of range.
func (s *Sheet) Row(index int) Row {
	if s == nil || index < 0 || index >= len(s.Rows) {
		return nil
	}
	return s.Rows[index]
}

// HasColumn reports whether the header contains col.
func (s *Sheet) HasColumn(col string) bool {
	return slices.Contains(s.Header, col)
}

// Unique returns the distinct non-empty values of col in first-seen order.
func (s *Sheet) Unique(col string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range s.Rows {
		v := r.Value(col)
		if missing(v) {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ProposedNames returns the distinct proposed data element names.
func (s *Sheet) ProposedNames() []string {
	return s.Unique(ColProposedElement)
}

// ElementIDs returns the distinct source data element ids.
func (s *Sheet) ElementIDs() []string {
	return s.Unique(ColDataElementID)
}

// OptionCombos returns the distinct category option combo ids.
func (s *Sheet) OptionCombos() []string {
	return s.Unique(ColOptionCombo)
}

func (s *Sheet) where(keep func(Row) bool) *Sheet {
	out := &Sheet{Header: s.Header}
	for _, r := range s.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// ByProposedName returns the rows proposing the given data element name.
func (s *Sheet) ByProposedName(name string) *Sheet {
	return s.where(func(r Row) bool { return r.ProposedElementName() == name })
}

// FilterColumns returns the "category Option N" headers in header order.
func (s *Sheet) FilterColumns() []string {
	var out []string
	for _, h := range s.Header {
		if strings.Contains(h, FilterColumnMarker) {
			out = append(out, h)
		}
	}
	return out
}

// MinUniqueColumn picks the filter column with the fewest distinct values
// among those with no empty cell. Ties resolve to the earliest column.
func (s *Sheet) MinUniqueColumn() (string, error) {
	best, bestCount := "", -1
	for _, col := range s.FilterColumns() {
		complete := true
		for _, r := range s.Rows {
			if missing(r.Value(col)) {
				complete = false
				break
			}
		}
		if !complete || len(s.Rows) == 0 {
			continue
		}
		n := len(s.Unique(col))
		if bestCount < 0 || n < bestCount {
			best, bestCount = col, n
		}
	}
	if best == "" {
		return "", ErrNoFilterColumn
	}
	return best, nil
}

// Select returns the rows of elementID whose col value is one of values.
func (s *Sheet) Select(elementID, col string, values []string) *Sheet {
	return s.where(func(r Row) bool {
		return r.DataElementID() == elementID && slices.Contains(values, r.Value(col))
	})
}

// CocRenames returns the categoryOptionCombos.id to new name mapping of a
// rename sheet. Rows with an empty name are skipped.
func (s *Sheet) CocRenames() map[string]string {
	out := make(map[string]string, len(s.Rows))
	for _, r := range s.Rows {
		id, name := r.OptionComboID(), r.Value(ColCocNewName)
		if id == "" || missing(name) {
			continue
		}
		out[id] = name
	}
	return out
}
