// Package ledger persists the append-only run artifacts: the conflicts CSV,
// the option rename audit CSV, the rename problems CSV and the
// posted-batches log.
package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/lherron/dhismig/internal/domain"
)

// ConflictHeader is the header row of the conflicts ledger.
var ConflictHeader = []string{"DataElement", "Start Date", "End Date", "Value", "Error Code", "Property"}

// RenameHeader is the header row of the rename audit ledger.
var RenameHeader = []string{"name", "id", "New Name"}

// ProblemHeader is the header row of the rename problems file.
var ProblemHeader = []string{"Category Combo", "Object", "Error Code", "Property", "Message"}

// Problem is one option combo rename the destination refused.
type Problem struct {
	ComboID   string
	Object    string
	ErrorCode string
	Property  string
	Message   string
}

// Rename is one category option renamed during conflict remediation.
type Rename struct {
	Name    string
	ID      string
	NewName string
}

// Ledger appends to the three artifact files. Paths may be empty to
// disable an artifact.
type Ledger struct {
	ConflictsPath string
	RenamesPath   string
	PostedPath    string
	ProblemsPath  string

	mu sync.Mutex
}

// New returns a ledger writing to the given paths.
func New(conflicts, renames, posted string) *Ledger {
	return &Ledger{ConflictsPath: conflicts, RenamesPath: renames, PostedPath: posted}
}

// AppendConflicts appends records to the conflicts ledger, writing the
// header first when the file is new.
func (l *Ledger) AppendConflicts(records []domain.ConflictRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{r.DataElement, r.StartDate, r.EndDate, r.Value, r.ErrorCode, r.Property}
	}
	return l.appendCSV(l.ConflictsPath, ConflictHeader, rows)
}

// AppendRenames appends entries to the rename audit ledger.
func (l *Ledger) AppendRenames(renames ...Rename) error {
	if len(renames) == 0 {
		return nil
	}
	rows := make([][]string, len(renames))
	for i, r := range renames {
		rows[i] = []string{r.Name, r.ID, r.NewName}
	}
	return l.appendCSV(l.RenamesPath, RenameHeader, rows)
}

// AppendProblems appends refused renames to the problems file.
func (l *Ledger) AppendProblems(problems ...Problem) error {
	if len(problems) == 0 {
		return nil
	}
	rows := make([][]string, len(problems))
	for i, p := range problems {
		rows[i] = []string{p.ComboID, p.Object, p.ErrorCode, p.Property, p.Message}
	}
	return l.appendCSV(l.ProblemsPath, ProblemHeader, rows)
}

// AppendPosted appends one line to the posted-batches log.
func (l *Ledger) AppendPosted(line string) error {
	if l.PostedPath == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := openAppend(l.PostedPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("write posted log: %w", err)
	}
	return nil
}

// ReadConflicts loads every record of the conflicts ledger. A missing file
// yields no records.
func (l *Ledger) ReadConflicts() ([]domain.ConflictRecord, error) {
	if l.ConflictsPath == "" {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.ConflictsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open conflicts ledger: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conflicts header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	get := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	var out []domain.ConflictRecord
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read conflicts ledger: %w", err)
		}
		out = append(out, domain.ConflictRecord{
			DataElement: get(row, "DataElement"),
			StartDate:   get(row, "Start Date"),
			EndDate:     get(row, "End Date"),
			Value:       get(row, "Value"),
			ErrorCode:   get(row, "Error Code"),
			Property:    get(row, "Property"),
		})
	}
	return out, nil
}

func (l *Ledger) appendCSV(path string, header []string, rows [][]string) error {
	if path == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, statErr := os.Stat(path)
	isNew := errors.Is(statErr, os.ErrNotExist)

	f, err := openAppend(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
