package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run states.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Run is one invocation of a journaled command.
type Run struct {
	ID         string     `json:"id" yaml:"id"`
	Command    string     `json:"command" yaml:"command"`
	Worksheet  string     `json:"worksheet,omitempty" yaml:"worksheet,omitempty"`
	Options    string     `json:"options,omitempty" yaml:"options,omitempty"`
	State      string     `json:"state" yaml:"state"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Units      int        `json:"units" yaml:"units"`
	Windows    int        `json:"windows" yaml:"windows"`
	Posted     int        `json:"posted" yaml:"posted"`
}

// RunStore handles run persistence operations.
type RunStore struct {
	store *Store
}

// RunCreateParams contains parameters for starting a run.
type RunCreateParams struct {
	ID        string // optional: force a specific id
	Command   string
	Worksheet string
	Options   any // encoded as JSON
}

const timeLayout = "2006-01-02T15:04:05Z"

// Create records a new running run and returns its id.
func (rs *RunStore) Create(params RunCreateParams) (string, error) {
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	opts := "{}"
	if params.Options != nil {
		b, err := json.Marshal(params.Options)
		if err != nil {
			return "", fmt.Errorf("failed to encode run options: %w", err)
		}
		opts = string(b)
	}
	_, err := rs.store.db.Exec(
		`INSERT INTO runs (id, command, worksheet, options) VALUES (?, ?, ?, ?)`,
		id, params.Command, params.Worksheet, opts,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return id, nil
}

// Reopen marks a finished run as running again for a resume.
func (rs *RunStore) Reopen(id string) error {
	res, err := rs.store.db.Exec(
		`UPDATE runs SET state = 'running', error = '', finished_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to reopen run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// Finish records the final state of a run. A nil cause completes it.
func (rs *RunStore) Finish(id, state string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := rs.store.db.Exec(
		`UPDATE runs SET state = ?, error = ?, finished_at = strftime('%Y-%m-%dT%H:%M:%SZ','now') WHERE id = ?`,
		state, msg, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

const runColumns = `
	r.id, r.command, r.worksheet, r.options, r.state, r.error, r.started_at, r.finished_at,
	(SELECT COUNT(*) FROM units u WHERE u.run_id = r.id),
	(SELECT COUNT(*) FROM windows w WHERE w.run_id = r.id),
	(SELECT COALESCE(SUM(w.posted), 0) FROM windows w WHERE w.run_id = r.id)`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var started string
	var finished sql.NullString
	if err := row.Scan(&r.ID, &r.Command, &r.Worksheet, &r.Options, &r.State, &r.Error,
		&started, &finished, &r.Units, &r.Windows, &r.Posted); err != nil {
		return nil, err
	}
	if t, err := time.Parse(timeLayout, started); err == nil {
		r.StartedAt = t
	}
	if finished.Valid {
		if t, err := time.Parse(timeLayout, finished.String); err == nil {
			r.FinishedAt = &t
		}
	}
	return &r, nil
}

// Get returns a run by id.
func (rs *RunStore) Get(id string) (*Run, error) {
	r, err := scanRun(rs.store.db.QueryRow(`SELECT `+runColumns+` FROM runs r WHERE r.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// Latest returns the most recent run of command.
func (rs *RunStore) Latest(command string) (*Run, error) {
	r, err := scanRun(rs.store.db.QueryRow(
		`SELECT `+runColumns+` FROM runs r WHERE r.command = ? ORDER BY r.started_at DESC, r.rowid DESC LIMIT 1`,
		command))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no %s run: %w", command, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return r, nil
}

// List returns up to limit runs, newest first. A limit of 0 lists all.
func (rs *RunStore) List(limit int) ([]Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs r ORDER BY r.started_at DESC, r.rowid DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := rs.store.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
