package store

import (
	"database/sql"
	"fmt"

	"github.com/lherron/dhismig/internal/conflicts"
	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/values"
)

// Unit states.
const (
	UnitRunning   = "running"
	UnitCompleted = "completed"
	UnitFailed    = "failed"
)

// Journal records the progress of one run.
type Journal struct {
	store *Store
	runID string
}

// Journal returns the progress journal of runID.
func (rs *RunStore) Journal(runID string) *Journal {
	return &Journal{store: rs.store, runID: runID}
}

// RunID returns the run the journal writes to.
func (j *Journal) RunID() string {
	return j.runID
}

// BeginUnit records that the unit keyed key is being processed.
func (j *Journal) BeginUnit(key, proposedName, dataElement, newElement string) error {
	_, err := j.store.db.Exec(`
		INSERT INTO units (run_id, unit_key, proposed_name, data_element, new_element, state)
		VALUES (?, ?, ?, ?, ?, 'running')
		ON CONFLICT (run_id, unit_key) DO UPDATE SET
			new_element = excluded.new_element,
			state = 'running',
			updated_at = strftime('%Y-%m-%dT%H:%M:%SZ','now')
	`, j.runID, key, proposedName, dataElement, newElement)
	if err != nil {
		return fmt.Errorf("failed to begin unit %s: %w", key, err)
	}
	return nil
}

// FinishUnit records the final state of a unit.
func (j *Journal) FinishUnit(key, state string) error {
	_, err := j.store.db.Exec(`
		UPDATE units SET state = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ','now')
		WHERE run_id = ? AND unit_key = ?
	`, state, j.runID, key)
	if err != nil {
		return fmt.Errorf("failed to finish unit %s: %w", key, err)
	}
	return nil
}

// WindowDone reports whether w of the unit was already finished in this run.
func (j *Journal) WindowDone(key string, w domain.Window) (bool, error) {
	var n int
	err := j.store.db.QueryRow(`
		SELECT COUNT(*) FROM windows
		WHERE run_id = ? AND unit_key = ? AND start_date = ? AND end_date = ?
	`, j.runID, key, w.StartDate(), w.EndDate()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check window %s: %w", w, err)
	}
	return n > 0, nil
}

// MarkWindow records a finished window and its counts.
func (j *Journal) MarkWindow(key string, w domain.Window, res values.WindowResult) error {
	return j.store.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO windows
				(run_id, unit_key, start_date, end_date, pulled, kept, dropped, batches, posted, failed, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, j.runID, key, w.StartDate(), w.EndDate(),
			res.Pulled, res.Kept, res.Dropped, res.Batches, res.Posted, res.Failed, res.Deleted)
		if err != nil {
			return fmt.Errorf("failed to mark window %s: %w", w, err)
		}
		_, err = tx.Exec(`
			UPDATE units SET updated_at = strftime('%Y-%m-%dT%H:%M:%SZ','now')
			WHERE run_id = ? AND unit_key = ?
		`, j.runID, key)
		if err != nil {
			return fmt.Errorf("failed to touch unit %s: %w", key, err)
		}
		return nil
	})
}

// RecordResolution stores a conflict resolution pass under the run.
func (j *Journal) RecordResolution(sum conflicts.Summary) error {
	return j.store.Resolutions.Record(j.runID, sum)
}

// Unit is a journaled unit of work.
type Unit struct {
	Key          string `json:"key" yaml:"key"`
	ProposedName string `json:"proposed_name" yaml:"proposed_name"`
	DataElement  string `json:"data_element" yaml:"data_element"`
	NewElement   string `json:"new_element,omitempty" yaml:"new_element,omitempty"`
	State        string `json:"state" yaml:"state"`
	Windows      int    `json:"windows" yaml:"windows"`
	Posted       int    `json:"posted" yaml:"posted"`
	Failed       int    `json:"failed" yaml:"failed"`
}

// Units lists the units of the run in the order they were started.
func (j *Journal) Units() ([]Unit, error) {
	rows, err := j.store.db.Query(`
		SELECT u.unit_key, u.proposed_name, u.data_element, u.new_element, u.state,
			COUNT(w.start_date), COALESCE(SUM(w.posted), 0), COALESCE(SUM(w.failed), 0)
		FROM units u
		LEFT JOIN windows w ON w.run_id = u.run_id AND w.unit_key = u.unit_key
		WHERE u.run_id = ?
		GROUP BY u.unit_key
		ORDER BY u.rowid
	`, j.runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		var u Unit
		if err := rows.Scan(&u.Key, &u.ProposedName, &u.DataElement, &u.NewElement, &u.State,
			&u.Windows, &u.Posted, &u.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}
