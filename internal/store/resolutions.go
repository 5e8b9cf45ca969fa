package store

import (
	"fmt"

	"github.com/lherron/dhismig/internal/conflicts"
)

// ResolutionStore keeps the outcome of each conflict resolution pass.
type ResolutionStore struct {
	store *Store
}

// Record stores one pass of runID.
func (rs *ResolutionStore) Record(runID string, sum conflicts.Summary) error {
	_, err := rs.store.db.Exec(`
		INSERT INTO resolutions
			(run_id, records, unique_records, unclassified, options_updated, options_renamed, combos_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runID, sum.Records, sum.Unique, sum.Unclassified, sum.OptionsUpdated, sum.OptionsRenamed, sum.CombosUpdated)
	if err != nil {
		return fmt.Errorf("failed to record resolution: %w", err)
	}
	return nil
}

// ForRun returns the passes of runID, oldest first.
func (rs *ResolutionStore) ForRun(runID string) ([]conflicts.Summary, error) {
	rows, err := rs.store.db.Query(`
		SELECT records, unique_records, unclassified, options_updated, options_renamed, combos_updated
		FROM resolutions WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolutions: %w", err)
	}
	defer rows.Close()

	var out []conflicts.Summary
	for rows.Next() {
		var s conflicts.Summary
		if err := rows.Scan(&s.Records, &s.Unique, &s.Unclassified, &s.OptionsUpdated, &s.OptionsRenamed, &s.CombosUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan resolution: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
