// Package store persists the run journal: runs, the units of work each run
// visited and the date windows it finished, so an interrupted migration can
// resume where it stopped.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lherron/dhismig/internal/db"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Store is the root store that provides access to the journal tables.
type Store struct {
	db *db.DB

	Runs        *RunStore
	Resolutions *ResolutionStore
}

// New creates a new Store wrapping the given database connection.
func New(database *db.DB) *Store {
	s := &Store{db: database}
	s.Runs = &RunStore{store: s}
	s.Resolutions = &ResolutionStore{store: s}
	return s
}

// DB returns the underlying database connection (for read-only queries).
func (s *Store) DB() *db.DB {
	return s.db
}

// withTx executes fn within a transaction. If fn returns nil, the transaction
// is committed; otherwise it is rolled back.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
