package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/dhismig/internal/conflicts"
	"github.com/lherron/dhismig/internal/db"
	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/testutil"
	"github.com/lherron/dhismig/internal/values"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	return New(testutil.TempDB(t))
}

var jan = domain.Window{
	Start: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC),
}

func TestRunStore_CreateAndFinish(t *testing.T) {
	s := setupTestStore(t)

	id, err := s.Runs.Create(RunCreateParams{
		Command:   "migrate",
		Worksheet: "mapping.csv",
		Options:   map[string]any{"mode": "row"},
	})
	require.NoError(t, err)
	assert.Len(t, id, 36)

	r, err := s.Runs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, r.State)
	assert.Equal(t, `{"mode":"row"}`, r.Options)
	assert.Nil(t, r.FinishedAt)

	require.NoError(t, s.Runs.Finish(id, StateFailed, errors.New("boom")))
	r, err = s.Runs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, "boom", r.Error)
	assert.NotNil(t, r.FinishedAt)

	require.NoError(t, s.Runs.Reopen(id))
	r, err = s.Runs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, r.State)
	assert.Empty(t, r.Error)
}

func TestRunStore_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Runs.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Runs.Latest("migrate")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Runs.Reopen("missing"), ErrNotFound)
}

func TestRunStore_LatestAndList(t *testing.T) {
	s := setupTestStore(t)

	first, err := s.Runs.Create(RunCreateParams{Command: "migrate"})
	require.NoError(t, err)
	_, err = s.Runs.Create(RunCreateParams{Command: "fix-conflicts"})
	require.NoError(t, err)
	second, err := s.Runs.Create(RunCreateParams{ID: "fixed-id", Command: "migrate"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", second)

	latest, err := s.Runs.Latest("migrate")
	require.NoError(t, err)
	assert.Equal(t, second, latest.ID)

	runs, err := s.Runs.List(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, second, runs[0].ID)
	assert.Equal(t, first, runs[2].ID)

	runs, err = s.Runs.List(1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestJournal_Windows(t *testing.T) {
	s := setupTestStore(t)
	id, err := s.Runs.Create(RunCreateParams{Command: "migrate"})
	require.NoError(t, err)
	j := s.Runs.Journal(id)

	require.NoError(t, j.BeginUnit("TX_CURR|DE1|optA", "TX_CURR", "DE1", ""))
	require.NoError(t, j.BeginUnit("TX_CURR|DE1|optA", "TX_CURR", "DE1", "NEWDE000001"))

	done, err := j.WindowDone("TX_CURR|DE1|optA", jan)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, j.MarkWindow("TX_CURR|DE1|optA", jan, values.WindowResult{Pulled: 10, Kept: 8, Batches: 1, Posted: 1}))
	require.NoError(t, j.MarkWindow("TX_CURR|DE1|optA", jan, values.WindowResult{Pulled: 10, Kept: 8, Batches: 1, Posted: 1}))
	done, err = j.WindowDone("TX_CURR|DE1|optA", jan)
	require.NoError(t, err)
	assert.True(t, done)

	// another run starts clean
	other, err := s.Runs.Create(RunCreateParams{Command: "migrate"})
	require.NoError(t, err)
	done, err = s.Runs.Journal(other).WindowDone("TX_CURR|DE1|optA", jan)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, j.FinishUnit("TX_CURR|DE1|optA", UnitCompleted))
	units, err := j.Units()
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, Unit{
		Key: "TX_CURR|DE1|optA", ProposedName: "TX_CURR", DataElement: "DE1", NewElement: "NEWDE000001",
		State: UnitCompleted, Windows: 1, Posted: 1,
	}, units[0])

	r, err := s.Runs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Units)
	assert.Equal(t, 1, r.Windows)
	assert.Equal(t, 1, r.Posted)
}

func TestResolutionStore(t *testing.T) {
	s := setupTestStore(t)
	id, err := s.Runs.Create(RunCreateParams{Command: "fix-conflicts"})
	require.NoError(t, err)

	sum := conflicts.Summary{Records: 4, Unique: 2, OptionsUpdated: 1, CombosUpdated: 1}
	require.NoError(t, s.Resolutions.Record(id, sum))
	got, err := s.Resolutions.ForRun(id)
	require.NoError(t, err)
	assert.Equal(t, []conflicts.Summary{sum}, got)
}

func TestStoreDB(t *testing.T) {
	database := testutil.TempDB(t)
	assert.IsType(t, &db.DB{}, New(database).DB())
}
