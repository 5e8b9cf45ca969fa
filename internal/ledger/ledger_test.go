package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/dhismig/internal/domain"
)

func TestConflictsRoundTripWithSingleHeader(t *testing.T) {
	dir := t.TempDir()
	l := New(filepath.Join(dir, "conflicts.csv"), "", "")

	first := domain.ConflictRecord{
		DataElement: "DE1", StartDate: "2024-01-01", EndDate: "2024-01-03",
		Value:     "Organisation unit: `OU9` is not valid for attribute option combo: `AOC1`",
		ErrorCode: "E7616", Property: "orgUnit",
	}
	second := first
	second.DataElement = "DE2"

	require.NoError(t, l.AppendConflicts([]domain.ConflictRecord{first}))
	require.NoError(t, l.AppendConflicts([]domain.ConflictRecord{second}))
	require.NoError(t, l.AppendConflicts(nil))

	data, err := os.ReadFile(l.ConflictsPath)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "DataElement,Start Date"))

	got, err := l.ReadConflicts()
	require.NoError(t, err)
	assert.Equal(t, []domain.ConflictRecord{first, second}, got)
}

func TestReadConflictsMissingFile(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "nope.csv"), "", "")
	got, err := l.ReadConflicts()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRenamesAndPosted(t *testing.T) {
	dir := t.TempDir()
	l := New("", filepath.Join(dir, "renames.csv"), filepath.Join(dir, "logs", "posted.log"))

	require.NoError(t, l.AppendRenames(Rename{Name: "Côte d'Ivoire!", ID: "opt1", NewName: "Cote dIvoire"}))
	require.NoError(t, l.AppendPosted("Data posted successfully for batch 1"))
	require.NoError(t, l.AppendPosted("Data posted successfully for batch 2"))

	renames, err := os.ReadFile(l.RenamesPath)
	require.NoError(t, err)
	assert.Equal(t, "name,id,New Name\nCôte d'Ivoire!,opt1,Cote dIvoire\n", string(renames))

	posted, err := os.ReadFile(l.PostedPath)
	require.NoError(t, err)
	assert.Equal(t, "Data posted successfully for batch 1\nData posted successfully for batch 2\n", string(posted))

	// disabled artifacts are no-ops
	assert.NoError(t, l.AppendConflicts([]domain.ConflictRecord{{Value: "x"}}))
}

func TestAppendProblems(t *testing.T) {
	l := New("", "", "")
	l.ProblemsPath = filepath.Join(t.TempDir(), "problems.csv")

	require.NoError(t, l.AppendProblems(Problem{
		ComboID: "cc1", Object: "COC2", ErrorCode: "E5003", Property: "name", Message: "already exists",
	}))
	data, err := os.ReadFile(l.ProblemsPath)
	require.NoError(t, err)
	assert.Equal(t, "Category Combo,Object,Error Code,Property,Message\ncc1,COC2,E5003,name,already exists\n", string(data))
}
