package worksheet

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `dataElement.id,Proposed new Data element Name,Proposed CatCombos,Current categoryCombo.id,Category 1 UID,Category 2 UID,categoryOptionCombos.id,category Option 1,category Option 2
DE1,TX_CURR,Age/Sex,oldCC000001,cat1,cat2,COC1,15-19,Female
DE1,TX_CURR,Age/Sex,oldCC000001,cat1,,COC2,15-19,Male
DE1,TX_CURR,Age/Sex,oldCC000001,cat1,nan,COC3,20-24,
DE2,TX_NEW,Sex,oldCC000002,cat2,,COC4,Unknown,Female
`

func load(t *testing.T) *Sheet {
	t.Helper()
	s, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	return s
}

func TestParse(t *testing.T) {
	s := load(t)
	require.Equal(t, 4, s.Len())
	r := s.Row(0)
	assert.Equal(t, "DE1", r.DataElementID())
	assert.Equal(t, "TX_CURR", r.ProposedElementName())
	assert.Equal(t, "Age/Sex", r.ProposedComboName())
	assert.Equal(t, "oldCC000001", r.OldComboID())
	assert.Equal(t, "COC1", r.OptionComboID())
	assert.Nil(t, s.Row(99))
	assert.Nil(t, s.Row(-1))
}

func TestCategoryUIDsSkipsMissing(t *testing.T) {
	s := load(t)
	assert.Equal(t, []string{"cat1", "cat2"}, s.Row(0).CategoryUIDs())
	assert.Equal(t, []string{"cat1"}, s.Row(1).CategoryUIDs())
	assert.Equal(t, []string{"cat1"}, s.Row(2).CategoryUIDs())

	// Category 3..6 columns are absent from the header entirely
	for _, uid := range s.Row(0).CategoryUIDs() {
		assert.NotEmpty(t, uid)
	}
}

func TestUniqueAndGrouping(t *testing.T) {
	s := load(t)
	assert.Equal(t, []string{"TX_CURR", "TX_NEW"}, s.ProposedNames())

	txCurr := s.ByProposedName("TX_CURR")
	assert.Equal(t, 3, txCurr.Len())
	assert.Equal(t, []string{"DE1"}, txCurr.ElementIDs())
	assert.Equal(t, []string{"COC1", "COC2", "COC3"}, txCurr.OptionCombos())
}

func TestMinUniqueColumn(t *testing.T) {
	s := load(t)

	// "category Option 2" has an empty cell, so only column 1 qualifies
	col, err := s.ByProposedName("TX_CURR").MinUniqueColumn()
	require.NoError(t, err)
	assert.Equal(t, "category Option 1", col)

	// both complete: Option 1 has 1 unique value, Option 2 has 1; earliest wins
	col, err = s.ByProposedName("TX_NEW").MinUniqueColumn()
	require.NoError(t, err)
	assert.Equal(t, "category Option 1", col)

	_, err = (&Sheet{Header: []string{ColDataElementID}}).MinUniqueColumn()
	assert.ErrorIs(t, err, ErrNoFilterColumn)
}

func TestSelect(t *testing.T) {
	s := load(t)

	got := s.Select("DE1", "category Option 1", []string{"15-19"})
	assert.Equal(t, []string{"COC1", "COC2"}, got.OptionCombos())

	// exact match only
	assert.Equal(t, 0, s.Select("DE1", "category Option 1", []string{"15-"}).Len())

	got = s.Select("DE1", ColOptionCombo, []string{"COC3", "COC4"})
	assert.Equal(t, []string{"COC3"}, got.OptionCombos())

	assert.Equal(t, 0, s.Select("DE9", "category Option 1", []string{"15-19"}).Len())
}

func TestLoadAndCocRenames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "renames.csv")
	content := "\ufeffcategoryOptionCombos.id,updated name for Coc update\nCOC1,\"15-19, Female\"\nCOC2,\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"COC1": "15-19, Female"}, s.CocRenames())

	_, err = Load(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
