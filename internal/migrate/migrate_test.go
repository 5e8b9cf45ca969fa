package migrate

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/dhismig/internal/conflicts"
	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/ledger"
	"github.com/lherron/dhismig/internal/metadata"
	"github.com/lherron/dhismig/internal/restructure"
	"github.com/lherron/dhismig/internal/session"
	"github.com/lherron/dhismig/internal/store"
	"github.com/lherron/dhismig/internal/testutil"
	"github.com/lherron/dhismig/internal/testutil/fakedhis"
	"github.com/lherron/dhismig/internal/values"
	"github.com/lherron/dhismig/internal/worksheet"
)

const sheetCSV = `dataElement.id,Proposed new Data element Name,Proposed CatCombos,Current categoryCombo.id,Category 1 UID,Category 2 UID,categoryOptionCombos.id,category Option 1,category Option 2
DE1,TX_CURR,Age/Sex,oldCC000001,cat1,cat2,COC1,15-19,Male
DE1,TX_CURR,Age/Sex,oldCC000001,cat1,cat2,COC2,15-19,Female
DE1,TX_CURR,Age/Sex,oldCC000001,cat1,cat2,COC3,20-24,Unknown
`

var march2024 = values.YearPlan{Specific: []int{2024}, Months: []time.Month{time.March}}

type fixture struct {
	fake   *fakedhis.Server
	api    *session.Manager
	sheet  *worksheet.Sheet
	ledger *ledger.Ledger
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	fake := fakedhis.New(t)
	api, err := session.New(map[session.Side]session.Endpoint{
		session.Source:      {BaseURL: fake.URL()},
		session.Destination: {BaseURL: fake.URL()},
	}, session.Options{}, nil)
	require.NoError(t, err)

	fake.Put("organisationUnits", map[string]any{"id": "OU1", "name": "Facility 1"})
	fake.Put("categoryCombos", map[string]any{
		"id": "oldCC000001", "name": "Old Age",
		"categoryOptionCombos": []any{
			map[string]any{"id": "COC1"}, map[string]any{"id": "COC2"}, map[string]any{"id": "COC3"},
		},
	})
	for _, id := range []string{"COC1", "COC2", "COC3"} {
		fake.Put("categoryOptionCombos", map[string]any{
			"id": id, "name": id + " name", "categoryCombo": map[string]any{"id": "oldCC000001"},
		})
	}
	fake.AddValues(
		domain.DataValue{DataElement: "DE1", Period: "202403", OrgUnit: "OU1", CategoryOptionCombo: "COC1", AttributeOptionCombo: "AOC1", Value: "10"},
		domain.DataValue{DataElement: "DE1", Period: "202403", OrgUnit: "OU1", CategoryOptionCombo: "COC2", AttributeOptionCombo: "AOC1", Value: "20"},
		domain.DataValue{DataElement: "DE1", Period: "202403", OrgUnit: "OU1", CategoryOptionCombo: "COC3", AttributeOptionCombo: "AOC1", Value: "30"},
		domain.DataValue{DataElement: "DE1", Period: "202403", OrgUnit: "OU1", CategoryOptionCombo: "COC9", AttributeOptionCombo: "AOC1", Value: "99"},
	)

	sheet, err := worksheet.Parse(strings.NewReader(sheetCSV))
	require.NoError(t, err)
	dir := t.TempDir()
	l := ledger.New(filepath.Join(dir, "conflicts.csv"), filepath.Join(dir, "renames.csv"), filepath.Join(dir, "posted.log"))
	l.ProblemsPath = filepath.Join(dir, "problems.csv")
	return fixture{fake: fake, api: api, sheet: sheet, ledger: l}
}

func (f fixture) migrator(deps Deps, opts Options) *Migrator {
	deps.API = f.api
	if deps.Ledger == nil {
		deps.Ledger = f.ledger
	}
	if opts.Years.Specific == nil && opts.Years.Back == 0 {
		opts.Years = march2024
	}
	return New(deps, f.sheet, opts)
}

type answer struct {
	yes    bool
	err    error
	prompt string
}

func (a *answer) Confirm(prompt string) (bool, error) {
	a.prompt = prompt
	return a.yes, a.err
}

func TestRunMigratesEveryUnit(t *testing.T) {
	f := newFixture(t)
	m := f.migrator(Deps{}, Options{})

	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Names)
	assert.Equal(t, 2, sum.Units)
	assert.Zero(t, sum.FailedUnits)
	assert.Equal(t, 2, sum.Windows)
	assert.Equal(t, 2, sum.Posted)

	combo, ok := f.fake.FindByName("categoryCombos", "Age/Sex")
	require.True(t, ok)
	el, ok := f.fake.FindByName("dataElements", "TX_CURR: Continuation")
	require.True(t, ok)
	doc := metadata.Document(el)
	assert.Equal(t, "TX_CURR", doc.String("shortName"))
	assert.Equal(t, "TX_CURR", doc.String("formName"))
	assert.Equal(t, combo["id"], doc.RefID("categoryCombo"))
	assert.Equal(t, []any{
		map[string]any{"attribute": map[string]any{"id": DefaultNameAttribute}, "value": "TX_CURR"},
		map[string]any{"attribute": map[string]any{"id": DefaultProgramAttribute}, "value": "MER"},
	}, el["attributeValues"])

	// shared objects are created once
	assert.Equal(t, 1, f.fake.Count("dataElements"))
	assert.Equal(t, 1, f.fake.Count("dataElementGroups"))
	assert.Equal(t, 1, f.fake.Count("dataSets"))

	coc, _ := f.fake.Get("categoryOptionCombos", "COC3")
	assert.Equal(t, combo["id"], metadata.Document(coc).RefID("categoryCombo"))

	moved := f.fake.ValuesFor(doc.ID())
	require.Len(t, moved, 3)
	got := map[string]string{}
	for _, v := range moved {
		got[v.CategoryOptionCombo] = v.Value
	}
	assert.Equal(t, map[string]string{"COC1": "10", "COC2": "20", "COC3": "30"}, got)

	assert.Equal(t, doc.ID(), m.Context().NewDataElementID)
	assert.Equal(t, "category Option 1", m.Context().FilterColumn)
}

func TestRunResumesFromJournal(t *testing.T) {
	f := newFixture(t)
	s := store.New(testutil.TempDB(t))
	runID, err := s.Runs.Create(store.RunCreateParams{Command: "migrate"})
	require.NoError(t, err)
	journal := s.Runs.Journal(runID)

	_, err = f.migrator(Deps{Journal: journal}, Options{SkipRestructure: true}).Run(context.Background())
	require.NoError(t, err)
	posts := len(f.fake.ValuePosts())
	require.Equal(t, 2, posts)

	sum, err := f.migrator(Deps{Journal: journal}, Options{SkipRestructure: true}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.WindowsSkipped)
	assert.Zero(t, sum.Windows)
	assert.Len(t, f.fake.ValuePosts(), posts)

	units, err := journal.Units()
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "TX_CURR|DE1|15-19", units[0].Key)
	assert.Equal(t, store.UnitCompleted, units[0].State)
	assert.Equal(t, 1, units[0].Posted)
}

func TestRunSkipValuesStopsAfterFirstFilter(t *testing.T) {
	f := newFixture(t)
	sum, err := f.migrator(Deps{}, Options{SkipValues: true, SkipRestructure: true}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Units)
	assert.Empty(t, f.fake.ValuePosts())
}

func TestSpecificCombosNeedConfirmation(t *testing.T) {
	f := newFixture(t)
	no := &answer{}
	_, err := f.migrator(Deps{Confirmer: no}, Options{SpecificCOCs: []string{"COC3"}}).Run(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Contains(t, no.prompt, "1 specific")
	assert.Empty(t, f.fake.MetadataPosts())

	_, err = f.migrator(Deps{}, Options{SpecificCOCs: []string{"COC3"}}).Run(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)

	broken := &answer{err: errors.New("stdin closed")}
	_, err = f.migrator(Deps{Confirmer: broken}, Options{SpecificCOCs: []string{"COC3"}}).Run(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCancelled)
}

func TestSpecificCombosMoveOnlyThoseRows(t *testing.T) {
	f := newFixture(t)
	m := f.migrator(Deps{Confirmer: &answer{yes: true}}, Options{SpecificCOCs: []string{"COC3"}})

	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Units)
	assert.Equal(t, worksheet.ColOptionCombo, m.Context().FilterColumn)

	combo, _ := f.fake.FindByName("categoryCombos", "Age/Sex")
	coc3, _ := f.fake.Get("categoryOptionCombos", "COC3")
	assert.Equal(t, combo["id"], metadata.Document(coc3).RefID("categoryCombo"))
	coc1, _ := f.fake.Get("categoryOptionCombos", "COC1")
	assert.Equal(t, "oldCC000001", metadata.Document(coc1).RefID("categoryCombo"))

	moved := f.fake.ValuesFor(m.Context().NewDataElementID)
	require.Len(t, moved, 1)
	assert.Equal(t, "COC3", moved[0].CategoryOptionCombo)
}

func TestRunAbortsOnFatalRestructure(t *testing.T) {
	f := newFixture(t)
	f.fake.Put("dataElementGroups", map[string]any{"id": "grp00000001", "name": DefaultGroupName, "dataElements": []any{}})
	f.fake.Put("dataSets", map[string]any{"id": "ds000000001", "name": DefaultDatasetName, "dataSetElements": []any{}})
	f.fake.FailMetadata("dataElementGroups", http.StatusInternalServerError, 1)

	sum, err := f.migrator(Deps{}, Options{}).Run(context.Background())
	assert.ErrorIs(t, err, restructure.ErrFatal)
	assert.Equal(t, 1, sum.Units)
	assert.Empty(t, f.fake.ValuePosts())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.migrator(Deps{}, Options{SkipRestructure: true}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConflictsAreResolvedDuringRun(t *testing.T) {
	f := newFixture(t)
	f.fake.Put("categoryOptionCombos", map[string]any{
		"id": "AOC1", "name": "Partner A",
		"categoryOptions": []any{map[string]any{"id": "optA"}},
	})
	f.fake.Put("categoryOptions", map[string]any{"id": "optA", "name": "Partner A", "organisationUnits": []any{}})
	f.fake.ValueHook = func(v domain.DataValue, lookup fakedhis.Lookup) []metadata.Conflict {
		opt, _ := lookup("categoryOptions", "optA")
		if metadata.Document(opt).HasRef("organisationUnits", v.OrgUnit) {
			return nil
		}
		return []metadata.Conflict{{
			Object:    v.OrgUnit,
			Value:     "Organisation unit: `" + v.OrgUnit + "` is not valid for attribute option combo: `" + v.AttributeOptionCombo + "`",
			ErrorCode: "E7616",
			Property:  "orgUnit",
		}}
	}

	s := store.New(testutil.TempDB(t))
	runID, err := s.Runs.Create(store.RunCreateParams{Command: "migrate"})
	require.NoError(t, err)
	engine := conflicts.New(f.api, f.ledger, conflicts.Options{}, nil)

	sum, err := f.migrator(Deps{Conflicts: engine, Journal: s.Runs.Journal(runID)}, Options{SkipRestructure: true}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Posted)
	assert.Zero(t, sum.Failed)

	el, _ := f.fake.FindByName("dataElements", "TX_CURR: Continuation")
	assert.Len(t, f.fake.ValuesFor(el["id"].(string)), 3)

	passes, err := s.Resolutions.ForRun(runID)
	require.NoError(t, err)
	require.NotEmpty(t, passes)
	assert.Equal(t, 1, passes[0].OptionsUpdated)
}

func TestDeleteValues(t *testing.T) {
	f := newFixture(t)
	_, err := f.migrator(Deps{}, Options{SkipRestructure: true}).Run(context.Background())
	require.NoError(t, err)
	el, _ := f.fake.FindByName("dataElements", "TX_CURR: Continuation")
	newID := el["id"].(string)
	require.Len(t, f.fake.ValuesFor(newID), 3)

	res, err := f.migrator(Deps{}, Options{}).DeleteValues(context.Background(), newID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Deleted)
	assert.Empty(t, f.fake.ValuesFor(newID))
	assert.Len(t, f.fake.ValuesFor("DE1"), 4)
}

func TestDeleteValuesNeedsMigrationObjects(t *testing.T) {
	f := newFixture(t)
	_, err := f.migrator(Deps{}, Options{}).DeleteValues(context.Background(), "DE1")
	assert.ErrorContains(t, err, DefaultGroupName)
}

func TestRenameCombos(t *testing.T) {
	f := newFixture(t)
	f.fake.Put("categoryCombos", map[string]any{
		"id": "ccAgeSex001", "name": "Age/Sex",
		"categoryOptionCombos": []any{map[string]any{"id": "cocA"}, map[string]any{"id": "cocB"}},
	})
	f.fake.Put("categoryOptionCombos", map[string]any{"id": "cocA", "name": "a", "categoryCombo": map[string]any{"id": "ccAgeSex001"}})
	f.fake.Put("categoryOptionCombos", map[string]any{"id": "cocB", "name": "b", "categoryCombo": map[string]any{"id": "ccAgeSex001"}})
	f.fake.Put("categoryOptionCombos", map[string]any{"id": "cocX", "name": "Taken"})

	sum, err := f.migrator(Deps{}, Options{}).RenameCombos(context.Background(), f.ledger,
		map[string]string{"cocA": "15-19, Male", "cocB": "Taken"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Combos)
	assert.Equal(t, 2, sum.Renamed)
	assert.Equal(t, 1, sum.Problems)

	a, _ := f.fake.Get("categoryOptionCombos", "cocA")
	assert.Equal(t, "15-19, Male", a["name"])

	problems := testutil.ReadFile(t, f.ledger.ProblemsPath)
	assert.True(t, strings.HasPrefix(problems, "Category Combo,Object,Error Code,Property,Message\n"))
	assert.Contains(t, problems, "ccAgeSex001,cocB,E5003,name,")
}

func TestUnitKey(t *testing.T) {
	assert.Equal(t, "TX_CURR|DE1|COC1,COC2", UnitKey("TX_CURR", "DE1", []string{"COC1", "COC2"}))
}
