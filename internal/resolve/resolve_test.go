package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/session"
	"github.com/lherron/dhismig/internal/testutil/fakedhis"
)

func setup(t *testing.T) (*fakedhis.Server, *Resolver, *domain.MigrationContext) {
	t.Helper()
	fake := fakedhis.New(t)
	m, err := session.New(map[session.Side]session.Endpoint{
		session.Source:      {BaseURL: fake.URL(), Username: "admin", Password: "district"},
		session.Destination: {BaseURL: fake.URL(), Username: "admin", Password: "district"},
	}, session.Options{}, nil)
	require.NoError(t, err)
	mctx := &domain.MigrationContext{}
	return fake, New(m, mctx, Options{}, nil), mctx
}

func TestResolvePagesUntilExactMatch(t *testing.T) {
	fake, r, _ := setup(t)
	fake.PageSize = 2
	for i := 1; i <= 5; i++ {
		fake.Put("categoryCombos", map[string]any{"id": fmt.Sprintf("cc%09d", i), "name": fmt.Sprintf("Combo %d", i)})
	}
	fake.Put("categoryCombos", map[string]any{"id": "ccAgeSex001", "name": "Age/Sex"})

	id, ok := r.Resolve(context.Background(), domain.KindCategoryCombo, "Age/Sex")
	require.True(t, ok)
	assert.Equal(t, "ccAgeSex001", id)

	_, ok = r.Resolve(context.Background(), domain.KindCategoryCombo, "age/sex")
	assert.False(t, ok, "match is case-sensitive")

	_, ok = r.Resolve(context.Background(), domain.KindCategoryCombo, "Age")
	assert.False(t, ok, "no partial matches")
}

func TestResolveRecordsContext(t *testing.T) {
	fake, r, mctx := setup(t)
	fake.Put("dataElementGroups", map[string]any{"id": "grp00000001", "name": "Data Migration Group"})
	fake.Put("dataSets", map[string]any{"id": "ds000000001", "name": "Migration DataSet"})
	fake.Put("dataElements", map[string]any{"id": "de000000001", "name": "TX_CURR: Continuation"})

	ctx := context.Background()
	_, ok := r.Resolve(ctx, domain.KindDataElementGroup, "Data Migration Group")
	require.True(t, ok)
	_, ok = r.Resolve(ctx, domain.KindDataSet, "Migration DataSet")
	require.True(t, ok)
	_, ok = r.Resolve(ctx, domain.KindDataElement, "TX_CURR: Continuation")
	require.True(t, ok)

	assert.Equal(t, "grp00000001", mctx.DataElementGroupID)
	assert.Equal(t, "ds000000001", mctx.MigrationDatasetID)
	assert.Equal(t, "de000000001", mctx.NewDataElementID)
}

func TestResolveAfterMaterializeIsIdempotent(t *testing.T) {
	kinds := []domain.Kind{
		domain.KindCategoryCombo,
		domain.KindDataElementGroup,
		domain.KindDataSet,
		domain.KindDataElement,
	}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			_, r, _ := setup(t)
			ctx := context.Background()
			name := "Migrated " + string(kind)

			_, ok := r.Resolve(ctx, kind, name)
			require.False(t, ok)

			id, err := r.Materialize(ctx, kind, name, Attrs{ShortName: "short " + string(kind)})
			require.NoError(t, err)
			require.NoError(t, domain.ValidateUID(id))

			again, ok := r.Resolve(ctx, kind, name)
			require.True(t, ok)
			assert.Equal(t, id, again)

			ensured, err := r.Ensure(ctx, kind, name, Attrs{})
			require.NoError(t, err)
			assert.Equal(t, id, ensured)
		})
	}
}

func TestMaterializeDatasetEnumeratesOrgUnitsOnce(t *testing.T) {
	fake, r, mctx := setup(t)
	fake.Put("organisationUnits", map[string]any{"id": "OU1", "name": "District 1"})
	fake.Put("organisationUnits", map[string]any{"id": "OU2", "name": "District 2"})
	ctx := context.Background()

	id, err := r.Materialize(ctx, domain.KindDataSet, "Migration DataSet", Attrs{})
	require.NoError(t, err)
	assert.Equal(t, id, mctx.MigrationDatasetID)

	ds, ok := fake.Get("dataSets", id)
	require.True(t, ok)
	assert.Equal(t, "Monthly", ds["periodType"])
	assert.Len(t, ds["organisationUnits"], 2)

	_, err = r.Materialize(ctx, domain.KindDataSet, "Second DataSet", Attrs{})
	require.NoError(t, err)

	orgFetches := 0
	for _, req := range fake.Requests() {
		if req == "GET /api/organisationUnits.json?fields=id&paging=false" {
			orgFetches++
		}
	}
	assert.Equal(t, 1, orgFetches)
}

func TestMaterializeDataElementDisambiguates(t *testing.T) {
	fake, r, mctx := setup(t)
	fake.Put("dataElements", map[string]any{"id": "deTaken0001", "name": "TX_CURR: Continuation", "shortName": "TX_CURR"})
	ctx := context.Background()

	id, err := r.Materialize(ctx, domain.KindDataElement, "TX_CURR: Continuation", Attrs{
		ShortName:       "TX_CURR",
		FormName:        "TX_CURR",
		Description:     "TX_CURR",
		CategoryCombo:   "ccAgeSex001",
		AttributeValues: []AttributeValue{{AttributeID: "HazSRVC04rO", Value: "TX_CURR"}},
	})
	require.NoError(t, err)
	assert.Equal(t, id, mctx.NewDataElementID)

	de, ok := fake.Get("dataElements", id)
	require.True(t, ok)
	assert.Equal(t, "TX_CURR: Continuation_", de["name"])
	assert.Equal(t, "TX_CURR_", de["shortName"])
	assert.Equal(t, map[string]any{"id": "ccAgeSex001"}, de["categoryCombo"])
	assert.Equal(t, false, de["zeroIsSignificant"])
}

func TestMaterializeDisambiguationIsBounded(t *testing.T) {
	fake, r, _ := setup(t)
	fake.Put("dataElements", map[string]any{"id": "deTaken0001", "shortName": "X"})
	fake.Put("dataElements", map[string]any{"id": "deTaken0002", "shortName": "X_"})
	fake.Put("dataElements", map[string]any{"id": "deTaken0003", "shortName": "X__"})

	_, err := r.Materialize(context.Background(), domain.KindDataElement, "Fresh name", Attrs{ShortName: "X"})
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, domain.KindDataElement, rejected.Kind)

	creates := 0
	for _, p := range fake.MetadataPosts() {
		if len(p.Objects("dataElements")) > 0 {
			creates++
		}
	}
	assert.Equal(t, 1+DefaultMaxDisambiguation, creates)
}

func TestMaterializeOtherKindsAreNotRetried(t *testing.T) {
	fake, r, _ := setup(t)
	fake.Put("dataElementGroups", map[string]any{"id": "grpTaken001", "name": "Group", "shortName": "Group"})

	_, err := r.Materialize(context.Background(), domain.KindDataElementGroup, "Group", Attrs{})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Len(t, fake.MetadataPosts(), 1)

	_, err = r.Materialize(context.Background(), domain.KindOrganisationUnit, "OU", Attrs{})
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestEnsureDoesNotCreateWhenListingFails(t *testing.T) {
	fake, r, _ := setup(t)
	fake.Put("dataElements", map[string]any{"id": "deExisting1", "name": "TX_CURR: Continuation", "shortName": "TX_CURR"})
	fake.FailList("dataElements", http.StatusServiceUnavailable, 1)
	ctx := context.Background()

	_, err := r.Ensure(ctx, domain.KindDataElement, "TX_CURR: Continuation", Attrs{ShortName: "TX_CURR"})
	require.ErrorIs(t, err, ErrLookupFailed)
	assert.Equal(t, 1, fake.Count("dataElements"))
	assert.Empty(t, fake.MetadataPosts())

	id, err := r.Ensure(ctx, domain.KindDataElement, "TX_CURR: Continuation", Attrs{ShortName: "TX_CURR"})
	require.NoError(t, err)
	assert.Equal(t, "deExisting1", id)
	assert.Equal(t, 1, fake.Count("dataElements"))
}

func TestLookupSeparatesMissFromFailure(t *testing.T) {
	fake, r, _ := setup(t)
	fake.Put("dataElementGroups", map[string]any{"id": "grp00000001", "name": "Data Migration Group"})
	fake.FailList("dataElementGroups", http.StatusInternalServerError, 1)
	ctx := context.Background()

	_, ok := r.Resolve(ctx, domain.KindDataElementGroup, "Data Migration Group")
	assert.False(t, ok)

	_, ok, err := r.Lookup(ctx, domain.KindDataElementGroup, "Other Group")
	require.NoError(t, err)
	assert.False(t, ok)

	id, ok, err := r.Lookup(ctx, domain.KindDataElementGroup, "Data Migration Group")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "grp00000001", id)
}

func TestMaterializeShortNameDefaultsToName(t *testing.T) {
	fake, r, _ := setup(t)
	fake.Put("dataElements", map[string]any{"id": "deTaken0001", "shortName": "HTS_TST"})

	id, err := r.Materialize(context.Background(), domain.KindDataElement, "HTS_TST", Attrs{})
	require.NoError(t, err)

	de, ok := fake.Get("dataElements", id)
	require.True(t, ok)
	assert.Equal(t, "HTS_TST", de["name"])
	assert.Equal(t, "HTS_TST_", de["shortName"])
}
