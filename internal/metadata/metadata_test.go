package metadata

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/dhismig/internal/domain"
)

func TestSanitize(t *testing.T) {
	in := map[string]any{
		"missing": math.NaN(),
		"flag":    true,
		"count":   float64(12),
		"ratio":   1.5,
		"value":   "42.0",
		"nested": []any{
			map[string]any{"v": math.Inf(1)},
			float64(7),
		},
		"dataValues": []any{
			map[string]any{"value": "4.05"},
			map[string]any{"value": "NaN"},
			map[string]any{"value": "financial"},
			map[string]any{"value": "-3.0"},
		},
	}

	out := Sanitize(in).(map[string]any)

	assert.Equal(t, "", out["missing"])
	assert.Equal(t, true, out["flag"])
	assert.Equal(t, int64(12), out["count"])
	assert.Equal(t, 1.5, out["ratio"])
	assert.Equal(t, "42", out["value"])

	nested := out["nested"].([]any)
	assert.Equal(t, "", nested[0].(map[string]any)["v"])
	assert.Equal(t, int64(7), nested[1])

	var got []any
	for _, dv := range out["dataValues"].([]any) {
		got = append(got, dv.(map[string]any)["value"])
	}
	assert.Equal(t, []any{"4.05", "", "financial", "-3"}, got)

	// input is not modified
	assert.True(t, math.IsNaN(in["missing"].(float64)))
}

func TestSanitizeKeepsMetadataStrings(t *testing.T) {
	in := Document{
		"name":      "nan",
		"code":      "12.0",
		"shortName": "NaN",
		"categoryOptions": []any{
			map[string]any{"name": "1.0", "code": "nan"},
		},
	}

	out := Sanitize(in).(map[string]any)

	assert.Equal(t, "nan", out["name"])
	assert.Equal(t, "12.0", out["code"])
	assert.Equal(t, "NaN", out["shortName"])
	opt := out["categoryOptions"].([]any)[0].(map[string]any)
	assert.Equal(t, "1.0", opt["name"])
	assert.Equal(t, "nan", opt["code"])
	assert.Equal(t, "nan", Sanitize("nan"))
}

func TestMarshalProducesValidJSON(t *testing.T) {
	b, err := Marshal(Document{"value": math.NaN(), "enabled": false, "n": 3.0})
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "", back["value"])
	assert.Equal(t, false, back["enabled"])
	assert.Equal(t, float64(3), back["n"])
	assert.NotContains(t, string(b), "3.0")
}

func TestIsNaN(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"  ", true},
		{"nan", true},
		{"NaN", true},
		{"0", false},
		{"12.5", false},
		{"text", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNaN(tt.in))
		})
	}
}

func TestDocumentStripAndRefs(t *testing.T) {
	doc, err := Decode([]byte(`{
		"id": "abcdefghijk",
		"name": "Sex",
		"created": "2020-01-01",
		"lastUpdated": "2021-01-01",
		"createdBy": {"id": "u1"},
		"lastUpdatedBy": {"id": "u1"},
		"user": {"id": "u1"},
		"categoryCombo": {"id": "ccAAAAAAAAA"},
		"organisationUnits": [{"id": "OU1"}]
	}`))
	require.NoError(t, err)

	doc.StripAudit()
	for _, f := range AuditFields {
		assert.NotContains(t, doc, f)
	}
	assert.Equal(t, "Sex", doc.Name())
	assert.Equal(t, "ccAAAAAAAAA", doc.RefID("categoryCombo"))

	assert.True(t, doc.AppendRef("organisationUnits", "OU9"))
	assert.False(t, doc.AppendRef("organisationUnits", "OU9"))
	assert.Len(t, doc.Objects("organisationUnits"), 2)

	doc.SetRef("categoryCombo", "ccBBBBBBBBB")
	assert.Equal(t, "ccBBBBBBBBB", doc.RefID("categoryCombo"))
}

func TestPayload(t *testing.T) {
	p := Payload(domain.KindDataElement, Document{"id": "a"}, Document{"id": "b"})
	list := p["dataElements"].([]any)
	assert.Len(t, list, 2)
}

func TestParseImportReport(t *testing.T) {
	t.Run("ignored with errors", func(t *testing.T) {
		body := []byte(`{
			"status": "WARNING",
			"stats": {"created": 0, "ignored": 1},
			"typeReports": [{"objectReports": [{"errorReports": [
				{"message": "Property shortName must be unique", "errorProperty": "shortName", "errorCode": "E5003"}
			]}]}]
		}`)
		r, err := ParseImportReport(body)
		require.NoError(t, err)
		assert.False(t, r.OK())
		assert.Equal(t, 1, r.Ignored)
		assert.Equal(t, "Property shortName must be unique", r.PropertyErrors()["shortName"])
	})

	t.Run("wrapped response", func(t *testing.T) {
		r, err := ParseImportReport([]byte(`{"response": {"stats": {"ignored": 0}}}`))
		require.NoError(t, err)
		assert.True(t, r.OK())
	})

	t.Run("no stats", func(t *testing.T) {
		r, err := ParseImportReport([]byte(`{"httpStatus": "Conflict"}`))
		require.NoError(t, err)
		assert.False(t, r.HasStats)
		assert.False(t, r.OK())
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseImportReport([]byte(`<html>`))
		assert.Error(t, err)
	})
}

func TestParseValueImportSummary(t *testing.T) {
	top := []byte(`{"status": "WARNING", "importCount": {"imported": 3, "updated": 1},
		"conflicts": [{"object": "OU9", "value": "OU9", "errorCode": "E7610", "property": "orgUnit"}]}`)
	s, err := ParseValueImportSummary(top)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Imported)
	assert.Equal(t, 1, s.Updated)
	require.Len(t, s.Conflicts, 1)
	assert.Equal(t, "E7610", s.Conflicts[0].ErrorCode)

	wrapped := []byte(`{"response": {"conflicts": [{"value": "x", "errorCode": "E7611"}]}}`)
	s, err = ParseValueImportSummary(wrapped)
	require.NoError(t, err)
	require.Len(t, s.Conflicts, 1)
	assert.Equal(t, "x", s.Conflicts[0].Value)

	s, err = ParseValueImportSummary([]byte(`{"status": "SUCCESS"}`))
	require.NoError(t, err)
	assert.Empty(t, s.Conflicts)
}
