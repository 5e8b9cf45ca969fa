package render

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatTable, f)

	f, err = ParseFormat("yaml")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, FormatTable)
	require.NoError(t, r.Render(nil, Table{
		Headers: []string{"NAME", "COUNT"},
		Rows:    [][]string{{"TX_NEW", "3"}, {"HTS", "12"}},
	}))
	assert.Equal(t, "NAME    COUNT\n------  -----\nTX_NEW  3\nHTS     12\n", buf.String())
}

func TestRenderEmptyTableWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable).Render(nil, Table{Headers: []string{"A"}}))
	assert.Empty(t, buf.String())
}

func TestRenderStructured(t *testing.T) {
	data := []row{{Name: "TX_NEW", Count: 3}}

	var js bytes.Buffer
	require.NoError(t, NewRenderer(&js, FormatJSON).Render(data, Table{}))
	assert.JSONEq(t, `[{"name":"TX_NEW","count":3}]`, js.String())

	var ym bytes.Buffer
	require.NoError(t, NewRenderer(&ym, FormatYAML).Render(data, Table{}))
	assert.Equal(t, "- name: TX_NEW\n  count: 3\n", ym.String())
}
