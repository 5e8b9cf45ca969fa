package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTextfile(t *testing.T) {
	BatchesTotal.WithLabelValues("posted").Inc()
	ValuesPosted.Add(3)

	path := filepath.Join(t.TempDir(), "dhismig.prom")
	require.NoError(t, WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `dhismig_values_batches_total{outcome="posted"}`)
	assert.Contains(t, string(data), "dhismig_values_posted_total")
}

func TestWriteTextfileEmptyPath(t *testing.T) {
	assert.NoError(t, WriteTextfile(""))
}

func TestWriteTextfileBadDir(t *testing.T) {
	err := WriteTextfile(filepath.Join(t.TempDir(), "missing", "dhismig.prom"))
	assert.ErrorContains(t, err, "write metrics textfile")
}
