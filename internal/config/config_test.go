package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME and cwd at fresh temp dirs so no real user files leak in.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	work := filepath.Join(home, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))
	t.Chdir(work)
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func sameFile(t *testing.T, want, got string) {
	t.Helper()
	// macOS /var -> /private/var
	w, err := filepath.EvalSymlinks(want)
	require.NoError(t, err)
	g, err := filepath.EvalSymlinks(got)
	require.NoError(t, err)
	assert.Equal(t, w, g)
}

func TestFindEnvLocal_InCurrentDir(t *testing.T) {
	home := isolate(t)
	envPath := filepath.Join(home, "work", ".env.local")
	writeFile(t, envPath, "TEST=value")

	sameFile(t, envPath, findEnvLocal())
}

func TestFindEnvLocal_InGrandparentDir(t *testing.T) {
	home := isolate(t)
	child := filepath.Join(home, "work", "parent", "child")
	require.NoError(t, os.MkdirAll(child, 0o755))
	envPath := filepath.Join(home, "work", ".env.local")
	writeFile(t, envPath, "TEST=grandparent")
	t.Chdir(child)

	sameFile(t, envPath, findEnvLocal())
}

func TestFindEnvLocal_ClosestWins(t *testing.T) {
	home := isolate(t)
	parent := filepath.Join(home, "work", "parent")
	child := filepath.Join(parent, "child")
	require.NoError(t, os.MkdirAll(child, 0o755))
	writeFile(t, filepath.Join(home, "work", ".env.local"), "TEST=grandparent")
	writeFile(t, filepath.Join(parent, ".env.local"), "TEST=parent")
	t.Chdir(child)

	sameFile(t, filepath.Join(parent, ".env.local"), findEnvLocal())
}

func TestFindEnvLocal_StopsAtHome(t *testing.T) {
	isolate(t)
	assert.Empty(t, findEnvLocal())
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "Migration DataSet", cfg.DatasetName)
	assert.Equal(t, "Data Migration Group", cfg.GroupName)
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, 9, cfg.Years.Back)
	assert.True(t, cfg.ProcessValues)
	assert.Equal(t, []string{"COP", "DSD"}, cfg.ExcludeOptions)
	assert.Equal(t, filepath.Join(home, ".local", "share", "dhismig", "journal.db"), cfg.JournalPath)
}

func TestLoadPrecedence(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".config", "dhismig", "config.yaml"), `
source:
  url: https://user.example.org
  username: admin
batch_size: 100
log_level: debug
`)
	explicit := filepath.Join(home, "run.yaml")
	writeFile(t, explicit, `
batch_size: 200
values_timeout: 5m
years:
  back: 6
  months: [1, 2]
`)
	writeFile(t, filepath.Join(home, "work", ".env.local"), "DHISMIG_LOG_LEVEL=warn\n")
	t.Cleanup(func() { os.Unsetenv("DHISMIG_LOG_LEVEL") })
	t.Setenv("DHISMIG_BATCH_SIZE", "300")
	t.Setenv("DHISMIG_SPECIFIC_COCS", "cocA, cocB,")

	cfg, err := Load(explicit)
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.BatchSize)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.ValuesTimeout)
	assert.Equal(t, 6, cfg.Years.Back)
	assert.Equal(t, []time.Month{time.January, time.February}, cfg.Years.MonthList())
	assert.Equal(t, []string{"cocA", "cocB"}, cfg.SpecificCOCs)
	assert.Equal(t, "https://user.example.org", cfg.Source.URL)
	assert.Equal(t, cfg.Source, cfg.Destination)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	home := isolate(t)
	_, err := Load(filepath.Join(home, "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.yaml")
}

func TestLoadBadNumber(t *testing.T) {
	isolate(t)
	t.Setenv("DHISMIG_BATCH_SIZE", "lots")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DHISMIG_BATCH_SIZE")
}

func TestPasswordFromFile(t *testing.T) {
	home := isolate(t)
	secret := filepath.Join(home, "secret")
	writeFile(t, secret, "hunter2\n")
	t.Setenv("DHISMIG_SOURCE_URL", "https://src.example.org")
	t.Setenv("DHISMIG_SOURCE_PASSWORD_FILE", secret)
	t.Setenv("DHISMIG_DESTINATION_URL", "https://dst.example.org")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Source.Password)
	assert.Equal(t, "https://dst.example.org", cfg.Destination.URL)
	assert.Empty(t, cfg.Destination.Password)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source url is required")

	cfg.Source.URL = "https://play.example.org"
	require.NoError(t, cfg.Validate())

	cfg.Years.Back = 4
	cfg.RestructureMode = "sideways"
	cfg.Years.Months = []int{13}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step3")
	assert.Contains(t, err.Error(), "RestructureMode")
	assert.Contains(t, err.Error(), "Months[0]")
}
