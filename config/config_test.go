package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 48*time.Hour, cfg.Ledger.RetentionWindow)
	assert.Equal(t, "25", cfg.UnitWeight().String())

	opts := cfg.OptimizerOptions()
	assert.Equal(t, 1, opts.UnitsPerBatch)
	assert.Equal(t, 25, opts.SwapWindow)
	assert.Equal(t, 500, opts.MaxSwapTrials)
	assert.Equal(t, 12, opts.MaxForcedSearch)
	assert.Equal(t, 0.5, opts.SecondaryWeight)
	assert.Equal(t, time.January, cfg.FiscalYear().StartMonth)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blend.yaml")
	yaml := `
http:
  port: 9090
allocation:
  unit_weight_kg: 12.5
  units_per_batch: 2
ledger:
  retention_window: 24h
fiscal:
  start_month: 7
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("BLEND_LOG_LEVEL", "debug")
	t.Setenv("BLEND_OPTIMIZER_SWAP_WINDOW", "40")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "12.5", cfg.UnitWeight().String())
	assert.Equal(t, 2, cfg.Allocation.UnitsPerBatch)
	assert.Equal(t, 24*time.Hour, cfg.Ledger.RetentionWindow)
	assert.Equal(t, time.July, cfg.FiscalYear().StartMonth)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 40, cfg.Optimizer.SwapWindow)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BLEND_FISCAL_START_MONTH", "13")
	t.Setenv("BLEND_ALLOCATION_UNITS_PER_BATCH", "0")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fiscal start month")
	assert.Contains(t, err.Error(), "units_per_batch")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
