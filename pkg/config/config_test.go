package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestInitializeAppliesDefaultsForUnsetKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "conductor.yaml", `
executionMode: plan
maxConcurrency: 5
`)

	cfg, err := Initialize(path)
	require.NoError(t, err)

	assert.Equal(t, ModePlan, cfg.ExecutionMode)
	assert.Equal(t, 5, cfg.MaxConcurrency)
	// Untouched keys keep their defaults.
	assert.Equal(t, 120*time.Second, cfg.TaskTimeout())
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Circuit.Cooldown())
	assert.Equal(t, 30*time.Second, cfg.Checkpoint.Interval())
	assert.Equal(t, 0.10, cfg.Checkpoint.ProgressThreshold)
	assert.Equal(t, 10_000, cfg.Checkpoint.TokenThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.TaskMaxAge())
	assert.Equal(t, 24*time.Hour, cfg.Retention.CheckpointMaxAge())
	assert.Equal(t, 24*time.Hour, cfg.Retention.DLQMaxAge())
}

func TestInitializeExpandsEnvironment(t *testing.T) {
	t.Setenv("CONDUCTOR_TEST_DSN", "postgres://orc:secret@db:5432/conductor")
	dir := t.TempDir()
	path := writeConfig(t, dir, "conductor.yaml", `
storage:
  postgresDsn: "{{.CONDUCTOR_TEST_DSN}}"
`)

	cfg, err := Initialize(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://orc:secret@db:5432/conductor", cfg.Storage.PostgresDSN)
	assert.Equal(t, "postgres", cfg.Storage.Backend())
}

func TestExpandEnvPreservesLiteralDollar(t *testing.T) {
	out := ExpandEnv([]byte(`pattern: "^secret.*$"`))
	assert.Equal(t, `pattern: "^secret.*$"`, string(out))
}

func TestInitializeOverrideFileWins(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "conductor.yaml", `
maxConcurrency: 4
server:
  port: 9000
`)
	writeConfig(t, dir, OverrideFile, `
server:
  port: 9100
`)

	cfg, err := Initialize(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 4, cfg.MaxConcurrency, "non-overridden keys survive")
}

func TestInitializeMissingFile(t *testing.T) {
	_, err := Initialize(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "conductor.yaml", "maxConcurrency: [not an int")
	_, err := Initialize(path)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }, "maxConcurrency"},
		{"depth override", func(c *Config) { c.MaxDecompositionDepth = 7 }, "maxDecompositionDepth"},
		{"bad mode", func(c *Config) { c.ExecutionMode = "yolo" }, "executionMode"},
		{"progress over one", func(c *Config) { c.Checkpoint.ProgressThreshold = 1.5 }, "checkpoint.progressThreshold"},
		{"unknown dry-run category", func(c *Config) { c.DryRun.Categories = []string{"disk_format"} }, "dryRun.categories"},
		{"zero cooldown", func(c *Config) { c.Circuit.CooldownMs = 0 }, "circuit.cooldownMs"},
		{"no workers", func(c *Config) { c.Queue.WorkerCount = 0 }, "queue.workerCount"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidValue)
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestValidateAcceptsKnownDryRunCategories(t *testing.T) {
	cfg := Default()
	cfg.DryRun.Categories = []string{"file_write", "shell_command", "network"}
	assert.NoError(t, cfg.Validate())
}
