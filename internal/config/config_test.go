package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatehouse/internal/config"
)

// loadFrom isolates the loader from the developer's real HOME so stray
// personal config never leaks into assertions.
func loadFrom(t *testing.T, dir string) (*config.Config, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return config.LoadWithPath(dir)
}

func writeYAML(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gatehouse.yaml"), []byte(content), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFrom(t, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "", cfg.State.Dir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 10, cfg.Custodiet.Threshold)
	assert.Equal(t, 3, cfg.Custodiet.StartBefore)
	assert.Equal(t, "bd", cfg.Task.Command)
	assert.Equal(t, 5*time.Second, cfg.Task.TimeoutDuration())
	assert.Equal(t, "", cfg.Notify.Topic)
	assert.Equal(t, 20, cfg.Hydrate.MaxFiles)
	assert.Contains(t, cfg.Hydrate.ContinuationMarkers, "continue")
	assert.Equal(t, 2*time.Minute, cfg.Transcript.TimeoutDuration())
	assert.Empty(t, cfg.AutoCommit.Dir)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, `
state:
  dir: /var/lib/gatehouse
log:
  level: debug
custodiet:
  threshold: 20
  start_before: 5
task:
  command: beads
notify:
  topic: agent-alerts
gates:
  task_gate: "off"
  safe_write_paths:
    - /scratch/**
`)

	cfg, err := loadFrom(t, dir)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/gatehouse", cfg.State.Dir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 20, cfg.Custodiet.Threshold)
	assert.Equal(t, 5, cfg.Custodiet.StartBefore)
	assert.Equal(t, "beads", cfg.Task.Command)
	assert.Equal(t, "agent-alerts", cfg.Notify.Topic)
	assert.Equal(t, "off", cfg.Gates.TaskGate)
	assert.Equal(t, []string{"/scratch/**"}, cfg.Gates.SafeWritePaths)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "custodiet:\n  threshold: 20\n")

	t.Setenv("GATEHOUSE_CUSTODIET_THRESHOLD", "15")
	t.Setenv("GATEHOUSE_STATE_DIR", "/env/state")
	t.Setenv("GATEHOUSE_NOTIFY_TOPIC", "from-env")

	cfg, err := loadFrom(t, dir)
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.Custodiet.Threshold)
	assert.Equal(t, "/env/state", cfg.State.Dir)
	assert.Equal(t, "from-env", cfg.Notify.Topic)
}

func TestDocumentedShortEnvNames(t *testing.T) {
	t.Setenv("GATEHOUSE_CUSTODIET", "off")
	t.Setenv("GATEHOUSE_HYDRATION", "disabled")
	t.Setenv("GATEHOUSE_TASK_GATE", "0")
	t.Setenv("GATEHOUSE_DEBUG_LOG", "/tmp/gatehouse-debug.log")
	t.Setenv("GATEHOUSE_SUBAGENT_TYPE", "custodiet")

	cfg, err := loadFrom(t, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "off", cfg.Gates.Custodiet)
	assert.Equal(t, "disabled", cfg.Gates.Hydration)
	assert.Equal(t, "0", cfg.Gates.TaskGate)
	assert.Equal(t, "/tmp/gatehouse-debug.log", cfg.Log.DebugFile)
	assert.Equal(t, "custodiet", cfg.Subagent.Type)

	opts := cfg.GateOptions()
	assert.False(t, opts.CustodietEnabled)
	assert.False(t, opts.HydrationEnabled)
	assert.False(t, opts.TaskGateEnabled)
}

func TestParseToggle(t *testing.T) {
	for _, v := range []string{"off", "OFF", "false", "0", "no", "disabled", " Disabled "} {
		assert.False(t, config.ParseToggle(v), "%q should disable", v)
	}
	for _, v := range []string{"", "on", "true", "1", "yes", "anything"} {
		assert.True(t, config.ParseToggle(v), "%q should enable", v)
	}
}

func TestGateOptionsCarriesTunables(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, `
custodiet:
  threshold: 12
  start_before: 4
task:
  command: bd
gates:
  streamlined_workflows: [quick-fix]
  compliance_subagents: [auditor]
`)

	cfg, err := loadFrom(t, dir)
	require.NoError(t, err)

	opts := cfg.GateOptions()
	assert.Equal(t, 12, opts.CustodietThreshold)
	assert.Equal(t, 4, opts.CustodietStartBefore)
	assert.True(t, opts.CustodietEnabled)
	assert.Equal(t, "bd", opts.TaskCommand)
	assert.Equal(t, []string{"quick-fix"}, opts.StreamlinedWorkflows)
	assert.Equal(t, []string{"auditor"}, opts.ComplianceSubagents)
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero threshold", "custodiet:\n  threshold: 0\n"},
		{"start_before past threshold", "custodiet:\n  threshold: 5\n  start_before: 5\n"},
		{"empty task command", "task:\n  command: \"\"\n"},
		{"zero task timeout", "task:\n  timeout: 0\n"},
		{"zero hydrate cap", "hydrate:\n  max_files: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeYAML(t, dir, tc.yaml)
			_, err := loadFrom(t, dir)
			assert.Error(t, err)
		})
	}
}

func TestMalformedFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "state: [unterminated\n")
	_, err := loadFrom(t, dir)
	assert.Error(t, err)
}
