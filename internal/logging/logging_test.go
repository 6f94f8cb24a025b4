package logging_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gatehouse/internal/logging"
)

func TestNewWritesDebugFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	log, err := logging.New(logging.Config{Level: "debug", Format: "json", DebugFile: path})
	require.NoError(t, err)

	log.Debug("probe message", zap.String("part", "test"))
	_ = log.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "probe message")
	assert.Contains(t, string(b), `"part":"test"`)
}

func TestLevelFiltersBelowThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	log, err := logging.New(logging.Config{Level: "warn", Format: "json", DebugFile: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Warn("visible")
	_ = log.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hidden")
	assert.Contains(t, string(b), "visible")
}

func TestCriticalTagsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	log, err := logging.New(logging.Config{Level: "info", Format: "json", DebugFile: path})
	require.NoError(t, err)

	log.Critical("state save failed")
	_ = log.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"critical":true`)
}

func TestNopDiscardsEverything(t *testing.T) {
	log := logging.Nop()
	log.WithFields(zap.String("k", "v")).Info("dropped")
	log.WithError(os.ErrNotExist).Warn("dropped too")
}
