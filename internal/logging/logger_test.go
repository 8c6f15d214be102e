package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/sanspareilsmyn/tollstats/internal/config"
)

func TestNewLogger_Console(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "chatty", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewLogger_FileOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger, err := NewLogger(config.LogConfig{
		Level:              "info",
		Format:             "none",
		FileLoggingEnabled: true,
		Directory:          dir,
		Filename:           "tollstats.log",
		MaxSize:            1,
	})
	require.NoError(t, err)

	logger.Info("window aggregated")
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "tollstats.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "window aggregated")
}

func TestNewLogger_NoOutputs(t *testing.T) {
	_, err := NewLogger(config.LogConfig{Level: "info", Format: "none"})
	assert.Error(t, err)
}

func TestNewLogger_UnknownFormat(t *testing.T) {
	_, err := NewLogger(config.LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
