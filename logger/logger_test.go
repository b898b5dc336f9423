package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/maildrop/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}

func TestInitializeFileOutput(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() {
		globalLogger = nil
		slog.SetDefault(previous)
	})

	path := filepath.Join(t.TempDir(), "maildrop.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, f)

	Debug("session opened", "session", "abc")
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"session opened"`)
	assert.Contains(t, string(data), `"session":"abc"`)
}
