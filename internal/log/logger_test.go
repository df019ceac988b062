package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name string
		cfg  LogConfig
		want string
	}{
		{
			name: "console output",
			cfg:  LogConfig{Level: "info", Output: "console"},
			want: "info",
		},
		{
			name: "debug level",
			cfg:  LogConfig{Level: "debug", Output: "console"},
			want: "debug",
		},
		{
			name: "invalid level defaults to info",
			cfg:  LogConfig{Level: "invalid", Output: "console"},
			want: "info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestLogger_SetLevel(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "info", Output: "console"})
	require.NoError(t, err)

	require.NoError(t, logger.SetLevel("debug"))
	assert.Equal(t, "debug", logger.GetLevel())

	assert.Error(t, logger.SetLevel("loud"))
	assert.Equal(t, "debug", logger.GetLevel())
}

func TestLogger_WithModuleSharesLevel(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "info", Output: "console"})
	require.NoError(t, err)

	child := logger.WithModule("collector")
	require.NotNil(t, child)

	require.NoError(t, logger.SetLevel("warn"))
	assert.Equal(t, "warn", child.GetLevel())
}

func TestLogger_FileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "procwatch.log")

	logger, err := NewLogger(LogConfig{
		Level:      "info",
		Output:     "file",
		FilePath:   logPath,
		MaxSizeMB:  1,
		MaxBackups: 1,
	})
	require.NoError(t, err)

	logger.Info("handler launched", zap.String("process", "notepad"))
	logger.WithModule("dispatch").Warn("handler missing")
	_ = logger.Sync()

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content), "handler launched"))
	assert.True(t, strings.Contains(string(content), `"module":"dispatch"`))
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	logger.Info("dropped")
	logger.WithModule("engine").Debug("dropped too")
	assert.Equal(t, "info", logger.GetLevel())
}

func TestGlobalLogger(t *testing.T) {
	require.NoError(t, Init(LogConfig{Level: "debug", Output: "console"}))
	assert.Equal(t, "debug", Global().GetLevel())

	require.NoError(t, SetGlobalLevel("warn"))
	assert.Equal(t, "warn", Global().GetLevel())
}
