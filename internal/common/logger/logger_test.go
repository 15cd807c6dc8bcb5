package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/common/configtypes"
)

func TestNew_RequiresOutput(t *testing.T) {
	_, err := New(configtypes.LogConfig{Level: configtypes.LogLevelInfo})
	assert.Error(t, err)
}

func TestNew_ConsoleOnly(t *testing.T) {
	l, err := New(configtypes.LogConfig{
		Level: configtypes.LogLevelWarn,
		Console: configtypes.ConsoleLogConfig{
			Enabled: true,
			Format:  configtypes.LogFormatText,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, l)

	assert.Equal(t, zap.WarnLevel, l.consoleLevel.Level())
	assert.Nil(t, l.fileLevel)
}

func TestNew_FileOutputNeedsPath(t *testing.T) {
	_, err := New(configtypes.LogConfig{
		Level: configtypes.LogLevelInfo,
		File:  configtypes.FileLogConfig{Enabled: true},
	})
	assert.Error(t, err)
}

func TestNew_FileOutput(t *testing.T) {
	l, err := New(configtypes.LogConfig{
		Level: configtypes.LogLevelInfo,
		File: configtypes.FileLogConfig{
			Enabled: true,
			Path:    filepath.Join(t.TempDir(), "bridge.log"),
			Format:  configtypes.LogFormatJSON,
			Level:   configtypes.LogLevelDebug,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, zap.DebugLevel, l.fileLevel.Level())
}

func TestEnsureInfoForShutdown(t *testing.T) {
	l, err := New(configtypes.LogConfig{
		Level: configtypes.LogLevelError,
		Console: configtypes.ConsoleLogConfig{
			Enabled: true,
			Format:  configtypes.LogFormatText,
		},
	})
	require.NoError(t, err)

	l.EnsureInfoForShutdown()
	assert.Equal(t, zap.InfoLevel, l.consoleLevel.Level())
}

func TestNewDefault(t *testing.T) {
	l, err := NewDefault()
	require.NoError(t, err)
	assert.Equal(t, zap.DebugLevel, l.consoleLevel.Level())
}
