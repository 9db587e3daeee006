package common

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.level.String())
		})
	}
}

func TestAppLogger_LogFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	assert.Zero(t, buf.Len(), "Debug/Info messages should be filtered when level is Warn")

	logger.Warn("warn message")
	assert.Contains(t, buf.String(), "level=WARN")

	buf.Reset()
	logger.Error("error message")
	assert.Contains(t, buf.String(), "level=ERROR")
}

func TestAppLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelInfo)

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())

	logger.SetLevel(LevelDebug)
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestAppLogger_LogFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelDebug)

	logger.Info("Test message with %s", "formatting")

	output := buf.String()
	assert.Contains(t, output, "level=INFO")
	assert.Contains(t, output, "Test message with formatting")
}

func TestAppLogger_FileLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelInfo)

	logPath := filepath.Join(t.TempDir(), "logs", "pia-tools.log")
	require.NoError(t, logger.EnableFileLogging(logPath))

	logger.Info("goes to %s", "both")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "goes to both")
	assert.Contains(t, buf.String(), "goes to both")
}

func TestDefaultLogConfig(t *testing.T) {
	assert.Equal(t, 5*1024*1024, defaultMaxFileSize)
	assert.Equal(t, 5, defaultMaxBackups)
}

func TestLogRotation(t *testing.T) {
	tempDir := t.TempDir()
	logFile := filepath.Join(tempDir, "test.log")

	largeContent := strings.Repeat("x", 1024*1024) // 1MB
	require.NoError(t, os.WriteFile(logFile, []byte(largeContent), 0600))

	logger := NewLogger(&bytes.Buffer{}, LevelInfo)
	logger.maxFileSize = 512 * 1024
	logger.maxBackups = 2

	logger.rotateIfNeeded(logFile)

	info, err := os.Stat(logFile)
	if err == nil {
		assert.Zero(t, info.Size(), "log file should be removed or empty after rotation")
	}

	matches, _ := filepath.Glob(filepath.Join(tempDir, "test.log.*"))
	assert.NotEmpty(t, matches, "backup file should be created after rotation")
}

func TestFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "present")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	assert.True(t, FileExists(path))
	assert.False(t, FileExists("/nonexistent/path/to/file"))
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "portfwd")

	require.NoError(t, WriteFileAtomic(path, []byte("51234"), 0600))
	require.NoError(t, WriteFileAtomic(path, []byte("40000"), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "40000", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".portfwd.*"))
	assert.Empty(t, leftovers)
}

func TestStringInSlice(t *testing.T) {
	slice := []string{"a", "b", "c"}

	assert.True(t, StringInSlice("b", slice))
	assert.False(t, StringInSlice("d", slice))
}

func TestWrapError(t *testing.T) {
	wrapped := WrapError(ErrConnectionFailed, "additional context")

	require.Error(t, wrapped)
	assert.Contains(t, wrapped.Error(), "additional context")
	assert.Contains(t, wrapped.Error(), ErrConnectionFailed.Error())
	assert.ErrorIs(t, wrapped, ErrConnectionFailed)

	assert.NoError(t, WrapError(nil, "context"))
}

func TestExitCode(t *testing.T) {
	tests := map[string]struct {
		err  error
		want int
	}{
		"nil":              {err: nil, want: ExitOK},
		"plain error":      {err: errors.New("boom"), want: ExitFailure},
		"exit error":       {err: NewExitError(ExitVPNDown, ErrNotConnected), want: ExitVPNDown},
		"wrapped exit err": {err: fmt.Errorf("status: %w", SilentExit(ExitNoConnectivity, nil)), want: ExitNoConnectivity},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitError(t *testing.T) {
	err := NewExitError(ExitVPNDown, ErrNotConnected)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, ErrNotConnected.Error(), err.Error())
	assert.False(t, IsSilent(err))

	silent := SilentExit(ExitFailure, nil)
	assert.True(t, IsSilent(silent))
	assert.Equal(t, "exit status 1", silent.Error())
}
