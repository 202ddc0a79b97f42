package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itenfay/cxdownload/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("Initialize with stdout output", func(t *testing.T) {
		logger, err := NewLogger(&config.LogConfig{Level: "debug", Format: "json", Output: "stdout"})
		require.NoError(t, err)
		assert.Equal(t, DEBUG, logger.level)
		assert.True(t, logger.formatJSON)
		assert.Len(t, logger.outputs, 1)
	})

	t.Run("Initialize with file output", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger, err := NewLogger(&config.LogConfig{
			Level:     "info",
			Format:    "text",
			Output:    "file",
			Directory: tmpDir,
			MaxSize:   1,
		})
		require.NoError(t, err)

		logger.Info("test message")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(filepath.Join(tmpDir, "cxdownload.log"))
		require.NoError(t, err)
		assert.Contains(t, string(data), "INFO test message")
	})

	t.Run("Initialize with both outputs", func(t *testing.T) {
		logger, err := NewLogger(&config.LogConfig{Output: "both", Directory: t.TempDir()})
		require.NoError(t, err)
		defer logger.Close()
		assert.Len(t, logger.outputs, 2)
		assert.Equal(t, INFO, logger.level)
	})

	t.Run("Close drops the file output", func(t *testing.T) {
		logger, err := NewLogger(&config.LogConfig{Output: "both", Directory: t.TempDir()})
		require.NoError(t, err)
		require.NoError(t, logger.Close())
		assert.Len(t, logger.outputs, 1)
		assert.NoError(t, logger.Close())
	})
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "warn", false)

	logger.Debugf("debug %d", 1)
	logger.Info("info")
	logger.Warnf("warn %s", "x")
	logger.Errorf("error %s", "y")

	out := buf.String()
	assert.NotContains(t, out, "debug 1")
	assert.NotContains(t, out, "INFO")
	assert.Contains(t, out, "WARN warn x")
	assert.Contains(t, out, "ERROR error y")

	logger.SetLevel("debug")
	logger.Debugf("now visible")
	assert.Contains(t, buf.String(), "DEBUG now visible")
}

func TestLogFormats(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWriterLogger(&buf, "info", false)
		logger.WithField("task", "abc").WithField("offset", 400).Info("resuming")

		line := strings.TrimSpace(buf.String())
		assert.Contains(t, line, "INFO resuming task=abc offset=400")
		assert.True(t, strings.HasPrefix(line, "["))
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWriterLogger(&buf, "info", true)
		logger.WithFields(map[string]interface{}{"url": "http://x/\"quoted\"", "size": 10}).Info("started")

		var obj map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &obj))
		assert.Equal(t, "INFO", obj["level"])
		assert.Equal(t, "started", obj["msg"])
		assert.Equal(t, "http://x/\"quoted\"", obj["url"])
		assert.Equal(t, float64(10), obj["size"])
		assert.NotEmpty(t, obj["time"])
	})
}

func TestLogWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "info", false)

	logger.WithError(errors.New("connection reset")).Error("download failed")
	assert.Contains(t, buf.String(), "download failed error=connection reset")

	buf.Reset()
	logger.WithField("a", 1).WithError(nil).Warn("no error")
	assert.Contains(t, buf.String(), "WARN no error a=1")
}

func TestWithFieldsIsOrdered(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "info", false)
	logger.WithFields(map[string]interface{}{"b": 2, "a": 1, "c": 3}).Info("m")
	assert.Contains(t, buf.String(), "m a=1 b=2 c=3")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"warn", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"bogus", INFO},
		{"", INFO},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", DEBUG.String())
	assert.Equal(t, "FATAL", FATAL.String())
	assert.Equal(t, "UNKNOWN", LogLevel(99).String())
}

func TestGlobalLogger(t *testing.T) {
	assert.NotNil(t, GetLogger())

	dir := t.TempDir()
	require.NoError(t, InitLogger(&config.LogConfig{Level: "debug", Output: "file", Directory: dir}))
	defer GetLogger().Close()

	Infof("global %s", "info")
	WithField("k", "v").Debug("global debug")

	data, err := os.ReadFile(filepath.Join(dir, "cxdownload.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "INFO global info")
	assert.Contains(t, string(data), "DEBUG global debug k=v")
}

func TestLogRotationBySize(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(&config.LogConfig{
		Level:      "info",
		Output:     "file",
		Directory:  dir,
		MaxSize:    1,
		MaxBackups: 1,
	})
	require.NoError(t, err)
	defer logger.Close()

	payload := strings.Repeat("x", 256*1024)
	for i := 0; i < 9; i++ {
		logger.Info(payload)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	backups := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "cxdownload-") {
			backups++
		}
	}
	assert.Equal(t, 1, backups)

	info, err := os.Stat(filepath.Join(dir, "cxdownload.log"))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(1024*1024))
}

func TestConcurrency(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "info", false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.WithField("i", i).Info("concurrent")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, strings.Count(buf.String(), "concurrent"))
}
