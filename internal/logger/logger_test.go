package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-compressor-go/internal/config"
)

func TestNewLogger_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "compressor.log")

	log, err := NewLogger(LoggerConfig{Level: "info", FilePath: path, MaxSize: 1})
	require.NoError(t, err)

	WithFile(WithProvider(log, "tinify", "compress"), 42, "/a.jpg").Info("compressed")
	log.Debug("dropped below level")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "compressed", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "tinify", entry["provider"])
	assert.Equal(t, "compress", entry["operation"])
	assert.Equal(t, float64(42), entry["file_uid"])
	assert.Equal(t, "/a.jpg", entry["identifier"])
	assert.Contains(t, entry, "timestamp")
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Logging
	lc := FromConfig(cfg, true)

	assert.Equal(t, cfg.Level, lc.Level)
	assert.Equal(t, cfg.FilePath, lc.FilePath)
	assert.Equal(t, cfg.MaxBackups, lc.MaxBackups)
	assert.True(t, lc.Console)
}

func TestWithOperation(t *testing.T) {
	entry := WithOperation(Discard(), "index")
	assert.Equal(t, "index", entry.Data["operation"])
}
