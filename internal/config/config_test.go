package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())

	assert.Equal(t, ProviderTinify, c.Provider)
	assert.Equal(t, []string{"image/jpeg", "image/png"}, c.MimeTypes)
	assert.Equal(t, 85, c.JPEGQuality)
	assert.Equal(t, 85, c.PNGQuality)
	assert.Equal(t, 80, c.WebPQuality)
	assert.Equal(t, ProcessorImageMagick, c.ImageProcessor)
	assert.Equal(t, DatabaseSQLite, c.Database.Type)
	assert.Equal(t, 2*time.Minute, c.ToolTimeout)
	assert.Equal(t, 4, c.IndexWorkers)

	c.IndexWorkers = -1
	require.NoError(t, c.Validate())
	assert.Equal(t, 4, c.IndexWorkers)
}

func TestValidate_NormalisesLists(t *testing.T) {
	c := DefaultConfig()
	c.MimeTypes = []string{" Image/JPEG , image/webp", "", "image/avif"}
	c.ExcludeFolders = []string{"fileadmin/_temp_/, ", " user_upload/private/"}

	require.NoError(t, c.Validate())
	assert.Equal(t, []string{"image/jpeg", "image/webp", "image/avif"}, c.MimeTypes)
	assert.Equal(t, []string{"fileadmin/_temp_/", "user_upload/private/"}, c.ExcludeFolders)
}

func TestValidate_ClampsQuality(t *testing.T) {
	c := DefaultConfig()
	c.JPEGQuality = 150
	c.PNGQuality = -3
	c.WebPQuality = 0

	require.NoError(t, c.Validate())
	assert.Equal(t, 100, c.JPEGQuality)
	assert.Equal(t, 1, c.PNGQuality)
	assert.Equal(t, 1, c.WebPQuality)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown processor", func(c *Config) { c.ImageProcessor = "Paint" }},
		{"unknown database", func(c *Config) { c.Database.Type = "mysql" }},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }},
		{"postgres without dsn", func(c *Config) { c.Database.Type = DatabasePostgres }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestIsMimeTypeAllowed(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())

	assert.True(t, c.IsMimeTypeAllowed("image/jpeg"))
	assert.True(t, c.IsMimeTypeAllowed("IMAGE/PNG"))
	assert.False(t, c.IsMimeTypeAllowed("image/gif"))
}

func TestQualityFor(t *testing.T) {
	c := DefaultConfig()
	c.JPEGQuality, c.PNGQuality, c.WebPQuality = 70, 60, 50

	assert.Equal(t, 70, c.QualityFor("image/jpeg"))
	assert.Equal(t, 60, c.QualityFor("image/png"))
	assert.Equal(t, 50, c.QualityFor("image/webp"))
	assert.Equal(t, 50, c.QualityFor("image/avif"))
	assert.Equal(t, 85, c.QualityFor("image/gif"))
}

func TestFromViper_OverridesDefaults(t *testing.T) {
	v := viper.New()
	v.Set("provider", "Local-Tools")
	v.Set("mime_types", "image/jpeg,image/gif")
	v.Set("tool_timeout", "45s")
	v.Set("database.type", "memory")

	c, err := fromViper(v)
	require.NoError(t, err)

	assert.Equal(t, ProviderLocalTools, c.Provider)
	assert.Equal(t, []string{"image/jpeg", "image/gif"}, c.MimeTypes)
	assert.Equal(t, 45*time.Second, c.ToolTimeout)
	assert.Equal(t, DatabaseMemory, c.Database.Type)
	assert.Equal(t, 85, c.JPEGQuality)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider: local-basic
image_processor: GraphicsMagick
jpeg_quality: 72
exclude_folders:
  - fileadmin/_processed_/
database:
  type: memory
logging:
  level: debug
`), 0644))

	t.Setenv("IMAGE_COMPRESSOR_API_KEY", "secret")
	t.Setenv("IMAGE_COMPRESSOR_JPEG_QUALITY", "64")

	c, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderLocalBasic, c.Provider)
	assert.Equal(t, ProcessorGraphicsMagick, c.ImageProcessor)
	assert.Equal(t, "secret", c.APIKey)
	assert.Equal(t, 64, c.JPEGQuality)
	assert.Equal(t, []string{"fileadmin/_processed_/"}, c.ExcludeFolders)
	assert.Equal(t, "debug", c.Logging.Level)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider: [unclosed"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
