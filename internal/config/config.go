package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Provider identifiers understood by the compressor factory.
const (
	ProviderTinify     = "tinify"
	ProviderLocalTools = "local-tools"
	ProviderLocalBasic = "local-basic"
)

// Image processors used by the local-basic provider.
const (
	ProcessorImageMagick    = "ImageMagick"
	ProcessorGraphicsMagick = "GraphicsMagick"
	ProcessorBuiltin        = "Builtin"
)

// Database types supported by the storage layer.
const (
	DatabaseSQLite   = "sqlite"
	DatabaseMemory   = "memory"
	DatabasePostgres = "postgres"
)

// Config represents the main configuration structure
type Config struct {
	Provider       string   `mapstructure:"provider"`
	APIKey         string   `mapstructure:"api_key"`
	APIEndpoint    string   `mapstructure:"api_endpoint"`
	Debug          bool     `mapstructure:"debug"`
	ExcludeFolders []string `mapstructure:"exclude_folders"`
	MimeTypes      []string `mapstructure:"mime_types"`

	JPEGQuality int `mapstructure:"jpeg_quality"`
	PNGQuality  int `mapstructure:"png_quality"`
	WebPQuality int `mapstructure:"webp_quality"`

	// ImageProcessor selects the binary family used by the local-basic provider.
	ImageProcessor string `mapstructure:"image_processor"`

	// PublicPath is the document root that storage base paths are relative to.
	PublicPath string `mapstructure:"public_path"`

	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
	ClaimTTL    time.Duration `mapstructure:"claim_ttl"`

	// IndexWorkers is the number of goroutines sniffing files during indexing.
	IndexWorkers int `mapstructure:"index_workers"`

	SystemInformationToolbar bool `mapstructure:"system_information_toolbar"`
	ShowStatusReport         bool `mapstructure:"show_status_report"`

	Tools    ToolsConfig    `mapstructure:"tools"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ToolsConfig contains tool detection settings
type ToolsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"` // 0 keeps results for the process lifetime
}

// DatabaseConfig selects the store backing the file index repositories.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, memory or postgres
	Path string `mapstructure:"path"` // sqlite only
	DSN  string `mapstructure:"dsn"`  // postgres only
}

// CacheConfig contains page cache invalidation settings
type CacheConfig struct {
	FlushURL     string        `mapstructure:"flush_url"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Provider:       ProviderTinify,
		APIEndpoint:    "https://api.tinify.com",
		MimeTypes:      []string{"image/jpeg", "image/png"},
		JPEGQuality:    85,
		PNGQuality:     85,
		WebPQuality:    80,
		ImageProcessor: ProcessorImageMagick,
		PublicPath:     ".",
		ToolTimeout:    2 * time.Minute,
		ClaimTTL:       30 * time.Minute,
		IndexWorkers:   4,
		Database: DatabaseConfig{
			Type: DatabaseSQLite,
			Path: "image-compressor.db",
		},
		Cache: CacheConfig{
			FlushTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "image-compressor.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.image-compressor")
		v.AddConfigPath("/etc/image-compressor")
	}

	v.SetEnvPrefix("IMAGE_COMPRESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return fromViper(v)
}

// fromViper unmarshals v on top of the defaults and validates the result.
func fromViper(v *viper.Viper) (*Config, error) {
	config := DefaultConfig()

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// bindEnv registers every key so AutomaticEnv also applies to Unmarshal,
// which only sees keys viper already knows about.
func bindEnv(v *viper.Viper) {
	keys := []string{
		"provider", "api_key", "api_endpoint", "debug", "exclude_folders", "mime_types",
		"jpeg_quality", "png_quality", "webp_quality", "image_processor", "public_path",
		"tool_timeout", "claim_ttl", "index_workers", "system_information_toolbar", "show_status_report",
		"tools.cache_ttl", "database.type", "database.path", "database.dsn",
		"cache.flush_url", "cache.flush_timeout", "logging.level", "logging.file_path",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))

	c.MimeTypes = splitList(c.MimeTypes)
	for i, m := range c.MimeTypes {
		c.MimeTypes[i] = strings.ToLower(m)
	}
	c.ExcludeFolders = splitList(c.ExcludeFolders)

	c.JPEGQuality = clampQuality(c.JPEGQuality)
	c.PNGQuality = clampQuality(c.PNGQuality)
	c.WebPQuality = clampQuality(c.WebPQuality)

	switch c.ImageProcessor {
	case "":
		c.ImageProcessor = ProcessorImageMagick
	case ProcessorImageMagick, ProcessorGraphicsMagick, ProcessorBuiltin:
	default:
		return fmt.Errorf("invalid image_processor: %s (valid: ImageMagick, GraphicsMagick, Builtin)", c.ImageProcessor)
	}

	if c.PublicPath == "" {
		c.PublicPath = "."
	}
	c.PublicPath = expandPath(c.PublicPath)

	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 2 * time.Minute
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 30 * time.Minute
	}
	if c.IndexWorkers <= 0 {
		c.IndexWorkers = 4
	}
	if c.Cache.FlushTimeout <= 0 {
		c.Cache.FlushTimeout = 10 * time.Second
	}

	switch c.Database.Type {
	case DatabaseSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case DatabaseMemory:
	case DatabasePostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("invalid database type: %s (valid: sqlite, memory, postgres)", c.Database.Type)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// IsMimeTypeAllowed reports whether mimeType is in the configured allow-list.
func (c *Config) IsMimeTypeAllowed(mimeType string) bool {
	return slices.Contains(c.MimeTypes, strings.ToLower(mimeType))
}

// QualityFor returns the configured quality for a mime type, 85 when the
// format has no dedicated setting.
func (c *Config) QualityFor(mimeType string) int {
	switch strings.ToLower(mimeType) {
	case "image/jpeg":
		return c.JPEGQuality
	case "image/png":
		return c.PNGQuality
	case "image/webp", "image/avif":
		return c.WebPQuality
	default:
		return 85
	}
}

// Helper functions

// splitList flattens comma separated entries and drops empty ones.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func clampQuality(q int) int {
	return max(1, min(100, q))
}

func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, expanded[1:])
		}
	}
	return expanded
}
