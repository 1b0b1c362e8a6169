package compressor

import (
	"context"

	"image-compressor-go/internal/config"
	"image-compressor-go/internal/tinify"
)

// FreeTierLimit is the monthly number of free TinyPNG compressions.
const FreeTierLimit = 500

// TinifyClient is the part of the TinyPNG client the backend uses.
type TinifyClient interface {
	CompressFile(ctx context.Context, path string) (*tinify.ShrinkResult, error)
	Validate(ctx context.Context) error
	CompressionCount() (int, bool)
}

// TinifyCompressor compresses through the TinyPNG API.
type TinifyCompressor struct {
	pipeline
	client TinifyClient
}

// NewTinifyCompressor returns the API backend. When deps.Tinify is nil a
// client is built from the configured key and endpoint.
func NewTinifyCompressor(deps Deps) *TinifyCompressor {
	c := &TinifyCompressor{}
	c.pipeline = newPipeline(config.ProviderTinify, deps, c)
	c.noticeExcluded = true

	c.client = c.Tinify
	if c.client == nil {
		c.client = tinify.NewClient(c.Config.APIKey,
			tinify.WithEndpoint(c.Config.APIEndpoint),
			tinify.WithLogger(c.Logger),
		)
	}
	return c
}

// CompressionCount returns the usage reported by the API. It is unknown
// without an API key or when the key cannot be validated.
func (c *TinifyCompressor) CompressionCount(ctx context.Context) (int, bool) {
	if c.Config.APIKey == "" {
		return 0, false
	}
	if count, ok := c.client.CompressionCount(); ok {
		return count, true
	}
	if err := c.client.Validate(ctx); err != nil {
		c.Logger.WithError(err).Debug("Tinify key validation failed")
		return 0, false
	}
	return c.client.CompressionCount()
}

// QuotaLimit returns the free tier ceiling. A count above it means a paid
// plan, which is treated as unlimited.
func (c *TinifyCompressor) QuotaLimit(ctx context.Context) (int, bool) {
	count, ok := c.CompressionCount(ctx)
	if !ok || count > FreeTierLimit {
		return 0, false
	}
	return FreeTierLimit, true
}

func (c *TinifyCompressor) supports(string) (string, string) {
	if c.Config.Debug {
		c.Notices.Notify(Notice{Key: NoticeDebugMode, Severity: SeverityInfo})
		return "", ReasonDebugMode
	}
	return "", ""
}

func (c *TinifyCompressor) compressPath(ctx context.Context, path, _, _ string) error {
	if c.Config.APIKey == "" {
		return &tinify.Error{Kind: "AccountError", Message: "Provide an API key with the api_key setting"}
	}
	_, err := c.client.CompressFile(ctx, path)
	return err
}
