package compressor

import (
	"strings"

	"image-compressor-go/internal/config"
)

// Factory builds the compressor for a provider name.
type Factory struct {
	deps Deps
}

// NewFactory returns a factory sharing deps between all backends it creates.
func NewFactory(deps Deps) *Factory {
	return &Factory{deps: deps.withDefaults()}
}

// Create returns the backend for provider. Unknown names, including the
// empty string, select the API backend. There is no fallback between
// backends when the chosen one cannot work.
func (f *Factory) Create(provider string) Compressor {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case config.ProviderLocalTools:
		return NewLocalToolsCompressor(f.deps)
	case config.ProviderLocalBasic:
		return NewLocalBasicCompressor(f.deps)
	default:
		return NewTinifyCompressor(f.deps)
	}
}

// CreateConfigured returns the backend named by the configured provider.
func (f *Factory) CreateConfigured() Compressor {
	return f.Create(f.deps.Config.Provider)
}
