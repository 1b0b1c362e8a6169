package compressor

import (
	"context"
	"strconv"

	"image-compressor-go/internal/config"
	"image-compressor-go/internal/tools"
)

// mimeTypeTools lists the optimizers for each mime type in order of preference.
var mimeTypeTools = map[string][]string{
	"image/jpeg": {tools.JPEGOptim},
	"image/png":  {tools.OptiPNG, tools.PNGQuant},
	"image/gif":  {tools.Gifsicle},
	"image/webp": {tools.CWebP},
	"image/avif": {tools.AVIFEnc},
}

// LocalToolsCompressor runs dedicated command line optimizers.
type LocalToolsCompressor struct {
	pipeline
}

// NewLocalToolsCompressor returns the local-tools backend.
func NewLocalToolsCompressor(deps Deps) *LocalToolsCompressor {
	c := &LocalToolsCompressor{}
	c.pipeline = newPipeline(config.ProviderLocalTools, deps, c)
	return c
}

// BestToolFor returns the first installed optimizer for a mime type.
func (c *LocalToolsCompressor) BestToolFor(mimeType string) (string, bool) {
	candidates, ok := mimeTypeTools[mimeType]
	if !ok {
		return "", false
	}
	return c.Tools.GetFirstAvailable(candidates)
}

func (c *LocalToolsCompressor) supports(mimeType string) (string, string) {
	if _, known := mimeTypeTools[mimeType]; !known {
		return "", ReasonUnsupported
	}
	tool, ok := c.BestToolFor(mimeType)
	if !ok {
		c.Logger.WithField("mime_type", mimeType).Info("No suitable tool available for MIME type")
		return "", ReasonToolUnavailable
	}
	return tool, ""
}

func (c *LocalToolsCompressor) compressPath(ctx context.Context, path, _, tool string) error {
	bin, ok := c.Tools.GetToolPath(tool)
	if !ok {
		c.Logger.WithField("tool", tool).Warn("Tool path not found")
		return skip(ReasonToolUnavailable)
	}
	return c.runTool(ctx, tool, bin, toolArgs(tool, path, c.Config)...)
}

// toolArgs builds the argument list for an in-place optimization of path.
func toolArgs(tool, path string, cfg *config.Config) []string {
	switch tool {
	case tools.JPEGOptim:
		return []string{"--strip-all", "--all-progressive", "--max=" + strconv.Itoa(cfg.JPEGQuality), path}
	case tools.PNGQuant:
		low := max(0, cfg.PNGQuality-15)
		return []string{"--force", "--ext", ".png", "--quality", strconv.Itoa(low) + "-" + strconv.Itoa(cfg.PNGQuality), path}
	case tools.CWebP:
		return []string{"-q", strconv.Itoa(cfg.WebPQuality), path, "-o", path}
	case tools.AVIFEnc:
		return []string{"-q", strconv.Itoa(cfg.WebPQuality), path, path}
	case tools.OptiPNG:
		return []string{"-o2", "-strip", "all", path}
	case tools.Gifsicle:
		return []string{"--batch", "-O2", path}
	default:
		return []string{path}
	}
}
