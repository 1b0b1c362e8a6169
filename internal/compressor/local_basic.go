package compressor

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"image-compressor-go/internal/config"
	"image-compressor-go/internal/tools"
)

// LocalBasicCompressor re-encodes JPEGs with a general purpose image
// processor. PNG and GIF are left alone since re-encoding them this way
// usually makes them bigger.
type LocalBasicCompressor struct {
	pipeline
	builtin *BuiltinProcessor
}

// NewLocalBasicCompressor returns the local-basic backend using the
// configured image_processor.
func NewLocalBasicCompressor(deps Deps) *LocalBasicCompressor {
	c := &LocalBasicCompressor{}
	c.pipeline = newPipeline(config.ProviderLocalBasic, deps, c)
	c.builtin = NewBuiltinProcessor(c.Logger)
	return c
}

func (c *LocalBasicCompressor) supports(mimeType string) (string, string) {
	if mimeType != "image/jpeg" {
		return "", ReasonUnsupported
	}
	return c.Config.ImageProcessor, ""
}

func (c *LocalBasicCompressor) compressPath(ctx context.Context, path, mimeType, _ string) error {
	quality := c.Config.QualityFor(mimeType)

	switch c.Config.ImageProcessor {
	case config.ProcessorBuiltin:
		return c.builtin.Process(ctx, path, quality)

	case config.ProcessorGraphicsMagick:
		bin, ok := c.Tools.GetToolPath(tools.GraphicsMagick)
		if !ok {
			c.Logger.WithField("path", path).Warn("GraphicsMagick not found")
			return skip(ReasonToolUnavailable)
		}
		args := []string{"convert", "-quality", strconv.Itoa(quality), "-strip", path, path}
		return c.runTool(ctx, tools.GraphicsMagick, bin, args...)

	default:
		bin, ok := c.Tools.GetToolPath(tools.ImageMagick)
		if !ok {
			c.Logger.WithField("path", path).Warn("ImageMagick not found")
			return skip(ReasonToolUnavailable)
		}
		return c.runTool(ctx, tools.ImageMagick, bin, imageMagickArgs(bin, quality, path)...)
	}
}

// imageMagickArgs handles both ImageMagick 7 ("magick convert") and 6 ("convert").
func imageMagickArgs(bin string, quality int, path string) []string {
	args := []string{"-quality", strconv.Itoa(quality), "-strip", path, path}
	if strings.HasSuffix(filepath.Base(bin), "magick") {
		return append([]string{"convert"}, args...)
	}
	return args
}
