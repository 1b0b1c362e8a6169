package compressor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-compressor-go/internal/config"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/storage"
	"image-compressor-go/internal/tools"
)

func TestLocalBasic_SkipsNonJPEG(t *testing.T) {
	e := newEnv(t, nil)
	e.tools[tools.ImageMagick] = "/usr/bin/magick"
	e.writeFile(t, "/logo.png", 1000)
	file := e.addFile(t, "/logo.png", "image/png")

	res := NewLocalBasicCompressor(e.deps()).Compress(context.Background(), file)

	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, ReasonUnsupported, res.Reason)
	assert.Empty(t, e.runner.Calls())
	assert.Equal(t, &storage.CompressionStatus{}, e.status(t, file.UID))
}

func TestLocalBasic_MissingProcessorSkips(t *testing.T) {
	for _, processor := range []string{config.ProcessorImageMagick, config.ProcessorGraphicsMagick} {
		t.Run(processor, func(t *testing.T) {
			e := newEnv(t, func(cfg *config.Config) { cfg.ImageProcessor = processor })
			e.writeFile(t, "/a.jpg", 1000)
			file := e.addFile(t, "/a.jpg", "image/jpeg")

			res := NewLocalBasicCompressor(e.deps()).Compress(context.Background(), file)

			assert.Equal(t, StatusSkipped, res.Status)
			assert.Equal(t, ReasonToolUnavailable, res.Reason)
			assert.Equal(t, &storage.CompressionStatus{}, e.status(t, file.UID))
		})
	}
}

func TestLocalBasic_ImageMagick(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) { cfg.JPEGQuality = 70 })
	e.tools[tools.ImageMagick] = "/usr/local/bin/magick"
	path := e.writeFile(t, "/a.jpg", 1000)
	file := e.addFile(t, "/a.jpg", "image/jpeg")

	res := NewLocalBasicCompressor(e.deps()).Compress(context.Background(), file)

	require.Equal(t, StatusCompressed, res.Status, res.Err)
	calls := e.runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/usr/local/bin/magick", calls[0].Name)
	assert.Equal(t, []string{"convert", "-quality", "70", "-strip", path, path}, calls[0].Args)
	assert.Equal(t, "local-basic (ImageMagick): 1000 B -> 600 B (-40%) - 04.12.2025", e.status(t, file.UID).CompressInfo)
}

func TestLocalBasic_GraphicsMagick(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) { cfg.ImageProcessor = config.ProcessorGraphicsMagick })
	e.tools[tools.GraphicsMagick] = "/usr/bin/gm"
	path := e.writeFile(t, "/a.jpg", 1000)
	file := e.addFile(t, "/a.jpg", "image/jpeg")

	res := NewLocalBasicCompressor(e.deps()).Compress(context.Background(), file)

	require.Equal(t, StatusCompressed, res.Status, res.Err)
	calls := e.runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/usr/bin/gm", calls[0].Name)
	assert.Equal(t, []string{"convert", "-quality", "85", "-strip", path, path}, calls[0].Args)
}

func TestImageMagickArgs(t *testing.T) {
	assert.Equal(t, []string{"convert", "-quality", "80", "-strip", "/a", "/a"}, imageMagickArgs("/usr/bin/magick", 80, "/a"))
	assert.Equal(t, []string{"-quality", "80", "-strip", "/a", "/a"}, imageMagickArgs("/usr/bin/convert", 80, "/a"))
}

func TestLocalBasic_Builtin(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.ImageProcessor = config.ProcessorBuiltin
		cfg.JPEGQuality = 40
	})
	path := e.writeImage(t, "/photo.jpg")
	before := fileSize(t, path)
	file := e.addFile(t, "/photo.jpg", "image/jpeg")

	res := NewLocalBasicCompressor(e.deps()).Compress(context.Background(), file)

	require.Equal(t, StatusCompressed, res.Status, res.Err)
	assert.Empty(t, e.runner.Calls())
	assert.Less(t, fileSize(t, path), before)
	assert.Positive(t, res.SavedPercent)

	mime, err := detectMimeType(path)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)
}

func TestBuiltinProcessor_KeepsOriginalWhenNotSmaller(t *testing.T) {
	e := newEnv(t, nil)
	path := e.writeImage(t, "/photo.jpg")
	before := fileSize(t, path)

	p := NewBuiltinProcessor(logger.Discard())
	// A threshold this low can never be met.
	p.Threshold = 0.0001
	require.NoError(t, p.Process(context.Background(), path, 100))

	assert.Equal(t, before, fileSize(t, path))
}

func TestBuiltinProcessor_RejectsNonImage(t *testing.T) {
	e := newEnv(t, nil)
	path := e.writeFile(t, "/fake.jpg", 100)

	err := NewBuiltinProcessor(logger.Discard()).Process(context.Background(), path, 80)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "builtin", toolErr.Tool)
}
