package compressor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-compressor-go/internal/config"
	"image-compressor-go/internal/storage"
	"image-compressor-go/internal/tools"
)

func TestLocalTools_CompressesAndRecordsInfo(t *testing.T) {
	e := newEnv(t, nil)
	e.tools[tools.JPEGOptim] = "/usr/bin/jpegoptim"
	path := e.writeFile(t, "/photos/a.jpg", 1000)
	file := e.addFile(t, "/photos/a.jpg", "image/jpeg")

	c := NewLocalToolsCompressor(e.deps())
	res := c.Compress(context.Background(), file)

	require.Equal(t, StatusCompressed, res.Status, res.Err)
	assert.Equal(t, "jpegoptim", res.Tool)
	assert.Equal(t, int64(1000), res.OriginalSize)
	assert.Equal(t, int64(600), res.NewSize)
	assert.Equal(t, 40, res.SavedPercent)
	assert.Equal(t, int64(600), fileSize(t, path))

	calls := e.runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/usr/bin/jpegoptim", calls[0].Name)
	assert.Equal(t, []string{"--strip-all", "--all-progressive", "--max=85", path}, calls[0].Args)

	st := e.status(t, file.UID)
	assert.True(t, st.Compressed)
	assert.Empty(t, st.CompressError)
	assert.Equal(t, "local-tools (jpegoptim): 1000 B -> 600 B (-40%) - 04.12.2025", st.CompressInfo)
	assert.Contains(t, e.notices.Keys(), NoticeSuccess)
}

func TestLocalTools_NoSavingsStillMarksCompressed(t *testing.T) {
	e := newEnv(t, nil)
	e.runner.shrinkTo = 0
	e.tools[tools.Gifsicle] = "/usr/bin/gifsicle"
	e.writeFile(t, "/anim.gif", 500)
	file := e.addFile(t, "/anim.gif", "image/gif")

	res := NewLocalToolsCompressor(e.deps()).Compress(context.Background(), file)

	require.Equal(t, StatusCompressed, res.Status)
	assert.Equal(t, 0, res.SavedPercent)
	st := e.status(t, file.UID)
	assert.True(t, st.Compressed)
	assert.Equal(t, "local-tools (gifsicle): 500 B -> 500 B (-0%) - 04.12.2025", st.CompressInfo)
	assert.NotContains(t, e.notices.Keys(), NoticeSuccess)
}

func TestLocalTools_ExcludedFolderLeavesStatusUntouched(t *testing.T) {
	e := newEnv(t, nil)
	e.tools[tools.JPEGOptim] = "/usr/bin/jpegoptim"
	e.writeFile(t, "/_temp_/a.jpg", 1000)
	file := e.addFile(t, "/_temp_/a.jpg", "image/jpeg")

	res := NewLocalToolsCompressor(e.deps()).Compress(context.Background(), file)

	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, ReasonExcludedFolder, res.Reason)
	assert.Empty(t, e.runner.Calls())
	assert.Equal(t, &storage.CompressionStatus{}, e.status(t, file.UID))
	// Only the API backend raises the excluded folder notice.
	assert.Empty(t, e.notices.Keys())
}

func TestLocalTools_MimeTypeNotAllowed(t *testing.T) {
	e := newEnv(t, nil)
	e.tools[tools.CWebP] = "/usr/bin/cwebp"
	e.writeFile(t, "/a.webp", 1000)
	file := e.addFile(t, "/a.webp", "image/webp")

	res := NewLocalToolsCompressor(e.deps()).Compress(context.Background(), file)

	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, ReasonMimeType, res.Reason)
	assert.Empty(t, e.runner.Calls())
	assert.Equal(t, &storage.CompressionStatus{}, e.status(t, file.UID))
}

func TestLocalTools_NoToolAvailable(t *testing.T) {
	e := newEnv(t, nil)
	e.writeFile(t, "/logo.png", 1000)
	file := e.addFile(t, "/logo.png", "image/png")

	res := NewLocalToolsCompressor(e.deps()).Compress(context.Background(), file)

	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, ReasonToolUnavailable, res.Reason)
	assert.Empty(t, e.runner.Calls())
	assert.Equal(t, &storage.CompressionStatus{}, e.status(t, file.UID))
}

func TestLocalTools_MissingAndEmptyFiles(t *testing.T) {
	e := newEnv(t, nil)
	e.tools[tools.JPEGOptim] = "/usr/bin/jpegoptim"
	missing := e.addFile(t, "/gone.jpg", "image/jpeg")
	e.writeFile(t, "/empty.jpg", 0)
	empty := e.addFile(t, "/empty.jpg", "image/jpeg")

	c := NewLocalToolsCompressor(e.deps())

	res := c.Compress(context.Background(), missing)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, ReasonFileNotFound, res.Reason)

	res = c.Compress(context.Background(), empty)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, ReasonFileSizeInvalid, res.Reason)

	assert.Empty(t, e.runner.Calls())
	assert.Equal(t, &storage.CompressionStatus{}, e.status(t, missing.UID))
	assert.Equal(t, &storage.CompressionStatus{}, e.status(t, empty.UID))
}

func TestLocalTools_ToolFailureIsRecorded(t *testing.T) {
	e := newEnv(t, nil)
	e.tools[tools.JPEGOptim] = "/usr/bin/jpegoptim"
	e.runner.err = errors.New("permission denied")
	e.writeFile(t, "/a.jpg", 1000)
	file := e.addFile(t, "/a.jpg", "image/jpeg")

	res := NewLocalToolsCompressor(e.deps()).Compress(context.Background(), file)

	require.Equal(t, StatusErrored, res.Status)
	st := e.status(t, file.UID)
	assert.False(t, st.Compressed)
	assert.Equal(t, "0 : jpegoptim failed: permission denied", st.CompressError)
	assert.Empty(t, st.CompressInfo)
	assert.Contains(t, e.notices.Keys(), NoticeCompressionFailed)
}

func TestLocalTools_CancelledRunIsNotRecorded(t *testing.T) {
	e := newEnv(t, nil)
	e.tools[tools.JPEGOptim] = "/usr/bin/jpegoptim"
	e.runner.err = context.Canceled
	e.writeFile(t, "/a.jpg", 1000)
	file := e.addFile(t, "/a.jpg", "image/jpeg")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.runner.onRun = cancel

	res := NewLocalToolsCompressor(e.deps()).Compress(ctx, file)

	assert.Equal(t, StatusErrored, res.Status)
	assert.Equal(t, &storage.CompressionStatus{}, e.status(t, file.UID))
}

func TestLocalTools_BestToolFor(t *testing.T) {
	e := newEnv(t, nil)
	e.tools[tools.PNGQuant] = "/usr/bin/pngquant"
	c := NewLocalToolsCompressor(e.deps())

	tool, ok := c.BestToolFor("image/png")
	assert.True(t, ok)
	assert.Equal(t, tools.PNGQuant, tool)

	e.tools[tools.OptiPNG] = "/usr/bin/optipng"
	tool, _ = c.BestToolFor("image/png")
	assert.Equal(t, tools.OptiPNG, tool)

	_, ok = c.BestToolFor("image/tiff")
	assert.False(t, ok)
}

func TestToolArgs(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.JPEGQuality, cfg.PNGQuality, cfg.WebPQuality = 80, 90, 70
	const p = "/srv/a"

	tests := map[string][]string{
		tools.JPEGOptim: {"--strip-all", "--all-progressive", "--max=80", p},
		tools.OptiPNG:   {"-o2", "-strip", "all", p},
		tools.PNGQuant:  {"--force", "--ext", ".png", "--quality", "75-90", p},
		tools.Gifsicle:  {"--batch", "-O2", p},
		tools.CWebP:     {"-q", "70", p, "-o", p},
		tools.AVIFEnc:   {"-q", "70", p, p},
	}
	for tool, want := range tests {
		t.Run(tool, func(t *testing.T) {
			assert.Equal(t, want, toolArgs(tool, p, cfg))
		})
	}

	cfg.PNGQuality = 10
	assert.Equal(t, []string{"--force", "--ext", ".png", "--quality", "0-10", p}, toolArgs(tools.PNGQuant, p, cfg))
}
