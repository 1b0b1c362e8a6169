package tools

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-compressor-go/internal/logger"
)

// fakePath resolves only the binaries listed in installed and counts lookups.
type fakePath struct {
	installed map[string]string
	calls     int
}

func (f *fakePath) lookPath(file string) (string, error) {
	f.calls++
	if p, ok := f.installed[file]; ok {
		return p, nil
	}
	return "", errors.New("not found")
}

func newDetector(installed map[string]string) (*Detector, *fakePath) {
	fp := &fakePath{installed: installed}
	return NewDetector(logger.Discard(), WithLookPath(fp.lookPath)), fp
}

func TestIsAvailable(t *testing.T) {
	d, _ := newDetector(map[string]string{"jpegoptim": "/usr/bin/jpegoptim"})

	assert.True(t, d.IsAvailable(JPEGOptim))
	assert.False(t, d.IsAvailable(OptiPNG))
	assert.False(t, d.IsAvailable("nonexistent-tool-12345"))
}

func TestGetToolPath_PrefersFirstBinary(t *testing.T) {
	d, _ := newDetector(map[string]string{
		"magick":  "/usr/local/bin/magick",
		"convert": "/usr/bin/convert",
	})

	path, ok := d.GetToolPath(ImageMagick)
	require.True(t, ok)
	assert.Equal(t, "/usr/local/bin/magick", path)
}

func TestGetToolPath_FallsBackToLegacyBinary(t *testing.T) {
	d, _ := newDetector(map[string]string{"convert": "/usr/bin/convert"})

	path, ok := d.GetToolPath(ImageMagick)
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/convert", path)
}

func TestGetFirstAvailable(t *testing.T) {
	d, _ := newDetector(map[string]string{"pngquant": "/usr/bin/pngquant"})

	tool, ok := d.GetFirstAvailable([]string{OptiPNG, PNGQuant})
	require.True(t, ok)
	assert.Equal(t, PNGQuant, tool)

	_, ok = d.GetFirstAvailable([]string{"nonexistent-tool-1", "nonexistent-tool-2"})
	assert.False(t, ok)

	_, ok = d.GetFirstAvailable(nil)
	assert.False(t, ok)
}

func TestResultsAreCached(t *testing.T) {
	d, fp := newDetector(map[string]string{"gifsicle": "/usr/bin/gifsicle"})

	assert.True(t, d.IsAvailable(Gifsicle))
	assert.True(t, d.IsAvailable(Gifsicle))
	_, _ = d.GetToolPath(Gifsicle)
	assert.Equal(t, 1, fp.calls)

	stats := d.GetCacheStats()
	assert.Equal(t, int64(3), stats.TotalQueries)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, 1, stats.Size)

	// A newly installed tool is only noticed after ClearCache.
	assert.False(t, d.IsAvailable(CWebP))
	fp.installed["cwebp"] = "/usr/bin/cwebp"
	assert.False(t, d.IsAvailable(CWebP))

	d.ClearCache()
	assert.True(t, d.IsAvailable(CWebP))
	assert.Equal(t, int64(1), d.GetCacheStats().TotalQueries)
}

func TestHasOptimizedAndBasicTools(t *testing.T) {
	d, _ := newDetector(map[string]string{"gm": "/usr/bin/gm"})
	assert.False(t, d.HasOptimizedTools())
	assert.True(t, d.HasBasicTools())

	d, _ = newDetector(map[string]string{"optipng": "/usr/bin/optipng"})
	assert.True(t, d.HasOptimizedTools())
	assert.False(t, d.HasBasicTools())
}

func TestGetAvailableTools(t *testing.T) {
	d, _ := newDetector(map[string]string{
		"avifenc": "/opt/avifenc",
		"gm":      "/usr/bin/gm",
	})

	assert.Equal(t, map[string]string{
		AVIFEnc:        "/opt/avifenc",
		GraphicsMagick: "/usr/bin/gm",
	}, d.GetAvailableTools())
}

func TestGetSupportedTools(t *testing.T) {
	assert.Equal(t, []string{
		AVIFEnc, CWebP, Gifsicle, GraphicsMagick, ImageMagick, JPEGOptim, OptiPNG, PNGQuant,
	}, GetSupportedTools())
}
