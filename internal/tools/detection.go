// Package tools detects which command-line image optimizers are installed.
package tools

import (
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// Logical tool names.
const (
	JPEGOptim      = "jpegoptim"
	OptiPNG        = "optipng"
	PNGQuant       = "pngquant"
	Gifsicle       = "gifsicle"
	CWebP          = "cwebp"
	AVIFEnc        = "avifenc"
	ImageMagick    = "imagemagick"
	GraphicsMagick = "graphicsmagick"
)

// binaries maps each logical tool to the executables that provide it, in
// preference order.
var binaries = map[string][]string{
	JPEGOptim:      {"jpegoptim"},
	OptiPNG:        {"optipng"},
	PNGQuant:       {"pngquant"},
	Gifsicle:       {"gifsicle"},
	CWebP:          {"cwebp"},
	AVIFEnc:        {"avifenc"},
	ImageMagick:    {"magick", "convert"},
	GraphicsMagick: {"gm"},
}

// LookPathFunc resolves an executable name to an absolute path.
type LookPathFunc func(file string) (string, error)

// CacheStats contains statistics about cache performance.
type CacheStats struct {
	Hits         int64
	Misses       int64
	Size         int
	HitRate      float64
	TotalQueries int64
}

type lookup struct {
	path  string
	found bool
}

// Detector answers availability questions about logical tools. Results are
// cached per logical name until ClearCache or the configured TTL expires.
type Detector struct {
	logger   logrus.FieldLogger
	lookPath LookPathFunc
	ttl      time.Duration

	mutex sync.Mutex
	cache *expirable.LRU[string, lookup]
	stats CacheStats
}

// Option customises a Detector.
type Option func(*Detector)

// WithLookPath replaces the PATH lookup, mostly for tests.
func WithLookPath(fn LookPathFunc) Option {
	return func(d *Detector) { d.lookPath = fn }
}

// WithCacheTTL expires cached results after ttl. Zero keeps them for the
// lifetime of the process.
func WithCacheTTL(ttl time.Duration) Option {
	return func(d *Detector) { d.ttl = ttl }
}

// NewDetector returns a Detector backed by exec.LookPath unless overridden.
func NewDetector(logger logrus.FieldLogger, opts ...Option) *Detector {
	d := &Detector{
		logger:   logger,
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.cache = expirable.NewLRU[string, lookup](0, nil, d.ttl)
	return d
}

// IsAvailable reports whether the logical tool resolves to an installed binary.
// Unknown tool names are reported as unavailable.
func (d *Detector) IsAvailable(tool string) bool {
	return d.resolve(tool).found
}

// GetToolPath returns the resolved binary path of a logical tool.
func (d *Detector) GetToolPath(tool string) (string, bool) {
	l := d.resolve(tool)
	return l.path, l.found
}

// GetFirstAvailable returns the first tool of the list that is installed.
func (d *Detector) GetFirstAvailable(tools []string) (string, bool) {
	for _, tool := range tools {
		if d.IsAvailable(tool) {
			return tool, true
		}
	}
	return "", false
}

// HasOptimizedTools reports whether any dedicated optimizer for JPEG or PNG
// is installed.
func (d *Detector) HasOptimizedTools() bool {
	_, ok := d.GetFirstAvailable([]string{JPEGOptim, OptiPNG, PNGQuant})
	return ok
}

// HasBasicTools reports whether a general purpose image processor is installed.
func (d *Detector) HasBasicTools() bool {
	_, ok := d.GetFirstAvailable([]string{ImageMagick, GraphicsMagick})
	return ok
}

// GetAvailableTools returns the resolved path of every installed tool.
func (d *Detector) GetAvailableTools() map[string]string {
	available := make(map[string]string)
	for _, tool := range GetSupportedTools() {
		if path, ok := d.GetToolPath(tool); ok {
			available[tool] = path
		}
	}
	return available
}

// GetSupportedTools returns every logical tool name this package knows, sorted.
func GetSupportedTools() []string {
	names := make([]string, 0, len(binaries))
	for name := range binaries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClearCache forgets every cached result and resets statistics.
func (d *Detector) ClearCache() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.cache.Purge()
	d.stats = CacheStats{}
}

// GetCacheStats returns cache statistics for this detector.
func (d *Detector) GetCacheStats() CacheStats {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	stats := d.stats
	stats.Size = d.cache.Len()
	if stats.TotalQueries > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.TotalQueries)
	}
	return stats
}

func (d *Detector) resolve(tool string) lookup {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.stats.TotalQueries++
	if l, ok := d.cache.Get(tool); ok {
		d.stats.Hits++
		return l
	}
	d.stats.Misses++

	var l lookup
	for _, bin := range binaries[tool] {
		path, err := d.lookPath(bin)
		if err == nil && path != "" {
			l = lookup{path: path, found: true}
			break
		}
	}

	if l.found {
		d.logger.WithField("tool", tool).WithField("path", l.path).Debug("Tool detected")
	} else {
		d.logger.WithField("tool", tool).Debug("Tool not available")
	}

	d.cache.Add(tool, l)
	return l
}
