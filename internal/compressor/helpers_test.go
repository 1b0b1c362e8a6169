package compressor

import (
	"context"
	"database/sql"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"image-compressor-go/internal/config"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/storage"
	"image-compressor-go/internal/storage/storagetest"
)

// fakeTools reports the listed logical tools as installed.
type fakeTools map[string]string

func (f fakeTools) IsAvailable(tool string) bool {
	_, ok := f[tool]
	return ok
}

func (f fakeTools) GetToolPath(tool string) (string, bool) {
	p, ok := f[tool]
	return p, ok
}

func (f fakeTools) GetFirstAvailable(tools []string) (string, bool) {
	for _, t := range tools {
		if f.IsAvailable(t) {
			return t, true
		}
	}
	return "", false
}

type call struct {
	Name string
	Args []string
}

// fakeRunner records invocations and truncates the last argument to shrinkTo
// bytes to mimic an optimizer.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []call
	shrinkTo int
	output   string
	err      error
	onRun    func()
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call{Name: name, Args: args})
	r.mu.Unlock()

	if r.onRun != nil {
		r.onRun()
	}
	if r.err != nil {
		return []byte(r.output), r.err
	}
	if r.shrinkTo > 0 && len(args) > 0 {
		target := args[len(args)-1]
		if data, err := os.ReadFile(target); err == nil && len(data) > r.shrinkTo {
			_ = os.WriteFile(target, data[:r.shrinkTo], 0644)
		}
	}
	return []byte(r.output), nil
}

func (r *fakeRunner) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

// recordingNotices keeps every notice.
type recordingNotices struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recordingNotices) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingNotices) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.notices))
	for _, n := range r.notices {
		keys = append(keys, n.Key)
	}
	return keys
}

// env is a migrated database plus a public directory with one storage root.
type env struct {
	fx      *storagetest.Fixture
	cfg     *config.Config
	storage *storage.FileStorage
	runner  *fakeRunner
	notices *recordingNotices
	tools   fakeTools
}

func newEnv(t *testing.T, mutate func(cfg *config.Config)) *env {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.PublicPath = t.TempDir()
	cfg.Database.Type = config.DatabaseMemory
	cfg.MimeTypes = []string{"image/jpeg", "image/png", "image/gif"}
	cfg.ExcludeFolders = []string{"/_temp_/"}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	fx := storagetest.NewFixture(t, cfg.MimeTypes...)
	st := fx.AddStorage(t, "fileadmin", "fileadmin/")

	return &env{
		fx:      fx,
		cfg:     cfg,
		storage: st,
		runner:  &fakeRunner{shrinkTo: 600},
		notices: &recordingNotices{},
		tools:   fakeTools{},
	}
}

func (e *env) deps() Deps {
	return Deps{
		Config:    e.cfg,
		Files:     e.fx.Files,
		Processed: e.fx.Processed,
		Storages:  e.fx.Storages,
		Tools:     e.tools,
		Runner:    e.runner,
		Notices:   e.notices,
		Logger:    logger.Discard(),
		Clock:     e.fx.Clock,
	}
}

// writeFile creates identifier inside the storage root with size bytes.
func (e *env) writeFile(t *testing.T, identifier string, size int) string {
	t.Helper()
	path := filepath.Join(e.cfg.PublicPath, e.storage.BasePath, filepath.FromSlash(identifier))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", size)), 0644))
	return path
}

// writeImage creates a real image so content sniffing works.
func (e *env) writeImage(t *testing.T, identifier string) string {
	t.Helper()
	path := filepath.Join(e.cfg.PublicPath, e.storage.BasePath, filepath.FromSlash(identifier))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	img := imaging.New(128, 128, color.NRGBA{A: 255})
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 2), G: uint8(y * 2), B: uint8((x * y) % 256), A: 255})
		}
	}
	require.NoError(t, imaging.Save(img, path, imaging.JPEGQuality(100)))
	return path
}

func (e *env) addFile(t *testing.T, identifier, mimeType string) *storage.File {
	t.Helper()
	return e.fx.AddFile(t, &storage.File{
		StorageUID: e.storage.UID,
		Identifier: identifier,
		Name:       filepath.Base(identifier),
		MimeType:   mimeType,
	})
}

func (e *env) status(t *testing.T, uid int64) *storage.CompressionStatus {
	t.Helper()
	s, err := e.fx.Files.FindCompressionStatusByUID(context.Background(), uid)
	require.NoError(t, err)
	return s
}

// processedState reads the raw compression columns of a processed file.
func (e *env) processedState(t *testing.T, uid int64) (int, string) {
	t.Helper()
	var (
		compressed int
		msg        sql.NullString
	)
	err := e.fx.DB.QueryRowContext(context.Background(),
		`SELECT compressed, compress_error FROM processed_files WHERE uid = ?`, uid).Scan(&compressed, &msg)
	require.NoError(t, err)
	return compressed, msg.String
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}
