// Package indexer walks storage roots and keeps the file index in sync with
// what is on disk.
package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"image-compressor-go/internal/config"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/storage"
)

// processedFolder holds derivatives (thumbnails, crops) of the originals.
const processedFolder = "_processed_"

// derivativeName matches derivative file names such as
// "csm_<original stem>_<10 hex digit hash>.<ext>".
var derivativeName = regexp.MustCompile(`^[A-Za-z]+_(.+)_[0-9a-f]{10}\.[^.]+$`)

// FileIndex stores discovered files.
type FileIndex interface {
	Upsert(ctx context.Context, f *storage.File) (int64, error)
	MarkMissing(ctx context.Context, storageUID int64, seen map[string]struct{}) (int, error)
}

// ProcessedIndex stores discovered derivatives.
type ProcessedIndex interface {
	Upsert(ctx context.Context, pf *storage.ProcessedFile) (int64, error)
}

// StorageLister lists storage roots.
type StorageLister interface {
	FindAll(ctx context.Context) ([]storage.FileStorage, error)
}

// Result summarises one indexing pass.
type Result struct {
	StoragesScanned int
	FilesIndexed    int
	FilesMissing    int
	// ProcessedIndexed counts derivatives linked to their original.
	ProcessedIndexed int
	// ProcessedUnlinked counts derivatives whose original could not be
	// determined from the file name.
	ProcessedUnlinked int
	Errors            int
	Duration          time.Duration
}

// Indexer syncs the file index with the storage roots below public_path.
type Indexer struct {
	config   *config.Config
	logger   logrus.FieldLogger
	files     FileIndex
	processed ProcessedIndex
	storages  StorageLister
	workers   int
}

type fileInfo struct {
	Path       string
	Identifier string
	Size       int64
}

type sniffResult struct {
	fileInfo
	MimeType string
	Err      error
}

// NewIndexer returns a new Indexer.
func NewIndexer(cfg *config.Config, log logrus.FieldLogger, files FileIndex, processed ProcessedIndex, storages StorageLister) *Indexer {
	workers := cfg.IndexWorkers
	if workers <= 0 {
		workers = 4
	}
	return &Indexer{
		config:    cfg,
		logger:    logger.WithOperation(log, "index"),
		files:     files,
		processed: processed,
		storages:  storages,
		workers:   workers,
	}
}

// Index walks every storage. Files no longer on disk are flagged missing,
// except after a cancelled walk, which would flag everything not yet seen.
func (ix *Indexer) Index(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{}

	storages, err := ix.storages.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list storages: %w", err)
	}

	for i := range storages {
		if ctx.Err() != nil {
			break
		}
		if err := ix.indexStorage(ctx, &storages[i], res); err != nil {
			res.Duration = time.Since(start)
			return res, fmt.Errorf("failed to index storage %s: %w", storages[i].Name, err)
		}
		res.StoragesScanned++
	}

	res.Duration = time.Since(start)
	ix.logger.WithFields(logrus.Fields{
		"storages":  res.StoragesScanned,
		"indexed":   res.FilesIndexed,
		"missing":   res.FilesMissing,
		"processed": res.ProcessedIndexed,
		"unlinked":  res.ProcessedUnlinked,
		"errors":    res.Errors,
		"duration":  res.Duration,
	}).Info("Indexing completed")

	return res, ctx.Err()
}

func (ix *Indexer) indexStorage(ctx context.Context, st *storage.FileStorage, res *Result) error {
	root := filepath.Join(ix.config.PublicPath, st.BasePath)
	if info, err := os.Stat(root); err != nil {
		return err
	} else if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	files, derivatives, err := ix.discoverFiles(ctx, root)
	if err != nil {
		return err
	}
	ix.logger.WithField("storage", st.Name).Infof("Found %d files and %d derivatives", len(files), len(derivatives))

	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		seen[f.Identifier] = struct{}{}
	}

	originals := make(map[string][]int64)
	for sniffed := range ix.sniffFiles(ctx, files) {
		if sniffed.Err != nil {
			ix.logger.Warnf("Could not detect mime type of %s: %v", sniffed.Path, sniffed.Err)
			res.Errors++
			continue
		}

		name := filepath.Base(sniffed.Path)
		uid, err := ix.files.Upsert(ctx, &storage.File{
			StorageUID: st.UID,
			Identifier: sniffed.Identifier,
			Name:       name,
			MimeType:   sniffed.MimeType,
			Size:       sniffed.Size,
		})
		if err != nil {
			ix.logger.Errorf("Could not index %s: %v", sniffed.Path, err)
			res.Errors++
			continue
		}
		res.FilesIndexed++

		stem := strings.TrimSuffix(name, filepath.Ext(name))
		originals[stem] = append(originals[stem], uid)
	}

	if ctx.Err() != nil {
		return nil
	}

	ix.linkDerivatives(ctx, derivatives, originals, res)

	missing, err := ix.files.MarkMissing(ctx, st.UID, seen)
	if err != nil {
		return err
	}
	res.FilesMissing += missing
	return nil
}

// linkDerivatives stores every derivative whose name resolves to exactly one
// original of the same storage.
func (ix *Indexer) linkDerivatives(ctx context.Context, derivatives []fileInfo, originals map[string][]int64, res *Result) {
	for _, d := range derivatives {
		if ctx.Err() != nil {
			return
		}

		name := filepath.Base(d.Path)
		stem, ok := OriginalStem(name)
		if !ok || len(originals[stem]) != 1 {
			ix.logger.Debugf("No unique original for derivative %s", d.Identifier)
			res.ProcessedUnlinked++
			continue
		}

		_, err := ix.processed.Upsert(ctx, &storage.ProcessedFile{
			OriginalUID: originals[stem][0],
			Identifier:  d.Identifier,
			Name:        name,
		})
		if err != nil {
			ix.logger.Errorf("Could not index derivative %s: %v", d.Path, err)
			res.Errors++
			continue
		}
		res.ProcessedIndexed++
	}
}

// discoverFiles lists regular files below root, skipping hidden entries.
// Files below a derivative folder are returned separately.
func (ix *Indexer) discoverFiles(ctx context.Context, root string) ([]fileInfo, []fileInfo, error) {
	var files, derivatives []fileInfo

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			ix.logger.Warnf("Error accessing path %s: %v", path, err)
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			ix.logger.Warnf("Error reading %s: %v", path, err)
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fi := fileInfo{
			Path:       path,
			Identifier: Identifier(rel),
			Size:       info.Size(),
		}
		if inProcessedFolder(rel) {
			derivatives = append(derivatives, fi)
		} else {
			files = append(files, fi)
		}
		return nil
	})

	return files, derivatives, err
}

func inProcessedFolder(rel string) bool {
	dir := filepath.ToSlash(filepath.Dir(rel))
	return slices.Contains(strings.Split(dir, "/"), processedFolder)
}

// sniffFiles detects mime types on a pool of workers. The returned channel
// is closed once every file was handled or ctx is done.
func (ix *Indexer) sniffFiles(ctx context.Context, files []fileInfo) <-chan sniffResult {
	fileChan := make(chan fileInfo)
	results := make(chan sniffResult, ix.workers)

	var wg sync.WaitGroup
	for i := 0; i < ix.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range fileChan {
				mimeType, err := DetectMimeType(f.Path)
				results <- sniffResult{fileInfo: f, MimeType: mimeType, Err: err}
			}
		}()
	}

	go func() {
		defer close(fileChan)
		for _, f := range files {
			select {
			case fileChan <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// DetectMimeType sniffs the content of path and returns the bare mime type.
func DetectMimeType(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	bare, _, _ := strings.Cut(mt.String(), ";")
	return strings.TrimSpace(bare), nil
}

// Identifier turns a path relative to a storage root into a slash separated
// identifier with a leading slash. Names are kept as they are on disk, so
// excluded folder prefixes match them literally.
func Identifier(rel string) string {
	return "/" + filepath.ToSlash(rel)
}

// OriginalStem returns the original file name without extension that a
// derivative name was generated from.
func OriginalStem(name string) (string, bool) {
	m := derivativeName.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}
