// Package batch runs one bounded compression pass over the processed and
// original file pools.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"image-compressor-go/internal/cache"
	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/metrics"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/storage"
)

// DefaultLimit is the number of files compressed when no limit is given.
const DefaultLimit = 100

// FileSource yields original files and guards them against concurrent runs.
type FileSource interface {
	FindNonCompressedInStorage(ctx context.Context, storageUID int64, limit int, excludeFolders []string) ([]storage.File, error)
	Claim(ctx context.Context, uid int64, owner string) (bool, error)
	Release(ctx context.Context, uid int64, owner string) error
}

// ProcessedSource yields processed files and drops those of a rewritten
// original.
type ProcessedSource interface {
	FindAllNonCompressed(ctx context.Context, limit int) ([]storage.ProcessedFile, error)
	DeleteByOriginal(ctx context.Context, originalUID int64) ([]storage.ProcessedFile, error)
}

// StorageLister lists storage roots.
type StorageLister interface {
	FindAll(ctx context.Context) ([]storage.FileStorage, error)
}

// Options control one run.
type Options struct {
	// Limit caps the files taken from both pools together.
	Limit int
	// IncludeProcessed also compresses processed files. They are taken
	// first and count against Limit.
	IncludeProcessed bool
}

// ProgressHookFunc receives every result as soon as it is known.
type ProgressHookFunc func(runID string, res compressor.Result)

// Orchestrator runs compression batches.
type Orchestrator struct {
	config       *config.Config
	logger       logrus.FieldLogger
	files        FileSource
	processed    ProcessedSource
	storages     StorageLister
	compressor   compressor.Compressor
	flusher      cache.Flusher
	progressHook ProgressHookFunc
}

// NewOrchestrator returns a new Orchestrator.
func NewOrchestrator(
	cfg *config.Config,
	logger logrus.FieldLogger,
	files FileSource,
	processed ProcessedSource,
	storages StorageLister,
	comp compressor.Compressor,
	flusher cache.Flusher,
) *Orchestrator {
	return NewOrchestratorWithProgressHook(cfg, logger, files, processed, storages, comp, flusher, nil)
}

// NewOrchestratorWithProgressHook lets callers stream results, e.g. to
// websocket clients.
func NewOrchestratorWithProgressHook(
	cfg *config.Config,
	logger logrus.FieldLogger,
	files FileSource,
	processed ProcessedSource,
	storages StorageLister,
	comp compressor.Compressor,
	flusher cache.Flusher,
	hook ProgressHookFunc,
) *Orchestrator {
	if flusher == nil {
		flusher = cache.NopFlusher{}
	}
	return &Orchestrator{
		config:       cfg,
		logger:       logger,
		files:        files,
		processed:    processed,
		storages:     storages,
		compressor:   comp,
		flusher:      flusher,
		progressHook: hook,
	}
}

// Run compresses up to opts.Limit files. Per-file failures are recorded in
// the summary. Errors listing candidates abort the run. When ctx is
// cancelled the run stops between files and returns the partial summary
// together with the context error.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*statistics.Summary, error) {
	runID := uuid.NewString()
	stats := statistics.NewStatistics(runID)
	log := o.logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"provider": o.compressor.ProviderIdentifier(),
	})

	limit := opts.Limit
	log.WithField("limit", limit).WithField("include_processed", opts.IncludeProcessed).Info("Starting compression run")

	if opts.IncludeProcessed && limit > 0 {
		files, err := o.processed.FindAllNonCompressed(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to find processed files: %w", err)
		}

		if len(files) > 0 {
			limit -= len(files)
			log.WithField("count", len(files)).Info("Compressing processed files")

			for _, res := range o.compressor.CompressProcessedFiles(ctx, files) {
				o.record(runID, stats, res)
			}
			o.flush(ctx, stats, log, "processed")
		}
	}

	if limit > 0 {
		storages, err := o.storages.FindAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list storages: %w", err)
		}

		for _, st := range storages {
			if limit <= 0 || ctx.Err() != nil {
				break
			}
			stats.IncrementStoragesScanned()

			files, err := o.files.FindNonCompressedInStorage(ctx, st.UID, limit, o.config.ExcludeFolders)
			if err != nil {
				return nil, fmt.Errorf("failed to find files in storage %s: %w", st.Name, err)
			}
			if len(files) == 0 {
				continue
			}

			log.WithField("storage", st.Name).WithField("count", len(files)).Info("Compressing original files")
			for i := range files {
				if ctx.Err() != nil {
					break
				}
				res := o.compressOriginal(ctx, runID, &files[i], log)
				o.record(runID, stats, res)
				if res.Status == compressor.StatusCompressed {
					o.removeDerivatives(ctx, &st, files[i].UID, log)
				}
			}
			o.flush(ctx, stats, log, "pages")

			limit -= len(files)
		}
	}

	summary := stats.Finalize()
	metrics.ObserveRun(summary.Duration)

	totals := summary.Totals()
	log.WithFields(logrus.Fields{
		"total":    totals.Total,
		"success":  totals.Success,
		"errors":   totals.Errors,
		"skipped":  totals.Skipped,
		"duration": summary.Duration,
	}).Info("Compression run completed")

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// compressOriginal claims file for this run, compresses it and releases the
// claim again.
func (o *Orchestrator) compressOriginal(ctx context.Context, runID string, file *storage.File, log logrus.FieldLogger) compressor.Result {
	res := compressor.Result{
		FileUID:    file.UID,
		Identifier: file.Identifier,
		Provider:   o.compressor.ProviderIdentifier(),
	}

	claimed, err := o.files.Claim(ctx, file.UID, runID)
	if err != nil {
		log.WithError(err).WithField("file_uid", file.UID).Error("Failed to claim file")
		res.Status, res.Err = compressor.StatusErrored, err
		return res
	}
	if !claimed {
		log.WithField("file_uid", file.UID).Debug("File claimed by another run")
		res.Status, res.Reason = compressor.StatusSkipped, compressor.ReasonAlreadyClaimed
		return res
	}
	defer func() {
		if err := o.files.Release(context.WithoutCancel(ctx), file.UID, runID); err != nil {
			log.WithError(err).WithField("file_uid", file.UID).Warn("Failed to release file")
		}
	}()

	return o.compressor.Compress(ctx, file)
}

// removeDerivatives deletes the processed files rendered from the bytes an
// original had before it was compressed, so they are generated again.
func (o *Orchestrator) removeDerivatives(ctx context.Context, st *storage.FileStorage, originalUID int64, log logrus.FieldLogger) {
	ctx = context.WithoutCancel(ctx)
	log = log.WithField("file_uid", originalUID)

	removed, err := o.processed.DeleteByOriginal(ctx, originalUID)
	if err != nil {
		log.WithError(err).Warn("Failed to remove processed files")
		return
	}

	for _, pf := range removed {
		path := st.AbsolutePath(o.config.PublicPath, pf.Identifier)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.WithError(err).Warnf("Failed to delete processed file %s", path)
		}
	}
	if len(removed) > 0 {
		log.Debugf("Removed %d processed files", len(removed))
	}
}

func (o *Orchestrator) record(runID string, stats *statistics.Statistics, res compressor.Result) {
	stats.RecordResult(res)
	metrics.ObserveResult(res)
	if o.progressHook != nil {
		o.progressHook(runID, res)
	}
}

// flush invalidates caches once per pool that had work. A failed flush is
// logged and does not fail the run.
func (o *Orchestrator) flush(ctx context.Context, stats *statistics.Statistics, log logrus.FieldLogger, scope string) {
	err := o.flusher.Flush(context.WithoutCancel(ctx), scope)
	metrics.ObserveCacheFlush(err)
	if err != nil {
		log.WithError(err).Warn("Cache flush failed")
		return
	}
	stats.IncrementCacheFlushes()
}
