package compressor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"image-compressor-go/internal/config"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/storage"
)

// FileStore updates original files.
type FileStore interface {
	UpdateCompressionStatus(ctx context.Context, uid int64, compressed bool, compressError, compressInfo string) error
	UpdateSize(ctx context.Context, uid, size int64) error
}

// ProcessedFileStore updates processed files.
type ProcessedFileStore interface {
	UpdateCompressState(ctx context.Context, uid int64, state int, message string) error
	FindStorageID(ctx context.Context, uid int64) (int64, error)
}

// StorageStore resolves storage roots.
type StorageStore interface {
	GetStorage(ctx context.Context, uid int64) (*storage.FileStorage, error)
}

// ToolDetector answers which local binaries are installed.
type ToolDetector interface {
	IsAvailable(tool string) bool
	GetToolPath(tool string) (string, bool)
	GetFirstAvailable(tools []string) (string, bool)
}

// Deps are the collaborators shared by every backend.
type Deps struct {
	Config    *config.Config
	Files     FileStore
	Processed ProcessedFileStore
	Storages  StorageStore
	Tools     ToolDetector
	Runner    CommandRunner
	Tinify    TinifyClient
	Notices   NoticeSink
	Logger    logrus.FieldLogger
	Clock     storage.Clock
}

func (d Deps) withDefaults() Deps {
	if d.Config == nil {
		d.Config = config.DefaultConfig()
	}
	if d.Runner == nil {
		// The pipeline already bounds each file by tool_timeout.
		d.Runner = ExecRunner{}
	}
	if d.Notices == nil {
		d.Notices = NopNotices{}
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Clock == nil {
		d.Clock = storage.RealClock{}
	}
	return d
}

// backend is the part that differs between providers.
type backend interface {
	// supports returns the tool used for mimeType, or a skip reason.
	supports(mimeType string) (tool string, reason string)
	// compressPath compresses the file at path in place. A skipError skips
	// the file, any other error fails it.
	compressPath(ctx context.Context, path, mimeType, tool string) error
}

// pipeline runs the eligibility checks and status bookkeeping around a
// backend. Backends embed it to get the Compressor methods.
type pipeline struct {
	Deps
	provider       string
	backend        backend
	rules          Eligibility
	noticeExcluded bool
}

func newPipeline(provider string, deps Deps, be backend) pipeline {
	deps = deps.withDefaults()
	return pipeline{
		Deps:     deps,
		provider: provider,
		backend:  be,
		rules: Eligibility{
			ExcludeFolders: deps.Config.ExcludeFolders,
			MimeTypes:      deps.Config.MimeTypes,
		},
	}
}

// ProviderIdentifier returns the provider name stored in compress_info.
func (p *pipeline) ProviderIdentifier() string {
	return p.provider
}

// Compress implements Compressor.
func (p *pipeline) Compress(ctx context.Context, file *storage.File) Result {
	res := Result{
		FileUID:    file.UID,
		Identifier: file.Identifier,
		Provider:   p.provider,
		Timestamp:  p.Clock.Now(),
	}
	log := logger.WithFile(logger.WithProvider(p.Logger, p.provider, "compress"), file.UID, file.Identifier)

	if folder, excluded := p.rules.ExcludedFolder(file.Identifier); excluded {
		if p.noticeExcluded {
			p.Notices.Notify(Notice{Key: NoticeFolderExcluded, Args: []string{folder}, Severity: SeverityInfo})
		}
		log.WithField("folder", folder).Debug("File is in an excluded folder")
		return skipped(res, ReasonExcludedFolder)
	}

	mimeType := strings.ToLower(file.MimeType)
	if !p.rules.MimeAllowed(mimeType) {
		return skipped(res, ReasonMimeType)
	}

	tool, reason := p.backend.supports(mimeType)
	if reason != "" {
		log.WithField("mime_type", mimeType).WithField("reason", reason).Info("File skipped")
		return skipped(res, reason)
	}
	res.Tool = tool

	path, size, reason := p.locateOriginal(ctx, file)
	if reason != "" {
		log.WithField("reason", reason).Info("File skipped")
		return skipped(res, reason)
	}
	res.OriginalSize = size

	if err := p.compress(ctx, path, mimeType, tool); err != nil {
		var se *skipError
		if errors.As(err, &se) {
			log.WithField("reason", se.reason).Info("File skipped")
			return skipped(res, se.reason)
		}
		return p.fail(ctx, res, err, log)
	}

	newSize := size
	if info, err := os.Stat(path); err == nil {
		newSize = info.Size()
	}
	res.NewSize = newSize
	res.SavedPercent = SavedPercent(size, newSize)

	if err := p.Files.UpdateSize(ctx, file.UID, newSize); err != nil {
		log.WithError(err).Warn("Failed to refresh file size")
	}

	info := BuildCompressInfo(p.provider, size, newSize, tool, res.Timestamp)
	if err := p.Files.UpdateCompressionStatus(ctx, file.UID, true, "", info); err != nil {
		res.Status = StatusErrored
		res.Err = fmt.Errorf("recording compression of file %d: %w", file.UID, err)
		log.WithError(err).Error("Failed to record compression")
		return res
	}

	if res.SavedPercent > 0 {
		p.Notices.Notify(Notice{Key: NoticeSuccess, Args: []string{fmt.Sprintf("%d%%", res.SavedPercent)}, Severity: SeverityInfo})
	}
	log.WithFields(logrus.Fields{
		"tool":          tool,
		"original_size": size,
		"new_size":      newSize,
		"saved_percent": res.SavedPercent,
	}).Info("Image compressed")

	res.Status = StatusCompressed
	return res
}

// CompressProcessedFiles implements Compressor.
func (p *pipeline) CompressProcessedFiles(ctx context.Context, files []storage.ProcessedFile) []Result {
	results := make([]Result, 0, len(files))
	for _, pf := range files {
		if ctx.Err() != nil {
			break
		}
		results = append(results, p.compressProcessed(ctx, pf))
	}
	return results
}

func (p *pipeline) compressProcessed(ctx context.Context, pf storage.ProcessedFile) Result {
	res := Result{
		FileUID:    pf.UID,
		Processed:  true,
		Identifier: pf.Identifier,
		Provider:   p.provider,
		Timestamp:  p.Clock.Now(),
	}
	log := logger.WithProvider(p.Logger, p.provider, "compress_processed").
		WithField("processed_uid", pf.UID).WithField("identifier", pf.Identifier)

	storageUID, err := p.Processed.FindStorageID(ctx, pf.UID)
	if err != nil {
		res.Status, res.Err = StatusErrored, err
		log.WithError(err).Error("Failed to resolve storage")
		return res
	}

	var st *storage.FileStorage
	if storageUID != 0 {
		st, err = p.Storages.GetStorage(ctx, storageUID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			res.Status, res.Err = StatusErrored, err
			log.WithError(err).Error("Failed to load storage")
			return res
		}
	}
	if st == nil {
		return p.skipProcessed(ctx, res, ReasonStorageNotFound, log)
	}

	path := st.AbsolutePath(p.Config.PublicPath, pf.Identifier)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return p.skipProcessed(ctx, res, ReasonFileNotFound, log)
	}
	if info.Size() == 0 {
		return p.skipProcessed(ctx, res, ReasonFileSizeInvalid, log)
	}
	res.OriginalSize = info.Size()

	mimeType, err := detectMimeType(path)
	if err != nil || !p.rules.MimeAllowed(mimeType) {
		res.Status, res.Reason = StatusSkipped, ReasonMimeType
		return res
	}

	tool, reason := p.backend.supports(mimeType)
	if reason != "" {
		res.Status, res.Reason = StatusSkipped, reason
		return res
	}
	res.Tool = tool

	if err := p.compress(ctx, path, mimeType, tool); err != nil {
		var se *skipError
		if errors.As(err, &se) {
			res.Status, res.Reason = StatusSkipped, se.reason
			return res
		}
		res.Status, res.Err = StatusErrored, err
		p.Notices.Notify(Notice{Key: NoticeCompressionFailed, Args: []string{err.Error()}, Severity: SeverityWarning})
		log.WithError(err).Warn("Processed file compression failed")
		return res
	}

	if info, err := os.Stat(path); err == nil {
		res.NewSize = info.Size()
		res.SavedPercent = SavedPercent(res.OriginalSize, res.NewSize)
	}

	if err := p.Processed.UpdateCompressState(ctx, pf.UID, 1, ""); err != nil {
		res.Status, res.Err = StatusErrored, err
		log.WithError(err).Error("Failed to record compression")
		return res
	}

	log.WithField("tool", tool).WithField("saved_percent", res.SavedPercent).Debug("Processed file compressed")
	res.Status = StatusCompressed
	return res
}

// skipProcessed persists the skip reason so the file leaves the candidate set.
func (p *pipeline) skipProcessed(ctx context.Context, res Result, reason string, log *logrus.Entry) Result {
	res.Status, res.Reason = StatusSkipped, reason
	if err := p.Processed.UpdateCompressState(ctx, res.FileUID, 0, reason); err != nil {
		res.Err = err
		log.WithError(err).Error("Failed to record skip reason")
	}
	log.WithField("reason", reason).Info("Processed file skipped")
	return res
}

// compress runs the backend under the configured timeout.
func (p *pipeline) compress(ctx context.Context, path, mimeType, tool string) error {
	if p.Config.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Config.ToolTimeout)
		defer cancel()
	}
	return p.backend.compressPath(ctx, path, mimeType, tool)
}

// fail records err on the file unless the run itself was cancelled.
func (p *pipeline) fail(ctx context.Context, res Result, err error, log *logrus.Entry) Result {
	res.Status = StatusErrored
	res.Err = err

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Info("Compression cancelled")
		return res
	}

	message := FormatError(err)
	if uerr := p.Files.UpdateCompressionStatus(ctx, res.FileUID, false, message, ""); uerr != nil {
		log.WithError(uerr).Error("Failed to record compression error")
	}
	p.Notices.Notify(Notice{Key: NoticeCompressionFailed, Args: []string{err.Error()}, Severity: SeverityWarning})
	log.WithError(err).Warn("Compression failed")
	return res
}

// locateOriginal resolves the absolute path of an original and checks it is
// a non-empty file.
func (p *pipeline) locateOriginal(ctx context.Context, file *storage.File) (string, int64, string) {
	st, err := p.Storages.GetStorage(ctx, file.StorageUID)
	if err != nil {
		return "", 0, ReasonStorageNotFound
	}

	path := st.AbsolutePath(p.Config.PublicPath, file.Identifier)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", 0, ReasonFileNotFound
	}
	if info.Size() == 0 {
		return "", 0, ReasonFileSizeInvalid
	}
	return path, info.Size(), ""
}

// runTool executes a binary and logs its output. A non-zero exit is logged
// and otherwise ignored: optimizers such as pngquant exit non-zero when they
// leave a file unchanged.
func (p *pipeline) runTool(ctx context.Context, tool, bin string, args ...string) error {
	out, err := p.Runner.Run(ctx, bin, args...)

	log := p.Logger.WithFields(logrus.Fields{
		"tool":    tool,
		"command": bin + " " + strings.Join(args, " "),
		"output":  strings.TrimSpace(string(out)),
	})
	log.Debug("Image optimized with local tool")

	if err == nil {
		return nil
	}
	if isExitError(err) {
		log.WithError(err).Warn("Tool exited with an error")
		return nil
	}
	return &ToolError{Tool: tool, Err: err}
}

func skipped(res Result, reason string) Result {
	res.Status = StatusSkipped
	res.Reason = reason
	return res
}

// detectMimeType sniffs the content of a file.
func detectMimeType(path string) (string, error) {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	mt, _, _ := strings.Cut(m.String(), ";")
	return strings.ToLower(mt), nil
}
