package compressor

import (
	"context"
	"time"

	"image-compressor-go/internal/storage"
)

// Compressor compresses files with one backend.
type Compressor interface {
	// Compress re-checks eligibility of an original file, compresses it in
	// place and records the outcome on the file.
	Compress(ctx context.Context, file *storage.File) Result
	// CompressProcessedFiles compresses derivative files one by one. Problems
	// with the file on disk are recorded as the file's compression error.
	CompressProcessedFiles(ctx context.Context, files []storage.ProcessedFile) []Result
	ProviderIdentifier() string
}

// QuotaAware is implemented by backends that bill per compression.
type QuotaAware interface {
	// CompressionCount returns the usage of the current billing period.
	CompressionCount(ctx context.Context) (int, bool)
	// QuotaLimit returns the usage ceiling, false when unlimited or unknown.
	QuotaLimit(ctx context.Context) (int, bool)
}

// Status is the outcome of one compression attempt.
type Status int

const (
	StatusCompressed Status = iota
	StatusSkipped
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusCompressed:
		return "compressed"
	case StatusSkipped:
		return "skipped"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Skip reasons. The processed file ones are also persisted as compress_error.
const (
	ReasonExcludedFolder  = "excluded folder"
	ReasonMimeType        = "mime type not allowed"
	ReasonUnsupported     = "mime type not supported by provider"
	ReasonToolUnavailable = "no tool available"
	ReasonDebugMode       = "debug mode"
	ReasonStorageNotFound = "file storage not found"
	ReasonFileNotFound    = "file not found"
	ReasonFileSizeInvalid = "filesize invalid"
	ReasonAlreadyClaimed  = "claimed by another run"
)

// Result describes what happened to one file.
type Result struct {
	FileUID      int64
	Processed    bool // derivative file rather than an original
	Identifier   string
	Status       Status
	Reason       string
	Provider     string
	Tool         string
	OriginalSize int64
	NewSize      int64
	SavedPercent int
	Timestamp    time.Time
	Err          error
}

// Compressed reports whether the file was compressed.
func (r Result) Compressed() bool { return r.Status == StatusCompressed }

// Errored reports whether the attempt failed.
func (r Result) Errored() bool { return r.Status == StatusErrored }
