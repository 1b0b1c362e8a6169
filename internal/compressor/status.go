package compressor

import (
	"errors"
	"fmt"
	"time"

	"image-compressor-go/internal/tinify"
)

// SavedPercent returns how much smaller newSize is than originalSize, in whole
// percent rounded down. Non-positive sizes yield 0.
func SavedPercent(originalSize, newSize int64) int {
	if originalSize <= 0 || newSize <= 0 {
		return 0
	}
	return int(100 - float64(newSize)/float64(originalSize)*100)
}

// FormatFileSize renders a byte count as B, KB or MB.
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= 1048576:
		return fmt.Sprintf("%.1f MB", float64(bytes)/1048576)
	case bytes >= 1024:
		return fmt.Sprintf("%.0f KB", float64(bytes)/1024)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// BuildCompressInfo renders the summary stored in compress_info, e.g.
// "local-tools (jpegoptim): 120 KB -> 80 KB (-33%) - 04.12.2025".
func BuildCompressInfo(provider string, originalSize, newSize int64, tool string, at time.Time) string {
	date := at.Format("02.01.2006")
	saved := SavedPercent(originalSize, newSize)

	if tool != "" {
		return fmt.Sprintf("%s (%s): %s -> %s (-%d%%) - %s",
			provider, tool, FormatFileSize(originalSize), FormatFileSize(newSize), saved, date)
	}
	return fmt.Sprintf("%s: %s -> %s (-%d%%) - %s",
		provider, FormatFileSize(originalSize), FormatFileSize(newSize), saved, date)
}

// FormatError renders err as "<code> : <message>" for compress_error. The code
// is the API status or the tool's exit code, 0 when there is none.
func FormatError(err error) string {
	var apiErr *tinify.Error
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("%d : %s", apiErr.Code(), apiErr.Error())
	}

	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return fmt.Sprintf("%d : %s", toolErr.ExitCode, toolErr.Error())
	}

	return fmt.Sprintf("0 : %s", err.Error())
}

// ToolError is returned when an external tool could not do its job.
type ToolError struct {
	Tool     string
	ExitCode int
	Err      error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// skipError makes a backend skip a file instead of failing it.
type skipError struct {
	reason string
}

func (e *skipError) Error() string { return e.reason }

func skip(reason string) error { return &skipError{reason: reason} }
