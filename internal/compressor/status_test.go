package compressor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"image-compressor-go/internal/tinify"
)

func TestSavedPercent(t *testing.T) {
	tests := []struct {
		orig, new int64
		want      int
	}{
		{1000, 600, 40},
		{1000, 0, 0},
		{0, 600, 0},
		{-5, 10, 0},
		{1000, 1000, 0},
		{3, 2, 33},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d->%d", tt.orig, tt.new), func(t *testing.T) {
			assert.Equal(t, tt.want, SavedPercent(tt.orig, tt.new))
		})
	}
}

func TestFormatFileSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatFileSize(512))
	assert.Equal(t, "1 KB", FormatFileSize(1024))
	assert.Equal(t, "120 KB", FormatFileSize(122880))
	assert.Equal(t, "1023 B", FormatFileSize(1023))
	assert.Equal(t, "1.0 MB", FormatFileSize(1048576))
	assert.Equal(t, "2.5 MB", FormatFileSize(2621440))
}

func TestBuildCompressInfo(t *testing.T) {
	at := time.Date(2025, 12, 4, 9, 30, 0, 0, time.UTC)

	assert.Equal(t, "tinify: 120 KB -> 80 KB (-33%) - 04.12.2025",
		BuildCompressInfo("tinify", 122880, 81920, "", at))
	assert.Equal(t, "local-tools (jpegoptim): 1000 B -> 600 B (-40%) - 04.12.2025",
		BuildCompressInfo("local-tools", 1000, 600, "jpegoptim", at))
}

func TestFormatError(t *testing.T) {
	apiErr := &tinify.Error{Status: 429, Kind: "TooManyRequests", Message: "Your monthly limit has been exceeded"}
	assert.Equal(t, "429 : Your monthly limit has been exceeded (HTTP 429/TooManyRequests)", FormatError(apiErr))

	wrapped := fmt.Errorf("compress: %w", apiErr)
	assert.Equal(t, "429 : Your monthly limit has been exceeded (HTTP 429/TooManyRequests)", FormatError(wrapped))

	toolErr := &ToolError{Tool: "jpegoptim", ExitCode: 2, Err: errors.New("signal: killed")}
	assert.Equal(t, "2 : jpegoptim failed: signal: killed", FormatError(toolErr))

	assert.Equal(t, "0 : disk full", FormatError(errors.New("disk full")))
}

func TestEligibility(t *testing.T) {
	e := Eligibility{
		ExcludeFolders: []string{"/_temp_/", "/user_upload/private/"},
		MimeTypes:      []string{"image/jpeg", "image/png"},
	}

	folder, ok := e.ExcludedFolder("/user_upload/private/a.jpg")
	assert.True(t, ok)
	assert.Equal(t, "/user_upload/private/", folder)

	_, ok = e.ExcludedFolder("/user_upload/a.jpg")
	assert.False(t, ok)

	assert.True(t, e.MimeAllowed("image/JPEG"))
	assert.False(t, e.MimeAllowed("image/gif"))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "compressed", StatusCompressed.String())
	assert.Equal(t, "skipped", StatusSkipped.String())
	assert.Equal(t, "errored", StatusErrored.String())
}
