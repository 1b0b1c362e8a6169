// Package storage persists the file index the compressors work on.
package storage

import (
	"errors"
	"path/filepath"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidState is returned for a status update that would mark a file
	// compressed and failed at the same time.
	ErrInvalidState = errors.New("compressed file cannot carry a compression error")
)

// File is one originally uploaded asset.
type File struct {
	UID           int64
	StorageUID    int64
	Identifier    string
	Name          string
	MimeType      string
	Size          int64
	Missing       bool
	Compressed    bool
	CompressError string
	CompressInfo  string
}

// ProcessedFile is a derivative (thumbnail, crop) generated from a File.
type ProcessedFile struct {
	UID           int64
	OriginalUID   int64
	Identifier    string
	Name          string
	Compressed    bool
	CompressError string
}

// FileStorage is a storage root that file identifiers are relative to.
type FileStorage struct {
	UID      int64
	Name     string
	BasePath string
}

// AbsolutePath resolves an identifier inside this storage. Identifiers are
// slash separated paths relative to the storage root and are not escaped.
func (s *FileStorage) AbsolutePath(publicPath, identifier string) string {
	return filepath.Join(publicPath, s.BasePath, filepath.FromSlash(identifier))
}

// CompressionStatus is the compression related subset of a File.
type CompressionStatus struct {
	Compressed    bool   `json:"compressed"`
	CompressError string `json:"compress_error"`
	CompressInfo  string `json:"compress_info"`
}

// Statistics counts files by compression state.
type Statistics struct {
	Compressed    int `json:"compressed"`
	NotCompressed int `json:"not_compressed"`
	Errors        int `json:"errors"`
}

// Total returns the number of files counted.
func (s Statistics) Total() int {
	return s.Compressed + s.NotCompressed + s.Errors
}

// Percent returns the compressed share rounded to a whole percent.
func (s Statistics) Percent() int {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return int(float64(s.Compressed)/float64(total)*100 + 0.5)
}
