package compressor

import (
	"slices"
	"strings"
)

// Eligibility holds the configured exclusion and allow-list rules.
type Eligibility struct {
	ExcludeFolders []string
	MimeTypes      []string
}

// ExcludedFolder returns the first excluded folder the identifier lies in.
func (e Eligibility) ExcludedFolder(identifier string) (string, bool) {
	for _, folder := range e.ExcludeFolders {
		if strings.HasPrefix(identifier, folder) {
			return folder, true
		}
	}
	return "", false
}

// MimeAllowed reports whether the mime type is on the allow-list, ignoring case.
func (e Eligibility) MimeAllowed(mimeType string) bool {
	return slices.Contains(e.MimeTypes, strings.ToLower(mimeType))
}
