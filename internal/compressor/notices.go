package compressor

import (
	"github.com/sirupsen/logrus"
)

// Severity of a user facing notice.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityOK      Severity = "ok"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notice keys.
const (
	NoticeSuccess           = "success"
	NoticeCompressionFailed = "compressionFailed"
	NoticeFolderExcluded    = "folderExcluded"
	NoticeDebugMode         = "debugMode"
)

// Notice is a short message for whoever is watching a compression run.
type Notice struct {
	Key      string   `json:"key"`
	Args     []string `json:"args,omitempty"`
	Severity Severity `json:"severity"`
}

// NoticeSink receives notices raised by compressors.
type NoticeSink interface {
	Notify(n Notice)
}

// NopNotices drops every notice.
type NopNotices struct{}

// Notify implements NoticeSink.
func (NopNotices) Notify(Notice) {}

// LogNotices writes notices to a logger.
type LogNotices struct {
	Logger logrus.FieldLogger
}

// Notify implements NoticeSink.
func (l LogNotices) Notify(n Notice) {
	entry := l.Logger.WithFields(logrus.Fields{
		"notice": n.Key,
		"args":   n.Args,
	})
	switch n.Severity {
	case SeverityWarning:
		entry.Warn("Compression notice")
	case SeverityError:
		entry.Error("Compression notice")
	default:
		entry.Info("Compression notice")
	}
}

// MultiNotices fans a notice out to several sinks.
type MultiNotices []NoticeSink

// Notify implements NoticeSink.
func (m MultiNotices) Notify(n Notice) {
	for _, s := range m {
		s.Notify(n)
	}
}
