// Package report reads compression statistics and API usage for display.
package report

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/storage"
)

// Status keys.
const (
	KeyProvider   = "provider"
	KeyStatistics = "statistics"
	KeyAPIUsage   = "apiUsage"
)

// FileStatistics counts original files by compression state.
type FileStatistics interface {
	GetCompressionStatistics(ctx context.Context, mimeTypes []string) (storage.Statistics, error)
}

// ProcessedStatistics counts processed files by compression state.
type ProcessedStatistics interface {
	GetCompressionStatistics(ctx context.Context) (storage.Statistics, error)
}

// Status is one line of the report.
type Status struct {
	Key      string              `json:"key"`
	Title    string              `json:"title"`
	Value    string              `json:"value"`
	Message  string              `json:"message,omitempty"`
	Severity compressor.Severity `json:"severity"`
	Details  any                 `json:"details,omitempty"`
}

// PoolReport describes one pool in the statistics status.
type PoolReport struct {
	Statistics storage.Statistics `json:"statistics"`
	Total      int                `json:"total"`
	Percent    int                `json:"percent"`
	HasErrors  bool               `json:"has_errors"`
}

// StatisticsDetails is attached to the statistics status.
type StatisticsDetails struct {
	Original  PoolReport `json:"original"`
	Processed PoolReport `json:"processed"`
	HasErrors bool       `json:"has_errors"`
}

// UsageDetails is attached to the API usage status.
type UsageDetails struct {
	Count   int  `json:"count"`
	Limit   int  `json:"limit,omitempty"`
	Limited bool `json:"limited"`
	Percent int  `json:"percent,omitempty"`
}

// Reporter builds the compression status report.
type Reporter struct {
	cfg        *config.Config
	files      FileStatistics
	processed  ProcessedStatistics
	compressor compressor.Compressor
}

// NewReporter returns a Reporter.
func NewReporter(cfg *config.Config, files FileStatistics, processed ProcessedStatistics, comp compressor.Compressor) *Reporter {
	return &Reporter{cfg: cfg, files: files, processed: processed, compressor: comp}
}

// Statuses returns the report, or nothing when show_status_report is off.
// The API usage status is included only for quota aware backends with a
// known count.
func (r *Reporter) Statuses(ctx context.Context) ([]Status, error) {
	if !r.cfg.ShowStatusReport {
		return nil, nil
	}

	stats, err := r.statisticsStatus(ctx)
	if err != nil {
		return nil, err
	}

	statuses := []Status{r.providerStatus(), stats}
	if usage, ok := r.apiUsageStatus(ctx); ok {
		statuses = append(statuses, usage)
	}
	return statuses, nil
}

func (r *Reporter) providerStatus() Status {
	return Status{
		Key:      KeyProvider,
		Title:    "Compression provider",
		Value:    r.cfg.Provider,
		Message:  "Backend used to compress images",
		Severity: compressor.SeverityInfo,
	}
}

func (r *Reporter) statisticsStatus(ctx context.Context) (Status, error) {
	original, err := r.files.GetCompressionStatistics(ctx, r.cfg.MimeTypes)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read file statistics: %w", err)
	}
	processed, err := r.processed.GetCompressionStatistics(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read processed file statistics: %w", err)
	}

	details := StatisticsDetails{
		Original:  poolReport(original),
		Processed: poolReport(processed),
	}
	details.HasErrors = details.Original.HasErrors || details.Processed.HasErrors

	severity := compressor.SeverityOK
	message := ""
	if details.HasErrors {
		severity = compressor.SeverityWarning
		message = "Some files could not be compressed, see their compress_error"
	}

	return Status{
		Key:      KeyStatistics,
		Title:    "Compression statistics",
		Value:    fmt.Sprintf("%d / %d", original.Compressed+processed.Compressed, original.Total()+processed.Total()),
		Message:  message,
		Severity: severity,
		Details:  details,
	}, nil
}

func poolReport(s storage.Statistics) PoolReport {
	return PoolReport{
		Statistics: s,
		Total:      s.Total(),
		Percent:    s.Percent(),
		HasErrors:  s.Errors > 0,
	}
}

func (r *Reporter) apiUsageStatus(ctx context.Context) (Status, bool) {
	qa, ok := r.compressor.(compressor.QuotaAware)
	if !ok {
		return Status{}, false
	}
	count, ok := qa.CompressionCount(ctx)
	if !ok {
		return Status{}, false
	}

	st := Status{
		Key:     KeyAPIUsage,
		Title:   "API usage",
		Message: "Compressions used in the current billing period",
	}

	limit, limited := qa.QuotaLimit(ctx)
	if !limited || limit <= 0 {
		st.Value = strconv.Itoa(count) + " / ∞"
		st.Severity = compressor.SeverityOK
		st.Details = UsageDetails{Count: count}
		return st, true
	}

	percent := UsagePercent(count, limit)
	st.Value = fmt.Sprintf("%d / %d", count, limit)
	st.Severity = UsageSeverity(percent)
	st.Details = UsageDetails{Count: count, Limit: limit, Limited: true, Percent: percent}
	return st, true
}

// UsagePercent returns count as a rounded share of limit.
func UsagePercent(count, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int(math.Round(float64(count) / float64(limit) * 100))
}

// UsageSeverity grades quota usage: 90% and above is an error, 75% and
// above a warning.
func UsageSeverity(percent int) compressor.Severity {
	switch {
	case percent >= 90:
		return compressor.SeverityError
	case percent >= 75:
		return compressor.SeverityWarning
	default:
		return compressor.SeverityOK
	}
}

// Toolbar returns the quota string shown in the system information toolbar.
// It reports false when the toolbar is disabled or no API key is set.
func Toolbar(ctx context.Context, cfg *config.Config, comp compressor.Compressor) (string, bool) {
	if !cfg.SystemInformationToolbar || cfg.APIKey == "" {
		return "", false
	}

	count := 0
	if qa, ok := comp.(compressor.QuotaAware); ok {
		count, _ = qa.CompressionCount(ctx)
	}
	return ToolbarValue(count), true
}

// ToolbarValue formats a compression count against the free tier.
func ToolbarValue(count int) string {
	switch {
	case count <= 0:
		return "?"
	case count <= compressor.FreeTierLimit:
		return fmt.Sprintf("%d / %d", count, compressor.FreeTierLimit)
	default:
		return strconv.Itoa(count) + " / ∞"
	}
}
