package statistics

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"image-compressor-go/internal/compressor"
)

// Pool names the candidate set a file was taken from.
type Pool string

const (
	PoolOriginal  Pool = "original"
	PoolProcessed Pool = "processed"
)

// PoolStats counts outcomes for one pool.
type PoolStats struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Errors  int64 `json:"errors"`
	Skipped int64 `json:"skipped"`
}

func (p PoolStats) add(o PoolStats) PoolStats {
	return PoolStats{
		Total:   p.Total + o.Total,
		Success: p.Success + o.Success,
		Errors:  p.Errors + o.Errors,
		Skipped: p.Skipped + o.Skipped,
	}
}

type poolCounters struct {
	total   int64
	success int64
	errors  int64
	skipped int64
}

func (c *poolCounters) snapshot() PoolStats {
	return PoolStats{
		Total:   atomic.LoadInt64(&c.total),
		Success: atomic.LoadInt64(&c.success),
		Errors:  atomic.LoadInt64(&c.errors),
		Skipped: atomic.LoadInt64(&c.skipped),
	}
}

// StatError represents a file that failed during a run.
type StatError struct {
	FileUID    int64     `json:"file_uid"`
	Identifier string    `json:"identifier"`
	Pool       Pool      `json:"pool"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// Statistics collects the outcome of one batch run. It is safe for
// concurrent use.
type Statistics struct {
	RunID     string
	StartTime time.Time

	original  poolCounters
	processed poolCounters

	BytesSaved int64

	StoragesScanned int64
	CacheFlushes    int64

	mutex  sync.RWMutex
	Errors []StatError

	ToolStats map[string]int64
}

// NewStatistics returns a new Statistics instance for run.
func NewStatistics(runID string) *Statistics {
	return &Statistics{
		RunID:     runID,
		StartTime: time.Now(),
		Errors:    make([]StatError, 0),
		ToolStats: make(map[string]int64),
	}
}

func (s *Statistics) counters(pool Pool) *poolCounters {
	if pool == PoolProcessed {
		return &s.processed
	}
	return &s.original
}

// RecordResult tallies one compression result in its pool.
func (s *Statistics) RecordResult(res compressor.Result) {
	pool := PoolOriginal
	if res.Processed {
		pool = PoolProcessed
	}
	c := s.counters(pool)
	atomic.AddInt64(&c.total, 1)

	switch res.Status {
	case compressor.StatusCompressed:
		atomic.AddInt64(&c.success, 1)
		if saved := res.OriginalSize - res.NewSize; saved > 0 {
			atomic.AddInt64(&s.BytesSaved, saved)
		}
		if res.Tool != "" {
			s.IncrementTool(res.Tool)
		}
	case compressor.StatusErrored:
		atomic.AddInt64(&c.errors, 1)
		msg := ""
		if res.Err != nil {
			msg = res.Err.Error()
		}
		s.AddError(res.FileUID, res.Identifier, pool, msg)
	default:
		atomic.AddInt64(&c.skipped, 1)
	}
}

// IncrementStoragesScanned increases the count of scanned storages by 1.
func (s *Statistics) IncrementStoragesScanned() {
	atomic.AddInt64(&s.StoragesScanned, 1)
}

// IncrementCacheFlushes increases the count of cache flushes by 1.
func (s *Statistics) IncrementCacheFlushes() {
	atomic.AddInt64(&s.CacheFlushes, 1)
}

// IncrementTool increases the count for a specific tool by 1.
func (s *Statistics) IncrementTool(tool string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ToolStats[tool]++
}

// AddError records a file that failed during the run.
func (s *Statistics) AddError(uid int64, identifier string, pool Pool, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		FileUID:    uid,
		Identifier: identifier,
		Pool:       pool,
		Error:      errorMsg,
		Timestamp:  time.Now(),
	})
}

// Pool returns the current counters of pool.
func (s *Statistics) Pool(pool Pool) PoolStats {
	return s.counters(pool).snapshot()
}

// Finalize freezes the counters into a Summary.
func (s *Statistics) Finalize() *Summary {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tools := make(map[string]int64, len(s.ToolStats))
	for k, v := range s.ToolStats {
		tools[k] = v
	}

	return &Summary{
		RunID:           s.RunID,
		Original:        s.original.snapshot(),
		Processed:       s.processed.snapshot(),
		BytesSaved:      atomic.LoadInt64(&s.BytesSaved),
		StoragesScanned: atomic.LoadInt64(&s.StoragesScanned),
		CacheFlushes:    atomic.LoadInt64(&s.CacheFlushes),
		Duration:        time.Since(s.StartTime),
		Errors:          append([]StatError(nil), s.Errors...),
		ToolStats:       tools,
	}
}

// Summary is the result of a finished run.
type Summary struct {
	RunID           string           `json:"run_id"`
	Original        PoolStats        `json:"original"`
	Processed       PoolStats        `json:"processed"`
	BytesSaved      int64            `json:"bytes_saved"`
	StoragesScanned int64            `json:"storages_scanned"`
	CacheFlushes    int64            `json:"cache_flushes"`
	Duration        time.Duration    `json:"duration"`
	Errors          []StatError      `json:"errors,omitempty"`
	ToolStats       map[string]int64 `json:"tool_stats,omitempty"`
}

// Totals returns both pools combined.
func (s *Summary) Totals() PoolStats {
	return s.Original.add(s.Processed)
}

// String renders the console summary.
func (s *Summary) String() string {
	totals := s.Totals()
	if totals.Total == 0 {
		return "No files to compress."
	}

	var b strings.Builder
	b.WriteString("\nCompression Summary\n")
	b.WriteString("===================\n")
	if s.Original.Total > 0 {
		fmt.Fprintf(&b, "Original files: %d/%d compressed, %d errors\n",
			s.Original.Success, s.Original.Total, s.Original.Errors)
	}
	if s.Processed.Total > 0 {
		fmt.Fprintf(&b, "Processed files: %d/%d compressed, %d errors\n",
			s.Processed.Success, s.Processed.Total, s.Processed.Errors)
	}
	b.WriteString("-------------------\n")
	fmt.Fprintf(&b, "Total: %d/%d compressed, %d errors", totals.Success, totals.Total, totals.Errors)
	return b.String()
}

// Details renders skips, savings and timing below the summary.
func (s *Summary) Details() string {
	return fmt.Sprintf(`Skipped: %d
Saved: %s
Storages scanned: %d
Cache flushes: %d
Duration: %v`,
		s.Totals().Skipped,
		formatBytes(s.BytesSaved),
		s.StoragesScanned,
		s.CacheFlushes,
		s.Duration.Round(time.Millisecond))
}

// ErrorSummary returns a summary of the errors that occurred during the run.
func (s *Summary) ErrorSummary() string {
	if len(s.Errors) == 0 {
		return "No errors occurred during compression"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s #%d %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Pool,
			err.FileUID,
			err.Identifier,
			err.Error)
	}
	return result
}

// formatBytes returns a human-readable string for a byte count.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
