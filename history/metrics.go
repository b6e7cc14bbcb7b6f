package history

import "time"

// MetricsCollector provides hooks for observing the tracker.
type MetricsCollector interface {
	// RecordDuration records how long a merge batch or a reload took
	RecordDuration(op string, d time.Duration)

	// RecordMerged records how many transactions a batch merged
	RecordMerged(count int)

	// RecordErrors records failed merge steps
	RecordErrors(op, reason string)
}

// NoOpMetricsCollector is a stub implementation that discards metrics.
type NoOpMetricsCollector struct{}

func (*NoOpMetricsCollector) RecordDuration(op string, d time.Duration) {}
func (*NoOpMetricsCollector) RecordMerged(count int)                    {}
func (*NoOpMetricsCollector) RecordErrors(op, reason string)            {}

const (
	metricMerge  = "merge"
	metricReload = "reload"
	metricFetch  = "fetch"
	metricCursor = "persist_token"
)
