// Package signal provides the live inputs rules are evaluated against:
// host resource metrics, query results from external data sources, and the clock.
package signal

import (
	"context"
	"time"

	"github.com/jkaninda/tripwire/internal/domain"
)

// SystemStats is one sample of host resource utilisation, in percent.
type SystemStats struct {
	CPUPercent     float64
	StoragePercent float64
	MemoryPercent  float64
	CollectedAt    time.Time
}

// Value returns the percentage for a resource.
func (s *SystemStats) Value(r domain.MetricResource) (float64, bool) {
	switch r {
	case domain.ResourceCPU:
		return s.CPUPercent, true
	case domain.ResourceStorage:
		return s.StoragePercent, true
	case domain.ResourceMemory:
		return s.MemoryPercent, true
	default:
		return 0, false
	}
}

// MetricsProvider samples host resource utilisation.
type MetricsProvider interface {
	SystemStats(ctx context.Context) (*SystemStats, error)
}

// QueryResult is the tabular output of a stored query.
type QueryResult struct {
	Columns []string
	Rows    []map[string]any
}

// QueryExecutor runs a stored query against a named data source.
type QueryExecutor interface {
	ExecuteQuery(ctx context.Context, sourceID, query string) (*QueryResult, error)
}

// Clock abstracts wall-clock time so tick evaluation is testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
