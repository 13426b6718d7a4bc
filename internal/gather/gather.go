// Package gather defines data ingestion processes that fill the bar store.
package gather

import (
	"context"
	"time"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run gathers until the configured range is stored or ctx is cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the range contains no day.
func (r DateRange) Empty() bool { return r.End.Before(r.Start) }
