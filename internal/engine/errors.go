package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrRunCanceled is returned with a partial, Truncated result when the
// run's context is canceled.
var ErrRunCanceled = errors.New("backtest run canceled")

// ConfigError is a configuration invariant violation detected before the
// session loop starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid backtest config: %s: %s", e.Field, e.Reason)
}

// DataAlignmentError reports input series that cannot be replayed on one
// session calendar.
type DataAlignmentError struct {
	Instrument string
	Timestamp  time.Time
	Reason     string
}

func (e *DataAlignmentError) Error() string {
	return fmt.Sprintf("data alignment: %s at %s: %s",
		e.Instrument, e.Timestamp.UTC().Format(time.RFC3339), e.Reason)
}
