package training

import (
	"errors"
	"fmt"
)

var (
	// ErrDivideByZero is returned when an average is requested before any
	// weighted update was recorded.
	ErrDivideByZero = errors.New("average of zero samples")

	// ErrEmptyBatch is returned when accuracy is requested over no samples.
	ErrEmptyBatch = errors.New("empty batch")
)

// ConfigurationError reports an unusable setting, such as a resume path that
// points at a directory.
type ConfigurationError struct {
	Path   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Path, e.Reason)
}

// DataConsistencyError reports a video whose labels disagree or are missing.
type DataConsistencyError struct {
	VideoID string
	Reason  string
}

func (e *DataConsistencyError) Error() string {
	return fmt.Sprintf("data consistency error for video %q: %s", e.VideoID, e.Reason)
}
