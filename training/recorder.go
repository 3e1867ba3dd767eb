package training

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Column names of the per-epoch record files
var (
	TrainingColumns   = []string{"Epoch", "Batch Time", "Data Time", "Loss", "Prec@1", "Prec@5", "LR"}
	ValidationColumns = []string{"Epoch", "Batch Time", "Loss", "Prec@1", "Prec@5", "Mean Class Acc", "Videos"}
)

// Record file names inside the record directory
const (
	TrainingRecordFile   = "training.csv"
	ValidationRecordFile = "testing.csv"
)

// Recorder appends one CSV row per epoch to a record file. The header is
// written only when the file is new or empty, so resumed runs keep
// appending to the same table.
type Recorder struct {
	mu      sync.Mutex
	path    string
	columns []string
}

// NewRecorder creates the parent directory of path
func NewRecorder(path string, columns []string) (*Recorder, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("recorder for %s has no columns", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}
	return &Recorder{path: path, columns: columns}, nil
}

// NewEpochRecorders returns the training and validation recorders for dir
func NewEpochRecorders(dir string) (*Recorder, *Recorder, error) {
	train, err := NewRecorder(filepath.Join(dir, TrainingRecordFile), TrainingColumns)
	if err != nil {
		return nil, nil, err
	}
	val, err := NewRecorder(filepath.Join(dir, ValidationRecordFile), ValidationColumns)
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

func (r *Recorder) Path() string {
	return r.path
}

// Append writes one row. The number of values must match the columns.
func (r *Recorder) Append(values ...string) (err error) {
	if len(values) != len(r.columns) {
		return fmt.Errorf("record row has %d values, %s expects %d", len(values), r.path, len(r.columns))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open record file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close record file: %w", cerr)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat record file: %w", err)
	}

	w := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := w.Write(r.columns); err != nil {
			return fmt.Errorf("failed to write record header: %w", err)
		}
	}
	if err := w.Write(values); err != nil {
		return fmt.Errorf("failed to write record row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush record file: %w", err)
	}
	return nil
}

// RecordTraining appends a training summary using TrainingColumns
func (r *Recorder) RecordTraining(s EpochSummary) error {
	return r.Append(
		strconv.Itoa(s.Epoch),
		formatRounded(s.BatchTime, 3),
		formatRounded(s.DataTime, 3),
		formatRounded(s.Loss, 5),
		formatRounded(s.Prec1, 4),
		formatRounded(s.Prec5, 4),
		strconv.FormatFloat(s.LearningRate, 'g', -1, 64),
	)
}

// RecordValidation appends a validation summary using ValidationColumns
func (r *Recorder) RecordValidation(s EpochSummary) error {
	return r.Append(
		strconv.Itoa(s.Epoch),
		formatRounded(s.BatchTime, 3),
		formatRounded(s.Loss, 5),
		formatRounded(s.Prec1, 3),
		formatRounded(s.Prec5, 3),
		formatRounded(s.MeanClassAccuracy, 3),
		strconv.Itoa(s.Videos),
	)
}

func formatRounded(v float64, places int) string {
	return strconv.FormatFloat(v, 'f', places, 64)
}
