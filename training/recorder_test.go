package training

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse %s: %v", path, err)
	}
	return rows
}

func TestRecorderWritesHeaderOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "record")
	train, val, err := NewEpochRecorders(dir)
	if err != nil {
		t.Fatalf("Failed to create recorders: %v", err)
	}

	for epoch := 0; epoch < 2; epoch++ {
		if err := train.RecordTraining(EpochSummary{
			Epoch: epoch, BatchTime: 0.12345, DataTime: 0.01, Loss: 4.615121, Prec1: 1.56251, Prec5: 6.25, LearningRate: 5e-3,
		}); err != nil {
			t.Fatalf("RecordTraining failed: %v", err)
		}
	}

	// A second recorder on the same file, as after a resume, must not repeat the header
	resumed, err := NewRecorder(train.Path(), TrainingColumns)
	if err != nil {
		t.Fatal(err)
	}
	if err := resumed.RecordTraining(EpochSummary{Epoch: 2}); err != nil {
		t.Fatalf("RecordTraining failed: %v", err)
	}

	rows := readCSV(t, filepath.Join(dir, TrainingRecordFile))
	if len(rows) != 4 {
		t.Fatalf("Expected header + 3 rows, got %d rows", len(rows))
	}
	for i, col := range TrainingColumns {
		if rows[0][i] != col {
			t.Errorf("Header column %d: expected %q, got %q", i, col, rows[0][i])
		}
	}
	expected := []string{"0", "0.123", "0.010", "4.61512", "1.5625", "6.2500", "0.005"}
	for i, v := range expected {
		if rows[1][i] != v {
			t.Errorf("Row 1 column %s: expected %q, got %q", TrainingColumns[i], v, rows[1][i])
		}
	}
	if rows[3][0] != "2" {
		t.Errorf("Expected last row for epoch 2, got %v", rows[3])
	}

	if err := val.RecordValidation(EpochSummary{
		Epoch: 0, BatchTime: 0.5, Loss: 3.2, Prec1: 72.5, Prec5: 91.25, MeanClassAccuracy: 70.1234, Videos: 3783,
	}); err != nil {
		t.Fatalf("RecordValidation failed: %v", err)
	}
	rows = readCSV(t, filepath.Join(dir, ValidationRecordFile))
	if len(rows) != 2 {
		t.Fatalf("Expected header + 1 row, got %d rows", len(rows))
	}
	if rows[1][3] != "72.500" || rows[1][5] != "70.123" || rows[1][6] != "3783" {
		t.Errorf("Unexpected validation row %v", rows[1])
	}
}

func TestRecorderRejectsWrongWidth(t *testing.T) {
	r, err := NewRecorder(filepath.Join(t.TempDir(), "x.csv"), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Append("1"); err == nil {
		t.Error("Expected error for short row")
	}
	if _, err := NewRecorder(filepath.Join(t.TempDir(), "y.csv"), nil); err == nil {
		t.Error("Expected error for recorder without columns")
	}
}
