package training

import (
	"errors"
	"math"
	"testing"
)

func TestCrossEntropyLoss(t *testing.T) {
	ce := NewCrossEntropyLoss()

	tests := []struct {
		name     string
		outputs  [][]float32
		labels   []int
		expected float64
	}{
		{
			name:     "uniform logits",
			outputs:  [][]float32{{0, 0, 0, 0}},
			labels:   []int{2},
			expected: math.Log(4),
		},
		{
			name:     "two samples",
			outputs:  [][]float32{{2, 0}, {0, 2}},
			labels:   []int{0, 0},
			expected: (math.Log(1+math.Exp(-2)) + math.Log(1+math.Exp(2))) / 2,
		},
		{
			name:     "large logits stay finite",
			outputs:  [][]float32{{1000, 0}},
			labels:   []int{0},
			expected: 0,
		},
	}

	for _, tt := range tests {
		loss, grad, err := ce.Forward(tt.outputs, tt.labels)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
			continue
		}
		if math.Abs(loss-tt.expected) > 1e-6 {
			t.Errorf("%s: expected loss %v, got %v", tt.name, tt.expected, loss)
		}
		if len(grad) != len(tt.outputs) {
			t.Errorf("%s: expected %d gradient rows, got %d", tt.name, len(tt.outputs), len(grad))
		}
	}
}

func TestCrossEntropyGradient(t *testing.T) {
	ce := NewCrossEntropyLoss()
	outputs := [][]float32{{0.5, -1.0, 2.0}, {0.0, 0.3, -0.2}}
	labels := []int{2, 0}

	_, grad, err := ce.Forward(outputs, labels)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Compare with central differences
	const eps = 1e-3
	for i := range outputs {
		rowSum := 0.0
		for j := range outputs[i] {
			orig := outputs[i][j]

			outputs[i][j] = orig + eps
			plus, _, _ := ce.Forward(outputs, labels)
			outputs[i][j] = orig - eps
			minus, _, _ := ce.Forward(outputs, labels)
			outputs[i][j] = orig

			numeric := (plus - minus) / (2 * eps)
			if math.Abs(numeric-float64(grad[i][j])) > 1e-3 {
				t.Errorf("grad[%d][%d]: analytic %v, numeric %v", i, j, grad[i][j], numeric)
			}
			rowSum += float64(grad[i][j])
		}
		if math.Abs(rowSum) > 1e-6 {
			t.Errorf("Gradient row %d should sum to 0, got %v", i, rowSum)
		}
	}
}

func TestCrossEntropyErrors(t *testing.T) {
	ce := NewCrossEntropyLoss()

	if _, _, err := ce.Forward(nil, nil); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("Expected ErrEmptyBatch, got %v", err)
	}
	if _, _, err := ce.Forward([][]float32{{1, 2}}, []int{0, 1}); err == nil {
		t.Error("Expected error for label count mismatch")
	}
	if _, _, err := ce.Forward([][]float32{{1, 2}}, []int{2}); err == nil {
		t.Error("Expected error for out of range label")
	}
}
