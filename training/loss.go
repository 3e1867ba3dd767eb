package training

import (
	"fmt"
	"math"
)

// CrossEntropyLoss is the mean softmax cross-entropy over a batch of logits.
// It implements Criterion.
type CrossEntropyLoss struct{}

// NewCrossEntropyLoss creates a new cross-entropy loss function
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward computes L = -(1/N) * sum(log softmax(x_i)[y_i]) and the gradient
// of L with respect to the logits, (softmax(x_i) - onehot(y_i)) / N.
func (ce *CrossEntropyLoss) Forward(outputs [][]float32, labels []int) (float64, [][]float32, error) {
	n := len(outputs)
	if n == 0 {
		return 0, nil, ErrEmptyBatch
	}
	if len(labels) != n {
		return 0, nil, fmt.Errorf("label count %d does not match batch size %d", len(labels), n)
	}

	loss := 0.0
	grad := make([][]float32, n)
	for i, logits := range outputs {
		label := labels[i]
		if label < 0 || label >= len(logits) {
			return 0, nil, fmt.Errorf("sample %d: label %d out of range [0, %d)", i, label, len(logits))
		}

		// Numerically stable softmax
		maxLogit := math.Inf(-1)
		for _, v := range logits {
			if float64(v) > maxLogit {
				maxLogit = float64(v)
			}
		}
		sumExp := 0.0
		for _, v := range logits {
			sumExp += math.Exp(float64(v) - maxLogit)
		}
		logSumExp := maxLogit + math.Log(sumExp)

		loss += logSumExp - float64(logits[label])

		grad[i] = make([]float32, len(logits))
		for j, v := range logits {
			p := math.Exp(float64(v) - logSumExp)
			if j == label {
				p -= 1
			}
			grad[i][j] = float32(p / float64(n))
		}
	}

	return loss / float64(n), grad, nil
}
