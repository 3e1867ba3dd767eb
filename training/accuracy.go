package training

import (
	"fmt"
	"math"
)

// TopKAccuracy returns, for each k, the percentage of samples whose true
// class is among the k highest scores. Ties are broken by class index, so a
// tied class with a lower index ranks first. NaN scores rank below every
// number, and a sample whose true class scores NaN is never correct.
func TopKAccuracy(outputs [][]float32, labels []int, ks ...int) ([]float64, error) {
	n := len(outputs)
	if n == 0 {
		return nil, ErrEmptyBatch
	}
	if len(labels) != n {
		return nil, fmt.Errorf("label count %d does not match batch size %d", len(labels), n)
	}
	if len(ks) == 0 {
		return nil, fmt.Errorf("no k values requested")
	}

	classes := len(outputs[0])
	if classes == 0 {
		return nil, fmt.Errorf("outputs have no classes")
	}

	for _, k := range ks {
		if k < 1 {
			return nil, fmt.Errorf("invalid k %d: must be at least 1", k)
		}
	}

	ranks := make([]int, n)
	for i, row := range outputs {
		if len(row) != classes {
			return nil, fmt.Errorf("sample %d has %d classes, expected %d", i, len(row), classes)
		}
		label := labels[i]
		if label < 0 || label >= classes {
			return nil, fmt.Errorf("sample %d: label %d out of range [0, %d)", i, label, classes)
		}
		ranks[i] = rankOf(row, label)
	}

	result := make([]float64, len(ks))
	for j, k := range ks {
		if k > classes {
			k = classes
		}
		correct := 0
		for _, r := range ranks {
			if r < k {
				correct++
			}
		}
		result[j] = 100 * float64(correct) / float64(n)
	}
	return result, nil
}

// rankOf is the position of class c in a stable descending sort of scores,
// or len(scores) when the score of c is NaN
func rankOf(scores []float32, c int) int {
	target := scores[c]
	if isNaN(target) {
		return len(scores)
	}
	rank := 0
	for i, s := range scores {
		if s > target || (s == target && i < c) {
			rank++
		}
	}
	return rank
}

// argmax returns the index of the highest non-NaN score, lowest index on
// ties, or -1 when every score is NaN
func argmax(scores []float32) int {
	best := -1
	for i, s := range scores {
		if isNaN(s) {
			continue
		}
		if best < 0 || s > scores[best] {
			best = i
		}
	}
	return best
}

func isNaN(f float32) bool {
	return math.IsNaN(float64(f))
}
