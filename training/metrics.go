package training

import (
	"fmt"
)

// MetricType represents video-level classification metrics
type MetricType int

const (
	MacroPrecision MetricType = iota
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts argmax predictions per true class
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	Unscored     []int   // per true class, samples without a single finite score
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}

	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
		Unscored:   make([]int, numClasses),
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
		cm.Unscored[i] = 0
	}
	cm.TotalSamples = 0
}

// Add records one prediction
func (cm *ConfusionMatrix) Add(trueClass, predicted int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses {
		return fmt.Errorf("true class %d out of range [0, %d)", trueClass, cm.NumClasses)
	}
	if predicted < 0 || predicted >= cm.NumClasses {
		return fmt.Errorf("predicted class %d out of range [0, %d)", predicted, cm.NumClasses)
	}
	cm.Matrix[trueClass][predicted]++
	cm.TotalSamples++
	return nil
}

// AddUnscored records a sample that has no prediction, such as an output of
// all NaN. It counts against the recall of its class.
func (cm *ConfusionMatrix) AddUnscored(trueClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses {
		return fmt.Errorf("true class %d out of range [0, %d)", trueClass, cm.NumClasses)
	}
	cm.Unscored[trueClass]++
	cm.TotalSamples++
	return nil
}

// GetMetric returns the requested metric as a fraction in [0, 1]
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case MacroPrecision:
		return cm.calculateMacroPrecision()
	case MacroRecall:
		return cm.calculateMacroRecall()
	case MacroF1:
		return harmonicMean(cm.calculateMacroPrecision(), cm.calculateMacroRecall())
	case MicroPrecision, MicroRecall, MicroF1:
		// Single-label multi-class: every false positive is someone's false negative
		return cm.GetAccuracy()
	default:
		return 0.0
	}
}

func (cm *ConfusionMatrix) calculateMacroPrecision() float64 {
	sum := 0.0
	validClasses := 0

	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		fp := 0.0
		for otherClass := 0; otherClass < cm.NumClasses; otherClass++ {
			if otherClass != class {
				fp += float64(cm.Matrix[otherClass][class])
			}
		}

		if tp+fp > 0 {
			sum += tp / (tp + fp)
			validClasses++
		}
	}

	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

// calculateMacroRecall averages per-class recall over the classes that
// actually occur, which is the mean class accuracy of the video benchmark.
func (cm *ConfusionMatrix) calculateMacroRecall() float64 {
	sum := 0.0
	validClasses := 0

	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		total := float64(cm.Unscored[class])
		for predicted := 0; predicted < cm.NumClasses; predicted++ {
			total += float64(cm.Matrix[class][predicted])
		}

		if total > 0 {
			sum += tp / total
			validClasses++
		}
	}

	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

// MeanClassAccuracy is the macro recall as a percentage
func (cm *ConfusionMatrix) MeanClassAccuracy() float64 {
	return 100 * cm.calculateMacroRecall()
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}

	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}

	return float64(correct) / float64(cm.TotalSamples)
}

func harmonicMean(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0.0
	}
	return 2 * (precision * recall) / (precision + recall)
}
