package preprocessing

import "fmt"

// Transform is one preprocessing stage applied to a decoded clip. Apply
// must not modify its input.
type Transform interface {
	Apply(data []float32) []float32
}

// Normalize maps x to (x - Mean) / Std
type Normalize struct {
	Mean float32
	Std  float32
}

// NewNormalize creates a normalization stage; a zero Std is rejected
func NewNormalize(mean, std float32) (Normalize, error) {
	if std == 0 {
		return Normalize{}, fmt.Errorf("normalization std cannot be zero")
	}
	return Normalize{Mean: mean, Std: std}, nil
}

// Apply returns a normalized copy of data
func (n Normalize) Apply(data []float32) []float32 {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = (v - n.Mean) / n.Std
	}
	return out
}

// Pipeline applies transforms in order
type Pipeline []Transform

// Apply runs every stage. An empty pipeline returns data unchanged.
func (p Pipeline) Apply(data []float32) []float32 {
	for _, t := range p {
		data = t.Apply(data)
	}
	return data
}
