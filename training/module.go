package training

import (
	"github.com/tsawler/go-resnet3d/checkpoints"
)

// Network is the video classifier being trained. Inputs are a flattened
// batch of clips in row-major order with the given shape, e.g.
// [batch, channels, frames, height, width]; Forward returns one row of
// class scores per clip.
type Network interface {
	SetTraining(training bool) // Training or evaluation mode
	Forward(inputs []float32, shape []int) ([][]float32, error)
	Backward(grad [][]float32) error // Gradient of the loss w.r.t. the last Forward's outputs
	StateDict() (checkpoints.ModelState, error)
	LoadStateDict(state checkpoints.ModelState) error
}

// Observer receives a summary after every training and validation pass
type Observer interface {
	ObserveEpoch(summary EpochSummary)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(EpochSummary)

func (f ObserverFunc) ObserveEpoch(summary EpochSummary) {
	f(summary)
}
