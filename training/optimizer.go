package training

import (
	"github.com/tsawler/go-resnet3d/checkpoints"
)

// Optimizer updates the network parameters from the gradients of the last
// Backward call.
type Optimizer interface {
	ZeroGrad()   // Resets gradients to zero for all parameters
	Step() error // Updates model parameters based on gradients
	LearningRate() float64
	SetLearningRate(lr float64)
	State() (checkpoints.OptimizerState, error)
	LoadState(state checkpoints.OptimizerState) error
}

// Keys of OptimizerState.Params shared by the SGD implementations
const (
	ParamLearningRate = "lr"
	ParamMomentum     = "momentum"
)

// Criterion computes the batch loss and its gradient w.r.t. the outputs
type Criterion interface {
	Forward(outputs [][]float32, labels []int) (float64, [][]float32, error)
}
