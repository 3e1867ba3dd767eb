package loomnet

import (
	"fmt"

	"github.com/tsawler/go-resnet3d/checkpoints"
	"github.com/tsawler/go-resnet3d/training"
)

// SGD implements training.Optimizer for a loom Network. Momentum is kept in
// the optimizer state for checkpoints; loom applies plain gradient steps, so
// the momentum value never changes an update.
type SGD struct {
	net      *Network
	lr       float64
	momentum float64
}

// NewSGD creates an optimizer for net
func NewSGD(net *Network, lr, momentum float64) (*SGD, error) {
	if net == nil {
		return nil, fmt.Errorf("network cannot be nil")
	}
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", lr)
	}
	return &SGD{net: net, lr: lr, momentum: momentum}, nil
}

func (o *SGD) ZeroGrad() {
	o.net.clearGradients()
}

// Step applies the gradients of the last batch. The loss gradient is
// already averaged over the batch.
func (o *SGD) Step() error {
	return o.net.applyGradients(float32(o.lr))
}

func (o *SGD) LearningRate() float64 {
	return o.lr
}

func (o *SGD) SetLearningRate(lr float64) {
	o.lr = lr
}

func (o *SGD) State() (checkpoints.OptimizerState, error) {
	return checkpoints.OptimizerState{
		Type: "SGD",
		Params: map[string]float64{
			training.ParamLearningRate: o.lr,
			training.ParamMomentum:     o.momentum,
		},
	}, nil
}

func (o *SGD) LoadState(state checkpoints.OptimizerState) error {
	if state.Type != "SGD" {
		return fmt.Errorf("cannot load %q state into SGD", state.Type)
	}
	lr, ok := state.Params[training.ParamLearningRate]
	if !ok {
		return fmt.Errorf("optimizer state has no learning rate")
	}
	o.lr = lr
	if m, ok := state.Params[training.ParamMomentum]; ok {
		o.momentum = m
	}
	return nil
}
