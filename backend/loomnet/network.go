// Package loomnet runs the training loop on a CPU network built with the
// loom neural network library.
package loomnet

import (
	"fmt"
	"os"

	"github.com/openfluke/loom/nn"

	"github.com/tsawler/go-resnet3d/checkpoints"
)

// StateFormat names the model encoding stored in checkpoints
const StateFormat = "loom-json"

// Network adapts a loom network to training.Network. Samples are run one at
// a time, so the layer config must describe a batch size of 1.
type Network struct {
	net        *nn.Network
	modelID    string
	inputSize  int
	numClasses int
	training   bool

	// Samples and gradients of the last training batch
	inputs [][]float32
	grads  [][]float32
}

// LoadConfig reads a loom JSON layer config
func LoadConfig(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read model config: %w", err)
	}
	return string(data), nil
}

// NewNetwork builds and initializes a network from a loom JSON config
func NewNetwork(modelID, configJSON string, inputSize, numClasses int) (*Network, error) {
	if inputSize <= 0 || numClasses <= 0 {
		return nil, fmt.Errorf("invalid network dimensions: input %d, classes %d", inputSize, numClasses)
	}

	net, err := nn.BuildNetworkFromJSON(configJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to build network: %w", err)
	}
	net.InitializeWeights()

	return &Network{
		net:        net,
		modelID:    modelID,
		inputSize:  inputSize,
		numClasses: numClasses,
	}, nil
}

// SetTraining switches between training and evaluation mode
func (n *Network) SetTraining(training bool) {
	n.training = training
	n.inputs = nil
	n.grads = nil
}

// Forward scores a batch. shape[0] is the batch size.
func (n *Network) Forward(inputs []float32, shape []int) ([][]float32, error) {
	samples, err := splitBatch(inputs, shape, n.inputSize)
	if err != nil {
		return nil, err
	}

	outputs := make([][]float32, len(samples))
	for i, sample := range samples {
		out, _ := n.net.ForwardCPU(sample)
		if len(out) != n.numClasses {
			return nil, fmt.Errorf("network produced %d outputs, expected %d", len(out), n.numClasses)
		}
		outputs[i] = append([]float32(nil), out...)
	}

	if n.training {
		n.inputs = samples
		n.grads = nil
	}
	return outputs, nil
}

// Backward stores the loss gradient of the last batch. The weights change
// in SGD.Step.
func (n *Network) Backward(grad [][]float32) error {
	if !n.training {
		return fmt.Errorf("backward called in evaluation mode")
	}
	if len(grad) != len(n.inputs) {
		return fmt.Errorf("gradient for %d samples, last batch had %d", len(grad), len(n.inputs))
	}
	for i, g := range grad {
		if len(g) != n.numClasses {
			return fmt.Errorf("gradient %d has %d values, expected %d", i, len(g), n.numClasses)
		}
	}
	n.grads = grad
	return nil
}

// applyGradients replays each sample of the last batch and applies its
// gradient scaled by lr
func (n *Network) applyGradients(lr float32) error {
	if n.grads == nil {
		return fmt.Errorf("no gradients to apply")
	}
	for i, sample := range n.inputs {
		n.net.ForwardCPU(sample)
		n.net.BackwardCPU(n.grads[i])
		n.net.ApplyGradients(lr)
	}
	return nil
}

func (n *Network) clearGradients() {
	n.grads = nil
}

// StateDict serializes the network with loom's JSON model format
func (n *Network) StateDict() (checkpoints.ModelState, error) {
	s, err := n.net.SaveModelToString(n.modelID)
	if err != nil {
		return checkpoints.ModelState{}, fmt.Errorf("failed to serialize network: %w", err)
	}
	return checkpoints.ModelState{Format: StateFormat, Blob: []byte(s)}, nil
}

// LoadStateDict replaces the network with a serialized one
func (n *Network) LoadStateDict(state checkpoints.ModelState) error {
	if state.Format != StateFormat {
		return fmt.Errorf("unsupported model state format %q", state.Format)
	}
	net, err := nn.LoadModelFromString(string(state.Blob), n.modelID)
	if err != nil {
		return fmt.Errorf("failed to load network: %w", err)
	}
	n.net = net
	n.inputs = nil
	n.grads = nil
	return nil
}

func splitBatch(inputs []float32, shape []int, sampleSize int) ([][]float32, error) {
	if len(shape) == 0 || shape[0] <= 0 {
		return nil, fmt.Errorf("invalid batch shape %v", shape)
	}
	size := 1
	for _, d := range shape[1:] {
		size *= d
	}
	if size != sampleSize {
		return nil, fmt.Errorf("sample shape %v has %d values, network expects %d", shape[1:], size, sampleSize)
	}
	if len(inputs) != shape[0]*size {
		return nil, fmt.Errorf("batch shape %v needs %d values, got %d", shape, shape[0]*size, len(inputs))
	}

	samples := make([][]float32, shape[0])
	for i := range samples {
		samples[i] = append([]float32(nil), inputs[i*size:(i+1)*size]...)
	}
	return samples, nil
}
