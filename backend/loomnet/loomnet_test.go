package loomnet

import (
	"math"
	"testing"

	"github.com/tsawler/go-resnet3d/checkpoints"
	"github.com/tsawler/go-resnet3d/training"
)

const testConfig = `{
	"batch_size": 1,
	"grid_rows": 1,
	"grid_cols": 1,
	"layers_per_cell": 2,
	"layers": [
		{"type": "dense", "input_size": 4, "output_size": 6, "activation": "tanh"},
		{"type": "dense", "input_size": 6, "output_size": 3, "activation": "linear"}
	]
}`

func newTestNetwork(t *testing.T) *Network {
	t.Helper()
	net, err := NewNetwork("test", testConfig, 4, 3)
	if err != nil {
		t.Fatalf("Failed to build network: %v", err)
	}
	return net
}

var testBatch = []float32{
	0.1, 0.2, 0.3, 0.4,
	-0.5, 0.5, -0.5, 0.5,
}

func TestSplitBatch(t *testing.T) {
	samples, err := splitBatch(testBatch, []int{2, 2, 2}, 4)
	if err != nil {
		t.Fatalf("splitBatch failed: %v", err)
	}
	if len(samples) != 2 || samples[1][0] != -0.5 {
		t.Errorf("Unexpected samples %v", samples)
	}

	// Samples must not alias the batch
	samples[0][0] = 9
	if testBatch[0] == 9 {
		t.Error("splitBatch aliased its input")
	}

	tests := []struct {
		name  string
		shape []int
		size  int
	}{
		{"empty shape", nil, 4},
		{"zero batch", []int{0, 4}, 4},
		{"wrong sample size", []int{2, 3}, 4},
		{"wrong total", []int{3, 4}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := splitBatch(testBatch, tt.shape, tt.size); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestNetworkForward(t *testing.T) {
	net := newTestNetwork(t)
	net.SetTraining(false)

	outputs, err := net.Forward(testBatch, []int{2, 4})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if len(outputs) != 2 || len(outputs[0]) != 3 {
		t.Fatalf("Expected 2x3 outputs, got %d rows", len(outputs))
	}

	if err := net.Backward([][]float32{{0, 0, 0}, {0, 0, 0}}); err == nil {
		t.Error("Expected error for Backward in evaluation mode")
	}
}

func TestSGDStepChangesOutputs(t *testing.T) {
	net := newTestNetwork(t)
	sgd, err := NewSGD(net, 0.1, 0.9)
	if err != nil {
		t.Fatal(err)
	}

	net.SetTraining(true)
	before, err := net.Forward(testBatch, []int{2, 4})
	if err != nil {
		t.Fatal(err)
	}

	var ce training.CrossEntropyLoss
	_, grad, err := ce.Forward(before, []int{0, 2})
	if err != nil {
		t.Fatal(err)
	}

	sgd.ZeroGrad()
	if err := sgd.Step(); err == nil {
		t.Error("Expected error stepping without gradients")
	}
	if err := net.Backward(grad); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	net.SetTraining(false)
	after, err := net.Forward(testBatch, []int{2, 4})
	if err != nil {
		t.Fatal(err)
	}

	changed := false
	for i := range before {
		for j := range before[i] {
			if math.Abs(float64(before[i][j]-after[i][j])) > 1e-7 {
				changed = true
			}
		}
	}
	if !changed {
		t.Error("Expected the step to change the network outputs")
	}
}

func TestNetworkStateDictRoundTrip(t *testing.T) {
	net := newTestNetwork(t)
	net.SetTraining(false)
	want, err := net.Forward(testBatch, []int{2, 4})
	if err != nil {
		t.Fatal(err)
	}

	state, err := net.StateDict()
	if err != nil {
		t.Fatalf("StateDict failed: %v", err)
	}
	if state.Format != StateFormat || len(state.Blob) == 0 {
		t.Fatalf("Unexpected state %q with %d bytes", state.Format, len(state.Blob))
	}

	restored := newTestNetwork(t)
	if err := restored.LoadStateDict(state); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	restored.SetTraining(false)
	got, err := restored.Forward(testBatch, []int{2, 4})
	if err != nil {
		t.Fatal(err)
	}

	for i := range want {
		for j := range want[i] {
			if math.Abs(float64(want[i][j]-got[i][j])) > 1e-5 {
				t.Errorf("Output [%d][%d]: expected %v, got %v", i, j, want[i][j], got[i][j])
			}
		}
	}

	if err := restored.LoadStateDict(checkpoints.ModelState{Format: "other"}); err == nil {
		t.Error("Expected error for foreign state format")
	}
}

func TestSGDState(t *testing.T) {
	sgd, err := NewSGD(newTestNetwork(t), 5e-3, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	sgd.SetLearningRate(5e-4)

	state, err := sgd.State()
	if err != nil {
		t.Fatal(err)
	}
	if state.Params[training.ParamLearningRate] != 5e-4 || state.Params[training.ParamMomentum] != 0.9 {
		t.Errorf("Unexpected state %+v", state)
	}

	other, _ := NewSGD(newTestNetwork(t), 1, 0)
	if err := other.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if other.LearningRate() != 5e-4 {
		t.Errorf("Expected restored lr 5e-4, got %v", other.LearningRate())
	}

	if err := other.LoadState(checkpoints.OptimizerState{Type: "Adam"}); err == nil {
		t.Error("Expected error for foreign optimizer state")
	}
	if _, err := NewSGD(nil, 1, 0); err == nil {
		t.Error("Expected error for nil network")
	}
	if _, err := NewSGD(newTestNetwork(t), 0, 0); err == nil {
		t.Error("Expected error for zero learning rate")
	}

	var _ training.Optimizer = sgd
	var _ training.Network = &Network{}
}

func TestSGDMomentumDoesNotChangeStep(t *testing.T) {
	plain := newTestNetwork(t)
	state, err := plain.StateDict()
	if err != nil {
		t.Fatal(err)
	}
	withMomentum := newTestNetwork(t)
	if err := withMomentum.LoadStateDict(state); err != nil {
		t.Fatal(err)
	}

	step := func(net *Network, momentum float64) [][]float32 {
		t.Helper()
		sgd, err := NewSGD(net, 0.1, momentum)
		if err != nil {
			t.Fatal(err)
		}
		net.SetTraining(true)
		outputs, err := net.Forward(testBatch, []int{2, 4})
		if err != nil {
			t.Fatal(err)
		}
		var ce training.CrossEntropyLoss
		_, grad, err := ce.Forward(outputs, []int{1, 2})
		if err != nil {
			t.Fatal(err)
		}
		if err := net.Backward(grad); err != nil {
			t.Fatal(err)
		}
		if err := sgd.Step(); err != nil {
			t.Fatal(err)
		}
		net.SetTraining(false)
		after, err := net.Forward(testBatch, []int{2, 4})
		if err != nil {
			t.Fatal(err)
		}
		return after
	}

	want := step(plain, 0)
	got := step(withMomentum, 0.9)
	for i := range want {
		for j := range want[i] {
			if math.Abs(float64(want[i][j]-got[i][j])) > 1e-6 {
				t.Errorf("Output [%d][%d]: momentum changed the step, %v vs %v", i, j, want[i][j], got[i][j])
			}
		}
	}
}
