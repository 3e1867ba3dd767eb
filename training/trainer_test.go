package training

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-resnet3d/checkpoints"
)

const (
	testClasses = 5
	testVideos  = 200
)

// scriptedNetwork scores each clip from its video index (the single input
// value). In evaluation mode the first correct[pass] videos are classified
// correctly and the rest are off by one class.
type scriptedNetwork struct {
	training    bool
	correct     []int
	evalPasses  int
	trainPasses int
	backward    int
	loaded      *checkpoints.ModelState
	lastBatch   int
}

func (n *scriptedNetwork) SetTraining(training bool) {
	if training {
		n.trainPasses++
	} else {
		n.evalPasses++
	}
	n.training = training
}

func (n *scriptedNetwork) Forward(inputs []float32, shape []int) ([][]float32, error) {
	if len(shape) != 2 || shape[0]*shape[1] != len(inputs) {
		return nil, fmt.Errorf("unexpected shape %v for %d inputs", shape, len(inputs))
	}
	n.lastBatch = shape[0]

	outputs := make([][]float32, shape[0])
	for i, v := range inputs {
		video := int(v)
		outputs[i] = make([]float32, testClasses)
		if n.training {
			outputs[i][video%testClasses] = 0.1
			continue
		}
		correct := 0
		if pass := n.evalPasses - 1; pass < len(n.correct) {
			correct = n.correct[pass]
		}
		predicted := video % testClasses
		if video >= correct {
			predicted = (predicted + 1) % testClasses
		}
		outputs[i][predicted] = 1
	}
	return outputs, nil
}

func (n *scriptedNetwork) Backward(grad [][]float32) error {
	if !n.training {
		return errors.New("backward in evaluation mode")
	}
	if len(grad) != n.lastBatch {
		return fmt.Errorf("gradient for %d samples, batch had %d", len(grad), n.lastBatch)
	}
	n.backward++
	return nil
}

func (n *scriptedNetwork) StateDict() (checkpoints.ModelState, error) {
	return checkpoints.ModelState{
		Format:  "scripted",
		Tensors: []checkpoints.Tensor{{Name: "steps", Shape: []int{1}, Data: []float32{float32(n.backward)}}},
	}, nil
}

func (n *scriptedNetwork) LoadStateDict(state checkpoints.ModelState) error {
	if state.Format != "scripted" {
		return fmt.Errorf("unexpected model format %q", state.Format)
	}
	n.loaded = &state
	return nil
}

type countingOptimizer struct {
	lr     float64
	steps  int
	zeroed int
}

func (o *countingOptimizer) ZeroGrad()                  { o.zeroed++ }
func (o *countingOptimizer) Step() error                { o.steps++; return nil }
func (o *countingOptimizer) LearningRate() float64      { return o.lr }
func (o *countingOptimizer) SetLearningRate(lr float64) { o.lr = lr }

func (o *countingOptimizer) State() (checkpoints.OptimizerState, error) {
	return checkpoints.OptimizerState{
		Type:   "SGD",
		Params: map[string]float64{ParamLearningRate: o.lr, "steps": float64(o.steps)},
	}, nil
}

func (o *countingOptimizer) LoadState(state checkpoints.OptimizerState) error {
	o.lr = state.Params[ParamLearningRate]
	o.steps = int(state.Params["steps"])
	return nil
}

type fixture struct {
	config     Config
	network    *scriptedNetwork
	optimizer  *countingOptimizer
	store      *checkpoints.Store
	labels     map[string]int
	components Components
	output     *bytes.Buffer
	summaries  []EpochSummary
}

func videoSamples(n int) SliceDataset {
	samples := make(SliceDataset, 0, n)
	for v := 0; v < n; v++ {
		samples = append(samples, Sample{
			Key:   fmt.Sprintf("video%03d-%d", v, 1),
			Data:  []float32{float32(v)},
			Label: v % testClasses,
		})
	}
	return samples
}

func newFixture(t *testing.T, correct ...int) *fixture {
	t.Helper()

	dir := t.TempDir()
	store, err := checkpoints.NewStore(checkpoints.StoreConfig{Directory: filepath.Join(dir, "checkpoints")})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	train, err := NewDataLoader(videoSamples(20), []int{1}, 8, true, 1)
	if err != nil {
		t.Fatal(err)
	}
	val, err := NewDataLoader(videoSamples(testVideos), []int{1}, 32, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	trainRecords, valRecords, err := NewEpochRecorders(filepath.Join(dir, "record"))
	if err != nil {
		t.Fatal(err)
	}

	labels := make(map[string]int, testVideos)
	for v := 0; v < testVideos; v++ {
		labels[fmt.Sprintf("video%03d", v)] = v%testClasses + 1
	}

	config := DefaultConfig()
	config.Epochs = len(correct)
	config.ShowProgress = false

	f := &fixture{
		config:    config,
		network:   &scriptedNetwork{correct: correct},
		optimizer: &countingOptimizer{lr: config.LearningRate},
		store:     store,
		labels:    labels,
		output:    &bytes.Buffer{},
	}
	f.components = Components{
		Network:           f.network,
		Optimizer:         f.optimizer,
		Train:             train,
		Validation:        val,
		Labels:            func() (map[string]int, error) { return f.labels, nil },
		Store:             store,
		TrainRecords:      trainRecords,
		ValidationRecords: valRecords,
		Observers:         []Observer{ObserverFunc(func(s EpochSummary) { f.summaries = append(f.summaries, s) })},
		Output:            f.output,
	}
	return f
}

func (f *fixture) trainer(t *testing.T) *Trainer {
	t.Helper()
	trainer, err := NewTrainer(f.config, f.components)
	if err != nil {
		t.Fatalf("Failed to create trainer: %v", err)
	}
	return trainer
}

func TestTrainerBestCheckpointOnlyOnImprovement(t *testing.T) {
	// 145/200 = 72.5%, then 142/200 = 71.0%
	f := newFixture(t, 145, 142)
	trainer := f.trainer(t)

	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	primary, err := f.store.Load(f.store.PrimaryPath())
	if err != nil {
		t.Fatalf("Failed to load primary checkpoint: %v", err)
	}
	if primary.Epoch != 1 {
		t.Errorf("Primary checkpoint epoch: expected 1, got %d", primary.Epoch)
	}
	if primary.BestPrec1 != 72.5 {
		t.Errorf("Primary checkpoint best_prec1: expected 72.5, got %v", primary.BestPrec1)
	}

	best, err := f.store.Load(f.store.BestPath())
	if err != nil {
		t.Fatalf("Failed to load best checkpoint: %v", err)
	}
	if best.Epoch != 0 || best.BestPrec1 != 72.5 {
		t.Errorf("Best checkpoint: expected epoch 0 with 72.5, got epoch %d with %v", best.Epoch, best.BestPrec1)
	}

	state := trainer.State()
	if state.BestPrec1 != 72.5 {
		t.Errorf("Trainer best_prec1: expected 72.5, got %v", state.BestPrec1)
	}
	if primary.Metadata.RunID != state.RunID {
		t.Errorf("Checkpoint run id %s does not match trainer run id %s", primary.Metadata.RunID, state.RunID)
	}

	if len(f.summaries) != 4 {
		t.Fatalf("Expected 4 epoch summaries, got %d", len(f.summaries))
	}
	val0, val1 := f.summaries[1], f.summaries[3]
	if val0.Phase != PhaseValidation || !val0.IsBest || val0.Videos != testVideos {
		t.Errorf("Unexpected first validation summary %+v", val0)
	}
	if val1.IsBest || math.Abs(val1.Prec1-71.0) > 1e-9 {
		t.Errorf("Unexpected second validation summary %+v", val1)
	}
	if val0.Prec5 != 100 {
		t.Errorf("Expected prec@5 of 100 with 5 classes, got %v", val0.Prec5)
	}
}

func TestTrainerTrainingPass(t *testing.T) {
	f := newFixture(t, 10)
	trainer := f.trainer(t)

	summary, err := trainer.TrainEpoch(context.Background(), 0)
	if err != nil {
		t.Fatalf("TrainEpoch failed: %v", err)
	}

	// 20 clips in batches of 8
	if f.optimizer.steps != 3 || f.optimizer.zeroed != 3 || f.network.backward != 3 {
		t.Errorf("Expected 3 optimizer steps and backward passes, got %d steps, %d zero_grad, %d backward",
			f.optimizer.steps, f.optimizer.zeroed, f.network.backward)
	}
	if summary.Phase != PhaseTraining || summary.Epoch != 0 {
		t.Errorf("Unexpected summary %+v", summary)
	}
	if summary.Prec1 != 100 {
		t.Errorf("Expected training prec@1 100, got %v", summary.Prec1)
	}
	if summary.Loss <= 0 {
		t.Errorf("Expected positive loss, got %v", summary.Loss)
	}
	if summary.LearningRate != 5e-3 {
		t.Errorf("Expected lr 5e-3, got %v", summary.LearningRate)
	}
}

func TestTrainerResumeContinuesAfterSavedEpoch(t *testing.T) {
	f := newFixture(t, 100, 100, 100, 100, 100, 100)

	saved := &checkpoints.Checkpoint{
		Epoch:     4,
		BestPrec1: 60.0,
		Model:     checkpoints.ModelState{Format: "scripted"},
		Optimizer: checkpoints.OptimizerState{Type: "SGD", Params: map[string]float64{ParamLearningRate: 5e-4}},
	}
	if err := f.store.Save(saved, false); err != nil {
		t.Fatal(err)
	}

	f.config.Resume = f.store.PrimaryPath()
	trainer := f.trainer(t)
	if err := trainer.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	state := trainer.State()
	if state.StartEpoch != 5 || state.Epoch != 5 {
		t.Errorf("Expected to start at epoch 5, got start %d epoch %d", state.StartEpoch, state.Epoch)
	}
	if state.BestPrec1 != 60.0 {
		t.Errorf("Expected best_prec1 60, got %v", state.BestPrec1)
	}
	if state.LearningRate != 5e-4 {
		t.Errorf("Expected restored lr 5e-4, got %v", state.LearningRate)
	}
	if f.network.loaded == nil {
		t.Error("Model state was not restored")
	}
	if !strings.Contains(f.output.String(), "==> loaded checkpoint") {
		t.Errorf("Expected load message, got %q", f.output.String())
	}
}

func TestTrainerRunAfterResumeTrainsRemainingEpochs(t *testing.T) {
	f := newFixture(t, 100, 100, 100, 100, 100, 100)
	saved := &checkpoints.Checkpoint{
		Epoch:     4,
		BestPrec1: 60.0,
		Model:     checkpoints.ModelState{Format: "scripted"},
		Optimizer: checkpoints.OptimizerState{Type: "SGD", Params: map[string]float64{ParamLearningRate: 5e-3}},
	}
	if err := f.store.Save(saved, true); err != nil {
		t.Fatal(err)
	}

	f.config.Resume = f.store.BestPath()
	if err := f.trainer(t).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if f.network.trainPasses != 1 {
		t.Errorf("Expected exactly one training epoch after resume, got %d", f.network.trainPasses)
	}
	if len(f.summaries) != 2 || f.summaries[0].Epoch != 5 {
		t.Fatalf("Expected epoch 5 summaries, got %+v", f.summaries)
	}

	// 100/200 = 50% does not beat the restored 60%
	primary, err := f.store.Load(f.store.PrimaryPath())
	if err != nil {
		t.Fatal(err)
	}
	if primary.Epoch != 5 || primary.BestPrec1 != 60.0 {
		t.Errorf("Expected epoch 5 checkpoint keeping best 60, got epoch %d best %v", primary.Epoch, primary.BestPrec1)
	}
	best, err := f.store.Load(f.store.BestPath())
	if err != nil {
		t.Fatal(err)
	}
	if best.Epoch != 4 {
		t.Errorf("Best checkpoint should still be epoch 4, got %d", best.Epoch)
	}
}

func TestTrainerResumeMissing(t *testing.T) {
	f := newFixture(t, 10)
	f.config.Resume = filepath.Join(t.TempDir(), "missing.pth.tar")

	trainer := f.trainer(t)
	if err := trainer.Resume(); err != nil {
		t.Fatalf("Missing checkpoint should only warn, got %v", err)
	}
	if !strings.Contains(f.output.String(), "==> no checkpoint found at") {
		t.Errorf("Expected warning, got %q", f.output.String())
	}
	state := trainer.State()
	if state.StartEpoch != 0 || !math.IsInf(state.BestPrec1, -1) {
		t.Errorf("Defaults should be kept, got %+v", state)
	}

	f.config.StrictResume = true
	err := f.trainer(t).Resume()
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError with strict resume, got %v", err)
	}
}

func TestTrainerResumeDirectory(t *testing.T) {
	f := newFixture(t, 10)
	f.config.Resume = t.TempDir()

	err := f.trainer(t).Resume()
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected ConfigurationError, got %v", err)
	}
	if cfgErr.Path != f.config.Resume {
		t.Errorf("Expected error for %s, got %s", f.config.Resume, cfgErr.Path)
	}
}

func TestTrainerResumeCorrupt(t *testing.T) {
	f := newFixture(t, 10)
	path := filepath.Join(t.TempDir(), "checkpoint.pth.tar")
	if err := os.WriteFile(path, []byte("R3DCKPT1\xff\xff"), 0644); err != nil {
		t.Fatal(err)
	}
	f.config.Resume = path

	err := f.trainer(t).Run(context.Background())
	if !errors.Is(err, checkpoints.ErrCorrupt) {
		t.Fatalf("Expected ErrCorrupt, got %v", err)
	}
	if f.network.trainPasses != 0 {
		t.Error("Training should not start after a corrupt resume")
	}
}

func TestTrainerEvaluateOnly(t *testing.T) {
	f := newFixture(t, 150)
	f.config.Evaluate = true
	f.components.Train = nil

	if err := f.trainer(t).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if f.network.trainPasses != 0 || f.optimizer.steps != 0 {
		t.Errorf("Evaluate mode must not train, got %d passes and %d steps", f.network.trainPasses, f.optimizer.steps)
	}
	if f.network.evalPasses != 1 {
		t.Errorf("Expected one validation pass, got %d", f.network.evalPasses)
	}
	if len(f.summaries) != 1 || f.summaries[0].Prec1 != 75 {
		t.Errorf("Unexpected summaries %+v", f.summaries)
	}
	if _, err := os.Stat(f.store.PrimaryPath()); !os.IsNotExist(err) {
		t.Error("Evaluate mode must not write a checkpoint")
	}
}

func TestTrainerEvaluateResumedModel(t *testing.T) {
	f := newFixture(t, 150, 150, 150, 150, 150, 150)
	f.config.Evaluate = true
	f.components.Train = nil

	saved := &checkpoints.Checkpoint{
		Epoch:     4,
		BestPrec1: 60.0,
		Model:     checkpoints.ModelState{Format: "scripted"},
		Optimizer: checkpoints.OptimizerState{Type: "SGD", Params: map[string]float64{ParamLearningRate: 5e-4}},
	}
	if err := f.store.Save(saved, false); err != nil {
		t.Fatal(err)
	}
	f.config.Resume = f.store.PrimaryPath()

	if err := f.trainer(t).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The scored weights are the ones saved after epoch 4
	if len(f.summaries) != 1 || f.summaries[0].Epoch != 4 {
		t.Fatalf("Expected one summary for epoch 4, got %+v", f.summaries)
	}
	if !strings.Contains(f.output.String(), "(epoch 4) (best_prec1 60.000)") {
		t.Errorf("Expected load message with best 60.000, got %q", f.output.String())
	}
}

func TestTrainerResumeWithoutBest(t *testing.T) {
	f := newFixture(t, 10, 10)
	saved := &checkpoints.Checkpoint{
		Epoch:     0,
		BestPrec1: math.Inf(-1),
		Model:     checkpoints.ModelState{Format: "scripted"},
		Optimizer: checkpoints.OptimizerState{Type: "SGD", Params: map[string]float64{ParamLearningRate: 1e-3}},
	}
	if err := f.store.Save(saved, false); err != nil {
		t.Fatal(err)
	}
	f.config.Resume = f.store.PrimaryPath()

	if err := f.trainer(t).Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if !strings.Contains(f.output.String(), "(best_prec1 none)") {
		t.Errorf("Expected no best metric in load message, got %q", f.output.String())
	}
}

func TestTrainerMissingVideoLabel(t *testing.T) {
	f := newFixture(t, 10)
	delete(f.labels, "video007")

	err := f.trainer(t).Run(context.Background())
	var dce *DataConsistencyError
	if !errors.As(err, &dce) {
		t.Fatalf("Expected DataConsistencyError, got %v", err)
	}
	if dce.VideoID != "video007" {
		t.Errorf("Expected error naming video007, got %q", dce.VideoID)
	}
	if _, err := os.Stat(f.store.PrimaryPath()); !os.IsNotExist(err) {
		t.Error("No checkpoint should be written for a failed epoch")
	}
}

func TestTrainerReducesLearningRateOnPlateau(t *testing.T) {
	f := newFixture(t, 100, 100, 100)
	if err := f.trainer(t).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if math.Abs(f.optimizer.lr-5e-4) > 1e-12 {
		t.Errorf("Expected lr 5e-4 after two epochs without improvement, got %g", f.optimizer.lr)
	}

	primary, err := f.store.Load(f.store.PrimaryPath())
	if err != nil {
		t.Fatal(err)
	}
	if lr := primary.Optimizer.Params[ParamLearningRate]; math.Abs(lr-5e-4) > 1e-12 {
		t.Errorf("Checkpointed lr: expected 5e-4, got %g", lr)
	}
}

func TestTrainerCancellation(t *testing.T) {
	f := newFixture(t, 10, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.trainer(t).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(f.store.PrimaryPath()); !os.IsNotExist(err) {
		t.Error("No checkpoint should be written when cancelled before the first epoch completes")
	}
}

func TestTrainerRecordsEpochs(t *testing.T) {
	f := newFixture(t, 10, 20)
	if err := f.trainer(t).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	trainRows := readCSV(t, f.components.TrainRecords.Path())
	valRows := readCSV(t, f.components.ValidationRecords.Path())
	if len(trainRows) != 3 || len(valRows) != 3 {
		t.Errorf("Expected header + 2 rows in each record file, got %d and %d", len(trainRows), len(valRows))
	}
	if valRows[2][3] != "10.000" {
		t.Errorf("Expected epoch 1 video prec@1 10.000, got %q", valRows[2][3])
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"zero lr", func(c *Config) { c.LearningRate = 0 }},
		{"NaN lr", func(c *Config) { c.LearningRate = math.NaN() }},
		{"negative momentum", func(c *Config) { c.Momentum = -0.1 }},
		{"negative start epoch", func(c *Config) { c.StartEpoch = -1 }},
		{"no top-k", func(c *Config) { c.TopK = nil }},
		{"zero top-k", func(c *Config) { c.TopK = []int{0} }},
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}

	for _, tt := range tests {
		config := DefaultConfig()
		tt.modify(&config)
		err := config.Validate()
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%s: expected ConfigurationError, got %v", tt.name, err)
		}
	}
}

func TestNewTrainerRequiresComponents(t *testing.T) {
	f := newFixture(t, 10)

	c := f.components
	c.Network = nil
	if _, err := NewTrainer(f.config, c); err == nil {
		t.Error("Expected error without a network")
	}

	c = f.components
	c.Store = nil
	if _, err := NewTrainer(f.config, c); err == nil {
		t.Error("Expected error without a checkpoint store")
	}

	config := f.config
	config.Evaluate = true
	if _, err := NewTrainer(config, c); err != nil {
		t.Errorf("Evaluate mode should not need a store: %v", err)
	}
}
