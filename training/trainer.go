package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tsawler/go-resnet3d/checkpoints"
)

// Config holds configuration for a training run
type Config struct {
	Epochs       int     // Total epochs; the run covers [StartEpoch, Epochs)
	BatchSize    int     // Clips per batch, used by the loaders
	LearningRate float64 // Initial learning rate
	Momentum     float64 // SGD momentum
	Resume       string  // Checkpoint to resume from, empty to start fresh
	StartEpoch   int     // First epoch when not resuming
	Evaluate     bool    // Run one validation pass and exit
	StrictResume bool    // Fail instead of warning when Resume does not exist

	TopK      []int // Accuracies reported per pass; the first two are Prec@1 and Prec@5
	Scheduler SchedulerConfig

	RecordDir    string // Directory of training.csv and testing.csv
	PrintEvery   int    // Print batch stats every N batches when the progress bar is off (0 = never)
	ShowProgress bool
}

// DefaultConfig returns the settings of the motion-stream training script
func DefaultConfig() Config {
	return Config{
		Epochs:       500,
		BatchSize:    32,
		LearningRate: 5e-3,
		Momentum:     0.9,
		TopK:         []int{1, 5},
		Scheduler:    DefaultSchedulerConfig(),
		RecordDir:    "record",
		ShowProgress: true,
	}
}

// Validate checks the configuration for unusable values
func (c Config) Validate() error {
	switch {
	case c.Epochs <= 0:
		return &ConfigurationError{Reason: fmt.Sprintf("epochs must be positive, got %d", c.Epochs)}
	case c.BatchSize <= 0:
		return &ConfigurationError{Reason: fmt.Sprintf("batch size must be positive, got %d", c.BatchSize)}
	case c.LearningRate <= 0 || math.IsNaN(c.LearningRate) || math.IsInf(c.LearningRate, 0):
		return &ConfigurationError{Reason: fmt.Sprintf("learning rate must be positive, got %g", c.LearningRate)}
	case c.Momentum < 0:
		return &ConfigurationError{Reason: fmt.Sprintf("momentum must not be negative, got %g", c.Momentum)}
	case c.StartEpoch < 0:
		return &ConfigurationError{Reason: fmt.Sprintf("start epoch must not be negative, got %d", c.StartEpoch)}
	case len(c.TopK) == 0:
		return &ConfigurationError{Reason: "at least one top-k accuracy is required"}
	}
	for _, k := range c.TopK {
		if k < 1 {
			return &ConfigurationError{Reason: fmt.Sprintf("top-k values must be at least 1, got %d", k)}
		}
	}
	return nil
}

// Components are the collaborators a Trainer drives
type Components struct {
	Network    Network
	Optimizer  Optimizer
	Criterion  Criterion // CrossEntropyLoss when nil
	Train      DataSource
	Validation DataSource
	Labels     LabelSource
	Store      *checkpoints.Store

	TrainRecords      *Recorder // Optional
	ValidationRecords *Recorder // Optional
	Observers         []Observer

	Output io.Writer // Progress and log lines, os.Stdout when nil
}

// Phase names a pass over the data
type Phase string

const (
	PhaseTraining   Phase = "training"
	PhaseValidation Phase = "validation"
)

// EpochSummary is the result of one training or validation pass. Training
// accuracies are clip-level; validation accuracies are video-level.
type EpochSummary struct {
	RunID             uuid.UUID `json:"run_id"`
	Phase             Phase     `json:"phase"`
	Epoch             int       `json:"epoch"`
	BatchTime         float64   `json:"batch_time"`
	DataTime          float64   `json:"data_time,omitempty"`
	Loss              float64   `json:"loss"`
	Prec1             float64   `json:"prec1"`
	Prec5             float64   `json:"prec5"`
	MeanClassAccuracy float64   `json:"mean_class_accuracy,omitempty"`
	LearningRate      float64   `json:"lr"`
	Videos            int       `json:"videos,omitempty"`
	IsBest            bool      `json:"is_best,omitempty"`
}

// TrainingState is the resumable state of a run
type TrainingState struct {
	Epoch        int
	StartEpoch   int
	BestPrec1    float64 // -Inf before the first validation
	LearningRate float64
	RunID        uuid.UUID
}

// Trainer runs the epoch loop: train, validate, adjust the learning rate
// and checkpoint, once per epoch.
type Trainer struct {
	config    Config
	c         Components
	scheduler Scheduler
	out       io.Writer

	runID      uuid.UUID
	startEpoch int
	epoch      int
	modelEpoch int // Epoch the current weights were saved at
	bestPrec1  float64
}

// NewTrainer creates a Trainer
func NewTrainer(config Config, c Components) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch {
	case c.Network == nil:
		return nil, fmt.Errorf("trainer requires a network")
	case c.Optimizer == nil:
		return nil, fmt.Errorf("trainer requires an optimizer")
	case c.Validation == nil:
		return nil, fmt.Errorf("trainer requires a validation data source")
	case c.Labels == nil:
		return nil, fmt.Errorf("trainer requires a label source")
	case !config.Evaluate && c.Train == nil:
		return nil, fmt.Errorf("trainer requires a training data source")
	case !config.Evaluate && c.Store == nil:
		return nil, fmt.Errorf("trainer requires a checkpoint store")
	}

	if c.Criterion == nil {
		c.Criterion = NewCrossEntropyLoss()
	}
	out := c.Output
	if out == nil {
		out = os.Stdout
	}

	scheduler, err := NewScheduler(config.Scheduler, config.Epochs)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Trainer{
		config:     config,
		c:          c,
		scheduler:  scheduler,
		out:        out,
		runID:      uuid.New(),
		startEpoch: config.StartEpoch,
		epoch:      config.StartEpoch,
		modelEpoch: config.StartEpoch,
		bestPrec1:  math.Inf(-1),
	}, nil
}

// State returns a snapshot of the run state
func (t *Trainer) State() TrainingState {
	return TrainingState{
		Epoch:        t.epoch,
		StartEpoch:   t.startEpoch,
		BestPrec1:    t.bestPrec1,
		LearningRate: t.c.Optimizer.LearningRate(),
		RunID:        t.runID,
	}
}

// Resume restores the run from config.Resume. A missing checkpoint only
// warns unless StrictResume is set; a corrupt one is an error.
func (t *Trainer) Resume() error {
	path := t.config.Resume
	if path == "" {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if t.config.StrictResume {
				return &ConfigurationError{Path: path, Reason: "no checkpoint found"}
			}
			fmt.Fprintf(t.out, "==> no checkpoint found at '%s'\n", path)
			return nil
		}
		return fmt.Errorf("failed to stat resume checkpoint: %w", err)
	}
	if info.IsDir() {
		return &ConfigurationError{Path: path, Reason: "resume path is a directory"}
	}

	fmt.Fprintf(t.out, "==> loading checkpoint '%s'\n", path)
	ckpt, err := checkpoints.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := t.c.Network.LoadStateDict(ckpt.Model); err != nil {
		return fmt.Errorf("failed to restore model state: %w", err)
	}
	if err := t.c.Optimizer.LoadState(ckpt.Optimizer); err != nil {
		return fmt.Errorf("failed to restore optimizer state: %w", err)
	}

	t.bestPrec1 = ckpt.BestPrec1
	t.startEpoch = ckpt.Epoch + 1
	t.epoch = t.startEpoch
	t.modelEpoch = ckpt.Epoch
	if ckpt.Metadata.RunID != uuid.Nil {
		t.runID = ckpt.Metadata.RunID
	}

	best := "none"
	if ckpt.HasBest() {
		best = fmt.Sprintf("%.3f", ckpt.BestPrec1)
	}
	fmt.Fprintf(t.out, "==> loaded checkpoint '%s' (epoch %d) (best_prec1 %s)\n", path, ckpt.Epoch, best)
	return nil
}

// Run resumes if configured, then either evaluates once or trains the
// remaining epochs. Cancelling ctx stops the run between batches; the last
// checkpoint is the one of the last completed epoch.
func (t *Trainer) Run(ctx context.Context) error {
	if err := t.Resume(); err != nil {
		return err
	}

	if t.config.Evaluate {
		fmt.Fprintf(t.out, "==> Epoch:[%d/%d][validation stage]\n", t.modelEpoch, t.config.Epochs)
		_, err := t.ValidateEpoch(ctx, t.modelEpoch)
		return err
	}

	if t.startEpoch >= t.config.Epochs {
		fmt.Fprintf(t.out, "==> nothing to do: start epoch %d, total epochs %d\n", t.startEpoch, t.config.Epochs)
		return nil
	}

	for epoch := t.startEpoch; epoch < t.config.Epochs; epoch++ {
		t.epoch = epoch

		fmt.Fprintf(t.out, "==> Epoch:[%d/%d][training stage]\n", epoch, t.config.Epochs)
		if _, err := t.TrainEpoch(ctx, epoch); err != nil {
			return err
		}

		fmt.Fprintf(t.out, "==> Epoch:[%d/%d][validation stage]\n", epoch, t.config.Epochs)
		summary, err := t.ValidateEpoch(ctx, epoch)
		if err != nil {
			return err
		}

		lr := t.c.Optimizer.LearningRate()
		if next := t.scheduler.Step(epoch, summary.Prec1, lr); next != lr {
			fmt.Fprintf(t.out, "==> %s: reducing learning rate from %g to %g\n", t.scheduler.Name(), lr, next)
			t.c.Optimizer.SetLearningRate(next)
		}

		if summary.IsBest {
			t.bestPrec1 = summary.Prec1
		}
		if err := t.saveCheckpoint(epoch, summary.IsBest); err != nil {
			return err
		}
	}

	return nil
}

func (t *Trainer) saveCheckpoint(epoch int, isBest bool) error {
	model, err := t.c.Network.StateDict()
	if err != nil {
		return fmt.Errorf("failed to snapshot model state: %w", err)
	}
	opt, err := t.c.Optimizer.State()
	if err != nil {
		return fmt.Errorf("failed to snapshot optimizer state: %w", err)
	}

	ckpt := &checkpoints.Checkpoint{
		Epoch:     epoch,
		BestPrec1: t.bestPrec1,
		Model:     model,
		Optimizer: opt,
		Metadata: checkpoints.Metadata{
			RunID:       t.runID,
			Description: fmt.Sprintf("epoch %d of %d", epoch, t.config.Epochs),
		},
	}
	if err := t.c.Store.Save(ckpt, isBest); err != nil {
		return fmt.Errorf("epoch %d: %w", epoch, err)
	}
	if isBest {
		fmt.Fprintf(t.out, "==> new best prec@1 %.3f, saved %s\n", t.bestPrec1, t.c.Store.BestPath())
	}
	return nil
}

// TrainEpoch runs one training pass
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int) (EpochSummary, error) {
	batchTime := NewAverageMeter("Batch Time")
	dataTime := NewAverageMeter("Data Time")
	losses := NewAverageMeter("Loss")
	top1 := NewAverageMeter("Prec@1")
	top5 := NewAverageMeter("Prec@5")

	t.c.Network.SetTraining(true)
	if err := t.c.Train.Reset(); err != nil {
		return EpochSummary{}, fmt.Errorf("failed to start training pass: %w", err)
	}

	var bar *ProgressBar
	if t.config.ShowProgress {
		bar = NewProgressBarTo(t.out, fmt.Sprintf("Epoch %d/%d (Training)", epoch, t.config.Epochs), t.c.Train.Len())
	}

	end := time.Now()
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return EpochSummary{}, err
		}

		batch, err := t.c.Train.Next()
		if err != nil {
			return EpochSummary{}, fmt.Errorf("failed to load training batch %d: %w", i, err)
		}
		if batch == nil {
			break
		}
		dataTime.Update(time.Since(end).Seconds(), 1)

		outputs, err := t.c.Network.Forward(batch.Inputs, batch.Shape)
		if err != nil {
			return EpochSummary{}, fmt.Errorf("forward pass failed on batch %d: %w", i, err)
		}
		loss, grad, err := t.c.Criterion.Forward(outputs, batch.Labels)
		if err != nil {
			return EpochSummary{}, fmt.Errorf("loss computation failed on batch %d: %w", i, err)
		}

		prec1, prec5, err := t.accuracy(outputs, batch.Labels)
		if err != nil {
			return EpochSummary{}, fmt.Errorf("accuracy computation failed on batch %d: %w", i, err)
		}
		n := batch.Size()
		losses.Update(loss, n)
		top1.Update(prec1, n)
		top5.Update(prec5, n)

		t.c.Optimizer.ZeroGrad()
		if err := t.c.Network.Backward(grad); err != nil {
			return EpochSummary{}, fmt.Errorf("backward pass failed on batch %d: %w", i, err)
		}
		if err := t.c.Optimizer.Step(); err != nil {
			return EpochSummary{}, fmt.Errorf("optimizer step failed on batch %d: %w", i, err)
		}

		batchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		t.reportBatch(bar, epoch, i, t.c.Train.Len(), losses, top1)
	}
	if bar != nil {
		bar.Finish()
	}

	summary := EpochSummary{
		RunID:        t.runID,
		Phase:        PhaseTraining,
		Epoch:        epoch,
		BatchTime:    averageOrZero(batchTime),
		DataTime:     averageOrZero(dataTime),
		Loss:         averageOrZero(losses),
		Prec1:        averageOrZero(top1),
		Prec5:        averageOrZero(top5),
		LearningRate: t.c.Optimizer.LearningRate(),
	}

	fmt.Fprintf(t.out, "Epoch %d training: loss %.5f, prec@1 %.4f, prec@5 %.4f, lr %g\n",
		epoch, summary.Loss, summary.Prec1, summary.Prec5, summary.LearningRate)

	if t.c.TrainRecords != nil {
		if err := t.c.TrainRecords.RecordTraining(summary); err != nil {
			return summary, err
		}
	}
	t.notify(summary)
	return summary, nil
}

// ValidateEpoch runs one validation pass and scores it per video. Clip
// scores are summed per video and compared with the persisted label table.
func (t *Trainer) ValidateEpoch(ctx context.Context, epoch int) (EpochSummary, error) {
	batchTime := NewAverageMeter("Batch Time")
	losses := NewAverageMeter("Loss")
	videos := NewVideoAggregator()

	t.c.Network.SetTraining(false)
	if err := t.c.Validation.Reset(); err != nil {
		return EpochSummary{}, fmt.Errorf("failed to start validation pass: %w", err)
	}

	var bar *ProgressBar
	if t.config.ShowProgress {
		bar = NewProgressBarTo(t.out, fmt.Sprintf("Epoch %d/%d (Validation)", epoch, t.config.Epochs), t.c.Validation.Len())
	}

	end := time.Now()
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return EpochSummary{}, err
		}

		batch, err := t.c.Validation.Next()
		if err != nil {
			return EpochSummary{}, fmt.Errorf("failed to load validation batch %d: %w", i, err)
		}
		if batch == nil {
			break
		}

		outputs, err := t.c.Network.Forward(batch.Inputs, batch.Shape)
		if err != nil {
			return EpochSummary{}, fmt.Errorf("forward pass failed on validation batch %d: %w", i, err)
		}
		loss, _, err := t.c.Criterion.Forward(outputs, batch.Labels)
		if err != nil {
			return EpochSummary{}, fmt.Errorf("loss computation failed on validation batch %d: %w", i, err)
		}
		losses.Update(loss, batch.Size())

		batchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		if err := videos.AddBatch(batch.Keys, outputs, batch.Labels); err != nil {
			return EpochSummary{}, err
		}

		if bar != nil {
			bar.Update(i+1, map[string]float64{"loss": averageOrZero(losses)})
		}
	}
	if bar != nil {
		bar.Finish()
	}

	raw, err := t.c.Labels()
	if err != nil {
		return EpochSummary{}, fmt.Errorf("failed to load video labels: %w", err)
	}
	table, err := NewLabelTable(raw)
	if err != nil {
		return EpochSummary{}, fmt.Errorf("invalid video label table: %w", err)
	}
	score, err := videos.Score(table, t.config.TopK...)
	if err != nil {
		return EpochSummary{}, err
	}

	summary := EpochSummary{
		RunID:             t.runID,
		Phase:             PhaseValidation,
		Epoch:             epoch,
		BatchTime:         averageOrZero(batchTime),
		Loss:              averageOrZero(losses),
		Prec1:             score.Top(t.config.TopK[0]),
		MeanClassAccuracy: score.MeanClassAccuracy(),
		LearningRate:      t.c.Optimizer.LearningRate(),
		Videos:            score.Videos,
	}
	if len(t.config.TopK) > 1 {
		summary.Prec5 = score.Top(t.config.TopK[1])
	}
	summary.IsBest = summary.Prec1 > t.bestPrec1

	fmt.Fprintf(t.out, "Epoch %d validation: loss %.5f, video prec@1 %.3f, prec@5 %.3f, mean class acc %.3f over %d videos\n",
		epoch, summary.Loss, summary.Prec1, summary.Prec5, summary.MeanClassAccuracy, summary.Videos)

	if t.c.ValidationRecords != nil {
		if err := t.c.ValidationRecords.RecordValidation(summary); err != nil {
			return summary, err
		}
	}
	t.notify(summary)
	return summary, nil
}

// accuracy returns the first two configured top-k accuracies
func (t *Trainer) accuracy(outputs [][]float32, labels []int) (float64, float64, error) {
	acc, err := TopKAccuracy(outputs, labels, t.config.TopK...)
	if err != nil {
		return 0, 0, err
	}
	if len(acc) > 1 {
		return acc[0], acc[1], nil
	}
	return acc[0], 0, nil
}

func (t *Trainer) reportBatch(bar *ProgressBar, epoch, i, total int, losses, top1 *AverageMeter) {
	if bar != nil {
		bar.Update(i+1, map[string]float64{
			"loss":   averageOrZero(losses),
			"prec@1": averageOrZero(top1),
		})
		return
	}
	if t.config.PrintEvery > 0 && (i+1)%t.config.PrintEvery == 0 {
		fmt.Fprintf(t.out, "Epoch: [%d][%d/%d]\tLoss %.4f (%.4f)\tPrec@1 %.3f (%.3f)\n",
			epoch, i+1, total, losses.Val(), averageOrZero(losses), top1.Val(), averageOrZero(top1))
	}
}

func (t *Trainer) notify(summary EpochSummary) {
	for _, o := range t.c.Observers {
		o.ObserveEpoch(summary)
	}
}
