package training

import (
	"fmt"
	"math"
)

// Scheduler adjusts the learning rate once per epoch, after validation.
// metric is the validation prec@1 of the epoch that just finished.
type Scheduler interface {
	// Step returns the learning rate to use from the next epoch on
	Step(epoch int, metric, lr float64) float64

	// Name returns the scheduler name for logging
	Name() string
}

// SchedulerConfig selects and parameterizes a Scheduler
type SchedulerConfig struct {
	Kind string // "plateau", "step", "cosine" or "constant"

	// ReduceLROnPlateau
	Mode          string  // "min" or "max"
	Factor        float64 // Multiplicative factor of LR decay
	Patience      int     // Epochs with no improvement before a reduction
	Threshold     float64 // Minimum change that counts as improvement
	ThresholdMode string  // "rel" or "abs"
	Cooldown      int     // Epochs to wait after a reduction
	MinLR         float64

	// StepLR
	StepSize int
	Gamma    float64

	// CosineAnnealingLR
	EtaMin float64
}

// DefaultSchedulerConfig reduces the LR tenfold whenever validation prec@1
// fails to improve for more than one epoch.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Kind:          "plateau",
		Mode:          "max",
		Factor:        0.1,
		Patience:      1,
		Threshold:     1e-4,
		ThresholdMode: "rel",
	}
}

// NewScheduler builds the scheduler described by config
func NewScheduler(config SchedulerConfig, epochs int) (Scheduler, error) {
	switch config.Kind {
	case "plateau", "":
		return NewReduceLROnPlateau(config)
	case "step":
		return NewStepLR(config.StepSize, config.Gamma), nil
	case "cosine":
		return NewCosineAnnealingLR(epochs, config.EtaMin), nil
	case "constant", "none":
		return ConstantLR{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", config.Kind)
	}
}

// ReduceLROnPlateau reduces the LR when a metric has stopped improving.
// Its state lives in memory only; a resumed run starts it afresh.
type ReduceLROnPlateau struct {
	config SchedulerConfig

	best            float64
	badEpochs       int
	cooldownCounter int
}

// NewReduceLROnPlateau creates a plateau-based scheduler
func NewReduceLROnPlateau(config SchedulerConfig) (*ReduceLROnPlateau, error) {
	if config.Mode != "min" && config.Mode != "max" {
		return nil, fmt.Errorf("plateau scheduler mode must be min or max, got %q", config.Mode)
	}
	if config.ThresholdMode == "" {
		config.ThresholdMode = "rel"
	}
	if config.ThresholdMode != "rel" && config.ThresholdMode != "abs" {
		return nil, fmt.Errorf("plateau scheduler threshold mode must be rel or abs, got %q", config.ThresholdMode)
	}
	if config.Factor <= 0 || config.Factor >= 1 {
		return nil, fmt.Errorf("plateau scheduler factor must be in (0, 1), got %g", config.Factor)
	}
	if config.Patience < 0 || config.Cooldown < 0 || config.Threshold < 0 {
		return nil, fmt.Errorf("plateau scheduler patience, cooldown and threshold must not be negative")
	}

	s := &ReduceLROnPlateau{config: config}
	s.reset()
	return s, nil
}

func (s *ReduceLROnPlateau) reset() {
	if s.config.Mode == "min" {
		s.best = math.Inf(1)
	} else {
		s.best = math.Inf(-1)
	}
	s.badEpochs = 0
	s.cooldownCounter = 0
}

func (s *ReduceLROnPlateau) isBetter(metric float64) bool {
	c := s.config
	switch {
	case c.Mode == "min" && c.ThresholdMode == "rel":
		return metric < s.best*(1-c.Threshold)
	case c.Mode == "min":
		return metric < s.best-c.Threshold
	case c.ThresholdMode == "rel":
		return metric > s.best*(1+c.Threshold)
	default:
		return metric > s.best+c.Threshold
	}
}

// Step checks if LR should be reduced based on metric
func (s *ReduceLROnPlateau) Step(epoch int, metric, lr float64) float64 {
	if s.isBetter(metric) {
		s.best = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
	}

	if s.cooldownCounter > 0 {
		s.cooldownCounter--
		s.badEpochs = 0
	}

	if s.badEpochs > s.config.Patience {
		newLR := math.Max(lr*s.config.Factor, s.config.MinLR)
		s.cooldownCounter = s.config.Cooldown
		s.badEpochs = 0
		return newLR
	}
	return lr
}

func (s *ReduceLROnPlateau) Name() string {
	return "ReduceLROnPlateau"
}

// StepLR reduces learning rate by a factor every stepSize epochs
type StepLR struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLR creates a step learning rate scheduler
func NewStepLR(stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLR{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

// Step decays lr at the end of every StepSize-th epoch (0-based)
func (s *StepLR) Step(epoch int, metric, lr float64) float64 {
	if (epoch+1)%s.StepSize == 0 {
		return lr * s.Gamma
	}
	return lr
}

func (s *StepLR) Name() string {
	return "StepLR"
}

// CosineAnnealingLR follows half a cosine from the LR of the first step
// down to EtaMin over TMax epochs.
type CosineAnnealingLR struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate

	baseLR float64
}

// NewCosineAnnealingLR creates a cosine annealing scheduler
func NewCosineAnnealingLR(tMax int, etaMin float64) *CosineAnnealingLR {
	if tMax <= 0 {
		tMax = 100 // Default: 100 epochs
	}
	if etaMin < 0 {
		etaMin = 0 // Default: anneal to 0
	}
	return &CosineAnnealingLR{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLR) Step(epoch int, metric, lr float64) float64 {
	if s.baseLR == 0 {
		s.baseLR = lr
	}
	next := epoch + 1
	if next >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (s.baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(next)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLR) Name() string {
	return "CosineAnnealingLR"
}

// ConstantLR keeps the learning rate unchanged
type ConstantLR struct{}

func (ConstantLR) Step(epoch int, metric, lr float64) float64 {
	return lr
}

func (ConstantLR) Name() string {
	return "ConstantLR"
}
