package training

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	AccuracyCurves       PlotType = "accuracy_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotData is the JSON document consumed by external plotting tools
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`

	Config PlotConfig `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter", "bar"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale  string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

// CurveCollector records per-epoch summaries and turns them into loss,
// accuracy and learning-rate curves. It implements Observer.
type CurveCollector struct {
	mu        sync.Mutex
	modelName string

	training   []EpochSummary
	validation []EpochSummary
	bestEpoch  int
	bestPrec1  float64
	hasBest    bool
}

// NewCurveCollector creates an empty collector
func NewCurveCollector(modelName string) *CurveCollector {
	return &CurveCollector{modelName: modelName}
}

// ObserveEpoch records one finished pass
func (cc *CurveCollector) ObserveEpoch(s EpochSummary) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	switch s.Phase {
	case PhaseTraining:
		cc.training = append(cc.training, s)
	case PhaseValidation:
		cc.validation = append(cc.validation, s)
		if s.IsBest || !cc.hasBest {
			cc.bestEpoch = s.Epoch
			cc.bestPrec1 = s.Prec1
			cc.hasBest = true
		}
	}
}

func lineSeries(name, color string, dashed bool, points []DataPoint) SeriesData {
	style := map[string]interface{}{
		"color":      color,
		"line_width": 2,
	}
	if dashed {
		style["line_style"] = "dashed"
	}
	return SeriesData{Name: name, Type: "line", Data: points, Style: style}
}

func epochPoints(summaries []EpochSummary, value func(EpochSummary) float64) []DataPoint {
	points := make([]DataPoint, len(summaries))
	for i, s := range summaries {
		points[i] = DataPoint{X: s.Epoch, Y: value(s)}
	}
	return points
}

func curveConfig(yLabel, yScale string, height int) PlotConfig {
	return PlotConfig{
		XAxisLabel:  "Epoch",
		YAxisLabel:  yLabel,
		XAxisScale:  "linear",
		YAxisScale:  yScale,
		ShowLegend:  true,
		ShowGrid:    true,
		Width:       800,
		Height:      height,
		Interactive: true,
	}
}

// LossCurves returns training and validation loss per epoch
func (cc *CurveCollector) LossCurves() PlotData {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	loss := func(s EpochSummary) float64 { return s.Loss }
	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Loss - %s", cc.modelName),
		Timestamp: time.Now(),
		ModelName: cc.modelName,
		Series: []SeriesData{
			lineSeries("Training Loss", "#FF6B6B", false, epochPoints(cc.training, loss)),
			lineSeries("Validation Loss", "#FF9F43", true, epochPoints(cc.validation, loss)),
		},
		Config: curveConfig("Loss", "linear", 600),
	}
}

// AccuracyCurves returns clip-level training accuracy and video-level
// validation accuracy per epoch
func (cc *CurveCollector) AccuracyCurves() PlotData {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	prec1 := func(s EpochSummary) float64 { return s.Prec1 }
	prec5 := func(s EpochSummary) float64 { return s.Prec5 }

	var metrics map[string]interface{}
	if cc.hasBest {
		metrics = map[string]interface{}{
			"best_epoch": cc.bestEpoch,
			"best_prec1": cc.bestPrec1,
		}
	}

	return PlotData{
		PlotType:  AccuracyCurves,
		Title:     fmt.Sprintf("Accuracy - %s", cc.modelName),
		Timestamp: time.Now(),
		ModelName: cc.modelName,
		Series: []SeriesData{
			lineSeries("Training Prec@1", "#4ECDC4", false, epochPoints(cc.training, prec1)),
			lineSeries("Validation Prec@1", "#5F27CD", true, epochPoints(cc.validation, prec1)),
			lineSeries("Validation Prec@5", "#A29BFE", true, epochPoints(cc.validation, prec5)),
		},
		Config:  curveConfig("Accuracy (%)", "linear", 600),
		Metrics: metrics,
	}
}

// LearningRateCurve returns the learning rate used by each training epoch
func (cc *CurveCollector) LearningRateCurve() PlotData {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	lr := func(s EpochSummary) float64 { return s.LearningRate }
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", cc.modelName),
		Timestamp: time.Now(),
		ModelName: cc.modelName,
		Series: []SeriesData{
			lineSeries("Learning Rate", "#6C5CE7", false, epochPoints(cc.training, lr)),
		},
		Config: curveConfig("Learning Rate", "log", 400),
	}
}

// PlotData returns every curve the collector can produce
func (cc *CurveCollector) PlotData() []PlotData {
	return []PlotData{cc.LossCurves(), cc.AccuracyCurves(), cc.LearningRateCurve()}
}

// WriteJSON writes all curves to path as a JSON array
func (cc *CurveCollector) WriteJSON(path string) error {
	data, err := json.MarshalIndent(cc.PlotData(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write curves to %s: %w", path, err)
	}
	return nil
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}
