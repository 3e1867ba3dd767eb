package training

import (
	"fmt"
	"sort"
	"strings"
)

// ClipKeySeparator separates the video identifier from the clip suffix in a
// clip key such as "v_ApplyEyeMakeup_g01_c01-48".
const ClipKeySeparator = "-"

// VideoID returns the part of a clip key before the first separator, or the
// whole key when there is none.
func VideoID(key string) string {
	if i := strings.Index(key, ClipKeySeparator); i >= 0 {
		return key[:i]
	}
	return key
}

// ClipKey joins a video identifier and a clip suffix
func ClipKey(videoID, suffix string) string {
	return videoID + ClipKeySeparator + suffix
}

// VideoAggregator sums clip scores into one prediction per video during a
// validation pass. Start every pass with a fresh aggregator or Reset.
type VideoAggregator struct {
	predictions map[string][]float32
	labels      map[string]int
}

// NewVideoAggregator creates an empty aggregator
func NewVideoAggregator() *VideoAggregator {
	return &VideoAggregator{
		predictions: make(map[string][]float32),
		labels:      make(map[string]int),
	}
}

// Add folds one clip's scores into its video's prediction. The label is
// only checked for agreement with earlier clips of the same video.
func (a *VideoAggregator) Add(key string, scores []float32, label int) error {
	id := VideoID(key)

	existing, ok := a.predictions[id]
	if !ok {
		a.predictions[id] = append([]float32(nil), scores...)
		a.labels[id] = label
		return nil
	}

	if a.labels[id] != label {
		return &DataConsistencyError{
			VideoID: id,
			Reason:  fmt.Sprintf("clip %q has label %d, earlier clips have %d", key, label, a.labels[id]),
		}
	}
	if len(existing) != len(scores) {
		return fmt.Errorf("clip %q has %d scores, video %q has %d", key, len(scores), id, len(existing))
	}
	for i, s := range scores {
		existing[i] += s
	}
	return nil
}

// AddBatch adds every clip of a validation batch
func (a *VideoAggregator) AddBatch(keys []string, outputs [][]float32, labels []int) error {
	if len(keys) != len(outputs) || len(keys) != len(labels) {
		return fmt.Errorf("batch has %d keys, %d outputs and %d labels", len(keys), len(outputs), len(labels))
	}
	for i, key := range keys {
		if err := a.Add(key, outputs[i], labels[i]); err != nil {
			return err
		}
	}
	return nil
}

// Videos returns the aggregated video identifiers in lexicographic order
func (a *VideoAggregator) Videos() []string {
	ids := make([]string, 0, len(a.predictions))
	for id := range a.predictions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Prediction returns a copy of the summed scores for a video
func (a *VideoAggregator) Prediction(id string) ([]float32, bool) {
	p, ok := a.predictions[id]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), p...), true
}

func (a *VideoAggregator) Len() int {
	return len(a.predictions)
}

// Reset drops all aggregated videos
func (a *VideoAggregator) Reset() {
	a.predictions = make(map[string][]float32)
	a.labels = make(map[string]int)
}

// VideoScore is the video-level result of a validation pass
type VideoScore struct {
	Videos    int
	TopK      map[int]float64
	Confusion *ConfusionMatrix
}

// Top returns the accuracy for k, 0 when k was not requested
func (s *VideoScore) Top(k int) float64 {
	return s.TopK[k]
}

// MeanClassAccuracy averages per-class accuracy of the argmax predictions
func (s *VideoScore) MeanClassAccuracy() float64 {
	if s.Confusion == nil {
		return 0
	}
	return s.Confusion.MeanClassAccuracy()
}

// Score pairs every aggregated video with its label from table, in
// lexicographic order, and computes top-k accuracy over the videos.
func (a *VideoAggregator) Score(table LabelTable, ks ...int) (*VideoScore, error) {
	ids := a.Videos()
	if len(ids) == 0 {
		return nil, ErrEmptyBatch
	}

	outputs := make([][]float32, len(ids))
	labels := make([]int, len(ids))
	for i, id := range ids {
		label, err := table.Lookup(id)
		if err != nil {
			return nil, err
		}
		outputs[i] = a.predictions[id]
		labels[i] = label
	}

	acc, err := TopKAccuracy(outputs, labels, ks...)
	if err != nil {
		return nil, fmt.Errorf("failed to score videos: %w", err)
	}

	score := &VideoScore{
		Videos:    len(ids),
		TopK:      make(map[int]float64, len(ks)),
		Confusion: NewConfusionMatrix(len(outputs[0])),
	}
	for i, k := range ks {
		score.TopK[k] = acc[i]
	}
	for i := range outputs {
		predicted := argmax(outputs[i])
		if predicted < 0 {
			err = score.Confusion.AddUnscored(labels[i])
		} else {
			err = score.Confusion.Add(labels[i], predicted)
		}
		if err != nil {
			return nil, err
		}
	}
	return score, nil
}
