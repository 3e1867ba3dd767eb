package training

import (
	"fmt"
	"math/rand"
)

// Batch is one mini-batch of clips. Keys identify each clip as
// "<video>-<suffix>" so validation can aggregate clips per video.
type Batch struct {
	Keys   []string
	Inputs []float32
	Shape  []int // [batch, channels, frames, height, width]
	Labels []int
}

// Size returns the number of clips in the batch
func (b *Batch) Size() int {
	return len(b.Labels)
}

// DataSource yields the batches of one pass. Reset starts a pass; Next
// returns (nil, nil) once the pass is exhausted.
type DataSource interface {
	Len() int // Number of batches per pass
	Reset() error
	Next() (*Batch, error)
}

// LabelSource loads the persisted video label table, whose labels are
// 1-indexed.
type LabelSource func() (map[string]int, error)

// StaticLabels returns a LabelSource serving a fixed table
func StaticLabels(labels map[string]int) LabelSource {
	return func() (map[string]int, error) {
		return labels, nil
	}
}

// Sample is a single decoded clip
type Sample struct {
	Key   string
	Data  []float32
	Label int
}

// Dataset interface defines methods that in-memory datasets must implement
type Dataset interface {
	Len() int
	Get(idx int) (Sample, error)
}

// DataLoader batches an in-memory Dataset on the calling goroutine. The
// concurrent loader for clip files lives in vision/dataloader.
type DataLoader struct {
	dataset     Dataset
	sampleShape []int
	batchSize   int
	shuffle     bool
	rng         *rand.Rand
	indices     []int
	position    int
}

// NewDataLoader creates a new DataLoader. sampleShape is the shape of one
// sample, without the batch dimension.
func NewDataLoader(dataset Dataset, sampleShape []int, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if len(sampleShape) == 0 {
		return nil, fmt.Errorf("sample shape cannot be empty")
	}
	for _, d := range sampleShape {
		if d <= 0 {
			return nil, fmt.Errorf("invalid sample shape %v", sampleShape)
		}
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:     dataset,
		sampleShape: append([]int(nil), sampleShape...),
		batchSize:   batchSize,
		shuffle:     shuffle,
		rng:         rand.New(rand.NewSource(seed)),
		indices:     indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader and reshuffles when shuffling is enabled
func (dl *DataLoader) Reset() error {
	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
	return nil
}

// Next returns the next batch, or nil at the end of the pass
func (dl *DataLoader) Next() (*Batch, error) {
	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}

	sampleSize := 1
	for _, d := range dl.sampleShape {
		sampleSize *= d
	}

	n := end - dl.position
	batch := &Batch{
		Keys:   make([]string, 0, n),
		Inputs: make([]float32, 0, n*sampleSize),
		Shape:  append([]int{n}, dl.sampleShape...),
		Labels: make([]int, 0, n),
	}

	for _, idx := range dl.indices[dl.position:end] {
		sample, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to get sample %d: %w", idx, err)
		}
		if len(sample.Data) != sampleSize {
			return nil, fmt.Errorf("sample %q has %d values, expected %d", sample.Key, len(sample.Data), sampleSize)
		}
		batch.Keys = append(batch.Keys, sample.Key)
		batch.Inputs = append(batch.Inputs, sample.Data...)
		batch.Labels = append(batch.Labels, sample.Label)
	}

	dl.position = end
	return batch, nil
}

// SliceDataset is a Dataset backed by a slice
type SliceDataset []Sample

func (s SliceDataset) Len() int { return len(s) }

func (s SliceDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(s) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", idx, len(s))
	}
	return s[idx], nil
}

// SubsetDataset exposes only the first limit samples of another dataset
type SubsetDataset struct {
	originalDataset Dataset
	limit           int
}

// NewSubsetDataset creates a new SubsetDataset
func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	if limit > original.Len() {
		limit = original.Len()
	}
	return &SubsetDataset{
		originalDataset: original,
		limit:           limit,
	}, nil
}

func (sd *SubsetDataset) Len() int {
	return sd.limit
}

func (sd *SubsetDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= sd.limit {
		return Sample{}, fmt.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.originalDataset.Get(idx)
}
