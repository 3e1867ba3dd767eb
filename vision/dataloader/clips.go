package dataloader

import (
	"fmt"

	"github.com/tsawler/go-resnet3d/training"
	"github.com/tsawler/go-resnet3d/vision/dataset"
	"github.com/tsawler/go-resnet3d/vision/preprocessing"
)

// ClipIndex lists clips to decode
type ClipIndex interface {
	Len() int
	Item(index int) (dataset.Clip, error)
}

// Decoder turns a clip into a flat tensor and its shape
type Decoder interface {
	Decode(video string, start, length int) ([]float32, []int, error)
}

// Resampler is implemented by indexes whose clips change between passes
type Resampler interface {
	Resample()
}

// ClipDataset decodes clips on demand and implements training.Dataset.
// Get is safe for concurrent use while the index is not being resampled.
type ClipDataset struct {
	index      ClipIndex
	decoder    Decoder
	transforms preprocessing.Pipeline
	cache      *CacheManager
}

// NewClipDataset creates a ClipDataset. cache may be nil.
func NewClipDataset(index ClipIndex, decoder Decoder, transforms preprocessing.Pipeline, cache *CacheManager) (*ClipDataset, error) {
	if index == nil || decoder == nil {
		return nil, fmt.Errorf("clip index and decoder are required")
	}
	return &ClipDataset{
		index:      index,
		decoder:    decoder,
		transforms: transforms,
		cache:      cache,
	}, nil
}

// Len returns the number of clips
func (d *ClipDataset) Len() int {
	return d.index.Len()
}

// Get decodes and transforms one clip, serving repeats from the cache
func (d *ClipDataset) Get(idx int) (training.Sample, error) {
	clip, err := d.index.Item(idx)
	if err != nil {
		return training.Sample{}, err
	}

	if d.cache != nil {
		if data, ok := d.cache.Get(clip.Key); ok {
			return training.Sample{Key: clip.Key, Data: data, Label: clip.Label}, nil
		}
	}

	data, _, err := d.decoder.Decode(clip.Video, clip.Start, clip.Length)
	if err != nil {
		return training.Sample{}, fmt.Errorf("failed to decode clip %s: %w", clip.Key, err)
	}
	data = d.transforms.Apply(data)

	if d.cache != nil {
		if err := d.cache.Put(clip.Key, data); err != nil {
			return training.Sample{}, err
		}
	}
	return training.Sample{Key: clip.Key, Data: data, Label: clip.Label}, nil
}

// Resample forwards to the index when its clips move between passes
func (d *ClipDataset) Resample() {
	if r, ok := d.index.(Resampler); ok {
		r.Resample()
	}
}

// Stats returns the cache statistics, or zero stats without a cache
func (d *ClipDataset) Stats() CacheStats {
	if d.cache == nil {
		return CacheStats{}
	}
	return d.cache.Stats()
}
