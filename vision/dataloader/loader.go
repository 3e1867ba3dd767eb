package dataloader

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/klauspost/cpuid/v2"

	"github.com/tsawler/go-resnet3d/training"
)

// Config holds configuration for ClipLoader
type Config struct {
	BatchSize int
	Workers   int // Parallel decoders (default: physical cores)
	Prefetch  int // Batches decoded ahead of the consumer (default: 3)
	Shuffle   bool
	Seed      int64
	Limit     int // Use only the first Limit samples when positive
}

// DefaultConfig returns the loader defaults
func DefaultConfig() Config {
	return Config{
		BatchSize: 32,
		Workers:   DefaultWorkers(),
		Prefetch:  3,
		Seed:      1,
	}
}

// DefaultWorkers returns the number of physical cores, at least 1
func DefaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return 1
}

var errNotStarted = errors.New("loader pass not started, call Reset first")

// ClipLoader decodes batches on a worker pool and delivers them in order.
// It implements training.DataSource.
type ClipLoader struct {
	source      training.Dataset // Dataset the loader was built with
	dataset     training.Dataset // source, limited
	sampleShape []int
	sampleSize  int
	config      Config
	rng         *rand.Rand
	order       []int

	mu   sync.Mutex
	pass *pass
}

type result struct {
	index int
	batch *training.Batch
	err   error
}

// pass is one running epoch of the pipeline
type pass struct {
	cancel context.CancelFunc
	out    chan result
	wg     sync.WaitGroup
}

// NewClipLoader creates a loader over ds. sampleShape is the shape of one
// clip, without the batch dimension.
func NewClipLoader(ds training.Dataset, sampleShape []int, config Config) (*ClipLoader, error) {
	if ds == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if len(sampleShape) == 0 {
		return nil, fmt.Errorf("sample shape cannot be empty")
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers()
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 3
	}

	sampleSize := 1
	for _, d := range sampleShape {
		if d <= 0 {
			return nil, fmt.Errorf("invalid sample shape %v", sampleShape)
		}
		sampleSize *= d
	}

	limited := ds
	if config.Limit > 0 {
		subset, err := training.NewSubsetDataset(ds, config.Limit)
		if err != nil {
			return nil, err
		}
		limited = subset
	}

	return &ClipLoader{
		source:      ds,
		dataset:     limited,
		sampleShape: append([]int(nil), sampleShape...),
		sampleSize:  sampleSize,
		config:      config,
		rng:         rand.New(rand.NewSource(config.Seed)),
	}, nil
}

// Len returns the number of batches per pass
func (l *ClipLoader) Len() int {
	return (l.dataset.Len() + l.config.BatchSize - 1) / l.config.BatchSize
}

// Reset stops any running pass, resamples and reshuffles, and starts
// decoding the next pass in the background.
func (l *ClipLoader) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopLocked()

	if r, ok := l.source.(Resampler); ok {
		r.Resample()
	}

	n := l.dataset.Len()
	if len(l.order) != n {
		l.order = make([]int, n)
	}
	for i := range l.order {
		l.order[i] = i
	}
	if l.config.Shuffle {
		l.rng.Shuffle(n, func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}

	l.pass = l.start(append([]int(nil), l.order...))
	return nil
}

// Next blocks until the next batch is decoded. It returns (nil, nil) at the
// end of the pass. A decoding error stops the pass.
func (l *ClipLoader) Next() (*training.Batch, error) {
	l.mu.Lock()
	p := l.pass
	l.mu.Unlock()

	if p == nil {
		return nil, errNotStarted
	}

	r, ok := <-p.out
	if !ok {
		return nil, nil
	}
	if r.err != nil {
		l.Close()
		return nil, r.err
	}
	return r.batch, nil
}

// Close stops the workers of the running pass
func (l *ClipLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
	return nil
}

func (l *ClipLoader) stopLocked() {
	if l.pass == nil {
		return
	}
	l.pass.cancel()
	l.pass.wg.Wait()
	l.pass = nil
}

// start launches a dispatcher, the decode workers and a reorder stage.
// Batches in flight or waiting are bounded by Workers + Prefetch.
func (l *ClipLoader) start(order []int) *pass {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pass{
		cancel: cancel,
		out:    make(chan result, l.config.Prefetch),
	}

	batches := (len(order) + l.config.BatchSize - 1) / l.config.BatchSize
	jobs := make(chan int)
	results := make(chan result, l.config.Workers)
	tokens := make(chan struct{}, l.config.Workers+l.config.Prefetch)

	// Dispatcher
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(jobs)
		for i := 0; i < batches; i++ {
			select {
			case tokens <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Workers
	var workers sync.WaitGroup
	for w := 0; w < l.config.Workers; w++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for i := range jobs {
				batch, err := l.loadBatch(order, i)
				select {
				case results <- result{index: i, batch: batch, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		workers.Wait()
		close(results)
	}()

	// Reorder
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.out)

		pending := make(map[int]result)
		next := 0
		for r := range results {
			pending[r.index] = r
			for {
				ready, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				select {
				case p.out <- ready:
				case <-ctx.Done():
					return
				}
				<-tokens
				if ready.err != nil {
					return
				}
				next++
			}
		}
	}()

	return p
}

func (l *ClipLoader) loadBatch(order []int, batchIndex int) (*training.Batch, error) {
	begin := batchIndex * l.config.BatchSize
	end := begin + l.config.BatchSize
	if end > len(order) {
		end = len(order)
	}

	n := end - begin
	batch := &training.Batch{
		Keys:   make([]string, 0, n),
		Inputs: make([]float32, 0, n*l.sampleSize),
		Shape:  append([]int{n}, l.sampleShape...),
		Labels: make([]int, 0, n),
	}

	for _, idx := range order[begin:end] {
		sample, err := l.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to get sample %d: %w", idx, err)
		}
		if len(sample.Data) != l.sampleSize {
			return nil, fmt.Errorf("sample %q has %d values, expected %d", sample.Key, len(sample.Data), l.sampleSize)
		}
		batch.Keys = append(batch.Keys, sample.Key)
		batch.Inputs = append(batch.Inputs, sample.Data...)
		batch.Labels = append(batch.Labels, sample.Label)
	}
	return batch, nil
}
