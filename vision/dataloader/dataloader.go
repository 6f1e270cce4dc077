package dataloader

import (
	"io"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-flowers/memory"
	"github.com/tsawler/go-flowers/vision/dataset"
	"github.com/tsawler/go-flowers/vision/preprocessing"
)

// Source is random access to decoded samples
type Source interface {
	Len() int
	Load(index int) (*dataset.Item, error)
}

// Config holds configuration for a Batcher
type Config struct {
	BatchSize int
	ImageSize int // Edge length S; 0 takes it from the first sample
	Shuffle   bool
	Rand      *rand.Rand // Generator for Shuffle; time seeded when nil

	// SkipUnreadable drops samples that fail to decode instead of failing
	// the batch
	SkipUnreadable bool
	Logger         *log.Logger
}

// Batch is a stack of N samples. Images has shape (N,3,S,S) and Labels is an
// int64 tensor of shape (N). The caller owns the batch until Release.
type Batch struct {
	Images *memory.Tensor
	Labels *tensor.Dense
	Paths  []string
}

// Size returns N
func (b *Batch) Size() int {
	if b == nil {
		return 0
	}
	return len(b.Paths)
}

// LabelValues returns the labels as a slice
func (b *Batch) LabelValues() []int64 {
	return b.Labels.Data().([]int64)
}

// Release returns the image buffer to the pool
func (b *Batch) Release() {
	if b == nil {
		return
	}
	b.Images.Release()
}

// Batcher groups a Source into consecutive batches of BatchSize, the last
// one holding the remainder. It makes a single pass and decodes lazily.
type Batcher struct {
	source    Source
	batchSize int
	imageSize int
	skip      bool
	logger    *log.Logger
	indices   []int
	position  int
	skipped   int
	mu        sync.Mutex
}

// NewBatcher creates a batcher over source. With Shuffle on, the whole
// upstream order is permuted before batching.
func NewBatcher(source Source, config Config) *Batcher {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "dataloader: ", log.LstdFlags)
	}

	indices := make([]int, source.Len())
	for i := range indices {
		indices[i] = i
	}

	if config.Shuffle {
		rng := config.Rand
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	return &Batcher{
		source:    source,
		batchSize: config.BatchSize,
		imageSize: config.ImageSize,
		skip:      config.SkipUnreadable,
		logger:    config.Logger,
		indices:   indices,
	}
}

// NumBatches returns ceil(M/B). With skipping on it is an upper bound.
func (b *Batcher) NumBatches() int {
	return (len(b.indices) + b.batchSize - 1) / b.batchSize
}

// Skipped returns the number of unreadable samples dropped so far
func (b *Batcher) Skipped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.skipped
}

// Progress returns the current position through the source
func (b *Batcher) Progress() (current, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position, len(b.indices)
}

// NextBatch decodes the next batch. Unreadable samples that are skipped are
// replaced by later ones, so every batch but the last holds BatchSize
// samples. It returns io.EOF once the source is exhausted.
func (b *Batcher) NextBatch() (*Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := make([]*dataset.Item, 0, b.batchSize)
	for len(items) < b.batchSize && b.position < len(b.indices) {
		index := b.indices[b.position]
		b.position++
		item, err := b.source.Load(index)
		if err != nil {
			if !b.skip {
				return nil, errors.Wrapf(err, "failed to load sample %d", index)
			}
			b.skipped++
			b.logger.Printf("skipping unreadable sample %d: %v", index, err)
			continue
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return nil, io.EOF
	}
	return b.stack(items)
}

// stack copies the item images into one pooled (N,3,S,S) tensor
func (b *Batcher) stack(items []*dataset.Item) (*Batch, error) {
	if b.imageSize == 0 {
		b.imageSize = items[0].Image.Shape()[1]
	}
	size := b.imageSize
	pixelsPerImage := preprocessing.Channels * size * size

	images := memory.NewTensor(len(items), preprocessing.Channels, size, size)
	labels := make([]int64, len(items))
	paths := make([]string, len(items))
	data := images.Data()

	for i, item := range items {
		shape := item.Image.Shape()
		if len(shape) != 3 || shape[0] != preprocessing.Channels || shape[1] != size || shape[2] != size {
			images.Release()
			return nil, errors.Errorf("sample %s has shape %v, expected (%d,%d,%d)", item.Path, shape, preprocessing.Channels, size, size)
		}
		pixels, ok := item.Image.Data().([]float32)
		if !ok {
			images.Release()
			return nil, errors.Errorf("sample %s is %v, expected float32", item.Path, item.Image.Dtype())
		}
		copy(data[i*pixelsPerImage:(i+1)*pixelsPerImage], pixels)
		labels[i] = item.Label
		paths[i] = item.Path
	}

	return &Batch{
		Images: images,
		Labels: tensor.New(tensor.WithShape(len(items)), tensor.WithBacking(labels)),
		Paths:  paths,
	}, nil
}
