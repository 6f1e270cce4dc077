package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-flowers/vision/preprocessing"
)

// ErrEmptyDataset is returned when a dataset has no classes or no samples
var ErrEmptyDataset = errors.New("dataset is empty")

// DefaultSeed seeds the reproducible shuffle of the sample order
const DefaultSeed = 42

// DefaultImageSize is the edge length images are resized to
const DefaultImageSize = 256

// DefaultExtensions are the file extensions recognized as images (case-insensitive)
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// Config holds configuration for ImageFolderDataset
type Config struct {
	ImageSize  int      // Square edge length of produced tensors
	Extensions []string // Recognized extensions, with leading dot
	Shuffle    bool     // Plan() returns seeded permutations when set
	Seed       int64    // Seed for the shuffled plans
}

// DefaultConfig returns the configuration used for training
func DefaultConfig() Config {
	return Config{
		ImageSize:  DefaultImageSize,
		Extensions: DefaultExtensions,
		Shuffle:    false,
		Seed:       DefaultSeed,
	}
}

// Sample is one discovered image and its class index
type Sample struct {
	Path  string
	Label int
}

// Item is a decoded sample: a (3, S, S) float32 image tensor and its label
type Item struct {
	Image *tensor.Dense
	Label int64
	Path  string
}

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class
type ImageFolderDataset struct {
	root       string
	samples    []Sample
	classNames []string
	classToIdx map[string]int
	shuffle    bool
	seed       int64
	imageSize  int
	processor  *preprocessing.ImageProcessor
}

// NewImageFolderDataset scans root for class folders. Class names are sorted
// by byte order and numbered from 0; files are enumerated one level deep.
// Images are not decoded until they are loaded.
func NewImageFolderDataset(root string, config Config) (*ImageFolderDataset, error) {
	if config.ImageSize <= 0 {
		config.ImageSize = DefaultImageSize
	}
	if len(config.Extensions) == 0 {
		config.Extensions = DefaultExtensions
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list classes in %s", root)
	}

	var classDirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			classDirs = append(classDirs, entry.Name())
		}
	}
	sort.Strings(classDirs)

	dataset := &ImageFolderDataset{
		root:       root,
		classNames: classDirs,
		classToIdx: make(map[string]int, len(classDirs)),
		shuffle:    config.Shuffle,
		seed:       config.Seed,
		imageSize:  config.ImageSize,
		processor:  preprocessing.NewImageProcessor(config.ImageSize),
	}

	for classIdx, className := range classDirs {
		dataset.classToIdx[className] = classIdx

		files, err := os.ReadDir(filepath.Join(root, className))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list images of class %s", className)
		}

		// os.ReadDir returns entries sorted by filename
		for _, file := range files {
			if file.IsDir() || !hasExtension(file.Name(), config.Extensions) {
				continue
			}
			dataset.samples = append(dataset.samples, Sample{
				Path:  filepath.Join(root, className, file.Name()),
				Label: classIdx,
			})
		}
	}

	return dataset, nil
}

func hasExtension(name string, extensions []string) bool {
	ext := filepath.Ext(name)
	for _, want := range extensions {
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}

// Root returns the directory the dataset was scanned from
func (d *ImageFolderDataset) Root() string {
	return d.root
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.samples)
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ImageSize returns the edge length of the produced image tensors
func (d *ImageFolderDataset) ImageSize() int {
	return d.imageSize
}

// ClassNames returns the class names in index order
func (d *ImageFolderDataset) ClassNames() []string {
	names := make([]string, len(d.classNames))
	copy(names, d.classNames)
	return names
}

// ClassToIndex returns a copy of the class name to index mapping
func (d *ImageFolderDataset) ClassToIndex() map[string]int {
	m := make(map[string]int, len(d.classToIdx))
	for k, v := range d.classToIdx {
		m[k] = v
	}
	return m
}

// Samples returns a copy of the discovered samples in scan order
func (d *ImageFolderDataset) Samples() []Sample {
	s := make([]Sample, len(d.samples))
	copy(s, d.samples)
	return s
}

// Validate returns ErrEmptyDataset when there is nothing to train on
func (d *ImageFolderDataset) Validate() error {
	if len(d.classNames) == 0 {
		return errors.Wrapf(ErrEmptyDataset, "no class folders in %s", d.root)
	}
	if len(d.samples) == 0 {
		return errors.Wrapf(ErrEmptyDataset, "no images in %d class folders under %s", len(d.classNames), d.root)
	}
	return nil
}

// SetShuffle toggles seeded shuffling of Plan
func (d *ImageFolderDataset) SetShuffle(shuffle bool) {
	d.shuffle = shuffle
}

// Shuffle reports whether Plan shuffles
func (d *ImageFolderDataset) Shuffle() bool {
	return d.shuffle
}

// Plan returns the sample order for the given epoch. With shuffling on it is
// a permutation derived only from the seed and the epoch, so the same call
// always gives the same order; otherwise it is the scan order. The dataset
// itself is never reordered.
func (d *ImageFolderDataset) Plan(epoch int) []int {
	indices := make([]int, len(d.samples))
	for i := range indices {
		indices[i] = i
	}
	if !d.shuffle {
		return indices
	}

	rng := rand.New(rand.NewSource(d.seed + int64(epoch)))
	rng.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
	return indices
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.samples) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", index, len(d.samples))
	}
	return d.samples[index].Path, d.samples[index].Label, nil
}

// Load decodes the sample at index from disk. Nothing is cached.
func (d *ImageFolderDataset) Load(index int) (*Item, error) {
	path, label, err := d.GetItem(index)
	if err != nil {
		return nil, err
	}
	img, err := d.processor.LoadTensor(path)
	if err != nil {
		return nil, err
	}
	return &Item{Image: img, Label: int64(label), Path: path}, nil
}

// Iterate returns a lazy sequence over the samples in plan order
func (d *ImageFolderDataset) Iterate(plan []int) *Iterator {
	return &Iterator{source: d, plan: plan, pos: -1}
}

// Subset creates a view of the dataset with the specified indices.
// Class names and indices are shared with the parent.
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		root:       d.root,
		samples:    make([]Sample, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
		seed:       d.seed,
		imageSize:  d.imageSize,
		processor:  d.processor,
	}

	for i, idx := range indices {
		subset.samples[i] = d.samples[idx]
	}

	return subset
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(d.classNames))
	for _, name := range d.classNames {
		dist[name] = 0
	}
	for _, sample := range d.samples {
		dist[d.classNames[sample.Label]]++
	}
	return dist
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.samples), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}

	return sb.String()
}

// Iterator walks a plan, decoding one image per step
type Iterator struct {
	source *ImageFolderDataset
	plan   []int
	pos    int
	item   *Item
	err    error
}

// Next decodes the next sample. It returns false at the end of the plan or
// on the first error; check Err afterwards.
func (it *Iterator) Next() bool {
	if it.err != nil || it.pos+1 >= len(it.plan) {
		it.item = nil
		return false
	}
	it.pos++
	it.item, it.err = it.source.Load(it.plan[it.pos])
	return it.err == nil
}

// Item returns the sample decoded by the last call to Next
func (it *Iterator) Item() *Item {
	return it.item
}

// Err returns the error that stopped the iteration, if any
func (it *Iterator) Err() error {
	return it.err
}

// Reset restarts the iteration from the beginning of the plan
func (it *Iterator) Reset() {
	it.pos = -1
	it.item = nil
	it.err = nil
}
