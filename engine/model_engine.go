package engine

import (
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-flowers/checkpoints"
	"github.com/tsawler/go-flowers/layers"
	"github.com/tsawler/go-flowers/memory"
	"github.com/tsawler/go-flowers/vision/dataset"
)

const (
	// DefaultNumClasses is the flower class count
	DefaultNumClasses = 5

	// featureChannels is the channel count leaving the last conv block
	featureChannels = 128

	// spatialReduction is the total downsampling of the four pooling stages
	spatialReduction = 16

	outputLayer = "fc3"
	flatLayer   = "fc1"
)

// ModelConfig describes a classifier instance
type ModelConfig struct {
	NumClasses int
	ImageSize  int   // S; must be a positive multiple of 16
	Seed       int64 // parameter init and dropout masks; 0 seeds from the clock
}

// DefaultModelConfig returns the flower classifier configuration
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		NumClasses: DefaultNumClasses,
		ImageSize:  dataset.DefaultImageSize,
	}
}

func validateModelConfig(config ModelConfig) error {
	if config.NumClasses < 1 {
		return errors.Errorf("number of classes must be positive, got %d", config.NumClasses)
	}
	if config.ImageSize < spatialReduction || config.ImageSize%spatialReduction != 0 {
		return errors.Errorf("image size must be a positive multiple of %d, got %d", spatialReduction, config.ImageSize)
	}
	return nil
}

// FlowerModelSpec compiles the classifier architecture: four blocks of
// conv3x3, ReLU, 2x2 max pooling and channel dropout (3→16→32→64→128),
// then a 128·(S/16)² → 128 → 64 → numClasses head with ReLU and dropout
// between the dense layers.
func FlowerModelSpec(numClasses, imageSize int) (*layers.ModelSpec, error) {
	if err := validateModelConfig(ModelConfig{NumClasses: numClasses, ImageSize: imageSize}); err != nil {
		return nil, err
	}

	builder := layers.NewModelBuilder([]int{1, 3, imageSize, imageSize})
	for i, channels := range []int{16, 32, 64, featureChannels} {
		block := string(rune('1' + i))
		builder.
			AddConv2D(channels, 3, 1, 1, true, "conv"+block).
			AddReLU("relu_conv"+block).
			AddMaxPool2D(2, 2, "pool"+block).
			AddDropout2D(0.4, "dropout_conv"+block)
	}

	return builder.
		AddFlatten("flatten").
		AddDense(128, true, flatLayer).
		AddReLU("relu_fc1").
		AddDropout(0.5, "dropout_fc1").
		AddDense(64, true, "fc2").
		AddReLU("relu_fc2").
		AddDropout(0.5, "dropout_fc2").
		AddDense(numClasses, true, outputLayer).
		Compile()
}

// ClassifierModel is the CNN with its parameters and an explicit mode flag.
// It is not safe for concurrent use.
type ClassifierModel struct {
	config ModelConfig
	spec   *layers.ModelSpec
	layers []layers.Layer
	params []*layers.Param

	training bool
	// cached is true while the layers hold activations of a training forward
	cached bool
}

// NewClassifierModel builds a freshly initialised classifier. The model
// starts in training mode.
func NewClassifierModel(config ModelConfig) (*ClassifierModel, error) {
	spec, err := FlowerModelSpec(config.NumClasses, config.ImageSize)
	if err != nil {
		return nil, err
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	built, err := layers.Build(spec, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build model layers")
	}

	return &ClassifierModel{
		config:   config,
		spec:     spec,
		layers:   built,
		params:   layers.CollectParams(built),
		training: true,
	}, nil
}

// Train switches the model to training mode (dropout active, activations cached)
func (m *ClassifierModel) Train() {
	m.training = true
}

// Eval switches the model to inference mode and drops cached activations
func (m *ClassifierModel) Eval() {
	m.training = false
	m.ClearCache()
}

// IsTraining reports the current mode
func (m *ClassifierModel) IsTraining() bool {
	return m.training
}

// NumClasses returns the width of the output layer
func (m *ClassifierModel) NumClasses() int {
	return m.config.NumClasses
}

// ImageSize returns S
func (m *ClassifierModel) ImageSize() int {
	return m.config.ImageSize
}

// Spec returns the compiled architecture
func (m *ClassifierModel) Spec() *layers.ModelSpec {
	return m.spec
}

// Parameters returns the learnable parameters in layer order
func (m *ClassifierModel) Parameters() []*layers.Param {
	return m.params
}

// ZeroGrad clears every parameter gradient
func (m *ClassifierModel) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

// ClearCache releases activations held for a backward pass
func (m *ClassifierModel) ClearCache() {
	for _, l := range m.layers {
		l.ClearCache()
	}
	m.cached = false
}

// Forward maps a (N, 3, S, S) batch to (N, numClasses) logits. x is not
// consumed; the logits are owned by the caller.
func (m *ClassifierModel) Forward(x *memory.Tensor) (*memory.Tensor, error) {
	shape := x.Shape()
	s := m.config.ImageSize
	if len(shape) != 4 || shape[1] != 3 || shape[2] != s || shape[3] != s || shape[0] < 1 {
		return nil, errors.Errorf("expected input (N, 3, %d, %d), got %v", s, s, shape)
	}

	// A new forward replaces whatever the previous one cached.
	m.ClearCache()

	cur := x
	for _, l := range m.layers {
		next, err := l.Forward(cur, m.training)
		if cur != x {
			cur.Release()
		}
		if err != nil {
			m.ClearCache()
			return nil, errors.Wrapf(err, "forward %s", l.Name())
		}
		cur = next
	}

	m.cached = m.training
	return cur, nil
}

// Backward propagates dLoss/dLogits through the network, accumulating
// parameter gradients. The last Forward must have run in training mode.
// Cached activations are released afterwards.
func (m *ClassifierModel) Backward(dLogits *memory.Tensor) error {
	if !m.cached {
		return layers.ErrNoActivations
	}
	defer m.ClearCache()

	grad := dLogits
	for i := len(m.layers) - 1; i >= 0; i-- {
		next, err := m.layers[i].Backward(grad)
		if grad != dLogits {
			grad.Release()
		}
		if err != nil {
			return errors.Wrapf(err, "backward %s", m.layers[i].Name())
		}
		grad = next
	}
	// The first conv skips its input gradient; release it if one came back.
	if grad != nil && grad != dLogits {
		grad.Release()
	}
	return nil
}

// Weights returns a copy of every parameter
func (m *ClassifierModel) Weights() []checkpoints.WeightTensor {
	weights := make([]checkpoints.WeightTensor, len(m.params))
	for i, p := range m.params {
		shape := make([]int, len(p.Shape))
		copy(shape, p.Shape)
		data := make([]float32, len(p.Value))
		copy(data, p.Value)
		weights[i] = checkpoints.WeightTensor{Name: p.Name, Shape: shape, Data: data}
	}
	return weights
}

// LoadWeights replaces every parameter with the matching named tensor. The
// set of names and every shape must match the architecture exactly; on
// mismatch nothing is modified.
func (m *ClassifierModel) LoadWeights(weights []checkpoints.WeightTensor) error {
	if len(weights) != len(m.params) {
		return errors.Wrapf(checkpoints.ErrModelMismatch, "expected %d tensors, got %d", len(m.params), len(weights))
	}

	byName := make(map[string]*checkpoints.WeightTensor, len(weights))
	for i := range weights {
		byName[weights[i].Name] = &weights[i]
	}
	for _, p := range m.params {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Wrapf(checkpoints.ErrModelMismatch, "missing tensor %s", p.Name)
		}
		if !equalShape(w.Shape, p.Shape) || len(w.Data) != len(p.Value) {
			return errors.Wrapf(checkpoints.ErrModelMismatch, "tensor %s: expected shape %v, got %v", p.Name, p.Shape, w.Shape)
		}
	}

	for _, p := range m.params {
		copy(p.Value, byName[p.Name].Data)
	}
	return nil
}

// Save writes the parameters, the image size and the class names to a
// weights file at path
func (m *ClassifierModel) Save(path string, classNames []string) error {
	if len(classNames) != 0 && len(classNames) != m.config.NumClasses {
		return errors.Errorf("got %d class names for %d classes", len(classNames), m.config.NumClasses)
	}
	return checkpoints.Save(path, checkpoints.NewCheckpoint(m.Weights(), m.config.ImageSize, classNames))
}

// LoadClassifierModel reads a weights file and builds a model in eval mode
// around it. The class count and image size come from the file.
func LoadClassifierModel(path string) (*ClassifierModel, *checkpoints.Checkpoint, error) {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return nil, nil, err
	}

	config, err := configFromCheckpoint(ckpt)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s", path)
	}
	model, err := NewClassifierModel(config)
	if err != nil {
		return nil, nil, errors.Wrapf(checkpoints.ErrModelMismatch, "%s: %v", path, err)
	}
	if err := model.LoadWeights(ckpt.Weights); err != nil {
		return nil, nil, errors.Wrapf(err, "%s", path)
	}
	model.Eval()
	return model, ckpt, nil
}

// configFromCheckpoint derives the architecture parameters from the output
// layer and the first dense layer. A recorded S must agree with the width
// of the first dense layer before anything is allocated.
func configFromCheckpoint(ckpt *checkpoints.Checkpoint) (ModelConfig, error) {
	out, ok := ckpt.Weight(outputLayer + ".weight")
	if !ok || len(out.Shape) != 2 {
		return ModelConfig{}, errors.Wrapf(checkpoints.ErrModelMismatch, "no %s weight", outputLayer)
	}
	fc, ok := ckpt.Weight(flatLayer + ".weight")
	if !ok || len(fc.Shape) != 2 {
		return ModelConfig{}, errors.Wrapf(checkpoints.ErrModelMismatch, "no %s weight", flatLayer)
	}

	flat := fc.Shape[1]
	side := int(math.Round(math.Sqrt(float64(flat / featureChannels))))
	if side <= 0 || featureChannels*side*side != flat {
		return ModelConfig{}, errors.Wrapf(checkpoints.ErrModelMismatch, "%s input width %d is not %d×n×n", flatLayer, flat, featureChannels)
	}
	derived := side * spatialReduction

	size := ckpt.Metadata.ImageSize
	if size == 0 {
		size = derived
	}
	if size != derived {
		return ModelConfig{}, errors.Wrapf(checkpoints.ErrModelMismatch, "image size %d does not match %s input width %d (size %d)", size, flatLayer, flat, derived)
	}
	return ModelConfig{NumClasses: out.Shape[0], ImageSize: size, Seed: 1}, nil
}

// ResolveClassNames picks the class names for a loaded model: the names
// stored in the file, else the flower list when the model has five classes
func ResolveClassNames(ckpt *checkpoints.Checkpoint, numClasses int) ([]string, error) {
	names := ckpt.Metadata.ClassNames
	if len(names) == 0 && numClasses == len(dataset.FlowerClasses) {
		names = dataset.FlowerClasses
	}
	if len(names) != numClasses {
		return nil, errors.Wrapf(checkpoints.ErrModelMismatch, "model has %d classes but %d class names", numClasses, len(names))
	}
	out := make([]string, len(names))
	copy(out, names)
	return out, nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
