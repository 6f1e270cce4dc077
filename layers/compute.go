package layers

import (
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/tsawler/go-flowers/memory"
)

// ErrNoActivations is returned by Backward when the matching Forward did not
// run in training mode
var ErrNoActivations = errors.New("no cached activations: forward must run in training mode before backward")

// Layer is a CPU compute layer.
//
// Forward does not take ownership of x and returns a tensor owned by the
// caller. In training mode a layer caches what its backward pass needs;
// in inference mode nothing is cached. Backward returns the gradient with
// respect to the layer input, owned by the caller, and accumulates parameter
// gradients into Params.
type Layer interface {
	Name() string
	Forward(x *memory.Tensor, training bool) (*memory.Tensor, error)
	Backward(grad *memory.Tensor) (*memory.Tensor, error)
	Params() []*Param
	ClearCache()
}

// Param is a learnable tensor and its accumulated gradient
type Param struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

// NewParam allocates a zeroed parameter
func NewParam(name string, shape ...int) *Param {
	n := memory.NumElements(shape)
	s := make([]int, len(shape))
	copy(s, shape)
	return &Param{
		Name:  name,
		Shape: s,
		Value: make([]float32, n),
		Grad:  make([]float32, n),
	}
}

// Len returns the number of elements
func (p *Param) Len() int {
	return len(p.Value)
}

// ZeroGrad clears the accumulated gradient
func (p *Param) ZeroGrad() {
	clear(p.Grad)
}

// initUniform fills the parameter with U(-1/sqrt(fanIn), 1/sqrt(fanIn))
func initUniform(p *Param, fanIn int, rng *rand.Rand) {
	bound := 1 / math32.Sqrt(float32(fanIn))
	for i := range p.Value {
		p.Value[i] = (rng.Float32()*2 - 1) * bound
	}
}

// Build instantiates compute layers for a compiled model spec. Parameters
// are initialised from rng and dropout masks are drawn from it.
func Build(spec *ModelSpec, rng *rand.Rand) ([]Layer, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model not compiled")
	}
	if rng == nil {
		return nil, errors.New("nil random source")
	}

	built := make([]Layer, 0, len(spec.Layers))
	for i, ls := range spec.Layers {
		var layer Layer
		switch ls.Type {
		case Conv2D:
			layer = newConv2DLayer(ls, i == 0, rng)
		case Dense:
			layer = newDenseLayer(ls, rng)
		case ReLU:
			layer = &ReLULayer{name: ls.Name}
		case MaxPool2D:
			layer = &MaxPool2DLayer{
				name:   ls.Name,
				kernel: getIntParam(ls.Parameters, "kernel_size", 2),
				stride: getIntParam(ls.Parameters, "stride", 2),
			}
		case Dropout, Dropout2D:
			layer = &DropoutLayer{
				name:    ls.Name,
				rate:    getFloatParam(ls.Parameters, "rate", 0.5),
				channel: ls.Type == Dropout2D,
				rng:     rng,
			}
		case Flatten:
			layer = &FlattenLayer{name: ls.Name}
		default:
			return nil, errors.Errorf("layer %d (%s): unsupported type %s", i, ls.Name, ls.Type)
		}
		built = append(built, layer)
	}
	return built, nil
}

// CollectParams returns every parameter of layers in order
func CollectParams(layers []Layer) []*Param {
	var params []*Param
	for _, l := range layers {
		params = append(params, l.Params()...)
	}
	return params
}

// replaceCache releases the previous cached tensor and stores a new reference
func replaceCache(slot **memory.Tensor, t *memory.Tensor) {
	(*slot).Release()
	*slot = t
}

func sameShape(a, b []int) bool {
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
