package layers

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-flowers/memory"
)

// DropoutLayer zeroes inputs with probability rate during training and
// scales the survivors by 1/(1-rate). With channel set, whole [H, W] planes
// are dropped together. At inference it is the identity.
type DropoutLayer struct {
	name    string
	rate    float32
	channel bool
	rng     *rand.Rand
	mask    []float32 // per element, or per (sample, channel)
	shape   []int
}

// NewDropout creates a standalone dropout layer
func NewDropout(name string, rate float32, channel bool, rng *rand.Rand) *DropoutLayer {
	return &DropoutLayer{name: name, rate: rate, channel: channel, rng: rng}
}

func (d *DropoutLayer) Name() string     { return d.name }
func (d *DropoutLayer) Params() []*Param { return nil }

func (d *DropoutLayer) ClearCache() {
	d.shape = nil
}

func (d *DropoutLayer) Forward(x *memory.Tensor, training bool) (*memory.Tensor, error) {
	if !training {
		d.ClearCache()
		return x.View(x.Shape()...)
	}

	shape := x.Shape()
	if d.channel && len(shape) != 4 {
		return nil, errors.Errorf("%s: channel dropout expects 4D input, got %v", d.name, shape)
	}

	units := x.Len()
	planeSize := 1
	if d.channel {
		units = shape[0] * shape[1]
		planeSize = shape[2] * shape[3]
	}
	if cap(d.mask) < units {
		d.mask = make([]float32, units)
	}
	d.mask = d.mask[:units]

	scale := 1 / (1 - d.rate)
	for i := range d.mask {
		if d.rng.Float32() < d.rate {
			d.mask[i] = 0
		} else {
			d.mask[i] = scale
		}
	}
	d.shape = shape

	out := memory.NewTensor(shape...)
	d.apply(out.Data(), x.Data(), planeSize)
	return out, nil
}

func (d *DropoutLayer) Backward(grad *memory.Tensor) (*memory.Tensor, error) {
	if d.shape == nil {
		return nil, ErrNoActivations
	}
	if !sameShape(grad.Shape(), d.shape) {
		return nil, errors.Errorf("%s: gradient shape %v does not match %v", d.name, grad.Shape(), d.shape)
	}
	planeSize := 1
	if d.channel {
		planeSize = d.shape[2] * d.shape[3]
	}
	dx := memory.NewTensor(d.shape...)
	d.apply(dx.Data(), grad.Data(), planeSize)
	return dx, nil
}

func (d *DropoutLayer) apply(dst, src []float32, planeSize int) {
	for i, m := range d.mask {
		base := i * planeSize
		for j := base; j < base+planeSize; j++ {
			dst[j] = src[j] * m
		}
	}
}
