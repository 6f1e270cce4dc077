package layers

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-flowers/memory"
)

// ReLULayer computes max(0, x)
type ReLULayer struct {
	name   string
	output *memory.Tensor
}

func (r *ReLULayer) Name() string     { return r.name }
func (r *ReLULayer) Params() []*Param { return nil }

func (r *ReLULayer) ClearCache() {
	replaceCache(&r.output, nil)
}

func (r *ReLULayer) Forward(x *memory.Tensor, training bool) (*memory.Tensor, error) {
	out := memory.NewTensor(x.Shape()...)
	dst := out.Data()
	for i, v := range x.Data() {
		if v > 0 {
			dst[i] = v
		}
	}
	if training {
		replaceCache(&r.output, out.Retain())
	} else {
		r.ClearCache()
	}
	return out, nil
}

// Backward passes the gradient where the output was positive
func (r *ReLULayer) Backward(grad *memory.Tensor) (*memory.Tensor, error) {
	if r.output == nil {
		return nil, ErrNoActivations
	}
	g := grad.Data()
	y := r.output.Data()
	if len(g) != len(y) {
		return nil, errors.Errorf("%s: gradient has %d elements, expected %d", r.name, len(g), len(y))
	}
	dx := memory.NewTensor(r.output.Shape()...)
	dst := dx.Data()
	for i, v := range y {
		if v > 0 {
			dst[i] = g[i]
		}
	}
	return dx, nil
}

// FlattenLayer reshapes [N, ...] to [N, features] without copying
type FlattenLayer struct {
	name       string
	inputShape []int
}

func (f *FlattenLayer) Name() string     { return f.name }
func (f *FlattenLayer) Params() []*Param { return nil }
func (f *FlattenLayer) ClearCache()      { f.inputShape = nil }

func (f *FlattenLayer) Forward(x *memory.Tensor, training bool) (*memory.Tensor, error) {
	shape := x.Shape()
	if len(shape) < 2 {
		return nil, errors.Errorf("%s: expected at least 2D input, got %v", f.name, shape)
	}
	features := 1
	for _, d := range shape[1:] {
		features *= d
	}
	if training {
		f.inputShape = shape
	} else {
		f.ClearCache()
	}
	return x.View(shape[0], features)
}

func (f *FlattenLayer) Backward(grad *memory.Tensor) (*memory.Tensor, error) {
	if f.inputShape == nil {
		return nil, ErrNoActivations
	}
	return grad.View(f.inputShape...)
}
