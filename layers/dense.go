package layers

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-flowers/memory"
)

// DenseLayer is a fully connected layer y = x·Wᵀ + b with W stored
// [out, in]
type DenseLayer struct {
	name   string
	in     int
	out    int
	weight *Param
	bias   *Param
	input  *memory.Tensor
}

func newDenseLayer(ls LayerSpec, rng *rand.Rand) *DenseLayer {
	d := &DenseLayer{
		name: ls.Name,
		in:   getIntParam(ls.Parameters, "input_size", 0),
		out:  getIntParam(ls.Parameters, "output_size", 0),
	}
	d.weight = NewParam(ls.Name+".weight", d.out, d.in)
	initUniform(d.weight, d.in, rng)
	if getBoolParam(ls.Parameters, "use_bias", true) {
		d.bias = NewParam(ls.Name+".bias", d.out)
		initUniform(d.bias, d.in, rng)
	}
	return d
}

// NewDense creates a standalone dense layer
func NewDense(name string, in, out int, rng *rand.Rand) *DenseLayer {
	return newDenseLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"input_size":  in,
			"output_size": out,
			"use_bias":    true,
		},
	}, rng)
}

func (d *DenseLayer) Name() string { return d.name }

func (d *DenseLayer) Params() []*Param {
	if d.bias == nil {
		return []*Param{d.weight}
	}
	return []*Param{d.weight, d.bias}
}

func (d *DenseLayer) ClearCache() {
	replaceCache(&d.input, nil)
}

// Forward maps [N, ...] with in features per sample to [N, out]
func (d *DenseLayer) Forward(x *memory.Tensor, training bool) (*memory.Tensor, error) {
	shape := x.Shape()
	if len(shape) < 2 || x.Len() != shape[0]*d.in {
		return nil, errors.Errorf("%s: expected %d features per sample, got shape %v", d.name, d.in, shape)
	}
	n := shape[0]

	out := memory.NewTensor(n, d.out)
	outData := out.Data()
	if d.bias != nil {
		for s := 0; s < n; s++ {
			copy(outData[s*d.out:(s+1)*d.out], d.bias.Value)
		}
	}
	if n > 0 {
		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			blas32.General{Rows: n, Cols: d.in, Stride: d.in, Data: x.Data()},
			blas32.General{Rows: d.out, Cols: d.in, Stride: d.in, Data: d.weight.Value},
			1, blas32.General{Rows: n, Cols: d.out, Stride: d.out, Data: outData})
	}

	if training {
		replaceCache(&d.input, x.Retain())
	} else {
		d.ClearCache()
	}
	return out, nil
}

// Backward accumulates dW = gradᵀ·x and db, and returns grad·W shaped like
// the input
func (d *DenseLayer) Backward(grad *memory.Tensor) (*memory.Tensor, error) {
	if d.input == nil {
		return nil, ErrNoActivations
	}
	n := d.input.Dim(0)
	if !sameShape(grad.Shape(), []int{n, d.out}) {
		return nil, errors.Errorf("%s: gradient shape %v does not match output [%d %d]", d.name, grad.Shape(), n, d.out)
	}

	g := grad.Data()
	dx := memory.NewTensor(d.input.Shape()...)
	if n == 0 {
		return dx, nil
	}

	gradOut := blas32.General{Rows: n, Cols: d.out, Stride: d.out, Data: g}
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, gradOut,
		blas32.General{Rows: n, Cols: d.in, Stride: d.in, Data: d.input.Data()},
		1, blas32.General{Rows: d.out, Cols: d.in, Stride: d.in, Data: d.weight.Grad})

	if d.bias != nil {
		for s := 0; s < n; s++ {
			row := g[s*d.out : (s+1)*d.out]
			for o, v := range row {
				d.bias.Grad[o] += v
			}
		}
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, gradOut,
		blas32.General{Rows: d.out, Cols: d.in, Stride: d.in, Data: d.weight.Value},
		0, blas32.General{Rows: n, Cols: d.in, Stride: d.in, Data: dx.Data()})

	return dx, nil
}
