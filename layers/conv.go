package layers

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-flowers/memory"
)

// Conv2DLayer is a 2D convolution computed as im2col followed by a GEMM
// per sample.
type Conv2DLayer struct {
	name          string
	inChannels    int
	outChannels   int
	kernel        int
	stride        int
	padding       int
	weight        *Param // [out, in, k, k]
	bias          *Param // [out], nil without bias
	skipInputGrad bool
	input         *memory.Tensor
	col           []float32 // im2col scratch, reused across samples
	colGrad       []float32
}

func newConv2DLayer(ls LayerSpec, first bool, rng *rand.Rand) *Conv2DLayer {
	c := &Conv2DLayer{
		name:          ls.Name,
		inChannels:    getIntParam(ls.Parameters, "input_channels", 0),
		outChannels:   getIntParam(ls.Parameters, "output_channels", 0),
		kernel:        getIntParam(ls.Parameters, "kernel_size", 3),
		stride:        getIntParam(ls.Parameters, "stride", 1),
		padding:       getIntParam(ls.Parameters, "padding", 0),
		skipInputGrad: first,
	}
	fanIn := c.inChannels * c.kernel * c.kernel
	c.weight = NewParam(ls.Name+".weight", c.outChannels, c.inChannels, c.kernel, c.kernel)
	initUniform(c.weight, fanIn, rng)
	if getBoolParam(ls.Parameters, "use_bias", true) {
		c.bias = NewParam(ls.Name+".bias", c.outChannels)
		initUniform(c.bias, fanIn, rng)
	}
	return c
}

// NewConv2D creates a standalone convolution layer
func NewConv2D(name string, inChannels, outChannels, kernel, stride, padding int, rng *rand.Rand) *Conv2DLayer {
	return newConv2DLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"input_channels":  inChannels,
			"output_channels": outChannels,
			"kernel_size":     kernel,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        true,
		},
	}, false, rng)
}

func (c *Conv2DLayer) Name() string { return c.name }

func (c *Conv2DLayer) Params() []*Param {
	if c.bias == nil {
		return []*Param{c.weight}
	}
	return []*Param{c.weight, c.bias}
}

func (c *Conv2DLayer) ClearCache() {
	replaceCache(&c.input, nil)
}

func (c *Conv2DLayer) outputSize(h, w int) (int, int) {
	return (h+2*c.padding-c.kernel)/c.stride + 1, (w+2*c.padding-c.kernel)/c.stride + 1
}

// Forward computes the convolution of x [N, C, H, W]
func (c *Conv2DLayer) Forward(x *memory.Tensor, training bool) (*memory.Tensor, error) {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != c.inChannels {
		return nil, errors.Errorf("%s: expected [N, %d, H, W] input, got %v", c.name, c.inChannels, shape)
	}
	n, h, w := shape[0], shape[2], shape[3]
	oh, ow := c.outputSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, errors.Errorf("%s: input %dx%d too small for kernel %d", c.name, h, w, c.kernel)
	}

	k := c.inChannels * c.kernel * c.kernel
	spatial := oh * ow
	c.col = growScratch(c.col, k*spatial)

	out := memory.NewTensor(n, c.outChannels, oh, ow)
	in := x.Data()
	outData := out.Data()
	inSize := c.inChannels * h * w
	outSize := c.outChannels * spatial

	weights := blas32.General{Rows: c.outChannels, Cols: k, Stride: k, Data: c.weight.Value}
	col := blas32.General{Rows: k, Cols: spatial, Stride: spatial, Data: c.col}

	for s := 0; s < n; s++ {
		c.im2col(in[s*inSize:(s+1)*inSize], h, w, oh, ow)
		dst := outData[s*outSize : (s+1)*outSize]
		if c.bias != nil {
			for o := 0; o < c.outChannels; o++ {
				b := c.bias.Value[o]
				row := dst[o*spatial : (o+1)*spatial]
				for i := range row {
					row[i] = b
				}
			}
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, weights, col,
			1, blas32.General{Rows: c.outChannels, Cols: spatial, Stride: spatial, Data: dst})
	}

	if training {
		replaceCache(&c.input, x.Retain())
	} else {
		c.ClearCache()
	}
	return out, nil
}

// Backward accumulates weight and bias gradients and returns the input
// gradient. The first layer of a network returns nil since nothing upstream
// consumes it.
func (c *Conv2DLayer) Backward(grad *memory.Tensor) (*memory.Tensor, error) {
	if c.input == nil {
		return nil, ErrNoActivations
	}
	shape := c.input.Shape()
	n, h, w := shape[0], shape[2], shape[3]
	oh, ow := c.outputSize(h, w)
	spatial := oh * ow
	if !sameShape(grad.Shape(), []int{n, c.outChannels, oh, ow}) {
		return nil, errors.Errorf("%s: gradient shape %v does not match output [%d %d %d %d]", c.name, grad.Shape(), n, c.outChannels, oh, ow)
	}

	k := c.inChannels * c.kernel * c.kernel
	c.col = growScratch(c.col, k*spatial)
	inSize := c.inChannels * h * w
	outSize := c.outChannels * spatial
	in := c.input.Data()
	g := grad.Data()

	weights := blas32.General{Rows: c.outChannels, Cols: k, Stride: k, Data: c.weight.Value}
	weightGrad := blas32.General{Rows: c.outChannels, Cols: k, Stride: k, Data: c.weight.Grad}
	col := blas32.General{Rows: k, Cols: spatial, Stride: spatial, Data: c.col}

	var dx *memory.Tensor
	var dxData []float32
	if !c.skipInputGrad {
		dx = memory.NewTensor(shape...)
		dxData = dx.Data()
		c.colGrad = growScratch(c.colGrad, k*spatial)
	}

	for s := 0; s < n; s++ {
		gs := g[s*outSize : (s+1)*outSize]
		gradOut := blas32.General{Rows: c.outChannels, Cols: spatial, Stride: spatial, Data: gs}

		if c.bias != nil {
			for o := 0; o < c.outChannels; o++ {
				var sum float32
				for _, v := range gs[o*spatial : (o+1)*spatial] {
					sum += v
				}
				c.bias.Grad[o] += sum
			}
		}

		// Recompute the columns from the cached input
		c.im2col(in[s*inSize:(s+1)*inSize], h, w, oh, ow)
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, gradOut, col, 1, weightGrad)

		if dx != nil {
			colGrad := blas32.General{Rows: k, Cols: spatial, Stride: spatial, Data: c.colGrad}
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, weights, gradOut, 0, colGrad)
			c.col2im(dxData[s*inSize:(s+1)*inSize], h, w, oh, ow)
		}
	}

	return dx, nil
}

// im2col unrolls one [C, H, W] image into c.col [C*k*k, oh*ow]
func (c *Conv2DLayer) im2col(img []float32, h, w, oh, ow int) {
	spatial := oh * ow
	row := 0
	for ch := 0; ch < c.inChannels; ch++ {
		plane := img[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < c.kernel; ky++ {
			for kx := 0; kx < c.kernel; kx++ {
				dst := c.col[row*spatial : (row+1)*spatial]
				i := 0
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.stride - c.padding + ky
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.stride - c.padding + kx
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							dst[i] = plane[iy*w+ix]
						} else {
							dst[i] = 0
						}
						i++
					}
				}
				row++
			}
		}
	}
}

// col2im scatters c.colGrad back into one [C, H, W] image gradient
func (c *Conv2DLayer) col2im(img []float32, h, w, oh, ow int) {
	spatial := oh * ow
	row := 0
	for ch := 0; ch < c.inChannels; ch++ {
		plane := img[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < c.kernel; ky++ {
			for kx := 0; kx < c.kernel; kx++ {
				src := c.colGrad[row*spatial : (row+1)*spatial]
				i := 0
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.stride - c.padding + ky
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.stride - c.padding + kx
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							plane[iy*w+ix] += src[i]
						}
						i++
					}
				}
				row++
			}
		}
	}
}

func growScratch(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}
