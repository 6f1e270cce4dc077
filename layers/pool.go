package layers

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/tsawler/go-flowers/memory"
)

// MaxPool2DLayer takes the maximum over kernel×kernel windows
type MaxPool2DLayer struct {
	name       string
	kernel     int
	stride     int
	inputShape []int
	argmax     []int32 // flat input offset of each output's maximum
}

// NewMaxPool2D creates a standalone pooling layer
func NewMaxPool2D(name string, kernel, stride int) *MaxPool2DLayer {
	return &MaxPool2DLayer{name: name, kernel: kernel, stride: stride}
}

func (p *MaxPool2DLayer) Name() string     { return p.name }
func (p *MaxPool2DLayer) Params() []*Param { return nil }

func (p *MaxPool2DLayer) ClearCache() {
	p.inputShape = nil
	p.argmax = p.argmax[:0]
}

func (p *MaxPool2DLayer) Forward(x *memory.Tensor, training bool) (*memory.Tensor, error) {
	shape := x.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("%s: expected 4D input, got %v", p.name, shape)
	}
	n, ch, h, w := shape[0], shape[1], shape[2], shape[3]
	oh := (h-p.kernel)/p.stride + 1
	ow := (w-p.kernel)/p.stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, errors.Errorf("%s: input %dx%d too small for pool %d", p.name, h, w, p.kernel)
	}

	out := memory.NewTensor(n, ch, oh, ow)
	in := x.Data()
	outData := out.Data()

	if training {
		if cap(p.argmax) < len(outData) {
			p.argmax = make([]int32, len(outData))
		}
		p.argmax = p.argmax[:len(outData)]
		p.inputShape = shape
	} else {
		p.ClearCache()
	}

	o := 0
	for plane := 0; plane < n*ch; plane++ {
		base := plane * h * w
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := math32.Inf(-1)
				bestIdx := -1
				for ky := 0; ky < p.kernel; ky++ {
					rowStart := base + (oy*p.stride+ky)*w + ox*p.stride
					for kx := 0; kx < p.kernel; kx++ {
						if v := in[rowStart+kx]; bestIdx < 0 || v > best {
							best = v
							bestIdx = rowStart + kx
						}
					}
				}
				outData[o] = best
				if training {
					p.argmax[o] = int32(bestIdx)
				}
				o++
			}
		}
	}
	return out, nil
}

// Backward routes each output gradient to the input position that won
func (p *MaxPool2DLayer) Backward(grad *memory.Tensor) (*memory.Tensor, error) {
	if p.inputShape == nil {
		return nil, ErrNoActivations
	}
	g := grad.Data()
	if len(g) != len(p.argmax) {
		return nil, errors.Errorf("%s: gradient has %d elements, expected %d", p.name, len(g), len(p.argmax))
	}
	dx := memory.NewTensor(p.inputShape...)
	dxData := dx.Data()
	for i, idx := range p.argmax {
		dxData[idx] += g[i]
	}
	return dx, nil
}
