package optimizer

import (
	"fmt"

	"github.com/tsawler/go-flowers/layers"
)

// Common helper functions for optimizer state management

// extractBufferState copies one state buffer
func extractBufferState(buffer []float32, index int, param *layers.Param, stateType string) StateTensor {
	data := make([]float32, len(buffer))
	copy(data, buffer)
	return StateTensor{
		Name:      fmt.Sprintf("%s_%d", stateType, index),
		ParamName: param.Name,
		StateType: stateType,
		Data:      data,
	}
}

func zeroGrads(params []*layers.Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func allocBuffers(params []*layers.Param) [][]float32 {
	buffers := make([][]float32, len(params))
	for i, p := range params {
		buffers[i] = make([]float32, len(p.Value))
	}
	return buffers
}
