package layers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	Dropout
	Dropout2D
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case Dropout2D:
		return "Dropout2D"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
}

// NewModelBuilder creates a new model builder. inputShape is
// [batch, channels, height, width]; the batch dimension is nominal.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	layer := LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
	return mb.AddLayer(layer)
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	layer := LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	}
	return mb.AddLayer(layer)
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	layer := LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
	return mb.AddLayer(layer)
}

// AddMaxPool2D adds a max pooling layer to the model
func (mb *ModelBuilder) AddMaxPool2D(kernelSize, stride int, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
		},
	}
	return mb.AddLayer(layer)
}

// AddDropout adds an element-wise Dropout layer to the model
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	}
	return mb.AddLayer(layer)
}

// AddDropout2D adds a Dropout layer that zeroes whole channels
func (mb *ModelBuilder) AddDropout2D(rate float32, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Dropout2D,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	}
	return mb.AddLayer(layer)
}

// AddFlatten flattens [batch, ...] to [batch, features]
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	layer := LayerSpec{
		Type:       Flatten,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
	return mb.AddLayer(layer)
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, errors.New("cannot compile empty model")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
		Compiled:   false,
	}

	copy(model.Layers, mb.layers)

	// Compute shapes and parameter information
	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)
	names := make(map[string]bool, len(model.Layers))

	for i := range model.Layers {
		layer := &model.Layers[i]
		if names[layer.Name] {
			return nil, errors.Errorf("duplicate layer name %q", layer.Name)
		}
		names[layer.Name] = true

		// Parameters are rewritten during compilation; keep the builder's map intact
		params := make(map[string]interface{}, len(layer.Parameters))
		for k, v := range layer.Parameters {
			params[k] = v
		}
		layer.Parameters = params

		// Set input shape for this layer
		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		// Compute output shape and parameters based on layer type
		outputShape, paramShapes, paramCount, err := mb.computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compute layer %d (%s) info", i, layer.Name)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		// Add to global parameter information
		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		// Update current shape for next layer
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return mb.computeDenseInfo(layer, inputShape)
	case Conv2D:
		return mb.computeConv2DInfo(layer, inputShape)
	case MaxPool2D:
		return mb.computeMaxPool2DInfo(layer, inputShape)
	case Flatten:
		return mb.computeFlattenInfo(layer, inputShape)
	case ReLU, Dropout, Dropout2D:
		return mb.computeActivationInfo(layer, inputShape)
	default:
		return nil, nil, 0, errors.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func (mb *ModelBuilder) computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, errors.New("dense layer requires at least 2D input")
	}

	outputSize, ok := layer.Parameters["output_size"].(int)
	if !ok || outputSize <= 0 {
		return nil, nil, 0, errors.New("missing output_size parameter")
	}

	useBias := true
	if bias, exists := layer.Parameters["use_bias"].(bool); exists {
		useBias = bias
	}

	// For 4D input [batch, channels, height, width]: input_size = channels * height * width
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}
	layer.Parameters["input_size"] = inputSize

	outputShape := []int{inputShape[0], outputSize}

	var paramShapes [][]int
	paramCount := int64(0)

	// Weight matrix: [outputSize, inputSize]
	paramShapes = append(paramShapes, []int{outputSize, inputSize})
	paramCount += int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information
func (mb *ModelBuilder) computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, errors.New("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels, ok := layer.Parameters["output_channels"].(int)
	if !ok || outputChannels <= 0 {
		return nil, nil, 0, errors.New("missing output_channels parameter")
	}

	kernelSize, ok := layer.Parameters["kernel_size"].(int)
	if !ok || kernelSize <= 0 {
		return nil, nil, 0, errors.New("missing kernel_size parameter")
	}

	stride, ok := layer.Parameters["stride"].(int)
	if !ok || stride <= 0 {
		stride = 1
		layer.Parameters["stride"] = stride
	}

	padding, ok := layer.Parameters["padding"].(int)
	if !ok {
		padding = 0
		layer.Parameters["padding"] = padding
	}

	useBias := true
	if bias, exists := layer.Parameters["use_bias"].(bool); exists {
		useBias = bias
	}

	batchSize := inputShape[0]
	inputChannels := inputShape[1]
	inputHeight := inputShape[2]
	inputWidth := inputShape[3]

	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputHeight+2*padding-kernelSize)/stride + 1
	outputWidth := (inputWidth+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, errors.Errorf("kernel %d does not fit input %dx%d", kernelSize, inputHeight, inputWidth)
	}

	outputShape := []int{batchSize, outputChannels, outputHeight, outputWidth}

	var paramShapes [][]int
	paramCount := int64(0)

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	paramShapes = append(paramShapes, []int{outputChannels, inputChannels, kernelSize, kernelSize})
	paramCount += int64(outputChannels * inputChannels * kernelSize * kernelSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeMaxPool2DInfo computes pooling layer information
func (mb *ModelBuilder) computeMaxPool2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, errors.New("MaxPool2D layer requires 4D input [batch, channels, height, width]")
	}

	kernelSize, ok := layer.Parameters["kernel_size"].(int)
	if !ok || kernelSize <= 0 {
		return nil, nil, 0, errors.New("missing kernel_size parameter")
	}
	stride, ok := layer.Parameters["stride"].(int)
	if !ok || stride <= 0 {
		stride = kernelSize
		layer.Parameters["stride"] = stride
	}

	outputHeight := (inputShape[2]-kernelSize)/stride + 1
	outputWidth := (inputShape[3]-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, errors.Errorf("pool %d does not fit input %dx%d", kernelSize, inputShape[2], inputShape[3])
	}

	return []int{inputShape[0], inputShape[1], outputHeight, outputWidth}, [][]int{}, 0, nil
}

// computeFlattenInfo collapses every non-batch dimension
func (mb *ModelBuilder) computeFlattenInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, errors.New("flatten requires at least 2D input")
	}
	features := 1
	for _, d := range inputShape[1:] {
		features *= d
	}
	return []int{inputShape[0], features}, [][]int{}, 0, nil
}

// computeActivationInfo computes information for shape-preserving layers
// without parameters
func (mb *ModelBuilder) computeActivationInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if layer.Type == Dropout || layer.Type == Dropout2D {
		rate, ok := layer.Parameters["rate"].(float32)
		if !ok || rate < 0 || rate >= 1 {
			return nil, nil, 0, errors.Errorf("dropout rate must be in [0, 1), got %v", layer.Parameters["rate"])
		}
		if layer.Type == Dropout2D && len(inputShape) != 4 {
			return nil, nil, 0, errors.New("Dropout2D requires 4D input")
		}
	}

	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)

	return outputShape, [][]int{}, 0, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	sb.WriteString(fmt.Sprintf("Input Shape: %v\n", ms.InputShape))
	sb.WriteString(fmt.Sprintf("Output Shape: %v\n", ms.OutputShape))
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters))
	sb.WriteString(fmt.Sprintf("Layers: %d\n\n", len(ms.Layers)))

	for i, layer := range ms.Layers {
		sb.WriteString(fmt.Sprintf("Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String()))
		sb.WriteString(fmt.Sprintf("  Input:  %v\n", layer.InputShape))
		sb.WriteString(fmt.Sprintf("  Output: %v\n", layer.OutputShape))
		sb.WriteString(fmt.Sprintf("  Params: %d\n", layer.ParameterCount))
		sb.WriteString("\n")
	}

	return sb.String()
}

func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, ok := params[key].(int); ok {
		return val
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, ok := params[key].(float32); ok {
		return val
	}
	if val, ok := params[key].(float64); ok {
		return float32(val)
	}
	return defaultValue
}
