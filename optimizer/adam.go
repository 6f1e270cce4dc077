package optimizer

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/tsawler/go-flowers/layers"
)

// AdamOptimizerState is Adam over CPU parameters. Weight decay is classic L2
// added to the gradient before the moment updates.
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient

	params          []*layers.Param
	MomentumBuffers [][]float32 // First moment for each parameter
	VarianceBuffers [][]float32 // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.0002,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  1e-5,
	}
}

// NewAdamOptimizer creates an Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*layers.Param) (*AdamOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("betas must be in [0, 1): %f, %f", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	return &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		params:          params,
		MomentumBuffers: allocBuffers(params),
		VarianceBuffers: allocBuffers(params),
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++

	t := float32(adam.StepCount)
	biasCorrection1 := 1 - math32.Pow(adam.Beta1, t)
	biasCorrection2 := 1 - math32.Pow(adam.Beta2, t)
	stepSize := adam.LearningRate / biasCorrection1
	sqrtBC2 := math32.Sqrt(biasCorrection2)

	for i, p := range adam.params {
		if len(p.Grad) != len(p.Value) {
			return errors.Errorf("parameter %s changed size", p.Name)
		}
		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]
		for j, g := range p.Grad {
			if adam.WeightDecay != 0 {
				g += adam.WeightDecay * p.Value[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			denom := math32.Sqrt(v[j])/sqrtBC2 + adam.Epsilon
			p.Value[j] -= stepSize * m[j] / denom
		}
	}

	return nil
}

// ZeroGrad clears every parameter gradient
func (adam *AdamOptimizerState) ZeroGrad() {
	zeroGrads(adam.params)
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState copies the moments and hyperparameters
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
	}
	for i, p := range adam.params {
		state.StateData = append(state.StateData,
			extractBufferState(adam.MomentumBuffers[i], i, p, "momentum"),
			extractBufferState(adam.VarianceBuffers[i], i, p, "variance"))
	}
	return state, nil
}
