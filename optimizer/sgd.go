package optimizer

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-flowers/layers"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	params          []*layers.Param
	MomentumBuffers [][]float32 // Allocated only when Momentum > 0

	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*layers.Param) (*SGDOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, errors.New("Nesterov momentum requires momentum > 0")
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = allocBuffers(params)
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step() error {
	sgd.StepCount++
	for i, p := range sgd.params {
		if len(p.Grad) != len(p.Value) {
			return errors.Errorf("parameter %s changed size", p.Name)
		}
		for j, g := range p.Grad {
			if sgd.WeightDecay != 0 {
				g += sgd.WeightDecay * p.Value[j]
			}
			if sgd.Momentum > 0 {
				buf := sgd.MomentumBuffers[i]
				if sgd.StepCount == 1 {
					buf[j] = g
				} else {
					buf[j] = sgd.Momentum*buf[j] + g
				}
				if sgd.Nesterov {
					g += sgd.Momentum * buf[j]
				} else {
					g = buf[j]
				}
			}
			p.Value[j] -= sgd.LearningRate * g
		}
	}
	return nil
}

// ZeroGrad clears every parameter gradient
func (sgd *SGDOptimizerState) ZeroGrad() {
	zeroGrads(sgd.params)
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState copies the momentum buffers and hyperparameters
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
	}
	for i, buf := range sgd.MomentumBuffers {
		state.StateData = append(state.StateData, extractBufferState(buf, i, sgd.params[i], "momentum"))
	}
	return state, nil
}
