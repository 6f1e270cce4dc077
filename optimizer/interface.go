package optimizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-flowers/layers"
)

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step applies one update to every parameter from its accumulated gradient
	Step() error

	// ZeroGrad clears the accumulated gradients
	ZeroGrad()

	// GetState extracts optimizer state for inspection
	GetState() (*OptimizerState, error)

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState struct {
	Type       string                 `json:"type"`       // "Adam", "SGD"
	Parameters map[string]interface{} `json:"parameters"` // Hyperparameters
	StateData  []StateTensor          `json:"state_data"`
}

// StateTensor is one per-parameter state buffer
type StateTensor struct {
	Name      string    `json:"name"`       // e.g. "momentum_3"
	ParamName string    `json:"param_name"` // e.g. "conv1.weight"
	StateType string    `json:"state_type"` // "momentum", "variance"
	Data      []float32 `json:"data"`
}

// validateParams checks that there is something to optimize and that every
// gradient matches its value
func validateParams(params []*layers.Param) error {
	if len(params) == 0 {
		return errors.New("no parameters provided")
	}
	for i, p := range params {
		if p == nil {
			return errors.Errorf("parameter %d is nil", i)
		}
		if len(p.Grad) != len(p.Value) {
			return errors.Errorf("parameter %s: gradient has %d elements, value has %d", p.Name, len(p.Grad), len(p.Value))
		}
	}
	return nil
}

// String summarises the state: type, hyperparameters in key order and the
// number of state values held
func (s *OptimizerState) String() string {
	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(s.Type)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, s.Parameters[k])
	}
	values := 0
	for _, st := range s.StateData {
		values += len(st.Data)
	}
	fmt.Fprintf(&sb, " buffers=%d values=%d", len(s.StateData), values)
	return sb.String()
}
