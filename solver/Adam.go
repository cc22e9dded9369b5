package solver

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
)

// AdamConfig describes a configuration of the Adam solver
type AdamConfig struct {
	StepSize float64
	Epsilon  float64 // Smoothing factor
	Beta1    float64
	Beta2    float64
}

// NewDefaultAdam returns a new Adam Solver with default hyperparameters
func NewDefaultAdam(stepSize float64) (*Solver, error) {
	return NewAdam(stepSize, 1e-8, 0.9, 0.999)
}

// NewAdam returns a new Adam Solver
func NewAdam(stepSize, epsilon, beta1, beta2 float64) (*Solver, error) {
	adam := AdamConfig{
		StepSize: stepSize,
		Epsilon:  epsilon,
		Beta1:    beta1,
		Beta2:    beta2,
	}

	return newSolver(Adam, adam)
}

// Create returns a new Adam solver as described by the AdamConfig
func (a AdamConfig) Create() Stateful {
	return &adamSolver{
		eta:     a.StepSize,
		epsilon: a.Epsilon,
		beta1:   a.Beta1,
		beta2:   a.Beta2,
	}
}

// ValidType returns if the given Solver type is a valid type to be
// created with this config.
func (a AdamConfig) ValidType(t Type) bool {
	return t == Adam
}

// adamState is the serializable internal state of an adamSolver
type adamState struct {
	Steps int
	M     [][]float64
	V     [][]float64
}

// adamSolver implements the Adam update rule with first and second
// moment estimates held per parameter tensor. The moments are part of
// the resumable training state: a checkpointed run restores them
// exactly rather than restarting the moving averages from zero.
type adamSolver struct {
	eta     float64
	epsilon float64
	beta1   float64
	beta2   float64

	steps int
	m     [][]float64
	v     [][]float64
}

// Step applies one Adam update to the model's parameters and zeroes
// the consumed gradients
func (a *adamSolver) Step(model []G.ValueGrad) error {
	if a.m == nil {
		a.m = make([][]float64, len(model))
		a.v = make([][]float64, len(model))
		for i, vg := range model {
			size := vg.Value().Shape().TotalSize()
			a.m[i] = make([]float64, size)
			a.v[i] = make([]float64, size)
		}
	}
	if len(model) != len(a.m) {
		return fmt.Errorf("step: model has %v parameters but solver "+
			"state has %v", len(model), len(a.m))
	}

	a.steps++
	correction1 := 1 - math.Pow(a.beta1, float64(a.steps))
	correction2 := 1 - math.Pow(a.beta2, float64(a.steps))

	for i, vg := range model {
		weights, grad, err := extract(vg)
		if err != nil {
			return fmt.Errorf("step: parameter %v: %v", i, err)
		}
		if len(weights) != len(a.m[i]) {
			return fmt.Errorf("step: parameter %v has %v elements but "+
				"solver state has %v", i, len(weights), len(a.m[i]))
		}

		m, v := a.m[i], a.v[i]
		for j := range weights {
			g := grad[j]
			m[j] = a.beta1*m[j] + (1-a.beta1)*g
			v[j] = a.beta2*v[j] + (1-a.beta2)*g*g

			mHat := m[j] / correction1
			vHat := v[j] / correction2
			weights[j] -= a.eta * mHat / (math.Sqrt(vHat) + a.epsilon)

			grad[j] = 0.0
		}
	}
	return nil
}

// SetLearnRate sets the learning rate used by subsequent Steps
func (a *adamSolver) SetLearnRate(eta float64) {
	a.eta = eta
}

// LearnRate returns the current learning rate
func (a *adamSolver) LearnRate() float64 {
	return a.eta
}

// State serializes the solver's step count and moment estimates
func (a *adamSolver) State() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	err := enc.Encode(adamState{Steps: a.steps, M: a.m, V: a.v})
	if err != nil {
		return nil, fmt.Errorf("state: could not encode solver state: %v",
			err)
	}
	return buf.Bytes(), nil
}

// SetState fully replaces the solver's internal state
func (a *adamSolver) SetState(in []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(in))
	var state adamState
	if err := dec.Decode(&state); err != nil {
		return fmt.Errorf("setstate: could not decode solver state: %v",
			err)
	}
	a.steps = state.Steps
	a.m = state.M
	a.v = state.V
	return nil
}

// extract returns the mutable weight and gradient backings of a
// parameter
func extract(vg G.ValueGrad) ([]float64, []float64, error) {
	gradVal, err := vg.Grad()
	if err != nil {
		return nil, nil, fmt.Errorf("extract: no gradient: %v", err)
	}

	weights, ok := vg.Value().Data().([]float64)
	if !ok {
		return nil, nil, fmt.Errorf("extract: parameter is not float64")
	}
	grad, ok := gradVal.Data().([]float64)
	if !ok {
		return nil, nil, fmt.Errorf("extract: gradient is not float64")
	}
	if len(weights) != len(grad) {
		return nil, nil, fmt.Errorf("extract: weight/gradient size "+
			"mismatch: %v != %v", len(weights), len(grad))
	}
	return weights, grad, nil
}
