package solver

import (
	"bytes"
	"encoding/gob"
	"fmt"

	G "gorgonia.org/gorgonia"
)

// VanillaConfig describes a configuration of the Vanilla SGD solver
type VanillaConfig struct {
	StepSize float64
	Momentum float64
}

// NewVanilla returns a new Vanilla SGD Solver. A momentum of 0
// disables the momentum buffer entirely.
func NewVanilla(stepSize, momentum float64) (*Solver, error) {
	vanilla := VanillaConfig{
		StepSize: stepSize,
		Momentum: momentum,
	}

	return newSolver(Vanilla, vanilla)
}

// Create returns a new Vanilla SGD solver as described by the
// VanillaConfig
func (v VanillaConfig) Create() Stateful {
	return &vanillaSolver{
		eta:      v.StepSize,
		momentum: v.Momentum,
	}
}

// ValidType returns if the given Solver type is a valid type to be
// created with this config.
func (v VanillaConfig) ValidType(t Type) bool {
	return t == Vanilla
}

// vanillaState is the serializable internal state of a vanillaSolver
type vanillaState struct {
	Velocity [][]float64
}

// vanillaSolver implements stochastic gradient descent with optional
// momentum
type vanillaSolver struct {
	eta      float64
	momentum float64

	velocity [][]float64
}

// Step applies one SGD update to the model's parameters and zeroes the
// consumed gradients
func (v *vanillaSolver) Step(model []G.ValueGrad) error {
	if v.momentum != 0 && v.velocity == nil {
		v.velocity = make([][]float64, len(model))
		for i, vg := range model {
			v.velocity[i] = make([]float64, vg.Value().Shape().TotalSize())
		}
	}
	if v.velocity != nil && len(model) != len(v.velocity) {
		return fmt.Errorf("step: model has %v parameters but solver "+
			"state has %v", len(model), len(v.velocity))
	}

	for i, vg := range model {
		weights, grad, err := extract(vg)
		if err != nil {
			return fmt.Errorf("step: parameter %v: %v", i, err)
		}

		if v.momentum == 0 {
			for j := range weights {
				weights[j] -= v.eta * grad[j]
				grad[j] = 0.0
			}
			continue
		}

		velocity := v.velocity[i]
		for j := range weights {
			velocity[j] = v.momentum*velocity[j] + grad[j]
			weights[j] -= v.eta * velocity[j]
			grad[j] = 0.0
		}
	}
	return nil
}

// SetLearnRate sets the learning rate used by subsequent Steps
func (v *vanillaSolver) SetLearnRate(eta float64) {
	v.eta = eta
}

// LearnRate returns the current learning rate
func (v *vanillaSolver) LearnRate() float64 {
	return v.eta
}

// State serializes the solver's momentum buffers
func (v *vanillaSolver) State() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(vanillaState{Velocity: v.velocity}); err != nil {
		return nil, fmt.Errorf("state: could not encode solver state: %v",
			err)
	}
	return buf.Bytes(), nil
}

// SetState fully replaces the solver's internal state
func (v *vanillaSolver) SetState(in []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(in))
	var state vanillaState
	if err := dec.Decode(&state); err != nil {
		return fmt.Errorf("setstate: could not decode solver state: %v",
			err)
	}
	v.velocity = state.Velocity
	return nil
}
