// Package solver implements gradient descent solvers whose internal
// state can be serialized into checkpoints and whose learning rate can
// be driven by an external schedule. Solvers satisfy the Gorgonia
// Solver interface and are JSON serializable into configuration files.
package solver

import (
	"encoding/json"
	"fmt"
	"reflect"

	G "gorgonia.org/gorgonia"
)

// Type describes different types of solvers that are available
type Type string

// Available solver types
const (
	Adam    Type = "Adam"
	Vanilla Type = "Vanilla"
)

// Stateful is a solver whose internal state (step counts, moment
// estimates) can be extracted and restored for checkpointing, and
// whose learning rate can be adjusted between steps by a schedule.
type Stateful interface {
	G.Solver

	// SetLearnRate sets the learning rate used by subsequent Steps
	SetLearnRate(float64)

	// LearnRate returns the current learning rate
	LearnRate() float64

	// State serializes the solver's internal state
	State() ([]byte, error)

	// SetState fully replaces the solver's internal state with a
	// previously serialized one
	SetState([]byte) error
}

// Solver wraps concrete solvers so that they can be JSON marshalled
// and unmarshalled in configuration files.
type Solver struct {
	Stateful `json:"-"`
	Type
	Config
}

// newSolver returns a new solver with the given type and configuration.
func newSolver(t Type, c Config) (*Solver, error) {
	if !c.ValidType(t) {
		return nil, fmt.Errorf("newsolver: invalid solver type %v for "+
			"configuration %T", t, c)
	}
	solver := Solver{Type: t, Config: c}
	solver.Stateful = solver.Config.Create()

	return &solver, nil
}

// UnmarshalJSON implements the json.Unmarshaller interface
func (s *Solver) UnmarshalJSON(data []byte) error {
	config, typeName, err := unmarshalConfig(
		data,
		"Type",
		"Config",
		map[string]reflect.Type{
			string(Vanilla): reflect.TypeOf(VanillaConfig{}),
			string(Adam):    reflect.TypeOf(AdamConfig{}),
		})
	if err != nil {
		return err
	}

	s.Type = typeName
	s.Config = config
	s.Stateful = s.Config.Create()

	return nil
}

// unmarshalConfig uses reflection to unmarshall a Config into its
// concrete type. Both the Config and its Type are returned.
func unmarshalConfig(data []byte, typeJsonField, valueJsonField string,
	customTypes map[string]reflect.Type) (Config, Type, error) {
	m := map[string]interface{}{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", err
	}

	typeName := m[typeJsonField].(string)
	var value Config
	if ty, found := customTypes[typeName]; found {
		value = reflect.New(ty).Interface().(Config)
	}

	valueBytes, err := json.Marshal(m[valueJsonField])
	if err != nil {
		return nil, "", err
	}

	if err = json.Unmarshal(valueBytes, &value); err != nil {
		return nil, "", err
	}

	return value, Type(typeName), nil
}

// Config implements a solver configuration and can be used to create
// the solvers it describes.
type Config interface {
	Create() Stateful

	// ValidType returns whether a specific Solver type can be created
	// with the Config
	ValidType(Type) bool
}
