// Package accum implements running aggregates over named scalar
// losses and metrics
package accum

import (
	"fmt"
)

// Values is a fixed-schema mapping from a loss or metric name to its
// scalar value. The schema is declared when an Accumulator is created
// so that every fold carries the same keys, and a loss that is
// identically zero for a whole run (e.g. the discriminator loss during
// pretraining) stays an explicit 0.0 rather than a missing key.
type Values map[string]float64

// Clone returns a copy of the Values
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for key, value := range v {
		out[key] = value
	}
	return out
}

// Accumulator folds per-step Values into a running aggregate. Two
// temporal-averaging policies are implemented: Average computes the
// arithmetic mean of all folds since the last Reset() and is used for
// validation metrics, while Exponential computes an exponential moving
// average that is never reset and is used for live training curves.
type Accumulator interface {
	// Fold merges one step's scalar mapping into the aggregate
	Fold(Values) error

	// Snapshot returns the current aggregate values
	Snapshot() Values

	// Keys returns the declared schema in declaration order
	Keys() []string
}

// Average computes the arithmetic mean of every folded value since the
// last call to Reset().
type Average struct {
	keys  []string
	sums  map[string]float64
	folds int
}

// NewAverage returns a new Average accumulator over the given schema
func NewAverage(keys ...string) *Average {
	sums := make(map[string]float64, len(keys))
	for _, key := range keys {
		sums[key] = 0.0
	}
	return &Average{
		keys: append([]string{}, keys...),
		sums: sums,
	}
}

// Fold merges one step's values into the running mean
func (a *Average) Fold(v Values) error {
	for key, value := range v {
		if _, ok := a.sums[key]; !ok {
			// A key not seen before joins the schema at its first
			// observation
			a.keys = append(a.keys, key)
		}
		a.sums[key] += value
	}
	a.folds++
	return nil
}

// Snapshot returns the mean of all values folded since the last Reset.
// Before any fold, every value is 0.
func (a *Average) Snapshot() Values {
	out := make(Values, len(a.keys))
	for _, key := range a.keys {
		if a.folds == 0 {
			out[key] = 0.0
			continue
		}
		out[key] = a.sums[key] / float64(a.folds)
	}
	return out
}

// Keys returns the schema of the accumulator
func (a *Average) Keys() []string {
	return append([]string{}, a.keys...)
}

// Folds returns the number of folds since the last Reset
func (a *Average) Folds() int {
	return a.folds
}

// Reset clears the aggregate. Called at the start of every validation
// pass.
func (a *Average) Reset() {
	for key := range a.sums {
		a.sums[key] = 0.0
	}
	a.folds = 0
}

// Exponential computes an exponential moving average of folded values:
//
//	v' = momentum*v + (1 - momentum)*new
//
// The first fold of a key initializes its value to that observation
// exactly, so the average carries no zero-bias. Exponential has no
// Reset: it models the trend of the entire training run.
type Exponential struct {
	momentum float64
	keys     []string
	values   map[string]float64
	seen     map[string]bool
}

// NewExponential returns a new Exponential accumulator with the given
// momentum over the given schema. Momentum must lie in [0, 1).
func NewExponential(momentum float64, keys ...string) (*Exponential, error) {
	if momentum < 0.0 || momentum >= 1.0 {
		return nil, fmt.Errorf("newexponential: momentum must be in "+
			"[0, 1) but got %v", momentum)
	}
	values := make(map[string]float64, len(keys))
	for _, key := range keys {
		values[key] = 0.0
	}
	return &Exponential{
		momentum: momentum,
		keys:     append([]string{}, keys...),
		values:   values,
		seen:     make(map[string]bool, len(keys)),
	}, nil
}

// Fold merges one step's values into the moving average
func (e *Exponential) Fold(v Values) error {
	for key, value := range v {
		if _, ok := e.values[key]; !ok {
			e.keys = append(e.keys, key)
		}
		if !e.seen[key] {
			e.values[key] = value
			e.seen[key] = true
			continue
		}
		e.values[key] = e.momentum*e.values[key] + (1-e.momentum)*value
	}
	return nil
}

// Snapshot returns the current moving averages
func (e *Exponential) Snapshot() Values {
	out := make(Values, len(e.keys))
	for _, key := range e.keys {
		out[key] = e.values[key]
	}
	return out
}

// Keys returns the schema of the accumulator
func (e *Exponential) Keys() []string {
	return append([]string{}, e.keys...)
}
