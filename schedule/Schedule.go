// Package schedule implements learning rate schedules evaluated on a
// fractional-epoch cursor
package schedule

import (
	"fmt"
	"math"
)

// Schedule computes a learning rate from a fractional-epoch cursor.
// The cursor is epoch + batchIndex/stepsPerEpoch, so the learning rate
// moves smoothly within an epoch rather than in per-epoch jumps. A
// schedule is a pure function of its cursor; it holds no per-step
// state.
type Schedule interface {
	// LearnRate returns the learning rate at the given cursor
	LearnRate(cursor float64) float64
}

// Constant holds the learning rate fixed for the whole run
type Constant struct {
	baseLR float64
}

// NewConstant returns a Schedule that always yields lr
func NewConstant(lr float64) (*Constant, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("newconstant: learning rate must be "+
			"positive but got %v", lr)
	}
	return &Constant{baseLR: lr}, nil
}

// LearnRate returns the constant learning rate
func (c *Constant) LearnRate(cursor float64) float64 {
	return c.baseLR
}

// Step decays the learning rate by a multiplicative factor gamma every
// interval epochs
type Step struct {
	baseLR   float64
	interval float64
	gamma    float64
}

// NewStep returns a step decay Schedule
func NewStep(lr float64, interval int, gamma float64) (*Step, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("newstep: learning rate must be positive "+
			"but got %v", lr)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("newstep: interval must be positive but "+
			"got %v", interval)
	}
	if gamma <= 0 || gamma >= 1 {
		return nil, fmt.Errorf("newstep: gamma must be in (0, 1) but "+
			"got %v", gamma)
	}
	return &Step{baseLR: lr, interval: float64(interval), gamma: gamma}, nil
}

// LearnRate returns the learning rate at the given cursor
func (s *Step) LearnRate(cursor float64) float64 {
	if cursor < 0 {
		cursor = 0
	}
	times := math.Floor(cursor / s.interval)
	return s.baseLR * math.Pow(s.gamma, times)
}

// Exponential decays the learning rate by gamma per epoch
type Exponential struct {
	baseLR float64
	gamma  float64
}

// NewExponential returns an exponential decay Schedule
func NewExponential(lr, gamma float64) (*Exponential, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("newexponential: learning rate must be "+
			"positive but got %v", lr)
	}
	if gamma <= 0 || gamma >= 1 {
		return nil, fmt.Errorf("newexponential: gamma must be in (0, 1) "+
			"but got %v", gamma)
	}
	return &Exponential{baseLR: lr, gamma: gamma}, nil
}

// LearnRate returns the learning rate at the given cursor
func (e *Exponential) LearnRate(cursor float64) float64 {
	if cursor < 0 {
		cursor = 0
	}
	return e.baseLR * math.Pow(e.gamma, cursor)
}

// Cosine anneals the learning rate from the base rate to etaMin over
// tMax epochs following half a cosine period, then holds at etaMin
type Cosine struct {
	baseLR float64
	tMax   float64
	etaMin float64
}

// NewCosine returns a cosine annealing Schedule over tMax epochs
func NewCosine(lr float64, tMax int, etaMin float64) (*Cosine, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("newcosine: learning rate must be "+
			"positive but got %v", lr)
	}
	if tMax <= 0 {
		return nil, fmt.Errorf("newcosine: tMax must be positive but "+
			"got %v", tMax)
	}
	if etaMin < 0 || etaMin > lr {
		return nil, fmt.Errorf("newcosine: etaMin must be in [0, lr] "+
			"but got %v", etaMin)
	}
	return &Cosine{baseLR: lr, tMax: float64(tMax), etaMin: etaMin}, nil
}

// LearnRate returns the learning rate at the given cursor
func (c *Cosine) LearnRate(cursor float64) float64 {
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= c.tMax {
		return c.etaMin
	}
	return c.etaMin + (c.baseLR-c.etaMin)*
		(1+math.Cos(math.Pi*cursor/c.tMax))/2
}
