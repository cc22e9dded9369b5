// Package config describes a full training run configuration
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gantrylab/gantry/initwfn"
	"github.com/gantrylab/gantry/solver"
)

// Config collects every option of a training run. It is JSON
// serializable so that experiments can be described by configuration
// files.
//
// An AdversarialWeight of zero disables the discriminator entirely:
// no critic network is built, no discriminator checkpoint state is
// written, and every epoch trains in pretrain mode regardless of
// PretrainEpochs.
type Config struct {
	// Loss weighting
	AdversarialWeight float64
	PerceptionWeight  float64

	// Epoch/step regimen
	PretrainEpochs     int
	NumEpochs          int
	BatchSize          int
	ValidationInterval int // epochs between validation passes
	ScalarInterval     int // steps between scalar logging events
	ImageInterval      int // steps between image logging events

	// Qualitative tracking
	StaticValImage  string
	StaticTestImage string

	// Image geometry; samples are flattened height*width vectors
	ImageHeight int
	ImageWidth  int

	// Network architecture
	GenHiddenSizes  []int
	DiscHiddenSizes []int
	WeightInit      *initwfn.InitWFn

	// Optimization
	GenSolver   *solver.Solver
	DiscSolver  *solver.Solver
	EMAMomentum float64

	// Device parallelism. The orchestrator treats replication as a
	// transparent wrapper around model invocation and never
	// special-cases it.
	DataParallel bool

	// Artifact locations
	CheckpointDir string
	LogDir        string

	Seed uint64
}

// Features returns the flattened feature count of one sample
func (c Config) Features() int {
	return c.ImageHeight * c.ImageWidth
}

// Adversarial returns whether the run trains a discriminator at all
func (c Config) Adversarial() bool {
	return c.AdversarialWeight > 0
}

// Validate returns an error describing the first invalid option found.
// Configuration errors are fatal and surfaced before any training
// begins.
func (c Config) Validate() error {
	if c.NumEpochs <= 0 {
		return fmt.Errorf("config: NumEpochs must be positive but got %v",
			c.NumEpochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: BatchSize must be positive but got %v",
			c.BatchSize)
	}
	if c.PretrainEpochs < 0 {
		return fmt.Errorf("config: PretrainEpochs must be non-negative "+
			"but got %v", c.PretrainEpochs)
	}
	if c.ValidationInterval <= 0 {
		return fmt.Errorf("config: ValidationInterval must be positive "+
			"but got %v", c.ValidationInterval)
	}
	if c.ScalarInterval <= 0 {
		return fmt.Errorf("config: ScalarInterval must be positive but "+
			"got %v", c.ScalarInterval)
	}
	if c.ImageInterval <= 0 {
		return fmt.Errorf("config: ImageInterval must be positive but "+
			"got %v", c.ImageInterval)
	}
	if c.ImageHeight <= 0 || c.ImageWidth <= 0 {
		return fmt.Errorf("config: image geometry must be positive but "+
			"got %vx%v", c.ImageHeight, c.ImageWidth)
	}
	if c.AdversarialWeight < 0 {
		return fmt.Errorf("config: AdversarialWeight must be "+
			"non-negative but got %v", c.AdversarialWeight)
	}
	if c.PerceptionWeight < 0 {
		return fmt.Errorf("config: PerceptionWeight must be "+
			"non-negative but got %v", c.PerceptionWeight)
	}
	if c.EMAMomentum < 0 || c.EMAMomentum >= 1 {
		return fmt.Errorf("config: EMAMomentum must be in [0, 1) but "+
			"got %v", c.EMAMomentum)
	}
	if len(c.GenHiddenSizes) == 0 {
		return fmt.Errorf("config: GenHiddenSizes must not be empty")
	}
	if c.WeightInit == nil {
		return fmt.Errorf("config: WeightInit is required")
	}
	if c.GenSolver == nil {
		return fmt.Errorf("config: GenSolver is required")
	}
	if c.Adversarial() {
		// An adversarial weight without a critic to produce logits is
		// unsatisfiable
		if len(c.DiscHiddenSizes) == 0 {
			return fmt.Errorf("config: nonzero AdversarialWeight " +
				"requires DiscHiddenSizes")
		}
		if c.DiscSolver == nil {
			return fmt.Errorf("config: nonzero AdversarialWeight " +
				"requires DiscSolver")
		}
	}
	return nil
}

// Load reads and validates a Config from a JSON file
func Load(filename string) (Config, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("load: could not read config: %v", err)
	}

	var c Config
	if err := json.Unmarshal(contents, &c); err != nil {
		return Config{}, fmt.Errorf("load: could not parse config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
