// Package data implements batch delivery for training, validation,
// and test streams
package data

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"
)

// Batch is one fully-materialized batch of samples. Source and Target
// are (batch x features) matrices of flattened images normalized to
// [-1, 1]. Target is nil for test-only streams, which carry no ground
// truth. Filenames identifies each row of the batch.
type Batch struct {
	Source    *tensor.Dense
	Target    *tensor.Dense
	Filenames []string
}

// Rows returns the number of samples in the batch
func (b Batch) Rows() int {
	return b.Source.Shape()[0]
}

// Features returns the flattened feature count of one sample
func (b Batch) Features() int {
	return b.Source.Shape()[1]
}

// Loader delivers batches in sequence. Batches are always delivered
// fully materialized and in order; any parallelism used to produce
// them is invisible to the caller. A Loader may deliver fewer batches
// than Steps() declares (a short epoch); callers must tolerate this.
type Loader interface {
	// Next returns the next batch, or ok == false when the epoch is
	// exhausted
	Next() (Batch, bool)

	// Reset rewinds the Loader to the start of an epoch
	Reset()

	// Steps returns the declared number of batches per epoch
	Steps() int

	// Size returns the number of samples per epoch
	Size() int

	// BatchSize returns the number of samples per batch
	BatchSize() int
}

// Sample is a single (source, target, filename) triple. Target may be
// nil for test-only samples.
type Sample struct {
	Source   []float64
	Target   []float64
	Filename string
}

// TensorLoader is an in-memory Loader over a slice of samples. It
// trims the epoch to full batches, matching a drop-last batching
// policy.
type TensorLoader struct {
	samples   []Sample
	features  int
	batchSize int
	cursor    int
	rng       *rand.Rand
}

// NewTensorLoader returns a Loader over the given samples. If seed is
// non-nil, samples are reshuffled with it at every Reset.
func NewTensorLoader(samples []Sample, features, batchSize int,
	seed *uint64) (*TensorLoader, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("newtensorloader: no samples")
	}
	if batchSize <= 0 || batchSize > len(samples) {
		return nil, fmt.Errorf("newtensorloader: invalid batch size "+
			"%v for %v samples", batchSize, len(samples))
	}
	for i, sample := range samples {
		if len(sample.Source) != features {
			return nil, fmt.Errorf("newtensorloader: sample %v has %v "+
				"features but expected %v", i, len(sample.Source), features)
		}
		if sample.Target != nil && len(sample.Target) != features {
			return nil, fmt.Errorf("newtensorloader: sample %v target "+
				"has %v features but expected %v", i, len(sample.Target),
				features)
		}
	}

	var rng *rand.Rand
	if seed != nil {
		rng = rand.New(rand.NewSource(*seed))
	}

	return &TensorLoader{
		samples:   append([]Sample{}, samples...),
		features:  features,
		batchSize: batchSize,
		rng:       rng,
	}, nil
}

// Next returns the next batch of the epoch
func (t *TensorLoader) Next() (Batch, bool) {
	if t.cursor+t.batchSize > len(t.samples) {
		return Batch{}, false
	}

	rows := t.samples[t.cursor : t.cursor+t.batchSize]
	t.cursor += t.batchSize

	sourceBacking := make([]float64, 0, t.batchSize*t.features)
	var targetBacking []float64
	hasTarget := rows[0].Target != nil
	if hasTarget {
		targetBacking = make([]float64, 0, t.batchSize*t.features)
	}
	filenames := make([]string, len(rows))

	for i, row := range rows {
		sourceBacking = append(sourceBacking, row.Source...)
		if hasTarget {
			targetBacking = append(targetBacking, row.Target...)
		}
		filenames[i] = row.Filename
	}

	batch := Batch{
		Source: tensor.New(
			tensor.WithShape(t.batchSize, t.features),
			tensor.WithBacking(sourceBacking),
		),
		Filenames: filenames,
	}
	if hasTarget {
		batch.Target = tensor.New(
			tensor.WithShape(t.batchSize, t.features),
			tensor.WithBacking(targetBacking),
		)
	}
	return batch, true
}

// Reset rewinds the Loader, reshuffling if it was seeded
func (t *TensorLoader) Reset() {
	t.cursor = 0
	if t.rng != nil {
		t.rng.Shuffle(len(t.samples), func(i, j int) {
			t.samples[i], t.samples[j] = t.samples[j], t.samples[i]
		})
	}
}

// Steps returns the number of full batches per epoch
func (t *TensorLoader) Steps() int {
	return len(t.samples) / t.batchSize
}

// Size returns the number of samples per epoch
func (t *TensorLoader) Size() int {
	return t.Steps() * t.batchSize
}

// BatchSize returns the number of samples per batch
func (t *TensorLoader) BatchSize() int {
	return t.batchSize
}

// Row extracts row i of a (batch x features) matrix as a flat slice
func Row(m *tensor.Dense, i int) []float64 {
	features := m.Shape()[1]
	backing := m.Data().([]float64)
	out := make([]float64, features)
	copy(out, backing[i*features:(i+1)*features])
	return out
}

// Denormalize maps values from [-1, 1] to [0, 1], the range assumed by
// the metric kernels and the image sink
func Denormalize(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v*0.5 + 0.5
	}
	return out
}
