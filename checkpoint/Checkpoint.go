// Package checkpoint implements saving and restoring the full
// resumable training state
package checkpoint

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Tags name the two checkpoint artifacts kept per run. "latest" is
// written unconditionally at every epoch boundary; "best" only when a
// validation pass strictly improves on the recorded best loss.
const (
	TagLatest string = "latest"
	TagBest   string = "best"
)

// ErrNotFound is returned by Load when no artifact exists for the
// requested tag. A fresh training run treats this as zero-state;
// inference-only callers treat it as fatal.
var ErrNotFound = errors.New("checkpoint not found")

// Record holds everything needed to resume a run: counters, the best
// validation loss seen so far, and the gob-encoded state of the
// networks and their solvers. Discriminator fields are nil when the
// adversarial weight is zero. The GlobalStep counts samples, not
// batches; Epoch is carried for compatibility with records written
// before GlobalStep existed, but resume always rederives the epoch
// from the step.
type Record struct {
	Epoch      int
	GlobalStep int
	BestLoss   float64

	Generator     []byte
	Discriminator []byte
	GenSolver     []byte
	DiscSolver    []byte
}

// Manager reads and writes tagged checkpoint artifacts in a single
// directory. It never retains the live model or solver objects it
// serializes; it only ever borrows their encoded state for the
// duration of a call.
type Manager struct {
	dir string
}

// NewManager returns a Manager rooted at dir, creating it if needed
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("newmanager: could not create checkpoint "+
			"directory: %v", err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the directory the Manager writes into
func (m *Manager) Dir() string {
	return m.dir
}

// Save writes the record under the given tag. The record is first
// written to a temporary file and then renamed into place, so a crash
// mid-write can never leave a half-written artifact visible under the
// tag.
func (m *Manager) Save(record *Record, tag string) error {
	if tag != TagLatest && tag != TagBest {
		return fmt.Errorf("save: unknown tag %q", tag)
	}

	tmp := m.path(tag) + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("save: could not create checkpoint file: %v", err)
	}

	enc := gob.NewEncoder(file)
	if err := enc.Encode(record); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("save: could not encode checkpoint: %v", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save: could not close checkpoint file: %v", err)
	}

	if err := os.Rename(tmp, m.path(tag)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save: could not publish checkpoint: %v", err)
	}
	return nil
}

// Load reads the record saved under the given tag. A missing artifact
// yields ErrNotFound.
func (m *Manager) Load(tag string) (*Record, error) {
	if tag != TagLatest && tag != TagBest {
		return nil, fmt.Errorf("load: unknown tag %q", tag)
	}

	file, err := os.Open(m.path(tag))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("load %q: %w", tag, ErrNotFound)
		}
		return nil, fmt.Errorf("load: could not open checkpoint file: %v",
			err)
	}
	defer file.Close()

	var record Record
	dec := gob.NewDecoder(file)
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("load: could not decode checkpoint: %v", err)
	}
	return &record, nil
}

func (m *Manager) path(tag string) string {
	return filepath.Join(m.dir, tag+".ckpt")
}
