package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"gorgonia.org/tensor"

	"github.com/gantrylab/gantry/accum"
	"github.com/gantrylab/gantry/checkpoint"
	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/data"
	"github.com/gantrylab/gantry/initwfn"
	"github.com/gantrylab/gantry/report"
	"github.com/gantrylab/gantry/schedule"
	"github.com/gantrylab/gantry/solver"
)

// fakeStepper records every call the orchestrator makes so that tests
// can assert on the exact sequence of steps, modes, and checkpoints
type fakeStepper struct {
	adversarialFlags []bool
	restored         *checkpoint.Record
	genLRs           []float64
	discLRs          []float64

	// onStep is called after every Step with the number of Steps taken
	// so far; tests use it to cancel the run mid-epoch
	onStep func(steps int)
}

func (f *fakeStepper) Step(batch data.Batch,
	adversarial bool) (accum.Values, error) {
	f.adversarialFlags = append(f.adversarialFlags, adversarial)
	if f.onStep != nil {
		f.onStep(len(f.adversarialFlags))
	}
	return accum.Values{
		KeyGLoss:     1.0,
		KeyDLoss:     0.0,
		KeyAdvLoss:   0.0,
		KeyPercLoss:  0.25,
		KeyImageLoss: 0.75,
		KeyTrainPSNR: 20.0,
	}, nil
}

func (f *fakeStepper) EvalStep(batch data.Batch) (float64,
	*tensor.Dense, error) {
	return 0.5, batch.Source.Clone().(*tensor.Dense), nil
}

func (f *fakeStepper) Infer(source *tensor.Dense) (*tensor.Dense,
	error) {
	return source.Clone().(*tensor.Dense), nil
}

func (f *fakeStepper) Snapshot(epoch, globalStep int,
	bestLoss float64) (*checkpoint.Record, error) {
	return &checkpoint.Record{
		Epoch:      epoch,
		GlobalStep: globalStep,
		BestLoss:   bestLoss,
		Generator:  []byte{1},
		GenSolver:  []byte{1},
	}, nil
}

func (f *fakeStepper) Restore(record *checkpoint.Record) error {
	f.restored = record
	return nil
}

func (f *fakeStepper) SetGenLearnRate(lr float64) {
	f.genLRs = append(f.genLRs, lr)
}

func (f *fakeStepper) SetDiscLearnRate(lr float64) {
	f.discLRs = append(f.discLRs, lr)
}

// fakeValidation returns a scripted sequence of validation losses and
// records the global step of each run
type fakeValidation struct {
	losses []float64
	steps  []int
	runs   int
}

func (f *fakeValidation) Run(stepper Stepper, step int) (float64,
	error) {
	if f.runs >= len(f.losses) {
		return 0, fmt.Errorf("unexpected validation run %v", f.runs+1)
	}
	loss := f.losses[f.runs]
	f.runs++
	f.steps = append(f.steps, step)
	return loss, nil
}

// trainLoader returns a deterministic loader over n samples of the
// given feature count
func trainLoader(t *testing.T, n, features, batchSize int) data.Loader {
	t.Helper()

	samples := make([]data.Sample, n)
	for i := range samples {
		source := make([]float64, features)
		target := make([]float64, features)
		for j := range source {
			source[j] = float64(i+j)/float64(n+features) - 0.5
			target[j] = -source[j]
		}
		samples[i] = data.Sample{
			Source:   source,
			Target:   target,
			Filename: fmt.Sprintf("img_%04d.png", i),
		}
	}

	loader, err := data.NewTensorLoader(samples, features, batchSize, nil)
	if err != nil {
		t.Fatalf("newtensorloader: %v", err)
	}
	return loader
}

func trainerConfig(t *testing.T, adversarialWeight float64) config.Config {
	t.Helper()

	genSolver, err := solver.NewDefaultAdam(1e-3)
	if err != nil {
		t.Fatalf("newdefaultadam: %v", err)
	}
	init, err := initwfn.NewGlorotN(1.0)
	if err != nil {
		t.Fatalf("newglorotn: %v", err)
	}

	c := config.Config{
		AdversarialWeight:  adversarialWeight,
		PerceptionWeight:   1.0,
		PretrainEpochs:     1,
		NumEpochs:          3,
		BatchSize:          2,
		ValidationInterval: 1,
		ScalarInterval:     100,
		ImageInterval:      1000,
		ImageHeight:        2,
		ImageWidth:         2,
		GenHiddenSizes:     []int{3},
		WeightInit:         init,
		GenSolver:          genSolver,
		EMAMomentum:        0.9,
		CheckpointDir:      t.TempDir(),
		LogDir:             t.TempDir(),
	}
	if adversarialWeight > 0 {
		discSolver, err := solver.NewDefaultAdam(1e-3)
		if err != nil {
			t.Fatalf("newdefaultadam: %v", err)
		}
		c.DiscHiddenSizes = []int{3}
		c.DiscSolver = discSolver
	}
	return c
}

func constant(t *testing.T, lr float64) schedule.Schedule {
	t.Helper()
	s, err := schedule.NewConstant(lr)
	if err != nil {
		t.Fatalf("newconstant: %v", err)
	}
	return s
}

func newTrainer(t *testing.T, c config.Config, stepper Stepper,
	loader data.Loader, val Validation,
	writer report.Writer) (*Trainer, *checkpoint.Manager) {
	t.Helper()

	ckpts, err := checkpoint.NewManager(c.CheckpointDir)
	if err != nil {
		t.Fatalf("newmanager: %v", err)
	}

	var discLR schedule.Schedule
	if c.Adversarial() {
		discLR = constant(t, 1e-3)
	}
	trainer, err := New(c, stepper, loader, val, writer, ckpts,
		constant(t, 1e-3), discLR)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return trainer, ckpts
}

func TestRunCompletesAllEpochs(t *testing.T) {
	c := trainerConfig(t, 0.0)
	stepper := &fakeStepper{}
	loader := trainLoader(t, 10, c.Features(), c.BatchSize)
	val := &fakeValidation{losses: []float64{0.5, 0.4, 0.3}}

	trainer, ckpts := newTrainer(t, c, stepper, loader, val,
		report.NewMemory())
	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// 5 batches per epoch over 3 epochs
	if len(stepper.adversarialFlags) != 15 {
		t.Errorf("expected 15 steps but got %v",
			len(stepper.adversarialFlags))
	}
	if trainer.GlobalStep() != 30 {
		t.Errorf("expected global step 30 but got %v",
			trainer.GlobalStep())
	}

	record, err := ckpts.Load(checkpoint.TagLatest)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if record.Epoch != 3 || record.GlobalStep != 30 {
		t.Errorf("latest checkpoint at epoch %v step %v, expected 3/30",
			record.Epoch, record.GlobalStep)
	}
}

func TestPretrainOnlyRunNeverStepsAdversarially(t *testing.T) {
	// A zero adversarial weight forces pretrain mode in every epoch,
	// even past PretrainEpochs
	c := trainerConfig(t, 0.0)
	stepper := &fakeStepper{}
	loader := trainLoader(t, 10, c.Features(), c.BatchSize)

	trainer, _ := newTrainer(t, c, stepper, loader,
		&fakeValidation{losses: []float64{0.5, 0.4, 0.3}},
		report.NewMemory())
	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	for i, adversarial := range stepper.adversarialFlags {
		if adversarial {
			t.Errorf("step %v ran adversarially", i)
		}
	}
	if len(stepper.discLRs) != 0 {
		t.Error("discriminator schedule applied in a pretrain-only run")
	}
}

func TestModeSwitchesAfterPretrainEpochs(t *testing.T) {
	c := trainerConfig(t, 0.5)
	stepper := &fakeStepper{}
	loader := trainLoader(t, 10, c.Features(), c.BatchSize)

	trainer, _ := newTrainer(t, c, stepper, loader,
		&fakeValidation{losses: []float64{0.5, 0.4, 0.3}},
		report.NewMemory())
	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Epoch 0 pretrains, epochs 1 and 2 are adversarial
	for i, adversarial := range stepper.adversarialFlags {
		want := i >= 5
		if adversarial != want {
			t.Errorf("step %v: expected adversarial(%v) but got %v", i,
				want, adversarial)
		}
	}
}

func TestValidationFollowsEpochIndex(t *testing.T) {
	// With an interval of k, validation runs after epochs 0, k, 2k, ...
	c := trainerConfig(t, 0.0)
	c.NumEpochs = 2
	c.ValidationInterval = 2
	stepper := &fakeStepper{}
	loader := trainLoader(t, 10, c.Features(), c.BatchSize)
	val := &fakeValidation{losses: []float64{0.5}}

	trainer, _ := newTrainer(t, c, stepper, loader, val,
		report.NewMemory())
	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if val.runs != 1 {
		t.Fatalf("expected 1 validation run but got %v", val.runs)
	}
	if val.steps[0] != 10 {
		t.Errorf("validation ran at step %v, expected 10 (after epoch 0)",
			val.steps[0])
	}
}

// shortLoader delivers only a limited number of batches on its first
// pass, modelling an epoch cut short by data exhaustion
type shortLoader struct {
	data.Loader
	firstPassBatches int
	passes           int
	delivered        int
}

func (s *shortLoader) Next() (data.Batch, bool) {
	if s.passes == 1 && s.delivered >= s.firstPassBatches {
		return data.Batch{}, false
	}
	s.delivered++
	return s.Loader.Next()
}

func (s *shortLoader) Reset() {
	s.passes++
	s.delivered = 0
	s.Loader.Reset()
}

func TestResumeToleratesShortEpoch(t *testing.T) {
	// The resume skip applies only to the first resumed epoch: if that
	// epoch runs short of the skipped batch count, the leftover must
	// not swallow batches of the following epoch
	c := trainerConfig(t, 0.0)
	c.NumEpochs = 2
	stepper := &fakeStepper{}
	loader := &shortLoader{
		Loader:           trainLoader(t, 10, c.Features(), c.BatchSize),
		firstPassBatches: 2,
	}

	trainer, ckpts := newTrainer(t, c, stepper, loader,
		&fakeValidation{losses: []float64{0.5, 0.4}}, report.NewMemory())

	// 8 samples into a 10-sample epoch: epoch 0 with 4 of its 5
	// batches done, but the resumed epoch only delivers 2
	record, err := stepper.Snapshot(0, 8, 0.9)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := ckpts.Save(record, checkpoint.TagLatest); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := trainer.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// All 5 batches of epoch 1 train
	if len(stepper.adversarialFlags) != 5 {
		t.Errorf("expected 5 trained batches after resume but got %v",
			len(stepper.adversarialFlags))
	}
	if trainer.GlobalStep() != 18 {
		t.Errorf("expected global step 18 but got %v",
			trainer.GlobalStep())
	}
}

func TestResumeSkipsCompletedBatches(t *testing.T) {
	c := trainerConfig(t, 0.0)
	c.NumEpochs = 2
	stepper := &fakeStepper{}
	loader := trainLoader(t, 10, c.Features(), c.BatchSize)

	trainer, ckpts := newTrainer(t, c, stepper, loader,
		&fakeValidation{losses: []float64{0.5, 0.4}}, report.NewMemory())

	// A mid-epoch checkpoint: 16 samples into a 10-sample epoch means
	// epoch 1, with 3 of its 5 batches already done
	record, err := stepper.Snapshot(1, 16, 0.9)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := ckpts.Save(record, checkpoint.TagLatest); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := trainer.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if trainer.GlobalStep() != 16 {
		t.Fatalf("expected global step 16 but got %v",
			trainer.GlobalStep())
	}
	if trainer.BestLoss() != 0.9 {
		t.Errorf("expected best loss 0.9 but got %v", trainer.BestLoss())
	}
	if stepper.restored == nil {
		t.Fatal("executor state was not restored")
	}

	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Only the last 2 batches of epoch 1 remain
	if len(stepper.adversarialFlags) != 2 {
		t.Errorf("expected 2 steps after resume but got %v",
			len(stepper.adversarialFlags))
	}
	if trainer.GlobalStep() != 20 {
		t.Errorf("expected global step 20 but got %v",
			trainer.GlobalStep())
	}
}

func TestResumeRerunIsIdempotent(t *testing.T) {
	// Resuming from a finished run trains no further batches and
	// leaves the latest checkpoint unchanged
	c := trainerConfig(t, 0.0)
	c.NumEpochs = 2
	stepper := &fakeStepper{}
	loader := trainLoader(t, 10, c.Features(), c.BatchSize)

	trainer, ckpts := newTrainer(t, c, stepper, loader,
		&fakeValidation{losses: []float64{0.5, 0.4}}, report.NewMemory())
	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, err := ckpts.Load(checkpoint.TagLatest); err != nil {
		t.Fatalf("load: %v", err)
	}

	// The second trainer shares the first one's checkpoint directory
	resumed, _ := newTrainer(t, c, stepper, loader,
		&fakeValidation{losses: nil}, report.NewMemory())
	if err := resumed.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	before := len(stepper.adversarialFlags)
	if err := resumed.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(stepper.adversarialFlags) != before {
		t.Errorf("finished run trained %v more batches after resume",
			len(stepper.adversarialFlags)-before)
	}
}

func TestResumeFromEpochOnlyRecord(t *testing.T) {
	// Records written before the global step existed carry only the
	// epoch; resume reconstructs the step at that epoch boundary
	c := trainerConfig(t, 0.0)
	c.NumEpochs = 2
	stepper := &fakeStepper{}
	loader := trainLoader(t, 10, c.Features(), c.BatchSize)

	trainer, ckpts := newTrainer(t, c, stepper, loader,
		&fakeValidation{losses: []float64{0.5}}, report.NewMemory())

	record := &checkpoint.Record{Epoch: 1, GlobalStep: 0, BestLoss: 0.7}
	if err := ckpts.Save(record, checkpoint.TagLatest); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := trainer.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if trainer.GlobalStep() != 10 {
		t.Fatalf("expected reconstructed global step 10 but got %v",
			trainer.GlobalStep())
	}

	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(stepper.adversarialFlags) != 5 {
		t.Errorf("expected 5 steps for the remaining epoch but got %v",
			len(stepper.adversarialFlags))
	}
}

func TestBestCheckpointRequiresStrictImprovement(t *testing.T) {
	c := trainerConfig(t, 0.0)
	c.NumEpochs = 2
	stepper := &fakeStepper{}
	loader := trainLoader(t, 10, c.Features(), c.BatchSize)

	// The second validation ties the first; a tie must not refresh the
	// best checkpoint
	trainer, ckpts := newTrainer(t, c, stepper, loader,
		&fakeValidation{losses: []float64{0.5, 0.5}}, report.NewMemory())
	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	record, err := ckpts.Load(checkpoint.TagBest)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if record.BestLoss != 0.5 {
		t.Errorf("expected best loss 0.5 but got %v", record.BestLoss)
	}
	if record.GlobalStep != 10 {
		t.Errorf("best checkpoint was refreshed on a tie: written at "+
			"step %v, expected 10", record.GlobalStep)
	}
}

func TestEmptyValidationNeverWritesBest(t *testing.T) {
	c := trainerConfig(t, 0.0)
	stepper := &fakeStepper{}
	loader := trainLoader(t, 10, c.Features(), c.BatchSize)

	inf := math.Inf(1)
	trainer, ckpts := newTrainer(t, c, stepper, loader,
		&fakeValidation{losses: []float64{inf, inf, inf}},
		report.NewMemory())
	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, err := ckpts.Load(checkpoint.TagBest); !errors.Is(err,
		checkpoint.ErrNotFound) {
		t.Errorf("expected no best checkpoint but got %v", err)
	}
}

func TestCancellationSavesLatestOnly(t *testing.T) {
	c := trainerConfig(t, 0.0)
	loader := trainLoader(t, 10, c.Features(), c.BatchSize)

	ctx, cancel := context.WithCancel(context.Background())
	stepper := &fakeStepper{onStep: func(steps int) {
		if steps == 3 {
			cancel()
		}
	}}

	trainer, ckpts := newTrainer(t, c, stepper, loader,
		&fakeValidation{losses: []float64{0.5, 0.4, 0.3}},
		report.NewMemory())
	err := trainer.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled but got %v", err)
	}

	record, err := ckpts.Load(checkpoint.TagLatest)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if record.GlobalStep != 6 {
		t.Errorf("expected global step 6 at interruption but got %v",
			record.GlobalStep)
	}
	if _, err := ckpts.Load(checkpoint.TagBest); !errors.Is(err,
		checkpoint.ErrNotFound) {
		t.Error("interruption must not write a best checkpoint")
	}
}

func TestScalarEventsFollowInterval(t *testing.T) {
	c := trainerConfig(t, 0.0)
	c.NumEpochs = 1
	c.ScalarInterval = 2
	stepper := &fakeStepper{}
	loader := trainLoader(t, 10, c.Features(), c.BatchSize)
	writer := report.NewMemory()

	trainer, _ := newTrainer(t, c, stepper, loader,
		&fakeValidation{losses: []float64{0.5}}, writer)
	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Batch steps 2 and 4 of 5 are due; events are keyed by sample
	// count
	points := writer.Scalars["Train_Metrics/"+KeyGLoss]
	if len(points) != 2 {
		t.Fatalf("expected 2 scalar events but got %v", len(points))
	}
	if points[0].Step != 4 || points[1].Step != 8 {
		t.Errorf("expected events at steps 4 and 8 but got %v and %v",
			points[0].Step, points[1].Step)
	}

	// Every key of the schema is present, d_loss included
	for _, key := range TrainKeys {
		if len(writer.Scalars["Train_Metrics/"+key]) != 2 {
			t.Errorf("missing scalar events for %v", key)
		}
	}
}

func TestImageEventsFollowInterval(t *testing.T) {
	c := trainerConfig(t, 0.0)
	c.NumEpochs = 1
	c.ImageInterval = 2
	stepper := &fakeStepper{}
	loader := trainLoader(t, 10, c.Features(), c.BatchSize)
	writer := report.NewMemory()

	trainer, _ := newTrainer(t, c, stepper, loader,
		&fakeValidation{losses: []float64{0.5}}, writer)
	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Batch steps 2 and 4 of 5 are due
	for _, name := range []string{"source", "output", "target"} {
		steps := writer.Images["Train_Images/"+name]
		if len(steps) != 2 {
			t.Fatalf("expected 2 %v image events but got %v", name,
				len(steps))
		}
		if steps[0] != 4 || steps[1] != 8 {
			t.Errorf("%v images emitted at steps %v and %v, expected 4 "+
				"and 8", name, steps[0], steps[1])
		}
	}

	// Each triple identifies its sample through a text event
	texts := writer.Texts["Train_Images/filename"]
	if len(texts) != 2 {
		t.Fatalf("expected 2 filename events but got %v", len(texts))
	}
	if texts[0] != "img_0002.png" || texts[1] != "img_0006.png" {
		t.Errorf("expected filenames img_0002.png and img_0006.png but "+
			"got %v and %v", texts[0], texts[1])
	}
}
