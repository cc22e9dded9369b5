package train

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/gantrylab/gantry/accum"
	"github.com/gantrylab/gantry/checkpoint"
	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/data"
	"github.com/gantrylab/gantry/report"
	"github.com/gantrylab/gantry/schedule"
	"github.com/gantrylab/gantry/utils/progressbar"
)

// Trainer runs the epoch loop: batches are drawn from the training
// loader and fed to the step executor, losses are folded into an
// exponential moving average for the live training curves, validation
// passes gate the best checkpoint, and a resumable checkpoint is
// written at every epoch boundary.
//
// The global step counts samples, not batches, and is the single
// source of truth for resumption: the epoch to resume at and the
// number of already-completed batches to skip within it are both
// rederived from the step, so a checkpoint written mid-epoch resumes
// exactly where it left off.
type Trainer struct {
	conf   config.Config
	exec   Stepper
	loader data.Loader
	val    Validation
	writer report.Writer
	ckpts  *checkpoint.Manager
	genLR  schedule.Schedule
	discLR schedule.Schedule
	ema    *accum.Exponential

	// Verbose enables the terminal progress bar
	Verbose bool

	globalStep int
	bestLoss   float64
}

// New returns a Trainer for a fresh run. val may be nil for runs
// without held-out data; such runs never write a best checkpoint.
// discLR is ignored for pretrain-only runs and may be nil then.
func New(conf config.Config, exec Stepper, loader data.Loader,
	val Validation, writer report.Writer, ckpts *checkpoint.Manager,
	genLR, discLR schedule.Schedule) (*Trainer, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	if genLR == nil {
		return nil, fmt.Errorf("new: generator schedule is required")
	}
	if conf.Adversarial() && discLR == nil {
		return nil, fmt.Errorf("new: adversarial training requires a " +
			"discriminator schedule")
	}
	if loader.BatchSize() != conf.BatchSize {
		return nil, fmt.Errorf("new: loader batch size mismatch"+
			"\n\twant(%v)\n\thave(%v)", conf.BatchSize, loader.BatchSize())
	}

	ema, err := accum.NewExponential(conf.EMAMomentum, TrainKeys...)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	return &Trainer{
		conf:     conf,
		exec:     exec,
		loader:   loader,
		val:      val,
		writer:   writer,
		ckpts:    ckpts,
		genLR:    genLR,
		discLR:   discLR,
		ema:      ema,
		bestLoss: math.Inf(1),
	}, nil
}

// GlobalStep returns the number of samples trained on so far
func (t *Trainer) GlobalStep() int {
	return t.globalStep
}

// BestLoss returns the best validation loss seen so far
func (t *Trainer) BestLoss() float64 {
	return t.bestLoss
}

// Resume restores the trainer from the latest checkpoint if one
// exists. A missing checkpoint leaves the trainer in its fresh state.
func (t *Trainer) Resume() error {
	record, err := t.ckpts.Load(checkpoint.TagLatest)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resume: %v", err)
	}

	if err := t.exec.Restore(record); err != nil {
		return fmt.Errorf("resume: %v", err)
	}

	t.globalStep = record.GlobalStep
	if record.GlobalStep == 0 && record.Epoch > 0 {
		// Records written before the global step existed carried only
		// the epoch; reconstruct the step at that epoch boundary
		t.globalStep = record.Epoch * t.loader.Size()
	}
	t.bestLoss = record.BestLoss
	return nil
}

// Run trains until the configured number of epochs completes or the
// context is cancelled. Cancellation is graceful: the current batch
// finishes, one latest checkpoint is written, and Run returns the
// context's error.
func (t *Trainer) Run(ctx context.Context) error {
	size := t.loader.Size()
	steps := t.loader.Steps()
	startEpoch := t.globalStep / size

	// Batches already completed within the first resumed epoch. The
	// loader's shuffle order is not reproduced across processes; the
	// skip preserves the epoch accounting, not the exact batch
	// identities.
	skip := (t.globalStep % size) / t.conf.BatchSize

	var bar *progressbar.ProgressBar
	if t.Verbose {
		bar = progressbar.New(40, steps)
	}

	for epoch := startEpoch; epoch < t.conf.NumEpochs; epoch++ {
		adversarial := t.conf.Adversarial() &&
			epoch >= t.conf.PretrainEpochs

		t.loader.Reset()
		if bar != nil {
			bar.Reset()
		}

		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				if err := t.save(checkpoint.TagLatest, epoch); err != nil {
					return err
				}
				if err := t.writer.Flush(); err != nil {
					return fmt.Errorf("run: %v", err)
				}
				return ctx.Err()
			default:
			}

			batch, ok := t.loader.Next()
			if !ok {
				break
			}
			if skip > 0 {
				skip--
				continue
			}

			cursor := float64(epoch) + float64(i)/float64(steps)
			t.exec.SetGenLearnRate(t.genLR.LearnRate(cursor))
			if t.conf.Adversarial() {
				t.exec.SetDiscLearnRate(t.discLR.LearnRate(
					cursor - float64(t.conf.PretrainEpochs)))
			}

			values, err := t.exec.Step(batch, adversarial)
			if err != nil {
				return fmt.Errorf("run: epoch %v batch %v: %v", epoch, i,
					err)
			}
			t.globalStep += batch.Rows()

			if err := t.ema.Fold(values); err != nil {
				return fmt.Errorf("run: %v", err)
			}

			if err := t.emit(batch, cursor); err != nil {
				return err
			}

			if bar != nil {
				snapshot := t.ema.Snapshot()
				bar.SetDescription(fmt.Sprintf(
					"Epoch: %v/%v | Gen loss: %.4f | Disc loss: %.4f",
					epoch+1, t.conf.NumEpochs, snapshot[KeyGLoss],
					snapshot[KeyDLoss]))
				bar.Increment(1)
				bar.Display()
			}
		}

		// A loader may deliver a short epoch; leftover skips must not
		// swallow batches of the next one
		skip = 0

		if err := t.endOfEpoch(epoch); err != nil {
			return err
		}
	}

	if bar != nil {
		bar.Close()
	}
	return t.writer.Flush()
}

// emit writes the scalar and image events due at the current step
func (t *Trainer) emit(batch data.Batch, cursor float64) error {
	step := t.globalStep / t.conf.BatchSize

	if step%t.conf.ScalarInterval == 0 {
		snapshot := t.ema.Snapshot()
		for _, key := range t.ema.Keys() {
			t.writer.Scalar("Train_Metrics/"+key, snapshot[key],
				t.globalStep)
		}
		t.writer.Scalar("Train_Metrics/gen_lr",
			t.genLR.LearnRate(cursor), t.globalStep)
		if t.conf.Adversarial() {
			t.writer.Scalar("Train_Metrics/disc_lr", t.discLR.LearnRate(
				cursor-float64(t.conf.PretrainEpochs)), t.globalStep)
		}
	}

	if step%t.conf.ImageInterval == 0 {
		if err := t.emitImages(batch); err != nil {
			return fmt.Errorf("emit: %v", err)
		}
	}
	return nil
}

// emitImages runs an evaluation forward pass on the batch and emits
// the (source, output, target) triple of its first sample
func (t *Trainer) emitImages(batch data.Batch) error {
	_, output, err := t.exec.EvalStep(batch)
	if err != nil {
		return err
	}

	triple := []struct {
		name   string
		pixels []float64
	}{
		{"source", data.Row(batch.Source, 0)},
		{"output", data.Row(output, 0)},
		{"target", data.Row(batch.Target, 0)},
	}
	for _, image := range triple {
		err := t.writer.Image("Train_Images/"+image.name,
			data.Denormalize(image.pixels), t.conf.ImageHeight,
			t.conf.ImageWidth, t.globalStep)
		if err != nil {
			return err
		}
	}
	t.writer.Text("Train_Images/filename", batch.Filenames[0],
		t.globalStep)
	return nil
}

// endOfEpoch runs the validation pass if one is due, then writes the
// epoch-boundary checkpoints. The latest checkpoint is written after
// validation so that it always carries the up-to-date best loss.
func (t *Trainer) endOfEpoch(epoch int) error {
	improved := false
	if t.val != nil && epoch%t.conf.ValidationInterval == 0 {
		valLoss, err := t.val.Run(t.exec, t.globalStep)
		if err != nil {
			return fmt.Errorf("run: validation after epoch %v: %v", epoch,
				err)
		}
		if valLoss < t.bestLoss {
			t.bestLoss = valLoss
			improved = true
		}
	}

	if err := t.save(checkpoint.TagLatest, epoch+1); err != nil {
		return err
	}
	if improved {
		if err := t.save(checkpoint.TagBest, epoch+1); err != nil {
			return err
		}
	}
	return t.writer.Flush()
}

// save snapshots the executor and writes it under the given tag
func (t *Trainer) save(tag string, epoch int) error {
	record, err := t.exec.Snapshot(epoch, t.globalStep, t.bestLoss)
	if err != nil {
		return fmt.Errorf("save: %v", err)
	}
	if err := t.ckpts.Save(record, tag); err != nil {
		return fmt.Errorf("save: %v", err)
	}
	return nil
}
