// Package train implements the training orchestrator: the per-batch
// step executor, the validation pass, and the epoch loop that ties
// them to checkpoints, schedules, and reporting
package train

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/gantrylab/gantry/accum"
	"github.com/gantrylab/gantry/checkpoint"
	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/data"
	"github.com/gantrylab/gantry/loss"
	"github.com/gantrylab/gantry/metrics"
	"github.com/gantrylab/gantry/network"
	"github.com/gantrylab/gantry/solver"
)

// Names of the scalar series folded and emitted during training. The
// schema is fixed: a run that never trains a discriminator still folds
// an explicit d_loss of 0 so that every step carries the same keys.
const (
	KeyGLoss     string = "g_loss"
	KeyDLoss     string = "d_loss"
	KeyAdvLoss   string = "adversarial_loss"
	KeyPercLoss  string = "perception_loss"
	KeyImageLoss string = "image_loss"
	KeyTrainPSNR string = "train_PSNR"
	KeyPSNR      string = "PSNR"
	KeySSIM      string = "SSIM"
)

// TrainKeys is the per-step loss schema in emission order
var TrainKeys = []string{KeyGLoss, KeyDLoss, KeyAdvLoss, KeyPercLoss,
	KeyImageLoss, KeyTrainPSNR}

// Stepper runs optimization and inference steps over batches. The
// orchestrator and the validator depend only on this interface so that
// they can be exercised against scripted implementations.
type Stepper interface {
	// Step runs one training step on the batch and returns the step's
	// loss values under the fixed training schema
	Step(batch data.Batch, adversarial bool) (accum.Values, error)

	// EvalStep runs a forward pass without updating any weights,
	// returning the reconstruction loss and the generated batch
	EvalStep(batch data.Batch) (float64, *tensor.Dense, error)

	// Infer runs the generator on a source batch with no targets
	Infer(source *tensor.Dense) (*tensor.Dense, error)

	// Snapshot serializes the networks and solvers into a checkpoint
	// record carrying the given counters
	Snapshot(epoch, globalStep int, bestLoss float64) (*checkpoint.Record,
		error)

	// Restore replaces the networks' and solvers' state with that of a
	// checkpoint record
	Restore(*checkpoint.Record) error

	// SetGenLearnRate sets the generator learning rate for subsequent
	// steps
	SetGenLearnRate(float64)

	// SetDiscLearnRate sets the discriminator learning rate for
	// subsequent steps
	SetDiscLearnRate(float64)
}

// Executor runs training steps on two Gorgonia graphs. The generator
// graph holds the generator, its compound loss, and a frozen mirror of
// the discriminator so that the adversarial term can be
// backpropagated through critic weights that the generator step never
// updates. The discriminator graph holds the real critic, which
// scores the real targets against generated images delivered as plain
// input tensors, so no generator gradient ever reaches the critic. The
// mirror is refreshed from the critic after every discriminator step.
//
// The adversarial term is gated by a weight input node: pretrain steps
// set it to 0, which zeroes both the term and its gradient, so one
// compiled graph serves both training modes.
type Executor struct {
	batchSize int
	features  int
	advWeight float64

	// Generator graph
	gGraph    *G.ExprGraph
	generator network.NeuralNet
	mirror    network.NeuralNet
	gSource   *G.Node
	gTarget   *G.Node
	output    *G.Node
	outputVal G.Value
	genLoss   *loss.Generator
	gVM       G.VM

	// Discriminator graph; nil fields when the adversarial weight is 0
	dGraph   *G.ExprGraph
	disc     network.NeuralNet
	dReal    *G.Node
	dFake    *G.Node
	discLoss *loss.Discriminator
	dVM      G.VM

	genSolver  solver.Stateful
	discSolver solver.Stateful
}

// NewExecutor builds the training graphs described by the
// configuration. The configuration must already be validated.
func NewExecutor(c config.Config) (*Executor, error) {
	init := c.WeightInit.InitWFn()
	e := &Executor{
		batchSize: c.BatchSize,
		features:  c.Features(),
		advWeight: c.AdversarialWeight,
		genSolver: c.GenSolver,
	}

	// Discriminator graph first, so its weights exist to be mirrored
	// into the generator graph
	if c.Adversarial() {
		e.dGraph = G.NewGraph()

		disc, err := network.NewDiscriminator(e.dGraph, e.features,
			c.DiscHiddenSizes, init)
		if err != nil {
			return nil, fmt.Errorf("newexecutor: could not construct "+
				"discriminator: %v", err)
		}
		e.disc = disc
		e.discSolver = c.DiscSolver

		e.dReal = G.NewMatrix(e.dGraph, tensor.Float64,
			G.WithShape(e.batchSize, e.features), G.WithName("realInput"))
		e.dFake = G.NewMatrix(e.dGraph, tensor.Float64,
			G.WithShape(e.batchSize, e.features), G.WithName("fakeInput"))

		realLogit, err := disc.Fwd(e.dReal)
		if err != nil {
			return nil, fmt.Errorf("newexecutor: %v", err)
		}
		fakeLogit, err := disc.Fwd(e.dFake)
		if err != nil {
			return nil, fmt.Errorf("newexecutor: %v", err)
		}

		e.discLoss, err = loss.NewDiscriminator(realLogit, fakeLogit)
		if err != nil {
			return nil, fmt.Errorf("newexecutor: %v", err)
		}
		if _, err := G.Grad(e.discLoss.Node(),
			disc.Learnables()...); err != nil {
			return nil, fmt.Errorf("newexecutor: could not compute "+
				"discriminator gradient: %v", err)
		}
		e.dVM = G.NewTapeMachine(e.dGraph,
			G.BindDualValues(disc.Learnables()...))
	}

	// Generator graph
	e.gGraph = G.NewGraph()

	generator, err := network.NewGenerator(e.gGraph, e.features,
		c.GenHiddenSizes, init)
	if err != nil {
		return nil, fmt.Errorf("newexecutor: could not construct "+
			"generator: %v", err)
	}
	e.generator = generator

	e.gSource = G.NewMatrix(e.gGraph, tensor.Float64,
		G.WithShape(e.batchSize, e.features), G.WithName("sourceInput"))
	e.gTarget = G.NewMatrix(e.gGraph, tensor.Float64,
		G.WithShape(e.batchSize, e.features), G.WithName("targetInput"))

	e.output, err = generator.Fwd(e.gSource)
	if err != nil {
		return nil, fmt.Errorf("newexecutor: %v", err)
	}
	G.Read(e.output, &e.outputVal)

	var mirrorLogit *G.Node
	if e.disc != nil {
		mirror, err := e.disc.CloneTo(e.gGraph)
		if err != nil {
			return nil, fmt.Errorf("newexecutor: could not mirror "+
				"discriminator: %v", err)
		}
		e.mirror = mirror

		mirrorLogit, err = mirror.Fwd(e.output)
		if err != nil {
			return nil, fmt.Errorf("newexecutor: %v", err)
		}
	}

	e.genLoss, err = loss.NewGenerator(e.gGraph, e.output, e.gTarget,
		mirrorLogit, c.PerceptionWeight, c.Seed)
	if err != nil {
		return nil, fmt.Errorf("newexecutor: %v", err)
	}

	if _, err := G.Grad(e.genLoss.Node(),
		generator.Learnables()...); err != nil {
		return nil, fmt.Errorf("newexecutor: could not compute "+
			"generator gradient: %v", err)
	}
	e.gVM = G.NewTapeMachine(e.gGraph,
		G.BindDualValues(generator.Learnables()...))

	return e, nil
}

// Step runs one training step on the batch. In pretrain mode only the
// generator is updated and its adversarial term is weighted by 0; in
// adversarial mode the discriminator is stepped first on the batch's
// real targets and the current generator's outputs, the mirror is
// refreshed, and then the generator is stepped against the updated
// critic.
func (e *Executor) Step(batch data.Batch,
	adversarial bool) (accum.Values, error) {
	if batch.Rows() != e.batchSize {
		return nil, fmt.Errorf("step: batch size mismatch\n\twant(%v)"+
			"\n\thave(%v)", e.batchSize, batch.Rows())
	}
	if batch.Target == nil {
		return nil, fmt.Errorf("step: training batch has no targets")
	}
	if adversarial && e.disc == nil {
		return nil, fmt.Errorf("step: adversarial step requested but no " +
			"discriminator was constructed")
	}

	values := accum.Values{KeyDLoss: 0.0}

	if adversarial {
		// Generate the current fakes without stepping. The fakes cross
		// to the discriminator graph as plain tensors, so the critic
		// update cannot backpropagate into the generator.
		fake, err := e.forward(batch.Source, batch.Target, 0.0)
		if err != nil {
			return nil, fmt.Errorf("step: %v", err)
		}
		if err := zeroGrads(e.generator.Model()); err != nil {
			return nil, fmt.Errorf("step: %v", err)
		}

		if err := G.Let(e.dReal, batch.Target); err != nil {
			return nil, fmt.Errorf("step: %v", err)
		}
		if err := G.Let(e.dFake, fake); err != nil {
			return nil, fmt.Errorf("step: %v", err)
		}
		if err := e.dVM.RunAll(); err != nil {
			return nil, fmt.Errorf("step: discriminator pass failed: %v",
				err)
		}
		values[KeyDLoss] = e.discLoss.Total()
		if err := e.discSolver.Step(e.disc.Model()); err != nil {
			return nil, fmt.Errorf("step: discriminator update failed: "+
				"%v", err)
		}
		e.dVM.Reset()

		if err := e.mirror.Set(e.disc); err != nil {
			return nil, fmt.Errorf("step: could not refresh mirror: %v",
				err)
		}
	}

	weight := 0.0
	if adversarial {
		weight = e.advWeight
	}

	output, err := e.forward(batch.Source, batch.Target, weight)
	if err != nil {
		return nil, fmt.Errorf("step: %v", err)
	}
	if err := e.genSolver.Step(e.generator.Model()); err != nil {
		return nil, fmt.Errorf("step: generator update failed: %v", err)
	}

	values[KeyGLoss] = e.genLoss.Total()
	values[KeyAdvLoss] = e.genLoss.Adversarial()
	values[KeyPercLoss] = e.genLoss.Perception()
	values[KeyImageLoss] = e.genLoss.Image()

	psnr, err := batchPSNR(output, batch.Target)
	if err != nil {
		return nil, fmt.Errorf("step: %v", err)
	}
	values[KeyTrainPSNR] = psnr

	return values, nil
}

// EvalStep runs a forward pass on the batch without updating any
// weights, returning the reconstruction loss (the generator loss with
// the adversarial term weighted by 0) and the generated batch
func (e *Executor) EvalStep(batch data.Batch) (float64, *tensor.Dense,
	error) {
	if batch.Rows() != e.batchSize {
		return 0, nil, fmt.Errorf("evalstep: batch size mismatch"+
			"\n\twant(%v)\n\thave(%v)", e.batchSize, batch.Rows())
	}
	if batch.Target == nil {
		return 0, nil, fmt.Errorf("evalstep: batch has no targets")
	}

	e.generator.SetTraining(false)
	defer e.generator.SetTraining(true)

	output, err := e.forward(batch.Source, batch.Target, 0.0)
	if err != nil {
		return 0, nil, fmt.Errorf("evalstep: %v", err)
	}
	if err := zeroGrads(e.generator.Model()); err != nil {
		return 0, nil, fmt.Errorf("evalstep: %v", err)
	}
	return e.genLoss.Total(), output, nil
}

// Infer runs the generator on a source batch that has no targets. The
// source must be a full (batchSize x features) matrix.
func (e *Executor) Infer(source *tensor.Dense) (*tensor.Dense, error) {
	if source.Shape()[0] != e.batchSize {
		return nil, fmt.Errorf("infer: batch size mismatch\n\twant(%v)"+
			"\n\thave(%v)", e.batchSize, source.Shape()[0])
	}

	e.generator.SetTraining(false)
	defer e.generator.SetTraining(true)

	// The loss terms need a target input; the source stands in and the
	// resulting loss values are discarded
	output, err := e.forward(source, source, 0.0)
	if err != nil {
		return nil, fmt.Errorf("infer: %v", err)
	}
	if err := zeroGrads(e.generator.Model()); err != nil {
		return nil, fmt.Errorf("infer: %v", err)
	}
	return output, nil
}

// forward runs the generator graph once on the given inputs and
// returns a copy of the generated batch. The run deposits gradients
// into the generator's dual values; callers that do not consume them
// with a solver step must discard them with zeroGrads, since gradients
// accumulate across runs.
func (e *Executor) forward(source, target *tensor.Dense,
	advWeight float64) (*tensor.Dense, error) {
	if err := G.Let(e.gSource, source); err != nil {
		return nil, err
	}
	if err := G.Let(e.gTarget, target); err != nil {
		return nil, err
	}
	if err := e.genLoss.SetAdversarialWeight(advWeight); err != nil {
		return nil, err
	}

	if err := e.gVM.RunAll(); err != nil {
		return nil, fmt.Errorf("generator pass failed: %v", err)
	}
	e.gVM.Reset()

	output, ok := e.outputVal.(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("generator output is a %T, not a tensor",
			e.outputVal)
	}
	return output.Clone().(*tensor.Dense), nil
}

// Snapshot serializes the networks and solvers into a checkpoint
// record. Discriminator fields stay nil for pretrain-only runs.
func (e *Executor) Snapshot(epoch, globalStep int,
	bestLoss float64) (*checkpoint.Record, error) {
	record := &checkpoint.Record{
		Epoch:      epoch,
		GlobalStep: globalStep,
		BestLoss:   bestLoss,
	}

	var err error
	if record.Generator, err = e.generator.GobEncode(); err != nil {
		return nil, fmt.Errorf("snapshot: could not encode generator: %v",
			err)
	}
	if record.GenSolver, err = e.genSolver.State(); err != nil {
		return nil, fmt.Errorf("snapshot: could not encode generator "+
			"solver: %v", err)
	}

	if e.disc != nil {
		if record.Discriminator, err = e.disc.GobEncode(); err != nil {
			return nil, fmt.Errorf("snapshot: could not encode "+
				"discriminator: %v", err)
		}
		if record.DiscSolver, err = e.discSolver.State(); err != nil {
			return nil, fmt.Errorf("snapshot: could not encode "+
				"discriminator solver: %v", err)
		}
	}
	return record, nil
}

// Restore replaces the networks' and solvers' state with that of a
// checkpoint record. A record without discriminator state leaves the
// current discriminator untouched, so a run that adds an adversarial
// phase on top of a pretrain-only checkpoint starts its critic fresh.
func (e *Executor) Restore(record *checkpoint.Record) error {
	if err := e.generator.GobDecode(record.Generator); err != nil {
		return fmt.Errorf("restore: could not decode generator: %v", err)
	}
	if len(record.GenSolver) > 0 {
		if err := e.genSolver.SetState(record.GenSolver); err != nil {
			return fmt.Errorf("restore: could not decode generator "+
				"solver: %v", err)
		}
	}

	if e.disc != nil && len(record.Discriminator) > 0 {
		if err := e.disc.GobDecode(record.Discriminator); err != nil {
			return fmt.Errorf("restore: could not decode discriminator: "+
				"%v", err)
		}
		if err := e.mirror.Set(e.disc); err != nil {
			return fmt.Errorf("restore: could not refresh mirror: %v", err)
		}
		if len(record.DiscSolver) > 0 {
			if err := e.discSolver.SetState(record.DiscSolver); err != nil {
				return fmt.Errorf("restore: could not decode "+
					"discriminator solver: %v", err)
			}
		}
	}
	return nil
}

// SetGenLearnRate sets the generator learning rate for subsequent
// steps
func (e *Executor) SetGenLearnRate(lr float64) {
	e.genSolver.SetLearnRate(lr)
}

// SetDiscLearnRate sets the discriminator learning rate for subsequent
// steps. It is a no-op for pretrain-only runs.
func (e *Executor) SetDiscLearnRate(lr float64) {
	if e.discSolver != nil {
		e.discSolver.SetLearnRate(lr)
	}
}

// Close releases the executor's virtual machines
func (e *Executor) Close() error {
	if err := e.gVM.Close(); err != nil {
		return fmt.Errorf("close: %v", err)
	}
	if e.dVM != nil {
		if err := e.dVM.Close(); err != nil {
			return fmt.Errorf("close: %v", err)
		}
	}
	return nil
}

// zeroGrads discards the gradients accumulated on the model's dual
// values
func zeroGrads(model []G.ValueGrad) error {
	for i, vg := range model {
		grad, err := vg.Grad()
		if err != nil {
			return fmt.Errorf("zerograds: parameter %v: %v", i, err)
		}
		backing, ok := grad.Data().([]float64)
		if !ok {
			return fmt.Errorf("zerograds: parameter %v holds %T data",
				i, grad.Data())
		}
		for j := range backing {
			backing[j] = 0.0
		}
	}
	return nil
}

// batchPSNR returns the mean PSNR over the rows of a generated batch
// against its targets, computed on denormalized pixel data
func batchPSNR(output, target *tensor.Dense) (float64, error) {
	rows := output.Shape()[0]
	var sum float64
	for i := 0; i < rows; i++ {
		psnr, err := metrics.PSNR(
			data.Denormalize(data.Row(output, i)),
			data.Denormalize(data.Row(target, i)),
			1.0,
		)
		if err != nil {
			return 0, err
		}
		sum += psnr
	}
	return sum / float64(rows), nil
}
