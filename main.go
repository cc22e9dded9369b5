package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"

	"golang.org/x/exp/rand"

	"github.com/gantrylab/gantry/checkpoint"
	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/data"
	"github.com/gantrylab/gantry/initwfn"
	"github.com/gantrylab/gantry/report"
	"github.com/gantrylab/gantry/schedule"
	"github.com/gantrylab/gantry/solver"
	"github.com/gantrylab/gantry/train"
	"github.com/gantrylab/gantry/utils/floatutils"
)

func main() {
	var seed uint64 = 192382

	// Create the run configuration
	genSolver, err := solver.NewDefaultAdam(2e-4)
	if err != nil {
		log.Fatal(err)
	}
	discSolver, err := solver.NewDefaultAdam(2e-4)
	if err != nil {
		log.Fatal(err)
	}
	init, err := initwfn.NewGlorotN(1.0)
	if err != nil {
		log.Fatal(err)
	}

	conf := config.Config{
		AdversarialWeight:  0.05,
		PerceptionWeight:   1.0,
		PretrainEpochs:     5,
		NumEpochs:          20,
		BatchSize:          8,
		ValidationInterval: 2,
		ScalarInterval:     4,
		ImageInterval:      40,
		StaticValImage:     "val_0000.png",
		StaticTestImage:    "test_0000.png",
		ImageHeight:        16,
		ImageWidth:         16,
		GenHiddenSizes:     []int{128, 64, 128},
		DiscHiddenSizes:    []int{64, 32},
		WeightInit:         init,
		GenSolver:          genSolver,
		DiscSolver:         discSolver,
		EMAMomentum:        0.99,
		CheckpointDir:      "./checkpoints",
		LogDir:             "./runs",
		Seed:               seed,
	}
	if err := conf.Validate(); err != nil {
		log.Fatal(err)
	}

	// Synthetic degraded-to-clean image pairs stand in for a real
	// dataset
	trainLoader := loader(conf, seed, 256, "train", true, true)
	valLoader := loader(conf, seed+1, 64, "val", true, false)
	testLoader := loader(conf, seed+2, 32, "test", false, false)

	// Create the executor and its collaborators
	exec, err := train.NewExecutor(conf)
	if err != nil {
		log.Fatal(err)
	}
	defer exec.Close()

	writer, err := report.NewLogdir(conf.LogDir)
	if err != nil {
		log.Fatal(err)
	}
	ckpts, err := checkpoint.NewManager(conf.CheckpointDir)
	if err != nil {
		log.Fatal(err)
	}

	genLR, err := schedule.NewCosine(2e-4, conf.NumEpochs, 1e-6)
	if err != nil {
		log.Fatal(err)
	}
	discLR, err := schedule.NewConstant(2e-4)
	if err != nil {
		log.Fatal(err)
	}

	validator := train.NewValidator(valLoader, writer,
		conf.StaticValImage, conf.ImageHeight, conf.ImageWidth, false)

	trainer, err := train.New(conf, exec, trainLoader, validator, writer,
		ckpts, genLR, discLR)
	if err != nil {
		log.Fatal(err)
	}
	trainer.Verbose = true

	// Resume from the latest checkpoint if one exists; an interrupt
	// saves one and exits cleanly
	if err := trainer.Resume(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = trainer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		fmt.Println("\ninterrupted; latest checkpoint saved")
		return
	}
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println()

	// Final evaluation with the best model seen during training
	record, err := ckpts.Load(checkpoint.TagBest)
	if errors.Is(err, checkpoint.ErrNotFound) {
		record, err = ckpts.Load(checkpoint.TagLatest)
	}
	if err != nil {
		log.Fatal(err)
	}
	if err := exec.Restore(record); err != nil {
		log.Fatal(err)
	}

	eval := train.NewValidator(valLoader, writer, conf.StaticValImage,
		conf.ImageHeight, conf.ImageWidth, true)
	evalLoss, err := eval.Run(exec, record.GlobalStep)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("evaluation loss with best model: %v\n", evalLoss)

	// Export generated images for the target-free test split
	tester, err := train.NewTester(testLoader, writer,
		filepath.Join(conf.LogDir, "generated"), conf.StaticTestImage,
		conf.ImageHeight, conf.ImageWidth)
	if err != nil {
		log.Fatal(err)
	}
	if err := tester.Run(exec, record.GlobalStep); err != nil {
		log.Fatal(err)
	}

	if err := writer.Flush(); err != nil {
		log.Fatal(err)
	}
}

// loader builds an in-memory split of synthetic image pairs. Targets
// are smooth sinusoidal patterns; sources are the same patterns
// corrupted by noise, so the generator learns a denoising mapping.
// Target-free splits model test data without ground truth.
func loader(conf config.Config, seed uint64, n int, prefix string,
	withTargets, shuffle bool) data.Loader {
	rng := rand.New(rand.NewSource(seed))
	features := conf.Features()

	samples := make([]data.Sample, n)
	for i := range samples {
		phase := rng.Float64() * 2 * math.Pi
		freqX := 1 + rng.Float64()*3
		freqY := 1 + rng.Float64()*3

		target := make([]float64, features)
		source := make([]float64, features)
		for y := 0; y < conf.ImageHeight; y++ {
			for x := 0; x < conf.ImageWidth; x++ {
				j := y*conf.ImageWidth + x
				target[j] = 0.8 * math.Sin(
					phase+
						freqX*float64(x)/float64(conf.ImageWidth)*math.Pi+
						freqY*float64(y)/float64(conf.ImageHeight)*math.Pi)
				source[j] = floatutils.Clip(
					target[j]+rng.NormFloat64()*0.3, -1.0, 1.0)
			}
		}

		samples[i] = data.Sample{
			Source:   source,
			Filename: fmt.Sprintf("%v_%04d.png", prefix, i),
		}
		if withTargets {
			samples[i].Target = target
		}
	}

	var shuffleSeed *uint64
	if shuffle {
		shuffleSeed = &seed
	}
	l, err := data.NewTensorLoader(samples, features, conf.BatchSize,
		shuffleSeed)
	if err != nil {
		log.Fatal(err)
	}
	return l
}
