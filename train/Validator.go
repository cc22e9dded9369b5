package train

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/fogleman/gg"
	"gorgonia.org/tensor"

	"github.com/gantrylab/gantry/accum"
	"github.com/gantrylab/gantry/data"
	"github.com/gantrylab/gantry/metrics"
	"github.com/gantrylab/gantry/report"
	"github.com/gantrylab/gantry/utils/floatutils"
)

// Validation runs one full pass over held-out data and returns its
// mean generator loss. The orchestrator compares the returned loss
// against the best seen so far.
type Validation interface {
	Run(stepper Stepper, step int) (float64, error)
}

// Validator evaluates the generator over a held-out loader, emitting
// mean metrics and a qualitative image triple for one fixed tracked
// sample. An empty pass (a loader that delivers no batches) emits
// nothing and returns +Inf, which can never beat a recorded best loss.
type Validator struct {
	loader  data.Loader
	writer  report.Writer
	tracked string
	height  int
	width   int
	ssim    bool
}

// NewValidator returns a Validator over the given loader. tracked
// names the sample whose (source, output, target) triple is emitted as
// image events every pass; if no delivered batch contains it, no image
// events are emitted. withSSIM additionally computes the SSIM metric,
// which is reserved for final-evaluation passes.
func NewValidator(loader data.Loader, writer report.Writer,
	tracked string, height, width int, withSSIM bool) *Validator {
	return &Validator{
		loader:  loader,
		writer:  writer,
		tracked: tracked,
		height:  height,
		width:   width,
		ssim:    withSSIM,
	}
}

// Run evaluates the generator over one full pass of the loader. All
// scalar events are keyed by the given global step.
func (v *Validator) Run(stepper Stepper, step int) (float64, error) {
	keys := []string{KeyGLoss, KeyPSNR}
	if v.ssim {
		keys = append(keys, KeySSIM)
	}
	acc := accum.NewAverage(keys...)

	v.loader.Reset()
	trackedEmitted := false
	for {
		batch, ok := v.loader.Next()
		if !ok {
			break
		}

		gLoss, output, err := stepper.EvalStep(batch)
		if err != nil {
			return 0, fmt.Errorf("run: %v", err)
		}

		values := accum.Values{KeyGLoss: gLoss}
		if err := v.foldImageMetrics(values, output, batch.Target); err != nil {
			return 0, fmt.Errorf("run: %v", err)
		}
		if err := acc.Fold(values); err != nil {
			return 0, fmt.Errorf("run: %v", err)
		}

		if !trackedEmitted {
			emitted, err := v.emitTracked(batch, output, step)
			if err != nil {
				return 0, fmt.Errorf("run: %v", err)
			}
			trackedEmitted = emitted
		}
	}

	if acc.Folds() == 0 {
		return math.Inf(1), nil
	}

	snapshot := acc.Snapshot()
	for _, key := range acc.Keys() {
		v.writer.Scalar("Val_Metrics/"+key, snapshot[key], step)
	}
	return snapshot[KeyGLoss], nil
}

// foldImageMetrics adds the batch-mean PSNR (and SSIM when enabled) to
// the step's values
func (v *Validator) foldImageMetrics(values accum.Values, output,
	target *tensor.Dense) error {
	rows := output.Shape()[0]
	var psnrSum, ssimSum float64
	for i := 0; i < rows; i++ {
		out := data.Denormalize(data.Row(output, i))
		want := data.Denormalize(data.Row(target, i))

		psnr, err := metrics.PSNR(out, want, 1.0)
		if err != nil {
			return err
		}
		psnrSum += psnr

		if v.ssim {
			ssim, err := metrics.SSIM(out, want, 1.0)
			if err != nil {
				return err
			}
			ssimSum += ssim
		}
	}

	values[KeyPSNR] = psnrSum / float64(rows)
	if v.ssim {
		values[KeySSIM] = ssimSum / float64(rows)
	}
	return nil
}

// emitTracked emits the (source, output, target) image triple for the
// tracked sample if the batch contains it. It reports whether the
// triple was emitted, so that the first match ends the search for the
// rest of the pass.
func (v *Validator) emitTracked(batch data.Batch, output *tensor.Dense,
	step int) (bool, error) {
	if v.tracked == "" {
		return true, nil
	}

	for i, filename := range batch.Filenames {
		if filename != v.tracked {
			continue
		}

		triple := map[string]*tensor.Dense{
			"source": batch.Source,
			"output": output,
			"target": batch.Target,
		}
		for name, m := range triple {
			pixels := data.Denormalize(data.Row(m, i))
			err := v.writer.Image("Val_Images/"+name, pixels, v.height,
				v.width, step)
			if err != nil {
				return false, err
			}
		}
		v.writer.Text("Val_Images/filename", filename, step)
		return true, nil
	}
	return false, nil
}

// Tester runs the generator over a target-free test loader. Every
// generated image is written to an output directory as PNG named after
// its source sample, and the tracked sample's (source, output) pair is
// additionally emitted through the reporting sink.
type Tester struct {
	loader  data.Loader
	writer  report.Writer
	outDir  string
	tracked string
	height  int
	width   int
}

// NewTester returns a Tester writing generated images into outDir
func NewTester(loader data.Loader, writer report.Writer, outDir,
	tracked string, height, width int) (*Tester, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("newtester: could not create output "+
			"directory: %v", err)
	}
	return &Tester{
		loader:  loader,
		writer:  writer,
		outDir:  outDir,
		tracked: tracked,
		height:  height,
		width:   width,
	}, nil
}

// Run generates an output image for every test sample and saves it
// under the Tester's output directory. Image events for the tracked
// sample are keyed by the given global step.
func (t *Tester) Run(stepper Stepper, step int) error {
	t.loader.Reset()
	for {
		batch, ok := t.loader.Next()
		if !ok {
			break
		}

		output, err := stepper.Infer(batch.Source)
		if err != nil {
			return fmt.Errorf("run: %v", err)
		}

		for i, filename := range batch.Filenames {
			pixels := data.Denormalize(data.Row(output, i))
			if err := t.save(filename, pixels); err != nil {
				return fmt.Errorf("run: %v", err)
			}

			if t.tracked != "" && filename == t.tracked {
				source := data.Denormalize(data.Row(batch.Source, i))
				err := t.writer.Image("Test_Images/source", source,
					t.height, t.width, step)
				if err != nil {
					return fmt.Errorf("run: %v", err)
				}
				err = t.writer.Image("Test_Images/output", pixels,
					t.height, t.width, step)
				if err != nil {
					return fmt.Errorf("run: %v", err)
				}
				t.writer.Text("Test_Images/filename", filename, step)
			}
		}
	}
	return nil
}

// save renders one generated image to a PNG named after its source
// sample
func (t *Tester) save(filename string, pixels []float64) error {
	ctx := gg.NewContext(t.width, t.height)
	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			p := floatutils.Clip(pixels[y*t.width+x], 0.0, 1.0)
			ctx.SetRGB(p, p, p)
			ctx.SetPixel(x, y)
		}
	}

	base := strings.TrimSuffix(filepath.Base(filename),
		filepath.Ext(filename))
	out := filepath.Join(t.outDir, base+".png")
	if err := ctx.SavePNG(out); err != nil {
		return fmt.Errorf("save: could not write %v: %v", out, err)
	}
	return nil
}
