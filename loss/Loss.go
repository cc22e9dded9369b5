// Package loss assembles the generator and discriminator loss terms
// on a Gorgonia expression graph
package loss

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Generator holds the generator's compound loss: an L1 image term, a
// perceptual term computed in a fixed random feature projection, and a
// least-squares adversarial term gated by a weight node. The weight
// node is an input: setting it to zero in pretrain mode removes the
// adversarial term's gradient contribution without rebuilding the
// graph.
//
// After every VM run the named sub-terms are readable individually, so
// the folded loss mapping keeps the same shape in both training modes.
type Generator struct {
	total     *G.Node
	advWeight *G.Node

	totalVal G.Value
	imgVal   G.Value
	percVal  G.Value
	advVal   G.Value
}

// NewGenerator assembles the generator loss for output and target
// nodes on their graph. advLogit is the discriminator's score of the
// generator output and may be nil when no discriminator exists; in
// that case the adversarial term is the constant zero and the weight
// node is absent. The perceptual projection is generated from seed, so
// the same seed reproduces the same loss surface across processes; the
// projection is therefore never checkpointed.
func NewGenerator(g *G.ExprGraph, output, target, advLogit *G.Node,
	perceptionWeight float64, seed uint64) (*Generator, error) {
	if output.Shape()[1] != target.Shape()[1] {
		return nil, fmt.Errorf("newgenerator: output and target have "+
			"different feature counts: %v != %v", output.Shape()[1],
			target.Shape()[1])
	}
	features := output.Shape()[1]

	gen := &Generator{}

	// L1 reconstruction term
	imageLoss := G.Must(G.Mean(G.Must(G.Abs(G.Must(G.Sub(output,
		target))))))
	G.Read(imageLoss, &gen.imgVal)

	// Perceptual term: mean squared error in a fixed random projection
	// of the images. The projection stands in for a pretrained feature
	// extractor and is never trained, so gradients flow through it to
	// the generator but the projection itself stays fixed.
	projectionCols := features/2 + 1
	rng := rand.New(rand.NewSource(seed))
	backing := make([]float64, features*projectionCols)
	scale := 1.0 / math.Sqrt(float64(features))
	for i := range backing {
		backing[i] = rng.NormFloat64() * scale
	}
	projection := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(features, projectionCols),
		G.WithName("perceptionProjection"),
		G.WithValue(tensor.New(
			tensor.WithShape(features, projectionCols),
			tensor.WithBacking(backing),
		)),
	)
	outputFeatures := G.Must(G.Mul(output, projection))
	targetFeatures := G.Must(G.Mul(target, projection))
	perceptionLoss := G.Must(G.Mean(G.Must(G.Square(G.Must(G.Sub(
		outputFeatures, targetFeatures))))))
	G.Read(perceptionLoss, &gen.percVal)

	weightedPerception := G.Must(G.Mul(
		G.NewConstant(perceptionWeight, G.WithName("perceptionWeight")),
		perceptionLoss,
	))

	total := G.Must(G.Add(imageLoss, weightedPerception))

	if advLogit != nil {
		// Least-squares adversarial term: the generator is rewarded
		// for logits the critic scores as real (1)
		one := G.NewConstant(1.0)
		adversarialLoss := G.Must(G.Mean(G.Must(G.Square(G.Must(G.Sub(
			advLogit, one))))))
		G.Read(adversarialLoss, &gen.advVal)

		gen.advWeight = G.NewScalar(g, tensor.Float64,
			G.WithName("adversarialWeight"))
		weightedAdversarial := G.Must(G.Mul(gen.advWeight,
			adversarialLoss))
		total = G.Must(G.Add(total, weightedAdversarial))
	}

	gen.total = total
	G.Read(total, &gen.totalVal)
	return gen, nil
}

// Node returns the total loss node for gradient computation
func (l *Generator) Node() *G.Node {
	return l.total
}

// SetAdversarialWeight sets the adversarial weight input for the next
// VM run. It is an error to set a weight when no adversarial term was
// built.
func (l *Generator) SetAdversarialWeight(weight float64) error {
	if l.advWeight == nil {
		if weight == 0 {
			return nil
		}
		return fmt.Errorf("setadversarialweight: loss has no " +
			"adversarial term")
	}
	return G.Let(l.advWeight, weight)
}

// Total returns the total loss value after a VM run
func (l *Generator) Total() float64 {
	return scalar(l.totalVal)
}

// Image returns the L1 image term after a VM run
func (l *Generator) Image() float64 {
	return scalar(l.imgVal)
}

// Perception returns the perceptual term after a VM run
func (l *Generator) Perception() float64 {
	return scalar(l.percVal)
}

// Adversarial returns the adversarial term after a VM run, or exactly
// 0 when no adversarial term exists
func (l *Generator) Adversarial() float64 {
	if l.advVal == nil {
		return 0.0
	}
	return scalar(l.advVal)
}

// Discriminator holds the least-squares critic loss: real targets are
// scored toward 1 and generated images toward 0.
type Discriminator struct {
	total    *G.Node
	totalVal G.Value
}

// NewDiscriminator assembles the discriminator loss from the critic's
// logits for real and generated batches
func NewDiscriminator(realLogit, fakeLogit *G.Node) (*Discriminator,
	error) {
	if realLogit == nil || fakeLogit == nil {
		return nil, fmt.Errorf("newdiscriminator: nil logit node")
	}

	one := G.NewConstant(1.0)
	half := G.NewConstant(0.5)

	realLoss := G.Must(G.Mean(G.Must(G.Square(G.Must(G.Sub(realLogit,
		one))))))
	fakeLoss := G.Must(G.Mean(G.Must(G.Square(fakeLogit))))

	total := G.Must(G.Mul(half, G.Must(G.Add(realLoss, fakeLoss))))

	disc := &Discriminator{total: total}
	G.Read(total, &disc.totalVal)
	return disc, nil
}

// Node returns the total loss node for gradient computation
func (l *Discriminator) Node() *G.Node {
	return l.total
}

// Total returns the total loss value after a VM run
func (l *Discriminator) Total() float64 {
	return scalar(l.totalVal)
}

// scalar extracts a float64 from a scalar Value
func scalar(v G.Value) float64 {
	if v == nil {
		return 0.0
	}
	return v.Data().(float64)
}
