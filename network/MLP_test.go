package network

import (
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// run compiles the graph holding net's forward pass on input and
// returns the output value
func run(t *testing.T, g *G.ExprGraph, out *G.Node) G.Value {
	t.Helper()

	var outVal G.Value
	G.Read(out, &outVal)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("runall: %v", err)
	}
	return outVal
}

func inputNode(g *G.ExprGraph, batch, features int,
	backing []float64) *G.Node {
	return G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(batch, features),
		G.WithName("input"),
		G.WithValue(tensor.New(
			tensor.WithShape(batch, features),
			tensor.WithBacking(backing),
		)),
	)
}

func TestGeneratorOutputShapeAndRange(t *testing.T) {
	batch, features := 2, 8
	g := G.NewGraph()

	gen, err := NewGenerator(g, features, []int{16, 16}, G.GlorotN(1.0))
	if err != nil {
		t.Fatalf("newgenerator: %v", err)
	}

	backing := make([]float64, batch*features)
	for i := range backing {
		backing[i] = 0.5
	}
	input := inputNode(g, batch, features, backing)

	out, err := gen.Fwd(input)
	if err != nil {
		t.Fatalf("fwd: %v", err)
	}

	outVal := run(t, g, out)
	shape := outVal.Shape()
	if shape[0] != batch || shape[1] != features {
		t.Fatalf("expected shape (%v, %v) but got %v", batch, features,
			shape)
	}

	for _, v := range outVal.Data().([]float64) {
		if v < -1.0 || v > 1.0 {
			t.Fatalf("tanh output out of range: %v", v)
		}
	}
}

func TestDiscriminatorSharedWeightsAcrossInputs(t *testing.T) {
	batch, features := 3, 4
	g := G.NewGraph()

	disc, err := NewDiscriminator(g, features, []int{8}, G.GlorotN(1.0))
	if err != nil {
		t.Fatalf("newdiscriminator: %v", err)
	}

	backing := make([]float64, batch*features)
	for i := range backing {
		backing[i] = 0.25
	}
	real := inputNode(g, batch, features, backing)
	fake := inputNode(g, batch, features, append([]float64{}, backing...))

	realLogit, err := disc.Fwd(real)
	if err != nil {
		t.Fatalf("fwd real: %v", err)
	}
	fakeLogit, err := disc.Fwd(fake)
	if err != nil {
		t.Fatalf("fwd fake: %v", err)
	}

	var realVal, fakeVal G.Value
	G.Read(realLogit, &realVal)
	G.Read(fakeLogit, &fakeVal)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("runall: %v", err)
	}

	// Identical inputs through shared weights must score identically
	realData := realVal.Data().([]float64)
	fakeData := fakeVal.Data().([]float64)
	for i := range realData {
		if realData[i] != fakeData[i] {
			t.Fatalf("logit %v differs across identical inputs: %v != %v",
				i, realData[i], fakeData[i])
		}
	}

	// Two Fwd applications must not have duplicated the weights
	if len(disc.Learnables()) != 4 {
		t.Errorf("expected 4 learnables but got %v", len(disc.Learnables()))
	}
}

func TestGobRoundTrip(t *testing.T) {
	features := 6
	g1 := G.NewGraph()
	source, err := NewGenerator(g1, features, []int{12}, G.GlorotN(1.0))
	if err != nil {
		t.Fatalf("newgenerator: %v", err)
	}

	encoded, err := source.GobEncode()
	if err != nil {
		t.Fatalf("gobencode: %v", err)
	}

	// Decode into a fresh network built with the same architecture but
	// different initial weights
	g2 := G.NewGraph()
	dest, err := NewGenerator(g2, features, []int{12}, G.GlorotU(1.0))
	if err != nil {
		t.Fatalf("newgenerator: %v", err)
	}
	if err := dest.GobDecode(encoded); err != nil {
		t.Fatalf("gobdecode: %v", err)
	}

	sourceLearnables := source.Learnables()
	destLearnables := dest.Learnables()
	for i := range sourceLearnables {
		want := sourceLearnables[i].Value().Data().([]float64)
		have := destLearnables[i].Value().Data().([]float64)
		for j := range want {
			if want[j] != have[j] {
				t.Fatalf("learnable %v element %v: expected %v but got %v",
					i, j, want[j], have[j])
			}
		}
	}
}

func TestGobDecodeArchitectureMismatch(t *testing.T) {
	g1 := G.NewGraph()
	source, err := NewGenerator(g1, 6, []int{12}, G.GlorotN(1.0))
	if err != nil {
		t.Fatalf("newgenerator: %v", err)
	}
	encoded, err := source.GobEncode()
	if err != nil {
		t.Fatalf("gobencode: %v", err)
	}

	g2 := G.NewGraph()
	dest, err := NewGenerator(g2, 6, []int{8}, G.GlorotN(1.0))
	if err != nil {
		t.Fatalf("newgenerator: %v", err)
	}
	if err := dest.GobDecode(encoded); err == nil {
		t.Error("expected an error decoding into a different architecture")
	}
}

func TestSetCopiesWeights(t *testing.T) {
	features := 4
	g1 := G.NewGraph()
	a, err := NewDiscriminator(g1, features, []int{8}, G.GlorotN(1.0))
	if err != nil {
		t.Fatalf("newdiscriminator: %v", err)
	}

	g2 := G.NewGraph()
	b, err := NewDiscriminator(g2, features, []int{8}, G.GlorotU(1.0))
	if err != nil {
		t.Fatalf("newdiscriminator: %v", err)
	}

	if err := b.Set(a); err != nil {
		t.Fatalf("set: %v", err)
	}

	aLearnables := a.Learnables()
	bLearnables := b.Learnables()
	for i := range aLearnables {
		want := aLearnables[i].Value().Data().([]float64)
		have := bLearnables[i].Value().Data().([]float64)
		for j := range want {
			if want[j] != have[j] {
				t.Fatalf("learnable %v element %v not copied", i, j)
			}
		}
	}
}

func TestCloneToPreservesValues(t *testing.T) {
	g1 := G.NewGraph()
	original, err := NewDiscriminator(g1, 4, []int{8}, G.GlorotN(1.0))
	if err != nil {
		t.Fatalf("newdiscriminator: %v", err)
	}

	g2 := G.NewGraph()
	clone, err := original.CloneTo(g2)
	if err != nil {
		t.Fatalf("cloneto: %v", err)
	}
	if clone.Graph() != g2 {
		t.Fatal("clone lives on the wrong graph")
	}

	origLearnables := original.Learnables()
	cloneLearnables := clone.Learnables()
	if len(origLearnables) != len(cloneLearnables) {
		t.Fatalf("learnable count mismatch: %v != %v",
			len(origLearnables), len(cloneLearnables))
	}
	for i := range origLearnables {
		want := origLearnables[i].Value().Data().([]float64)
		have := cloneLearnables[i].Value().Data().([]float64)
		for j := range want {
			if want[j] != have[j] {
				t.Fatalf("learnable %v element %v not preserved", i, j)
			}
		}
	}
}
