package network

import (
	G "gorgonia.org/gorgonia"
)

// NewGenerator returns the image-to-image generator: an
// encoder-decoder over flattened image vectors. Hidden layers use
// ReLU; the output layer uses tanh so that generated images live in
// the same [-1, 1] range as the normalized training data.
func NewGenerator(g *G.ExprGraph, features int, hiddenSizes []int,
	init G.InitWFn) (NeuralNet, error) {
	sizes := append([]int{}, hiddenSizes...)
	sizes = append(sizes, features)

	activations := make([]*Activation, len(sizes))
	for i := range activations {
		activations[i] = ReLU()
	}
	activations[len(activations)-1] = TanH()

	return newMLP(g, features, features, sizes, activations, init, "gen")
}

// NewDiscriminator returns the adversarial critic: a network scoring a
// flattened image with a single real-vs-generated logit. Hidden layers
// use leaky ReLU as is conventional for adversarial critics; the logit
// has no activation, leaving its interpretation to the loss.
func NewDiscriminator(g *G.ExprGraph, features int, hiddenSizes []int,
	init G.InitWFn) (NeuralNet, error) {
	sizes := append([]int{}, hiddenSizes...)
	sizes = append(sizes, 1)

	activations := make([]*Activation, len(sizes))
	for i := range activations {
		activations[i] = LeakyReLU()
	}
	activations[len(activations)-1] = Identity()

	return newMLP(g, features, 1, sizes, activations, init, "disc")
}
