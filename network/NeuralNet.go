// Package network implements the generator and discriminator networks
// as Gorgonia expression graphs
package network

import (
	"encoding/gob"

	G "gorgonia.org/gorgonia"
)

// NeuralNet is a feedforward network whose layers live on a Gorgonia
// expression graph. Fwd may be applied to more than one input node on
// the same graph; every application reuses the same weight nodes, so a
// discriminator can score real and fake batches with shared weights.
type NeuralNet interface {
	// Graph returns the computational graph holding the network's
	// weights
	Graph() *G.ExprGraph

	// Features returns the number of input features of the network
	Features() int

	// Outputs returns the number of output features of the network
	Outputs() int

	// Fwd adds the network's forward pass on the input node to the
	// computational graph
	Fwd(*G.Node) (*G.Node, error)

	// Learnables returns the learnable weight nodes of the network
	Learnables() G.Nodes

	// Model returns the learnable nodes with their gradients
	Model() []G.ValueGrad

	// CloneTo clones the network onto another graph, copying the
	// current weight values
	CloneTo(*G.ExprGraph) (NeuralNet, error)

	// Set overwrites this network's weight values with those of
	// another network of identical architecture
	Set(NeuralNet) error

	// SetTraining toggles training mode. Evaluation mode disables any
	// stochastic layer behaviour.
	SetTraining(bool)

	gob.GobEncoder
	gob.GobDecoder
}
