package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// weightState is the serialized form of one learnable node
type weightState struct {
	Shape []int
	Data  []float64
}

// mlp implements a fully connected feedforward network. Both the
// generator and the discriminator are mlps; they differ only in their
// layer sizes and activations.
type mlp struct {
	g      *G.ExprGraph
	layers []Layer
	name   string

	features int
	outputs  int
	training bool

	learnables G.Nodes
	model      []G.ValueGrad
}

// newMLP builds an mlp on graph g. hiddenSizes and activations
// describe every layer including the output layer, so
// len(hiddenSizes) == len(activations) and the final entry of
// hiddenSizes equals outputs.
func newMLP(g *G.ExprGraph, features, outputs int, hiddenSizes []int,
	activations []*Activation, init G.InitWFn, name string) (*mlp, error) {
	if len(hiddenSizes) != len(activations) {
		return nil, fmt.Errorf("newmlp: invalid number of activations"+
			"\n\twant(%d)\n\thave(%d)", len(hiddenSizes), len(activations))
	}
	if len(hiddenSizes) == 0 {
		return nil, fmt.Errorf("newmlp: no layers")
	}
	if hiddenSizes[len(hiddenSizes)-1] != outputs {
		return nil, fmt.Errorf("newmlp: final layer is of size %v but "+
			"claimed output is of size %v", hiddenSizes[len(hiddenSizes)-1],
			outputs)
	}

	layers := make([]Layer, len(hiddenSizes))
	in := features
	for i, out := range hiddenSizes {
		layers[i] = newFCLayer(g, in, out, activations[i], init,
			fmt.Sprintf("%vL%d", name, i))
		in = out
	}

	return &mlp{
		g:        g,
		layers:   layers,
		name:     name,
		features: features,
		outputs:  outputs,
		training: true,
	}, nil
}

// Graph returns the computational graph of the mlp
func (m *mlp) Graph() *G.ExprGraph {
	return m.g
}

// Features returns the number of input features of the mlp
func (m *mlp) Features() int {
	return m.features
}

// Outputs returns the number of outputs of the mlp
func (m *mlp) Outputs() int {
	return m.outputs
}

// Fwd adds the forward pass of the mlp on the input node to the
// computational graph. Repeated calls reuse the same weight nodes.
func (m *mlp) Fwd(input *G.Node) (*G.Node, error) {
	inputShape := input.Shape()[len(input.Shape())-1]
	if inputShape != m.features {
		return nil, fmt.Errorf("fwd: invalid shape for input to neural "+
			"net:\n\twant(%v)\n\thave(%v)", m.features, inputShape)
	}

	pred := input
	var err error
	for i, l := range m.layers {
		if pred, err = l.fwd(pred); err != nil {
			return nil, fmt.Errorf("fwd: could not compute forward pass "+
				"of layer %v: %v", i, err)
		}
	}
	return pred, nil
}

// Learnables returns the learnable nodes in the mlp
func (m *mlp) Learnables() G.Nodes {
	// Lazy instantiation
	if m.learnables == nil {
		learnables := make([]*G.Node, 0, 2*len(m.layers))
		for i := range m.layers {
			learnables = append(learnables, m.layers[i].Weights())
			if bias := m.layers[i].Bias(); bias != nil {
				learnables = append(learnables, bias)
			}
		}
		m.learnables = G.Nodes(learnables)
	}
	return m.learnables
}

// Model returns the learnable nodes with their gradients
func (m *mlp) Model() []G.ValueGrad {
	// Lazy instantiation
	if m.model == nil {
		model := make([]G.ValueGrad, 0, 2*len(m.layers))
		for _, node := range m.Learnables() {
			model = append(model, node)
		}
		m.model = model
	}
	return m.model
}

// CloneTo clones the mlp onto another graph, copying the current
// weight values
func (m *mlp) CloneTo(g *G.ExprGraph) (NeuralNet, error) {
	layers := make([]Layer, len(m.layers))
	for i := range m.layers {
		layers[i] = m.layers[i].CloneTo(g)
	}
	return &mlp{
		g:        g,
		layers:   layers,
		name:     m.name,
		features: m.features,
		outputs:  m.outputs,
		training: m.training,
	}, nil
}

// Set overwrites the mlp's weight values with those of another network
// of identical architecture
func (m *mlp) Set(source NeuralNet) error {
	src, ok := source.(*mlp)
	if !ok {
		return fmt.Errorf("set: source is not an mlp")
	}
	if len(src.layers) != len(m.layers) {
		return fmt.Errorf("set: layer count mismatch\n\twant(%v)"+
			"\n\thave(%v)", len(m.layers), len(src.layers))
	}
	for i := range m.layers {
		fc, ok := m.layers[i].(*fcLayer)
		if !ok {
			return fmt.Errorf("set: layer %v is not fully connected", i)
		}
		if err := fc.setValues(src.layers[i]); err != nil {
			return fmt.Errorf("set: layer %v: %v", i, err)
		}
	}
	return nil
}

// SetTraining toggles training mode
func (m *mlp) SetTraining(training bool) {
	m.training = training
}

// GobEncode implements the gob.GobEncoder interface. Only the weight
// values are encoded; the architecture is reconstructed from
// configuration on load.
func (m *mlp) GobEncode() ([]byte, error) {
	learnables := m.Learnables()
	states := make([]weightState, len(learnables))
	for i, node := range learnables {
		dense, ok := node.Value().(*tensor.Dense)
		if !ok {
			return nil, fmt.Errorf("gobencode: learnable %v holds no "+
				"dense tensor", node.Name())
		}
		backing := dense.Data().([]float64)
		states[i] = weightState{
			Shape: dense.Shape(),
			Data:  append([]float64{}, backing...),
		}
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(states); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode weights: %v",
			err)
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. The mlp must
// already be built with the architecture the weights were saved from;
// decoding fully replaces its weight values.
func (m *mlp) GobDecode(in []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(in))
	var states []weightState
	if err := dec.Decode(&states); err != nil {
		return fmt.Errorf("gobdecode: could not decode weights: %v", err)
	}

	learnables := m.Learnables()
	if len(states) != len(learnables) {
		return fmt.Errorf("gobdecode: weight count mismatch\n\twant(%v)"+
			"\n\thave(%v)", len(learnables), len(states))
	}

	for i, node := range learnables {
		shape := node.Shape()
		if shape.TotalSize() != len(states[i].Data) {
			return fmt.Errorf("gobdecode: weight %v has %v elements but "+
				"expected %v", node.Name(), len(states[i].Data),
				shape.TotalSize())
		}
		replacement := tensor.New(
			tensor.WithShape(shape...),
			tensor.WithBacking(states[i].Data),
		)
		if err := G.Let(node, replacement); err != nil {
			return fmt.Errorf("gobdecode: could not set weight %v: %v",
				node.Name(), err)
		}
	}
	return nil
}
