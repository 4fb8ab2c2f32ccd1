package forecast

import (
	"errors"
	"fmt"
	"math/rand"

	"bishop_service/internal/ml"
)

// Topology describes the stacked bidirectional encoder and the dense head.
type Topology struct {
	Inputs     int
	Outputs    int
	LSTMUnits  []int
	DenseUnits []int
	Dropout    float64
	Activation string
}

func DefaultTopology() Topology {
	return Topology{
		Inputs:     4,
		Outputs:    2,
		LSTMUnits:  []int{128, 64, 32},
		DenseUnits: []int{64, 32},
		Dropout:    0.3,
		Activation: "relu",
	}
}

func (t Topology) Validate() error {
	if t.Inputs <= 0 || t.Outputs <= 0 {
		return errors.New("inputs and outputs must be positive")
	}
	if len(t.LSTMUnits) == 0 {
		return errors.New("at least one recurrent layer is required")
	}
	for _, u := range append(append([]int{}, t.LSTMUnits...), t.DenseUnits...) {
		if u <= 0 {
			return fmt.Errorf("layer width must be positive, got %d", u)
		}
	}
	if t.Dropout < 0 || t.Dropout >= 1 {
		return fmt.Errorf("dropout rate must be in [0,1), got %v", t.Dropout)
	}
	if _, ok := ml.ActivationByName(t.Activation); !ok {
		return fmt.Errorf("unknown activation %q", t.Activation)
	}
	return nil
}

// Sample is one training window: Inputs has one row per time step.
type Sample struct {
	Inputs [][]float64
	Target []float64
}

type Network struct {
	Topology Topology

	recurrent []*Bidirectional
	hidden    []*Dense
	dropout   *Dropout
	output    *Dense
	cost      ml.IModelCost
	metric    ml.IModelCost
}

func NewNetwork(topology Topology, rnd *rand.Rand) (*Network, error) {
	if err := topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	activation, _ := ml.ActivationByName(topology.Activation)

	var n = &Network{
		Topology: topology,
		dropout:  NewDropout(topology.Dropout, rand.New(rand.NewSource(rnd.Int63()))),
		cost:     &ml.MSECost{},
		metric:   &ml.AbsCost{},
	}
	var inputSize = topology.Inputs
	for i, units := range topology.LSTMUnits {
		var last = i == len(topology.LSTMUnits)-1
		var layer = NewBidirectional(inputSize, units, !last).initWeights(rnd)
		n.recurrent = append(n.recurrent, layer)
		inputSize = layer.OutputSize()
	}
	for _, units := range topology.DenseUnits {
		n.hidden = append(n.hidden, NewDense(inputSize, units, activation).initWeights(rnd))
		inputSize = units
	}
	n.output = NewDense(inputSize, topology.Outputs, &ml.IdentityActivation{}).initWeights(rnd)
	return n, nil
}

// ThreadCopy returns a network sharing weights with n and owning its own
// activations, gradients and dropout stream.
func (n *Network) ThreadCopy(seed int64) *Network {
	return n.threadCopy(seed, true)
}

func (n *Network) threadCopy(seed int64, withGradients bool) *Network {
	var c = &Network{
		Topology: n.Topology,
		dropout:  NewDropout(n.Topology.Dropout, rand.New(rand.NewSource(seed))),
		output:   n.output.threadCopy(withGradients),
		cost:     n.cost,
		metric:   n.metric,
	}
	for _, layer := range n.recurrent {
		c.recurrent = append(c.recurrent, layer.threadCopy(withGradients))
	}
	for _, layer := range n.hidden {
		c.hidden = append(c.hidden, layer.threadCopy(withGradients))
	}
	return c
}

func (n *Network) forward(inputs [][]float64, training bool) []float64 {
	var xs = inputs
	for _, layer := range n.recurrent {
		xs = layer.Forward(xs)
	}
	var x = xs[0]
	for i, layer := range n.hidden {
		x = layer.Forward(x)
		if i == 0 {
			x = n.dropout.Forward(x, training)
		}
	}
	return n.output.Forward(x)
}

func (n *Network) backward(outputErrors []float64) {
	var e = n.output.Backward(outputErrors)
	for i := len(n.hidden) - 1; i >= 0; i-- {
		if i == 0 {
			e = n.dropout.Backward(e)
		}
		e = n.hidden[i].Backward(e)
	}
	var de = [][]float64{e}
	for i := len(n.recurrent) - 1; i >= 0; i-- {
		de = n.recurrent[i].Backward(de)
	}
}

// Predict runs inference on one window. Safe for concurrent use as long as
// no training step runs on n at the same time.
func (n *Network) Predict(inputs [][]float64) []float64 {
	return n.threadCopy(0, false).forward(inputs, false)
}

// Train runs forward and backward on one sample, accumulating gradients.
// It returns the sample loss and absolute error, both averaged over outputs.
func (n *Network) Train(sample *Sample) (cost, abs float64) {
	var predicted = n.forward(sample.Inputs, true)
	var outputs = float64(len(predicted))
	var outputErrors = make([]float64, len(predicted))
	for i, p := range predicted {
		var target = sample.Target[i]
		cost += n.cost.Cost(p, target)
		abs += n.metric.Cost(p, target)
		outputErrors[i] = n.cost.CostPrime(p, target) / outputs
	}
	n.backward(outputErrors)
	return cost / outputs, abs / outputs
}

// CalcCost evaluates one sample without dropout or gradient accumulation.
func (n *Network) CalcCost(sample *Sample) (cost, abs float64) {
	var predicted = n.forward(sample.Inputs, false)
	return ml.MeanCost(n.cost, predicted, sample.Target), ml.MeanCost(n.metric, predicted, sample.Target)
}

func (n *Network) AddGradients(main *Network) {
	if n == main {
		return
	}
	var mine, theirs = n.gradients(), main.gradients()
	for i := range mine {
		mine[i].AddTo(theirs[i])
	}
}

func (n *Network) ApplyGradients(opt *ml.Adam, scale float64) {
	opt.Begin()
	var params, grads = n.Params(), n.gradients()
	for i := range params {
		grads[i].Apply(params[i], opt, scale)
	}
}

// Params lists every weight matrix in a fixed order.
func (n *Network) Params() []*ml.Matrix {
	var result []*ml.Matrix
	for _, layer := range n.recurrent {
		result = append(result, layer.params()...)
	}
	for _, layer := range n.hidden {
		result = append(result, layer.params()...)
	}
	return append(result, n.output.params()...)
}

func (n *Network) gradients() []*ml.Gradients {
	var result []*ml.Gradients
	for _, layer := range n.recurrent {
		result = append(result, layer.gradients()...)
	}
	for _, layer := range n.hidden {
		result = append(result, layer.gradients()...)
	}
	return append(result, n.output.gradients()...)
}

func (n *Network) ParamCount() int {
	var count int
	for _, p := range n.Params() {
		count += len(p.Data)
	}
	return count
}

// Snapshot copies every weight.
func (n *Network) Snapshot() [][]float64 {
	var params = n.Params()
	var result = make([][]float64, len(params))
	for i, p := range params {
		result[i] = append([]float64(nil), p.Data...)
	}
	return result
}

// Restore writes weights previously taken by Snapshot back in place, so
// thread copies sharing the weights see them too.
func (n *Network) Restore(snapshot [][]float64) error {
	var params = n.Params()
	if len(params) != len(snapshot) {
		return fmt.Errorf("snapshot has %d matrices, network has %d", len(snapshot), len(params))
	}
	for i, p := range params {
		if len(p.Data) != len(snapshot[i]) {
			return fmt.Errorf("matrix %d: snapshot has %d values, network has %d", i, len(snapshot[i]), len(p.Data))
		}
	}
	for i, p := range params {
		copy(p.Data, snapshot[i])
	}
	return nil
}
