package forecast

import (
	"math/rand"

	"bishop_service/internal/ml"
)

// Bidirectional runs one LSTM forward in time and one backward in time and
// concatenates their outputs. Without returnSequences the output is a single
// row: the forward state after the last step and the backward state after
// the first step.
type Bidirectional struct {
	forward         *LSTM
	backward        *LSTM
	returnSequences bool

	reversed [][]float64
}

func NewBidirectional(inputs, units int, returnSequences bool) *Bidirectional {
	return &Bidirectional{
		forward:         NewLSTM(inputs, units),
		backward:        NewLSTM(inputs, units),
		returnSequences: returnSequences,
	}
}

func (b *Bidirectional) initWeights(rnd *rand.Rand) *Bidirectional {
	b.forward.initWeights(rnd)
	b.backward.initWeights(rnd)
	return b
}

func (b *Bidirectional) threadCopy(withGradients bool) *Bidirectional {
	return &Bidirectional{
		forward:         b.forward.threadCopy(withGradients),
		backward:        b.backward.threadCopy(withGradients),
		returnSequences: b.returnSequences,
	}
}

func (b *Bidirectional) units() int {
	return b.forward.units
}

// OutputSize is the width of every output row.
func (b *Bidirectional) OutputSize() int {
	return 2 * b.forward.units
}

func (b *Bidirectional) params() []*ml.Matrix {
	return append(b.forward.params(), b.backward.params()...)
}

func (b *Bidirectional) gradients() []*ml.Gradients {
	return append(b.forward.gradients(), b.backward.gradients()...)
}

func (b *Bidirectional) Forward(xs [][]float64) [][]float64 {
	var steps = len(xs)
	var h = b.units()
	if len(b.reversed) != steps {
		b.reversed = make([][]float64, steps)
	}
	for t := range xs {
		b.reversed[steps-1-t] = xs[t]
	}

	var hf = b.forward.Forward(xs)
	var hb = b.backward.Forward(b.reversed)

	if !b.returnSequences {
		var out = make([]float64, 2*h)
		copy(out[:h], hf[steps-1])
		copy(out[h:], hb[steps-1])
		return [][]float64{out}
	}

	var out = makeRows(steps, 2*h)
	for t := 0; t < steps; t++ {
		copy(out[t][:h], hf[t])
		copy(out[t][h:], hb[steps-1-t])
	}
	return out
}

func (b *Bidirectional) Backward(dout [][]float64) [][]float64 {
	var steps = len(b.reversed)
	var h = b.units()
	var dhf = makeRows(steps, h)
	var dhb = makeRows(steps, h)

	if b.returnSequences {
		for t := 0; t < steps; t++ {
			copy(dhf[t], dout[t][:h])
			copy(dhb[steps-1-t], dout[t][h:])
		}
	} else {
		copy(dhf[steps-1], dout[0][:h])
		copy(dhb[steps-1], dout[0][h:])
	}

	var dxf = b.forward.Backward(dhf)
	var dxb = b.backward.Backward(dhb)
	for t := 0; t < steps; t++ {
		var row = dxf[t]
		for j, v := range dxb[steps-1-t] {
			row[j] += v
		}
	}
	return dxf
}
