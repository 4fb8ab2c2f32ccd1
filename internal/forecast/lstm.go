package forecast

import (
	"math"
	"math/rand"

	"bishop_service/internal/ml"
)

// LSTM is a single-direction long short-term memory layer. Gate rows are
// laid out as input, forget, cell candidate, output.
type LSTM struct {
	units  int
	inputs int

	kernel    ml.Matrix // 4H x I
	recurrent ml.Matrix // 4H x H
	bias      ml.Matrix // 4H x 1

	kGradients ml.Gradients
	rGradients ml.Gradients
	bGradients ml.Gradients

	// per-timestep cache of the last forward pass
	xs     [][]float64
	gates  [][]float64
	cells  [][]float64
	hidden [][]float64
}

func NewLSTM(inputs, units int) *LSTM {
	return &LSTM{
		units:      units,
		inputs:     inputs,
		kernel:     ml.NewMatrix(4*units, inputs),
		recurrent:  ml.NewMatrix(4*units, units),
		bias:       ml.NewMatrix(4*units, 1),
		kGradients: ml.NewGradients(4*units, inputs),
		rGradients: ml.NewGradients(4*units, units),
		bGradients: ml.NewGradients(4*units, 1),
	}
}

func (l *LSTM) initWeights(rnd *rand.Rand) *LSTM {
	ml.InitGlorot(rnd, &l.kernel, l.inputs, 4*l.units)
	ml.InitOrthogonal(rnd, &l.recurrent)
	l.bias.Reset()
	for i := l.units; i < 2*l.units; i++ {
		l.bias.Data[i] = 1
	}
	return l
}

// threadCopy shares weights with l. Gradient buffers are allocated only
// when the copy is used for training.
func (l *LSTM) threadCopy(withGradients bool) *LSTM {
	var c = &LSTM{
		units:     l.units,
		inputs:    l.inputs,
		kernel:    l.kernel,
		recurrent: l.recurrent,
		bias:      l.bias,
	}
	if withGradients {
		c.kGradients = ml.NewGradients(l.kGradients.Rows, l.kGradients.Cols)
		c.rGradients = ml.NewGradients(l.rGradients.Rows, l.rGradients.Cols)
		c.bGradients = ml.NewGradients(l.bGradients.Rows, l.bGradients.Cols)
	}
	return c
}

func (l *LSTM) params() []*ml.Matrix {
	return []*ml.Matrix{&l.kernel, &l.recurrent, &l.bias}
}

func (l *LSTM) gradients() []*ml.Gradients {
	return []*ml.Gradients{&l.kGradients, &l.rGradients, &l.bGradients}
}

func (l *LSTM) ensureCache(steps int) {
	if len(l.xs) == steps {
		return
	}
	l.xs = make([][]float64, steps)
	l.gates = makeRows(steps, 4*l.units)
	l.cells = makeRows(steps, l.units)
	l.hidden = makeRows(steps, l.units)
}

// Forward runs the layer over xs and returns the hidden state of every step.
// The returned rows are owned by the layer and valid until the next call.
func (l *LSTM) Forward(xs [][]float64) [][]float64 {
	var h = l.units
	l.ensureCache(len(xs))
	var prevH = make([]float64, h)
	var prevC = make([]float64, h)
	for t, x := range xs {
		l.xs[t] = x
		var z = l.gates[t]
		copy(z, l.bias.Data)
		l.kernel.MulVecAdd(z, x)
		l.recurrent.MulVecAdd(z, prevH)

		var c, hid = l.cells[t], l.hidden[t]
		for j := 0; j < h; j++ {
			var i = ml.Sigmoid(z[j])
			var f = ml.Sigmoid(z[h+j])
			var g = math.Tanh(z[2*h+j])
			var o = ml.Sigmoid(z[3*h+j])
			z[j], z[h+j], z[2*h+j], z[3*h+j] = i, f, g, o
			c[j] = f*prevC[j] + i*g
			hid[j] = o * math.Tanh(c[j])
		}
		prevH, prevC = hid, c
	}
	return l.hidden
}

// Backward propagates dh (gradient w.r.t. every hidden output) through time,
// accumulates weight gradients and returns the gradient w.r.t. the inputs.
func (l *LSTM) Backward(dh [][]float64) [][]float64 {
	var h = l.units
	var steps = len(l.xs)
	var dxs = makeRows(steps, l.inputs)
	var dhNext = make([]float64, h)
	var dcNext = make([]float64, h)
	var dz = make([]float64, 4*h)
	var zero = make([]float64, h)

	for t := steps - 1; t >= 0; t-- {
		var gates = l.gates[t]
		var prevC, prevH = zero, zero
		if t > 0 {
			prevC, prevH = l.cells[t-1], l.hidden[t-1]
		}
		for j := 0; j < h; j++ {
			var i, f, g, o = gates[j], gates[h+j], gates[2*h+j], gates[3*h+j]
			var tanhC = math.Tanh(l.cells[t][j])
			var dhj = dh[t][j] + dhNext[j]
			var dc = dhj*o*(1-tanhC*tanhC) + dcNext[j]

			dz[j] = dc * g * i * (1 - i)
			dz[h+j] = dc * prevC[j] * f * (1 - f)
			dz[2*h+j] = dc * i * (1 - g*g)
			dz[3*h+j] = dhj * tanhC * o * (1 - o)
			dcNext[j] = dc * f
		}

		l.kGradients.AddOuter(dz, l.xs[t])
		l.rGradients.AddOuter(dz, prevH)
		l.bGradients.AddVector(dz)

		l.kernel.MulVecTAdd(dxs[t], dz)
		for j := range dhNext {
			dhNext[j] = 0
		}
		l.recurrent.MulVecTAdd(dhNext, dz)
	}
	return dxs
}

func makeRows(rows, cols int) [][]float64 {
	var data = make([]float64, rows*cols)
	var result = make([][]float64, rows)
	for i := range result {
		result[i] = data[i*cols : (i+1)*cols : (i+1)*cols]
	}
	return result
}
