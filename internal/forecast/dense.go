package forecast

import (
	"math/rand"

	"bishop_service/internal/ml"
)

// Dense is a fully connected layer.
type Dense struct {
	activationFn ml.IActivationFn
	primes       []float64
	input        []float64
	weights      ml.Matrix
	biases       ml.Matrix
	wGradients   ml.Gradients
	bGradients   ml.Gradients
}

func NewDense(inputSize, outputSize int, activationFn ml.IActivationFn) *Dense {
	return &Dense{
		activationFn: activationFn,
		primes:       make([]float64, outputSize),
		weights:      ml.NewMatrix(outputSize, inputSize),
		biases:       ml.NewMatrix(outputSize, 1),
		wGradients:   ml.NewGradients(outputSize, inputSize),
		bGradients:   ml.NewGradients(outputSize, 1),
	}
}

func (layer *Dense) initWeights(rnd *rand.Rand) *Dense {
	ml.InitGlorot(rnd, &layer.weights, layer.weights.Cols, layer.weights.Rows)
	return layer
}

func (layer *Dense) threadCopy(withGradients bool) *Dense {
	var c = &Dense{
		activationFn: layer.activationFn,
		primes:       make([]float64, len(layer.primes)),
		weights:      layer.weights,
		biases:       layer.biases,
	}
	if withGradients {
		c.wGradients = ml.NewGradients(layer.wGradients.Rows, layer.wGradients.Cols)
		c.bGradients = ml.NewGradients(layer.bGradients.Rows, layer.bGradients.Cols)
	}
	return c
}

func (layer *Dense) params() []*ml.Matrix {
	return []*ml.Matrix{&layer.weights, &layer.biases}
}

func (layer *Dense) gradients() []*ml.Gradients {
	return []*ml.Gradients{&layer.wGradients, &layer.bGradients}
}

func (layer *Dense) Forward(input []float64) []float64 {
	layer.input = input
	var result = make([]float64, len(layer.primes))
	for outputIndex := range layer.primes {
		var x = layer.biases.Data[outputIndex]
		var w = layer.weights.Data[outputIndex*layer.weights.Cols : (outputIndex+1)*layer.weights.Cols]
		for inputIndex, inputValue := range input {
			x += w[inputIndex] * inputValue
		}
		result[outputIndex] = layer.activationFn.Sigma(x)
		layer.primes[outputIndex] = layer.activationFn.SigmaPrime(x)
	}
	return result
}

// Backward takes the error of every output and returns the error of every input.
func (layer *Dense) Backward(errors []float64) []float64 {
	var delta = make([]float64, len(layer.primes))
	for outputIndex, prime := range layer.primes {
		delta[outputIndex] = errors[outputIndex] * prime
	}
	var inputErrors = make([]float64, len(layer.input))
	layer.weights.MulVecTAdd(inputErrors, delta)
	layer.wGradients.AddOuter(delta, layer.input)
	layer.bGradients.AddVector(delta)
	return inputErrors
}

// Dropout zeroes inputs with the given rate while training and rescales the
// survivors so inference needs no correction.
type Dropout struct {
	rate float64
	rnd  *rand.Rand
	mask []float64
}

func NewDropout(rate float64, rnd *rand.Rand) *Dropout {
	return &Dropout{rate: rate, rnd: rnd}
}

func (d *Dropout) Forward(input []float64, training bool) []float64 {
	if !training || d.rate <= 0 {
		d.mask = nil
		return input
	}
	var keep = 1 - d.rate
	if len(d.mask) != len(input) {
		d.mask = make([]float64, len(input))
	}
	var result = make([]float64, len(input))
	for i, v := range input {
		if d.rnd.Float64() < keep {
			d.mask[i] = 1 / keep
		} else {
			d.mask[i] = 0
		}
		result[i] = v * d.mask[i]
	}
	return result
}

func (d *Dropout) Backward(errors []float64) []float64 {
	if d.mask == nil {
		return errors
	}
	var result = make([]float64, len(errors))
	for i, e := range errors {
		result[i] = e * d.mask[i]
	}
	return result
}
