package ml

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

func InitUniform(rnd *rand.Rand, data []float64, variance float64) {
	var uniformVariance = 1.0 / 12
	var scale = math.Sqrt(variance / uniformVariance)
	for i := range data {
		data[i] = (rnd.Float64() - 0.5) * scale
	}
}

// InitGlorot fills m with Glorot-uniform values for the given fan sizes.
func InitGlorot(rnd *rand.Rand, m *Matrix, fanIn, fanOut int) {
	InitUniform(rnd, m.Data, 2.0/float64(fanIn+fanOut))
}

// InitOrthogonal fills m with a random matrix whose columns (or rows, for
// wide matrices) are orthonormal.
func InitOrthogonal(rnd *rand.Rand, m *Matrix) {
	var rows, cols = m.Rows, m.Cols
	var transposed = rows < cols
	if transposed {
		rows, cols = cols, rows
	}

	var a = mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			a.Set(i, j, rnd.NormFloat64())
		}
	}

	var qr mat.QR
	qr.Factorize(a)
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			var value = q.At(i, j)
			if r.At(j, j) < 0 {
				value = -value
			}
			if transposed {
				m.Set(j, i, value)
			} else {
				m.Set(i, j, value)
			}
		}
	}
}

func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
