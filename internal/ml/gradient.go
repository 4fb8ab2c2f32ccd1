package ml

import "math"

const (
	DefaultLearningRate = 0.001
	Beta1               = 0.9
	Beta2               = 0.999
	Epsilon             = 1e-7
)

// Adam holds the optimizer hyperparameters and the step counter shared by
// every Gradients instance of one network.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step        int
	correction1 float64
	correction2 float64
}

func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        Beta1,
		Beta2:        Beta2,
		Epsilon:      Epsilon,
	}
}

// Begin starts a new update step. Must be called once before applying the
// gradients of a batch.
func (o *Adam) Begin() {
	o.step++
	o.correction1 = 1 - math.Pow(o.Beta1, float64(o.step))
	o.correction2 = 1 - math.Pow(o.Beta2, float64(o.step))
}

func (o *Adam) Steps() int {
	return o.step
}

type Gradient struct {
	Value float64
	M1    float64
	M2    float64
}

// Calculate returns the bias-corrected Adam update for the accumulated value
// scaled by scale (1/batch size).
func (g *Gradient) Calculate(o *Adam, scale float64) float64 {
	var value = g.Value * scale
	g.M1 = g.M1*o.Beta1 + value*(1-o.Beta1)
	g.M2 = g.M2*o.Beta2 + (value*value)*(1-o.Beta2)

	var m1 = g.M1 / o.correction1
	var m2 = g.M2 / o.correction2
	return o.LearningRate * m1 / (math.Sqrt(m2) + o.Epsilon)
}

type Gradients struct {
	Data []Gradient
	Rows int
	Cols int
}

func NewGradients(rows, cols int) Gradients {
	return Gradients{
		Data: make([]Gradient, cols*rows),
		Rows: rows,
		Cols: cols,
	}
}

// AddOuter accumulates the outer product dy*transpose(x).
func (g *Gradients) AddOuter(dy, x []float64) {
	for row, d := range dy {
		if d == 0 {
			continue
		}
		var line = g.Data[row*g.Cols : (row+1)*g.Cols]
		for col, value := range x {
			line[col].Value += d * value
		}
	}
}

func (g *Gradients) AddVector(dy []float64) {
	for i, d := range dy {
		g.Data[i].Value += d
	}
}

func (g *Gradients) AddTo(parent *Gradients) {
	for i := range g.Data {
		parent.Data[i].Value += g.Data[i].Value
		g.Data[i].Value = 0
	}
}

func (g *Gradients) Apply(m *Matrix, o *Adam, scale float64) {
	for i := range g.Data {
		m.Data[i] -= g.Data[i].Calculate(o, scale)
		g.Data[i].Value = 0
	}
}
