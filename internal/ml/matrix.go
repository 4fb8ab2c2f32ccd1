package ml

// Matrix is a dense row-major matrix.
type Matrix struct {
	Data []float64
	Rows int
	Cols int
}

func NewMatrix(rows, cols int) Matrix {
	return Matrix{
		Data: make([]float64, rows*cols),
		Rows: rows,
		Cols: cols,
	}
}

func (m *Matrix) Get(row, col int) float64 {
	return m.Data[row*m.Cols+col]
}

func (m *Matrix) Set(row, col int, value float64) {
	m.Data[row*m.Cols+col] = value
}

func (m *Matrix) Reset() {
	for i := range m.Data {
		m.Data[i] = 0
	}
}

// MulVecAdd accumulates m*x into out.
func (m *Matrix) MulVecAdd(out, x []float64) {
	for row := 0; row < m.Rows; row++ {
		var sum float64
		var w = m.Data[row*m.Cols : (row+1)*m.Cols]
		for col, value := range x {
			sum += w[col] * value
		}
		out[row] += sum
	}
}

// MulVecTAdd accumulates transpose(m)*y into out.
func (m *Matrix) MulVecTAdd(out, y []float64) {
	for row := 0; row < m.Rows; row++ {
		var dy = y[row]
		if dy == 0 {
			continue
		}
		var w = m.Data[row*m.Cols : (row+1)*m.Cols]
		for col := range out {
			out[col] += w[col] * dy
		}
	}
}
