package embeddings

import (
	"fmt"
)

// Matrix is a dense row-major float32 matrix, one row per input text.
type Matrix struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float32 `json:"data"`
}

// NewMatrix allocates a zeroed rows x cols matrix
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// Shape returns (rows, cols)
func (m *Matrix) Shape() (int, int) {
	return m.Rows, m.Cols
}

// Row returns row i as a view into the matrix storage.
func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// ToSlices copies the matrix into one slice per row
func (m *Matrix) ToSlices() [][]float32 {
	out := make([][]float32, m.Rows)
	for i := range out {
		row := make([]float32, m.Cols)
		copy(row, m.Row(i))
		out[i] = row
	}
	return out
}

// ConcatRows stacks parts vertically in order. Every part must have cols columns.
func ConcatRows(cols int, parts ...*Matrix) (*Matrix, error) {
	rows := 0
	for i, p := range parts {
		if p.Cols != cols {
			return nil, fmt.Errorf("part %d has %d columns, want %d", i, p.Cols, cols)
		}
		rows += p.Rows
	}

	out := &Matrix{Rows: rows, Cols: cols, Data: make([]float32, 0, rows*cols)}
	for _, p := range parts {
		out.Data = append(out.Data, p.Data...)
	}
	return out, nil
}

// FromSlices builds a matrix from equal-length rows.
func FromSlices(cols int, rows [][]float32) (*Matrix, error) {
	m := NewMatrix(len(rows), cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(r), cols)
		}
		copy(m.Row(i), r)
	}
	return m, nil
}
