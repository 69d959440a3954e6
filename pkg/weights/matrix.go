// Package weights holds dense float64 layer matrices and their wire encoding.
//
// Matrices are serialized row-major as little-endian IEEE-754 float64 values,
// 8 bytes per element, with no shape prefix: the receiver must already know the
// shape of the layer it is decoding.
package weights

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BytesPerElement is the encoded width of one matrix element.
const BytesPerElement = 8

// Shape is the (rows, cols) extent of a matrix.
type Shape struct {
	Rows int
	Cols int
}

func (s Shape) Elements() int { return s.Rows * s.Cols }

func (s Shape) String() string { return fmt.Sprintf("(%d, %d)", s.Rows, s.Cols) }

// ShapeMismatchError reports a layer whose received data does not fit the
// shape the receiver holds for it.
type ShapeMismatchError struct {
	Layer int
	Want  Shape
	Got   int // byte length received
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("layer %d: shape mismatch: want %s (%d bytes), got %d bytes",
		e.Layer, e.Want, e.Want.Elements()*BytesPerElement, e.Got)
}

// Matrix is a dense row-major 2-D array.
type Matrix struct {
	shape Shape
	data  []float64
}

// New allocates a zero matrix.
func New(rows, cols int) *Matrix {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("weights: negative shape (%d, %d)", rows, cols))
	}
	return &Matrix{shape: Shape{Rows: rows, Cols: cols}, data: make([]float64, rows*cols)}
}

// FromSlice builds a matrix over a copy of data.
func FromSlice(rows, cols int, data []float64) (*Matrix, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("data has %d elements, shape (%d, %d) needs %d", len(data), rows, cols, rows*cols)
	}
	m := New(rows, cols)
	copy(m.data, data)
	return m, nil
}

func (m *Matrix) Shape() Shape { return m.shape }
func (m *Matrix) Rows() int    { return m.shape.Rows }
func (m *Matrix) Cols() int    { return m.shape.Cols }

func (m *Matrix) At(r, c int) float64 { return m.data[r*m.shape.Cols+c] }

func (m *Matrix) Set(r, c int, v float64) { m.data[r*m.shape.Cols+c] = v }

// Row returns a view onto row r.
func (m *Matrix) Row(r int) []float64 {
	return m.data[r*m.shape.Cols : (r+1)*m.shape.Cols]
}

// Data exposes the backing row-major slice. Callers must not retain it past the
// owner's next write.
func (m *Matrix) Data() []float64 { return m.data }

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	c := New(m.shape.Rows, m.shape.Cols)
	copy(c.data, m.data)
	return c
}

// Head returns up to n leading elements, for previews in logs.
func (m *Matrix) Head(n int) []float64 {
	if n > len(m.data) {
		n = len(m.data)
	}
	return append([]float64(nil), m.data[:n]...)
}

// EncodedLen is the payload size of the matrix on the wire.
func (m *Matrix) EncodedLen() int { return len(m.data) * BytesPerElement }

// MarshalBinary encodes the matrix row-major.
func (m *Matrix) MarshalBinary() ([]byte, error) {
	buf := make([]byte, m.EncodedLen())
	for i, v := range m.data {
		binary.LittleEndian.PutUint64(buf[i*BytesPerElement:], math.Float64bits(v))
	}
	return buf, nil
}

// Decode builds a matrix of the given shape from payload. The payload must
// hold exactly shape.Elements() values.
func Decode(layer int, shape Shape, payload []byte) (*Matrix, error) {
	if len(payload) != shape.Elements()*BytesPerElement {
		return nil, &ShapeMismatchError{Layer: layer, Want: shape, Got: len(payload)}
	}
	m := New(shape.Rows, shape.Cols)
	for i := range m.data {
		m.data[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[i*BytesPerElement:]))
	}
	return m, nil
}

// Replace overwrites m in place with the decoded payload. On error m is left
// untouched.
func (m *Matrix) Replace(layer int, payload []byte) error {
	next, err := Decode(layer, m.shape, payload)
	if err != nil {
		return err
	}
	copy(m.data, next.data)
	return nil
}

// Mean computes the element-wise arithmetic mean of same-shaped matrices.
func Mean(ms []*Matrix) (*Matrix, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("mean of zero matrices")
	}
	shape := ms[0].shape
	out := New(shape.Rows, shape.Cols)
	for i, m := range ms {
		if m.shape != shape {
			return nil, fmt.Errorf("matrix %d has shape %s, want %s", i, m.shape, shape)
		}
		for j, v := range m.data {
			out.data[j] += v
		}
	}
	n := float64(len(ms))
	for j := range out.data {
		out.data[j] /= n
	}
	return out, nil
}

// Norm returns the Frobenius norm.
func (m *Matrix) Norm() float64 {
	var s float64
	for _, v := range m.data {
		s += v * v
	}
	return math.Sqrt(s)
}
