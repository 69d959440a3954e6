package weights

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatrixEncoding(t *testing.T) {
	t.Run("row major bit exact", func(t *testing.T) {
		m, err := FromSlice(2, 2, []float64{1.5, -0.25, math.Pi, math.SmallestNonzeroFloat64})
		require.NoError(t, err)

		payload, err := m.MarshalBinary()
		require.NoError(t, err)
		assert.Len(t, payload, 32)
		// 1.5 little-endian
		assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0xf8, 0x3f}, payload[:8])

		back, err := Decode(2, m.Shape(), payload)
		require.NoError(t, err)
		for i, v := range m.Data() {
			assert.Equal(t, math.Float64bits(v), math.Float64bits(back.Data()[i]))
		}
	})

	t.Run("decode rejects wrong length", func(t *testing.T) {
		_, err := Decode(1, Shape{Rows: 3, Cols: 2}, make([]byte, 40))
		var sme *ShapeMismatchError
		require.True(t, errors.As(err, &sme))
		assert.Equal(t, 1, sme.Layer)
		assert.Equal(t, 40, sme.Got)
		assert.Contains(t, err.Error(), "layer 1")
	})

	t.Run("replace keeps matrix on error", func(t *testing.T) {
		m, err := FromSlice(1, 2, []float64{7, 8})
		require.NoError(t, err)

		assert.Error(t, m.Replace(0, make([]byte, 8)))
		assert.Equal(t, []float64{7, 8}, m.Data())

		src, _ := FromSlice(1, 2, []float64{-1, 2})
		payload, _ := src.MarshalBinary()
		require.NoError(t, m.Replace(0, payload))
		assert.Equal(t, []float64{-1, 2}, m.Data())
	})

	t.Run("empty matrix", func(t *testing.T) {
		m := New(0, 5)
		payload, err := m.MarshalBinary()
		require.NoError(t, err)
		assert.Empty(t, payload)
		_, err = Decode(0, m.Shape(), nil)
		assert.NoError(t, err)
	})
}

func TestMean(t *testing.T) {
	a, _ := FromSlice(1, 3, []float64{1, 2, 3})
	b, _ := FromSlice(1, 3, []float64{3, 4, 5})

	m, err := Mean([]*Matrix{a, b})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3, 4}, m.Data())

	_, err = Mean(nil)
	assert.Error(t, err)

	c := New(3, 1)
	_, err = Mean([]*Matrix{a, c})
	assert.Error(t, err)
}

func TestFromSliceCopies(t *testing.T) {
	src := []float64{1, 2}
	m, err := FromSlice(2, 1, src)
	require.NoError(t, err)
	src[0] = 99
	assert.Equal(t, 1.0, m.At(0, 0))

	_, err = FromSlice(2, 2, src)
	assert.Error(t, err)
}
