package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/device"
)

func TestTensorCodecRoundTrip(t *testing.T) {
	codec := NewTensorCodec(memory.NewGoAllocator())
	host := device.Host()

	t.Run("Real", func(t *testing.T) {
		in := host.NewTensor(device.Shape{2, 3}, device.Float64,
			[]float64{1, 2, 3, 4, 5, 6})

		rec, err := codec.Encode(in)
		require.NoError(t, err)
		defer rec.Release()

		assert.Equal(t, int64(6), rec.NumRows())
		assert.Equal(t, int64(2), rec.NumCols())

		out, err := codec.Decode(host, rec)
		require.NoError(t, err)
		assert.True(t, out.Shape().Eq(device.Shape{2, 3}))
		assert.Equal(t, device.Float64, out.DType())
		assert.Equal(t, in.Float64s(), out.Float64s())
	})

	t.Run("Complex", func(t *testing.T) {
		in := host.NewComplex(device.Shape{2, 2}, device.Complex128,
			[]complex128{1 + 2i, 3 - 4i, -5i, 6})

		rec, err := codec.Encode(in)
		require.NoError(t, err)
		defer rec.Release()

		out, err := codec.Decode(host, rec)
		require.NoError(t, err)
		assert.Equal(t, device.Complex128, out.DType())
		assert.Equal(t, in.Complex128s(), out.Complex128s())
	})

	t.Run("Scalar", func(t *testing.T) {
		in := host.NewTensor(device.Shape{}, device.Float32, []float64{42})

		rec, err := codec.Encode(in)
		require.NoError(t, err)
		defer rec.Release()

		out, err := codec.Decode(host, rec)
		require.NoError(t, err)
		assert.Equal(t, 0, out.Shape().Rank())
		assert.Equal(t, []float64{42}, out.Float64s())
	})
}

func TestParseShape(t *testing.T) {
	s, err := parseShape("2x3x4")
	require.NoError(t, err)
	assert.True(t, s.Eq(device.Shape{2, 3, 4}))

	s, err = parseShape("scalar")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Rank())

	_, err = parseShape("2xbad")
	assert.Error(t, err)
}
