// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/convkit/convkit/types/shapes"
)

// Aliases
var (
	S = shapes.Make
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(S(dtypes.Float32, 2, 3))
	require.Equal(t, dtypes.Float32, tensor.DType())
	require.Equal(t, 2, tensor.Rank())
	require.Equal(t, 6, tensor.Size())
	require.Equal(t, [][]float32{{0, 0, 0}, {0, 0, 0}}, tensor.Value())

	require.Panics(t, func() { FromShape(S(dtypes.Float32, 2, shapes.UnknownDim)) })
	require.Panics(t, func() { FromShape(shapes.Invalid()) })
}

func TestFromValueAndValue(t *testing.T) {
	tensor := FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}})
	require.True(t, S(dtypes.Float32, 3, 2).Equal(tensor.Shape()))
	require.Equal(t, [][]float32{{1, 2}, {3, 4}, {5, 6}}, tensor.Value())

	scalar := FromValue(float64(7))
	require.Equal(t, 0, scalar.Rank())
	require.Equal(t, float64(7), scalar.Value())

	require.Panics(t, func() { FromValue([]float32{}) })
	require.Panics(t, func() { FromValue("not a tensor") })
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, tensor.Value())
	require.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2}, 2, 3) })
}

func TestFromScalarAndDimensions(t *testing.T) {
	tensor := FromScalarAndDimensions(float32(3), 2, 2)
	require.Equal(t, [][]float32{{3, 3}, {3, 3}}, tensor.Value())
}

func TestFlatDataAccess(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2)
	require.Equal(t, []float64{1, 2, 3, 4}, ConstFlatData[float64](tensor))
	require.Panics(t, func() { ConstFlatData[float32](tensor) })

	MutableFlatData[float64](tensor)[0] = 10
	require.Equal(t, [][]float64{{10, 2}, {3, 4}}, tensor.Value())
}

func TestClone(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	clone := tensor.Clone()
	MutableFlatData[float32](clone)[0] = 99
	require.Equal(t, float32(1), ConstFlatData[float32](tensor)[0])
	require.Equal(t, float32(99), ConstFlatData[float32](clone)[0])
}

func TestEqualAndInDelta(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	b := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	c := FromFlatDataAndDimensions([]float32{1, 2, 3, 4.5}, 2, 2)
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.False(t, a.Equal(FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)))

	require.True(t, a.InDelta(c, 0.6))
	require.False(t, a.InDelta(c, 0.4))
}

func TestHalfPrecision(t *testing.T) {
	f16 := FromFlatDataAndDimensions([]float16.Float16{
		float16.Fromfloat32(1), float16.Fromfloat32(2)}, 2)
	require.Equal(t, dtypes.Float16, f16.DType())
	require.Equal(t, []float64{1, 2}, f16.Float64Values())

	bf16 := FromFlatDataAndDimensions([]bfloat16.BFloat16{
		bfloat16.FromFloat32(1), bfloat16.FromFloat32(2)}, 2)
	require.Equal(t, dtypes.BFloat16, bf16.DType())
	require.Equal(t, []float64{1, 2}, bf16.Float64Values())
}

func TestTranspose(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	transposed := Transpose(tensor, 1, 0)
	require.True(t, S(dtypes.Float32, 3, 2).Equal(transposed.Shape()))
	require.Equal(t, [][]float32{{1, 4}, {2, 5}, {3, 6}}, transposed.Value())

	// NHWC -> NCHW and back.
	nhwc := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 1, 2, 2, 2)
	nchw := Transpose(nhwc, 0, 3, 1, 2)
	require.True(t, S(dtypes.Float32, 1, 2, 2, 2).Equal(nchw.Shape()))
	require.Equal(t, [][][][]float32{{{{1, 3}, {5, 7}}, {{2, 4}, {6, 8}}}}, nchw.Value())
	roundTrip := Transpose(nchw, 0, 2, 3, 1)
	require.True(t, nhwc.Equal(roundTrip))

	require.Panics(t, func() { Transpose(tensor, 0) })
	require.Panics(t, func() { Transpose(tensor, 0, 0) })
}

func TestReshape(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	reshaped := Reshape(tensor, 3, 2)
	require.Equal(t, [][]float32{{1, 2}, {3, 4}, {5, 6}}, reshaped.Value())
	require.Panics(t, func() { Reshape(tensor, 4, 2) })
}

func TestReverse(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.Equal(t, [][]float32{{4, 5, 6}, {1, 2, 3}}, Reverse(tensor, 0).Value())
	require.Equal(t, [][]float32{{3, 2, 1}, {6, 5, 4}}, Reverse(tensor, 1).Value())
	require.Equal(t, [][]float32{{6, 5, 4}, {3, 2, 1}}, Reverse(tensor, 0, 1).Value())
	require.True(t, tensor.Equal(Reverse(tensor)))
	require.Panics(t, func() { Reverse(tensor, 2) })
}
