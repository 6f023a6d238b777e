// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/convkit/convkit/backends"
	"github.com/convkit/convkit/types/shapes"
	"github.com/convkit/convkit/types/tensors"
	"github.com/convkit/convkit/types/tensors/layouts"
)

// testStore is a VariableStore keeping variables in a map, creating them on
// first use with the given initializer (zeros when nil).
type testStore struct {
	vars map[string]*tensors.Tensor
}

func newTestStore() *testStore {
	return &testStore{vars: make(map[string]*tensors.Tensor)}
}

func (s *testStore) Variable(name string, shape shapes.Shape, initializer Initializer) *tensors.Tensor {
	if v, found := s.vars[name]; found {
		return v
	}
	var v *tensors.Tensor
	if initializer != nil {
		v = initializer(shape)
	} else {
		v = tensors.FromShape(shape)
	}
	s.vars[name] = v
	return v
}

func TestConvolutionBuilder(t *testing.T) {
	store := newTestStore()
	x := tensors.FromValue([][][][]float32{{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}}})

	// 1x1 all-ones kernel with zero bias: each output channel is the sum over
	// input channels.
	output, err := Convolution(store, x).
		Filters(2).
		KernelSize(1).
		KernelInitializer(onesInitializer).
		Done()
	require.NoError(t, err)
	require.Equal(t, [][][][]float32{{
		{{3, 3}, {7, 7}},
		{{11, 11}, {15, 15}}}}, output.Value())

	// The store now holds the derived variables.
	require.True(t, S(F32, 1, 1, 2, 2).Equal(store.vars["weights"].Shape()))
	require.True(t, S(F32, 2).Equal(store.vars["biases"].Shape()))

	// A second call reuses the stored variables.
	again, err := Convolution(store, x).Filters(2).KernelSize(1).Done()
	require.NoError(t, err)
	require.True(t, output.Equal(again))
}

func TestConvolutionBuilderPadSameAndStrides(t *testing.T) {
	store := newTestStore()
	x := tensors.FromValue([][][][]float32{{{{1}, {2}}, {{3}, {4}}}})

	output, err := Convolution(store, x).
		Filters(1).
		KernelSize(3).
		PadSame().
		UseBias(false).
		KernelInitializer(onesInitializer).
		Done()
	require.NoError(t, err)
	// Same padding keeps the 2x2 spatial dimensions; an all-ones 3x3 kernel
	// sums the whole input at every position.
	require.Equal(t, [][][][]float32{{{{10}, {10}}, {{10}, {10}}}}, output.Value())

	strided, err := Convolution(newTestStore(), x).
		Filters(1).
		KernelSize(2).
		Strides(2).
		UseBias(false).
		KernelInitializer(onesInitializer).
		Done()
	require.NoError(t, err)
	require.Equal(t, [][][][]float32{{{{10}}}}, strided.Value())
}

func TestConvolutionBuilderPaddingPerDim(t *testing.T) {
	store := newTestStore()
	x := tensors.FromValue([][][][]float32{{{{1}, {2}}, {{3}, {4}}}})

	// One row of zeros above and one column of zeros on the left: the 2x2
	// all-ones kernel then sums growing corners of the input.
	output, err := Convolution(store, x).
		Filters(1).
		KernelSize(2).
		PaddingPerDim([][2]int{{1, 0}, {1, 0}}).
		UseBias(false).
		KernelInitializer(onesInitializer).
		Done()
	require.NoError(t, err)
	require.Equal(t, [][][][]float32{{
		{{1}, {3}},
		{{4}, {10}}}}, output.Value())

	// PadSame discards previously set explicit paddings.
	same, err := Convolution(store, x).
		Filters(1).
		KernelSize(2).
		PaddingPerDim([][2]int{{1, 0}, {1, 0}}).
		PadSame().
		UseBias(false).
		Done()
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 2, 1}, same.Shape().Dimensions)
}

func TestConvolutionBuilderTransposed(t *testing.T) {
	store := newTestStore()
	x := tensors.FromValue([][][][]float32{{{{1}, {2}}, {{3}, {4}}}})

	output, err := Convolution(store, x).
		Filters(1).
		KernelSize(2).
		Strides(2).
		UseBias(false).
		KernelInitializer(onesInitializer).
		Transposed().
		Done()
	require.NoError(t, err)
	require.Equal(t, []int{1, 4, 4, 1}, output.Shape().Dimensions)
	// An all-ones kernel scatters each input value into its 2x2 block.
	require.Equal(t, [][][][]float32{{
		{{1}, {1}, {2}, {2}},
		{{1}, {1}, {2}, {2}},
		{{3}, {3}, {4}, {4}},
		{{3}, {3}, {4}, {4}}}}, output.Value())
	require.True(t, S(F32, 2, 2, 1, 1).Equal(store.vars["weights"].Shape()))
}

func TestConvolutionBuilderSeparable(t *testing.T) {
	store := newTestStore()
	x := tensors.FromValue([][][][]float32{{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}}})

	output, err := Convolution(store, x).
		Filters(3).
		KernelSize(1).
		UseBias(false).
		Separable(2).
		DepthwiseInitializer(onesInitializer).
		PointwiseInitializer(onesInitializer).
		Done()
	require.NoError(t, err)
	// All-ones kernels: each output channel is twice the channel sum.
	require.Equal(t, [][][][]float32{{
		{{6, 6, 6}, {14, 14, 14}},
		{{22, 22, 22}, {30, 30, 30}}}}, output.Value())
	require.True(t, S(F32, 1, 1, 2, 2).Equal(store.vars["depthwise_weights"].Shape()))
	require.True(t, S(F32, 1, 1, 4, 3).Equal(store.vars["pointwise_weights"].Shape()))

	// Conflicting initializers surface from the shape derivation.
	_, err = Convolution(newTestStore(), x).
		Filters(3).
		KernelSize(1).
		Separable(2).
		KernelInitializer(onesInitializer).
		DepthwiseInitializer(onesInitializer).
		Done()
	require.True(t, errors.Is(err, backends.ErrConflictingConfiguration))
}

func TestConvolutionBuilderChannelsFirst(t *testing.T) {
	x := tensors.FromValue([][][][]float32{{{{1, 2}, {3, 4}}}}) // [batch=1, channels=1, 2, 2]

	output, err := Convolution(newTestStore(), x).
		ChannelsAxis(layouts.ChannelsFirst).
		Filters(1).
		KernelSize(2).
		UseBias(false).
		KernelInitializer(onesInitializer).
		Done()
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 1, 1}, output.Shape().Dimensions)
	require.Equal(t, [][][][]float32{{{{10}}}}, output.Value())
}

func TestConvolutionBuilderMissingFilters(t *testing.T) {
	x := tensors.FromValue([][][][]float32{{{{1}}}})
	_, err := Convolution(newTestStore(), x).KernelSize(1).Done()
	require.True(t, errors.Is(err, backends.ErrMissingRequiredField))
}

func TestConvolutionBuilderPanics(t *testing.T) {
	x := tensors.FromValue([][][][]float32{{{{1}}}})
	require.Panics(t, func() { Convolution(newTestStore(), tensors.FromValue([][]float32{{1}})) })
	require.Panics(t, func() { Convolution(newTestStore(), x).Filters(0) })
	require.Panics(t, func() { Convolution(newTestStore(), x).KernelSizePerDim(3) })
	require.Panics(t, func() { Convolution(newTestStore(), x).StridePerDim(1, 2, 3) })
	require.Panics(t, func() { Convolution(newTestStore(), x).DilationPerDim(1) })
	require.Panics(t, func() { Convolution(newTestStore(), x).PaddingPerDim([][2]int{{1, 1}}) })
	require.Panics(t, func() { Convolution(newTestStore(), x).Separable(0) })
}
