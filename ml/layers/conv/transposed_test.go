// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/convkit/convkit/backends"
	"github.com/convkit/convkit/backends/simplego"
	"github.com/convkit/convkit/types/tensors"
	"github.com/convkit/convkit/types/tensors/layouts"
)

func TestTransposed(t *testing.T) {
	executor := NewExecutor(simplego.New())

	// Stride 2 with a 2x2 kernel scatters each input pixel into its own 2x2
	// output block, with no overlap.
	spec := Spec{
		Rank:       Rank2D,
		Filters:    1,
		KernelSize: []int{2, 2},
		Strides:    []int{2, 2},
		Padding:    backends.PaddingValid,
		DataFormat: layouts.ChannelsLast,
	}
	input := tensors.FromValue([][][][]float32{{{{1}, {2}}, {{3}, {4}}}})
	// kernel[h][w][filter][inputChannel]
	kernel := tensors.FromValue([][][][]float32{
		{{{1}}, {{2}}},
		{{{3}}, {{4}}}})

	output, err := executor.Transposed(spec, input, kernel, nil)
	require.NoError(t, err)
	require.Equal(t, [][][][]float32{{
		{{1}, {2}, {2}, {4}},
		{{3}, {4}, {6}, {8}},
		{{3}, {6}, {4}, {8}},
		{{9}, {12}, {12}, {16}}}}, output.Value())

	// Shape agrees with TransposedOutputShape.
	want, err := spec.TransposedOutputShape(input.Shape())
	require.NoError(t, err)
	require.True(t, want.Equal(output.Shape()))
}

func TestTransposedInvertsForwardShape(t *testing.T) {
	executor := NewExecutor(simplego.New())

	// A transposed convolution's output shape is the forward convolution's
	// input shape, for matching parameters.
	for _, padding := range []backends.PaddingMode{backends.PaddingValid, backends.PaddingSame} {
		for _, stride := range []int{1, 2, 3} {
			spec := Spec{
				Rank:       Rank2D,
				Filters:    2,
				KernelSize: []int{3, 3},
				Strides:    []int{stride, stride},
				Padding:    padding,
				DataFormat: layouts.ChannelsLast,
			}
			forwardInput := S(F32, 1, 12, 12, 2)
			forwardOutput, err := spec.OutputShape(forwardInput)
			require.NoError(t, err)

			input := tensors.FromShape(forwardOutput)
			kernelShapes, err := DeriveTransposedWeightShapes(spec, input.Shape())
			require.NoError(t, err)
			kernel := tensors.FromShape(kernelShapes.Kernel)
			output, err := executor.Transposed(spec, input, kernel, nil)
			require.NoError(t, err)

			wantLength := 12
			if padding == backends.PaddingValid {
				// Valid forward passes may drop a remainder; the inverse
				// formula recovers the smallest consistent input.
				wantLength, err = shapeOutputLengthRoundTrip(spec, 12)
				require.NoError(t, err)
			}
			require.Equal(t, wantLength, output.Shape().Dim(1))
			require.Equal(t, wantLength, output.Shape().Dim(2))
		}
	}
}

func shapeOutputLengthRoundTrip(spec Spec, length int) (int, error) {
	forward, err := spec.OutputShape(S(F32, 1, length, length, 2))
	if err != nil {
		return 0, err
	}
	inverse, err := spec.TransposedOutputShape(forward)
	if err != nil {
		return 0, err
	}
	return inverse.Dim(1), nil
}

func TestTransposedSamePadding(t *testing.T) {
	executor := NewExecutor(simplego.New())

	// Same padding with stride 1 and an identity 1x1 kernel is the identity.
	spec := Spec{
		Rank:       Rank2D,
		Filters:    1,
		KernelSize: []int{1, 1},
		Padding:    backends.PaddingSame,
		DataFormat: layouts.ChannelsLast,
	}
	input := tensors.FromValue([][][][]float32{{{{1}, {2}}, {{3}, {4}}}})
	kernel := tensors.FromValue([][][][]float32{{{{1}}}})
	output, err := executor.Transposed(spec, input, kernel, nil)
	require.NoError(t, err)
	require.True(t, input.Equal(output))

	// Stride 2 with same padding doubles the spatial dimensions.
	spec.KernelSize = []int{3, 3}
	spec.Strides = []int{2, 2}
	kernel = tensors.FromShape(S(F32, 3, 3, 1, 1))
	output, err = executor.Transposed(spec, input, kernel, nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 4, 4, 1}, output.Shape().Dimensions)
}

func TestTransposedWithBiasAndActivation(t *testing.T) {
	executor := NewExecutor(simplego.New())
	spec := Spec{
		Rank:       Rank2D,
		Filters:    1,
		KernelSize: []int{2, 2},
		Strides:    []int{2, 2},
		Padding:    backends.PaddingValid,
		DataFormat: layouts.ChannelsLast,
		UseBias:    true,
		Activation: backends.ActivationRelu,
	}
	input := tensors.FromValue([][][][]float32{{{{1}}}})
	kernel := tensors.FromValue([][][][]float32{
		{{{1}}, {{-2}}},
		{{{3}}, {{-4}}}})
	bias := tensors.FromValue([]float32{1})

	output, err := executor.Transposed(spec, input, kernel, bias)
	require.NoError(t, err)
	require.Equal(t, [][][][]float32{{
		{{2}, {0}},
		{{4}, {0}}}}, output.Value())
}

func TestTransposedChannelsFirst(t *testing.T) {
	executor := NewExecutor(simplego.New())
	specLast := Spec{
		Rank:       Rank2D,
		Filters:    2,
		KernelSize: []int{2, 2},
		Strides:    []int{2, 2},
		Padding:    backends.PaddingValid,
		DataFormat: layouts.ChannelsLast,
	}
	specFirst := specLast
	specFirst.DataFormat = layouts.ChannelsFirst

	input := tensors.FromValue([][][][]float32{{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}}})
	kernel := tensors.FromShape(S(F32, 2, 2, 2, 2))
	kernelFlat := tensors.MutableFlatData[float32](kernel)
	for ii := range kernelFlat {
		kernelFlat[ii] = float32(ii + 1)
	}

	outputLast, err := executor.Transposed(specLast, input, kernel, nil)
	require.NoError(t, err)
	outputFirst, err := executor.Transposed(specFirst, tensors.Transpose(input, 0, 3, 1, 2), kernel, nil)
	require.NoError(t, err)
	require.True(t, tensors.Transpose(outputLast, 0, 3, 1, 2).Equal(outputFirst))
}

func TestTransposedErrors(t *testing.T) {
	executor := NewExecutor(simplego.New())
	spec := Spec{
		Rank:       Rank2D,
		Filters:    1,
		KernelSize: []int{2, 2},
		DataFormat: layouts.ChannelsLast,
	}
	input := tensors.FromValue([][][][]float32{{{{1}, {2}}, {{3}, {4}}}})
	kernel := tensors.FromValue([][][][]float32{
		{{{1}}, {{2}}},
		{{{3}}, {{4}}}})

	// Causal padding is rejected for transposed convolutions.
	causal := spec
	causal.Padding = backends.PaddingCausal
	_, err := executor.Transposed(causal, input, kernel, nil)
	require.True(t, errors.Is(err, backends.ErrUnsupportedPaddingMode))

	// Rank 1 transposed convolution is unsupported.
	rank1 := spec
	rank1.Rank = Rank1D
	rank1.KernelSize = []int{2}
	_, err = executor.Transposed(rank1, tensors.FromValue([][][]float32{{{1}}}), kernel, nil)
	require.True(t, errors.Is(err, backends.ErrNotImplemented))

	// Dilation is not supported.
	dilated := spec
	dilated.DilationRate = []int{2, 2}
	_, err = executor.Transposed(dilated, input, kernel, nil)
	require.True(t, errors.Is(err, backends.ErrInvalidConfiguration))

	// Kernel rank mismatch.
	_, err = executor.Transposed(spec, input, tensors.FromValue([][][]float32{{{1}}}), nil)
	require.True(t, errors.Is(err, backends.ErrRankMismatch))

	// A kernel whose filters axis dimension is wrong is a configuration
	// error, not a rank error.
	wrongFilters := spec
	wrongFilters.Filters = 3
	_, err = executor.Transposed(wrongFilters, input, kernel, nil)
	require.True(t, errors.Is(err, backends.ErrInvalidConfiguration))

	// Explicit per-axis paddings are not supported for transposed
	// convolutions.
	explicit := spec
	explicit.ExplicitPaddings = [][2]int{{1, 1}, {1, 1}}
	_, err = executor.Transposed(explicit, input, kernel, nil)
	require.True(t, errors.Is(err, backends.ErrInvalidConfiguration))
}
