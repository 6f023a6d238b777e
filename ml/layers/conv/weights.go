// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/convkit/convkit/backends"
	"github.com/convkit/convkit/types/shapes"
	"github.com/convkit/convkit/types/tensors"
	"github.com/convkit/convkit/types/tensors/layouts"
)

// Initializer produces the initial value for a variable of the given shape.
// Initializers are owned by the caller; this package only hands them to the
// VariableStore and validates that mutually exclusive ones are not set
// together.
type Initializer func(shape shapes.Shape) *tensors.Tensor

// WeightShapes holds the variable shapes of a forward or transposed
// convolution layer. Bias is the invalid shape when the Spec has UseBias
// false.
type WeightShapes struct {
	Kernel shapes.Shape
	Bias   shapes.Shape
}

// SeparableWeightShapes holds the variable shapes of a separable convolution
// layer: the depthwise and pointwise kernels plus the optional bias.
type SeparableWeightShapes struct {
	Depthwise shapes.Shape
	Pointwise shapes.Shape
	Bias      shapes.Shape
}

// DeriveWeightShapes returns the kernel and bias shapes of a forward
// convolution for the given Spec and input shape. The kernel shape is
// KernelSize ++ [inputChannels, Filters] and the bias shape is [Filters],
// regardless of the Spec's DataFormat. It is a pure function of its
// arguments.
//
// The input channels dimension must be statically defined, otherwise it fails
// with ErrUndefinedChannelDimension.
func DeriveWeightShapes(spec Spec, input shapes.Shape) (WeightShapes, error) {
	spec = spec.Normalized()
	if err := spec.Validate(); err != nil {
		return WeightShapes{}, err
	}
	inputChannels, err := channelsDim(spec, input)
	if err != nil {
		return WeightShapes{}, err
	}
	return WeightShapes{
		Kernel: kernelShape(input.DType, spec.KernelSize, inputChannels, spec.Filters),
		Bias:   biasShape(spec, input.DType),
	}, nil
}

// DeriveTransposedWeightShapes returns the kernel and bias shapes of a
// transposed convolution: the kernel shape is KernelSize ++ [Filters,
// inputChannels], with the channel axes swapped relative to the forward
// kernel.
func DeriveTransposedWeightShapes(spec Spec, input shapes.Shape) (WeightShapes, error) {
	spec = spec.Normalized()
	if err := spec.validateTransposed(); err != nil {
		return WeightShapes{}, err
	}
	inputChannels, err := channelsDim(spec, input)
	if err != nil {
		return WeightShapes{}, err
	}
	return WeightShapes{
		Kernel: kernelShape(input.DType, spec.KernelSize, spec.Filters, inputChannels),
		Bias:   biasShape(spec, input.DType),
	}, nil
}

// DeriveSeparableWeightShapes returns the kernel and bias shapes of a
// separable convolution: a depthwise kernel of shape KernelSize ++
// [inputChannels, depthMultiplier] and a pointwise kernel of shape [1, 1,
// inputChannels*depthMultiplier, Filters].
//
// A Spec with KernelInitializer set together with DepthwiseInitializer or
// PointwiseInitializer fails with ErrConflictingConfiguration: the ordinary
// kernel does not exist in the separable decomposition.
func DeriveSeparableWeightShapes(spec Spec, depthMultiplier int, input shapes.Shape) (SeparableWeightShapes, error) {
	spec = spec.Normalized()
	if spec.Rank != Rank2D {
		return SeparableWeightShapes{}, errors.Wrapf(backends.ErrNotImplemented,
			"separable convolution is only implemented for 2D, got %s", spec.Rank)
	}
	if err := spec.Validate(); err != nil {
		return SeparableWeightShapes{}, err
	}
	if err := spec.checkSeparableInitializers(); err != nil {
		return SeparableWeightShapes{}, err
	}
	if depthMultiplier < 1 {
		return SeparableWeightShapes{}, errors.Wrapf(backends.ErrInvalidConfiguration,
			"depth multiplier must be >= 1, got %d", depthMultiplier)
	}
	inputChannels, err := channelsDim(spec, input)
	if err != nil {
		return SeparableWeightShapes{}, err
	}
	return SeparableWeightShapes{
		Depthwise: kernelShape(input.DType, spec.KernelSize, inputChannels, depthMultiplier),
		Pointwise: kernelShape(input.DType, []int{1, 1}, inputChannels*depthMultiplier, spec.Filters),
		Bias:      biasShape(spec, input.DType),
	}, nil
}

func (s Spec) checkSeparableInitializers() error {
	if s.KernelInitializer != nil && (s.DepthwiseInitializer != nil || s.PointwiseInitializer != nil) {
		return errors.Wrapf(backends.ErrConflictingConfiguration,
			"a separable convolution takes depthwise/pointwise initializers, not a kernel initializer; both were set")
	}
	return nil
}

// channelsDim returns the input channels dimension, after checking the input
// rank and that the dimension is statically defined.
func channelsDim(spec Spec, input shapes.Shape) (int, error) {
	if err := checkInputRank(spec.Rank, input.Rank()); err != nil {
		return 0, err
	}
	inputChannels := input.Dim(layouts.GetChannelsAxis(input, spec.DataFormat))
	if inputChannels == shapes.UnknownDim {
		return 0, errors.Wrapf(backends.ErrUndefinedChannelDimension,
			"the channels dimension of the input (shape %s, %s) must be defined to derive the kernel shape",
			input, spec.DataFormat)
	}
	return inputChannels, nil
}

func kernelShape(dtype dtypes.DType, kernelSize []int, channelDims ...int) shapes.Shape {
	dims := make([]int, 0, len(kernelSize)+len(channelDims))
	dims = append(dims, kernelSize...)
	dims = append(dims, channelDims...)
	return shapes.Make(dtype, dims...)
}

func biasShape(spec Spec, dtype dtypes.DType) shapes.Shape {
	if !spec.UseBias {
		return shapes.Invalid()
	}
	return shapes.Make(dtype, spec.Filters)
}
