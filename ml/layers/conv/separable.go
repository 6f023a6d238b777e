// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"github.com/pkg/errors"

	"github.com/convkit/convkit/backends"
	"github.com/convkit/convkit/types/tensors"
	"github.com/convkit/convkit/types/tensors/layouts"
)

// Separable runs a 2D separable convolution: a depthwise pass convolving each
// input channel independently into depthMultiplier channels, followed by a
// pointwise (1x1) pass mixing the inputChannels*depthMultiplier intermediate
// channels into Filters output channels. Other ranks fail with
// ErrNotImplemented.
//
// The depthwiseKernel must be KernelSize ++ [inputChannels, depthMultiplier]
// and the pointwiseKernel [1, 1, inputChannels*depthMultiplier, Filters] (see
// DeriveSeparableWeightShapes). The Spec's strides, padding and dilation apply
// to the depthwise pass; the pointwise pass always has unit stride and no
// padding.
//
// The depthwise pass is computed with the generic primitive by regrouping the
// kernel to [KernelSize..., 1, inputChannels*depthMultiplier] and splitting
// the channels into inputChannels independent groups.
func (e *Executor) Separable(spec Spec, input, depthwiseKernel, pointwiseKernel, bias *tensors.Tensor) (*tensors.Tensor, error) {
	spec = spec.Normalized()
	if spec.Rank != Rank2D {
		return nil, errors.Wrapf(backends.ErrNotImplemented,
			"separable convolution is only implemented for 2D, got %s", spec.Rank)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := checkInputRank(spec.Rank, input.Rank()); err != nil {
		return nil, err
	}
	if depthwiseKernel.Rank() != 4 || pointwiseKernel.Rank() != 4 {
		return nil, errors.Wrapf(backends.ErrRankMismatch,
			"separable convolution kernels must be rank 4, got depthwise rank %d and pointwise rank %d",
			depthwiseKernel.Rank(), pointwiseKernel.Rank())
	}
	if err := checkBias(spec, bias); err != nil {
		return nil, err
	}
	inputChannels := input.Shape().Dim(layouts.GetChannelsAxis(input, spec.DataFormat))
	if depthwiseKernel.Shape().Dim(2) != inputChannels {
		return nil, errors.Wrapf(backends.ErrInvalidConfiguration,
			"depthwise kernel (shape %s) must have the input's %d channels on axis 2",
			depthwiseKernel.Shape(), inputChannels)
	}
	depthMultiplier := depthwiseKernel.Shape().Dim(3)
	if pointwiseKernel.Shape().Dim(2) != inputChannels*depthMultiplier {
		return nil, errors.Wrapf(backends.ErrInvalidConfiguration,
			"pointwise kernel (shape %s) must have %d input channels (%d channels x depth multiplier %d)",
			pointwiseKernel.Shape(), inputChannels*depthMultiplier, inputChannels, depthMultiplier)
	}

	paddings, err := spec.resolvePaddings()
	if err != nil {
		return nil, err
	}
	x, err := layouts.ToComputeLayout(input, spec.DataFormat)
	if err != nil {
		return nil, err
	}
	axes := computeAxes(2)

	// Depthwise: [k1, k2, inputChannels, depthMultiplier] regrouped as [k1,
	// k2, 1, inputChannels*depthMultiplier] with one channel group per input
	// channel. The flat layouts coincide, so this is a pure reshape.
	dims := depthwiseKernel.Shape().Dimensions
	grouped := tensors.Reshape(depthwiseKernel, dims[0], dims[1], 1, inputChannels*depthMultiplier)
	output, err := e.engine.ConvGeneral(x, grouped, axes, spec.Strides, paddings, nil, spec.DilationRate, inputChannels)
	if err != nil {
		return nil, err
	}

	// Pointwise: a plain 1x1 convolution mixing channels.
	output, err = e.engine.ConvGeneral(output, pointwiseKernel, axes, nil, nil, nil, nil, 1)
	if err != nil {
		return nil, err
	}

	// Bias and activation are applied while still in the compute layout, then
	// the result is converted back.
	if bias != nil {
		output, err = e.engine.AddBias(output, bias, axes.OutputChannels)
		if err != nil {
			return nil, err
		}
	}
	output, err = e.engine.Activation(spec.Activation, output)
	if err != nil {
		return nil, err
	}
	return layouts.FromComputeLayout(output, spec.DataFormat)
}
