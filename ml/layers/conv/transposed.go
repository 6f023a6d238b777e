// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"github.com/pkg/errors"

	"github.com/convkit/convkit/backends"
	"github.com/convkit/convkit/backends/shapeinference"
	"github.com/convkit/convkit/types/tensors"
	"github.com/convkit/convkit/types/tensors/layouts"
	"github.com/convkit/convkit/types/xslices"
)

// Transposed runs the transposed ("deconvolution") convolution described by
// spec, the shape-inverse of Forward: each output spatial dimension is the
// input length that a forward convolution with the same parameters would have
// consumed to produce the input's dimension.
//
// Only 2D and 3D are supported, only valid and same padding, and no dilation.
// The kernel must be KernelSize ++ [Filters, inputChannels], with the channel
// axes swapped relative to the forward kernel. Bias and activation are never
// fused.
//
// It is implemented on the forward compute primitive: the input is dilated by
// the strides, the kernel is spatially reversed, and the paddings are chosen
// so that the output comes out with the inverse lengths.
func (e *Executor) Transposed(spec Spec, input, kernel, bias *tensors.Tensor) (*tensors.Tensor, error) {
	spec = spec.Normalized()
	if err := spec.validateTransposed(); err != nil {
		return nil, err
	}
	if err := checkInputRank(spec.Rank, input.Rank()); err != nil {
		return nil, err
	}
	spatialRank := int(spec.Rank)
	if kernel.Rank() != spatialRank+2 {
		return nil, errors.Wrapf(backends.ErrRankMismatch,
			"kernel for a transposed %s convolution must be rank %d, got rank %d",
			spec.Rank, spatialRank+2, kernel.Rank())
	}
	if kernel.Shape().Dim(spatialRank) != spec.Filters {
		return nil, errors.Wrapf(backends.ErrInvalidConfiguration,
			"transposed kernel (shape %s) must have the %d filters on axis %d",
			kernel.Shape(), spec.Filters, spatialRank)
	}
	if err := checkBias(spec, bias); err != nil {
		return nil, err
	}

	inputLengths := make([]int, spatialRank)
	outputLengths := make([]int, spatialRank)
	for dim, axis := range layouts.GetSpatialAxes(input, spec.DataFormat) {
		inputLengths[dim] = input.Shape().Dim(axis)
		length, err := shapeinference.ConvTransposeOutputLength(inputLengths[dim],
			spec.Strides[dim], spec.KernelSize[dim], spec.Padding)
		if err != nil {
			return nil, err
		}
		outputLengths[dim] = length
	}
	paddings, err := shapeinference.ConvTransposePaddingPerDim(spec.KernelSize, spec.Strides,
		inputLengths, outputLengths, spec.Padding)
	if err != nil {
		return nil, err
	}

	x, err := layouts.ToComputeLayout(input, spec.DataFormat)
	if err != nil {
		return nil, err
	}
	reversedKernel := tensors.Reverse(kernel, xslices.Iota(0, spatialRank)...)
	axes := computeAxes(spatialRank)
	axes.KernelOutputChannels, axes.KernelInputChannels = axes.KernelInputChannels, axes.KernelOutputChannels

	output, err := e.engine.ConvGeneral(x, reversedKernel, axes, nil, paddings, spec.Strides, nil, 1)
	if err != nil {
		return nil, err
	}
	output, err = layouts.FromComputeLayout(output, spec.DataFormat)
	if err != nil {
		return nil, err
	}
	return e.finish(spec, output, bias)
}
