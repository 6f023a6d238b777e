// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference implements the closed-form arithmetic relating input
// and output spatial dimensions of convolutions, per spatial axis, before any
// tensor is materialized.
//
// ConvOutputLength is the forward direction. ConvTransposeOutputLength is the
// inverse ("deconvolution") direction used to recover the output size of a
// transposed convolution. ConvGeneralOutputShape computes the full output
// shape of the generic convolution primitive from explicit paddings.
package shapeinference

import (
	"github.com/pkg/errors"

	"github.com/convkit/convkit/backends"
	"github.com/convkit/convkit/types/shapes"
)

// ConvOutputLength returns the spatial output length of a forward convolution
// along one axis.
//
// If inputLength is shapes.UnknownDim the result is shapes.UnknownDim. The
// output length for PaddingSame and PaddingCausal is independent of the kernel
// size: the padding amount is absorbed by the compute primitive and not
// modeled here.
func ConvOutputLength(inputLength, kernelSize int, padding backends.PaddingMode, stride, dilation int) (int, error) {
	if inputLength == shapes.UnknownDim {
		return shapes.UnknownDim, nil
	}
	effectiveKernelSize := (kernelSize-1)*dilation + 1
	switch padding {
	case backends.PaddingValid:
		return (inputLength-effectiveKernelSize)/stride + 1, nil
	case backends.PaddingSame, backends.PaddingCausal:
		return (inputLength-1)/stride + 1, nil
	}
	return 0, errors.Wrapf(backends.ErrUnsupportedPaddingMode,
		"ConvOutputLength: padding mode %s", padding)
}

// ConvOutputLengthWithPadding returns the spatial output length of a forward
// convolution along one axis for explicit padding amounts (before, after),
// bypassing the PaddingMode arithmetic.
func ConvOutputLengthWithPadding(inputLength, kernelSize int, padding [2]int, stride, dilation int) (int, error) {
	if inputLength == shapes.UnknownDim {
		return shapes.UnknownDim, nil
	}
	effectiveKernelSize := (kernelSize-1)*dilation + 1
	numerator := inputLength + padding[0] + padding[1] - effectiveKernelSize
	if numerator < 0 {
		return 0, errors.Wrapf(backends.ErrInvalidConfiguration,
			"effective kernel size %d is larger than the padded input (%d+%d+%d)",
			effectiveKernelSize, inputLength, padding[0], padding[1])
	}
	return numerator/stride + 1, nil
}

// ConvTransposeOutputLength returns the spatial output length of a transposed
// convolution along one axis, the inverse of ConvOutputLength: feeding it the
// output length of a forward pass recovers the forward pass's input length
// (for unit dilation).
//
// Dilation is deliberately not a parameter: transposed convolution does not
// support a dilation rate.
func ConvTransposeOutputLength(inputLength, stride, kernelSize int, padding backends.PaddingMode) (int, error) {
	if inputLength == shapes.UnknownDim {
		return shapes.UnknownDim, nil
	}
	switch padding {
	case backends.PaddingValid:
		return inputLength*stride + max(kernelSize-stride, 0), nil
	case backends.PaddingSame:
		return inputLength * stride, nil
	}
	return 0, errors.Wrapf(backends.ErrUnsupportedPaddingMode,
		"ConvTransposeOutputLength: padding mode %s", padding)
}

// SamePaddingPerDim returns the explicit per-axis paddings realizing
// PaddingSame for the given kernel sizes and dilations: enough zeros so that
// under unit stride the output has the input's spatial dimensions. For even
// effective kernel sizes the padding is asymmetric, with the extra zero at the
// end.
func SamePaddingPerDim(kernelSize, dilations []int) [][2]int {
	paddings := make([][2]int, len(kernelSize))
	for dim := range paddings {
		dilation := 1
		if dilations != nil {
			dilation = dilations[dim]
		}
		effectiveKernelSize := (kernelSize[dim]-1)*dilation + 1
		paddings[dim][0] = (effectiveKernelSize - 1) / 2
		paddings[dim][1] = effectiveKernelSize / 2
	}
	return paddings
}

// PaddingsForMode resolves a PaddingMode into explicit per-axis paddings for
// the compute primitive. PaddingCausal is not executable and returns
// ErrNotImplemented.
func PaddingsForMode(padding backends.PaddingMode, kernelSize, dilations []int) ([][2]int, error) {
	switch padding {
	case backends.PaddingValid:
		return make([][2]int, len(kernelSize)), nil
	case backends.PaddingSame:
		return SamePaddingPerDim(kernelSize, dilations), nil
	case backends.PaddingCausal:
		return nil, errors.Wrapf(backends.ErrNotImplemented, "causal padding is not implemented for convolution")
	}
	return nil, errors.Wrapf(backends.ErrUnsupportedPaddingMode, "padding mode %s", padding)
}

// ConvTransposePaddingPerDim returns the explicit per-axis paddings that
// realize a transposed convolution on the forward compute primitive: the
// kernel is spatially reversed, the input is dilated by the strides, and these
// paddings make the output come out with the lengths given by
// ConvTransposeOutputLength.
//
// inputLengths and outputLengths are the spatial dimensions of the transposed
// convolution's input and desired output, and must be fully defined.
func ConvTransposePaddingPerDim(kernelSize, strides, inputLengths, outputLengths []int,
	padding backends.PaddingMode) ([][2]int, error) {
	paddings := make([][2]int, len(kernelSize))
	for dim := range paddings {
		kernel, stride := kernelSize[dim], strides[dim]
		var forwardPadBefore int
		switch padding {
		case backends.PaddingValid:
			forwardPadBefore = 0
		case backends.PaddingSame:
			forwardPadBefore = max(kernel-stride, 0) / 2
		default:
			return nil, errors.Wrapf(backends.ErrUnsupportedPaddingMode,
				"ConvTransposePaddingPerDim: padding mode %s", padding)
		}
		dilatedInput := (inputLengths[dim]-1)*stride + 1
		padBefore := kernel - 1 - forwardPadBefore
		padAfter := outputLengths[dim] + kernel - 1 - dilatedInput - padBefore
		paddings[dim] = [2]int{padBefore, padAfter}
	}
	return paddings, nil
}

// ConvGeneralOutputShape returns the output shape of the generic convolution
// primitive (see backends.Engine.ConvGeneral), validating the arguments.
//
// Per spatial axis the output dimension is
//
//	floor((dilatedInput + padLow + padHigh - effectiveKernelSize) / stride) + 1
//
// where dilatedInput = (input-1)*inputDilation + 1 and effectiveKernelSize =
// (kernel-1)*kernelDilation + 1.
func ConvGeneralOutputShape(input, kernel shapes.Shape, axes backends.ConvolveAxesConfig,
	strides []int, paddings [][2]int,
	inputDilations, kernelDilations []int,
	channelGroupCount int) (shapes.Shape, error) {
	errorf := func(format string, args ...any) (shapes.Shape, error) {
		return shapes.Invalid(), errors.Errorf("ConvGeneralOutputShape: "+format, args...)
	}

	rank := input.Rank()
	spatialRank := rank - 2
	if rank < 3 {
		return errorf("input must be at least rank-3 with batch, channels and spatial axes, got %s", input)
	}
	if kernel.Rank() != rank {
		return errorf("input (shape %s) and kernel (shape %s) must have the same rank", input, kernel)
	}
	if len(axes.InputSpatial) != spatialRank || len(axes.KernelSpatial) != spatialRank || len(axes.OutputSpatial) != spatialRank {
		return errorf("axes configuration must provide %d spatial axes for input/kernel/output, got %d/%d/%d",
			spatialRank, len(axes.InputSpatial), len(axes.KernelSpatial), len(axes.OutputSpatial))
	}
	if len(strides) != 0 && len(strides) != spatialRank {
		return errorf("strides (%v) must be nil or provide one value per spatial axis (%d)", strides, spatialRank)
	}
	if len(paddings) != 0 && len(paddings) != spatialRank {
		return errorf("paddings (%v) must be nil or provide one value per spatial axis (%d)", paddings, spatialRank)
	}
	if len(inputDilations) != 0 && len(inputDilations) != spatialRank {
		return errorf("inputDilations (%v) must be nil or provide one value per spatial axis (%d)", inputDilations, spatialRank)
	}
	if len(kernelDilations) != 0 && len(kernelDilations) != spatialRank {
		return errorf("kernelDilations (%v) must be nil or provide one value per spatial axis (%d)", kernelDilations, spatialRank)
	}

	channelGroupCount = max(channelGroupCount, 1)
	inputChannels := input.Dim(axes.InputChannels)
	kernelInputChannels := kernel.Dim(axes.KernelInputChannels)
	outputChannels := kernel.Dim(axes.KernelOutputChannels)
	if inputChannels%channelGroupCount != 0 {
		return errorf("input channels (%d) must be divisible by channelGroupCount (%d)", inputChannels, channelGroupCount)
	}
	if outputChannels%channelGroupCount != 0 {
		return errorf("output channels (%d) must be divisible by channelGroupCount (%d)", outputChannels, channelGroupCount)
	}
	if inputChannels != kernelInputChannels*channelGroupCount {
		return errorf("input channels (%d) must equal kernel input channels (%d) times channelGroupCount (%d) -- input %s, kernel %s",
			inputChannels, kernelInputChannels, channelGroupCount, input, kernel)
	}

	output := input.Clone()
	output.Dimensions[axes.OutputBatch] = input.Dim(axes.InputBatch)
	output.Dimensions[axes.OutputChannels] = outputChannels
	for spatialIdx, inputAxis := range axes.InputSpatial {
		inputDim := input.Dim(inputAxis)
		kernelDim := kernel.Dim(axes.KernelSpatial[spatialIdx])
		stride, inputDilation, kernelDilation := 1, 1, 1
		var padding [2]int
		if len(strides) > 0 {
			stride = strides[spatialIdx]
		}
		if len(paddings) > 0 {
			padding = paddings[spatialIdx]
		}
		if len(inputDilations) > 0 {
			inputDilation = inputDilations[spatialIdx]
		}
		if len(kernelDilations) > 0 {
			kernelDilation = kernelDilations[spatialIdx]
		}
		if stride < 1 || inputDilation < 1 || kernelDilation < 1 {
			return errorf("strides and dilations must be >= 1 on every spatial axis, got stride=%d, inputDilation=%d, kernelDilation=%d for axis %d",
				stride, inputDilation, kernelDilation, spatialIdx)
		}
		dilatedInput := (inputDim-1)*inputDilation + 1
		effectiveKernel := (kernelDim-1)*kernelDilation + 1
		numerator := dilatedInput + padding[0] + padding[1] - effectiveKernel
		if numerator < 0 {
			return errorf("effective kernel size %d is larger than padded input %d on spatial axis %d",
				effectiveKernel, dilatedInput+padding[0]+padding[1], spatialIdx)
		}
		output.Dimensions[axes.OutputSpatial[spatialIdx]] = numerator/stride + 1
	}
	return output, nil
}
