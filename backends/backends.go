// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface between the convolution core and the
// underlying tensor-algebra runtime that actually computes convolutions.
//
// The core (ml/layers/conv) never computes values itself: it derives shapes,
// adapts layouts and then calls an Engine. The simplego sub-package provides a
// reference pure-Go Engine; an accelerated runtime can be plugged in by
// implementing the same interface.
package backends

import (
	"slices"

	"github.com/convkit/convkit/types/tensors"
)

// Engine is the compute primitive the convolution executors are built on.
//
// All tensors given to an Engine are in channels-last layout already; layout
// adaptation happens in the callers. Implementations must not modify their
// input tensors.
type Engine interface {
	// ConvGeneral computes a generic N-dimensional convolution:
	//
	//   - axes describes where the batch/channels/spatial axes live on each of
	//     input, kernel and output.
	//   - strides, paddings, inputDilations and kernelDilations have one entry
	//     per spatial axis; nil means 1 (or no padding).
	//   - inputDilations inserts zeros between input elements; combined with
	//     paddings it expresses transposed convolution.
	//   - channelGroupCount splits the input channels into independent groups;
	//     setting it to the input channel count expresses depthwise
	//     convolution.
	ConvGeneral(input, kernel *tensors.Tensor, axes ConvolveAxesConfig,
		strides []int, paddings [][2]int,
		inputDilations, kernelDilations []int,
		channelGroupCount int) (*tensors.Tensor, error)

	// AddBias adds the rank-1 bias vector to x, broadcast over every axis but
	// channelAxis. The bias dimension must match x's dimension on channelAxis.
	AddBias(x, bias *tensors.Tensor, channelAxis int) (*tensors.Tensor, error)

	// Activation applies the given activation elementwise.
	// ActivationNone returns x unchanged.
	Activation(activation ActivationType, x *tensors.Tensor) (*tensors.Tensor, error)
}

// FusedConvEngine is an optional Engine capability: a 2D convolution with
// bias-add and activation folded into a single pass, avoiding intermediate
// tensors. Engines that cannot fuse a particular configuration return an
// error wrapping ErrNotImplemented, and the caller falls back to the
// decomposed ConvGeneral + AddBias + Activation path. Fusion must not change
// the numerical result.
type FusedConvEngine interface {
	FusedConv2D(input, kernel, bias *tensors.Tensor, axes ConvolveAxesConfig,
		strides []int, paddings [][2]int, kernelDilations []int,
		activation ActivationType) (*tensors.Tensor, error)
}

// ConvolveAxesConfig defines the interpretation of the input/kernel/output
// tensor axes. There must be the same number of spatial axes for each of the
// three tensors. Input and output have batch and channels axes; the kernel has
// input-channels and output-channels axes.
type ConvolveAxesConfig struct {
	InputBatch, InputChannels int
	InputSpatial              []int

	KernelInputChannels, KernelOutputChannels int
	KernelSpatial                             []int

	OutputBatch, OutputChannels int
	OutputSpatial               []int
}

// Clone returns a deep copy of the structure.
func (c ConvolveAxesConfig) Clone() ConvolveAxesConfig {
	c2 := c
	c2.InputSpatial = slices.Clone(c.InputSpatial)
	c2.KernelSpatial = slices.Clone(c.KernelSpatial)
	c2.OutputSpatial = slices.Clone(c.OutputSpatial)
	return c2
}

// ActivationType specifies the activation function applied after a
// convolution, either fused into the compute kernel or as a separate
// elementwise step.
type ActivationType int

const (
	ActivationNone ActivationType = iota
	ActivationRelu
	ActivationSigmoid
	ActivationTanh
	ActivationSilu
	ActivationGelu
)

// String returns the name of the activation type.
func (a ActivationType) String() string {
	switch a {
	case ActivationNone:
		return "none"
	case ActivationRelu:
		return "relu"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	case ActivationSilu:
		return "silu"
	case ActivationGelu:
		return "gelu"
	default:
		return "unknown"
	}
}

// IsFusable reports whether the activation belongs to the set engines may fold
// into the fused 2D convolution path. Sigmoid is deliberately excluded: it is
// applied as a separate step.
func (a ActivationType) IsFusable() bool {
	switch a {
	case ActivationNone, ActivationRelu, ActivationTanh, ActivationSilu, ActivationGelu:
		return true
	}
	return false
}

// PaddingMode is the rule governing how many implicit zeros are conceptually
// added at the spatial boundaries before sliding the kernel.
type PaddingMode int

const (
	// PaddingValid adds no padding: output spatial dimensions shrink by the
	// (effective) kernel size minus one.
	PaddingValid PaddingMode = iota

	// PaddingSame adds enough padding to preserve the spatial dimensions under
	// unit stride. For even kernel sizes the padding is asymmetric, with the
	// extra zero at the end.
	PaddingSame

	// PaddingCausal is declared for API compatibility with causal temporal
	// convolutions, but is not implemented by the executors.
	PaddingCausal
)

// String returns the name of the padding mode.
func (p PaddingMode) String() string {
	switch p {
	case PaddingValid:
		return "valid"
	case PaddingSame:
		return "same"
	case PaddingCausal:
		return "causal"
	default:
		return "unknown"
	}
}

// IsRecognized reports whether p is one of the declared padding modes.
func (p PaddingMode) IsRecognized() bool {
	return p == PaddingValid || p == PaddingSame || p == PaddingCausal
}
