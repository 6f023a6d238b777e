// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

// Package conv implements N-dimensional convolution layers: forward,
// transposed ("deconvolution") and separable (depthwise + pointwise) variants,
// for 1, 2 and 3 spatial dimensions.
//
// The package is organized around a plain Spec value (the declarative layer
// configuration), pure weight-shape derivation functions consumed at layer
// build time, and an Executor that turns a Spec plus concrete tensors into an
// output tensor through a backends.Engine. The Convolution builder at the end
// ties them together into the usual layer API:
//
//	output, err := conv.Convolution(store, x).Filters(64).KernelSize(3).PadSame().Done()
//
// Layouts: the executors accept inputs in either channels-last or
// channels-first layout (Spec.DataFormat) and adapt to the engine's
// channels-last compute layout internally. Kernels are layout-agnostic by
// construction, always KernelSize ++ channel axes.
package conv

import (
	"github.com/pkg/errors"

	"github.com/convkit/convkit/backends"
	"github.com/convkit/convkit/backends/shapeinference"
	"github.com/convkit/convkit/types/shapes"
	"github.com/convkit/convkit/types/tensors/layouts"
	"github.com/convkit/convkit/types/xslices"
)

// SpatialRank is the number of spatial axes of a convolution. Only 1, 2 and 3
// are supported; the executors dispatch on this tag explicitly.
type SpatialRank int

const (
	Rank1D SpatialRank = 1
	Rank2D SpatialRank = 2
	Rank3D SpatialRank = 3
)

// IsSupported reports whether the rank is one of the supported values.
func (r SpatialRank) IsSupported() bool {
	return r == Rank1D || r == Rank2D || r == Rank3D
}

// String implements fmt.Stringer.
func (r SpatialRank) String() string {
	switch r {
	case Rank1D:
		return "1D"
	case Rank2D:
		return "2D"
	case Rank3D:
		return "3D"
	default:
		return "unsupported"
	}
}

// Spec is the declarative configuration of one convolution layer. It is a
// plain immutable value: the executors never modify it, and the same Spec
// selects the forward, transposed or separable behavior depending on which
// executor (or builder variant) it is handed to.
//
// The zero value is not usable directly; at minimum Rank, Filters and
// KernelSize must be set. Strides and DilationRate default to 1 per axis when
// nil (see Normalized). The zero values of the enum fields select
// channels-first layout, valid padding and no activation.
type Spec struct {
	// Rank is the number of spatial axes: Rank1D, Rank2D or Rank3D.
	Rank SpatialRank

	// Filters is the number of output channels.
	Filters int

	// KernelSize has one entry per spatial axis, each > 0.
	KernelSize []int

	// Strides has one entry per spatial axis; nil means 1 everywhere.
	// Non-unit strides cannot be combined with non-unit DilationRate.
	Strides []int

	// DilationRate has one entry per spatial axis; nil means 1 everywhere.
	// Transposed convolution does not support dilation.
	DilationRate []int

	// Padding selects the padding mode. PaddingCausal is declared but not
	// executable.
	Padding backends.PaddingMode

	// ExplicitPaddings sets the padding amounts (before, after) per spatial
	// axis directly. When non-nil it takes precedence over Padding. Not
	// supported for transposed convolution.
	ExplicitPaddings [][2]int

	// DataFormat is the layout of the input and output tensors.
	DataFormat layouts.ChannelsAxisConfig

	// UseBias selects whether the layer carries a bias vector of shape
	// [Filters].
	UseBias bool

	// Activation is applied to the output, fused into the compute kernel when
	// the engine supports it.
	Activation backends.ActivationType

	// KernelInitializer initializes the kernel variable of a forward or
	// transposed convolution. It must not be set together with the separable
	// initializers below.
	KernelInitializer Initializer

	// DepthwiseInitializer and PointwiseInitializer initialize the two kernel
	// variables of a separable convolution.
	DepthwiseInitializer Initializer
	PointwiseInitializer Initializer
}

// Normalized returns a copy of the Spec with nil Strides and DilationRate
// expanded to one entry of 1 per spatial axis, so downstream code never
// branches on their presence.
func (s Spec) Normalized() Spec {
	if !s.Rank.IsSupported() {
		// Left for Validate to report.
		return s
	}
	if s.Strides == nil {
		s.Strides = xslices.SliceWithValue(int(s.Rank), 1)
	}
	if s.DilationRate == nil {
		s.DilationRate = xslices.SliceWithValue(int(s.Rank), 1)
	}
	return s
}

// Validate checks the structural validity of the Spec. It assumes a
// Normalized spec. The error wraps one of the backends error kinds.
func (s Spec) Validate() error {
	if !s.Rank.IsSupported() {
		return errors.Wrapf(backends.ErrNotImplemented,
			"convolution with spatial rank %d is not implemented, only 1D, 2D and 3D are", s.Rank)
	}
	if s.Filters == 0 {
		return errors.Wrapf(backends.ErrMissingRequiredField, "Filters must be set")
	}
	if s.Filters < 0 {
		return errors.Wrapf(backends.ErrInvalidConfiguration, "Filters must be > 0, got %d", s.Filters)
	}
	if len(s.KernelSize) != int(s.Rank) {
		return errors.Wrapf(backends.ErrInvalidConfiguration,
			"KernelSize must have one entry per spatial axis (%s), got %v", s.Rank, s.KernelSize)
	}
	for _, size := range s.KernelSize {
		if size < 1 {
			return errors.Wrapf(backends.ErrInvalidConfiguration, "KernelSize entries must be > 0, got %v", s.KernelSize)
		}
	}
	if err := checkPerAxis("Strides", s.Strides, int(s.Rank)); err != nil {
		return err
	}
	if err := checkPerAxis("DilationRate", s.DilationRate, int(s.Rank)); err != nil {
		return err
	}
	if anyNonUnit(s.Strides) && anyNonUnit(s.DilationRate) {
		return errors.Wrapf(backends.ErrInvalidConfiguration,
			"cannot use strides (%v) and dilation rate (%v) different from 1 at the same time",
			s.Strides, s.DilationRate)
	}
	if !s.Padding.IsRecognized() {
		return errors.Wrapf(backends.ErrUnsupportedPaddingMode, "padding mode %s", s.Padding)
	}
	if s.ExplicitPaddings != nil {
		if len(s.ExplicitPaddings) != int(s.Rank) {
			return errors.Wrapf(backends.ErrInvalidConfiguration,
				"ExplicitPaddings must have one entry per spatial axis (%s), got %v", s.Rank, s.ExplicitPaddings)
		}
		for _, padding := range s.ExplicitPaddings {
			if padding[0] < 0 || padding[1] < 0 {
				return errors.Wrapf(backends.ErrInvalidConfiguration,
					"ExplicitPaddings amounts must be >= 0, got %v", s.ExplicitPaddings)
			}
		}
	}
	if s.DataFormat != layouts.ChannelsFirst && s.DataFormat != layouts.ChannelsLast {
		return errors.Wrapf(backends.ErrInvalidConfiguration, "unrecognized data format %d", s.DataFormat)
	}
	if s.Activation < backends.ActivationNone || s.Activation > backends.ActivationGelu {
		return errors.Wrapf(backends.ErrInvalidConfiguration, "unrecognized activation type %d", s.Activation)
	}
	return nil
}

func checkPerAxis(name string, values []int, spatialRank int) error {
	if len(values) != spatialRank {
		return errors.Wrapf(backends.ErrInvalidConfiguration,
			"%s must have one entry per spatial axis (%d), got %v", name, spatialRank, values)
	}
	for _, v := range values {
		if v < 1 {
			return errors.Wrapf(backends.ErrInvalidConfiguration, "%s entries must be >= 1, got %v", name, values)
		}
	}
	return nil
}

func anyNonUnit(values []int) bool {
	for _, v := range values {
		if v != 1 {
			return true
		}
	}
	return false
}

// OutputShape returns the output shape of the forward convolution described
// by the Spec for the given input shape, in the Spec's DataFormat. Unknown
// input spatial dimensions propagate as shapes.UnknownDim.
func (s Spec) OutputShape(input shapes.Shape) (shapes.Shape, error) {
	s = s.Normalized()
	if err := s.Validate(); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkInputRank(s.Rank, input.Rank()); err != nil {
		return shapes.Invalid(), err
	}
	output := input.Clone()
	output.Dimensions[layouts.GetChannelsAxis(input, s.DataFormat)] = s.Filters
	for dim, axis := range layouts.GetSpatialAxes(input, s.DataFormat) {
		var length int
		var err error
		if s.ExplicitPaddings != nil {
			length, err = shapeinference.ConvOutputLengthWithPadding(input.Dim(axis), s.KernelSize[dim],
				s.ExplicitPaddings[dim], s.Strides[dim], s.DilationRate[dim])
		} else {
			length, err = shapeinference.ConvOutputLength(input.Dim(axis), s.KernelSize[dim],
				s.Padding, s.Strides[dim], s.DilationRate[dim])
		}
		if err != nil {
			return shapes.Invalid(), err
		}
		output.Dimensions[axis] = length
	}
	return output, nil
}

// resolvePaddings returns the per-axis paddings handed to the compute
// primitive: the configured ExplicitPaddings when set, otherwise the paddings
// derived from the Padding mode.
func (s Spec) resolvePaddings() ([][2]int, error) {
	if s.ExplicitPaddings != nil {
		return s.ExplicitPaddings, nil
	}
	return shapeinference.PaddingsForMode(s.Padding, s.KernelSize, s.DilationRate)
}

// TransposedOutputShape returns the output shape of the transposed
// convolution described by the Spec for the given input shape, in the Spec's
// DataFormat.
func (s Spec) TransposedOutputShape(input shapes.Shape) (shapes.Shape, error) {
	s = s.Normalized()
	if err := s.validateTransposed(); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkInputRank(s.Rank, input.Rank()); err != nil {
		return shapes.Invalid(), err
	}
	output := input.Clone()
	output.Dimensions[layouts.GetChannelsAxis(input, s.DataFormat)] = s.Filters
	for dim, axis := range layouts.GetSpatialAxes(input, s.DataFormat) {
		length, err := shapeinference.ConvTransposeOutputLength(input.Dim(axis),
			s.Strides[dim], s.KernelSize[dim], s.Padding)
		if err != nil {
			return shapes.Invalid(), err
		}
		output.Dimensions[axis] = length
	}
	return output, nil
}

// validateTransposed checks the Spec for the transposed convolution variant:
// only ranks 2 and 3, only valid/same padding, and no dilation rate.
func (s Spec) validateTransposed() error {
	if s.Rank != Rank2D && s.Rank != Rank3D {
		return errors.Wrapf(backends.ErrNotImplemented,
			"transposed convolution is only implemented for 2D and 3D, got %s", s.Rank)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Padding != backends.PaddingValid && s.Padding != backends.PaddingSame {
		return errors.Wrapf(backends.ErrUnsupportedPaddingMode,
			"transposed convolution only supports valid and same padding, got %s", s.Padding)
	}
	if s.ExplicitPaddings != nil {
		return errors.Wrapf(backends.ErrInvalidConfiguration,
			"transposed convolution does not support explicit per-axis paddings, got %v", s.ExplicitPaddings)
	}
	if anyNonUnit(s.DilationRate) {
		return errors.Wrapf(backends.ErrInvalidConfiguration,
			"transposed convolution does not support a dilation rate, got %v", s.DilationRate)
	}
	return nil
}

func checkInputRank(rank SpatialRank, inputRank int) error {
	if inputRank != int(rank)+2 {
		return errors.Wrapf(backends.ErrRankMismatch,
			"input for a %s convolution must be rank %d ([batch, spatial..., channels] or [batch, channels, spatial...]), got rank %d",
			rank, int(rank)+2, inputRank)
	}
	return nil
}

// computeAxes returns the axes configuration of the compute (channels-last)
// layout: input and output are [batch, spatial..., channels], the kernel is
// [spatial..., inputChannels, outputChannels].
func computeAxes(spatialRank int) backends.ConvolveAxesConfig {
	return backends.ConvolveAxesConfig{
		InputBatch:    0,
		InputChannels: spatialRank + 1,
		InputSpatial:  xslices.Iota(1, spatialRank),

		KernelInputChannels:  spatialRank,
		KernelOutputChannels: spatialRank + 1,
		KernelSpatial:        xslices.Iota(0, spatialRank),

		OutputBatch:    0,
		OutputChannels: spatialRank + 1,
		OutputSpatial:  xslices.Iota(1, spatialRank),
	}
}
