// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

// Package layouts handles the two conventional orderings of image-like tensor
// axes: channels-last ([batch, spatial..., channels], aka NWC/NHWC/NDHWC) and
// channels-first ([batch, channels, spatial...]).
//
// The compute primitives in backends always operate on channels-last tensors;
// ToComputeLayout and FromComputeLayout move tensors between the user's layout
// and the compute layout by axis permutation.
package layouts

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/convkit/convkit/types/shapes"
	"github.com/convkit/convkit/types/tensors"
	"github.com/convkit/convkit/types/xslices"
)

// ChannelsAxisConfig indicates whether a tensor has the channels axis coming
// last (after the spatial axes) or first (right after the batch axis).
type ChannelsAxisConfig uint8

const (
	ChannelsFirst ChannelsAxisConfig = iota
	ChannelsLast
)

// ErrInvalidConfiguration is returned for an unrecognized ChannelsAxisConfig
// value. It is shared as the general invalid-configuration error kind of the
// convolution subsystem (see backends.ErrInvalidConfiguration).
var ErrInvalidConfiguration = errors.New("invalid configuration")

// String implements fmt.Stringer.
func (c ChannelsAxisConfig) String() string {
	switch c {
	case ChannelsFirst:
		return "channels_first"
	case ChannelsLast:
		return "channels_last"
	default:
		return "unknown"
	}
}

// FromName converts "channels_first" or "channels_last" to the corresponding
// config value.
func FromName(name string) (ChannelsAxisConfig, error) {
	switch name {
	case "channels_first":
		return ChannelsFirst, nil
	case "channels_last":
		return ChannelsLast, nil
	}
	return 0, errors.Wrapf(ErrInvalidConfiguration, "unknown channels axis configuration %q", name)
}

// GetChannelsAxis from a given tensor (or shape) and configuration. It assumes
// the leading axis is the batch dimension, so it returns either 1 or
// x.Shape().Rank()-1.
func GetChannelsAxis(x shapes.HasShape, config ChannelsAxisConfig) int {
	switch config {
	case ChannelsFirst:
		return 1
	case ChannelsLast:
		return x.Shape().Rank() - 1
	default:
		klog.Errorf("layouts.GetChannelsAxis(x, %s): invalid ChannelsAxisConfig!?", config)
		return -1
	}
}

// GetSpatialAxes from a given tensor (or shape) and configuration. It assumes
// the leading axis is the batch dimension.
//
// Example: for shape [batch, height, width, channels] and ChannelsLast it
// returns []int{1, 2}.
func GetSpatialAxes(x shapes.HasShape, config ChannelsAxisConfig) []int {
	numSpatialDims := x.Shape().Rank() - 2
	if numSpatialDims <= 0 {
		return nil
	}
	switch config {
	case ChannelsFirst:
		return xslices.Iota(2, numSpatialDims)
	case ChannelsLast:
		return xslices.Iota(1, numSpatialDims)
	default:
		klog.Errorf("layouts.GetSpatialAxes(x, %s): invalid ChannelsAxisConfig!?", config)
		return nil
	}
}

// ToComputePermutation returns the axis permutation that moves a rank
// (spatialRank+2) tensor from the given layout to the compute (channels-last)
// layout. For ChannelsLast it is the identity.
//
// Example: for 2 spatial dimensions and ChannelsFirst it returns [0, 2, 3, 1].
func ToComputePermutation(config ChannelsAxisConfig, spatialRank int) ([]int, error) {
	rank := spatialRank + 2
	switch config {
	case ChannelsLast:
		return xslices.Iota(0, rank), nil
	case ChannelsFirst:
		permutation := make([]int, 0, rank)
		permutation = append(permutation, 0)
		permutation = append(permutation, xslices.Iota(2, spatialRank)...)
		permutation = append(permutation, 1)
		return permutation, nil
	}
	return nil, errors.Wrapf(ErrInvalidConfiguration, "ToComputePermutation(%d, spatialRank=%d)", config, spatialRank)
}

// FromComputePermutation returns the inverse of ToComputePermutation: it moves
// a channels-last tensor back to the given layout.
//
// Example: for 2 spatial dimensions and ChannelsFirst it returns [0, 3, 1, 2].
func FromComputePermutation(config ChannelsAxisConfig, spatialRank int) ([]int, error) {
	forward, err := ToComputePermutation(config, spatialRank)
	if err != nil {
		return nil, err
	}
	inverse := make([]int, len(forward))
	for newAxis, oldAxis := range forward {
		inverse[oldAxis] = newAxis
	}
	return inverse, nil
}

// ToComputeLayout converts x to the channels-last layout the compute
// primitives expect. For ChannelsLast input it returns x unchanged (no copy).
// It never modifies x.
func ToComputeLayout(x *tensors.Tensor, config ChannelsAxisConfig) (*tensors.Tensor, error) {
	if config == ChannelsLast {
		return x, nil
	}
	permutation, err := ToComputePermutation(config, x.Rank()-2)
	if err != nil {
		return nil, err
	}
	return tensors.Transpose(x, permutation...), nil
}

// FromComputeLayout converts a channels-last tensor back to the given layout,
// undoing ToComputeLayout. For ChannelsLast it returns x unchanged.
func FromComputeLayout(x *tensors.Tensor, config ChannelsAxisConfig) (*tensors.Tensor, error) {
	if config == ChannelsLast {
		return x, nil
	}
	permutation, err := FromComputePermutation(config, x.Rank()-2)
	if err != nil {
		return nil, err
	}
	return tensors.Transpose(x, permutation...), nil
}
