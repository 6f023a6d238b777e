// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/pkg/errors"

	"github.com/convkit/convkit/types/tensors/layouts"
)

// Error kinds surfaced by the convolution subsystem. They are raised
// synchronously at the point of detection and propagate unchanged to the
// caller; none are retried or silently recovered. Use errors.Is to test the
// kind of a returned error.
var (
	// ErrInvalidConfiguration flags a structurally invalid configuration
	// field: an unrecognized data format, a non-positive kernel size or
	// filter count, or non-unit strides combined with non-unit dilation.
	ErrInvalidConfiguration = layouts.ErrInvalidConfiguration

	// ErrMissingRequiredField flags a required field absent for the chosen
	// variant, e.g. the filter count for a separable convolution.
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrConflictingConfiguration flags mutually exclusive fields both set,
	// e.g. an ordinary kernel initializer together with separable
	// depthwise/pointwise initializers.
	ErrConflictingConfiguration = errors.New("conflicting configuration")

	// ErrRankMismatch flags an input, kernel or bias tensor whose rank does
	// not match what the configured spatial rank requires.
	ErrRankMismatch = errors.New("tensor rank mismatch")

	// ErrUndefinedChannelDimension flags an input shape whose channels axis
	// size is not statically known at build time.
	ErrUndefinedChannelDimension = errors.New("channels dimension is not defined")

	// ErrUnsupportedPaddingMode flags a padding mode the requested operation
	// cannot execute, or an unrecognized enum value.
	ErrUnsupportedPaddingMode = errors.New("unsupported padding mode")

	// ErrNotImplemented flags a structurally valid but unsupported
	// combination: spatial rank above 3, rank 1 or 3 for transposed/separable
	// convolution, or a fused path an engine doesn't provide.
	ErrNotImplemented = errors.New("not implemented")
)
