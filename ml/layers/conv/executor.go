// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"github.com/pkg/errors"

	"github.com/convkit/convkit/backends"
	"github.com/convkit/convkit/types/tensors"
	"github.com/convkit/convkit/types/tensors/layouts"
)

// Executor runs convolutions described by a Spec on a backends.Engine. It is
// stateless beyond the engine reference: every call is independent, and none
// of the input tensors are modified.
type Executor struct {
	engine backends.Engine
}

// NewExecutor returns an Executor computing on the given engine.
func NewExecutor(engine backends.Engine) *Executor {
	return &Executor{engine: engine}
}

// Forward runs the forward convolution described by spec.
//
// The input must be rank spec.Rank+2, in spec.DataFormat layout. The kernel
// must be KernelSize ++ [inputChannels, Filters]; a rank spec.Rank+1 kernel is
// accepted as the single-filter case, with an implicit trailing output
// channels axis of 1. The bias, when non-nil, must be rank-1 with Filters
// values.
//
// When the engine implements backends.FusedConvEngine and the configuration
// qualifies (2D, fusable activation, and a bias or activation present), the
// bias-add and activation are fused into the convolution pass. Fusion is an
// internal optimization and never changes the numerical result; engines that
// decline a configuration with ErrNotImplemented fall back to the decomposed
// path silently.
func (e *Executor) Forward(spec Spec, input, kernel, bias *tensors.Tensor) (*tensors.Tensor, error) {
	spec = spec.Normalized()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := checkInputRank(spec.Rank, input.Rank()); err != nil {
		return nil, err
	}
	spatialRank := int(spec.Rank)
	switch kernel.Rank() {
	case spatialRank + 2:
		// Full kernel with input and output channel axes.
	case spatialRank + 1:
		dims := append(kernel.Shape().Clone().Dimensions, 1)
		kernel = tensors.Reshape(kernel, dims...)
	default:
		return nil, errors.Wrapf(backends.ErrRankMismatch,
			"kernel for a %s convolution must be rank %d or %d, got rank %d",
			spec.Rank, spatialRank+1, spatialRank+2, kernel.Rank())
	}
	if err := checkBias(spec, bias); err != nil {
		return nil, err
	}
	paddings, err := spec.resolvePaddings()
	if err != nil {
		return nil, err
	}
	x, err := layouts.ToComputeLayout(input, spec.DataFormat)
	if err != nil {
		return nil, err
	}
	axes := computeAxes(spatialRank)

	// Rank 2 is the only rank with a fused bias+activation path; ranks 1 and
	// 3 always decompose.
	switch spec.Rank {
	case Rank2D:
		if fused, ok, err := e.tryFused(spec, x, kernel, bias, axes, paddings); ok {
			if err != nil {
				return nil, err
			}
			return layouts.FromComputeLayout(fused, spec.DataFormat)
		}
	case Rank1D, Rank3D:
		// Decomposed below.
	}

	output, err := e.engine.ConvGeneral(x, kernel, axes, spec.Strides, paddings, nil, spec.DilationRate, 1)
	if err != nil {
		return nil, err
	}
	output, err = layouts.FromComputeLayout(output, spec.DataFormat)
	if err != nil {
		return nil, err
	}
	return e.finish(spec, output, bias)
}

// tryFused attempts the fused 2D path. It returns ok=false when the
// configuration does not qualify or the engine declines with
// ErrNotImplemented; any other engine error is final.
func (e *Executor) tryFused(spec Spec, x, kernel, bias *tensors.Tensor,
	axes backends.ConvolveAxesConfig, paddings [][2]int) (*tensors.Tensor, bool, error) {
	if bias == nil && spec.Activation == backends.ActivationNone {
		return nil, false, nil
	}
	if !spec.Activation.IsFusable() {
		return nil, false, nil
	}
	fusedEngine, ok := e.engine.(backends.FusedConvEngine)
	if !ok {
		return nil, false, nil
	}
	output, err := fusedEngine.FusedConv2D(x, kernel, bias, axes, spec.Strides, paddings,
		spec.DilationRate, spec.Activation)
	if err != nil {
		if errors.Is(err, backends.ErrNotImplemented) {
			return nil, false, nil
		}
		return nil, true, err
	}
	return output, true, nil
}

// finish applies the non-fused bias-add and activation, in the Spec's own
// layout.
func (e *Executor) finish(spec Spec, output, bias *tensors.Tensor) (*tensors.Tensor, error) {
	var err error
	if bias != nil {
		output, err = e.engine.AddBias(output, bias, layouts.GetChannelsAxis(output, spec.DataFormat))
		if err != nil {
			return nil, err
		}
	}
	return e.engine.Activation(spec.Activation, output)
}

func checkBias(spec Spec, bias *tensors.Tensor) error {
	if bias == nil {
		return nil
	}
	if bias.Rank() != 1 {
		return errors.Wrapf(backends.ErrRankMismatch, "bias must be rank 1, got rank %d", bias.Rank())
	}
	if bias.Shape().Dim(0) != spec.Filters {
		return errors.Wrapf(backends.ErrInvalidConfiguration,
			"bias must have one value per filter (%d), got %d", spec.Filters, bias.Shape().Dim(0))
	}
	return nil
}
