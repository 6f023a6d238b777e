// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/convkit/convkit/backends"
	"github.com/convkit/convkit/backends/shapeinference"
	"github.com/convkit/convkit/types/tensors"
)

// AddBias implements backends.Engine.
func (b *Backend) AddBias(x, bias *tensors.Tensor, channelAxis int) (*tensors.Tensor, error) {
	if bias.Rank() != 1 {
		return nil, errors.Wrapf(backends.ErrRankMismatch, "AddBias: bias must be rank-1, got rank %d", bias.Rank())
	}
	if channelAxis < 0 || channelAxis >= x.Rank() {
		return nil, errors.Errorf("AddBias: channelAxis %d out-of-bounds for rank %d", channelAxis, x.Rank())
	}
	if bias.Shape().Dim(0) != x.Shape().Dim(channelAxis) {
		return nil, errors.Errorf("AddBias: bias has %d values but x has %d channels on axis %d",
			bias.Shape().Dim(0), x.Shape().Dim(channelAxis), channelAxis)
	}
	if x.DType() != bias.DType() {
		return nil, errors.Errorf("AddBias: x dtype %s and bias dtype %s differ", x.DType(), bias.DType())
	}
	switch x.DType() {
	case dtypes.Float16, dtypes.BFloat16:
		result, err := b.AddBias(toFloat32(x), toFloat32(bias), channelAxis)
		if err != nil {
			return nil, err
		}
		return fromFloat32(result, x.DType()), nil
	}

	result := x.Clone()
	channelStride := x.Shape().Strides()[channelAxis]
	channels := x.Shape().Dim(channelAxis)
	switch x.DType() {
	case dtypes.Float32:
		addBiasFlat(tensors.MutableFlatData[float32](result), tensors.ConstFlatData[float32](bias), channelStride, channels)
	case dtypes.Float64:
		addBiasFlat(tensors.MutableFlatData[float64](result), tensors.ConstFlatData[float64](bias), channelStride, channels)
	default:
		return nil, errors.Errorf("AddBias: unsupported dtype %s", x.DType())
	}
	return result, nil
}

func addBiasFlat[T float32 | float64](flat, bias []T, channelStride, channels int) {
	for pos := range flat {
		flat[pos] += bias[(pos/channelStride)%channels]
	}
}

// Activation implements backends.Engine.
func (b *Backend) Activation(activation backends.ActivationType, x *tensors.Tensor) (*tensors.Tensor, error) {
	if activation == backends.ActivationNone {
		return x, nil
	}
	fn, err := activationFunc(activation)
	if err != nil {
		return nil, err
	}
	switch x.DType() {
	case dtypes.Float16, dtypes.BFloat16:
		result, err := b.Activation(activation, toFloat32(x))
		if err != nil {
			return nil, err
		}
		return fromFloat32(result, x.DType()), nil
	}

	result := x.Clone()
	switch x.DType() {
	case dtypes.Float32:
		applyFlat(tensors.MutableFlatData[float32](result), fn)
	case dtypes.Float64:
		applyFlat(tensors.MutableFlatData[float64](result), fn)
	default:
		return nil, errors.Errorf("Activation: unsupported dtype %s", x.DType())
	}
	return result, nil
}

func activationFunc(activation backends.ActivationType) (func(float64) float64, error) {
	switch activation {
	case backends.ActivationRelu:
		return func(v float64) float64 { return math.Max(v, 0) }, nil
	case backends.ActivationSigmoid:
		return sigmoid, nil
	case backends.ActivationTanh:
		return math.Tanh, nil
	case backends.ActivationSilu:
		return func(v float64) float64 { return v * sigmoid(v) }, nil
	case backends.ActivationGelu:
		// Exact GELU, using erf.
		return func(v float64) float64 { return 0.5 * v * (1 + math.Erf(v/math.Sqrt2)) }, nil
	}
	return nil, errors.Errorf("unknown activation type %d", activation)
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

func applyFlat[T float32 | float64](flat []T, fn func(float64) float64) {
	for pos, v := range flat {
		flat[pos] = T(fn(float64(v)))
	}
}

// FusedConv2D implements backends.FusedConvEngine: a 2D convolution with the
// bias-add and activation folded into the convolution's output loop, so each
// output value is written exactly once and no intermediate tensors are
// materialized.
//
// Only 2 spatial dimensions, fusable activations and the native Float32 and
// Float64 dtypes are supported; other configurations return ErrNotImplemented
// and the caller decomposes. The half-precision dtypes decline because their
// decomposed path rounds between stages, and fusion must not change the
// result.
func (b *Backend) FusedConv2D(input, kernel, bias *tensors.Tensor, axes backends.ConvolveAxesConfig,
	strides []int, paddings [][2]int, kernelDilations []int,
	activation backends.ActivationType) (*tensors.Tensor, error) {
	if len(axes.InputSpatial) != 2 {
		return nil, errors.Wrapf(backends.ErrNotImplemented, "FusedConv2D supports 2 spatial dimensions, got %d", len(axes.InputSpatial))
	}
	if !activation.IsFusable() {
		return nil, errors.Wrapf(backends.ErrNotImplemented, "FusedConv2D cannot fuse activation %s", activation)
	}
	if input.DType() != dtypes.Float32 && input.DType() != dtypes.Float64 {
		return nil, errors.Wrapf(backends.ErrNotImplemented,
			"FusedConv2D computes natively on Float32 and Float64 only, got %s", input.DType())
	}
	if input.DType() != kernel.DType() {
		return nil, errors.Errorf("FusedConv2D: input dtype %s and kernel dtype %s differ", input.DType(), kernel.DType())
	}
	outputShape, err := shapeinference.ConvGeneralOutputShape(input.Shape(), kernel.Shape(), axes,
		strides, paddings, nil, kernelDilations, 1)
	if err != nil {
		return nil, err
	}
	if bias != nil {
		if bias.Rank() != 1 {
			return nil, errors.Wrapf(backends.ErrRankMismatch, "FusedConv2D: bias must be rank-1, got rank %d", bias.Rank())
		}
		if bias.Shape().Dim(0) != outputShape.Dim(axes.OutputChannels) {
			return nil, errors.Errorf("FusedConv2D: bias has %d values but the output has %d channels",
				bias.Shape().Dim(0), outputShape.Dim(axes.OutputChannels))
		}
		if bias.DType() != input.DType() {
			return nil, errors.Errorf("FusedConv2D: input dtype %s and bias dtype %s differ", input.DType(), bias.DType())
		}
	}
	klog.V(2).Infof("FusedConv2D: input=%s, kernel=%s, activation=%s", input.Shape(), kernel.Shape(), activation)

	var fn func(float64) float64
	if activation != backends.ActivationNone {
		fn, err = activationFunc(activation)
		if err != nil {
			return nil, err
		}
	}
	output := tensors.FromShape(outputShape)
	plan := convPlan{
		axes:              axes.Clone(),
		inputShape:        input.Shape(),
		kernelShape:       kernel.Shape(),
		outputShape:       outputShape,
		strides:           strides,
		paddings:          paddings,
		kernelDilations:   kernelDilations,
		channelGroupCount: 1,
	}
	plan.normalize()
	if input.DType() == dtypes.Float32 {
		var biasFlat []float32
		if bias != nil {
			biasFlat = tensors.ConstFlatData[float32](bias)
		}
		convGeneralFlat(tensors.ConstFlatData[float32](input), tensors.ConstFlatData[float32](kernel),
			biasFlat, tensors.MutableFlatData[float32](output), plan, fn)
	} else {
		var biasFlat []float64
		if bias != nil {
			biasFlat = tensors.ConstFlatData[float64](bias)
		}
		convGeneralFlat(tensors.ConstFlatData[float64](input), tensors.ConstFlatData[float64](kernel),
			biasFlat, tensors.MutableFlatData[float64](output), plan, fn)
	}
	return output, nil
}
