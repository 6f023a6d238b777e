// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego is the reference pure-Go implementation of
// backends.Engine: a straightforward, portable execution of the generic
// convolution primitive and its elementwise companions.
//
// Float32 and Float64 are computed natively; Float16 and BFloat16 tensors are
// converted to Float32, computed, and converted back.
package simplego

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/convkit/convkit/backends"
	"github.com/convkit/convkit/backends/shapeinference"
	"github.com/convkit/convkit/types/shapes"
	"github.com/convkit/convkit/types/tensors"
)

// Backend implements backends.Engine and backends.FusedConvEngine.
type Backend struct{}

// New returns a ready-to-use reference engine.
func New() *Backend { return &Backend{} }

var (
	_ backends.Engine          = (*Backend)(nil)
	_ backends.FusedConvEngine = (*Backend)(nil)
)

// ConvGeneral implements backends.Engine.
func (b *Backend) ConvGeneral(input, kernel *tensors.Tensor, axes backends.ConvolveAxesConfig,
	strides []int, paddings [][2]int,
	inputDilations, kernelDilations []int,
	channelGroupCount int) (*tensors.Tensor, error) {
	if input.DType() != kernel.DType() {
		return nil, errors.Errorf("ConvGeneral: input dtype %s and kernel dtype %s differ", input.DType(), kernel.DType())
	}
	outputShape, err := shapeinference.ConvGeneralOutputShape(input.Shape(), kernel.Shape(), axes,
		strides, paddings, inputDilations, kernelDilations, channelGroupCount)
	if err != nil {
		return nil, err
	}

	switch input.DType() {
	case dtypes.Float32, dtypes.Float64:
		// Native path below.
	case dtypes.Float16, dtypes.BFloat16:
		output, err := b.ConvGeneral(toFloat32(input), toFloat32(kernel), axes,
			strides, paddings, inputDilations, kernelDilations, channelGroupCount)
		if err != nil {
			return nil, err
		}
		return fromFloat32(output, input.DType()), nil
	default:
		return nil, errors.Errorf("ConvGeneral: unsupported dtype %s", input.DType())
	}

	output := tensors.FromShape(outputShape)
	plan := convPlan{
		axes:              axes.Clone(),
		inputShape:        input.Shape(),
		kernelShape:       kernel.Shape(),
		outputShape:       outputShape,
		strides:           strides,
		paddings:          paddings,
		inputDilations:    inputDilations,
		kernelDilations:   kernelDilations,
		channelGroupCount: max(channelGroupCount, 1),
	}
	plan.normalize()
	if input.DType() == dtypes.Float32 {
		convGeneralFlat(tensors.ConstFlatData[float32](input), tensors.ConstFlatData[float32](kernel),
			nil, tensors.MutableFlatData[float32](output), plan, nil)
	} else {
		convGeneralFlat(tensors.ConstFlatData[float64](input), tensors.ConstFlatData[float64](kernel),
			nil, tensors.MutableFlatData[float64](output), plan, nil)
	}
	return output, nil
}

// convPlan carries the static parameters of one ConvGeneral execution.
type convPlan struct {
	axes                                 backends.ConvolveAxesConfig
	inputShape, kernelShape, outputShape shapes.Shape
	strides                              []int
	paddings                             [][2]int
	inputDilations, kernelDilations      []int
	channelGroupCount                    int
}

// normalize fills nil parameters with their unit defaults so the execution
// loop never branches on parameter presence.
func (p *convPlan) normalize() {
	spatialRank := p.outputShape.Rank() - 2
	if p.strides == nil {
		p.strides = sliceWithValue(spatialRank, 1)
	}
	if p.paddings == nil {
		p.paddings = make([][2]int, spatialRank)
	}
	if p.inputDilations == nil {
		p.inputDilations = sliceWithValue(spatialRank, 1)
	}
	if p.kernelDilations == nil {
		p.kernelDilations = sliceWithValue(spatialRank, 1)
	}
}

func sliceWithValue(size, value int) []int {
	s := make([]int, size)
	for ii := range s {
		s[ii] = value
	}
	return s
}

// convGeneralFlat runs the convolution over flat row-major buffers. It visits
// every output position once, in memory order, accumulating over the kernel
// spatial positions and the input channels of the output channel's group.
//
// bias (indexed by output channel) and activation are folded into the store of
// each output value when non-nil, so fused callers write the output exactly
// once with no intermediate buffers.
func convGeneralFlat[T float32 | float64](input, kernel, bias, output []T, plan convPlan, activation func(float64) float64) {
	axes := plan.axes
	spatialRank := plan.outputShape.Rank() - 2
	inputStrides := plan.inputShape.Strides()
	kernelStrides := plan.kernelShape.Strides()

	outputChannels := plan.outputShape.Dim(axes.OutputChannels)
	kernelInputChannels := plan.kernelShape.Dim(axes.KernelInputChannels)
	channelsPerGroup := outputChannels / plan.channelGroupCount

	outputIdx := make([]int, plan.outputShape.Rank())
	kernelPos := make([]int, spatialRank)
	for outputPos := range output {
		batch := outputIdx[axes.OutputBatch]
		outputChannel := outputIdx[axes.OutputChannels]
		group := outputChannel / channelsPerGroup

		inputBase := batch * inputStrides[axes.InputBatch]
		kernelBase := outputChannel * kernelStrides[axes.KernelOutputChannels]

		var acc T
		clear(kernelPos)
		for {
			// Map the kernel position to an input position; skip padding zeros
			// and the holes introduced by input dilation.
			inputOffset := inputBase
			valid := true
			for dim := 0; dim < spatialRank; dim++ {
				pos := outputIdx[axes.OutputSpatial[dim]]*plan.strides[dim] -
					plan.paddings[dim][0] + kernelPos[dim]*plan.kernelDilations[dim]
				if dilation := plan.inputDilations[dim]; dilation > 1 {
					if pos%dilation != 0 {
						valid = false
						break
					}
					pos /= dilation
				}
				if pos < 0 || pos >= plan.inputShape.Dim(axes.InputSpatial[dim]) {
					valid = false
					break
				}
				inputOffset += pos * inputStrides[axes.InputSpatial[dim]]
			}
			if valid {
				kernelOffset := kernelBase
				for dim := 0; dim < spatialRank; dim++ {
					kernelOffset += kernelPos[dim] * kernelStrides[axes.KernelSpatial[dim]]
				}
				for ic := 0; ic < kernelInputChannels; ic++ {
					inputChannel := group*kernelInputChannels + ic
					acc += input[inputOffset+inputChannel*inputStrides[axes.InputChannels]] *
						kernel[kernelOffset+ic*kernelStrides[axes.KernelInputChannels]]
				}
			}
			if !incrementIndices(kernelPos, plan.kernelShape.Dimensions, axes.KernelSpatial) {
				break
			}
		}
		if bias != nil {
			acc += bias[outputChannel]
		}
		if activation != nil {
			acc = T(activation(float64(acc)))
		}
		output[outputPos] = acc
		incrementIndices(outputIdx, plan.outputShape.Dimensions, nil)
	}
}

// incrementIndices advances a multi-dimensional index odometer in row-major
// order. If axesMap is non-nil, indices[ii] counts up to dims[axesMap[ii]].
// It returns false when the odometer wraps around back to all-zeros.
func incrementIndices(indices, dims []int, axesMap []int) bool {
	for axis := len(indices) - 1; axis >= 0; axis-- {
		limit := dims[axis]
		if axesMap != nil {
			limit = dims[axesMap[axis]]
		}
		indices[axis]++
		if indices[axis] < limit {
			return true
		}
		indices[axis] = 0
	}
	return false
}

func toFloat32(t *tensors.Tensor) *tensors.Tensor {
	result := tensors.FromShape(shapes.Make(dtypes.Float32, t.Shape().Dimensions...))
	target := tensors.MutableFlatData[float32](result)
	t.ConstFlatData(func(flat any) {
		switch source := flat.(type) {
		case []float16.Float16:
			for ii, v := range source {
				target[ii] = v.Float32()
			}
		case []bfloat16.BFloat16:
			for ii, v := range source {
				target[ii] = v.Float32()
			}
		case []float32:
			copy(target, source)
		}
	})
	return result
}

func fromFloat32(t *tensors.Tensor, dtype dtypes.DType) *tensors.Tensor {
	if dtype == dtypes.Float32 {
		return t
	}
	result := tensors.FromShape(shapes.Make(dtype, t.Shape().Dimensions...))
	source := tensors.ConstFlatData[float32](t)
	result.MutableFlatData(func(flat any) {
		switch target := flat.(type) {
		case []float16.Float16:
			for ii, v := range source {
				target[ii] = float16.Fromfloat32(v)
			}
		case []bfloat16.BFloat16:
			for ii, v := range source {
				target[ii] = bfloat16.FromFloat32(v)
			}
		}
	})
	return result
}
