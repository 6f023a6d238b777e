// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"github.com/gomlx/exceptions"

	"github.com/convkit/convkit/backends"
	"github.com/convkit/convkit/backends/simplego"
	"github.com/convkit/convkit/types/shapes"
	"github.com/convkit/convkit/types/tensors"
	"github.com/convkit/convkit/types/tensors/layouts"
	"github.com/convkit/convkit/types/xslices"
)

// VariableStore owns the layer variables. The builder derives the variable
// shapes at build time and asks the store for the tensors; the store decides
// whether to create them (using the given initializer, which may be nil) or
// return existing ones. The convolution core only reads the returned tensors.
type VariableStore interface {
	Variable(name string, shape shapes.Shape, initializer Initializer) *tensors.Tensor
}

type convVariant int

const (
	variantForward convVariant = iota
	variantTransposed
	variantSeparable
)

// Builder configures one convolution over an input. Create it with
// Convolution, set the desired parameters and call Done.
type Builder struct {
	store           VariableStore
	engine          backends.Engine
	x               *tensors.Tensor
	spec            Spec
	variant         convVariant
	depthMultiplier int
}

// Convolution prepares a convolution of x, with the number of spatial
// dimensions taken from x's rank. x is shaped [batch,
// <spatial_dimensions...>, channels] by default; set
// ChannelsAxis(layouts.ChannelsFirst) for [batch, channels,
// <spatial_dimensions...>].
//
// Filters and KernelSize must be set before calling Done. The defaults are no
// padding, unit strides, a bias term, no activation and the simplego
// reference engine.
func Convolution(store VariableStore, x *tensors.Tensor) *Builder {
	numSpatialDims := x.Rank() - 2
	if numSpatialDims < 1 {
		exceptions.Panicf("input x must have rank >= 3, shaped by default as [batch, <spatial_dimensions...>, channels], "+
			"but x rank is %d", x.Rank())
	}
	b := &Builder{
		store:  store,
		engine: simplego.New(),
		x:      x,
		spec: Spec{
			Rank:       SpatialRank(numSpatialDims),
			DataFormat: layouts.ChannelsLast,
			Padding:    backends.PaddingValid,
			UseBias:    true,
		},
	}
	return b.Strides(1).Dilations(1)
}

// Filters sets the number of output channels. There is no default and it must
// be set before Done is called.
func (b *Builder) Filters(filters int) *Builder {
	if filters <= 0 {
		exceptions.Panicf("number of filters must be > 0, it was set to %d", filters)
	}
	b.spec.Filters = filters
	return b
}

// KernelSize sets the same kernel size for every spatial axis. There is no
// default and a kernel size must be set before Done is called.
//
// Use KernelSizePerDim to set the kernel size per axis individually.
func (b *Builder) KernelSize(size int) *Builder {
	return b.KernelSizePerDim(xslices.SliceWithValue(int(b.spec.Rank), size)...)
}

// KernelSizePerDim sets the kernel size for each spatial axis.
func (b *Builder) KernelSizePerDim(sizes ...int) *Builder {
	if len(sizes) != int(b.spec.Rank) {
		exceptions.Panicf("received %d kernel sizes, but x has %d spatial dimensions", len(sizes), b.spec.Rank)
	}
	b.spec.KernelSize = sizes
	return b
}

// Strides sets the same stride for every spatial axis. The default is 1.
//
// Strides different from 1 cannot be combined with dilations different from
// 1.
func (b *Builder) Strides(stride int) *Builder {
	return b.StridePerDim(xslices.SliceWithValue(int(b.spec.Rank), stride)...)
}

// StridePerDim sets the stride for each spatial axis.
func (b *Builder) StridePerDim(strides ...int) *Builder {
	if len(strides) != int(b.spec.Rank) {
		exceptions.Panicf("received %d strides, but x has %d spatial dimensions", len(strides), b.spec.Rank)
	}
	b.spec.Strides = strides
	return b
}

// Dilations sets the same dilation rate for every spatial axis. The default
// is 1. Not supported for transposed convolutions.
func (b *Builder) Dilations(dilation int) *Builder {
	return b.DilationPerDim(xslices.SliceWithValue(int(b.spec.Rank), dilation)...)
}

// DilationPerDim sets the dilation rate for each spatial axis.
func (b *Builder) DilationPerDim(dilations ...int) *Builder {
	if len(dilations) != int(b.spec.Rank) {
		exceptions.Panicf("received %d dilations, but x has %d spatial dimensions", len(dilations), b.spec.Rank)
	}
	b.spec.DilationRate = dilations
	return b
}

// PadSame pads the input such that under unit strides the output has the same
// spatial dimensions as the input.
func (b *Builder) PadSame() *Builder {
	b.spec.ExplicitPaddings = nil
	b.spec.Padding = backends.PaddingSame
	return b
}

// NoPadding means only "valid" positions of the kernel are used, shrinking
// the spatial dimensions by the kernel size minus one. This is the default.
func (b *Builder) NoPadding() *Builder {
	b.spec.ExplicitPaddings = nil
	b.spec.Padding = backends.PaddingValid
	return b
}

// PaddingPerDim sets the padding amounts (before, after) for each spatial
// axis explicitly, overriding the padding mode. Not supported for transposed
// convolutions.
func (b *Builder) PaddingPerDim(paddings [][2]int) *Builder {
	if paddings == nil {
		return b
	}
	if len(paddings) != int(b.spec.Rank) {
		exceptions.Panicf("received %d paddings in PaddingPerDim, but x has %d spatial dimensions",
			len(paddings), b.spec.Rank)
	}
	b.spec.ExplicitPaddings = paddings
	return b
}

// ChannelsAxis configures where the channels axis of x (and of the output)
// lives. The default is layouts.ChannelsLast.
func (b *Builder) ChannelsAxis(config layouts.ChannelsAxisConfig) *Builder {
	b.spec.DataFormat = config
	return b
}

// UseBias sets whether a bias variable is added to the convolution output.
// The default is true.
func (b *Builder) UseBias(useBias bool) *Builder {
	b.spec.UseBias = useBias
	return b
}

// Activation sets the activation applied to the output. The default is
// backends.ActivationNone.
func (b *Builder) Activation(activation backends.ActivationType) *Builder {
	b.spec.Activation = activation
	return b
}

// KernelInitializer sets the initializer handed to the VariableStore for the
// kernel variable. Conflicts with the separable initializers.
func (b *Builder) KernelInitializer(initializer Initializer) *Builder {
	b.spec.KernelInitializer = initializer
	return b
}

// Transposed makes this a transposed ("deconvolution") convolution, which
// upsamples: each output spatial dimension is the input length a forward
// convolution with the same parameters would have consumed. Only 2D and 3D,
// with valid or same padding, and no dilations.
func (b *Builder) Transposed() *Builder {
	b.variant = variantTransposed
	return b
}

// Separable makes this a 2D separable convolution: a depthwise pass producing
// depthMultiplier channels per input channel, followed by a pointwise (1x1)
// pass mixing them into Filters output channels.
func (b *Builder) Separable(depthMultiplier int) *Builder {
	if depthMultiplier < 1 {
		exceptions.Panicf("depth multiplier must be >= 1, it was set to %d", depthMultiplier)
	}
	b.variant = variantSeparable
	b.depthMultiplier = depthMultiplier
	return b
}

// DepthwiseInitializer sets the initializer for the depthwise kernel of a
// separable convolution.
func (b *Builder) DepthwiseInitializer(initializer Initializer) *Builder {
	b.spec.DepthwiseInitializer = initializer
	return b
}

// PointwiseInitializer sets the initializer for the pointwise kernel of a
// separable convolution.
func (b *Builder) PointwiseInitializer(initializer Initializer) *Builder {
	b.spec.PointwiseInitializer = initializer
	return b
}

// WithEngine sets the compute engine. The default is the simplego reference
// engine.
func (b *Builder) WithEngine(engine backends.Engine) *Builder {
	b.engine = engine
	return b
}

// Done builds the layer variables through the VariableStore and runs the
// configured convolution on x, returning the output tensor.
func (b *Builder) Done() (*tensors.Tensor, error) {
	executor := NewExecutor(b.engine)
	switch b.variant {
	case variantSeparable:
		weightShapes, err := DeriveSeparableWeightShapes(b.spec, b.depthMultiplier, b.x.Shape())
		if err != nil {
			return nil, err
		}
		depthwise := b.store.Variable("depthwise_weights", weightShapes.Depthwise, b.spec.DepthwiseInitializer)
		pointwise := b.store.Variable("pointwise_weights", weightShapes.Pointwise, b.spec.PointwiseInitializer)
		return executor.Separable(b.spec, b.x, depthwise, pointwise, b.biasVariable(weightShapes.Bias))

	case variantTransposed:
		weightShapes, err := DeriveTransposedWeightShapes(b.spec, b.x.Shape())
		if err != nil {
			return nil, err
		}
		kernel := b.store.Variable("weights", weightShapes.Kernel, b.spec.KernelInitializer)
		return executor.Transposed(b.spec, b.x, kernel, b.biasVariable(weightShapes.Bias))

	default:
		weightShapes, err := DeriveWeightShapes(b.spec, b.x.Shape())
		if err != nil {
			return nil, err
		}
		kernel := b.store.Variable("weights", weightShapes.Kernel, b.spec.KernelInitializer)
		return executor.Forward(b.spec, b.x, kernel, b.biasVariable(weightShapes.Bias))
	}
}

func (b *Builder) biasVariable(shape shapes.Shape) *tensors.Tensor {
	if !b.spec.UseBias {
		return nil
	}
	return b.store.Variable("biases", shape, nil)
}
