// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"

	"github.com/convkit/convkit/types/shapes"
)

// Transpose returns a new Tensor with the axes permuted: axis ii of the result
// is axis permutation[ii] of t. The permutation must have exactly one entry
// per axis. The input tensor is not modified.
func Transpose(t *Tensor, permutation ...int) *Tensor {
	rank := t.Rank()
	if len(permutation) != rank {
		exceptions.Panicf("tensors.Transpose: received %d axes in permutation, but tensor has rank %d",
			len(permutation), rank)
	}
	seen := make([]bool, rank)
	newDims := make([]int, rank)
	for newAxis, oldAxis := range permutation {
		if oldAxis < 0 || oldAxis >= rank || seen[oldAxis] {
			exceptions.Panicf("tensors.Transpose: invalid permutation %v for rank %d", permutation, rank)
		}
		seen[oldAxis] = true
		newDims[newAxis] = t.shape.Dimensions[oldAxis]
	}
	result := FromShape(shapes.Make(t.DType(), newDims...))
	switch flat := t.flat.(type) {
	case []float32:
		transposeFlat(flat, result.flat.([]float32), t.shape, result.shape, permutation)
	case []float64:
		transposeFlat(flat, result.flat.([]float64), t.shape, result.shape, permutation)
	case []float16.Float16:
		transposeFlat(flat, result.flat.([]float16.Float16), t.shape, result.shape, permutation)
	case []bfloat16.BFloat16:
		transposeFlat(flat, result.flat.([]bfloat16.BFloat16), t.shape, result.shape, permutation)
	}
	return result
}

func transposeFlat[T Supported](source, target []T, sourceShape, targetShape shapes.Shape, permutation []int) {
	rank := sourceShape.Rank()
	if rank == 0 {
		target[0] = source[0]
		return
	}
	sourceStrides := sourceShape.Strides()
	// Stride in the source for each axis of the target.
	targetToSourceStrides := make([]int, rank)
	for newAxis, oldAxis := range permutation {
		targetToSourceStrides[newAxis] = sourceStrides[oldAxis]
	}
	indices := make([]int, rank)
	sourcePos := 0
	for targetPos := range target {
		target[targetPos] = source[sourcePos]
		// Increment the odometer of target indices, tracking the source position.
		for axis := rank - 1; axis >= 0; axis-- {
			indices[axis]++
			sourcePos += targetToSourceStrides[axis]
			if indices[axis] < targetShape.Dimensions[axis] {
				break
			}
			sourcePos -= indices[axis] * targetToSourceStrides[axis]
			indices[axis] = 0
		}
	}
}

// Reshape returns a new Tensor with the same flat values and new dimensions.
// The total size must not change.
func Reshape(t *Tensor, dimensions ...int) *Tensor {
	shape := shapes.Make(t.DType(), dimensions...)
	if shape.Size() != t.Size() {
		exceptions.Panicf("tensors.Reshape: cannot reshape %s to %s, sizes differ", t.shape, shape)
	}
	t2 := t.Clone()
	t2.shape = shape
	return t2
}

// Reverse returns a new Tensor with the given axes flipped. Used to reverse
// the spatial axes of a kernel for transposed convolution.
func Reverse(t *Tensor, axes ...int) *Tensor {
	rank := t.Rank()
	for _, axis := range axes {
		if axis < 0 || axis >= rank {
			exceptions.Panicf("tensors.Reverse: axis %d out-of-bounds for rank %d", axis, rank)
		}
	}
	if len(axes) == 0 {
		return t.Clone()
	}
	flip := make([]bool, rank)
	for _, axis := range axes {
		flip[axis] = true
	}
	result := FromShape(t.shape.Clone())
	strides := t.shape.Strides()
	dims := t.shape.Dimensions
	indices := make([]int, rank)
	switch flat := t.flat.(type) {
	case []float32:
		reverseFlat(flat, result.flat.([]float32), dims, strides, flip, indices)
	case []float64:
		reverseFlat(flat, result.flat.([]float64), dims, strides, flip, indices)
	case []float16.Float16:
		reverseFlat(flat, result.flat.([]float16.Float16), dims, strides, flip, indices)
	case []bfloat16.BFloat16:
		reverseFlat(flat, result.flat.([]bfloat16.BFloat16), dims, strides, flip, indices)
	}
	return result
}

func reverseFlat[T Supported](source, target []T, dims, strides []int, flip []bool, indices []int) {
	rank := len(dims)
	for targetPos := range target {
		sourcePos := 0
		for axis, index := range indices {
			if flip[axis] {
				index = dims[axis] - 1 - index
			}
			sourcePos += index * strides[axis]
		}
		target[targetPos] = source[sourcePos]
		for axis := rank - 1; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < dims[axis] {
				break
			}
			indices[axis] = 0
		}
	}
}
