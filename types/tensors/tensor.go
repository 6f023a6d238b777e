// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a simple dense in-memory tensor: a flat slice of
// values plus a shapes.Shape. It is the value type flowing through the
// convolution executors and the backends.Engine primitives.
//
// Supported dtypes are Float32, Float64, Float16 (github.com/x448/float16) and
// BFloat16 (github.com/gomlx/gopjrt/dtypes/bfloat16).
//
// Tensors are not thread-safe for mutation; the convolution core treats every
// tensor it receives as an immutable snapshot and never writes to its inputs.
package tensors

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"

	"github.com/convkit/convkit/types/shapes"
)

// Supported constrains the Go element types a Tensor can hold.
type Supported interface {
	float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// Tensor is a dense n-dimensional array of one of the supported dtypes.
type Tensor struct {
	shape shapes.Shape
	flat  any // []float32, []float64, []float16.Float16 or []bfloat16.BFloat16
}

// FromShape returns a zero-initialized Tensor of the given shape. The shape
// must be fully defined and of a supported dtype.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() || !shape.IsFullyDefined() {
		exceptions.Panicf("tensors.FromShape: shape %s is not fully defined", shape)
	}
	return &Tensor{shape: shape, flat: makeFlat(shape.DType, shape.Size())}
}

func makeFlat(dtype dtypes.DType, size int) any {
	switch dtype {
	case dtypes.Float32:
		return make([]float32, size)
	case dtypes.Float64:
		return make([]float64, size)
	case dtypes.Float16:
		return make([]float16.Float16, size)
	case dtypes.BFloat16:
		return make([]bfloat16.BFloat16, size)
	default:
		exceptions.Panicf("tensors: unsupported dtype %s", dtype)
	}
	return nil
}

// FromFlatDataAndDimensions creates a Tensor with the given flat values and
// dimensions. The length of data must match the product of the dimensions.
func FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: data has %d values, but shape %s needs %d",
			len(data), shape, shape.Size())
	}
	return &Tensor{shape: shape, flat: slices.Clone(data)}
}

// FromScalarAndDimensions creates a Tensor of the given dimensions with every
// element set to value.
func FromScalarAndDimensions[T Supported](value T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	t := FromShape(shape)
	flat := t.flat.([]T)
	for ii := range flat {
		flat[ii] = value
	}
	return t
}

// FromValue creates a Tensor from a scalar or (arbitrarily nested) slice
// value, e.g. [][]float32{{1, 2}, {3, 4}}. All nested slices at the same depth
// must have the same length.
func FromValue(value any) *Tensor {
	dimensions, dtype := valueShape(value)
	shape := shapes.Make(dtype, dimensions...)
	t := FromShape(shape)
	pos := 0
	fillFlat(reflect.ValueOf(t.flat), reflect.ValueOf(value), &pos)
	return t
}

func valueShape(value any) (dimensions []int, dtype dtypes.DType) {
	v := reflect.ValueOf(value)
	for v.Kind() == reflect.Slice {
		if v.Len() == 0 {
			exceptions.Panicf("tensors.FromValue: cannot infer shape from empty slice")
		}
		dimensions = append(dimensions, v.Len())
		v = v.Index(0)
	}
	dtype = dtypes.FromGoType(v.Type())
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("tensors.FromValue: unsupported element type %s", v.Type())
	}
	return
}

func fillFlat(flat, v reflect.Value, pos *int) {
	if v.Kind() != reflect.Slice {
		flat.Index(*pos).Set(v)
		*pos++
		return
	}
	for ii := 0; ii < v.Len(); ii++ {
		fillFlat(flat, v.Index(ii), pos)
	}
}

// Shape of the Tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the Tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the Tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// ConstFlatData calls accessFn with the flat data slice. The slice must not be
// modified -- see MutableFlatData.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with the flat data slice, which may be
// modified in place. The flat data is organized in row-major order.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	accessFn(t.flat)
}

// ConstFlatData returns the flat data of the tensor cast to the given type.
// It panics if T doesn't match the tensor's dtype.
func ConstFlatData[T Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("tensors.ConstFlatData[%s]: tensor has dtype %s", dtypes.FromGenericsType[T](), t.DType())
	}
	return flat
}

// MutableFlatData returns the flat data of the tensor cast to the given type;
// the caller may modify it in place. It panics if T doesn't match the tensor's
// dtype.
func MutableFlatData[T Supported](t *Tensor) []T {
	return ConstFlatData[T](t)
}

// Clone returns a deep copy of the Tensor.
func (t *Tensor) Clone() *Tensor {
	t2 := FromShape(t.shape.Clone())
	reflect.Copy(reflect.ValueOf(t2.flat), reflect.ValueOf(t.flat))
	return t2
}

// Value returns the tensor contents as a scalar (rank-0) or nested slices,
// e.g. [][]float32 for a rank-2 Float32 tensor.
func (t *Tensor) Value() any {
	flatV := reflect.ValueOf(t.flat)
	if t.Rank() == 0 {
		return flatV.Index(0).Interface()
	}
	pos := 0
	return nestedValue(flatV, t.shape.Dimensions, &pos)
}

func nestedValue(flat reflect.Value, dimensions []int, pos *int) any {
	if len(dimensions) == 0 {
		v := flat.Index(*pos).Interface()
		*pos++
		return v
	}
	sliceType := flat.Type().Elem()
	for range dimensions {
		sliceType = reflect.SliceOf(sliceType)
	}
	result := reflect.MakeSlice(sliceType, dimensions[0], dimensions[0])
	for ii := 0; ii < dimensions[0]; ii++ {
		result.Index(ii).Set(reflect.ValueOf(nestedValue(flat, dimensions[1:], pos)))
	}
	return result.Interface()
}

// Equal reports whether both tensors have the same shape and exactly the same
// values.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, other.flat)
}

// InDelta reports whether both tensors have the same shape and every pair of
// values differs by at most delta.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.EqualDimensions(other.shape) {
		return false
	}
	a, b := t.Float64Values(), other.Float64Values()
	for ii := range a {
		diff := a[ii] - b[ii]
		if diff > delta || diff < -delta {
			return false
		}
	}
	return true
}

// Float64Values returns the flat values converted to float64, in row-major
// order. Used mostly for tests and debugging.
func (t *Tensor) Float64Values() []float64 {
	result := make([]float64, t.Size())
	switch flat := t.flat.(type) {
	case []float32:
		for ii, v := range flat {
			result[ii] = float64(v)
		}
	case []float64:
		copy(result, flat)
	case []float16.Float16:
		for ii, v := range flat {
			result[ii] = float64(v.Float32())
		}
	case []bfloat16.BFloat16:
		for ii, v := range flat {
			result[ii] = float64(v.Float32())
		}
	}
	return result
}

// String prints the shape and, for small tensors, the values.
func (t *Tensor) String() string {
	if t.Size() > 100 {
		return fmt.Sprintf("Tensor%s", t.shape)
	}
	return fmt.Sprintf("Tensor%s: %v", t.shape, t.Value())
}
