// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provides the slice helpers missing from the standard slices
// package that are used throughout the module.
package xslices

import (
	"golang.org/x/exp/constraints"
)

// At takes an element at the given index, where a negative index counts from
// the end of the slice.
func At[T any](slice []T, index int) T {
	if index < 0 {
		index = len(slice) + index
	}
	return slice[index]
}

// SetAt sets an element at the given index, where a negative index counts from
// the end of the slice.
func SetAt[T any](slice []T, index int, value T) {
	if index < 0 {
		index = len(slice) + index
	}
	slice[index] = value
}

// Last returns the last element of a slice.
func Last[T any](slice []T) T {
	return At(slice, -1)
}

// SliceWithValue creates a slice of the given size filled with the given value.
func SliceWithValue[T any](size int, value T) []T {
	slice := make([]T, size)
	for ii := range slice {
		slice[ii] = value
	}
	return slice
}

// Iota returns a slice of incremental int values, starting with start and of
// the given length. E.g.: Iota(2, 3) returns []int{2, 3, 4}.
func Iota[T constraints.Integer](start T, length int) []T {
	slice := make([]T, length)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return slice
}

// Reversed returns a copy of the slice with elements in reverse order.
func Reversed[T any](slice []T) []T {
	reversed := make([]T, len(slice))
	for ii, value := range slice {
		reversed[len(slice)-1-ii] = value
	}
	return reversed
}
