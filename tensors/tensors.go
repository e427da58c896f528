// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a minimal dense float32 tensor used to carry
// image batches and model activations through the training pipeline.
//
// A Tensor is a flat []float32 buffer plus a shape, laid out in row-major
// order. It is a data container, not a compute graph: all math on tensors
// is done by the models and losses packages directly on the flat buffer.
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Tensor is a dense row-major float32 array with an arbitrary number of axes.
//
// The zero value is an empty scalar-less tensor and is not usable; create
// tensors with FromShape, FromFlatData or Stack.
type Tensor struct {
	dims []int
	flat []float32
}

// FromShape creates a zero-initialized tensor with the given dimensions.
// All dimensions must be positive.
func FromShape(dims ...int) *Tensor {
	size := 1
	for _, dim := range dims {
		if dim <= 0 {
			panic(errors.Errorf("tensors.FromShape: invalid dimension %d in shape %v", dim, dims))
		}
		size *= dim
	}
	return &Tensor{
		dims: slices.Clone(dims),
		flat: make([]float32, size),
	}
}

// FromFlatData creates a tensor that takes ownership of flat, interpreting it
// with the given dimensions. It returns an error if the number of elements
// doesn't match the shape.
func FromFlatData(flat []float32, dims ...int) (*Tensor, error) {
	size := 1
	for _, dim := range dims {
		if dim <= 0 {
			return nil, errors.Errorf("tensors.FromFlatData: invalid dimension %d in shape %v", dim, dims)
		}
		size *= dim
	}
	if len(flat) != size {
		return nil, errors.Errorf("tensors.FromFlatData: shape %v requires %d elements, got %d", dims, size, len(flat))
	}
	return &Tensor{dims: slices.Clone(dims), flat: flat}, nil
}

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() []int { return slices.Clone(t.dims) }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.dims) }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.flat) }

// Dim returns the size of the given axis.
func (t *Tensor) Dim(axis int) int { return t.dims[axis] }

// Flat returns the underlying buffer in row-major order. The caller may
// mutate it in place; the shape never changes.
func (t *Tensor) Flat() []float32 { return t.flat }

// At returns the element at the given multi-dimensional indices.
func (t *Tensor) At(indices ...int) float32 {
	if len(indices) != len(t.dims) {
		panic(errors.Errorf("tensors.At: got %d indices for rank %d tensor", len(indices), len(t.dims)))
	}
	pos := 0
	for axis, idx := range indices {
		if idx < 0 || idx >= t.dims[axis] {
			panic(errors.Errorf("tensors.At: index %d out of range for axis %d with dimension %d", idx, axis, t.dims[axis]))
		}
		pos = pos*t.dims[axis] + idx
	}
	return t.flat[pos]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{dims: slices.Clone(t.dims), flat: slices.Clone(t.flat)}
}

// Equal returns whether both tensors have the same shape and exactly the
// same element values.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil {
		return t == nil
	}
	return slices.Equal(t.dims, other.dims) && slices.Equal(t.flat, other.flat)
}

// String implements fmt.Stringer with a short shape-and-prefix description.
func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor(shape=%v", t.dims)
	const maxElements = 8
	if len(t.flat) <= maxElements {
		fmt.Fprintf(&sb, ", values=%v)", t.flat)
	} else {
		fmt.Fprintf(&sb, ", values=%v...)", t.flat[:maxElements])
	}
	return sb.String()
}

// Stack concatenates tensors of identical shape along a new leading axis.
// Given n tensors of shape [d0, d1, ...] it returns one of shape [n, d0, d1, ...].
func Stack(parts []*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensors.Stack: no tensors to stack")
	}
	first := parts[0]
	for i, part := range parts[1:] {
		if !slices.Equal(part.dims, first.dims) {
			return nil, errors.Errorf("tensors.Stack: tensor %d has shape %v, want %v", i+1, part.dims, first.dims)
		}
	}
	dims := append([]int{len(parts)}, first.dims...)
	flat := make([]float32, 0, len(parts)*first.Size())
	for _, part := range parts {
		flat = append(flat, part.flat...)
	}
	return &Tensor{dims: dims, flat: flat}, nil
}
