package moe

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Batch is a dense, row-major, 3D buffer of float32 values.
//
// It holds the (B, T, C) input and output of a forward pass -- B rows (sequences) of T positions, each
// a feature vector of width C -- and the (Rows, Capacity, C) payload of an ExpertBatch.
type Batch struct {
	// Data holds the values, in row-major order. len(Data) == Dim(0)*Dim(1)*Dim(2).
	Data []float32

	dims [3]int
}

// NewBatch returns a zero-initialized Batch with the given dimensions.
// Dimensions can be 0 (an empty batch), but not negative.
func NewBatch(dim0, dim1, dim2 int) *Batch {
	if dim0 < 0 || dim1 < 0 || dim2 < 0 {
		exceptions.Panicf("moe.NewBatch(%d, %d, %d): dimensions cannot be negative", dim0, dim1, dim2)
	}
	return &Batch{Data: make([]float32, dim0*dim1*dim2), dims: [3]int{dim0, dim1, dim2}}
}

// BatchFromData wraps data (not copied) in a Batch with the given dimensions.
func BatchFromData(data []float32, dim0, dim1, dim2 int) (*Batch, error) {
	if dim0 < 0 || dim1 < 0 || dim2 < 0 {
		return nil, errors.Errorf("invalid batch dimensions (%d, %d, %d)", dim0, dim1, dim2)
	}
	if len(data) != dim0*dim1*dim2 {
		return nil, errors.Errorf("batch of shape (%d, %d, %d) requires %d values, got %d",
			dim0, dim1, dim2, dim0*dim1*dim2, len(data))
	}
	return &Batch{Data: data, dims: [3]int{dim0, dim1, dim2}}, nil
}

// Dims returns the 3 dimensions of the batch.
func (b *Batch) Dims() (dim0, dim1, dim2 int) {
	return b.dims[0], b.dims[1], b.dims[2]
}

// Dim returns the dimension of the given axis (0, 1 or 2).
func (b *Batch) Dim(axis int) int {
	if axis < 0 || axis > 2 {
		exceptions.Panicf("Batch.Dim(%d) out-of-bounds for a batch of rank 3", axis)
	}
	return b.dims[axis]
}

// Size returns the total number of values.
func (b *Batch) Size() int {
	return b.dims[0] * b.dims[1] * b.dims[2]
}

// Width is the size of the last axis, the width of the feature vectors.
func (b *Batch) Width() int {
	return b.dims[2]
}

// Vector returns the feature vector at (i, j), sharing the underlying data.
func (b *Batch) Vector(i, j int) []float32 {
	if i < 0 || i >= b.dims[0] || j < 0 || j >= b.dims[1] {
		exceptions.Panicf("Batch.Vector(%d, %d) out-of-bounds for batch of shape %s", i, j, b.Shape())
	}
	start := (i*b.dims[1] + j) * b.dims[2]
	return b.Data[start : start+b.dims[2]]
}

// SameShape returns whether b and other have the same dimensions.
func (b *Batch) SameShape(other *Batch) bool {
	return other != nil && b.dims == other.dims
}

// Clone returns a deep copy of the batch.
func (b *Batch) Clone() *Batch {
	return &Batch{Data: slices.Clone(b.Data), dims: b.dims}
}

// Shape returns a string representation of the dimensions, e.g.: "(2, 4, 8)".
func (b *Batch) Shape() string {
	return fmt.Sprintf("(%d, %d, %d)", b.dims[0], b.dims[1], b.dims[2])
}

// String implements fmt.Stringer.
func (b *Batch) String() string {
	return "Batch" + b.Shape()
}
