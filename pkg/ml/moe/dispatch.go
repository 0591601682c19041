package moe

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ErrExpertShape is returned when an expert returns an output shaped differently from its input.
var ErrExpertShape = errors.New("expert output shape differs from its input")

// Expert is the computation owned by a worker. It must map a (Rows, Capacity, C) batch to an output of the
// same shape, and it must not keep references to its input.
type Expert interface {
	Forward(input *Batch) (*Batch, error)
}

// ExpertFunc implements Expert with a function.
type ExpertFunc func(input *Batch) (*Batch, error)

// Forward implements Expert.
func (fn ExpertFunc) Forward(input *Batch) (*Batch, error) {
	return fn(input)
}

// Dispatch runs expert on the batch, and validates the shape of its output.
//
// An empty batch (no rows, or zero capacity) is not an error: the expert is not called, and an empty
// output of the same shape is returned.
// A panic in the expert is converted to an error.
func Dispatch(expert Expert, batch *ExpertBatch) (*Batch, error) {
	if batch.Size() == 0 {
		return NewBatch(batch.Dims()), nil
	}
	var output *Batch
	var err error
	exception := exceptions.Try(func() {
		output, err = expert.Forward(batch.Batch)
	})
	if exception != nil {
		if e, ok := exception.(error); ok {
			return nil, errors.WithMessage(e, "expert panicked")
		}
		return nil, errors.Errorf("expert panicked: %v", exception)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "expert failed on batch of shape %s", batch.Shape())
	}
	if !batch.SameShape(output) {
		got := "nil"
		if output != nil {
			got = output.Shape()
		}
		return nil, errors.Wrapf(ErrExpertShape, "input shape %s, output shape %s", batch.Shape(), got)
	}
	if len(output.Data) != output.Size() {
		return nil, errors.Wrapf(ErrExpertShape, "output of shape %s has %d values", output.Shape(), len(output.Data))
	}
	return output, nil
}
