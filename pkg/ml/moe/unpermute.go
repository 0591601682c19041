package moe

import (
	"context"

	"github.com/gomlx/moerouter/pkg/core/distributed"
	"github.com/pkg/errors"
)

// ScatterResults lays out the expert output like the receive buffer: the output of the slot holding
// received record i goes to position i. Records dropped for lack of capacity get zeros.
func ScatterResults(batch *ExpertBatch, output *Batch) ([]float32, error) {
	if !batch.SameShape(output) {
		return nil, errors.Wrapf(ErrExpertShape, "expert batch has shape %s, output has %v", batch.Shape(), output)
	}
	width := batch.Width()
	results := make([]float32, batch.Received*width)
	for idx, record := range batch.Sources {
		if record < 0 {
			continue
		}
		copy(results[record*width:(record+1)*width], output.Data[idx*width:(idx+1)*width])
	}
	return results, nil
}

// Unpermute returns the expert outputs to the workers the records came from.
//
// It runs the all-to-all of plan in reverse, so each worker receives the results in the exact order it
// sent the records (see SendBuffers.Records).
func Unpermute(ctx context.Context, comm distributed.Communicator, plan *ExchangePlan, batch *ExpertBatch,
	output *Batch) ([]float32, error) {
	results, err := ScatterResults(batch, output)
	if err != nil {
		return nil, err
	}
	reverse := plan.Reversed().Scaled(batch.Width())
	returned, err := comm.AllToAllFloats(ctx, results, reverse.SendCounts, reverse.RecvCounts)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to return expert results")
	}
	return returned, nil
}
