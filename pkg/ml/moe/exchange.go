package moe

import (
	"context"
	"math"
	"slices"

	"github.com/gomlx/moerouter/pkg/core/distributed"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrSequenceLengthMismatch is returned when workers of a group have batches with different sequence lengths.
var ErrSequenceLengthMismatch = errors.New("sequence length differs across workers")

// MaxCapacity is the largest capacity returned by Capacity: Layer.Forward fails on sequences that would need more.
const MaxCapacity = 1 << 20

// Capacity returns the maximum number of elements of one row an expert processes:
// floor(seqLen / numExperts * capacityFactor), saturated to MaxCapacity.
//
// It is a pure function of values shared by all workers, so every worker computes the same capacity.
func Capacity(seqLen, numExperts int, capacityFactor float64) int {
	if numExperts <= 0 || seqLen <= 0 {
		return 0
	}
	capacity := math.Floor(float64(seqLen) / float64(numExperts) * capacityFactor)
	switch {
	case math.IsNaN(capacity) || capacity <= 0:
		return 0
	case capacity >= MaxCapacity:
		return MaxCapacity
	}
	return int(capacity)
}

// ExchangePlan holds the number of items this worker sends to and receives from each peer, in an all-to-all.
type ExchangePlan struct {
	SendCounts, RecvCounts []int
}

// PlanExchange runs an all-to-all of the sendCounts, so every worker learns how many items it will receive
// from each peer.
func PlanExchange(ctx context.Context, comm distributed.Communicator, sendCounts []int) (*ExchangePlan, error) {
	send := make([]int64, len(sendCounts))
	for peer, count := range sendCounts {
		send[peer] = int64(count)
	}
	recv, err := comm.AllToAll(ctx, send)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to exchange counts")
	}
	plan := &ExchangePlan{SendCounts: slices.Clone(sendCounts), RecvCounts: make([]int, len(recv))}
	for peer, count := range recv {
		if count < 0 {
			return nil, &distributed.ProtocolError{Op: distributed.OpAllToAll, Worker: comm.Topology().WorkerID,
				Peer: peer, Got: int(count), Reason: "negative element count"}
		}
		plan.RecvCounts[peer] = int(count)
	}
	return plan, nil
}

// Scaled returns the plan for exchanging valuesPerItem values per item.
func (p *ExchangePlan) Scaled(valuesPerItem int) *ExchangePlan {
	scaled := &ExchangePlan{SendCounts: make([]int, len(p.SendCounts)), RecvCounts: make([]int, len(p.RecvCounts))}
	for peer := range p.SendCounts {
		scaled.SendCounts[peer] = p.SendCounts[peer] * valuesPerItem
		scaled.RecvCounts[peer] = p.RecvCounts[peer] * valuesPerItem
	}
	return scaled
}

// Reversed returns the plan with sends and receives swapped: it is used to return the results to their origin.
func (p *ExchangePlan) Reversed() *ExchangePlan {
	return &ExchangePlan{SendCounts: slices.Clone(p.RecvCounts), RecvCounts: slices.Clone(p.SendCounts)}
}

// TotalSend is the number of items sent.
func (p *ExchangePlan) TotalSend() int {
	return sum(p.SendCounts)
}

// TotalRecv is the number of items received.
func (p *ExchangePlan) TotalRecv() int {
	return sum(p.RecvCounts)
}

// SendOffsets returns where the items sent to each peer start in the send buffer.
// It has one more element than the number of peers: the last one is TotalSend.
func (p *ExchangePlan) SendOffsets() []int {
	return distributed.Offsets(p.SendCounts)
}

// RecvOffsets returns where the items received from each peer start in the receive buffer.
// It has one more element than the number of peers: the last one is TotalRecv.
func (p *ExchangePlan) RecvOffsets() []int {
	return distributed.Offsets(p.RecvCounts)
}

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}

// BatchOffsets returns the global row id of the first row of each worker's batch.
//
// If dropLast is true, all workers have batches of the same size and the offsets are computed locally.
// Otherwise, the batch shapes are all-gathered: the last batch of an epoch may be smaller on some workers.
// The sequence length must be the same on all workers, or ErrSequenceLengthMismatch is returned.
// The returned slice has one more element than the number of workers: the last one is the total number of rows.
func BatchOffsets(ctx context.Context, comm distributed.Communicator, dropLast bool, batchSize, seqLen int) ([]int, error) {
	numWorkers := comm.Topology().PeerCount
	sizes := make([]int, numWorkers)
	if dropLast {
		for worker := range sizes {
			sizes[worker] = batchSize
		}
		return distributed.Offsets(sizes), nil
	}
	gathered, err := comm.AllGather(ctx, []int64{int64(batchSize), int64(seqLen)})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to gather batch sizes")
	}
	me := comm.Topology().WorkerID
	for worker, shape := range gathered {
		if int(shape[1]) != seqLen {
			return nil, errors.Wrapf(ErrSequenceLengthMismatch, "worker %d has sequence length %d, worker %d has %d",
				me, seqLen, worker, shape[1])
		}
		sizes[worker] = int(shape[0])
	}
	klog.V(2).Infof("worker %d: batch sizes %v", me, sizes)
	return distributed.Offsets(sizes), nil
}
