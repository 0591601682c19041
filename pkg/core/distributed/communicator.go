// Package distributed defines the objects shared by the workers of an expert-parallel group:
//
//   - Topology: the position of a worker in the group and the assignment of experts to workers.
//   - Phase: the states a worker walks through in a forward pass, in lockstep with its peers.
//   - Communicator: the collective operations (all-gather and all-to-all) used to move data between workers.
//
// Implementations of Communicator live in the sub-packages localgroup (in-process, one goroutine per worker)
// and netgroup (TCP, one process per worker).
package distributed

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Communicator is an interface for the collective operations executed across all workers of a group.
//
// Every collective is a synchronization barrier: it only returns after all peers posted the matching
// call. Peers must issue the same collectives in the same order; a peer posting a different operation,
// or a payload shape that disagrees with the caller's, makes the collective fail with a *ProtocolError
// (wrapping ErrCollectiveShapeMismatch), on every worker involved.
//
// Cancelling the context of a pending collective makes it return an error, and leaves the group unusable:
// there is no partial-failure recovery.
//
// A Communicator is not safe for concurrent use: only one collective can be pending at a time.
type Communicator interface {
	// Topology of the worker owning this Communicator.
	Topology() Topology

	// AllGather sends values to all peers, and returns the values of every worker, indexed by worker id.
	// All workers must send the same number of values.
	AllGather(ctx context.Context, values []int64) ([][]int64, error)

	// AllToAll sends send[j] to worker j, and returns recv, where recv[j] is the value sent by worker j
	// to this worker. len(send) must be equal to the number of peers.
	AllToAll(ctx context.Context, send []int64) ([]int64, error)

	// AllToAllInts is a variable-size all-to-all: the first sendCounts[0] values of send go to worker 0,
	// the following sendCounts[1] values go to worker 1, and so on.
	// The returned buffer is the concatenation of what was received from each worker, in worker order,
	// and recvCounts[j] must be exactly the number of values sent by worker j to this worker.
	AllToAllInts(ctx context.Context, send []int64, sendCounts, recvCounts []int) ([]int64, error)

	// AllToAllFloats is the float32 version of AllToAllInts.
	AllToAllFloats(ctx context.Context, send []float32, sendCounts, recvCounts []int) ([]float32, error)

	// Close releases the resources of the communicator. Pending collectives fail.
	Close() error
}

var (
	// ErrCollectiveShapeMismatch is wrapped by the errors returned when peers disagree on a collective:
	// different operations, or send/receive counts that do not match.
	ErrCollectiveShapeMismatch = errors.New("collective shape mismatch")

	// ErrGroupFailed is returned by collectives (or forward passes) issued after a fatal failure of the group.
	ErrGroupFailed = errors.New("process group failed")

	// ErrConfigMismatch is returned when workers of a group were configured differently.
	ErrConfigMismatch = errors.New("configuration mismatch across workers")
)

// Op identifies a collective operation.
type Op uint8

const (
	OpAllGather Op = iota + 1
	OpAllToAll
	OpAllToAllInts
	OpAllToAllFloats
)

// String implements fmt.Stringer.
func (op Op) String() string {
	switch op {
	case OpAllGather:
		return "AllGather"
	case OpAllToAll:
		return "AllToAll"
	case OpAllToAllInts:
		return "AllToAllInts"
	case OpAllToAllFloats:
		return "AllToAllFloats"
	default:
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
}

// ProtocolError reports a violation of the collective protocol between two workers.
//
// It wraps ErrCollectiveShapeMismatch, so it can be tested with errors.Is.
type ProtocolError struct {
	// Op is the collective the Worker was executing, and Seq its sequence number in the group.
	Op  Op
	Seq uint64

	// Worker is the worker that detected the mismatch, and Peer the worker it disagrees with.
	Worker, Peer int

	// Expected and Got are the counts (number of values) in disagreement, if applicable.
	Expected, Got int

	// Reason is a human-readable description of the violation.
	Reason string
}

// Error implements error.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s #%d between worker %d and peer %d: %s",
		ErrCollectiveShapeMismatch, e.Op, e.Seq, e.Worker, e.Peer, e.Reason)
}

// Unwrap allows errors.Is(err, ErrCollectiveShapeMismatch).
func (e *ProtocolError) Unwrap() error {
	return ErrCollectiveShapeMismatch
}

// CheckCounts validates the arguments of a variable-size all-to-all, before anything is sent:
// counts must have one non-negative entry per peer, and sendCounts must sum up to sendLen.
func CheckCounts(topo Topology, sendLen int, sendCounts, recvCounts []int) error {
	if len(sendCounts) != topo.PeerCount || len(recvCounts) != topo.PeerCount {
		return errors.Errorf("all-to-all on worker %d: sendCounts (len=%d) and recvCounts (len=%d) must have "+
			"one entry per peer (%d)", topo.WorkerID, len(sendCounts), len(recvCounts), topo.PeerCount)
	}
	total := 0
	for peer, count := range sendCounts {
		if count < 0 || recvCounts[peer] < 0 {
			return errors.Errorf("all-to-all on worker %d: negative count for peer %d (send=%d, recv=%d)",
				topo.WorkerID, peer, count, recvCounts[peer])
		}
		total += count
	}
	if total != sendLen {
		return errors.Errorf("all-to-all on worker %d: sendCounts add up to %d, but send buffer has %d values",
			topo.WorkerID, total, sendLen)
	}
	return nil
}

// Offsets returns the exclusive prefix sum of counts: offsets[j] is where the payload of peer j starts
// in a concatenated buffer. It has len(counts)+1 elements, the last being the total.
func Offsets(counts []int) []int {
	offsets := make([]int, len(counts)+1)
	for i, count := range counts {
		offsets[i+1] = offsets[i] + count
	}
	return offsets
}
