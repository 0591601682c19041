package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Topology describes the position of one worker in a group of cooperating workers, each owning
// exactly one expert.
//
// It is passed explicitly to every routing component: nothing is read from the process environment.
type Topology struct {
	// WorkerID is this worker's index in the group, from 0 to PeerCount-1.
	WorkerID int

	// ExpertID is the index of the expert owned by this worker.
	ExpertID int

	// PeerCount is the number of workers in the group (including this one). It is also the number of experts.
	PeerCount int

	// expertToWorker maps an expert index to the index of the worker that owns it.
	// If nil, the identity mapping is used (expert e is owned by worker e).
	expertToWorker []int
}

// NewTopology creates the topology for worker workerID of a group with peerCount workers, using the
// identity assignment of experts to workers.
func NewTopology(workerID, peerCount int) (Topology, error) {
	if peerCount <= 0 {
		return Topology{}, errors.Errorf("topology requires at least one worker, got peerCount=%d", peerCount)
	}
	if workerID < 0 || workerID >= peerCount {
		return Topology{}, errors.Errorf("workerID must be between 0 and %d (peerCount-1), got %d",
			peerCount-1, workerID)
	}
	return Topology{WorkerID: workerID, ExpertID: workerID, PeerCount: peerCount}, nil
}

// WithExpertAssignment returns a copy of the topology where expert e is owned by worker workers[e].
//
// The length of workers must be equal to PeerCount, and it must be a permutation of 0...PeerCount-1.
// The ExpertID of the returned topology is updated to the expert owned by WorkerID.
func (t Topology) WithExpertAssignment(workers ...int) (Topology, error) {
	if len(workers) != t.PeerCount {
		return t, errors.Errorf("expert assignment must have %d elements, got %d", t.PeerCount, len(workers))
	}
	seen := make([]bool, t.PeerCount)
	expertID := -1
	for expert, worker := range workers {
		if worker < 0 || worker >= t.PeerCount {
			return t, errors.Errorf("expert #%d assigned to invalid worker %d, it must be between 0 and %d",
				expert, worker, t.PeerCount-1)
		}
		if seen[worker] {
			return t, errors.Errorf("worker #%d is assigned more than one expert", worker)
		}
		seen[worker] = true
		if worker == t.WorkerID {
			expertID = expert
		}
	}
	t.expertToWorker = slices.Clone(workers)
	t.ExpertID = expertID
	return t, nil
}

// Validate checks the topology is self-consistent.
func (t Topology) Validate() error {
	if t.PeerCount <= 0 {
		return errors.Errorf("invalid topology: PeerCount=%d", t.PeerCount)
	}
	if t.WorkerID < 0 || t.WorkerID >= t.PeerCount {
		return errors.Errorf("invalid topology: WorkerID=%d not in [0, %d)", t.WorkerID, t.PeerCount)
	}
	if t.ExpertID < 0 || t.ExpertID >= t.PeerCount {
		return errors.Errorf("invalid topology: ExpertID=%d not in [0, %d)", t.ExpertID, t.PeerCount)
	}
	if t.expertToWorker != nil && t.expertToWorker[t.ExpertID] != t.WorkerID {
		return errors.Errorf("invalid topology: expert #%d is assigned to worker #%d, but this worker is #%d",
			t.ExpertID, t.expertToWorker[t.ExpertID], t.WorkerID)
	}
	return nil
}

// NumExperts returns the number of experts in the group, one per worker.
func (t Topology) NumExperts() int {
	return t.PeerCount
}

// WorkerOf returns the worker that owns the given expert.
func (t Topology) WorkerOf(expert int) int {
	if t.expertToWorker == nil {
		return expert
	}
	return t.expertToWorker[expert]
}

// ExpertAssignment returns the worker owning each expert.
func (t Topology) ExpertAssignment() []int {
	workers := make([]int, t.PeerCount)
	for expert := range workers {
		workers[expert] = t.WorkerOf(expert)
	}
	return workers
}

// String implements fmt.Stringer.
func (t Topology) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Topology(worker=%d/%d, expert=%d", t.WorkerID, t.PeerCount, t.ExpertID)
	if t.expertToWorker != nil {
		_, _ = fmt.Fprintf(&sb, ", assignment=%v", t.expertToWorker)
	}
	sb.WriteString(")")
	return sb.String()
}
