package distributed

import "github.com/pkg/errors"

// Phase is an enumeration of the states of one worker during a forward pass of the routing core.
//
// All workers of a group walk through the same phases in the same order: a collective can only
// complete when every peer has reached the phase that issues it.
type Phase int

//go:generate go tool enumer -type Phase -trimprefix=Phase -output=gen_phase_enumer.go phase.go

const (
	// PhaseIdle is the state between forward passes.
	PhaseIdle Phase = iota

	// PhaseReconciling is when the batch sizes (and sequence lengths) are all-gathered, used only if
	// the batch size is not known a priori (drop_last=false).
	PhaseReconciling

	// PhaseAwaitingCounts is when the per-peer send counts are exchanged with an all-to-all of scalars.
	PhaseAwaitingCounts

	// PhaseAwaitingMetadata is when metadata records and feature vectors are exchanged.
	PhaseAwaitingMetadata

	// PhaseComputing is when the local expert runs: no collective is issued, and workers are not synchronized.
	PhaseComputing

	// PhaseAwaitingResults is when expert outputs are sent back to the elements' origin workers.
	PhaseAwaitingResults

	// PhaseCombining is the local weighting and summing of the returned expert outputs.
	PhaseCombining

	// PhaseFailed is terminal: a fatal error happened and the group is no longer usable.
	PhaseFailed
)

// validTransitions lists, for each phase, the phases that can follow it.
// Any phase can move to PhaseFailed.
var validTransitions = map[Phase][]Phase{
	PhaseIdle:             {PhaseReconciling, PhaseAwaitingCounts},
	PhaseReconciling:      {PhaseAwaitingCounts},
	PhaseAwaitingCounts:   {PhaseAwaitingMetadata},
	PhaseAwaitingMetadata: {PhaseComputing},
	PhaseComputing:        {PhaseAwaitingResults},
	PhaseAwaitingResults:  {PhaseCombining},
	PhaseCombining:        {PhaseIdle},
}

// CanTransition returns whether a worker in phase p can move to phase next.
func (p Phase) CanTransition(next Phase) bool {
	if next == PhaseFailed {
		return p != PhaseFailed
	}
	for _, allowed := range validTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next if the transition from p is valid, or an error otherwise.
func (p Phase) Transition(next Phase) (Phase, error) {
	if !p.CanTransition(next) {
		return p, errors.Errorf("invalid phase transition %s -> %s", p, next)
	}
	return next, nil
}

// IssuesCollective returns whether the phase blocks on a collective operation with the peers.
func (p Phase) IssuesCollective() bool {
	switch p {
	case PhaseReconciling, PhaseAwaitingCounts, PhaseAwaitingMetadata, PhaseAwaitingResults:
		return true
	default:
		return false
	}
}
