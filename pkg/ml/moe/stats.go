package moe

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/moerouter/pkg/core/distributed"
	"golang.org/x/exp/maps"
)

// Stats of one forward pass on one worker.
type Stats struct {
	// Worker is the id of the worker, and Pass the index of the forward pass in its Layer.
	Worker, Pass int

	// BatchSize and SeqLen of the local input, and RowOffset the global row id of its first row.
	BatchSize, SeqLen, RowOffset int

	// Capacity used for the ExpertBatch.
	Capacity int

	// Sent is the number of (element, slot) records sent to experts (including this worker's own),
	// and Received the number of records this worker's expert received.
	Sent, Received int

	// Kept and Dropped split Received: Dropped records didn't fit the capacity, and their results are zero.
	Kept, Dropped int

	// Rows and Padded describe the ExpertBatch: number of rows and number of padding slots.
	Rows, Padded int

	// SentPerPeer and ReceivedPerPeer are the record counts exchanged with each worker.
	SentPerPeer, ReceivedPerPeer []int

	// Durations of each phase of the pass, and the Total.
	Durations map[distributed.Phase]time.Duration
	Total     time.Duration
}

// DropRate is the fraction of received records dropped.
func (s *Stats) DropRate() float64 {
	if s.Received == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(s.Received)
}

// Utilization is the fraction of ExpertBatch slots holding real elements.
func (s *Stats) Utilization() float64 {
	slots := s.Kept + s.Padded
	if slots == 0 {
		return 0
	}
	return float64(s.Kept) / float64(slots)
}

// Phases returns the phases with a recorded duration, in the order they are executed.
func (s *Stats) Phases() []distributed.Phase {
	phases := maps.Keys(s.Durations)
	slices.Sort(phases)
	return phases
}

// Merge adds the counters and durations of other to s. Used to aggregate stats over passes.
func (s *Stats) Merge(other *Stats) {
	s.Sent += other.Sent
	s.Received += other.Received
	s.Kept += other.Kept
	s.Dropped += other.Dropped
	s.Rows += other.Rows
	s.Padded += other.Padded
	s.SentPerPeer = addCounts(s.SentPerPeer, other.SentPerPeer)
	s.ReceivedPerPeer = addCounts(s.ReceivedPerPeer, other.ReceivedPerPeer)
	if s.Durations == nil {
		s.Durations = make(map[distributed.Phase]time.Duration)
	}
	for phase, d := range other.Durations {
		s.Durations[phase] += d
	}
	s.Total += other.Total
}

func addCounts(to, from []int) []int {
	if len(to) < len(from) {
		to = append(to, make([]int, len(from)-len(to))...)
	}
	for i, v := range from {
		to[i] += v
	}
	return to
}

// String implements fmt.Stringer.
func (s *Stats) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "worker #%d pass #%d: sent=%s received=%s dropped=%s (%.1f%%) capacity=%d rows=%d",
		s.Worker, s.Pass, humanize.Comma(int64(s.Sent)), humanize.Comma(int64(s.Received)),
		humanize.Comma(int64(s.Dropped)), 100*s.DropRate(), s.Capacity, s.Rows)
	for _, phase := range s.Phases() {
		_, _ = fmt.Fprintf(&sb, " %s=%s", phase, s.Durations[phase])
	}
	return sb.String()
}
