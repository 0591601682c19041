package moe

import (
	"cmp"
	"context"
	"slices"

	"github.com/gomlx/moerouter/pkg/core/distributed"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MetadataWidth is the number of int64 values describing one routed element on the wire:
// its global row id, its position in the row and the slot (0 to K-1) of the assignment.
const MetadataWidth = 3

// Record identifies a routed (element, slot) pair in the batch of its origin worker.
type Record struct {
	Row, Position, Slot int
}

// SendBuffers are the buffers of routed elements, grouped by destination worker.
type SendBuffers struct {
	// Counts is the number of records sent to each worker.
	Counts []int

	// Records in send order: all the records to worker 0, then to worker 1, etc.
	// Within a destination they are ordered by (row, position, slot).
	Records []Record

	// Metadata holds MetadataWidth values per record: (global row id, position, slot).
	Metadata []int64

	// Features holds the feature vector (width C) of each record's element.
	Features []float32
}

// BuildSendBuffers groups the elements of x by the worker owning the experts they were assigned to.
// rowOffset is the global row id of the first row of x.
func BuildSendBuffers(topo distributed.Topology, x *Batch, a *Assignment, rowOffset int) (*SendBuffers, error) {
	b, t, c := x.Dims()
	if a.B != b || a.T != t {
		return nil, errors.Errorf("assignment for (B=%d, T=%d) doesn't match batch of shape %s", a.B, a.T, x.Shape())
	}
	if err := a.Validate(topo.NumExperts()); err != nil {
		return nil, err
	}
	numRecords := b * t * a.K
	s := &SendBuffers{
		Counts:   make([]int, topo.PeerCount),
		Records:  make([]Record, numRecords),
		Metadata: make([]int64, numRecords*MetadataWidth),
		Features: make([]float32, numRecords*c),
	}
	for _, e := range a.Experts {
		s.Counts[topo.WorkerOf(e)]++
	}
	next := distributed.Offsets(s.Counts)
	for row := range b {
		for pos := range t {
			vector := x.Vector(row, pos)
			for slot := range a.K {
				worker := topo.WorkerOf(a.Expert(row, pos, slot))
				idx := next[worker]
				next[worker]++
				s.Records[idx] = Record{Row: row, Position: pos, Slot: slot}
				meta := s.Metadata[idx*MetadataWidth : (idx+1)*MetadataWidth]
				meta[0] = int64(rowOffset + row)
				meta[1] = int64(pos)
				meta[2] = int64(slot)
				copy(s.Features[idx*c:(idx+1)*c], vector)
			}
		}
	}
	return s, nil
}

// ExchangePayloads sends the metadata and the features of the records to their destination workers, and
// returns what this worker received, concatenated in worker order.
func ExchangePayloads(ctx context.Context, comm distributed.Communicator, plan *ExchangePlan, send *SendBuffers,
	width int) (metadata []int64, features []float32, err error) {
	metaPlan := plan.Scaled(MetadataWidth)
	metadata, err = comm.AllToAllInts(ctx, send.Metadata, metaPlan.SendCounts, metaPlan.RecvCounts)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to exchange metadata")
	}
	featuresPlan := plan.Scaled(width)
	features, err = comm.AllToAllFloats(ctx, send.Features, featuresPlan.SendCounts, featuresPlan.RecvCounts)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to exchange features")
	}
	return metadata, features, nil
}

// ExpertBatch is the fixed-shape input of an expert: one row per distinct global row id received, each
// holding up to Capacity elements. Unused slots are filled with the padding value.
type ExpertBatch struct {
	// Batch is shaped (Rows, Capacity, C).
	*Batch

	// RowIDs holds the global row id of each row, in increasing order.
	RowIDs []int64

	// RowLens holds the number of real (not padding) elements of each row.
	RowLens []int

	// Sources maps each slot, in row-major order, to the index of the received record it holds, or -1 for padding.
	Sources []int

	// Received is the number of records received, and Dropped how many of those didn't fit the capacity.
	Received, Dropped int
}

// Rows returns the number of rows of the batch.
func (eb *ExpertBatch) Rows() int { return len(eb.RowIDs) }

// Capacity returns the number of slots per row.
func (eb *ExpertBatch) Capacity() int { return eb.Dim(1) }

// Kept returns the number of received records that will be processed by the expert.
func (eb *ExpertBatch) Kept() int { return eb.Received - eb.Dropped }

// Padded returns the number of padding slots.
func (eb *ExpertBatch) Padded() int { return len(eb.Sources) - eb.Kept() }

// GroupByRow arranges the received records in an ExpertBatch, one row per global row id.
//
// Records of a row keep their arrival order (the grouping is a stable sort). Records beyond capacity are
// dropped from the end of each row, and rows with fewer records are padded with padding.
func GroupByRow(metadata []int64, features []float32, width, capacity int, padding float32) (*ExpertBatch, error) {
	if len(metadata)%MetadataWidth != 0 {
		return nil, errors.Errorf("received metadata has %d values, not a multiple of %d", len(metadata), MetadataWidth)
	}
	numRecords := len(metadata) / MetadataWidth
	if len(features) != numRecords*width {
		return nil, errors.Errorf("received %d records, but %d feature values for width %d", numRecords, len(features), width)
	}
	if capacity < 0 {
		return nil, errors.Errorf("invalid capacity %d", capacity)
	}
	rowID := func(record int) int64 { return metadata[record*MetadataWidth] }
	order := make([]int, numRecords)
	for record := range order {
		if rowID(record) < 0 || metadata[record*MetadataWidth+1] < 0 || metadata[record*MetadataWidth+2] < 0 {
			return nil, errors.Errorf("received record #%d with invalid metadata %v", record,
				metadata[record*MetadataWidth:(record+1)*MetadataWidth])
		}
		order[record] = record
	}
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(rowID(a), rowID(b)) })

	eb := &ExpertBatch{Received: numRecords}
	var groups [][]int
	for start := 0; start < numRecords; {
		end := start + 1
		for end < numRecords && rowID(order[end]) == rowID(order[start]) {
			end++
		}
		eb.RowIDs = append(eb.RowIDs, rowID(order[start]))
		groups = append(groups, order[start:end])
		start = end
	}

	eb.Batch = NewBatch(len(groups), capacity, width)
	eb.RowLens = make([]int, len(groups))
	eb.Sources = make([]int, len(groups)*capacity)
	if padding != 0 {
		for i := range eb.Data {
			eb.Data[i] = padding
		}
	}
	for row, group := range groups {
		kept := min(len(group), capacity)
		eb.RowLens[row] = kept
		eb.Dropped += len(group) - kept
		for slot := range capacity {
			idx := row*capacity + slot
			if slot >= kept {
				eb.Sources[idx] = -1
				continue
			}
			record := group[slot]
			eb.Sources[idx] = record
			copy(eb.Data[idx*width:(idx+1)*width], features[record*width:(record+1)*width])
		}
	}
	if eb.Dropped > 0 {
		klog.V(1).Infof("capacity %d exceeded: dropped %d of %d received elements", capacity, eb.Dropped, numRecords)
	}
	return eb, nil
}
