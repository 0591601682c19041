package moe

import (
	"github.com/pkg/errors"
)

// Combine weights each returned result by the assignment weight of its (element, slot), and sums them
// into a (B, T, C) output. Results must be in the order of records.
//
// Elements with a slot dropped for lack of capacity get a zero contribution for that slot.
func Combine(a *Assignment, width int, records []Record, results []float32) (*Batch, error) {
	if len(results) != len(records)*width {
		return nil, errors.Errorf("combine: %d records of width %d require %d values, got %d",
			len(records), width, len(records)*width, len(results))
	}
	out := NewBatch(a.B, a.T, width)
	for i, r := range records {
		if r.Row < 0 || r.Row >= a.B || r.Position < 0 || r.Position >= a.T || r.Slot < 0 || r.Slot >= a.K {
			return nil, errors.Errorf("combine: record #%d %+v out of bounds for assignment (B=%d, T=%d, K=%d)",
				i, r, a.B, a.T, a.K)
		}
		weight := a.Weight(r.Row, r.Position, r.Slot)
		dst := out.Vector(r.Row, r.Position)
		for j, v := range results[i*width : (i+1)*width] {
			dst[j] += v * weight
		}
	}
	return out, nil
}
