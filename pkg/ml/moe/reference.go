package moe

import (
	"github.com/pkg/errors"
)

// Reference computes the output of a forward pass directly, without capacity limits or communication:
// out[row, pos] = Σ_k weight_k · experts[expert_k](x[row, pos]).
//
// It requires experts that process each element independently (like the feed-forward experts in the
// experts package), and it is used to verify Layer results when no element was dropped.
func Reference(x *Batch, a *Assignment, experts []Expert) (*Batch, error) {
	b, t, c := x.Dims()
	if a.B != b || a.T != t {
		return nil, errors.Errorf("assignment for (B=%d, T=%d) doesn't match batch of shape %s", a.B, a.T, x.Shape())
	}
	if err := a.Validate(len(experts)); err != nil {
		return nil, err
	}
	out := NewBatch(b, t, c)
	for e, expert := range experts {
		var records []Record
		for row := range b {
			for pos := range t {
				for slot := range a.K {
					if a.Expert(row, pos, slot) == e {
						records = append(records, Record{Row: row, Position: pos, Slot: slot})
					}
				}
			}
		}
		if len(records) == 0 {
			continue
		}
		input := NewBatch(1, len(records), c)
		for i, r := range records {
			copy(input.Vector(0, i), x.Vector(r.Row, r.Position))
		}
		output, err := Dispatch(expert, &ExpertBatch{Batch: input})
		if err != nil {
			return nil, errors.WithMessagef(err, "reference expert %d", e)
		}
		for i, r := range records {
			weight := a.Weight(r.Row, r.Position, r.Slot)
			dst := out.Vector(r.Row, r.Position)
			for j, v := range output.Vector(0, i) {
				dst[j] += weight * v
			}
		}
	}
	return out, nil
}
