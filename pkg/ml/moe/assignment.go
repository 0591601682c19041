package moe

import (
	"math"
	"slices"

	"github.com/pkg/errors"
)

// Router scores a feature vector (one element) against every expert.
//
// Scores must return one value per expert. Higher is better. The scores are used as the weights of
// the selected experts as is: they are not renormalized.
type Router interface {
	Scores(element []float32) ([]float32, error)
}

// RouterFunc implements Router with a function.
type RouterFunc func(element []float32) ([]float32, error)

// Scores implements Router.
func (fn RouterFunc) Scores(element []float32) ([]float32, error) {
	return fn(element)
}

// Assignment holds, for each element (row, position) of a (B, T, C) batch, the K experts it is routed to,
// and their weights.
type Assignment struct {
	B, T, K int

	// Experts and Weights are shaped (B, T, K), in row-major order. Experts of an element are distinct,
	// ordered by decreasing weight.
	Experts []int
	Weights []float32
}

// NewAssignment returns an Assignment for a (B, T) batch, with all experts set to 0 and weights to 0.
func NewAssignment(b, t, k int) *Assignment {
	return &Assignment{B: b, T: t, K: k, Experts: make([]int, b*t*k), Weights: make([]float32, b*t*k)}
}

func (a *Assignment) index(row, position, slot int) int {
	return (row*a.T+position)*a.K + slot
}

// Expert returns the expert of the element at (row, position) selected for the given slot.
func (a *Assignment) Expert(row, position, slot int) int {
	return a.Experts[a.index(row, position, slot)]
}

// Weight returns the weight of the element at (row, position) for the given slot.
func (a *Assignment) Weight(row, position, slot int) float32 {
	return a.Weights[a.index(row, position, slot)]
}

// Set the expert and weight of the element at (row, position) for the given slot.
func (a *Assignment) Set(row, position, slot, expert int, weight float32) {
	idx := a.index(row, position, slot)
	a.Experts[idx] = expert
	a.Weights[idx] = weight
}

// Validate that the experts are in range [0, numExperts) and distinct for each element.
func (a *Assignment) Validate(numExperts int) error {
	if len(a.Experts) != a.B*a.T*a.K || len(a.Weights) != len(a.Experts) {
		return errors.Errorf("assignment for (B=%d, T=%d, K=%d) has %d experts and %d weights",
			a.B, a.T, a.K, len(a.Experts), len(a.Weights))
	}
	for row := range a.B {
		for pos := range a.T {
			for slot := range a.K {
				e := a.Expert(row, pos, slot)
				if e < 0 || e >= numExperts {
					return errors.Errorf("assignment of element (%d, %d), slot %d: invalid expert %d, it must be in [0, %d)",
						row, pos, slot, e, numExperts)
				}
				for prev := range slot {
					if a.Expert(row, pos, prev) == e {
						return errors.Errorf("assignment of element (%d, %d): expert %d selected twice (slots %d and %d)",
							row, pos, e, prev, slot)
					}
				}
			}
		}
	}
	return nil
}

// Load returns the number of (element, slot) pairs routed to each expert.
func (a *Assignment) Load(numExperts int) []int {
	load := make([]int, numExperts)
	for _, e := range a.Experts {
		load[e]++
	}
	return load
}

// Assign scores every element of x with router, and selects its top-k experts.
// The weight of each selected expert is its raw score.
func Assign(x *Batch, router Router, k, numExperts int) (*Assignment, error) {
	if k < 1 || k > numExperts {
		return nil, errors.Errorf("cannot select the top-%d of %d experts", k, numExperts)
	}
	b, t, _ := x.Dims()
	a := NewAssignment(b, t, k)
	experts := make([]int, k)
	weights := make([]float32, k)
	for row := range b {
		for pos := range t {
			scores, err := router.Scores(x.Vector(row, pos))
			if err != nil {
				return nil, errors.WithMessagef(err, "router failed on element (%d, %d)", row, pos)
			}
			if len(scores) != numExperts {
				return nil, errors.Errorf("router returned %d scores for element (%d, %d), expected one per expert (%d)",
					len(scores), row, pos, numExperts)
			}
			TopK(scores, experts, weights)
			for slot := range k {
				a.Set(row, pos, slot, experts[slot], weights[slot])
			}
		}
	}
	return a, nil
}

// TopK selects the len(experts) largest scores, in decreasing order, and writes their indices to experts and
// the scores themselves to weights. Ties are broken in favor of the lowest index. NaN scores are never
// preferred over a number.
func TopK(scores []float32, experts []int, weights []float32) {
	k := len(experts)
	for slot := range k {
		best := -1
		for e, score := range scores {
			if slices.Contains(experts[:slot], e) {
				continue
			}
			if best == -1 || score > scores[best] || (math.IsNaN(float64(scores[best])) && !math.IsNaN(float64(score))) {
				best = e
			}
		}
		experts[slot] = best
		weights[slot] = scores[best]
	}
}
