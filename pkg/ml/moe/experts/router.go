package experts

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/moerouter/pkg/ml/moe"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// LinearRouter scores elements with softmax(x·W + b), one probability per expert.
//
// It implements moe.Router. All workers of a group must use the same router weights.
type LinearRouter struct {
	w    *mat.Dense
	bias []float64
}

var _ moe.Router = (*LinearRouter)(nil)

// NewLinearRouter creates a router with weights w, shaped (width, numExperts), and bias of size numExperts.
func NewLinearRouter(w *mat.Dense, bias []float64) (*LinearRouter, error) {
	_, numExperts := w.Dims()
	if len(bias) != numExperts {
		return nil, errors.Errorf("router bias must have one value per expert (%d), got %d", numExperts, len(bias))
	}
	return &LinearRouter{w: w, bias: bias}, nil
}

// NewRandomRouter creates a router with random normal weights, scaled by temperature: larger values make
// the routing more unbalanced.
func NewRandomRouter(rng *rand.Rand, width, numExperts int, temperature float64) *LinearRouter {
	w := randomDense(rng, width, numExperts)
	w.Scale(temperature, w)
	return &LinearRouter{w: w, bias: make([]float64, numExperts)}
}

// NumExperts scored by the router.
func (r *LinearRouter) NumExperts() int {
	_, numExperts := r.w.Dims()
	return numExperts
}

// Scores implements moe.Router.
func (r *LinearRouter) Scores(element []float32) ([]float32, error) {
	width, numExperts := r.w.Dims()
	if len(element) != width {
		return nil, errors.Errorf("router of width %d got element of width %d", width, len(element))
	}
	x := mat.NewVecDense(width, toFloat64(element))
	var logits mat.VecDense
	logits.MulVec(r.w.T(), x)
	return softmax(logits.RawVector().Data, r.bias, numExperts), nil
}

// softmax of logits+bias, computed in float64 after subtracting the maximum.
func softmax(logits, bias []float64, n int) []float32 {
	maxLogit := math.Inf(-1)
	for i := range n {
		logits[i] += bias[i]
		maxLogit = max(maxLogit, logits[i])
	}
	sum := 0.0
	for i := range n {
		logits[i] = math.Exp(logits[i] - maxLogit)
		sum += logits[i]
	}
	probs := make([]float32, n)
	for i := range n {
		probs[i] = float32(logits[i] / sum)
	}
	return probs
}
