// Package experts implements simple collaborators of the routing core: a feed-forward expert and a
// linear router with softmax scores.
//
// They are used by the simulator (cmd/moesim) and by tests. Both process each element independently,
// so the outputs of a moe.Layer using them can be verified with moe.Reference.
package experts

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/moerouter/internal/workerspool"
	"github.com/gomlx/moerouter/pkg/ml/moe"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// FFN is a 2-layer feed-forward network applied to each element: relu(x·W1 + b1)·W2 + b2.
//
// It implements moe.Expert. The rows of an expert batch are processed in parallel.
type FFN struct {
	width, hidden int
	w1, w2        *mat.Dense
	b1, b2        []float64
	pool          *workerspool.Pool
}

var _ moe.Expert = (*FFN)(nil)

// NewFFN creates a feed-forward expert with the given weights.
// w1 is shaped (width, hidden), b1 (hidden), w2 (hidden, width) and b2 (width).
func NewFFN(w1 *mat.Dense, b1 []float64, w2 *mat.Dense, b2 []float64) (*FFN, error) {
	width, hidden := w1.Dims()
	if r, c := w2.Dims(); r != hidden || c != width {
		return nil, errors.Errorf("FFN: w1 is shaped (%d, %d), so w2 must be (%d, %d), got (%d, %d)",
			width, hidden, hidden, width, r, c)
	}
	if len(b1) != hidden || len(b2) != width {
		return nil, errors.Errorf("FFN: biases must have sizes %d and %d, got %d and %d", hidden, width, len(b1), len(b2))
	}
	return &FFN{width: width, hidden: hidden, w1: w1, w2: w2, b1: b1, b2: b2, pool: workerspool.New()}, nil
}

// NewRandomFFN creates a feed-forward expert with weights initialized from a normal distribution, scaled by
// the inverse square root of the fan-in.
func NewRandomFFN(rng *rand.Rand, width, hidden int) *FFN {
	return must.M1(NewFFN(randomDense(rng, width, hidden), make([]float64, hidden),
		randomDense(rng, hidden, width), make([]float64, width)))
}

func randomDense(rng *rand.Rand, rows, cols int) *mat.Dense {
	scale := 1 / math.Sqrt(float64(rows))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	return mat.NewDense(rows, cols, data)
}

// WithParallelism sets the maximum number of rows processed in parallel. 0 disables parallelism.
func (f *FFN) WithParallelism(maxParallelism int) *FFN {
	f.pool = workerspool.NewWithParallelism(maxParallelism)
	return f
}

// Forward implements moe.Expert.
func (f *FFN) Forward(input *moe.Batch) (*moe.Batch, error) {
	rows, capacity, width := input.Dims()
	if width != f.width {
		return nil, errors.Errorf("FFN of width %d got input of shape %s", f.width, input.Shape())
	}
	output := moe.NewBatch(rows, capacity, width)
	if capacity == 0 {
		return output, nil
	}
	rowSize := capacity * width
	err := f.pool.ForEach(rows, func(row int) error {
		f.forwardRow(input.Data[row*rowSize:(row+1)*rowSize], output.Data[row*rowSize:(row+1)*rowSize], capacity)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return output, nil
}

// forwardRow computes one row of capacity elements.
func (f *FFN) forwardRow(in, out []float32, capacity int) {
	x := mat.NewDense(capacity, f.width, toFloat64(in))
	var h mat.Dense
	h.Mul(x, f.w1)
	h.Apply(func(_, j int, v float64) float64 {
		return max(v+f.b1[j], 0)
	}, &h)
	var y mat.Dense
	y.Mul(&h, f.w2)
	for i := range capacity {
		for j := range f.width {
			out[i*f.width+j] = float32(y.At(i, j) + f.b2[j])
		}
	}
}

func toFloat64(values []float32) []float64 {
	converted := make([]float64, len(values))
	for i, v := range values {
		converted[i] = float64(v)
	}
	return converted
}
