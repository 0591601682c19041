package moe_test

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/gomlx/moerouter/pkg/core/distributed"
	"github.com/gomlx/moerouter/pkg/core/distributed/localgroup"
	"github.com/gomlx/moerouter/pkg/ml/moe"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Elements in these tests have width 2: the first feature is a value, the second the expert
// the element is routed to. The weight of the selected expert is routedWeight.
const routedWeight = float32(0.75)

// labelRouter routes each element to the expert written in its second feature.
var labelRouter = moe.RouterFunc(func(element []float32) ([]float32, error) {
	scores := make([]float32, numExpertsForRouter)
	for e := range scores {
		scores[e] = 0.25 / float32(len(scores))
	}
	scores[int(element[1])] = routedWeight
	return scores, nil
})

// numExpertsForRouter is the number of experts scored by labelRouter.
const numExpertsForRouter = 2

// labeledBatch returns a (1, len(experts), 2) batch routed to the given experts.
func labeledBatch(values []float32, experts []int) *moe.Batch {
	x := moe.NewBatch(1, len(values), 2)
	for pos, v := range values {
		vec := x.Vector(0, pos)
		vec[0] = v
		vec[1] = float32(experts[pos])
	}
	return x
}

// scaleExpert multiplies its input by factor.
func scaleExpert(factor float32) moe.Expert {
	return moe.ExpertFunc(func(input *moe.Batch) (*moe.Batch, error) {
		out := input.Clone()
		for i := range out.Data {
			out.Data[i] *= factor
		}
		return out, nil
	})
}

// expertFactor is the factor of the scaleExpert owned by expert e.
func expertFactor(e int) float32 { return float32(e + 2) }

type passResult struct {
	output *moe.Batch
	stats  *moe.Stats
	err    error
}

// runPass creates one layer per member of the group and runs one forward pass on each, concurrently.
func runPass(t *testing.T, g *localgroup.Group, cfgs []moe.Config, router moe.Router, experts []moe.Expert,
	inputs []*moe.Batch) []passResult {
	layers := make([]*moe.Layer, g.Size())
	for worker, m := range g.Members() {
		var err error
		layers[worker], err = moe.NewLayer(m, cfgs[worker], router, experts[m.Topology().ExpertID])
		require.NoError(t, err)
	}
	return forwardAll(layers, inputs)
}

func forwardAll(layers []*moe.Layer, inputs []*moe.Batch) []passResult {
	results := make([]passResult, len(layers))
	var wg sync.WaitGroup
	for worker, layer := range layers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := &results[worker]
			r.output, r.stats, r.err = layer.Forward(context.Background(), inputs[worker])
		}()
	}
	wg.Wait()
	return results
}

func sameConfig(n int, cfg moe.Config) []moe.Config {
	cfgs := make([]moe.Config, n)
	for i := range cfgs {
		cfgs[i] = cfg
	}
	return cfgs
}

func scaleExperts(n int) []moe.Expert {
	experts := make([]moe.Expert, n)
	for e := range experts {
		experts[e] = scaleExpert(expertFactor(e))
	}
	return experts
}

// routedOutput is the expected output of a labeled element that is not dropped.
func routedOutput(value float32, expert int) []float32 {
	factor := expertFactor(expert)
	return []float32{value * factor * routedWeight, float32(expert) * factor * routedWeight}
}

func TestLayerEndToEndExample(t *testing.T) {
	// 2 workers, T=4, 2 experts, k=1, capacity_factor=1.0: capacity is 2 elements per row and expert.
	g, err := localgroup.New(2)
	require.NoError(t, err)
	cfg := moe.Config{K: 1, CapacityFactor: 1.0}
	routes := [][]int{{0, 1, 0, 1}, {1, 0, 1, 0}}
	inputs := []*moe.Batch{
		labeledBatch([]float32{1, 2, 3, 4}, routes[0]),
		labeledBatch([]float32{5, 6, 7, 8}, routes[1]),
	}
	results := runPass(t, g, sameConfig(2, cfg), labelRouter, scaleExperts(2), inputs)
	for worker, r := range results {
		require.NoError(t, r.err)
		assert.Equal(t, 2, r.stats.Capacity)
		// Each expert receives 2 elements from each worker: one row of 2 elements per worker.
		assert.Equal(t, 4, r.stats.Received)
		assert.Equal(t, []int{2, 2}, r.stats.ReceivedPerPeer)
		assert.Equal(t, 2, r.stats.Rows)
		// Rows fit exactly in the capacity: nothing is dropped nor padded.
		assert.Equal(t, 0, r.stats.Dropped)
		assert.Equal(t, 0, r.stats.Padded)
		require.Equal(t, inputs[worker].Shape(), r.output.Shape())
		for pos := range 4 {
			value := inputs[worker].Vector(0, pos)[0]
			assert.Equal(t, routedOutput(value, routes[worker][pos]), r.output.Vector(0, pos), "worker %d, position %d", worker, pos)
		}
	}
}

func TestLayerCapacityTruncation(t *testing.T) {
	// Same setup as the example, but with unbalanced routes: rows exceeding the capacity of 2 are truncated.
	routes := [][]int{{0, 0, 0, 0}, {1, 1, 1, 0}}
	inputs := []*moe.Batch{
		labeledBatch([]float32{1, 2, 3, 4}, routes[0]),
		labeledBatch([]float32{5, 6, 7, 8}, routes[1]),
	}
	// Elements beyond the capacity, in each row, are dropped: they contribute zero.
	dropped := [][]bool{{false, false, true, true}, {false, false, true, false}}

	var previous []*moe.Batch
	for run := range 3 {
		g, err := localgroup.New(2)
		require.NoError(t, err)
		results := runPass(t, g, sameConfig(2, moe.Config{K: 1, CapacityFactor: 1.0}), labelRouter, scaleExperts(2), inputs)
		require.NoError(t, results[0].err)
		require.NoError(t, results[1].err)
		assert.Equal(t, 5, results[0].stats.Received)
		assert.Equal(t, 2, results[0].stats.Dropped)
		assert.Equal(t, 3, results[1].stats.Received)
		assert.Equal(t, 1, results[1].stats.Dropped)
		assert.InDelta(t, 0.4, results[0].stats.DropRate(), 1e-9)

		var outputs []*moe.Batch
		for worker, r := range results {
			for pos := range 4 {
				want := []float32{0, 0}
				if !dropped[worker][pos] {
					want = routedOutput(inputs[worker].Vector(0, pos)[0], routes[worker][pos])
				}
				assert.Equal(t, want, r.output.Vector(0, pos), "run %d, worker %d, position %d", run, worker, pos)
			}
			outputs = append(outputs, r.output)
		}
		if previous != nil {
			for worker := range outputs {
				assert.Equal(t, previous[worker].Data, outputs[worker].Data)
			}
		}
		previous = outputs
	}
}

// randomBatch returns a (b, t, c) batch with values in [-1, 1).
func randomBatch(rng *rand.Rand, b, t, c int) *moe.Batch {
	x := moe.NewBatch(b, t, c)
	for i := range x.Data {
		x.Data[i] = 2*rng.Float32() - 1
	}
	return x
}

// hashRouter scores experts with a fixed random linear projection of the element.
func hashRouter(seed uint64, width, numExperts int) moe.Router {
	rng := rand.New(rand.NewPCG(seed, 0))
	weights := make([]float32, width*numExperts)
	for i := range weights {
		weights[i] = rng.Float32()
	}
	return moe.RouterFunc(func(element []float32) ([]float32, error) {
		scores := make([]float32, numExperts)
		for e := range scores {
			for i, v := range element {
				scores[e] += v * weights[i*numExperts+e]
			}
		}
		return scores, nil
	})
}

func TestLayerMatchesReference(t *testing.T) {
	const numWorkers, seqLen, width = 3, 6, 4
	tests := []struct {
		name       string
		k          int
		batchSizes []int
	}{
		{"k=1", 1, []int{2, 2, 2}},
		{"k=2", 2, []int{2, 2, 2}},
		{"k=2 uneven batches", 2, []int{3, 1, 2}},
		{"k=3 empty batch", 3, []int{2, 0, 1}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(42, uint64(test.k)))
			g, err := localgroup.New(numWorkers)
			require.NoError(t, err)
			// With capacity_factor equal to the number of experts, the capacity is the sequence length:
			// no element is ever dropped.
			cfg := moe.Config{K: test.k, CapacityFactor: numWorkers}
			router := hashRouter(7, width, numWorkers)
			experts := scaleExperts(numWorkers)
			inputs := make([]*moe.Batch, numWorkers)
			for worker := range inputs {
				inputs[worker] = randomBatch(rng, test.batchSizes[worker], seqLen, width)
			}
			results := runPass(t, g, sameConfig(numWorkers, cfg), router, experts, inputs)

			totalSent, totalReceived := 0, 0
			for worker, r := range results {
				require.NoError(t, r.err)
				assert.Equal(t, 0, r.stats.Dropped)
				totalSent += r.stats.Sent
				totalReceived += r.stats.Received

				assignment, err := moe.Assign(inputs[worker], router, test.k, numWorkers)
				require.NoError(t, err)
				want, err := moe.Reference(inputs[worker], assignment, experts)
				require.NoError(t, err)
				require.Equal(t, want.Shape(), r.output.Shape())
				assert.InDeltaSlice(t, want.Data, r.output.Data, 1e-5, "worker %d", worker)
			}
			assert.Equal(t, totalSent, totalReceived)
			b := 0
			for _, size := range test.batchSizes {
				b += size
			}
			assert.Equal(t, b*seqLen*test.k, totalSent)
		})
	}
}

func TestLayerConservationPerExpert(t *testing.T) {
	const numWorkers, seqLen, width = 4, 8, 3
	rng := rand.New(rand.NewPCG(1, 2))
	// Experts are assigned to workers in reverse order.
	g, err := localgroup.New(numWorkers, 3, 2, 1, 0)
	require.NoError(t, err)
	cfg := moe.Config{K: 2, CapacityFactor: 1.0}
	inputs := make([]*moe.Batch, numWorkers)
	for worker := range inputs {
		inputs[worker] = randomBatch(rng, 1+worker%2, seqLen, width)
	}
	router := hashRouter(3, width, numWorkers)
	results := runPass(t, g, sameConfig(numWorkers, cfg), router, scaleExperts(numWorkers), inputs)

	// Records sent to each expert, counted from the assignments at the origin.
	sentToExpert := make([]int, numWorkers)
	for worker, r := range results {
		require.NoError(t, r.err)
		assignment, err := moe.Assign(inputs[worker], router, cfg.K, numWorkers)
		require.NoError(t, err)
		for e, load := range assignment.Load(numWorkers) {
			sentToExpert[e] += load
		}
		assert.Equal(t, inputs[worker].Shape(), r.output.Shape())
	}
	for worker, r := range results {
		expert := g.Member(worker).Topology().ExpertID
		assert.Equal(t, sentToExpert[expert], r.stats.Received, "expert %d on worker %d", expert, worker)
		assert.Equal(t, r.stats.Received, r.stats.Kept+r.stats.Dropped)
		for peer := range numWorkers {
			assert.Equal(t, results[peer].stats.SentPerPeer[worker], r.stats.ReceivedPerPeer[peer])
		}
	}
}

func TestLayerRoundTripShape(t *testing.T) {
	const numWorkers, seqLen, width = 2, 5, 3
	for _, k := range []int{1, 2} {
		for _, factor := range []float64{1.0, 1.25, 4.0} {
			rng := rand.New(rand.NewPCG(uint64(k), 3))
			g, err := localgroup.New(numWorkers)
			require.NoError(t, err)
			cfg := moe.Config{K: k, CapacityFactor: factor, PaddingValue: -1}
			inputs := []*moe.Batch{randomBatch(rng, 3, seqLen, width), randomBatch(rng, 1, seqLen, width)}
			results := runPass(t, g, sameConfig(numWorkers, cfg), hashRouter(5, width, numWorkers), scaleExperts(numWorkers), inputs)
			for worker, r := range results {
				require.NoError(t, r.err)
				assert.Equal(t, inputs[worker].Shape(), r.output.Shape(), "k=%d, capacity_factor=%g, worker %d", k, factor, worker)
				assert.Equal(t, moe.Capacity(seqLen, numWorkers, factor), r.stats.Capacity)
			}
		}
	}
}

func TestLayerEmptyExpertGroup(t *testing.T) {
	g, err := localgroup.New(2)
	require.NoError(t, err)
	expert1Calls := 0
	experts := []moe.Expert{
		scaleExpert(expertFactor(0)),
		moe.ExpertFunc(func(input *moe.Batch) (*moe.Batch, error) {
			expert1Calls++
			return input.Clone(), nil
		}),
	}
	// Every element goes to expert 0: expert 1 receives nothing.
	inputs := []*moe.Batch{
		labeledBatch([]float32{1, 2}, []int{0, 0}),
		labeledBatch([]float32{3, 4}, []int{0, 0}),
	}
	results := runPass(t, g, sameConfig(2, moe.Config{K: 1, CapacityFactor: 2.0}), labelRouter, experts, inputs)
	require.NoError(t, results[0].err)
	require.NoError(t, results[1].err)
	assert.Equal(t, 0, expert1Calls)
	assert.Equal(t, 0, results[1].stats.Received)
	assert.Equal(t, 0, results[1].stats.Rows)
	for worker, r := range results {
		for pos := range 2 {
			assert.Equal(t, routedOutput(inputs[worker].Vector(0, pos)[0], 0), r.output.Vector(0, pos))
		}
	}
}

func TestLayerConfigMismatch(t *testing.T) {
	g, err := localgroup.New(2)
	require.NoError(t, err)
	cfgs := []moe.Config{{K: 1, CapacityFactor: 1.0}, {K: 1, CapacityFactor: 2.0}}
	inputs := []*moe.Batch{labeledBatch([]float32{1}, []int{0}), labeledBatch([]float32{2}, []int{1})}
	layers := make([]*moe.Layer, 2)
	for worker, m := range g.Members() {
		layers[worker], err = moe.NewLayer(m, cfgs[worker], labelRouter, scaleExpert(1))
		require.NoError(t, err)
	}
	results := forwardAll(layers, inputs)
	for worker, r := range results {
		require.Error(t, r.err)
		assert.Truef(t, errors.Is(r.err, distributed.ErrConfigMismatch), "worker %d: %v", worker, r.err)
		assert.Equal(t, distributed.PhaseFailed, layers[worker].Phase())
	}

	// Failed layers reject further passes.
	results = forwardAll(layers, inputs)
	for _, r := range results {
		assert.True(t, errors.Is(r.err, distributed.ErrGroupFailed))
	}
}

func TestLayerSequenceLengthMismatch(t *testing.T) {
	g, err := localgroup.New(2)
	require.NoError(t, err)
	inputs := []*moe.Batch{
		labeledBatch([]float32{1, 2}, []int{0, 1}),
		labeledBatch([]float32{1, 2, 3}, []int{0, 1, 0}),
	}
	results := runPass(t, g, sameConfig(2, moe.DefaultConfig()), labelRouter, scaleExperts(2), inputs)
	for worker, r := range results {
		assert.Truef(t, errors.Is(r.err, moe.ErrSequenceLengthMismatch), "worker %d: %v", worker, r.err)
	}
}

func TestLayerExpertFailureFailsGroup(t *testing.T) {
	tests := []struct {
		name   string
		expert moe.Expert
		is     error
	}{
		{"wrong shape", moe.ExpertFunc(func(input *moe.Batch) (*moe.Batch, error) {
			return moe.NewBatch(1, 1, 1), nil
		}), moe.ErrExpertShape},
		{"panic", moe.ExpertFunc(func(input *moe.Batch) (*moe.Batch, error) {
			panic(errors.New("out of memory"))
		}), nil},
		{"error", moe.ExpertFunc(func(input *moe.Batch) (*moe.Batch, error) {
			return nil, errors.New("kernel failed")
		}), nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g, err := localgroup.New(2)
			require.NoError(t, err)
			experts := []moe.Expert{scaleExpert(1), test.expert}
			inputs := []*moe.Batch{
				labeledBatch([]float32{1, 2}, []int{0, 1}),
				labeledBatch([]float32{3, 4}, []int{1, 0}),
			}
			results := runPass(t, g, sameConfig(2, moe.Config{K: 1, CapacityFactor: 1.0}), labelRouter, experts, inputs)
			require.Error(t, results[1].err)
			if test.is != nil {
				assert.True(t, errors.Is(results[1].err, test.is), "got %v", results[1].err)
			}
			// The peer waiting for the results fails as well, instead of hanging.
			require.Error(t, results[0].err)
			assert.True(t, errors.Is(results[0].err, distributed.ErrGroupFailed), "got %v", results[0].err)
		})
	}
}

func TestLayerPhases(t *testing.T) {
	for _, dropLast := range []bool{false, true} {
		g, err := localgroup.New(2)
		require.NoError(t, err)
		cfg := moe.Config{K: 1, CapacityFactor: 1.0, DropLast: dropLast}
		layers := make([]*moe.Layer, 2)
		for worker, m := range g.Members() {
			layers[worker], err = moe.NewLayer(m, cfg, labelRouter, scaleExpert(1))
			require.NoError(t, err)
		}
		inputs := []*moe.Batch{labeledBatch([]float32{1, 2}, []int{0, 1}), labeledBatch([]float32{3, 4}, []int{1, 0})}
		for pass := range 2 {
			results := forwardAll(layers, inputs)
			for worker, r := range results {
				require.NoError(t, r.err)
				assert.Equal(t, pass, r.stats.Pass)
				assert.Equal(t, distributed.PhaseIdle, layers[worker].Phase())
				_, reconciled := r.stats.Durations[distributed.PhaseReconciling]
				assert.Equal(t, !dropLast, reconciled)
				assert.Equal(t, []distributed.Phase{distributed.PhaseAwaitingCounts, distributed.PhaseAwaitingMetadata,
					distributed.PhaseComputing, distributed.PhaseAwaitingResults, distributed.PhaseCombining},
					r.stats.Phases()[len(r.stats.Phases())-5:])
				assert.Equal(t, worker, r.stats.RowOffset)
			}
		}
	}
}

func TestNewLayerValidation(t *testing.T) {
	g, err := localgroup.New(2)
	require.NoError(t, err)
	_, err = moe.NewLayer(g.Member(0), moe.Config{K: 3, CapacityFactor: 1}, labelRouter, scaleExpert(1))
	require.Error(t, err)
	_, err = moe.NewLayer(g.Member(0), moe.Config{K: 1, CapacityFactor: 0.5}, labelRouter, scaleExpert(1))
	require.Error(t, err)
	_, err = moe.NewLayer(g.Member(0), moe.DefaultConfig(), nil, scaleExpert(1))
	require.Error(t, err)
}

func TestForwardNilBatch(t *testing.T) {
	g, err := localgroup.New(2)
	require.NoError(t, err)
	layer, err := moe.NewLayer(g.Member(0), moe.DefaultConfig(), labelRouter, scaleExpert(1))
	require.NoError(t, err)
	output, stats, err := layer.Forward(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, output)
	assert.Nil(t, stats)
	// The layer is not failed: no collective was issued.
	assert.NoError(t, layer.Err())
	assert.Equal(t, distributed.PhaseIdle, layer.Phase())
}

func TestForwardCapacityTooLarge(t *testing.T) {
	// 2048 elements per expert times the maximum factor is beyond MaxCapacity.
	const seqLen = 2 * 2048
	g, err := localgroup.New(2)
	require.NoError(t, err)
	cfg := moe.Config{K: 1, CapacityFactor: moe.MaxCapacityFactor}
	require.NoError(t, cfg.Validate(2))
	require.Equal(t, moe.MaxCapacity, moe.Capacity(seqLen, 2, cfg.CapacityFactor))
	inputs := []*moe.Batch{moe.NewBatch(1, seqLen, 2), moe.NewBatch(1, seqLen, 2)}
	results := runPass(t, g, sameConfig(2, cfg), labelRouter, scaleExperts(2), inputs)
	var numCapacityErrs int
	for worker, r := range results {
		require.Errorf(t, r.err, "worker %d", worker)
		assert.Nil(t, r.output)
		if strings.Contains(r.err.Error(), "maximum") {
			numCapacityErrs++
		} else {
			// The other worker may see the group failing first.
			assert.True(t, errors.Is(r.err, distributed.ErrGroupFailed), "worker %d: %v", worker, r.err)
		}
	}
	assert.Greater(t, numCapacityErrs, 0)
}
