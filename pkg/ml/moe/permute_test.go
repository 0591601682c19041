package moe_test

import (
	"math"
	"testing"

	"github.com/gomlx/moerouter/pkg/core/distributed"
	"github.com/gomlx/moerouter/pkg/ml/moe"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacity(t *testing.T) {
	tests := []struct {
		seqLen, numExperts int
		factor             float64
		want               int
	}{
		{4, 2, 1.0, 2},
		{4, 2, 1.25, 2},
		{8, 2, 1.25, 5},
		{10, 4, 1.25, 3},
		{1, 4, 1.0, 0},
		{0, 2, 1.25, 0},
		// Saturated instead of wrapping around.
		{64, 4, 1e300, moe.MaxCapacity},
		{64, 4, math.Inf(1), moe.MaxCapacity},
		{64, 4, math.NaN(), 0},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, moe.Capacity(test.seqLen, test.numExperts, test.factor),
			"Capacity(%d, %d, %g)", test.seqLen, test.numExperts, test.factor)
	}
}

func TestExchangePlan(t *testing.T) {
	plan := &moe.ExchangePlan{SendCounts: []int{1, 0, 3}, RecvCounts: []int{2, 2, 0}}
	assert.Equal(t, 4, plan.TotalSend())
	assert.Equal(t, 4, plan.TotalRecv())
	assert.Equal(t, []int{0, 1, 1, 4}, plan.SendOffsets())
	assert.Equal(t, []int{0, 2, 4, 4}, plan.RecvOffsets())
	scaled := plan.Scaled(3)
	assert.Equal(t, []int{3, 0, 9}, scaled.SendCounts)
	assert.Equal(t, []int{6, 6, 0}, scaled.RecvCounts)
	reversed := plan.Reversed()
	assert.Equal(t, plan.RecvCounts, reversed.SendCounts)
	assert.Equal(t, plan.SendCounts, reversed.RecvCounts)
}

func TestBuildSendBuffers(t *testing.T) {
	// Expert 0 is owned by worker 1, and expert 1 by worker 0.
	topo := must.M1(must.M1(distributed.NewTopology(0, 2)).WithExpertAssignment(1, 0))
	x := moe.NewBatch(2, 2, 1)
	for i := range x.Data {
		x.Data[i] = float32(10 * (i + 1))
	}
	a := moe.NewAssignment(2, 2, 2)
	// Element (row, pos) selects experts {e0, e1}.
	a.Set(0, 0, 0, 0, 0.6)
	a.Set(0, 0, 1, 1, 0.4)
	a.Set(0, 1, 0, 1, 0.9)
	a.Set(0, 1, 1, 0, 0.1)
	a.Set(1, 0, 0, 1, 0.5)
	a.Set(1, 0, 1, 0, 0.5)
	a.Set(1, 1, 0, 0, 0.7)
	a.Set(1, 1, 1, 1, 0.3)
	send, err := moe.BuildSendBuffers(topo, x, a, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4}, send.Counts)
	// Records to worker 0 (expert 1) first, then worker 1 (expert 0), each in (row, position, slot) order.
	assert.Equal(t, []moe.Record{
		{0, 0, 1}, {0, 1, 0}, {1, 0, 0}, {1, 1, 1},
		{0, 0, 0}, {0, 1, 1}, {1, 0, 1}, {1, 1, 0},
	}, send.Records)
	assert.Equal(t, []int64{
		4, 0, 1, 4, 1, 0, 5, 0, 0, 5, 1, 1,
		4, 0, 0, 4, 1, 1, 5, 0, 1, 5, 1, 0,
	}, send.Metadata)
	assert.Equal(t, []float32{10, 20, 30, 40, 10, 20, 30, 40}, send.Features)

	_, err = moe.BuildSendBuffers(topo, moe.NewBatch(1, 2, 1), a, 0)
	require.Error(t, err)
}

func TestGroupByRow(t *testing.T) {
	// Records arrive with interleaved row ids: 5, 3, 5, 3, 5.
	metadata := []int64{
		5, 0, 0,
		3, 1, 0,
		5, 1, 0,
		3, 2, 0,
		5, 3, 0,
	}
	features := []float32{50, 51, 30, 31, 52, 53, 32, 33, 54, 55}

	t.Run("truncation", func(t *testing.T) {
		eb, err := moe.GroupByRow(metadata, features, 2, 2, -1)
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 5}, eb.RowIDs)
		assert.Equal(t, []int{2, 2}, eb.RowLens)
		assert.Equal(t, 5, eb.Received)
		assert.Equal(t, 1, eb.Dropped)
		assert.Equal(t, 0, eb.Padded())
		// Rows are in increasing row id, and records within a row in arrival order: the last record of row 5 is dropped.
		assert.Equal(t, []int{1, 3, 0, 2}, eb.Sources)
		assert.Equal(t, []float32{30, 31, 32, 33, 50, 51, 52, 53}, eb.Data)
	})

	t.Run("padding", func(t *testing.T) {
		eb, err := moe.GroupByRow(metadata, features, 2, 4, -1)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3}, eb.RowLens)
		assert.Equal(t, 0, eb.Dropped)
		assert.Equal(t, 3, eb.Padded())
		assert.Equal(t, []int{1, 3, -1, -1, 0, 2, 4, -1}, eb.Sources)
		assert.Equal(t, []float32{
			30, 31, 32, 33, -1, -1, -1, -1,
			50, 51, 52, 53, 54, 55, -1, -1,
		}, eb.Data)
	})

	t.Run("zero capacity", func(t *testing.T) {
		eb, err := moe.GroupByRow(metadata, features, 2, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, eb.Rows())
		assert.Equal(t, 5, eb.Dropped)
		assert.Equal(t, 0, eb.Size())
	})

	t.Run("empty", func(t *testing.T) {
		eb, err := moe.GroupByRow(nil, nil, 2, 3, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, eb.Rows())
		out, err := moe.Dispatch(moe.ExpertFunc(func(input *moe.Batch) (*moe.Batch, error) {
			t.Fatal("expert called on an empty batch")
			return nil, nil
		}), eb)
		require.NoError(t, err)
		assert.Equal(t, 0, out.Size())
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := moe.GroupByRow(metadata[:4], features, 2, 2, 0)
		require.Error(t, err)
		_, err = moe.GroupByRow(metadata, features[:9], 2, 2, 0)
		require.Error(t, err)
		_, err = moe.GroupByRow([]int64{-1, 0, 0}, []float32{1, 2}, 2, 2, 0)
		require.Error(t, err)
	})
}

func TestScatterResults(t *testing.T) {
	metadata := []int64{7, 0, 0, 7, 1, 0, 7, 2, 0}
	features := []float32{1, 2, 3}
	eb, err := moe.GroupByRow(metadata, features, 1, 2, 0)
	require.NoError(t, err)
	out := eb.Clone()
	for i := range out.Data {
		out.Data[i] *= 10
	}
	results, err := moe.ScatterResults(eb, out)
	require.NoError(t, err)
	// The third record didn't fit the capacity: its result is zero.
	assert.Equal(t, []float32{10, 20, 0}, results)

	_, err = moe.ScatterResults(eb, moe.NewBatch(1, 1, 1))
	require.ErrorIs(t, err, moe.ErrExpertShape)
}
