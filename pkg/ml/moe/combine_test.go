package moe_test

import (
	"testing"

	"github.com/gomlx/moerouter/pkg/ml/moe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombine(t *testing.T) {
	t.Run("k=1", func(t *testing.T) {
		a := moe.NewAssignment(1, 2, 1)
		a.Set(0, 0, 0, 1, 0.5)
		a.Set(0, 1, 0, 0, 0.25)
		records := []moe.Record{{Row: 0, Position: 1, Slot: 0}, {Row: 0, Position: 0, Slot: 0}}
		results := []float32{4, 8, 3, 6}
		out, err := moe.Combine(a, 2, records, results)
		require.NoError(t, err)
		assert.Equal(t, "(1, 2, 2)", out.Shape())
		assert.Equal(t, []float32{1.5, 3, 1, 2}, out.Data)
	})

	t.Run("k=2 with a dropped slot", func(t *testing.T) {
		a := moe.NewAssignment(1, 2, 2)
		a.Set(0, 0, 0, 0, 0.75)
		a.Set(0, 0, 1, 1, 0.25)
		a.Set(0, 1, 0, 1, 0.5)
		a.Set(0, 1, 1, 0, 0.5)
		records := []moe.Record{
			{Row: 0, Position: 0, Slot: 0}, {Row: 0, Position: 1, Slot: 1},
			{Row: 0, Position: 0, Slot: 1}, {Row: 0, Position: 1, Slot: 0},
		}
		// The result of the last record is zero: it was dropped for lack of capacity.
		results := []float32{4, 8, 2, 0}
		out, err := moe.Combine(a, 1, records, results)
		require.NoError(t, err)
		assert.Equal(t, []float32{4*0.75 + 2*0.25, 8 * 0.5}, out.Data)
	})

	t.Run("invalid", func(t *testing.T) {
		a := moe.NewAssignment(1, 1, 1)
		_, err := moe.Combine(a, 2, []moe.Record{{}}, []float32{1})
		require.Error(t, err)
		_, err = moe.Combine(a, 1, []moe.Record{{Row: 0, Position: 0, Slot: 1}}, []float32{1})
		require.Error(t, err)
	})
}

func TestReference(t *testing.T) {
	x := labeledBatch([]float32{1, 2}, []int{1, 0})
	a, err := moe.Assign(x, labelRouter, 2, 2)
	require.NoError(t, err)
	out, err := moe.Reference(x, a, scaleExperts(2))
	require.NoError(t, err)
	// Each element gets both experts: 0.75 for the selected one and 0.125 for the other.
	assert.InDeltaSlice(t, []float32{1 * (3*0.75 + 2*0.125), 1 * (3*0.75 + 2*0.125)}, out.Vector(0, 0), 1e-6)
	assert.InDeltaSlice(t, []float32{2 * (2*0.75 + 3*0.125), 0}, out.Vector(0, 1), 1e-6)

	_, err = moe.Reference(x, a, scaleExperts(1))
	require.Error(t, err)
}
