package moe_test

import (
	"math"
	"testing"

	"github.com/gomlx/moerouter/pkg/ml/moe"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopK(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name    string
		scores  []float32
		k       int
		experts []int
		weights []float32
	}{
		{"top-1", []float32{0.1, 0.7, 0.2}, 1, []int{1}, []float32{0.7}},
		{"top-2", []float32{0.1, 0.7, 0.2}, 2, []int{1, 2}, []float32{0.7, 0.2}},
		{"ties go to the lowest index", []float32{0.3, 0.3, 0.3, 0.1}, 3, []int{0, 1, 2}, []float32{0.3, 0.3, 0.3}},
		{"NaN is never preferred", []float32{nan, 0.5, -1}, 2, []int{1, 2}, []float32{0.5, -1}},
		{"all experts", []float32{-2, 5, 1}, 3, []int{1, 2, 0}, []float32{5, 1, -2}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			experts := make([]int, test.k)
			weights := make([]float32, test.k)
			moe.TopK(test.scores, experts, weights)
			assert.Equal(t, test.experts, experts)
			assert.Equal(t, test.weights, weights)
		})
	}
}

func TestAssign(t *testing.T) {
	x := labeledBatch([]float32{1, 2, 3}, []int{1, 0, 1})
	a, err := moe.Assign(x, labelRouter, 2, 2)
	require.NoError(t, err)
	require.NoError(t, a.Validate(2))
	assert.Equal(t, []int{1, 0, 0, 1, 1, 0}, a.Experts)
	assert.Equal(t, routedWeight, a.Weight(0, 1, 0))
	assert.Equal(t, float32(0.125), a.Weight(0, 1, 1))
	assert.Equal(t, []int{3, 3}, a.Load(2))

	_, err = moe.Assign(x, labelRouter, 3, 2)
	require.Error(t, err)

	wrongSize := moe.RouterFunc(func(element []float32) ([]float32, error) { return []float32{1}, nil })
	_, err = moe.Assign(x, wrongSize, 1, 2)
	require.Error(t, err)

	errRouter := errors.New("router is down")
	failing := moe.RouterFunc(func(element []float32) ([]float32, error) { return nil, errRouter })
	_, err = moe.Assign(x, failing, 1, 2)
	require.ErrorIs(t, err, errRouter)
}

func TestAssignmentValidate(t *testing.T) {
	a := moe.NewAssignment(1, 1, 2)
	a.Set(0, 0, 0, 1, 0.5)
	a.Set(0, 0, 1, 1, 0.5)
	require.Error(t, a.Validate(2), "same expert selected twice")
	a.Set(0, 0, 1, 2, 0.5)
	require.Error(t, a.Validate(2), "expert out of range")
	a.Set(0, 0, 1, 0, 0.5)
	require.NoError(t, a.Validate(2))
}
