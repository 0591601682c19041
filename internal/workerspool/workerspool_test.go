// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ForEachLimitsParallelism(t *testing.T) {
	const maxParallelism = 3
	pool := NewWithParallelism(maxParallelism)
	var running, peak atomic.Int32
	var sum atomic.Int64
	err := pool.ForEach(20, func(i int) error {
		now := running.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		sum.Add(int64(i))
		running.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(19*20/2), sum.Load())
	assert.LessOrEqual(t, int(peak.Load()), maxParallelism)
	assert.Greater(t, int(peak.Load()), 1)
}

func TestPool_ForEachErrors(t *testing.T) {
	for _, parallelism := range []int{0, 2, -1} {
		pool := NewWithParallelism(parallelism)
		var count atomic.Int32
		err := pool.ForEach(5, func(i int) error {
			count.Add(1)
			switch i {
			case 1:
				panic("row 1 is broken")
			case 3:
				return errors.New("row 3 failed")
			}
			return nil
		})
		require.Error(t, err, "parallelism=%d", parallelism)
		assert.Contains(t, err.Error(), "task #1 panicked")
		assert.Equal(t, int32(5), count.Load(), "all tasks run, even after a failure")
	}
}

func TestPool_Disabled(t *testing.T) {
	pool := NewWithParallelism(0)
	assert.False(t, pool.IsEnabled())
	var order []int
	require.NoError(t, pool.ForEach(3, func(i int) error {
		order = append(order, i)
		return nil
	}))
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, 0, pool.MaxParallelism())
	assert.True(t, NewWithParallelism(-1).IsUnlimited())
}
