// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/moerouter/pkg/core/distributed"
	"github.com/gomlx/moerouter/pkg/ml/moe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	cfg := moe.DefaultConfig()
	paramsSet, err := ParseSettings(&cfg, "k=1;capacity_factor=2.5; padding_value=-1 ;")
	require.NoError(t, err)
	require.Equal(t, []string{"k", "capacity_factor", "padding_value"}, paramsSet)
	assert.Equal(t, moe.Config{K: 1, CapacityFactor: 2.5, PaddingValue: -1}, cfg)
	assert.Contains(t, SprintModifiedSettings(cfg, paramsSet), `"capacity_factor": (float64) 2.5`)
	assert.NotContains(t, SprintModifiedSettings(cfg, paramsSet), "drop_last")
	assert.Contains(t, SprintSettings(cfg), `"drop_last": (bool) false`)

	// Parameter "q" is unknown.
	_, err = ParseSettings(&cfg, "q=3")
	require.Error(t, err)

	// Cannot set the wrong type of value.
	_, err = ParseSettings(&cfg, "k=3.14")
	require.Error(t, err)

	// Missing value.
	_, err = ParseSettings(&cfg, "k")
	require.Error(t, err)

	// Parsed, but rejected when validated: the factor would overflow the capacity.
	cfg = moe.DefaultConfig()
	_, err = ParseSettings(&cfg, "k=1;capacity_factor=1e300")
	require.NoError(t, err)
	require.Error(t, cfg.Validate(4))
	assert.Equal(t, moe.MaxCapacity, moe.Capacity(64, 4, cfg.CapacityFactor))
	_, err = ParseSettings(&cfg, "capacity_factor=1e12")
	require.NoError(t, err)
	require.Error(t, cfg.Validate(4))
}

func TestParseSettingsFromFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# Routing settings.\nk=1\ncapacity_factor=1.5;drop_last=true\n"), 0o644))
	cfg := moe.DefaultConfig()
	paramsSet, err := ParseSettings(&cfg, "file:"+filePath+";padding_value=0.5")
	require.NoError(t, err)
	assert.Equal(t, []string{"k", "capacity_factor", "drop_last", "padding_value"}, paramsSet)
	assert.Equal(t, moe.Config{K: 1, CapacityFactor: 1.5, PaddingValue: 0.5, DropLast: true}, cfg)

	_, err = ParseSettings(&cfg, "file:"+filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", FormatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "2.00s", FormatDuration(2*time.Second))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second))
	assert.Equal(t, "0.00s", FormatDuration(0))
}

func TestStatsTable(t *testing.T) {
	stats := []*moe.Stats{
		{Worker: 0, Pass: 9, Sent: 1200, Received: 1100, Kept: 1000, Dropped: 100, Capacity: 5,
			Durations: map[distributed.Phase]time.Duration{distributed.PhaseComputing: time.Millisecond}},
		{Worker: 1, Pass: 9, Sent: 1000, Received: 1100, Kept: 1100, Capacity: 5,
			Durations: map[distributed.Phase]time.Duration{distributed.PhaseComputing: 2 * time.Millisecond}},
	}
	table := StatsTable(stats, [][2]int64{{2048, 4096}, {1000, 10}})
	assert.Contains(t, table, "1,200")
	assert.Contains(t, table, "9.09%")
	assert.Contains(t, table, "4.1 kB")
	phases := PhasesTable(stats)
	assert.Contains(t, phases, "Computing")
	assert.Contains(t, phases, "2.00ms")
}
