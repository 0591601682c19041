package moe

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Config of the routing core. It must be the same on all workers of a group: Layer.Start verifies it.
type Config struct {
	// K is the number of experts each element is routed to. 1 <= K <= number of experts.
	K int

	// CapacityFactor is the slack multiplier on the per-row expert capacity, >= 1.
	CapacityFactor float64

	// PaddingValue fills the unused capacity slots of an ExpertBatch.
	PaddingValue float32

	// DropLast is true if the batch size is fixed and the same on every worker. Otherwise batch sizes are
	// reconciled with an all-gather at every forward pass, which allows an uneven last batch.
	DropLast bool
}

// Parameter names, as used in settings strings ("k=2;capacity_factor=1.25").
const (
	ParamK              = "k"
	ParamCapacityFactor = "capacity_factor"
	ParamPaddingValue   = "padding_value"
	ParamDropLast       = "drop_last"
)

// MaxCapacityFactor is the largest accepted Config.CapacityFactor. A factor equal to the number of experts
// already gives every expert a capacity of the whole sequence, so nothing is dropped.
const MaxCapacityFactor = 1024

// DefaultConfig returns the default configuration: k=2, capacity_factor=1.25, padding_value=0, drop_last=false.
func DefaultConfig() Config {
	return Config{K: 2, CapacityFactor: 1.25, PaddingValue: 0, DropLast: false}
}

// Validate the configuration for a group with numExperts experts.
func (c Config) Validate(numExperts int) error {
	if c.K < 1 {
		return errors.Errorf("invalid config: %s=%d, it must be >= 1", ParamK, c.K)
	}
	if numExperts > 0 && c.K > numExperts {
		return errors.Errorf("invalid config: %s=%d is larger than the number of experts (%d)", ParamK, c.K, numExperts)
	}
	if math.IsNaN(c.CapacityFactor) || c.CapacityFactor < 1 || c.CapacityFactor > MaxCapacityFactor {
		return errors.Errorf("invalid config: %s=%g, it must be in [1.0, %d]",
			ParamCapacityFactor, c.CapacityFactor, MaxCapacityFactor)
	}
	if math.IsNaN(float64(c.PaddingValue)) {
		return errors.Errorf("invalid config: %s cannot be NaN", ParamPaddingValue)
	}
	return nil
}

// Params returns the parameters of the configuration, in a fixed order, as (name, value) pairs.
func (c Config) Params() []Param {
	return []Param{
		{ParamK, c.K},
		{ParamCapacityFactor, c.CapacityFactor},
		{ParamPaddingValue, c.PaddingValue},
		{ParamDropLast, c.DropLast},
	}
}

// Param is a named configuration value.
type Param struct {
	Name  string
	Value any
}

// SetParam parses valueStr according to the type of the named parameter, and sets it.
//
// For integer parameters "_" is removed, so large numbers can use it as a separator, as in Go.
func (c *Config) SetParam(name, valueStr string) error {
	var err error
	switch name {
	case ParamK:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &c.K)
	case ParamCapacityFactor:
		err = json.Unmarshal([]byte(valueStr), &c.CapacityFactor)
	case ParamPaddingValue:
		err = json.Unmarshal([]byte(valueStr), &c.PaddingValue)
	case ParamDropLast:
		err = json.Unmarshal([]byte(valueStr), &c.DropLast)
	default:
		return errors.Errorf("unknown parameter %q, known parameters are %s", name, strings.Join(paramNames(), ", "))
	}
	if err != nil {
		return errors.Wrapf(err, "failed to parse value %q for parameter %q", valueStr, name)
	}
	return nil
}

func paramNames() []string {
	params := DefaultConfig().Params()
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return names
}

// String implements fmt.Stringer, in the settings format.
func (c Config) String() string {
	parts := make([]string, 0, 4)
	for _, p := range c.Params() {
		parts = append(parts, fmt.Sprintf("%s=%v", p.Name, p.Value))
	}
	return strings.Join(parts, ";")
}

// fingerprintVersion changes whenever the fingerprint layout changes.
const fingerprintVersion = 1

// fingerprint encodes the configuration as integers, to be compared across workers.
func (c Config) fingerprint() []int64 {
	dropLast := int64(0)
	if c.DropLast {
		dropLast = 1
	}
	return []int64{
		fingerprintVersion,
		int64(c.K),
		int64(math.Float64bits(c.CapacityFactor)),
		int64(math.Float32bits(c.PaddingValue)),
		dropLast,
	}
}
