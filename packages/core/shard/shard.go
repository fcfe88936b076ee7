package shard

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvVar names the environment variable CI matrices use to pick a shard
const EnvVar = "SPLITRUN_SHARD"

// InvalidShardError is returned when a shard index falls outside 1..Total
type InvalidShardError struct {
	Index int
	Total int
}

func (e *InvalidShardError) Error() string {
	if e.Total < 1 {
		return fmt.Sprintf("invalid shard %d/%d: total shards must be at least 1", e.Index, e.Total)
	}
	return fmt.Sprintf("invalid shard %d/%d: index must be between 1 and %d", e.Index, e.Total, e.Total)
}

// Spec identifies one shard of a run, both fields are 1-based
type Spec struct {
	Index int
	Total int
}

func (s Spec) String() string {
	return fmt.Sprintf("%d/%d", s.Index, s.Total)
}

// Validate reports whether the spec names an existing shard
func (s Spec) Validate() error {
	if s.Total < 1 || s.Index < 1 || s.Index > s.Total {
		return &InvalidShardError{Index: s.Index, Total: s.Total}
	}
	return nil
}

// ParseSpec parses the "index/total" form, e.g. "2/4"
func ParseSpec(s string) (Spec, error) {
	idx, total, found := strings.Cut(strings.TrimSpace(s), "/")
	if !found {
		return Spec{}, fmt.Errorf("invalid shard %q: expected index/total", s)
	}

	i, err := strconv.Atoi(strings.TrimSpace(idx))
	if err != nil {
		return Spec{}, fmt.Errorf("invalid shard index %q: %w", idx, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(total))
	if err != nil {
		return Spec{}, fmt.Errorf("invalid shard total %q: %w", total, err)
	}

	spec := Spec{Index: i, Total: n}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// FromEnv reads the shard from SPLITRUN_SHARD. The second return value is
// false when the variable is unset.
func FromEnv() (Spec, bool, error) {
	v := os.Getenv(EnvVar)
	if v == "" {
		return Spec{}, false, nil
	}
	spec, err := ParseSpec(v)
	if err != nil {
		return Spec{}, true, fmt.Errorf("%s: %w", EnvVar, err)
	}
	return spec, true, nil
}

// Bounds returns the half-open range [start, end) of shard index (1-based)
// over n units. The first n%total shards hold one extra unit, so sizes never
// differ by more than one.
func Bounds(n, index, total int) (int, int, error) {
	if err := (Spec{Index: index, Total: total}).Validate(); err != nil {
		return 0, 0, err
	}

	base := n / total
	rem := n % total
	i := index - 1

	start := i*base + min(i, rem)
	size := base
	if i < rem {
		size++
	}
	return start, start + size, nil
}

// Select returns the contiguous slice of units assigned to shard index of
// total. Concatenating shards 1..total in order reproduces units exactly.
// When total exceeds len(units) the trailing shards are empty.
func Select[T any](units []T, index, total int) ([]T, error) {
	start, end, err := Bounds(len(units), index, total)
	if err != nil {
		return nil, err
	}
	out := make([]T, end-start)
	copy(out, units[start:end])
	return out, nil
}
