// Copyright 2024 The comet Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gcconfig holds the per-policy constructor options of spec.md
// §6: byte budgets, segregated-allocator sizing, Immix's growth
// multiplier, MiniMark's generational thresholds, and the verbosity and
// low-memory-mode switches every policy accepts.
package gcconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
)

// Options configures a collector policy. Not every field applies to
// every policy; a policy's constructor reads the fields spec.md §6
// assigns to it and ignores the rest.
type Options struct {
	// HeapSize is the initial reservation for policies with a single
	// fixed-size heap (SemiSpace: the combined size of both semispaces).
	HeapSize uint64 `toml:"heap_size"`

	// MinHeapSize and MaxHeapSize bound the footprint a policy may grow
	// to or shrink the major threshold below.
	MinHeapSize uint64 `toml:"min_heap_size"`
	MaxHeapSize uint64 `toml:"max_heap_size"`

	// InitialSize, GrowthLimit, and Capacity size the segregated
	// free-list allocator (MarkSweep, MiniMark's old generation).
	InitialSize uint64 `toml:"initial_size"`
	GrowthLimit uint64 `toml:"growth_limit"`
	Capacity    uint64 `toml:"capacity"`

	// GrowthMultiplier is Immix's live-bytes multiplier (must be >= 1.0)
	// used to set the next target footprint after a sweep.
	GrowthMultiplier float64 `toml:"growth_multiplier"`

	// MajorCollectionThreshold and GrowthRateMax are MiniMark's major
	// generation growth-rule constants (spec.md §4.9.4 step 5).
	MajorCollectionThreshold float64 `toml:"major_collection_threshold"`
	GrowthRateMax            float64 `toml:"growth_rate_max"`

	// NurserySize is MiniMark's fixed young-generation bump space size;
	// it must be a power of two.
	NurserySize uint64 `toml:"nursery_size"`

	// Verbose is the per-cycle log verbosity: 0 silent, 1 summary,
	// 2 detailed.
	Verbose int `toml:"verbose"`

	// LowMemoryMode enables a tighter page-release policy, read only by
	// MarkSweep: after each collection empty runs are decommitted and
	// retired rather than recycled. Decommits are not throttled.
	LowMemoryMode bool `toml:"low_memory_mode"`
}

// defaults mirrors the constants spec.md §4.9.4 step 5 documents for
// MiniMark (major_collection_threshold = 1.82, growth_rate_max = 1.4);
// the other fields are conservative general-purpose values, not
// specified by name but needed for any policy constructed with a zero
// Options.
var defaults = Options{
	HeapSize:                 64 << 20,
	MinHeapSize:              4 << 20,
	MaxHeapSize:              1 << 30,
	InitialSize:              4 << 20,
	GrowthLimit:              1 << 30,
	Capacity:                 1 << 30,
	GrowthMultiplier:         2.0,
	MajorCollectionThreshold: 1.82,
	GrowthRateMax:            1.4,
	NurserySize:              4 << 20,
	Verbose:                  0,
	LowMemoryMode:            false,
}

// Default returns a fresh copy of the package defaults: callers cannot
// mutate shared state through the returned value, since deepcopy clones
// it rather than returning a pointer/alias into defaults.
func Default() Options {
	return deepcopy.Copy(defaults).(Options)
}

// Load reads Options from a TOML file at path, overlaying onto a fresh
// copy of Default() so unset fields keep their defaults.
func Load(path string) (Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("gcconfig: read %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &opts); err != nil {
		return Options{}, fmt.Errorf("gcconfig: decode %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate rejects option combinations no policy can act on: a
// min_heap_size above max_heap_size, an initial_size above
// growth_limit, a sub-1.0 growth multiplier or growth_rate_max, and a
// nursery size that isn't a power of two. Zero values are treated as
// unset and are not rejected, byte budgets included. Grounded on the
// original implementation's allocation_config validation (SPEC_FULL.md
// §9.1): that config type panics on the equivalent conditions at
// construction time rather than leaving a collector to discover a
// degenerate budget mid-cycle.
func (o Options) Validate() error {
	if o.MinHeapSize > 0 && o.MaxHeapSize > 0 && o.MinHeapSize > o.MaxHeapSize {
		return fmt.Errorf("gcconfig: min_heap_size %d exceeds max_heap_size %d", o.MinHeapSize, o.MaxHeapSize)
	}
	if o.GrowthLimit > 0 && o.InitialSize > o.GrowthLimit {
		return fmt.Errorf("gcconfig: initial_size %d exceeds growth_limit %d", o.InitialSize, o.GrowthLimit)
	}
	if o.GrowthMultiplier != 0 && o.GrowthMultiplier < 1.0 {
		return fmt.Errorf("gcconfig: growth_multiplier %f must be >= 1.0", o.GrowthMultiplier)
	}
	if o.GrowthRateMax != 0 && o.GrowthRateMax < 1.0 {
		return fmt.Errorf("gcconfig: growth_rate_max %f must be >= 1.0", o.GrowthRateMax)
	}
	if o.NurserySize != 0 && o.NurserySize&(o.NurserySize-1) != 0 {
		return fmt.Errorf("gcconfig: nursery_size %d is not a power of two", o.NurserySize)
	}
	return nil
}
