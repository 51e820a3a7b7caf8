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

package gcconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultMatchesPackageConstants(t *testing.T) {
	d := Default()
	if d.MajorCollectionThreshold != 1.82 {
		t.Fatalf("MajorCollectionThreshold = %v, want 1.82", d.MajorCollectionThreshold)
	}
	if d.GrowthRateMax != 1.4 {
		t.Fatalf("GrowthRateMax = %v, want 1.4", d.GrowthRateMax)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v, want nil", err)
	}
}

func TestDefaultReturnsIndependentCopies(t *testing.T) {
	a := Default()
	a.HeapSize = 12345
	b := Default()
	if b.HeapSize == 12345 {
		t.Fatal("mutating one Default() copy affected a later one: deepcopy did not isolate state")
	}
	// b must otherwise be a plain, unmutated Default(): diff the whole
	// struct rather than spot-checking one field.
	if diff := cmp.Diff(Default(), b); diff != "" {
		t.Fatalf("b drifted from a fresh Default() (-want +got):\n%s", diff)
	}
}

func TestValidateRejectsMinAboveMax(t *testing.T) {
	o := Default()
	o.MinHeapSize = 2 << 30
	o.MaxHeapSize = 1 << 30
	if err := o.Validate(); err == nil {
		t.Fatal("Validate accepted min_heap_size > max_heap_size")
	}
}

func TestValidateRejectsInitialAboveGrowthLimit(t *testing.T) {
	o := Default()
	o.GrowthLimit = 1 << 20
	o.InitialSize = 2 << 20
	if err := o.Validate(); err == nil {
		t.Fatal("Validate accepted initial_size > growth_limit")
	}
}

func TestValidateRejectsSubOneGrowthMultiplier(t *testing.T) {
	o := Default()
	o.GrowthMultiplier = 0.5
	if err := o.Validate(); err == nil {
		t.Fatal("Validate accepted growth_multiplier < 1.0")
	}
}

func TestValidateRejectsNonPowerOfTwoNurserySize(t *testing.T) {
	o := Default()
	o.NurserySize = 3 << 20
	if err := o.Validate(); err == nil {
		t.Fatal("Validate accepted a non-power-of-two nursery_size")
	}
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gc.toml")
	contents := "heap_size = 1048576\nverbose = 2\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Everything but the two overlaid fields must keep its Default()
	// value: diff the whole struct so a stray field the overlay
	// shouldn't have touched can't slip by unnoticed.
	want := Default()
	want.HeapSize = 1048576
	want.Verbose = 2
	if diff := cmp.Diff(want, opts); diff != "" {
		t.Fatalf("Load(%s) mismatch (-want +got):\n%s", path, diff)
	}
}

func TestLoadRejectsInvalidOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gc.toml")
	if err := os.WriteFile(path, []byte("growth_multiplier = 0.1\n"), 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a file producing an invalid growth_multiplier")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("Load succeeded for a nonexistent path")
	}
}
