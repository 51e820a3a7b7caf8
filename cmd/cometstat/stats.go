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

package main

import (
	"context"
	"flag"
	"fmt"
	"unsafe"

	"github.com/google/subcommands"
)

// statsCmd populates a demo heap, runs a handful of collections, and
// prints the resulting per-cycle snapshots. Like inspectCmd, this is a
// state dump, not a benchmark: no timing comparison across policies.
type statsCmd struct {
	policy string
	count  int
	cycles int
}

func (*statsCmd) Name() string     { return "stats" }
func (*statsCmd) Synopsis() string { return "run demo collections and print per-cycle snapshots" }
func (*statsCmd) Usage() string {
	return `stats [-policy name] [-count n] [-cycles k]:
  Build an in-process demo heap, allocate n linked objects, run k
  collections keeping the chain head rooted, and print each cycle's
  stats.Snapshot.
`
}

func (c *statsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.policy, "policy", "marksweep", "collector policy: semispace, marksweep, immix, minimark")
	f.IntVar(&c.count, "count", 16, "number of demo objects to allocate")
	f.IntVar(&c.cycles, "cycles", 3, "number of collections to run")
}

func (c *statsCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	h, err := newDemoHeap(c.policy)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}

	head, detach := populateDemoHeap(h, c.count)
	defer detach()

	// Collect reports an evacuating policy's new address back through
	// the same slice it was handed (spec.md §6: "collect(keep: &mut
	// [root])"); passed via the s... spread, roots aliases the
	// variadic parameter directly, so roots[0] is updated in place
	// every cycle rather than going stale after the first move.
	roots := []unsafe.Pointer{head}
	for i := 0; i < c.cycles; i++ {
		snap := h.Collect(roots...)
		fmt.Printf("cycle %-3d kind=%-5s before=%-8d after=%-8d freed=%-4d pause=%s\n",
			snap.Cycle, snap.Kind, snap.BytesBefore, snap.BytesAfter, snap.ObjectsFreed, snap.Pause)
	}
	return subcommands.ExitSuccess
}
