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

	"github.com/google/subcommands"

	"github.com/cometgc/comet/pkg/header"
)

// inspectCmd dumps every header currently visible to Heap.Inspect for a
// demo heap this process populates itself. It never benchmarks or
// compares policies; it only prints what is there right now.
type inspectCmd struct {
	policy string
	count  int
}

func (*inspectCmd) Name() string     { return "inspect" }
func (*inspectCmd) Synopsis() string { return "allocate demo objects and dump live headers" }
func (*inspectCmd) Usage() string {
	return `inspect [-policy name] [-count n]:
  Build an in-process demo heap, allocate n linked objects, and print
  the header of every object Heap.Inspect visits.
`
}

func (c *inspectCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.policy, "policy", "marksweep", "collector policy: semispace, marksweep, immix, minimark")
	f.IntVar(&c.count, "count", 16, "number of demo objects to allocate")
}

func (c *inspectCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	h, err := newDemoHeap(c.policy)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}

	head, detach := populateDemoHeap(h, c.count)
	defer detach()

	n := 0
	h.Inspect(func(hdr *header.ObjectHeader) {
		n++
		fmt.Printf("#%-4d type=%#x size=%d mark=%v forwarded=%v\n",
			n, hdr.TypeID(), hdr.SizeBytes(), hdr.Mark(), hdr.Forwarded())
	})
	fmt.Printf("%d header(s) visited (chain head kept via %#x)\n", n, head)
	return subcommands.ExitSuccess
}
