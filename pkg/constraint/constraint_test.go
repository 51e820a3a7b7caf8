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

package constraint

import "testing"

func TestRunInvokesOnlyTheGivenPhaseInRegistrationOrder(t *testing.T) {
	var l List
	var order []string

	l.Add(BeforeMark, func() { order = append(order, "before1") })
	l.Add(AfterMark, func() { order = append(order, "after1") })
	l.Add(BeforeMark, func() { order = append(order, "before2") })

	l.Run(BeforeMark)
	want := []string{"before1", "before2"}
	if len(order) != len(want) {
		t.Fatalf("Run(BeforeMark) invoked %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Run(BeforeMark)[%d] = %q, want %q", i, order[i], want[i])
		}
	}

	order = nil
	l.Run(AfterMark)
	if len(order) != 1 || order[0] != "after1" {
		t.Fatalf("Run(AfterMark) = %v, want [after1]", order)
	}
}

func TestRunWithNothingRegisteredDoesNothing(t *testing.T) {
	var l List
	l.Run(BeforeMark)
	l.Run(AfterMark)
}
