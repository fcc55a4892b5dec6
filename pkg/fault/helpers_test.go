// Copyright 2019 The gVisor Authors.
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

package fault

import (
	"testing"

	"github.com/lattice-sm/monitor/pkg/pagesize"
	"github.com/lattice-sm/monitor/pkg/physmem"
)

func newArena(t *testing.T, base uintptr, size int) *physmem.Arena {
	t.Helper()
	a, err := physmem.New(base, uintptr(size))
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func frameAllocator(a *physmem.Arena) func() (uintptr, error) {
	next := a.Base()
	return func() (uintptr, error) {
		f := next
		next += pagesize.Size
		return f, nil
	}
}

func allocRoot(t *testing.T, a *physmem.Arena) uintptr {
	t.Helper()
	alloc := frameAllocator(a)
	root, err := alloc()
	if err != nil {
		t.Fatalf("alloc root: %v", err)
	}
	return root
}
