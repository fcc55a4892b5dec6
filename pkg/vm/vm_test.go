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

package vm

import (
	"errors"
	"testing"

	"github.com/lattice-sm/monitor/pkg/pagesize"
	"github.com/lattice-sm/monitor/pkg/pma"
	"github.com/lattice-sm/monitor/pkg/physmem"
	"github.com/lattice-sm/monitor/pkg/smerr"
)

func newTestPageTable(t *testing.T) (*PageTable, *physmem.Arena, func() (uintptr, error)) {
	t.Helper()
	arena, err := physmem.New(0x90000000, 64*pagesize.Size)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	next := arena.Base()
	alloc := func() (uintptr, error) {
		f := next
		next += pagesize.Size
		if next > arena.End() {
			t.Fatal("ran out of simulated frames")
		}
		return f, nil
	}
	root, err := alloc()
	if err != nil {
		t.Fatalf("alloc root: %v", err)
	}
	pt := New(arena, root, Sv39)
	return pt, arena, alloc
}

func TestMapAndTranslate(t *testing.T) {
	pt, _, alloc := newTestPageTable(t)
	const vaddr = 0x1000
	paddr, err := alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := pt.Map(vaddr, paddr, pma.RWX, alloc); err != nil {
		t.Fatalf("Map: %v", err)
	}
	res, err := pt.Translate(vaddr + 0x10)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if res.Leaf != paddr+0x10 {
		t.Errorf("Leaf = %#x, want %#x", res.Leaf, paddr+0x10)
	}
	if res.Perm != pma.RWX {
		t.Errorf("Perm = %v, want RWX", res.Perm)
	}
	if len(res.Frames) != sv39Levels {
		t.Errorf("len(Frames) = %d, want %d", len(res.Frames), sv39Levels)
	}
}

func TestTranslateUnmappedFails(t *testing.T) {
	pt, _, _ := newTestPageTable(t)
	_, err := pt.Translate(0xdeadb000)
	if !errors.Is(err, smerr.ErrInvalidAddress) {
		t.Errorf("Translate(unmapped) err = %v, want ErrInvalidAddress", err)
	}
}

func TestUpdateLedgerByVMABare(t *testing.T) {
	ledger := pma.NewWithMutex(0x10000, pma.Host, pma.RWX)
	vma := VMA{Start: 0x1000, Size: pagesize.Size, SatpMode: Bare}
	if err := UpdateLedgerByVMA(ledger, nil, vma, pma.NewProp(5, pma.PermRead)); err != nil {
		t.Fatalf("UpdateLedgerByVMA: %v", err)
	}
	got := ledger.LookupLocked(0x1000)
	if got.Prop.Owner() != 5 {
		t.Errorf("owner = %d, want 5", got.Prop.Owner())
	}
}

func TestTranslateRange(t *testing.T) {
	pt, _, alloc := newTestPageTable(t)
	base := uintptr(0x2000)
	var phys []uintptr
	for i := 0; i < 3; i++ {
		p, err := alloc()
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		phys = append(phys, p)
		if err := pt.Map(base+uintptr(i)*pagesize.Size, p, pma.PermRead, alloc); err != nil {
			t.Fatalf("Map: %v", err)
		}
	}
	results, err := pt.TranslateRange(VMA{Start: base, Size: 3 * pagesize.Size, SatpMode: Sv39, PT: pt})
	if err != nil {
		t.Fatalf("TranslateRange: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for i, r := range results {
		if r.Leaf != phys[i] {
			t.Errorf("results[%d].Leaf = %#x, want %#x", i, r.Leaf, phys[i])
		}
	}
}
