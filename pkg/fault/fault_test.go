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
	"errors"
	"testing"

	"github.com/lattice-sm/monitor/pkg/hart"
	"github.com/lattice-sm/monitor/pkg/pagesize"
	"github.com/lattice-sm/monitor/pkg/pma"
	"github.com/lattice-sm/monitor/pkg/pmp"
	"github.com/lattice-sm/monitor/pkg/smerr"
	"github.com/lattice-sm/monitor/pkg/vm"
)

// TestResolveBareHostLoad exercises a normal-world load to HOST-owned
// memory in Bare mode: it should be admitted.
func TestResolveBareHostLoad(t *testing.T) {
	ledger := pma.NewWithMutex(1<<32, pma.Host, pma.RWX)
	r := New(ledger, 16, PolicyForward)
	var h hart.State

	ok, err := r.Resolve(FaultInfo{MEPC: 0x20000000, MTval: 0x20000000, SatpMode: vm.Bare}, &h, pma.Host)
	if err != nil || !ok {
		t.Fatalf("Resolve() = %v, %v; want true, nil", ok, err)
	}
	if len(h.InstalledPMP) == 0 {
		t.Fatal("no PMP entries installed after successful resolve")
	}
	perm, covered := pmp.Covers(entriesFromAreas(h.InstalledPMP), 0x20000000)
	if !covered {
		t.Fatal("0x20000000 not covered by installed PMP after resolve")
	}
	if perm&pma.PermRead == 0 {
		t.Errorf("installed permission = %v, want it to include read", perm)
	}
}

// TestResolveBareEnclaveForbidden is scenario S3: an enclave accessing
// host-owned memory must be refused.
func TestResolveBareEnclaveForbidden(t *testing.T) {
	ledger := pma.NewWithMutex(1<<32, pma.Host, pma.RWX)
	r := New(ledger, 16, PolicyForward)
	var h hart.State

	ok, err := r.Resolve(FaultInfo{MEPC: 0x20000000, MTval: 0x20000000, SatpMode: vm.Bare}, &h, pma.EnclaveID(1))
	if ok {
		t.Fatal("Resolve() admitted an access the enclave does not own")
	}
	if !errors.Is(err, smerr.ErrOwnershipViolation) {
		t.Errorf("err = %v, want ErrOwnershipViolation", err)
	}
}

func TestResolveEveryoneOwnerAdmitted(t *testing.T) {
	ledger := pma.NewWithMutex(1<<20, pma.Host, pma.RWX)
	ledger.Lock()
	if _, err := ledger.Insert(pma.Area{Start: 0x1000, End: 0x2000, Prop: pma.NewProp(pma.Everyone, pma.RWX)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	ledger.Unlock()

	r := New(ledger, 16, PolicyForward)
	var h hart.State
	ok, err := r.Resolve(FaultInfo{MEPC: 0x1500, MTval: 0x1500, SatpMode: vm.Bare}, &h, pma.EnclaveID(99))
	if err != nil || !ok {
		t.Fatalf("Resolve() = %v, %v; want true, nil (EVERYONE-owned memory is admitted to any context)", ok, err)
	}
}

func TestResolvePanicsInDebugPolicy(t *testing.T) {
	ledger := pma.NewWithMutex(1<<20, pma.Host, pma.RWX)
	r := New(ledger, 16, PolicyPanic)
	var h hart.State
	defer func() {
		if recover() == nil {
			t.Error("PolicyPanic did not panic on ownership violation")
		}
	}()
	r.Resolve(FaultInfo{MEPC: 0x1000, MTval: 0x1000, SatpMode: vm.Bare}, &h, pma.EnclaveID(1))
}

func TestResolveTranslated(t *testing.T) {
	arenaSize := 64 * pagesize.Size
	ledger := pma.NewWithMutex(uintptr(0xA0000000), pma.Host, pma.RWX)
	ptArena := newArena(t, 0x90000000, arenaSize)
	alloc := frameAllocator(ptArena)
	root, err := alloc()
	if err != nil {
		t.Fatalf("alloc root: %v", err)
	}
	pt := vm.New(ptArena, root, vm.Sv39)

	paddr, err := alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	const vaddr = 0x5000
	if err := pt.Map(vaddr, paddr, pma.PermRead, alloc); err != nil {
		t.Fatalf("Map: %v", err)
	}

	r := New(ledger, 16, PolicyForward)
	var h hart.State
	ok, err := r.Resolve(FaultInfo{MEPC: vaddr, MTval: vaddr, SatpMode: vm.Sv39, PT: pt}, &h, pma.Host)
	if err != nil || !ok {
		t.Fatalf("Resolve() = %v, %v; want true, nil", ok, err)
	}
}

func entriesFromAreas(areas []pma.Area) []pmp.Status {
	out := make([]pmp.Status, len(areas))
	for i, a := range areas {
		out[i] = pmp.Status{Start: a.Start, End: a.End, Mode: pmp.NAPOT, Permission: a.Prop.Perm()}
	}
	return out
}
