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

package monitor

import (
	"testing"

	"github.com/lattice-sm/monitor/pkg/boardcfg"
	"github.com/lattice-sm/monitor/pkg/fault"
	"github.com/lattice-sm/monitor/pkg/pagesize"
	"github.com/lattice-sm/monitor/pkg/physmem"
	"github.com/lattice-sm/monitor/pkg/pma"
	"github.com/lattice-sm/monitor/pkg/sbi"
	"github.com/lattice-sm/monitor/pkg/trap"
	"github.com/lattice-sm/monitor/pkg/vm"
)

const sampleBoard = `
hart_count = 2
timebase_frequency = 10000000
clint_base = 0x2000000
clint_size = 0x10000
uart_base = 0x10000000
uart_size = 0x1000

[[memory]]
name = "ram"
start = 0x80000000
size = 0x10000000
`

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	board, err := boardcfg.Load(sampleBoard)
	if err != nil {
		t.Fatalf("boardcfg.Load: %v", err)
	}
	arena, err := physmem.New(uintptr(board.Memory[0].Start), uintptr(board.Memory[0].Size))
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	hostPT := func(int) (*vm.PageTable, vm.SatpMode) { return nil, vm.Bare }
	m, err := New(board, arena, hostPT, fault.PolicyForward)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestColdBootReservesMOnlyRegions(t *testing.T) {
	m := newTestMonitor(t)
	sbiBase := uintptr(m.Board.Memory[0].Start)
	reservations := []Reservation{
		{Name: "sbi", Start: sbiBase, Size: 2 * pagesize.Size},
		{Name: "sm-heap", Start: sbiBase + 2*pagesize.Size, Size: 4 * pagesize.Size},
	}
	called := false
	if err := m.ColdBoot(reservations, func(*sbi.TrapFrame) { called = true }); err != nil {
		t.Fatalf("ColdBoot: %v", err)
	}
	if !m.Redirect.Installed() {
		t.Fatal("redirect not installed after ColdBoot")
	}

	m.Ledger.RLock()
	area := m.Ledger.Lookup(sbiBase)
	m.Ledger.RUnlock()
	if area.Prop.Perm() != 0 {
		t.Errorf("sbi region perm = %v, want none", area.Prop.Perm())
	}

	frame := &sbi.TrapFrame{}
	if err := m.Redirect.Continue(frame); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if !called {
		t.Error("installed sbi handler was not invoked")
	}
}

func TestWarmBootClearsPMP(t *testing.T) {
	m := newTestMonitor(t)
	h := m.Harts.Hart(0)
	h.InstalledPMP = []pma.Area{{Start: 0, End: pagesize.Size}}
	if err := m.WarmBoot(0); err != nil {
		t.Fatalf("WarmBoot: %v", err)
	}
	if h.InstalledPMP != nil {
		t.Error("InstalledPMP not cleared by WarmBoot")
	}
}

func TestProxyResolvesHostFaultThenAdmitsEcall(t *testing.T) {
	m := newTestMonitor(t)

	// A normal-world load fault on host memory should be admitted via
	// the wired fault resolver.
	frame := &sbi.TrapFrame{MEPC: uintptr64(m.Board.Memory[0].Start) + 0x1000, MTval: uintptr64(m.Board.Memory[0].Start) + 0x1000}
	disp := m.Proxy.Handle(trap.CauseLoadAccessFault, frame, 0)
	if disp != trap.DispReturn {
		t.Fatalf("Handle(LoadAccessFault) = %v, want DispReturn", disp)
	}

	// An HTEE ecall with an unknown function id continues to SBI.
	sbiCalled := false
	m.Redirect.Install(func(*sbi.TrapFrame) { sbiCalled = true })
	ecallFrame := &sbi.TrapFrame{}
	ecallFrame.X[trap.RegA7] = trap.HteeExtID
	ecallFrame.X[trap.RegA6] = 0xdead
	disp = m.Proxy.Handle(trap.CauseSupervisorEnvCall, ecallFrame, 0)
	if disp != trap.DispContinue {
		t.Fatalf("Handle(unknown func) = %v, want DispContinue", disp)
	}
	if !sbiCalled {
		t.Error("sbi handler not invoked for unsupported ecall function")
	}
}

func uintptr64(v uint64) uintptr { return uintptr(v) }
