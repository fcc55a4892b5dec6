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

// Package monitor wires every other package into a running secure
// monitor: one PMA ledger, one hart cluster, the enclave manager and
// builder, the ecall dispatch table, and the fault resolver, behind a
// single trap.Proxy. It also runs the cold- and warm-hart init
// sequences.
package monitor

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lattice-sm/monitor/pkg/boardcfg"
	"github.com/lattice-sm/monitor/pkg/ecall"
	"github.com/lattice-sm/monitor/pkg/enclave"
	"github.com/lattice-sm/monitor/pkg/fault"
	"github.com/lattice-sm/monitor/pkg/hart"
	"github.com/lattice-sm/monitor/pkg/physmem"
	"github.com/lattice-sm/monitor/pkg/pma"
	"github.com/lattice-sm/monitor/pkg/sbi"
	"github.com/lattice-sm/monitor/pkg/trap"
	"github.com/lattice-sm/monitor/pkg/vm"
)

var log = logrus.WithField("subsys", "monitor")

// pmpBudget is the number of hardware PMP entries this monitor
// schedules against, matching a typical 16-entry RISC-V PMP
// implementation.
const pmpBudget = 16

// Reservation describes one M-only region the cold-boot sequence
// carves out of the address space before handing control to the
// supervisor: the SBI region, the SM heap, and the SM read/write
// region.
type Reservation struct {
	Name  string
	Start uintptr
	Size  uintptr
}

// Monitor is the fully wired runtime: every collaborator other
// packages need, reachable from one place the way a real monitor's
// global state would be.
type Monitor struct {
	Board    *boardcfg.Board
	Ledger   *pma.Ledger
	Arena    *physmem.Arena
	Harts    *hart.Cluster
	Manager  *enclave.Manager
	Builder  *enclave.Builder
	Ecall    *ecall.Table
	Fault    *fault.Resolver
	Redirect *sbi.Redirect
	Proxy    *trap.Proxy
}

// New builds a Monitor from board configuration and a physical memory
// arena spanning the board's full memory map. hostPT resolves a
// hart's current host page table for translating ecall pointer
// arguments (pkg/ecall.HostPageTable); pass a function that always
// returns (nil, vm.Bare) for an identity-mapped host.
func New(board *boardcfg.Board, arena *physmem.Arena, hostPT ecall.HostPageTable, policy fault.ViolationPolicy) (*Monitor, error) {
	harts, err := hart.NewCluster(board.HartCount, uintptr(board.ClintBase))
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}

	ledger := pma.NewWithMutex(uintptr(ledgerExtent(board)), pma.Host, pma.RWX)
	mgr := enclave.NewManager()
	dev := enclave.Device{
		UartStart:         uintptr(board.UartBase),
		UartSize:          uintptr(board.UartSize),
		TimebaseFrequency: board.TimebaseFrequency,
	}
	builder := enclave.NewBuilder(ledger, harts, arena, mgr, dev)
	resolver := fault.New(ledger, pmpBudget, policy)

	table := &ecall.Table{
		Builder: builder,
		Manager: mgr,
		Harts:   harts,
		Arena:   arena,
		HostPT:  hostPT,
	}

	redirect := &sbi.Redirect{}
	proxy := &trap.Proxy{
		Ecall: table.Dispatch,
		Fault: func(frame *sbi.TrapFrame, hartID int) bool {
			h := harts.Hart(hartID)
			var pt *vm.PageTable
			var inEnclave *enclave.Enclave
			mode := vm.Bare
			who := pma.Host
			if h.InEnclave() {
				if e, ok := mgr.ByMetaAddr(h.PrivEnclave); ok {
					pt, mode, who, inEnclave = e.PT, vm.Sv39, e.ID, e
				}
			} else if hostPT != nil {
				pt, mode = hostPT(hartID)
			}
			ok, err := resolver.Resolve(fault.FaultInfo{
				MEPC:     uintptr(frame.MEPC),
				MTval:    uintptr(frame.MTval),
				SatpMode: mode,
				PT:       pt,
			}, h, who)
			if inEnclave != nil {
				inEnclave.PmpFaultRecord.Total++
				inEnclave.PmpFaultRecord.LastAddr = uintptr(frame.MTval)
			}
			if err != nil {
				log.WithError(err).WithField("hart", hartID).Warn("fault resolution failed")
			}
			return ok
		},
		PendingOps: func(hartID int) {
			h := harts.Hart(hartID)
			h.TakeMSI(func() { cleanPMP(h) })
		},
		Redirect: redirect,
	}

	return &Monitor{
		Board:    board,
		Ledger:   ledger,
		Arena:    arena,
		Harts:    harts,
		Manager:  mgr,
		Builder:  builder,
		Ecall:    table,
		Fault:    resolver,
		Redirect: redirect,
		Proxy:    proxy,
	}, nil
}

// ledgerExtent returns the highest address any configured memory
// region reaches, so the PMA ledger (which always covers [0, extent))
// includes every physical region the board describes even when, as on
// real hardware, those regions sit well above address 0.
func ledgerExtent(board *boardcfg.Board) uint64 {
	var extent uint64
	for _, r := range board.Memory {
		if end := r.Start + r.Size; end > extent {
			extent = end
		}
	}
	return extent
}

// ColdBoot runs the cold-hart sequence: it carves out the
// reservations as M-only ledger entries, installs the SBI redirect,
// and leaves the ledger otherwise HOST RWX. sbiTrap is the underlying
// firmware's trap handler, the target of the patched redirect.
func (m *Monitor) ColdBoot(reservations []Reservation, sbiTrap func(*sbi.TrapFrame)) error {
	m.Ledger.Lock()
	for _, r := range reservations {
		if _, err := m.Ledger.Insert(pma.Area{
			Start: r.Start,
			End:   r.Start + r.Size,
			Prop:  pma.NewProp(pma.Host, pma.None),
		}); err != nil {
			m.Ledger.Unlock()
			return fmt.Errorf("monitor: reserving %s: %w", r.Name, err)
		}
	}
	m.Ledger.Unlock()

	m.Redirect.Install(sbiTrap)
	log.WithField("reservations", len(reservations)).Info("cold boot complete")
	return nil
}

// WarmBoot runs the warm-hart sequence: clear any stale PMP
// configuration so the hart starts with nothing accessible until the
// fault resolver admits something.
func (m *Monitor) WarmBoot(hartID int) error {
	h := m.Harts.Hart(hartID)
	if h == nil {
		return fmt.Errorf("monitor: no such hart %d", hartID)
	}
	h.InstalledPMP = nil
	h.HostPMPCache = nil
	return nil
}

// cleanPMP is the per-hart callback pkg/hart's cross-hart
// synchronization primitive invokes: it simply discards the hart's
// cached PMP configuration, forcing the next fault to reprogram it
// from the ledger's current (now possibly updated) contents.
func cleanPMP(h *hart.State) {
	h.InstalledPMP = nil
}
