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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lattice-sm/monitor/pkg/enclave"
	"github.com/lattice-sm/monitor/pkg/monitor"
	"github.com/lattice-sm/monitor/pkg/pma"
	"github.com/lattice-sm/monitor/pkg/vm"
)

// snapshot is the on-disk form of everything pkg/monitor keeps in Go
// memory and that the simulated RAM image does not already carry:
// ledger ownership, the enclave manager's records, and each hart's PMP
// binding. smctl has no long-running daemon, so one subcommand
// invocation's state has to be handed to the next one this way —
// the same role a hypervisor's separate "vmstate" file plays next to
// its raw guest-memory image.
type snapshot struct {
	Ledger   []areaJSON    `json:"ledger"`
	Enclaves []enclaveJSON `json:"enclaves"`
	Harts    []hartJSON    `json:"harts"`
}

type areaJSON struct {
	Start uintptr `json:"start"`
	End   uintptr `json:"end"`
	Owner uint64  `json:"owner"`
	Perm  uint8   `json:"perm"`
}

type enclaveJSON struct {
	ID           uint64             `json:"id"`
	Kind         int                `json:"kind"`
	MetaAddr     uintptr            `json:"meta_addr"`
	VMAStart     uintptr            `json:"vma_start"`
	VMASize      uintptr            `json:"vma_size"`
	TP           uintptr            `json:"tp"`
	Satp         uintptr            `json:"satp"`
	SP           uintptr            `json:"sp"`
	BootArgsAddr uintptr            `json:"bootargs_addr"`
	NwCtx        enclave.RegContext `json:"nw_ctx"`
	EncCtx       enclave.RegContext `json:"enc_ctx"`
	FaultTotal   uint64             `json:"fault_total"`
	FaultLast    uintptr            `json:"fault_last_addr"`
}

type hartJSON struct {
	PrivEnclave  uintptr    `json:"priv_enclave"`
	InstalledPMP []areaJSON `json:"installed_pmp"`
}

func toAreaJSON(a pma.Area) areaJSON {
	return areaJSON{Start: a.Start, End: a.End, Owner: uint64(a.Prop.Owner()), Perm: uint8(a.Prop.Perm())}
}

func (a areaJSON) toArea() pma.Area {
	return pma.Area{Start: a.Start, End: a.End, Prop: pma.NewProp(pma.EnclaveID(a.Owner), pma.Permission(a.Perm))}
}

// loadSnapshot reads path if it exists and replays it into m: ledger
// areas are re-inserted over m's freshly-initialized whole-space HOST
// RWX entry, enclaves are reconstructed (including a fresh PageTable
// view over the shared arena, rebuilt from the saved satp root) and
// registered with m.Manager, and each hart's PMP binding is restored.
// A missing file means "nothing booted yet" and is not an error.
func loadSnapshot(path string, m *monitor.Monitor) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("smctl: reading state %s: %w", path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("smctl: decoding state %s: %w", path, err)
	}

	m.Ledger.Lock()
	for _, a := range snap.Ledger {
		if _, err := m.Ledger.Insert(a.toArea()); err != nil {
			m.Ledger.Unlock()
			return fmt.Errorf("smctl: restoring ledger area %#x-%#x: %w", a.Start, a.End, err)
		}
	}
	m.Ledger.Unlock()

	for _, ej := range snap.Enclaves {
		e := &enclave.Enclave{
			ID:           pma.EnclaveID(ej.ID),
			Kind:         enclave.Kind(ej.Kind),
			MetaAddr:     ej.MetaAddr,
			NwVMA:        vm.VMA{Start: ej.VMAStart, Size: ej.VMASize, Flags: pma.RWX, SatpMode: vm.Bare},
			NwCtx:        ej.NwCtx,
			EncCtx:       ej.EncCtx,
			TP:           ej.TP,
			PT:           vm.New(m.Arena, ej.Satp, vm.Sv39),
			Satp:         ej.Satp,
			SP:           ej.SP,
			BootArgsAddr: ej.BootArgsAddr,
		}
		e.PmpFaultRecord = enclave.FaultRecord{Total: ej.FaultTotal, LastAddr: ej.FaultLast}
		m.Manager.Restore(e)
	}

	for i, hj := range snap.Harts {
		h := m.Harts.Hart(i)
		if h == nil {
			continue
		}
		h.PrivEnclave = hj.PrivEnclave
		areas := make([]pma.Area, len(hj.InstalledPMP))
		for j, a := range hj.InstalledPMP {
			areas[j] = a.toArea()
		}
		h.InstalledPMP = areas
	}
	return nil
}

// saveSnapshot captures m's ledger, enclave manager, and per-hart PMP
// bindings to path, overwriting any previous state.
func saveSnapshot(path string, m *monitor.Monitor, hartCount int) error {
	snap := snapshot{}

	m.Ledger.RLock()
	for _, a := range m.Ledger.Areas() {
		snap.Ledger = append(snap.Ledger, toAreaJSON(a))
	}
	m.Ledger.RUnlock()

	for k := enclave.KindUser; k <= enclave.KindDriver; k++ {
		for _, e := range m.Manager.ByKind(k) {
			snap.Enclaves = append(snap.Enclaves, enclaveJSON{
				ID:           uint64(e.ID),
				Kind:         int(e.Kind),
				MetaAddr:     e.MetaAddr,
				VMAStart:     e.NwVMA.Start,
				VMASize:      e.NwVMA.Size,
				TP:           e.TP,
				Satp:         e.Satp,
				SP:           e.SP,
				BootArgsAddr: e.BootArgsAddr,
				NwCtx:        e.NwCtx,
				EncCtx:       e.EncCtx,
				FaultTotal:   e.PmpFaultRecord.Total,
				FaultLast:    e.PmpFaultRecord.LastAddr,
			})
		}
	}

	for i := 0; i < hartCount; i++ {
		h := m.Harts.Hart(i)
		hj := hartJSON{}
		if h != nil {
			hj.PrivEnclave = h.PrivEnclave
			for _, a := range h.InstalledPMP {
				hj.InstalledPMP = append(hj.InstalledPMP, toAreaJSON(a))
			}
		}
		snap.Harts = append(snap.Harts, hj)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("smctl: encoding state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("smctl: writing state %s: %w", path, err)
	}
	return nil
}
