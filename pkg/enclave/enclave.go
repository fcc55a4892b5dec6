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

// Package enclave implements the enclave data model (C6) and the
// enclave builder/lifecycle (C7): creation, launch, pause/resume, and
// destruction of user and service enclaves.
//
// Enclave metadata conceptually lives in the enclave's own first page
// with embedded list pointers, identified by its own physical address
// (an "arena-by-identity" scheme). This package keeps that identity
// (Enclave.MetaAddr is the physical address of the metadata frame and
// is never reused while the enclave lives) but represents the
// per-kind lists as ordinary Go slices inside Manager rather than as
// intrusive pointers threaded through the frame itself — idiomatic Go
// has no equivalent of an embedded-pointer list, and a slice gives the
// same "all enclaves of a kind form an ordered list" semantics without
// unsafe pointer arithmetic.
package enclave

import (
	"fmt"
	"sync"

	"github.com/lattice-sm/monitor/pkg/pma"
	"github.com/lattice-sm/monitor/pkg/vm"
)

// Kind is the enclave type enum.
type Kind int

const (
	KindNone Kind = iota
	KindUser
	KindService
	KindDriver
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindService:
		return "service"
	case KindDriver:
		return "driver"
	default:
		return "none"
	}
}

// RegContext is the saved host-or-enclave supervisor+trap register
// snapshot: full integer file plus supervisor CSR snapshot (stvec,
// satp, sstatus, sscratch, sip, sie, sepc, scause, stval).
type RegContext struct {
	X        [32]uint64
	Stvec    uint64
	Satp     uint64
	Sstatus  uint64
	Sscratch uint64
	Sip      uint64
	Sie      uint64
	Sepc     uint64
	Scause   uint64
	Stval    uint64
}

// FaultRecord is the pmp_fault_record counters.
type FaultRecord struct {
	Total    uint64
	LastAddr uintptr
}

// Enclave is the per-enclave metadata record, conceptually resident
// in the first page of the enclave's owned memory in the real
// monitor; here it is a plain Go value reachable through Manager.
type Enclave struct {
	ID   pma.EnclaveID
	Kind Kind

	// MetaAddr is the physical address of the enclave's metadata
	// frame — its identity, and the frame the ledger marks
	// permission-NONE for every non-M context (the "metadata opacity"
	// invariant).
	MetaAddr uintptr

	// NwVMA is the virtual address range the enclave occupies in the
	// host's address space.
	NwVMA vm.VMA

	// NwCtx is the saved host context, valid while the enclave is
	// running or paused.
	NwCtx RegContext

	// EncCtx is the saved enclave context while paused. Only
	// meaningful for KindUser.
	EncCtx RegContext

	// TP is the trampoline virtual address, identical in both host
	// and enclave address spaces.
	TP uintptr

	PmpFaultRecord FaultRecord

	// PT is the enclave's private page table, built by Create.
	PT *vm.PageTable

	// Satp, SP, and BootArgsAddr are written into the metadata header
	// at create time. The LAUNCH ecall handler in pkg/ecall loads SP
	// and BootArgsAddr into the trap frame; Launch itself reads none
	// of them.
	Satp         uintptr
	SP           uintptr
	BootArgsAddr uintptr

	// EnclavePMPCache restores the enclave's own PMP config quickly on
	// Resume (the mirror of hart.State.HostPMPCache).
	EnclavePMPCache []pma.Area

	// Bin is the physical range the enclave's binary was loaded into,
	// kept around so cmd/smctl's inspect command can print a content
	// hash of it without re-deriving the range from the page table.
	Bin PhysRange
}

// Manager owns the id generator and the three per-kind lists: an
// enclave manager keyed by kind, plus the id generator.
type Manager struct {
	mu     sync.Mutex
	nextID pma.EnclaveID
	byID   map[pma.EnclaveID]*Enclave
	byKind map[Kind][]*Enclave
}

// NewManager creates an empty manager whose id generator starts at
// pma.FirstEnclaveID.
func NewManager() *Manager {
	return &Manager{
		nextID: pma.FirstEnclaveID,
		byID:   make(map[pma.EnclaveID]*Enclave),
		byKind: make(map[Kind][]*Enclave),
	}
}

// allocID returns a fresh, monotonically increasing id.
func (m *Manager) allocID() pma.EnclaveID {
	id := m.nextID
	m.nextID++
	return id
}

// add registers e under its kind's list and the by-id map.
func (m *Manager) add(e *Enclave) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[e.ID] = e
	m.byKind[e.Kind] = append(m.byKind[e.Kind], e)
}

// Restore re-registers an Enclave value reconstructed from a saved
// snapshot (cmd/smctl persists enclave metadata across process
// invocations since the CLI has no long-running daemon). The id
// generator is advanced past e.ID so freshly created enclaves in the
// same process never collide with a restored one.
func (m *Manager) Restore(e *Enclave) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[e.ID] = e
	m.byKind[e.Kind] = append(m.byKind[e.Kind], e)
	if e.ID >= m.nextID {
		m.nextID = e.ID + 1
	}
}

// Get returns the enclave with the given id, or (nil, false).
func (m *Manager) Get(id pma.EnclaveID) (*Enclave, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	return e, ok
}

// ByKind returns a snapshot of every enclave of kind k, in creation
// order.
func (m *Manager) ByKind(k Kind) []*Enclave {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Enclave, len(m.byKind[k]))
	copy(out, m.byKind[k])
	return out
}

// ByMetaAddr finds the enclave whose metadata frame identity is addr,
// the lookup hart.State.PrivEnclave needs to go from "the enclave
// currently bound to this hart" back to an *Enclave, under the
// arena-by-identity scheme: the metadata frame's physical address is
// the enclave's identity.
func (m *Manager) ByMetaAddr(addr uintptr) (*Enclave, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byID {
		if e.MetaAddr == addr {
			return e, true
		}
	}
	return nil, false
}

// remove unlinks id from both the by-id map and its kind's list.
func (m *Manager) remove(id pma.EnclaveID) (*Enclave, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("enclave: no such id %d", id)
	}
	delete(m.byID, id)
	list := m.byKind[e.Kind]
	for i, c := range list {
		if c == e {
			m.byKind[e.Kind] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return e, nil
}
