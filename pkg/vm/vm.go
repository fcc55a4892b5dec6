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

// Package vm implements the supervisor page-table walk/translate
// helper shared by the fault resolver (C5) and the enclave builder
// (C7), and the VirtMemArea parameter bundle. The three-level layout
// mirrors Sv39 (VPN[2], VPN[1], VPN[0], each a 512-entry,
// 8-byte-per-entry table).
package vm

import (
	"fmt"

	"github.com/lattice-sm/monitor/pkg/pagesize"
	"github.com/lattice-sm/monitor/pkg/pma"
	"github.com/lattice-sm/monitor/pkg/physmem"
	"github.com/lattice-sm/monitor/pkg/smerr"
)

// SatpMode is the translation mode selected by satp.mode.
type SatpMode uint8

const (
	Bare SatpMode = iota
	Sv39
	Sv48
)

const (
	entriesPerTable = 512
	entrySize       = 8
	sv39Levels      = 3
	sv48Levels      = 4
	vpnBits         = 9
)

// PTE is one page-table entry: a physical page number plus permission
// and valid bits.
type PTE struct {
	PPN    uintptr
	Perm   pma.Permission
	Valid  bool
	IsLeaf bool
}

func (p PTE) encode() uint64 {
	v := uint64(p.PPN) << 12
	if p.Valid {
		v |= 1
	}
	if p.IsLeaf {
		v |= 1 << 1
		v |= uint64(p.Perm) << 2
	}
	return v
}

func decodePTE(v uint64) PTE {
	perm := pma.Permission((v >> 2) & 0x7)
	isLeaf := v&(1<<1) != 0
	return PTE{
		PPN:    uintptr(v >> 12),
		Perm:   perm,
		Valid:  v&1 != 0,
		IsLeaf: isLeaf,
	}
}

// PageTable is a simulated Sv39/Sv48 page table backed by a physmem
// arena. Root is the physical address of the top-level table.
type PageTable struct {
	arena *physmem.Arena
	Root  uintptr
	Mode  SatpMode
}

// New creates a page table whose root frame is root, already zeroed
// by the caller's allocator.
func New(arena *physmem.Arena, root uintptr, mode SatpMode) *PageTable {
	return &PageTable{arena: arena, Root: root, Mode: mode}
}

func (pt *PageTable) levels() int {
	if pt.Mode == Sv48 {
		return sv48Levels
	}
	return sv39Levels
}

func vpn(vaddr uintptr, level, levels int) uintptr {
	bitShift := 12 + uint(levels-1-level)*vpnBits
	return (vaddr >> bitShift) & (entriesPerTable - 1)
}

// Map installs a single-page leaf mapping for vaddr -> paddr with the
// given permission, allocating any missing intermediate tables via
// allocFrame (a one-shot bump allocator over the builder's "unused"
// region).
func (pt *PageTable) Map(vaddr, paddr uintptr, perm pma.Permission, allocFrame func() (uintptr, error)) error {
	if !pagesize.IsAligned(vaddr) || !pagesize.IsAligned(paddr) {
		return fmt.Errorf("vm: Map requires page-aligned addresses, got vaddr=%#x paddr=%#x", vaddr, paddr)
	}
	table := pt.Root
	levels := pt.levels()
	for level := 0; level < levels-1; level++ {
		idx := vpn(vaddr, level, levels)
		entryAddr := table + idx*entrySize
		raw := pt.arena.ReadUint64(entryAddr)
		pte := decodePTE(raw)
		if !pte.Valid {
			frame, err := allocFrame()
			if err != nil {
				return fmt.Errorf("vm: allocating page table frame: %w", err)
			}
			pte = PTE{PPN: frame >> 12, Valid: true}
			pt.arena.WriteUint64(entryAddr, pte.encode())
		}
		table = pte.PPN << 12
	}
	idx := vpn(vaddr, levels-1, levels)
	entryAddr := table + idx*entrySize
	leaf := PTE{PPN: paddr >> 12, Valid: true, IsLeaf: true, Perm: perm}
	pt.arena.WriteUint64(entryAddr, leaf.encode())
	return nil
}

// WalkResult is the outcome of translating one virtual address:
// every intermediate page-table frame touched, plus the final leaf
// physical address and its permission.
type WalkResult struct {
	// Frames holds the physical address of every page-table frame
	// visited during the walk, in root-to-leaf order.
	Frames []uintptr

	// Leaf is the final physical address vaddr translates to.
	Leaf uintptr

	// Perm is the permission recorded in the leaf PTE.
	Perm pma.Permission
}

// Translate walks vaddr through the page table, collecting every
// page-table-walk intermediate frame plus the final leaf physical
// address. It returns smerr.ErrInvalidAddress (via smerr.WithAddr) if
// any level is not present.
func (pt *PageTable) Translate(vaddr uintptr) (WalkResult, error) {
	table := pt.Root
	levels := pt.levels()
	var frames []uintptr
	for level := 0; level < levels-1; level++ {
		frames = append(frames, table)
		idx := vpn(vaddr, level, levels)
		entryAddr := table + idx*entrySize
		raw := pt.arena.ReadUint64(entryAddr)
		pte := decodePTE(raw)
		if !pte.Valid {
			return WalkResult{}, smerr.WithAddr(vaddr)
		}
		table = pte.PPN << 12
	}
	frames = append(frames, table)
	idx := vpn(vaddr, levels-1, levels)
	entryAddr := table + idx*entrySize
	raw := pt.arena.ReadUint64(entryAddr)
	leaf := decodePTE(raw)
	if !leaf.Valid {
		return WalkResult{}, smerr.WithAddr(vaddr)
	}
	offset := vaddr & uintptr(pagesize.Mask)
	return WalkResult{
		Frames: frames,
		Leaf:   (leaf.PPN << 12) | offset,
		Perm:   leaf.Perm,
	}, nil
}

// Area is the [start,start+size) description of a half-open virtual
// range. TranslateRange takes a VMA, not an Area.
type Area struct {
	Start uintptr
	Size  uintptr
}

// TranslateRange walks every page of vma through pt, used by
// UpdateLedgerByVMA to translate a virtual range through the supplied
// page table.
func (pt *PageTable) TranslateRange(vma VMA) ([]WalkResult, error) {
	if vma.SatpMode == Bare {
		return nil, fmt.Errorf("vm: TranslateRange called on a Bare-mode VMA")
	}
	var out []WalkResult
	start := pagesize.Align(vma.Start)
	end := pagesize.AlignUp(vma.Start + vma.Size)
	for v := start; v < end; v += pagesize.Size {
		r, err := pt.Translate(v)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// UpdateLedgerByVMA is pma.Ledger's update_by_vma operation: it walks
// every page of vma through pt and calls ledger.InsertPage for each,
// under the ledger's writer lock. It lives
// here, not in package pma, because it needs the page-table walk this
// package provides; pma stays free of any vm dependency.
func UpdateLedgerByVMA(ledger *pma.Ledger, pt *PageTable, vma VMA, prop pma.Prop) error {
	if vma.SatpMode == Bare {
		ledger.Lock()
		defer ledger.Unlock()
		start := pagesize.Align(vma.Start)
		end := pagesize.AlignUp(vma.Start + vma.Size)
		for v := start; v < end; v += pagesize.Size {
			if _, err := ledger.InsertPage(v, prop); err != nil {
				return err
			}
		}
		return nil
	}
	results, err := pt.TranslateRange(vma)
	if err != nil {
		return err
	}
	ledger.Lock()
	defer ledger.Unlock()
	for _, r := range results {
		if _, err := ledger.InsertPage(r.Leaf, prop); err != nil {
			return err
		}
	}
	return nil
}

// VMA is the virtual-memory-area parameter bundle: used only to pass
// mapping requests around, never persisted.
type VMA struct {
	Start    uintptr
	Size     uintptr
	Flags    pma.Permission
	SatpMode SatpMode
	PT       *PageTable
}

// End returns Start+Size.
func (v VMA) End() uintptr { return v.Start + v.Size }
