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

package enclave

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lattice-sm/monitor/pkg/hart"
	"github.com/lattice-sm/monitor/pkg/pagesize"
	"github.com/lattice-sm/monitor/pkg/physmem"
	"github.com/lattice-sm/monitor/pkg/pma"
	"github.com/lattice-sm/monitor/pkg/smerr"
	"github.com/lattice-sm/monitor/pkg/vm"
)

var log = logrus.WithField("subsys", "enclave")

// Fixed enclave-private virtual layout constants: runtime at a fixed
// high address; binary at a fixed user-range start; share region
// adjacent to binary; boot-args page, trampoline, stack, bootargs.
const (
	RuntimeVA    = 0x7f0000000000
	BinaryVA     = 0x10000
	TrampolineVA = 0x7fffff000000
	StackTopVA   = 0x7ffffff00000
	BootArgsVA   = 0x7ffffff01000
	UartVA       = 0x7ffffff02000
)

// bootargsFieldCount*8 bytes make up the bootargs blob's fixed layout:
// mem.total_size, tp.addr, bin.start/bin.size, shared.enc_vaddr/
// shared.host_vaddr/shared.size, unmapped.head/unmapped.size,
// device.uart_start/device.uart_size/device.timebase_frequency.
const bootargsFieldCount = 12

// PhysRange is a physical [Start, Start+Size) range, the form the
// LueInfo fields take once resolved from the host's virtual addresses
// (the resolution itself — walking the host's page table — is the
// caller's job via pkg/vm.PageTable.Translate; LueInfo's fields arrive
// host-virtual, and pkg/ecall's readLueInfo performs that walk before
// calling Create).
type PhysRange struct {
	Start uintptr
	Size  uintptr
}

func (p PhysRange) end() uintptr { return p.Start + p.Size }

// LueInfo is the host-supplied create-enclave descriptor (the LueInfo
// blob), already resolved to physical ranges.
type LueInfo struct {
	Mem    PhysRange
	Rt     PhysRange
	Bin    PhysRange
	Shared PhysRange
	Unused PhysRange

	// SharedHostVA is the host-virtual address Shared was resolved
	// from, zero when Shared is unused. Create cannot recover this
	// from Shared.Start once the host's page table has translated it,
	// so the ecall dispatch wiring carries it through separately for
	// the bootargs blob's shared.host_vaddr field.
	SharedHostVA uintptr
}

// Device carries the two device-tree facts an enclave's bootargs blob
// forwards to its runtime: the UART MMIO range (also mapped into the
// enclave's own page table) and the CPU timebase, both read once from
// pkg/boardcfg at monitor construction time.
type Device struct {
	UartStart         uintptr
	UartSize          uintptr
	TimebaseFrequency uint64
}

// Builder owns the shared ledger, hart cluster, and physical memory
// arena every Create/Destroy call mutates.
type Builder struct {
	Ledger  *pma.Ledger
	Harts   *hart.Cluster
	Arena   *physmem.Arena
	Manager *Manager
	Budget  int
	Device  Device
}

// NewBuilder wires the collaborators C7 needs. dev is zero-valued by
// callers (such as tests) that have no UART or timebase to forward;
// Create then simply skips the UART mapping and leaves the bootargs
// device fields at zero.
func NewBuilder(ledger *pma.Ledger, harts *hart.Cluster, arena *physmem.Arena, mgr *Manager, dev Device) *Builder {
	return &Builder{Ledger: ledger, Harts: harts, Arena: arena, Manager: mgr, Budget: 16, Device: dev}
}

// bumpAllocator is the one-shot allocator over the Unused region used
// to build the enclave's page table and stack/bootargs pages.
type bumpAllocator struct {
	next uintptr
	end  uintptr
}

func (b *bumpAllocator) alloc() (uintptr, error) {
	if b.next+pagesize.Size > b.end {
		return 0, fmt.Errorf("enclave: unused region exhausted")
	}
	f := b.next
	b.next += pagesize.Size
	return f, nil
}

// CreateUser builds a new KindUser enclave from info, running the
// enclave-creation sequence end to end. callerHart is the hart
// executing the CREATE ecall, used for the local clean_pmp.
func (b *Builder) CreateUser(ctx context.Context, info LueInfo, callerHart int) (*Enclave, error) {
	return b.create(ctx, info, KindUser, callerHart)
}

// CreateService is CreateUser for KindService enclaves (LseInfo
// shares LueInfo's shape for this port).
func (b *Builder) CreateService(ctx context.Context, info LueInfo, callerHart int) (*Enclave, error) {
	return b.create(ctx, info, KindService, callerHart)
}

func (b *Builder) create(ctx context.Context, info LueInfo, kind Kind, callerHart int) (*Enclave, error) {
	if info.Mem.Size == 0 || info.Mem.Size < pagesize.Size {
		return nil, fmt.Errorf("enclave: mem region too small")
	}
	id := b.Manager.allocID()

	// Via C1, set mem to (id, rwx); first page to (id, none); shared
	// to (EVERYONE, rwx).
	b.Ledger.Lock()
	if _, err := b.Ledger.Insert(pma.Area{Start: info.Mem.Start, End: info.Mem.end(), Prop: pma.NewProp(id, pma.RWX)}); err != nil {
		b.Ledger.Unlock()
		return nil, err
	}
	if _, err := b.Ledger.Insert(pma.Area{Start: info.Mem.Start, End: info.Mem.Start + pagesize.Size, Prop: pma.NewProp(id, pma.None)}); err != nil {
		b.Ledger.Unlock()
		return nil, err
	}
	if info.Shared.Size > 0 {
		if _, err := b.Ledger.Insert(pma.Area{Start: info.Shared.Start, End: info.Shared.end(), Prop: pma.NewProp(pma.Everyone, pma.RWX)}); err != nil {
			b.Ledger.Unlock()
			return nil, err
		}
	}
	b.Ledger.Unlock()

	// Broadcast clean_pmp to other harts and clean locally.
	if b.Harts != nil {
		if err := b.Harts.BroadcastCleanPmp(ctx, callerHart, func(target int) {
			h := b.Harts.Hart(target)
			h.TakeMSI(func() { h.InstalledPMP = nil })
		}); err != nil {
			log.WithError(err).Warn("clean_pmp broadcast failed")
		}
		if h := b.Harts.Hart(callerHart); h != nil {
			h.CleanLocal(func() { h.InstalledPMP = nil })
		}
	}

	// Build the page table inside `unused`.
	alloc := &bumpAllocator{next: info.Unused.Start, end: info.Unused.end()}
	root, err := alloc.alloc()
	if err != nil {
		return nil, err
	}
	pt := vm.New(b.Arena, root, vm.Sv39)

	if err := b.mapSequential(pt, RuntimeVA, info.Rt, pma.RWX, alloc.alloc); err != nil {
		return nil, err
	}
	if err := b.mapSequential(pt, BinaryVA, info.Bin, pma.RWX, alloc.alloc); err != nil {
		return nil, err
	}
	sharedVA := BinaryVA + pagesize.AlignUp(info.Bin.Size)
	if info.Shared.Size > 0 {
		if err := b.mapSequential(pt, sharedVA, info.Shared, pma.PermRead|pma.PermWrite, alloc.alloc); err != nil {
			return nil, err
		}
	}
	stackFrame, err := alloc.alloc()
	if err != nil {
		return nil, err
	}
	if err := pt.Map(StackTopVA-pagesize.Size, stackFrame, pma.PermRead|pma.PermWrite, alloc.alloc); err != nil {
		return nil, err
	}
	bootargsFrame, err := alloc.alloc()
	if err != nil {
		return nil, err
	}
	if err := pt.Map(BootArgsVA, bootargsFrame, pma.PermRead, alloc.alloc); err != nil {
		return nil, err
	}
	trampolineFrame, err := alloc.alloc()
	if err != nil {
		return nil, err
	}
	if err := pt.Map(TrampolineVA, trampolineFrame, pma.PermRead|pma.PermExec, alloc.alloc); err != nil {
		return nil, err
	}
	// UART MMIO frame (RW), a direct mapping of the board's UART
	// physical range rather than a bump-allocated one.
	if b.Device.UartSize > 0 {
		if err := pt.Map(UartVA, b.Device.UartStart, pma.PermRead|pma.PermWrite, alloc.alloc); err != nil {
			return nil, err
		}
	}

	// Collect remaining unused frames into a free list whose head is
	// written into the bootargs.
	var freeHead, freeCount uintptr
	for {
		f, err := alloc.alloc()
		if err != nil {
			break
		}
		b.Arena.WriteUint64(f, uint64(freeHead))
		freeHead = f
		freeCount++
	}

	sharedEncVA, sharedHostVA := uintptr(0), uintptr(0)
	if info.Shared.Size > 0 {
		sharedEncVA, sharedHostVA = sharedVA, info.SharedHostVA
	}
	bootargs := [bootargsFieldCount]uint64{
		uint64(info.Mem.Size),
		uint64(TrampolineVA),
		uint64(BinaryVA), uint64(info.Bin.Size),
		uint64(sharedEncVA), uint64(sharedHostVA), uint64(info.Shared.Size),
		uint64(freeHead), uint64(freeCount * pagesize.Size),
		uint64(b.Device.UartStart), uint64(b.Device.UartSize), b.Device.TimebaseFrequency,
	}
	for i, v := range bootargs {
		b.Arena.WriteUint64(bootargsFrame+uintptr(i)*8, v)
	}

	// Populate the metadata header.
	e := &Enclave{
		ID:           id,
		Kind:         kind,
		MetaAddr:     info.Mem.Start,
		NwVMA:        vm.VMA{Start: info.Mem.Start, Size: info.Mem.Size, Flags: pma.RWX, SatpMode: vm.Bare},
		TP:           TrampolineVA,
		PT:           pt,
		Satp:         root,
		SP:           StackTopVA,
		BootArgsAddr: BootArgsVA,
		Bin:          info.Bin,
	}
	b.Manager.add(e)
	log.WithFields(logrus.Fields{"id": id, "kind": kind}).Info("enclave created")
	return e, nil
}

// mapSequential maps src's physical pages 1:1 in order starting at
// vaddr: walking the host's mapping of rt/binary, simplified to a
// direct physical copy since src is already a resolved physical
// range.
func (b *Builder) mapSequential(pt *vm.PageTable, vaddr uintptr, src PhysRange, perm pma.Permission, alloc func() (uintptr, error)) error {
	if src.Size == 0 {
		return nil
	}
	n := pagesize.Count(src.Size)
	for i := uintptr(0); i < n; i++ {
		v := vaddr + i*pagesize.Size
		p := src.Start + i*pagesize.Size
		if err := pt.Map(v, p, perm, alloc); err != nil {
			return err
		}
	}
	return nil
}

// Launch copies host CSRs and trap registers into nw_ctx, attaches
// the enclave to the hart, resets PMP, and returns the entry address
// the trap proxy should mret into; the caller reads SP and
// BootArgsAddr from e itself. hostCtx is the host's register context
// at the moment of the LAUNCH ecall.
func (e *Enclave) Launch(h *hart.State, hostCtx RegContext) (entryVA uintptr, err error) {
	if h.InEnclave() {
		return 0, fmt.Errorf("enclave: hart already bound to an enclave")
	}
	e.NwCtx = hostCtx
	h.PrivEnclave = e.MetaAddr
	h.InstalledPMP = nil // reset PMP
	return RuntimeVA, nil
}

// Pause is called when the enclave executes the PAUSE ecall with
// retval in a1: save enc_ctx, move the hart's installed PMP config
// into the enclave's PMP cache (leaving the hart with none), restore
// nw_ctx, and return the context the trap proxy should apply to the
// host's frame plus the retval to place in a1.
func (e *Enclave) Pause(h *hart.State, encCtx RegContext, retval uint64) (RegContext, uint64) {
	e.EncCtx = encCtx
	e.EnclavePMPCache = append([]pma.Area(nil), h.InstalledPMP...)
	h.InstalledPMP = nil
	h.PrivEnclave = 0
	return e.NwCtx, retval
}

// Resume is the inverse of Pause. It reloads the enclave's cached
// PMP config onto h and returns the
// enclave context the trap proxy should restore.
func (e *Enclave) Resume(h *hart.State, hostCtx RegContext) RegContext {
	e.NwCtx = hostCtx
	h.PrivEnclave = e.MetaAddr
	h.InstalledPMP = append([]pma.Area(nil), e.EnclavePMPCache...)
	return e.EncCtx
}

// Destroy unlinks the enclave from its list, walks every page in
// nw_vma, verifies ownership, zeros pages owned by the
// enclave, and return them to HOST. It returns the host context to
// restore.
func (b *Builder) Destroy(id pma.EnclaveID) (RegContext, error) {
	e, err := b.Manager.remove(id)
	if err != nil {
		return RegContext{}, smerr.ErrInvalidEnclaveID
	}

	b.Ledger.Lock()
	defer b.Ledger.Unlock()
	start := pagesize.Align(e.NwVMA.Start)
	end := pagesize.AlignUp(e.NwVMA.Start + e.NwVMA.Size)
	for addr := start; addr < end; addr += pagesize.Size {
		area := b.Ledger.Lookup(addr)
		owner := area.Prop.Owner()
		if owner != id && owner != pma.Everyone {
			return RegContext{}, smerr.WithOwnershipViolation(addr, uint64(id), uint64(owner))
		}
		if owner != id {
			continue // EVERYONE-owned pages (e.g. shared) stay as they are.
		}
		b.Arena.ZeroPage(addr)
		if _, err := b.Ledger.InsertPage(addr, pma.NewProp(pma.Host, pma.RWX)); err != nil {
			return RegContext{}, err
		}
	}
	log.WithField("id", id).Info("enclave destroyed")
	return e.NwCtx, nil
}
