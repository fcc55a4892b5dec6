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

// Package ecall implements the HTEE ecall dispatcher (C8): a
// table-driven handler for the enclave extension's contiguous,
// closed function-id set (CREATE, DESTROY, LAUNCH, RESUME, PAUSE,
// EXIT). Table.Dispatch has the signature pkg/trap.EcallFunc expects
// and is wired there by pkg/monitor.
package ecall

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/lattice-sm/monitor/pkg/enclave"
	"github.com/lattice-sm/monitor/pkg/hart"
	"github.com/lattice-sm/monitor/pkg/pagesize"
	"github.com/lattice-sm/monitor/pkg/physmem"
	"github.com/lattice-sm/monitor/pkg/pma"
	"github.com/lattice-sm/monitor/pkg/sbi"
	"github.com/lattice-sm/monitor/pkg/smerr"
	"github.com/lattice-sm/monitor/pkg/trap"
	"github.com/lattice-sm/monitor/pkg/vm"
)

var log = logrus.WithField("subsys", "ecall")

// Function ids, a contiguous closed set; anything else falls through
// to SBI as UnsupportedFunc, which is how a conformant implementation
// rejects the source's unfinished DMA-region and IPC-channel
// extensions without needing to know their ids.
const (
	FuncCreate  = 2001
	FuncDestroy = 2002
	FuncLaunch  = 2003
	FuncResume  = 2005
	FuncPause   = 3004
	FuncExit    = 3006
)

// Enclave kind arguments, passed in a1 to CREATE.
const (
	KindArgUser    = 1
	KindArgService = 3
)

// unimpWidth and ecallWidth are the instruction lengths fixed-epc
// handlers must advance past themselves: enclaves trap via the
// 16-bit unimp, the host via the 32-bit ecall.
const (
	unimpWidth = 2
	ecallWidth = 4
)

// HostPageTable resolves hartID's current host address-translation
// mode, used to turn the host-virtual pointers CREATE receives into
// physical addresses. A nil PageTable paired with
// vm.Bare means the host runs with translation off.
type HostPageTable func(hartID int) (*vm.PageTable, vm.SatpMode)

// Table is the concrete (ext_id, func_id) -> handler map. The trap
// proxy only ever calls Dispatch after confirming a7 == HteeExtID, so
// Table itself only switches on the function id in a6.
type Table struct {
	Builder *enclave.Builder
	Manager *enclave.Manager
	Harts   *hart.Cluster
	Arena   *physmem.Arena
	HostPT  HostPageTable
}

// Dispatch implements pkg/trap.EcallFunc.
func (t *Table) Dispatch(frame *sbi.TrapFrame, hartID int) trap.EcallResult {
	switch frame.X[trap.RegA6] {
	case FuncCreate:
		return t.create(frame, hartID)
	case FuncDestroy:
		return t.destroy(frame)
	case FuncLaunch:
		return t.launch(frame, hartID)
	case FuncResume:
		return t.resume(frame, hartID)
	case FuncPause:
		return t.pause(frame, hartID)
	case FuncExit:
		return t.exit(frame, hartID)
	default:
		log.WithField("func", frame.X[trap.RegA6]).Warn("unsupported ecall function")
		return trap.EcallResult{Disposition: trap.DispContinue}
	}
}

func errResult(err error) trap.EcallResult {
	return trap.EcallResult{Disposition: trap.DispReturn, Code: uint64(smerr.ToCode(err))}
}

// create handles CREATE for both kinds, selected by the a1 argument.
func (t *Table) create(frame *sbi.TrapFrame, hartID int) trap.EcallResult {
	blobVA := uintptr(frame.X[trap.RegA0])
	kindArg := frame.X[trap.RegA1]

	pt, satp := t.HostPT(hartID)
	info, err := readLueInfo(t.Arena, pt, satp, blobVA)
	if err != nil {
		return errResult(err)
	}

	var e *enclave.Enclave
	switch kindArg {
	case KindArgUser:
		e, err = t.Builder.CreateUser(context.Background(), info, hartID)
	case KindArgService:
		e, err = t.Builder.CreateService(context.Background(), info, hartID)
	default:
		err = smerr.ErrInvalidEnclaveType
	}
	if err != nil {
		return errResult(err)
	}
	return trap.EcallResult{Disposition: trap.DispReturn, Retval: uint64(e.ID)}
}

func (t *Table) destroy(frame *sbi.TrapFrame) trap.EcallResult {
	id := pma.EnclaveID(frame.X[trap.RegA0])
	if _, err := t.Builder.Destroy(id); err != nil {
		return errResult(err)
	}
	return trap.EcallResult{Disposition: trap.DispReturn}
}

// launch binds the calling hart to an enclave and hands control to
// its runtime entry point. It is a tail call: mepc is set directly to
// the entry address rather than advanced past the ecall, so it
// reports FixedEPC.
func (t *Table) launch(frame *sbi.TrapFrame, hartID int) trap.EcallResult {
	id := pma.EnclaveID(frame.X[trap.RegA0])
	e, ok := t.Manager.Get(id)
	if !ok {
		return errResult(smerr.ErrInvalidEnclaveID)
	}
	h := t.Harts.Hart(hartID)
	// The saved host context resumes just past this ecall; recording
	// that now means pause/resume/exit never need to recompute it.
	hostCtx := enclave.RegContext{X: frame.X, Sepc: frame.MEPC + ecallWidth}
	entry, err := e.Launch(h, hostCtx)
	if err != nil {
		return errResult(err)
	}
	frame.X[2] = uint64(e.SP)
	frame.MEPC = uint64(entry)
	return trap.EcallResult{Disposition: trap.DispReturn, Retval: uint64(e.BootArgsAddr), FixedEPC: true}
}

// resume is launch's inverse direction: it restores the enclave
// context saved by the most recent pause.
func (t *Table) resume(frame *sbi.TrapFrame, hartID int) trap.EcallResult {
	id := pma.EnclaveID(frame.X[trap.RegA0])
	e, ok := t.Manager.Get(id)
	if !ok {
		return errResult(smerr.ErrInvalidEnclaveID)
	}
	h := t.Harts.Hart(hartID)
	hostCtx := enclave.RegContext{X: frame.X, Sepc: frame.MEPC + ecallWidth}
	encCtx := e.Resume(h, hostCtx)
	frame.X = encCtx.X
	frame.MEPC = uint64(encCtx.Sepc)
	return trap.EcallResult{Disposition: trap.DispReturn, FixedEPC: true}
}

// pause is invoked from inside the enclave (via unimp, so its mepc
// delta is unimpWidth). It saves the enclave's context and returns
// control to the host exactly where LAUNCH or RESUME left off, with
// a1 carrying the enclave-supplied retval.
func (t *Table) pause(frame *sbi.TrapFrame, hartID int) trap.EcallResult {
	h := t.Harts.Hart(hartID)
	e, ok := t.Manager.ByMetaAddr(h.PrivEnclave)
	if !ok {
		return errResult(smerr.ErrInvalidEnclaveID)
	}
	retval := frame.X[trap.RegA1]
	encCtx := enclave.RegContext{X: frame.X, Sepc: frame.MEPC + unimpWidth}
	hostCtx, retval := e.Pause(h, encCtx, retval)
	frame.X = hostCtx.X
	frame.MEPC = uint64(hostCtx.Sepc)
	return trap.EcallResult{Disposition: trap.DispReturn, Retval: retval, FixedEPC: true}
}

// exit is PAUSE's permanent sibling: the enclave is destroyed instead
// of suspended, and its retval arrives in a0 rather than a1.
func (t *Table) exit(frame *sbi.TrapFrame, hartID int) trap.EcallResult {
	h := t.Harts.Hart(hartID)
	e, ok := t.Manager.ByMetaAddr(h.PrivEnclave)
	if !ok {
		return errResult(smerr.ErrInvalidEnclaveID)
	}
	retval := frame.X[trap.RegA0]
	hostCtx, err := t.Builder.Destroy(e.ID)
	if err != nil {
		return errResult(err)
	}
	h.PrivEnclave = 0
	frame.X = hostCtx.X
	frame.MEPC = uint64(hostCtx.Sepc)
	return trap.EcallResult{Disposition: trap.DispReturn, Retval: retval, FixedEPC: true}
}

// resolvePtr turns a host-virtual address into a physical one, or
// returns it unchanged when the host is running with translation off.
func resolvePtr(pt *vm.PageTable, satp vm.SatpMode, va uintptr) (uintptr, error) {
	if satp == vm.Bare || va == 0 {
		return va, nil
	}
	res, err := pt.Translate(va)
	if err != nil {
		return 0, err
	}
	return res.Leaf, nil
}

// lueInfoFieldCount*8 bytes make up the LueInfo blob's fixed layout:
// mem.start/mem.page_num, rt.ptr/rt.size, bin.ptr/bin.size,
// shared.ptr/shared.size, unused.start/unused.size.
const lueInfoFieldCount = 10

// readLueInfo reads and resolves the LueInfo blob at host-virtual
// address blobVA. Every pointer field in the blob (including the blob
// address itself) is host-virtual and is translated through pt before
// use; shared is optional and left zero-sized when its pointer is 0.
func readLueInfo(arena *physmem.Arena, pt *vm.PageTable, satp vm.SatpMode, blobVA uintptr) (enclave.LueInfo, error) {
	blobPA, err := resolvePtr(pt, satp, blobVA)
	if err != nil {
		return enclave.LueInfo{}, err
	}

	var fields [lueInfoFieldCount]uint64
	for i := range fields {
		fields[i] = arena.ReadUint64(blobPA + uintptr(i)*8)
	}
	memStartVA, memPageNum := fields[0], fields[1]
	rtPtrVA, rtSize := fields[2], fields[3]
	binPtrVA, binSize := fields[4], fields[5]
	sharedPtrVA, sharedSize := fields[6], fields[7]
	unusedStartVA, unusedSize := fields[8], fields[9]

	memStart, err := resolvePtr(pt, satp, uintptr(memStartVA))
	if err != nil {
		return enclave.LueInfo{}, err
	}
	rtPtr, err := resolvePtr(pt, satp, uintptr(rtPtrVA))
	if err != nil {
		return enclave.LueInfo{}, err
	}
	binPtr, err := resolvePtr(pt, satp, uintptr(binPtrVA))
	if err != nil {
		return enclave.LueInfo{}, err
	}
	sharedPtr, err := resolvePtr(pt, satp, uintptr(sharedPtrVA))
	if err != nil {
		return enclave.LueInfo{}, err
	}
	unusedStart, err := resolvePtr(pt, satp, uintptr(unusedStartVA))
	if err != nil {
		return enclave.LueInfo{}, err
	}

	return enclave.LueInfo{
		Mem:          enclave.PhysRange{Start: memStart, Size: uintptr(memPageNum) * pagesize.Size},
		Rt:           enclave.PhysRange{Start: rtPtr, Size: uintptr(rtSize)},
		Bin:          enclave.PhysRange{Start: binPtr, Size: uintptr(binSize)},
		Shared:       enclave.PhysRange{Start: sharedPtr, Size: uintptr(sharedSize)},
		Unused:       enclave.PhysRange{Start: unusedStart, Size: uintptr(unusedSize)},
		SharedHostVA: uintptr(sharedPtrVA),
	}, nil
}
