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

// Package trap implements the M-mode trap proxy (C4): it classifies
// every trap, dispatches to the ecall table or the fault resolver, and
// decides whether to return to the faulting context or forward to the
// underlying SBI firmware.
//
// Package trap depends on neither pkg/ecall nor pkg/fault so that
// those packages can in turn depend on common types without import
// cycles; pkg/monitor wires the three concrete handlers together.
package trap

import (
	"github.com/sirupsen/logrus"

	"github.com/lattice-sm/monitor/pkg/sbi"
)

var log = logrus.WithField("subsys", "trap")

// Register indices into sbi.TrapFrame.X, named the way the RISC-V
// calling convention names them.
const (
	RegA0 = 10
	RegA1 = 11
	RegA6 = 16
	RegA7 = 17
)

// HteeExtID is the HTEE supervisor ecall extension id.
const HteeExtID = 0x08ABCDEF

// Cause mirrors the subset of mcause values the proxy classifies.
type Cause int

const (
	CauseIllegalInstruction Cause = iota
	CauseSupervisorEnvCall
	CauseLoadAccessFault
	CauseStoreAccessFault
	CauseInstructionAccessFault
	CauseMachineSoftwareInterrupt
	CauseOther
)

// Disposition is what the stub does after the handler returns.
type Disposition int

const (
	// DispReturn restores registers and executes mret back to the
	// faulting context.
	DispReturn Disposition = iota

	// DispContinue jumps to the underlying SBI firmware's trap
	// handler via the patched redirect.
	DispContinue
)

// EcallResult is returned by the ecall dispatcher (C8); trap.Handle
// translates it into register writes and a Disposition.
type EcallResult struct {
	Disposition Disposition
	Retval      uint64
	Code        uint64
	FixedEPC    bool
}

// EcallFunc dispatches one HTEE ecall. Wired to pkg/ecall.Table.Dispatch
// by pkg/monitor.
type EcallFunc func(frame *sbi.TrapFrame, hartID int) EcallResult

// FaultFunc attempts to resolve one access fault by admitting PMP
// entries. It reports whether resolution succeeded. Wired to
// pkg/fault.Resolver.Resolve by pkg/monitor.
type FaultFunc func(frame *sbi.TrapFrame, hartID int) bool

// PendingOpsFunc processes this hart's pending inter-hart ops and
// clears its MSI. Wired to pkg/hart.State.TakeMSI by pkg/monitor.
type PendingOpsFunc func(hartID int)

// Proxy is the M-mode entry point's Go-level handler, called by the
// assembly trap stub with a pointer to the saved register frame.
type Proxy struct {
	Ecall      EcallFunc
	Fault      FaultFunc
	PendingOps PendingOpsFunc
	Redirect   *sbi.Redirect
}

// Handle classifies one trap and dispatches it against the mcause
// dispatch table. hartID identifies which hart trapped.
func (p *Proxy) Handle(cause Cause, frame *sbi.TrapFrame, hartID int) Disposition {
	switch cause {
	case CauseIllegalInstruction:
		if frame.X[RegA7] == HteeExtID && frame.MTval == 0 {
			// unimp is a 16-bit trap in the U->M shortcut used by
			// enclaves.
			return p.dispatchEcall(frame, hartID, 2)
		}
		return p.continueToSBI(frame)

	case CauseSupervisorEnvCall:
		if frame.X[RegA7] == HteeExtID {
			return p.dispatchEcall(frame, hartID, 4)
		}
		return p.continueToSBI(frame)

	case CauseLoadAccessFault, CauseStoreAccessFault, CauseInstructionAccessFault:
		if p.Fault != nil && p.Fault(frame, hartID) {
			return DispReturn
		}
		return p.continueToSBI(frame)

	case CauseMachineSoftwareInterrupt:
		if p.PendingOps != nil {
			p.PendingOps(hartID)
		}
		return p.continueToSBI(frame)

	default:
		return p.continueToSBI(frame)
	}
}

func (p *Proxy) dispatchEcall(frame *sbi.TrapFrame, hartID int, epcDelta uint64) Disposition {
	if p.Ecall == nil {
		return p.continueToSBI(frame)
	}
	res := p.Ecall(frame, hartID)
	switch res.Disposition {
	case DispContinue:
		return p.continueToSBI(frame)
	default:
		if !res.FixedEPC {
			frame.MEPC += epcDelta
		}
		if res.Code != 0 {
			frame.X[RegA0] = res.Code
			frame.X[RegA1] = 0
		} else {
			frame.X[RegA0] = 0
			frame.X[RegA1] = res.Retval
		}
		frame.X[RegA6] = 0
		frame.X[RegA7] = 0
		return DispReturn
	}
}

func (p *Proxy) continueToSBI(frame *sbi.TrapFrame) Disposition {
	if p.Redirect != nil && p.Redirect.Installed() {
		if err := p.Redirect.Continue(frame); err != nil {
			log.WithError(err).Error("sbi redirect failed")
		}
	} else {
		log.Warn("continueToSBI called with no redirect installed")
	}
	return DispContinue
}
