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

package trap

import (
	"testing"

	"github.com/lattice-sm/monitor/pkg/sbi"
)

func TestHandleEcallIllegalInstructionShortcut(t *testing.T) {
	var redirect sbi.Redirect
	redirect.Install(func(*sbi.TrapFrame) {})
	calledWithEPCDelta := false
	p := &Proxy{
		Redirect: &redirect,
		Ecall: func(frame *sbi.TrapFrame, hartID int) EcallResult {
			calledWithEPCDelta = true
			return EcallResult{Disposition: DispReturn, Retval: 42}
		},
	}
	frame := &sbi.TrapFrame{MEPC: 0x1000, MTval: 0}
	frame.X[RegA7] = HteeExtID
	disp := p.Handle(CauseIllegalInstruction, frame, 0)
	if disp != DispReturn {
		t.Fatalf("Disposition = %v, want DispReturn", disp)
	}
	if !calledWithEPCDelta {
		t.Fatal("ecall handler was not invoked")
	}
	if frame.MEPC != 0x1002 {
		t.Errorf("MEPC = %#x, want 0x1002 (unimp is 2 bytes)", frame.MEPC)
	}
	if frame.X[RegA0] != 0 || frame.X[RegA1] != 42 {
		t.Errorf("a0=%d a1=%d, want a0=0 a1=42", frame.X[RegA0], frame.X[RegA1])
	}
}

func TestHandleEcallSupervisorEnvCall(t *testing.T) {
	p := &Proxy{
		Ecall: func(frame *sbi.TrapFrame, hartID int) EcallResult {
			return EcallResult{Disposition: DispReturn, Code: 7}
		},
	}
	frame := &sbi.TrapFrame{MEPC: 0x2000}
	frame.X[RegA7] = HteeExtID
	p.Handle(CauseSupervisorEnvCall, frame, 0)
	if frame.MEPC != 0x2004 {
		t.Errorf("MEPC = %#x, want 0x2004 (ecall is 4 bytes)", frame.MEPC)
	}
	if frame.X[RegA0] != 7 || frame.X[RegA1] != 0 {
		t.Errorf("a0=%d a1=%d, want a0=7 a1=0", frame.X[RegA0], frame.X[RegA1])
	}
}

func TestHandleNonHteeIllegalInstructionContinues(t *testing.T) {
	var redirected bool
	var redirect sbi.Redirect
	redirect.Install(func(*sbi.TrapFrame) { redirected = true })
	p := &Proxy{Redirect: &redirect}
	frame := &sbi.TrapFrame{}
	disp := p.Handle(CauseIllegalInstruction, frame, 0)
	if disp != DispContinue {
		t.Errorf("Disposition = %v, want DispContinue", disp)
	}
	if !redirected {
		t.Error("redirect was not invoked")
	}
}

func TestHandleFaultResolvedReturns(t *testing.T) {
	p := &Proxy{Fault: func(*sbi.TrapFrame, int) bool { return true }}
	disp := p.Handle(CauseLoadAccessFault, &sbi.TrapFrame{}, 0)
	if disp != DispReturn {
		t.Errorf("Disposition = %v, want DispReturn", disp)
	}
}

func TestHandleFaultUnresolvedContinues(t *testing.T) {
	var redirect sbi.Redirect
	redirect.Install(func(*sbi.TrapFrame) {})
	p := &Proxy{Redirect: &redirect, Fault: func(*sbi.TrapFrame, int) bool { return false }}
	disp := p.Handle(CauseStoreAccessFault, &sbi.TrapFrame{}, 0)
	if disp != DispContinue {
		t.Errorf("Disposition = %v, want DispContinue", disp)
	}
}

func TestHandleMachineSoftwareInterrupt(t *testing.T) {
	var redirect sbi.Redirect
	redirect.Install(func(*sbi.TrapFrame) {})
	var processed bool
	p := &Proxy{Redirect: &redirect, PendingOps: func(hartID int) { processed = true }}
	disp := p.Handle(CauseMachineSoftwareInterrupt, &sbi.TrapFrame{}, 3)
	if disp != DispContinue {
		t.Errorf("Disposition = %v, want DispContinue", disp)
	}
	if !processed {
		t.Error("PendingOps was not invoked")
	}
}
