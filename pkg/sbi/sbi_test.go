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

package sbi

import "testing"

func TestRedirectContinueBeforeInstallFails(t *testing.T) {
	var r Redirect
	if err := r.Continue(&TrapFrame{}); err == nil {
		t.Error("Continue before Install should fail")
	}
	if r.Installed() {
		t.Error("Installed() = true before Install")
	}
}

func TestRedirectInstallAndContinue(t *testing.T) {
	var r Redirect
	var seen *TrapFrame
	r.Install(func(f *TrapFrame) { seen = f })
	if !r.Installed() {
		t.Fatal("Installed() = false after Install")
	}
	frame := &TrapFrame{MEPC: 0x1000}
	if err := r.Continue(frame); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if seen != frame {
		t.Error("handler did not receive the same frame pointer")
	}
}

func TestHsmGetHartState(t *testing.T) {
	h := &Hsm{GetHartStateFunc: func(id int) (HartState, error) {
		if id == 0 {
			return HartStateStarted, nil
		}
		return HartStateStopped, nil
	}}
	st, err := h.GetHartState(1)
	if err != nil {
		t.Fatalf("GetHartState: %v", err)
	}
	if st != HartStateStopped {
		t.Errorf("GetHartState(1) = %v, want HartStateStopped", st)
	}
}
