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

// Package sbi models the monitor's boundary with the underlying SBI
// firmware. The real monitor overwrites a single JAL instruction in
// its own trap handler at boot to jump to the SBI trap vector (a
// "patched redirect"); this package keeps the equivalent as an fn()
// slot, which must preserve the register-save convention used by the
// enclosing trap stub.
package sbi

import "fmt"

// TrapFrame is the register-save convention the enclosing trap stub
// uses; it is passed unchanged to whichever handler runs, preserving
// whatever register-save convention the SBI uses.
type TrapFrame struct {
	X       [32]uint64 // integer register file, x0 unused
	MEPC    uint64
	MStatus uint64
	MCause  uint64
	MTval   uint64
}

// Redirect is the patched-JAL stand-in: a function slot rewritten
// once at boot to point at the SBI's trap vector.
type Redirect struct {
	handler func(*TrapFrame)
}

// Install rewrites the redirect's target, the software equivalent of
// patching the JAL instruction at boot.
func (r *Redirect) Install(handler func(*TrapFrame)) {
	r.handler = handler
}

// Installed reports whether Install has been called.
func (r *Redirect) Installed() bool { return r.handler != nil }

// Continue forwards frame to the installed SBI handler, the
// "Continue" trap disposition.
func (r *Redirect) Continue(frame *TrapFrame) error {
	if r.handler == nil {
		return fmt.Errorf("sbi: redirect not installed")
	}
	r.handler(frame)
	return nil
}

// HartState is the result of HSM get-state, the one SBI call the
// monitor may make itself, and only at boot. The monitor never calls
// SBI directly at runtime.
type HartState int

const (
	HartStateStarted HartState = iota
	HartStateStopped
	HartStateStartPending
	HartStateStopPending
)

// Hsm is the minimal Hart State Management surface. The monitor's
// cold-boot sequence (monitor.ColdBoot) does not call it.
type Hsm struct {
	// GetHartStateFunc is supplied by the embedding firmware; tests
	// substitute a fake.
	GetHartStateFunc func(hartID int) (HartState, error)
}

// GetHartState queries the SBI firmware for hartID's state.
func (h *Hsm) GetHartState(hartID int) (HartState, error) {
	if h.GetHartStateFunc == nil {
		return 0, fmt.Errorf("sbi: no HSM backend installed")
	}
	return h.GetHartStateFunc(hartID)
}
