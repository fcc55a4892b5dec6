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

// Package smerr defines the monitor's error taxonomy and the codes
// returned to callers across the HTEE ecall boundary in a0.
package smerr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Code is the stable numeric value placed in a0 on ecall failure.
type Code uint64

// Error codes returned in a0. Zero is reserved for success so that it
// is never confused with a failure code.
const (
	CodeOK Code = iota
	CodeInvalidEnclaveID
	CodeInvalidEnclaveType
	CodeSizeOverflow
	CodeInvalidAddress
	CodeUnsupportedFunc
	CodeOwnershipViolation
)

// Sentinel errors. Use errors.Is against these, never string
// comparison.
var (
	// ErrInvalidEnclaveID is returned when an ecall names an enclave id
	// that the manager has no record of.
	ErrInvalidEnclaveID = errors.New("smerr: invalid enclave id")

	// ErrInvalidEnclaveType is returned when the kind argument to
	// CREATE is outside the known enum.
	ErrInvalidEnclaveType = errors.New("smerr: invalid enclave type")

	// ErrSizeOverflow is returned by the PMA ledger when an insert
	// range is not contained in a single existing range.
	ErrSizeOverflow = errors.New("smerr: pma insert range exceeds its container")

	// ErrInvalidAddress is returned by the fault resolver when a
	// page-walk lookup fails.
	ErrInvalidAddress = errors.New("smerr: invalid address during fault resolution")

	// ErrUnsupportedFunc names an (ext, func) id pair the ecall
	// dispatcher does not recognize. The dispatcher does not return
	// it: it answers such calls with Continue to SBI directly.
	ErrUnsupportedFunc = errors.New("smerr: unsupported ecall function")

	// ErrOwnershipViolation marks the security-invariant breach: a
	// context tried to admit a PMA it does not own and is not
	// EVERYONE. Callers decide whether this is fatal (debug) or should
	// be forwarded to the supervisor as a fresh fault (release).
	ErrOwnershipViolation = errors.New("smerr: ownership violation")
)

// WithAddr annotates ErrInvalidAddress with the offending address and
// a pkg/errors stack trace; pkg/vm uses it when a page walk fails.
func WithAddr(addr uintptr) error {
	return pkgerrors.WithStack(fmt.Errorf("%w: %#x", ErrInvalidAddress, addr))
}

// WithOwnershipViolation annotates ErrOwnershipViolation with the
// address and the owner that rejected it, plus a pkg/errors stack
// trace: for a security-invariant failure a later "who produced this"
// question is worth the cost of walking the call stack.
func WithOwnershipViolation(addr uintptr, who, owner uint64) error {
	return pkgerrors.WithStack(fmt.Errorf("%w: addr %#x owner %d context %d", ErrOwnershipViolation, addr, owner, who))
}

// ToCode maps a sentinel error (or one wrapping it) to the stable code
// placed in a0. Errors that wrap none of the sentinels map to
// CodeInvalidAddress; these include plain fmt.Errorf errors such as the
// enclave builder's "mem region too small" and "unused region
// exhausted".
func ToCode(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrInvalidEnclaveID):
		return CodeInvalidEnclaveID
	case errors.Is(err, ErrInvalidEnclaveType):
		return CodeInvalidEnclaveType
	case errors.Is(err, ErrSizeOverflow):
		return CodeSizeOverflow
	case errors.Is(err, ErrInvalidAddress):
		return CodeInvalidAddress
	case errors.Is(err, ErrUnsupportedFunc):
		return CodeUnsupportedFunc
	case errors.Is(err, ErrOwnershipViolation):
		return CodeOwnershipViolation
	default:
		return CodeInvalidAddress
	}
}
