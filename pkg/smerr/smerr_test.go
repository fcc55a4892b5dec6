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

package smerr

import (
	"errors"
	"testing"
)

func TestToCode(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeOK},
		{ErrInvalidEnclaveID, CodeInvalidEnclaveID},
		{ErrInvalidEnclaveType, CodeInvalidEnclaveType},
		{ErrSizeOverflow, CodeSizeOverflow},
		{WithAddr(0x1000), CodeInvalidAddress},
		{ErrUnsupportedFunc, CodeUnsupportedFunc},
		{WithOwnershipViolation(0x2000, 1, 2), CodeOwnershipViolation},
	}
	for _, c := range cases {
		if got := ToCode(c.err); got != c.want {
			t.Errorf("ToCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestWithAddrWraps(t *testing.T) {
	err := WithAddr(0x4000)
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("WithAddr result does not wrap ErrInvalidAddress: %v", err)
	}
}
