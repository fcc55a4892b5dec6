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

package hart

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lattice-sm/monitor/pkg/pma"
)

func TestNewClusterRejectsTooManyHarts(t *testing.T) {
	if _, err := NewCluster(MaxHarts+1, 0x2000000); err == nil {
		t.Error("NewCluster(MaxHarts+1) should fail")
	}
	if _, err := NewCluster(0, 0x2000000); err == nil {
		t.Error("NewCluster(0) should fail")
	}
}

func TestScratchOverflowPanics(t *testing.T) {
	var s State
	defer func() {
		if recover() == nil {
			t.Error("PushScratch past capacity did not panic")
		}
	}()
	for i := 0; i < ScratchCapacity+1; i++ {
		s.PushScratch(pma.Area{})
	}
}

func TestSendOpsAndTakeMSI(t *testing.T) {
	c, err := NewCluster(2, 0x2000000)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	var cleaned atomic.Bool
	if err := c.SendOps(1, PendingOps{CleanPmp: true}); err != nil {
		t.Fatalf("SendOps: %v", err)
	}
	if !c.Hart(1).MSIPending() {
		t.Fatal("MSIPending() = false after SendOps")
	}
	c.Hart(1).TakeMSI(func() { cleaned.Store(true) })
	if c.Hart(1).MSIPending() {
		t.Error("MSIPending() = true after TakeMSI")
	}
	if !cleaned.Load() {
		t.Error("clean_pmp callback was not invoked")
	}
}

// TestBroadcastCleanPmp checks the cross-hart PMP flush barrier: every
// non-initiating hart must observe its clean_pmp MSI cleared before
// BroadcastCleanPmp returns.
func TestBroadcastCleanPmp(t *testing.T) {
	c, err := NewCluster(4, 0x2000000)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	var cleanCount atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = c.BroadcastCleanPmp(ctx, 0, func(target int) {
		c.Hart(target).TakeMSI(func() { cleanCount.Add(1) })
	})
	if err != nil {
		t.Fatalf("BroadcastCleanPmp: %v", err)
	}
	if got, want := cleanCount.Load(), int32(3); got != want {
		t.Errorf("cleanCount = %d, want %d", got, want)
	}
	for i := 1; i < 4; i++ {
		if c.Hart(i).MSIPending() {
			t.Errorf("hart %d still has pending MSI after broadcast", i)
		}
	}
	if c.Hart(0).MSIPending() {
		t.Error("initiating hart should not receive its own broadcast")
	}
}
