// Copyright 2026 The gVisor Authors.
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

package sync

import (
	"testing"
	"time"
)

func TestSpinLockTryLock(t *testing.T) {
	var l SpinLock
	if !l.TryLock() {
		t.Fatalf("TryLock failed on unlocked SpinLock")
	}
	if l.TryLock() {
		t.Fatalf("TryLock succeeded on locked SpinLock")
	}
	if !l.Locked() {
		t.Errorf("Locked: got false, want true")
	}
	l.Unlock()
	if l.Locked() {
		t.Errorf("Locked after Unlock: got true, want false")
	}
}

func TestSpinLockBlocksUntilUnlock(t *testing.T) {
	var l SpinLock
	l.Lock()

	ch := make(chan struct{})
	go func() {
		l.Lock()
		close(ch)
		l.Unlock()
	}()

	select {
	case <-ch:
		t.Fatalf("Lock succeeded on locked SpinLock")
	case <-time.After(50 * time.Millisecond):
	}

	l.Unlock()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("Lock failed to acquire unlocked SpinLock")
	}
}

func TestSpinLockMutualExclusion(t *testing.T) {
	var l SpinLock
	const gr = 64
	const iters = 10000
	v := 0
	var wg WaitGroup
	for i := 0; i < gr; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				l.Lock()
				v++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	if v != gr*iters {
		t.Fatalf("Bad count: got %v, want %v", v, gr*iters)
	}
}

func TestSpinLockUnlockUnlocked(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Unlock of unlocked SpinLock did not panic")
		}
	}()
	var l SpinLock
	l.Unlock()
}
