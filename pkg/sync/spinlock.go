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
	"runtime"

	"kcore.dev/kcore/pkg/atomicbitops"
)

// spinsBeforeYield is the number of failed acquisition attempts after which
// a spinning goroutine yields its processor.
const spinsBeforeYield = 64

// SpinLock is a non-blocking mutual exclusion lock for short critical
// sections, such as free list or hash bucket manipulation.
//
// A goroutine holding a SpinLock must not call anything that may block:
// no channel operations, no SleepLock acquisition, no I/O. Waiters busy-wait,
// so a holder that blocks stalls every waiter with it.
//
// The zero value is an unlocked SpinLock.
type SpinLock struct {
	_     NoCopy
	state atomicbitops.Uint32
}

// Lock acquires l, spinning until it is available.
//
// Any attempt to re-acquire a lock already held by the caller deadlocks.
func (l *SpinLock) Lock() {
	for i := 1; ; i++ {
		if l.state.Load() == 0 && l.state.CompareAndSwap(0, 1) {
			return
		}
		if i%spinsBeforeYield == 0 {
			runtime.Gosched()
		}
	}
}

// TryLock attempts to acquire l without spinning and reports whether it
// succeeded.
func (l *SpinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases l. Unlocking an unlocked SpinLock panics.
func (l *SpinLock) Unlock() {
	if l.state.Swap(0) != 1 {
		panic("sync: unlock of unlocked SpinLock")
	}
}

// Locked reports whether l is currently held. The result is only a hint
// unless the caller holds l.
func (l *SpinLock) Locked() bool {
	return l.state.Load() == 1
}
