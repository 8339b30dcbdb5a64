// Copyright 2016 The gVisor Authors.
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
	"kcore.dev/kcore/pkg/atomicbitops"
)

// AnonymousHolder is the holder identity used by callers that do not
// identify themselves. Holding checks made with it only establish that some
// holder owns the lock.
const AnonymousHolder int64 = 0

// SleepLock is a blocking mutual exclusion lock for long critical sections,
// including ones that perform device I/O. Acquisition may suspend the caller
// until the current holder releases the lock; Unlock wakes at most one
// waiter. The lock records the identity of its holder so that callers can
// assert ownership.
//
// Init must be called before first use.
type SleepLock struct {
	// v is 1 when unlocked, 0 when locked without waiters and negative when
	// locked with (possible) waiters.
	v  atomicbitops.Int32
	ch chan struct{}

	// holder is the identity passed to the Lock call that currently owns
	// the lock. It is only meaningful while the lock is held.
	holder atomicbitops.Int64
}

// Init initializes the lock.
func (m *SleepLock) Init() {
	m.v.Store(1)
	m.ch = make(chan struct{}, 1)
}

// Lock acquires the lock on behalf of holder. If it is currently held by
// another goroutine, Lock waits until it has a chance to acquire it.
func (m *SleepLock) Lock(holder int64) {
	// Uncontended case.
	if m.v.Add(-1) == 0 {
		m.holder.Store(holder)
		return
	}

	for {
		// Try to acquire the lock again, at the same time making sure
		// that m.v is negative, which indicates to the owner of the
		// lock that it is contended, which will force it to try to wake
		// someone up when it releases the lock.
		if v := m.v.Load(); v >= 0 && m.v.Swap(-1) == 1 {
			m.holder.Store(holder)
			return
		}

		// Wait for the lock to be released before trying again.
		<-m.ch
	}
}

// TryLock attempts to acquire the lock on behalf of holder without blocking.
// It returns false if the lock is currently held.
func (m *SleepLock) TryLock(holder int64) bool {
	v := m.v.Load()
	if v <= 0 {
		return false
	}
	if !m.v.CompareAndSwap(1, 0) {
		return false
	}
	m.holder.Store(holder)
	return true
}

// Unlock releases the lock. Unlocking an unlocked SleepLock panics.
func (m *SleepLock) Unlock() {
	if m.v.Load() == 1 {
		panic("sync: unlock of unlocked SleepLock")
	}
	m.holder.Store(AnonymousHolder)
	if m.v.Swap(1) == 0 {
		// There were no pending waiters.
		return
	}

	// Wake some waiter up.
	select {
	case m.ch <- struct{}{}:
	default:
	}
}

// Locked reports whether the lock is held by anyone.
func (m *SleepLock) Locked() bool {
	return m.v.Load() != 1
}

// Holding reports whether the lock is held on behalf of holder. A holder of
// AnonymousHolder matches any owner.
func (m *SleepLock) Holding(holder int64) bool {
	if !m.Locked() {
		return false
	}
	return holder == AnonymousHolder || m.holder.Load() == holder
}
