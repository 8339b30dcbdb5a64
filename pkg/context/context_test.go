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

package context

import "testing"

func TestDefaults(t *testing.T) {
	ctx := Background()
	if got := CPUFromContext(ctx); got != 0 {
		t.Errorf("CPUFromContext(Background()): got %d, want 0", got)
	}
	if got := ThreadIDFromContext(ctx); got != 0 {
		t.Errorf("ThreadIDFromContext(Background()): got %d, want 0", got)
	}
	if got := CPUFromContext(nil); got != 0 {
		t.Errorf("CPUFromContext(nil): got %d, want 0", got)
	}
}

func TestForThread(t *testing.T) {
	ctx := ForThread(Background(), 3, 42)
	if got := CPUFromContext(ctx); got != 3 {
		t.Errorf("CPUFromContext: got %d, want 3", got)
	}
	if got := ThreadIDFromContext(ctx); got != 42 {
		t.Errorf("ThreadIDFromContext: got %d, want 42", got)
	}
	// Overriding the CPU keeps the thread.
	ctx = WithCPU(ctx, 1)
	if got := CPUFromContext(ctx); got != 1 {
		t.Errorf("CPUFromContext after WithCPU: got %d, want 1", got)
	}
	if got := ThreadIDFromContext(ctx); got != 42 {
		t.Errorf("ThreadIDFromContext after WithCPU: got %d, want 42", got)
	}
}

func TestReservedThreadID(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("WithThreadID(ctx, 0) did not panic")
		}
	}()
	WithThreadID(Background(), 0)
}
