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

// Package context carries the identity of the executing CPU and thread of
// execution through context.Context.
//
// Kernel subsystems use the CPU to pick per-CPU state and the thread
// identity to track lock ownership. Both are optional: a context without a
// CPU runs on CPU 0, and a context without a thread identity acts as the
// anonymous thread.
package context

import (
	"context"
)

// Context is an alias of context.Context.
type Context = context.Context

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxCPU is a Context.Value key for the current CPU index.
	CtxCPU contextID = iota

	// CtxThreadID is a Context.Value key for the current thread identity.
	CtxThreadID
)

// Background returns an empty context, running on CPU 0 as the anonymous
// thread.
func Background() Context {
	return context.Background()
}

// WithCPU returns a copy of ctx that runs on the given CPU.
func WithCPU(ctx Context, cpu int) Context {
	return context.WithValue(ctx, CtxCPU, cpu)
}

// CPUFromContext returns the CPU index carried by ctx, or 0 if ctx carries
// none.
func CPUFromContext(ctx Context) int {
	if ctx == nil {
		return 0
	}
	if v := ctx.Value(CtxCPU); v != nil {
		return v.(int)
	}
	return 0
}

// WithThreadID returns a copy of ctx that acts as the thread tid. tid must
// be non-zero; zero is reserved for the anonymous thread.
func WithThreadID(ctx Context, tid int64) Context {
	if tid == 0 {
		panic("context: thread ID 0 is reserved")
	}
	return context.WithValue(ctx, CtxThreadID, tid)
}

// ThreadIDFromContext returns the thread identity carried by ctx, or 0 (the
// anonymous thread) if ctx carries none.
func ThreadIDFromContext(ctx Context) int64 {
	if ctx == nil {
		return 0
	}
	if v := ctx.Value(CtxThreadID); v != nil {
		return v.(int64)
	}
	return 0
}

// ForThread returns a context for the thread tid running on cpu.
func ForThread(ctx Context, cpu int, tid int64) Context {
	return WithThreadID(WithCPU(ctx, cpu), tid)
}
