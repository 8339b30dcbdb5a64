// Copyright 2018 The gVisor Authors.
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

package pgalloc

import (
	gocontext "context"

	"kcore.dev/kcore/pkg/context"
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxPageAllocator is a Context.Value key for a PageAllocator.
	CtxPageAllocator contextID = iota
)

// WithPageAllocator returns a copy of ctx carrying p.
func WithPageAllocator(ctx context.Context, p *PageAllocator) context.Context {
	return gocontext.WithValue(ctx, CtxPageAllocator, p)
}

// FromContext returns the PageAllocator used by ctx, falling back to the
// process-wide allocator. It returns nil if neither exists.
func FromContext(ctx context.Context) *PageAllocator {
	if v := ctx.Value(CtxPageAllocator); v != nil {
		return v.(*PageAllocator)
	}
	return Global()
}
