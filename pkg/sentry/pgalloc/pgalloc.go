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

// Package pgalloc contains the physical page frame allocator.
//
// The allocator manages a fixed range of physical memory, split into 4096
// byte frames. Free frames are kept on per-CPU free lists; the list link of
// a free frame lives in the first 8 bytes of the frame itself. Each frame
// carries a reference count, and a frame returns to a free list when its
// count drops to zero.
//
// Lock ordering: free list locks and frame reference locks are never held
// at the same time. Both are spin locks and are never held across anything
// that may block.
package pgalloc

import (
	"encoding/binary"
	"fmt"
	"time"

	"kcore.dev/kcore/pkg/cleanup"
	"kcore.dev/kcore/pkg/context"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/memutil"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/sync"
)

const (
	// allocPoison fills frames handed out by Allocate when Opts.Poison is
	// set.
	allocPoison = 0x05

	// freePoison fills frames returned to a free list when Opts.Poison is
	// set.
	freePoison = 0x01

	// linkSize is the size of the free list link stored in a free frame.
	linkSize = 8
)

var (
	allocationsMetric = metric.MustCreateNewUint64Metric("/pgalloc/allocations", "Number of page frames handed out by Allocate.")
	freesMetric       = metric.MustCreateNewUint64Metric("/pgalloc/frees", "Number of page frames returned to a free list, including initial population.")
	stealsMetric      = metric.MustCreateNewUint64Metric("/pgalloc/steals", "Number of allocations satisfied from another CPU's free list.")
	exhaustedMetric   = metric.MustCreateNewUint64Metric("/pgalloc/exhausted", "Number of allocations that failed because every free list was empty.")
)

func init() {
	metric.MustRegisterCustomUint64Metric("/pgalloc/free_bytes", false /* cumulative */, "Bytes on the free lists of the process-wide page allocator.", func(...string) uint64 {
		if p := Global(); p != nil {
			return p.AmountFree()
		}
		return 0
	})
}

// Opts holds options to New.
type Opts struct {
	// Start is the first physical address managed by the allocator. It is
	// rounded up to a page boundary.
	Start hostarch.Addr

	// End is the end (exclusive) of the managed physical range. It is
	// rounded down to a page boundary.
	End hostarch.Addr

	// NumCPU is the number of per-CPU free lists. It must be at least 1.
	NumCPU int

	// If Poison is true, frames are filled with a junk pattern on every
	// allocation and free, to catch dangling references.
	Poison bool
}

// frameRef is the reference count of a single frame.
type frameRef struct {
	mu    sync.SpinLock
	count int32
}

// freeList is a LIFO list of free frames threaded through the frames
// themselves.
type freeList struct {
	mu sync.SpinLock

	// head is the index+1 of the first free frame, or 0 if the list is
	// empty.
	//
	// +checklocks:mu
	head uint64
}

// PageAllocator hands out physical page frames.
type PageAllocator struct {
	// start and end bound the managed range. They are page aligned and
	// immutable.
	start hostarch.Addr
	end   hostarch.Addr

	poison bool

	// arena is the backing storage of all frames, indexed by
	// (pa - start).
	arena []byte

	// refs is indexed by frame index.
	refs []frameRef

	// cpus is indexed by CPU.
	cpus []freeList

	// warnLog and debugLog are rate limited so an exhausted or contended
	// allocator does not flood the log.
	warnLog  log.Logger
	debugLog log.Logger
}

// New returns an allocator managing the frames in [opts.Start, opts.End).
// Every frame starts out free, distributed round-robin across the CPU free
// lists.
func New(opts Opts) (*PageAllocator, error) {
	if opts.NumCPU < 1 {
		return nil, fmt.Errorf("pgalloc: NumCPU must be at least 1, got %d: %w", opts.NumCPU, linuxerr.EINVAL)
	}
	start, ok := opts.Start.RoundUp()
	if !ok {
		return nil, fmt.Errorf("pgalloc: start %v overflows: %w", opts.Start, linuxerr.EINVAL)
	}
	end := opts.End.RoundDown()
	if end <= start {
		return nil, fmt.Errorf("pgalloc: range [%v, %v) holds no frames: %w", opts.Start, opts.End, linuxerr.EINVAL)
	}
	numFrames := uint64(end-start) / hostarch.PageSize

	arena, err := memutil.MapAnon(int(end - start))
	if err != nil {
		return nil, fmt.Errorf("pgalloc: mapping arena: %w", err)
	}
	cu := cleanup.Make(func() { memutil.UnmapSlice(arena) })
	defer cu.Clean()

	p := &PageAllocator{
		start:    start,
		end:      end,
		poison:   opts.Poison,
		arena:    arena,
		refs:     make([]frameRef, numFrames),
		cpus:     make([]freeList, opts.NumCPU),
		warnLog:  log.BasicRateLimitedLogger(time.Second),
		debugLog: log.BasicRateLimitedLogger(time.Second),
	}
	// Each frame starts with one reference, which FreeOn drops, so that the
	// initial population goes through the same path as any other free.
	for i := range p.refs {
		p.refs[i].count = 1
	}
	for i := uint64(0); i < numFrames; i++ {
		p.FreeOn(context.Background(), p.addr(i), int(i%uint64(opts.NumCPU)))
	}

	cu.Release()
	log.Infof("pgalloc: managing %d frames in [%v, %v) across %d CPUs", numFrames, start, end, opts.NumCPU)
	return p, nil
}

// Destroy unmaps the allocator's memory. The allocator and every slice
// returned by Slice must not be used afterwards.
func (p *PageAllocator) Destroy() {
	if err := memutil.UnmapSlice(p.arena); err != nil {
		panic(fmt.Sprintf("pgalloc: unmapping arena: %v", err))
	}
	p.arena = nil
}

// NumFrames returns the number of frames managed by p.
func (p *PageAllocator) NumFrames() int {
	return len(p.refs)
}

// NumCPU returns the number of per-CPU free lists.
func (p *PageAllocator) NumCPU() int {
	return len(p.cpus)
}

// Start returns the first managed physical address.
func (p *PageAllocator) Start() hostarch.Addr {
	return p.start
}

func (p *PageAllocator) addr(idx uint64) hostarch.Addr {
	return p.start + hostarch.Addr(idx*hostarch.PageSize)
}

// index returns the frame index of pa. It panics if pa is not the address
// of a managed frame.
func (p *PageAllocator) index(pa hostarch.Addr) uint64 {
	if !pa.IsPageAligned() || pa < p.start || pa >= p.end {
		panic(fmt.Sprintf("pgalloc: bad frame address %v, managed range is [%v, %v)", pa, p.start, p.end))
	}
	return uint64(pa-p.start) / hostarch.PageSize
}

func (p *PageAllocator) frame(idx uint64) []byte {
	off := idx * hostarch.PageSize
	return p.arena[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Slice returns the contents of the frame at pa.
func (p *PageAllocator) Slice(pa hostarch.Addr) []byte {
	return p.frame(p.index(pa))
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// cpu returns the free list index for a caller running in ctx.
func (p *PageAllocator) cpu(ctx context.Context) int {
	cpu := context.CPUFromContext(ctx)
	if cpu < 0 || cpu >= len(p.cpus) {
		panic(fmt.Sprintf("pgalloc: CPU %d out of range [0, %d)", cpu, len(p.cpus)))
	}
	return cpu
}

// pop removes the first frame from the free list of cpu. It returns false if
// the list is empty.
func (p *PageAllocator) pop(cpu int) (uint64, bool) {
	l := &p.cpus[cpu]
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == 0 {
		return 0, false
	}
	idx := l.head - 1
	l.head = binary.LittleEndian.Uint64(p.frame(idx)[:linkSize])
	return idx, true
}

// push adds the frame idx to the free list of cpu.
func (p *PageAllocator) push(cpu int, idx uint64) {
	l := &p.cpus[cpu]
	l.mu.Lock()
	binary.LittleEndian.PutUint64(p.frame(idx)[:linkSize], l.head)
	l.head = idx + 1
	l.mu.Unlock()
}

// Allocate takes one free frame, preferring the free list of the CPU ctx
// runs on and otherwise stealing from the other CPUs in order. The returned
// frame has a reference count of 1. Allocate returns ENOMEM if every free
// list is empty.
func (p *PageAllocator) Allocate(ctx context.Context) (hostarch.Addr, error) {
	cpu := p.cpu(ctx)
	idx, ok := p.pop(cpu)
	if !ok {
		for i := 1; i < len(p.cpus) && !ok; i++ {
			victim := (cpu + i) % len(p.cpus)
			if idx, ok = p.pop(victim); ok {
				stealsMetric.Increment()
				p.debugLog.Debugf("pgalloc: CPU %d stole frame %v from CPU %d", cpu, p.addr(idx), victim)
			}
		}
	}
	if !ok {
		exhaustedMetric.Increment()
		p.warnLog.Warningf("pgalloc: out of memory, all %d frames in use", len(p.refs))
		return 0, linuxerr.ENOMEM
	}

	r := &p.refs[idx]
	r.mu.Lock()
	if r.count != 0 {
		r.mu.Unlock()
		panic(fmt.Sprintf("pgalloc: frame %v on a free list has %d references", p.addr(idx), r.count))
	}
	r.count = 1
	r.mu.Unlock()

	if p.poison {
		fill(p.frame(idx), allocPoison)
	}
	allocationsMetric.Increment()
	return p.addr(idx), nil
}

// Free drops a reference on the frame at pa. When the last reference is
// dropped the frame is returned to the free list of the CPU ctx runs on.
func (p *PageAllocator) Free(ctx context.Context, pa hostarch.Addr) {
	p.FreeOn(ctx, pa, -1)
}

// FreeOn is like Free, but returns the frame to the free list of cpu. A
// negative cpu means the CPU ctx runs on.
//
// FreeOn panics if pa is not a managed frame or if the frame is already
// free.
func (p *PageAllocator) FreeOn(ctx context.Context, pa hostarch.Addr, cpu int) {
	idx := p.index(pa)
	if cpu < 0 {
		cpu = p.cpu(ctx)
	}
	if cpu >= len(p.cpus) {
		panic(fmt.Sprintf("pgalloc: CPU %d out of range [0, %d)", cpu, len(p.cpus)))
	}

	r := &p.refs[idx]
	r.mu.Lock()
	if r.count <= 0 {
		r.mu.Unlock()
		panic(fmt.Sprintf("pgalloc: double free of frame %v", pa))
	}
	r.count--
	count := r.count
	r.mu.Unlock()
	if count > 0 {
		return
	}

	if p.poison {
		fill(p.frame(idx), freePoison)
	}
	p.push(cpu, idx)
	freesMetric.Increment()
}

// IncRef adds a reference to the allocated frame at pa. It panics if the
// frame is free.
func (p *PageAllocator) IncRef(pa hostarch.Addr) {
	r := &p.refs[p.index(pa)]
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count <= 0 {
		panic(fmt.Sprintf("pgalloc: IncRef of free frame %v", pa))
	}
	r.count++
}

// RefCount returns the reference count of the frame at pa.
func (p *PageAllocator) RefCount(pa hostarch.Addr) int32 {
	r := &p.refs[p.index(pa)]
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// FreeFrames returns the length of each CPU's free list. Lists are walked
// one at a time, so the result is not a consistent snapshot while other
// threads allocate or free.
func (p *PageAllocator) FreeFrames() []int {
	counts := make([]int, len(p.cpus))
	for cpu := range p.cpus {
		l := &p.cpus[cpu]
		l.mu.Lock()
		for next := l.head; next != 0; next = binary.LittleEndian.Uint64(p.frame(next - 1)[:linkSize]) {
			counts[cpu]++
		}
		l.mu.Unlock()
	}
	return counts
}

// AmountFree returns the number of bytes on all free lists. It is a
// diagnostic with the same consistency caveat as FreeFrames.
func (p *PageAllocator) AmountFree() uint64 {
	var n uint64
	for _, c := range p.FreeFrames() {
		n += uint64(c)
	}
	return n * hostarch.PageSize
}

var (
	globalMu sync.Mutex
	global   *PageAllocator
)

// Init creates the process-wide allocator. It must be called exactly once,
// before any call to Global; there is no teardown.
func Init(opts Opts) (*PageAllocator, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		panic("pgalloc: Init called more than once")
	}
	p, err := New(opts)
	if err != nil {
		return nil, err
	}
	global = p
	return p, nil
}

// Global returns the process-wide allocator, or nil if Init has not been
// called.
func Global() *PageAllocator {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}
