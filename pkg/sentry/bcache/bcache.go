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

// Package bcache implements the disk block cache.
//
// The cache holds a fixed pool of buffers, each caching one disk block. The
// pool is sharded into hash buckets by block number. Each bucket has its own
// spin lock and its own recency list; the buffers of a bucket are kept in
// most-recently-released order, so that the least recently used unused
// buffer is the one recycled for a new block. When a bucket has no unused
// buffer, one is taken from another bucket.
//
// A buffer's contents are protected by its content lock, a sleep lock held
// for the whole time a caller uses the buffer, including across device I/O.
//
// Lock ordering:
//
//	Buf.lock
//	  bucket.mu (never held while acquiring Buf.lock)
//
// Two bucket locks are only held together in ascending bucket index order.
package bcache

import (
	"fmt"
	"time"

	"kcore.dev/kcore/pkg/atomicbitops"
	"kcore.dev/kcore/pkg/context"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/sentry/bdev"
	"kcore.dev/kcore/pkg/sync"
)

var (
	hitsMetric     = metric.MustCreateNewUint64Metric("/bcache/hits", "Number of Get calls that found the block cached.")
	missesMetric   = metric.MustCreateNewUint64Metric("/bcache/misses", "Number of Get calls that had to recycle a buffer.")
	recycledMetric = metric.MustCreateNewUint64Metric("/bcache/recycled", "Number of buffers relabeled for a new block, by the bucket they came from.", metric.NewField("where", "local", "remote"))
	readsMetric    = metric.MustCreateNewUint64Metric("/bcache/reads", "Number of blocks read from a device.")
	writesMetric   = metric.MustCreateNewUint64Metric("/bcache/writes", "Number of blocks written to a device.")
)

// Driver performs block I/O for the cache.
type Driver interface {
	// Transfer moves one block between data and block blockno of device
	// dev, returning when the transfer is complete.
	Transfer(dev, blockno uint32, data []byte, op bdev.Op) error
}

// PageSource supplies page frames for buffer payloads.
type PageSource interface {
	Allocate(ctx context.Context) (hostarch.Addr, error)
	Slice(pa hostarch.Addr) []byte
}

// Opts holds options to New.
type Opts struct {
	// NumBuf is the number of buffers in the pool.
	NumBuf int

	// NumBuckets is the number of hash buckets.
	NumBuckets int

	// BlockSize is the size of a disk block in bytes.
	BlockSize int
}

// Buf is a cache buffer. A Buf returned by Get or Read is held by the
// caller, with its content lock locked, until it is passed to Release.
type Buf struct {
	// index is the buffer's position in Cache.bufs. Immutable.
	index int

	// data is the payload. The slice is immutable; its contents are
	// protected by lock.
	data []byte

	// lock is the content lock.
	lock sync.SleepLock

	// The following fields are protected by the lock of the bucket the
	// buffer is in. A caller holding a reference may read them without the
	// bucket lock, since they only change while the reference count is 0.

	// bucket is the index of the bucket the buffer is in.
	bucket int

	// assigned is false until the buffer is first labeled with a block.
	assigned bool
	dev      uint32
	blockno  uint32

	// refs is the number of holders and pins. It is written under the
	// bucket lock and may be read atomically without it.
	refs atomicbitops.Int32

	// valid is true if data holds the block's contents. Protected by lock
	// while the buffer is referenced.
	valid bool
}

// Data returns the buffer's payload, BlockSize bytes long. The caller must
// hold the buffer.
func (b *Buf) Data() []byte {
	return b.data
}

// Dev returns the device of the cached block.
func (b *Buf) Dev() uint32 {
	return b.dev
}

// BlockNo returns the block number of the cached block.
func (b *Buf) BlockNo() uint32 {
	return b.blockno
}

// Valid reports whether Data holds the block's contents.
func (b *Buf) Valid() bool {
	return b.valid
}

// RefCount returns the number of holders and pins of b.
func (b *Buf) RefCount() int32 {
	return b.refs.Load()
}

// String implements fmt.Stringer.
func (b *Buf) String() string {
	return fmt.Sprintf("buf %d (dev %d block %d)", b.index, b.dev, b.blockno)
}

type bucket struct {
	mu sync.SpinLock
}

// Cache is a disk block cache.
type Cache struct {
	blockSize int
	driver    Driver

	bufs    []Buf
	buckets []bucket

	// next and prev link each bucket's circular recency list. Entries
	// [0, len(bufs)) are buffers; entry len(bufs)+i is the head of bucket
	// i. next of a head is the bucket's most recently used buffer, prev is
	// the least recently used one. Links of a buffer are protected by the
	// lock of its bucket.
	next []int
	prev []int

	debugLog log.Logger
}

// New returns a cache of opts.NumBuf buffers, spread round-robin across
// opts.NumBuckets buckets, that performs I/O through d. If mem is non-nil,
// buffer payloads are carved out of page frames taken from mem; otherwise
// they are allocated from the Go heap.
func New(ctx context.Context, opts Opts, d Driver, mem PageSource) (*Cache, error) {
	if opts.NumBuf < 1 || opts.NumBuckets < 1 || opts.BlockSize < 1 {
		return nil, fmt.Errorf("bcache: invalid options %+v: %w", opts, linuxerr.EINVAL)
	}
	payloads, err := allocatePayloads(ctx, opts, mem)
	if err != nil {
		return nil, err
	}

	n := opts.NumBuf + opts.NumBuckets
	c := &Cache{
		blockSize: opts.BlockSize,
		driver:    d,
		bufs:      make([]Buf, opts.NumBuf),
		buckets:   make([]bucket, opts.NumBuckets),
		next:      make([]int, n),
		prev:      make([]int, n),
		debugLog:  log.BasicRateLimitedLogger(time.Second),
	}
	for i := range c.buckets {
		h := c.head(i)
		c.next[h] = h
		c.prev[h] = h
	}
	for i := range c.bufs {
		b := &c.bufs[i]
		b.index = i
		b.data = payloads[i]
		b.lock.Init()
		b.bucket = i % opts.NumBuckets
		c.insertMRU(b.bucket, i)
	}
	log.Infof("bcache: %d buffers of %d bytes in %d buckets", opts.NumBuf, opts.BlockSize, opts.NumBuckets)
	return c, nil
}

// allocatePayloads returns NumBuf payload slices of BlockSize bytes.
func allocatePayloads(ctx context.Context, opts Opts, mem PageSource) ([][]byte, error) {
	payloads := make([][]byte, opts.NumBuf)
	if mem == nil {
		backing := make([]byte, opts.NumBuf*opts.BlockSize)
		for i := range payloads {
			off := i * opts.BlockSize
			payloads[i] = backing[off : off+opts.BlockSize : off+opts.BlockSize]
		}
		return payloads, nil
	}

	if opts.BlockSize > hostarch.PageSize || hostarch.PageSize%opts.BlockSize != 0 {
		return nil, fmt.Errorf("bcache: block size %d does not divide the page size %d: %w", opts.BlockSize, hostarch.PageSize, linuxerr.EINVAL)
	}
	perPage := hostarch.PageSize / opts.BlockSize
	var page []byte
	for i := range payloads {
		slot := i % perPage
		if slot == 0 {
			pa, err := mem.Allocate(ctx)
			if err != nil {
				return nil, fmt.Errorf("bcache: allocating payload page: %w", err)
			}
			page = mem.Slice(pa)
		}
		off := slot * opts.BlockSize
		payloads[i] = page[off : off+opts.BlockSize : off+opts.BlockSize]
	}
	return payloads, nil
}

// BlockSize returns the size of a buffer's payload.
func (c *Cache) BlockSize() int {
	return c.blockSize
}

// NumBuf returns the number of buffers in the pool.
func (c *Cache) NumBuf() int {
	return len(c.bufs)
}

// head returns the link index of the head of bucket i.
func (c *Cache) head(i int) int {
	return len(c.bufs) + i
}

// bucketOf returns the home bucket of blockno.
func (c *Cache) bucketOf(blockno uint32) int {
	return int(blockno % uint32(len(c.buckets)))
}

// unlink removes buffer i from its bucket list.
//
// Preconditions: The lock of i's bucket is held.
func (c *Cache) unlink(i int) {
	c.next[c.prev[i]] = c.next[i]
	c.prev[c.next[i]] = c.prev[i]
}

// insertMRU makes buffer i the most recently used buffer of bucket bkt.
//
// Preconditions: The lock of bucket bkt is held.
func (c *Cache) insertMRU(bkt, i int) {
	h := c.head(bkt)
	c.next[i] = c.next[h]
	c.prev[i] = h
	c.prev[c.next[h]] = i
	c.next[h] = i
}

// lookupLocked returns the buffer of bucket bkt caching (dev, blockno), or
// nil.
//
// Preconditions: The lock of bucket bkt is held.
func (c *Cache) lookupLocked(bkt int, dev, blockno uint32) *Buf {
	h := c.head(bkt)
	for i := c.next[h]; i != h; i = c.next[i] {
		if b := &c.bufs[i]; b.assigned && b.dev == dev && b.blockno == blockno {
			return b
		}
	}
	return nil
}

// lruUnusedLocked returns the least recently used buffer of bucket bkt with
// no references, or nil.
//
// Preconditions: The lock of bucket bkt is held.
func (c *Cache) lruUnusedLocked(bkt int) *Buf {
	h := c.head(bkt)
	for i := c.prev[h]; i != h; i = c.prev[i] {
		if b := &c.bufs[i]; b.refs.Load() == 0 {
			return b
		}
	}
	return nil
}

// relabelLocked points the unused buffer b at (dev, blockno) and takes the
// first reference on it.
//
// Preconditions: The lock of b's bucket is held. b has no references.
func (c *Cache) relabelLocked(b *Buf, dev, blockno uint32) {
	b.assigned = true
	b.dev = dev
	b.blockno = blockno
	b.valid = false
	b.refs.Store(1)
}

// findLocked returns a referenced buffer for (dev, blockno) from the home
// bucket, recycling its least recently used unused buffer on a miss. It
// returns nil if the home bucket has neither.
//
// Preconditions: The lock of bucket home is held.
func (c *Cache) findLocked(home int, dev, blockno uint32) *Buf {
	if b := c.lookupLocked(home, dev, blockno); b != nil {
		b.refs.Add(1)
		hitsMetric.Increment()
		return b
	}
	if b := c.lruUnusedLocked(home); b != nil {
		c.relabelLocked(b, dev, blockno)
		missesMetric.Increment()
		recycledMetric.Increment("local")
		return b
	}
	return nil
}

// lockPair locks buckets a and b in ascending index order.
func (c *Cache) lockPair(a, b int) {
	if a > b {
		a, b = b, a
	}
	c.buckets[a].mu.Lock()
	c.buckets[b].mu.Lock()
}

// unlockPair unlocks buckets a and b.
func (c *Cache) unlockPair(a, b int) {
	c.buckets[a].mu.Unlock()
	c.buckets[b].mu.Unlock()
}

// getRef returns a referenced buffer for (dev, blockno) without taking its
// content lock.
func (c *Cache) getRef(dev, blockno uint32) *Buf {
	home := c.bucketOf(blockno)
	hb := &c.buckets[home]
	hb.mu.Lock()
	b := c.findLocked(home, dev, blockno)
	hb.mu.Unlock()
	if b != nil {
		return b
	}

	// The home bucket is out of unused buffers. Visit every other bucket
	// in index order for one. The home lock was dropped above, so the home
	// bucket is checked again under both locks: another thread may have
	// cached the block or released a buffer in the meantime.
	for other := range c.buckets {
		if other == home {
			continue
		}
		c.lockPair(home, other)
		if b := c.findLocked(home, dev, blockno); b != nil {
			c.unlockPair(home, other)
			return b
		}
		if b := c.lruUnusedLocked(other); b != nil {
			c.unlink(b.index)
			b.bucket = home
			c.insertMRU(home, b.index)
			c.relabelLocked(b, dev, blockno)
			c.unlockPair(home, other)
			missesMetric.Increment()
			recycledMetric.Increment("remote")
			c.debugLog.Debugf("bcache: %v moved from bucket %d to bucket %d", b, other, home)
			return b
		}
		c.unlockPair(home, other)
	}
	panic(fmt.Sprintf("bcache: no buffers for dev %d block %d, all %d buffers in use", dev, blockno, len(c.bufs)))
}

// Get returns the buffer caching (dev, blockno), recycling an unused buffer
// if the block is not cached. The returned buffer is held by the thread of
// ctx; its contents are valid only if Valid returns true. Get blocks while
// another thread holds the buffer.
//
// Get panics if every buffer is in use.
func (c *Cache) Get(ctx context.Context, dev, blockno uint32) *Buf {
	b := c.getRef(dev, blockno)
	b.lock.Lock(context.ThreadIDFromContext(ctx))
	return b
}

// Read returns the held buffer for (dev, blockno) with the block's contents,
// reading them from the device if they are not cached.
func (c *Cache) Read(ctx context.Context, dev, blockno uint32) *Buf {
	b := c.Get(ctx, dev, blockno)
	if !b.valid {
		if err := c.driver.Transfer(b.dev, b.blockno, b.data, bdev.OpRead); err != nil {
			panic(fmt.Sprintf("bcache: reading %v: %v", b, err))
		}
		b.valid = true
		readsMetric.Increment()
	}
	return b
}

// checkHeld panics unless the thread of ctx holds b.
func checkHeld(ctx context.Context, b *Buf, op string) {
	if !b.lock.Holding(context.ThreadIDFromContext(ctx)) {
		panic(fmt.Sprintf("bcache: %s of %v not held by thread %d", op, b, context.ThreadIDFromContext(ctx)))
	}
}

// Write stores b's contents on its device. The thread of ctx must hold b.
func (c *Cache) Write(ctx context.Context, b *Buf) {
	checkHeld(ctx, b, "write")
	if err := c.driver.Transfer(b.dev, b.blockno, b.data, bdev.OpWrite); err != nil {
		panic(fmt.Sprintf("bcache: writing %v: %v", b, err))
	}
	writesMetric.Increment()
}

// Release gives up the hold on b taken by Get or Read. The thread of ctx
// must hold b. When the last reference is dropped, b becomes the most
// recently used buffer of its bucket.
func (c *Cache) Release(ctx context.Context, b *Buf) {
	checkHeld(ctx, b, "release")
	b.lock.Unlock()

	bkt := &c.buckets[b.bucket]
	bkt.mu.Lock()
	if b.refs.Add(-1) == 0 {
		c.unlink(b.index)
		c.insertMRU(b.bucket, b.index)
	}
	bkt.mu.Unlock()
}

// Pin adds a reference to b, keeping it from being recycled after it is
// released. The caller must hold b or an earlier pin.
func (c *Cache) Pin(b *Buf) {
	bkt := &c.buckets[b.bucket]
	bkt.mu.Lock()
	b.refs.Add(1)
	bkt.mu.Unlock()
}

// Unpin drops a reference added by Pin.
func (c *Cache) Unpin(b *Buf) {
	bkt := &c.buckets[b.bucket]
	bkt.mu.Lock()
	defer bkt.mu.Unlock()
	if b.refs.Load() <= 0 {
		panic(fmt.Sprintf("bcache: unpin of unreferenced %v", b))
	}
	b.refs.Add(-1)
}

// BucketSizes returns the number of buffers in each bucket.
func (c *Cache) BucketSizes() []int {
	sizes := make([]int, len(c.buckets))
	for i := range c.buckets {
		c.buckets[i].mu.Lock()
		h := c.head(i)
		for j := c.next[h]; j != h; j = c.next[j] {
			sizes[i]++
		}
		c.buckets[i].mu.Unlock()
	}
	return sizes
}

var (
	globalMu sync.Mutex
	global   *Cache
)

// Init creates the process-wide cache. It must be called exactly once; there
// is no teardown.
func Init(ctx context.Context, opts Opts, d Driver, mem PageSource) (*Cache, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		panic("bcache: Init called more than once")
	}
	c, err := New(ctx, opts, d, mem)
	if err != nil {
		return nil, err
	}
	global = c
	return c, nil
}

// Global returns the process-wide cache, or nil if Init has not been called.
func Global() *Cache {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}
