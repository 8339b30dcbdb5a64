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

// Package cmd holds implementations of the kmem commands.
package cmd

import (
	"fmt"

	"kcore.dev/kcore/kmem/config"
	"kcore.dev/kcore/pkg/cleanup"
	"kcore.dev/kcore/pkg/context"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sentry/bcache"
	"kcore.dev/kcore/pkg/sentry/bdev"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
)

// mainThread is the thread identity of the goroutine running a command.
const mainThread = 1

// kernel is the set of pools a command runs against.
type kernel struct {
	mem    *pgalloc.PageAllocator
	cache  *bcache.Cache
	devs   *bdev.Table
	numCPU int

	// global is true if mem and cache are the process-wide instances, which
	// are never torn down.
	global bool
}

// newKernel brings up the page allocator and block cache described by conf,
// with images[i] attached as device i. If global is true, the pools are
// installed as the process-wide instances, which can happen once per
// process.
func newKernel(ctx context.Context, conf *config.Config, images []string, global bool) (*kernel, error) {
	k := &kernel{
		devs:   bdev.NewTable(),
		numCPU: conf.NumCPU,
		global: global,
	}
	cu := cleanup.Make(func() { k.devs.Close() })
	defer cu.Clean()

	for i, image := range images {
		d, err := bdev.Open(image, conf.BlockSize)
		if err != nil {
			return nil, err
		}
		if err := k.devs.Register(uint32(i), d); err != nil {
			d.Close()
			return nil, err
		}
	}

	memOpts := pgalloc.Opts{
		Start:  hostarch.Addr(conf.MemStart),
		End:    hostarch.Addr(conf.MemStart + conf.MemSize),
		NumCPU: conf.NumCPU,
		Poison: conf.Poison,
	}
	cacheOpts := bcache.Opts{
		NumBuf:     conf.NumBuf,
		NumBuckets: conf.NumBuckets,
		BlockSize:  conf.BlockSize,
	}
	var err error
	if global {
		if k.mem, err = pgalloc.Init(memOpts); err != nil {
			return nil, err
		}
		if k.cache, err = bcache.Init(ctx, cacheOpts, k.devs, k.mem); err != nil {
			return nil, err
		}
	} else {
		if k.mem, err = pgalloc.New(memOpts); err != nil {
			return nil, err
		}
		cu.Add(k.mem.Destroy)
		if k.cache, err = bcache.New(ctx, cacheOpts, k.devs, k.mem); err != nil {
			return nil, err
		}
	}
	cu.Release()
	log.Debugf("kmem: kernel up with %d devices, %d free bytes", len(images), k.mem.AmountFree())
	return k, nil
}

// Close detaches the devices and, for a kernel that is not process-wide,
// releases its memory.
func (k *kernel) Close() error {
	err := k.devs.Close()
	if !k.global {
		k.mem.Destroy()
	}
	return err
}

// checkBlocks returns an error unless blocks [start, start+count) exist on
// device dev. The block cache treats device errors as fatal, so requests
// are validated before they reach it.
func (k *kernel) checkBlocks(dev, start, count uint32) error {
	d, err := k.devs.Lookup(dev)
	if err != nil {
		return err
	}
	if count == 0 || start >= d.NumBlocks() || count > d.NumBlocks()-start {
		return fmt.Errorf("blocks [%d, %d) outside device %d of %d blocks", start, uint64(start)+uint64(count), dev, d.NumBlocks())
	}
	return nil
}

// threadContext returns the context of worker thread tid, spread across the
// kernel's CPUs and carrying the kernel's page allocator.
func (k *kernel) threadContext(ctx context.Context, tid int64) context.Context {
	return pgalloc.WithPageAllocator(context.ForThread(ctx, int(tid)%k.numCPU, tid), k.mem)
}
