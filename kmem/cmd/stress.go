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

package cmd

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"kcore.dev/kcore/kmem/cmd/util"
	"kcore.dev/kcore/kmem/config"
	"kcore.dev/kcore/pkg/context"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/prometheus"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
)

// maxHeldFrames is the number of frames a stress worker keeps allocated at
// once.
const maxHeldFrames = 4

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers int
	ops     int
	blocks  uint
	seed    int64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent workers against the page allocator and block cache"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] <image> - allocate and free frames and update block counters
from many threads at once, then check the counters add up.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent worker threads.")
	f.IntVar(&s.ops, "ops", 1000, "operations per worker.")
	f.UintVar(&s.blocks, "blocks", 64, "number of blocks to spread updates over.")
	f.Int64Var(&s.seed, "seed", 0, "random seed; 0 picks one from the clock.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	seed := s.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	opts := stressOpts{
		Workers: s.workers,
		Ops:     s.ops,
		Blocks:  uint32(s.blocks),
		Seed:    seed,
	}

	k, err := newKernel(ctx, conf, []string{f.Arg(0)}, true /* global */)
	if err != nil {
		return util.Errorf("starting kernel: %v", err)
	}
	defer k.Close()

	start := time.Now()
	res, err := runStress(ctx, k, opts)
	if err != nil {
		return util.Errorf("stress (seed %d): %v", seed, err)
	}
	util.Infof("stress: seed %d, %d workers, %d ops each in %v", seed, opts.Workers, opts.Ops, time.Since(start))
	util.Infof("stress: %+v", res)
	if err := writeMetrics(os.Stdout); err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

// stressOpts configures runStress.
type stressOpts struct {
	Workers int
	Ops     int
	Blocks  uint32
	Seed    int64
}

// stressResult totals the work done by runStress.
type stressResult struct {
	Allocs    int64
	Frees     int64
	Exhausted int64
	Updates   int64

	// CountersBefore and CountersAfter are the sums of the block counters
	// before and after the run.
	CountersBefore uint64
	CountersAfter  uint64
}

type workerResult struct {
	allocs, frees, exhausted, updates int64
}

// runStress runs opts.Workers threads against k, device 0. Each operation
// either allocates or frees a frame, then increments the counter held in
// the first eight bytes of a random block. Frames are stamped with the
// owning thread and checked on free, and the block counters must grow by
// exactly the number of increments.
func runStress(ctx context.Context, k *kernel, opts stressOpts) (stressResult, error) {
	var res stressResult
	if opts.Workers <= 0 || opts.Ops < 0 {
		return res, fmt.Errorf("invalid workload: %d workers, %d ops", opts.Workers, opts.Ops)
	}
	// Each worker holds at most one buffer; leave slack for buffers moving
	// between buckets.
	if 2*opts.Workers > k.cache.NumBuf() {
		return res, fmt.Errorf("%d workers need at least %d buffers, have %d", opts.Workers, 2*opts.Workers, k.cache.NumBuf())
	}
	if k.cache.BlockSize() < 8 {
		return res, fmt.Errorf("block size %d too small for counters", k.cache.BlockSize())
	}
	if err := k.checkBlocks(0, 0, opts.Blocks); err != nil {
		return res, err
	}

	mainCtx := k.threadContext(ctx, mainThread)
	res.CountersBefore = sumCounters(mainCtx, k, opts.Blocks)

	results := make([]workerResult, opts.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Workers; w++ {
		w := w
		g.Go(func() error {
			// Thread IDs start after the main thread.
			tctx := k.threadContext(gctx, int64(w)+mainThread+1)
			rng := rand.New(rand.NewSource(opts.Seed + int64(w)))
			return stressWorker(tctx, k, opts, rng, &results[w])
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	for _, r := range results {
		res.Allocs += r.allocs
		res.Frees += r.frees
		res.Exhausted += r.exhausted
		res.Updates += r.updates
	}
	res.CountersAfter = sumCounters(mainCtx, k, opts.Blocks)
	if got := res.CountersAfter - res.CountersBefore; got != uint64(res.Updates) {
		return res, fmt.Errorf("block counters grew by %d, want %d", got, res.Updates)
	}
	return res, nil
}

func stressWorker(ctx context.Context, k *kernel, opts stressOpts, rng *rand.Rand, r *workerResult) error {
	tid := context.ThreadIDFromContext(ctx)
	mem := pgalloc.FromContext(ctx)
	var held []hostarch.Addr
	free := func(i int) error {
		pa := held[i]
		if got := binary.LittleEndian.Uint64(mem.Slice(pa)[8:]); got != uint64(tid) {
			return fmt.Errorf("thread %d: frame %#x stamped by thread %d", tid, pa, got)
		}
		mem.Free(ctx, pa)
		held[i] = held[len(held)-1]
		held = held[:len(held)-1]
		r.frees++
		return nil
	}

	for i := 0; i < opts.Ops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(held) < maxHeldFrames && (len(held) == 0 || rng.Intn(2) == 0) {
			pa, err := mem.Allocate(ctx)
			switch {
			case linuxerr.Equals(linuxerr.ENOMEM, err):
				r.exhausted++
			case err != nil:
				return err
			default:
				// The first eight bytes are the free list link; stamp
				// past them so the stamp survives a stray link write.
				binary.LittleEndian.PutUint64(mem.Slice(pa)[8:], uint64(tid))
				held = append(held, pa)
				r.allocs++
			}
		} else if err := free(rng.Intn(len(held))); err != nil {
			return err
		}

		blk := uint32(rng.Intn(int(opts.Blocks)))
		b := k.cache.Read(ctx, 0, blk)
		data := b.Data()
		binary.LittleEndian.PutUint64(data, binary.LittleEndian.Uint64(data)+1)
		k.cache.Write(ctx, b)
		k.cache.Release(ctx, b)
		r.updates++
	}

	for len(held) > 0 {
		if err := free(len(held) - 1); err != nil {
			return err
		}
	}
	log.Debugf("stress: thread %d done: %+v", tid, *r)
	return nil
}

// sumCounters returns the sum of the counters of the first n blocks of
// device 0.
func sumCounters(ctx context.Context, k *kernel, n uint32) uint64 {
	var sum uint64
	for blk := uint32(0); blk < n; blk++ {
		b := k.cache.Read(ctx, 0, blk)
		sum += binary.LittleEndian.Uint64(b.Data())
		k.cache.Release(ctx, b)
	}
	return sum
}

// writeMetrics writes the current value of every registered metric to w in
// the Prometheus text format.
func writeMetrics(w io.Writer) error {
	_, err := prometheus.Write(w, "kmem_", metric.GetSnapshot())
	return err
}
