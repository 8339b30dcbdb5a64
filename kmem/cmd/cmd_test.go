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
	"bytes"
	"encoding/hex"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"
	"github.com/prometheus/common/expfmt"
	"kcore.dev/kcore/kmem/config"
	"kcore.dev/kcore/pkg/context"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/sentry/bdev"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
)

const (
	testBlockSize = 512
	testBlocks    = 16
)

func testConfig() *config.Config {
	return &config.Config{
		NumCPU:     2,
		MemStart:   0x80000000,
		MemSize:    1 << 20,
		NumBuf:     16,
		NumBuckets: 3,
		BlockSize:  testBlockSize,
		LogFormat:  "text",
	}
}

func newTestImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := bdev.CreateImage(path, testBlocks, testBlockSize); err != nil {
		t.Fatalf("CreateImage failed: %v", err)
	}
	return path
}

func newTestKernel(t *testing.T, images ...string) *kernel {
	t.Helper()
	k, err := newKernel(context.Background(), testConfig(), images, false /* global */)
	if err != nil {
		t.Fatalf("newKernel failed: %v", err)
	}
	t.Cleanup(func() {
		if err := k.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return k
}

func TestNewKernelErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := newKernel(ctx, testConfig(), []string{filepath.Join(t.TempDir(), "missing.img")}, false); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("newKernel with missing image: got %v, want ErrNotExist", err)
	}

	image := newTestImage(t)
	k := newTestKernel(t, image)
	if _, err := newKernel(ctx, testConfig(), []string{image}, false); !errors.Is(err, linuxerr.EBUSY) {
		t.Errorf("newKernel with image in use: got %v, want EBUSY", err)
	}
	// The image is still usable by the first kernel.
	if err := k.checkBlocks(0, 0, testBlocks); err != nil {
		t.Errorf("checkBlocks after failed newKernel: %v", err)
	}
}

func TestCheckBlocks(t *testing.T) {
	k := newTestKernel(t, newTestImage(t))
	for _, tc := range []struct {
		name         string
		dev          uint32
		start, count uint32
		wantErr      bool
	}{
		{name: "whole device", start: 0, count: testBlocks},
		{name: "last block", start: testBlocks - 1, count: 1},
		{name: "empty", start: 0, count: 0, wantErr: true},
		{name: "past end", start: testBlocks, count: 1, wantErr: true},
		{name: "straddles end", start: testBlocks - 1, count: 2, wantErr: true},
		{name: "overflow", start: 1, count: ^uint32(0), wantErr: true},
		{name: "unknown device", dev: 1, count: 1, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := k.checkBlocks(tc.dev, tc.start, tc.count)
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Errorf("checkBlocks(%d, %d, %d) = %v, want error: %t", tc.dev, tc.start, tc.count, err, tc.wantErr)
			}
		})
	}
}

func TestWriteThenRead(t *testing.T) {
	image := newTestImage(t)
	k := newTestKernel(t, image)
	ctx := k.threadContext(context.Background(), mainThread)

	if err := writeBlock(ctx, k, 0, 3, 10, []byte("hello")); err != nil {
		t.Fatalf("writeBlock failed: %v", err)
	}

	var raw bytes.Buffer
	if err := readBlocks(ctx, k, 0, 3, 1, true /* raw */, &raw); err != nil {
		t.Fatalf("readBlocks failed: %v", err)
	}
	want := make([]byte, testBlockSize)
	copy(want[10:], "hello")
	if diff := cmp.Diff(want, raw.Bytes()); diff != "" {
		t.Errorf("block 3 mismatch (-want +got):\n%s", diff)
	}

	// Writes go through to the image.
	onDisk, err := os.ReadFile(image)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if got := onDisk[3*testBlockSize : 4*testBlockSize]; !bytes.Equal(got, want) {
		t.Errorf("image block 3 = %q, want %q", got, want)
	}

	var dump bytes.Buffer
	if err := readBlocks(ctx, k, 0, 3, 1, false /* raw */, &dump); err != nil {
		t.Fatalf("readBlocks failed: %v", err)
	}
	if wantDump := "block 3:\n" + hex.Dump(want); dump.String() != wantDump {
		t.Errorf("hex dump mismatch:\n%s\nwant:\n%s", dump.String(), wantDump)
	}
}

func TestReadSeveralBlocks(t *testing.T) {
	k := newTestKernel(t, newTestImage(t))
	ctx := k.threadContext(context.Background(), mainThread)
	for blk := uint32(4); blk < 7; blk++ {
		if err := writeBlock(ctx, k, 0, blk, 0, []byte{byte(blk)}); err != nil {
			t.Fatalf("writeBlock(%d) failed: %v", blk, err)
		}
	}
	var raw bytes.Buffer
	if err := readBlocks(ctx, k, 0, 4, 3, true /* raw */, &raw); err != nil {
		t.Fatalf("readBlocks failed: %v", err)
	}
	if got, want := raw.Len(), 3*testBlockSize; got != want {
		t.Fatalf("read %d bytes, want %d", got, want)
	}
	for i := 0; i < 3; i++ {
		if got, want := raw.Bytes()[i*testBlockSize], byte(4+i); got != want {
			t.Errorf("block %d starts with %d, want %d", 4+i, got, want)
		}
	}
}

func TestWriteBlockErrors(t *testing.T) {
	k := newTestKernel(t, newTestImage(t))
	ctx := k.threadContext(context.Background(), mainThread)
	for _, tc := range []struct {
		name string
		blk  uint32
		off  int
		data []byte
	}{
		{name: "past end of device", blk: testBlocks, data: []byte("x")},
		{name: "negative offset", off: -1, data: []byte("x")},
		{name: "offset past block", off: testBlockSize + 1},
		{name: "data too long", off: testBlockSize - 2, data: []byte("xyz")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := writeBlock(ctx, k, 0, tc.blk, tc.off, tc.data); err == nil {
				t.Errorf("writeBlock(%d, %d, %q) succeeded, want error", tc.blk, tc.off, tc.data)
			}
		})
	}
	// A write filling the block exactly is fine.
	if err := writeBlock(ctx, k, 0, 0, testBlockSize-3, []byte("xyz")); err != nil {
		t.Errorf("writeBlock at end of block failed: %v", err)
	}
}

func TestRunStress(t *testing.T) {
	k := newTestKernel(t, newTestImage(t))
	opts := stressOpts{
		Workers: 4,
		Ops:     200,
		Blocks:  8,
		Seed:    1,
	}
	res, err := runStress(context.Background(), k, opts)
	if err != nil {
		t.Fatalf("runStress failed: %v", err)
	}
	if got, want := res.Updates, int64(opts.Workers*opts.Ops); got != want {
		t.Errorf("Updates = %d, want %d", got, want)
	}
	if res.Allocs != res.Frees {
		t.Errorf("Allocs = %d, Frees = %d, want equal", res.Allocs, res.Frees)
	}
	if res.CountersBefore != 0 || res.CountersAfter != uint64(res.Updates) {
		t.Errorf("counters went from %d to %d, want 0 to %d", res.CountersBefore, res.CountersAfter, res.Updates)
	}
	// Every frame is back on a free list.
	if got, want := k.mem.AmountFree(), uint64(254*4096); got != want {
		t.Errorf("AmountFree after stress = %d, want %d", got, want)
	}

	// A second run starts from the counters left by the first.
	res2, err := runStress(context.Background(), k, opts)
	if err != nil {
		t.Fatalf("second runStress failed: %v", err)
	}
	if res2.CountersBefore != res.CountersAfter {
		t.Errorf("second run started at %d, want %d", res2.CountersBefore, res.CountersAfter)
	}
}

func TestRunStressRejects(t *testing.T) {
	k := newTestKernel(t, newTestImage(t))
	for _, tc := range []struct {
		name string
		opts stressOpts
	}{
		{name: "no workers", opts: stressOpts{Workers: 0, Ops: 1, Blocks: 1}},
		{name: "negative ops", opts: stressOpts{Workers: 1, Ops: -1, Blocks: 1}},
		{name: "too many workers", opts: stressOpts{Workers: 9, Ops: 1, Blocks: 1}},
		{name: "no blocks", opts: stressOpts{Workers: 1, Ops: 1, Blocks: 0}},
		{name: "too many blocks", opts: stressOpts{Workers: 1, Ops: 1, Blocks: testBlocks + 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := runStress(context.Background(), k, tc.opts); err == nil {
				t.Errorf("runStress(%+v) succeeded, want error", tc.opts)
			}
		})
	}
}

func TestWriteStats(t *testing.T) {
	k := newTestKernel(t, newTestImage(t))
	var buf bytes.Buffer
	if err := writeStats(k, &buf); err != nil {
		t.Fatalf("writeStats failed: %v", err)
	}
	// 256 frames, two of which hold the 16 buffers, taken from CPU 0.
	want := `frames: 256 total, 1040384 bytes free
  cpu 0: 126 free
  cpu 1: 128 free
buffers: 16 of 512 bytes
  bucket 0: 6
  bucket 1: 5
  bucket 2: 5
`
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("writeStats mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteMetrics(t *testing.T) {
	k := newTestKernel(t, newTestImage(t))
	ctx := k.threadContext(context.Background(), mainThread)
	if err := writeBlock(ctx, k, 0, 0, 0, []byte("x")); err != nil {
		t.Fatalf("writeBlock failed: %v", err)
	}

	var buf bytes.Buffer
	if err := writeMetrics(&buf); err != nil {
		t.Fatalf("writeMetrics failed: %v", err)
	}
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("metrics do not parse: %v\n%s", err, buf.String())
	}
	for _, name := range []string{
		"kmem_bcache_hits",
		"kmem_bcache_misses",
		"kmem_bcache_writes",
		"kmem_pgalloc_allocations",
		"kmem_pgalloc_free_bytes",
	} {
		if _, ok := families[name]; !ok {
			t.Errorf("metric %q missing from output", name)
		}
	}
	if got := families["kmem_bcache_writes"].GetMetric()[0].GetCounter().GetValue(); got < 1 {
		t.Errorf("kmem_bcache_writes = %v, want at least 1", got)
	}
}

func TestMkimageExecute(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.img")
	m := &Mkimage{}
	f := flag.NewFlagSet(m.Name(), flag.ContinueOnError)
	m.SetFlags(f)
	if err := f.Parse([]string{"-blocks", "8", path}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := m.Execute(context.Background(), f, testConfig()); got != subcommands.ExitSuccess {
		t.Fatalf("Execute = %v, want success", got)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if got, want := fi.Size(), int64(8*testBlockSize); got != want {
		t.Errorf("image size = %d, want %d", got, want)
	}

	// A second mkimage does not clobber the image.
	if got := m.Execute(context.Background(), f, testConfig()); got != subcommands.ExitFailure {
		t.Errorf("Execute over existing image = %v, want failure", got)
	}
}

func TestUsageErrors(t *testing.T) {
	for _, c := range []subcommands.Command{&Mkimage{}, &Read{}, &Write{}, &Stress{}} {
		t.Run(c.Name(), func(t *testing.T) {
			f := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
			f.SetOutput(&strings.Builder{})
			c.SetFlags(f)
			if err := f.Parse(nil); err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if got := c.Execute(context.Background(), f, testConfig()); got != subcommands.ExitUsageError {
				t.Errorf("Execute with no arguments = %v, want usage error", got)
			}
		})
	}
}

func TestReadRejectsBlockCount(t *testing.T) {
	image := newTestImage(t)
	for _, count := range []string{"0", "4294967296", "4294967297"} {
		t.Run(count, func(t *testing.T) {
			r := &Read{}
			f := flag.NewFlagSet(r.Name(), flag.ContinueOnError)
			r.SetFlags(f)
			if err := f.Parse([]string{"-count", count, image, "0"}); err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if got := r.Execute(context.Background(), f, testConfig()); got != subcommands.ExitFailure {
				t.Errorf("Execute with -count %s = %v, want failure", count, got)
			}
		})
	}
}

func TestThreadContext(t *testing.T) {
	k := newTestKernel(t, newTestImage(t))
	ctx := k.threadContext(context.Background(), 3)
	if got := context.ThreadIDFromContext(ctx); got != 3 {
		t.Errorf("ThreadIDFromContext = %d, want 3", got)
	}
	if got, want := context.CPUFromContext(ctx), 3%testConfig().NumCPU; got != want {
		t.Errorf("CPUFromContext = %d, want %d", got, want)
	}
	if got := pgalloc.FromContext(ctx); got != k.mem {
		t.Errorf("FromContext = %p, want the kernel's allocator %p", got, k.mem)
	}
}
