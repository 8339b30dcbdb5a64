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
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"kcore.dev/kcore/kmem/cmd/util"
	"kcore.dev/kcore/kmem/config"
	"kcore.dev/kcore/pkg/context"
)

// Read implements subcommands.Command for the "read" command.
type Read struct {
	count uint
	raw   bool
}

// Name implements subcommands.Command.Name.
func (*Read) Name() string {
	return "read"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Read) Synopsis() string {
	return "read blocks of a disk image through the block cache"
}

// Usage implements subcommands.Command.Usage.
func (*Read) Usage() string {
	return `read [flags] <image> <block> - print the contents of one or more blocks.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Read) SetFlags(f *flag.FlagSet) {
	f.UintVar(&r.count, "count", 1, "number of consecutive blocks to read.")
	f.BoolVar(&r.raw, "raw", false, "write the raw block contents instead of a hex dump.")
}

// Execute implements subcommands.Command.Execute.
func (r *Read) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	block, err := strconv.ParseUint(f.Arg(1), 0, 32)
	if err != nil {
		return util.Errorf("invalid block number %q: %v", f.Arg(1), err)
	}
	if r.count == 0 || r.count > math.MaxUint32 {
		return util.Errorf("invalid block count %d", r.count)
	}

	k, err := newKernel(ctx, conf, []string{f.Arg(0)}, true /* global */)
	if err != nil {
		return util.Errorf("starting kernel: %v", err)
	}
	defer k.Close()

	tctx := k.threadContext(ctx, mainThread)
	if err := readBlocks(tctx, k, 0, uint32(block), uint32(r.count), r.raw, os.Stdout); err != nil {
		return util.Errorf("read: %v", err)
	}
	return subcommands.ExitSuccess
}

// readBlocks writes the contents of count blocks of device dev, starting at
// start, to w.
func readBlocks(ctx context.Context, k *kernel, dev, start, count uint32, raw bool, w io.Writer) error {
	if err := k.checkBlocks(dev, start, count); err != nil {
		return err
	}
	for blk := start; blk < start+count; blk++ {
		b := k.cache.Read(ctx, dev, blk)
		var err error
		if raw {
			_, err = w.Write(b.Data())
		} else {
			err = dumpBlock(w, blk, b.Data())
		}
		k.cache.Release(ctx, b)
		if err != nil {
			return err
		}
	}
	return nil
}

// dumpBlock writes a hex dump of one block, prefixed with its number.
func dumpBlock(w io.Writer, blk uint32, data []byte) error {
	if _, err := fmt.Fprintf(w, "block %d:\n", blk); err != nil {
		return err
	}
	d := hex.Dumper(w)
	if _, err := d.Write(data); err != nil {
		return err
	}
	return d.Close()
}
