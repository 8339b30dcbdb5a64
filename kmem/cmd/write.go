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
	"strconv"

	"github.com/google/subcommands"
	"kcore.dev/kcore/kmem/cmd/util"
	"kcore.dev/kcore/kmem/config"
	"kcore.dev/kcore/pkg/context"
)

// Write implements subcommands.Command for the "write" command.
type Write struct {
	offset uint
	isHex  bool
}

// Name implements subcommands.Command.Name.
func (*Write) Name() string {
	return "write"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Write) Synopsis() string {
	return "write data into a block of a disk image through the block cache"
}

// Usage implements subcommands.Command.Usage.
func (*Write) Usage() string {
	return `write [flags] <image> <block> <data> - store data at --offset in a block.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (wr *Write) SetFlags(f *flag.FlagSet) {
	f.UintVar(&wr.offset, "offset", 0, "byte offset within the block.")
	f.BoolVar(&wr.isHex, "hex", false, "data is hex encoded.")
}

// Execute implements subcommands.Command.Execute.
func (wr *Write) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 3 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	block, err := strconv.ParseUint(f.Arg(1), 0, 32)
	if err != nil {
		return util.Errorf("invalid block number %q: %v", f.Arg(1), err)
	}
	data := []byte(f.Arg(2))
	if wr.isHex {
		if data, err = hex.DecodeString(f.Arg(2)); err != nil {
			return util.Errorf("invalid hex data: %v", err)
		}
	}

	k, err := newKernel(ctx, conf, []string{f.Arg(0)}, true /* global */)
	if err != nil {
		return util.Errorf("starting kernel: %v", err)
	}
	defer k.Close()

	tctx := k.threadContext(ctx, mainThread)
	if err := writeBlock(tctx, k, 0, uint32(block), int(wr.offset), data); err != nil {
		return util.Errorf("write: %v", err)
	}
	util.Infof("wrote %d bytes to block %d at offset %d", len(data), block, wr.offset)
	return subcommands.ExitSuccess
}

// writeBlock stores data at off in block blk of device dev and writes the
// block back to the device.
func writeBlock(ctx context.Context, k *kernel, dev, blk uint32, off int, data []byte) error {
	if err := k.checkBlocks(dev, blk, 1); err != nil {
		return err
	}
	if off < 0 || off > k.cache.BlockSize() || len(data) > k.cache.BlockSize()-off {
		return fmt.Errorf("%d bytes at offset %d do not fit in a %d-byte block", len(data), off, k.cache.BlockSize())
	}
	b := k.cache.Read(ctx, dev, blk)
	defer k.cache.Release(ctx, b)
	copy(b.Data()[off:], data)
	k.cache.Write(ctx, b)
	return nil
}
