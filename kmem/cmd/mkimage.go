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
	"flag"

	"github.com/google/subcommands"
	"kcore.dev/kcore/kmem/cmd/util"
	"kcore.dev/kcore/kmem/config"
	"kcore.dev/kcore/pkg/context"
	"kcore.dev/kcore/pkg/sentry/bdev"
)

// Mkimage implements subcommands.Command for the "mkimage" command.
type Mkimage struct {
	blocks uint
}

// Name implements subcommands.Command.Name.
func (*Mkimage) Name() string {
	return "mkimage"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Mkimage) Synopsis() string {
	return "create a zero-filled disk image"
}

// Usage implements subcommands.Command.Usage.
func (*Mkimage) Usage() string {
	return `mkimage [flags] <image> - create a disk image of --blocks blocks of --block-size bytes.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Mkimage) SetFlags(f *flag.FlagSet) {
	f.UintVar(&m.blocks, "blocks", 1024, "number of blocks in the image.")
}

// Execute implements subcommands.Command.Execute.
func (m *Mkimage) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if m.blocks == 0 || m.blocks > uint(^uint32(0)) {
		return util.Errorf("invalid number of blocks %d", m.blocks)
	}
	if err := bdev.CreateImage(f.Arg(0), uint32(m.blocks), conf.BlockSize); err != nil {
		return util.Errorf("mkimage: %v", err)
	}
	return subcommands.ExitSuccess
}
