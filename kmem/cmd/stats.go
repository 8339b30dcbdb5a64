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
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"kcore.dev/kcore/kmem/cmd/util"
	"kcore.dev/kcore/kmem/config"
	"kcore.dev/kcore/pkg/context"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "show how frames and buffers are laid out at boot"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [flags] [image]... - print free frames per CPU and buffers per bucket.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.metrics, "metrics", true, "also print all metrics.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	k, err := newKernel(ctx, conf, f.Args(), true /* global */)
	if err != nil {
		return util.Errorf("starting kernel: %v", err)
	}
	defer k.Close()

	if err := writeStats(k, os.Stdout); err != nil {
		return util.Errorf("writing stats: %v", err)
	}
	if s.metrics {
		if err := writeMetrics(os.Stdout); err != nil {
			return util.Errorf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// writeStats writes the per-CPU free frame counts and per-bucket buffer
// counts of k to w.
func writeStats(k *kernel, w io.Writer) error {
	if _, err := fmt.Fprintf(w, "frames: %d total, %d bytes free\n", k.mem.NumFrames(), k.mem.AmountFree()); err != nil {
		return err
	}
	for cpu, n := range k.mem.FreeFrames() {
		if _, err := fmt.Fprintf(w, "  cpu %d: %d free\n", cpu, n); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "buffers: %d of %d bytes\n", k.cache.NumBuf(), k.cache.BlockSize()); err != nil {
		return err
	}
	for bkt, n := range k.cache.BucketSizes() {
		if _, err := fmt.Fprintf(w, "  bucket %d: %d\n", bkt, n); err != nil {
			return err
		}
	}
	return nil
}
