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

// Package config provides basic infrastructure to set configuration settings
// for kmem. Each setting that can be changed from the command line must be
// added to Config and the flag registered in RegisterFlags. Settings may also
// be read from a TOML file named by --config; flags given on the command line
// take precedence over the file.
package config

import (
	"fmt"
	"strings"

	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/log"
)

// Config holds configuration that is not part of a single command.
type Config struct {
	// ConfigFile is the path of an optional TOML file with settings.
	ConfigFile string `flag:"config" toml:"-"`

	// NumCPU is the number of per-CPU free lists of the page allocator, and
	// the number of CPUs commands spread their work across.
	NumCPU int `flag:"num-cpu" toml:"num-cpu"`

	// MemStart is the first physical address managed by the page allocator.
	MemStart uint64 `flag:"mem-start" toml:"mem-start"`

	// MemSize is the number of bytes of physical memory managed by the page
	// allocator.
	MemSize uint64 `flag:"mem-size" toml:"mem-size"`

	// Poison fills page frames with junk on every allocation and free.
	Poison bool `flag:"poison" toml:"poison"`

	// NumBuf is the number of block cache buffers.
	NumBuf int `flag:"num-buf" toml:"num-buf"`

	// NumBuckets is the number of block cache hash buckets.
	NumBuckets int `flag:"num-buckets" toml:"num-buckets"`

	// BlockSize is the disk block size in bytes.
	BlockSize int `flag:"block-size" toml:"block-size"`

	// LogFilename is the filename to log to, if not empty. It may contain
	// %TIMESTAMP% and %COMMAND%.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format, "text" or "json".
	LogFormat string `flag:"log-format" toml:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`
}

func (c *Config) validate() error {
	if c.NumCPU < 1 {
		return fmt.Errorf("num-cpu must be at least 1, got %d", c.NumCPU)
	}
	if c.MemSize < hostarch.PageSize {
		return fmt.Errorf("mem-size must hold at least one %d-byte page, got %d", hostarch.PageSize, c.MemSize)
	}
	if c.MemStart+c.MemSize < c.MemStart {
		return fmt.Errorf("memory range %#x+%#x overflows", c.MemStart, c.MemSize)
	}
	if c.NumBuf < 1 {
		return fmt.Errorf("num-buf must be at least 1, got %d", c.NumBuf)
	}
	if c.NumBuckets < 1 {
		return fmt.Errorf("num-buckets must be at least 1, got %d", c.NumBuckets)
	}
	if c.BlockSize < 1 || c.BlockSize > hostarch.PageSize || hostarch.PageSize%c.BlockSize != 0 {
		return fmt.Errorf("block-size must divide the page size %d, got %d", hostarch.PageSize, c.BlockSize)
	}
	if need := c.CacheFrames() * hostarch.PageSize; need > c.MemSize {
		return fmt.Errorf("block cache needs %d bytes of memory, mem-size is %d", need, c.MemSize)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

// CacheFrames returns the number of page frames taken by block cache
// payloads.
func (c *Config) CacheFrames() uint64 {
	perPage := uint64(hostarch.PageSize / c.BlockSize)
	return (uint64(c.NumBuf) + perPage - 1) / perPage
}

// Log logs important aspects of the configuration, followed by the
// non-default settings as command line flags.
func (c *Config) Log() {
	log.Infof("Config.NumCPU: %d", c.NumCPU)
	log.Infof("Config.Memory: [%#x, %#x), poison: %t", c.MemStart, c.MemStart+c.MemSize, c.Poison)
	log.Infof("Config.Cache: %d buffers of %d bytes in %d buckets", c.NumBuf, c.BlockSize, c.NumBuckets)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.Flags: %s", strings.Join(c.ToFlags(), " "))
}
