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

// Package bdev provides block devices: the synchronous, one block at a time
// transfer contract the block cache performs its I/O through, and devices
// backed by disk image files or memory.
package bdev

import (
	"fmt"
)

// Op is the direction of a block transfer.
type Op int

const (
	// OpRead fills the buffer from the device.
	OpRead Op = iota

	// OpWrite stores the buffer on the device.
	OpWrite
)

// String implements fmt.Stringer.
func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

// Device is a block device.
type Device interface {
	// Transfer moves exactly one block between data and block blockno of
	// the device. len(data) must equal BlockSize. Transfer returns when
	// the transfer is complete.
	Transfer(blockno uint32, data []byte, op Op) error

	// BlockSize returns the size of a block in bytes.
	BlockSize() int

	// NumBlocks returns the number of blocks on the device.
	NumBlocks() uint32

	// Close releases the device.
	Close() error
}
