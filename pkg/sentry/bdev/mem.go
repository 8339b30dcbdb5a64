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

package bdev

import (
	"fmt"

	"kcore.dev/kcore/pkg/atomicbitops"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/sync"
)

// MemDevice is a Device backed by memory. It counts transfers and can be
// told to fail, which makes it useful in tests.
type MemDevice struct {
	blockSize int
	numBlocks uint32

	reads  atomicbitops.Uint64
	writes atomicbitops.Uint64

	mu sync.Mutex

	// +checklocks:mu
	data []byte

	// failNext is returned by the next transfer, if non-nil.
	//
	// +checklocks:mu
	failNext error
}

var _ Device = (*MemDevice)(nil)

// NewMemDevice returns a zero-filled MemDevice.
func NewMemDevice(blocks uint32, blockSize int) *MemDevice {
	if blockSize <= 0 {
		panic(fmt.Sprintf("bdev: invalid block size %d", blockSize))
	}
	return &MemDevice{
		blockSize: blockSize,
		numBlocks: blocks,
		data:      make([]byte, int(blocks)*blockSize),
	}
}

// BlockSize implements Device.BlockSize.
func (d *MemDevice) BlockSize() int {
	return d.blockSize
}

// NumBlocks implements Device.NumBlocks.
func (d *MemDevice) NumBlocks() uint32 {
	return d.numBlocks
}

// Transfer implements Device.Transfer.
func (d *MemDevice) Transfer(blockno uint32, data []byte, op Op) error {
	if err := checkTransfer(d, blockno, data); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failNext; err != nil {
		d.failNext = nil
		return err
	}
	block := d.data[int(blockno)*d.blockSize:][:d.blockSize]
	switch op {
	case OpRead:
		copy(data, block)
		d.reads.Add(1)
	case OpWrite:
		copy(block, data)
		d.writes.Add(1)
	default:
		return fmt.Errorf("unknown operation %v: %w", op, linuxerr.EINVAL)
	}
	return nil
}

// Close implements Device.Close.
func (d *MemDevice) Close() error {
	return nil
}

// Reads returns the number of completed reads.
func (d *MemDevice) Reads() uint64 {
	return d.reads.Load()
}

// Writes returns the number of completed writes.
func (d *MemDevice) Writes() uint64 {
	return d.writes.Load()
}

// FailNext makes the next transfer return err.
func (d *MemDevice) FailNext(err error) {
	d.mu.Lock()
	d.failNext = err
	d.mu.Unlock()
}

// Block returns a copy of block blockno, bypassing the transfer counters.
func (d *MemDevice) Block(blockno uint32) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.data[int(blockno)*d.blockSize:][:d.blockSize]...)
}
