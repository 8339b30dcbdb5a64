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
	"sort"

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/sync"
)

// Table maps device numbers to devices. It implements the block cache's
// driver contract.
type Table struct {
	mu sync.RWMutex

	// +checklocks:mu
	devices map[uint32]Device
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{devices: make(map[uint32]Device)}
}

// Register makes d available as device dev. It returns EEXIST if dev is
// already registered.
func (t *Table) Register(dev uint32, d Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[dev]; ok {
		return fmt.Errorf("device %d: %w", dev, linuxerr.EEXIST)
	}
	t.devices[dev] = d
	return nil
}

// Lookup returns device dev, or ENODEV if there is none.
func (t *Table) Lookup(dev uint32) (Device, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.devices[dev]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", dev, linuxerr.ENODEV)
	}
	return d, nil
}

// Transfer moves one block between data and block blockno of device dev.
func (t *Table) Transfer(dev, blockno uint32, data []byte, op Op) error {
	d, err := t.Lookup(dev)
	if err != nil {
		return err
	}
	return d.Transfer(blockno, data, op)
}

// Close closes every registered device in device number order and empties
// the table. It returns the first error encountered.
func (t *Table) Close() error {
	t.mu.Lock()
	devices := t.devices
	t.devices = make(map[uint32]Device)
	t.mu.Unlock()

	nums := make([]uint32, 0, len(devices))
	for n := range devices {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	var firstErr error
	for _, n := range nums {
		if err := devices[n].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing device %d: %w", n, err)
		}
	}
	return firstErr
}
