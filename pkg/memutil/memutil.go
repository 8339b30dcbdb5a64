// Copyright 2019 The gVisor Authors.
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

// Package memutil provides utilities for working with host memory mappings.
package memutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MapAnon returns a private anonymous read/write mapping of size bytes.
//
// The mapping is created with MAP_NORESERVE: the host only commits the pages
// that are touched.
func MapAnon(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid mapping size %d", size)
	}
	m, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap(%d bytes) failed: %w", size, err)
	}
	return m, nil
}

// UnmapSlice unmaps a mapping returned by MapAnon.
func UnmapSlice(slice []byte) error {
	return unix.Munmap(slice)
}
