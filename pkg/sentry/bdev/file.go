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
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"kcore.dev/kcore/pkg/atomicbitops"
	"kcore.dev/kcore/pkg/cleanup"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/log"
)

// maxRetries bounds the number of times an interrupted transfer is retried.
const maxRetries = 8

// FileDevice is a Device backed by a disk image file. The image is locked
// exclusively while the device is open.
type FileDevice struct {
	path      string
	f         *os.File
	lock      *flock.Flock
	blockSize int
	numBlocks uint32

	closed atomicbitops.Bool
}

var _ Device = (*FileDevice)(nil)

// LockPath returns the path of the lock file guarding the image at path.
func LockPath(path string) string {
	return path + ".lock"
}

// CreateImage creates a zero-filled disk image of blocks blocks of
// blockSize bytes at path. It fails if path already exists.
func CreateImage(path string, blocks uint32, blockSize int) error {
	if blockSize <= 0 {
		return fmt.Errorf("invalid block size %d: %w", blockSize, linuxerr.EINVAL)
	}
	size := int64(blocks) * int64(blockSize)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("creating image: %w", err)
	}
	cu := cleanup.Make(func() {
		f.Close()
		os.Remove(path)
	})
	defer cu.Clean()

	if size > 0 {
		if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
			// Not every filesystem supports fallocate; a sparse file reads
			// back as zeroes just the same.
			log.Debugf("bdev: fallocate(%q, %d) failed, truncating instead: %v", path, size, err)
			if err := f.Truncate(size); err != nil {
				return fmt.Errorf("sizing image to %d bytes: %w", size, err)
			}
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing image: %w", err)
	}
	cu.Release()
	log.Infof("bdev: created image %q with %d blocks of %d bytes", path, blocks, blockSize)
	return nil
}

// Open opens the disk image at path as a device with the given block size.
// Trailing bytes that do not fill a block are ignored. Open returns EBUSY if
// another FileDevice holds the image.
func Open(path string, blockSize int) (*FileDevice, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d: %w", blockSize, linuxerr.EINVAL)
	}
	l := flock.New(LockPath(path))
	locked, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking image %q: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("image %q is in use: %w", path, linuxerr.EBUSY)
	}
	cu := cleanup.Make(func() { l.Unlock() })
	defer cu.Clean()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	cu.Add(func() { f.Close() })

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image %q: %w", path, err)
	}
	blocks := st.Size() / int64(blockSize)
	if blocks > int64(^uint32(0)) {
		return nil, fmt.Errorf("image %q has %d blocks, more than a block number can address: %w", path, blocks, linuxerr.EINVAL)
	}

	cu.Release()
	log.Debugf("bdev: opened %q, %d blocks of %d bytes", path, blocks, blockSize)
	return &FileDevice{
		path:      path,
		f:         f,
		lock:      l,
		blockSize: blockSize,
		numBlocks: uint32(blocks),
	}, nil
}

// BlockSize implements Device.BlockSize.
func (d *FileDevice) BlockSize() int {
	return d.blockSize
}

// NumBlocks implements Device.NumBlocks.
func (d *FileDevice) NumBlocks() uint32 {
	return d.numBlocks
}

// Path returns the path of the image.
func (d *FileDevice) Path() string {
	return d.path
}

// sysError converts an error from a raw system call into its linuxerr
// counterpart.
func sysError(err error) error {
	if errno, ok := err.(unix.Errno); ok {
		return linuxerr.ErrorFromUnix(errno)
	}
	return err
}

func retryable(err error) bool {
	return linuxerr.Equals(linuxerr.EINTR, err) || linuxerr.Equals(linuxerr.EAGAIN, err)
}

// Transfer implements Device.Transfer. Interrupted transfers are retried
// with exponential backoff; short transfers fail with EIO.
func (d *FileDevice) Transfer(blockno uint32, data []byte, op Op) error {
	if d.closed.Load() {
		return fmt.Errorf("%q is closed: %w", d.path, linuxerr.ENODEV)
	}
	if err := checkTransfer(d, blockno, data); err != nil {
		return err
	}
	off := int64(blockno) * int64(d.blockSize)
	fd := int(d.f.Fd())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	transfer := func() error {
		var (
			n   int
			err error
		)
		switch op {
		case OpRead:
			n, err = unix.Pread(fd, data, off)
		case OpWrite:
			n, err = unix.Pwrite(fd, data, off)
		default:
			return backoff.Permanent(fmt.Errorf("unknown operation %v: %w", op, linuxerr.EINVAL))
		}
		if err != nil {
			err = sysError(err)
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if n != len(data) {
			return backoff.Permanent(fmt.Errorf("short %v of %d bytes: %w", op, n, linuxerr.EIO))
		}
		return nil
	}
	if err := backoff.Retry(transfer, backoff.WithMaxRetries(b, maxRetries)); err != nil {
		return fmt.Errorf("%v of block %d of %q: %w", op, blockno, d.path, err)
	}
	return nil
}

// Close implements Device.Close. It releases the image lock. Closing a
// closed device does nothing.
func (d *FileDevice) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	err := d.f.Close()
	if uerr := d.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// checkTransfer validates the arguments of Device.Transfer.
func checkTransfer(d Device, blockno uint32, data []byte) error {
	if len(data) != d.BlockSize() {
		return fmt.Errorf("buffer of %d bytes for %d-byte blocks: %w", len(data), d.BlockSize(), linuxerr.EINVAL)
	}
	if blockno >= d.NumBlocks() {
		return fmt.Errorf("block %d beyond end of device (%d blocks): %w", blockno, d.NumBlocks(), linuxerr.EINVAL)
	}
	return nil
}
