// Copyright 2021 The gVisor Authors.
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

// Package linuxerr contains error codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package linuxerr

import (
	"golang.org/x/sys/unix"
	"kcore.dev/kcore/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. However, since the types are distinct (these are
// *errors.Error), they are not directly comparable. The Errno method returns
// an Errno number such that the error can be compared to unix.Errno (e.g.
// ENOMEM.Errno() == unix.ENOMEM is true).
var (
	noError *errors.Error = nil
	EINTR                 = errors.New(unix.EINTR, "interrupted system call")
	EIO                   = errors.New(unix.EIO, "I/O error")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	ENODEV                = errors.New(unix.ENODEV, "no such device")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC                = errors.New(unix.ENOSPC, "no space left on device")
)

var errorsByErrno = map[unix.Errno]*errors.Error{
	unix.EINTR:  EINTR,
	unix.EIO:    EIO,
	unix.EAGAIN: EAGAIN,
	unix.ENOMEM: ENOMEM,
	unix.EBUSY:  EBUSY,
	unix.EEXIST: EEXIST,
	unix.ENODEV: ENODEV,
	unix.EINVAL: EINVAL,
	unix.ENOSPC: ENOSPC,
}

// ErrorFromUnix returns the *errors.Error for err, or a new one carrying
// err's errno and message if err has no predefined counterpart.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorsByErrno[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// Equals compares a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}
