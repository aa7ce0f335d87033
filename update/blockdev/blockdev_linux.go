// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// DSync makes writes durable before they return.
const DSync = unix.O_DSYNC

func (f *File) onBlockDevice() bool {
	fi, err := f.f.Stat()
	return err == nil && isBlockDevice(fi)
}

func (f *File) setReadOnly(ro bool) {
	if !f.onBlockDevice() {
		return
	}
	v := 0
	if ro {
		v = 1
	}
	if err := unix.IoctlSetPointerInt(int(f.f.Fd()), unix.BLKROSET, v); err != nil {
		plog.Debugf("Unable to set %s read-only=%v: %v", f.path, ro, err)
	}
}

func (f *File) blockDevSize() (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return size, nil
}

// BlkIoctl issues a range ioctl on a block device. Regular files return
// ErrUnsupported so callers can fall back to writing zeros.
func (f *File) BlkIoctl(req Request, start, length uint64) error {
	if !f.onBlockDevice() {
		return ErrUnsupported
	}
	var nr uint
	switch req {
	case ZeroOut:
		nr = unix.BLKZEROOUT
	case Discard:
		nr = unix.BLKDISCARD
	case SecureDiscard:
		nr = unix.BLKSECDISCARD
	default:
		return ErrUnsupported
	}
	r := [2]uint64{start, length}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.f.Fd(), uintptr(nr), uintptr(unsafe.Pointer(&r[0])))
	if errno != 0 {
		return errno
	}
	return nil
}
