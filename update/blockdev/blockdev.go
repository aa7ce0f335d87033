// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package blockdev provides positional I/O on partitions, which may be
// block devices or plain image files.
package blockdev

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/update-engine", "update/blockdev")

// ErrUnsupported is returned for block ioctls on files or platforms that
// do not implement them.
var ErrUnsupported = errors.New("block ioctl not supported")

// Request selects a block range ioctl.
type Request int

const (
	ZeroOut Request = iota
	Discard
	SecureDiscard
)

func (r Request) String() string {
	switch r {
	case ZeroOut:
		return "BLKZEROOUT"
	case Discard:
		return "BLKDISCARD"
	case SecureDiscard:
		return "BLKSECDISCARD"
	}
	return fmt.Sprintf("Request(%d)", int(r))
}

// Reader is a readable partition.
type Reader interface {
	io.ReaderAt
}

// Device is an open partition.
type Device interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Flush makes previous writes durable.
	Flush() error
	// Size is the size of the device or file in bytes.
	Size() (uint64, error)
}

// RangeDevice is a Device that can zero or discard byte ranges in place.
type RangeDevice interface {
	Device
	BlkIoctl(req Request, start, length uint64) error
}

// File is a Device backed by an operating system file.
type File struct {
	f    *os.File
	path string
}

// Open opens path with the given os.OpenFile flags. Block devices are also
// marked read-only or read-write to match, ignoring failures since that
// only works on real devices.
func Open(path string, flag int) (*File, error) {
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	file := &File{f: f, path: path}
	file.setReadOnly(flag&(os.O_WRONLY|os.O_RDWR) == 0)
	return file, nil
}

func (f *File) Path() string {
	return f.path
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.f.ReadAt(p, off)
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return f.f.WriteAt(p, off)
}

func (f *File) Flush() error {
	return f.f.Sync()
}

func (f *File) Close() error {
	return f.f.Close()
}

// Size reports the size of a regular file, or the capacity of a block
// device.
func (f *File) Size() (uint64, error) {
	fi, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	if isBlockDevice(fi) {
		return f.blockDevSize()
	}
	return uint64(fi.Size()), nil
}

func isBlockDevice(fi os.FileInfo) bool {
	return fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0
}

// DiscardTail drops the contents of dev past dataSize, trying each range
// ioctl in turn. It reports whether anything was discarded.
func DiscardTail(dev RangeDevice, dataSize uint64) bool {
	size, err := dev.Size()
	if err != nil || size == 0 || size <= dataSize {
		return false
	}
	for _, req := range []Request{Discard, SecureDiscard, ZeroOut} {
		err := dev.BlkIoctl(req, dataSize, size-dataSize)
		if err == nil {
			return true
		}
		plog.Warningf("Error discarding the last %d KiB using ioctl(%s): %v",
			(size-dataSize)/1024, req, err)
	}
	return false
}
