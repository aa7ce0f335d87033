// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package blockdev

import (
	"errors"
	"os"
)

const DSync = os.O_SYNC

func (f *File) setReadOnly(bool) {}

func (f *File) blockDevSize() (uint64, error) {
	return 0, errors.New("block device size unknown on this platform")
}

func (f *File) BlkIoctl(Request, uint64, uint64) error {
	return ErrUnsupported
}
