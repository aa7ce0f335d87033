// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"errors"
	"io"
	"sync"
)

var ErrClosed = errors.New("device closed")

// ReadOp records one ReadAt call on a Memory device.
type ReadOp struct {
	Offset int64
	Length int
}

// Memory is a fixed size in-memory Device. Reads past the end return
// io.EOF like a short file.
type Memory struct {
	mu      sync.Mutex
	data    []byte
	readOps []ReadOp
	closed  bool
}

func NewMemory(data []byte) *Memory {
	return &Memory{data: data}
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.readOps = append(m.readOps, ReadOp{Offset: off, Length: len(p)})
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.data[off:], p), nil
}

func (m *Memory) Flush() error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) Size() (uint64, error) {
	return uint64(len(m.data)), nil
}

// BlkIoctl always fails so callers exercise their fallback paths.
func (m *Memory) BlkIoctl(Request, uint64, uint64) error {
	return ErrUnsupported
}

// Bytes returns the device contents.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// ReadOps returns every read issued so far.
func (m *Memory) ReadOps() []ReadOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ReadOp(nil), m.readOps...)
}
