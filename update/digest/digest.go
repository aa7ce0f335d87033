// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes SHA-256 hashes incrementally. A Calculator's
// state can be saved and restored so a hash can continue across process
// restarts.
package digest

import (
	"crypto/sha256"
	"encoding"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// Size of a raw SHA-256 hash.
const Size = sha256.Size

const fileChunkSize = 128 * 1024

var (
	ErrFinalized    = errors.New("hash calculator already finalized")
	ErrNotFinalized = errors.New("hash calculator not finalized")
)

// Calculator accumulates a SHA-256 hash. Once Finalize has been called the
// calculator is read-only.
type Calculator struct {
	h   hash.Hash
	raw []byte
}

func New() *Calculator {
	return &Calculator{h: sha256.New()}
}

// Update adds data to the hash.
func (c *Calculator) Update(data []byte) error {
	if c.raw != nil {
		return ErrFinalized
	}
	c.h.Write(data)
	return nil
}

// UpdateFile hashes up to length bytes of the named file, or the whole file
// if length is negative. It returns the number of bytes hashed.
func (c *Calculator) UpdateFile(name string, length int64) (int64, error) {
	if c.raw != nil {
		return 0, ErrFinalized
	}
	f, err := os.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if length >= 0 {
		r = io.LimitReader(f, length)
	}
	buf := make([]byte, fileChunkSize)
	return io.CopyBuffer(c.h, r, buf)
}

// Finalize completes the hash. Calling it twice is an error.
func (c *Calculator) Finalize() error {
	if c.raw != nil {
		return ErrFinalized
	}
	c.raw = c.h.Sum(nil)
	return nil
}

// RawHash returns the final hash, or nil before Finalize.
func (c *Calculator) RawHash() []byte {
	return c.raw
}

// Context serializes the in-progress hash state. The encoding is private
// to this package and only meant to be read back by SetContext.
func (c *Calculator) Context() ([]byte, error) {
	if c.raw != nil {
		return nil, ErrFinalized
	}
	m, ok := c.h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("%T cannot be marshaled", c.h)
	}
	return m.MarshalBinary()
}

// SetContext restores a state previously returned by Context.
func (c *Calculator) SetContext(context []byte) error {
	if c.raw != nil {
		return ErrFinalized
	}
	u, ok := c.h.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("%T cannot be unmarshaled", c.h)
	}
	if err := u.UnmarshalBinary(context); err != nil {
		return fmt.Errorf("bad hash context: %w", err)
	}
	return nil
}

// RawHashOfBytes returns the SHA-256 of data.
func RawHashOfBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// RawHashOfFile hashes up to length bytes of the named file, or all of it
// if length is negative.
func RawHashOfFile(name string, length int64) ([]byte, int64, error) {
	c := New()
	n, err := c.UpdateFile(name, length)
	if err != nil {
		return nil, n, err
	}
	if err := c.Finalize(); err != nil {
		return nil, n, err
	}
	return c.RawHash(), n, nil
}
