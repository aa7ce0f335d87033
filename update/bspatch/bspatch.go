// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package bspatch applies binary patches in the BSDIFF40 and BSDF2 formats.
//
// Both formats share a 32 byte header: an 8 byte magic followed by the
// control block length, the diff block length and the size of the new
// file, each an 8 byte sign-magnitude integer. The three blocks follow.
// BSDIFF40 always compresses the blocks with bzip2; BSDF2 names the
// compression of each block in bytes 5 to 7 of the magic.
package bspatch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
)

const (
	magicBSDIFF40 = "BSDIFF40"
	magicBSDF2    = "BSDF2"
	headerSize    = 32
)

// Compression identifies how a BSDF2 block is stored.
type Compression byte

const (
	None Compression = iota
	Bzip2
	Brotli
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Bzip2:
		return "bz2"
	case Brotli:
		return "brotli"
	}
	return fmt.Sprintf("compression(%d)", byte(c))
}

var ErrCorrupt = errors.New("corrupt patch")

// offtin decodes the sign-magnitude integer format used throughout bsdiff.
func offtin(b []byte) int64 {
	v := int64(binary.LittleEndian.Uint64(b) & 0x7fffffffffffffff)
	if b[7]&0x80 != 0 {
		return -v
	}
	return v
}

func offtout(v int64, b []byte) {
	if v < 0 {
		binary.LittleEndian.PutUint64(b, uint64(-v)|1<<63)
	} else {
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
}

type header struct {
	compression [3]Compression
	ctrlLen     int64
	diffLen     int64
	newSize     int64
}

func parseHeader(patch []byte) (*header, error) {
	if len(patch) < headerSize {
		return nil, fmt.Errorf("%w: %d byte header", ErrCorrupt, len(patch))
	}
	h := &header{}
	switch {
	case string(patch[:8]) == magicBSDIFF40:
		h.compression = [3]Compression{Bzip2, Bzip2, Bzip2}
	case string(patch[:5]) == magicBSDF2:
		for i := range h.compression {
			c := Compression(patch[5+i])
			if c > Brotli {
				return nil, fmt.Errorf("%w: unknown compression %d", ErrCorrupt, c)
			}
			h.compression[i] = c
		}
	default:
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, patch[:8])
	}
	h.ctrlLen = offtin(patch[8:])
	h.diffLen = offtin(patch[16:])
	h.newSize = offtin(patch[24:])
	if h.ctrlLen < 0 || h.diffLen < 0 || h.newSize < 0 ||
		h.ctrlLen > int64(len(patch)-headerSize) ||
		h.diffLen > int64(len(patch)-headerSize)-h.ctrlLen {
		return nil, fmt.Errorf("%w: bad header lengths", ErrCorrupt)
	}
	return h, nil
}

func newBlockReader(c Compression, data []byte) (io.Reader, error) {
	r := bytes.NewReader(data)
	switch c {
	case None:
		return r, nil
	case Bzip2:
		return bzip2.NewReader(r, nil)
	case Brotli:
		return brotli.NewReader(r), nil
	}
	return nil, fmt.Errorf("%w: unknown compression %d", ErrCorrupt, c)
}

// NewSize returns the size of the output a patch produces.
func NewSize(patch []byte) (int64, error) {
	h, err := parseHeader(patch)
	if err != nil {
		return 0, err
	}
	return h.newSize, nil
}

// Apply patches old and returns the new data.
func Apply(old, patch []byte) ([]byte, error) {
	h, err := parseHeader(patch)
	if err != nil {
		return nil, err
	}

	body := patch[headerSize:]
	ctrl, err := newBlockReader(h.compression[0], body[:h.ctrlLen])
	if err != nil {
		return nil, err
	}
	diff, err := newBlockReader(h.compression[1], body[h.ctrlLen:h.ctrlLen+h.diffLen])
	if err != nil {
		return nil, err
	}
	extra, err := newBlockReader(h.compression[2], body[h.ctrlLen+h.diffLen:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, h.newSize)
	var (
		buf            [24]byte
		oldPos, newPos int64
	)
	for newPos < h.newSize {
		if _, err := io.ReadFull(ctrl, buf[:]); err != nil {
			return nil, fmt.Errorf("%w: reading control block: %v", ErrCorrupt, err)
		}
		diffLen, extraLen, seek := offtin(buf[0:]), offtin(buf[8:]), offtin(buf[16:])
		if diffLen < 0 || extraLen < 0 || diffLen > h.newSize-newPos {
			return nil, fmt.Errorf("%w: control entry out of range", ErrCorrupt)
		}

		chunk := out[newPos : newPos+diffLen]
		if _, err := io.ReadFull(diff, chunk); err != nil {
			return nil, fmt.Errorf("%w: reading diff block: %v", ErrCorrupt, err)
		}
		for i := range chunk {
			if p := oldPos + int64(i); p >= 0 && p < int64(len(old)) {
				chunk[i] += old[p]
			}
		}
		newPos += diffLen
		oldPos += diffLen

		if extraLen > h.newSize-newPos {
			return nil, fmt.Errorf("%w: extra entry out of range", ErrCorrupt)
		}
		if _, err := io.ReadFull(extra, out[newPos:newPos+extraLen]); err != nil {
			return nil, fmt.Errorf("%w: reading extra block: %v", ErrCorrupt, err)
		}
		newPos += extraLen
		oldPos += seek
	}
	return out, nil
}
