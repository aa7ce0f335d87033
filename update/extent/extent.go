// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package extent addresses partition data as lists of block extents.
package extent

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/protobuf/proto"

	"github.com/flatcar/update-engine/update/metadata"
)

var ErrLengthMismatch = errors.New("extents do not cover the requested length")

// New returns an extent of num blocks starting at start.
func New(start, num uint64) *metadata.Extent {
	return &metadata.Extent{
		StartBlock: proto.Uint64(start),
		NumBlocks:  proto.Uint64(num),
	}
}

// IsSparseHole reports whether e is a placeholder without backing blocks.
func IsSparseHole(e *metadata.Extent) bool {
	return e.GetStartBlock() == metadata.SparseHole
}

// BlocksIn sums the blocks of all extents.
func BlocksIn(extents []*metadata.Extent) uint64 {
	var n uint64
	for _, e := range extents {
		n += e.GetNumBlocks()
	}
	return n
}

// String formats extents as start:blocks pairs for logging.
func String(extents []*metadata.Extent) string {
	parts := make([]string, len(extents))
	for i, e := range extents {
		parts[i] = fmt.Sprintf("%d:%d", e.GetStartBlock(), e.GetNumBlocks())
	}
	return strings.Join(parts, ",")
}

// Position is a byte range; a negative Offset is a sparse hole.
type Position struct {
	Offset int64
	Length uint64
}

// BsdiffPositions converts extents to the offset:length list understood by
// bspatch, clipping the last range so the total is exactly fullLength.
func BsdiffPositions(extents []*metadata.Extent, blockSize, fullLength uint64) (string, error) {
	var (
		parts  []string
		length uint64
	)
	for _, e := range extents {
		start := int64(-1)
		if !IsSparseHole(e) {
			start = int64(e.GetStartBlock() * blockSize)
		}
		this := min(fullLength-length, e.GetNumBlocks()*blockSize)
		parts = append(parts, fmt.Sprintf("%d:%d", start, this))
		length += this
	}
	if length != fullLength {
		return "", fmt.Errorf("%w: %d of %d bytes", ErrLengthMismatch, length, fullLength)
	}
	return strings.Join(parts, ","), nil
}

// ParsePositions reads a string produced by BsdiffPositions.
func ParsePositions(s string) ([]Position, error) {
	if s == "" {
		return nil, nil
	}
	var positions []Position
	for _, part := range strings.Split(s, ",") {
		off, length, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("bad position %q", part)
		}
		o, err := strconv.ParseInt(off, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad position %q: %w", part, err)
		}
		l, err := strconv.ParseUint(length, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad position %q: %w", part, err)
		}
		positions = append(positions, Position{Offset: o, Length: l})
	}
	return positions, nil
}
