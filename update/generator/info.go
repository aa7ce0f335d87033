// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package generator

import (
	"fmt"
	"io"

	"github.com/golang/protobuf/proto"

	"github.com/flatcar/update-engine/update/digest"
	"github.com/flatcar/update-engine/update/metadata"
)

const infoChunkSize = 128 * 1024

// NewPartitionInfo describes the image read from r and rewinds r so the
// image can be split into operations afterwards.
func NewPartitionInfo(r io.ReadSeeker) (*metadata.PartitionInfo, error) {
	c := digest.New()
	buf := make([]byte, infoChunkSize)
	var size uint64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if err := c.Update(buf[:n]); err != nil {
				return nil, err
			}
			size += uint64(n)
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading partition image: %w", err)
		}
	}
	if err := c.Finalize(); err != nil {
		return nil, err
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return &metadata.PartitionInfo{
		Hash: c.RawHash(),
		Size: proto.Uint64(size),
	}, nil
}
