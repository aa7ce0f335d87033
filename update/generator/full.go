// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package generator

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/flatcar/update-engine/update/extent"
	"github.com/flatcar/update-engine/update/metadata"
)

// DefaultChunkBlocks is how many blocks a full payload operation covers.
const DefaultChunkBlocks = 256

// FullPartition splits an image into operations of chunkBlocks blocks,
// each compressed according to opType. The final block is zero padded.
func FullPartition(name string, image []byte, opType metadata.InstallOperation_Type, chunkBlocks uint64) (*Partition, error) {
	if chunkBlocks == 0 {
		chunkBlocks = DefaultChunkBlocks
	}
	info, err := NewPartitionInfo(bytes.NewReader(image))
	if err != nil {
		return nil, err
	}

	part := &Partition{
		Name:           name,
		New:            info,
		RunPostinstall: name == metadata.PartitionNameRoot,
	}
	chunkSize := chunkBlocks * BlockSize
	for start := uint64(0); start < uint64(len(image)); start += chunkSize {
		chunk := image[start:min(start+chunkSize, uint64(len(image)))]
		blocks := (uint64(len(chunk)) + BlockSize - 1) / BlockSize
		if pad := blocks*BlockSize - uint64(len(chunk)); pad != 0 {
			chunk = append(chunk[:len(chunk):len(chunk)], make([]byte, pad)...)
		}

		var data []byte
		switch opType {
		case metadata.InstallOperation_REPLACE:
			data = chunk
		case metadata.InstallOperation_REPLACE_BZ:
			data, err = Bzip2(chunk)
		case metadata.InstallOperation_REPLACE_XZ:
			data, err = XZ(chunk)
		default:
			return nil, fmt.Errorf("full payloads cannot use %s", opType)
		}
		if err != nil {
			return nil, err
		}

		part.Operations = append(part.Operations, &Operation{
			InstallOperation: &metadata.InstallOperation{
				Type:       opType.Enum(),
				DstExtents: []*metadata.Extent{extent.New(start/BlockSize, blocks)},
			},
			Data: data,
		})
	}
	plog.Debugf("partition %s: %d bytes in %d operations", name, len(image), len(part.Operations))
	return part, nil
}

// FullPartitionFromFile reads an image file and calls FullPartition.
func FullPartitionFromFile(name, path string, opType metadata.InstallOperation_Type, chunkBlocks uint64) (*Partition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	image, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return FullPartition(name, image, opType, chunkBlocks)
}
