// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"math"
)

// Magic is the first four bytes of any update payload.
const Magic = "CrAU"

// Major versions of the payload format.
const (
	ChromeOSMajorVersion = 1
	BrilloMajorVersion   = 2

	MinSupportedMajorVersion = ChromeOSMajorVersion
	MaxSupportedMajorVersion = BrilloMajorVersion
)

// Minor versions select which operations a delta payload may use.
const (
	FullPayloadMinorVersion  = 0
	InPlaceMinorVersion      = 1
	SourceMinorVersion       = 2
	OpSrcHashMinorVersion    = 3
	BrotliBsdiffMinorVersion = 4
	PuffdiffMinorVersion     = 5
	VerityMinorVersion       = 6

	MinSupportedMinorVersion = InPlaceMinorVersion
	MaxSupportedMinorVersion = VerityMinorVersion
)

const (
	versionOffset      = 4
	manifestSizeOffset = versionOffset + 8
	// metadata signature size field, major version 2 and later
	signatureSizeOffset = manifestSizeOffset + 8

	// ChromeOSHeaderSize is the size of a major version 1 header.
	ChromeOSHeaderSize = signatureSizeOffset
	// MaxHeaderSize is the largest header of any supported version.
	MaxHeaderSize = signatureSizeOffset + 4
)

// SparseHole marks an extent that is not backed by any blocks.
const SparseHole uint64 = math.MaxUint64

// DefaultBlockSize is used when a manifest leaves block_size unset.
const DefaultBlockSize = 4096

// Partition names synthesized for major version 1 payloads.
const (
	PartitionNameRoot   = "root"
	PartitionNameKernel = "kernel"
)

// DeltaArchiveHeader begins the payload file.
type DeltaArchiveHeader struct {
	Magic        [4]byte // "CrAU"
	Version      uint64
	ManifestSize uint64
	// Present only for major version 2 and later.
	MetadataSignatureSize uint32
}

// Size returns the encoded length of the header for its version.
func (h *DeltaArchiveHeader) Size() uint64 {
	return manifestOffset(h.Version)
}

func manifestOffset(version uint64) uint64 {
	if version >= BrilloMajorVersion {
		return MaxHeaderSize
	}
	return ChromeOSHeaderSize
}
