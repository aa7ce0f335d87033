// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"strconv"
)

// The message types below mirror update_metadata.proto. Optional scalar
// fields are pointers so that "unset" and "zero" stay distinct, just like
// proto2 generated code; use the proto.Uint64 style helpers to fill them.

// Extent is a run of blocks. StartBlock may be SparseHole.
type Extent struct {
	StartBlock *uint64
	NumBlocks  *uint64
}

func (m *Extent) GetStartBlock() uint64 {
	if m != nil && m.StartBlock != nil {
		return *m.StartBlock
	}
	return 0
}

func (m *Extent) GetNumBlocks() uint64 {
	if m != nil && m.NumBlocks != nil {
		return *m.NumBlocks
	}
	return 0
}

// Signatures is the container for the metadata and payload signatures.
// Each entry is tried in turn so more than one key may sign a payload.
type Signatures struct {
	Signatures []*Signatures_Signature
}

func (m *Signatures) GetSignatures() []*Signatures_Signature {
	if m != nil {
		return m.Signatures
	}
	return nil
}

type Signatures_Signature struct {
	Version               *uint32
	Data                  []byte
	UnpaddedSignatureSize *uint32
}

func (m *Signatures_Signature) GetVersion() uint32 {
	if m != nil && m.Version != nil {
		return *m.Version
	}
	return 0
}

func (m *Signatures_Signature) GetData() []byte {
	if m != nil {
		return m.Data
	}
	return nil
}

func (m *Signatures_Signature) GetUnpaddedSignatureSize() uint32 {
	if m != nil && m.UnpaddedSignatureSize != nil {
		return *m.UnpaddedSignatureSize
	}
	return 0
}

type PartitionInfo struct {
	Size *uint64
	Hash []byte
}

func (m *PartitionInfo) GetSize() uint64 {
	if m != nil && m.Size != nil {
		return *m.Size
	}
	return 0
}

func (m *PartitionInfo) GetHash() []byte {
	if m != nil {
		return m.Hash
	}
	return nil
}

// ImageInfo describes the build a partition image came from.
type ImageInfo struct {
	Board        *string
	Key          *string
	Channel      *string
	Version      *string
	BuildChannel *string
	BuildVersion *string
}

func (m *ImageInfo) GetBoard() string {
	if m != nil && m.Board != nil {
		return *m.Board
	}
	return ""
}

func (m *ImageInfo) GetKey() string {
	if m != nil && m.Key != nil {
		return *m.Key
	}
	return ""
}

func (m *ImageInfo) GetChannel() string {
	if m != nil && m.Channel != nil {
		return *m.Channel
	}
	return ""
}

func (m *ImageInfo) GetVersion() string {
	if m != nil && m.Version != nil {
		return *m.Version
	}
	return ""
}

func (m *ImageInfo) GetBuildChannel() string {
	if m != nil && m.BuildChannel != nil {
		return *m.BuildChannel
	}
	return ""
}

func (m *ImageInfo) GetBuildVersion() string {
	if m != nil && m.BuildVersion != nil {
		return *m.BuildVersion
	}
	return ""
}

type InstallOperation_Type int32

const (
	InstallOperation_REPLACE       InstallOperation_Type = 0
	InstallOperation_REPLACE_BZ    InstallOperation_Type = 1
	InstallOperation_MOVE          InstallOperation_Type = 2
	InstallOperation_BSDIFF        InstallOperation_Type = 3
	InstallOperation_SOURCE_COPY   InstallOperation_Type = 4
	InstallOperation_SOURCE_BSDIFF InstallOperation_Type = 5
	InstallOperation_ZERO          InstallOperation_Type = 6
	InstallOperation_DISCARD       InstallOperation_Type = 7
	InstallOperation_REPLACE_XZ    InstallOperation_Type = 8
	InstallOperation_PUFFDIFF      InstallOperation_Type = 9
	InstallOperation_BROTLI_BSDIFF InstallOperation_Type = 10
)

var InstallOperation_Type_name = map[int32]string{
	0:  "REPLACE",
	1:  "REPLACE_BZ",
	2:  "MOVE",
	3:  "BSDIFF",
	4:  "SOURCE_COPY",
	5:  "SOURCE_BSDIFF",
	6:  "ZERO",
	7:  "DISCARD",
	8:  "REPLACE_XZ",
	9:  "PUFFDIFF",
	10: "BROTLI_BSDIFF",
}

var InstallOperation_Type_value = map[string]int32{
	"REPLACE":       0,
	"REPLACE_BZ":    1,
	"MOVE":          2,
	"BSDIFF":        3,
	"SOURCE_COPY":   4,
	"SOURCE_BSDIFF": 5,
	"ZERO":          6,
	"DISCARD":       7,
	"REPLACE_XZ":    8,
	"PUFFDIFF":      9,
	"BROTLI_BSDIFF": 10,
}

func (x InstallOperation_Type) Enum() *InstallOperation_Type {
	p := new(InstallOperation_Type)
	*p = x
	return p
}

func (x InstallOperation_Type) String() string {
	if s, ok := InstallOperation_Type_name[int32(x)]; ok {
		return s
	}
	return strconv.Itoa(int(x))
}

// InstallOperation is one step of applying a partition update.
type InstallOperation struct {
	Type *InstallOperation_Type
	// Location of the data blob relative to the end of the metadata
	// (and metadata signature) in the payload.
	DataOffset *uint64
	DataLength *uint64
	SrcExtents []*Extent
	// Bytes to read from the source extents, for bsdiff style operations.
	SrcLength      *uint64
	DstExtents     []*Extent
	DstLength      *uint64
	DataSha256Hash []byte
	SrcSha256Hash  []byte
}

func (m *InstallOperation) GetType() InstallOperation_Type {
	if m != nil && m.Type != nil {
		return *m.Type
	}
	return InstallOperation_REPLACE
}

func (m *InstallOperation) GetDataOffset() uint64 {
	if m != nil && m.DataOffset != nil {
		return *m.DataOffset
	}
	return 0
}

func (m *InstallOperation) GetDataLength() uint64 {
	if m != nil && m.DataLength != nil {
		return *m.DataLength
	}
	return 0
}

func (m *InstallOperation) GetSrcExtents() []*Extent {
	if m != nil {
		return m.SrcExtents
	}
	return nil
}

func (m *InstallOperation) GetSrcLength() uint64 {
	if m != nil && m.SrcLength != nil {
		return *m.SrcLength
	}
	return 0
}

func (m *InstallOperation) GetDstExtents() []*Extent {
	if m != nil {
		return m.DstExtents
	}
	return nil
}

func (m *InstallOperation) GetDstLength() uint64 {
	if m != nil && m.DstLength != nil {
		return *m.DstLength
	}
	return 0
}

func (m *InstallOperation) GetDataSha256Hash() []byte {
	if m != nil {
		return m.DataSha256Hash
	}
	return nil
}

func (m *InstallOperation) GetSrcSha256Hash() []byte {
	if m != nil {
		return m.SrcSha256Hash
	}
	return nil
}

// HasData reports whether the operation references a blob.
func (m *InstallOperation) HasData() bool {
	return m.DataOffset != nil || m.DataLength != nil
}

// PartitionUpdate describes the new contents of one partition.
type PartitionUpdate struct {
	PartitionName         *string
	RunPostinstall        *bool
	PostinstallPath       *string
	FilesystemType        *string
	NewPartitionSignature []*Signatures_Signature
	OldPartitionInfo      *PartitionInfo
	NewPartitionInfo      *PartitionInfo
	Operations            []*InstallOperation
	PostinstallOptional   *bool
	HashTreeDataExtent    *Extent
	HashTreeExtent        *Extent
	HashTreeAlgorithm     *string
	HashTreeSalt          []byte
	FecDataExtent         *Extent
	FecExtent             *Extent
	FecRoots              *uint32
}

func (m *PartitionUpdate) GetPartitionName() string {
	if m != nil && m.PartitionName != nil {
		return *m.PartitionName
	}
	return ""
}

func (m *PartitionUpdate) GetRunPostinstall() bool {
	if m != nil && m.RunPostinstall != nil {
		return *m.RunPostinstall
	}
	return false
}

func (m *PartitionUpdate) GetPostinstallPath() string {
	if m != nil && m.PostinstallPath != nil {
		return *m.PostinstallPath
	}
	return ""
}

func (m *PartitionUpdate) GetFilesystemType() string {
	if m != nil && m.FilesystemType != nil {
		return *m.FilesystemType
	}
	return ""
}

func (m *PartitionUpdate) GetNewPartitionSignature() []*Signatures_Signature {
	if m != nil {
		return m.NewPartitionSignature
	}
	return nil
}

func (m *PartitionUpdate) GetOldPartitionInfo() *PartitionInfo {
	if m != nil {
		return m.OldPartitionInfo
	}
	return nil
}

func (m *PartitionUpdate) GetNewPartitionInfo() *PartitionInfo {
	if m != nil {
		return m.NewPartitionInfo
	}
	return nil
}

func (m *PartitionUpdate) GetOperations() []*InstallOperation {
	if m != nil {
		return m.Operations
	}
	return nil
}

func (m *PartitionUpdate) GetPostinstallOptional() bool {
	if m != nil && m.PostinstallOptional != nil {
		return *m.PostinstallOptional
	}
	return false
}

func (m *PartitionUpdate) GetHashTreeDataExtent() *Extent {
	if m != nil {
		return m.HashTreeDataExtent
	}
	return nil
}

func (m *PartitionUpdate) GetHashTreeExtent() *Extent {
	if m != nil {
		return m.HashTreeExtent
	}
	return nil
}

func (m *PartitionUpdate) GetHashTreeAlgorithm() string {
	if m != nil && m.HashTreeAlgorithm != nil {
		return *m.HashTreeAlgorithm
	}
	return ""
}

func (m *PartitionUpdate) GetHashTreeSalt() []byte {
	if m != nil {
		return m.HashTreeSalt
	}
	return nil
}

func (m *PartitionUpdate) GetFecDataExtent() *Extent {
	if m != nil {
		return m.FecDataExtent
	}
	return nil
}

func (m *PartitionUpdate) GetFecExtent() *Extent {
	if m != nil {
		return m.FecExtent
	}
	return nil
}

func (m *PartitionUpdate) GetFecRoots() uint32 {
	if m != nil && m.FecRoots != nil {
		return *m.FecRoots
	}
	return 2
}

type DynamicPartitionGroup struct {
	Name           *string
	Size           *uint64
	PartitionNames []string
}

func (m *DynamicPartitionGroup) GetName() string {
	if m != nil && m.Name != nil {
		return *m.Name
	}
	return ""
}

func (m *DynamicPartitionGroup) GetSize() uint64 {
	if m != nil && m.Size != nil {
		return *m.Size
	}
	return 0
}

func (m *DynamicPartitionGroup) GetPartitionNames() []string {
	if m != nil {
		return m.PartitionNames
	}
	return nil
}

type DynamicPartitionMetadata struct {
	Groups []*DynamicPartitionGroup
}

func (m *DynamicPartitionMetadata) GetGroups() []*DynamicPartitionGroup {
	if m != nil {
		return m.Groups
	}
	return nil
}

// DeltaArchiveManifest is the manifest following the payload header.
type DeltaArchiveManifest struct {
	// Major version 1 only.
	InstallOperations       []*InstallOperation
	KernelInstallOperations []*InstallOperation

	BlockSize *uint32
	// Location of the payload signature blob, relative to the end of the
	// metadata signature.
	SignaturesOffset *uint64
	SignaturesSize   *uint64

	// Major version 1 only.
	OldKernelInfo *PartitionInfo
	NewKernelInfo *PartitionInfo
	OldRootfsInfo *PartitionInfo
	NewRootfsInfo *PartitionInfo

	OldImageInfo *ImageInfo
	NewImageInfo *ImageInfo

	MinorVersion *uint32

	// Major version 2 and later.
	Partitions []*PartitionUpdate

	// Devices built after this timestamp refuse the payload.
	MaxTimestamp *int64

	DynamicPartitionMetadata *DynamicPartitionMetadata
}

func (m *DeltaArchiveManifest) GetInstallOperations() []*InstallOperation {
	if m != nil {
		return m.InstallOperations
	}
	return nil
}

func (m *DeltaArchiveManifest) GetKernelInstallOperations() []*InstallOperation {
	if m != nil {
		return m.KernelInstallOperations
	}
	return nil
}

func (m *DeltaArchiveManifest) GetBlockSize() uint32 {
	if m != nil && m.BlockSize != nil {
		return *m.BlockSize
	}
	return DefaultBlockSize
}

func (m *DeltaArchiveManifest) GetSignaturesOffset() uint64 {
	if m != nil && m.SignaturesOffset != nil {
		return *m.SignaturesOffset
	}
	return 0
}

func (m *DeltaArchiveManifest) GetSignaturesSize() uint64 {
	if m != nil && m.SignaturesSize != nil {
		return *m.SignaturesSize
	}
	return 0
}

func (m *DeltaArchiveManifest) GetOldKernelInfo() *PartitionInfo {
	if m != nil {
		return m.OldKernelInfo
	}
	return nil
}

func (m *DeltaArchiveManifest) GetNewKernelInfo() *PartitionInfo {
	if m != nil {
		return m.NewKernelInfo
	}
	return nil
}

func (m *DeltaArchiveManifest) GetOldRootfsInfo() *PartitionInfo {
	if m != nil {
		return m.OldRootfsInfo
	}
	return nil
}

func (m *DeltaArchiveManifest) GetNewRootfsInfo() *PartitionInfo {
	if m != nil {
		return m.NewRootfsInfo
	}
	return nil
}

func (m *DeltaArchiveManifest) GetOldImageInfo() *ImageInfo {
	if m != nil {
		return m.OldImageInfo
	}
	return nil
}

func (m *DeltaArchiveManifest) GetNewImageInfo() *ImageInfo {
	if m != nil {
		return m.NewImageInfo
	}
	return nil
}

func (m *DeltaArchiveManifest) GetMinorVersion() uint32 {
	if m != nil && m.MinorVersion != nil {
		return *m.MinorVersion
	}
	return 0
}

func (m *DeltaArchiveManifest) GetPartitions() []*PartitionUpdate {
	if m != nil {
		return m.Partitions
	}
	return nil
}

func (m *DeltaArchiveManifest) GetMaxTimestamp() int64 {
	if m != nil && m.MaxTimestamp != nil {
		return *m.MaxTimestamp
	}
	return 0
}

func (m *DeltaArchiveManifest) GetDynamicPartitionMetadata() *DynamicPartitionMetadata {
	if m != nil {
		return m.DynamicPartitionMetadata
	}
	return nil
}
