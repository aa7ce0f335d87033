// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader(version, manifestSize uint64, sigSize uint32) []byte {
	return AppendHeader(nil, &DeltaArchiveHeader{
		Version:               version,
		ManifestSize:          manifestSize,
		MetadataSignatureSize: sigSize,
	})
}

func TestParseHeaderIncremental(t *testing.T) {
	for _, tc := range []struct {
		name       string
		version    uint64
		headerSize int
	}{
		{"chromeos", ChromeOSMajorVersion, ChromeOSHeaderSize},
		{"brillo", BrilloMajorVersion, MaxHeaderSize},
	} {
		t.Run(tc.name, func(t *testing.T) {
			header := testHeader(tc.version, 100, 7)
			require.Len(t, header, tc.headerSize)

			var m PayloadMetadata
			for i := 0; i < len(header); i++ {
				result, err := m.ParseHeader(header[:i])
				require.NoError(t, err, "prefix %d", i)
				require.Equal(t, ParseInsufficientData, result, "prefix %d", i)
				require.False(t, m.Parsed())
			}

			result, err := m.ParseHeader(header)
			require.NoError(t, err)
			require.Equal(t, ParseSuccess, result)
			assert.True(t, m.Parsed())
			assert.Equal(t, tc.version, m.MajorVersion())
			assert.Equal(t, uint64(tc.headerSize), m.ManifestOffset())
			assert.Equal(t, uint64(tc.headerSize)+100, m.MetadataSize())
			if tc.version == ChromeOSMajorVersion {
				assert.Equal(t, uint64(0), m.MetadataSignatureSize())
			} else {
				assert.Equal(t, uint64(7), m.MetadataSignatureSize())
			}
		})
	}
}

func TestParseHeaderBadMagic(t *testing.T) {
	var m PayloadMetadata
	result, err := m.ParseHeader([]byte("CrAO"))
	assert.Equal(t, ParseError, result)
	assert.True(t, errors.Is(err, ErrInvalidMagic))
}

func TestParseHeaderUnsupportedVersion(t *testing.T) {
	for _, version := range []uint64{0, 3, math.MaxUint64} {
		var m PayloadMetadata
		b := append([]byte(Magic), make([]byte, 8)...)
		binary.BigEndian.PutUint64(b[4:], version)
		result, err := m.ParseHeader(b)
		assert.Equal(t, ParseError, result, "version %d", version)
		assert.True(t, errors.Is(err, ErrUnsupportedMajorVersion), "version %d", version)
	}
}

func TestParseHeaderOverflow(t *testing.T) {
	var m PayloadMetadata
	result, err := m.ParseHeader(testHeader(BrilloMajorVersion, math.MaxUint64-10, 0))
	assert.Equal(t, ParseError, result)
	assert.True(t, errors.Is(err, ErrMetadataSizeOverflow))

	m = PayloadMetadata{}
	result, err = m.ParseHeader(testHeader(BrilloMajorVersion, math.MaxUint64-MaxHeaderSize-1, 10))
	assert.Equal(t, ParseError, result)
	assert.True(t, errors.Is(err, ErrMetadataSizeOverflow))
}

func TestManifestRoundTrip(t *testing.T) {
	manifest := &DeltaArchiveManifest{
		BlockSize:        proto.Uint32(4096),
		SignaturesOffset: proto.Uint64(8192),
		SignaturesSize:   proto.Uint64(267),
		MinorVersion:     proto.Uint32(SourceMinorVersion),
		MaxTimestamp:     proto.Int64(-5),
		NewImageInfo: &ImageInfo{
			Board:   proto.String("amd64-usr"),
			Version: proto.String("4152.2.0"),
		},
		Partitions: []*PartitionUpdate{{
			PartitionName:    proto.String("root"),
			RunPostinstall:   proto.Bool(true),
			OldPartitionInfo: &PartitionInfo{Size: proto.Uint64(8192), Hash: []byte{1, 2, 3}},
			NewPartitionInfo: &PartitionInfo{Size: proto.Uint64(8192), Hash: []byte{4, 5, 6}},
			Operations: []*InstallOperation{
				{
					Type:          InstallOperation_SOURCE_COPY.Enum(),
					SrcExtents:    []*Extent{{StartBlock: proto.Uint64(0), NumBlocks: proto.Uint64(2)}},
					DstExtents:    []*Extent{{StartBlock: proto.Uint64(SparseHole), NumBlocks: proto.Uint64(1)}},
					SrcSha256Hash: []byte{9, 9},
				},
				{
					Type:       InstallOperation_REPLACE_XZ.Enum(),
					DataOffset: proto.Uint64(0),
					DataLength: proto.Uint64(100),
					DstExtents: []*Extent{{StartBlock: proto.Uint64(1), NumBlocks: proto.Uint64(1)}},
				},
			},
			HashTreeDataExtent: &Extent{StartBlock: proto.Uint64(0), NumBlocks: proto.Uint64(1)},
			HashTreeExtent:     &Extent{StartBlock: proto.Uint64(1), NumBlocks: proto.Uint64(1)},
			HashTreeSalt:       []byte{},
			FecRoots:           proto.Uint32(2),
		}},
		DynamicPartitionMetadata: &DynamicPartitionMetadata{
			Groups: []*DynamicPartitionGroup{{
				Name:           proto.String("group"),
				Size:           proto.Uint64(1 << 30),
				PartitionNames: []string{"root", "usr"},
			}},
		},
	}

	b, err := Marshal(manifest)
	require.NoError(t, err)

	decoded := &DeltaArchiveManifest{}
	require.NoError(t, Unmarshal(b, decoded))
	if diff := pretty.Compare(manifest, decoded); diff != "" {
		t.Errorf("manifest changed after round trip:\n%s", diff)
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	b, err := Marshal(&Extent{StartBlock: proto.Uint64(3), NumBlocks: proto.Uint64(4)})
	require.NoError(t, err)
	// field 99, varint 1
	b = append(b, 0x98, 0x06, 0x01)

	var e Extent
	require.NoError(t, Unmarshal(b, &e))
	assert.Equal(t, uint64(3), e.GetStartBlock())
	assert.Equal(t, uint64(4), e.GetNumBlocks())
}

func TestUnmarshalTruncated(t *testing.T) {
	b, err := Marshal(&PartitionInfo{Size: proto.Uint64(1), Hash: make([]byte, 32)})
	require.NoError(t, err)

	var info PartitionInfo
	assert.Error(t, Unmarshal(b[:len(b)-1], &info))
}

func TestGetManifest(t *testing.T) {
	manifest := &DeltaArchiveManifest{MinorVersion: proto.Uint32(FullPayloadMinorVersion)}
	mb, err := Marshal(manifest)
	require.NoError(t, err)

	payload := testHeader(BrilloMajorVersion, uint64(len(mb)), 0)
	payload = append(payload, mb...)

	var m PayloadMetadata
	_, err = m.Manifest(payload)
	assert.True(t, errors.Is(err, ErrHeaderNotParsed))

	result, err := m.ParseHeader(payload)
	require.NoError(t, err)
	require.Equal(t, ParseSuccess, result)
	require.Equal(t, uint64(MaxHeaderSize+len(mb)), m.MetadataSize())

	_, err = m.Manifest(payload[:len(payload)-1])
	assert.True(t, errors.Is(err, ErrManifestParse))

	decoded, err := m.Manifest(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(FullPayloadMinorVersion), decoded.GetMinorVersion())
	assert.Nil(t, decoded.GetOldRootfsInfo())
	assert.Equal(t, uint32(DefaultBlockSize), decoded.GetBlockSize())
}

func TestOperationTypeString(t *testing.T) {
	assert.Equal(t, "BROTLI_BSDIFF", InstallOperation_BROTLI_BSDIFF.String())
	assert.Equal(t, "42", InstallOperation_Type(42).String())
	for name, v := range InstallOperation_Type_value {
		assert.Equal(t, name, InstallOperation_Type(v).String())
	}
}

func TestHeaderSize(t *testing.T) {
	assert.Equal(t, uint64(20), (&DeltaArchiveHeader{Version: ChromeOSMajorVersion}).Size())
	assert.Equal(t, uint64(24), (&DeltaArchiveHeader{Version: BrilloMajorVersion}).Size())
	assert.Len(t, testHeader(ChromeOSMajorVersion, 0, 0), ChromeOSHeaderSize)
	assert.Len(t, testHeader(BrilloMajorVersion, 0, 0), MaxHeaderSize)
}
