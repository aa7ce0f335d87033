// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/update-engine", "update/metadata")

var (
	ErrInvalidMagic            = errors.New("bad payload magic")
	ErrUnsupportedMajorVersion = errors.New("unsupported major payload version")
	ErrMetadataSizeOverflow    = errors.New("payload metadata size overflow")
	ErrManifestParse           = errors.New("unable to parse manifest")
	ErrHeaderNotParsed         = errors.New("payload header not parsed")
)

// ParseResult reports the outcome of a streaming parse attempt.
type ParseResult int

const (
	ParseSuccess ParseResult = iota
	// ParseInsufficientData means the caller should retry once more
	// bytes have been appended to the same buffer.
	ParseInsufficientData
	ParseError
)

func (r ParseResult) String() string {
	switch r {
	case ParseSuccess:
		return "success"
	case ParseInsufficientData:
		return "insufficient data"
	case ParseError:
		return "error"
	}
	return fmt.Sprintf("ParseResult(%d)", int(r))
}

// PayloadMetadata parses the fixed header at the start of a payload and
// locates the manifest and metadata signature that follow it.
type PayloadMetadata struct {
	header       DeltaArchiveHeader
	metadataSize uint64
	parsed       bool
}

// ParseHeader examines the start of payload. It may be called repeatedly
// with a growing buffer until it stops returning ParseInsufficientData.
func (m *PayloadMetadata) ParseHeader(payload []byte) (ParseResult, error) {
	if len(payload) < len(Magic) {
		return ParseInsufficientData, nil
	}
	if !bytes.Equal(payload[:len(Magic)], []byte(Magic)) {
		plog.Errorf("Bad payload format -- invalid delta magic: %q", payload[:len(Magic)])
		return ParseError, ErrInvalidMagic
	}

	if len(payload) < manifestSizeOffset {
		return ParseInsufficientData, nil
	}
	version := binary.BigEndian.Uint64(payload[versionOffset:])
	if version < MinSupportedMajorVersion || version > MaxSupportedMajorVersion {
		plog.Errorf("Bad payload format -- unsupported payload version: %d", version)
		return ParseError, fmt.Errorf("%w: %d", ErrUnsupportedMajorVersion, version)
	}

	offset := manifestOffset(version)
	if uint64(len(payload)) < offset {
		return ParseInsufficientData, nil
	}

	var h DeltaArchiveHeader
	copy(h.Magic[:], payload)
	h.Version = version
	h.ManifestSize = binary.BigEndian.Uint64(payload[manifestSizeOffset:])
	if version >= BrilloMajorVersion {
		h.MetadataSignatureSize = binary.BigEndian.Uint32(payload[signatureSizeOffset:])
	}

	size := offset + h.ManifestSize
	if size < h.ManifestSize {
		return ParseError, fmt.Errorf("%w: manifest size %d", ErrMetadataSizeOverflow, h.ManifestSize)
	}
	if size+uint64(h.MetadataSignatureSize) < size {
		return ParseError, fmt.Errorf("%w: metadata signature size %d", ErrMetadataSizeOverflow, h.MetadataSignatureSize)
	}

	m.header = h
	m.metadataSize = size
	m.parsed = true
	return ParseSuccess, nil
}

// Parsed reports whether a header has been successfully parsed.
func (m *PayloadMetadata) Parsed() bool {
	return m.parsed
}

func (m *PayloadMetadata) Header() DeltaArchiveHeader {
	return m.header
}

func (m *PayloadMetadata) MajorVersion() uint64 {
	return m.header.Version
}

// MetadataSize is the size of the header plus the manifest.
func (m *PayloadMetadata) MetadataSize() uint64 {
	return m.metadataSize
}

func (m *PayloadMetadata) MetadataSignatureSize() uint64 {
	return uint64(m.header.MetadataSignatureSize)
}

func (m *PayloadMetadata) ManifestOffset() uint64 {
	return m.header.Size()
}

// Manifest decodes the manifest region of payload. The caller must have
// checked that payload holds at least MetadataSize bytes.
func (m *PayloadMetadata) Manifest(payload []byte) (*DeltaArchiveManifest, error) {
	if !m.parsed {
		return nil, ErrHeaderNotParsed
	}
	if uint64(len(payload)) < m.metadataSize {
		return nil, fmt.Errorf("%w: have %d of %d metadata bytes", ErrManifestParse, len(payload), m.metadataSize)
	}
	manifest := &DeltaArchiveManifest{}
	if err := Unmarshal(payload[m.ManifestOffset():m.metadataSize], manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}
	return manifest, nil
}

// MetadataSignature returns the signature blob stored in the payload
// right after the manifest, if any.
func (m *PayloadMetadata) MetadataSignature(payload []byte) ([]byte, error) {
	if !m.parsed {
		return nil, ErrHeaderNotParsed
	}
	end := m.metadataSize + m.MetadataSignatureSize()
	if uint64(len(payload)) < end {
		return nil, fmt.Errorf("have %d of %d metadata signature bytes", len(payload), end)
	}
	return payload[m.metadataSize:end], nil
}

// AppendHeader encodes h, including the metadata signature size field
// only for versions that carry it.
func AppendHeader(b []byte, h *DeltaArchiveHeader) []byte {
	b = append(b, Magic...)
	b = binary.BigEndian.AppendUint64(b, h.Version)
	b = binary.BigEndian.AppendUint64(b, h.ManifestSize)
	if h.Version >= BrilloMajorVersion {
		b = binary.BigEndian.AppendUint32(b, h.MetadataSignatureSize)
	}
	return b
}
