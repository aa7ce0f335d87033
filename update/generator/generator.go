// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package generator writes update payloads. It builds full payloads from
// partition images and lays out arbitrary operations, which makes it the
// source of test payloads for the rest of the update engine.
package generator

import (
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/coreos/pkg/capnslog"
	"github.com/golang/protobuf/proto"

	"github.com/flatcar/update-engine/update/digest"
	"github.com/flatcar/update-engine/update/extent"
	"github.com/flatcar/update-engine/update/metadata"
	"github.com/flatcar/update-engine/update/verifier"
)

const BlockSize = metadata.DefaultBlockSize

var plog = capnslog.NewPackageLogger("github.com/flatcar/update-engine", "update/generator")

// Operation is an install operation together with its data blob. The
// generator fills in the data offset, length and hash.
type Operation struct {
	*metadata.InstallOperation
	Data []byte
}

// Partition describes the update of one partition.
type Partition struct {
	Name           string
	Old            *metadata.PartitionInfo
	New            *metadata.PartitionInfo
	RunPostinstall bool
	Operations     []*Operation
}

// Generator assembles a payload. The zero value writes an unsigned major
// version 2 full payload.
type Generator struct {
	MajorVersion uint64
	MinorVersion uint32
	MaxTimestamp int64
	NewImageInfo *metadata.ImageInfo
	// SigningKeys sign the metadata and the payload. Each key adds one
	// signature entry.
	SigningKeys []*rsa.PrivateKey
	// SkipOperationHashes leaves data_sha256_hash unset.
	SkipOperationHashes bool

	partitions []*Partition
	dynamic    *metadata.DynamicPartitionMetadata
}

// Result is a generated payload.
type Result struct {
	Payload      []byte
	MetadataSize uint64
	// MetadataSignature is the signature blob stored in version 2
	// payloads.
	MetadataSignature []byte
	// MetadataSignatureRSA is the base64 raw metadata signature of the
	// first key, as announced by an update server.
	MetadataSignatureRSA string
	Manifest             *metadata.DeltaArchiveManifest
}

// Partition adds a partition to the payload.
func (g *Generator) Partition(p *Partition) error {
	if p.Name == "" {
		return errors.New("partition has no name")
	}
	if p.New == nil {
		return fmt.Errorf("partition %s has no new partition info", p.Name)
	}
	for _, q := range g.partitions {
		if q.Name == p.Name {
			return fmt.Errorf("duplicate partition %s", p.Name)
		}
	}
	g.partitions = append(g.partitions, p)
	return nil
}

// DynamicPartitionMetadata sets the dynamic partition groups.
func (g *Generator) DynamicPartitionMetadata(m *metadata.DynamicPartitionMetadata) {
	g.dynamic = m
}

func (g *Generator) majorVersion() uint64 {
	if g.MajorVersion == 0 {
		return metadata.BrilloMajorVersion
	}
	return g.MajorVersion
}

func (g *Generator) buildManifest(signaturesSize int) (*metadata.DeltaArchiveManifest, [][]byte, error) {
	manifest := &metadata.DeltaArchiveManifest{
		BlockSize:    proto.Uint32(BlockSize),
		MinorVersion: proto.Uint32(g.MinorVersion),
		NewImageInfo: g.NewImageInfo,
	}
	if g.MaxTimestamp != 0 {
		manifest.MaxTimestamp = proto.Int64(g.MaxTimestamp)
	}

	var (
		blobs  [][]byte
		offset uint64
	)
	layout := func(ops []*Operation) []*metadata.InstallOperation {
		var out []*metadata.InstallOperation
		for _, op := range ops {
			iop := *op.InstallOperation
			if op.Data != nil {
				iop.DataOffset = proto.Uint64(offset)
				iop.DataLength = proto.Uint64(uint64(len(op.Data)))
				if !g.SkipOperationHashes {
					iop.DataSha256Hash = digest.RawHashOfBytes(op.Data)
				}
				offset += uint64(len(op.Data))
				blobs = append(blobs, op.Data)
			}
			out = append(out, &iop)
		}
		return out
	}

	switch g.majorVersion() {
	case metadata.ChromeOSMajorVersion:
		if g.dynamic != nil {
			return nil, nil, errors.New("dynamic partitions need major version 2")
		}
		var root, kernel *Partition
		for _, p := range g.partitions {
			switch p.Name {
			case metadata.PartitionNameRoot:
				root = p
			case metadata.PartitionNameKernel:
				kernel = p
			default:
				return nil, nil, fmt.Errorf("major version 1 cannot carry partition %s", p.Name)
			}
		}
		// Root data always comes first.
		if root != nil {
			manifest.InstallOperations = layout(root.Operations)
			manifest.OldRootfsInfo = root.Old
			manifest.NewRootfsInfo = root.New
		}
		if kernel != nil {
			manifest.KernelInstallOperations = layout(kernel.Operations)
			manifest.OldKernelInfo = kernel.Old
			manifest.NewKernelInfo = kernel.New
		}
	case metadata.BrilloMajorVersion:
		for _, p := range g.partitions {
			manifest.Partitions = append(manifest.Partitions, &metadata.PartitionUpdate{
				PartitionName:    proto.String(p.Name),
				RunPostinstall:   proto.Bool(p.RunPostinstall),
				OldPartitionInfo: p.Old,
				NewPartitionInfo: p.New,
				Operations:       layout(p.Operations),
			})
		}
		manifest.DynamicPartitionMetadata = g.dynamic
	default:
		return nil, nil, fmt.Errorf("unsupported major version %d", g.majorVersion())
	}

	if signaturesSize > 0 {
		manifest.SignaturesOffset = proto.Uint64(offset)
		manifest.SignaturesSize = proto.Uint64(uint64(signaturesSize))
		if g.majorVersion() == metadata.ChromeOSMajorVersion {
			// Major version 1 carries the signature in a placeholder
			// kernel operation that writes nowhere.
			placeholder := &metadata.InstallOperation{
				Type:       metadata.InstallOperation_REPLACE.Enum(),
				DataOffset: proto.Uint64(offset),
				DataLength: proto.Uint64(uint64(signaturesSize)),
				DstExtents: []*metadata.Extent{extent.New(metadata.SparseHole,
					(uint64(signaturesSize)+BlockSize-1)/BlockSize)},
			}
			manifest.KernelInstallOperations = append(manifest.KernelInstallOperations, placeholder)
		}
	}
	return manifest, blobs, nil
}

// Payload assembles the payload in memory.
func (g *Generator) Payload() (*Result, error) {
	sigSize := 0
	if len(g.SigningKeys) > 0 {
		var err error
		if sigSize, err = verifier.SignatureBlobSize(g.SigningKeys...); err != nil {
			return nil, err
		}
	}

	manifest, blobs, err := g.buildManifest(sigSize)
	if err != nil {
		return nil, err
	}
	manifestBytes, err := metadata.Marshal(manifest)
	if err != nil {
		return nil, err
	}

	header := &metadata.DeltaArchiveHeader{
		Version:      g.majorVersion(),
		ManifestSize: uint64(len(manifestBytes)),
	}
	brillo := g.majorVersion() >= metadata.BrilloMajorVersion
	if brillo {
		header.MetadataSignatureSize = uint32(sigSize)
	}
	meta := metadata.AppendHeader(nil, header)
	meta = append(meta, manifestBytes...)

	result := &Result{MetadataSize: uint64(len(meta)), Manifest: manifest}
	if len(g.SigningKeys) > 0 {
		hash := digest.RawHashOfBytes(meta)
		result.MetadataSignature, err = verifier.SignatureBlob(hash, g.SigningKeys...)
		if err != nil {
			return nil, err
		}
		raw, err := verifier.Sign(hash, g.SigningKeys[0])
		if err != nil {
			return nil, err
		}
		result.MetadataSignatureRSA = base64.StdEncoding.EncodeToString(raw)
	}

	signed := digest.New()
	var buf bytes.Buffer
	buf.Write(meta)
	signed.Update(meta)
	if brillo {
		buf.Write(result.MetadataSignature)
	}
	for _, blob := range blobs {
		buf.Write(blob)
		signed.Update(blob)
	}

	if len(g.SigningKeys) > 0 {
		if err := signed.Finalize(); err != nil {
			return nil, err
		}
		sig, err := verifier.SignatureBlob(signed.RawHash(), g.SigningKeys...)
		if err != nil {
			return nil, err
		}
		if len(sig) != sigSize {
			return nil, fmt.Errorf("signature is %d bytes, expected %d", len(sig), sigSize)
		}
		buf.Write(sig)
	}

	result.Payload = buf.Bytes()
	plog.Infof("generated major version %d payload: %d bytes, metadata %d bytes, %d partitions",
		g.majorVersion(), len(result.Payload), result.MetadataSize, len(g.partitions))
	return result, nil
}

// Write assembles the payload and writes it to path.
func (g *Generator) Write(path string) (*Result, error) {
	result, err := g.Payload()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, result.Payload, 0644); err != nil {
		return nil, err
	}
	return result, nil
}
