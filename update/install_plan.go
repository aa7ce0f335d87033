// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package update

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pborman/uuid"

	"github.com/flatcar/update-engine/update/partition"
)

// PayloadType says whether a payload is applied on top of the current
// partitions or replaces them entirely.
type PayloadType int

const (
	PayloadUnknown PayloadType = iota
	PayloadFull
	PayloadDelta
)

func (t PayloadType) String() string {
	switch t {
	case PayloadFull:
		return "full"
	case PayloadDelta:
		return "delta"
	}
	return "unknown"
}

// ParsePayloadType is the inverse of PayloadType.String.
func ParsePayloadType(s string) (PayloadType, error) {
	switch strings.ToLower(s) {
	case "", "unknown":
		return PayloadUnknown, nil
	case "full":
		return PayloadFull, nil
	case "delta":
		return PayloadDelta, nil
	}
	return PayloadUnknown, fmt.Errorf("unknown payload type %q", s)
}

// Payload describes one payload as announced by the update check.
type Payload struct {
	URLs []string
	Size uint64
	// Hash is the SHA-256 of the whole payload.
	Hash         []byte
	MetadataSize uint64
	// MetadataSignature is the base64 signature of the metadata.
	MetadataSignature string
	Type              PayloadType
	// Version is the OS version the payload installs, when known.
	Version string
	// AlreadyApplied is set when the payload was applied by an earlier
	// attempt and only the partition list needs to be recovered.
	AlreadyApplied bool
}

// Partition is one partition touched by the update.
type Partition struct {
	Name string

	SourcePath string
	SourceSize uint64
	SourceHash []byte

	TargetPath string
	TargetSize uint64
	TargetHash []byte

	// SourceECCPath is an error corrected view of SourcePath, if any.
	SourceECCPath string

	BlockSize uint64

	RunPostinstall      bool
	PostinstallPath     string
	FilesystemType      string
	PostinstallOptional bool

	HashTreeDataOffset uint64
	HashTreeDataSize   uint64
	HashTreeOffset     uint64
	HashTreeSize       uint64
	HashTreeAlgorithm  string
	HashTreeSalt       []byte

	FECDataOffset uint64
	FECDataSize   uint64
	FECOffset     uint64
	FECSize       uint64
	FECRoots      uint32
}

// InstallPlan is everything needed to apply one update.
type InstallPlan struct {
	SessionID  string
	IsResume   bool
	SourceSlot partition.Slot
	TargetSlot partition.Slot

	Payloads []Payload

	// HashChecksMandatory makes missing or invalid metadata signatures and
	// operation hashes fatal.
	HashChecksMandatory bool
	// PublicKeyRSA is a base64 PEM key offered by the update server. It is
	// ignored on official builds.
	PublicKeyRSA string

	// Partitions is filled in from the payload manifests.
	Partitions []Partition
}

// NewInstallPlan returns a plan with a fresh session id and no slots.
func NewInstallPlan() *InstallPlan {
	return &InstallPlan{
		SessionID:  uuid.New(),
		SourceSlot: partition.InvalidSlot,
		TargetSlot: partition.InvalidSlot,
	}
}

// LoadPartitionsFromSlots resolves the source and target device paths of
// every partition.
func (p *InstallPlan) LoadPartitionsFromSlots(bc partition.BootControl) error {
	for i := range p.Partitions {
		part := &p.Partitions[i]
		if p.SourceSlot != partition.InvalidSlot && part.SourceSize > 0 {
			path, err := bc.PartitionDevice(part.Name, p.SourceSlot)
			if err != nil {
				return err
			}
			part.SourcePath = path
			if ecc, err := bc.ECCPartitionDevice(part.Name, p.SourceSlot); err == nil {
				part.SourceECCPath = ecc
			}
		} else {
			part.SourcePath = ""
		}

		if p.TargetSlot != partition.InvalidSlot {
			path, err := bc.PartitionDevice(part.Name, p.TargetSlot)
			if err != nil {
				return err
			}
			part.TargetPath = path
		} else {
			part.TargetPath = ""
		}
	}
	return nil
}

// Dump logs the plan.
func (p *InstallPlan) Dump() {
	plog.Infof("InstallPlan: session %s, resume %v, source slot %s, target slot %s, hash checks mandatory %v",
		p.SessionID, p.IsResume, p.SourceSlot, p.TargetSlot, p.HashChecksMandatory)
	for i, payload := range p.Payloads {
		plog.Infof("Payload %d: size %d, hash %s, metadata size %d, type %s, already applied %v",
			i, payload.Size, hex.EncodeToString(payload.Hash), payload.MetadataSize, payload.Type, payload.AlreadyApplied)
	}
	for _, part := range p.Partitions {
		plog.Infof("Partition %s: source %q (%d bytes), target %q (%d bytes), postinstall %v",
			part.Name, part.SourcePath, part.SourceSize, part.TargetPath, part.TargetSize, part.RunPostinstall)
	}
}
