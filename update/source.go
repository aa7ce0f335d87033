// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package update

import (
	"bytes"
	"encoding/hex"
	"errors"
	"os"

	"github.com/flatcar/update-engine/update/blockdev"
	"github.com/flatcar/update-engine/update/extent"
	"github.com/flatcar/update-engine/update/metadata"
)

var errNoSource = errors.New("source partition is not open")

// openCurrentECCPartition opens the error corrected view of the current
// source partition. A failure is remembered until the partition changes.
func (p *Performer) openCurrentECCPartition() bool {
	if p.sourceECC != nil {
		return true
	}
	if p.sourceECCOpenFailure {
		return false
	}
	if p.currentPartition >= len(p.partitions) {
		return false
	}
	// Full payloads and in-place deltas never read a source partition.
	if p.payload.Type == PayloadFull || p.minorVersion() == metadata.InPlaceMinorVersion {
		return false
	}

	ip := p.installPartition()
	if ip.SourceECCPath == "" {
		p.sourceECCOpenFailure = true
		return false
	}
	dev, err := p.cfg.Open(ip.SourceECCPath, os.O_RDONLY)
	if err != nil {
		plog.Errorf("Unable to open ECC source partition %s on slot %s, file %s: %v",
			ip.Name, p.plan.SourceSlot, ip.SourceECCPath, err)
		p.sourceECCOpenFailure = true
		return false
	}
	p.sourceECC = dev
	return true
}

func (p *Performer) validateSourceHash(calculated []byte, op *metadata.InstallOperation) error {
	expected := op.GetSrcSha256Hash()
	if bytes.Equal(calculated, expected) {
		return nil
	}
	plog.Errorf("The hash of the source data on disk for this operation doesn't match the expected value. " +
		"This could mean that the delta update payload was targeted for another version, or that " +
		"the source partition was modified after it was installed, for example, by mounting a " +
		"filesystem.")
	plog.Errorf("Expected:   sha256|hex = %s", hex.EncodeToString(expected))
	plog.Errorf("Calculated: sha256|hex = %s", hex.EncodeToString(calculated))
	plog.Errorf("Operation source extents: %s", extent.String(op.GetSrcExtents()))
	return newError(SourceHashMismatch, "source hash mismatch: expected %s, calculated %s",
		hex.EncodeToString(expected), hex.EncodeToString(calculated))
}

// chooseSourceFD picks the device the source data of op is read from. The
// raw source is preferred when its data checks out, and the ECC device is
// used to recover from a mismatch.
func (p *Performer) chooseSourceFD(op *metadata.InstallOperation) (blockdev.Reader, error) {
	if p.source == nil {
		return nil, errNoSource
	}

	if op.SrcSha256Hash == nil {
		// Without a hash to check, prefer the ECC device if it can be
		// read in full.
		if p.openCurrentECCPartition() {
			if _, err := extent.ReadAndHash(p.sourceECC, op.GetSrcExtents(), p.blockSize, false); err == nil {
				return p.sourceECC, nil
			}
		}
		return p.source, nil
	}

	hash, err := extent.ReadAndHash(p.source, op.GetSrcExtents(), p.blockSize, true)
	if err == nil && bytes.Equal(hash, op.GetSrcSha256Hash()) {
		return p.source, nil
	}
	if err != nil {
		plog.Warningf("Unable to read the source data from the raw device: %v", err)
	}

	if !p.openCurrentECCPartition() {
		if verr := p.validateSourceHash(hash, op); verr != nil {
			return nil, verr
		}
		return nil, err
	}

	plog.Warningf("Source hash from RAW device mismatched: found %s, expected %s",
		hex.EncodeToString(hash), hex.EncodeToString(op.GetSrcSha256Hash()))

	hash, err = extent.ReadAndHash(p.sourceECC, op.GetSrcExtents(), p.blockSize, true)
	if err != nil {
		return nil, wrapError(SourceHashMismatch, err)
	}
	if err := p.validateSourceHash(hash, op); err != nil {
		return nil, err
	}
	// The ECC device fixed the raw data this time.
	p.eccRecoveredFailures++
	return p.sourceECC, nil
}

func (p *Performer) performSourceCopy(op *metadata.InstallOperation) error {
	if err := p.validateBlockMultiples(op); err != nil {
		return err
	}
	if p.source == nil {
		return errNoSource
	}

	if op.SrcSha256Hash != nil {
		hash, err := extent.CopyAndHash(p.source, op.GetSrcExtents(), p.target, op.GetDstExtents(), p.blockSize)
		if err == nil && bytes.Equal(hash, op.GetSrcSha256Hash()) {
			return nil
		}
		if err != nil {
			plog.Warningf("Unable to copy the source data from the raw device: %v", err)
		}

		if !p.openCurrentECCPartition() {
			if verr := p.validateSourceHash(hash, op); verr != nil {
				return verr
			}
			return err
		}

		plog.Warningf("Source hash from RAW device mismatched, attempting to correct using ECC")
		hash, err = extent.CopyAndHash(p.sourceECC, op.GetSrcExtents(), p.target, op.GetDstExtents(), p.blockSize)
		if err != nil {
			return wrapError(SourceHashMismatch, err)
		}
		if err := p.validateSourceHash(hash, op); err != nil {
			return err
		}
		p.eccRecoveredFailures++
		return nil
	}

	// Without a hash the ECC device is preferred, falling back to the raw
	// device if it cannot be read.
	if p.openCurrentECCPartition() {
		_, err := extent.CopyAndHash(p.sourceECC, op.GetSrcExtents(), p.target, op.GetDstExtents(), p.blockSize)
		if err == nil {
			return nil
		}
		plog.Warningf("Unable to copy from the ECC device, using the raw device: %v", err)
	}
	_, err := extent.CopyAndHash(p.source, op.GetSrcExtents(), p.target, op.GetDstExtents(), p.blockSize)
	return err
}
