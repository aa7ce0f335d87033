// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package update

import (
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"

	"github.com/flatcar/update-engine/update/digest"
	"github.com/flatcar/update-engine/update/metadata"
	"github.com/flatcar/update-engine/update/verifier"
)

// ValidateMetadataSignature checks the metadata at the start of payload
// against signatureB64, the raw signature from the update check, or
// failing that against the signature stored in a version 2 payload.
func ValidateMetadataSignature(payload []byte, meta *metadata.PayloadMetadata, signatureB64 string, key *rsa.PublicKey) error {
	metadataSize := meta.MetadataSize()
	signatureSize := meta.MetadataSignatureSize()
	if uint64(len(payload)) < metadataSize+signatureSize {
		return newError(DownloadMetadataSignatureError,
			"payload of %d bytes is shorter than its metadata and signature", len(payload))
	}

	var rawSignature, signatureBlob []byte
	if signatureB64 != "" {
		b, err := base64.StdEncoding.DecodeString(signatureB64)
		if err != nil {
			return newError(DownloadMetadataSignatureError, "unable to decode base64 metadata signature: %v", err)
		}
		rawSignature = b
	} else if meta.MajorVersion() == metadata.BrilloMajorVersion {
		signatureBlob = payload[metadataSize : metadataSize+signatureSize]
	}
	if len(rawSignature) == 0 && len(signatureBlob) == 0 {
		return newError(DownloadMetadataSignatureMissingError, "missing mandatory metadata signature")
	}

	if key == nil {
		return newError(DownloadMetadataSignatureVerificationError, "no public key to verify the metadata signature")
	}

	hash := digest.RawHashOfBytes(payload[:metadataSize])

	if len(rawSignature) != 0 {
		decrypted, err := verifier.DecryptSignature(rawSignature, key)
		if err != nil {
			return newError(DownloadMetadataSignatureError, "unable to decrypt metadata signature: %v", err)
		}
		expected, err := verifier.PadHash(hash, key.Size())
		if err != nil {
			return wrapError(DownloadMetadataSignatureVerificationError, err)
		}
		if !bytes.Equal(decrypted, expected) {
			plog.Errorf("Manifest hash verification failed. Expected hash = %s, calculated hash = %s",
				hex.EncodeToString(decrypted), hex.EncodeToString(expected))
			return newError(DownloadMetadataSignatureMismatch, "metadata signature mismatch")
		}
	} else if err := verifier.VerifySignature(signatureBlob, key, hash); err != nil {
		return wrapError(DownloadMetadataSignatureMismatch, err)
	}

	plog.Infof("Metadata hash signature matches value in update check response.")
	return nil
}

// VerifyPayloadSignature checks the payload signature of a complete
// payload held in memory. The signed data is the metadata followed by the
// operation data up to the signature blob.
func VerifyPayloadSignature(payload []byte, meta *metadata.PayloadMetadata, manifest *metadata.DeltaArchiveManifest, key *rsa.PublicKey) error {
	if manifest.SignaturesOffset == nil || manifest.SignaturesSize == nil {
		return newError(SignedDeltaPayloadExpectedError, "payload is not signed")
	}
	dataStart := meta.MetadataSize() + meta.MetadataSignatureSize()
	sigStart := dataStart + manifest.GetSignaturesOffset()
	sigEnd := sigStart + manifest.GetSignaturesSize()
	if sigStart < dataStart || sigEnd < sigStart || uint64(len(payload)) < sigEnd {
		return newError(PayloadSizeMismatchError,
			"payload of %d bytes cannot hold a signature at [%d, %d)", len(payload), sigStart, sigEnd)
	}

	signed := digest.New()
	if err := signed.Update(payload[:meta.MetadataSize()]); err != nil {
		return err
	}
	if err := signed.Update(payload[dataStart:sigStart]); err != nil {
		return err
	}
	if err := signed.Finalize(); err != nil {
		return err
	}
	if err := verifier.VerifySignature(payload[sigStart:sigEnd], key, signed.RawHash()); err != nil {
		return wrapError(DownloadPayloadPubKeyVerificationError, err)
	}
	return nil
}

func (p *Performer) validateManifest() error {
	m := p.manifest
	hasOldFields := m.OldKernelInfo != nil || m.OldRootfsInfo != nil
	for _, part := range m.GetPartitions() {
		hasOldFields = hasOldFields || part.OldPartitionInfo != nil
	}

	actual := PayloadFull
	if hasOldFields {
		actual = PayloadDelta
	}
	if p.payload.Type == PayloadUnknown {
		plog.Infof("Detected a %s payload.", actual)
		p.payload.Type = actual
	}
	if p.payload.Type != actual {
		return newError(PayloadMismatchedType, "payload is a %s payload but the update check announced a %s payload",
			actual, p.payload.Type)
	}

	minor := p.minorVersion()
	if actual == PayloadFull {
		if minor != metadata.FullPayloadMinorVersion {
			return newError(UnsupportedMinorPayloadVersion,
				"manifest contains minor version %d, but all full payloads should have version %d",
				minor, metadata.FullPayloadMinorVersion)
		}
	} else if minor < metadata.MinSupportedMinorVersion || minor > metadata.MaxSupportedMinorVersion {
		return newError(UnsupportedMinorPayloadVersion,
			"manifest contains minor version %d not in the range of supported minor versions [%d, %d]",
			minor, metadata.MinSupportedMinorVersion, metadata.MaxSupportedMinorVersion)
	}

	if p.majorVersion != metadata.ChromeOSMajorVersion {
		if m.OldRootfsInfo != nil || m.NewRootfsInfo != nil || m.OldKernelInfo != nil || m.NewKernelInfo != nil ||
			len(m.InstallOperations) != 0 || len(m.KernelInstallOperations) != 0 {
			return newError(PayloadMismatchedType,
				"manifest contains deprecated fields not allowed in major version %d", p.majorVersion)
		}
	}

	if m.GetMaxTimestamp() < p.cfg.Hardware.BuildTimestamp() {
		return newError(PayloadTimestampError,
			"the current OS build timestamp (%d) is newer than the maximum timestamp in the manifest (%d)",
			p.cfg.Hardware.BuildTimestamp(), m.GetMaxTimestamp())
	}

	if p.majorVersion == metadata.ChromeOSMajorVersion && m.DynamicPartitionMetadata != nil {
		return newError(PayloadMismatchedType, "dynamic partition metadata is not allowed in major version 1")
	}
	return nil
}

func (p *Performer) validateOperationHash(op *metadata.InstallOperation) error {
	expected := op.GetDataSha256Hash()
	if len(expected) == 0 {
		if op.GetDataLength() == 0 {
			return nil
		}
		// The signature operation of a version 1 payload cannot carry
		// its own hash.
		sigOffset := p.manifest.GetSignaturesOffset()
		if sigOffset != 0 && sigOffset == op.GetDataOffset() {
			plog.Infof("Skipping hash verification for signature operation %d", p.nextOperation+1)
			return nil
		}
		if p.plan.HashChecksMandatory {
			return newError(DownloadOperationHashMissingError, "missing mandatory operation hash for operation %d",
				p.nextOperation+1)
		}
		plog.Warningf("Cannot validate operation %d as there is no expected operation hash", p.nextOperation+1)
		return nil
	}

	calculated := digest.RawHashOfBytes(p.buffer[:op.GetDataLength()])
	if !bytes.Equal(calculated, expected) {
		return newError(DownloadOperationHashMismatch,
			"hash verification failed for operation %d: expected %s, calculated %s",
			p.nextOperation, hex.EncodeToString(expected), hex.EncodeToString(calculated))
	}
	return nil
}
