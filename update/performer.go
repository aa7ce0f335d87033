// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package update applies update payloads to partitions. A Performer is fed
// the payload as a byte stream and writes the new partition contents as
// soon as each operation's data has arrived.
package update

import (
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/golang/protobuf/proto"

	"github.com/flatcar/update-engine/update/blockdev"
	"github.com/flatcar/update-engine/update/digest"
	"github.com/flatcar/update-engine/update/metadata"
	"github.com/flatcar/update-engine/update/partition"
	"github.com/flatcar/update-engine/update/prefs"
	"github.com/flatcar/update-engine/update/verifier"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/update-engine", "update")

const (
	// DefaultCheckpointInterval is the minimum time between progress
	// checkpoints that are not forced.
	DefaultCheckpointInterval = time.Second

	// MaxResumedUpdateFailures is how many times an interrupted update
	// may be resumed before it has to start over.
	MaxResumedUpdateFailures = 10

	updateStateOperationInvalid = -1

	defaultPostinstallPath = "postinst"
)

var (
	// ErrAlreadyApplied stops Write once the manifest has been read for a
	// payload the plan marks as already applied. It is not a failure.
	ErrAlreadyApplied = errors.New("payload already applied")

	ErrPuffdiffUnsupported = errors.New("no puffdiff patcher configured")
	ErrClosed              = errors.New("performer is closed")
	ErrExtentOutOfRange    = errors.New("extent past the end of the partition")
)

// Hardware describes the device applying the update.
type Hardware interface {
	// IsOfficialBuild disables keys supplied by the update server.
	IsOfficialBuild() bool
	// BuildTimestamp is compared against the manifest max_timestamp.
	BuildTimestamp() int64
}

// StaticHardware is a Hardware with fixed answers.
type StaticHardware struct {
	Official  bool
	Timestamp int64
}

func (h StaticHardware) IsOfficialBuild() bool { return h.Official }
func (h StaticHardware) BuildTimestamp() int64 { return h.Timestamp }

// Delegate is consulted before each operation. A non-nil error from
// ShouldCancel aborts the update; errors without a code become
// UserCanceled.
type Delegate interface {
	ShouldCancel() error
}

// Puffpatcher applies PUFFDIFF patches.
type Puffpatcher interface {
	PuffPatch(src io.ReadSeeker, dst io.Writer, patch []byte) error
}

// Opener opens a partition device.
type Opener func(path string, flag int) (blockdev.RangeDevice, error)

// OpenDevice is the default Opener.
func OpenDevice(path string, flag int) (blockdev.RangeDevice, error) {
	f, err := blockdev.Open(path, flag)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Config holds the collaborators of a Performer.
type Config struct {
	Prefs       prefs.Prefs
	BootControl partition.BootControl
	Hardware    Hardware
	Delegate    Delegate
	Puffpatcher Puffpatcher
	Open        Opener

	// PublicKeyPath is used for verification when the file exists.
	PublicKeyPath string
	// Interactive updates skip O_DSYNC on the target partition.
	Interactive bool
	// CheckpointInterval throttles checkpoints. Zero means
	// DefaultCheckpointInterval and a negative value checkpoints after
	// every operation.
	CheckpointInterval time.Duration
}

// Performer applies one payload of an InstallPlan.
type Performer struct {
	cfg     Config
	plan    *InstallPlan
	payload *Payload
	now     func() time.Time

	meta                  metadata.PayloadMetadata
	manifest              *metadata.DeltaArchiveManifest
	manifestValid         bool
	majorVersion          uint64
	metadataSize          uint64
	metadataSignatureSize uint64
	blockSize             uint64

	// partitions are the ones in this payload. Their install plan entries
	// start at plan.Partitions[partitionBase].
	partitions         []*metadata.PartitionUpdate
	partitionBase      int
	accNumOperations   []uint64
	numTotalOperations uint64
	nextOperation      uint64
	currentPartition   int

	// buffer holds payload bytes not yet consumed. bufferOffset is the
	// offset of the data blob just past the consumed bytes.
	buffer                  []byte
	bufferOffset            uint64
	lastUpdatedBufferOffset uint64

	payloadHash   *digest.Calculator
	signedHash    *digest.Calculator
	signatureBlob []byte

	source               blockdev.RangeDevice
	sourceECC            blockdev.RangeDevice
	sourceECCOpenFailure bool
	target               blockdev.RangeDevice
	sourcePath           string
	targetPath           string
	eccRecoveredFailures int

	totalBytesReceived    uint64
	overallProgress       uint64
	lastProgressChunk     uint64
	forcedProgressLogTime time.Time
	nextCheckpoint        time.Time

	err    error
	closed bool
}

// NewPerformer prepares to apply payload, which must be one of the
// plan's payloads.
func NewPerformer(plan *InstallPlan, payload *Payload, cfg Config) *Performer {
	if cfg.Hardware == nil {
		cfg.Hardware = StaticHardware{}
	}
	if cfg.Open == nil {
		cfg.Open = OpenDevice
	}
	if cfg.Prefs == nil {
		cfg.Prefs = prefs.NewMemory()
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	return &Performer{
		cfg:                     cfg,
		plan:                    plan,
		payload:                 payload,
		now:                     time.Now,
		lastUpdatedBufferOffset: math.MaxUint64,
		payloadHash:             digest.New(),
		signedHash:              digest.New(),
	}
}

// Write consumes the next chunk of the payload. Once Write fails every
// later call returns the same error.
func (p *Performer) Write(data []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.closed {
		return 0, ErrClosed
	}
	if err := p.write(data); err != nil {
		if !errors.Is(err, ErrAlreadyApplied) {
			plog.Errorf("Failed to apply payload: %v", err)
		}
		p.err = err
		return 0, err
	}
	return len(data), nil
}

func (p *Performer) write(data []byte) error {
	p.totalBytesReceived += uint64(len(data))
	p.updateOverallProgress(false, "Completed ")

	for !p.manifestValid {
		limit := uint64(metadata.MaxHeaderSize)
		if p.meta.Parsed() {
			limit = p.metadataSize + p.metadataSignatureSize
		}
		data = p.copyDataToBuffer(data, limit)

		result, err := p.parsePayloadMetadata()
		if err != nil {
			return err
		}
		if result == metadata.ParseInsufficientData {
			// The header may have just been parsed and the rest of
			// the metadata may already be in data.
			if len(data) > 0 && p.meta.Parsed() {
				continue
			}
			return nil
		}

		if err := p.validateManifest(); err != nil {
			return err
		}
		p.manifestValid = true
		p.discardMetadata()

		p.blockSize = uint64(p.manifest.GetBlockSize())
		if err := p.parseManifestPartitions(); err != nil {
			return err
		}
		if p.payload.AlreadyApplied {
			return ErrAlreadyApplied
		}

		p.accNumOperations = make([]uint64, len(p.partitions))
		for i, part := range p.partitions {
			p.numTotalOperations += uint64(len(part.GetOperations()))
			p.accNumOperations[i] = p.numTotalOperations
		}

		if err := prefs.SetInt64(p.cfg.Prefs, prefs.ManifestMetadataSize, int64(p.metadataSize)); err != nil {
			plog.Warningf("Unable to save the manifest metadata size: %v", err)
		}
		if err := prefs.SetInt64(p.cfg.Prefs, prefs.ManifestSignatureSize, int64(p.metadataSignatureSize)); err != nil {
			plog.Warningf("Unable to save the manifest signature size: %v", err)
		}

		if err := p.primeUpdateState(); err != nil {
			return wrapError(DownloadStateInitializationError, err)
		}

		if len(p.partitions) > 0 && p.nextOperation < p.accNumOperations[0] {
			if err := p.openCurrentPartition(); err != nil {
				return wrapError(InstallDeviceOpenError, err)
			}
		}

		if p.nextOperation > 0 {
			p.updateOverallProgress(true, "Resuming after ")
		}
		plog.Infof("Starting to apply update payload operations")
	}

	for p.nextOperation < p.numTotalOperations {
		if p.cfg.Delegate != nil {
			if err := p.cfg.Delegate.ShouldCancel(); err != nil {
				if CodeOf(err) == GenericError {
					err = wrapError(UserCanceled, err)
				}
				return err
			}
		}

		if p.nextOperation >= p.accNumOperations[p.currentPartition] {
			if err := p.closeCurrentPartition(); err != nil {
				return wrapError(DownloadWriteError, err)
			}
			for p.nextOperation >= p.accNumOperations[p.currentPartition] {
				p.currentPartition++
			}
			if err := p.openCurrentPartition(); err != nil {
				return wrapError(InstallDeviceOpenError, err)
			}
		}

		opIndex := p.nextOperation - p.partitionFirstOperation(p.currentPartition)
		op := p.partitions[p.currentPartition].Operations[opIndex]

		data = p.copyDataToBuffer(data, op.GetDataLength())

		ok, err := p.canPerformInstallOperation(op)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if p.payload.MetadataSignature != "" {
			if err := p.validateOperationHash(op); err != nil {
				if p.plan.HashChecksMandatory {
					plog.Errorf("Mandatory operation hash check failed")
					return err
				}
				plog.Warningf("Ignoring operation validation errors: %v", err)
			}
		}

		if err := p.performOperation(op); err != nil {
			return p.handleOpResult(op, opIndex, err)
		}
		if err := p.target.Flush(); err != nil {
			return wrapError(DownloadWriteError, err)
		}

		p.nextOperation++
		p.updateOverallProgress(false, "Completed ")
		if err := p.checkpointUpdateProgress(false); err != nil {
			plog.Warningf("Unable to checkpoint update progress: %v", err)
		}
	}

	// The v2 signature blob follows the last operation's data.
	if p.majorVersion == metadata.BrilloMajorVersion &&
		p.manifest.SignaturesOffset != nil && p.manifest.SignaturesSize != nil &&
		len(p.signatureBlob) == 0 {
		if p.manifest.GetSignaturesOffset() != p.bufferOffset {
			return newError(DownloadPayloadVerificationError,
				"payload signatures offset %d does not follow the operations at %d",
				p.manifest.GetSignaturesOffset(), p.bufferOffset)
		}
		data = p.copyDataToBuffer(data, p.manifest.GetSignaturesSize())
		if uint64(len(p.buffer)) < p.manifest.GetSignaturesSize() {
			return nil
		}
		if err := p.extractSignatureMessage(); err != nil {
			return wrapError(DownloadPayloadVerificationError, err)
		}
		p.discardBuffer(true, 0)
		if err := p.checkpointUpdateProgress(true); err != nil {
			plog.Warningf("Unable to checkpoint update progress: %v", err)
		}
	}

	if len(data) > 0 {
		plog.Warningf("Ignoring %d bytes past the end of the payload", len(data))
	}
	return nil
}

// copyDataToBuffer moves bytes from data into the buffer until it holds
// max bytes and returns what is left of data.
func (p *Performer) copyDataToBuffer(data []byte, max uint64) []byte {
	have := uint64(len(p.buffer))
	if have >= max {
		return data
	}
	n := max - have
	if n > uint64(len(data)) {
		n = uint64(len(data))
	}
	p.buffer = append(p.buffer, data[:n]...)
	return data[n:]
}

// discardBuffer hashes and drops the buffer. Only the first signedSize
// bytes count towards the signed hash.
func (p *Performer) discardBuffer(advance bool, signedSize uint64) {
	if advance {
		p.bufferOffset += uint64(len(p.buffer))
	}
	if err := p.payloadHash.Update(p.buffer); err != nil {
		plog.Errorf("Unable to hash payload data: %v", err)
	}
	if err := p.signedHash.Update(p.buffer[:signedSize]); err != nil {
		plog.Errorf("Unable to hash payload data: %v", err)
	}
	p.buffer = nil
}

// discardMetadata drops the metadata and its signature from the buffer.
// The metadata signature is hashed but not signed, and it does not
// occupy space in the data blob.
func (p *Performer) discardMetadata() {
	end := p.metadataSize + p.metadataSignatureSize
	rest := append([]byte(nil), p.buffer[end:]...)
	p.buffer = p.buffer[:end]
	p.discardBuffer(false, p.metadataSize)
	p.buffer = rest
}

func (p *Performer) parsePayloadMetadata() (metadata.ParseResult, error) {
	if !p.meta.Parsed() {
		result, err := p.meta.ParseHeader(p.buffer)
		switch {
		case errors.Is(err, metadata.ErrInvalidMagic):
			return result, wrapError(DownloadInvalidMetadataMagicString, err)
		case errors.Is(err, metadata.ErrUnsupportedMajorVersion):
			return result, wrapError(UnsupportedMajorPayloadVersion, err)
		case err != nil:
			return result, wrapError(DownloadInvalidMetadataSize, err)
		}
		if result != metadata.ParseSuccess {
			return result, nil
		}

		p.majorVersion = p.meta.MajorVersion()
		p.metadataSize = p.meta.MetadataSize()
		p.metadataSignatureSize = p.meta.MetadataSignatureSize()

		if p.plan.HashChecksMandatory && p.payload.MetadataSize != p.metadataSize {
			return metadata.ParseError, newError(DownloadInvalidMetadataSize,
				"mandatory metadata size in update check response (%d) is missing or does not match the payload (%d)",
				p.payload.MetadataSize, p.metadataSize)
		}
	}

	if uint64(len(p.buffer)) < p.metadataSize+p.metadataSignatureSize {
		return metadata.ParseInsufficientData, nil
	}

	if p.payload.MetadataSize == p.metadataSize {
		plog.Infof("Manifest size in payload matches expected value from update check response.")
	} else {
		plog.Warningf("Ignoring missing or incorrect metadata size (%d) in update check response, expected %d",
			p.payload.MetadataSize, p.metadataSize)
	}

	key, err := p.publicKey()
	if err != nil {
		return metadata.ParseError, wrapError(DownloadMetadataSignatureVerificationError, err)
	}

	if err := ValidateMetadataSignature(p.buffer, &p.meta, p.payload.MetadataSignature, key); err != nil {
		if p.plan.HashChecksMandatory {
			plog.Errorf("Mandatory metadata signature validation failed")
			return metadata.ParseError, err
		}
		plog.Warningf("Ignoring metadata signature validation failures: %v", err)
	}

	manifest, err := p.meta.Manifest(p.buffer)
	if err != nil {
		return metadata.ParseError, wrapError(DownloadManifestParseError, err)
	}
	p.manifest = manifest
	plog.Infof("Successfully parsed the update manifest.")
	return metadata.ParseSuccess, nil
}

// publicKey returns the key payloads are verified with, or nil if there
// is none.
func (p *Performer) publicKey() (*rsa.PublicKey, error) {
	if p.cfg.PublicKeyPath != "" {
		if _, err := os.Stat(p.cfg.PublicKeyPath); err == nil {
			plog.Infof("Verifying using public key: %s", p.cfg.PublicKeyPath)
			return verifier.LoadPublicKey(p.cfg.PublicKeyPath)
		}
	}
	if !p.cfg.Hardware.IsOfficialBuild() && p.plan.PublicKeyRSA != "" {
		plog.Infof("Verifying using public key from update check response.")
		pem, err := base64.StdEncoding.DecodeString(p.plan.PublicKeyRSA)
		if err != nil {
			return nil, fmt.Errorf("bad public key in update check response: %v", err)
		}
		return verifier.ParsePublicKey(pem)
	}
	return nil, nil
}

func (p *Performer) minorVersion() uint32 {
	return p.manifest.GetMinorVersion()
}

func (p *Performer) partitionFirstOperation(i int) uint64 {
	if i == 0 {
		return 0
	}
	return p.accNumOperations[i-1]
}

// installPartition is the install plan entry of the current partition.
func (p *Performer) installPartition() *Partition {
	return &p.plan.Partitions[p.partitionBase+p.currentPartition]
}

func (p *Performer) canPerformInstallOperation(op *metadata.InstallOperation) (bool, error) {
	if op.DataOffset == nil && op.DataLength == nil {
		return true, nil
	}
	if op.GetDataOffset() < p.bufferOffset {
		return false, newError(DownloadOperationExecutionError,
			"operation data at %d was already discarded, now at %d",
			op.GetDataOffset(), p.bufferOffset)
	}
	// Operation data is contiguous, so anything else would leave a gap.
	if op.GetDataOffset() > p.bufferOffset {
		return false, newError(DownloadOperationExecutionError,
			"operation data at %d leaves a gap after the previous operation, which ended at %d",
			op.GetDataOffset(), p.bufferOffset)
	}
	return op.GetDataLength() <= uint64(len(p.buffer)), nil
}

func (p *Performer) handleOpResult(op *metadata.InstallOperation, opIndex uint64, err error) error {
	plog.Errorf("Failed to perform %s operation %d, which is the operation %d in partition %q: %v",
		op.GetType(), p.nextOperation, opIndex, p.partitions[p.currentPartition].GetPartitionName(), err)
	if CodeOf(err) == GenericError {
		return wrapError(DownloadOperationExecutionError, err)
	}
	return err
}

// parseManifestPartitions builds the partition list of the payload and
// adds it to the install plan.
func (p *Performer) parseManifestPartitions() error {
	if p.majorVersion == metadata.BrilloMajorVersion {
		p.partitions = p.manifest.GetPartitions()
	} else {
		root := &metadata.PartitionUpdate{
			PartitionName:    proto.String("root"),
			RunPostinstall:   proto.Bool(true),
			OldPartitionInfo: p.manifest.GetOldRootfsInfo(),
			NewPartitionInfo: p.manifest.GetNewRootfsInfo(),
			Operations:       p.manifest.GetInstallOperations(),
		}
		kernel := &metadata.PartitionUpdate{
			PartitionName:    proto.String("kernel"),
			OldPartitionInfo: p.manifest.GetOldKernelInfo(),
			NewPartitionInfo: p.manifest.GetNewKernelInfo(),
			Operations:       p.manifest.GetKernelInstallOperations(),
		}
		p.partitions = []*metadata.PartitionUpdate{root, kernel}
	}

	p.partitionBase = len(p.plan.Partitions)
	for _, part := range p.partitions {
		ip := Partition{
			Name:                part.GetPartitionName(),
			RunPostinstall:      part.GetRunPostinstall(),
			PostinstallPath:     part.GetPostinstallPath(),
			FilesystemType:      part.GetFilesystemType(),
			PostinstallOptional: part.GetPostinstallOptional(),
			BlockSize:           p.blockSize,
		}
		if ip.RunPostinstall && ip.PostinstallPath == "" {
			ip.PostinstallPath = defaultPostinstallPath
		}
		if old := part.GetOldPartitionInfo(); old != nil {
			ip.SourceSize = old.GetSize()
			ip.SourceHash = old.GetHash()
		}
		newInfo := part.GetNewPartitionInfo()
		if newInfo == nil {
			return newError(DownloadNewPartitionInfoError, "unable to get new partition info for %q", ip.Name)
		}
		ip.TargetSize = newInfo.GetSize()
		ip.TargetHash = newInfo.GetHash()

		if e := part.GetHashTreeExtent(); e != nil {
			data := part.GetHashTreeDataExtent()
			ip.HashTreeDataOffset = data.GetStartBlock() * p.blockSize
			ip.HashTreeDataSize = data.GetNumBlocks() * p.blockSize
			ip.HashTreeOffset = e.GetStartBlock() * p.blockSize
			ip.HashTreeSize = e.GetNumBlocks() * p.blockSize
			ip.HashTreeAlgorithm = part.GetHashTreeAlgorithm()
			ip.HashTreeSalt = part.GetHashTreeSalt()
			if ip.HashTreeOffset < ip.HashTreeDataOffset+ip.HashTreeDataSize {
				return newError(DownloadNewPartitionInfoError,
					"hash tree of %q overlaps its data: tree at %d, data ends at %d",
					ip.Name, ip.HashTreeOffset, ip.HashTreeDataOffset+ip.HashTreeDataSize)
			}
		}
		if e := part.GetFecExtent(); e != nil {
			data := part.GetFecDataExtent()
			ip.FECDataOffset = data.GetStartBlock() * p.blockSize
			ip.FECDataSize = data.GetNumBlocks() * p.blockSize
			ip.FECOffset = e.GetStartBlock() * p.blockSize
			ip.FECSize = e.GetNumBlocks() * p.blockSize
			ip.FECRoots = part.GetFecRoots()
			if ip.FECOffset < ip.FECDataOffset+ip.FECDataSize {
				return newError(DownloadNewPartitionInfoError,
					"FEC of %q overlaps its data: FEC at %d, data ends at %d",
					ip.Name, ip.FECOffset, ip.FECDataOffset+ip.FECDataSize)
			}
		}
		p.plan.Partitions = append(p.plan.Partitions, ip)
	}

	if p.plan.TargetSlot != partition.InvalidSlot {
		if p.cfg.BootControl == nil {
			return newError(InstallDeviceOpenError, "no boot control to resolve partitions")
		}
		if err := p.initPartitionMetadata(); err != nil {
			return wrapError(InstallDeviceOpenError, err)
		}
		if err := p.plan.LoadPartitionsFromSlots(p.cfg.BootControl); err != nil {
			return wrapError(InstallDeviceOpenError, err)
		}
	}
	p.plan.Dump()
	return nil
}

// initPartitionMetadata sizes the target slot's dynamic partitions. The
// metadata is only rewritten once per update.
func (p *Performer) initPartitionMetadata() error {
	sizes := make(map[string]uint64, len(p.partitions))
	for _, part := range p.partitions {
		sizes[part.GetPartitionName()] = part.GetNewPartitionInfo().GetSize()
	}

	md := &partition.Metadata{}
	for _, g := range p.manifest.GetDynamicPartitionMetadata().GetGroups() {
		group := partition.Group{Name: g.GetName(), Size: g.GetSize()}
		for _, name := range g.GetPartitionNames() {
			size, ok := sizes[name]
			if !ok {
				return fmt.Errorf("dynamic partition group %q lists partition %q which is not in the payload",
					g.GetName(), name)
			}
			group.Partitions = append(group.Partitions, partition.Info{Name: name, Size: size})
		}
		md.Groups = append(md.Groups, group)
	}

	updated, err := prefs.GetBool(p.cfg.Prefs, prefs.DynamicPartitionMetadataUpdated)
	if err != nil {
		updated = false
	}
	if updated {
		plog.Infof("Dynamic partition metadata was already updated, skipping")
	}
	if err := p.cfg.BootControl.InitPartitionMetadata(p.plan.TargetSlot, md, !updated); err != nil {
		return err
	}
	if err := prefs.SetBool(p.cfg.Prefs, prefs.DynamicPartitionMetadataUpdated, true); err != nil {
		plog.Warningf("Unable to record the dynamic partition metadata update: %v", err)
	}
	return nil
}

func (p *Performer) openCurrentPartition() error {
	if p.currentPartition >= len(p.partitions) {
		return fmt.Errorf("no partition %d in payload", p.currentPartition)
	}
	ip := p.installPartition()

	if p.payload.Type == PayloadDelta && p.minorVersion() != metadata.InPlaceMinorVersion && ip.SourceSize > 0 {
		plog.Infof("Opening %s partition without O_DSYNC", ip.SourcePath)
		src, err := p.cfg.Open(ip.SourcePath, os.O_RDONLY)
		if err != nil {
			return fmt.Errorf("unable to open source partition %s on slot %s, file %s: %v",
				ip.Name, p.plan.SourceSlot, ip.SourcePath, err)
		}
		p.source = src
		p.sourcePath = ip.SourcePath
	}

	flag := os.O_RDWR
	if p.cfg.Interactive {
		plog.Infof("Opening %s partition without O_DSYNC", ip.TargetPath)
	} else {
		plog.Infof("Opening %s partition with O_DSYNC", ip.TargetPath)
		flag |= blockdev.DSync
	}
	target, err := p.cfg.Open(ip.TargetPath, flag)
	if err != nil {
		return fmt.Errorf("unable to open target partition %s on slot %s, file %s: %v",
			ip.Name, p.plan.TargetSlot, ip.TargetPath, err)
	}
	p.target = target
	p.targetPath = ip.TargetPath

	plog.Infof("Applying %d operations to partition %q",
		len(p.partitions[p.currentPartition].GetOperations()), ip.Name)

	// Not having the tail discarded is harmless.
	blockdev.DiscardTail(p.target, ip.TargetSize)
	return nil
}

func (p *Performer) closeCurrentPartition() error {
	var err error
	closeDev := func(dev blockdev.RangeDevice, path string) {
		if dev == nil {
			return
		}
		if cerr := dev.Close(); cerr != nil {
			plog.Errorf("Error closing partition %s: %v", path, cerr)
			if err == nil {
				err = cerr
			}
		}
	}
	closeDev(p.source, p.sourcePath)
	closeDev(p.sourceECC, p.sourcePath)
	closeDev(p.target, p.targetPath)
	p.source, p.sourceECC, p.target = nil, nil, nil
	p.sourceECCOpenFailure = false
	p.sourcePath, p.targetPath = "", ""
	return err
}

// Close releases the partitions and finishes the payload hashes. It fails
// if unconsumed data is left or the payload stopped before its last
// operation.
func (p *Performer) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true

	err := p.closeCurrentPartition()
	if ferr := p.payloadHash.Finalize(); ferr != nil {
		plog.Errorf("Unable to finalize the hash: %v", ferr)
	}
	if ferr := p.signedHash.Finalize(); ferr != nil {
		plog.Errorf("Unable to finalize the signed hash: %v", ferr)
	}
	if len(p.buffer) > 0 {
		plog.Infof("Discarding %d unused downloaded bytes", len(p.buffer))
		if err == nil {
			err = newError(DownloadIncomplete, "%d bytes of payload left unused", len(p.buffer))
		}
	}
	if err == nil && p.err == nil && p.manifestValid && p.nextOperation < p.numTotalOperations {
		err = newError(DownloadIncomplete, "payload ended after %d of %d operations",
			p.nextOperation, p.numTotalOperations)
	}
	if err == nil && p.err == nil && p.manifestValid && p.majorVersion == metadata.BrilloMajorVersion &&
		p.manifest.GetSignaturesSize() > 0 && len(p.signatureBlob) == 0 {
		err = newError(DownloadIncomplete, "payload ended before its %d byte signature",
			p.manifest.GetSignaturesSize())
	}
	return err
}

// VerifyPayload checks the complete payload against the expected hash and
// size, then checks the payload signature if a public key is available.
// Close must be called first.
func (p *Performer) VerifyPayload(hash []byte, size uint64) error {
	key, err := p.publicKey()
	if err != nil {
		return wrapError(DownloadPayloadPubKeyVerificationError, err)
	}

	if got := p.metadataSize + p.metadataSignatureSize + p.bufferOffset; size != got {
		return newError(PayloadSizeMismatchError, "payload size mismatch: expected %d, got %d", size, got)
	}

	raw := p.payloadHash.RawHash()
	if len(raw) == 0 {
		return newError(DownloadPayloadVerificationError, "payload hash not available")
	}
	if !bytes.Equal(raw, hash) {
		return newError(PayloadHashMismatchError, "payload hash mismatch: expected %s, got %s",
			base64.StdEncoding.EncodeToString(hash), base64.StdEncoding.EncodeToString(raw))
	}

	if key == nil {
		plog.Warningf("Not verifying signed delta payload -- missing public key.")
		return nil
	}
	if len(p.signatureBlob) == 0 {
		return newError(SignedDeltaPayloadExpectedError, "missing payload signature")
	}

	signed := p.signedHash.RawHash()
	if len(signed) != digest.Size {
		return newError(DownloadPayloadPubKeyVerificationError, "bad signed hash size %d", len(signed))
	}
	if err := verifier.VerifySignature(p.signatureBlob, key, signed); err != nil {
		return wrapError(DownloadPayloadPubKeyVerificationError, err)
	}
	plog.Infof("Payload hash matches value in payload.")
	return nil
}

// Manifest returns the parsed manifest, or nil before it has arrived.
func (p *Performer) Manifest() *metadata.DeltaArchiveManifest {
	return p.manifest
}

// ECCRecoveredFailures counts source reads that failed their hash and were
// recovered from the error corrected device.
func (p *Performer) ECCRecoveredFailures() int {
	return p.eccRecoveredFailures
}

// NextOperation is the index of the next operation to apply.
func (p *Performer) NextOperation() uint64 {
	return p.nextOperation
}
