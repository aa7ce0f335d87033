// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package update

import (
	"errors"
	"fmt"

	"github.com/flatcar/update-engine/update/prefs"
)

// CanResumeUpdate reports whether the progress saved in p belongs to the
// update check response with hash responseHash and is complete enough to
// continue from.
func CanResumeUpdate(p prefs.Prefs, responseHash string) bool {
	next, err := prefs.GetInt64(p, prefs.UpdateStateNextOperation)
	if err != nil || next == updateStateOperationInvalid || next <= 0 {
		return false
	}

	hash, err := p.GetString(prefs.UpdateCheckResponseHash)
	if err != nil || hash == "" || hash != responseHash {
		return false
	}

	failures, err := prefs.GetInt64(p, prefs.ResumedUpdateFailures)
	if err == nil && failures > MaxResumedUpdateFailures {
		return false
	}

	offset, err := prefs.GetInt64(p, prefs.UpdateStateNextDataOffset)
	if err != nil || offset < 0 {
		return false
	}

	ctx, err := p.GetString(prefs.UpdateStateSHA256Context)
	if err != nil || ctx == "" {
		return false
	}

	size, err := prefs.GetInt64(p, prefs.ManifestMetadataSize)
	if err != nil || size <= 0 {
		return false
	}

	size, err = prefs.GetInt64(p, prefs.ManifestSignatureSize)
	if err != nil || size < 0 {
		return false
	}
	return true
}

// ResetUpdateProgress forgets where an update stopped. A quick reset only
// invalidates the next operation, which is enough to prevent a resume.
func ResetUpdateProgress(p prefs.Prefs, quick bool) error {
	if err := prefs.SetInt64(p, prefs.UpdateStateNextOperation, updateStateOperationInvalid); err != nil {
		return err
	}
	if quick {
		return nil
	}

	for _, kv := range []struct {
		key   string
		value int64
	}{
		{prefs.UpdateStateNextDataOffset, -1},
		{prefs.UpdateStateNextDataLength, 0},
		{prefs.ManifestMetadataSize, -1},
		{prefs.ManifestSignatureSize, -1},
		{prefs.ResumedUpdateFailures, 0},
	} {
		if err := prefs.SetInt64(p, kv.key, kv.value); err != nil {
			return err
		}
	}
	for _, key := range []string{
		prefs.UpdateStateSHA256Context,
		prefs.UpdateStateSignedSHA256Context,
		prefs.UpdateStateSignatureBlob,
	} {
		if err := p.SetString(key, ""); err != nil {
			return err
		}
	}
	for _, key := range []string{
		prefs.PostInstallSucceeded,
		prefs.VerityWritten,
		prefs.DynamicPartitionMetadataUpdated,
	} {
		if err := p.Delete(key); err != nil && !errors.Is(err, prefs.ErrNotFound) {
			return err
		}
	}
	return nil
}

// checkpointUpdateProgress saves enough state to resume after the last
// applied operation. Unless forced it is throttled to once per
// checkpoint interval.
func (p *Performer) checkpointUpdateProgress(force bool) error {
	now := p.now()
	if !force && p.cfg.CheckpointInterval > 0 && now.Before(p.nextCheckpoint) {
		return nil
	}
	p.nextCheckpoint = now.Add(p.cfg.CheckpointInterval)

	if p.lastUpdatedBufferOffset != p.bufferOffset {
		// Keep a crash in the middle of this from leaving a state
		// that looks resumable.
		if err := ResetUpdateProgress(p.cfg.Prefs, true); err != nil {
			return err
		}

		ctx, err := p.payloadHash.Context()
		if err != nil {
			return err
		}
		if err := p.cfg.Prefs.SetString(prefs.UpdateStateSHA256Context, string(ctx)); err != nil {
			return err
		}
		ctx, err = p.signedHash.Context()
		if err != nil {
			return err
		}
		if err := p.cfg.Prefs.SetString(prefs.UpdateStateSignedSHA256Context, string(ctx)); err != nil {
			return err
		}
		if err := prefs.SetInt64(p.cfg.Prefs, prefs.UpdateStateNextDataOffset, int64(p.bufferOffset)); err != nil {
			return err
		}
		p.lastUpdatedBufferOffset = p.bufferOffset

		var nextLength uint64
		if p.nextOperation < p.numTotalOperations {
			i := p.currentPartition
			for p.nextOperation >= p.accNumOperations[i] {
				i++
			}
			op := p.partitions[i].Operations[p.nextOperation-p.partitionFirstOperation(i)]
			nextLength = op.GetDataLength()
		}
		if err := prefs.SetInt64(p.cfg.Prefs, prefs.UpdateStateNextDataLength, int64(nextLength)); err != nil {
			return err
		}
	}
	return prefs.SetInt64(p.cfg.Prefs, prefs.UpdateStateNextOperation, int64(p.nextOperation))
}

// primeUpdateState restores the state saved by checkpointUpdateProgress.
// A missing checkpoint means the update starts from the beginning.
func (p *Performer) primeUpdateState() error {
	next, err := prefs.GetInt64(p.cfg.Prefs, prefs.UpdateStateNextOperation)
	if err != nil || next == updateStateOperationInvalid || next <= 0 {
		return nil
	}
	if uint64(next) > p.numTotalOperations {
		return fmt.Errorf("saved next operation %d is past the %d operations in the payload",
			next, p.numTotalOperations)
	}

	offset, err := prefs.GetInt64(p.cfg.Prefs, prefs.UpdateStateNextDataOffset)
	if err != nil {
		return fmt.Errorf("reading next data offset: %w", err)
	}
	if offset < 0 {
		return fmt.Errorf("bad next data offset %d", offset)
	}

	if ctx, err := p.cfg.Prefs.GetString(prefs.UpdateStateSignedSHA256Context); err == nil && ctx != "" {
		if err := p.signedHash.SetContext([]byte(ctx)); err != nil {
			return err
		}
	}

	if blob, err := p.cfg.Prefs.GetString(prefs.UpdateStateSignatureBlob); err == nil && blob != "" {
		p.signatureBlob = []byte(blob)
	}

	ctx, err := p.cfg.Prefs.GetString(prefs.UpdateStateSHA256Context)
	if err != nil || ctx == "" {
		return errors.New("missing payload hash context")
	}
	if err := p.payloadHash.SetContext([]byte(ctx)); err != nil {
		return err
	}

	size, err := prefs.GetInt64(p.cfg.Prefs, prefs.ManifestMetadataSize)
	if err != nil || size <= 0 {
		return fmt.Errorf("bad saved metadata size %d: %v", size, err)
	}
	if uint64(size) != p.metadataSize {
		return fmt.Errorf("saved metadata size %d does not match the payload's %d", size, p.metadataSize)
	}
	size, err = prefs.GetInt64(p.cfg.Prefs, prefs.ManifestSignatureSize)
	if err != nil || size < 0 {
		return fmt.Errorf("bad saved metadata signature size %d: %v", size, err)
	}

	p.nextOperation = uint64(next)
	p.bufferOffset = uint64(offset)
	p.lastUpdatedBufferOffset = p.bufferOffset
	p.totalBytesReceived += p.bufferOffset

	failures, err := prefs.GetInt64(p.cfg.Prefs, prefs.ResumedUpdateFailures)
	if err != nil {
		failures = 0
	}
	failures++
	if err := prefs.SetInt64(p.cfg.Prefs, prefs.ResumedUpdateFailures, failures); err != nil {
		plog.Warningf("Unable to save the resumed update failure count: %v", err)
	}
	plog.Infof("Resuming update at operation %d, data offset %d", p.nextOperation, p.bufferOffset)
	return nil
}

// ResumeOffsets returns where a resumed download should fetch from. The
// first metadataLength bytes of the payload are needed again, then the
// download continues at dataStart.
func ResumeOffsets(p prefs.Prefs) (metadataLength, dataStart uint64, err error) {
	size, err := prefs.GetInt64(p, prefs.ManifestMetadataSize)
	if err != nil || size <= 0 {
		return 0, 0, fmt.Errorf("no saved metadata size")
	}
	sig, err := prefs.GetInt64(p, prefs.ManifestSignatureSize)
	if err != nil || sig < 0 {
		return 0, 0, fmt.Errorf("no saved metadata signature size")
	}
	offset, err := prefs.GetInt64(p, prefs.UpdateStateNextDataOffset)
	if err != nil || offset < 0 {
		return 0, 0, fmt.Errorf("no saved data offset")
	}
	metadataLength = uint64(size + sig)
	return metadataLength, metadataLength + uint64(offset), nil
}
