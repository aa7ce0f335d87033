// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package update

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"

	"github.com/flatcar/update-engine/update/blockdev"
	"github.com/flatcar/update-engine/update/bspatch"
	"github.com/flatcar/update-engine/update/extent"
	"github.com/flatcar/update-engine/update/metadata"
	"github.com/flatcar/update-engine/update/prefs"
)

// Blocks zeroed per write when the device cannot zero ranges itself.
const zeroChunkBlocks = 16

func (p *Performer) performOperation(op *metadata.InstallOperation) error {
	switch op.GetType() {
	case metadata.InstallOperation_REPLACE,
		metadata.InstallOperation_REPLACE_BZ,
		metadata.InstallOperation_REPLACE_XZ:
		return p.performReplace(op)
	case metadata.InstallOperation_ZERO,
		metadata.InstallOperation_DISCARD:
		return p.performZeroOrDiscard(op)
	case metadata.InstallOperation_MOVE:
		return p.performMove(op)
	case metadata.InstallOperation_BSDIFF:
		return p.performBsdiff(op)
	case metadata.InstallOperation_SOURCE_COPY:
		return p.performSourceCopy(op)
	case metadata.InstallOperation_SOURCE_BSDIFF,
		metadata.InstallOperation_BROTLI_BSDIFF:
		return p.performSourceBsdiff(op)
	case metadata.InstallOperation_PUFFDIFF:
		return p.performPuffDiff(op)
	}
	return fmt.Errorf("unknown operation type %s", op.GetType())
}

// checkOperationData makes sure the buffer starts with all of op's data.
func (p *Performer) checkOperationData(op *metadata.InstallOperation) error {
	if p.bufferOffset != op.GetDataOffset() {
		return fmt.Errorf("operation data offset %d does not match buffer offset %d",
			op.GetDataOffset(), p.bufferOffset)
	}
	if uint64(len(p.buffer)) < op.GetDataLength() {
		return fmt.Errorf("operation needs %d bytes but only %d are buffered",
			op.GetDataLength(), len(p.buffer))
	}
	return nil
}

func (p *Performer) performReplace(op *metadata.InstallOperation) error {
	if err := p.checkOperationData(op); err != nil {
		return err
	}

	extracted, err := p.extractSignatureFromOperation(op)
	if err != nil {
		return err
	}
	if extracted {
		p.discardBuffer(true, 0)
		return nil
	}

	var r io.Reader = bytes.NewReader(p.buffer[:op.GetDataLength()])
	switch op.GetType() {
	case metadata.InstallOperation_REPLACE_BZ:
		bz, err := bzip2.NewReader(r, nil)
		if err != nil {
			return err
		}
		defer bz.Close()
		r = bz
	case metadata.InstallOperation_REPLACE_XZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return err
		}
		r = xr
	}

	w := extent.NewWriter(p.target, op.GetDstExtents(), p.blockSize)
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("writing %s data to extents %s: %w", op.GetType(), extent.String(op.GetDstExtents()), err)
	}

	p.discardBuffer(true, uint64(len(p.buffer)))
	return nil
}

// extractSignatureFromOperation reports whether op is the REPLACE
// operation holding the payload signature of a version 1 payload, and
// saves the signature if it is.
func (p *Performer) extractSignatureFromOperation(op *metadata.InstallOperation) (bool, error) {
	if op.GetType() != metadata.InstallOperation_REPLACE ||
		p.manifest.SignaturesOffset == nil ||
		p.manifest.GetSignaturesOffset() != op.GetDataOffset() {
		return false, nil
	}
	if p.manifest.SignaturesSize == nil || p.manifest.GetSignaturesSize() != op.GetDataLength() {
		return false, fmt.Errorf("signature operation length %d does not match signatures size %d",
			op.GetDataLength(), p.manifest.GetSignaturesSize())
	}
	if err := p.extractSignatureMessage(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Performer) extractSignatureMessage() error {
	offset := p.manifest.GetSignaturesOffset()
	size := p.manifest.GetSignaturesSize()
	if p.bufferOffset != offset {
		return fmt.Errorf("signatures at %d but buffer is at %d", offset, p.bufferOffset)
	}
	if uint64(len(p.buffer)) < size {
		return fmt.Errorf("signatures need %d bytes but only %d are buffered", size, len(p.buffer))
	}
	blob := append([]byte(nil), p.buffer[:size]...)
	if len(p.signatureBlob) != 0 && !bytes.Equal(p.signatureBlob, blob) {
		return errors.New("payload signature already extracted")
	}
	p.signatureBlob = blob
	if err := p.cfg.Prefs.SetString(prefs.UpdateStateSignatureBlob, string(blob)); err != nil {
		plog.Warningf("Unable to store the signature blob: %v", err)
	}
	plog.Infof("Extracted signature data of size %d at %d", size, offset)
	return nil
}

func (p *Performer) performZeroOrDiscard(op *metadata.InstallOperation) error {
	if op.DataOffset != nil || op.DataLength != nil {
		return fmt.Errorf("%s operation must not carry data", op.GetType())
	}

	req := blockdev.ZeroOut
	if op.GetType() == metadata.InstallOperation_DISCARD {
		req = blockdev.Discard
	}

	attemptIoctl := true
	var zeros []byte
	for _, e := range op.GetDstExtents() {
		start := e.GetStartBlock() * p.blockSize
		length := e.GetNumBlocks() * p.blockSize
		if attemptIoctl {
			err := p.target.BlkIoctl(req, start, length)
			if err == nil {
				continue
			}
			plog.Debugf("ioctl(%s) failed, writing zeros instead: %v", req, err)
			attemptIoctl = false
		}
		if zeros == nil {
			zeros = make([]byte, zeroChunkBlocks*p.blockSize)
		}
		for off := uint64(0); off < length; off += uint64(len(zeros)) {
			chunk := min(length-off, uint64(len(zeros)))
			if _, err := p.target.WriteAt(zeros[:chunk], int64(start+off)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Performer) performMove(op *metadata.InstallOperation) error {
	if extent.BlocksIn(op.GetSrcExtents()) != extent.BlocksIn(op.GetDstExtents()) {
		return fmt.Errorf("MOVE source has %d blocks but destination has %d",
			extent.BlocksIn(op.GetSrcExtents()), extent.BlocksIn(op.GetDstExtents()))
	}
	for _, extents := range [][]*metadata.Extent{op.GetSrcExtents(), op.GetDstExtents()} {
		for _, e := range extents {
			if extent.IsSparseHole(e) {
				return errors.New("MOVE operation has a sparse hole extent")
			}
		}
	}

	if err := p.checkExtents(op.GetSrcExtents(), p.target); err != nil {
		return err
	}
	if err := p.checkExtents(op.GetDstExtents(), p.target); err != nil {
		return err
	}

	buf, err := extent.ReadAll(p.target, op.GetSrcExtents(), p.blockSize)
	if err != nil {
		return err
	}
	w := extent.NewWriter(p.target, op.GetDstExtents(), p.blockSize)
	_, err = w.Write(buf)
	return err
}

// checkExtents rejects extents that reach past the end of dev, so buffers
// sized from them stay within the partition.
func (p *Performer) checkExtents(extents []*metadata.Extent, dev blockdev.Device) error {
	size, err := dev.Size()
	if err != nil {
		return err
	}
	blocks := (size + p.blockSize - 1) / p.blockSize
	var total uint64
	for _, e := range extents {
		n := e.GetNumBlocks()
		if n > blocks-total {
			return fmt.Errorf("%w: extents %s cover more than the %d blocks of the partition",
				ErrExtentOutOfRange, extent.String(extents), blocks)
		}
		total += n
		if !extent.IsSparseHole(e) && e.GetStartBlock() > blocks-n {
			return fmt.Errorf("%w: extent %d:%d ends past block %d",
				ErrExtentOutOfRange, e.GetStartBlock(), n, blocks)
		}
	}
	return nil
}

// checkPatchSize rejects a patch whose output is not want bytes, or is
// larger than limit when want is zero.
func checkPatchSize(patch []byte, want, limit uint64) error {
	n, err := bspatch.NewSize(patch)
	if err != nil {
		return err
	}
	switch {
	case want != 0 && uint64(n) != want:
		return fmt.Errorf("%w: patch produces %d bytes, expected %d", bspatch.ErrCorrupt, n, want)
	case uint64(n) > limit:
		return fmt.Errorf("%w: patch produces %d bytes, destination holds %d", bspatch.ErrCorrupt, n, limit)
	}
	return nil
}

// validateBlockMultiples rejects lengths that do not cover whole blocks.
func (p *Performer) validateBlockMultiples(op *metadata.InstallOperation) error {
	if op.SrcLength != nil && op.GetSrcLength()%p.blockSize != 0 {
		return fmt.Errorf("%s src_length %d is not a multiple of the block size %d",
			op.GetType(), op.GetSrcLength(), p.blockSize)
	}
	if op.DstLength != nil && op.GetDstLength()%p.blockSize != 0 {
		return fmt.Errorf("%s dst_length %d is not a multiple of the block size %d",
			op.GetType(), op.GetDstLength(), p.blockSize)
	}
	return nil
}

// performBsdiff patches the target partition in place.
func (p *Performer) performBsdiff(op *metadata.InstallOperation) error {
	if err := p.checkOperationData(op); err != nil {
		return err
	}

	if err := p.checkExtents(op.GetSrcExtents(), p.target); err != nil {
		return err
	}
	if err := p.checkExtents(op.GetDstExtents(), p.target); err != nil {
		return err
	}
	patch := p.buffer[:op.GetDataLength()]
	if err := checkPatchSize(patch, op.GetDstLength(), op.GetDstLength()); err != nil {
		return err
	}

	inPositions, err := extent.BsdiffPositions(op.GetSrcExtents(), p.blockSize, op.GetSrcLength())
	if err != nil {
		return err
	}
	outPositions, err := extent.BsdiffPositions(op.GetDstExtents(), p.blockSize, op.GetDstLength())
	if err != nil {
		return err
	}

	old, err := readPositions(p.target, inPositions)
	if err != nil {
		return err
	}
	patched, err := bspatch.Apply(old, patch)
	if err != nil {
		return err
	}
	if uint64(len(patched)) != op.GetDstLength() {
		return fmt.Errorf("BSDIFF produced %d bytes, expected %d", len(patched), op.GetDstLength())
	}
	if err := writePositions(p.target, outPositions, patched); err != nil {
		return err
	}

	p.discardBuffer(true, uint64(len(p.buffer)))

	// Zero the end of the last block the patch only partly covered.
	if tail := op.GetDstLength() % p.blockSize; tail != 0 {
		dst := op.GetDstExtents()
		last := dst[len(dst)-1]
		if !extent.IsSparseHole(last) {
			end := (last.GetStartBlock() + last.GetNumBlocks()) * p.blockSize
			zeros := make([]byte, p.blockSize-tail)
			if _, err := p.target.WriteAt(zeros, int64(end-uint64(len(zeros)))); err != nil {
				return err
			}
		}
	}
	return nil
}

func readPositions(r io.ReaderAt, positions string) ([]byte, error) {
	parsed, err := extent.ParsePositions(positions)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, pos := range parsed {
		buf := make([]byte, pos.Length)
		if pos.Offset >= 0 {
			if _, err := r.ReadAt(buf, pos.Offset); err != nil {
				return nil, fmt.Errorf("reading %d bytes at %d: %w", pos.Length, pos.Offset, err)
			}
		}
		out = append(out, buf...)
	}
	return out, nil
}

func writePositions(w io.WriterAt, positions string, data []byte) error {
	parsed, err := extent.ParsePositions(positions)
	if err != nil {
		return err
	}
	for _, pos := range parsed {
		if pos.Offset >= 0 {
			if _, err := w.WriteAt(data[:pos.Length], pos.Offset); err != nil {
				return err
			}
		}
		data = data[pos.Length:]
	}
	return nil
}

func (p *Performer) performSourceBsdiff(op *metadata.InstallOperation) error {
	if err := p.checkOperationData(op); err != nil {
		return err
	}
	if err := p.validateBlockMultiples(op); err != nil {
		return err
	}

	if p.source != nil {
		if err := p.checkExtents(op.GetSrcExtents(), p.source); err != nil {
			return err
		}
	}
	if err := p.checkExtents(op.GetDstExtents(), p.target); err != nil {
		return err
	}
	patch := p.buffer[:op.GetDataLength()]
	dstSize := extent.BlocksIn(op.GetDstExtents()) * p.blockSize
	if err := checkPatchSize(patch, op.GetDstLength(), dstSize); err != nil {
		return err
	}

	src, err := p.chooseSourceFD(op)
	if err != nil {
		return err
	}
	old, err := extent.ReadAll(src, op.GetSrcExtents(), p.blockSize)
	if err != nil {
		return err
	}
	patched, err := bspatch.Apply(old, patch)
	if err != nil {
		return err
	}
	w := extent.NewWriter(p.target, op.GetDstExtents(), p.blockSize)
	if _, err := w.Write(patched); err != nil {
		return fmt.Errorf("writing patched data to extents %s: %w", extent.String(op.GetDstExtents()), err)
	}

	p.discardBuffer(true, uint64(len(p.buffer)))
	return nil
}

func (p *Performer) performPuffDiff(op *metadata.InstallOperation) error {
	if err := p.checkOperationData(op); err != nil {
		return err
	}
	if p.cfg.Puffpatcher == nil {
		return ErrPuffdiffUnsupported
	}

	src, err := p.chooseSourceFD(op)
	if err != nil {
		return err
	}
	r := extent.NewReader(src, op.GetSrcExtents(), p.blockSize)
	w := extent.NewWriter(p.target, op.GetDstExtents(), p.blockSize)
	if err := p.cfg.Puffpatcher.PuffPatch(r, w, p.buffer[:op.GetDataLength()]); err != nil {
		return err
	}

	p.discardBuffer(true, uint64(len(p.buffer)))
	return nil
}
