// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package extent

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/flatcar/update-engine/update/digest"
	"github.com/flatcar/update-engine/update/metadata"
)

// copyBufferSize bounds the memory used by CopyAndHash and ReadAndHash.
const copyBufferSize = 1024 * 1024

var ErrExtentsFull = errors.New("write past the end of the extents")

type layout struct {
	extents   []*metadata.Extent
	blockSize uint64
	ends      []uint64
}

func newLayout(extents []*metadata.Extent, blockSize uint64) layout {
	l := layout{extents: extents, blockSize: blockSize}
	var end uint64
	for _, e := range extents {
		end += e.GetNumBlocks() * blockSize
		l.ends = append(l.ends, end)
	}
	return l
}

func (l *layout) size() uint64 {
	if len(l.ends) == 0 {
		return 0
	}
	return l.ends[len(l.ends)-1]
}

// locate maps a logical offset to its extent, the device offset and the
// number of bytes left in that extent.
func (l *layout) locate(pos uint64) (e *metadata.Extent, devOff int64, avail uint64) {
	i := sort.Search(len(l.ends), func(i int) bool { return l.ends[i] > pos })
	start := l.ends[i] - l.extents[i].GetNumBlocks()*l.blockSize
	e = l.extents[i]
	within := pos - start
	if !IsSparseHole(e) {
		devOff = int64(e.GetStartBlock()*l.blockSize + within)
	}
	return e, devOff, l.ends[i] - pos
}

// Reader presents the bytes of a list of extents as one stream. Sparse
// holes read as zeros.
type Reader struct {
	r   io.ReaderAt
	l   layout
	pos uint64
}

func NewReader(r io.ReaderAt, extents []*metadata.Extent, blockSize uint64) *Reader {
	return &Reader{r: r, l: newLayout(extents, blockSize)}
}

// Size is the total number of bytes covered by the extents.
func (r *Reader) Size() uint64 {
	return r.l.size()
}

func (r *Reader) Read(p []byte) (int, error) {
	total := r.l.size()
	if r.pos >= total {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && r.pos < total {
		e, off, avail := r.l.locate(r.pos)
		chunk := int(min(avail, uint64(len(p)-n)))
		if IsSparseHole(e) {
			clear(p[n : n+chunk])
		} else {
			m, err := r.r.ReadAt(p[n:n+chunk], off)
			if m < chunk {
				if err == nil || err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				r.pos += uint64(m)
				return n + m, err
			}
		}
		n += chunk
		r.pos += uint64(chunk)
	}
	return n, nil
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(r.pos) + offset
	case io.SeekEnd:
		abs = int64(r.l.size()) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative position %d", abs)
	}
	r.pos = uint64(abs)
	return abs, nil
}

// Writer streams bytes into a list of extents in order. Data destined for
// sparse holes is dropped.
type Writer struct {
	w   io.WriterAt
	l   layout
	pos uint64
}

func NewWriter(w io.WriterAt, extents []*metadata.Extent, blockSize uint64) *Writer {
	return &Writer{w: w, l: newLayout(extents, blockSize)}
}

// Size is the total number of bytes covered by the extents.
func (w *Writer) Size() uint64 {
	return w.l.size()
}

// Written is the number of bytes accepted so far.
func (w *Writer) Written() uint64 {
	return w.pos
}

func (w *Writer) Write(p []byte) (int, error) {
	total := w.l.size()
	n := 0
	for n < len(p) {
		if w.pos >= total {
			return n, ErrExtentsFull
		}
		e, off, avail := w.l.locate(w.pos)
		chunk := int(min(avail, uint64(len(p)-n)))
		if !IsSparseHole(e) {
			m, err := w.w.WriteAt(p[n:n+chunk], off)
			if err != nil {
				w.pos += uint64(m)
				return n + m, err
			}
		}
		n += chunk
		w.pos += uint64(chunk)
	}
	return n, nil
}

// ReadAndHash reads every byte of extents from r, returning the SHA-256 of
// the data when withHash is set.
func ReadAndHash(r io.ReaderAt, extents []*metadata.Extent, blockSize uint64, withHash bool) ([]byte, error) {
	er := NewReader(r, extents, blockSize)
	calc := digest.New()
	buf := make([]byte, min(copyBufferSize, max(er.Size(), 1)))
	for remaining := er.Size(); remaining > 0; {
		chunk := buf[:min(uint64(len(buf)), remaining)]
		if _, err := io.ReadFull(er, chunk); err != nil {
			return nil, fmt.Errorf("reading extents %s: %w", String(extents), err)
		}
		if withHash {
			if err := calc.Update(chunk); err != nil {
				return nil, err
			}
		}
		remaining -= uint64(len(chunk))
	}
	if !withHash {
		return nil, nil
	}
	if err := calc.Finalize(); err != nil {
		return nil, err
	}
	return calc.RawHash(), nil
}

// CopyAndHash copies src extents of r to dst extents of w and returns the
// SHA-256 of the copied data. Both lists must cover the same number of
// blocks.
func CopyAndHash(r io.ReaderAt, src []*metadata.Extent, w io.WriterAt, dst []*metadata.Extent, blockSize uint64) ([]byte, error) {
	if BlocksIn(src) != BlocksIn(dst) {
		return nil, fmt.Errorf("%w: source has %d blocks, destination %d",
			ErrLengthMismatch, BlocksIn(src), BlocksIn(dst))
	}
	er := NewReader(r, src, blockSize)
	ew := NewWriter(w, dst, blockSize)
	calc := digest.New()
	buf := make([]byte, min(copyBufferSize, max(er.Size(), 1)))
	for remaining := er.Size(); remaining > 0; {
		chunk := buf[:min(uint64(len(buf)), remaining)]
		if _, err := io.ReadFull(er, chunk); err != nil {
			return nil, fmt.Errorf("reading extents %s: %w", String(src), err)
		}
		if err := calc.Update(chunk); err != nil {
			return nil, err
		}
		if _, err := ew.Write(chunk); err != nil {
			return nil, fmt.Errorf("writing extents %s: %w", String(dst), err)
		}
		remaining -= uint64(len(chunk))
	}
	if err := calc.Finalize(); err != nil {
		return nil, err
	}
	return calc.RawHash(), nil
}

// ReadAll returns the contents of extents.
func ReadAll(r io.ReaderAt, extents []*metadata.Extent, blockSize uint64) ([]byte, error) {
	er := NewReader(r, extents, blockSize)
	buf := make([]byte, er.Size())
	if _, err := io.ReadFull(er, buf); err != nil {
		return nil, fmt.Errorf("reading extents %s: %w", String(extents), err)
	}
	return buf, nil
}
