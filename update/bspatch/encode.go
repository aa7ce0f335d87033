// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package bspatch

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
)

// Control is one bsdiff control entry: add Diff bytes of old data, copy
// Extra bytes verbatim, then move the old position by Seek.
type Control struct {
	Diff, Extra, Seek int64
}

// Encode writes a patch turning old into target using the given control
// entries. It does not search for matches; callers choose the entries.
// A nil compression slice produces a BSDIFF40 patch.
func Encode(old, target []byte, ctrl []Control, compression []Compression) ([]byte, error) {
	var ctrlBuf, diffBuf, extraBuf bytes.Buffer
	var oldPos, newPos int64
	var b [8]byte
	for _, c := range ctrl {
		for _, v := range []int64{c.Diff, c.Extra, c.Seek} {
			offtout(v, b[:])
			ctrlBuf.Write(b[:])
		}
		for i := int64(0); i < c.Diff; i++ {
			d := target[newPos+i]
			if p := oldPos + i; p >= 0 && p < int64(len(old)) {
				d -= old[p]
			}
			diffBuf.WriteByte(d)
		}
		newPos += c.Diff
		oldPos += c.Diff
		extraBuf.Write(target[newPos : newPos+c.Extra])
		newPos += c.Extra
		oldPos += c.Seek
	}

	magic := []byte(magicBSDIFF40)
	comp := [3]Compression{Bzip2, Bzip2, Bzip2}
	if compression != nil {
		copy(comp[:], compression)
		magic = append([]byte(magicBSDF2), byte(comp[0]), byte(comp[1]), byte(comp[2]))
	}

	var blocks [3][]byte
	for i, raw := range [][]byte{ctrlBuf.Bytes(), diffBuf.Bytes(), extraBuf.Bytes()} {
		var err error
		if blocks[i], err = compress(comp[i], raw); err != nil {
			return nil, err
		}
	}

	out := append([]byte(nil), magic...)
	var lens [24]byte
	offtout(int64(len(blocks[0])), lens[0:])
	offtout(int64(len(blocks[1])), lens[8:])
	offtout(int64(len(target)), lens[16:])
	out = append(out, lens[:]...)
	for _, block := range blocks {
		out = append(out, block...)
	}
	return out, nil
}

// Simple encodes target as a diff against the overlapping prefix of old
// followed by the remainder as extra data.
func Simple(old, target []byte, compression []Compression) ([]byte, error) {
	n := int64(min(len(old), len(target)))
	return Encode(old, target, []Control{{Diff: n, Extra: int64(len(target)) - n}}, compression)
}

func compress(c Compression, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch c {
	case None:
		return data, nil
	case Bzip2:
		bw, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestCompression})
		if err != nil {
			return nil, err
		}
		w = bw
	case Brotli:
		w = brotli.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorrupt, c)
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
