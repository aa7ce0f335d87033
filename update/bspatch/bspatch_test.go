// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package bspatch

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfftin(t *testing.T) {
	var b [8]byte
	for _, v := range []int64{0, 1, -1, 4096, -4096, 1<<62 + 5, -(1<<62 + 5)} {
		offtout(v, b[:])
		assert.Equal(t, v, offtin(b[:]), "value %d", v)
	}
	// Sign-magnitude, not two's complement.
	offtout(-2, b[:])
	assert.Equal(t, []byte{2, 0, 0, 0, 0, 0, 0, 0x80}, b[:])
}

func TestRoundTrip(t *testing.T) {
	old := bytes.Repeat([]byte("the quick brown fox "), 300)
	target := append(bytes.Repeat([]byte("the quick brown cat "), 250), []byte("and some new trailing data")...)

	for _, tc := range []struct {
		name        string
		compression []Compression
	}{
		{"bsdiff40", nil},
		{"bsdf2-none", []Compression{None, None, None}},
		{"bsdf2-bz2", []Compression{Bzip2, Bzip2, Bzip2}},
		{"bsdf2-brotli", []Compression{Brotli, Brotli, Brotli}},
		{"bsdf2-mixed", []Compression{None, Brotli, Bzip2}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			patch, err := Simple(old, target, tc.compression)
			require.NoError(t, err)

			size, err := NewSize(patch)
			require.NoError(t, err)
			assert.Equal(t, int64(len(target)), size)

			got, err := Apply(old, patch)
			require.NoError(t, err)
			assert.Equal(t, target, got)
		})
	}
}

func TestSeekBackwards(t *testing.T) {
	old := []byte("0123456789")
	target := []byte("0123xx0123")
	patch, err := Encode(old, target, []Control{
		{Diff: 4, Extra: 2, Seek: -4},
		{Diff: 4},
	}, nil)
	require.NoError(t, err)

	got, err := Apply(old, patch)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestDiffPastOldEnd(t *testing.T) {
	old := []byte("abc")
	target := []byte("abcdef")
	patch, err := Encode(old, target, []Control{{Diff: 6}}, []Compression{None, None, None})
	require.NoError(t, err)

	got, err := Apply(old, patch)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestCorrupt(t *testing.T) {
	patch, err := Simple([]byte("old data"), []byte("new data"), []Compression{None, None, None})
	require.NoError(t, err)

	for name, p := range map[string][]byte{
		"short":     patch[:10],
		"magic":     append([]byte("BSDIFF41"), patch[8:]...),
		"truncated": patch[:len(patch)-1],
		"codec":     append(append([]byte("BSDF2"), 7, 0, 0), patch[8:]...),
	} {
		_, err := Apply([]byte("old data"), p)
		assert.True(t, errors.Is(err, ErrCorrupt), name)
	}

	// Control entry claiming more output than the header allows.
	bad := append([]byte(nil), patch...)
	offtout(100, bad[headerSize:])
	_, err = Apply([]byte("old data"), bad)
	assert.True(t, errors.Is(err, ErrCorrupt))
}
