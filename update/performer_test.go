// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package update

import (
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatcar/update-engine/update/bspatch"
	"github.com/flatcar/update-engine/update/generator"
	"github.com/flatcar/update-engine/update/metadata"
	"github.com/flatcar/update-engine/update/prefs"
)

func TestFullPayload(t *testing.T) {
	image := randomBlocks(1, 5)
	for _, tc := range []struct {
		typ   metadata.InstallOperation_Type
		chunk int
	}{
		{metadata.InstallOperation_REPLACE, 0},
		{metadata.InstallOperation_REPLACE, 7},
		{metadata.InstallOperation_REPLACE_BZ, 100},
		{metadata.InstallOperation_REPLACE_XZ, 1},
	} {
		t.Run(tc.typ.String(), func(t *testing.T) {
			part, err := generator.FullPartition("root", image, tc.typ, 2)
			require.NoError(t, err)
			result := generate(t, &generator.Generator{}, part)

			s := newTestSetup(t)
			s.addPartition("root", nil, make([]byte, len(image)))
			plan := s.plan(result.Payload)
			p, err := s.apply(plan, Config{}, result.Payload, tc.chunk)
			require.NoError(t, err)
			require.NoError(t, p.VerifyPayload(sha(result.Payload), uint64(len(result.Payload))))

			assert.Equal(t, image, s.target("root"))
			assert.Equal(t, PayloadFull, plan.Payloads[0].Type)
			assert.Equal(t, uint64(100), p.Progress())
			require.Len(t, plan.Partitions, 1)
			assert.Equal(t, "root", plan.Partitions[0].Name)
			assert.Equal(t, "root-b", plan.Partitions[0].TargetPath)
			assert.Equal(t, sha(image), plan.Partitions[0].TargetHash)
			assert.True(t, plan.Partitions[0].RunPostinstall)
			assert.Equal(t, "postinst", plan.Partitions[0].PostinstallPath)
		})
	}
}

func TestSingleBlockReplace(t *testing.T) {
	image := filled('A')
	g := &generator.Generator{}
	result := generate(t, g, &generator.Partition{
		Name: "root",
		New:  info(image),
		Operations: []*generator.Operation{{
			InstallOperation: op(metadata.InstallOperation_REPLACE, nil, extents(0, 1)),
			Data:             image,
		}},
	})

	s := newTestSetup(t)
	s.addPartition("root", nil, filled(0))
	plan := s.plan(result.Payload)
	p, err := s.apply(plan, Config{}, result.Payload, 0)
	require.NoError(t, err)
	require.NoError(t, p.VerifyPayload(sha(result.Payload), uint64(len(result.Payload))))
	assert.Equal(t, image, s.target("root"))
}

func deltaGenerator(minor uint32) *generator.Generator {
	return &generator.Generator{MinorVersion: minor}
}

func TestZeroAndDiscard(t *testing.T) {
	for _, typ := range []metadata.InstallOperation_Type{
		metadata.InstallOperation_ZERO,
		metadata.InstallOperation_DISCARD,
	} {
		t.Run(typ.String(), func(t *testing.T) {
			old := filled(1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
			want := filled(1, 1, 1, 1, 0, 0, 1, 0, 1, 1)
			result := generate(t, deltaGenerator(metadata.SourceMinorVersion), &generator.Partition{
				Name: "root",
				Old:  info(old),
				New:  info(want),
				Operations: []*generator.Operation{
					{InstallOperation: op(typ, nil, extents(4, 2, 7, 1))},
				},
			})

			s := newTestSetup(t)
			s.addPartition("root", old, old)
			plan := s.plan(result.Payload)
			p, err := s.apply(plan, Config{}, result.Payload, 0)
			require.NoError(t, err)
			require.NoError(t, p.VerifyPayload(sha(result.Payload), uint64(len(result.Payload))))
			assert.Equal(t, PayloadDelta, plan.Payloads[0].Type)
			assert.Equal(t, want, s.target("root"))
		})
	}
}

func TestZeroWithData(t *testing.T) {
	old := filled(1, 1)
	zero := op(metadata.InstallOperation_ZERO, nil, extents(0, 1))
	result := generate(t, deltaGenerator(metadata.SourceMinorVersion), &generator.Partition{
		Name:       "root",
		Old:        info(old),
		New:        info(old),
		Operations: []*generator.Operation{{InstallOperation: zero, Data: []byte("x")}},
	})

	s := newTestSetup(t)
	s.addPartition("root", old, old)
	_, err := s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
	assert.Equal(t, DownloadOperationExecutionError, CodeOf(err))
}

func sourceCopyPayload(t *testing.T, source []byte, withHash bool) *generator.Result {
	copyOp := op(metadata.InstallOperation_SOURCE_COPY, extents(0, 2), extents(2, 2))
	if withHash {
		copyOp.SrcSha256Hash = sha(source[:2*bs])
	}
	want := append(append([]byte(nil), source[:2*bs]...), source[:2*bs]...)
	return generate(t, deltaGenerator(metadata.OpSrcHashMinorVersion), &generator.Partition{
		Name:       "root",
		Old:        info(source),
		New:        info(want),
		Operations: []*generator.Operation{{InstallOperation: copyOp}},
	})
}

func TestSourceCopy(t *testing.T) {
	source := randomBlocks(2, 4)
	result := sourceCopyPayload(t, source, true)

	s := newTestSetup(t)
	s.addPartition("root", source, make([]byte, len(source)))
	p, err := s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
	require.NoError(t, err)
	assert.Equal(t, source[:2*bs], s.target("root")[2*bs:])
	assert.Equal(t, 0, p.ECCRecoveredFailures())
}

func TestSourceCopyHashMismatch(t *testing.T) {
	source := randomBlocks(3, 4)
	result := sourceCopyPayload(t, source, true)

	corrupt := append([]byte(nil), source...)
	corrupt[10] ^= 0xff

	s := newTestSetup(t)
	s.addPartition("root", corrupt, make([]byte, len(source)))
	plan := s.plan(result.Payload)
	p := s.performer(plan, Config{})
	_, err := p.Write(result.Payload)
	assert.Equal(t, SourceHashMismatch, CodeOf(err))
	assert.True(t, CodeOf(err).IsIntegrity())

	// The failure sticks.
	_, again := p.Write(nil)
	assert.Equal(t, err, again)
}

func TestSourceCopyECCRecovery(t *testing.T) {
	source := randomBlocks(4, 4)
	result := sourceCopyPayload(t, source, true)

	corrupt := append([]byte(nil), source...)
	corrupt[bs+3] ^= 0x10

	s := newTestSetup(t)
	s.addPartition("root", corrupt, make([]byte, len(source)))
	s.addECC("root", source)
	p, err := s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, p.ECCRecoveredFailures())
	assert.Equal(t, source[:2*bs], s.target("root")[2*bs:])
}

func TestSourceCopyWithoutHash(t *testing.T) {
	source := randomBlocks(5, 4)
	ecc := randomBlocks(6, 4)
	result := sourceCopyPayload(t, source, false)

	t.Run("ecc preferred", func(t *testing.T) {
		s := newTestSetup(t)
		s.addPartition("root", source, make([]byte, len(source)))
		s.addECC("root", ecc)
		p, err := s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, p.ECCRecoveredFailures())
		assert.Equal(t, ecc[:2*bs], s.target("root")[2*bs:])
	})

	t.Run("short ecc device", func(t *testing.T) {
		s := newTestSetup(t)
		s.addPartition("root", source, make([]byte, len(source)))
		s.addECC("root", ecc[:bs])
		p, err := s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, p.ECCRecoveredFailures())
		assert.Equal(t, source[:2*bs], s.target("root")[2*bs:])
		assert.NotEmpty(t, s.devices["root-a-ecc"].ReadOps())
	})
}

func sourceBsdiffPayload(t *testing.T, source, want []byte, typ metadata.InstallOperation_Type) *generator.Result {
	old := source[:2*bs]
	compression := []bspatch.Compression{bspatch.Bzip2, bspatch.Bzip2, bspatch.Bzip2}
	if typ == metadata.InstallOperation_BROTLI_BSDIFF {
		compression = []bspatch.Compression{bspatch.Brotli, bspatch.Brotli, bspatch.Brotli}
	}
	patch, err := bspatch.Simple(old, want, compression)
	require.NoError(t, err)

	diff := op(typ, extents(0, 2), extents(0, 2))
	diff.SrcLength = proto.Uint64(2 * bs)
	diff.DstLength = proto.Uint64(2 * bs)
	diff.SrcSha256Hash = sha(old)
	return generate(t, deltaGenerator(metadata.BrotliBsdiffMinorVersion), &generator.Partition{
		Name:       "root",
		Old:        info(source),
		New:        info(want),
		Operations: []*generator.Operation{{InstallOperation: diff, Data: patch}},
	})
}

func TestSourceBsdiff(t *testing.T) {
	source := randomBlocks(7, 2)
	want := append([]byte(nil), source...)
	copy(want[100:], "patched data")
	want[2*bs-1] = 0

	for _, typ := range []metadata.InstallOperation_Type{
		metadata.InstallOperation_SOURCE_BSDIFF,
		metadata.InstallOperation_BROTLI_BSDIFF,
	} {
		t.Run(typ.String(), func(t *testing.T) {
			result := sourceBsdiffPayload(t, source, want, typ)

			s := newTestSetup(t)
			s.addPartition("root", source, make([]byte, len(source)))
			p, err := s.apply(s.plan(result.Payload), Config{}, result.Payload, 33)
			require.NoError(t, err)
			require.NoError(t, p.VerifyPayload(sha(result.Payload), uint64(len(result.Payload))))
			assert.Equal(t, want, s.target("root"))
		})
	}

	t.Run("ecc recovery", func(t *testing.T) {
		result := sourceBsdiffPayload(t, source, want, metadata.InstallOperation_SOURCE_BSDIFF)
		corrupt := append([]byte(nil), source...)
		corrupt[0] ^= 1

		s := newTestSetup(t)
		s.addPartition("root", corrupt, make([]byte, len(source)))
		s.addECC("root", source)
		p, err := s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, p.ECCRecoveredFailures())
		assert.Equal(t, want, s.target("root"))
	})

	t.Run("ecc also bad", func(t *testing.T) {
		result := sourceBsdiffPayload(t, source, want, metadata.InstallOperation_SOURCE_BSDIFF)
		corrupt := append([]byte(nil), source...)
		corrupt[0] ^= 1

		s := newTestSetup(t)
		s.addPartition("root", corrupt, make([]byte, len(source)))
		s.addECC("root", corrupt)
		p, err := s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
		assert.Equal(t, SourceHashMismatch, CodeOf(err))
		assert.Equal(t, 0, p.ECCRecoveredFailures())
	})
}

func TestSourceBsdiffPartialBlocks(t *testing.T) {
	source := randomBlocks(8, 2)
	patch, err := bspatch.Simple(source, source, nil)
	require.NoError(t, err)

	diff := op(metadata.InstallOperation_SOURCE_BSDIFF, extents(0, 2), extents(0, 2))
	diff.SrcLength = proto.Uint64(2*bs - 1)
	diff.DstLength = proto.Uint64(2 * bs)
	result := generate(t, deltaGenerator(metadata.SourceMinorVersion), &generator.Partition{
		Name:       "root",
		Old:        info(source),
		New:        info(source),
		Operations: []*generator.Operation{{InstallOperation: diff, Data: patch}},
	})

	s := newTestSetup(t)
	s.addPartition("root", source, make([]byte, len(source)))
	_, err = s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
	assert.Equal(t, DownloadOperationExecutionError, CodeOf(err))
}

func TestInPlaceMoveAndBsdiff(t *testing.T) {
	old := filled(1, 2, 3, 4)

	// Block 0 moves to block 3, then block 1 is patched in place into
	// 4000 bytes of 9s. The rest of block 1 must end up zeroed.
	want := filled(1, 9, 3, 1)
	for i := bs + 4000; i < 2*bs; i++ {
		want[i] = 0
	}
	patch, err := bspatch.Simple(block(old, 1), block(want, 1)[:4000], nil)
	require.NoError(t, err)

	diff := op(metadata.InstallOperation_BSDIFF, extents(1, 1), extents(1, 1))
	diff.SrcLength = proto.Uint64(bs)
	diff.DstLength = proto.Uint64(4000)
	result := generate(t, deltaGenerator(metadata.InPlaceMinorVersion), &generator.Partition{
		Name: "root",
		Old:  info(old),
		New:  info(want),
		Operations: []*generator.Operation{
			{InstallOperation: op(metadata.InstallOperation_MOVE, extents(0, 1), extents(3, 1))},
			{InstallOperation: diff, Data: patch},
		},
	})

	s := newTestSetup(t)
	s.addPartition("root", filled(7, 7, 7, 7), old)
	p, err := s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
	require.NoError(t, err)
	require.NoError(t, p.VerifyPayload(sha(result.Payload), uint64(len(result.Payload))))
	assert.Equal(t, want, s.target("root"))
	assert.Empty(t, s.devices["root-a"].ReadOps(), "in-place payloads must not read the source slot")
}

type fakePuffpatcher struct {
	src   []byte
	patch []byte
}

func (f *fakePuffpatcher) PuffPatch(src io.ReadSeeker, dst io.Writer, patch []byte) error {
	b := make([]byte, bs)
	if _, err := io.ReadFull(src, b); err != nil {
		return err
	}
	f.src = b
	f.patch = append([]byte(nil), patch...)
	_, err := dst.Write(filled('P'))
	return err
}

func TestPuffdiff(t *testing.T) {
	source := filled('S', 'T')
	puff := op(metadata.InstallOperation_PUFFDIFF, extents(1, 1), extents(0, 1))
	puff.SrcSha256Hash = sha(block(source, 1))
	result := generate(t, deltaGenerator(metadata.PuffdiffMinorVersion), &generator.Partition{
		Name:       "root",
		Old:        info(source),
		New:        info(filled('P')),
		Operations: []*generator.Operation{{InstallOperation: puff, Data: []byte("puff")}},
	})

	t.Run("patched", func(t *testing.T) {
		s := newTestSetup(t)
		s.addPartition("root", source, filled(0))
		patcher := &fakePuffpatcher{}
		_, err := s.apply(s.plan(result.Payload), Config{Puffpatcher: patcher}, result.Payload, 0)
		require.NoError(t, err)
		assert.Equal(t, block(source, 1), patcher.src)
		assert.Equal(t, []byte("puff"), patcher.patch)
		assert.Equal(t, filled('P'), s.target("root"))
	})

	t.Run("unsupported", func(t *testing.T) {
		s := newTestSetup(t)
		s.addPartition("root", source, filled(0))
		_, err := s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
		assert.True(t, errors.Is(err, ErrPuffdiffUnsupported))
		assert.Equal(t, DownloadOperationExecutionError, CodeOf(err))
	})
}

type cancelAfter struct {
	calls, limit int
}

func (c *cancelAfter) ShouldCancel() error {
	c.calls++
	if c.calls > c.limit {
		return errors.New("canceled by test")
	}
	return nil
}

func TestShouldCancel(t *testing.T) {
	image := randomBlocks(9, 3)
	part, err := generator.FullPartition("root", image, metadata.InstallOperation_REPLACE, 1)
	require.NoError(t, err)
	result := generate(t, &generator.Generator{}, part)

	s := newTestSetup(t)
	s.addPartition("root", nil, make([]byte, len(image)))
	delegate := &cancelAfter{limit: 1}
	p, err := s.apply(s.plan(result.Payload), Config{Delegate: delegate}, result.Payload, 0)
	assert.Equal(t, UserCanceled, CodeOf(err))
	assert.Equal(t, uint64(1), p.NextOperation())
	assert.Equal(t, block(image, 0), block(s.target("root"), 0))
	assert.Equal(t, make([]byte, bs), block(s.target("root"), 1))
}

func TestMultiplePartitions(t *testing.T) {
	rootImage := randomBlocks(10, 3)
	usrImage := randomBlocks(11, 2)
	root, err := generator.FullPartition("root", rootImage, metadata.InstallOperation_REPLACE, 1)
	require.NoError(t, err)
	usr, err := generator.FullPartition("usr", usrImage, metadata.InstallOperation_REPLACE_XZ, 1)
	require.NoError(t, err)
	result := generate(t, &generator.Generator{}, root, usr)

	s := newTestSetup(t)
	s.addPartition("root", nil, make([]byte, len(rootImage)))
	s.addPartition("usr", nil, make([]byte, len(usrImage)))
	plan := s.plan(result.Payload)
	p, err := s.apply(plan, Config{}, result.Payload, 4096+13)
	require.NoError(t, err)
	require.NoError(t, p.VerifyPayload(sha(result.Payload), uint64(len(result.Payload))))
	assert.Equal(t, rootImage, s.target("root"))
	assert.Equal(t, usrImage, s.target("usr"))
	require.Len(t, plan.Partitions, 2)
	assert.Equal(t, "usr-b", plan.Partitions[1].TargetPath)
	assert.False(t, plan.Partitions[1].RunPostinstall)
}

func TestIncompletePayload(t *testing.T) {
	image := randomBlocks(12, 2)
	part, err := generator.FullPartition("root", image, metadata.InstallOperation_REPLACE, 1)
	require.NoError(t, err)
	result := generate(t, &generator.Generator{}, part)

	for _, cut := range []int{10, int(result.MetadataSize) + 5, len(result.Payload) - bs} {
		s := newTestSetup(t)
		s.addPartition("root", nil, make([]byte, len(image)))
		_, err := s.apply(s.plan(result.Payload), Config{}, result.Payload[:cut], 0)
		assert.Equal(t, DownloadIncomplete, CodeOf(err), "cut at %d", cut)
	}
}

func TestAlreadyApplied(t *testing.T) {
	image := randomBlocks(13, 1)
	part, err := generator.FullPartition("root", image, metadata.InstallOperation_REPLACE, 1)
	require.NoError(t, err)
	result := generate(t, &generator.Generator{}, part)

	s := newTestSetup(t)
	s.addPartition("root", nil, make([]byte, len(image)))
	plan := s.plan(result.Payload)
	plan.Payloads[0].AlreadyApplied = true
	p := s.performer(plan, Config{})
	_, err = p.Write(result.Payload)
	assert.True(t, errors.Is(err, ErrAlreadyApplied))
	assert.Equal(t, Success, CodeOf(err))
	require.Len(t, plan.Partitions, 1)
	assert.Equal(t, "root-b", plan.Partitions[0].TargetPath)
	assert.Equal(t, make([]byte, len(image)), s.target("root"))
	assert.False(t, s.prefs.Exists(prefs.ManifestMetadataSize))
}

func TestDynamicPartitionMetadata(t *testing.T) {
	image := randomBlocks(14, 1)
	part, err := generator.FullPartition("usr", image, metadata.InstallOperation_REPLACE, 1)
	require.NoError(t, err)

	t.Run("applied once", func(t *testing.T) {
		g := &generator.Generator{}
		g.DynamicPartitionMetadata(&metadata.DynamicPartitionMetadata{
			Groups: []*metadata.DynamicPartitionGroup{{
				Name:           proto.String("flatcar"),
				Size:           proto.Uint64(1 << 20),
				PartitionNames: []string{"usr"},
			}},
		})
		result := generate(t, g, part)

		s := newTestSetup(t)
		s.addPartition("usr", nil, make([]byte, len(image)))
		_, err := s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
		require.NoError(t, err)

		md := s.bc.AppliedMetadata(1)
		require.NotNil(t, md)
		require.Len(t, md.Groups, 1)
		assert.Equal(t, "flatcar", md.Groups[0].Name)
		assert.Equal(t, uint64(len(image)), md.Groups[0].Partitions[0].Size)
		updated, err := prefs.GetBool(s.prefs, prefs.DynamicPartitionMetadataUpdated)
		require.NoError(t, err)
		assert.True(t, updated)
	})

	t.Run("unknown partition", func(t *testing.T) {
		g := &generator.Generator{}
		g.DynamicPartitionMetadata(&metadata.DynamicPartitionMetadata{
			Groups: []*metadata.DynamicPartitionGroup{{
				Name:           proto.String("flatcar"),
				PartitionNames: []string{"usr", "oem"},
			}},
		})
		result := generate(t, g, part)

		s := newTestSetup(t)
		s.addPartition("usr", nil, make([]byte, len(image)))
		_, err := s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
		assert.Equal(t, InstallDeviceOpenError, CodeOf(err))
	})
}

func TestExtentsPastPartitionEnd(t *testing.T) {
	old := filled(1, 2, 3, 4)
	for _, tc := range []struct {
		name string
		op   *metadata.InstallOperation
	}{
		{"huge move", op(metadata.InstallOperation_MOVE, extents(0, 1<<40), extents(1, 1<<40))},
		{"move from past the end", op(metadata.InstallOperation_MOVE, extents(4, 1), extents(0, 1))},
		{"move to past the end", op(metadata.InstallOperation_MOVE, extents(0, 2), extents(3, 2))},
		{"move wrapping around", op(metadata.InstallOperation_MOVE, extents(1<<63, 1<<63), extents(0, 1<<63))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			result := generate(t, deltaGenerator(metadata.InPlaceMinorVersion), &generator.Partition{
				Name:       "root",
				Old:        info(old),
				New:        info(old),
				Operations: []*generator.Operation{{InstallOperation: tc.op}},
			})

			s := newTestSetup(t)
			s.addPartition("root", nil, old)
			_, err := s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
			assert.Equal(t, DownloadOperationExecutionError, CodeOf(err), "%v", err)
			assert.True(t, errors.Is(err, ErrExtentOutOfRange), "%v", err)
			assert.Equal(t, old, s.target("root"))
		})
	}

	t.Run("source bsdiff", func(t *testing.T) {
		patch, err := bspatch.Simple(old, old, nil)
		require.NoError(t, err)
		diff := op(metadata.InstallOperation_SOURCE_BSDIFF, extents(0, 1<<40), extents(0, 4))
		result := generate(t, deltaGenerator(metadata.SourceMinorVersion), &generator.Partition{
			Name:       "root",
			Old:        info(old),
			New:        info(old),
			Operations: []*generator.Operation{{InstallOperation: diff, Data: patch}},
		})

		s := newTestSetup(t)
		s.addPartition("root", old, make([]byte, len(old)))
		_, err = s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
		assert.True(t, errors.Is(err, ErrExtentOutOfRange), "%v", err)
	})
}

func TestBsdiffOutputSize(t *testing.T) {
	old := randomBlocks(40, 2)
	patch, err := bspatch.Simple(old, old, nil)
	require.NoError(t, err)
	withSize := func(n uint64) []byte {
		p := append([]byte(nil), patch...)
		binary.LittleEndian.PutUint64(p[24:], n)
		return p
	}

	for _, tc := range []struct {
		name      string
		typ       metadata.InstallOperation_Type
		minor     uint32
		patch     []byte
		dstLength uint64
	}{
		{"source bsdiff huge output", metadata.InstallOperation_SOURCE_BSDIFF, metadata.SourceMinorVersion, withSize(1 << 62), 2 * bs},
		{"source bsdiff short output", metadata.InstallOperation_SOURCE_BSDIFF, metadata.SourceMinorVersion, withSize(bs), 2 * bs},
		{"source bsdiff without dst length", metadata.InstallOperation_SOURCE_BSDIFF, metadata.SourceMinorVersion, withSize(1 << 62), 0},
		{"in-place bsdiff huge output", metadata.InstallOperation_BSDIFF, metadata.InPlaceMinorVersion, withSize(1 << 62), 2 * bs},
	} {
		t.Run(tc.name, func(t *testing.T) {
			diff := op(tc.typ, extents(0, 2), extents(0, 2))
			diff.SrcLength = proto.Uint64(2 * bs)
			if tc.dstLength != 0 {
				diff.DstLength = proto.Uint64(tc.dstLength)
			}
			result := generate(t, deltaGenerator(tc.minor), &generator.Partition{
				Name:       "root",
				Old:        info(old),
				New:        info(old),
				Operations: []*generator.Operation{{InstallOperation: diff, Data: tc.patch}},
			})

			s := newTestSetup(t)
			s.addPartition("root", old, old)
			_, err := s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
			assert.Equal(t, DownloadOperationExecutionError, CodeOf(err), "%v", err)
			assert.True(t, errors.Is(err, bspatch.ErrCorrupt), "%v", err)
			assert.Equal(t, old, s.target("root"))
		})
	}
}

func TestOperationDataGap(t *testing.T) {
	image := filled('G')
	replace := op(metadata.InstallOperation_REPLACE, nil, extents(0, 1))
	replace.DataOffset = proto.Uint64(bs)
	replace.DataLength = proto.Uint64(bs)
	payload := rawPayload(t, metadata.BrilloMajorVersion, &metadata.DeltaArchiveManifest{
		Partitions: []*metadata.PartitionUpdate{{
			PartitionName:    proto.String("root"),
			NewPartitionInfo: info(image),
			Operations:       []*metadata.InstallOperation{replace},
		}},
	}, append(filled(0), image...))

	s := newTestSetup(t)
	s.addPartition("root", nil, make([]byte, bs))
	p := s.performer(s.plan(payload), Config{})
	n, err := p.Write(payload)
	assert.Equal(t, 0, n)
	assert.Equal(t, DownloadOperationExecutionError, CodeOf(err), "%v", err)
	assert.Equal(t, uint64(0), p.NextOperation())
	assert.Equal(t, make([]byte, bs), s.target("root"))
}

func TestCloseBeforePayloadSignature(t *testing.T) {
	image := randomBlocks(41, 2)
	part, err := generator.FullPartition("root", image, metadata.InstallOperation_REPLACE, 1)
	require.NoError(t, err)
	key := signingKey(t)
	result := generate(t, &generator.Generator{SigningKeys: []*rsa.PrivateKey{key}}, part)
	sigStart := result.MetadataSize + uint64(len(result.MetadataSignature)) + result.Manifest.GetSignaturesOffset()
	require.Less(t, sigStart, uint64(len(result.Payload)))

	s := newTestSetup(t)
	s.addPartition("root", nil, make([]byte, len(image)))
	p, err := s.apply(s.plan(result.Payload), Config{}, result.Payload[:sigStart], 0)
	assert.Equal(t, DownloadIncomplete, CodeOf(err), "%v", err)
	assert.Equal(t, uint64(2), p.NextOperation())
	assert.Equal(t, image, s.target("root"))

	s = newTestSetup(t)
	s.addPartition("root", nil, make([]byte, len(image)))
	_, err = s.apply(s.plan(result.Payload), Config{}, result.Payload, 0)
	assert.NoError(t, err)
}
