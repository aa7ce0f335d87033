// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/golang/protobuf/proto"
	"github.com/spf13/cobra"

	"github.com/flatcar/update-engine/update/metadata"
)

var cmdInfo = &cobra.Command{
	Use:   "info payload.bin",
	Short: "Describe the contents of a payload",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	root.AddCommand(cmdInfo)
}

// readMetadata parses the header and manifest at the start of path.
func readMetadata(path string) (*metadata.PayloadMetadata, *metadata.DeltaArchiveManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	header := make([]byte, metadata.MaxHeaderSize)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, nil, fmt.Errorf("reading payload header: %w", err)
	}
	header = header[:n]
	var meta metadata.PayloadMetadata
	result, err := meta.ParseHeader(header)
	if err != nil {
		return nil, nil, err
	}
	if result != metadata.ParseSuccess {
		return nil, nil, fmt.Errorf("parsing payload header: %s", result)
	}

	buf := make([]byte, meta.MetadataSize())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, nil, fmt.Errorf("reading payload metadata: %w", err)
	}
	manifest, err := meta.Manifest(buf)
	if err != nil {
		return nil, nil, err
	}
	return &meta, manifest, nil
}

// manifestPartitions lists the partitions of either major version.
func manifestPartitions(major uint64, m *metadata.DeltaArchiveManifest) []*metadata.PartitionUpdate {
	if major != metadata.ChromeOSMajorVersion {
		return m.GetPartitions()
	}
	return []*metadata.PartitionUpdate{
		{
			PartitionName:    proto.String(metadata.PartitionNameRoot),
			OldPartitionInfo: m.GetOldRootfsInfo(),
			NewPartitionInfo: m.GetNewRootfsInfo(),
			Operations:       m.GetInstallOperations(),
		},
		{
			PartitionName:    proto.String(metadata.PartitionNameKernel),
			OldPartitionInfo: m.GetOldKernelInfo(),
			NewPartitionInfo: m.GetNewKernelInfo(),
			Operations:       m.GetKernelInstallOperations(),
		},
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	meta, manifest, err := readMetadata(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Major version:       %d\n", meta.MajorVersion())
	fmt.Fprintf(out, "Minor version:       %d\n", manifest.GetMinorVersion())
	fmt.Fprintf(out, "Metadata size:       %d\n", meta.MetadataSize())
	fmt.Fprintf(out, "Metadata signature:  %d bytes\n", meta.MetadataSignatureSize())
	fmt.Fprintf(out, "Block size:          %d\n", manifest.GetBlockSize())
	if manifest.MaxTimestamp != nil {
		fmt.Fprintf(out, "Max timestamp:       %d\n", manifest.GetMaxTimestamp())
	}
	if manifest.SignaturesOffset != nil {
		fmt.Fprintf(out, "Payload signature:   %d bytes at data offset %d\n",
			manifest.GetSignaturesSize(), manifest.GetSignaturesOffset())
	} else {
		fmt.Fprintf(out, "Payload signature:   none\n")
	}
	if v := manifest.GetNewImageInfo().GetVersion(); v != "" {
		fmt.Fprintf(out, "Image version:       %s\n", v)
	}

	for _, part := range manifestPartitions(meta.MajorVersion(), manifest) {
		kind := "full"
		if part.OldPartitionInfo != nil {
			kind = "delta"
		}
		fmt.Fprintf(out, "\nPartition %s (%s):\n", part.GetPartitionName(), kind)
		if old := part.GetOldPartitionInfo(); old != nil {
			fmt.Fprintf(out, "  old: %d bytes, sha256 %x\n", old.GetSize(), old.GetHash())
		}
		fmt.Fprintf(out, "  new: %d bytes, sha256 %x\n",
			part.GetNewPartitionInfo().GetSize(), part.GetNewPartitionInfo().GetHash())

		counts := make(map[string]int)
		var data uint64
		for _, op := range part.GetOperations() {
			counts[op.GetType().String()]++
			data += op.GetDataLength()
		}
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(out, "  %d operations, %d data bytes\n", len(part.GetOperations()), data)
		for _, name := range names {
			fmt.Fprintf(out, "    %-16s %d\n", name, counts[name])
		}
	}

	if groups := manifest.GetDynamicPartitionMetadata().GetGroups(); len(groups) > 0 {
		fmt.Fprintf(out, "\nDynamic partition groups:\n")
		for _, g := range groups {
			fmt.Fprintf(out, "  %s: %d bytes, %v\n", g.GetName(), g.GetSize(), g.GetPartitionNames())
		}
	}
	return nil
}
