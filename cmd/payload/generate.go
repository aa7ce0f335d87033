// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flatcar/update-engine/update"
	"github.com/flatcar/update-engine/update/digest"
	"github.com/flatcar/update-engine/update/generator"
	"github.com/flatcar/update-engine/update/metadata"
	"github.com/flatcar/update-engine/update/verifier"
	"github.com/flatcar/update-engine/util"
)

var (
	cmdGenerate = &cobra.Command{
		Use:   "generate --partition root=image.bin -o payload.bin",
		Short: "Build a full payload from partition images",
		Long: `Build a full payload from partition images.

Images ending in .bz2 or .xz are decompressed first.`,
		Args: cobra.NoArgs,
		RunE: runGenerate,
	}

	genPartitions  []string
	genKeys        []string
	genOutput      string
	genPlanOut     string
	genMajor       uint64
	genType        string
	genChunkBlocks uint64
	genTimestamp   int64
	genVersion     string
)

func init() {
	fl := cmdGenerate.Flags()
	fl.StringArrayVar(&genPartitions, "partition", nil, "name=path of a partition image, may be repeated")
	fl.StringArrayVar(&genKeys, "private-key", nil, "PEM private key to sign with, may be repeated")
	fl.StringVarP(&genOutput, "output", "o", "", "payload file to write")
	fl.StringVar(&genPlanOut, "plan-out", "", "write the payload section of a plan file here")
	fl.Uint64Var(&genMajor, "major", metadata.BrilloMajorVersion, "payload major version")
	fl.StringVar(&genType, "type", "REPLACE_BZ", "operation type: REPLACE, REPLACE_BZ or REPLACE_XZ")
	fl.Uint64Var(&genChunkBlocks, "chunk-blocks", generator.DefaultChunkBlocks, "blocks per operation")
	fl.Int64Var(&genTimestamp, "max-timestamp", 0, "refuse the payload on builds newer than this")
	fl.StringVar(&genVersion, "version", "", "version of the new image")
	cmdGenerate.MarkFlagRequired("output")
	root.AddCommand(cmdGenerate)
}

func parseOperationType(name string) (metadata.InstallOperation_Type, error) {
	name = strings.ToUpper(name)
	switch name {
	case "REPLACE", "REPLACE_BZ", "REPLACE_XZ":
		return metadata.InstallOperation_Type(metadata.InstallOperation_Type_value[name]), nil
	}
	return 0, fmt.Errorf("full payloads cannot use %s operations", name)
}

// imagePath returns a path holding the uncompressed image.
func imagePath(path, tmpDir string) (string, error) {
	if !util.IsCompressed(path) {
		return path, nil
	}
	out := filepath.Join(tmpDir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	plog.Infof("Decompressing %s", path)
	if err := util.DecompressFile(out, path); err != nil {
		return "", err
	}
	return out, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if len(genPartitions) == 0 {
		return fmt.Errorf("no --partition given")
	}
	opType, err := parseOperationType(genType)
	if err != nil {
		return err
	}

	g := &generator.Generator{
		MajorVersion: genMajor,
		MaxTimestamp: genTimestamp,
	}
	if genVersion != "" {
		g.NewImageInfo = &metadata.ImageInfo{Version: proto.String(genVersion)}
	}
	for _, path := range genKeys {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		key, err := verifier.ParsePrivateKey(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		g.SigningKeys = append(g.SigningKeys, key)
	}

	tmpDir, err := os.MkdirTemp("", "payload-generate-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	for _, arg := range genPartitions {
		name, path, ok := strings.Cut(arg, "=")
		if !ok || name == "" || path == "" {
			return fmt.Errorf("bad --partition %q, expected name=path", arg)
		}
		image, err := imagePath(path, tmpDir)
		if err != nil {
			return err
		}
		part, err := generator.FullPartitionFromFile(name, image, opType, genChunkBlocks)
		if err != nil {
			return err
		}
		part.RunPostinstall = name == metadata.PartitionNameRoot
		if err := g.Partition(part); err != nil {
			return err
		}
	}

	result, err := g.Write(genOutput)
	if err != nil {
		return err
	}
	section := payloadSection{
		Size:              uint64(len(result.Payload)),
		Hash:              base64.StdEncoding.EncodeToString(digest.RawHashOfBytes(result.Payload)),
		MetadataSize:      result.MetadataSize,
		MetadataSignature: result.MetadataSignatureRSA,
		Type:              update.PayloadFull.String(),
		Version:           genVersion,
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s: %d bytes, metadata %d bytes, signed by %d keys\n",
		genOutput, section.Size, section.MetadataSize, len(g.SigningKeys))

	if genPlanOut != "" {
		data, err := yaml.Marshal(struct {
			Payload payloadSection `yaml:"payload"`
		}{section})
		if err != nil {
			return err
		}
		if err := os.WriteFile(genPlanOut, data, 0644); err != nil {
			return err
		}
	}
	return nil
}
