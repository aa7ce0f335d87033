// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flatcar/update-engine/update"
	"github.com/flatcar/update-engine/update/digest"
	"github.com/flatcar/update-engine/update/metadata"
	"github.com/flatcar/update-engine/update/verifier"
)

var (
	cmdVerify = &cobra.Command{
		Use:   "verify --public-key key.pem payload.bin",
		Short: "Check the signatures of a payload",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerify,
	}

	verifyPublicKey         string
	verifyMetadataSignature string
	verifyHash              string
)

func init() {
	sv := cmdVerify.Flags().StringVar
	sv(&verifyPublicKey, "public-key", "", "PEM public key")
	sv(&verifyMetadataSignature, "metadata-signature", "", "base64 raw metadata signature from the update check")
	sv(&verifyHash, "hash", "", "expected base64 SHA-256 of the whole payload")
	cmdVerify.MarkFlagRequired("public-key")
	root.AddCommand(cmdVerify)
}

func runVerify(cmd *cobra.Command, args []string) error {
	key, err := verifier.LoadPublicKey(verifyPublicKey)
	if err != nil {
		return err
	}
	payload, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	if verifyHash != "" {
		want, err := base64.StdEncoding.DecodeString(verifyHash)
		if err != nil {
			return fmt.Errorf("bad --hash: %w", err)
		}
		if got := digest.RawHashOfBytes(payload); !bytes.Equal(got, want) {
			return fmt.Errorf("payload hash is %s, expected %s",
				base64.StdEncoding.EncodeToString(got), verifyHash)
		}
		plog.Infof("Payload hash matches")
	}

	var meta metadata.PayloadMetadata
	result, err := meta.ParseHeader(payload)
	if err != nil {
		return err
	}
	if result != metadata.ParseSuccess {
		return fmt.Errorf("parsing payload header: %s", result)
	}
	manifest, err := meta.Manifest(payload)
	if err != nil {
		return err
	}

	if err := update.ValidateMetadataSignature(payload, &meta, verifyMetadataSignature, key); err != nil {
		return err
	}
	if err := update.VerifyPayloadSignature(payload, &meta, manifest, key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: metadata and payload signatures are valid\n", args[0])
	return nil
}
