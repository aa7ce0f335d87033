// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/flatcar/update-engine/update"
	"github.com/flatcar/update-engine/update/prefs"
)

var (
	cmdResumeStatus = &cobra.Command{
		Use:   "resume-status --prefs prefs.db",
		Short: "Show whether an interrupted update can continue",
		Args:  cobra.NoArgs,
		RunE:  runResumeStatus,
	}

	cmdReset = &cobra.Command{
		Use:   "reset --prefs prefs.db",
		Short: "Forget the progress of an interrupted update",
		Args:  cobra.NoArgs,
		RunE:  runReset,
	}

	resetQuick bool
)

func init() {
	cmdReset.Flags().BoolVar(&resetQuick, "quick", false, "only invalidate the next operation")
	root.AddCommand(cmdResumeStatus, cmdReset)
}

func requirePrefs() (*prefs.Bolt, error) {
	if prefsPath == "" {
		return nil, errors.New("--prefs is required")
	}
	return openPrefs(prefsPath)
}

func runResumeStatus(cmd *cobra.Command, args []string) error {
	db, err := requirePrefs()
	if err != nil {
		return err
	}
	defer db.Close()
	return printResumeStatus(cmd.OutOrStdout(), db)
}

func printResumeStatus(out io.Writer, p prefs.Prefs) error {
	responseHash, err := p.GetString(prefs.UpdateCheckResponseHash)
	if err != nil && !errors.Is(err, prefs.ErrNotFound) {
		return err
	}
	if responseHash == "" {
		fmt.Fprintln(out, "No update in progress")
		return nil
	}
	fmt.Fprintf(out, "Update:           %s\n", responseHash)

	for _, key := range []string{
		prefs.UpdateStateNextOperation,
		prefs.UpdateStateNextDataOffset,
		prefs.ManifestMetadataSize,
		prefs.ManifestSignatureSize,
		prefs.ResumedUpdateFailures,
	} {
		v, err := prefs.GetInt64(p, key)
		if errors.Is(err, prefs.ErrNotFound) {
			continue
		} else if err != nil {
			return err
		}
		fmt.Fprintf(out, "%-36s %d\n", key+":", v)
	}

	if !update.CanResumeUpdate(p, responseHash) {
		fmt.Fprintln(out, "Resumable:        no")
		return nil
	}
	metadataLength, dataStart, err := update.ResumeOffsets(p)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Resumable:        yes, resend %d metadata bytes then continue at %d\n", metadataLength, dataStart)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	db, err := requirePrefs()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := update.ResetUpdateProgress(db, resetQuick); err != nil {
		return err
	}
	plog.Noticef("Update progress reset")
	return nil
}
