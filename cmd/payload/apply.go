// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"

	"github.com/flatcar/update-engine/update"
	"github.com/flatcar/update-engine/update/digest"
	"github.com/flatcar/update-engine/update/prefs"
	"github.com/flatcar/update-engine/util"
)

var (
	cmdApply = &cobra.Command{
		Use:   "apply --plan plan.yaml payload.bin",
		Short: "Apply a payload to the target slot",
		Long: `Apply a payload to the partitions of the target slot.

Progress is saved in the prefs database so an interrupted update of the
same payload continues where it stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: runApply,
	}

	applyPlan           string
	applyOmahaResponse  string
	applyAppID          string
	applyCurrentVersion string
	applyPublicKey      string
	applyChunkSize      int
	applyInteractive    bool
)

func init() {
	sv := cmdApply.Flags().StringVar
	sv(&applyPlan, "plan", "", "YAML plan describing slots, partitions and the payload")
	sv(&applyOmahaResponse, "omaha-response", "", "take the payload description from this update check response")
	sv(&applyAppID, "app-id", "", "app in the update check response, the first one if empty")
	sv(&applyCurrentVersion, "current-version", "", "refuse payloads older than this version")
	sv(&applyPublicKey, "public-key", "", "PEM public key the payload is verified with")
	cmdApply.Flags().IntVar(&applyChunkSize, "chunk-size", 256*1024, "bytes handed to the performer at a time")
	cmdApply.Flags().BoolVar(&applyInteractive, "interactive", false, "skip synchronous writes to the target")
	cmdApply.MarkFlagRequired("plan")
	root.AddCommand(cmdApply)
}

// interruptDelegate cancels the update once a signal arrives.
type interruptDelegate struct {
	sig atomic.Value
}

func (d *interruptDelegate) ShouldCancel() error {
	if s, ok := d.sig.Load().(os.Signal); ok {
		return fmt.Errorf("interrupted by %v", s)
	}
	return nil
}

func (d *interruptDelegate) watch() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		for s := range ch {
			plog.Noticef("Received %v, stopping after the current operation", s)
			d.sig.Store(s)
		}
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
	}
}

func runApply(cmd *cobra.Command, args []string) error {
	pf, err := loadPlanFile(applyPlan)
	if err != nil {
		return err
	}
	plan, err := pf.installPlan()
	if err != nil {
		return err
	}
	payload := &plan.Payloads[0]

	// The response hash identifies this update in the prefs.
	responseHash := pf.Payload.Hash
	if applyOmahaResponse != "" {
		data, err := os.ReadFile(applyOmahaResponse)
		if err != nil {
			return err
		}
		resp, err := update.ParseOmahaResponse(data)
		if err != nil {
			return err
		}
		offered, hash, err := update.PayloadFromOmaha(resp, applyAppID)
		if err != nil {
			return err
		}
		*payload = *offered
		responseHash = hash
	}
	if applyCurrentVersion != "" && payload.Version != "" {
		if err := update.CheckVersion(payload.Version, applyCurrentVersion); err != nil {
			return err
		}
	}

	bc, err := pf.bootControl()
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if payload.Size == 0 {
		payload.Size = uint64(st.Size())
	}
	if len(payload.Hash) == 0 {
		plog.Warningf("No payload hash given, trusting %s", args[0])
		payload.Hash, _, err = digest.RawHashOfFile(args[0], -1)
		if err != nil {
			return err
		}
	}
	if responseHash == "" {
		responseHash = base64.StdEncoding.EncodeToString(payload.Hash)
	}

	var store prefs.Prefs = prefs.NewMemory()
	if path := firstNonEmpty(prefsPath, pf.Prefs); path != "" {
		db, err := openPrefs(path)
		if err != nil {
			return err
		}
		defer db.Close()
		store = db
	}

	reader := io.NewSectionReader(f, 0, st.Size())
	var resumeData io.Reader
	if update.CanResumeUpdate(store, responseHash) {
		metadataLength, dataStart, err := update.ResumeOffsets(store)
		if err != nil {
			return err
		}
		plog.Noticef("Resuming update at payload offset %d", dataStart)
		plan.IsResume = true
		resumeData = io.NewSectionReader(f, int64(dataStart), st.Size()-int64(dataStart))
		reader = io.NewSectionReader(f, 0, int64(metadataLength))
	} else {
		if err := update.ResetUpdateProgress(store, false); err != nil {
			return err
		}
		if err := store.SetString(prefs.UpdateCheckResponseHash, responseHash); err != nil {
			return err
		}
	}

	delegate := &interruptDelegate{}
	defer delegate.watch()()

	performer := update.NewPerformer(plan, payload, update.Config{
		Prefs:         store,
		BootControl:   bc,
		Hardware:      update.StaticHardware{Official: pf.OfficialBuild, Timestamp: pf.BuildTimestamp},
		Delegate:      delegate,
		PublicKeyPath: firstNonEmpty(applyPublicKey, pf.PublicKey),
		Interactive:   applyInteractive,
	})

	src := io.Reader(reader)
	if resumeData != nil {
		src = io.MultiReader(reader, resumeData)
	}
	if _, err := util.CopyProgress(capnslog.NOTICE, "Applying", performer, src, st.Size(), applyChunkSize); err != nil {
		performer.Close()
		if errors.Is(err, update.ErrAlreadyApplied) {
			plog.Noticef("Payload was already applied to slot %s", plan.TargetSlot)
			return nil
		}
		return fmt.Errorf("update failed with %s: %w", update.CodeOf(err), err)
	}
	if err := performer.Close(); err != nil {
		return fmt.Errorf("update failed with %s: %w", update.CodeOf(err), err)
	}
	if err := performer.VerifyPayload(payload.Hash, payload.Size); err != nil {
		return fmt.Errorf("update failed with %s: %w", update.CodeOf(err), err)
	}

	if err := update.ResetUpdateProgress(store, false); err != nil {
		plog.Warningf("Unable to reset update progress: %v", err)
	}
	for _, part := range plan.Partitions {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d bytes\n", part.Name, part.TargetPath, part.TargetSize)
	}
	plog.Noticef("Update applied to slot %s", plan.TargetSlot)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
