// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flatcar/update-engine/update"
	"github.com/flatcar/update-engine/update/partition"
)

// payloadSection is the payload section of a plan file.
type payloadSection struct {
	Size              uint64 `yaml:"size"`
	Hash              string `yaml:"hash"`
	MetadataSize      uint64 `yaml:"metadata_size"`
	MetadataSignature string `yaml:"metadata_signature,omitempty"`
	Type              string `yaml:"type,omitempty"`
	Version           string `yaml:"version,omitempty"`
}

// planFile describes one update on disk.
type planFile struct {
	Payload             payloadSection                   `yaml:"payload"`
	HashChecksMandatory bool                             `yaml:"hash_checks_mandatory"`
	PublicKey           string                           `yaml:"public_key,omitempty"`
	PublicKeyRSA        string                           `yaml:"public_key_rsa,omitempty"`
	SourceSlot          *uint32                          `yaml:"source_slot"`
	TargetSlot          *uint32                          `yaml:"target_slot"`
	BuildTimestamp      int64                            `yaml:"build_timestamp"`
	OfficialBuild       bool                             `yaml:"official_build"`
	Prefs               string                           `yaml:"prefs,omitempty"`
	Partitions          map[string]partition.SlotDevices `yaml:"partitions"`
}

func loadPlanFile(path string) (*planFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parsePlanFile(data)
}

func parsePlanFile(data []byte) (*planFile, error) {
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if len(pf.Partitions) == 0 {
		return nil, fmt.Errorf("plan has no partitions")
	}
	if pf.TargetSlot == nil {
		return nil, fmt.Errorf("plan has no target slot")
	}
	if pf.SourceSlot != nil && *pf.SourceSlot == *pf.TargetSlot {
		return nil, fmt.Errorf("source and target are both slot %d", *pf.TargetSlot)
	}
	return &pf, nil
}

// bootControl is the static slot table of the plan. The source slot is
// the current one.
func (pf *planFile) bootControl() (*partition.Static, error) {
	cfg := partition.Config{Partitions: pf.Partitions}
	if pf.SourceSlot != nil {
		cfg.CurrentSlot = *pf.SourceSlot
	}
	return partition.NewStatic(cfg)
}

func (pf *planFile) installPlan() (*update.InstallPlan, error) {
	plan := update.NewInstallPlan()
	if pf.SourceSlot != nil {
		plan.SourceSlot = partition.Slot(*pf.SourceSlot)
	}
	plan.TargetSlot = partition.Slot(*pf.TargetSlot)
	plan.HashChecksMandatory = pf.HashChecksMandatory
	plan.PublicKeyRSA = pf.PublicKeyRSA

	payload, err := pf.Payload.payload()
	if err != nil {
		return nil, err
	}
	plan.Payloads = []update.Payload{*payload}
	return plan, nil
}

func (s *payloadSection) payload() (*update.Payload, error) {
	hash, err := base64.StdEncoding.DecodeString(s.Hash)
	if err != nil {
		return nil, fmt.Errorf("bad payload hash %q: %w", s.Hash, err)
	}
	typ, err := update.ParsePayloadType(s.Type)
	if err != nil {
		return nil, err
	}
	return &update.Payload{
		Size:              s.Size,
		Hash:              hash,
		MetadataSize:      s.MetadataSize,
		MetadataSignature: s.MetadataSignature,
		Type:              typ,
		Version:           s.Version,
	}, nil
}
